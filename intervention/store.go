package intervention

import (
	"context"

	"github.com/loomery/loom/id"
)

// ListOpts controls pagination and filtering for intervention list queries.
type ListOpts struct {
	// Limit is the maximum number of entries to return. Zero means no limit.
	Limit int
	// Offset is the number of entries to skip.
	Offset int
	// Unresolved restricts results to entries not yet resolved.
	Unresolved bool
	// TransactionID filters by transaction. Nil id means all transactions.
	TransactionID id.TransactionID
}

// Store defines the persistence contract for the intervention queue.
type Store interface {
	// PushIntervention adds a failed compensation entry to the queue.
	PushIntervention(ctx context.Context, entry *Entry) error

	// GetIntervention retrieves an entry by id.
	GetIntervention(ctx context.Context, entryID id.InterventionID) (*Entry, error)

	// ListInterventions returns entries matching the given options,
	// oldest first.
	ListInterventions(ctx context.Context, opts ListOpts) ([]*Entry, error)

	// ResolveIntervention marks an entry handled with the operator's note.
	ResolveIntervention(ctx context.Context, entryID id.InterventionID, resolution string) error

	// CountInterventions returns the number of unresolved entries.
	CountInterventions(ctx context.Context) (int64, error)
}
