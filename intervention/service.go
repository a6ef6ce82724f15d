package intervention

import (
	"context"
	"encoding/json"
	"time"

	"github.com/loomery/loom/id"
	"github.com/loomery/loom/workflow"
)

// Service provides high-level intervention queue operations over a Store.
type Service struct {
	store Store
}

// NewService creates an intervention service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Push builds an Entry from a failed compensation and persists it.
// The output is whatever the compensating function was given, so the
// operator sees exactly what needs undoing.
func (s *Service) Push(ctx context.Context, txn *workflow.Transaction, stepName string, output json.RawMessage, compErr error) (*Entry, error) {
	now := time.Now().UTC()
	entry := &Entry{
		ID:            id.NewInterventionID(),
		TransactionID: txn.ID,
		WorkflowID:    txn.WorkflowID,
		StepName:      stepName,
		Output:        output,
		Error:         compErr.Error(),
		FailedAt:      now,
		CreatedAt:     now,
	}
	if err := s.store.PushIntervention(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Get retrieves an entry by id.
func (s *Service) Get(ctx context.Context, entryID id.InterventionID) (*Entry, error) {
	return s.store.GetIntervention(ctx, entryID)
}

// List returns entries matching the given options.
func (s *Service) List(ctx context.Context, opts ListOpts) ([]*Entry, error) {
	return s.store.ListInterventions(ctx, opts)
}

// Resolve marks an entry handled with the operator's note.
func (s *Service) Resolve(ctx context.Context, entryID id.InterventionID, resolution string) error {
	return s.store.ResolveIntervention(ctx, entryID, resolution)
}

// Count returns the number of unresolved entries. Useful as a health
// signal; a growing count means cleanups are piling up.
func (s *Service) Count(ctx context.Context) (int64, error) {
	return s.store.CountInterventions(ctx)
}

// InterventionStore returns the underlying store for direct access.
func (s *Service) InterventionStore() Store {
	return s.store
}
