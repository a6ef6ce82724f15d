package event

import (
	"context"

	"github.com/loomery/loom/id"
)

// Store defines the persistence contract for emitted events.
type Store interface {
	// PublishEvent persists a new event and makes it available to consumers.
	PublishEvent(ctx context.Context, evt *Event) error

	// ListEventsByTransaction returns all events emitted by a transaction,
	// in publish order.
	ListEventsByTransaction(ctx context.Context, txnID id.TransactionID) ([]*Event, error)

	// ListUnackedEvents returns up to limit unconsumed events in publish
	// order. Zero means no limit.
	ListUnackedEvents(ctx context.Context, limit int) ([]*Event, error)

	// AckEvent acknowledges an event, marking it as consumed.
	AckEvent(ctx context.Context, eventID id.EventID) error
}
