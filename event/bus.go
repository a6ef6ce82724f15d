package event

import (
	"context"
	"time"

	"github.com/loomery/loom/id"
)

// Bus provides high-level publish/consume operations over an event Store.
// The orchestrator publishes through it after each step commits; external
// dispatchers (notification senders, analytics, …) drain unacked events
// and acknowledge them once handled.
type Bus struct {
	store Store
}

// NewBus creates an event bus backed by the given store.
func NewBus(store Store) *Bus {
	return &Bus{store: store}
}

// Publish creates and persists a new event emitted by the given step.
func (b *Bus) Publish(ctx context.Context, txnID id.TransactionID, stepName, name string, payload []byte) (*Event, error) {
	evt := &Event{
		ID:            id.NewEventID(),
		TransactionID: txnID,
		StepName:      stepName,
		Name:          name,
		Payload:       payload,
		CreatedAt:     time.Now().UTC(),
	}
	if err := b.store.PublishEvent(ctx, evt); err != nil {
		return nil, err
	}
	return evt, nil
}

// Drain returns up to limit unconsumed events in publish order.
func (b *Bus) Drain(ctx context.Context, limit int) ([]*Event, error) {
	return b.store.ListUnackedEvents(ctx, limit)
}

// Ack acknowledges an event, marking it as consumed.
func (b *Bus) Ack(ctx context.Context, eventID id.EventID) error {
	return b.store.AckEvent(ctx, eventID)
}

// Store returns the underlying event store.
func (b *Bus) Store() Store { return b.store }
