package bunstore

import (
	"context"
	"fmt"

	"github.com/loomery/loom"
	"github.com/loomery/loom/event"
	"github.com/loomery/loom/id"
)

// PublishEvent persists a new event.
func (s *Store) PublishEvent(ctx context.Context, evt *event.Event) error {
	m := toEventModel(evt)
	_, err := s.db.NewInsert().Model(m).Exec(ctx)
	if err != nil {
		return fmt.Errorf("loom/bun: publish event: %w", err)
	}
	return nil
}

// ListEventsByTransaction returns all events emitted by a transaction,
// in publish order.
func (s *Store) ListEventsByTransaction(ctx context.Context, txnID id.TransactionID) ([]*event.Event, error) {
	var models []eventModel
	err := s.db.NewSelect().Model(&models).
		Where("transaction_id = ?", txnID.String()).
		Order("created_at ASC", "id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("loom/bun: list events: %w", err)
	}
	return collectEventModels(models)
}

// ListUnackedEvents returns up to limit unconsumed events in publish order.
func (s *Store) ListUnackedEvents(ctx context.Context, limit int) ([]*event.Event, error) {
	var models []eventModel
	q := s.db.NewSelect().Model(&models).
		Where("NOT acked").
		Order("created_at ASC", "id ASC")

	if limit > 0 {
		q = q.Limit(limit)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("loom/bun: list unacked events: %w", err)
	}
	return collectEventModels(models)
}

// AckEvent acknowledges an event, marking it as consumed.
func (s *Store) AckEvent(ctx context.Context, eventID id.EventID) error {
	res, err := s.db.NewUpdate().
		Model((*eventModel)(nil)).
		Set("acked = TRUE").
		Where("id = ?", eventID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("loom/bun: ack event: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return loom.ErrEventNotFound
	}
	return nil
}

func collectEventModels(models []eventModel) ([]*event.Event, error) {
	events := make([]*event.Event, 0, len(models))
	for i := range models {
		evt, err := fromEventModel(&models[i])
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, nil
}
