package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/loomery/loom"
	"github.com/loomery/loom/event"
	"github.com/loomery/loom/id"
)

// PublishEvent persists a new event.
func (s *Store) PublishEvent(ctx context.Context, evt *event.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO loom_events (id, transaction_id, step_name, name, payload, acked, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		evt.ID.String(), evt.TransactionID.String(), evt.StepName, evt.Name,
		evt.Payload, evt.Acked, evt.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("loom/sqlite: publish event: %w", err)
	}
	return nil
}

// ListEventsByTransaction returns all events emitted by a transaction,
// in publish order.
func (s *Store) ListEventsByTransaction(ctx context.Context, txnID id.TransactionID) ([]*event.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, step_name, name, payload, acked, created_at
		FROM loom_events
		WHERE transaction_id = ?
		ORDER BY created_at ASC, id ASC`,
		txnID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("loom/sqlite: list events: %w", err)
	}
	defer rows.Close()

	return collectEvents(rows)
}

// ListUnackedEvents returns up to limit unconsumed events in publish order.
func (s *Store) ListUnackedEvents(ctx context.Context, limit int) ([]*event.Event, error) {
	query := `
		SELECT id, transaction_id, step_name, name, payload, acked, created_at
		FROM loom_events
		WHERE acked = 0
		ORDER BY created_at ASC, id ASC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("loom/sqlite: list unacked events: %w", err)
	}
	defer rows.Close()

	return collectEvents(rows)
}

// AckEvent acknowledges an event, marking it as consumed.
func (s *Store) AckEvent(ctx context.Context, eventID id.EventID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE loom_events SET acked = 1 WHERE id = ?`,
		eventID.String(),
	)
	if err != nil {
		return fmt.Errorf("loom/sqlite: ack event: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return loom.ErrEventNotFound
	}
	return nil
}

func collectEvents(rows *sql.Rows) ([]*event.Event, error) {
	var events []*event.Event
	for rows.Next() {
		var evt event.Event
		err := rows.Scan(
			&evt.ID, &evt.TransactionID, &evt.StepName, &evt.Name,
			&evt.Payload, &evt.Acked, &evt.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("loom/sqlite: scan event: %w", err)
		}
		events = append(events, &evt)
	}
	return events, rows.Err()
}
