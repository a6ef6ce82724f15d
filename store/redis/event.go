package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/loomery/loom"
	"github.com/loomery/loom/event"
	"github.com/loomery/loom/id"
)

// PublishEvent stores the event as a Hash and appends it to the
// transaction's event index and the unacked list.
func (s *Store) PublishEvent(ctx context.Context, evt *event.Event) error {
	eID := evt.ID.String()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, eventKey(eID), eventToMap(evt))
	pipe.RPush(ctx, eventIndexKey(evt.TransactionID.String()), eID)
	if !evt.Acked {
		pipe.RPush(ctx, unackedEventsKey, eID)
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("loom/redis: publish event: %w", err)
	}
	return nil
}

// ListEventsByTransaction returns all events emitted by a transaction,
// in publish order.
func (s *Store) ListEventsByTransaction(ctx context.Context, txnID id.TransactionID) ([]*event.Event, error) {
	ids, err := s.client.LRange(ctx, eventIndexKey(txnID.String()), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("loom/redis: list events lrange: %w", err)
	}
	return s.collectEvents(ctx, ids, 0)
}

// ListUnackedEvents returns up to limit unconsumed events in publish order.
func (s *Store) ListUnackedEvents(ctx context.Context, limit int) ([]*event.Event, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}

	ids, err := s.client.LRange(ctx, unackedEventsKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("loom/redis: list unacked lrange: %w", err)
	}
	return s.collectEvents(ctx, ids, limit)
}

// AckEvent acknowledges an event, marking it as consumed.
func (s *Store) AckEvent(ctx context.Context, eventID id.EventID) error {
	eID := eventID.String()
	key := eventKey(eID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("loom/redis: ack check exists: %w", err)
	}
	if exists == 0 {
		return loom.ErrEventNotFound
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, "acked", "1")
	pipe.LRem(ctx, unackedEventsKey, 0, eID)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("loom/redis: ack event: %w", err)
	}
	return nil
}

// ── helpers ──

func (s *Store) collectEvents(ctx context.Context, ids []string, limit int) ([]*event.Event, error) {
	events := make([]*event.Event, 0, len(ids))
	for _, eID := range ids {
		if limit > 0 && len(events) >= limit {
			break
		}
		vals, getErr := s.client.HGetAll(ctx, eventKey(eID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue
		}
		evt, convErr := mapToEvent(vals)
		if convErr != nil {
			continue
		}
		events = append(events, evt)
	}
	return events, nil
}

func eventToMap(evt *event.Event) map[string]interface{} {
	return map[string]interface{}{
		"id":             evt.ID.String(),
		"transaction_id": evt.TransactionID.String(),
		"step_name":      evt.StepName,
		"name":           evt.Name,
		"payload":        string(evt.Payload),
		"acked":          boolToStr(evt.Acked),
		"created_at":     evt.CreatedAt.Format(time.RFC3339Nano),
	}
}

func mapToEvent(m map[string]string) (*event.Event, error) {
	eID, err := id.ParseEventID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("loom/redis: parse event id: %w", err)
	}
	tID, err := id.ParseTransactionID(m["transaction_id"])
	if err != nil {
		return nil, fmt.Errorf("loom/redis: parse event transaction id: %w", err)
	}

	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	return &event.Event{
		ID:            eID,
		TransactionID: tID,
		StepName:      m["step_name"],
		Name:          m["name"],
		Payload:       []byte(m["payload"]),
		Acked:         m["acked"] == "1",
		CreatedAt:     createdAt,
	}, nil
}

func boolToStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
