package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/loomery/loom"
	"github.com/loomery/loom/id"
	"github.com/loomery/loom/intervention"
)

// PushIntervention stores the entry as a Hash and appends it to the
// creation-order index.
func (s *Store) PushIntervention(ctx context.Context, entry *intervention.Entry) error {
	eID := entry.ID.String()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, interventionKey(eID), interventionToMap(entry))
	pipe.RPush(ctx, interventionIDsKey, eID)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("loom/redis: push intervention: %w", err)
	}
	return nil
}

// GetIntervention retrieves an entry by ID.
func (s *Store) GetIntervention(ctx context.Context, entryID id.InterventionID) (*intervention.Entry, error) {
	vals, err := s.client.HGetAll(ctx, interventionKey(entryID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("loom/redis: get intervention: %w", err)
	}
	if len(vals) == 0 {
		return nil, loom.ErrInterventionNotFound
	}
	return mapToIntervention(vals)
}

// ListInterventions returns entries matching the given options, oldest first.
func (s *Store) ListInterventions(ctx context.Context, opts intervention.ListOpts) ([]*intervention.Entry, error) {
	ids, err := s.client.LRange(ctx, interventionIDsKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("loom/redis: list interventions lrange: %w", err)
	}

	entries := make([]*intervention.Entry, 0, len(ids))
	for _, eID := range ids {
		vals, getErr := s.client.HGetAll(ctx, interventionKey(eID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue
		}
		entry, convErr := mapToIntervention(vals)
		if convErr != nil {
			continue
		}
		if opts.Unresolved && entry.Resolved() {
			continue
		}
		if !opts.TransactionID.IsNil() && entry.TransactionID != opts.TransactionID {
			continue
		}
		entries = append(entries, entry)
	}

	return paginate(entries, opts.Offset, opts.Limit), nil
}

// ResolveIntervention marks an entry handled with the operator's note.
func (s *Store) ResolveIntervention(ctx context.Context, entryID id.InterventionID, resolution string) error {
	key := interventionKey(entryID.String())

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("loom/redis: resolve check exists: %w", err)
	}
	if exists == 0 {
		return loom.ErrInterventionNotFound
	}

	_, err = s.client.HSet(ctx, key,
		"resolution", resolution,
		"resolved_at", time.Now().UTC().Format(time.RFC3339Nano),
	).Result()
	if err != nil {
		return fmt.Errorf("loom/redis: resolve intervention: %w", err)
	}
	return nil
}

// CountInterventions returns the number of unresolved entries.
func (s *Store) CountInterventions(ctx context.Context) (int64, error) {
	entries, err := s.ListInterventions(ctx, intervention.ListOpts{Unresolved: true})
	if err != nil {
		return 0, err
	}
	return int64(len(entries)), nil
}

// ── helpers ──

func interventionToMap(entry *intervention.Entry) map[string]interface{} {
	m := map[string]interface{}{
		"id":             entry.ID.String(),
		"transaction_id": entry.TransactionID.String(),
		"workflow_id":    entry.WorkflowID,
		"step_name":      entry.StepName,
		"output":         string(entry.Output),
		"error":          entry.Error,
		"resolution":     entry.Resolution,
		"failed_at":      entry.FailedAt.Format(time.RFC3339Nano),
		"created_at":     entry.CreatedAt.Format(time.RFC3339Nano),
	}
	if entry.ResolvedAt != nil {
		m["resolved_at"] = entry.ResolvedAt.Format(time.RFC3339Nano)
	}
	return m
}

func mapToIntervention(m map[string]string) (*intervention.Entry, error) {
	eID, err := id.ParseInterventionID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("loom/redis: parse intervention id: %w", err)
	}
	tID, err := id.ParseTransactionID(m["transaction_id"])
	if err != nil {
		return nil, fmt.Errorf("loom/redis: parse intervention transaction id: %w", err)
	}

	failedAt, _ := time.Parse(time.RFC3339Nano, m["failed_at"])   //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	entry := &intervention.Entry{
		ID:            eID,
		TransactionID: tID,
		WorkflowID:    m["workflow_id"],
		StepName:      m["step_name"],
		Output:        []byte(m["output"]),
		Error:         m["error"],
		Resolution:    m["resolution"],
		FailedAt:      failedAt,
		CreatedAt:     createdAt,
	}

	if v := m["resolved_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		entry.ResolvedAt = &t
	}
	return entry, nil
}
