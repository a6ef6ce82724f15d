package bunstore

import (
	"context"
	"fmt"
	"time"

	"github.com/loomery/loom"
	"github.com/loomery/loom/id"
	"github.com/loomery/loom/intervention"
)

// PushIntervention adds a failed compensation entry to the queue.
func (s *Store) PushIntervention(ctx context.Context, entry *intervention.Entry) error {
	m := toInterventionModel(entry)
	_, err := s.db.NewInsert().Model(m).Exec(ctx)
	if err != nil {
		return fmt.Errorf("loom/bun: push intervention: %w", err)
	}
	return nil
}

// GetIntervention retrieves an entry by id.
func (s *Store) GetIntervention(ctx context.Context, entryID id.InterventionID) (*intervention.Entry, error) {
	m := new(interventionModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", entryID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, loom.ErrInterventionNotFound
		}
		return nil, fmt.Errorf("loom/bun: get intervention: %w", err)
	}
	return fromInterventionModel(m)
}

// ListInterventions returns entries matching the given options, oldest first.
func (s *Store) ListInterventions(ctx context.Context, opts intervention.ListOpts) ([]*intervention.Entry, error) {
	var models []interventionModel
	q := s.db.NewSelect().Model(&models)

	if opts.Unresolved {
		q = q.Where("resolved_at IS NULL")
	}
	if !opts.TransactionID.IsNil() {
		q = q.Where("transaction_id = ?", opts.TransactionID.String())
	}

	q = q.Order("created_at ASC", "id ASC")

	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("loom/bun: list interventions: %w", err)
	}

	entries := make([]*intervention.Entry, 0, len(models))
	for i := range models {
		entry, convErr := fromInterventionModel(&models[i])
		if convErr != nil {
			return nil, convErr
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// ResolveIntervention marks an entry handled with the operator's note.
func (s *Store) ResolveIntervention(ctx context.Context, entryID id.InterventionID, resolution string) error {
	res, err := s.db.NewUpdate().
		Model((*interventionModel)(nil)).
		Set("resolution = ?", resolution).
		Set("resolved_at = ?", time.Now().UTC()).
		Where("id = ?", entryID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("loom/bun: resolve intervention: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return loom.ErrInterventionNotFound
	}
	return nil
}

// CountInterventions returns the number of unresolved entries.
func (s *Store) CountInterventions(ctx context.Context) (int64, error) {
	count, err := s.db.NewSelect().
		Model((*interventionModel)(nil)).
		Where("resolved_at IS NULL").
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("loom/bun: count interventions: %w", err)
	}
	return int64(count), nil
}
