package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/loomery/loom"
	"github.com/loomery/loom/id"
	"github.com/loomery/loom/intervention"
)

const interventionColumns = `
	id, transaction_id, workflow_id, step_name, output,
	error, resolution, failed_at, resolved_at, created_at`

// PushIntervention adds a failed compensation entry to the queue.
func (s *Store) PushIntervention(ctx context.Context, entry *intervention.Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO loom_interventions (
			id, transaction_id, workflow_id, step_name, output,
			error, resolution, failed_at, resolved_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID.String(), entry.TransactionID.String(), entry.WorkflowID, entry.StepName,
		[]byte(entry.Output), entry.Error, entry.Resolution,
		entry.FailedAt, entry.ResolvedAt, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("loom/sqlite: push intervention: %w", err)
	}
	return nil
}

// GetIntervention retrieves an entry by id.
func (s *Store) GetIntervention(ctx context.Context, entryID id.InterventionID) (*intervention.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+interventionColumns+` FROM loom_interventions WHERE id = ?`,
		entryID.String(),
	)

	var (
		entry  intervention.Entry
		output []byte
	)
	err := row.Scan(
		&entry.ID, &entry.TransactionID, &entry.WorkflowID, &entry.StepName, &output,
		&entry.Error, &entry.Resolution, &entry.FailedAt, &entry.ResolvedAt, &entry.CreatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, loom.ErrInterventionNotFound
		}
		return nil, fmt.Errorf("loom/sqlite: get intervention: %w", err)
	}
	entry.Output = output
	return &entry, nil
}

// ListInterventions returns entries matching the given options, oldest first.
func (s *Store) ListInterventions(ctx context.Context, opts intervention.ListOpts) ([]*intervention.Entry, error) {
	query := `SELECT ` + interventionColumns + ` FROM loom_interventions WHERE TRUE`
	args := []any{}

	if opts.Unresolved {
		query += " AND resolved_at IS NULL"
	}
	if !opts.TransactionID.IsNil() {
		query += " AND transaction_id = ?"
		args = append(args, opts.TransactionID.String())
	}

	query += " ORDER BY created_at ASC, id ASC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("loom/sqlite: list interventions: %w", err)
	}
	defer rows.Close()

	var entries []*intervention.Entry
	for rows.Next() {
		var (
			entry  intervention.Entry
			output []byte
		)
		err := rows.Scan(
			&entry.ID, &entry.TransactionID, &entry.WorkflowID, &entry.StepName, &output,
			&entry.Error, &entry.Resolution, &entry.FailedAt, &entry.ResolvedAt, &entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("loom/sqlite: scan intervention: %w", err)
		}
		entry.Output = output
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// ResolveIntervention marks an entry handled with the operator's note.
func (s *Store) ResolveIntervention(ctx context.Context, entryID id.InterventionID, resolution string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE loom_interventions SET resolution = ?, resolved_at = ?
		WHERE id = ?`,
		resolution, time.Now().UTC(), entryID.String(),
	)
	if err != nil {
		return fmt.Errorf("loom/sqlite: resolve intervention: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return loom.ErrInterventionNotFound
	}
	return nil
}

// CountInterventions returns the number of unresolved entries.
func (s *Store) CountInterventions(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM loom_interventions WHERE resolved_at IS NULL`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("loom/sqlite: count interventions: %w", err)
	}
	return count, nil
}
