package postgres

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
	_, err := s.pool.Exec(ctx, `
		INSERT INTO loom_interventions (
			id, transaction_id, workflow_id, step_name, output,
			error, resolution, failed_at, resolved_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.ID.String(), entry.TransactionID.String(), entry.WorkflowID, entry.StepName,
		[]byte(entry.Output), entry.Error, entry.Resolution,
		entry.FailedAt, entry.ResolvedAt, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("loom/postgres: push intervention: %w", err)
	}
	return nil
}

// GetIntervention retrieves an entry by id.
func (s *Store) GetIntervention(ctx context.Context, entryID id.InterventionID) (*intervention.Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+interventionColumns+` FROM loom_interventions WHERE id = $1`,
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
		return nil, fmt.Errorf("loom/postgres: get intervention: %w", err)
	}
	entry.Output = output
	return &entry, nil
}

// ListInterventions returns entries matching the given options, oldest first.
func (s *Store) ListInterventions(ctx context.Context, opts intervention.ListOpts) ([]*intervention.Entry, error) {
	query := `SELECT ` + interventionColumns + ` FROM loom_interventions WHERE TRUE`
	args := []any{}
	n := 0

	if opts.Unresolved {
		query += " AND resolved_at IS NULL"
	}
	if !opts.TransactionID.IsNil() {
		n++
		query += fmt.Sprintf(" AND transaction_id = $%d", n)
		args = append(args, opts.TransactionID.String())
	}

	query += " ORDER BY created_at ASC, id ASC"
	if opts.Limit > 0 {
		n++
		query += fmt.Sprintf(" LIMIT $%d", n)
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		n++
		query += fmt.Sprintf(" OFFSET $%d", n)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("loom/postgres: list interventions: %w", err)
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
			return nil, fmt.Errorf("loom/postgres: scan intervention: %w", err)
		}
		entry.Output = output
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// ResolveIntervention marks an entry handled with the operator's note.
func (s *Store) ResolveIntervention(ctx context.Context, entryID id.InterventionID, resolution string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE loom_interventions SET resolution = $2, resolved_at = $3
		WHERE id = $1`,
		entryID.String(), resolution, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("loom/postgres: resolve intervention: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return loom.ErrInterventionNotFound
	}
	return nil
}

// CountInterventions returns the number of unresolved entries.
func (s *Store) CountInterventions(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM loom_interventions WHERE resolved_at IS NULL`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("loom/postgres: count interventions: %w", err)
	}
	return count, nil
}
