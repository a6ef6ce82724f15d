package bunstore

import (
	"context"
	"fmt"
	"time"

	"github.com/loomery/loom"
	"github.com/loomery/loom/id"
	"github.com/loomery/loom/workflow"
)

// CreateTransaction persists a new transaction.
func (s *Store) CreateTransaction(ctx context.Context, txn *workflow.Transaction) error {
	m, err := toTransactionModel(txn)
	if err != nil {
		return err
	}

	_, err = s.db.NewInsert().Model(m).Exec(ctx)
	if err != nil {
		if isDuplicateKey(err) {
			return loom.ErrTransactionExists
		}
		return fmt.Errorf("loom/bun: create transaction: %w", err)
	}
	return nil
}

// GetTransaction retrieves a transaction by id.
func (s *Store) GetTransaction(ctx context.Context, txnID id.TransactionID) (*workflow.Transaction, error) {
	m := new(transactionModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", txnID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, loom.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("loom/bun: get transaction: %w", err)
	}
	return fromTransactionModel(m)
}

// UpdateTransaction persists changes to an existing transaction.
func (s *Store) UpdateTransaction(ctx context.Context, txn *workflow.Transaction) error {
	txn.UpdatedAt = time.Now().UTC()
	m, err := toTransactionModel(txn)
	if err != nil {
		return err
	}

	res, err := s.db.NewUpdate().Model(m).WherePK().Exec(ctx)
	if err != nil {
		return fmt.Errorf("loom/bun: update transaction: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return loom.ErrTransactionNotFound
	}
	return nil
}

// ListTransactions returns transactions matching the given options,
// newest first.
func (s *Store) ListTransactions(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Transaction, error) {
	var models []transactionModel
	q := s.db.NewSelect().Model(&models)

	if opts.WorkflowID != "" {
		q = q.Where("workflow_id = ?", opts.WorkflowID)
	}
	if opts.State != "" {
		q = q.Where("state = ?", string(opts.State))
	}

	q = q.Order("created_at DESC", "id DESC")

	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("loom/bun: list transactions: %w", err)
	}

	txns := make([]*workflow.Transaction, 0, len(models))
	for i := range models {
		txn, convErr := fromTransactionModel(&models[i])
		if convErr != nil {
			return nil, convErr
		}
		txns = append(txns, txn)
	}
	return txns, nil
}

// ListExpiredWaiting returns waiting transactions whose deadline is at
// or before now, soonest first.
func (s *Store) ListExpiredWaiting(ctx context.Context, now time.Time, limit int) ([]*workflow.Transaction, error) {
	var models []transactionModel
	q := s.db.NewSelect().Model(&models).
		Where("state = ?", string(workflow.StateWaitingExternal)).
		Where("wait_deadline IS NOT NULL").
		Where("wait_deadline <= ?", now).
		Order("wait_deadline ASC")

	if limit > 0 {
		q = q.Limit(limit)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("loom/bun: list expired waiting: %w", err)
	}

	txns := make([]*workflow.Transaction, 0, len(models))
	for i := range models {
		txn, convErr := fromTransactionModel(&models[i])
		if convErr != nil {
			return nil, convErr
		}
		txns = append(txns, txn)
	}
	return txns, nil
}

// CreateStepExecution persists a new step execution record.
func (s *Store) CreateStepExecution(ctx context.Context, exec *workflow.StepExecution) error {
	m := toStepExecutionModel(exec)
	_, err := s.db.NewInsert().Model(m).Exec(ctx)
	if err != nil {
		return fmt.Errorf("loom/bun: create step execution: %w", err)
	}
	return nil
}

// UpdateStepExecution persists changes to an execution record.
func (s *Store) UpdateStepExecution(ctx context.Context, exec *workflow.StepExecution) error {
	exec.UpdatedAt = time.Now().UTC()
	m := toStepExecutionModel(exec)

	res, err := s.db.NewUpdate().Model(m).WherePK().Exec(ctx)
	if err != nil {
		return fmt.Errorf("loom/bun: update step execution: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return loom.ErrStepExecutionNotFound
	}
	return nil
}

// ListStepExecutions returns all execution records for a transaction in
// creation order.
func (s *Store) ListStepExecutions(ctx context.Context, txnID id.TransactionID) ([]*workflow.StepExecution, error) {
	var models []stepExecutionModel
	err := s.db.NewSelect().Model(&models).
		Where("transaction_id = ?", txnID.String()).
		Order("created_at ASC", "id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("loom/bun: list step executions: %w", err)
	}

	execs := make([]*workflow.StepExecution, 0, len(models))
	for i := range models {
		exec, convErr := fromStepExecutionModel(&models[i])
		if convErr != nil {
			return nil, convErr
		}
		execs = append(execs, exec)
	}
	return execs, nil
}

// CountStepExecutions returns how many attempts the named step has
// recorded for the transaction.
func (s *Store) CountStepExecutions(ctx context.Context, txnID id.TransactionID, stepName string) (int, error) {
	count, err := s.db.NewSelect().
		Model((*stepExecutionModel)(nil)).
		Where("transaction_id = ?", txnID.String()).
		Where("step_name = ?", stepName).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("loom/bun: count step executions: %w", err)
	}
	return count, nil
}
