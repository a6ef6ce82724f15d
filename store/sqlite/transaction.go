package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loomery/loom"
	"github.com/loomery/loom/id"
	"github.com/loomery/loom/workflow"
)

const transactionColumns = `
	id, workflow_id, state, input, outputs, decisions, result,
	waiting_step, wait_deadline, error,
	started_at, completed_at, created_at, updated_at`

// CreateTransaction persists a new transaction.
func (s *Store) CreateTransaction(ctx context.Context, txn *workflow.Transaction) error {
	outputs, decisions, err := encodeTxnMaps(txn)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO loom_transactions (
			id, workflow_id, state, input, outputs, decisions, result,
			waiting_step, wait_deadline, error,
			started_at, completed_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID.String(), txn.WorkflowID, string(txn.State), txn.Input, outputs, decisions, []byte(txn.Result),
		txn.WaitingStep, txn.WaitDeadline, txn.Error,
		txn.StartedAt, txn.CompletedAt, txn.CreatedAt, txn.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return loom.ErrTransactionExists
		}
		return fmt.Errorf("loom/sqlite: create transaction: %w", err)
	}
	return nil
}

// GetTransaction retrieves a transaction by id.
func (s *Store) GetTransaction(ctx context.Context, txnID id.TransactionID) (*workflow.Transaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM loom_transactions WHERE id = ?`,
		txnID.String(),
	)

	txn, err := scanTransaction(row)
	if err != nil {
		if isNoRows(err) {
			return nil, loom.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("loom/sqlite: get transaction: %w", err)
	}
	return txn, nil
}

// UpdateTransaction persists changes to an existing transaction.
func (s *Store) UpdateTransaction(ctx context.Context, txn *workflow.Transaction) error {
	outputs, decisions, err := encodeTxnMaps(txn)
	if err != nil {
		return err
	}

	txn.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE loom_transactions SET
			workflow_id = ?, state = ?, input = ?, outputs = ?, decisions = ?, result = ?,
			waiting_step = ?, wait_deadline = ?, error = ?,
			started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ?`,
		txn.WorkflowID, string(txn.State), txn.Input, outputs, decisions, []byte(txn.Result),
		txn.WaitingStep, txn.WaitDeadline, txn.Error,
		txn.StartedAt, txn.CompletedAt, txn.UpdatedAt,
		txn.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("loom/sqlite: update transaction: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return loom.ErrTransactionNotFound
	}
	return nil
}

// ListTransactions returns transactions matching the given options,
// newest first.
func (s *Store) ListTransactions(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM loom_transactions WHERE TRUE`
	args := []any{}

	if opts.WorkflowID != "" {
		query += " AND workflow_id = ?"
		args = append(args, opts.WorkflowID)
	}
	if opts.State != "" {
		query += " AND state = ?"
		args = append(args, string(opts.State))
	}

	query += " ORDER BY created_at DESC, id DESC"
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
		return nil, fmt.Errorf("loom/sqlite: list transactions: %w", err)
	}
	defer rows.Close()

	return collectTransactions(rows)
}

// ListExpiredWaiting returns waiting transactions whose deadline is at
// or before now, soonest first.
func (s *Store) ListExpiredWaiting(ctx context.Context, now time.Time, limit int) ([]*workflow.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM loom_transactions
		WHERE state = ? AND wait_deadline IS NOT NULL AND wait_deadline <= ?
		ORDER BY wait_deadline ASC`
	args := []any{string(workflow.StateWaitingExternal), now}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("loom/sqlite: list expired waiting: %w", err)
	}
	defer rows.Close()

	return collectTransactions(rows)
}

// CreateStepExecution persists a new step execution record.
func (s *Store) CreateStepExecution(ctx context.Context, exec *workflow.StepExecution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO loom_step_executions (
			id, transaction_id, step_name, status, attempt,
			input, output, error,
			started_at, finished_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID.String(), exec.TransactionID.String(), exec.StepName, string(exec.Status), exec.Attempt,
		[]byte(exec.Input), []byte(exec.Output), exec.Error,
		exec.StartedAt, exec.FinishedAt, exec.CreatedAt, exec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("loom/sqlite: create step execution: %w", err)
	}
	return nil
}

// UpdateStepExecution persists changes to an execution record.
func (s *Store) UpdateStepExecution(ctx context.Context, exec *workflow.StepExecution) error {
	exec.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE loom_step_executions SET
			status = ?, attempt = ?, input = ?, output = ?, error = ?,
			started_at = ?, finished_at = ?, updated_at = ?
		WHERE id = ?`,
		string(exec.Status), exec.Attempt,
		[]byte(exec.Input), []byte(exec.Output), exec.Error,
		exec.StartedAt, exec.FinishedAt, exec.UpdatedAt,
		exec.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("loom/sqlite: update step execution: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return loom.ErrStepExecutionNotFound
	}
	return nil
}

// ListStepExecutions returns all execution records for a transaction in
// creation order.
func (s *Store) ListStepExecutions(ctx context.Context, txnID id.TransactionID) ([]*workflow.StepExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			id, transaction_id, step_name, status, attempt,
			input, output, error,
			started_at, finished_at, created_at, updated_at
		FROM loom_step_executions
		WHERE transaction_id = ?
		ORDER BY created_at ASC, id ASC`,
		txnID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("loom/sqlite: list step executions: %w", err)
	}
	defer rows.Close()

	var execs []*workflow.StepExecution
	for rows.Next() {
		exec, err := scanStepExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("loom/sqlite: scan step execution: %w", err)
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

// CountStepExecutions returns how many attempts the named step has
// recorded for the transaction.
func (s *Store) CountStepExecutions(ctx context.Context, txnID id.TransactionID, stepName string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM loom_step_executions
		WHERE transaction_id = ? AND step_name = ?`,
		txnID.String(), stepName,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("loom/sqlite: count step executions: %w", err)
	}
	return count, nil
}

// encodeTxnMaps marshals the Outputs and Decisions maps for storage.
// Nil maps are stored as SQL NULL.
func encodeTxnMaps(txn *workflow.Transaction) (outputs, decisions []byte, err error) {
	if txn.Outputs != nil {
		outputs, err = json.Marshal(txn.Outputs)
		if err != nil {
			return nil, nil, fmt.Errorf("loom/sqlite: encode outputs: %w", err)
		}
	}
	if txn.Decisions != nil {
		decisions, err = json.Marshal(txn.Decisions)
		if err != nil {
			return nil, nil, fmt.Errorf("loom/sqlite: encode decisions: %w", err)
		}
	}
	return outputs, decisions, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// scanTransaction reads one transaction row.
func scanTransaction(row scanner) (*workflow.Transaction, error) {
	var (
		txn       workflow.Transaction
		state     string
		outputs   []byte
		decisions []byte
		result    []byte
	)
	err := row.Scan(
		&txn.ID, &txn.WorkflowID, &state, &txn.Input, &outputs, &decisions, &result,
		&txn.WaitingStep, &txn.WaitDeadline, &txn.Error,
		&txn.StartedAt, &txn.CompletedAt, &txn.CreatedAt, &txn.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	txn.State = workflow.State(state)
	txn.Result = result
	if len(outputs) > 0 {
		if err := json.Unmarshal(outputs, &txn.Outputs); err != nil {
			return nil, fmt.Errorf("decode outputs: %w", err)
		}
	}
	if len(decisions) > 0 {
		if err := json.Unmarshal(decisions, &txn.Decisions); err != nil {
			return nil, fmt.Errorf("decode decisions: %w", err)
		}
	}
	return &txn, nil
}

func collectTransactions(rows *sql.Rows) ([]*workflow.Transaction, error) {
	var txns []*workflow.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("loom/sqlite: scan transaction: %w", err)
		}
		txns = append(txns, txn)
	}
	return txns, rows.Err()
}

// scanStepExecution reads one execution row.
func scanStepExecution(row scanner) (*workflow.StepExecution, error) {
	var (
		exec   workflow.StepExecution
		status string
		input  []byte
		output []byte
	)
	err := row.Scan(
		&exec.ID, &exec.TransactionID, &exec.StepName, &status, &exec.Attempt,
		&input, &output, &exec.Error,
		&exec.StartedAt, &exec.FinishedAt, &exec.CreatedAt, &exec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	exec.Status = workflow.StepStatus(status)
	exec.Input = input
	exec.Output = output
	return &exec, nil
}
