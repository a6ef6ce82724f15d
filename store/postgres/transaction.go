package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

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

	_, err = s.pool.Exec(ctx, `
		INSERT INTO loom_transactions (
			id, workflow_id, state, input, outputs, decisions, result,
			waiting_step, wait_deadline, error,
			started_at, completed_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10,
			$11, $12, $13, $14
		)`,
		txn.ID.String(), txn.WorkflowID, string(txn.State), txn.Input, outputs, decisions, []byte(txn.Result),
		txn.WaitingStep, txn.WaitDeadline, txn.Error,
		txn.StartedAt, txn.CompletedAt, txn.CreatedAt, txn.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return loom.ErrTransactionExists
		}
		return fmt.Errorf("loom/postgres: create transaction: %w", err)
	}
	return nil
}

// GetTransaction retrieves a transaction by id.
func (s *Store) GetTransaction(ctx context.Context, txnID id.TransactionID) (*workflow.Transaction, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM loom_transactions WHERE id = $1`,
		txnID.String(),
	)

	txn, err := scanTransaction(row)
	if err != nil {
		if isNoRows(err) {
			return nil, loom.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("loom/postgres: get transaction: %w", err)
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
	tag, err := s.pool.Exec(ctx, `
		UPDATE loom_transactions SET
			workflow_id = $2, state = $3, input = $4, outputs = $5, decisions = $6, result = $7,
			waiting_step = $8, wait_deadline = $9, error = $10,
			started_at = $11, completed_at = $12, updated_at = $13
		WHERE id = $1`,
		txn.ID.String(), txn.WorkflowID, string(txn.State), txn.Input, outputs, decisions, []byte(txn.Result),
		txn.WaitingStep, txn.WaitDeadline, txn.Error,
		txn.StartedAt, txn.CompletedAt, txn.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("loom/postgres: update transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return loom.ErrTransactionNotFound
	}
	return nil
}

// ListTransactions returns transactions matching the given options,
// newest first.
func (s *Store) ListTransactions(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM loom_transactions WHERE TRUE`
	args := []any{}
	n := 0

	if opts.WorkflowID != "" {
		n++
		query += fmt.Sprintf(" AND workflow_id = $%d", n)
		args = append(args, opts.WorkflowID)
	}
	if opts.State != "" {
		n++
		query += fmt.Sprintf(" AND state = $%d", n)
		args = append(args, string(opts.State))
	}

	query += " ORDER BY created_at DESC, id DESC"
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
		return nil, fmt.Errorf("loom/postgres: list transactions: %w", err)
	}
	defer rows.Close()

	return collectTransactions(rows)
}

// ListExpiredWaiting returns waiting transactions whose deadline is at
// or before now, soonest first.
func (s *Store) ListExpiredWaiting(ctx context.Context, now time.Time, limit int) ([]*workflow.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM loom_transactions
		WHERE state = $1 AND wait_deadline IS NOT NULL AND wait_deadline <= $2
		ORDER BY wait_deadline ASC`
	args := []any{string(workflow.StateWaitingExternal), now}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("loom/postgres: list expired waiting: %w", err)
	}
	defer rows.Close()

	return collectTransactions(rows)
}

// CreateStepExecution persists a new step execution record.
func (s *Store) CreateStepExecution(ctx context.Context, exec *workflow.StepExecution) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO loom_step_executions (
			id, transaction_id, step_name, status, attempt,
			input, output, error,
			started_at, finished_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8,
			$9, $10, $11, $12
		)`,
		exec.ID.String(), exec.TransactionID.String(), exec.StepName, string(exec.Status), exec.Attempt,
		[]byte(exec.Input), []byte(exec.Output), exec.Error,
		exec.StartedAt, exec.FinishedAt, exec.CreatedAt, exec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("loom/postgres: create step execution: %w", err)
	}
	return nil
}

// UpdateStepExecution persists changes to an execution record.
func (s *Store) UpdateStepExecution(ctx context.Context, exec *workflow.StepExecution) error {
	exec.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE loom_step_executions SET
			status = $2, attempt = $3, input = $4, output = $5, error = $6,
			started_at = $7, finished_at = $8, updated_at = $9
		WHERE id = $1`,
		exec.ID.String(), string(exec.Status), exec.Attempt,
		[]byte(exec.Input), []byte(exec.Output), exec.Error,
		exec.StartedAt, exec.FinishedAt, exec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("loom/postgres: update step execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return loom.ErrStepExecutionNotFound
	}
	return nil
}

// ListStepExecutions returns all execution records for a transaction in
// creation order.
func (s *Store) ListStepExecutions(ctx context.Context, txnID id.TransactionID) ([]*workflow.StepExecution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT
			id, transaction_id, step_name, status, attempt,
			input, output, error,
			started_at, finished_at, created_at, updated_at
		FROM loom_step_executions
		WHERE transaction_id = $1
		ORDER BY created_at ASC, id ASC`,
		txnID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("loom/postgres: list step executions: %w", err)
	}
	defer rows.Close()

	var execs []*workflow.StepExecution
	for rows.Next() {
		exec, err := scanStepExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("loom/postgres: scan step execution: %w", err)
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

// CountStepExecutions returns how many attempts the named step has
// recorded for the transaction.
func (s *Store) CountStepExecutions(ctx context.Context, txnID id.TransactionID, stepName string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM loom_step_executions
		WHERE transaction_id = $1 AND step_name = $2`,
		txnID.String(), stepName,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("loom/postgres: count step executions: %w", err)
	}
	return count, nil
}

// encodeTxnMaps marshals the Outputs and Decisions maps for storage.
// Nil maps are stored as SQL NULL.
func encodeTxnMaps(txn *workflow.Transaction) (outputs, decisions []byte, err error) {
	if txn.Outputs != nil {
		outputs, err = json.Marshal(txn.Outputs)
		if err != nil {
			return nil, nil, fmt.Errorf("loom/postgres: encode outputs: %w", err)
		}
	}
	if txn.Decisions != nil {
		decisions, err = json.Marshal(txn.Decisions)
		if err != nil {
			return nil, nil, fmt.Errorf("loom/postgres: encode decisions: %w", err)
		}
	}
	return outputs, decisions, nil
}

// scanTransaction reads one transaction row.
func scanTransaction(row pgx.Row) (*workflow.Transaction, error) {
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

func collectTransactions(rows pgx.Rows) ([]*workflow.Transaction, error) {
	var txns []*workflow.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("loom/postgres: scan transaction: %w", err)
		}
		txns = append(txns, txn)
	}
	return txns, rows.Err()
}

// scanStepExecution reads one execution row.
func scanStepExecution(row pgx.Row) (*workflow.StepExecution, error) {
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
