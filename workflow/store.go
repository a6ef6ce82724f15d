package workflow

import (
	"context"
	"time"

	"github.com/loomery/loom/id"
)

// ListOpts controls filtering and pagination for transaction list queries.
type ListOpts struct {
	// Limit is the maximum number of transactions to return. Zero means
	// no limit.
	Limit int
	// Offset is the number of transactions to skip.
	Offset int
	// WorkflowID filters by workflow. Empty means all workflows.
	WorkflowID string
	// State filters by transaction state. Empty means all states.
	State State
}

// Store defines the persistence contract for transactions and their
// step execution records.
type Store interface {
	// CreateTransaction persists a new transaction. Returns
	// loom.ErrTransactionExists if the id is already taken.
	CreateTransaction(ctx context.Context, txn *Transaction) error

	// GetTransaction retrieves a transaction by id.
	GetTransaction(ctx context.Context, txnID id.TransactionID) (*Transaction, error)

	// UpdateTransaction persists changes to an existing transaction.
	UpdateTransaction(ctx context.Context, txn *Transaction) error

	// ListTransactions returns transactions matching the given options,
	// newest first.
	ListTransactions(ctx context.Context, opts ListOpts) ([]*Transaction, error)

	// ListExpiredWaiting returns up to limit transactions in the
	// waiting-external state whose wait deadline is at or before now.
	ListExpiredWaiting(ctx context.Context, now time.Time, limit int) ([]*Transaction, error)

	// CreateStepExecution persists a new step execution record.
	CreateStepExecution(ctx context.Context, exec *StepExecution) error

	// UpdateStepExecution persists changes to an execution record.
	UpdateStepExecution(ctx context.Context, exec *StepExecution) error

	// ListStepExecutions returns all execution records for a
	// transaction in creation order.
	ListStepExecutions(ctx context.Context, txnID id.TransactionID) ([]*StepExecution, error)

	// CountStepExecutions returns how many attempts the named step has
	// recorded for the transaction.
	CountStepExecutions(ctx context.Context, txnID id.TransactionID, stepName string) (int, error)
}
