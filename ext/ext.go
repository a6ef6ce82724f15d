// Package ext defines the extension system for Loom.
// Extensions are notified of lifecycle events (transaction started,
// step succeeded, compensation ran, etc.) and can react to them for
// auditing, metrics, or alerting.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

import (
	"context"
	"time"

	"github.com/loomery/loom/id"
	"github.com/loomery/loom/workflow"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Transaction lifecycle hooks
// ──────────────────────────────────────────────────

// TransactionStarted is called after a transaction record is created.
type TransactionStarted interface {
	OnTransactionStarted(ctx context.Context, txn *workflow.Transaction) error
}

// TransactionCompleted is called after every step of a transaction
// succeeds.
type TransactionCompleted interface {
	OnTransactionCompleted(ctx context.Context, txn *workflow.Transaction, elapsed time.Duration) error
}

// TransactionFailed is called when a transaction fails terminally,
// before any compensation runs.
type TransactionFailed interface {
	OnTransactionFailed(ctx context.Context, txn *workflow.Transaction, err error) error
}

// TransactionReverted is called after a compensation pass finishes,
// whether or not every compensation succeeded.
type TransactionReverted interface {
	OnTransactionReverted(ctx context.Context, txn *workflow.Transaction) error
}

// ──────────────────────────────────────────────────
// Step lifecycle hooks
// ──────────────────────────────────────────────────

// StepStarted is called when a step attempt begins.
type StepStarted interface {
	OnStepStarted(ctx context.Context, txn *workflow.Transaction, stepName string, attempt int) error
}

// StepSucceeded is called after a step attempt commits its output.
type StepSucceeded interface {
	OnStepSucceeded(ctx context.Context, txn *workflow.Transaction, stepName string, elapsed time.Duration) error
}

// StepFailed is called when a step fails with no retries left.
type StepFailed interface {
	OnStepFailed(ctx context.Context, txn *workflow.Transaction, stepName string, err error) error
}

// StepRetrying is called when a step attempt fails but another attempt
// is scheduled.
type StepRetrying interface {
	OnStepRetrying(ctx context.Context, txn *workflow.Transaction, stepName string, attempt int) error
}

// StepCompensated is called after a step's compensation runs. compErr
// is nil when the compensation succeeded.
type StepCompensated interface {
	OnStepCompensated(ctx context.Context, txn *workflow.Transaction, stepName string, compErr error) error
}

// ──────────────────────────────────────────────────
// External interaction hooks
// ──────────────────────────────────────────────────

// SignalReceived is called when an external outcome is reported for a
// parked transaction, before the transaction resumes.
type SignalReceived interface {
	OnSignalReceived(ctx context.Context, txnID id.TransactionID, stepName string, success bool) error
}

// DeadlineExpired is called when the deadline scanner times out a
// parked transaction.
type DeadlineExpired interface {
	OnDeadlineExpired(ctx context.Context, txn *workflow.Transaction, stepName string) error
}

// InterventionPushed is called when a failed compensation pushes an
// entry onto the intervention queue.
type InterventionPushed interface {
	OnInterventionPushed(ctx context.Context, txnID id.TransactionID, stepName string, err error) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
