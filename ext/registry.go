package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/loomery/loom/id"
	"github.com/loomery/loom/workflow"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time. This avoids type-asserting back to
// Extension inside the emit methods.
type transactionStartedEntry struct {
	name string
	hook TransactionStarted
}

type transactionCompletedEntry struct {
	name string
	hook TransactionCompleted
}

type transactionFailedEntry struct {
	name string
	hook TransactionFailed
}

type transactionRevertedEntry struct {
	name string
	hook TransactionReverted
}

type stepStartedEntry struct {
	name string
	hook StepStarted
}

type stepSucceededEntry struct {
	name string
	hook StepSucceeded
}

type stepFailedEntry struct {
	name string
	hook StepFailed
}

type stepRetryingEntry struct {
	name string
	hook StepRetrying
}

type stepCompensatedEntry struct {
	name string
	hook StepCompensated
}

type signalReceivedEntry struct {
	name string
	hook SignalReceived
}

type deadlineExpiredEntry struct {
	name string
	hook DeadlineExpired
}

type interventionPushedEntry struct {
	name string
	hook InterventionPushed
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	// Type-cached slices for each lifecycle hook.
	transactionStarted   []transactionStartedEntry
	transactionCompleted []transactionCompletedEntry
	transactionFailed    []transactionFailedEntry
	transactionReverted  []transactionRevertedEntry
	stepStarted          []stepStartedEntry
	stepSucceeded        []stepSucceededEntry
	stepFailed           []stepFailedEntry
	stepRetrying         []stepRetryingEntry
	stepCompensated      []stepCompensatedEntry
	signalReceived       []signalReceivedEntry
	deadlineExpired      []deadlineExpiredEntry
	interventionPushed   []interventionPushedEntry
	shutdown             []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(TransactionStarted); ok {
		r.transactionStarted = append(r.transactionStarted, transactionStartedEntry{name, h})
	}
	if h, ok := e.(TransactionCompleted); ok {
		r.transactionCompleted = append(r.transactionCompleted, transactionCompletedEntry{name, h})
	}
	if h, ok := e.(TransactionFailed); ok {
		r.transactionFailed = append(r.transactionFailed, transactionFailedEntry{name, h})
	}
	if h, ok := e.(TransactionReverted); ok {
		r.transactionReverted = append(r.transactionReverted, transactionRevertedEntry{name, h})
	}
	if h, ok := e.(StepStarted); ok {
		r.stepStarted = append(r.stepStarted, stepStartedEntry{name, h})
	}
	if h, ok := e.(StepSucceeded); ok {
		r.stepSucceeded = append(r.stepSucceeded, stepSucceededEntry{name, h})
	}
	if h, ok := e.(StepFailed); ok {
		r.stepFailed = append(r.stepFailed, stepFailedEntry{name, h})
	}
	if h, ok := e.(StepRetrying); ok {
		r.stepRetrying = append(r.stepRetrying, stepRetryingEntry{name, h})
	}
	if h, ok := e.(StepCompensated); ok {
		r.stepCompensated = append(r.stepCompensated, stepCompensatedEntry{name, h})
	}
	if h, ok := e.(SignalReceived); ok {
		r.signalReceived = append(r.signalReceived, signalReceivedEntry{name, h})
	}
	if h, ok := e.(DeadlineExpired); ok {
		r.deadlineExpired = append(r.deadlineExpired, deadlineExpiredEntry{name, h})
	}
	if h, ok := e.(InterventionPushed); ok {
		r.interventionPushed = append(r.interventionPushed, interventionPushedEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Transaction event emitters
// ──────────────────────────────────────────────────

// EmitTransactionStarted notifies all extensions that implement TransactionStarted.
func (r *Registry) EmitTransactionStarted(ctx context.Context, txn *workflow.Transaction) {
	for _, e := range r.transactionStarted {
		if err := e.hook.OnTransactionStarted(ctx, txn); err != nil {
			r.logHookError("OnTransactionStarted", e.name, err)
		}
	}
}

// EmitTransactionCompleted notifies all extensions that implement TransactionCompleted.
func (r *Registry) EmitTransactionCompleted(ctx context.Context, txn *workflow.Transaction, elapsed time.Duration) {
	for _, e := range r.transactionCompleted {
		if err := e.hook.OnTransactionCompleted(ctx, txn, elapsed); err != nil {
			r.logHookError("OnTransactionCompleted", e.name, err)
		}
	}
}

// EmitTransactionFailed notifies all extensions that implement TransactionFailed.
func (r *Registry) EmitTransactionFailed(ctx context.Context, txn *workflow.Transaction, txnErr error) {
	for _, e := range r.transactionFailed {
		if err := e.hook.OnTransactionFailed(ctx, txn, txnErr); err != nil {
			r.logHookError("OnTransactionFailed", e.name, err)
		}
	}
}

// EmitTransactionReverted notifies all extensions that implement TransactionReverted.
func (r *Registry) EmitTransactionReverted(ctx context.Context, txn *workflow.Transaction) {
	for _, e := range r.transactionReverted {
		if err := e.hook.OnTransactionReverted(ctx, txn); err != nil {
			r.logHookError("OnTransactionReverted", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Step event emitters
// ──────────────────────────────────────────────────

// EmitStepStarted notifies all extensions that implement StepStarted.
func (r *Registry) EmitStepStarted(ctx context.Context, txn *workflow.Transaction, stepName string, attempt int) {
	for _, e := range r.stepStarted {
		if err := e.hook.OnStepStarted(ctx, txn, stepName, attempt); err != nil {
			r.logHookError("OnStepStarted", e.name, err)
		}
	}
}

// EmitStepSucceeded notifies all extensions that implement StepSucceeded.
func (r *Registry) EmitStepSucceeded(ctx context.Context, txn *workflow.Transaction, stepName string, elapsed time.Duration) {
	for _, e := range r.stepSucceeded {
		if err := e.hook.OnStepSucceeded(ctx, txn, stepName, elapsed); err != nil {
			r.logHookError("OnStepSucceeded", e.name, err)
		}
	}
}

// EmitStepFailed notifies all extensions that implement StepFailed.
func (r *Registry) EmitStepFailed(ctx context.Context, txn *workflow.Transaction, stepName string, stepErr error) {
	for _, e := range r.stepFailed {
		if err := e.hook.OnStepFailed(ctx, txn, stepName, stepErr); err != nil {
			r.logHookError("OnStepFailed", e.name, err)
		}
	}
}

// EmitStepRetrying notifies all extensions that implement StepRetrying.
func (r *Registry) EmitStepRetrying(ctx context.Context, txn *workflow.Transaction, stepName string, attempt int) {
	for _, e := range r.stepRetrying {
		if err := e.hook.OnStepRetrying(ctx, txn, stepName, attempt); err != nil {
			r.logHookError("OnStepRetrying", e.name, err)
		}
	}
}

// EmitStepCompensated notifies all extensions that implement StepCompensated.
func (r *Registry) EmitStepCompensated(ctx context.Context, txn *workflow.Transaction, stepName string, compErr error) {
	for _, e := range r.stepCompensated {
		if err := e.hook.OnStepCompensated(ctx, txn, stepName, compErr); err != nil {
			r.logHookError("OnStepCompensated", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// External interaction emitters
// ──────────────────────────────────────────────────

// EmitSignalReceived notifies all extensions that implement SignalReceived.
func (r *Registry) EmitSignalReceived(ctx context.Context, txnID id.TransactionID, stepName string, success bool) {
	for _, e := range r.signalReceived {
		if err := e.hook.OnSignalReceived(ctx, txnID, stepName, success); err != nil {
			r.logHookError("OnSignalReceived", e.name, err)
		}
	}
}

// EmitDeadlineExpired notifies all extensions that implement DeadlineExpired.
func (r *Registry) EmitDeadlineExpired(ctx context.Context, txn *workflow.Transaction, stepName string) {
	for _, e := range r.deadlineExpired {
		if err := e.hook.OnDeadlineExpired(ctx, txn, stepName); err != nil {
			r.logHookError("OnDeadlineExpired", e.name, err)
		}
	}
}

// EmitInterventionPushed notifies all extensions that implement InterventionPushed.
func (r *Registry) EmitInterventionPushed(ctx context.Context, txnID id.TransactionID, stepName string, pushErr error) {
	for _, e := range r.interventionPushed {
		if err := e.hook.OnInterventionPushed(ctx, txnID, stepName, pushErr); err != nil {
			r.logHookError("OnInterventionPushed", e.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated since they must not block the
// orchestrator.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
