package audithook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loomery/loom/ext"
	"github.com/loomery/loom/id"
	"github.com/loomery/loom/workflow"
)

// Compile-time interface checks.
var (
	_ ext.Extension            = (*Extension)(nil)
	_ ext.TransactionStarted   = (*Extension)(nil)
	_ ext.TransactionCompleted = (*Extension)(nil)
	_ ext.TransactionFailed    = (*Extension)(nil)
	_ ext.TransactionReverted  = (*Extension)(nil)
	_ ext.StepStarted          = (*Extension)(nil)
	_ ext.StepSucceeded        = (*Extension)(nil)
	_ ext.StepFailed           = (*Extension)(nil)
	_ ext.StepRetrying         = (*Extension)(nil)
	_ ext.StepCompensated      = (*Extension)(nil)
	_ ext.SignalReceived       = (*Extension)(nil)
	_ ext.DeadlineExpired      = (*Extension)(nil)
	_ ext.InterventionPushed   = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
// It is defined locally so this package does not import any particular
// audit trail module — callers inject their concrete backend at wiring
// time, usually via [RecorderFunc].
type Recorder interface {
	// Record persists a fully-formed audit event.
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a backend-neutral representation of an audit event.
type AuditEvent struct {
	// What happened
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Category string `json:"category"`

	// Details
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Severity constants.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcome constants.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Extension bridges Loom lifecycle events to an audit trail backend.
// Each lifecycle hook emits a structured audit event through the [Recorder].
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements ext.Extension.
func (e *Extension) Name() string { return "audit-hook" }

// ── Transaction lifecycle hooks ─────────────────────

// OnTransactionStarted implements ext.TransactionStarted.
func (e *Extension) OnTransactionStarted(ctx context.Context, txn *workflow.Transaction) error {
	return e.record(ctx, ActionTransactionStarted, SeverityInfo, OutcomeSuccess,
		ResourceTransaction, txn.ID.String(), CategoryTransaction, nil,
		"workflow_id", txn.WorkflowID,
	)
}

// OnTransactionCompleted implements ext.TransactionCompleted.
func (e *Extension) OnTransactionCompleted(ctx context.Context, txn *workflow.Transaction, elapsed time.Duration) error {
	return e.record(ctx, ActionTransactionCompleted, SeverityInfo, OutcomeSuccess,
		ResourceTransaction, txn.ID.String(), CategoryTransaction, nil,
		"workflow_id", txn.WorkflowID,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnTransactionFailed implements ext.TransactionFailed.
func (e *Extension) OnTransactionFailed(ctx context.Context, txn *workflow.Transaction, txnErr error) error {
	return e.record(ctx, ActionTransactionFailed, SeverityCritical, OutcomeFailure,
		ResourceTransaction, txn.ID.String(), CategoryTransaction, txnErr,
		"workflow_id", txn.WorkflowID,
	)
}

// OnTransactionReverted implements ext.TransactionReverted.
func (e *Extension) OnTransactionReverted(ctx context.Context, txn *workflow.Transaction) error {
	return e.record(ctx, ActionTransactionReverted, SeverityWarning, OutcomeSuccess,
		ResourceTransaction, txn.ID.String(), CategoryTransaction, nil,
		"workflow_id", txn.WorkflowID,
	)
}

// ── Step lifecycle hooks ────────────────────────────

// OnStepStarted implements ext.StepStarted.
func (e *Extension) OnStepStarted(ctx context.Context, txn *workflow.Transaction, stepName string, attempt int) error {
	return e.record(ctx, ActionStepStarted, SeverityInfo, OutcomeSuccess,
		ResourceStep, txn.ID.String(), CategoryStep, nil,
		"workflow_id", txn.WorkflowID,
		"step_name", stepName,
		"attempt", attempt,
	)
}

// OnStepSucceeded implements ext.StepSucceeded.
func (e *Extension) OnStepSucceeded(ctx context.Context, txn *workflow.Transaction, stepName string, elapsed time.Duration) error {
	return e.record(ctx, ActionStepSucceeded, SeverityInfo, OutcomeSuccess,
		ResourceStep, txn.ID.String(), CategoryStep, nil,
		"workflow_id", txn.WorkflowID,
		"step_name", stepName,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnStepFailed implements ext.StepFailed.
func (e *Extension) OnStepFailed(ctx context.Context, txn *workflow.Transaction, stepName string, stepErr error) error {
	return e.record(ctx, ActionStepFailed, SeverityCritical, OutcomeFailure,
		ResourceStep, txn.ID.String(), CategoryStep, stepErr,
		"workflow_id", txn.WorkflowID,
		"step_name", stepName,
	)
}

// OnStepRetrying implements ext.StepRetrying.
func (e *Extension) OnStepRetrying(ctx context.Context, txn *workflow.Transaction, stepName string, attempt int) error {
	return e.record(ctx, ActionStepRetrying, SeverityWarning, OutcomeFailure,
		ResourceStep, txn.ID.String(), CategoryStep, nil,
		"workflow_id", txn.WorkflowID,
		"step_name", stepName,
		"attempt", attempt,
	)
}

// OnStepCompensated implements ext.StepCompensated. Failed compensations
// are critical since they leave committed effects behind.
func (e *Extension) OnStepCompensated(ctx context.Context, txn *workflow.Transaction, stepName string, compErr error) error {
	severity, outcome := SeverityInfo, OutcomeSuccess
	if compErr != nil {
		severity, outcome = SeverityCritical, OutcomeFailure
	}
	return e.record(ctx, ActionStepCompensated, severity, outcome,
		ResourceStep, txn.ID.String(), CategoryStep, compErr,
		"workflow_id", txn.WorkflowID,
		"step_name", stepName,
	)
}

// ── External interaction hooks ──────────────────────

// OnSignalReceived implements ext.SignalReceived.
func (e *Extension) OnSignalReceived(ctx context.Context, txnID id.TransactionID, stepName string, success bool) error {
	outcome := OutcomeSuccess
	if !success {
		outcome = OutcomeFailure
	}
	return e.record(ctx, ActionSignalReceived, SeverityInfo, outcome,
		ResourceTransaction, txnID.String(), CategorySignal, nil,
		"step_name", stepName,
		"success", success,
	)
}

// OnDeadlineExpired implements ext.DeadlineExpired.
func (e *Extension) OnDeadlineExpired(ctx context.Context, txn *workflow.Transaction, stepName string) error {
	return e.record(ctx, ActionDeadlineExpired, SeverityWarning, OutcomeFailure,
		ResourceTransaction, txn.ID.String(), CategorySignal, nil,
		"workflow_id", txn.WorkflowID,
		"step_name", stepName,
	)
}

// OnInterventionPushed implements ext.InterventionPushed.
func (e *Extension) OnInterventionPushed(ctx context.Context, txnID id.TransactionID, stepName string, pushErr error) error {
	return e.record(ctx, ActionInterventionPushed, SeverityCritical, OutcomeFailure,
		ResourceIntervention, txnID.String(), CategorySignal, pushErr,
		"step_name", stepName,
	)
}

// ── Internal helpers ────────────────────────────────

// record builds and sends an audit event if the action is enabled.
// The kvPairs argument is a list of key-value pairs added to Metadata.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
