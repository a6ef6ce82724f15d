package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loomery/loom/ext"
	"github.com/loomery/loom/id"
	"github.com/loomery/loom/workflow"
)

// meterName is the instrumentation scope name for the extension.
const meterName = "github.com/loomery/loom/observability"

// Compile-time interface checks.
var (
	_ ext.Extension            = (*MetricsExtension)(nil)
	_ ext.TransactionStarted   = (*MetricsExtension)(nil)
	_ ext.TransactionCompleted = (*MetricsExtension)(nil)
	_ ext.TransactionFailed    = (*MetricsExtension)(nil)
	_ ext.TransactionReverted  = (*MetricsExtension)(nil)
	_ ext.StepRetrying         = (*MetricsExtension)(nil)
	_ ext.StepCompensated      = (*MetricsExtension)(nil)
	_ ext.SignalReceived       = (*MetricsExtension)(nil)
	_ ext.DeadlineExpired      = (*MetricsExtension)(nil)
	_ ext.InterventionPushed   = (*MetricsExtension)(nil)
)

// MetricsExtension records system-wide lifecycle metrics. Register it
// with the extension registry to track transaction outcomes, retry
// rates, compensation results, external signals, expired deadlines, and
// intervention queue growth.
type MetricsExtension struct {
	txnStarted      metric.Int64Counter
	txnCompleted    metric.Int64Counter
	txnFailed       metric.Int64Counter
	txnReverted     metric.Int64Counter
	txnDuration     metric.Float64Histogram
	stepRetried     metric.Int64Counter
	stepCompensated metric.Int64Counter
	signalReceived  metric.Int64Counter
	deadlineExpired metric.Int64Counter
	interventions   metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension using the global OTel
// MeterProvider. Without a configured provider the instruments are
// noops.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the
// provided meter. This variant allows injecting a specific
// MeterProvider for testing.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	m := &MetricsExtension{}

	// On error the OTel API returns noop instruments, so the extension
	// degrades gracefully.
	m.txnStarted, _ = meter.Int64Counter(
		"loom.transaction.started",
		metric.WithDescription("Total transactions started"),
		metric.WithUnit("{transaction}"),
	)
	m.txnCompleted, _ = meter.Int64Counter(
		"loom.transaction.completed",
		metric.WithDescription("Total transactions completed"),
		metric.WithUnit("{transaction}"),
	)
	m.txnFailed, _ = meter.Int64Counter(
		"loom.transaction.failed",
		metric.WithDescription("Total transactions failed"),
		metric.WithUnit("{transaction}"),
	)
	m.txnReverted, _ = meter.Int64Counter(
		"loom.transaction.reverted",
		metric.WithDescription("Total transactions reverted by compensation"),
		metric.WithUnit("{transaction}"),
	)
	m.txnDuration, _ = meter.Float64Histogram(
		"loom.transaction.duration",
		metric.WithDescription("End-to-end duration of completed transactions in seconds"),
		metric.WithUnit("s"),
	)
	m.stepRetried, _ = meter.Int64Counter(
		"loom.step.retried",
		metric.WithDescription("Total step retry attempts scheduled"),
		metric.WithUnit("{retry}"),
	)
	m.stepCompensated, _ = meter.Int64Counter(
		"loom.step.compensated",
		metric.WithDescription("Total compensation runs"),
		metric.WithUnit("{compensation}"),
	)
	m.signalReceived, _ = meter.Int64Counter(
		"loom.signal.received",
		metric.WithDescription("Total external outcomes reported"),
		metric.WithUnit("{signal}"),
	)
	m.deadlineExpired, _ = meter.Int64Counter(
		"loom.deadline.expired",
		metric.WithDescription("Total async-step wait deadlines expired"),
		metric.WithUnit("{deadline}"),
	)
	m.interventions, _ = meter.Int64Counter(
		"loom.intervention.pushed",
		metric.WithDescription("Total entries pushed onto the intervention queue"),
		metric.WithUnit("{entry}"),
	)

	return m
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func workflowAttr(txn *workflow.Transaction) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("workflow_id", txn.WorkflowID))
}

// ── Transaction lifecycle hooks ─────────────────────

// OnTransactionStarted implements ext.TransactionStarted.
func (m *MetricsExtension) OnTransactionStarted(ctx context.Context, txn *workflow.Transaction) error {
	m.txnStarted.Add(ctx, 1, workflowAttr(txn))
	return nil
}

// OnTransactionCompleted implements ext.TransactionCompleted.
func (m *MetricsExtension) OnTransactionCompleted(ctx context.Context, txn *workflow.Transaction, elapsed time.Duration) error {
	m.txnCompleted.Add(ctx, 1, workflowAttr(txn))
	m.txnDuration.Record(ctx, elapsed.Seconds(), workflowAttr(txn))
	return nil
}

// OnTransactionFailed implements ext.TransactionFailed.
func (m *MetricsExtension) OnTransactionFailed(ctx context.Context, txn *workflow.Transaction, _ error) error {
	m.txnFailed.Add(ctx, 1, workflowAttr(txn))
	return nil
}

// OnTransactionReverted implements ext.TransactionReverted.
func (m *MetricsExtension) OnTransactionReverted(ctx context.Context, txn *workflow.Transaction) error {
	m.txnReverted.Add(ctx, 1, workflowAttr(txn))
	return nil
}

// ── Step lifecycle hooks ────────────────────────────

// OnStepRetrying implements ext.StepRetrying.
func (m *MetricsExtension) OnStepRetrying(ctx context.Context, txn *workflow.Transaction, stepName string, _ int) error {
	m.stepRetried.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow_id", txn.WorkflowID),
		attribute.String("step", stepName),
	))
	return nil
}

// OnStepCompensated implements ext.StepCompensated.
func (m *MetricsExtension) OnStepCompensated(ctx context.Context, txn *workflow.Transaction, stepName string, compErr error) error {
	status := "ok"
	if compErr != nil {
		status = "error"
	}
	m.stepCompensated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow_id", txn.WorkflowID),
		attribute.String("step", stepName),
		attribute.String("status", status),
	))
	return nil
}

// ── External interaction hooks ──────────────────────

// OnSignalReceived implements ext.SignalReceived.
func (m *MetricsExtension) OnSignalReceived(ctx context.Context, _ id.TransactionID, stepName string, success bool) error {
	m.signalReceived.Add(ctx, 1, metric.WithAttributes(
		attribute.String("step", stepName),
		attribute.Bool("success", success),
	))
	return nil
}

// OnDeadlineExpired implements ext.DeadlineExpired.
func (m *MetricsExtension) OnDeadlineExpired(ctx context.Context, txn *workflow.Transaction, stepName string) error {
	m.deadlineExpired.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow_id", txn.WorkflowID),
		attribute.String("step", stepName),
	))
	return nil
}

// OnInterventionPushed implements ext.InterventionPushed.
func (m *MetricsExtension) OnInterventionPushed(ctx context.Context, _ id.TransactionID, stepName string, _ error) error {
	m.interventions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("step", stepName),
	))
	return nil
}
