package audithook_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	ah "github.com/loomery/loom/audit_hook"
	"github.com/loomery/loom/ext"
	"github.com/loomery/loom/id"
	"github.com/loomery/loom/workflow"
)

// ── Mock recorder ────────────────────────────────────

// mockRecorder captures audit events for verification.
type mockRecorder struct {
	mu     sync.Mutex
	events []*ah.AuditEvent
}

func (m *mockRecorder) Record(_ context.Context, evt *ah.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return nil
}

func (m *mockRecorder) last() *ah.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return nil
	}
	return m.events[len(m.events)-1]
}

func (m *mockRecorder) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func (m *mockRecorder) findByAction(action string) *ah.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, evt := range m.events {
		if evt.Action == action {
			return evt
		}
	}
	return nil
}

// ── Test helpers ─────────────────────────────────────

func newTestTransaction() *workflow.Transaction {
	return workflow.NewTransaction(id.NewTransactionID(), "order-fulfillment", []byte(`{"order":"o-1"}`))
}

// ── Tests ────────────────────────────────────────────

func TestExtension_Name(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)
	if e.Name() != "audit-hook" {
		t.Errorf("expected name %q, got %q", "audit-hook", e.Name())
	}
}

// ── Transaction lifecycle tests ──────────────────────

func TestExtension_TransactionStarted(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)
	txn := newTestTransaction()

	if err := e.OnTransactionStarted(context.Background(), txn); err != nil {
		t.Fatalf("OnTransactionStarted: %v", err)
	}

	evt := rec.last()
	if evt == nil {
		t.Fatal("no event recorded")
	}
	if evt.Action != ah.ActionTransactionStarted {
		t.Errorf("Action: want %q, got %q", ah.ActionTransactionStarted, evt.Action)
	}
	if evt.Resource != ah.ResourceTransaction {
		t.Errorf("Resource: want %q, got %q", ah.ResourceTransaction, evt.Resource)
	}
	if evt.Category != ah.CategoryTransaction {
		t.Errorf("Category: want %q, got %q", ah.CategoryTransaction, evt.Category)
	}
	if evt.ResourceID != txn.ID.String() {
		t.Errorf("ResourceID: want %q, got %q", txn.ID.String(), evt.ResourceID)
	}
	if evt.Severity != ah.SeverityInfo {
		t.Errorf("Severity: want %q, got %q", ah.SeverityInfo, evt.Severity)
	}
	if evt.Outcome != ah.OutcomeSuccess {
		t.Errorf("Outcome: want %q, got %q", ah.OutcomeSuccess, evt.Outcome)
	}
	if evt.Metadata["workflow_id"] != "order-fulfillment" {
		t.Errorf("Metadata[workflow_id]: want %q, got %v", "order-fulfillment", evt.Metadata["workflow_id"])
	}
}

func TestExtension_TransactionCompleted(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)

	txn := newTestTransaction()
	elapsed := 150 * time.Millisecond

	if err := e.OnTransactionCompleted(context.Background(), txn, elapsed); err != nil {
		t.Fatalf("OnTransactionCompleted: %v", err)
	}

	evt := rec.last()
	if evt.Action != ah.ActionTransactionCompleted {
		t.Errorf("Action: want %q, got %q", ah.ActionTransactionCompleted, evt.Action)
	}
	if evt.Severity != ah.SeverityInfo {
		t.Errorf("Severity: want %q, got %q", ah.SeverityInfo, evt.Severity)
	}
	if evt.Metadata["elapsed_ms"] != elapsed.Milliseconds() {
		t.Errorf("Metadata[elapsed_ms]: want %d, got %v", elapsed.Milliseconds(), evt.Metadata["elapsed_ms"])
	}
}

func TestExtension_TransactionFailed(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)

	txn := newTestTransaction()
	txnErr := errors.New("card declined")

	if err := e.OnTransactionFailed(context.Background(), txn, txnErr); err != nil {
		t.Fatalf("OnTransactionFailed: %v", err)
	}

	evt := rec.last()
	if evt.Action != ah.ActionTransactionFailed {
		t.Errorf("Action: want %q, got %q", ah.ActionTransactionFailed, evt.Action)
	}
	if evt.Severity != ah.SeverityCritical {
		t.Errorf("Severity: want %q, got %q", ah.SeverityCritical, evt.Severity)
	}
	if evt.Outcome != ah.OutcomeFailure {
		t.Errorf("Outcome: want %q, got %q", ah.OutcomeFailure, evt.Outcome)
	}
	if evt.Reason != "card declined" {
		t.Errorf("Reason: want %q, got %q", "card declined", evt.Reason)
	}
	if evt.Metadata["error"] != "card declined" {
		t.Errorf("Metadata[error]: want %q, got %v", "card declined", evt.Metadata["error"])
	}
}

func TestExtension_TransactionReverted(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)

	txn := newTestTransaction()

	if err := e.OnTransactionReverted(context.Background(), txn); err != nil {
		t.Fatalf("OnTransactionReverted: %v", err)
	}

	evt := rec.last()
	if evt.Action != ah.ActionTransactionReverted {
		t.Errorf("Action: want %q, got %q", ah.ActionTransactionReverted, evt.Action)
	}
	if evt.Severity != ah.SeverityWarning {
		t.Errorf("Severity: want %q, got %q", ah.SeverityWarning, evt.Severity)
	}
}

// ── Step lifecycle tests ─────────────────────────────

func TestExtension_StepStarted(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)

	txn := newTestTransaction()

	if err := e.OnStepStarted(context.Background(), txn, "reserve-stock", 2); err != nil {
		t.Fatalf("OnStepStarted: %v", err)
	}

	evt := rec.last()
	if evt.Action != ah.ActionStepStarted {
		t.Errorf("Action: want %q, got %q", ah.ActionStepStarted, evt.Action)
	}
	if evt.Resource != ah.ResourceStep {
		t.Errorf("Resource: want %q, got %q", ah.ResourceStep, evt.Resource)
	}
	if evt.Category != ah.CategoryStep {
		t.Errorf("Category: want %q, got %q", ah.CategoryStep, evt.Category)
	}
	if evt.Metadata["step_name"] != "reserve-stock" {
		t.Errorf("Metadata[step_name]: want %q, got %v", "reserve-stock", evt.Metadata["step_name"])
	}
	if evt.Metadata["attempt"] != 2 {
		t.Errorf("Metadata[attempt]: want %d, got %v", 2, evt.Metadata["attempt"])
	}
}

func TestExtension_StepSucceeded(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)

	txn := newTestTransaction()

	if err := e.OnStepSucceeded(context.Background(), txn, "validate-order", 200*time.Millisecond); err != nil {
		t.Fatalf("OnStepSucceeded: %v", err)
	}

	evt := rec.last()
	if evt.Action != ah.ActionStepSucceeded {
		t.Errorf("Action: want %q, got %q", ah.ActionStepSucceeded, evt.Action)
	}
	if evt.Metadata["step_name"] != "validate-order" {
		t.Errorf("Metadata[step_name]: want %q, got %v", "validate-order", evt.Metadata["step_name"])
	}
	if evt.Metadata["elapsed_ms"] != int64(200) {
		t.Errorf("Metadata[elapsed_ms]: want %d, got %v", 200, evt.Metadata["elapsed_ms"])
	}
}

func TestExtension_StepFailed(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)

	txn := newTestTransaction()
	stepErr := errors.New("insufficient funds")

	if err := e.OnStepFailed(context.Background(), txn, "charge-payment", stepErr); err != nil {
		t.Fatalf("OnStepFailed: %v", err)
	}

	evt := rec.last()
	if evt.Action != ah.ActionStepFailed {
		t.Errorf("Action: want %q, got %q", ah.ActionStepFailed, evt.Action)
	}
	if evt.Severity != ah.SeverityCritical {
		t.Errorf("Severity: want %q, got %q", ah.SeverityCritical, evt.Severity)
	}
	if evt.Reason != "insufficient funds" {
		t.Errorf("Reason: want %q, got %q", "insufficient funds", evt.Reason)
	}
}

func TestExtension_StepRetrying(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)

	txn := newTestTransaction()

	if err := e.OnStepRetrying(context.Background(), txn, "charge-payment", 2); err != nil {
		t.Fatalf("OnStepRetrying: %v", err)
	}

	evt := rec.last()
	if evt.Action != ah.ActionStepRetrying {
		t.Errorf("Action: want %q, got %q", ah.ActionStepRetrying, evt.Action)
	}
	if evt.Severity != ah.SeverityWarning {
		t.Errorf("Severity: want %q, got %q", ah.SeverityWarning, evt.Severity)
	}
	if evt.Outcome != ah.OutcomeFailure {
		t.Errorf("Outcome: want %q, got %q", ah.OutcomeFailure, evt.Outcome)
	}
	if evt.Metadata["attempt"] != 2 {
		t.Errorf("Metadata[attempt]: want %d, got %v", 2, evt.Metadata["attempt"])
	}
}

func TestExtension_StepCompensated(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)

	txn := newTestTransaction()

	// Successful compensation is informational.
	if err := e.OnStepCompensated(context.Background(), txn, "reserve-stock", nil); err != nil {
		t.Fatalf("OnStepCompensated: %v", err)
	}
	evt := rec.last()
	if evt.Severity != ah.SeverityInfo {
		t.Errorf("Severity: want %q, got %q", ah.SeverityInfo, evt.Severity)
	}
	if evt.Outcome != ah.OutcomeSuccess {
		t.Errorf("Outcome: want %q, got %q", ah.OutcomeSuccess, evt.Outcome)
	}

	// Failed compensation is critical.
	if err := e.OnStepCompensated(context.Background(), txn, "charge-payment", errors.New("refund rejected")); err != nil {
		t.Fatalf("OnStepCompensated: %v", err)
	}
	evt = rec.last()
	if evt.Severity != ah.SeverityCritical {
		t.Errorf("Severity: want %q, got %q", ah.SeverityCritical, evt.Severity)
	}
	if evt.Outcome != ah.OutcomeFailure {
		t.Errorf("Outcome: want %q, got %q", ah.OutcomeFailure, evt.Outcome)
	}
	if evt.Reason != "refund rejected" {
		t.Errorf("Reason: want %q, got %q", "refund rejected", evt.Reason)
	}
}

// ── External interaction tests ───────────────────────

func TestExtension_SignalReceived(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)
	txnID := id.NewTransactionID()

	if err := e.OnSignalReceived(context.Background(), txnID, "await-approval", true); err != nil {
		t.Fatalf("OnSignalReceived: %v", err)
	}
	evt := rec.last()
	if evt.Action != ah.ActionSignalReceived {
		t.Errorf("Action: want %q, got %q", ah.ActionSignalReceived, evt.Action)
	}
	if evt.Category != ah.CategorySignal {
		t.Errorf("Category: want %q, got %q", ah.CategorySignal, evt.Category)
	}
	if evt.Outcome != ah.OutcomeSuccess {
		t.Errorf("Outcome: want %q, got %q", ah.OutcomeSuccess, evt.Outcome)
	}

	// A reported failure still records, with failure outcome.
	if err := e.OnSignalReceived(context.Background(), txnID, "await-approval", false); err != nil {
		t.Fatalf("OnSignalReceived: %v", err)
	}
	if rec.last().Outcome != ah.OutcomeFailure {
		t.Errorf("Outcome: want %q, got %q", ah.OutcomeFailure, rec.last().Outcome)
	}
}

func TestExtension_DeadlineExpired(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)

	txn := newTestTransaction()

	if err := e.OnDeadlineExpired(context.Background(), txn, "await-approval"); err != nil {
		t.Fatalf("OnDeadlineExpired: %v", err)
	}

	evt := rec.last()
	if evt.Action != ah.ActionDeadlineExpired {
		t.Errorf("Action: want %q, got %q", ah.ActionDeadlineExpired, evt.Action)
	}
	if evt.Severity != ah.SeverityWarning {
		t.Errorf("Severity: want %q, got %q", ah.SeverityWarning, evt.Severity)
	}
}

func TestExtension_InterventionPushed(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)
	txnID := id.NewTransactionID()

	if err := e.OnInterventionPushed(context.Background(), txnID, "charge-payment", errors.New("refund rejected")); err != nil {
		t.Fatalf("OnInterventionPushed: %v", err)
	}

	evt := rec.last()
	if evt.Action != ah.ActionInterventionPushed {
		t.Errorf("Action: want %q, got %q", ah.ActionInterventionPushed, evt.Action)
	}
	if evt.Resource != ah.ResourceIntervention {
		t.Errorf("Resource: want %q, got %q", ah.ResourceIntervention, evt.Resource)
	}
	if evt.Severity != ah.SeverityCritical {
		t.Errorf("Severity: want %q, got %q", ah.SeverityCritical, evt.Severity)
	}
	if evt.Metadata["error"] != "refund rejected" {
		t.Errorf("Metadata[error]: want %q, got %v", "refund rejected", evt.Metadata["error"])
	}
}

// ── WithActions filter tests ─────────────────────────

func TestExtension_WithActions_FiltersDisabled(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec, ah.WithActions(ah.ActionTransactionCompleted, ah.ActionTransactionFailed))

	ctx := context.Background()
	txn := newTestTransaction()

	// Started is NOT enabled — should be silently skipped.
	if err := e.OnTransactionStarted(ctx, txn); err != nil {
		t.Fatalf("OnTransactionStarted: %v", err)
	}
	if rec.count() != 0 {
		t.Errorf("expected 0 events (started disabled), got %d", rec.count())
	}

	// Completed IS enabled — should be recorded.
	if err := e.OnTransactionCompleted(ctx, txn, 50*time.Millisecond); err != nil {
		t.Fatalf("OnTransactionCompleted: %v", err)
	}
	if rec.count() != 1 {
		t.Errorf("expected 1 event (completed enabled), got %d", rec.count())
	}

	// Failed IS enabled — should be recorded.
	if err := e.OnTransactionFailed(ctx, txn, errors.New("boom")); err != nil {
		t.Fatalf("OnTransactionFailed: %v", err)
	}
	if rec.count() != 2 {
		t.Errorf("expected 2 events, got %d", rec.count())
	}
}

// ── RecorderFunc adapter test ────────────────────────

func TestRecorderFunc(t *testing.T) {
	var captured *ah.AuditEvent
	fn := ah.RecorderFunc(func(_ context.Context, evt *ah.AuditEvent) error {
		captured = evt
		return nil
	})

	e := ah.New(fn)
	txn := newTestTransaction()

	if err := e.OnTransactionStarted(context.Background(), txn); err != nil {
		t.Fatalf("OnTransactionStarted: %v", err)
	}
	if captured == nil {
		t.Fatal("RecorderFunc was not called")
	}
	if captured.Action != ah.ActionTransactionStarted {
		t.Errorf("Action: want %q, got %q", ah.ActionTransactionStarted, captured.Action)
	}
}

// ── Recorder error handling test ─────────────────────

func TestExtension_RecorderError_DoesNotPropagate(t *testing.T) {
	failingRecorder := ah.RecorderFunc(func(_ context.Context, _ *ah.AuditEvent) error {
		return errors.New("audit backend down")
	})

	e := ah.New(failingRecorder)
	txn := newTestTransaction()

	// Hook should NOT return an error — audit failures must not block
	// the orchestrator.
	if err := e.OnTransactionStarted(context.Background(), txn); err != nil {
		t.Fatalf("expected no error (audit failure swallowed), got: %v", err)
	}
}

// ── Registry integration test ────────────────────────

func TestExtension_ViaRegistry(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)
	logger := slog.Default()

	reg := ext.NewRegistry(logger)
	reg.Register(e)

	ctx := context.Background()
	txn := newTestTransaction()

	reg.EmitTransactionStarted(ctx, txn)
	reg.EmitTransactionCompleted(ctx, txn, 50*time.Millisecond)
	reg.EmitTransactionFailed(ctx, txn, errors.New("fail"))
	reg.EmitTransactionReverted(ctx, txn)
	reg.EmitStepStarted(ctx, txn, "step-1", 1)
	reg.EmitStepSucceeded(ctx, txn, "step-1", time.Second)
	reg.EmitStepFailed(ctx, txn, "step-2", errors.New("bad"))
	reg.EmitStepRetrying(ctx, txn, "step-2", 2)
	reg.EmitStepCompensated(ctx, txn, "step-1", nil)
	reg.EmitSignalReceived(ctx, txn.ID, "await-approval", true)
	reg.EmitDeadlineExpired(ctx, txn, "await-approval")
	reg.EmitInterventionPushed(ctx, txn.ID, "step-1", errors.New("stuck"))

	// Verify all 12 event types were recorded.
	allActions := ah.AllActions()
	if rec.count() != len(allActions) {
		t.Fatalf("expected %d events, got %d", len(allActions), rec.count())
	}

	for _, action := range allActions {
		evt := rec.findByAction(action)
		if evt == nil {
			t.Errorf("missing event for action %q", action)
		}
	}
}

// ── AllActions test ──────────────────────────────────

func TestAllActions(t *testing.T) {
	actions := ah.AllActions()
	if len(actions) != 12 {
		t.Errorf("expected 12 actions, got %d", len(actions))
	}
}
