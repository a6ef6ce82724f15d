package memory

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/loomery/loom"
	"github.com/loomery/loom/event"
	"github.com/loomery/loom/id"
	"github.com/loomery/loom/intervention"
	"github.com/loomery/loom/workflow"
)

// ──────────────────────────────────────────────────
// Lifecycle tests
// ──────────────────────────────────────────────────

func TestLifecycle(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	tests := []struct {
		name string
		fn   func() error
	}{
		{"Migrate", func() error { return s.Migrate(ctx) }},
		{"Ping", func() error { return s.Ping(ctx) }},
		{"Close", func() error { return s.Close() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); err != nil {
				t.Fatalf("%s returned error: %v", tt.name, err)
			}
		})
	}
}

// ──────────────────────────────────────────────────
// Transaction tests
// ──────────────────────────────────────────────────

func newTxn(workflowID string, state workflow.State) *workflow.Transaction {
	txn := workflow.NewTransaction(id.NewTransactionID(), workflowID, []byte(`{"test":true}`))
	txn.State = state
	return txn
}

func TestTransactionCreateAndGet(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	txn := newTxn("order", workflow.StateRunning)

	if err := s.CreateTransaction(ctx, txn); err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}
	if err := s.CreateTransaction(ctx, txn); !errors.Is(err, loom.ErrTransactionExists) {
		t.Errorf("duplicate create error = %v, want ErrTransactionExists", err)
	}

	got, err := s.GetTransaction(ctx, txn.ID)
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if got.WorkflowID != "order" {
		t.Errorf("WorkflowID = %q, want order", got.WorkflowID)
	}

	if _, err := s.GetTransaction(ctx, id.NewTransactionID()); !errors.Is(err, loom.ErrTransactionNotFound) {
		t.Errorf("missing get error = %v, want ErrTransactionNotFound", err)
	}
}

func TestTransactionUpdate(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	txn := newTxn("order", workflow.StateRunning)
	if err := s.CreateTransaction(ctx, txn); err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}

	txn.State = workflow.StateDone
	if err := s.UpdateTransaction(ctx, txn); err != nil {
		t.Fatalf("UpdateTransaction: %v", err)
	}

	got, _ := s.GetTransaction(ctx, txn.ID)
	if got.State != workflow.StateDone {
		t.Errorf("State = %q, want done", got.State)
	}

	ghost := newTxn("order", workflow.StateRunning)
	if err := s.UpdateTransaction(ctx, ghost); !errors.Is(err, loom.ErrTransactionNotFound) {
		t.Errorf("update missing error = %v, want ErrTransactionNotFound", err)
	}
}

func TestTransactionCopiedOnReadAndWrite(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	txn := newTxn("order", workflow.StateRunning)
	txn.RecordOutput("reserve", json.RawMessage(`"r-1"`))
	if err := s.CreateTransaction(ctx, txn); err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}

	// Mutating the caller's record after the write must not reach the
	// store.
	txn.RecordOutput("leak", json.RawMessage(`true`))
	stored, err := s.GetTransaction(ctx, txn.ID)
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if _, ok := stored.Outputs["leak"]; ok {
		t.Error("caller mutation after create leaked into the store")
	}

	// Mutating a read record must not reach the store either.
	stored.Outputs["charge"] = json.RawMessage(`"ch-1"`)
	stored.State = workflow.StateDone
	again, err := s.GetTransaction(ctx, txn.ID)
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if _, ok := again.Outputs["charge"]; ok {
		t.Error("mutation of a read record leaked into the store")
	}
	if again.State != workflow.StateRunning {
		t.Errorf("State = %q, want running", again.State)
	}
}

func TestTransactionReadsDoNotRaceWithWrites(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	txn := newTxn("order", workflow.StateRunning)
	if err := s.CreateTransaction(ctx, txn); err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}

	// One goroutine keeps recording outputs and updating, the other
	// keeps reading and encoding. With shared map pointers this is a
	// guaranteed race under -race.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			txn.RecordOutput("step", json.RawMessage(`"out"`))
			if err := s.UpdateTransaction(ctx, txn); err != nil {
				t.Errorf("UpdateTransaction: %v", err)
				return
			}
		}
	}()
	for i := 0; i < 100; i++ {
		got, err := s.GetTransaction(ctx, txn.ID)
		if err != nil {
			t.Fatalf("GetTransaction: %v", err)
		}
		if _, err := json.Marshal(got); err != nil {
			t.Fatalf("Marshal: %v", err)
		}
	}
	<-done
}

func TestStepExecutionCopiedOnRead(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	exec := workflow.NewStepExecution(id.NewTransactionID(), "reserve", 1, json.RawMessage(`{"sku":"A-1"}`))
	if err := s.CreateStepExecution(ctx, exec); err != nil {
		t.Fatalf("CreateStepExecution: %v", err)
	}

	execs, err := s.ListStepExecutions(ctx, exec.TransactionID)
	if err != nil {
		t.Fatalf("ListStepExecutions: %v", err)
	}
	execs[0].MarkFailed(errors.New("mutated by caller"))

	again, _ := s.ListStepExecutions(ctx, exec.TransactionID)
	if again[0].Status != workflow.StepStatusRunning {
		t.Errorf("Status = %q, want running (caller mutation leaked)", again[0].Status)
	}
}

func TestListTransactions_Filters(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.CreateTransaction(ctx, newTxn("order", workflow.StateRunning)); err != nil {
			t.Fatalf("CreateTransaction: %v", err)
		}
	}
	if err := s.CreateTransaction(ctx, newTxn("refund", workflow.StateDone)); err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}

	byWorkflow, err := s.ListTransactions(ctx, workflow.ListOpts{WorkflowID: "order"})
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(byWorkflow) != 3 {
		t.Errorf("order transactions = %d, want 3", len(byWorkflow))
	}

	byState, err := s.ListTransactions(ctx, workflow.ListOpts{State: workflow.StateDone})
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(byState) != 1 {
		t.Errorf("done transactions = %d, want 1", len(byState))
	}

	limited, err := s.ListTransactions(ctx, workflow.ListOpts{Limit: 2})
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("limited transactions = %d, want 2", len(limited))
	}
}

func TestListExpiredWaiting(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	expired := newTxn("order", workflow.StateWaitingExternal)
	expired.WaitingStep = "notify"
	past := now.Add(-time.Minute)
	expired.WaitDeadline = &past

	future := newTxn("order", workflow.StateWaitingExternal)
	future.WaitingStep = "notify"
	later := now.Add(time.Hour)
	future.WaitDeadline = &later

	untimed := newTxn("order", workflow.StateWaitingExternal)
	untimed.WaitingStep = "notify"

	running := newTxn("order", workflow.StateRunning)

	for _, txn := range []*workflow.Transaction{expired, future, untimed, running} {
		if err := s.CreateTransaction(ctx, txn); err != nil {
			t.Fatalf("CreateTransaction: %v", err)
		}
	}

	got, err := s.ListExpiredWaiting(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListExpiredWaiting: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expired = %d, want 1", len(got))
	}
	if got[0].ID != expired.ID {
		t.Errorf("expired ID = %v, want %v", got[0].ID, expired.ID)
	}
}

// ──────────────────────────────────────────────────
// Step execution tests
// ──────────────────────────────────────────────────

func TestStepExecutions_OrderAndCount(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	txnID := id.NewTransactionID()

	first := workflow.NewStepExecution(txnID, "reserve", 1, nil)
	second := workflow.NewStepExecution(txnID, "reserve", 2, nil)
	other := workflow.NewStepExecution(id.NewTransactionID(), "reserve", 1, nil)

	for _, exec := range []*workflow.StepExecution{first, second, other} {
		if err := s.CreateStepExecution(ctx, exec); err != nil {
			t.Fatalf("CreateStepExecution: %v", err)
		}
	}

	execs, err := s.ListStepExecutions(ctx, txnID)
	if err != nil {
		t.Fatalf("ListStepExecutions: %v", err)
	}
	if len(execs) != 2 {
		t.Fatalf("executions = %d, want 2", len(execs))
	}
	if execs[0].ID != first.ID || execs[1].ID != second.ID {
		t.Error("executions not in creation order")
	}

	count, err := s.CountStepExecutions(ctx, txnID, "reserve")
	if err != nil {
		t.Fatalf("CountStepExecutions: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

func TestStepExecutionUpdate(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	exec := workflow.NewStepExecution(id.NewTransactionID(), "charge", 1, nil)
	if err := s.CreateStepExecution(ctx, exec); err != nil {
		t.Fatalf("CreateStepExecution: %v", err)
	}

	exec.MarkFailed(errors.New("declined"))
	if err := s.UpdateStepExecution(ctx, exec); err != nil {
		t.Fatalf("UpdateStepExecution: %v", err)
	}

	execs, _ := s.ListStepExecutions(ctx, exec.TransactionID)
	if execs[0].Status != workflow.StepStatusFailed {
		t.Errorf("Status = %q, want failed", execs[0].Status)
	}

	ghost := workflow.NewStepExecution(id.NewTransactionID(), "charge", 1, nil)
	if err := s.UpdateStepExecution(ctx, ghost); !errors.Is(err, loom.ErrStepExecutionNotFound) {
		t.Errorf("update missing error = %v, want ErrStepExecutionNotFound", err)
	}
}

// ──────────────────────────────────────────────────
// Event tests
// ──────────────────────────────────────────────────

func TestEvents_PublishDrainAck(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	txnID := id.NewTransactionID()

	evts := make([]*event.Event, 3)
	for i := range evts {
		evts[i] = &event.Event{
			ID:            id.NewEventID(),
			TransactionID: txnID,
			StepName:      "reserve",
			Name:          "inventory.reserved",
			CreatedAt:     time.Now().UTC(),
		}
		if err := s.PublishEvent(ctx, evts[i]); err != nil {
			t.Fatalf("PublishEvent: %v", err)
		}
	}

	byTxn, err := s.ListEventsByTransaction(ctx, txnID)
	if err != nil {
		t.Fatalf("ListEventsByTransaction: %v", err)
	}
	if len(byTxn) != 3 {
		t.Fatalf("events = %d, want 3", len(byTxn))
	}
	if byTxn[0].ID != evts[0].ID {
		t.Error("events not in publish order")
	}

	if err := s.AckEvent(ctx, evts[0].ID); err != nil {
		t.Fatalf("AckEvent: %v", err)
	}
	unacked, err := s.ListUnackedEvents(ctx, 10)
	if err != nil {
		t.Fatalf("ListUnackedEvents: %v", err)
	}
	if len(unacked) != 2 {
		t.Errorf("unacked = %d, want 2", len(unacked))
	}

	if err := s.AckEvent(ctx, id.NewEventID()); !errors.Is(err, loom.ErrEventNotFound) {
		t.Errorf("ack missing error = %v, want ErrEventNotFound", err)
	}
}

// ──────────────────────────────────────────────────
// Intervention tests
// ──────────────────────────────────────────────────

func TestInterventions_PushResolveCount(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	entry := &intervention.Entry{
		ID:            id.NewInterventionID(),
		TransactionID: id.NewTransactionID(),
		WorkflowID:    "order",
		StepName:      "reserve",
		Output:        json.RawMessage(`{"reservation_id":"r-9"}`),
		Error:         "release failed",
		FailedAt:      time.Now().UTC(),
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.PushIntervention(ctx, entry); err != nil {
		t.Fatalf("PushIntervention: %v", err)
	}

	count, err := s.CountInterventions(ctx)
	if err != nil {
		t.Fatalf("CountInterventions: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}

	if err := s.ResolveIntervention(ctx, entry.ID, "released by hand"); err != nil {
		t.Fatalf("ResolveIntervention: %v", err)
	}

	got, err := s.GetIntervention(ctx, entry.ID)
	if err != nil {
		t.Fatalf("GetIntervention: %v", err)
	}
	if !got.Resolved() {
		t.Error("entry not resolved")
	}
	if got.Resolution != "released by hand" {
		t.Errorf("Resolution = %q", got.Resolution)
	}

	count, _ = s.CountInterventions(ctx)
	if count != 0 {
		t.Errorf("count after resolve = %d, want 0", count)
	}

	unresolved, err := s.ListInterventions(ctx, intervention.ListOpts{Unresolved: true})
	if err != nil {
		t.Fatalf("ListInterventions: %v", err)
	}
	if len(unresolved) != 0 {
		t.Errorf("unresolved = %d, want 0", len(unresolved))
	}

	if err := s.ResolveIntervention(ctx, id.NewInterventionID(), "x"); !errors.Is(err, loom.ErrInterventionNotFound) {
		t.Errorf("resolve missing error = %v, want ErrInterventionNotFound", err)
	}
}

// ──────────────────────────────────────────────────
// Scan lease tests
// ──────────────────────────────────────────────────

func TestScanLease_SingleHolder(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	a := id.NewScannerID()
	b := id.NewScannerID()

	got, err := s.AcquireScanLease(ctx, a, time.Minute)
	if err != nil || !got {
		t.Fatalf("AcquireScanLease(a) = %v, %v; want true", got, err)
	}

	got, err = s.AcquireScanLease(ctx, b, time.Minute)
	if err != nil {
		t.Fatalf("AcquireScanLease(b): %v", err)
	}
	if got {
		t.Error("second scanner acquired a held lease")
	}

	// The holder can renew; others cannot.
	if renewed, _ := s.RenewScanLease(ctx, a, time.Minute); !renewed {
		t.Error("holder failed to renew")
	}
	if renewed, _ := s.RenewScanLease(ctx, b, time.Minute); renewed {
		t.Error("non-holder renewed the lease")
	}
}

func TestScanLease_ExpiresAndTransfers(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	a := id.NewScannerID()
	b := id.NewScannerID()

	if got, _ := s.AcquireScanLease(ctx, a, time.Millisecond); !got {
		t.Fatal("initial acquire failed")
	}
	time.Sleep(5 * time.Millisecond)

	if got, _ := s.AcquireScanLease(ctx, b, time.Minute); !got {
		t.Error("lease did not transfer after expiry")
	}
}
