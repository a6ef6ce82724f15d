package intervention_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/loomery/loom/id"
	"github.com/loomery/loom/intervention"
	"github.com/loomery/loom/store/memory"
	"github.com/loomery/loom/workflow"
)

func newTestTransaction() *workflow.Transaction {
	return workflow.NewTransaction(id.NewTransactionID(), "send-order", []byte(`{"sku":"A-1"}`))
}

func TestService_Push_BuildsEntryFromCompensationFailure(t *testing.T) {
	s := memory.New()
	svc := intervention.NewService(s)
	ctx := context.Background()

	txn := newTestTransaction()
	output := json.RawMessage(`{"reservation_id":"r-9"}`)
	compErr := errors.New("inventory service unreachable")

	entry, err := svc.Push(ctx, txn, "reserve", output, compErr)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}

	if entry.TransactionID != txn.ID {
		t.Errorf("TransactionID = %v, want %v", entry.TransactionID, txn.ID)
	}
	if entry.WorkflowID != "send-order" {
		t.Errorf("WorkflowID = %q, want send-order", entry.WorkflowID)
	}
	if entry.StepName != "reserve" {
		t.Errorf("StepName = %q, want reserve", entry.StepName)
	}
	if string(entry.Output) != string(output) {
		t.Errorf("Output = %s, want %s", entry.Output, output)
	}
	if entry.Error != "inventory service unreachable" {
		t.Errorf("Error = %q", entry.Error)
	}
	if entry.Resolved() {
		t.Error("new entry already resolved")
	}
}

func TestService_ListAndResolve(t *testing.T) {
	s := memory.New()
	svc := intervention.NewService(s)
	ctx := context.Background()

	txn := newTestTransaction()
	first, err := svc.Push(ctx, txn, "reserve", nil, errors.New("boom"))
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if _, err := svc.Push(ctx, txn, "charge", nil, errors.New("boom")); err != nil {
		t.Fatalf("Push: %v", err)
	}

	open, err := svc.List(ctx, intervention.ListOpts{Unresolved: true})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("open entries = %d, want 2", len(open))
	}

	if err := svc.Resolve(ctx, first.ID, "released reservation by hand"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	count, err := svc.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Errorf("Count = %d, want 1", count)
	}

	got, err := svc.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Resolution != "released reservation by hand" {
		t.Errorf("Resolution = %q", got.Resolution)
	}
}

func TestService_ListFiltersByTransaction(t *testing.T) {
	s := memory.New()
	svc := intervention.NewService(s)
	ctx := context.Background()

	txnA := newTestTransaction()
	txnB := newTestTransaction()
	if _, err := svc.Push(ctx, txnA, "reserve", nil, errors.New("boom")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if _, err := svc.Push(ctx, txnB, "charge", nil, errors.New("boom")); err != nil {
		t.Fatalf("Push: %v", err)
	}

	got, err := svc.List(ctx, intervention.ListOpts{TransactionID: txnA.ID})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("entries = %d, want 1", len(got))
	}
	if got[0].StepName != "reserve" {
		t.Errorf("StepName = %q, want reserve", got[0].StepName)
	}
}
