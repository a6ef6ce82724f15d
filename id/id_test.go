package id_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/loomery/loom/id"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name   string
		newFn  func() id.ID
		prefix string
	}{
		{"WorkflowID", id.NewWorkflowID, "wf_"},
		{"TransactionID", id.NewTransactionID, "txn_"},
		{"StepExecID", id.NewStepExecID, "sx_"},
		{"EventID", id.NewEventID, "evt_"},
		{"InterventionID", id.NewInterventionID, "iv_"},
		{"ScannerID", id.NewScannerID, "scn_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.newFn().String()
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("expected prefix %q, got %q", tt.prefix, got)
			}
		})
	}
}

func TestNew(t *testing.T) {
	i := id.New(id.PrefixTransaction)
	if i.IsNil() {
		t.Fatal("expected non-nil ID")
	}
	if i.Prefix() != id.PrefixTransaction {
		t.Errorf("expected prefix %q, got %q", id.PrefixTransaction, i.Prefix())
	}
}

func TestParseRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		newFn   func() id.ID
		parseFn func(string) (id.ID, error)
	}{
		{"WorkflowID", id.NewWorkflowID, id.ParseWorkflowID},
		{"TransactionID", id.NewTransactionID, id.ParseTransactionID},
		{"StepExecID", id.NewStepExecID, id.ParseStepExecID},
		{"EventID", id.NewEventID, id.ParseEventID},
		{"InterventionID", id.NewInterventionID, id.ParseInterventionID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orig := tt.newFn()
			parsed, err := tt.parseFn(orig.String())
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if parsed.String() != orig.String() {
				t.Errorf("round trip = %q, want %q", parsed.String(), orig.String())
			}
		})
	}
}

func TestParseWithPrefix_Mismatch(t *testing.T) {
	txn := id.NewTransactionID()
	if _, err := id.ParseWorkflowID(txn.String()); err == nil {
		t.Error("expected prefix mismatch error")
	}
}

func TestParse_Empty(t *testing.T) {
	if _, err := id.Parse(""); err == nil {
		t.Error("expected error for empty string")
	}
}

func TestNilID(t *testing.T) {
	var i id.ID
	if !i.IsNil() {
		t.Error("zero value should be nil")
	}
	if i.String() != "" {
		t.Errorf("nil String() = %q, want empty", i.String())
	}
}

func TestJSONRoundTrip(t *testing.T) {
	type holder struct {
		ID id.TransactionID `json:"id"`
	}

	orig := holder{ID: id.NewTransactionID()}
	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got holder
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID.String() != orig.ID.String() {
		t.Errorf("round trip = %q, want %q", got.ID.String(), orig.ID.String())
	}
}

func TestScanValue(t *testing.T) {
	orig := id.NewStepExecID()

	v, err := orig.Value()
	if err != nil {
		t.Fatalf("Value: %v", err)
	}

	var scanned id.ID
	if err := scanned.Scan(v); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if scanned.String() != orig.String() {
		t.Errorf("scan round trip = %q, want %q", scanned.String(), orig.String())
	}

	var fromNil id.ID
	if err := fromNil.Scan(nil); err != nil {
		t.Fatalf("Scan(nil): %v", err)
	}
	if !fromNil.IsNil() {
		t.Error("Scan(nil) should produce the Nil ID")
	}
}
