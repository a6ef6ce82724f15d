package intervention

import (
	"encoding/json"
	"time"

	"github.com/loomery/loom/id"
)

// Entry represents a failed compensation awaiting manual cleanup.
type Entry struct {
	ID            id.InterventionID `json:"id"`
	TransactionID id.TransactionID  `json:"transaction_id"`
	WorkflowID    string            `json:"workflow_id"`
	StepName      string            `json:"step_name"`

	// Output is the step output the compensation received, preserved
	// so an operator can undo the work by hand.
	Output json.RawMessage `json:"output,omitempty"`

	// Error is the failure message of the compensation attempt.
	Error string `json:"error"`

	// Resolution is the operator's note recorded at resolve time.
	Resolution string `json:"resolution,omitempty"`

	FailedAt   time.Time  `json:"failed_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Resolved reports whether the entry has been marked handled.
func (e *Entry) Resolved() bool { return e.ResolvedAt != nil }
