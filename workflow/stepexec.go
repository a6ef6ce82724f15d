package workflow

import (
	"encoding/json"
	"time"

	"github.com/loomery/loom"
	"github.com/loomery/loom/id"
)

// StepStatus represents the lifecycle state of a single step attempt.
type StepStatus string

const (
	// StepStatusRunning means the attempt is executing.
	StepStatusRunning StepStatus = "running"
	// StepStatusWaiting means the async attempt is parked awaiting an
	// external outcome.
	StepStatusWaiting StepStatus = "waiting"
	// StepStatusSucceeded means the attempt produced an output.
	StepStatusSucceeded StepStatus = "succeeded"
	// StepStatusFailed means the attempt returned an error.
	StepStatusFailed StepStatus = "failed"
	// StepStatusCompensating means the step's compensation is running
	// or failed partway. A record stuck here needs intervention.
	StepStatusCompensating StepStatus = "compensating"
	// StepStatusCompensated means the step's compensation completed.
	StepStatusCompensated StepStatus = "compensated"
)

// StepExecution is the durable record of one step attempt. Each retry
// creates a new record, so the full attempt history of a transaction is
// queryable after the fact.
type StepExecution struct {
	loom.Entity

	ID            id.StepExecID    `json:"id"`
	TransactionID id.TransactionID `json:"transaction_id"`
	StepName      string           `json:"step_name"`
	Status        StepStatus       `json:"status"`

	// Attempt is 1-based and increments per retry of the same step.
	Attempt int `json:"attempt"`

	// Input is the JSON-encoded input the attempt received.
	Input json.RawMessage `json:"input,omitempty"`

	// Output is the JSON-encoded output of a succeeded attempt.
	Output json.RawMessage `json:"output,omitempty"`

	// Error holds the failure message of a failed attempt, or of a
	// compensation that could not complete.
	Error string `json:"error,omitempty"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// NewStepExecution creates a running execution record for one attempt.
func NewStepExecution(txnID id.TransactionID, stepName string, attempt int, input json.RawMessage) *StepExecution {
	return &StepExecution{
		Entity:        loom.NewEntity(),
		ID:            id.NewStepExecID(),
		TransactionID: txnID,
		StepName:      stepName,
		Status:        StepStatusRunning,
		Attempt:       attempt,
		Input:         input,
		StartedAt:     time.Now().UTC(),
	}
}

// MarkSucceeded finalizes the record with the attempt's output.
func (e *StepExecution) MarkSucceeded(output json.RawMessage) {
	e.Status = StepStatusSucceeded
	e.Output = output
	e.finish()
}

// MarkFailed finalizes the record with the attempt's error.
func (e *StepExecution) MarkFailed(err error) {
	e.Status = StepStatusFailed
	if err != nil {
		e.Error = err.Error()
	}
	e.finish()
}

// MarkWaiting parks the record pending an external outcome.
func (e *StepExecution) MarkWaiting() {
	e.Status = StepStatusWaiting
	e.UpdatedAt = time.Now().UTC()
}

// MarkCompensating flags the record as being unwound. If the
// compensation later fails, the record stays in this status with Error
// set, which is the signal for manual intervention.
func (e *StepExecution) MarkCompensating() {
	e.Status = StepStatusCompensating
	e.UpdatedAt = time.Now().UTC()
}

// MarkCompensated finalizes the record after a successful compensation.
func (e *StepExecution) MarkCompensated() {
	e.Status = StepStatusCompensated
	e.UpdatedAt = time.Now().UTC()
}

func (e *StepExecution) finish() {
	now := time.Now().UTC()
	e.FinishedAt = &now
	e.UpdatedAt = now
}
