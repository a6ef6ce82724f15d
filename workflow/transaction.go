package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/loomery/loom"
	"github.com/loomery/loom/id"
)

// State represents the lifecycle state of a transaction.
type State string

const (
	// StateRunning means a step is executing or about to execute.
	StateRunning State = "running"
	// StateWaitingExternal means an async step parked the transaction
	// and it resumes only when an external outcome is reported.
	StateWaitingExternal State = "waiting-external"
	// StateDone means every step succeeded.
	StateDone State = "done"
	// StateFailed means a step failed terminally and an unwind is due
	// or no succeeded steps existed to unwind.
	StateFailed State = "failed"
	// StateReverted means compensation ran for the succeeded steps.
	StateReverted State = "reverted"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateReverted
}

// CanTransitionTo reports whether moving from s to next is a legal
// state transition.
func (s State) CanTransitionTo(next State) bool {
	switch s {
	case StateRunning:
		return next == StateDone || next == StateFailed || next == StateWaitingExternal
	case StateWaitingExternal:
		return next == StateRunning || next == StateFailed
	case StateFailed:
		return next == StateReverted
	default:
		return false
	}
}

// Transaction is a single durable execution of a workflow. The
// orchestrator owns all mutations; everything a resume needs to pick up
// where a crashed process left off lives on this record and its step
// executions.
type Transaction struct {
	loom.Entity

	ID         id.TransactionID `json:"id"`
	WorkflowID string           `json:"workflow_id"`
	State      State            `json:"state"`

	// Input is the JSON-encoded initial input, stored under the
	// reserved input key in the output map.
	Input []byte `json:"input,omitempty"`

	// Outputs maps step name to that step's JSON-encoded output.
	// Only succeeded steps appear here.
	Outputs map[string]json.RawMessage `json:"outputs,omitempty"`

	// Decisions maps branch name to the index of the arm that was
	// taken. Recorded when the branch is first reached and never
	// re-evaluated, so resumed transactions replay the same path.
	Decisions map[string]int `json:"decisions,omitempty"`

	// Result is the JSON-encoded final value of the walk: the last
	// step's output, or whatever the trailing transform produced. Set
	// only on done transactions.
	Result json.RawMessage `json:"result,omitempty"`

	// WaitingStep names the async step the transaction is parked at.
	// Empty unless State is waiting-external.
	WaitingStep string `json:"waiting_step,omitempty"`

	// WaitDeadline is when the parked step times out. Nil means the
	// step waits indefinitely.
	WaitDeadline *time.Time `json:"wait_deadline,omitempty"`

	// Error holds the failure that ended the transaction.
	Error string `json:"error,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewTransaction creates a running transaction for the given workflow.
func NewTransaction(txnID id.TransactionID, workflowID string, input []byte) *Transaction {
	now := time.Now().UTC()
	return &Transaction{
		Entity:     loom.NewEntity(),
		ID:         txnID,
		WorkflowID: workflowID,
		State:      StateRunning,
		Input:      input,
		Outputs:    make(map[string]json.RawMessage),
		Decisions:  make(map[string]int),
		StartedAt:  now,
	}
}

// Transition moves the transaction to the next state, enforcing the
// lifecycle rules. Terminal states also set CompletedAt.
func (t *Transaction) Transition(next State) error {
	if !t.State.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", loom.ErrInvalidState, t.State, next)
	}
	t.State = next
	t.UpdatedAt = time.Now().UTC()
	if next.Terminal() {
		now := time.Now().UTC()
		t.CompletedAt = &now
	}
	return nil
}

// RecordOutput stores a succeeded step's output under its name.
func (t *Transaction) RecordOutput(stepName string, output json.RawMessage) {
	if t.Outputs == nil {
		t.Outputs = make(map[string]json.RawMessage)
	}
	t.Outputs[stepName] = output
	t.UpdatedAt = time.Now().UTC()
}

// OutputMap materializes the accumulated outputs as a decoded [Outputs]
// map for guard and transform evaluation. The initial input sits under
// [InputKey].
func (t *Transaction) OutputMap() (Outputs, error) {
	out := make(Outputs, len(t.Outputs)+1)
	if len(t.Input) > 0 {
		var v any
		if err := json.Unmarshal(t.Input, &v); err != nil {
			return nil, fmt.Errorf("workflow: decoding transaction input: %w", err)
		}
		out[InputKey] = v
	}
	for name, raw := range t.Outputs {
		var v any
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, fmt.Errorf("workflow: decoding output of step %q: %w", name, err)
			}
		}
		out[name] = v
	}
	return out, nil
}

// Park moves the transaction to waiting-external at the given step.
// A zero timeout waits indefinitely.
func (t *Transaction) Park(stepName string, timeout time.Duration) error {
	if err := t.Transition(StateWaitingExternal); err != nil {
		return err
	}
	t.WaitingStep = stepName
	t.WaitDeadline = nil
	if timeout > 0 {
		deadline := time.Now().UTC().Add(timeout)
		t.WaitDeadline = &deadline
	}
	return nil
}

// Unpark clears the waiting markers and moves the transaction back to
// running.
func (t *Transaction) Unpark() error {
	if err := t.Transition(StateRunning); err != nil {
		return err
	}
	t.WaitingStep = ""
	t.WaitDeadline = nil
	return nil
}
