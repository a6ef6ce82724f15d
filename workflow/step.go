package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/loomery/loom/id"
)

// InvokeFunc is the untyped form of a step's forward action. It receives
// the execution context and the step's resolved input, and returns the
// step's output. Async steps return a nil output to signal that the
// result will arrive out of band via the signal API.
type InvokeFunc func(ctx *StepContext, input any) (any, error)

// CompensateFunc is the untyped form of a step's compensating action.
// It receives the output the forward action produced, so it can undo
// exactly what was done.
type CompensateFunc func(ctx *StepContext, output any) error

// StepDefinition is a named, reusable unit of work. Definitions are
// immutable after construction and safe to share across workflows;
// per-execution state lives on [StepExecution], never here.
type StepDefinition struct {
	// Name identifies the step within a workflow. Must be unique per
	// workflow and is the key under which the step's output is stored.
	Name string

	// Invoke performs the step's forward action.
	Invoke InvokeFunc

	// Compensate undoes the step's effects during an unwind. Nil means
	// the step has nothing to undo and is skipped during compensation.
	Compensate CompensateFunc

	// Async marks the step as externally completed. When Invoke returns
	// a nil output, the transaction parks in the waiting-external state
	// until a signal reports the outcome.
	Async bool

	// Timeout bounds how long a parked async step may wait for its
	// signal. Zero means wait indefinitely. Ignored for sync steps.
	Timeout time.Duration

	// MaxRetries is the number of additional attempts after the first
	// failure. Zero means the step fails on its first error.
	MaxRetries int
}

// StepOption configures a step definition at construction time.
type StepOption func(*StepDefinition)

// NewStep creates a step definition with the given name and forward action.
func NewStep(name string, invoke InvokeFunc, opts ...StepOption) *StepDefinition {
	s := &StepDefinition{
		Name:   name,
		Invoke: invoke,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithCompensation sets the step's compensating action.
func WithCompensation(fn CompensateFunc) StepOption {
	return func(s *StepDefinition) { s.Compensate = fn }
}

// WithAsync marks the step as externally completed. The transaction
// parks after the forward action returns a nil output and resumes when
// the outcome is reported through the signal API.
func WithAsync() StepOption {
	return func(s *StepDefinition) { s.Async = true }
}

// WithTimeout bounds how long an async step may stay parked before the
// deadline scanner fails it. Implies WithAsync.
func WithTimeout(d time.Duration) StepOption {
	return func(s *StepDefinition) {
		s.Async = true
		s.Timeout = d
	}
}

// WithMaxRetries sets the number of additional attempts after the first
// failure. Retries apply to the forward action only; compensations run
// exactly once per unwind.
func WithMaxRetries(n int) StepOption {
	return func(s *StepDefinition) { s.MaxRetries = n }
}

// ─────────────────────────────────────────────────────────────────────────────
// Step execution context
// ─────────────────────────────────────────────────────────────────────────────

// PendingEvent is an event collected during a step attempt. The
// orchestrator publishes pending events only after the attempt's result
// has been durably committed, so failed attempts never leak events.
type PendingEvent struct {
	Name    string
	Payload []byte
}

// StepContext carries per-attempt execution state into step functions.
// It is created fresh for each attempt and must not be retained after
// the step function returns.
type StepContext struct {
	ctx           context.Context
	transactionID id.TransactionID
	workflowID    string
	stepName      string
	attempt       int
	logger        *slog.Logger
	events        []PendingEvent
}

// NewStepContext creates the execution context for a single step attempt.
// Intended for the orchestrator and for tests that drive steps directly.
func NewStepContext(ctx context.Context, txnID id.TransactionID, workflowID, stepName string, attempt int, logger *slog.Logger) *StepContext {
	if logger == nil {
		logger = slog.Default()
	}
	return &StepContext{
		ctx:           ctx,
		transactionID: txnID,
		workflowID:    workflowID,
		stepName:      stepName,
		attempt:       attempt,
		logger: logger.With(
			slog.String("transaction_id", txnID.String()),
			slog.String("step", stepName),
		),
	}
}

// Context returns the underlying context for cancellation and deadlines.
func (c *StepContext) Context() context.Context { return c.ctx }

// TransactionID returns the id of the owning transaction.
func (c *StepContext) TransactionID() id.TransactionID { return c.transactionID }

// WorkflowID returns the id of the workflow being executed.
func (c *StepContext) WorkflowID() string { return c.workflowID }

// StepName returns the name of the executing step.
func (c *StepContext) StepName() string { return c.stepName }

// Attempt returns the 1-based attempt number of this execution.
func (c *StepContext) Attempt() int { return c.attempt }

// Logger returns a logger scoped to the transaction and step.
func (c *StepContext) Logger() *slog.Logger { return c.logger }

// Emit collects a named event for publication after the step commits.
// The payload is JSON-encoded; a nil payload emits an event with no body.
func (c *StepContext) Emit(name string, payload any) error {
	var body []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("workflow: encoding event %q payload: %w", name, err)
		}
		body = b
	}
	c.events = append(c.events, PendingEvent{Name: name, Payload: body})
	return nil
}

// PendingEvents returns the events collected so far during this attempt.
func (c *StepContext) PendingEvents() []PendingEvent { return c.events }

// ─────────────────────────────────────────────────────────────────────────────
// Typed adapters
// ─────────────────────────────────────────────────────────────────────────────

// Invoke adapts a typed step function to the untyped [InvokeFunc]
// contract. The raw input is decoded into I through JSON, which is also
// how step outputs round-trip through the store, so a resumed
// transaction decodes exactly what a live one would.
func Invoke[I, O any](fn func(ctx *StepContext, input I) (O, error)) InvokeFunc {
	return func(ctx *StepContext, input any) (any, error) {
		typed, err := decodeAs[I](input)
		if err != nil {
			return nil, fmt.Errorf("workflow: decoding step input: %w", err)
		}
		return fn(ctx, typed)
	}
}

// Compensate adapts a typed compensating function to the untyped
// [CompensateFunc] contract. The persisted step output is decoded into
// O before the function runs.
func Compensate[O any](fn func(ctx *StepContext, output O) error) CompensateFunc {
	return func(ctx *StepContext, output any) error {
		typed, err := decodeAs[O](output)
		if err != nil {
			return fmt.Errorf("workflow: decoding step output: %w", err)
		}
		return fn(ctx, typed)
	}
}

// decodeAs converts an arbitrary value into T. Values that are already
// the right type pass through; everything else round-trips through JSON,
// matching how outputs are persisted.
func decodeAs[T any](v any) (T, error) {
	if typed, ok := v.(T); ok {
		return typed, nil
	}
	var out T
	if v == nil {
		return out, nil
	}
	raw, ok := v.([]byte)
	if !ok {
		b, err := json.Marshal(v)
		if err != nil {
			return out, err
		}
		raw = b
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}
