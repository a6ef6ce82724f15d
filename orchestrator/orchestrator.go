package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loomery/loom"
	"github.com/loomery/loom/backoff"
	"github.com/loomery/loom/event"
	"github.com/loomery/loom/ext"
	"github.com/loomery/loom/id"
	"github.com/loomery/loom/intervention"
	"github.com/loomery/loom/middleware"
	"github.com/loomery/loom/workflow"
)

// errParked stops the workflow walk when a transaction parks at an
// async step. Internal control flow only; callers see a transaction in
// the waiting-external state, not an error.
var errParked = errors.New("orchestrator: transaction parked")

// Orchestrator drives transactions through their workflow definitions:
// step execution with retries, parking on async steps, resumption on
// signals, and compensation on terminal failure.
type Orchestrator struct {
	registry      *workflow.Registry
	store         workflow.Store
	events        *event.Bus
	interventions *intervention.Service
	extensions    *ext.Registry
	backoff       backoff.Strategy
	mw            middleware.Middleware
	locks         *keyedMutex
	logger        *slog.Logger
}

// New creates an Orchestrator with the given dependencies.
func New(
	registry *workflow.Registry,
	store workflow.Store,
	events *event.Bus,
	interventions *intervention.Service,
	extensions *ext.Registry,
	bo backoff.Strategy,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if bo == nil {
		bo = backoff.DefaultStrategy()
	}
	return &Orchestrator{
		registry:      registry,
		store:         store,
		events:        events,
		interventions: interventions,
		extensions:    extensions,
		backoff:       bo,
		mw:            middleware.Chain(mws...),
		locks:         newKeyedMutex(),
		logger:        logger,
	}
}

// Start creates a transaction with the caller-supplied id and executes
// its workflow. The id doubles as an idempotency key: starting the same
// id again returns the stored transaction without re-executing any
// step, first replaying it to completion if a previous process crashed
// mid-walk.
//
// The returned transaction is in one of three states: done, failed or
// reverted (the terminal error is also returned), or waiting-external
// if an async step parked it.
func (o *Orchestrator) Start(ctx context.Context, txnID id.TransactionID, workflowID string, input any) (*workflow.Transaction, error) {
	if txnID.IsNil() {
		return nil, fmt.Errorf("orchestrator: transaction id is required")
	}
	if txnID.Prefix() != id.PrefixTransaction {
		return nil, fmt.Errorf("orchestrator: invalid transaction id prefix %q", txnID.Prefix())
	}

	def, err := o.registry.Get(workflowID)
	if err != nil {
		return nil, err
	}

	var raw []byte
	if input != nil {
		raw, err = json.Marshal(input)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: encoding input: %w", err)
		}
	}

	o.locks.Lock(txnID.String())
	defer o.locks.Unlock(txnID.String())

	txn := workflow.NewTransaction(txnID, workflowID, raw)
	if err := o.store.CreateTransaction(ctx, txn); err != nil {
		if !errors.Is(err, loom.ErrTransactionExists) {
			return nil, err
		}
		// Idempotent restart: the id has run before. Return the stored
		// record; only a transaction a dead process left running still
		// needs to move.
		existing, getErr := o.store.GetTransaction(ctx, txnID)
		if getErr != nil {
			return nil, getErr
		}
		o.logger.Info("transaction id seen before, returning stored record",
			slog.String("transaction_id", txnID.String()),
			slog.String("state", string(existing.State)),
		)
		if existing.State != workflow.StateRunning {
			return existing, nil
		}
		existingDef, defErr := o.registry.Get(existing.WorkflowID)
		if defErr != nil {
			return nil, defErr
		}
		return o.advance(ctx, existing, existingDef)
	}

	o.logger.Info("transaction started",
		slog.String("transaction_id", txn.ID.String()),
		slog.String("workflow_id", workflowID),
	)
	if o.extensions != nil {
		o.extensions.EmitTransactionStarted(ctx, txn)
	}

	return o.advance(ctx, txn, def)
}

// Resume continues a running transaction from its last durable point.
// Intended for crash recovery: a transaction left in the running state
// by a dead process is replayed, skipping every step whose output is
// already recorded. Waiting and terminal transactions are returned
// unchanged.
func (o *Orchestrator) Resume(ctx context.Context, txnID id.TransactionID) (*workflow.Transaction, error) {
	o.locks.Lock(txnID.String())
	defer o.locks.Unlock(txnID.String())

	txn, err := o.store.GetTransaction(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if txn.State != workflow.StateRunning {
		return txn, nil
	}

	def, err := o.registry.Get(txn.WorkflowID)
	if err != nil {
		return nil, err
	}

	o.logger.Info("transaction resumed",
		slog.String("transaction_id", txn.ID.String()),
		slog.String("workflow_id", txn.WorkflowID),
	)
	return o.advance(ctx, txn, def)
}

// Get retrieves a transaction by id.
func (o *Orchestrator) Get(ctx context.Context, txnID id.TransactionID) (*workflow.Transaction, error) {
	return o.store.GetTransaction(ctx, txnID)
}

// List returns transactions matching the given options.
func (o *Orchestrator) List(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Transaction, error) {
	return o.store.ListTransactions(ctx, opts)
}

// advance walks the workflow from the top, skipping recorded outputs,
// and settles the transaction into its next durable state. The walk's
// final value becomes the transaction's Result.
func (o *Orchestrator) advance(ctx context.Context, txn *workflow.Transaction, def *workflow.Definition) (*workflow.Transaction, error) {
	final, err := o.walk(ctx, txn, def, def.Nodes, initialInput(txn))
	if err != nil {
		if errors.Is(err, errParked) {
			return txn, nil
		}
		return o.fail(ctx, txn, def, err)
	}

	if final != nil {
		b, err := json.Marshal(final)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: encoding result: %w", err)
		}
		txn.Result = b
	}
	if err := txn.Transition(workflow.StateDone); err != nil {
		return nil, err
	}
	if err := o.store.UpdateTransaction(ctx, txn); err != nil {
		return nil, err
	}

	o.logger.Info("transaction completed",
		slog.String("transaction_id", txn.ID.String()),
		slog.String("workflow_id", txn.WorkflowID),
	)
	if o.extensions != nil {
		o.extensions.EmitTransactionCompleted(ctx, txn, time.Since(txn.StartedAt))
	}
	return txn, nil
}

// walk executes nodes in order, threading the current value: each
// step's output (recorded or fresh) becomes the next step's input
// unless a transform reshapes it.
func (o *Orchestrator) walk(ctx context.Context, txn *workflow.Transaction, def *workflow.Definition, nodes []workflow.Node, current any) (any, error) {
	for _, n := range nodes {
		switch node := n.(type) {
		case workflow.StepNode:
			out, err := o.runStep(ctx, txn, node.Step, current)
			if err != nil {
				return nil, err
			}
			current = out

		case workflow.TransformNode:
			outputs, err := txn.OutputMap()
			if err != nil {
				return nil, err
			}
			current = node.Transform(outputs)

		case workflow.BranchNode:
			idx, err := o.decide(ctx, txn, node)
			if err != nil {
				return nil, err
			}
			if idx >= 0 {
				current, err = o.walk(ctx, txn, def, node.Arms[idx].Nodes, current)
				if err != nil {
					return nil, err
				}
			}
		}
	}
	return current, nil
}

// decide returns the arm index for a branch, evaluating guards only on
// first contact. The decision is persisted before any arm step runs, so
// a resumed transaction replays the same path even if the guard would
// now answer differently. -1 records that no arm matched.
func (o *Orchestrator) decide(ctx context.Context, txn *workflow.Transaction, node workflow.BranchNode) (int, error) {
	if idx, ok := txn.Decisions[node.Name]; ok {
		return idx, nil
	}

	outputs, err := txn.OutputMap()
	if err != nil {
		return 0, err
	}

	idx := -1
	for i, arm := range node.Arms {
		if arm.Guard == nil || arm.Guard(outputs) {
			idx = i
			break
		}
	}

	if txn.Decisions == nil {
		txn.Decisions = make(map[string]int)
	}
	txn.Decisions[node.Name] = idx
	if err := o.store.UpdateTransaction(ctx, txn); err != nil {
		return 0, err
	}

	o.logger.Debug("branch decided",
		slog.String("transaction_id", txn.ID.String()),
		slog.String("branch", node.Name),
		slog.Int("arm", idx),
	)
	return idx, nil
}

// runStep executes one step with retries, or replays its recorded
// output. Returns errParked when an async step parks the transaction.
func (o *Orchestrator) runStep(ctx context.Context, txn *workflow.Transaction, step *workflow.StepDefinition, input any) (any, error) {
	// Replay: a recorded output means the step already succeeded.
	if raw, ok := txn.Outputs[step.Name]; ok {
		var out any
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &out); err != nil {
				return nil, fmt.Errorf("orchestrator: decoding recorded output of %q: %w", step.Name, err)
			}
		}
		return out, nil
	}

	var rawInput json.RawMessage
	if input != nil {
		b, err := json.Marshal(input)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: encoding input of %q: %w", step.Name, err)
		}
		rawInput = b
	}

	prior, err := o.store.CountStepExecutions(ctx, txn.ID, step.Name)
	if err != nil {
		return nil, err
	}

	maxAttempts := step.MaxRetries + 1
	if prior >= maxAttempts {
		// Every attempt was consumed, likely by a crash mid-attempt.
		// Without knowing whether the side effect happened, failing is
		// the safe answer; compensation cleans up the earlier steps.
		return nil, fmt.Errorf("step %q: %w", step.Name, loom.ErrMaxRetriesExceeded)
	}

	var lastErr error
	for attempt := prior + 1; attempt <= maxAttempts; attempt++ {
		output, parked, err := o.attempt(ctx, txn, step, rawInput, input, attempt)
		if err == nil {
			if parked {
				return nil, errParked
			}
			return output, nil
		}
		lastErr = err

		if attempt < maxAttempts {
			if o.extensions != nil {
				o.extensions.EmitStepRetrying(ctx, txn, step.Name, attempt)
			}
			delay := o.backoff.Delay(attempt)
			o.logger.Info("step scheduled for retry",
				slog.String("transaction_id", txn.ID.String()),
				slog.String("step", step.Name),
				slog.Int("attempt", attempt),
				slog.Int("max_retries", step.MaxRetries),
				slog.Duration("delay", delay),
			)
			if sleepErr := sleepCtx(ctx, delay); sleepErr != nil {
				return nil, sleepErr
			}
		}
	}

	if o.extensions != nil {
		o.extensions.EmitStepFailed(ctx, txn, step.Name, lastErr)
	}
	return nil, fmt.Errorf("step %q failed after %d attempts: %w", step.Name, maxAttempts, lastErr)
}

// attempt runs a single step attempt through middleware and commits its
// result. parked is true when the async step produced no output and the
// transaction now waits for an external outcome.
func (o *Orchestrator) attempt(ctx context.Context, txn *workflow.Transaction, step *workflow.StepDefinition, rawInput json.RawMessage, input any, attempt int) (output any, parked bool, err error) {
	exec := workflow.NewStepExecution(txn.ID, step.Name, attempt, rawInput)
	if err := o.store.CreateStepExecution(ctx, exec); err != nil {
		return nil, false, err
	}
	if o.extensions != nil {
		o.extensions.EmitStepStarted(ctx, txn, step.Name, attempt)
	}

	inv := &middleware.Invocation{
		TransactionID: txn.ID,
		WorkflowID:    txn.WorkflowID,
		StepName:      step.Name,
		Attempt:       attempt,
	}

	var stepCtx *workflow.StepContext
	start := time.Now()
	invokeErr := o.mw(ctx, inv, func(c context.Context) error {
		stepCtx = workflow.NewStepContext(c, txn.ID, txn.WorkflowID, step.Name, attempt, o.logger)
		out, err := step.Invoke(stepCtx, input)
		output = out
		return err
	})
	elapsed := time.Since(start)

	if invokeErr != nil {
		exec.MarkFailed(invokeErr)
		if updateErr := o.store.UpdateStepExecution(ctx, exec); updateErr != nil {
			return nil, false, updateErr
		}
		return nil, false, invokeErr
	}

	if step.Async && output == nil {
		exec.MarkWaiting()
		if err := o.store.UpdateStepExecution(ctx, exec); err != nil {
			return nil, false, err
		}
		if err := txn.Park(step.Name, step.Timeout); err != nil {
			return nil, false, err
		}
		if err := o.store.UpdateTransaction(ctx, txn); err != nil {
			return nil, false, err
		}
		o.publishEvents(ctx, txn, step.Name, stepCtx)
		o.logger.Info("transaction waiting on external outcome",
			slog.String("transaction_id", txn.ID.String()),
			slog.String("step", step.Name),
		)
		return nil, true, nil
	}

	var rawOutput json.RawMessage
	if output != nil {
		b, err := json.Marshal(output)
		if err != nil {
			return nil, false, fmt.Errorf("orchestrator: encoding output of %q: %w", step.Name, err)
		}
		rawOutput = b
	}

	exec.MarkSucceeded(rawOutput)
	if err := o.store.UpdateStepExecution(ctx, exec); err != nil {
		return nil, false, err
	}
	txn.RecordOutput(step.Name, rawOutput)
	if err := o.store.UpdateTransaction(ctx, txn); err != nil {
		return nil, false, err
	}

	o.publishEvents(ctx, txn, step.Name, stepCtx)
	if o.extensions != nil {
		o.extensions.EmitStepSucceeded(ctx, txn, step.Name, elapsed)
	}
	return output, false, nil
}

// publishEvents publishes the events a step collected, after its result
// has been committed. Publish failures are logged, not propagated: the
// step already succeeded durably.
func (o *Orchestrator) publishEvents(ctx context.Context, txn *workflow.Transaction, stepName string, stepCtx *workflow.StepContext) {
	if o.events == nil || stepCtx == nil {
		return
	}
	for _, pending := range stepCtx.PendingEvents() {
		if _, err := o.events.Publish(ctx, txn.ID, stepName, pending.Name, pending.Payload); err != nil {
			o.logger.Error("event publish failed",
				slog.String("transaction_id", txn.ID.String()),
				slog.String("step", stepName),
				slog.String("event", pending.Name),
				slog.String("error", err.Error()),
			)
		}
	}
}

// initialInput decodes the transaction's stored input for the first step.
func initialInput(txn *workflow.Transaction) any {
	if len(txn.Input) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(txn.Input, &v); err != nil {
		return nil
	}
	return v
}

// sleepCtx sleeps for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
