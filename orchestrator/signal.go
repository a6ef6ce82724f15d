package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loomery/loom"
	"github.com/loomery/loom/id"
	"github.com/loomery/loom/workflow"
)

// Outcome is the externally reported result of an async step.
type Outcome struct {
	// Success reports whether the external work completed.
	Success bool

	// Output is recorded as the step's output on success. May be nil.
	Output any

	// Err is the failure cause when Success is false. A nil Err on a
	// failed outcome is recorded as a generic external failure.
	Err error
}

// ReportStepOutcome delivers an external outcome to a parked
// transaction. On success the step's output is recorded and the
// transaction resumes from the next step; on failure the transaction
// fails and compensation runs.
//
// The call serializes on the per-transaction lock and requires the
// transaction to be waiting at exactly the named step, so concurrent
// signals for the same wait resolve cleanly: the first one wins, the
// rest get loom.ErrTransactionNotWaiting. The deadline scanner reports
// timeouts through this same path.
func (o *Orchestrator) ReportStepOutcome(ctx context.Context, txnID id.TransactionID, stepName string, outcome Outcome) (*workflow.Transaction, error) {
	o.locks.Lock(txnID.String())
	defer o.locks.Unlock(txnID.String())

	txn, err := o.store.GetTransaction(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if txn.State != workflow.StateWaitingExternal || txn.WaitingStep != stepName {
		return nil, fmt.Errorf("%w: transaction %s is %s (waiting step %q, got %q)",
			loom.ErrTransactionNotWaiting, txnID, txn.State, txn.WaitingStep, stepName)
	}

	def, err := o.registry.Get(txn.WorkflowID)
	if err != nil {
		return nil, err
	}

	o.logger.Info("external outcome received",
		slog.String("transaction_id", txnID.String()),
		slog.String("step", stepName),
		slog.Bool("success", outcome.Success),
	)
	if o.extensions != nil {
		o.extensions.EmitSignalReceived(ctx, txnID, stepName, outcome.Success)
	}

	waiting, err := o.waitingExecution(ctx, txnID, stepName)
	if err != nil {
		return nil, err
	}

	if !outcome.Success {
		cause := outcome.Err
		if cause == nil {
			cause = errors.New("orchestrator: external step reported failure")
		}
		if waiting != nil {
			waiting.MarkFailed(cause)
			if err := o.store.UpdateStepExecution(ctx, waiting); err != nil {
				return nil, err
			}
		}
		if err := txn.Unpark(); err != nil {
			return nil, err
		}
		if o.extensions != nil {
			o.extensions.EmitStepFailed(ctx, txn, stepName, cause)
		}
		return o.fail(ctx, txn, def, fmt.Errorf("step %q: %w", stepName, cause))
	}

	var rawOutput json.RawMessage
	if outcome.Output != nil {
		b, err := json.Marshal(outcome.Output)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: encoding reported output of %q: %w", stepName, err)
		}
		rawOutput = b
	}

	var elapsed time.Duration
	if waiting != nil {
		elapsed = time.Since(waiting.StartedAt)
		waiting.MarkSucceeded(rawOutput)
		if err := o.store.UpdateStepExecution(ctx, waiting); err != nil {
			return nil, err
		}
	}
	txn.RecordOutput(stepName, rawOutput)
	if err := txn.Unpark(); err != nil {
		return nil, err
	}
	if err := o.store.UpdateTransaction(ctx, txn); err != nil {
		return nil, err
	}
	if o.extensions != nil {
		o.extensions.EmitStepSucceeded(ctx, txn, stepName, elapsed)
	}

	return o.advance(ctx, txn, def)
}

// waitingExecution finds the parked execution record for the step.
func (o *Orchestrator) waitingExecution(ctx context.Context, txnID id.TransactionID, stepName string) (*workflow.StepExecution, error) {
	execs, err := o.store.ListStepExecutions(ctx, txnID)
	if err != nil {
		return nil, err
	}
	for i := len(execs) - 1; i >= 0; i-- {
		if execs[i].StepName == stepName && execs[i].Status == workflow.StepStatusWaiting {
			return execs[i], nil
		}
	}
	return nil, nil
}
