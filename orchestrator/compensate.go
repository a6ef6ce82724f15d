package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loomery/loom/middleware"
	"github.com/loomery/loom/workflow"
)

// StepRevertFailure records one compensation that could not complete
// during an unwind.
type StepRevertFailure struct {
	StepName string
	Err      error
}

// RevertError aggregates the compensation failures of one unwind pass.
// The transaction still ends in the reverted state; the failed steps
// have intervention entries and execution records stuck in the
// compensating status.
type RevertError struct {
	Failures []StepRevertFailure
}

// Error implements the error interface.
func (e *RevertError) Error() string {
	names := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		names[i] = f.StepName
	}
	return fmt.Sprintf("orchestrator: %d compensation(s) failed: %s", len(e.Failures), strings.Join(names, ", "))
}

// Unwrap exposes the underlying compensation errors for errors.Is/As.
func (e *RevertError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

// fail moves the transaction to failed, compensates succeeded steps in
// reverse order, and returns the original cause to the caller.
func (o *Orchestrator) fail(ctx context.Context, txn *workflow.Transaction, def *workflow.Definition, cause error) (*workflow.Transaction, error) {
	txn.Error = cause.Error()
	if err := txn.Transition(workflow.StateFailed); err != nil {
		return nil, err
	}
	if err := o.store.UpdateTransaction(ctx, txn); err != nil {
		return nil, err
	}

	o.logger.Warn("transaction failed",
		slog.String("transaction_id", txn.ID.String()),
		slog.String("workflow_id", txn.WorkflowID),
		slog.String("error", cause.Error()),
	)
	if o.extensions != nil {
		o.extensions.EmitTransactionFailed(ctx, txn, cause)
	}

	attempted, revertErr := o.compensate(ctx, txn, def)
	if !attempted {
		// Nothing succeeded before the failure, so there is nothing to
		// unwind and failed is the terminal state.
		return txn, cause
	}

	if revertErr != nil {
		// The unwind was incomplete; the record must say so, not just
		// the log.
		txn.Error = txn.Error + "; " + revertErr.Error()
	}
	if err := txn.Transition(workflow.StateReverted); err != nil {
		return nil, err
	}
	if err := o.store.UpdateTransaction(ctx, txn); err != nil {
		return nil, err
	}

	o.logger.Info("transaction reverted",
		slog.String("transaction_id", txn.ID.String()),
		slog.String("workflow_id", txn.WorkflowID),
	)
	if o.extensions != nil {
		o.extensions.EmitTransactionReverted(ctx, txn)
	}
	if revertErr != nil {
		o.logger.Error("compensation pass incomplete",
			slog.String("transaction_id", txn.ID.String()),
			slog.String("error", revertErr.Error()),
		)
		return txn, errors.Join(cause, revertErr)
	}
	return txn, cause
}

// compensate undoes the succeeded steps in reverse execution order.
// Best effort: a failing compensation is recorded and the pass
// continues. attempted reports whether any step needed unwinding.
func (o *Orchestrator) compensate(ctx context.Context, txn *workflow.Transaction, def *workflow.Definition) (attempted bool, revertErr *RevertError) {
	execs, err := o.store.ListStepExecutions(ctx, txn.ID)
	if err != nil {
		o.logger.Error("compensation aborted: listing executions failed",
			slog.String("transaction_id", txn.ID.String()),
			slog.String("error", err.Error()),
		)
		return false, nil
	}

	// Succeeded records in execution order. Each step succeeds at most
	// once, so no dedup is needed.
	var succeeded []*workflow.StepExecution
	for _, exec := range execs {
		if exec.Status == workflow.StepStatusSucceeded {
			succeeded = append(succeeded, exec)
		}
	}
	if len(succeeded) == 0 {
		return false, nil
	}

	var failures []StepRevertFailure
	for i := len(succeeded) - 1; i >= 0; i-- {
		exec := succeeded[i]
		step, err := def.Step(exec.StepName)
		if err != nil {
			// The definition changed under a live transaction. Flag it
			// for an operator; there is no compensating function to run.
			o.logger.Error("compensation skipped: step no longer defined",
				slog.String("transaction_id", txn.ID.String()),
				slog.String("step", exec.StepName),
			)
			o.pushIntervention(ctx, txn, exec.StepName, exec.Output, err)
			failures = append(failures, StepRevertFailure{StepName: exec.StepName, Err: err})
			continue
		}
		if step.Compensate == nil {
			continue
		}

		if err := o.compensateStep(ctx, txn, step, exec); err != nil {
			failures = append(failures, StepRevertFailure{StepName: exec.StepName, Err: err})
		}
	}

	if len(failures) > 0 {
		return true, &RevertError{Failures: failures}
	}
	return true, nil
}

// compensateStep runs one step's compensating action with the recorded
// output. On failure the execution record stays in the compensating
// status with the error set, and an intervention entry is pushed.
func (o *Orchestrator) compensateStep(ctx context.Context, txn *workflow.Transaction, step *workflow.StepDefinition, exec *workflow.StepExecution) error {
	exec.MarkCompensating()
	if err := o.store.UpdateStepExecution(ctx, exec); err != nil {
		return err
	}

	var output any
	if len(exec.Output) > 0 {
		if err := json.Unmarshal(exec.Output, &output); err != nil {
			return fmt.Errorf("orchestrator: decoding output for compensation of %q: %w", step.Name, err)
		}
	}

	inv := &middleware.Invocation{
		TransactionID: txn.ID,
		WorkflowID:    txn.WorkflowID,
		StepName:      step.Name,
		Attempt:       1,
		Compensating:  true,
	}

	start := time.Now()
	compErr := o.mw(ctx, inv, func(c context.Context) error {
		stepCtx := workflow.NewStepContext(c, txn.ID, txn.WorkflowID, step.Name, 1, o.logger)
		return step.Compensate(stepCtx, output)
	})
	elapsed := time.Since(start)

	if compErr != nil {
		exec.Error = compErr.Error()
		if err := o.store.UpdateStepExecution(ctx, exec); err != nil {
			o.logger.Error("failed to record compensation error",
				slog.String("transaction_id", txn.ID.String()),
				slog.String("step", step.Name),
				slog.String("error", err.Error()),
			)
		}
		o.pushIntervention(ctx, txn, step.Name, exec.Output, compErr)
		if o.extensions != nil {
			o.extensions.EmitStepCompensated(ctx, txn, step.Name, compErr)
		}
		o.logger.Error("compensation failed",
			slog.String("transaction_id", txn.ID.String()),
			slog.String("step", step.Name),
			slog.String("error", compErr.Error()),
		)
		return compErr
	}

	exec.MarkCompensated()
	if err := o.store.UpdateStepExecution(ctx, exec); err != nil {
		return err
	}
	if o.extensions != nil {
		o.extensions.EmitStepCompensated(ctx, txn, step.Name, nil)
	}
	o.logger.Info("step compensated",
		slog.String("transaction_id", txn.ID.String()),
		slog.String("step", step.Name),
		slog.Duration("elapsed", elapsed),
	)
	return nil
}

// pushIntervention queues a failed compensation for manual cleanup.
func (o *Orchestrator) pushIntervention(ctx context.Context, txn *workflow.Transaction, stepName string, output json.RawMessage, cause error) {
	if o.interventions == nil {
		return
	}
	if _, err := o.interventions.Push(ctx, txn, stepName, output, cause); err != nil {
		o.logger.Error("failed to push intervention entry",
			slog.String("transaction_id", txn.ID.String()),
			slog.String("step", stepName),
			slog.String("error", err.Error()),
		)
		return
	}
	if o.extensions != nil {
		o.extensions.EmitInterventionPushed(ctx, txn.ID, stepName, cause)
	}
}
