package orchestrator_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loomery/loom"
	"github.com/loomery/loom/id"
	"github.com/loomery/loom/orchestrator"
	"github.com/loomery/loom/workflow"
)

// asyncWorkflow is a three step chain whose middle step parks the
// transaction: reserve, then an async payment confirmation, then ship.
func asyncWorkflow(reverted *[]string) *workflow.Definition {
	reserve := workflow.NewStep("reserve",
		func(ctx *workflow.StepContext, input any) (any, error) {
			return map[string]any{"reservation": "r-1"}, nil
		},
		workflow.WithCompensation(func(ctx *workflow.StepContext, output any) error {
			if reverted != nil {
				*reverted = append(*reverted, "reserve")
			}
			return nil
		}),
	)
	confirm := workflow.NewStep("confirm-payment",
		func(ctx *workflow.StepContext, input any) (any, error) {
			// Kick off the external charge; the outcome arrives later
			// through ReportStepOutcome.
			return nil, nil
		},
		workflow.WithAsync(),
		workflow.WithCompensation(func(ctx *workflow.StepContext, output any) error {
			if reverted != nil {
				*reverted = append(*reverted, "confirm-payment")
			}
			return nil
		}),
	)
	ship := workflow.NewStep("ship", func(ctx *workflow.StepContext, input any) (any, error) {
		return map[string]any{"shipped": true}, nil
	})
	return workflow.New("payment").Then(reserve).Then(confirm).Then(ship).MustBuild()
}

func TestStart_AsyncStepParksTransaction(t *testing.T) {
	o, s := newOrchestrator(t, asyncWorkflow(nil))
	ctx := context.Background()

	txn, err := o.Start(ctx, id.NewTransactionID(), "payment", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if txn.State != workflow.StateWaitingExternal {
		t.Fatalf("State = %q, want waiting-external", txn.State)
	}
	if txn.WaitingStep != "confirm-payment" {
		t.Errorf("WaitingStep = %q", txn.WaitingStep)
	}
	if txn.WaitDeadline != nil {
		t.Error("WaitDeadline set for a step without a timeout")
	}

	execs, _ := s.ListStepExecutions(ctx, txn.ID)
	if len(execs) != 2 {
		t.Fatalf("executions = %d, want 2", len(execs))
	}
	if execs[1].Status != workflow.StepStatusWaiting {
		t.Errorf("async exec status = %q, want waiting", execs[1].Status)
	}
}

func TestStart_AsyncStepWithTimeoutSetsDeadline(t *testing.T) {
	step := workflow.NewStep("wait",
		func(ctx *workflow.StepContext, input any) (any, error) { return nil, nil },
		workflow.WithTimeout(time.Hour),
	)
	def := workflow.New("timed").Then(step).MustBuild()
	o, _ := newOrchestrator(t, def)

	txn, err := o.Start(context.Background(), id.NewTransactionID(), "timed", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if txn.WaitDeadline == nil {
		t.Fatal("WaitDeadline not set")
	}
	if remaining := time.Until(*txn.WaitDeadline); remaining < 59*time.Minute || remaining > time.Hour {
		t.Errorf("deadline %v from now, want ~1h", remaining)
	}
}

func TestStart_AsyncStepWithImmediateOutputDoesNotPark(t *testing.T) {
	// An async step that already knows its result returns it inline and
	// the walk continues.
	step := workflow.NewStep("maybe-async",
		func(ctx *workflow.StepContext, input any) (any, error) {
			return map[string]any{"cached": true}, nil
		},
		workflow.WithAsync(),
	)
	def := workflow.New("inline").Then(step).MustBuild()
	o, _ := newOrchestrator(t, def)

	txn, err := o.Start(context.Background(), id.NewTransactionID(), "inline", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if txn.State != workflow.StateDone {
		t.Errorf("State = %q, want done", txn.State)
	}
}

func TestReportStepOutcome_SuccessResumes(t *testing.T) {
	o, s := newOrchestrator(t, asyncWorkflow(nil))
	ctx := context.Background()

	txn, err := o.Start(ctx, id.NewTransactionID(), "payment", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	resumed, err := o.ReportStepOutcome(ctx, txn.ID, "confirm-payment", orchestrator.Outcome{
		Success: true,
		Output:  map[string]any{"charge_id": "ch-7"},
	})
	if err != nil {
		t.Fatalf("ReportStepOutcome: %v", err)
	}

	if resumed.State != workflow.StateDone {
		t.Errorf("State = %q, want done", resumed.State)
	}
	if resumed.WaitingStep != "" {
		t.Errorf("WaitingStep = %q after resume, want empty", resumed.WaitingStep)
	}
	if _, ok := resumed.Outputs["confirm-payment"]; !ok {
		t.Error("reported output not recorded")
	}
	if _, ok := resumed.Outputs["ship"]; !ok {
		t.Error("downstream step did not run after resume")
	}

	execs, _ := s.ListStepExecutions(ctx, resumed.ID)
	for _, exec := range execs {
		if exec.StepName == "confirm-payment" && exec.Status != workflow.StepStatusSucceeded {
			t.Errorf("async exec status = %q, want succeeded", exec.Status)
		}
	}
}

func TestReportStepOutcome_FailureCompensates(t *testing.T) {
	var reverted []string
	o, _ := newOrchestrator(t, asyncWorkflow(&reverted))
	ctx := context.Background()

	txn, err := o.Start(ctx, id.NewTransactionID(), "payment", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	failed, err := o.ReportStepOutcome(ctx, txn.ID, "confirm-payment", orchestrator.Outcome{
		Success: false,
		Err:     errors.New("charge declined"),
	})
	if err == nil {
		t.Fatal("ReportStepOutcome returned nil error for a failed outcome")
	}
	if !strings.Contains(err.Error(), "charge declined") {
		t.Errorf("error = %v, want the reported cause", err)
	}

	if failed.State != workflow.StateReverted {
		t.Errorf("State = %q, want reverted", failed.State)
	}
	// Only the succeeded step unwinds; the async step never succeeded.
	if len(reverted) != 1 || reverted[0] != "reserve" {
		t.Errorf("reverted = %v, want [reserve]", reverted)
	}
}

func TestReportStepOutcome_NotWaiting(t *testing.T) {
	def := workflow.New("order").Then(echoStep("validate")).MustBuild()
	o, _ := newOrchestrator(t, def, asyncWorkflow(nil))
	ctx := context.Background()

	// Completed transaction.
	done, err := o.Start(ctx, id.NewTransactionID(), "order", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := o.ReportStepOutcome(ctx, done.ID, "validate", orchestrator.Outcome{Success: true}); !errors.Is(err, loom.ErrTransactionNotWaiting) {
		t.Errorf("signal on done transaction: error = %v, want ErrTransactionNotWaiting", err)
	}

	// Waiting transaction, wrong step name.
	parked, err := o.Start(ctx, id.NewTransactionID(), "payment", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := o.ReportStepOutcome(ctx, parked.ID, "ship", orchestrator.Outcome{Success: true}); !errors.Is(err, loom.ErrTransactionNotWaiting) {
		t.Errorf("signal for wrong step: error = %v, want ErrTransactionNotWaiting", err)
	}

	// Unknown transaction.
	if _, err := o.ReportStepOutcome(ctx, id.NewTransactionID(), "ship", orchestrator.Outcome{Success: true}); !errors.Is(err, loom.ErrTransactionNotFound) {
		t.Errorf("signal for unknown transaction: error = %v, want ErrTransactionNotFound", err)
	}
}

func TestReportStepOutcome_SecondSignalLoses(t *testing.T) {
	o, _ := newOrchestrator(t, asyncWorkflow(nil))
	ctx := context.Background()

	txn, err := o.Start(ctx, id.NewTransactionID(), "payment", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := o.ReportStepOutcome(ctx, txn.ID, "confirm-payment", orchestrator.Outcome{Success: true}); err != nil {
		t.Fatalf("first signal: %v", err)
	}
	if _, err := o.ReportStepOutcome(ctx, txn.ID, "confirm-payment", orchestrator.Outcome{Success: true}); !errors.Is(err, loom.ErrTransactionNotWaiting) {
		t.Errorf("second signal: error = %v, want ErrTransactionNotWaiting", err)
	}
}

func TestReportStepOutcome_ConcurrentSignalsOneWins(t *testing.T) {
	o, _ := newOrchestrator(t, asyncWorkflow(nil))
	ctx := context.Background()

	txn, err := o.Start(ctx, id.NewTransactionID(), "payment", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	const racers = 8
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = o.ReportStepOutcome(ctx, txn.ID, "confirm-payment", orchestrator.Outcome{Success: true})
		}(i)
	}
	wg.Wait()

	var won, lost int
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, loom.ErrTransactionNotWaiting):
			lost++
		default:
			t.Errorf("unexpected signal error: %v", err)
		}
	}
	if won != 1 {
		t.Errorf("winners = %d, want exactly 1", won)
	}
	if lost != racers-1 {
		t.Errorf("losers = %d, want %d", lost, racers-1)
	}

	final, _ := o.Get(ctx, txn.ID)
	if final.State != workflow.StateDone {
		t.Errorf("final state = %q, want done", final.State)
	}
}

func TestReportStepOutcome_DeadlineStyleFailure(t *testing.T) {
	// The deadline scanner reports timeouts through the same signal
	// path with ErrWaitDeadlineExceeded as the cause.
	var reverted []string
	o, _ := newOrchestrator(t, asyncWorkflow(&reverted))
	ctx := context.Background()

	txn, err := o.Start(ctx, id.NewTransactionID(), "payment", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	failed, err := o.ReportStepOutcome(ctx, txn.ID, "confirm-payment", orchestrator.Outcome{
		Success: false,
		Err:     loom.ErrWaitDeadlineExceeded,
	})
	if !errors.Is(err, loom.ErrWaitDeadlineExceeded) {
		t.Errorf("error = %v, want ErrWaitDeadlineExceeded", err)
	}
	if failed.State != workflow.StateReverted {
		t.Errorf("State = %q, want reverted", failed.State)
	}
	if len(reverted) != 1 || reverted[0] != "reserve" {
		t.Errorf("reverted = %v, want [reserve]", reverted)
	}
}
