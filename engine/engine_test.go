package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loomery/loom"
	"github.com/loomery/loom/backoff"
	"github.com/loomery/loom/engine"
	"github.com/loomery/loom/id"
	"github.com/loomery/loom/orchestrator"
	"github.com/loomery/loom/store/memory"
	"github.com/loomery/loom/workflow"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEngine(t *testing.T, opts ...engine.Option) (*engine.Engine, *memory.Store) {
	t.Helper()
	s := memory.New()
	l, err := loom.New(
		loom.WithStore(s),
		loom.WithLogger(discardLogger()),
	)
	if err != nil {
		t.Fatalf("loom.New: %v", err)
	}
	opts = append([]engine.Option{engine.WithBackoff(backoff.NewNone())}, opts...)
	eng, err := engine.Build(l, opts...)
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}
	return eng, s
}

// lifecycleOnlyStore satisfies loom.Storer but none of the subsystem
// store interfaces.
type lifecycleOnlyStore struct{}

func (lifecycleOnlyStore) Migrate(context.Context) error { return nil }
func (lifecycleOnlyStore) Ping(context.Context) error    { return nil }
func (lifecycleOnlyStore) Close() error                  { return nil }

func TestBuild_RequiresStore(t *testing.T) {
	l, err := loom.New(loom.WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("loom.New: %v", err)
	}
	if _, err := engine.Build(l); !errors.Is(err, loom.ErrNoStore) {
		t.Errorf("Build error = %v, want ErrNoStore", err)
	}
}

func TestBuild_RejectsIncapableStore(t *testing.T) {
	l, err := loom.New(
		loom.WithStore(lifecycleOnlyStore{}),
		loom.WithLogger(discardLogger()),
	)
	if err != nil {
		t.Fatalf("loom.New: %v", err)
	}
	if _, err := engine.Build(l); err == nil {
		t.Error("Build accepted a store without subsystem interfaces")
	}
}

func TestEngine_StartTransaction(t *testing.T) {
	eng, _ := newEngine(t)
	def := workflow.New("order").
		Then(workflow.NewStep("validate", func(ctx *workflow.StepContext, input any) (any, error) {
			return map[string]any{"valid": true}, nil
		})).
		MustBuild()
	if err := eng.RegisterWorkflow(def); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}

	txn, err := eng.StartTransaction(context.Background(), id.NewTransactionID(), "order", map[string]string{"sku": "A-1"})
	if err != nil {
		t.Fatalf("StartTransaction: %v", err)
	}
	if txn.State != workflow.StateDone {
		t.Errorf("State = %q, want done", txn.State)
	}
}

func TestEngine_SignalRoundTrip(t *testing.T) {
	eng, _ := newEngine(t)
	def := workflow.New("payment").
		Then(workflow.NewStep("confirm",
			func(ctx *workflow.StepContext, input any) (any, error) { return nil, nil },
			workflow.WithAsync(),
		)).
		MustBuild()
	if err := eng.RegisterWorkflow(def); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}
	ctx := context.Background()

	txn, err := eng.StartTransaction(ctx, id.NewTransactionID(), "payment", nil)
	if err != nil {
		t.Fatalf("StartTransaction: %v", err)
	}
	if txn.State != workflow.StateWaitingExternal {
		t.Fatalf("State = %q, want waiting-external", txn.State)
	}

	done, err := eng.ReportStepOutcome(ctx, txn.ID, "confirm", orchestrator.Outcome{Success: true})
	if err != nil {
		t.Fatalf("ReportStepOutcome: %v", err)
	}
	if done.State != workflow.StateDone {
		t.Errorf("State = %q, want done", done.State)
	}
}

func TestEngine_ResumeAll(t *testing.T) {
	eng, s := newEngine(t)
	def := workflow.New("recover").
		Then(workflow.NewStep("first", func(ctx *workflow.StepContext, input any) (any, error) {
			return "one", nil
		})).
		Then(workflow.NewStep("second", func(ctx *workflow.StepContext, input any) (any, error) {
			return "two", nil
		})).
		MustBuild()
	if err := eng.RegisterWorkflow(def); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}
	ctx := context.Background()

	// A transaction a dead process left mid-flight.
	stuck := workflow.NewTransaction(id.NewTransactionID(), "recover", nil)
	stuck.RecordOutput("first", json.RawMessage(`"one"`))
	if err := s.CreateTransaction(ctx, stuck); err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}

	if err := eng.ResumeAll(ctx); err != nil {
		t.Fatalf("ResumeAll: %v", err)
	}

	recovered, err := s.GetTransaction(ctx, stuck.ID)
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if recovered.State != workflow.StateDone {
		t.Errorf("State = %q, want done after recovery", recovered.State)
	}
	if _, ok := recovered.Outputs["second"]; !ok {
		t.Error("second step did not run during recovery")
	}
}

// deadlineCounter counts deadline expiry notifications.
type deadlineCounter struct {
	fired atomic.Int32
}

func (*deadlineCounter) Name() string { return "deadline-counter" }

func (d *deadlineCounter) OnDeadlineExpired(ctx context.Context, txn *workflow.Transaction, stepName string) error {
	d.fired.Add(1)
	return nil
}

func TestEngine_DeadlineExpiryFiresHook(t *testing.T) {
	counter := &deadlineCounter{}
	eng, s := newEngine(t, engine.WithExtension(counter))
	def := workflow.New("payment").
		Then(workflow.NewStep("confirm",
			func(ctx *workflow.StepContext, input any) (any, error) { return nil, nil },
			workflow.WithAsync(),
			workflow.WithTimeout(10*time.Millisecond),
		)).
		MustBuild()
	if err := eng.RegisterWorkflow(def); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}
	ctx := context.Background()

	txn, err := eng.StartTransaction(ctx, id.NewTransactionID(), "payment", nil)
	if err != nil {
		t.Fatalf("StartTransaction: %v", err)
	}
	if txn.State != workflow.StateWaitingExternal {
		t.Fatalf("State = %q, want waiting-external", txn.State)
	}

	sc := eng.Scanner()
	if err := sc.Start(ctx); err != nil {
		t.Fatalf("scanner Start: %v", err)
	}
	t.Cleanup(func() { _ = sc.Stop(ctx) })

	// Let the wait deadline pass, then force scans until the expiry
	// lands. The lease loop tries once at startup; give it a moment.
	time.Sleep(20 * time.Millisecond)
	waitUntil := time.Now().Add(2 * time.Second)
	for counter.fired.Load() == 0 && time.Now().Before(waitUntil) {
		sc.Scan(ctx)
		time.Sleep(5 * time.Millisecond)
	}
	if got := counter.fired.Load(); got != 1 {
		t.Fatalf("OnDeadlineExpired fired %d times, want 1", got)
	}

	expired, err := s.GetTransaction(ctx, txn.ID)
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if expired.State != workflow.StateFailed {
		t.Errorf("State = %q, want failed after expiry", expired.State)
	}

	// The wait is consumed; another scan must not fire again.
	sc.Scan(ctx)
	if got := counter.fired.Load(); got != 1 {
		t.Errorf("OnDeadlineExpired fired %d times after second scan, want 1", got)
	}
}

func TestEngine_StartStop(t *testing.T) {
	eng, _ := newEngine(t)
	ctx := context.Background()

	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := eng.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
