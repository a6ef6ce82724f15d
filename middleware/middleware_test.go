package middleware_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loomery/loom/id"
	"github.com/loomery/loom/middleware"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestInvocation() *middleware.Invocation {
	return &middleware.Invocation{
		TransactionID: id.NewTransactionID(),
		WorkflowID:    "send-order",
		StepName:      "reserve",
		Attempt:       1,
	}
}

func TestChain_ExecutionOrder(t *testing.T) {
	var order []string

	mw1 := func(ctx context.Context, _ *middleware.Invocation, next middleware.Handler) error {
		order = append(order, "mw1-before")
		err := next(ctx)
		order = append(order, "mw1-after")
		return err
	}

	mw2 := func(ctx context.Context, _ *middleware.Invocation, next middleware.Handler) error {
		order = append(order, "mw2-before")
		err := next(ctx)
		order = append(order, "mw2-after")
		return err
	}

	chain := middleware.Chain(mw1, mw2)
	handler := func(_ context.Context) error {
		order = append(order, "handler")
		return nil
	}

	if err := chain(context.Background(), newTestInvocation(), handler); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := []string{"mw1-before", "mw2-before", "handler", "mw2-after", "mw1-after"}
	if len(order) != len(expected) {
		t.Fatalf("expected %d calls, got %d: %v", len(expected), len(order), order)
	}
	for i, want := range expected {
		if order[i] != want {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want)
		}
	}
}

func TestChain_Empty(t *testing.T) {
	chain := middleware.Chain()
	called := false
	err := chain(context.Background(), newTestInvocation(), func(_ context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("handler not called through empty chain")
	}
}

func TestChain_PropagatesError(t *testing.T) {
	sentinel := errors.New("boom")
	chain := middleware.Chain(
		func(ctx context.Context, _ *middleware.Invocation, next middleware.Handler) error {
			return next(ctx)
		},
	)
	err := chain(context.Background(), newTestInvocation(), func(_ context.Context) error {
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("error = %v, want sentinel", err)
	}
}

func TestRecover_ConvertsPanicToError(t *testing.T) {
	mw := middleware.Recover(discardLogger())

	err := mw(context.Background(), newTestInvocation(), func(_ context.Context) error {
		panic("step exploded")
	})
	if err == nil {
		t.Fatal("expected error from panic, got nil")
	}
}

func TestRecover_PassesThroughSuccess(t *testing.T) {
	mw := middleware.Recover(discardLogger())

	err := mw(context.Background(), newTestInvocation(), func(_ context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLogging_PassesThroughError(t *testing.T) {
	mw := middleware.Logging(discardLogger())
	sentinel := errors.New("declined")

	err := mw(context.Background(), newTestInvocation(), func(_ context.Context) error {
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("error = %v, want sentinel", err)
	}
}

func TestTimeout_EnforcesDeadline(t *testing.T) {
	mw := middleware.Timeout(discardLogger())
	inv := newTestInvocation()
	inv.Timeout = 10 * time.Millisecond

	err := mw(context.Background(), inv, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want DeadlineExceeded", err)
	}
}

func TestTimeout_NoDeadlineWhenZero(t *testing.T) {
	mw := middleware.Timeout(discardLogger())
	inv := newTestInvocation()

	err := mw(context.Background(), inv, func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); ok {
			t.Error("deadline set for a zero timeout")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
