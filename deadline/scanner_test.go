package deadline_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loomery/loom"
	"github.com/loomery/loom/deadline"
	"github.com/loomery/loom/id"
	"github.com/loomery/loom/store/memory"
	"github.com/loomery/loom/workflow"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type reportCall struct {
	txnID    id.TransactionID
	stepName string
	reason   error
}

// recordingReporter captures reported expirations and can simulate a
// real signal having won the race.
type recordingReporter struct {
	mu     sync.Mutex
	calls  []reportCall
	reject error
}

func (r *recordingReporter) report(ctx context.Context, txnID id.TransactionID, stepName string, reason error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reject != nil {
		return r.reject
	}
	r.calls = append(r.calls, reportCall{txnID: txnID, stepName: stepName, reason: reason})
	return nil
}

func (r *recordingReporter) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// parkedTransaction persists a transaction waiting on step with the
// given deadline offset from now.
func parkedTransaction(t *testing.T, s *memory.Store, step string, offset time.Duration) *workflow.Transaction {
	t.Helper()
	txn := workflow.NewTransaction(id.NewTransactionID(), "wf", nil)
	if err := txn.Park(step, 0); err != nil {
		t.Fatalf("Park: %v", err)
	}
	due := time.Now().UTC().Add(offset)
	txn.WaitDeadline = &due
	if err := s.CreateTransaction(context.Background(), txn); err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}
	return txn
}

// acquireLease makes the scanner the lease holder without waiting for
// the background lease loop.
func acquireLease(t *testing.T, sc *deadline.Scanner, s *memory.Store) {
	t.Helper()
	if err := sc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = sc.Stop(context.Background()) })

	// The lease loop tries once at startup; give it a moment.
	waitUntil := time.Now().Add(2 * time.Second)
	for time.Now().Before(waitUntil) {
		held, err := s.RenewScanLease(context.Background(), sc.ID(), time.Minute)
		if err != nil {
			t.Fatalf("RenewScanLease: %v", err)
		}
		if held {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("scanner never acquired the lease")
}

func TestScan_ReportsExpiredWaits(t *testing.T) {
	s := memory.New()
	rep := &recordingReporter{}
	sc := deadline.NewScanner(s, s, rep.report, nil, discardLogger(),
		deadline.WithSchedule("@every 1h"),
		deadline.WithLeaseTTL(time.Minute),
	)
	acquireLease(t, sc, s)
	ctx := context.Background()

	expired := parkedTransaction(t, s, "confirm", -time.Minute)
	parkedTransaction(t, s, "confirm", time.Hour) // future deadline, untouched

	// A waiting transaction without a deadline never expires.
	untimed := workflow.NewTransaction(id.NewTransactionID(), "wf", nil)
	if err := untimed.Park("confirm", 0); err != nil {
		t.Fatalf("Park: %v", err)
	}
	if err := s.CreateTransaction(ctx, untimed); err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}

	sc.Scan(ctx)

	if rep.callCount() != 1 {
		t.Fatalf("reports = %d, want 1", rep.callCount())
	}
	call := rep.calls[0]
	if call.txnID != expired.ID {
		t.Errorf("reported transaction = %s, want %s", call.txnID, expired.ID)
	}
	if call.stepName != "confirm" {
		t.Errorf("reported step = %q, want confirm", call.stepName)
	}
	if !errors.Is(call.reason, loom.ErrWaitDeadlineExceeded) {
		t.Errorf("reason = %v, want ErrWaitDeadlineExceeded", call.reason)
	}
}

func TestScan_WithoutLeaseDoesNothing(t *testing.T) {
	s := memory.New()
	rep := &recordingReporter{}
	sc := deadline.NewScanner(s, s, rep.report, nil, discardLogger())

	// Never started, so the lease was never acquired.
	parkedTransaction(t, s, "confirm", -time.Minute)
	sc.Scan(context.Background())

	if rep.callCount() != 0 {
		t.Errorf("reports = %d, want 0 without the lease", rep.callCount())
	}
}

func TestScan_RespectsBatchSize(t *testing.T) {
	s := memory.New()
	rep := &recordingReporter{}
	sc := deadline.NewScanner(s, s, rep.report, nil, discardLogger(),
		deadline.WithSchedule("@every 1h"),
		deadline.WithLeaseTTL(time.Minute),
		deadline.WithBatchSize(2),
	)
	acquireLease(t, sc, s)

	for i := 0; i < 5; i++ {
		parkedTransaction(t, s, "confirm", -time.Minute)
	}
	sc.Scan(context.Background())

	if rep.callCount() != 2 {
		t.Errorf("reports = %d, want 2 (batch cap)", rep.callCount())
	}
}

func TestScan_RejectedReportIsNotAnError(t *testing.T) {
	// A rejection means a real signal resolved the wait first; the
	// scanner logs it and moves on.
	s := memory.New()
	rep := &recordingReporter{reject: loom.ErrTransactionNotWaiting}
	sc := deadline.NewScanner(s, s, rep.report, nil, discardLogger(),
		deadline.WithSchedule("@every 1h"),
		deadline.WithLeaseTTL(time.Minute),
	)
	acquireLease(t, sc, s)

	parkedTransaction(t, s, "confirm", -time.Minute)
	sc.Scan(context.Background())

	if rep.callCount() != 0 {
		t.Errorf("reports recorded = %d, want 0", rep.callCount())
	}
}

func TestParseSchedule(t *testing.T) {
	for _, expr := range []string{"@every 30s", "*/5 * * * *", "@hourly"} {
		if _, err := deadline.ParseSchedule(expr); err != nil {
			t.Errorf("ParseSchedule(%q): %v", expr, err)
		}
	}
	if _, err := deadline.ParseSchedule("not a schedule"); err == nil {
		t.Error("ParseSchedule accepted garbage")
	}
}

func TestScanner_StartRejectsBadSchedule(t *testing.T) {
	s := memory.New()
	sc := deadline.NewScanner(s, s, func(context.Context, id.TransactionID, string, error) error { return nil },
		nil, discardLogger(), deadline.WithSchedule("nope"))
	if err := sc.Start(context.Background()); err == nil {
		_ = sc.Stop(context.Background())
		t.Fatal("Start accepted an invalid schedule")
	}
}
