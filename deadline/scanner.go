package deadline

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/loomery/loom"
	"github.com/loomery/loom/id"
	"github.com/loomery/loom/workflow"
)

// ReportFunc is the callback the scanner uses to fail a timed-out step.
// This breaks the import cycle: the engine provides the orchestrator's
// signal path as the implementation, so a timeout flows through exactly
// the same code as an externally reported failure.
//
// Implementations return nil when the expiry was delivered, even though
// the transaction itself ends failed or reverted. A non-nil error means
// the signal was rejected, typically because a real signal won the
// race, and the scanner must not count the expiry as fired.
type ReportFunc func(ctx context.Context, txnID id.TransactionID, stepName string, reason error) error

// Emitter emits deadline lifecycle events.
// ext.Registry satisfies this interface via EmitDeadlineExpired.
type Emitter interface {
	EmitDeadlineExpired(ctx context.Context, txn *workflow.Transaction, stepName string)
}

// LeaseStore grants the scan lease. Only the lease holder scans, so
// multiple processes sharing a store never double-fail a transaction.
type LeaseStore interface {
	// AcquireScanLease attempts to take the scan lease. Returns true if
	// this scanner now holds it. The lease expires after ttl if not
	// renewed.
	AcquireScanLease(ctx context.Context, scannerID id.ScannerID, ttl time.Duration) (bool, error)

	// RenewScanLease extends the holder's lease. Must be called before
	// the TTL expires. Returns false if the lease is held elsewhere.
	RenewScanLease(ctx context.Context, scannerID id.ScannerID, ttl time.Duration) (bool, error)
}

// ScannerOption configures a Scanner.
type ScannerOption func(*Scanner)

// WithSchedule sets the scan schedule. Accepts standard 5-field cron
// expressions and descriptors like "@every 30s".
func WithSchedule(expr string) ScannerOption {
	return func(s *Scanner) { s.schedule = expr }
}

// WithBatchSize caps how many expired transactions one scan processes.
func WithBatchSize(n int) ScannerOption {
	return func(s *Scanner) { s.batchSize = n }
}

// WithLeaseTTL sets the TTL for the scan lease.
func WithLeaseTTL(d time.Duration) ScannerOption {
	return func(s *Scanner) { s.leaseTTL = d }
}

// WithConcurrency caps how many expirations are processed in parallel
// within one scan batch.
func WithConcurrency(n int) ScannerOption {
	return func(s *Scanner) { s.concurrency = n }
}

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a scan schedule expression.
// Exported so configuration can be validated up front.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// Scanner fails transactions whose async step outlived its wait
// deadline. It runs on a schedule; only the scan lease holder acts, so
// a timed-out transaction is failed exactly once across processes.
type Scanner struct {
	txnStore workflow.Store
	leases   LeaseStore
	report   ReportFunc
	emitter  Emitter
	id       id.ScannerID
	logger   *slog.Logger

	schedule    string
	batchSize   int
	leaseTTL    time.Duration
	concurrency int

	holding atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewScanner creates a deadline Scanner.
func NewScanner(
	txnStore workflow.Store,
	leases LeaseStore,
	report ReportFunc,
	emitter Emitter,
	logger *slog.Logger,
	opts ...ScannerOption,
) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scanner{
		txnStore:    txnStore,
		leases:      leases,
		report:      report,
		emitter:     emitter,
		id:          id.NewScannerID(),
		logger:      logger,
		schedule:    "@every 30s",
		batchSize:   100,
		leaseTTL:    15 * time.Second,
		concurrency: 8,
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the scanner's identity used for lease ownership.
func (s *Scanner) ID() id.ScannerID { return s.id }

// Start validates the schedule and launches the lease and scan loops.
func (s *Scanner) Start(_ context.Context) error {
	sched, err := ParseSchedule(s.schedule)
	if err != nil {
		return err
	}
	s.wg.Add(2)
	go s.leaseLoop()
	go s.scanLoop(sched)
	s.logger.Info("deadline scanner started",
		slog.String("scanner_id", s.id.String()),
		slog.String("schedule", s.schedule),
	)
	return nil
}

// Stop signals the scanner to stop and waits for its loops to finish.
func (s *Scanner) Stop(_ context.Context) error {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("deadline scanner stopped")
	return nil
}

// leaseLoop continuously attempts to acquire or renew the scan lease.
func (s *Scanner) leaseLoop() {
	defer s.wg.Done()

	renewInterval := s.leaseTTL / 2
	ticker := time.NewTicker(renewInterval)
	defer ticker.Stop()

	// Try once immediately at start.
	s.tryLease()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tryLease()
		}
	}
}

func (s *Scanner) tryLease() {
	ctx := context.Background()

	// Try to renew first (cheap if already holding).
	renewed, err := s.leases.RenewScanLease(ctx, s.id, s.leaseTTL)
	if err != nil {
		s.logger.Warn("scan lease renew error", slog.String("error", err.Error()))
		s.holding.Store(false)
		return
	}
	if renewed {
		s.holding.Store(true)
		return
	}

	acquired, err := s.leases.AcquireScanLease(ctx, s.id, s.leaseTTL)
	if err != nil {
		s.logger.Warn("scan lease acquire error", slog.String("error", err.Error()))
		s.holding.Store(false)
		return
	}
	s.holding.Store(acquired)
	if acquired {
		s.logger.Info("acquired scan lease", slog.String("scanner_id", s.id.String()))
	}
}

// scanLoop fires on each schedule boundary and processes expired waits.
func (s *Scanner) scanLoop(sched cronlib.Schedule) {
	defer s.wg.Done()

	for {
		now := time.Now()
		timer := time.NewTimer(time.Until(sched.Next(now)))
		select {
		case <-s.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			s.Scan(context.Background())
		}
	}
}

// Scan fails all transactions whose wait deadline has passed, up to the
// batch size. Exported so tests and operator tooling can force a pass
// without waiting for the schedule.
func (s *Scanner) Scan(ctx context.Context) {
	if !s.holding.Load() {
		return
	}

	expired, err := s.txnStore.ListExpiredWaiting(ctx, time.Now().UTC(), s.batchSize)
	if err != nil {
		s.logger.Error("list expired waiting error", slog.String("error", err.Error()))
		return
	}
	if len(expired) == 0 {
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, txn := range expired {
		g.Go(func() error {
			s.expire(ctx, txn)
			return nil
		})
	}
	_ = g.Wait() // expire never returns an error; failures are logged
}

// expire synthesizes a failure outcome for the parked step. The report
// path holds the per-transaction lock, so a racing real signal either
// wins cleanly or this call is rejected as not-waiting.
func (s *Scanner) expire(ctx context.Context, txn *workflow.Transaction) {
	stepName := txn.WaitingStep
	if err := s.report(ctx, txn.ID, stepName, loom.ErrWaitDeadlineExceeded); err != nil {
		// A signal arrived between listing and reporting. That outcome
		// wins; nothing to do here.
		s.logger.Debug("deadline expire skipped",
			slog.String("transaction_id", txn.ID.String()),
			slog.String("step", stepName),
			slog.String("reason", err.Error()),
		)
		return
	}

	s.logger.Warn("wait deadline expired",
		slog.String("transaction_id", txn.ID.String()),
		slog.String("workflow_id", txn.WorkflowID),
		slog.String("step", stepName),
	)
	if s.emitter != nil {
		s.emitter.EmitDeadlineExpired(ctx, txn, stepName)
	}
}
