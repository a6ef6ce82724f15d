// Package engine wires all Loom subsystems together. It creates the
// extension registry, workflow registry, middleware chain, orchestrator,
// and deadline scanner, and provides the register/start operations.
//
// This package exists to break the import cycle: the root loom package
// defines Entity (imported by workflow, event, etc.) and so cannot
// import those packages back. The engine package sits above all
// subsystem packages and below the application layer.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loomery/loom"
	"github.com/loomery/loom/backoff"
	"github.com/loomery/loom/deadline"
	"github.com/loomery/loom/event"
	"github.com/loomery/loom/ext"
	"github.com/loomery/loom/id"
	"github.com/loomery/loom/intervention"
	mw "github.com/loomery/loom/middleware"
	"github.com/loomery/loom/observability"
	"github.com/loomery/loom/orchestrator"
	"github.com/loomery/loom/workflow"
)

// Engine wraps a Loom coordinator with typed subsystem access.
// Use Build() to create one from a Loom.
type Engine struct {
	l          *loom.Loom
	extensions *ext.Registry
	registry   *workflow.Registry
	txnStore   workflow.Store
	orch       *orchestrator.Orchestrator
	eventBus   *event.Bus
	ivService  *intervention.Service
	scanner    *deadline.Scanner
	bo         backoff.Strategy
	mws        []mw.Middleware
	logger     *slog.Logger

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithExtension registers an extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) {
		eng.extensions.Register(e)
	}
}

// WithMiddleware adds middleware to the engine's chain.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) {
		eng.mws = append(eng.mws, m)
	}
}

// WithBackoff sets the retry backoff strategy for the engine.
// If not set, backoff.DefaultStrategy() (exponential with jitter) is used.
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) {
		eng.bo = b
	}
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// When set, the tracing middleware uses this provider instead of the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) {
		eng.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom OTel MeterProvider for the engine.
// When set, both the metrics middleware and the observability extension
// use this provider instead of the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) {
		eng.meterProvider = mp
	}
}

// Build creates an Engine from an existing Loom coordinator.
// The coordinator's store must implement the subsystem store interfaces.
func Build(l *loom.Loom, opts ...Option) (*Engine, error) {
	logger := l.Logger()
	store := l.Store()

	if store == nil {
		return nil, loom.ErrNoStore
	}

	ts, ok := store.(workflow.Store)
	if !ok {
		return nil, fmt.Errorf("loom: store does not implement workflow.Store")
	}
	es, ok := store.(event.Store)
	if !ok {
		return nil, fmt.Errorf("loom: store does not implement event.Store")
	}
	is, ok := store.(intervention.Store)
	if !ok {
		return nil, fmt.Errorf("loom: store does not implement intervention.Store")
	}
	ls, ok := store.(deadline.LeaseStore)
	if !ok {
		return nil, fmt.Errorf("loom: store does not implement deadline.LeaseStore")
	}

	eng := &Engine{
		l:          l,
		extensions: ext.NewRegistry(logger),
		registry:   workflow.NewRegistry(),
		txnStore:   ts,
		logger:     logger,
	}

	for _, opt := range opts {
		opt(eng)
	}

	if eng.bo == nil {
		eng.bo = backoff.DefaultStrategy()
	}

	eng.eventBus = event.NewBus(es)
	eng.ivService = intervention.NewService(is)

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracer := eng.tracerProvider.Tracer("github.com/loomery/loom")
		tracingMw = mw.TracingWithTracer(tracer)
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/loomery/loom")
		metricsMw = mw.MetricsWithMeter(meter)
	} else {
		metricsMw = mw.Metrics()
	}

	// Register the observability metrics extension.
	var obsExt *observability.MetricsExtension
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/loomery/loom/observability")
		obsExt = observability.NewMetricsExtensionWithMeter(meter)
	} else {
		obsExt = observability.NewMetricsExtension()
	}
	eng.extensions.Register(obsExt)

	// Build default middleware stack: recover → tracing → metrics → logging → timeout.
	defaultMws := []mw.Middleware{
		mw.Recover(logger),
		tracingMw,
		metricsMw,
		mw.Logging(logger),
		mw.Timeout(logger),
	}
	allMws := make([]mw.Middleware, 0, len(defaultMws)+len(eng.mws))
	allMws = append(allMws, defaultMws...)
	allMws = append(allMws, eng.mws...)

	eng.orch = orchestrator.New(
		eng.registry,
		ts,
		eng.eventBus,
		eng.ivService,
		eng.extensions,
		eng.bo,
		logger,
		allMws...,
	)

	// The deadline scanner reports timeouts through the orchestrator's
	// signal path, so an expiry races cleanly with real signals.
	config := l.Config()
	report := func(ctx context.Context, txnID id.TransactionID, stepName string, reason error) error {
		_, err := eng.orch.ReportStepOutcome(ctx, txnID, stepName, orchestrator.Outcome{
			Success: false,
			Err:     reason,
		})
		// A delivered failure outcome returns the transaction's terminal
		// cause. The scanner only needs to know whether the signal was
		// rejected, i.e. a real signal resolved the wait first.
		if errors.Is(err, loom.ErrTransactionNotWaiting) || errors.Is(err, loom.ErrTransactionNotFound) {
			return err
		}
		return nil
	}
	eng.scanner = deadline.NewScanner(
		ts,
		ls,
		report,
		eng.extensions,
		logger,
		deadline.WithSchedule(config.ScanSchedule),
		deadline.WithBatchSize(config.ScanBatchSize),
		deadline.WithLeaseTTL(config.LeaseTTL),
	)

	// Wire back into the coordinator.
	l.SetScanner(eng.scanner)
	l.SetExtensions(eng.extensions)

	return eng, nil
}

// RegisterWorkflow registers a workflow definition with the engine.
func (eng *Engine) RegisterWorkflow(def *workflow.Definition) error {
	return eng.registry.Register(def)
}

// StartTransaction creates and executes a transaction. The caller
// supplies the id, which doubles as an idempotency key.
func (eng *Engine) StartTransaction(ctx context.Context, txnID id.TransactionID, workflowID string, input any) (*workflow.Transaction, error) {
	return eng.orch.Start(ctx, txnID, workflowID, input)
}

// ReportStepOutcome delivers an external outcome to a parked transaction.
func (eng *Engine) ReportStepOutcome(ctx context.Context, txnID id.TransactionID, stepName string, outcome orchestrator.Outcome) (*workflow.Transaction, error) {
	return eng.orch.ReportStepOutcome(ctx, txnID, stepName, outcome)
}

// Start begins background processing: it resumes transactions left in
// the running state by a previous process (crash recovery) and starts
// the deadline scanner.
func (eng *Engine) Start(ctx context.Context) error {
	if err := eng.ResumeAll(ctx); err != nil {
		eng.logger.Warn("failed to resume transactions",
			slog.String("error", err.Error()),
		)
	}
	return eng.l.Start(ctx)
}

// Stop gracefully shuts down the engine.
func (eng *Engine) Stop(ctx context.Context) error {
	return eng.l.Stop(ctx)
}

// ResumeAll replays every transaction stuck in the running state.
// Best-effort: a transaction that fails to resume is logged and the
// pass continues.
func (eng *Engine) ResumeAll(ctx context.Context) error {
	const pageSize = 100
	for {
		running, err := eng.txnStore.ListTransactions(ctx, workflow.ListOpts{
			State: workflow.StateRunning,
			Limit: pageSize,
		})
		if err != nil {
			return err
		}
		if len(running) == 0 {
			return nil
		}

		var progressed int
		for _, txn := range running {
			resumed, err := eng.orch.Resume(ctx, txn.ID)
			if err != nil {
				eng.logger.Warn("transaction resume failed",
					slog.String("transaction_id", txn.ID.String()),
					slog.String("error", err.Error()),
				)
			}
			// Terminal and waiting transactions leave the running state,
			// so the next page shrinks.
			if resumed != nil && resumed.State != workflow.StateRunning {
				progressed++
			}
		}
		if progressed == 0 {
			// Nothing moved; avoid spinning on undrainable records.
			return nil
		}
		if len(running) < pageSize {
			return nil
		}
	}
}

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Registry returns the workflow registry.
func (eng *Engine) Registry() *workflow.Registry { return eng.registry }

// Loom returns the underlying coordinator.
func (eng *Engine) Loom() *loom.Loom { return eng.l }

// Orchestrator returns the transaction orchestrator.
func (eng *Engine) Orchestrator() *orchestrator.Orchestrator { return eng.orch }

// EventBus returns the event bus.
func (eng *Engine) EventBus() *event.Bus { return eng.eventBus }

// Interventions returns the intervention service.
func (eng *Engine) Interventions() *intervention.Service { return eng.ivService }

// Scanner returns the deadline scanner.
func (eng *Engine) Scanner() *deadline.Scanner { return eng.scanner }
