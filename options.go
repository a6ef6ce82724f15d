package loom

import (
	"context"
	"log/slog"
)

// Option configures a Loom coordinator.
type Option func(*Loom) error

// Storer is the minimal store interface held by the coordinator.
// It covers lifecycle operations only. The full composite interface
// (store.Store) is used in subsystem layers that don't create import
// cycles. Implementations satisfy store.Store which embeds all
// subsystem stores.
type Storer interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// scannerRunner is an internal interface for the deadline scanner
// lifecycle.
type scannerRunner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// extensionEmitter is an internal interface for extension lifecycle events.
type extensionEmitter interface {
	EmitShutdown(ctx context.Context)
}

// Loom is the central coordinator for workflow orchestration: it holds
// the store, configuration, and the deadline scanner lifecycle.
//
// Create one with New() and functional options. Loom holds references
// to subsystem components via internal interfaces to avoid import
// cycles; use engine.Build to wire everything together.
type Loom struct {
	config     Config
	logger     *slog.Logger
	store      Storer
	extensions extensionEmitter
	scanner    scannerRunner

	// started tracks whether Start has been called.
	started bool
}

// New creates a new Loom coordinator with the given options.
func New(opts ...Option) (*Loom, error) {
	l := &Loom{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Logger returns the coordinator's logger.
func (l *Loom) Logger() *slog.Logger { return l.logger }

// Store returns the coordinator's store.
func (l *Loom) Store() Storer { return l.store }

// Config returns a copy of the coordinator's configuration.
func (l *Loom) Config() Config { return l.config }

// SetScanner sets the deadline scanner (called by the engine package).
func (l *Loom) SetScanner(s scannerRunner) { l.scanner = s }

// SetExtensions sets the extension emitter (called by the engine package).
func (l *Loom) SetExtensions(e extensionEmitter) { l.extensions = e }

// Start begins background deadline scanning.
func (l *Loom) Start(ctx context.Context) error {
	if l.scanner == nil {
		return ErrNoStore
	}
	if err := l.scanner.Start(ctx); err != nil {
		return err
	}
	l.started = true
	return nil
}

// Stop gracefully shuts down the coordinator.
func (l *Loom) Stop(ctx context.Context) error {
	if l.scanner != nil && l.started {
		if err := l.scanner.Stop(ctx); err != nil {
			l.logger.Error("scanner stop error", "error", err)
		}
	}
	if l.extensions != nil {
		l.extensions.EmitShutdown(ctx)
	}
	if l.store != nil {
		return l.store.Close()
	}
	return nil
}

// WithScanSchedule sets the deadline scanner schedule (cron descriptor,
// e.g. "@every 10s").
func WithScanSchedule(schedule string) Option {
	return func(l *Loom) error {
		l.config.ScanSchedule = schedule
		return nil
	}
}

// WithScanBatchSize sets the maximum expired transactions claimed per tick.
func WithScanBatchSize(n int) Option {
	return func(l *Loom) error {
		l.config.ScanBatchSize = n
		return nil
	}
}

// WithLogger sets the structured logger for the coordinator.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Loom) error {
		l.logger = lg
		return nil
	}
}

// WithStore sets the persistence backend for the coordinator.
// The store must implement Storer at minimum; typically it will be a
// store.Store which embeds all subsystem store interfaces.
func WithStore(s Storer) Option {
	return func(l *Loom) error {
		l.store = s
		return nil
	}
}
