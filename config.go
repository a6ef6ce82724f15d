package loom

import "time"

// Config holds configuration for the Loom coordinator.
type Config struct {
	// ScanSchedule is the deadline scanner schedule, in cron descriptor
	// form (e.g. "@every 30s"). The scanner expires transactions that
	// have waited past their async-step deadline.
	ScanSchedule string

	// ScanBatchSize is the maximum number of expired transactions the
	// scanner claims per tick. Zero means no limit.
	ScanBatchSize int

	// LeaseTTL is how long a scanner instance holds the scan lease
	// before it must be renewed. Only the lease holder expires
	// deadlines, so a cluster never double-fires a timeout.
	LeaseTTL time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ScanSchedule:    "@every 30s",
		ScanBatchSize:   100,
		LeaseTTL:        15 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}
