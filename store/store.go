// Package store defines the aggregate persistence interface. Each
// subsystem (workflow, event, intervention, deadline) defines its own
// store interface. The composite Store composes them all. Backends:
// Postgres, Bun, SQLite, Redis, and Memory.
package store

import (
	"context"

	"github.com/loomery/loom/deadline"
	"github.com/loomery/loom/event"
	"github.com/loomery/loom/intervention"
	"github.com/loomery/loom/workflow"
)

// Store is the aggregate persistence interface.
// Each subsystem store is a composable interface; a single backend
// (postgres, bun, sqlite, redis, memory) implements all of them.
type Store interface {
	workflow.Store
	event.Store
	intervention.Store
	deadline.LeaseStore

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks database connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
