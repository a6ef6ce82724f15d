// Package loom provides a durable, compensable step-workflow engine
// for Go. Workflows are declared as ordered, optionally branching
// compositions of named steps; the orchestrator executes a transaction
// to completion or to a stable waiting checkpoint, persisting every
// step attempt so progress survives process restarts.
//
// Loom is designed as a library, not a service. Import it, configure a
// store, register workflow definitions, and start transactions.
//
// # Quick Start
//
//	l, err := loom.New(
//	    loom.WithStore(pgStore),
//	    loom.WithLogger(logger),
//	)
//
// # Architecture
//
// Loom follows a composable store pattern where each subsystem
// (workflow, event, intervention) defines its own store interface.
// A single backend implements all of them.
//
// The orchestrator owns transaction state exclusively: external
// callers start transactions, read status, or signal the outcome of a
// parked async step — they never mutate records directly.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package loom
