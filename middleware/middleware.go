// Package middleware provides composable middleware for step execution.
// Middleware wraps step invocations synchronously and can modify
// execution (recover from panics, log, enforce deadlines, record
// metrics, add tracing).
package middleware

import (
	"context"
	"time"

	"github.com/loomery/loom/id"
)

// Invocation describes the step attempt being executed. It is built by
// the orchestrator for each attempt and is read-only to middleware.
type Invocation struct {
	TransactionID id.TransactionID
	WorkflowID    string
	StepName      string
	Attempt       int

	// Timeout bounds the forward action's execution. Zero means no
	// per-attempt deadline.
	Timeout time.Duration

	// Compensating marks an unwind call rather than a forward action.
	Compensating bool
}

// Handler is the terminal function that executes the step logic.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic. It receives the
// current context, the invocation being executed, and the next handler
// to call. Middleware MUST call next to continue the chain (unless
// short-circuiting on error).
type Middleware func(ctx context.Context, inv *Invocation, next Handler) error

// Chain composes multiple middleware into a single Middleware.
// Middleware are applied right-to-left: the first middleware in the
// list is the outermost wrapper.
//
// Example: Chain(logging, recover, timeout) executes as:
//
//	logging -> recover -> timeout -> handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, inv *Invocation, next Handler) error {
		// Build the chain from the end backwards.
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) error {
				return mw(ctx, inv, prev)
			}
		}
		return h(ctx)
	}
}
