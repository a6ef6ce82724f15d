// Package orchestrator drives transactions through their workflows. It
// executes steps in order through middleware, persists an execution
// record per attempt, parks transactions at async steps, resumes them
// on signals, and runs best-effort compensation when a step fails
// terminally.
//
// # Execution Model
//
// The orchestrator never holds a transaction's progress in memory
// alone. Before a step runs, an execution record is created; after it
// finishes, the record and the transaction are updated. Resuming a
// transaction is therefore a replay: walk the workflow, skip every step
// whose output is already recorded, and pick up at the first step
// without one. Branch decisions are persisted the first time a branch
// is reached and replayed verbatim; transforms are pure and re-run.
//
// # Concurrency
//
// All mutations of a transaction happen under its per-transaction lock.
// Signals, deadline expirations, and resumption serialize on it, so two
// concurrent signals for the same wait cannot both win: the first
// transitions the transaction out of waiting-external, the second gets
// loom.ErrTransactionNotWaiting.
//
// # Compensation
//
// When a step fails with no retries left, the transaction moves to
// failed and the succeeded steps are compensated in reverse order.
// Compensation is best effort: a failing compensation does not stop the
// unwind. It leaves its execution record in the compensating status,
// pushes an intervention entry, and the pass continues. The individual
// failures are collected into a [RevertError].
package orchestrator
