// Package intervention provides the manual intervention queue for
// compensations that could not complete. It supports inspection,
// resolution, and retry bookkeeping.
//
// Compensation is best effort: when a step's compensating action fails,
// the unwind continues with the remaining steps, and the failed one is
// pushed here so an operator can finish the cleanup by hand. The step's
// execution record stays in the compensating status with its error set,
// and the intervention entry preserves the output the compensation
// needed.
//
// # Entry
//
// An [Entry] captures:
//   - TransactionID / WorkflowID / StepName: which cleanup failed
//   - Output: the step output the compensation was given
//   - Error: why the compensation failed
//   - ResolvedAt: set when an operator marks the entry handled
//
// # Service
//
// [Service] wraps the intervention store with high-level operations:
//
//	svc := intervention.NewService(store)
//
//	// Push is called by the compensation controller on failure.
//	svc.Push(ctx, txn, "reserve", output, err)
//
//	// Operators list open entries and resolve them once cleaned up.
//	svc.List(ctx, intervention.ListOpts{Unresolved: true})
//	svc.Resolve(ctx, entryID, "released reservation r-9 by hand")
package intervention
