// Package audithook is a Loom extension that bridges lifecycle events
// to an immutable audit trail backend.
//
// Every transaction, step, and signal lifecycle hook emits a structured
// audit event through the [Recorder] interface. The extension assigns
// appropriate severity levels (info for normal operations, warning for
// retries and timeouts, critical for terminal failures and failed
// compensations) and rich metadata (workflow id, step name, attempt,
// elapsed time, errors).
//
// # Usage
//
//	audithook.New(audithook.RecorderFunc(func(ctx context.Context, evt *audithook.AuditEvent) error {
//	    return trail.Write(ctx, evt.Action, evt.ResourceID, evt.Metadata)
//	}))
//
// # Selective filtering
//
//	audithook.New(recorder,
//	    audithook.WithActions(
//	        audithook.ActionTransactionFailed,
//	        audithook.ActionStepCompensated,
//	        audithook.ActionInterventionPushed,
//	    ),
//	)
package audithook
