package loom

import "errors"

var (
	// Store errors.
	ErrNoStore         = errors.New("loom: no store configured")
	ErrStoreClosed     = errors.New("loom: store closed")
	ErrMigrationFailed = errors.New("loom: migration failed")

	// Not found errors.
	ErrWorkflowNotFound      = errors.New("loom: workflow not found")
	ErrTransactionNotFound   = errors.New("loom: transaction not found")
	ErrStepExecutionNotFound = errors.New("loom: step execution not found")
	ErrInterventionNotFound  = errors.New("loom: intervention entry not found")
	ErrEventNotFound         = errors.New("loom: event not found")

	// Definition errors.
	ErrDuplicateStepName = errors.New("loom: duplicate step name in workflow")
	ErrUnknownStep       = errors.New("loom: unknown step")
	ErrEmptyWorkflow     = errors.New("loom: workflow has no steps")

	// Conflict errors.
	ErrTransactionExists = errors.New("loom: transaction already exists")

	// State errors.
	ErrInvalidState          = errors.New("loom: invalid state transition")
	ErrTransactionNotWaiting = errors.New("loom: transaction is not waiting at the given step")
	ErrMaxRetriesExceeded    = errors.New("loom: max retries exceeded")
	ErrWaitDeadlineExceeded  = errors.New("loom: wait deadline exceeded")
)
