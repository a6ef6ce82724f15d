package audithook

// Audit event actions. Each constant corresponds to one ext lifecycle hook
// and becomes the Action field of the audit event.
const (
	ActionTransactionStarted   = "transaction.started"
	ActionTransactionCompleted = "transaction.completed"
	ActionTransactionFailed    = "transaction.failed"
	ActionTransactionReverted  = "transaction.reverted"
	ActionStepStarted          = "step.started"
	ActionStepSucceeded        = "step.succeeded"
	ActionStepFailed           = "step.failed"
	ActionStepRetrying         = "step.retrying"
	ActionStepCompensated      = "step.compensated"
	ActionSignalReceived       = "signal.received"
	ActionDeadlineExpired      = "deadline.expired"
	ActionInterventionPushed   = "intervention.pushed"
)

// Audit event categories group related actions.
const (
	CategoryTransaction = "loom.transaction"
	CategoryStep        = "loom.step"
	CategorySignal      = "loom.signal"
)

// Resource types used as the Resource field in audit events.
const (
	ResourceTransaction  = "transaction"
	ResourceStep         = "step"
	ResourceIntervention = "intervention"
)

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionTransactionStarted,
		ActionTransactionCompleted,
		ActionTransactionFailed,
		ActionTransactionReverted,
		ActionStepStarted,
		ActionStepSucceeded,
		ActionStepFailed,
		ActionStepRetrying,
		ActionStepCompensated,
		ActionSignalReceived,
		ActionDeadlineExpired,
		ActionInterventionPushed,
	}
}
