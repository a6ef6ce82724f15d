// Package workflow defines step definitions, workflow composition,
// transactions, step execution records, and the workflow store interface.
//
// A workflow is a durable, multi-step saga. Each step is a named,
// invokable function with an optional compensating function. The
// orchestrator persists one execution record per step attempt, so a
// transaction survives process restarts: on resume, steps that already
// succeeded are skipped and only the pending step re-executes.
//
// # Defining Steps
//
// Steps declare their full input contract explicitly. Avoiding closures
// over mutable outer state keeps replays deterministic:
//
//	var Reserve = workflow.NewStep("reserve",
//	    workflow.Invoke(func(ctx *workflow.StepContext, in OrderInput) (Reservation, error) {
//	        return inventory.Reserve(ctx.Context(), in.SKU, in.Qty)
//	    }),
//	    workflow.WithCompensation(workflow.Compensate(func(ctx *workflow.StepContext, out Reservation) error {
//	        return inventory.Release(ctx.Context(), out.ID)
//	    })),
//	    workflow.WithMaxRetries(2),
//	)
//
// # Composing a Workflow
//
//	def, err := workflow.New("send-partner-order").
//	    Then(Validate).
//	    Then(Reserve).
//	    Transform(func(o workflow.Outputs) any { return buildNotice(o) }).
//	    Then(NotifyPartner). // async: parks the transaction until a signal arrives
//	    Build()
//
// Branches guard on the accumulated output map and are first-match-wins.
// A taken branch is recorded on the transaction and never re-evaluated,
// keeping replays deterministic:
//
//	wf.Branch("fulfillment",
//	    workflow.When(func(o workflow.Outputs) bool { return isLocal(o) }).Then(ShipLocal),
//	    workflow.Otherwise().Then(ShipPartner),
//	)
//
// # State Machine
//
// A [Transaction] moves through these states:
//
//	running → done
//	running → waiting-external → running (signal: success)
//	running → failed → reverted (compensation)
//
// # Key Types
//
//   - [StepDefinition]: named unit of work with optional compensation
//   - [Definition]: composed workflow graph with per-workflow step registry
//   - [Transaction]: a single workflow execution record
//   - [StepExecution]: one durable record per step attempt
//   - [Registry]: maps workflow IDs to definitions
package workflow
