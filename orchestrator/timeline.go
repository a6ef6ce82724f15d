package orchestrator

import (
	"context"

	"github.com/loomery/loom/event"
	"github.com/loomery/loom/id"
	"github.com/loomery/loom/workflow"
)

// Timeline is the full durable history of a transaction: the record
// itself, every step attempt, and every event it emitted. Intended for
// debugging and the admin API; everything here is already persisted.
type Timeline struct {
	Transaction *workflow.Transaction     `json:"transaction"`
	Executions  []*workflow.StepExecution `json:"executions"`
	Events      []*event.Event            `json:"events,omitempty"`
}

// Timeline assembles the history of a transaction.
func (o *Orchestrator) Timeline(ctx context.Context, txnID id.TransactionID) (*Timeline, error) {
	txn, err := o.store.GetTransaction(ctx, txnID)
	if err != nil {
		return nil, err
	}

	execs, err := o.store.ListStepExecutions(ctx, txnID)
	if err != nil {
		return nil, err
	}

	tl := &Timeline{
		Transaction: txn,
		Executions:  execs,
	}

	if o.events != nil {
		events, err := o.events.Store().ListEventsByTransaction(ctx, txnID)
		if err != nil {
			return nil, err
		}
		tl.Events = events
	}
	return tl, nil
}
