// Package event models the events a step emits during execution.
//
// Steps never publish directly to a bus. They collect events on their
// execution context, and the orchestrator publishes the collected
// events only after the step's output has been durably committed. This
// keeps emission ordering tied to step ordering and makes the side
// effect observable in isolation.
package event

import (
	"time"

	"github.com/loomery/loom/id"
)

// Event is a named event emitted by a step. Events become visible to
// consumers only after the emitting step commits; a step that fails or
// is retried never leaks events from the failed attempt.
type Event struct {
	ID            id.EventID       `json:"id"`
	TransactionID id.TransactionID `json:"transaction_id"`
	StepName      string           `json:"step_name"`
	Name          string           `json:"name"`
	Payload       []byte           `json:"payload,omitempty"`
	Acked         bool             `json:"acked"`
	CreatedAt     time.Time        `json:"created_at"`
}
