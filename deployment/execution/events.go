package execution

import (
	"github.com/crytic/keel/deployment/futures"
	"github.com/crytic/keel/deployment/interaction"
	"github.com/crytic/keel/deployment/journal"
	"github.com/crytic/keel/deployment/state"
	"github.com/crytic/keel/events"
)

// Events defines the event emitters of the execution engine. The interaction driver emitters are embedded, so a single
// Events value observes a whole run.
type Events struct {
	interaction.Events

	// RunStarted emits an event once the journal was loaded and reconciled and the run is recorded.
	RunStarted events.EventEmitter[RunStartedEvent]

	// BatchStarted emits an event before each wave of futures is executed.
	BatchStarted events.EventEmitter[BatchStartedEvent]

	// FutureStarted emits an event when the engine starts or resumes a future.
	FutureStarted events.EventEmitter[FutureStartedEvent]

	// FutureCompleted emits an event after the terminal status of a future was recorded.
	FutureCompleted events.EventEmitter[FutureCompletedEvent]

	// RunCompleted emits an event when a run ends, including interrupted runs and runs stopped by a fatal error.
	RunCompleted events.EventEmitter[RunCompletedEvent]
}

// RunStartedEvent describes the start of a run.
type RunStartedEvent struct {
	RunID   string
	ChainID uint64
	// Resumed is set when the journal already held a previous run.
	Resumed bool
}

// BatchStartedEvent describes a wave of futures whose dependencies all succeeded.
type BatchStartedEvent struct {
	// Index is the position of the wave in the run, starting at zero.
	Index     int
	FutureIDs []string
}

type FutureStartedEvent struct {
	FutureID string
	Type     futures.FutureType
}

// FutureCompletedEvent describes the terminal status recorded for a future.
type FutureCompletedEvent struct {
	FutureID string
	Status   state.ExecutionStatus
	// Reason explains a FAILED, TIMEOUT or HELD status.
	Reason string
	// Result is set for SUCCESS.
	Result *journal.Result
}

type RunCompletedEvent struct {
	Result *Result
}
