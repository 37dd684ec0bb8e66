package execution

import (
	"sync"

	"github.com/crytic/keel/deployment/journal"
	"github.com/crytic/keel/deployment/state"
)

// stateKeeper owns the deployment state of a run. Every change goes through Record, which applies the message to the
// state and appends it to the journal under one lock, so the in-memory state never gets ahead of, or behind, the
// journal.
type stateKeeper struct {
	journal journal.Journal
	state   *state.DeploymentState
	lock    sync.Mutex
}

// newStateKeeper creates a stateKeeper starting from the state reduced from the journal.
func newStateKeeper(j journal.Journal, current *state.DeploymentState) *stateKeeper {
	return &stateKeeper{journal: j, state: current}
}

// Record implements interaction.Recorder. A message the reducer rejects is never written.
func (k *stateKeeper) Record(message journal.Message) error {
	k.lock.Lock()
	defer k.lock.Unlock()
	next, err := state.Reduce(k.state, message)
	if err != nil {
		return err
	}
	if err = k.journal.Record(message); err != nil {
		return err
	}
	k.state = next
	return nil
}

// State returns the current deployment state. The returned value is never modified.
func (k *stateKeeper) State() *state.DeploymentState {
	k.lock.Lock()
	defer k.lock.Unlock()
	return k.state
}
