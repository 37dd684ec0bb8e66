package deployment

import (
	"fmt"
	"slices"
	"strings"

	"github.com/crytic/keel/deployment/journal"
	"github.com/crytic/keel/deployment/state"
	"github.com/crytic/keel/deployment/store"
)

// Wipe removes the recorded state of a future from a deployment, so the next run starts it over. It refuses to wipe a
// future that other recorded futures depend on, as their state was derived from its result.
func Wipe(deployment *store.Deployment, futureID string) error {
	current, err := state.ReduceAll(deployment.Journal.ReadAll())
	if err != nil {
		return err
	}
	if current.Get(futureID) == nil {
		return fmt.Errorf("future %s has no recorded state in deployment %s", futureID, deployment.ID)
	}

	dependents := make([]string, 0)
	for _, id := range current.FutureIDs() {
		if slices.Contains(current.Get(id).Dependencies, futureID) {
			dependents = append(dependents, id)
		}
	}
	if len(dependents) > 0 {
		return fmt.Errorf("cannot wipe %s as these futures depend on it and already started: %s", futureID, strings.Join(dependents, ", "))
	}

	message := &journal.WipeExecutionState{FutureID: futureID}
	next, err := state.Reduce(current, message)
	if err != nil {
		return err
	}
	if err = deployment.Journal.Record(message); err != nil {
		return err
	}
	if err = deployment.Artifacts.DeleteArtifact(futureID); err != nil {
		return err
	}
	return deployment.WriteDeployedAddresses(next)
}
