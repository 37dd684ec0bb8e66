package execution

import (
	"fmt"
	"strings"

	"github.com/crytic/keel/deployment/futures"
	"github.com/crytic/keel/deployment/journal"
	"github.com/crytic/keel/deployment/state"
)

// ChainMismatchError is returned when a journal initialized on one chain is resumed against another.
type ChainMismatchError struct {
	Expected uint64
	Actual   uint64
}

// Error implements error.
func (e *ChainMismatchError) Error() string {
	return fmt.Sprintf("the deployment was initialized on chain %d, but the client is connected to chain %d", e.Expected, e.Actual)
}

// FutureResult describes a future of the module which did not succeed.
type FutureResult struct {
	FutureID string
	Status   state.ExecutionStatus
	Reason   string
}

// Result summarizes a run.
type Result struct {
	RunID string
	// Successful lists the futures which succeeded, during this or a previous run, in topological order.
	Successful []string
	// Results maps each successful future to its result.
	Results map[string]journal.Result
	// Failures lists every other future of the module, in topological order.
	Failures []FutureResult
	// Orphans lists futures executed previously which are no longer part of the module.
	Orphans []string
	// Interrupted is set when the run stopped because its context was canceled.
	Interrupted bool
	// Fatal is the error which stopped the run, if any. Execute returns it as well.
	Fatal error
	// State is the deployment state at the end of the run.
	State *state.DeploymentState
}

// Succeeded returns whether every future of the module succeeded.
func (r *Result) Succeeded() bool {
	return len(r.Failures) == 0
}

// Failure returns the entry of a future which did not succeed, or nil.
func (r *Result) Failure(futureID string) *FutureResult {
	for i := range r.Failures {
		if r.Failures[i].FutureID == futureID {
			return &r.Failures[i]
		}
	}
	return nil
}

// newResult summarizes the state of every future of the graph.
func newResult(graph *futures.Graph, current *state.DeploymentState, runID string, interrupted bool, fatal error) *Result {
	result := &Result{
		RunID:       runID,
		Successful:  make([]string, 0),
		Results:     make(map[string]journal.Result),
		Failures:    make([]FutureResult, 0),
		Interrupted: interrupted,
		Fatal:       fatal,
		State:       current,
	}
	unfinished := "interrupted before completion"
	if fatal != nil {
		unfinished = "run stopped: " + fatal.Error()
	}
	for _, id := range graph.TopologicalOrder() {
		executionState := current.Get(id)
		status := current.Status(id)
		switch {
		case status == state.Success:
			result.Successful = append(result.Successful, id)
			if executionState.Result != nil {
				result.Results[id] = *executionState.Result
			}
		case executionState == nil:
			result.Failures = append(result.Failures, FutureResult{FutureID: id, Status: status, Reason: waitingFor(graph, current, id)})
		case status == state.Started:
			result.Failures = append(result.Failures, FutureResult{FutureID: id, Status: status, Reason: unfinished})
		default:
			result.Failures = append(result.Failures, FutureResult{FutureID: id, Status: status, Reason: executionState.Reason})
		}
	}
	return result
}

// waitingFor explains why a future never started.
func waitingFor(graph *futures.Graph, current *state.DeploymentState, id string) string {
	pending := make([]string, 0)
	for _, dependency := range graph.Dependencies(id) {
		if current.Status(dependency) != state.Success {
			pending = append(pending, dependency)
		}
	}
	if len(pending) == 0 {
		return "not started"
	}
	return "waiting for " + strings.Join(pending, ", ")
}
