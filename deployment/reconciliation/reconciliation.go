package reconciliation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/crytic/keel/deployment/futures"
	"github.com/crytic/keel/deployment/journal"
	"github.com/crytic/keel/deployment/resolution"
	"github.com/crytic/keel/deployment/state"
	"github.com/crytic/keel/logging"
	"github.com/ethereum/go-ethereum/common"
)

// Failure describes one field of a future which is incompatible with its previous execution.
type Failure struct {
	FutureID string
	Field    string
	Message  string
}

// ReconciliationError is returned when a module cannot resume a previous deployment.
type ReconciliationError struct {
	Failures []Failure
}

// Error implements error.
func (e *ReconciliationError) Error() string {
	lines := make([]string, 0, len(e.Failures)+1)
	lines = append(lines, "the module is incompatible with the previous deployment:")
	for _, failure := range e.Failures {
		lines = append(lines, fmt.Sprintf("  %s (%s): %s", failure.FutureID, failure.Field, failure.Message))
	}
	return strings.Join(lines, "\n")
}

// Reconcile compares the futures of a graph with their previous executions. Futures which were started and changed
// since, or which failed, are reported in a *ReconciliationError. The ids of previous executions absent from the
// graph are returned as orphans; they do not prevent the deployment from resuming.
func Reconcile(graph *futures.Graph, current *state.DeploymentState, resolver *resolution.Resolver) ([]string, error) {
	logger := logging.GlobalLogger.NewSubLogger("module", logging.RECONCILIATION_SERVICE)
	failures := make([]Failure, 0)

	for _, id := range graph.TopologicalOrder() {
		executionState := current.Get(id)
		if executionState == nil {
			continue
		}
		future, _ := graph.Future(id)
		found, err := reconcileFuture(graph, current, resolver, future, executionState)
		if err != nil {
			return nil, err
		}
		failures = append(failures, found...)
	}

	orphans := make([]string, 0)
	for _, id := range current.FutureIDs() {
		if _, ok := graph.Future(id); !ok {
			orphans = append(orphans, id)
			logger.Warn("Future ", id, " was executed previously but is no longer part of the module")
		}
	}

	if len(failures) > 0 {
		return orphans, &ReconciliationError{Failures: failures}
	}
	return orphans, nil
}

// reconcileFuture compares one future with its previous execution.
func reconcileFuture(
	graph *futures.Graph,
	current *state.DeploymentState,
	resolver *resolution.Resolver,
	future futures.Future,
	executionState *state.ExecutionState,
) ([]Failure, error) {
	id := future.ID()
	fail := func(field string, format string, args ...any) []Failure {
		return []Failure{{FutureID: id, Field: field, Message: fmt.Sprintf(format, args...)}}
	}

	if executionState.Type != string(future.Type()) {
		return fail("futureType", "future type changed from %s to %s", executionState.Type, future.Type()), nil
	}
	switch executionState.Status {
	case state.Failed:
		return fail("status", "the future failed previously (%s), wipe it to run it again", executionState.Reason), nil
	case state.Held:
		// Held futures wait for the user and are never resumed
		return nil, nil
	}

	failures := make([]Failure, 0)
	if strategy := resolver.Strategy(future.Type()); strategy != executionState.Strategy {
		failures = append(failures, fail("strategy", "strategy changed from %s to %s", executionState.Strategy, strategy)...)
	}

	// Dependencies added since the future started must already have completed
	for _, dependency := range graph.Dependencies(id) {
		if slices.Contains(executionState.Dependencies, dependency) {
			continue
		}
		if status := current.Status(dependency); status != state.Success {
			failures = append(failures, fail("dependencies", "new dependency %s is %s", dependency, status)...)
		}
	}

	// Declared fields are compared first, as a change there may prevent the rest from resolving
	declared := compareIdentity(id, executionState.Identity, resolver.DeclaredIdentity(future), true)
	failures = append(failures, declared...)
	if len(failures) > 0 {
		return failures, nil
	}

	resolved, err := resolver.Resolve(current, future)
	if err != nil {
		var unresolved *resolution.UnresolvedError
		if errors.As(err, &unresolved) {
			return fail("dependencies", "%s", unresolved.Error()), nil
		}
		return fail("identity", "%s", err.Error()), nil
	}
	return compareIdentity(id, executionState.Identity, resolved.Identity, false), nil
}

// compareIdentity compares the identity recorded for a future with the one computed from the module. With onlySet,
// fields the module leaves empty are ignored.
func compareIdentity(id string, previous journal.Identity, updated journal.Identity, onlySet bool) []Failure {
	failures := make([]Failure, 0)
	check := func(field string, equal bool, empty bool, before any, after any) {
		if equal || (onlySet && empty) {
			return
		}
		failures = append(failures, Failure{
			FutureID: id,
			Field:    field,
			Message:  fmt.Sprintf("changed from %v to %v", display(before), display(after)),
		})
	}

	check("contractName", previous.ContractName == updated.ContractName, updated.ContractName == "",
		previous.ContractName, updated.ContractName)
	check("bytecode", equalPointers(previous.BytecodeHash, updated.BytecodeHash), updated.BytecodeHash == nil,
		previous.BytecodeHash, updated.BytecodeHash)
	check("args", equalJSON(previous.Args, updated.Args), len(updated.Args) == 0,
		string(previous.Args), string(updated.Args))
	check("libraries", maps.Equal(previous.Libraries, updated.Libraries), len(updated.Libraries) == 0,
		previous.Libraries, updated.Libraries)
	check("value", previous.Value == updated.Value, updated.Value == "", previous.Value, updated.Value)
	check("from", equalPointers(previous.From, updated.From), updated.From == nil, previous.From, updated.From)
	check("contractAddress", equalPointers(previous.ContractAddress, updated.ContractAddress),
		updated.ContractAddress == nil, previous.ContractAddress, updated.ContractAddress)
	check("to", equalPointers(previous.To, updated.To), updated.To == nil, previous.To, updated.To)
	check("functionName", previous.FunctionName == updated.FunctionName, updated.FunctionName == "",
		previous.FunctionName, updated.FunctionName)
	check("eventName", previous.EventName == updated.EventName, updated.EventName == "",
		previous.EventName, updated.EventName)
	check("nameOrIndex", previous.NameOrIndex == updated.NameOrIndex, false, previous.NameOrIndex, updated.NameOrIndex)
	check("eventIndex", previous.EventIndex == updated.EventIndex, false, previous.EventIndex, updated.EventIndex)
	check("emitter", previous.Emitter == updated.Emitter, updated.Emitter == "", previous.Emitter, updated.Emitter)
	check("data", bytes.Equal(previous.Data, updated.Data), false, previous.Data, updated.Data)
	return failures
}

func equalPointers[T comparable](a *T, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// equalJSON compares two JSON documents ignoring whitespace.
func equalJSON(a json.RawMessage, b json.RawMessage) bool {
	var compactA, compactB bytes.Buffer
	if json.Compact(&compactA, a) != nil || json.Compact(&compactB, b) != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(compactA.Bytes(), compactB.Bytes())
}

// display formats a field value for a failure message.
func display(value any) string {
	switch v := value.(type) {
	case *common.Address:
		if v != nil {
			return v.Hex()
		}
	case *common.Hash:
		if v != nil {
			return v.Hex()
		}
	case string:
		if v != "" {
			return v
		}
	default:
		return fmt.Sprintf("%v", v)
	}
	return "<none>"
}
