package execution

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/crytic/keel/artifacts/abiutils"
	"github.com/crytic/keel/chain"
	"github.com/crytic/keel/deployment/futures"
	"github.com/crytic/keel/deployment/interaction"
	"github.com/crytic/keel/deployment/journal"
	"github.com/crytic/keel/deployment/resolution"
	"github.com/crytic/keel/deployment/state"
	"github.com/crytic/keel/logging/colors"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// execute starts or resumes a future and records its terminal status. A returned error ends the run; failures of the
// future itself are recorded instead.
func (r *run) execute(ctx context.Context, id string) error {
	future, _ := r.graph.Future(id)
	if err := r.engine.Events.FutureStarted.Publish(FutureStartedEvent{FutureID: id, Type: future.Type()}); err != nil {
		return err
	}

	current := r.keeper.State()
	resolved, err := r.resolver.Resolve(current, future)
	if err != nil {
		return fmt.Errorf("could not resolve %s: %w", id, err)
	}
	if current.Get(id) == nil {
		err = r.keeper.Record(&journal.ExecutionStateInitialize{
			FutureID:     id,
			FutureType:   string(future.Type()),
			Strategy:     resolved.Strategy,
			Dependencies: r.graph.Dependencies(id),
			Identity:     resolved.Identity,
		})
		if err != nil {
			return err
		}
	}

	var terminal journal.Message
	switch f := future.(type) {
	case *futures.ContractDeployment, *futures.ArtifactContractDeployment, *futures.LibraryDeployment:
		terminal, err = r.deploy(ctx, resolved)
	case *futures.ContractAt:
		terminal = &journal.ExecutionSuccess{FutureID: id, Result: journal.Result{Address: resolved.To}}
	case *futures.FunctionCall, *futures.SendData:
		terminal, err = r.send(ctx, resolved)
	case *futures.StaticCall:
		terminal, err = r.staticCall(ctx, f, resolved)
	case *futures.ReadEventArgument:
		terminal = r.readEventArgument(f, resolved)
	case *futures.EncodeFunctionCall:
		terminal = &journal.ExecutionSuccess{FutureID: id, Result: journal.Result{Data: resolved.Data}}
	default:
		err = fmt.Errorf("unsupported future type %T", future)
	}
	if err != nil {
		return err
	}
	return r.complete(terminal)
}

// complete records the terminal message of a future and publishes it.
func (r *run) complete(terminal journal.Message) error {
	if err := r.keeper.Record(terminal); err != nil {
		return err
	}
	id := terminal.(journal.FutureMessage).Future()
	executionState := r.keeper.State().Get(id)
	event := FutureCompletedEvent{
		FutureID: id,
		Status:   executionState.Status,
		Reason:   executionState.Reason,
		Result:   executionState.Result,
	}
	if event.Status == state.Success {
		r.engine.logger.Info(colors.Green, id, colors.Reset, " succeeded", describeResult(executionState.Result))
	} else {
		r.engine.logger.Warn(colors.Yellow, id, colors.Reset, " is ", event.Status, ": ", event.Reason)
	}
	return r.engine.Events.FutureCompleted.Publish(event)
}

// describeResult formats a result for logs.
func describeResult(result *journal.Result) string {
	switch {
	case result == nil:
		return ""
	case result.Address != nil:
		return " at " + result.Address.Hex()
	case len(result.Value) > 0:
		return " with " + string(result.Value)
	case result.TransactionHash != nil:
		return " in " + result.TransactionHash.Hex()
	}
	return ""
}

// deploy runs the deployment transaction of a contract or library.
func (r *run) deploy(ctx context.Context, resolved *resolution.Resolved) (journal.Message, error) {
	id := resolved.Future.ID()
	receipt, failure, err := r.onchain(ctx, resolved)
	if err != nil || failure != nil {
		return failure, err
	}

	address := receipt.ContractAddress
	if resolved.ExpectedAddress != nil {
		address = resolved.ExpectedAddress
	}
	if address == nil {
		return &journal.ExecutionFailed{FutureID: id, Reason: "the receipt of the deployment holds no contract address"}, nil
	}
	hash := receipt.TransactionHash
	return &journal.ExecutionSuccess{FutureID: id, Result: journal.Result{Address: address, TransactionHash: &hash}}, nil
}

// send runs the transaction of a function call or raw data send.
func (r *run) send(ctx context.Context, resolved *resolution.Resolved) (journal.Message, error) {
	receipt, failure, err := r.onchain(ctx, resolved)
	if err != nil || failure != nil {
		return failure, err
	}
	hash := receipt.TransactionHash
	return &journal.ExecutionSuccess{FutureID: resolved.Future.ID(), Result: journal.Result{TransactionHash: &hash}}, nil
}

// onchain drives the onchain interaction of a future, requesting it first if needed. It returns the successful receipt,
// or the terminal message of a future whose transaction failed or timed out.
func (r *run) onchain(ctx context.Context, resolved *resolution.Resolved) (*chain.Receipt, journal.Message, error) {
	id := resolved.Future.ID()
	n, err := r.interaction(resolved, journal.OnchainInteraction)
	if err != nil {
		return nil, nil, err
	}

	outcome, err := r.driver.RunOnchain(ctx, id, n)
	if err != nil {
		return nil, nil, err
	}
	switch outcome.Kind {
	case interaction.OutcomeSimulationFailed:
		reason := abiutils.DecodeRevert(contractAbi(resolved), outcome.RevertData)
		return nil, &journal.ExecutionFailed{FutureID: id, Reason: "simulation failed: " + reason.Message}, nil
	case interaction.OutcomeTimeout:
		return nil, &journal.ExecutionTimeout{FutureID: id, Reason: outcome.Reason}, nil
	}
	if !outcome.Receipt.Success {
		reason, err := r.revertReason(ctx, resolved, n, outcome.Receipt)
		if err != nil {
			return nil, nil, err
		}
		return nil, &journal.ExecutionFailed{FutureID: id, Reason: reason}, nil
	}
	return outcome.Receipt, nil, nil
}

// revertReason explains a mined transaction which reverted. Receipts carry no revert data, so the transaction is
// replayed as a call against the state its block started from.
func (r *run) revertReason(ctx context.Context, resolved *resolution.Resolved, n *state.NetworkInteraction, receipt *chain.Receipt) (string, error) {
	hash := receipt.TransactionHash.Hex()
	block := receipt.BlockNumber
	if block > 0 {
		block--
	}
	call := chain.CallRequest{From: n.From, To: n.To, Data: n.Data, Value: n.Value}
	_, err := r.engine.client.CallAtBlock(ctx, call, block)
	if err == nil {
		return fmt.Sprintf("transaction %s reverted, and its replay at block %d did not", hash, block), nil
	}
	if isContextError(err) {
		return "", err
	}
	revertErr, ok := chain.AsRevertError(err)
	if !ok {
		return fmt.Sprintf("transaction %s reverted, and its reason could not be replayed: %v", hash, err), nil
	}
	return fmt.Sprintf("transaction %s reverted: %s", hash, abiutils.DecodeRevert(contractAbi(resolved), revertErr.Data).Message), nil
}

// interaction returns the last network interaction of a future, requesting the first one if there is none.
func (r *run) interaction(resolved *resolution.Resolved, interactionType journal.InteractionType) (*state.NetworkInteraction, error) {
	id := resolved.Future.ID()
	if n := r.keeper.State().Get(id).LastInteraction(); n != nil {
		return n, nil
	}
	request := &journal.NetworkInteractionRequest{
		FutureID:        id,
		InteractionID:   1,
		InteractionType: interactionType,
		From:            resolved.From,
		To:              resolved.To,
		Data:            resolved.Data,
	}
	if resolved.Value != nil && resolved.Value.Sign() > 0 {
		request.Value = (*hexutil.Big)(resolved.Value)
	}
	if err := r.keeper.Record(request); err != nil {
		return nil, err
	}
	return r.keeper.State().Get(id).LastInteraction(), nil
}

// staticCall performs the static call of a future and selects one of its outputs.
func (r *run) staticCall(ctx context.Context, f *futures.StaticCall, resolved *resolution.Resolved) (journal.Message, error) {
	id := f.ID()
	n, err := r.interaction(resolved, journal.StaticCall)
	if err != nil {
		return nil, err
	}
	result, err := r.driver.RunStaticCall(ctx, id, n)
	if err != nil {
		return nil, err
	}
	if !result.Success {
		reason := abiutils.DecodeRevert(contractAbi(resolved), result.ReturnData)
		return &journal.ExecutionFailed{FutureID: id, Reason: "static call failed: " + reason.Message}, nil
	}

	outputs := resolved.Method.Outputs
	values, err := outputs.Unpack(result.ReturnData)
	if err != nil {
		return &journal.ExecutionFailed{FutureID: id, Reason: fmt.Sprintf("could not decode the output of %s: %v", f.FunctionName, err)}, nil
	}
	value, err := selectValue(outputs, values, f.NameOrIndex)
	if err != nil {
		return &journal.ExecutionFailed{FutureID: id, Reason: err.Error()}, nil
	}
	return &journal.ExecutionSuccess{FutureID: id, Result: journal.Result{Value: value}}, nil
}

// readEventArgument reads an argument of an event emitted in the confirmed transaction of the source future.
func (r *run) readEventArgument(f *futures.ReadEventArgument, resolved *resolution.Resolved) journal.Message {
	id := f.ID()
	fail := func(format string, args ...any) journal.Message {
		return &journal.ExecutionFailed{FutureID: id, Reason: fmt.Sprintf(format, args...)}
	}

	receipt := confirmedReceipt(r.keeper.State().Get(f.Source))
	if receipt == nil {
		return fail("%s has no confirmed transaction", f.Source)
	}
	event := resolved.Event
	emitter := *resolved.To
	matching := make([]chain.Log, 0)
	for _, log := range receipt.Logs {
		if log.Address == emitter && len(log.Topics) > 0 && log.Topics[0] == event.ID {
			matching = append(matching, log)
		}
	}
	if f.EventIndex >= len(matching) {
		return fail("%s emitted %s %d times in %s, index %d is out of range",
			emitter.Hex(), event.Name, len(matching), receipt.TransactionHash.Hex(), f.EventIndex)
	}

	values, err := decodeEvent(event, matching[f.EventIndex])
	if err != nil {
		return fail("could not decode %s: %v", event.Name, err)
	}
	value, err := selectValue(event.Inputs, values, f.NameOrIndex)
	if err != nil {
		return fail("%v", err)
	}
	return &journal.ExecutionSuccess{FutureID: id, Result: journal.Result{Value: value}}
}

// selectValue selects a value by name or index and returns its canonical JSON encoding.
func selectValue(arguments abi.Arguments, values []any, nameOrIndex string) (json.RawMessage, error) {
	index, err := resolution.SelectArgument(arguments, nameOrIndex)
	if err != nil {
		return nil, err
	}
	canonical, err := abiutils.CanonicalValue(&arguments[index].Type, values[index])
	if err != nil {
		return nil, err
	}
	return json.Marshal(canonical)
}

// confirmedReceipt returns the receipt of the last confirmed transaction of a future.
func confirmedReceipt(executionState *state.ExecutionState) *chain.Receipt {
	if executionState == nil {
		return nil
	}
	for i := len(executionState.NetworkInteractions) - 1; i >= 0; i-- {
		if confirmed := executionState.NetworkInteractions[i].ConfirmedTransaction(); confirmed != nil {
			return confirmed.Receipt
		}
	}
	return nil
}

// contractAbi returns the ABI used to decode custom errors of a future, if it has one.
func contractAbi(resolved *resolution.Resolved) *abi.ABI {
	if resolved.Artifact == nil {
		return nil
	}
	return &resolved.Artifact.Abi
}
