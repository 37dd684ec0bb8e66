package resolution

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/crytic/keel/artifacts"
	"github.com/crytic/keel/artifacts/abiutils"
	"github.com/crytic/keel/chain"
	"github.com/crytic/keel/deployment/futures"
	"github.com/crytic/keel/deployment/journal"
	"github.com/crytic/keel/deployment/state"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Supported execution strategies.
const (
	StrategyBasic   = "basic"
	StrategyCreate2 = "create2"
)

var (
	addressType = mustType("address")
	uint256Type = mustType("uint256")
)

func mustType(name string) abi.Type {
	t, err := abi.NewType(name, "", nil)
	if err != nil {
		panic(err)
	}
	return t
}

// UnresolvedError is returned when an argument references a future which did not succeed.
type UnresolvedError struct {
	FutureID   string
	Dependency string
	Status     state.ExecutionStatus
}

// Error implements error.
func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("%s depends on %s, which is %s", e.FutureID, e.Dependency, e.Status)
}

// Options configures a Resolver.
type Options struct {
	// Accounts are the accounts of the chain, referenced by futures.Account arguments.
	Accounts []common.Address
	// DefaultSender sends the transactions of futures which do not set a sender.
	DefaultSender common.Address
	// Parameters provides module parameter values, keyed by module id and then parameter name.
	Parameters map[string]map[string]any
	// Strategy is StrategyBasic or StrategyCreate2.
	Strategy string
	// Salt is the 32-byte salt of the create2 strategy.
	Salt []byte
}

// Resolver turns declared futures into the concrete requests the engine sends, resolving their arguments from the
// results of the futures they depend on.
type Resolver struct {
	graph     *futures.Graph
	artifacts artifacts.Resolver
	options   Options
}

// NewResolver creates a Resolver for the futures of a graph.
func NewResolver(graph *futures.Graph, artifactResolver artifacts.Resolver, options Options) *Resolver {
	if options.Strategy == "" {
		options.Strategy = StrategyBasic
	}
	return &Resolver{graph: graph, artifacts: artifactResolver, options: options}
}

// Resolved is a future whose arguments are resolved.
type Resolved struct {
	Future futures.Future

	// Artifact is the artifact of the deployed or bound contract, or of the contract called.
	Artifact *artifacts.Artifact
	// Method is the function called, for calls and encoded calls.
	Method *abi.Method
	// Event is the event read, for event arguments.
	Event *abi.Event

	// Args are the call or constructor arguments, converted to their ABI types.
	Args      []any
	Libraries map[string]common.Address
	Value     *big.Int
	From      common.Address

	// To is the target of the transaction or static call, the address bound by a ContractAt, or the emitter of an
	// event. It is nil for plain deployments.
	To *common.Address
	// Data is the payload of the transaction or static call, or the encoded call.
	Data []byte
	// ExpectedAddress is the address of a create2 deployment.
	ExpectedAddress *common.Address

	// Strategy is the execution strategy of deployments, empty for other futures.
	Strategy string
	Identity journal.Identity
}

// Strategy returns the execution strategy recorded for a future of the given type.
func (r *Resolver) Strategy(futureType futures.FutureType) string {
	switch futureType {
	case futures.ContractDeploymentType, futures.ArtifactContractDeploymentType, futures.LibraryDeploymentType:
		return r.options.Strategy
	}
	return ""
}

// DeclaredIdentity returns the identity fields of a future which follow from its declaration alone, without resolving
// any argument.
func (r *Resolver) DeclaredIdentity(future futures.Future) journal.Identity {
	switch f := future.(type) {
	case *futures.ContractDeployment:
		return journal.Identity{ContractName: f.ContractName}
	case *futures.ArtifactContractDeployment:
		return journal.Identity{ContractName: contractName(f.ContractName, f.Artifact)}
	case *futures.LibraryDeployment:
		return journal.Identity{ContractName: contractName(f.ContractName, f.Artifact)}
	case *futures.ContractAt:
		return journal.Identity{ContractName: contractName(f.ContractName, f.Artifact)}
	case *futures.FunctionCall:
		return journal.Identity{FunctionName: f.FunctionName}
	case *futures.StaticCall:
		return journal.Identity{FunctionName: f.FunctionName, NameOrIndex: f.NameOrIndex}
	case *futures.EncodeFunctionCall:
		return journal.Identity{FunctionName: f.FunctionName}
	case *futures.ReadEventArgument:
		return journal.Identity{EventName: f.EventName, NameOrIndex: f.NameOrIndex, EventIndex: f.EventIndex}
	case *futures.SendData:
		return journal.Identity{Data: f.Data}
	}
	return journal.Identity{}
}

// Resolve resolves a future against the given deployment state. Every future it references must have succeeded,
// otherwise an *UnresolvedError is returned.
func (r *Resolver) Resolve(current *state.DeploymentState, future futures.Future) (*Resolved, error) {
	resolved := &Resolved{
		Future:   future,
		Strategy: r.Strategy(future.Type()),
		Identity: r.DeclaredIdentity(future),
	}
	var err error

	switch f := future.(type) {
	case *futures.ContractDeployment:
		if resolved.Artifact, err = r.artifacts.LoadArtifact(f.ContractName); err != nil {
			return nil, err
		}
		err = r.resolveDeployment(current, resolved, f.Args, f.Libraries, f.Value, f.From)
	case *futures.ArtifactContractDeployment:
		resolved.Artifact = f.Artifact
		err = r.resolveDeployment(current, resolved, f.Args, f.Libraries, f.Value, f.From)
	case *futures.LibraryDeployment:
		if resolved.Artifact, err = r.artifactOf(f.ContractName, f.Artifact); err != nil {
			return nil, err
		}
		err = r.resolveDeployment(current, resolved, nil, f.Libraries, nil, f.From)
	case *futures.ContractAt:
		if resolved.Artifact, err = r.artifactOf(f.ContractName, f.Artifact); err != nil {
			return nil, err
		}
		var address common.Address
		if address, err = r.address(current, future, f.Address); err == nil {
			resolved.To = &address
			resolved.Identity.ContractAddress = &address
		}
	case *futures.FunctionCall:
		err = r.resolveCall(current, resolved, f.Contract, f.FunctionName, f.Args)
		if err == nil {
			err = r.resolveSender(current, resolved, f.Value, f.From)
		}
	case *futures.StaticCall:
		err = r.resolveCall(current, resolved, f.Contract, f.FunctionName, f.Args)
		if err == nil {
			err = r.resolveSender(current, resolved, nil, f.From)
			resolved.Identity.Value = ""
		}
	case *futures.EncodeFunctionCall:
		err = r.resolveCall(current, resolved, f.Contract, f.FunctionName, f.Args)
	case *futures.ReadEventArgument:
		err = r.resolveEvent(current, resolved, f)
	case *futures.SendData:
		var to common.Address
		if to, err = r.address(current, future, f.To); err != nil {
			return nil, err
		}
		resolved.To = &to
		resolved.Data = append([]byte{}, f.Data...)
		resolved.Identity.To = &to
		err = r.resolveSender(current, resolved, f.Value, f.From)
	default:
		err = fmt.Errorf("unsupported future type %T", future)
	}
	if err != nil {
		return nil, err
	}
	return resolved, nil
}

// resolveDeployment resolves the constructor arguments, libraries, value and sender of a deployment, and builds its
// creation data according to the strategy.
func (r *Resolver) resolveDeployment(
	current *state.DeploymentState,
	resolved *Resolved,
	args []futures.Argument,
	libraries map[string]futures.Argument,
	value futures.Argument,
	from futures.Argument,
) error {
	future := resolved.Future
	artifact := resolved.Artifact

	resolved.Libraries = make(map[string]common.Address, len(libraries))
	for name, library := range libraries {
		address, err := r.address(current, future, library)
		if err != nil {
			return err
		}
		resolved.Libraries[name] = address
	}
	linked, err := artifact.Link(resolved.Libraries)
	if err != nil {
		return err
	}
	bytecodeHash, err := artifact.BytecodeHash()
	if err != nil {
		return err
	}

	values, err := r.values(current, future, args)
	if err != nil {
		return err
	}
	inputs := artifact.Abi.Constructor.Inputs
	if resolved.Args, err = abiutils.ConvertArguments(inputs, values); err != nil {
		return fmt.Errorf("invalid constructor arguments for %s: %w", future.ID(), err)
	}
	creationData, err := artifact.DeploymentData(linked, resolved.Args)
	if err != nil {
		return err
	}
	if err = r.resolveSender(current, resolved, value, from); err != nil {
		return err
	}

	resolved.Identity.BytecodeHash = &bytecodeHash
	if resolved.Identity.Args, err = canonicalJSON(inputs, resolved.Args); err != nil {
		return err
	}
	if len(resolved.Libraries) > 0 {
		resolved.Identity.Libraries = resolved.Libraries
	}

	if resolved.Strategy == StrategyCreate2 {
		proxy := chain.DeterministicDeploymentProxy
		expected := crypto.CreateAddress2(proxy, common.BytesToHash(r.options.Salt), crypto.Keccak256(creationData))
		resolved.To = &proxy
		resolved.Data = append(append([]byte{}, r.options.Salt...), creationData...)
		resolved.ExpectedAddress = &expected
	} else {
		resolved.Data = creationData
	}
	return nil
}

// resolveCall resolves the contract, function and arguments of a call and encodes its calldata.
func (r *Resolver) resolveCall(
	current *state.DeploymentState,
	resolved *Resolved,
	contractID string,
	functionName string,
	args []futures.Argument,
) error {
	future := resolved.Future
	artifact, address, err := r.contract(current, future, contractID)
	if err != nil {
		return err
	}
	method, err := LookupMethod(artifact, functionName)
	if err != nil {
		return err
	}
	values, err := r.values(current, future, args)
	if err != nil {
		return err
	}
	if resolved.Args, err = abiutils.ConvertArguments(method.Inputs, values); err != nil {
		return fmt.Errorf("invalid arguments for %s: %w", future.ID(), err)
	}
	packed, err := method.Inputs.Pack(resolved.Args...)
	if err != nil {
		return fmt.Errorf("could not encode the arguments of %s: %w", future.ID(), err)
	}

	resolved.Artifact = artifact
	resolved.Method = method
	resolved.To = &address
	resolved.Data = append(append([]byte{}, method.ID...), packed...)
	resolved.Identity.ContractAddress = &address
	resolved.Identity.Args, err = canonicalJSON(method.Inputs, resolved.Args)
	return err
}

// resolveEvent resolves the emitter and event of an event argument.
func (r *Resolver) resolveEvent(current *state.DeploymentState, resolved *Resolved, f *futures.ReadEventArgument) error {
	if status := current.Status(f.Source); status != state.Success {
		return &UnresolvedError{FutureID: f.ID(), Dependency: f.Source, Status: status}
	}
	artifact, emitter, err := r.contract(current, f, f.EmitterID())
	if err != nil {
		return err
	}
	event, err := LookupEvent(artifact, f.EventName)
	if err != nil {
		return err
	}
	resolved.Artifact = artifact
	resolved.Event = event
	resolved.To = &emitter
	resolved.Identity.Emitter = emitter.Hex()
	return nil
}

// resolveSender resolves the value and sender of a transaction.
func (r *Resolver) resolveSender(current *state.DeploymentState, resolved *Resolved, value futures.Argument, from futures.Argument) error {
	resolved.Value = new(big.Int)
	if value != nil {
		raw, err := r.value(current, resolved.Future, value)
		if err != nil {
			return err
		}
		converted, err := abiutils.ConvertArgument(&uint256Type, raw)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %w", resolved.Future.ID(), err)
		}
		resolved.Value = converted.(*big.Int)
	}
	resolved.From = r.options.DefaultSender
	if from != nil {
		sender, err := r.address(current, resolved.Future, from)
		if err != nil {
			return err
		}
		resolved.From = sender
	}
	sender := resolved.From
	resolved.Identity.From = &sender
	resolved.Identity.Value = resolved.Value.String()
	return nil
}

// contract returns the artifact and address of a contract future which succeeded.
func (r *Resolver) contract(current *state.DeploymentState, future futures.Future, contractID string) (*artifacts.Artifact, common.Address, error) {
	artifact, err := r.ArtifactOf(contractID)
	if err != nil {
		return nil, common.Address{}, err
	}
	address, err := r.address(current, future, futures.FutureRef{FutureID: contractID})
	if err != nil {
		return nil, common.Address{}, err
	}
	return artifact, address, nil
}

// ArtifactOf returns the artifact of a contract future of the graph.
func (r *Resolver) ArtifactOf(futureID string) (*artifacts.Artifact, error) {
	future, ok := r.graph.Future(futureID)
	if !ok {
		return nil, fmt.Errorf("unknown future %s", futureID)
	}
	switch f := future.(type) {
	case *futures.ContractDeployment:
		return r.artifacts.LoadArtifact(f.ContractName)
	case *futures.ArtifactContractDeployment:
		return f.Artifact, nil
	case *futures.LibraryDeployment:
		return r.artifactOf(f.ContractName, f.Artifact)
	case *futures.ContractAt:
		return r.artifactOf(f.ContractName, f.Artifact)
	}
	return nil, fmt.Errorf("%s is not a contract", futureID)
}

func (r *Resolver) artifactOf(name string, artifact *artifacts.Artifact) (*artifacts.Artifact, error) {
	if artifact != nil {
		return artifact, nil
	}
	return r.artifacts.LoadArtifact(name)
}

// address resolves an argument to an address.
func (r *Resolver) address(current *state.DeploymentState, future futures.Future, arg futures.Argument) (common.Address, error) {
	raw, err := r.value(current, future, arg)
	if err != nil {
		return common.Address{}, err
	}
	converted, err := abiutils.ConvertArgument(&addressType, raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid address for %s: %w", future.ID(), err)
	}
	return converted.(common.Address), nil
}

// values resolves a list of arguments.
func (r *Resolver) values(current *state.DeploymentState, future futures.Future, args []futures.Argument) ([]any, error) {
	result := make([]any, len(args))
	for i, arg := range args {
		value, err := r.value(current, future, arg)
		if err != nil {
			return nil, err
		}
		result[i] = value
	}
	return result, nil
}

// value resolves an argument, and the arguments nested in literals, to a plain value.
func (r *Resolver) value(current *state.DeploymentState, future futures.Future, arg futures.Argument) (any, error) {
	switch a := arg.(type) {
	case nil:
		return nil, nil
	case futures.Literal:
		return r.literal(current, future, a.Value)
	case futures.FutureRef:
		return r.result(current, future, a.FutureID)
	case futures.Account:
		if a.Index >= len(r.options.Accounts) {
			return nil, fmt.Errorf("%s uses account %d, but the chain only has %d", future.ID(), a.Index, len(r.options.Accounts))
		}
		return r.options.Accounts[a.Index], nil
	case futures.Parameter:
		module := a.Module
		if module == "" {
			module = future.ModuleID()
		}
		if value, ok := r.options.Parameters[module][a.Name]; ok {
			return value, nil
		}
		if a.Default == nil {
			return nil, fmt.Errorf("%s requires the parameter %s of module %s", future.ID(), a.Name, module)
		}
		return a.Default, nil
	}
	return nil, fmt.Errorf("unsupported argument %T", arg)
}

func (r *Resolver) literal(current *state.DeploymentState, future futures.Future, value any) (any, error) {
	switch v := value.(type) {
	case futures.Argument:
		return r.value(current, future, v)
	case []futures.Argument:
		return r.values(current, future, v)
	case []any:
		result := make([]any, len(v))
		for i, item := range v {
			resolved, err := r.literal(current, future, item)
			if err != nil {
				return nil, err
			}
			result[i] = resolved
		}
		return result, nil
	case map[string]any:
		result := make(map[string]any, len(v))
		for key, item := range v {
			resolved, err := r.literal(current, future, item)
			if err != nil {
				return nil, err
			}
			result[key] = resolved
		}
		return result, nil
	}
	return value, nil
}

// result returns the value produced by a dependency which succeeded.
func (r *Resolver) result(current *state.DeploymentState, future futures.Future, dependency string) (any, error) {
	executionState := current.Get(dependency)
	if executionState == nil || executionState.Status != state.Success || executionState.Result == nil {
		return nil, &UnresolvedError{FutureID: future.ID(), Dependency: dependency, Status: current.Status(dependency)}
	}
	result := executionState.Result
	switch {
	case result.Address != nil:
		return *result.Address, nil
	case len(result.Value) > 0:
		var value any
		if err := json.Unmarshal(result.Value, &value); err != nil {
			return nil, fmt.Errorf("invalid result of %s: %w", dependency, err)
		}
		return value, nil
	case result.Data != nil:
		return []byte(result.Data), nil
	}
	return nil, fmt.Errorf("%s has no value to use as an argument", dependency)
}

// canonicalJSON encodes argument values in their canonical form.
func canonicalJSON(arguments abi.Arguments, values []any) (json.RawMessage, error) {
	canonical, err := abiutils.CanonicalArguments(arguments, values)
	if err != nil {
		return nil, err
	}
	return json.Marshal(canonical)
}

func contractName(name string, artifact *artifacts.Artifact) string {
	if name == "" && artifact != nil {
		return artifact.ContractName
	}
	return name
}
