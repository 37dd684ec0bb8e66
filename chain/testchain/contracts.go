package testchain

import (
	"bytes"
	"encoding/hex"
	"maps"
	"math/big"
	"strings"

	"github.com/crytic/keel/artifacts"
	"github.com/crytic/keel/artifacts/abiutils"
	"github.com/crytic/keel/chain"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// MethodHandler implements a contract method. It returns the method outputs, or an error to revert. Returning a
// *chain.RevertError reverts with its data; any other error reverts with an Error(string) carrying its message.
type MethodHandler func(call *CallContext, args []any) ([]any, error)

// ContractBehavior describes how a contract registered with the TestChain executes.
type ContractBehavior struct {
	// Constructor runs when the contract is deployed. It may be nil.
	Constructor MethodHandler

	// Methods maps method names to their implementations. Calls to methods without a handler revert.
	Methods map[string]MethodHandler
}

// CallContext is passed to MethodHandler implementations.
type CallContext struct {
	// Address is the address of the executing contract.
	Address common.Address
	// From is the caller.
	From common.Address
	// Value is the amount of wei sent along.
	Value *big.Int
	// Storage is the contract's storage. Changes are discarded if the call reverts or is only simulated.
	Storage map[string]any

	abi  *abi.ABI
	logs []chain.Log
}

// Emit records an event of the executing contract.
func (c *CallContext) Emit(eventName string, args ...any) {
	event, ok := c.abi.Events[eventName]
	if !ok {
		panic("unknown event " + eventName)
	}
	topics := []common.Hash{event.ID}
	nonIndexed := make([]any, 0)
	nonIndexedArgs := abi.Arguments{}
	for i, input := range event.Inputs {
		if input.Indexed {
			packed, err := abi.Arguments{{Type: input.Type}}.Pack(args[i])
			if err != nil {
				panic(err)
			}
			topics = append(topics, common.BytesToHash(packed))
			continue
		}
		nonIndexed = append(nonIndexed, args[i])
		nonIndexedArgs = append(nonIndexedArgs, input)
	}
	data, err := nonIndexedArgs.Pack(nonIndexed...)
	if err != nil {
		panic(err)
	}
	c.logs = append(c.logs, chain.Log{Address: c.Address, Topics: topics, Data: data})
}

// Revert returns an error which reverts with require(false, message).
func Revert(message string) error {
	return &chain.RevertError{Data: abiutils.EncodeErrorString(message)}
}

// registeredContract is an artifact registered with the chain along with its behavior.
type registeredContract struct {
	artifact *artifacts.Artifact
	// prefix is the bytecode before the first library placeholder.
	prefix []byte
	// codeLength is the length of the linked creation bytecode in bytes.
	codeLength int
	behavior   ContractBehavior
}

// deployedContract is a contract instance living on the chain.
type deployedContract struct {
	contract *registeredContract
	storage  map[string]any
}

// newRegisteredContract prepares an artifact for matching against deployment data.
func newRegisteredContract(artifact *artifacts.Artifact, behavior ContractBehavior) *registeredContract {
	code := strings.TrimPrefix(artifact.Bytecode, "0x")
	prefixHex := code
	if i := strings.Index(code, "__"); i >= 0 {
		prefixHex = code[:i]
	}
	prefix, _ := hex.DecodeString(prefixHex)
	return &registeredContract{
		artifact:   artifact,
		prefix:     prefix,
		codeLength: len(code) / 2,
		behavior:   behavior,
	}
}

// matches returns whether the creation data deploys this contract.
func (r *registeredContract) matches(data []byte) bool {
	return len(data) >= r.codeLength && bytes.HasPrefix(data, r.prefix)
}

// execution is the outcome of executing a call or transaction.
type execution struct {
	output   []byte
	revert   *chain.RevertError
	logs     []chain.Log
	deployed *common.Address
	// commit applies the state changes of the execution to the chain.
	commit func()
}

// executeLocked runs a call against the chain state. State changes are only applied through the returned commit
// function. The chain lock must be held.
func (t *TestChain) executeLocked(from common.Address, to *common.Address, data []byte, value *big.Int, nonce uint64) *execution {
	if to == nil {
		return t.deployLocked(from, crypto.CreateAddress(from, nonce), data, value)
	}
	if *to == DeterministicDeploymentProxy && len(data) >= 32 {
		salt := common.BytesToHash(data[:32])
		initCode := data[32:]
		address := crypto.CreateAddress2(DeterministicDeploymentProxy, salt, crypto.Keccak256(initCode))
		result := t.deployLocked(DeterministicDeploymentProxy, address, initCode, value)
		if result.revert == nil {
			result.output = address.Bytes()
		}
		return result
	}

	instance, ok := t.contracts[*to]
	if !ok {
		// Calls to accounts without code succeed without output
		return &execution{commit: func() {}}
	}
	contractAbi := &instance.contract.artifact.Abi
	if len(data) < 4 {
		return &execution{revert: &chain.RevertError{}}
	}
	method, err := contractAbi.MethodById(data[:4])
	if err != nil {
		return &execution{revert: &chain.RevertError{}}
	}
	handler, ok := instance.contract.behavior.Methods[method.Name]
	if !ok {
		return &execution{revert: &chain.RevertError{}}
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return &execution{revert: &chain.RevertError{}}
	}

	call := &CallContext{Address: *to, From: from, Value: value, Storage: maps.Clone(instance.storage), abi: contractAbi}
	outputs, err := handler(call, args)
	if err != nil {
		return &execution{revert: toRevert(err)}
	}
	output, err := method.Outputs.Pack(outputs...)
	if err != nil {
		panic(err)
	}
	return &execution{
		output: output,
		logs:   call.logs,
		commit: func() { instance.storage = call.Storage },
	}
}

// deployLocked runs the constructor of the registered contract matching the creation data.
func (t *TestChain) deployLocked(from common.Address, address common.Address, data []byte, value *big.Int) *execution {
	var contract *registeredContract
	for _, candidate := range t.registered {
		if candidate.matches(data) && (contract == nil || len(candidate.prefix) > len(contract.prefix)) {
			contract = candidate
		}
	}
	if contract == nil {
		return &execution{revert: &chain.RevertError{Message: "unknown creation bytecode"}}
	}
	if _, exists := t.contracts[address]; exists {
		return &execution{revert: &chain.RevertError{Message: "contract address collision"}}
	}

	call := &CallContext{Address: address, From: from, Value: value, Storage: map[string]any{}, abi: &contract.artifact.Abi}
	if contract.behavior.Constructor != nil {
		args, err := contract.artifact.Abi.Constructor.Inputs.Unpack(data[contract.codeLength:])
		if err != nil {
			return &execution{revert: &chain.RevertError{Message: "invalid constructor arguments"}}
		}
		if _, err = contract.behavior.Constructor(call, args); err != nil {
			return &execution{revert: toRevert(err)}
		}
	}
	return &execution{
		logs:     call.logs,
		deployed: &address,
		commit: func() {
			t.contracts[address] = &deployedContract{contract: contract, storage: call.Storage}
		},
	}
}

// toRevert converts a handler error into a revert.
func toRevert(err error) *chain.RevertError {
	if revertErr, ok := chain.AsRevertError(err); ok {
		return revertErr
	}
	return &chain.RevertError{Data: abiutils.EncodeErrorString(err.Error())}
}
