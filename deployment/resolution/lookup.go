package resolution

import (
	"fmt"
	"strconv"

	"github.com/crytic/keel/artifacts"
	"github.com/ethereum/go-ethereum/accounts/abi"
)

// LookupMethod finds a function of an artifact by name or by signature, such as "transfer(address,uint256)".
func LookupMethod(artifact *artifacts.Artifact, name string) (*abi.Method, error) {
	if method, ok := artifact.Abi.Methods[name]; ok {
		return &method, nil
	}
	for _, method := range artifact.Abi.Methods {
		if method.Sig == name {
			return &method, nil
		}
	}
	return nil, fmt.Errorf("function %s not found in %s", name, artifact.ContractName)
}

// LookupEvent finds an event of an artifact by name or by signature.
func LookupEvent(artifact *artifacts.Artifact, name string) (*abi.Event, error) {
	if event, ok := artifact.Abi.Events[name]; ok {
		return &event, nil
	}
	for _, event := range artifact.Abi.Events {
		if event.Sig == name {
			return &event, nil
		}
	}
	return nil, fmt.Errorf("event %s not found in %s", name, artifact.ContractName)
}

// SelectArgument returns the position of an argument selected by name or by decimal index. An empty selector selects
// the first argument.
func SelectArgument(arguments abi.Arguments, nameOrIndex string) (int, error) {
	if len(arguments) == 0 {
		return 0, fmt.Errorf("there are no values to select from")
	}
	if nameOrIndex == "" {
		return 0, nil
	}
	for i, argument := range arguments {
		if argument.Name == nameOrIndex {
			return i, nil
		}
	}
	index, err := strconv.Atoi(nameOrIndex)
	if err != nil {
		return 0, fmt.Errorf("no value named %s", nameOrIndex)
	}
	if index < 0 || index >= len(arguments) {
		return 0, fmt.Errorf("index %d is out of range, there are %d values", index, len(arguments))
	}
	return index, nil
}
