package execution

import (
	"fmt"

	"github.com/crytic/keel/chain"
	"github.com/ethereum/go-ethereum/accounts/abi"
)

// decodeEvent decodes every argument of an event log in declaration order. Indexed arguments of dynamic types are
// only available as the hash stored in their topic, which is returned instead.
func decodeEvent(event *abi.Event, log chain.Log) ([]any, error) {
	nonIndexed, err := event.Inputs.NonIndexed().UnpackValues(log.Data)
	if err != nil {
		return nil, err
	}

	values := make([]any, len(event.Inputs))
	topic, next := 1, 0
	for i, input := range event.Inputs {
		if !input.Indexed {
			values[i] = nonIndexed[next]
			next++
			continue
		}
		if topic >= len(log.Topics) {
			return nil, fmt.Errorf("missing topic for indexed argument %d", i)
		}
		hash := log.Topics[topic]
		topic++
		switch input.Type.T {
		case abi.StringTy, abi.BytesTy, abi.SliceTy, abi.ArrayTy, abi.TupleTy:
			values[i] = hash
		default:
			decoded, err := abi.Arguments{{Type: input.Type}}.UnpackValues(hash.Bytes())
			if err != nil {
				return nil, err
			}
			values[i] = decoded[0]
		}
	}
	return values, nil
}
