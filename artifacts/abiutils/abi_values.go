package abiutils

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ConvertArguments converts loosely typed values, as found in module manifests or decoded from canonical JSON, into
// the Go values go-ethereum expects when packing arguments of the given ABI types.
func ConvertArguments(arguments abi.Arguments, values []any) ([]any, error) {
	if len(arguments) != len(values) {
		return nil, fmt.Errorf("expected %d arguments, got %d", len(arguments), len(values))
	}
	converted := make([]any, len(values))
	for i, argument := range arguments {
		value, err := ConvertArgument(&argument.Type, values[i])
		if err != nil {
			name := argument.Name
			if name == "" {
				name = fmt.Sprintf("#%d", i)
			}
			return nil, fmt.Errorf("argument %s: %w", name, err)
		}
		converted[i] = value
	}
	return converted, nil
}

// ConvertArgument converts a loosely typed value into the Go representation of the given ABI type.
func ConvertArgument(valueType *abi.Type, value any) (any, error) {
	switch valueType.T {
	case abi.AddressTy:
		return convertAddress(value)
	case abi.UintTy, abi.IntTy:
		n, err := toBigInt(value)
		if err != nil {
			return nil, err
		}
		return fitInteger(valueType, n)
	case abi.BoolTy:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			if v == "true" || v == "false" {
				return v == "true", nil
			}
		}
		return nil, fmt.Errorf("cannot use %v as bool", value)
	case abi.StringTy:
		if s, ok := value.(string); ok {
			return s, nil
		}
		return nil, fmt.Errorf("cannot use %v as string", value)
	case abi.BytesTy:
		return toBytes(value)
	case abi.FixedBytesTy:
		b, err := toBytes(value)
		if err != nil {
			return nil, err
		}
		if len(b) != valueType.Size {
			return nil, fmt.Errorf("expected %d bytes, got %d", valueType.Size, len(b))
		}
		array := reflect.New(valueType.GetType()).Elem()
		reflect.Copy(array, reflect.ValueOf(b))
		return array.Interface(), nil
	case abi.ArrayTy, abi.SliceTy:
		elements, err := toSlice(value)
		if err != nil {
			return nil, err
		}
		if valueType.T == abi.ArrayTy && len(elements) != valueType.Size {
			return nil, fmt.Errorf("expected %d elements, got %d", valueType.Size, len(elements))
		}
		var container reflect.Value
		if valueType.T == abi.ArrayTy {
			container = reflect.New(valueType.GetType()).Elem()
		} else {
			container = reflect.MakeSlice(valueType.GetType(), len(elements), len(elements))
		}
		for i, element := range elements {
			converted, err := ConvertArgument(valueType.Elem, element)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			container.Index(i).Set(reflect.ValueOf(converted))
		}
		return container.Interface(), nil
	case abi.TupleTy:
		return convertTuple(valueType, value)
	default:
		return nil, fmt.Errorf("unsupported ABI type %s", valueType.String())
	}
}

// convertTuple fills the struct go-ethereum generates for a tuple type from positional or named values.
func convertTuple(valueType *abi.Type, value any) (any, error) {
	tuple := reflect.New(valueType.GetType()).Elem()
	var lookup func(i int) (any, bool)
	switch v := value.(type) {
	case map[string]any:
		lookup = func(i int) (any, bool) {
			element, ok := v[valueType.TupleRawNames[i]]
			return element, ok
		}
	default:
		elements, err := toSlice(value)
		if err != nil {
			return nil, err
		}
		if len(elements) != len(valueType.TupleElems) {
			return nil, fmt.Errorf("expected %d tuple fields, got %d", len(valueType.TupleElems), len(elements))
		}
		lookup = func(i int) (any, bool) { return elements[i], true }
	}
	for i, elemType := range valueType.TupleElems {
		element, ok := lookup(i)
		if !ok {
			return nil, fmt.Errorf("missing tuple field %s", valueType.TupleRawNames[i])
		}
		converted, err := ConvertArgument(elemType, element)
		if err != nil {
			return nil, fmt.Errorf("tuple field %s: %w", valueType.TupleRawNames[i], err)
		}
		tuple.Field(i).Set(reflect.ValueOf(converted))
	}
	return tuple.Interface(), nil
}

// CanonicalValue converts a value of the given ABI type into a JSON-friendly canonical form: integers become decimal
// strings, addresses checksummed hex, byte strings 0x-prefixed hex, and arrays and tuples positional lists. Two equal
// values always produce the same canonical form, whatever Go representation they started from.
func CanonicalValue(valueType *abi.Type, value any) (any, error) {
	converted, err := ConvertArgument(valueType, value)
	if err != nil {
		// Indexed dynamic event arguments are only available as their topic hash
		if hash, ok := value.(common.Hash); ok {
			return hash.Hex(), nil
		}
		return nil, err
	}
	switch valueType.T {
	case abi.AddressTy:
		return converted.(common.Address).Hex(), nil
	case abi.UintTy, abi.IntTy:
		n, _ := toBigInt(converted)
		return n.String(), nil
	case abi.BoolTy, abi.StringTy:
		return converted, nil
	case abi.BytesTy:
		return hexutil.Encode(converted.([]byte)), nil
	case abi.FixedBytesTy:
		b, _ := toBytes(converted)
		return hexutil.Encode(b), nil
	case abi.ArrayTy, abi.SliceTy:
		reflected := reflect.ValueOf(converted)
		result := make([]any, reflected.Len())
		for i := range result {
			if result[i], err = CanonicalValue(valueType.Elem, reflected.Index(i).Interface()); err != nil {
				return nil, err
			}
		}
		return result, nil
	case abi.TupleTy:
		reflected := reflect.ValueOf(converted)
		result := make([]any, len(valueType.TupleElems))
		for i, elemType := range valueType.TupleElems {
			if result[i], err = CanonicalValue(elemType, reflected.Field(i).Interface()); err != nil {
				return nil, err
			}
		}
		return result, nil
	default:
		return nil, fmt.Errorf("unsupported ABI type %s", valueType.String())
	}
}

// CanonicalArguments returns the canonical form of a list of argument values.
func CanonicalArguments(arguments abi.Arguments, values []any) ([]any, error) {
	if len(arguments) != len(values) {
		return nil, fmt.Errorf("expected %d values, got %d", len(arguments), len(values))
	}
	result := make([]any, len(values))
	for i, argument := range arguments {
		canonical, err := CanonicalValue(&argument.Type, values[i])
		if err != nil {
			return nil, err
		}
		result[i] = canonical
	}
	return result, nil
}

// convertAddress accepts addresses and hex strings.
func convertAddress(value any) (common.Address, error) {
	switch v := value.(type) {
	case common.Address:
		return v, nil
	case *common.Address:
		if v != nil {
			return *v, nil
		}
	case string:
		if common.IsHexAddress(v) {
			return common.HexToAddress(v), nil
		}
	}
	return common.Address{}, fmt.Errorf("cannot use %v as address", value)
}

// toBigInt accepts Go integers, integral floats, json.Number and decimal or hex strings.
func toBigInt(value any) (*big.Int, error) {
	switch v := value.(type) {
	case *big.Int:
		if v != nil {
			return new(big.Int).Set(v), nil
		}
	case big.Int:
		return new(big.Int).Set(&v), nil
	case *hexutil.Big:
		if v != nil {
			return new(big.Int).Set(v.ToInt()), nil
		}
	case int:
		return big.NewInt(int64(v)), nil
	case int8:
		return big.NewInt(int64(v)), nil
	case int16:
		return big.NewInt(int64(v)), nil
	case int32:
		return big.NewInt(int64(v)), nil
	case int64:
		return big.NewInt(v), nil
	case uint:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint8:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint16:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint64:
		return new(big.Int).SetUint64(v), nil
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1<<53 {
			return big.NewInt(int64(v)), nil
		}
	case json.Number:
		return toBigInt(v.String())
	case string:
		s := strings.TrimSpace(v)
		if n, ok := new(big.Int).SetString(s, 0); ok {
			return n, nil
		}
	}
	return nil, fmt.Errorf("cannot use %v as integer", value)
}

// fitInteger range-checks n against the integer type and returns it in the Go type go-ethereum uses for it.
func fitInteger(valueType *abi.Type, n *big.Int) (any, error) {
	bits := uint(valueType.Size)
	if valueType.T == abi.UintTy {
		if n.Sign() < 0 || n.BitLen() > int(bits) {
			return nil, fmt.Errorf("%s out of range for uint%d", n, bits)
		}
	} else {
		limit := new(big.Int).Lsh(big.NewInt(1), bits-1)
		if n.Cmp(limit) >= 0 || n.Cmp(new(big.Int).Neg(limit)) < 0 {
			return nil, fmt.Errorf("%s out of range for int%d", n, bits)
		}
	}
	target := valueType.GetType()
	if target == reflect.TypeOf(&big.Int{}) {
		return n, nil
	}
	converted := reflect.New(target).Elem()
	if valueType.T == abi.UintTy {
		converted.SetUint(n.Uint64())
	} else {
		converted.SetInt(n.Int64())
	}
	return converted.Interface(), nil
}

// toBytes accepts byte slices, byte arrays and hex strings.
func toBytes(value any) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case hexutil.Bytes:
		return v, nil
	case common.Hash:
		return v.Bytes(), nil
	case string:
		if b, err := hexutil.Decode(v); err == nil {
			return b, nil
		}
	default:
		reflected := reflect.ValueOf(value)
		if reflected.Kind() == reflect.Array && reflected.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, reflected.Len())
			reflect.Copy(reflect.ValueOf(b), reflected)
			return b, nil
		}
	}
	return nil, fmt.Errorf("cannot use %v as bytes", value)
}

// toSlice accepts any slice or array.
func toSlice(value any) ([]any, error) {
	if elements, ok := value.([]any); ok {
		return elements, nil
	}
	reflected := reflect.ValueOf(value)
	if reflected.Kind() != reflect.Slice && reflected.Kind() != reflect.Array {
		return nil, fmt.Errorf("cannot use %v as a list", value)
	}
	elements := make([]any, reflected.Len())
	for i := range elements {
		elements[i] = reflected.Index(i).Interface()
	}
	return elements, nil
}
