package abiutils

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// An enum is defined below providing all `Panic(uint)` error codes returned in return data when the VM encounters
// an error in some cases.
// Reference: https://docs.soliditylang.org/en/latest/control-structures.html#panic-via-assert-and-error-via-require
const (
	PanicCodeCompilerInserted              = 0x00
	PanicCodeAssertFailed                  = 0x01
	PanicCodeArithmeticUnderOverflow       = 0x11
	PanicCodeDivideByZero                  = 0x12
	PanicCodeEnumTypeConversionOutOfBounds = 0x21
	PanicCodeIncorrectStorageAccess        = 0x22
	PanicCodePopEmptyArray                 = 0x31
	PanicCodeOutOfBoundsArrayAccess        = 0x32
	PanicCodeAllocateTooMuchMemory         = 0x41
	PanicCodeCallUninitializedVariable     = 0x51
)

// RevertKind classifies the return data of a reverted call.
type RevertKind string

const (
	RevertKindCustomError RevertKind = "customError"
	RevertKindErrorString RevertKind = "errorString"
	RevertKindPanic       RevertKind = "panic"
	RevertKindOpaque      RevertKind = "opaque"
	RevertKindEmpty       RevertKind = "empty"
)

// RevertReason is the decoded form of revert data.
type RevertReason struct {
	Kind    RevertKind    `json:"kind"`
	Message string        `json:"message"`
	Data    hexutil.Bytes `json:"data,omitempty"`
}

var (
	errorStringMethod = newSingleArgMethod("Error", "string")
	panicMethod       = newSingleArgMethod("Panic", "uint256")
)

// newSingleArgMethod builds the ABI definition of a built-in Solidity error.
func newSingleArgMethod(name string, argType string) abi.Method {
	t, _ := abi.NewType(argType, "", nil)
	return abi.NewMethod(name, name, abi.Function, "", false, false, []abi.Argument{{Type: t}}, abi.Arguments{})
}

// DecodeRevert classifies revert data as a custom error of the given ABI, an Error(string), a Panic(uint256), opaque
// data, or no data at all. contractAbi may be nil.
func DecodeRevert(contractAbi *abi.ABI, data []byte) RevertReason {
	reason := RevertReason{Data: data}
	if len(data) == 0 {
		reason.Kind = RevertKindEmpty
		reason.Message = "reverted without a reason"
		return reason
	}
	if message := GetSolidityRevertErrorString(data); message != nil {
		reason.Kind = RevertKindErrorString
		reason.Message = fmt.Sprintf("reverted with reason %q", *message)
		return reason
	}
	if code := GetSolidityPanicCode(data); code != nil {
		reason.Kind = RevertKindPanic
		reason.Message = fmt.Sprintf("reverted with panic code 0x%x (%s)", code, GetPanicReason(code.Uint64()))
		return reason
	}
	if customError, args := GetSolidityCustomRevertError(contractAbi, data); customError != nil {
		formatted := make([]string, len(args))
		for i, arg := range args {
			formatted[i] = fmt.Sprintf("%v", arg)
		}
		reason.Kind = RevertKindCustomError
		reason.Message = fmt.Sprintf("reverted with custom error %s(%s)", customError.Name, strings.Join(formatted, ", "))
		return reason
	}
	reason.Kind = RevertKindOpaque
	reason.Message = fmt.Sprintf("reverted with unrecognized data %s", hexutil.Encode(data))
	return reason
}

// GetSolidityPanicCode obtains a panic code from revert data, if it encodes a Panic(uint256). Otherwise nil is
// returned.
func GetSolidityPanicCode(returnData []byte) *big.Int {
	if len(returnData) != 4+32 || !bytes.Equal(returnData[:4], panicMethod.ID) {
		return nil
	}
	values, err := panicMethod.Inputs.Unpack(returnData[4:])
	if err != nil || len(values) == 0 {
		return nil
	}
	code, _ := values[0].(*big.Int)
	return code
}

// GetSolidityRevertErrorString obtains an error message from revert data, if it encodes an Error(string). Otherwise
// nil is returned.
func GetSolidityRevertErrorString(returnData []byte) *string {
	if len(returnData) <= 4 || !bytes.Equal(returnData[:4], errorStringMethod.ID) {
		return nil
	}
	values, err := errorStringMethod.Inputs.Unpack(returnData[4:])
	if err != nil || len(values) == 0 {
		return nil
	}
	message, ok := values[0].(string)
	if !ok {
		return nil
	}
	return &message
}

// GetSolidityCustomRevertError obtains a custom Solidity error returned, if one was and could be resolved.
// Returns the ABI error definition as well as its unpacked values, or nil outputs if the data does not match any error
// of the ABI.
func GetSolidityCustomRevertError(contractAbi *abi.ABI, returnData []byte) (*abi.Error, []any) {
	if contractAbi == nil || len(returnData) < 4 {
		return nil, nil
	}
	for _, abiError := range contractAbi.Errors {
		if !bytes.Equal(abiError.ID.Bytes()[:4], returnData[:4]) {
			continue
		}
		matched := abiError
		args, err := matched.Inputs.Unpack(returnData[4:])
		if err == nil {
			return &matched, args
		}
	}
	return nil, nil
}

// GetPanicReason will take in a panic code as an uint64 and will return the string reason behind that panic code.
func GetPanicReason(panicCode uint64) string {
	switch panicCode {
	case PanicCodeCompilerInserted:
		return "compiler inserted panic"
	case PanicCodeAssertFailed:
		return "assertion failed"
	case PanicCodeArithmeticUnderOverflow:
		return "arithmetic underflow or overflow"
	case PanicCodeDivideByZero:
		return "division by zero"
	case PanicCodeEnumTypeConversionOutOfBounds:
		return "enum access out of bounds"
	case PanicCodeIncorrectStorageAccess:
		return "incorrect storage access"
	case PanicCodePopEmptyArray:
		return "pop on empty array"
	case PanicCodeOutOfBoundsArrayAccess:
		return "out of bounds array access"
	case PanicCodeAllocateTooMuchMemory:
		return "overallocation of memory"
	case PanicCodeCallUninitializedVariable:
		return "call on uninitialized variable"
	default:
		return "unknown panic code"
	}
}

// EncodeErrorString returns the revert data of require(false, message). It is used by chain implementations which
// produce reverts themselves.
func EncodeErrorString(message string) []byte {
	packed, _ := errorStringMethod.Inputs.Pack(message)
	return append(append([]byte{}, errorStringMethod.ID...), packed...)
}

// EncodePanic returns the revert data of a Panic(uint256) with the given code.
func EncodePanic(code uint64) []byte {
	packed, _ := panicMethod.Inputs.Pack(new(big.Int).SetUint64(code))
	return append(append([]byte{}, panicMethod.ID...), packed...)
}
