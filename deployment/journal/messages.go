package journal

import (
	"encoding/json"
	"fmt"

	"github.com/crytic/keel/chain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// MessageType identifies the kind of a journal Message.
type MessageType string

const (
	DeploymentInitializeType       MessageType = "DEPLOYMENT_INITIALIZE"
	RunStartType                   MessageType = "RUN_START"
	ExecutionStateInitializeType   MessageType = "EXECUTION_STATE_INITIALIZE"
	NetworkInteractionRequestType  MessageType = "NETWORK_INTERACTION_REQUEST"
	TransactionPrepareSendType     MessageType = "TRANSACTION_PREPARE_SEND"
	TransactionSendType            MessageType = "TRANSACTION_SEND"
	TransactionConfirmType         MessageType = "TRANSACTION_CONFIRM"
	StaticCallCompleteType         MessageType = "STATIC_CALL_COMPLETE"
	OnchainInteractionBumpFeesType MessageType = "ONCHAIN_INTERACTION_BUMP_FEES"
	OnchainInteractionDroppedType  MessageType = "ONCHAIN_INTERACTION_DROPPED"
	OnchainInteractionTimeoutType  MessageType = "ONCHAIN_INTERACTION_TIMEOUT"
	ExecutionSuccessType           MessageType = "EXECUTION_SUCCESS"
	ExecutionFailedType            MessageType = "EXECUTION_FAILED"
	ExecutionTimeoutType           MessageType = "EXECUTION_TIMEOUT"
	ExecutionHeldType              MessageType = "EXECUTION_HELD"
	WipeExecutionStateType         MessageType = "WIPE_EXECUTION_STATE"
)

// Message is a single journal record. The set of implementations is closed.
type Message interface {
	Type() MessageType
}

// FutureMessage is a Message concerning a single future.
type FutureMessage interface {
	Message
	Future() string
}

// InteractionType distinguishes transactions from static calls.
type InteractionType string

const (
	OnchainInteraction InteractionType = "ONCHAIN_INTERACTION"
	StaticCall         InteractionType = "STATIC_CALL"
)

// Identity holds the fields of a future which must not change once it started. Which fields are set depends on the
// type of the future.
type Identity struct {
	ContractName string `json:"contractName,omitempty"`
	// BytecodeHash is the hash of the unlinked creation bytecode, ignoring its metadata.
	BytecodeHash *common.Hash `json:"bytecodeHash,omitempty"`
	// Args is the canonical JSON encoding of the resolved arguments.
	Args      json.RawMessage           `json:"args,omitempty"`
	Libraries map[string]common.Address `json:"libraries,omitempty"`
	// Value is the amount of wei sent, in decimal.
	Value           string          `json:"value,omitempty"`
	From            *common.Address `json:"from,omitempty"`
	ContractAddress *common.Address `json:"contractAddress,omitempty"`
	To              *common.Address `json:"to,omitempty"`
	FunctionName    string          `json:"functionName,omitempty"`
	EventName       string          `json:"eventName,omitempty"`
	NameOrIndex     string          `json:"nameOrIndex,omitempty"`
	EventIndex      int             `json:"eventIndex,omitempty"`
	Emitter         string          `json:"emitter,omitempty"`
	Data            hexutil.Bytes   `json:"data,omitempty"`
}

// Result is the outcome of a successful future.
type Result struct {
	// Address is set for deployments and ContractAt futures.
	Address *common.Address `json:"address,omitempty"`
	// Value is the canonical JSON encoding of the value read by a StaticCall or ReadEventArgument.
	Value json.RawMessage `json:"value,omitempty"`
	// Data is the calldata produced by an EncodeFunctionCall.
	Data hexutil.Bytes `json:"data,omitempty"`
	// TransactionHash is the confirmed transaction, for futures that send one.
	TransactionHash *common.Hash `json:"transactionHash,omitempty"`
}

// Transaction is one broadcast attempt of an onchain interaction.
type Transaction struct {
	Hash common.Hash `json:"hash"`
	Fees chain.Fees  `json:"fees"`
}

type DeploymentInitialize struct {
	ChainID uint64 `json:"chainId"`
}

type RunStart struct {
	RunID string `json:"runId"`
}

type ExecutionStateInitialize struct {
	FutureID     string   `json:"futureId"`
	FutureType   string   `json:"futureType"`
	Strategy     string   `json:"strategy"`
	Dependencies []string `json:"dependencies"`
	Identity     Identity `json:"identity"`
}

type NetworkInteractionRequest struct {
	FutureID        string          `json:"futureId"`
	InteractionID   int             `json:"interactionId"`
	InteractionType InteractionType `json:"interactionType"`
	From            common.Address  `json:"from"`
	To              *common.Address `json:"to,omitempty"`
	Data            hexutil.Bytes   `json:"data"`
	Value           *hexutil.Big    `json:"value,omitempty"`
}

type TransactionPrepareSend struct {
	FutureID      string `json:"futureId"`
	InteractionID int    `json:"interactionId"`
	Nonce         uint64 `json:"nonce"`
}

type TransactionSend struct {
	FutureID      string      `json:"futureId"`
	InteractionID int         `json:"interactionId"`
	Nonce         uint64      `json:"nonce"`
	Transaction   Transaction `json:"transaction"`
}

type TransactionConfirm struct {
	FutureID      string        `json:"futureId"`
	InteractionID int           `json:"interactionId"`
	Hash          common.Hash   `json:"hash"`
	Receipt       chain.Receipt `json:"receipt"`
}

type StaticCallComplete struct {
	FutureID      string        `json:"futureId"`
	InteractionID int           `json:"interactionId"`
	Success       bool          `json:"success"`
	ReturnData    hexutil.Bytes `json:"returnData"`
}

type OnchainInteractionBumpFees struct {
	FutureID      string `json:"futureId"`
	InteractionID int    `json:"interactionId"`
}

type OnchainInteractionDropped struct {
	FutureID      string `json:"futureId"`
	InteractionID int    `json:"interactionId"`
}

type OnchainInteractionTimeout struct {
	FutureID      string `json:"futureId"`
	InteractionID int    `json:"interactionId"`
}

type ExecutionSuccess struct {
	FutureID string `json:"futureId"`
	Result   Result `json:"result"`
}

type ExecutionFailed struct {
	FutureID string `json:"futureId"`
	Reason   string `json:"reason"`
}

type ExecutionTimeout struct {
	FutureID string `json:"futureId"`
	Reason   string `json:"reason"`
}

type ExecutionHeld struct {
	FutureID string `json:"futureId"`
	Reason   string `json:"reason"`
}

type WipeExecutionState struct {
	FutureID string `json:"futureId"`
}

func (*DeploymentInitialize) Type() MessageType       { return DeploymentInitializeType }
func (*RunStart) Type() MessageType                   { return RunStartType }
func (*ExecutionStateInitialize) Type() MessageType   { return ExecutionStateInitializeType }
func (*NetworkInteractionRequest) Type() MessageType  { return NetworkInteractionRequestType }
func (*TransactionPrepareSend) Type() MessageType     { return TransactionPrepareSendType }
func (*TransactionSend) Type() MessageType            { return TransactionSendType }
func (*TransactionConfirm) Type() MessageType         { return TransactionConfirmType }
func (*StaticCallComplete) Type() MessageType         { return StaticCallCompleteType }
func (*OnchainInteractionBumpFees) Type() MessageType { return OnchainInteractionBumpFeesType }
func (*OnchainInteractionDropped) Type() MessageType  { return OnchainInteractionDroppedType }
func (*OnchainInteractionTimeout) Type() MessageType  { return OnchainInteractionTimeoutType }
func (*ExecutionSuccess) Type() MessageType           { return ExecutionSuccessType }
func (*ExecutionFailed) Type() MessageType            { return ExecutionFailedType }
func (*ExecutionTimeout) Type() MessageType           { return ExecutionTimeoutType }
func (*ExecutionHeld) Type() MessageType              { return ExecutionHeldType }
func (*WipeExecutionState) Type() MessageType         { return WipeExecutionStateType }

func (m *ExecutionStateInitialize) Future() string   { return m.FutureID }
func (m *NetworkInteractionRequest) Future() string  { return m.FutureID }
func (m *TransactionPrepareSend) Future() string     { return m.FutureID }
func (m *TransactionSend) Future() string            { return m.FutureID }
func (m *TransactionConfirm) Future() string         { return m.FutureID }
func (m *StaticCallComplete) Future() string         { return m.FutureID }
func (m *OnchainInteractionBumpFees) Future() string { return m.FutureID }
func (m *OnchainInteractionDropped) Future() string  { return m.FutureID }
func (m *OnchainInteractionTimeout) Future() string  { return m.FutureID }
func (m *ExecutionSuccess) Future() string           { return m.FutureID }
func (m *ExecutionFailed) Future() string            { return m.FutureID }
func (m *ExecutionTimeout) Future() string           { return m.FutureID }
func (m *ExecutionHeld) Future() string              { return m.FutureID }
func (m *WipeExecutionState) Future() string         { return m.FutureID }

// newMessage returns an empty message of the given type, ready to be decoded into.
func newMessage(messageType MessageType) (Message, error) {
	switch messageType {
	case DeploymentInitializeType:
		return &DeploymentInitialize{}, nil
	case RunStartType:
		return &RunStart{}, nil
	case ExecutionStateInitializeType:
		return &ExecutionStateInitialize{}, nil
	case NetworkInteractionRequestType:
		return &NetworkInteractionRequest{}, nil
	case TransactionPrepareSendType:
		return &TransactionPrepareSend{}, nil
	case TransactionSendType:
		return &TransactionSend{}, nil
	case TransactionConfirmType:
		return &TransactionConfirm{}, nil
	case StaticCallCompleteType:
		return &StaticCallComplete{}, nil
	case OnchainInteractionBumpFeesType:
		return &OnchainInteractionBumpFees{}, nil
	case OnchainInteractionDroppedType:
		return &OnchainInteractionDropped{}, nil
	case OnchainInteractionTimeoutType:
		return &OnchainInteractionTimeout{}, nil
	case ExecutionSuccessType:
		return &ExecutionSuccess{}, nil
	case ExecutionFailedType:
		return &ExecutionFailed{}, nil
	case ExecutionTimeoutType:
		return &ExecutionTimeout{}, nil
	case ExecutionHeldType:
		return &ExecutionHeld{}, nil
	case WipeExecutionStateType:
		return &WipeExecutionState{}, nil
	default:
		return nil, fmt.Errorf("unknown journal message type %q", messageType)
	}
}

// envelope is the serialized form of a Message.
type envelope struct {
	Type    MessageType     `json:"type"`
	Message json.RawMessage `json:"message"`
}

// Marshal encodes a message within its type envelope.
func Marshal(message Message) ([]byte, error) {
	body, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: message.Type(), Message: body})
}

// Unmarshal decodes a message from its type envelope.
func Unmarshal(data []byte) (Message, error) {
	var e envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	message, err := newMessage(e.Type)
	if err != nil {
		return nil, err
	}
	if err = json.Unmarshal(e.Message, message); err != nil {
		return nil, fmt.Errorf("invalid %s message: %w", e.Type, err)
	}
	return message, nil
}
