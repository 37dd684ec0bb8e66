package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// DeterministicDeploymentProxy is the address of the CREATE2 deployment proxy deployed at the same address on most
// chains. Calling it with salt || initCode deploys initCode at CREATE2(proxy, salt, keccak256(initCode)) and returns
// the deployed address.
var DeterministicDeploymentProxy = common.HexToAddress("0x4e59b44847b379578588920cA78FbF26c0B4956C")

// BlockTag selects the state a query is evaluated against.
type BlockTag string

const (
	BlockTagLatest  BlockTag = "latest"
	BlockTagPending BlockTag = "pending"
)

// Client is the JSON-RPC boundary of the deployment engine. Implementations own their retry policy: every error
// returned here is final from the caller's point of view.
type Client interface {
	// ChainID returns the id of the chain the client is connected to.
	ChainID(ctx context.Context) (*big.Int, error)

	// Accounts returns the accounts the client can send transactions from.
	Accounts(ctx context.Context) ([]common.Address, error)

	// Call executes a read-only call against the latest state. A revert is reported as a *RevertError.
	Call(ctx context.Context, req CallRequest) ([]byte, error)

	// CallAtBlock executes a read-only call against the state at the end of the given block. A revert is reported as
	// a *RevertError. Nodes which pruned that state return an error.
	CallAtBlock(ctx context.Context, req CallRequest, blockNumber uint64) ([]byte, error)

	// EstimateGas estimates the gas a transaction needs. A revert is reported as a *RevertError.
	EstimateGas(ctx context.Context, req CallRequest) (uint64, error)

	// SendTransaction broadcasts a transaction and returns its hash.
	SendTransaction(ctx context.Context, tx TransactionRequest) (common.Hash, error)

	// GetTransactionCount returns the number of transactions sent from an address at the given block tag.
	GetTransactionCount(ctx context.Context, address common.Address, tag BlockTag) (uint64, error)

	// GetTransactionReceipt returns the receipt of a mined transaction, or nil if it was not mined.
	GetTransactionReceipt(ctx context.Context, hash common.Hash) (*Receipt, error)

	// GetTransaction returns a pending or mined transaction, or nil if the node does not know it.
	GetTransaction(ctx context.Context, hash common.Hash) (*TransactionInfo, error)

	// GetBlockNumber returns the number of the latest block.
	GetBlockNumber(ctx context.Context) (uint64, error)

	// GetNetworkFees returns the current fee market conditions.
	GetNetworkFees(ctx context.Context) (*NetworkFees, error)
}

// CallRequest describes a call or the payload of a transaction.
type CallRequest struct {
	From  common.Address
	To    *common.Address
	Data  []byte
	Value *big.Int
	Gas   uint64
}

// TransactionRequest describes a transaction to broadcast.
type TransactionRequest struct {
	CallRequest
	Nonce uint64
	Fees  Fees
}

// Fees describes the fee fields of a transaction: either the EIP-1559 pair or a legacy gas price.
type Fees struct {
	MaxFeePerGas         *big.Int `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *big.Int `json:"maxPriorityFeePerGas,omitempty"`
	GasPrice             *big.Int `json:"gasPrice,omitempty"`
}

// IsLegacy returns whether the fees use a legacy gas price.
func (f Fees) IsLegacy() bool {
	return f.GasPrice != nil
}

// MaxPrice returns the highest price per gas the transaction may pay.
func (f Fees) MaxPrice() *big.Int {
	if f.IsLegacy() {
		return f.GasPrice
	}
	return f.MaxFeePerGas
}

// String formats the fees for logs.
func (f Fees) String() string {
	if f.IsLegacy() {
		return fmt.Sprintf("gasPrice=%s", f.GasPrice)
	}
	return fmt.Sprintf("maxFeePerGas=%s maxPriorityFeePerGas=%s", f.MaxFeePerGas, f.MaxPriorityFeePerGas)
}

// NetworkFees describes the fee market of the chain. BaseFee is nil on chains without EIP-1559.
type NetworkFees struct {
	BaseFee              *big.Int
	MaxPriorityFeePerGas *big.Int
	GasPrice             *big.Int
}

// Log is an event emitted by a transaction.
type Log struct {
	Address common.Address `json:"address"`
	Topics  []common.Hash  `json:"topics"`
	Data    hexutil.Bytes  `json:"data"`
}

// Receipt describes the outcome of a mined transaction.
type Receipt struct {
	TransactionHash common.Hash     `json:"transactionHash"`
	BlockNumber     uint64          `json:"blockNumber"`
	BlockHash       common.Hash     `json:"blockHash"`
	Success         bool            `json:"success"`
	ContractAddress *common.Address `json:"contractAddress,omitempty"`
	GasUsed         uint64          `json:"gasUsed"`
	Logs            []Log           `json:"logs"`
}

// TransactionInfo describes a transaction known to the node.
type TransactionInfo struct {
	Hash  common.Hash
	From  common.Address
	Nonce uint64
	// BlockNumber is nil while the transaction is pending.
	BlockNumber *uint64
}

// RevertError is returned by Call, CallAtBlock and EstimateGas when execution reverts.
type RevertError struct {
	// Data is the revert data, possibly empty.
	Data []byte
	// Message is the message reported by the node, if any.
	Message string
}

// Error implements error.
func (e *RevertError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if len(e.Data) == 0 {
		return "execution reverted"
	}
	return fmt.Sprintf("execution reverted with data %s", hexutil.Encode(e.Data))
}

// AsRevertError returns the *RevertError wrapped in err, if any.
func AsRevertError(err error) (*RevertError, bool) {
	var revertErr *RevertError
	if errors.As(err, &revertErr) {
		return revertErr, true
	}
	return nil, false
}
