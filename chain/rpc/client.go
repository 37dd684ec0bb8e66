package rpc

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/crytic/keel/chain"
	"github.com/crytic/keel/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
)

// revertErrorCode is the JSON-RPC error code nodes use to report an execution revert.
const revertErrorCode = 3

// Client is a chain.Client talking JSON-RPC to an Ethereum node. Requests which fail at the transport level are retried
// with a linear backoff. Errors reported by the node itself are returned as-is.
type Client struct {
	client *rpc.Client

	// maxRetries is the number of attempts made for each request.
	maxRetries int

	// requestTimeout bounds each attempt.
	requestTimeout time.Duration

	// signer holds the key transactions are signed with locally. If nil, transactions are sent through
	// eth_sendTransaction and signed by the node.
	signer *ecdsa.PrivateKey

	// chainID is cached once fetched, as it is needed to sign transactions.
	chainID     *big.Int
	chainIDLock sync.Mutex

	logger *logging.Logger
}

// Options configures a Client.
type Options struct {
	// MaxRetries is the number of attempts made for each request. Values below one mean a single attempt.
	MaxRetries int
	// RequestTimeout bounds each attempt. Zero means no timeout beyond the caller's context.
	RequestTimeout time.Duration
	// PrivateKey is the hex-encoded key to sign transactions with. If empty, the node signs them.
	PrivateKey string
}

// Dial connects to the node at the given URL.
func Dial(ctx context.Context, url string, options Options) (*Client, error) {
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("could not connect to %s: %w", url, err)
	}
	c, err := NewClient(client, options)
	if err != nil {
		client.Close()
		return nil, err
	}
	return c, nil
}

// NewClient creates a Client over an existing JSON-RPC connection.
func NewClient(client *rpc.Client, options Options) (*Client, error) {
	c := &Client{
		client:         client,
		maxRetries:     max(options.MaxRetries, 1),
		requestTimeout: options.RequestTimeout,
		logger:         logging.GlobalLogger.NewSubLogger("module", logging.CHAIN_SERVICE),
	}
	if options.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(options.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		c.signer = key
	}
	return c, nil
}

// Close closes the underlying connection.
func (c *Client) Close() {
	c.client.Close()
}

// request performs a JSON-RPC call, retrying transport failures.
func (c *Client) request(ctx context.Context, result any, method string, args ...any) error {
	var err error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		err = c.attempt(ctx, result, method, args...)
		if err == nil || isNodeError(err) || ctx.Err() != nil {
			return err
		}
		c.logger.Debug("Request ", method, " failed, retrying", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 100 * time.Millisecond):
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", method, c.maxRetries, err)
}

// attempt performs a single JSON-RPC call bounded by the request timeout.
func (c *Client) attempt(ctx context.Context, result any, method string, args ...any) error {
	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}
	return c.client.CallContext(ctx, result, method, args...)
}

// isNodeError returns whether err is an error response from the node, as opposed to a transport failure.
func isNodeError(err error) bool {
	var rpcErr rpc.Error
	return errors.As(err, &rpcErr)
}

// toRevertError converts a node error reporting an execution revert into a *chain.RevertError.
func toRevertError(err error) error {
	var rpcErr rpc.Error
	if !errors.As(err, &rpcErr) {
		return err
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if data, ok := dataErr.ErrorData().(string); ok {
			if decoded, decodeErr := hexutil.Decode(data); decodeErr == nil {
				return &chain.RevertError{Data: decoded}
			}
		}
	}
	if rpcErr.ErrorCode() == revertErrorCode || strings.Contains(rpcErr.Error(), "execution reverted") {
		return &chain.RevertError{Message: rpcErr.Error()}
	}
	return err
}

// ChainID implements chain.Client.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.chainIDLock.Lock()
	defer c.chainIDLock.Unlock()
	if c.chainID != nil {
		return new(big.Int).Set(c.chainID), nil
	}
	var result hexutil.Big
	if err := c.request(ctx, &result, "eth_chainId"); err != nil {
		return nil, err
	}
	c.chainID = (*big.Int)(&result)
	return new(big.Int).Set(c.chainID), nil
}

// Accounts implements chain.Client. With a private key configured, its address is the only account.
func (c *Client) Accounts(ctx context.Context) ([]common.Address, error) {
	if c.signer != nil {
		return []common.Address{crypto.PubkeyToAddress(c.signer.PublicKey)}, nil
	}
	var result []common.Address
	if err := c.request(ctx, &result, "eth_accounts"); err != nil {
		return nil, err
	}
	return result, nil
}

// callArgs converts a call request into its JSON-RPC representation.
func callArgs(req chain.CallRequest) map[string]any {
	args := map[string]any{
		"from":  req.From,
		"input": hexutil.Bytes(req.Data),
	}
	if req.To != nil {
		args["to"] = req.To
	}
	if req.Value != nil {
		args["value"] = (*hexutil.Big)(req.Value)
	}
	if req.Gas != 0 {
		args["gas"] = hexutil.Uint64(req.Gas)
	}
	return args
}

// Call implements chain.Client.
func (c *Client) Call(ctx context.Context, req chain.CallRequest) ([]byte, error) {
	return c.call(ctx, req, string(chain.BlockTagLatest))
}

// CallAtBlock implements chain.Client.
func (c *Client) CallAtBlock(ctx context.Context, req chain.CallRequest, blockNumber uint64) ([]byte, error) {
	return c.call(ctx, req, hexutil.Uint64(blockNumber))
}

func (c *Client) call(ctx context.Context, req chain.CallRequest, block any) ([]byte, error) {
	var result hexutil.Bytes
	if err := c.request(ctx, &result, "eth_call", callArgs(req), block); err != nil {
		return nil, toRevertError(err)
	}
	return result, nil
}

// EstimateGas implements chain.Client.
func (c *Client) EstimateGas(ctx context.Context, req chain.CallRequest) (uint64, error) {
	var result hexutil.Uint64
	if err := c.request(ctx, &result, "eth_estimateGas", callArgs(req)); err != nil {
		return 0, toRevertError(err)
	}
	return uint64(result), nil
}

// SendTransaction implements chain.Client.
func (c *Client) SendTransaction(ctx context.Context, tx chain.TransactionRequest) (common.Hash, error) {
	if c.signer == nil {
		args := callArgs(tx.CallRequest)
		args["nonce"] = hexutil.Uint64(tx.Nonce)
		if tx.Fees.IsLegacy() {
			args["gasPrice"] = (*hexutil.Big)(tx.Fees.GasPrice)
		} else {
			args["maxFeePerGas"] = (*hexutil.Big)(tx.Fees.MaxFeePerGas)
			args["maxPriorityFeePerGas"] = (*hexutil.Big)(tx.Fees.MaxPriorityFeePerGas)
		}
		var hash common.Hash
		if err := c.request(ctx, &hash, "eth_sendTransaction", args); err != nil {
			return common.Hash{}, err
		}
		return hash, nil
	}

	chainID, err := c.ChainID(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	signed, err := types.SignTx(newTransaction(chainID, tx), types.LatestSignerForChainID(chainID), c.signer)
	if err != nil {
		return common.Hash{}, fmt.Errorf("could not sign transaction: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return common.Hash{}, err
	}
	var hash common.Hash
	if err = c.request(ctx, &hash, "eth_sendRawTransaction", hexutil.Bytes(raw)); err != nil {
		// A retry of a request whose response was lost reports the transaction as known
		if strings.Contains(err.Error(), "already known") {
			return signed.Hash(), nil
		}
		return common.Hash{}, err
	}
	return hash, nil
}

// newTransaction builds the unsigned transaction for a request.
func newTransaction(chainID *big.Int, tx chain.TransactionRequest) *types.Transaction {
	value := tx.Value
	if value == nil {
		value = new(big.Int)
	}
	if tx.Fees.IsLegacy() {
		return types.NewTx(&types.LegacyTx{
			Nonce:    tx.Nonce,
			GasPrice: tx.Fees.GasPrice,
			Gas:      tx.Gas,
			To:       tx.To,
			Value:    value,
			Data:     tx.Data,
		})
	}
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     tx.Nonce,
		GasTipCap: tx.Fees.MaxPriorityFeePerGas,
		GasFeeCap: tx.Fees.MaxFeePerGas,
		Gas:       tx.Gas,
		To:        tx.To,
		Value:     value,
		Data:      tx.Data,
	})
}

// GetTransactionCount implements chain.Client.
func (c *Client) GetTransactionCount(ctx context.Context, address common.Address, tag chain.BlockTag) (uint64, error) {
	var result hexutil.Uint64
	if err := c.request(ctx, &result, "eth_getTransactionCount", address, string(tag)); err != nil {
		return 0, err
	}
	return uint64(result), nil
}

// rpcReceipt is the JSON-RPC representation of a receipt.
type rpcReceipt struct {
	TransactionHash common.Hash     `json:"transactionHash"`
	BlockNumber     hexutil.Uint64  `json:"blockNumber"`
	BlockHash       common.Hash     `json:"blockHash"`
	Status          hexutil.Uint64  `json:"status"`
	ContractAddress *common.Address `json:"contractAddress"`
	GasUsed         hexutil.Uint64  `json:"gasUsed"`
	Logs            []chain.Log     `json:"logs"`
}

// GetTransactionReceipt implements chain.Client.
func (c *Client) GetTransactionReceipt(ctx context.Context, hash common.Hash) (*chain.Receipt, error) {
	var result *rpcReceipt
	if err := c.request(ctx, &result, "eth_getTransactionReceipt", hash); err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	logs := result.Logs
	if logs == nil {
		logs = []chain.Log{}
	}
	return &chain.Receipt{
		TransactionHash: result.TransactionHash,
		BlockNumber:     uint64(result.BlockNumber),
		BlockHash:       result.BlockHash,
		Success:         result.Status == 1,
		ContractAddress: result.ContractAddress,
		GasUsed:         uint64(result.GasUsed),
		Logs:            logs,
	}, nil
}

// rpcTransaction is the subset of the JSON-RPC representation of a transaction the engine needs.
type rpcTransaction struct {
	Hash        common.Hash     `json:"hash"`
	From        common.Address  `json:"from"`
	Nonce       hexutil.Uint64  `json:"nonce"`
	BlockNumber *hexutil.Uint64 `json:"blockNumber"`
}

// GetTransaction implements chain.Client.
func (c *Client) GetTransaction(ctx context.Context, hash common.Hash) (*chain.TransactionInfo, error) {
	var result *rpcTransaction
	if err := c.request(ctx, &result, "eth_getTransactionByHash", hash); err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	info := &chain.TransactionInfo{Hash: result.Hash, From: result.From, Nonce: uint64(result.Nonce)}
	if result.BlockNumber != nil {
		blockNumber := uint64(*result.BlockNumber)
		info.BlockNumber = &blockNumber
	}
	return info, nil
}

// GetBlockNumber implements chain.Client.
func (c *Client) GetBlockNumber(ctx context.Context) (uint64, error) {
	var result hexutil.Uint64
	if err := c.request(ctx, &result, "eth_blockNumber"); err != nil {
		return 0, err
	}
	return uint64(result), nil
}

// GetNetworkFees implements chain.Client. Nodes without eth_maxPriorityFeePerGas get a priority fee of 1 gwei.
func (c *Client) GetNetworkFees(ctx context.Context) (*chain.NetworkFees, error) {
	var block struct {
		BaseFee *hexutil.Big `json:"baseFeePerGas"`
	}
	if err := c.request(ctx, &block, "eth_getBlockByNumber", string(chain.BlockTagLatest), false); err != nil {
		return nil, err
	}
	var gasPrice hexutil.Big
	if err := c.request(ctx, &gasPrice, "eth_gasPrice"); err != nil {
		return nil, err
	}
	fees := &chain.NetworkFees{GasPrice: (*big.Int)(&gasPrice)}
	if block.BaseFee == nil {
		return fees, nil
	}
	fees.BaseFee = (*big.Int)(block.BaseFee)

	var tip hexutil.Big
	if err := c.request(ctx, &tip, "eth_maxPriorityFeePerGas"); err != nil {
		if !isNodeError(err) {
			return nil, err
		}
		fees.MaxPriorityFeePerGas = big.NewInt(1_000_000_000)
		return fees, nil
	}
	fees.MaxPriorityFeePerGas = (*big.Int)(&tip)
	return fees, nil
}

var _ chain.Client = (*Client)(nil)
