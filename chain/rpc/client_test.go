package rpc

import (
	"context"
	"math/big"
	"testing"

	"github.com/crytic/keel/artifacts/abiutils"
	"github.com/crytic/keel/chain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testKey is the well-known first Hardhat account key.
const testKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

// revertError mimics the error a node returns for a reverted call.
type revertError struct {
	data string
}

func (e *revertError) Error() string  { return "execution reverted" }
func (e *revertError) ErrorCode() int { return revertErrorCode }
func (e *revertError) ErrorData() any { return e.data }

// fakeEth serves the eth namespace of a legacy chain.
type fakeEth struct {
	raw []*types.Transaction
	// callBlocks records the block argument of every eth_call.
	callBlocks []string
}

func (s *fakeEth) ChainId() *hexutil.Big {
	return (*hexutil.Big)(big.NewInt(1337))
}

func (s *fakeEth) Accounts() []common.Address {
	return []common.Address{common.HexToAddress("0x01")}
}

func (s *fakeEth) Call(args map[string]any, block string) (hexutil.Bytes, error) {
	s.callBlocks = append(s.callBlocks, block)
	return nil, &revertError{data: hexutil.Encode(abiutils.EncodeErrorString("nope"))}
}

func (s *fakeEth) SendRawTransaction(raw hexutil.Bytes) (common.Hash, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return common.Hash{}, err
	}
	s.raw = append(s.raw, tx)
	return tx.Hash(), nil
}

func (s *fakeEth) GetTransactionReceipt(hash common.Hash) (map[string]any, error) {
	return nil, nil
}

func (s *fakeEth) GetBlockByNumber(tag string, full bool) map[string]any {
	return map[string]any{"number": "0x1"}
}

func (s *fakeEth) GasPrice() *hexutil.Big {
	return (*hexutil.Big)(big.NewInt(7))
}

// newTestClient serves a fakeEth in-process and connects a Client to it.
func newTestClient(t *testing.T, options Options) (*Client, *fakeEth) {
	service := &fakeEth{}
	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("eth", service))
	t.Cleanup(server.Stop)

	client, err := NewClient(rpc.DialInProc(server), options)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client, service
}

// TestQueries verifies the plain queries of the client.
func TestQueries(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t, Options{MaxRetries: 2})

	chainID, err := client.ChainID(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1337, chainID.Int64())

	accounts, err := client.Accounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{common.HexToAddress("0x01")}, accounts)

	receipt, err := client.GetTransactionReceipt(ctx, common.Hash{})
	require.NoError(t, err)
	assert.Nil(t, receipt)

	fees, err := client.GetNetworkFees(ctx)
	require.NoError(t, err)
	assert.Nil(t, fees.BaseFee)
	assert.EqualValues(t, 7, fees.GasPrice.Int64())
}

// TestCallRevert verifies that revert data reported by the node surfaces as a *chain.RevertError.
func TestCallRevert(t *testing.T) {
	client, _ := newTestClient(t, Options{})
	to := common.HexToAddress("0x02")
	_, err := client.Call(context.Background(), chain.CallRequest{To: &to})

	revertErr, ok := chain.AsRevertError(err)
	require.True(t, ok, "unexpected error %v", err)
	assert.Equal(t, `reverted with reason "nope"`, abiutils.DecodeRevert(nil, revertErr.Data).Message)
}

// TestCallAtBlock verifies that calls pinned to a block pass its number to the node.
func TestCallAtBlock(t *testing.T) {
	client, service := newTestClient(t, Options{})
	to := common.HexToAddress("0x02")
	_, err := client.Call(context.Background(), chain.CallRequest{To: &to})
	require.Error(t, err)
	_, err = client.CallAtBlock(context.Background(), chain.CallRequest{To: &to}, 26)
	_, ok := chain.AsRevertError(err)
	require.True(t, ok, "unexpected error %v", err)

	assert.Equal(t, []string{"latest", "0x1a"}, service.callBlocks)
}

// TestSendSignedTransaction verifies that transactions are signed locally when a private key is configured.
func TestSendSignedTransaction(t *testing.T) {
	ctx := context.Background()
	client, service := newTestClient(t, Options{PrivateKey: testKey})

	accounts, err := client.Accounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1)

	hash, err := client.SendTransaction(ctx, chain.TransactionRequest{
		CallRequest: chain.CallRequest{From: accounts[0], To: &accounts[0], Gas: 21_000},
		Nonce:       4,
		Fees:        chain.Fees{GasPrice: big.NewInt(7)},
	})
	require.NoError(t, err)
	require.Len(t, service.raw, 1)

	tx := service.raw[0]
	assert.Equal(t, hash, tx.Hash())
	assert.EqualValues(t, 4, tx.Nonce())
	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(1337)), tx)
	require.NoError(t, err)
	assert.Equal(t, accounts[0], sender)

	key, err := crypto.HexToECDSA(testKey[2:])
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), sender)
}
