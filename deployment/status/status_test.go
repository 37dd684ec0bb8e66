package status

import (
	"bytes"
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/crytic/keel/chain"
	"github.com/crytic/keel/deployment/journal"
	"github.com/crytic/keel/deployment/state"
	"github.com/crytic/keel/deployment/store"
	"github.com/crytic/keel/logging/colors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	sender = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	foo    = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
)

func gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000))
}

// deploymentMessages records a deployment with a success of each kind, a failure and a timeout.
func deploymentMessages() []journal.Message {
	h1, h2, h3 := common.HexToHash("0x01"), common.HexToHash("0x02"), common.HexToHash("0x03")
	fees := func(maxFee int64) chain.Fees {
		return chain.Fees{MaxFeePerGas: gwei(maxFee), MaxPriorityFeePerGas: gwei(1)}
	}
	return []journal.Message{
		&journal.DeploymentInitialize{ChainID: 31337},
		&journal.RunStart{RunID: "run-1"},

		&journal.ExecutionStateInitialize{FutureID: "M#Foo", FutureType: "CONTRACT_DEPLOYMENT", Strategy: "basic",
			Identity: journal.Identity{ContractName: "Foo", Args: json.RawMessage(`["1"]`), From: &sender}},
		&journal.NetworkInteractionRequest{FutureID: "M#Foo", InteractionID: 1, InteractionType: journal.OnchainInteraction,
			From: sender, Data: hexutil.Bytes{0x60, 0x80}},
		&journal.TransactionPrepareSend{FutureID: "M#Foo", InteractionID: 1, Nonce: 0},
		&journal.TransactionSend{FutureID: "M#Foo", InteractionID: 1, Nonce: 0, Transaction: journal.Transaction{Hash: h1, Fees: fees(2)}},
		&journal.TransactionConfirm{FutureID: "M#Foo", InteractionID: 1, Hash: h1,
			Receipt: chain.Receipt{TransactionHash: h1, BlockNumber: 1, Success: true, ContractAddress: &foo, GasUsed: 100_000}},
		&journal.ExecutionSuccess{FutureID: "M#Foo", Result: journal.Result{Address: &foo, TransactionHash: &h1}},

		&journal.ExecutionStateInitialize{FutureID: "M#Foo.count", FutureType: "STATIC_CALL", Strategy: "basic",
			Identity: journal.Identity{ContractAddress: &foo, FunctionName: "count"}},
		&journal.ExecutionSuccess{FutureID: "M#Foo.count", Result: journal.Result{Value: json.RawMessage(`"1"`)}},

		&journal.ExecutionStateInitialize{FutureID: "M#Foo.inc", FutureType: "FUNCTION_CALL", Strategy: "basic",
			Identity: journal.Identity{ContractAddress: &foo, FunctionName: "inc", Args: json.RawMessage(`["7"]`), From: &sender}},
		&journal.NetworkInteractionRequest{FutureID: "M#Foo.inc", InteractionID: 1, InteractionType: journal.OnchainInteraction,
			From: sender, To: &foo, Data: hexutil.Bytes{0x01}},
		&journal.TransactionPrepareSend{FutureID: "M#Foo.inc", InteractionID: 1, Nonce: 1},
		&journal.TransactionSend{FutureID: "M#Foo.inc", InteractionID: 1, Nonce: 1, Transaction: journal.Transaction{Hash: h2, Fees: fees(2)}},
		&journal.OnchainInteractionBumpFees{FutureID: "M#Foo.inc", InteractionID: 1},
		&journal.TransactionSend{FutureID: "M#Foo.inc", InteractionID: 1, Nonce: 1, Transaction: journal.Transaction{Hash: h3, Fees: fees(3)}},
		&journal.OnchainInteractionTimeout{FutureID: "M#Foo.inc", InteractionID: 1},
		&journal.ExecutionTimeout{FutureID: "M#Foo.inc", Reason: "transaction was not confirmed after 1 fee bumps"},

		&journal.ExecutionStateInitialize{FutureID: "M#Bar", FutureType: "CONTRACT_DEPLOYMENT", Strategy: "basic",
			Identity: journal.Identity{ContractName: "Bar", Args: json.RawMessage(`[]`), From: &sender}},
		&journal.ExecutionFailed{FutureID: "M#Bar", Reason: "simulation failed: always fails"},
	}
}

// writeDeployment records messages in the journal of a deployment named local and returns its directory.
func writeDeployment(t *testing.T, messages []journal.Message) string {
	s := store.NewStore(t.TempDir())
	d, err := s.Open("local")
	require.NoError(t, err)
	for _, message := range messages {
		require.NoError(t, d.Journal.Record(message))
	}
	require.NoError(t, d.Close())
	return d.Dir
}

func TestLoad(t *testing.T) {
	report, err := Load(writeDeployment(t, deploymentMessages()))
	require.NoError(t, err)

	assert.Equal(t, "local", report.DeploymentID)
	assert.EqualValues(t, 31337, report.ChainID)
	assert.Equal(t, 1, report.RunCount)
	require.Len(t, report.Futures, 4)
	assert.Equal(t, map[state.ExecutionStatus]int{state.Success: 2, state.Failed: 1, state.Timeout: 1}, report.Counts())

	deployment := report.Future("M#Foo")
	require.NotNil(t, deployment)
	assert.Equal(t, "Foo", deployment.ContractName)
	assert.Equal(t, foo, *deployment.Result.Address)
	require.Len(t, deployment.Transactions, 1)
	assert.Equal(t, sender, deployment.Transactions[0].From)
	assert.NotNil(t, deployment.Transactions[0].Receipt)

	call := report.Future("M#Foo.inc")
	require.NotNil(t, call)
	assert.Equal(t, state.Timeout, call.Status)
	require.Len(t, call.Transactions, 2)
	assert.EqualValues(t, 1, call.Transactions[1].Nonce)
	assert.Nil(t, call.Transactions[1].Receipt)

	assert.Nil(t, report.Future("M#Baz"))
	assert.Equal(t, "200000000000000", report.TotalFees().String())
}

func TestLoadDroppedTransactions(t *testing.T) {
	dropped, resent := common.HexToHash("0xaa"), common.HexToHash("0xbb")
	fees := chain.Fees{MaxFeePerGas: gwei(2), MaxPriorityFeePerGas: gwei(1)}
	messages := append(deploymentMessages()[:2],
		&journal.ExecutionStateInitialize{FutureID: "M#Foo", FutureType: "CONTRACT_DEPLOYMENT", Strategy: "basic",
			Identity: journal.Identity{ContractName: "Foo", Args: json.RawMessage(`["1"]`), From: &sender}},
		&journal.NetworkInteractionRequest{FutureID: "M#Foo", InteractionID: 1, InteractionType: journal.OnchainInteraction,
			From: sender, Data: hexutil.Bytes{0x60, 0x80}},
		&journal.TransactionPrepareSend{FutureID: "M#Foo", InteractionID: 1, Nonce: 0},
		&journal.TransactionSend{FutureID: "M#Foo", InteractionID: 1, Nonce: 0, Transaction: journal.Transaction{Hash: dropped, Fees: fees}},
		&journal.OnchainInteractionDropped{FutureID: "M#Foo", InteractionID: 1},
		&journal.RunStart{RunID: "run-2"},
		&journal.TransactionPrepareSend{FutureID: "M#Foo", InteractionID: 1, Nonce: 1},
		&journal.TransactionSend{FutureID: "M#Foo", InteractionID: 1, Nonce: 1, Transaction: journal.Transaction{Hash: resent, Fees: fees}},
	)

	report, err := Load(writeDeployment(t, messages))
	require.NoError(t, err)
	deployment := report.Future("M#Foo")
	require.NotNil(t, deployment)
	require.Len(t, deployment.Transactions, 2)
	assert.Equal(t, dropped, deployment.Transactions[0].Hash)
	assert.True(t, deployment.Transactions[0].Dropped)
	assert.EqualValues(t, 0, deployment.Transactions[0].Nonce)
	assert.Equal(t, resent, deployment.Transactions[1].Hash)
	assert.False(t, deployment.Transactions[1].Dropped)
	assert.EqualValues(t, 1, deployment.Transactions[1].Nonce)

	enabled := colors.Enabled()
	colors.DisableColor()
	t.Cleanup(func() {
		if enabled {
			colors.EnableColor()
		}
	})
	var out bytes.Buffer
	require.NoError(t, report.Render(&out))
	assert.Contains(t, out.String(), dropped.Hex()+" nonce 0 at 2 gwei, dropped")
	assert.Contains(t, out.String(), resent.Hex()+" nonce 1 at 2 gwei, pending")
}

func TestLoadMissingDeployment(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nothing"))
	assert.ErrorContains(t, err, "no deployment journal found")
}

func TestLoadSkipsTornRecord(t *testing.T) {
	dir := writeDeployment(t, deploymentMessages()[:2])
	f, err := os.OpenFile(filepath.Join(dir, store.JournalFileName), os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"type":"EXECUTION_STATE_INITIALIZE","futureId":"M#F`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	report, err := Load(dir)
	require.NoError(t, err)
	assert.Empty(t, report.Futures)
	assert.Equal(t, 1, report.RunCount)
}

func TestIdentityDigest(t *testing.T) {
	a, err := IdentityDigest(journal.Identity{ContractName: "Foo", Args: json.RawMessage(`["1"]`)})
	require.NoError(t, err)
	b, err := IdentityDigest(journal.Identity{ContractName: "Foo", Args: json.RawMessage(`["1"]`)})
	require.NoError(t, err)
	c, err := IdentityDigest(journal.Identity{ContractName: "Foo", Args: json.RawMessage(`["2"]`)})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	// keccak256 of "{}"
	empty, err := IdentityDigest(journal.Identity{})
	require.NoError(t, err)
	assert.Equal(t, "0xb48d38f93eaa084033fc5970bf96e559c33c4cdc07d889ab00b4d63f9590739d", empty.Hex())
}

func TestFormatAmounts(t *testing.T) {
	assert.Equal(t, "1.5", FormatGwei(big.NewInt(1_500_000_000)))
	assert.Equal(t, "0", FormatGwei(big.NewInt(0)))
	assert.Equal(t, "?", FormatGwei(nil))
	assert.Equal(t, "0.0002", FormatEther(big.NewInt(200_000_000_000_000)))
}

func TestRender(t *testing.T) {
	enabled := colors.Enabled()
	colors.DisableColor()
	t.Cleanup(func() {
		if enabled {
			colors.EnableColor()
		}
	})

	report, err := Load(writeDeployment(t, deploymentMessages()))
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, report.Render(&out))

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "status", out.Bytes())
}
