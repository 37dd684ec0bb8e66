package interaction

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/crytic/keel/artifacts/abiutils"
	"github.com/crytic/keel/chain"
	"github.com/crytic/keel/chain/testchain"
	"github.com/crytic/keel/deployment/journal"
	"github.com/crytic/keel/deployment/nonce"
	"github.com/crytic/keel/deployment/state"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testRecorder journals messages in memory and keeps the reduced state.
type testRecorder struct {
	journal *journal.MemoryJournal
	state   *state.DeploymentState
	lock    sync.Mutex
}

func newTestRecorder() *testRecorder {
	return &testRecorder{journal: journal.NewMemoryJournal(), state: state.New()}
}

func (r *testRecorder) Record(message journal.Message) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	next, err := state.Reduce(r.state, message)
	if err != nil {
		return err
	}
	r.state = next
	return r.journal.Record(message)
}

// count returns the number of recorded messages of a type.
func (r *testRecorder) count(messageType journal.MessageType) int {
	count := 0
	for _, message := range r.journal.Messages() {
		if message.Type() == messageType {
			count++
		}
	}
	return count
}

// driverFixture bundles a test chain, a deployed Target contract and a driver over a simulated clock.
type driverFixture struct {
	chain    *testchain.TestChain
	clock    *SimulatedClock
	recorder *testRecorder
	nonces   *nonce.Manager
	driver   *Driver
	events   *Events
	sender   common.Address
	target   common.Address
	abiData  func(method string) []byte
}

const targetAbi = `[
	{"type":"function","name":"doesNotFail","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"type":"function","name":"fails","stateMutability":"nonpayable","inputs":[],"outputs":[]}
]`

// testConfig returns a driver configuration with short, round durations.
func testConfig() Config {
	return Config{
		RequiredConfirmations:         1,
		PollingInterval:               time.Second,
		TimeBeforeBumpingFees:         10 * time.Second,
		MaxFeeBumps:                   2,
		DroppedTransactionGracePeriod: 5 * time.Second,
		Fees:                          FeeConfig{BumpPercentage: 10},
	}
}

func newDriverFixture(t *testing.T, config Config) *driverFixture {
	ctx := context.Background()
	testChain := testchain.NewTestChain(testchain.DefaultTestChainConfig())
	target := testchain.NewArtifact("Target", targetAbi)
	testChain.RegisterContract(target, testchain.ContractBehavior{Methods: map[string]testchain.MethodHandler{
		"doesNotFail": func(call *testchain.CallContext, args []any) ([]any, error) { return nil, nil },
		"fails": func(call *testchain.CallContext, args []any) ([]any, error) {
			return nil, testchain.Revert("fails")
		},
	}})
	accounts, err := testChain.Accounts(ctx)
	require.NoError(t, err)

	// The target is deployed by another account so the sender starts at nonce 0
	linked, err := target.Link(nil)
	require.NoError(t, err)
	_, err = testChain.SendTransaction(ctx, chain.TransactionRequest{
		CallRequest: chain.CallRequest{From: accounts[4], Data: linked},
		Fees:        chain.Fees{GasPrice: big.NewInt(10_000_000_000)},
	})
	require.NoError(t, err)

	f := &driverFixture{
		chain:    testChain,
		clock:    NewSimulatedClock(time.Unix(0, 0)),
		recorder: newTestRecorder(),
		nonces:   nonce.NewManager(testChain),
		events:   &Events{},
		sender:   accounts[0],
		target:   crypto.CreateAddress(accounts[4], 0),
		abiData: func(method string) []byte {
			data, err := target.Abi.Pack(method)
			require.NoError(t, err)
			return data
		},
	}
	f.driver = NewDriver(testChain, f.nonces, f.clock, f.recorder, config, f.events)
	return f
}

// request records a started future with one onchain interaction calling the given method, and returns it.
func (f *driverFixture) request(t *testing.T, futureID string, method string) *state.NetworkInteraction {
	require.NoError(t, f.recorder.Record(&journal.ExecutionStateInitialize{FutureID: futureID, FutureType: "FUNCTION_CALL"}))
	require.NoError(t, f.recorder.Record(&journal.NetworkInteractionRequest{
		FutureID:        futureID,
		InteractionID:   1,
		InteractionType: journal.OnchainInteraction,
		From:            f.sender,
		To:              &f.target,
		Data:            f.abiData(method),
	}))
	return f.recorder.state.Get(futureID).LastInteraction()
}

// TestConfirmedInteraction verifies the happy path: one transaction, confirmed and recorded.
func TestConfirmedInteraction(t *testing.T) {
	f := newDriverFixture(t, testConfig())
	var sent []TransactionSentEvent
	f.events.TransactionSent.Subscribe(func(event TransactionSentEvent) error {
		sent = append(sent, event)
		return nil
	})

	outcome, err := f.driver.RunOnchain(context.Background(), "M#call", f.request(t, "M#call", "doesNotFail"))
	require.NoError(t, err)
	require.Equal(t, OutcomeConfirmed, outcome.Kind)
	assert.True(t, outcome.Receipt.Success)

	interaction := f.recorder.state.Get("M#call").LastInteraction()
	assert.Equal(t, ConfirmedSuccess, StatusOf(interaction))
	assert.EqualValues(t, 0, *interaction.Nonce)
	require.Len(t, sent, 1)
	assert.Equal(t, interaction.Transactions[0].Hash, sent[0].Hash)
	assert.Equal(t, 1, f.recorder.count(journal.TransactionPrepareSendType))
}

// TestSimulationRevert verifies that a reverting simulation sends nothing and releases its nonce.
func TestSimulationRevert(t *testing.T) {
	ctx := context.Background()
	f := newDriverFixture(t, testConfig())

	outcome, err := f.driver.RunOnchain(ctx, "M#fails", f.request(t, "M#fails", "fails"))
	require.NoError(t, err)
	require.Equal(t, OutcomeSimulationFailed, outcome.Kind)
	assert.Equal(t, `reverted with reason "fails"`, abiutils.DecodeRevert(nil, outcome.RevertData).Message)
	assert.Len(t, f.chain.SentTransactions(), 1)
	assert.Equal(t, 0, f.recorder.count(journal.TransactionPrepareSendType))

	outcome, err = f.driver.RunOnchain(ctx, "M#ok", f.request(t, "M#ok", "doesNotFail"))
	require.NoError(t, err)
	require.Equal(t, OutcomeConfirmed, outcome.Kind)
	assert.EqualValues(t, 0, *f.recorder.state.Get("M#ok").LastInteraction().Nonce)
}

// TestFeeBumpsThenTimeout verifies that a transaction which is never mined is replaced exactly MaxFeeBumps times with
// rising fees, then times out.
func TestFeeBumpsThenTimeout(t *testing.T) {
	f := newDriverFixture(t, testConfig())
	f.chain.SetMinimumPrice(gwei(1_000))
	var bumps []FeesBumpedEvent
	f.events.FeesBumped.Subscribe(func(event FeesBumpedEvent) error {
		bumps = append(bumps, event)
		return nil
	})

	outcome, err := f.driver.RunOnchain(context.Background(), "M#call", f.request(t, "M#call", "doesNotFail"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimeout, outcome.Kind)

	sent := f.chain.SentTransactions()[1:]
	require.Len(t, sent, 3)
	for i := 1; i < len(sent); i++ {
		assert.Equal(t, sent[0].Nonce, sent[i].Nonce)
		assert.Equal(t, 1, sent[i].Fees.MaxFeePerGas.Cmp(sent[i-1].Fees.MaxFeePerGas))
	}
	require.Len(t, bumps, 2)
	assert.Equal(t, 2, bumps[1].Bump)
	assert.Equal(t, 2, f.recorder.count(journal.OnchainInteractionBumpFeesType))
	assert.Equal(t, 1, f.recorder.count(journal.OnchainInteractionTimeoutType))
	assert.Equal(t, TimedOut, StatusOf(f.recorder.state.Get("M#call").LastInteraction()))
}

// TestRejectedReplacements verifies that replacements rejected by the node do not count against MaxFeeBumps, are
// retried from the rejected fees, and time the interaction out once MaxFeeBumps of them are rejected in a row.
func TestRejectedReplacements(t *testing.T) {
	t.Run("retried", func(t *testing.T) {
		// A 5% bump is below the 10% the node requires, so every other replacement is rejected
		config := testConfig()
		config.Fees.BumpPercentage = 5
		f := newDriverFixture(t, config)
		f.chain.SetMinimumPrice(gwei(1_000))
		var bumps []FeesBumpedEvent
		f.events.FeesBumped.Subscribe(func(event FeesBumpedEvent) error {
			bumps = append(bumps, event)
			return nil
		})

		outcome, err := f.driver.RunOnchain(context.Background(), "M#call", f.request(t, "M#call", "doesNotFail"))
		require.NoError(t, err)
		assert.Equal(t, OutcomeTimeout, outcome.Kind)
		assert.Equal(t, "not mined after 2 fee bumps", outcome.Reason)

		// 3 gwei, then 3.3075 gwei after a rejected 3.15, then 3.6465 gwei after a rejected 3.472875
		sent := f.chain.SentTransactions()[1:]
		require.Len(t, sent, 3)
		assert.Equal(t, "3000000000", sent[0].Fees.MaxFeePerGas.String())
		assert.Equal(t, "3307500000", sent[1].Fees.MaxFeePerGas.String())
		assert.Equal(t, "3646518750", sent[2].Fees.MaxFeePerGas.String())
		require.Len(t, bumps, 2)
		assert.Equal(t, 1, bumps[0].Bump)
		assert.Equal(t, 2, bumps[1].Bump)
		assert.Equal(t, sent[0].Fees, bumps[0].PreviousFees)

		assert.Equal(t, 4, f.recorder.count(journal.OnchainInteractionBumpFeesType))
		assert.Equal(t, 3, f.recorder.count(journal.TransactionSendType))
		interaction := f.recorder.state.Get("M#call").LastInteraction()
		assert.Len(t, interaction.Transactions, 3)
		assert.Equal(t, 4, interaction.Bumps)
	})

	t.Run("rejected in a row", func(t *testing.T) {
		config := testConfig()
		config.Fees.BumpPercentage = 1
		f := newDriverFixture(t, config)
		f.chain.SetMinimumPrice(gwei(1_000))

		outcome, err := f.driver.RunOnchain(context.Background(), "M#call", f.request(t, "M#call", "doesNotFail"))
		require.NoError(t, err)
		assert.Equal(t, OutcomeTimeout, outcome.Kind)
		assert.Equal(t, "2 replacements in a row were rejected", outcome.Reason)
		assert.Len(t, f.chain.SentTransactions(), 2)
		assert.Equal(t, 2, f.recorder.count(journal.OnchainInteractionBumpFeesType))
		assert.Equal(t, TimedOut, StatusOf(f.recorder.state.Get("M#call").LastInteraction()))
	})
}

// TestFeeBumpGetsMined verifies that a bumped transaction paying enough is confirmed.
func TestFeeBumpGetsMined(t *testing.T) {
	f := newDriverFixture(t, testConfig())
	// The first transaction offers 3 gwei, the first bump 3.3 gwei
	f.chain.SetMinimumPrice(big.NewInt(3_200_000_000))

	outcome, err := f.driver.RunOnchain(context.Background(), "M#call", f.request(t, "M#call", "doesNotFail"))
	require.NoError(t, err)
	require.Equal(t, OutcomeConfirmed, outcome.Kind)

	interaction := f.recorder.state.Get("M#call").LastInteraction()
	require.Len(t, interaction.Transactions, 2)
	assert.Nil(t, interaction.Transactions[0].Receipt)
	assert.Equal(t, interaction.Transactions[1].Hash, interaction.ConfirmedTransaction().Hash)
}

// TestDroppedTransaction verifies that an interaction whose transactions vanish is fatal and leaves the nonce unused.
func TestDroppedTransaction(t *testing.T) {
	ctx := context.Background()
	f := newDriverFixture(t, testConfig())
	f.chain.SetDropOnSend(true)

	_, err := f.driver.RunOnchain(ctx, "M#call", f.request(t, "M#call", "doesNotFail"))
	var dropped *DroppedTransactionError
	require.ErrorAs(t, err, &dropped)
	assert.Equal(t, "all transactions for this interaction were dropped", err.Error())

	interaction := f.recorder.state.Get("M#call").LastInteraction()
	assert.Equal(t, Dropped, StatusOf(interaction))
	assert.Nil(t, interaction.Nonce)
	pending, err := f.chain.GetTransactionCount(ctx, f.sender, chain.BlockTagPending)
	require.NoError(t, err)
	assert.EqualValues(t, 0, pending)
}

// TestRequiredConfirmations verifies that a mined transaction waits for later blocks before it is confirmed.
func TestRequiredConfirmations(t *testing.T) {
	config := testConfig()
	config.RequiredConfirmations = 3
	f := newDriverFixture(t, config)
	sleeps := 0
	f.clock.OnSleep(func(time.Time) {
		sleeps++
		require.NoError(t, f.chain.MineEmptyBlocks(1))
	})

	outcome, err := f.driver.RunOnchain(context.Background(), "M#call", f.request(t, "M#call", "doesNotFail"))
	require.NoError(t, err)
	require.Equal(t, OutcomeConfirmed, outcome.Kind)
	assert.Equal(t, 2, sleeps)
}

// TestResumePendingTransaction verifies that a transaction recorded by an earlier run is monitored, not sent again.
func TestResumePendingTransaction(t *testing.T) {
	ctx := context.Background()
	f := newDriverFixture(t, testConfig())
	f.chain.SetAutoMine(false)

	interaction := f.request(t, "M#call", "doesNotFail")
	fees := chain.Fees{MaxFeePerGas: gwei(3), MaxPriorityFeePerGas: gwei(1)}
	hash, err := f.chain.SendTransaction(ctx, chain.TransactionRequest{
		CallRequest: chain.CallRequest{From: f.sender, To: &f.target, Data: interaction.Data, Gas: 100_000},
		Fees:        fees,
	})
	require.NoError(t, err)
	require.NoError(t, f.recorder.Record(&journal.TransactionPrepareSend{FutureID: "M#call", InteractionID: 1, Nonce: 0}))
	require.NoError(t, f.recorder.Record(&journal.TransactionSend{FutureID: "M#call", InteractionID: 1, Nonce: 0,
		Transaction: journal.Transaction{Hash: hash, Fees: fees}}))

	f.clock.OnSleep(func(time.Time) {
		_, err := f.chain.Mine()
		require.NoError(t, err)
	})
	resumed := f.recorder.state.Get("M#call").LastInteraction()
	require.Equal(t, PendingConfirmation, StatusOf(resumed))
	outcome, err := f.driver.RunOnchain(ctx, "M#call", resumed)
	require.NoError(t, err)
	require.Equal(t, OutcomeConfirmed, outcome.Kind)
	assert.Len(t, f.chain.SentTransactions(), 2)
	assert.Equal(t, hash, f.recorder.state.Get("M#call").LastInteraction().ConfirmedTransaction().Hash)
}

// TestStaticCall verifies that static call responses, including reverts, are recorded.
func TestStaticCall(t *testing.T) {
	f := newDriverFixture(t, testConfig())
	require.NoError(t, f.recorder.Record(&journal.ExecutionStateInitialize{FutureID: "M#read", FutureType: "STATIC_CALL"}))
	require.NoError(t, f.recorder.Record(&journal.NetworkInteractionRequest{
		FutureID: "M#read", InteractionID: 1, InteractionType: journal.StaticCall,
		From: f.sender, To: &f.target, Data: f.abiData("fails"),
	}))
	interaction := f.recorder.state.Get("M#read").LastInteraction()
	assert.Equal(t, NeedsSimulation, StatusOf(interaction))

	result, err := f.driver.RunStaticCall(context.Background(), "M#read", interaction)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, StaticCallComplete, StatusOf(f.recorder.state.Get("M#read").LastInteraction()))
}
