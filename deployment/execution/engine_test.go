package execution

import (
	"context"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crytic/keel/chain"
	"github.com/crytic/keel/chain/testchain"
	"github.com/crytic/keel/deployment/futures"
	"github.com/crytic/keel/deployment/interaction"
	"github.com/crytic/keel/deployment/journal"
	"github.com/crytic/keel/deployment/nonce"
	"github.com/crytic/keel/deployment/reconciliation"
	"github.com/crytic/keel/deployment/resolution"
	"github.com/crytic/keel/deployment/state"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const counterAbi = `[
	{"type":"constructor","stateMutability":"nonpayable","inputs":[{"name":"start","type":"uint256"}]},
	{"type":"function","name":"inc","stateMutability":"nonpayable","inputs":[{"name":"by","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"count","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"fails","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"type":"function","name":"doesNotFail","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"type":"event","name":"Incremented","anonymous":false,"inputs":[
		{"name":"by","type":"uint256","indexed":true},{"name":"total","type":"uint256","indexed":false}]}
]`

// engineFixture is a test chain with a Counter contract, a library, and a Counter linked against the library.
type engineFixture struct {
	chain     *testchain.TestChain
	artifacts testchain.StaticResolver
	accounts  []common.Address
	clock     *interaction.SimulatedClock
	journal   *journal.MemoryJournal
}

func counterBehavior() testchain.ContractBehavior {
	return testchain.ContractBehavior{
		Constructor: func(call *testchain.CallContext, args []any) ([]any, error) {
			call.Storage["count"] = args[0].(*big.Int)
			return nil, nil
		},
		Methods: map[string]testchain.MethodHandler{
			"inc": func(call *testchain.CallContext, args []any) ([]any, error) {
				by := args[0].(*big.Int)
				total := new(big.Int).Add(call.Storage["count"].(*big.Int), by)
				call.Storage["count"] = total
				call.Emit("Incremented", by, total)
				return nil, nil
			},
			"count": func(call *testchain.CallContext, args []any) ([]any, error) {
				return []any{call.Storage["count"]}, nil
			},
			"fails": func(call *testchain.CallContext, args []any) ([]any, error) {
				return nil, testchain.Revert("always fails")
			},
			"doesNotFail": func(call *testchain.CallContext, args []any) ([]any, error) {
				return nil, nil
			},
		},
	}
}

func newEngineFixture(t *testing.T) *engineFixture {
	artifactResolver := testchain.StaticResolver{
		"Counter": testchain.NewArtifact("Counter", counterAbi),
		"Lib":     testchain.NewArtifact("Lib", ""),
		"Linked":  testchain.NewArtifact("Linked", counterAbi, "Lib"),
	}
	testChain := testchain.NewTestChain(testchain.DefaultTestChainConfig())
	testChain.RegisterContract(artifactResolver["Counter"], counterBehavior())
	testChain.RegisterContract(artifactResolver["Linked"], counterBehavior())
	testChain.RegisterContract(artifactResolver["Lib"], testchain.ContractBehavior{})

	accounts, err := testChain.Accounts(context.Background())
	require.NoError(t, err)
	return &engineFixture{
		chain:     testChain,
		artifacts: artifactResolver,
		accounts:  accounts,
		clock:     interaction.NewSimulatedClock(time.Unix(0, 0)),
		journal:   journal.NewMemoryJournal(),
	}
}

func testConfig() Config {
	return Config{Interaction: interaction.Config{
		RequiredConfirmations:         1,
		PollingInterval:               time.Second,
		TimeBeforeBumpingFees:         10 * time.Second,
		MaxFeeBumps:                   2,
		DroppedTransactionGracePeriod: 5 * time.Second,
		Fees:                          interaction.FeeConfig{BumpPercentage: 10},
	}}
}

func (f *engineFixture) engine(j journal.Journal, config Config) *Engine {
	return NewEngine(f.chain, j, f.artifacts, f.clock, config)
}

// execute runs the graph with the fixture's memory journal and the test configuration.
func (f *engineFixture) execute(t *testing.T, graph *futures.Graph) *Result {
	result, err := f.engine(f.journal, testConfig()).Execute(context.Background(), graph)
	require.NoError(t, err)
	return result
}

func meta(name string, after ...string) futures.Meta {
	return futures.Meta{FutureID: "Counter#" + name, Module: "Counter", After: after}
}

func ref(name string) futures.FutureRef {
	return futures.FutureRef{FutureID: "Counter#" + name}
}

func deployCounter(name string, start int) *futures.ContractDeployment {
	return &futures.ContractDeployment{Meta: meta(name), ContractName: "Counter", Args: []futures.Argument{futures.Literal{Value: start}}}
}

func callCounter(name string, contract string, functionName string, args ...futures.Argument) *futures.FunctionCall {
	return &futures.FunctionCall{Meta: meta(name), Contract: "Counter#" + contract, FunctionName: functionName, Args: args}
}

func graphOf(t *testing.T, declared ...futures.Future) *futures.Graph {
	graph, err := futures.NewGraph(&futures.Module{ID: "Counter", Futures: declared})
	require.NoError(t, err)
	return graph
}

// currentState reduces a journal.
func currentState(t *testing.T, j journal.Journal) *state.DeploymentState {
	current, err := state.ReduceAll(j.ReadAll())
	require.NoError(t, err)
	return current
}

func countMessages(t *testing.T, j journal.Journal, messageType journal.MessageType) int {
	count := 0
	for message, err := range j.ReadAll() {
		require.NoError(t, err)
		if message.Type() == messageType {
			count++
		}
	}
	return count
}

// TestExecuteEveryFutureType deploys and exercises a module using every kind of future.
func TestExecuteEveryFutureType(t *testing.T) {
	f := newEngineFixture(t)
	graph := graphOf(t,
		deployCounter("Counter", 5),
		callCounter("inc", "Counter", "inc", futures.Literal{Value: 3}),
		&futures.StaticCall{Meta: meta("count", "Counter#inc"), Contract: "Counter#Counter", FunctionName: "count"},
		&futures.ReadEventArgument{Meta: meta("total"), Source: "Counter#inc", Emitter: "Counter#Counter", EventName: "Incremented", NameOrIndex: "total"},
		&futures.ReadEventArgument{Meta: meta("by"), Source: "Counter#inc", Emitter: "Counter#Counter", EventName: "Incremented", NameOrIndex: "0"},
		&futures.EncodeFunctionCall{Meta: meta("encoded"), Contract: "Counter#Counter", FunctionName: "inc", Args: []futures.Argument{futures.Literal{Value: 7}}},
		&futures.ContractAt{Meta: meta("bound"), ContractName: "Counter", Address: ref("Counter")},
		&futures.StaticCall{Meta: meta("boundCount", "Counter#inc"), Contract: "Counter#bound", FunctionName: "count"},
		&futures.SendData{Meta: meta("tip"), To: futures.Account{Index: 2}, Value: futures.Literal{Value: 1000}, From: futures.Account{Index: 1}},
		&futures.LibraryDeployment{Meta: meta("Lib"), ContractName: "Lib", From: futures.Account{Index: 2}},
		&futures.ContractDeployment{
			Meta:         meta("Linked"),
			ContractName: "Linked",
			Args:         []futures.Argument{futures.Literal{Value: 0}},
			Libraries:    map[string]futures.Argument{"Lib": ref("Lib")},
			From:         futures.Account{Index: 2},
		},
	)
	engine := f.engine(f.journal, testConfig())
	completed := make([]string, 0)
	engine.Events.FutureCompleted.Subscribe(func(event FutureCompletedEvent) error {
		completed = append(completed, event.FutureID)
		return nil
	})

	result, err := engine.Execute(context.Background(), graph)
	require.NoError(t, err)
	require.True(t, result.Succeeded(), "%+v", result.Failures)
	assert.Len(t, completed, 11)
	assert.False(t, result.Interrupted)

	// The only transaction of the default sender in the first wave is the deployment
	counterAddress := crypto.CreateAddress(f.accounts[0], 0)
	assert.Equal(t, counterAddress, *result.Results["Counter#Counter"].Address)
	assert.Equal(t, "Counter", f.chain.ContractName(counterAddress))
	assert.Equal(t, counterAddress, *result.Results["Counter#bound"].Address)
	assert.Equal(t, "Linked", f.chain.ContractName(*result.Results["Counter#Linked"].Address))

	// The deployment was mined with its first transaction
	deployment := result.State.Get("Counter#Counter").LastInteraction()
	require.Len(t, deployment.Transactions, 1)
	assert.Equal(t, counterAddress, *deployment.ConfirmedTransaction().Receipt.ContractAddress)
	assert.NotNil(t, result.Results["Counter#inc"].TransactionHash)

	assert.JSONEq(t, `"8"`, string(result.Results["Counter#count"].Value))
	assert.JSONEq(t, `"8"`, string(result.Results["Counter#boundCount"].Value))
	assert.JSONEq(t, `"8"`, string(result.Results["Counter#total"].Value))
	assert.JSONEq(t, `"3"`, string(result.Results["Counter#by"].Value))

	method := f.artifacts["Counter"].Abi.Methods["inc"]
	packed, err := method.Inputs.Pack(big.NewInt(7))
	require.NoError(t, err)
	assert.Equal(t, append(method.ID, packed...), []byte(result.Results["Counter#encoded"].Data))

	// Deployments, the call, the transfer and the library; static calls and bindings send nothing
	assert.Len(t, f.chain.SentTransactions(), 5)

	messages := f.journal.Messages()
	assert.Equal(t, &journal.DeploymentInitialize{ChainID: 31337}, messages[0])
	assert.Equal(t, journal.RunStartType, messages[1].Type())
}

// TestSimulationFailure verifies that a reverting call fails without a transaction, that futures of the same wave
// still complete, and that its dependents never start.
func TestSimulationFailure(t *testing.T) {
	f := newEngineFixture(t)
	after := callCounter("after", "Counter", "inc", futures.Literal{Value: 1})
	after.After = []string{"Counter#fails"}
	graph := graphOf(t,
		deployCounter("Counter", 0),
		callCounter("fails", "Counter", "fails"),
		callCounter("doesNotFail", "Counter", "doesNotFail"),
		after,
	)

	result := f.execute(t, graph)
	assert.False(t, result.Succeeded())
	assert.ElementsMatch(t, []string{"Counter#Counter", "Counter#doesNotFail"}, result.Successful)

	failure := result.Failure("Counter#fails")
	require.NotNil(t, failure)
	assert.Equal(t, state.Failed, failure.Status)
	assert.Equal(t, `simulation failed: reverted with reason "always fails"`, failure.Reason)

	unstarted := result.Failure("Counter#after")
	require.NotNil(t, unstarted)
	assert.Equal(t, state.Unstarted, unstarted.Status)
	assert.Equal(t, "waiting for Counter#fails", unstarted.Reason)
	assert.Len(t, f.chain.SentTransactions(), 2)

	// A failed future must be wiped before the deployment can resume
	_, err := f.engine(f.journal, testConfig()).Execute(context.Background(), graph)
	var reconciliationErr *reconciliation.ReconciliationError
	require.ErrorAs(t, err, &reconciliationErr)
	assert.Equal(t, "Counter#fails", reconciliationErr.Failures[0].FutureID)
}

const pausableAbi = `[
	{"type":"constructor","stateMutability":"nonpayable","inputs":[]},
	{"type":"function","name":"poke","stateMutability":"nonpayable","inputs":[],"outputs":[]}
]`

// TestRevertedTransaction verifies that a transaction which passed its simulation but reverted once mined fails its
// future, with the reason recovered by replaying it against the state of its block.
func TestRevertedTransaction(t *testing.T) {
	tests := []struct {
		name string
		// unpauseWhenMined lifts the pause after mining, so that the replay succeeds.
		unpauseWhenMined bool
		reason           string
	}{
		{name: "decoded", reason: `reverted: reverted with reason "paused"`},
		{name: "replay succeeds", unpauseWhenMined: true, reason: "reverted, and its replay at block 1 did not"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newEngineFixture(t)
			f.artifacts["Pausable"] = testchain.NewArtifact("Pausable", pausableAbi)
			var paused atomic.Bool
			f.chain.RegisterContract(f.artifacts["Pausable"], testchain.ContractBehavior{
				Methods: map[string]testchain.MethodHandler{
					"poke": func(call *testchain.CallContext, args []any) ([]any, error) {
						if paused.Load() {
							return nil, testchain.Revert("paused")
						}
						return nil, nil
					},
				},
			})
			f.chain.SetAutoMine(false)
			f.clock.OnSleep(func(time.Time) {
				_, _ = f.chain.Mine()
			})
			if tt.unpauseWhenMined {
				f.chain.Events.BlockMined.Subscribe(func(event testchain.BlockMinedEvent) error {
					paused.Store(false)
					return nil
				})
			}

			graph := graphOf(t,
				&futures.ContractDeployment{Meta: meta("Pausable"), ContractName: "Pausable"},
				callCounter("poke", "Pausable", "poke"),
			)
			engine := f.engine(f.journal, testConfig())
			engine.Events.TransactionSent.Subscribe(func(event interaction.TransactionSentEvent) error {
				if event.FutureID == "Counter#poke" {
					paused.Store(true)
				}
				return nil
			})
			result, err := engine.Execute(context.Background(), graph)
			require.NoError(t, err)
			assert.Equal(t, []string{"Counter#Pausable"}, result.Successful)

			n := result.State.Get("Counter#poke").LastInteraction()
			confirmed := n.ConfirmedTransaction()
			require.NotNil(t, confirmed)
			assert.False(t, confirmed.Receipt.Success)
			assert.EqualValues(t, 2, confirmed.Receipt.BlockNumber)

			failure := result.Failure("Counter#poke")
			require.NotNil(t, failure)
			assert.Equal(t, state.Failed, failure.Status)
			assert.Equal(t, "transaction "+confirmed.Hash.Hex()+" "+tt.reason, failure.Reason)
		})
	}
}

// TestResumeAfterInterruption verifies that an interrupted deployment resumes from its journal file without sending
// any transaction twice, including when the journal ends with a torn record.
func TestResumeAfterInterruption(t *testing.T) {
	f := newEngineFixture(t)
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	second := callCounter("second", "Counter", "inc", futures.Literal{Value: 2})
	second.After = []string{"Counter#first"}
	graph := graphOf(t, deployCounter("Counter", 5), callCounter("first", "Counter", "inc", futures.Literal{Value: 1}), second)

	executeFromFile := func(hook func(engine *Engine, cancel context.CancelFunc)) *Result {
		fileJournal, err := journal.OpenFileJournal(path)
		require.NoError(t, err)
		defer fileJournal.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		engine := f.engine(fileJournal, testConfig())
		if hook != nil {
			hook(engine, cancel)
		}
		result, err := engine.Execute(ctx, graph)
		require.NoError(t, err)
		return result
	}

	// Interrupt once the contract is deployed
	result := executeFromFile(func(engine *Engine, cancel context.CancelFunc) {
		engine.Events.FutureCompleted.Subscribe(func(event FutureCompletedEvent) error {
			if event.FutureID == "Counter#Counter" {
				cancel()
			}
			return nil
		})
	})
	assert.True(t, result.Interrupted)
	assert.Equal(t, []string{"Counter#Counter"}, result.Successful)
	assert.Len(t, f.chain.SentTransactions(), 1)

	result = executeFromFile(nil)
	require.True(t, result.Succeeded(), "%+v", result.Failures)
	assert.Len(t, f.chain.SentTransactions(), 3)
	counterAddress := *result.Results["Counter#Counter"].Address
	assert.Equal(t, big.NewInt(8), f.chain.Storage(counterAddress)["count"])

	// A crash in the middle of a write leaves a torn record, which is discarded
	file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = file.WriteString(`{"type":"TRANSACTION_SEND","message":{"futureId":"Coun`)
	require.NoError(t, err)
	require.NoError(t, file.Close())

	started := 0
	result = executeFromFile(func(engine *Engine, _ context.CancelFunc) {
		engine.Events.FutureStarted.Subscribe(func(event FutureStartedEvent) error {
			started++
			return nil
		})
	})
	assert.True(t, result.Succeeded())
	assert.Zero(t, started)
	assert.Len(t, f.chain.SentTransactions(), 3)
}

// crashingJournal stops recording once a message of a given type was recorded, as if the process died right after.
type crashingJournal struct {
	journal.Journal
	after   journal.MessageType
	crashed atomic.Bool
}

var errCrashed = errors.New("process stopped")

func (j *crashingJournal) Record(message journal.Message) error {
	if j.crashed.Load() {
		return errCrashed
	}
	if err := j.Journal.Record(message); err != nil {
		return err
	}
	if message.Type() == j.after {
		j.crashed.Store(true)
	}
	return nil
}

// TestResumeAfterCrash stops a run right after each step of the first transaction was recorded, and verifies that the
// next run reaches the state of a run which was never stopped. A crash between preparing a nonce and recording the
// broadcast leaves a transaction the journal does not know about, so that future is held instead.
func TestResumeAfterCrash(t *testing.T) {
	graph := func(t *testing.T) *futures.Graph {
		return graphOf(t, deployCounter("Counter", 5), callCounter("inc", "Counter", "inc", futures.Literal{Value: 3}))
	}
	uninterrupted := newEngineFixture(t)
	expected := uninterrupted.execute(t, graph(t))
	require.True(t, expected.Succeeded(), "%+v", expected.Failures)
	counterAddress := *expected.Results["Counter#Counter"].Address

	tests := []struct {
		after journal.MessageType
		held  bool
	}{
		{after: journal.TransactionPrepareSendType, held: true},
		{after: journal.TransactionSendType},
		{after: journal.TransactionConfirmType},
	}
	for _, tt := range tests {
		t.Run(string(tt.after), func(t *testing.T) {
			f := newEngineFixture(t)
			crashing := &crashingJournal{Journal: f.journal, after: tt.after}
			stopped, err := f.engine(crashing, testConfig()).Execute(context.Background(), graph(t))
			require.ErrorIs(t, err, errCrashed)
			require.NotNil(t, stopped)
			assert.Empty(t, stopped.Successful)
			assert.Len(t, f.chain.SentTransactions(), 1)

			result := f.execute(t, graph(t))
			if tt.held {
				assert.Equal(t, state.Held, result.Failure("Counter#Counter").Status)
				assert.Equal(t, state.Unstarted, result.Failure("Counter#inc").Status)
				assert.Len(t, f.chain.SentTransactions(), 1)
				return
			}
			require.True(t, result.Succeeded(), "%+v", result.Failures)
			assert.Equal(t, expected.Successful, result.Successful)
			assert.Equal(t, counterAddress, *result.Results["Counter#Counter"].Address)
			assert.Equal(t, uninterrupted.chain.Storage(counterAddress), f.chain.Storage(counterAddress))
			assert.Len(t, f.chain.SentTransactions(), len(uninterrupted.chain.SentTransactions()))
		})
	}
}

// TestResumePendingTransaction verifies that a transaction left pending by an interrupted run is monitored by the
// next run rather than sent again.
func TestResumePendingTransaction(t *testing.T) {
	f := newEngineFixture(t)
	f.chain.SetAutoMine(false)
	graph := graphOf(t, deployCounter("Counter", 1))

	ctx, cancel := context.WithCancel(context.Background())
	engine := f.engine(f.journal, testConfig())
	engine.Events.TransactionSent.Subscribe(func(event interaction.TransactionSentEvent) error {
		cancel()
		return nil
	})
	result, err := engine.Execute(ctx, graph)
	require.NoError(t, err)
	assert.True(t, result.Interrupted)
	assert.Equal(t, state.Started, result.Failure("Counter#Counter").Status)

	_, err = f.chain.Mine()
	require.NoError(t, err)
	result = f.execute(t, graph)
	require.True(t, result.Succeeded(), "%+v", result.Failures)
	assert.Len(t, f.chain.SentTransactions(), 1)
	assert.Equal(t, 2, currentState(t, f.journal).RunCount)
}

// TestInvalidNonce verifies that a transaction sent by another party from a deployment account stops the run, and that
// the next run continues from the new nonce.
func TestInvalidNonce(t *testing.T) {
	f := newEngineFixture(t)
	graph := graphOf(t, deployCounter("Counter", 1), callCounter("inc", "Counter", "inc", futures.Literal{Value: 1}))

	engine := f.engine(f.journal, testConfig())
	engine.Events.FutureCompleted.Subscribe(func(event FutureCompletedEvent) error {
		if event.FutureID != "Counter#Counter" {
			return nil
		}
		_, err := f.chain.SendExternalTransaction(context.Background(), f.accounts[0])
		return err
	})
	stopped, err := engine.Execute(context.Background(), graph)
	var nonceErr *nonce.InvalidNonceError
	require.ErrorAs(t, err, &nonceErr)
	require.NotNil(t, stopped)
	assert.Equal(t, []string{"Counter#Counter"}, stopped.Successful)
	assert.Equal(t, f.accounts[0], nonceErr.Sender)
	assert.EqualValues(t, 1, nonceErr.Expected)
	assert.EqualValues(t, 2, nonceErr.Pending)

	result := f.execute(t, graph)
	require.True(t, result.Succeeded(), "%+v", result.Failures)
	inc := result.State.Get("Counter#inc").LastInteraction()
	assert.EqualValues(t, 2, *inc.Nonce)
}

// TestDroppedTransaction verifies that a dropped transaction stops the run and that its nonce is reused next time.
func TestDroppedTransaction(t *testing.T) {
	f := newEngineFixture(t)
	f.chain.SetDropOnSend(true)
	graph := graphOf(t, deployCounter("Counter", 1))

	result, err := f.engine(f.journal, testConfig()).Execute(context.Background(), graph)
	var droppedErr *interaction.DroppedTransactionError
	require.ErrorAs(t, err, &droppedErr)
	assert.Equal(t, "Counter#Counter", droppedErr.FutureID)
	require.NotNil(t, result)
	assert.Equal(t, err, result.Fatal)
	assert.Equal(t, state.Started, result.Failure("Counter#Counter").Status)

	n := currentState(t, f.journal).Get("Counter#Counter").LastInteraction()
	assert.True(t, n.Dropped)
	assert.Nil(t, n.Nonce)
	require.Len(t, n.Transactions, 1)
	assert.True(t, n.Transactions[0].Dropped)

	f.chain.SetDropOnSend(false)
	result = f.execute(t, graph)
	require.True(t, result.Succeeded(), "%+v", result.Failures)
	assert.Equal(t, crypto.CreateAddress(f.accounts[0], 0), *result.Results["Counter#Counter"].Address)

	// The dropped attempt stays recorded before the confirmed one
	n = result.State.Get("Counter#Counter").LastInteraction()
	require.Len(t, n.Transactions, 2)
	assert.True(t, n.Transactions[0].Dropped)
	assert.Equal(t, n.Transactions[1].Hash, n.ConfirmedTransaction().Hash)
}

// TestFeeBumpTimeout verifies that a transaction which is never mined times out after exactly the configured number
// of fee bumps, and that the next run picks up the last replacement.
func TestFeeBumpTimeout(t *testing.T) {
	f := newEngineFixture(t)
	f.chain.SetMinimumPrice(big.NewInt(1_000_000_000_000))
	graph := graphOf(t, deployCounter("Counter", 1))

	result := f.execute(t, graph)
	failure := result.Failure("Counter#Counter")
	require.NotNil(t, failure)
	assert.Equal(t, state.Timeout, failure.Status)
	assert.Equal(t, 2, countMessages(t, f.journal, journal.OnchainInteractionBumpFeesType))
	assert.Len(t, f.chain.SentTransactions(), 3)

	f.chain.SetMinimumPrice(big.NewInt(0))
	_, err := f.chain.Mine()
	require.NoError(t, err)

	result = f.execute(t, graph)
	require.True(t, result.Succeeded(), "%+v", result.Failures)
	assert.Len(t, f.chain.SentTransactions(), 3)
	n := result.State.Get("Counter#Counter").LastInteraction()
	assert.Equal(t, n.Transactions[2].Hash, n.ConfirmedTransaction().Hash)
}

// TestHeldFuture verifies that a future whose nonce was prepared but whose send was never recorded is held when the
// chain already counts a transaction at that nonce, and resumed otherwise.
func TestHeldFuture(t *testing.T) {
	other := deployCounter("Other", 2)
	other.From = futures.Account{Index: 1}

	// crashed records the journal of a run which stopped right after preparing the nonce of the deployment
	crashed := func(t *testing.T, f *engineFixture, graph *futures.Graph) {
		resolver := resolution.NewResolver(graph, f.artifacts, resolution.Options{Accounts: f.accounts, DefaultSender: f.accounts[0]})
		future, _ := graph.Future("Counter#Counter")
		resolved, err := resolver.Resolve(state.New(), future)
		require.NoError(t, err)
		for _, message := range []journal.Message{
			&journal.DeploymentInitialize{ChainID: 31337},
			&journal.RunStart{RunID: "crashed"},
			&journal.ExecutionStateInitialize{
				FutureID:     "Counter#Counter",
				FutureType:   string(future.Type()),
				Strategy:     resolved.Strategy,
				Dependencies: graph.Dependencies("Counter#Counter"),
				Identity:     resolved.Identity,
			},
			&journal.NetworkInteractionRequest{
				FutureID:        "Counter#Counter",
				InteractionID:   1,
				InteractionType: journal.OnchainInteraction,
				From:            resolved.From,
				Data:            resolved.Data,
			},
			&journal.TransactionPrepareSend{FutureID: "Counter#Counter", InteractionID: 1, Nonce: 0},
		} {
			require.NoError(t, f.journal.Record(message))
		}
	}

	t.Run("broadcast", func(t *testing.T) {
		f := newEngineFixture(t)
		graph := graphOf(t, deployCounter("Counter", 1), callCounter("inc", "Counter", "inc", futures.Literal{Value: 1}), other)
		crashed(t, f, graph)
		_, err := f.chain.SendExternalTransaction(context.Background(), f.accounts[0])
		require.NoError(t, err)

		result := f.execute(t, graph)
		held := result.Failure("Counter#Counter")
		require.NotNil(t, held)
		assert.Equal(t, state.Held, held.Status)
		assert.Contains(t, held.Reason, "wipe Counter#Counter")
		assert.Equal(t, state.Unstarted, result.Failure("Counter#inc").Status)
		assert.Equal(t, []string{"Counter#Other"}, result.Successful)

		// Held futures stay held until they are wiped
		result = f.execute(t, graph)
		assert.Equal(t, state.Held, result.Failure("Counter#Counter").Status)

		require.NoError(t, f.journal.Record(&journal.WipeExecutionState{FutureID: "Counter#Counter"}))
		result = f.execute(t, graph)
		require.True(t, result.Succeeded(), "%+v", result.Failures)
		assert.Equal(t, crypto.CreateAddress(f.accounts[0], 1), *result.Results["Counter#Counter"].Address)
	})

	t.Run("not broadcast", func(t *testing.T) {
		f := newEngineFixture(t)
		graph := graphOf(t, deployCounter("Counter", 1), other)
		crashed(t, f, graph)

		result := f.execute(t, graph)
		require.True(t, result.Succeeded(), "%+v", result.Failures)
		assert.Equal(t, crypto.CreateAddress(f.accounts[0], 0), *result.Results["Counter#Counter"].Address)
	})
}

// TestAtMostOneConfirmedTransactionPerNonce runs concurrent futures of one sender on a slow chain, where fee bumps race
// with mining, and verifies that no nonce is confirmed twice and none is skipped.
func TestAtMostOneConfirmedTransactionPerNonce(t *testing.T) {
	f := newEngineFixture(t)
	f.chain.SetAutoMine(false)
	var sleeps atomic.Int64
	f.clock.OnSleep(func(time.Time) {
		if sleeps.Add(1)%4 == 0 {
			_, _ = f.chain.Mine()
		}
	})

	var lock sync.Mutex
	sent := make(map[common.Hash]chain.TransactionRequest)
	f.chain.Events.TransactionSent.Subscribe(func(event testchain.TransactionSentEvent) error {
		lock.Lock()
		defer lock.Unlock()
		sent[event.Hash] = event.Transaction
		return nil
	})

	declared := make([]futures.Future, 0)
	for _, name := range []string{"A", "B", "C", "D"} {
		declared = append(declared, deployCounter(name, 1), callCounter("inc"+name, name, "inc", futures.Literal{Value: 1}))
	}
	graph := graphOf(t, declared...)
	config := testConfig()
	config.Interaction.TimeBeforeBumpingFees = 2 * time.Second
	config.Interaction.MaxFeeBumps = 20

	result, err := f.engine(f.journal, config).Execute(context.Background(), graph)
	require.NoError(t, err)
	require.True(t, result.Succeeded(), "%+v", result.Failures)

	confirmed := make(map[uint64]int)
	for hash, request := range sent {
		receipt, err := f.chain.GetTransactionReceipt(context.Background(), hash)
		require.NoError(t, err)
		if receipt != nil {
			assert.Equal(t, f.accounts[0], request.From)
			confirmed[request.Nonce]++
		}
	}
	assert.Len(t, confirmed, 8)
	for n := uint64(0); n < 8; n++ {
		assert.Equal(t, 1, confirmed[n], "nonce %d", n)
	}
}

// TestCreate2Strategy verifies that deployments go through the deterministic deployment proxy.
func TestCreate2Strategy(t *testing.T) {
	f := newEngineFixture(t)
	salt := common.HexToHash("0x0101010101010101010101010101010101010101010101010101010101010101")
	config := testConfig()
	config.Strategy = resolution.StrategyCreate2
	config.Salt = salt.Bytes()
	graph := graphOf(t, deployCounter("Counter", 1), callCounter("inc", "Counter", "inc", futures.Literal{Value: 1}))

	result, err := f.engine(f.journal, config).Execute(context.Background(), graph)
	require.NoError(t, err)
	require.True(t, result.Succeeded(), "%+v", result.Failures)

	artifact := f.artifacts["Counter"]
	linked, err := artifact.Link(nil)
	require.NoError(t, err)
	creation, err := artifact.DeploymentData(linked, []any{big.NewInt(1)})
	require.NoError(t, err)
	expected := crypto.CreateAddress2(chain.DeterministicDeploymentProxy, salt, crypto.Keccak256(creation))

	assert.Equal(t, expected, *result.Results["Counter#Counter"].Address)
	assert.Equal(t, "Counter", f.chain.ContractName(expected))
	assert.Equal(t, big.NewInt(2), f.chain.Storage(expected)["count"])
	assert.Equal(t, resolution.StrategyCreate2, result.State.Get("Counter#Counter").Strategy)
}

// TestChainMismatch verifies that a journal cannot be resumed on another chain.
func TestChainMismatch(t *testing.T) {
	f := newEngineFixture(t)
	graph := graphOf(t, deployCounter("Counter", 1))
	f.execute(t, graph)

	config := testchain.DefaultTestChainConfig()
	config.ChainID = 1
	otherChain := testchain.NewTestChain(config)
	_, err := NewEngine(otherChain, f.journal, f.artifacts, f.clock, testConfig()).Execute(context.Background(), graph)
	var mismatch *ChainMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.EqualValues(t, 31337, mismatch.Expected)
	assert.EqualValues(t, 1, mismatch.Actual)
}

// TestStaticCallOutputSelection verifies that static calls fail with a readable reason when the output does not exist.
func TestStaticCallOutputSelection(t *testing.T) {
	f := newEngineFixture(t)
	graph := graphOf(t,
		deployCounter("Counter", 4),
		&futures.StaticCall{Meta: meta("count"), Contract: "Counter#Counter", FunctionName: "count", NameOrIndex: "3"},
	)

	result := f.execute(t, graph)
	failure := result.Failure("Counter#count")
	require.NotNil(t, failure)
	assert.Equal(t, state.Failed, failure.Status)

	assert.Equal(t, "index 3 is out of range, there are 1 values", failure.Reason)

	// The call itself succeeded and stays recorded
	staticCall := result.State.Get("Counter#count").LastInteraction().StaticCallResult
	require.NotNil(t, staticCall)
	assert.True(t, staticCall.Success)
}
