package execution

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/crytic/keel/artifacts"
	"github.com/crytic/keel/chain"
	"github.com/crytic/keel/deployment/futures"
	"github.com/crytic/keel/deployment/interaction"
	"github.com/crytic/keel/deployment/journal"
	"github.com/crytic/keel/deployment/nonce"
	"github.com/crytic/keel/deployment/reconciliation"
	"github.com/crytic/keel/deployment/resolution"
	"github.com/crytic/keel/deployment/state"
	"github.com/crytic/keel/logging"
	"github.com/crytic/keel/logging/colors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Config configures an Engine.
type Config struct {
	// Interaction configures how transactions are sent, monitored and bumped.
	Interaction interaction.Config
	// Strategy is resolution.StrategyBasic or resolution.StrategyCreate2. Empty means basic.
	Strategy string
	// Salt is the 32-byte salt of the create2 strategy.
	Salt []byte
	// DefaultSender sends the transactions of futures without a sender. Nil means the first account of the client.
	DefaultSender *common.Address
	// Parameters provides module parameter values, keyed by module id and then parameter name.
	Parameters map[string]map[string]any
}

// Engine executes the futures of a module against a chain, recording every step in a journal so that an interrupted
// run resumes where it stopped.
type Engine struct {
	client    chain.Client
	journal   journal.Journal
	artifacts artifacts.Resolver
	clock     interaction.Clock
	config    Config
	logger    *logging.Logger

	// Events defines the event system of the engine and its interaction driver.
	Events Events
}

// NewEngine creates an Engine. A nil clock uses the system clock.
func NewEngine(client chain.Client, j journal.Journal, artifactResolver artifacts.Resolver, clock interaction.Clock, config Config) *Engine {
	if clock == nil {
		clock = interaction.RealClock{}
	}
	return &Engine{
		client:    client,
		journal:   j,
		artifacts: artifactResolver,
		clock:     clock,
		config:    config,
		logger:    logging.GlobalLogger.NewSubLogger("module", logging.ENGINE_SERVICE),
	}
}

// run holds what one call to Execute shares between its futures.
type run struct {
	engine   *Engine
	graph    *futures.Graph
	keeper   *stateKeeper
	resolver *resolution.Resolver
	driver   *interaction.Driver
}

// Execute runs every future of the graph which did not succeed yet, in waves of futures whose dependencies all
// succeeded. The journal is loaded and reconciled with the graph first: a journal from another chain returns a
// *ChainMismatchError and an incompatible module a *reconciliation.ReconciliationError, before anything is recorded.
//
// Futures which fail, time out or are held are reported in the returned Result, as is an interruption through the
// context. Errors are only returned for conditions the run cannot recover from, such as an *nonce.InvalidNonceError or
// an *interaction.DroppedTransactionError. Once the run started, such an error is returned along with the Result of
// the run, which also holds it in Fatal.
func (e *Engine) Execute(ctx context.Context, graph *futures.Graph) (*Result, error) {
	chainID, err := e.client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not get the chain id: %w", err)
	}
	accounts, err := e.client.Accounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not get the accounts of the chain: %w", err)
	}
	sender, err := e.defaultSender(accounts)
	if err != nil {
		return nil, err
	}

	current, err := state.ReduceAll(e.journal.ReadAll())
	if err != nil {
		return nil, fmt.Errorf("could not load the journal: %w", err)
	}
	if current.ChainID != 0 && current.ChainID != chainID.Uint64() {
		return nil, &ChainMismatchError{Expected: current.ChainID, Actual: chainID.Uint64()}
	}

	resolver := resolution.NewResolver(graph, e.artifacts, resolution.Options{
		Accounts:      accounts,
		DefaultSender: sender,
		Parameters:    e.config.Parameters,
		Strategy:      e.config.Strategy,
		Salt:          e.config.Salt,
	})
	orphans := make([]string, 0)
	if !current.IsEmpty() {
		if orphans, err = reconciliation.Reconcile(graph, current, resolver); err != nil {
			return nil, err
		}
	}

	keeper := newStateKeeper(e.journal, current)
	if current.ChainID == 0 {
		if err = keeper.Record(&journal.DeploymentInitialize{ChainID: chainID.Uint64()}); err != nil {
			return nil, err
		}
	}
	runID := uuid.NewString()
	if err = keeper.Record(&journal.RunStart{RunID: runID}); err != nil {
		return nil, err
	}
	resumed := current.RunCount > 0
	if resumed {
		e.logger.Info("Resuming deployment on chain ", chainID, " (run ", colors.Bold, runID, colors.Reset, ")")
	} else {
		e.logger.Info("Starting deployment on chain ", chainID, " (run ", colors.Bold, runID, colors.Reset, ")")
	}
	r := &run{
		engine:   e,
		graph:    graph,
		keeper:   keeper,
		resolver: resolver,
		driver:   interaction.NewDriver(e.client, nonce.NewManager(e.client), e.clock, keeper, e.config.Interaction, &e.Events.Events),
	}
	err = e.Events.RunStarted.Publish(RunStartedEvent{RunID: runID, ChainID: chainID.Uint64(), Resumed: resumed})
	if err != nil {
		return r.finish(runID, orphans, false, err)
	}
	if err = r.holdUnrecordedBroadcasts(ctx); err != nil {
		return r.finish(runID, orphans, false, err)
	}

	interrupted := false
	for index := 0; ; index++ {
		if ctx.Err() != nil {
			interrupted = true
			break
		}
		wave := r.nextWave()
		if len(wave) == 0 {
			break
		}
		if err = e.Events.BatchStarted.Publish(BatchStartedEvent{Index: index, FutureIDs: wave}); err != nil {
			return r.finish(runID, orphans, false, err)
		}
		failed, canceled, err := r.runWave(ctx, wave)
		if err != nil {
			return r.finish(runID, orphans, canceled, err)
		}
		if canceled {
			interrupted = true
			break
		}
		if failed {
			break
		}
	}
	return r.finish(runID, orphans, interrupted, nil)
}

// finish summarizes the run, logs and publishes the summary. A fatal error is returned along with it.
func (r *run) finish(runID string, orphans []string, interrupted bool, fatal error) (*Result, error) {
	result := newResult(r.graph, r.keeper.State(), runID, interrupted, fatal)
	result.Orphans = orphans
	r.engine.logResult(result)
	if err := r.engine.Events.RunCompleted.Publish(RunCompletedEvent{Result: result}); err != nil {
		return result, errors.Join(fatal, err)
	}
	return result, fatal
}

// defaultSender returns the configured default sender or the first account of the chain.
func (e *Engine) defaultSender(accounts []common.Address) (common.Address, error) {
	if e.config.DefaultSender != nil {
		return *e.config.DefaultSender, nil
	}
	if len(accounts) == 0 {
		return common.Address{}, errors.New("the chain client reported no accounts and no default sender is configured")
	}
	return accounts[0], nil
}

// nextWave returns the futures which can run now: those whose dependencies all succeeded and which did not reach a
// terminal status.
func (r *run) nextWave() []string {
	current := r.keeper.State()
	batches := r.graph.Batches(func(id string) bool {
		return current.Status(id) == state.Success
	})
	if len(batches) == 0 {
		return nil
	}
	return slices.DeleteFunc(batches[0], func(id string) bool {
		return current.Status(id).IsTerminal()
	})
}

// runWave executes the futures of a wave concurrently. It returns whether any of them did not succeed and whether the
// run was canceled. The first unrecoverable error cancels the rest of the wave and is returned, joined with any other.
func (r *run) runWave(ctx context.Context, wave []string) (bool, bool, error) {
	waveCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	errs := make([]error, len(wave))
	var wg sync.WaitGroup
	for i, id := range wave {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = r.execute(waveCtx, id)
			if errs[i] != nil && !isContextError(errs[i]) {
				cancel(errs[i])
			}
		}()
	}
	wg.Wait()

	canceled := false
	fatal := make([]error, 0)
	for _, err := range errs {
		switch {
		case err == nil:
		case isContextError(err):
			// Futures stopped because a sibling failed are not reported themselves
			canceled = canceled || ctx.Err() != nil
		default:
			fatal = append(fatal, err)
		}
	}
	if len(fatal) > 0 {
		return false, canceled, errors.Join(fatal...)
	}

	current := r.keeper.State()
	failed := slices.ContainsFunc(wave, func(id string) bool {
		return current.Status(id) != state.Success
	})
	return failed, canceled, nil
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// holdUnrecordedBroadcasts marks as HELD every started future whose transaction may have been broadcast without being
// recorded: a nonce was prepared but no send recorded, and the chain already counts a transaction at that nonce. Such
// a future cannot be resumed safely; a user has to inspect the account and wipe it.
func (r *run) holdUnrecordedBroadcasts(ctx context.Context) error {
	current := r.keeper.State()
	for _, id := range current.FutureIDs() {
		executionState := current.Get(id)
		if executionState.Status != state.Started {
			continue
		}
		last := executionState.LastInteraction()
		if last == nil || last.Type != journal.OnchainInteraction || interaction.StatusOf(last) != interaction.NeedsSend {
			continue
		}
		pending, err := r.engine.client.GetTransactionCount(ctx, last.From, chain.BlockTagPending)
		if err != nil {
			return fmt.Errorf("could not get the transaction count of %s: %w", last.From, err)
		}
		if pending <= *last.Nonce {
			continue
		}

		reason := fmt.Sprintf(
			"nonce %d of %s was prepared but no transaction was recorded, and the chain counts %d transactions from it: "+
				"verify the transactions of the account, then wipe %s",
			*last.Nonce, last.From, pending, id,
		)
		if err = r.keeper.Record(&journal.ExecutionHeld{FutureID: id, Reason: reason}); err != nil {
			return err
		}
		r.engine.logger.Warn("Holding ", id, ": ", reason)
		err = r.engine.Events.FutureCompleted.Publish(FutureCompletedEvent{FutureID: id, Status: state.Held, Reason: reason})
		if err != nil {
			return err
		}
	}
	return nil
}

// logResult logs the summary of a run.
func (e *Engine) logResult(result *Result) {
	for _, failure := range result.Failures {
		if failure.Status == state.Unstarted {
			continue
		}
		e.logger.Warn(colors.Yellow, failure.FutureID, " is ", failure.Status, colors.Reset, ": ", failure.Reason)
	}
	switch {
	case result.Fatal != nil:
		e.logger.Error("Run stopped, ", len(result.Successful), " futures succeeded so far", result.Fatal)
	case result.Interrupted:
		e.logger.Warn("Run interrupted, ", len(result.Successful), " futures succeeded so far")
	case result.Succeeded():
		e.logger.Info(colors.GreenBold, "Deployment complete", colors.Reset, ": ", len(result.Successful), " futures succeeded")
	default:
		e.logger.Warn("Deployment incomplete: ", len(result.Successful), " futures succeeded, ", len(result.Failures), " did not")
	}
}
