package interaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crytic/keel/chain"
	"github.com/crytic/keel/deployment/journal"
	"github.com/crytic/keel/deployment/nonce"
	"github.com/crytic/keel/deployment/state"
	"github.com/crytic/keel/logging"
	"github.com/crytic/keel/logging/colors"
	"github.com/ethereum/go-ethereum/common"
)

// Config configures the interaction driver.
type Config struct {
	// RequiredConfirmations is the number of blocks, including its own, a transaction needs to be confirmed.
	RequiredConfirmations uint64
	// PollingInterval is the time between two checks of a pending transaction.
	PollingInterval time.Duration
	// TimeBeforeBumpingFees is the time a transaction may stay pending before it is replaced with higher fees.
	TimeBeforeBumpingFees time.Duration
	// MaxFeeBumps is the number of replacements allowed per interaction and run. Only replacements accepted by the
	// node count. A rejected replacement is retried with higher fees after TimeBeforeBumpingFees, and MaxFeeBumps
	// rejections in a row time the interaction out.
	MaxFeeBumps int
	// DroppedTransactionGracePeriod is the time every transaction of an interaction may be unknown to the node before
	// the interaction is considered dropped.
	DroppedTransactionGracePeriod time.Duration
	// GasLimit replaces gas estimation when non-zero.
	GasLimit uint64
	// Fees configures fee selection.
	Fees FeeConfig
}

// Driver runs network interactions: it simulates, sends and monitors transactions, bumps their fees, and records
// every step in the journal before acting on it.
type Driver struct {
	client   chain.Client
	nonces   *nonce.Manager
	clock    Clock
	recorder Recorder
	config   Config
	events   *Events
	logger   *logging.Logger
}

// NewDriver creates a Driver.
func NewDriver(client chain.Client, nonces *nonce.Manager, clock Clock, recorder Recorder, config Config, events *Events) *Driver {
	if events == nil {
		events = &Events{}
	}
	return &Driver{
		client:   client,
		nonces:   nonces,
		clock:    clock,
		recorder: recorder,
		config:   config,
		events:   events,
		logger:   logging.GlobalLogger.NewSubLogger("module", logging.ENGINE_SERVICE),
	}
}

// RunStaticCall performs a static call interaction and records its response. Reverts are recorded as unsuccessful
// responses rather than returned as errors.
func (d *Driver) RunStaticCall(ctx context.Context, futureID string, n *state.NetworkInteraction) (*state.StaticCallResult, error) {
	if n.StaticCallResult != nil {
		return n.StaticCallResult, nil
	}
	output, err := d.client.Call(ctx, chain.CallRequest{From: n.From, To: n.To, Data: n.Data, Value: n.Value})
	result := &state.StaticCallResult{Success: true, ReturnData: output}
	if err != nil {
		revertErr, ok := chain.AsRevertError(err)
		if !ok {
			return nil, fmt.Errorf("static call of %s failed: %w", futureID, err)
		}
		result = &state.StaticCallResult{Success: false, ReturnData: revertErr.Data}
	}
	err = d.recorder.Record(&journal.StaticCallComplete{
		FutureID:      futureID,
		InteractionID: n.ID,
		Success:       result.Success,
		ReturnData:    result.ReturnData,
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RunOnchain drives an onchain interaction from its recorded status until it is confirmed, fails to simulate, or
// times out. Pending transactions found in the journal are monitored, never sent again. A dropped interaction is
// recorded and returned as a *DroppedTransactionError.
func (d *Driver) RunOnchain(ctx context.Context, futureID string, n *state.NetworkInteraction) (*Outcome, error) {
	switch StatusOf(n) {
	case ConfirmedSuccess, ConfirmedRevert:
		return &Outcome{Kind: OutcomeConfirmed, Receipt: n.ConfirmedTransaction().Receipt}, nil
	case PendingConfirmation:
		return d.monitor(ctx, futureID, n.ID, n.From, *n.Nonce, n.LiveTransactions(), request(n))
	case TimedOut:
		return &Outcome{Kind: OutcomeTimeout, Reason: "fee bumps exhausted"}, nil
	}

	sent, outcome, err := d.send(ctx, futureID, n)
	if err != nil || outcome != nil {
		return outcome, err
	}
	return d.monitor(ctx, futureID, n.ID, n.From, sent.nonce, []state.Transaction{{Hash: sent.hash, Nonce: sent.nonce, Fees: sent.fees}}, sent.request)
}

// sentTransaction describes the first broadcast of an interaction.
type sentTransaction struct {
	nonce   uint64
	hash    common.Hash
	fees    chain.Fees
	request chain.TransactionRequest
}

// request returns the transaction request of an interaction, without nonce or fees.
func request(n *state.NetworkInteraction) chain.TransactionRequest {
	return chain.TransactionRequest{CallRequest: chain.CallRequest{From: n.From, To: n.To, Data: n.Data, Value: n.Value}}
}

// send allocates a nonce, simulates and broadcasts the first transaction of an interaction while holding the send slot
// of its sender. It returns an outcome instead if the simulation reverted.
func (d *Driver) send(ctx context.Context, futureID string, n *state.NetworkInteraction) (*sentTransaction, *Outcome, error) {
	unlock := d.nonces.LockSender(n.From)
	defer unlock()

	allocated, err := d.nonces.GetNextNonce(ctx, n.From)
	if err != nil {
		return nil, nil, err
	}

	req := request(n)
	req.Nonce = allocated
	if _, err = d.client.Call(ctx, req.CallRequest); err != nil {
		d.nonces.RevertNonce(n.From)
		if revertErr, ok := chain.AsRevertError(err); ok {
			return nil, &Outcome{Kind: OutcomeSimulationFailed, RevertData: revertErr.Data}, nil
		}
		return nil, nil, fmt.Errorf("simulation of %s failed: %w", futureID, err)
	}
	if req.Gas, err = d.gasLimit(ctx, req.CallRequest); err != nil {
		d.nonces.RevertNonce(n.From)
		if revertErr, ok := chain.AsRevertError(err); ok {
			return nil, &Outcome{Kind: OutcomeSimulationFailed, RevertData: revertErr.Data}, nil
		}
		return nil, nil, fmt.Errorf("gas estimation of %s failed: %w", futureID, err)
	}
	network, err := d.client.GetNetworkFees(ctx)
	if err != nil {
		d.nonces.RevertNonce(n.From)
		return nil, nil, fmt.Errorf("could not get network fees: %w", err)
	}
	if req.Fees, err = EstimateFees(network, d.config.Fees); err != nil {
		d.nonces.RevertNonce(n.From)
		return nil, nil, err
	}

	err = d.recorder.Record(&journal.TransactionPrepareSend{FutureID: futureID, InteractionID: n.ID, Nonce: allocated})
	if err != nil {
		return nil, nil, err
	}
	hash, err := d.client.SendTransaction(ctx, req)
	if err != nil {
		d.nonces.RevertNonce(n.From)
		return nil, nil, fmt.Errorf("could not send the transaction of %s: %w", futureID, err)
	}
	if err = d.recordSend(futureID, n.ID, req, hash); err != nil {
		return nil, nil, err
	}
	return &sentTransaction{nonce: allocated, hash: hash, fees: req.Fees, request: req}, nil, nil
}

// gasLimit returns the configured gas limit, or an estimate if none is configured.
func (d *Driver) gasLimit(ctx context.Context, req chain.CallRequest) (uint64, error) {
	if d.config.GasLimit != 0 {
		return d.config.GasLimit, nil
	}
	return d.client.EstimateGas(ctx, req)
}

// recordSend records a broadcast transaction and publishes it.
func (d *Driver) recordSend(futureID string, interactionID int, req chain.TransactionRequest, hash common.Hash) error {
	err := d.recorder.Record(&journal.TransactionSend{
		FutureID:      futureID,
		InteractionID: interactionID,
		Nonce:         req.Nonce,
		Transaction:   journal.Transaction{Hash: hash, Fees: req.Fees},
	})
	if err != nil {
		return err
	}
	d.logger.Info("Sent ", colors.Bold, hash.Hex(), colors.Reset, " for ", futureID, " with nonce ", req.Nonce, " (", req.Fees, ")")
	return d.events.TransactionSent.Publish(TransactionSentEvent{
		FutureID:      futureID,
		InteractionID: interactionID,
		Sender:        req.From,
		Nonce:         req.Nonce,
		Hash:          hash,
		Fees:          req.Fees,
	})
}

// monitor polls the transactions of an interaction until one is confirmed, bumping fees when they stay pending and
// detecting when they all disappear from the node.
func (d *Driver) monitor(
	ctx context.Context,
	futureID string,
	interactionID int,
	sender common.Address,
	allocated uint64,
	transactions []state.Transaction,
	req chain.TransactionRequest,
) (*Outcome, error) {
	req.From = sender
	req.Nonce = allocated
	lastBroadcast := d.clock.Now()
	var missingSince *time.Time
	bumps, rejected := 0, 0
	lastFees := transactions[len(transactions)-1].Fees

	for {
		included, outcome, err := d.checkReceipts(ctx, futureID, interactionID, transactions)
		if err != nil || outcome != nil {
			return outcome, err
		}

		if !included {
			known, err := d.anyKnown(ctx, transactions)
			if err != nil {
				return nil, err
			}
			now := d.clock.Now()
			switch {
			case known:
				missingSince = nil
			case missingSince == nil:
				missingSince = &now
			case now.Sub(*missingSince) >= d.config.DroppedTransactionGracePeriod:
				err = d.recorder.Record(&journal.OnchainInteractionDropped{FutureID: futureID, InteractionID: interactionID})
				if err != nil {
					return nil, err
				}
				return nil, &DroppedTransactionError{FutureID: futureID, InteractionID: interactionID, Sender: sender, Nonce: allocated}
			}

			if known && now.Sub(lastBroadcast) >= d.config.TimeBeforeBumpingFees {
				if bumps >= d.config.MaxFeeBumps {
					return d.timeout(futureID, interactionID, fmt.Sprintf("not mined after %d fee bumps", bumps))
				}
				if rejected >= d.config.MaxFeeBumps {
					return d.timeout(futureID, interactionID, fmt.Sprintf("%d replacements in a row were rejected", rejected))
				}
				previous := transactions[len(transactions)-1]
				network, err := d.client.GetNetworkFees(ctx)
				if err != nil {
					return nil, fmt.Errorf("could not get network fees: %w", err)
				}
				fees, err := BumpFees(lastFees, network, d.config.Fees)
				if errors.Is(err, ErrFeeLimitReached) {
					return d.timeout(futureID, interactionID, err.Error())
				}
				if err != nil {
					return nil, err
				}

				// Transactions resumed from the journal carry no gas limit
				if req.Gas == 0 {
					if req.Gas, err = d.gasLimit(ctx, req.CallRequest); err != nil {
						return nil, fmt.Errorf("gas estimation of %s failed: %w", futureID, err)
					}
				}
				lastBroadcast = now
				lastFees = fees
				replaced, err := d.bump(ctx, futureID, interactionID, req, previous.Fees, fees, bumps+1)
				if err != nil {
					return nil, err
				}
				if replaced == nil {
					rejected++
				} else {
					bumps++
					rejected = 0
					transactions = append(transactions, *replaced)
				}
			}
		}

		if err = d.clock.Sleep(ctx, d.config.PollingInterval); err != nil {
			return nil, err
		}
	}
}

// checkReceipts looks for a receipt of any transaction of the interaction, newest first. It returns whether one was
// found, and an outcome once it has enough confirmations.
func (d *Driver) checkReceipts(ctx context.Context, futureID string, interactionID int, transactions []state.Transaction) (bool, *Outcome, error) {
	for i := len(transactions) - 1; i >= 0; i-- {
		receipt, err := d.client.GetTransactionReceipt(ctx, transactions[i].Hash)
		if err != nil {
			return false, nil, fmt.Errorf("could not get the receipt of %s: %w", transactions[i].Hash, err)
		}
		if receipt == nil {
			continue
		}
		latest, err := d.client.GetBlockNumber(ctx)
		if err != nil {
			return false, nil, fmt.Errorf("could not get the block number: %w", err)
		}
		required := max(d.config.RequiredConfirmations, 1)
		if receipt.BlockNumber+required-1 > latest {
			return true, nil, nil
		}
		err = d.recorder.Record(&journal.TransactionConfirm{
			FutureID:      futureID,
			InteractionID: interactionID,
			Hash:          transactions[i].Hash,
			Receipt:       *receipt,
		})
		if err != nil {
			return false, nil, err
		}
		return true, &Outcome{Kind: OutcomeConfirmed, Receipt: receipt}, nil
	}
	return false, nil, nil
}

// anyKnown returns whether the node knows any of the transactions, pending or mined.
func (d *Driver) anyKnown(ctx context.Context, transactions []state.Transaction) (bool, error) {
	for _, tx := range transactions {
		info, err := d.client.GetTransaction(ctx, tx.Hash)
		if err != nil {
			return false, fmt.Errorf("could not get transaction %s: %w", tx.Hash, err)
		}
		if info != nil {
			return true, nil
		}
	}
	return false, nil
}

// bump records a fee bump and broadcasts the replacement transaction. A replacement rejected by the node is logged
// and nil is returned: monitoring continues, as the rejection usually means the previous transaction was just mined
// or the new fees were not high enough to replace it.
func (d *Driver) bump(
	ctx context.Context,
	futureID string,
	interactionID int,
	req chain.TransactionRequest,
	previous chain.Fees,
	fees chain.Fees,
	bumps int,
) (*state.Transaction, error) {
	if err := d.recorder.Record(&journal.OnchainInteractionBumpFees{FutureID: futureID, InteractionID: interactionID}); err != nil {
		return nil, err
	}
	req.Fees = fees
	hash, err := d.client.SendTransaction(ctx, req)
	if err != nil {
		d.logger.Warn("Replacement transaction for ", futureID, " was rejected", err)
		return nil, nil
	}
	if err = d.recordSend(futureID, interactionID, req, hash); err != nil {
		return nil, err
	}
	err = d.events.FeesBumped.Publish(FeesBumpedEvent{
		FutureID:      futureID,
		InteractionID: interactionID,
		Bump:          bumps,
		PreviousFees:  previous,
		Fees:          fees,
	})
	if err != nil {
		return nil, err
	}
	return &state.Transaction{Hash: hash, Nonce: req.Nonce, Fees: fees}, nil
}

// timeout records that an interaction ran out of fee bumps.
func (d *Driver) timeout(futureID string, interactionID int, reason string) (*Outcome, error) {
	err := d.recorder.Record(&journal.OnchainInteractionTimeout{FutureID: futureID, InteractionID: interactionID})
	if err != nil {
		return nil, err
	}
	d.logger.Warn("Transaction of ", futureID, " timed out: ", reason)
	return &Outcome{Kind: OutcomeTimeout, Reason: reason}, nil
}
