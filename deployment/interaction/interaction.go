package interaction

import (
	"github.com/crytic/keel/chain"
	"github.com/crytic/keel/deployment/journal"
	"github.com/crytic/keel/deployment/state"
	"github.com/ethereum/go-ethereum/common"
)

// Status is the lifecycle status of a network interaction, derived from its recorded state.
type Status string

const (
	NeedsSimulation     Status = "NEEDS_SIMULATION"
	NeedsSend           Status = "NEEDS_SEND"
	PendingConfirmation Status = "PENDING_CONFIRMATION"
	ConfirmedSuccess    Status = "CONFIRMED_SUCCESS"
	ConfirmedRevert     Status = "CONFIRMED_REVERT"
	Dropped             Status = "DROPPED"
	TimedOut            Status = "TIMEOUT"
	StaticCallComplete  Status = "STATIC_CALL_COMPLETE"
)

// StatusOf derives the lifecycle status of an interaction. A dropped interaction needs a new simulation once its
// future runs again, so it only reports DROPPED until then.
func StatusOf(n *state.NetworkInteraction) Status {
	if n.Type == journal.StaticCall {
		if n.StaticCallResult != nil {
			return StaticCallComplete
		}
		return NeedsSimulation
	}
	if confirmed := n.ConfirmedTransaction(); confirmed != nil {
		if confirmed.Receipt.Success {
			return ConfirmedSuccess
		}
		return ConfirmedRevert
	}
	if n.TimedOut {
		return TimedOut
	}
	if n.Dropped {
		return Dropped
	}
	if len(n.LiveTransactions()) > 0 {
		return PendingConfirmation
	}
	if n.Nonce != nil {
		return NeedsSend
	}
	return NeedsSimulation
}

// OutcomeKind classifies how an onchain interaction ended for this run.
type OutcomeKind string

const (
	// OutcomeConfirmed means a transaction was mined with the required confirmations, successfully or not.
	OutcomeConfirmed OutcomeKind = "CONFIRMED"
	// OutcomeSimulationFailed means the transaction reverted in simulation and was not sent.
	OutcomeSimulationFailed OutcomeKind = "SIMULATION_FAILED"
	// OutcomeTimeout means the transaction was not mined before the fee bump budget was exhausted.
	OutcomeTimeout OutcomeKind = "TIMEOUT"
)

// Outcome is the result of driving an onchain interaction.
type Outcome struct {
	Kind OutcomeKind
	// Receipt is set for OutcomeConfirmed.
	Receipt *chain.Receipt
	// RevertData is the revert data of a failed simulation.
	RevertData []byte
	// Reason explains a timeout.
	Reason string
}

// DroppedTransactionError is returned when every transaction of an interaction disappeared from the node.
type DroppedTransactionError struct {
	FutureID      string
	InteractionID int
	Sender        common.Address
	Nonce         uint64
}

// Error implements error.
func (e *DroppedTransactionError) Error() string {
	return "all transactions for this interaction were dropped"
}

// Recorder durably records journal messages and applies them to the deployment state.
type Recorder interface {
	Record(message journal.Message) error
}
