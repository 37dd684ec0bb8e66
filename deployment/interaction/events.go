package interaction

import (
	"github.com/crytic/keel/chain"
	"github.com/crytic/keel/events"
	"github.com/ethereum/go-ethereum/common"
)

// Events defines the event emitters of the interaction driver.
type Events struct {
	// TransactionSent emits events for every transaction broadcast, including fee bumps.
	TransactionSent events.EventEmitter[TransactionSentEvent]

	// FeesBumped emits events for every replacement of a pending transaction.
	FeesBumped events.EventEmitter[FeesBumpedEvent]
}

// TransactionSentEvent describes a transaction broadcast for a future.
type TransactionSentEvent struct {
	FutureID      string
	InteractionID int
	Sender        common.Address
	Nonce         uint64
	Hash          common.Hash
	Fees          chain.Fees
}

// FeesBumpedEvent describes a replacement of a pending transaction with higher fees.
type FeesBumpedEvent struct {
	FutureID      string
	InteractionID int
	// Bump is the number of bumps of the interaction during this run, starting at one.
	Bump         int
	PreviousFees chain.Fees
	Fees         chain.Fees
}
