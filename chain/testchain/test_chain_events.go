package testchain

import (
	"github.com/crytic/keel/chain"
	"github.com/crytic/keel/events"
	"github.com/ethereum/go-ethereum/common"
)

// TestChainEvents defines event emitters for a TestChain. Handlers run after the chain lock was released, so they may
// call back into the chain.
type TestChainEvents struct {
	// TransactionSent emits events for every transaction accepted into the mempool.
	TransactionSent events.EventEmitter[TransactionSentEvent]

	// BlockMined emits events for every block mined, including empty ones.
	BlockMined events.EventEmitter[BlockMinedEvent]
}

// TransactionSentEvent describes an event where a transaction was accepted by the TestChain.
type TransactionSentEvent struct {
	Chain       *TestChain
	Transaction chain.TransactionRequest
	Hash        common.Hash
}

// BlockMinedEvent describes an event where a new block was mined by the TestChain.
type BlockMinedEvent struct {
	Chain        *TestChain
	BlockNumber  uint64
	Transactions []common.Hash
}
