package state

import (
	"maps"
	"math/big"
	"slices"
	"sort"

	"github.com/crytic/keel/chain"
	"github.com/crytic/keel/deployment/journal"
	"github.com/ethereum/go-ethereum/common"
)

// ExecutionStatus is the status of a future.
type ExecutionStatus string

const (
	Unstarted ExecutionStatus = "UNSTARTED"
	Started   ExecutionStatus = "STARTED"
	Success   ExecutionStatus = "SUCCESS"
	Failed    ExecutionStatus = "FAILED"
	Timeout   ExecutionStatus = "TIMEOUT"
	Held      ExecutionStatus = "HELD"
)

// IsTerminal returns whether the status ends the processing of a future for the current run.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case Success, Failed, Timeout, Held:
		return true
	}
	return false
}

// Transaction is one broadcast attempt of an onchain interaction.
type Transaction struct {
	Hash  common.Hash
	Nonce uint64
	Fees  chain.Fees
	// Receipt is nil until the transaction is confirmed.
	Receipt *chain.Receipt
	// Dropped is set once the node forgot the transaction. Its nonce may since have been reused.
	Dropped bool
}

// NetworkInteraction is either a static call or an onchain interaction, the latter being one logical transaction
// whose fees may be bumped.
type NetworkInteraction struct {
	ID    int
	Type  journal.InteractionType
	From  common.Address
	To    *common.Address
	Data  []byte
	Value *big.Int

	// Nonce is allocated once, before the first broadcast, and reused by fee bumps.
	Nonce *uint64
	// Transactions are the broadcast attempts, oldest first, including dropped ones.
	Transactions []Transaction
	// Bumps is the number of fee bumps recorded, including replacements the node rejected.
	Bumps int
	// TimedOut is set once the fee bump budget was exhausted.
	TimedOut bool
	// Dropped is set once every transaction disappeared from the node. The nonce is cleared and the transactions are
	// marked dropped, until a new nonce is prepared.
	Dropped bool

	// StaticCallResult is set once a static call completed.
	StaticCallResult *StaticCallResult
}

// StaticCallResult is the response to a static call.
type StaticCallResult struct {
	Success    bool
	ReturnData []byte
}

// ConfirmedTransaction returns the transaction with a receipt, if any.
func (n *NetworkInteraction) ConfirmedTransaction() *Transaction {
	for i := range n.Transactions {
		if n.Transactions[i].Receipt != nil {
			return &n.Transactions[i]
		}
	}
	return nil
}

// LiveTransactions returns the transactions which were not dropped, oldest first. They all share the current nonce.
func (n *NetworkInteraction) LiveTransactions() []Transaction {
	return slices.DeleteFunc(slices.Clone(n.Transactions), func(tx Transaction) bool {
		return tx.Dropped
	})
}

// clone returns a deep copy of the interaction, except for receipts and payloads which are never mutated.
func (n *NetworkInteraction) clone() *NetworkInteraction {
	copied := *n
	copied.Transactions = slices.Clone(n.Transactions)
	if n.Nonce != nil {
		nonce := *n.Nonce
		copied.Nonce = &nonce
	}
	return &copied
}

// ExecutionState is the recorded progress of a single future.
type ExecutionState struct {
	ID           string
	Type         string
	Status       ExecutionStatus
	Strategy     string
	Dependencies []string
	Identity     journal.Identity

	// NetworkInteractions are the interactions of the future in the order they were requested.
	NetworkInteractions []*NetworkInteraction

	// Result is set when the future succeeded.
	Result *journal.Result
	// Reason explains a FAILED, TIMEOUT or HELD status.
	Reason string
}

// LastInteraction returns the most recent network interaction, or nil.
func (e *ExecutionState) LastInteraction() *NetworkInteraction {
	if len(e.NetworkInteractions) == 0 {
		return nil
	}
	return e.NetworkInteractions[len(e.NetworkInteractions)-1]
}

// Interaction returns the network interaction with the given id, or nil.
func (e *ExecutionState) Interaction(id int) *NetworkInteraction {
	for _, interaction := range e.NetworkInteractions {
		if interaction.ID == id {
			return interaction
		}
	}
	return nil
}

// clone returns a shallow copy whose interaction list may be modified.
func (e *ExecutionState) clone() *ExecutionState {
	copied := *e
	copied.NetworkInteractions = slices.Clone(e.NetworkInteractions)
	return &copied
}

// DeploymentState is the state of a deployment, as reduced from its journal. It is a value: Reduce never modifies the
// state it is given.
type DeploymentState struct {
	// ChainID is the chain the deployment was initialized on, zero before initialization.
	ChainID uint64
	// RunCount is the number of runs started.
	RunCount int
	// ExecutionStates maps future ids to their state. A future without a record is UNSTARTED.
	ExecutionStates map[string]*ExecutionState
}

// New returns the state of an empty journal.
func New() *DeploymentState {
	return &DeploymentState{ExecutionStates: make(map[string]*ExecutionState)}
}

// Status returns the status of a future.
func (d *DeploymentState) Status(futureID string) ExecutionStatus {
	if executionState, ok := d.ExecutionStates[futureID]; ok {
		return executionState.Status
	}
	return Unstarted
}

// Get returns the state of a future, or nil if it is UNSTARTED.
func (d *DeploymentState) Get(futureID string) *ExecutionState {
	return d.ExecutionStates[futureID]
}

// FutureIDs returns the ids of every recorded future in sorted order.
func (d *DeploymentState) FutureIDs() []string {
	ids := make([]string, 0, len(d.ExecutionStates))
	for id := range d.ExecutionStates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsEmpty returns whether no future was ever started.
func (d *DeploymentState) IsEmpty() bool {
	return len(d.ExecutionStates) == 0
}

// with returns a copy of the state in which the given future state is replaced.
func (d *DeploymentState) with(executionState *ExecutionState) *DeploymentState {
	copied := *d
	copied.ExecutionStates = maps.Clone(d.ExecutionStates)
	copied.ExecutionStates[executionState.ID] = executionState
	return &copied
}

// without returns a copy of the state without the given future.
func (d *DeploymentState) without(futureID string) *DeploymentState {
	copied := *d
	copied.ExecutionStates = maps.Clone(d.ExecutionStates)
	delete(copied.ExecutionStates, futureID)
	return &copied
}
