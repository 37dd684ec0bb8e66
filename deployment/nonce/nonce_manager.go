package nonce

import (
	"context"
	"fmt"
	"sync"

	"github.com/crytic/keel/chain"
	"github.com/ethereum/go-ethereum/common"
)

// InvalidNonceError is returned when the pending transaction count of a sender differs from what the deployment
// expects, which means another party sent transactions from the same account during the run.
type InvalidNonceError struct {
	Sender   common.Address
	Expected uint64
	Pending  uint64
}

// Error implements error.
func (e *InvalidNonceError) Error() string {
	return fmt.Sprintf(
		"the next nonce for %s should be %d, but the chain reports %d pending transactions: the account was used by "+
			"another party during the deployment",
		e.Sender, e.Expected, e.Pending,
	)
}

// Manager allocates nonces per sender. It trusts the chain's pending transaction count for the first allocation of a
// sender and afterwards verifies that the count keeps matching its own allocations.
type Manager struct {
	client chain.Client

	// lastAllocated maps senders to the last nonce allocated during this process.
	lastAllocated map[common.Address]uint64
	lock          sync.Mutex

	// senderLocks serialize the allocate, simulate and send sequence of each sender.
	senderLocks     map[common.Address]*sync.Mutex
	senderLocksLock sync.Mutex
}

// NewManager creates a Manager querying the given client.
func NewManager(client chain.Client) *Manager {
	return &Manager{
		client:        client,
		lastAllocated: make(map[common.Address]uint64),
		senderLocks:   make(map[common.Address]*sync.Mutex),
	}
}

// LockSender acquires the send slot of a sender and returns the function releasing it. Holding the slot from nonce
// allocation until the transaction is broadcast prevents two futures of one batch from interleaving their nonces.
func (m *Manager) LockSender(sender common.Address) func() {
	m.senderLocksLock.Lock()
	senderLock, ok := m.senderLocks[sender]
	if !ok {
		senderLock = &sync.Mutex{}
		m.senderLocks[sender] = senderLock
	}
	m.senderLocksLock.Unlock()

	senderLock.Lock()
	return senderLock.Unlock
}

// GetNextNonce allocates the next nonce of a sender. It returns an *InvalidNonceError if the pending transaction count
// of the sender does not match the nonces allocated so far.
func (m *Manager) GetNextNonce(ctx context.Context, sender common.Address) (uint64, error) {
	pending, err := m.client.GetTransactionCount(ctx, sender, chain.BlockTagPending)
	if err != nil {
		return 0, fmt.Errorf("could not get the transaction count of %s: %w", sender, err)
	}

	m.lock.Lock()
	defer m.lock.Unlock()
	expected := pending
	if last, ok := m.lastAllocated[sender]; ok {
		expected = last + 1
	}
	if pending != expected {
		return 0, &InvalidNonceError{Sender: sender, Expected: expected, Pending: pending}
	}
	m.lastAllocated[sender] = expected
	return expected, nil
}

// RevertNonce releases the last nonce allocated to a sender, after its transaction failed to simulate or broadcast.
func (m *Manager) RevertNonce(sender common.Address) {
	m.lock.Lock()
	defer m.lock.Unlock()
	last, ok := m.lastAllocated[sender]
	if !ok {
		return
	}
	if last == 0 {
		delete(m.lastAllocated, sender)
		return
	}
	m.lastAllocated[sender] = last - 1
}
