package status

import (
	"encoding/json"
	"math/big"
	"path/filepath"

	"github.com/crytic/keel/chain"
	"github.com/crytic/keel/deployment/journal"
	"github.com/crytic/keel/deployment/state"
	"github.com/crytic/keel/deployment/store"
	"github.com/crytic/keel/utils"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"golang.org/x/crypto/sha3"
)

// Report describes the recorded progress of a deployment.
type Report struct {
	// DeploymentID is the name of the deployment directory.
	DeploymentID string
	// ChainID is the chain the deployment was initialized on.
	ChainID uint64
	// RunCount is the number of runs started.
	RunCount int
	// Futures describes every recorded future, sorted by id.
	Futures []FutureStatus
}

// FutureStatus describes the recorded progress of a single future.
type FutureStatus struct {
	FutureID string
	Type     string
	Status   state.ExecutionStatus
	// Reason explains a FAILED, TIMEOUT or HELD status.
	Reason       string
	ContractName string
	// Result is set for successful futures.
	Result *journal.Result
	// IdentityDigest is the keccak256 hash of the recorded identity of the future. Two runs of the same module record
	// the same digest.
	IdentityDigest common.Hash
	// Transactions lists every broadcast transaction of the future, oldest first, including dropped ones.
	Transactions []TransactionStatus
}

// TransactionStatus describes a broadcast transaction.
type TransactionStatus struct {
	Hash  common.Hash
	From  common.Address
	Nonce uint64
	Fees  chain.Fees
	// Receipt is nil while the transaction is not confirmed.
	Receipt *chain.Receipt
	// Dropped is set once the node forgot the transaction.
	Dropped bool
}

// Load reads the journal of the deployment in dir and describes it. The journal is only read, so a deployment can be
// inspected while it runs.
func Load(dir string) (*Report, error) {
	path := filepath.Join(dir, store.JournalFileName)
	if !utils.FileExists(path) {
		return nil, errors.Errorf("no deployment journal found at %s", path)
	}
	current, err := state.ReduceAll(journal.ReadFile(path))
	if err != nil {
		return nil, err
	}
	return NewReport(filepath.Base(dir), current)
}

// NewReport describes a deployment state.
func NewReport(deploymentID string, current *state.DeploymentState) (*Report, error) {
	report := &Report{
		DeploymentID: deploymentID,
		ChainID:      current.ChainID,
		RunCount:     current.RunCount,
		Futures:      make([]FutureStatus, 0, len(current.ExecutionStates)),
	}
	for _, id := range current.FutureIDs() {
		executionState := current.Get(id)
		digest, err := IdentityDigest(executionState.Identity)
		if err != nil {
			return nil, err
		}
		report.Futures = append(report.Futures, FutureStatus{
			FutureID:       id,
			Type:           executionState.Type,
			Status:         executionState.Status,
			Reason:         executionState.Reason,
			ContractName:   executionState.Identity.ContractName,
			Result:         executionState.Result,
			IdentityDigest: digest,
			Transactions:   transactions(executionState),
		})
	}
	return report, nil
}

// transactions lists the transactions of every onchain interaction of a future.
func transactions(executionState *state.ExecutionState) []TransactionStatus {
	result := make([]TransactionStatus, 0)
	for _, n := range executionState.NetworkInteractions {
		if n.Type != journal.OnchainInteraction {
			continue
		}
		for _, tx := range n.Transactions {
			result = append(result, TransactionStatus{
				Hash:    tx.Hash,
				From:    n.From,
				Nonce:   tx.Nonce,
				Fees:    tx.Fees,
				Receipt: tx.Receipt,
				Dropped: tx.Dropped,
			})
		}
	}
	return result
}

// IdentityDigest returns the keccak256 hash of the JSON encoding of an identity.
func IdentityDigest(identity journal.Identity) (common.Hash, error) {
	b, err := json.Marshal(identity)
	if err != nil {
		return common.Hash{}, errors.WithStack(err)
	}
	hasher := sha3.NewLegacyKeccak256()
	hasher.Write(b)
	return common.BytesToHash(hasher.Sum(nil)), nil
}

// Counts returns the number of futures per status.
func (r *Report) Counts() map[state.ExecutionStatus]int {
	counts := make(map[state.ExecutionStatus]int)
	for _, future := range r.Futures {
		counts[future.Status]++
	}
	return counts
}

// Future returns the status of a future, or nil if it was never started.
func (r *Report) Future(futureID string) *FutureStatus {
	for i := range r.Futures {
		if r.Futures[i].FutureID == futureID {
			return &r.Futures[i]
		}
	}
	return nil
}

// TotalFees returns the highest amount of wei the confirmed transactions of the deployment could have paid: gas used
// times the maximum price per gas.
func (r *Report) TotalFees() *big.Int {
	total := new(big.Int)
	for _, future := range r.Futures {
		for _, tx := range future.Transactions {
			if tx.Receipt == nil || tx.Fees.MaxPrice() == nil {
				continue
			}
			cost := new(big.Int).SetUint64(tx.Receipt.GasUsed)
			total.Add(total, cost.Mul(cost, tx.Fees.MaxPrice()))
		}
	}
	return total
}
