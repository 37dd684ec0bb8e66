package testchain

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"maps"
	"math/big"
	"slices"
	"sync"

	"github.com/crytic/keel/artifacts"
	"github.com/crytic/keel/chain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// DeterministicDeploymentProxy is the CREATE2 deployment proxy which the TestChain provides at genesis.
var DeterministicDeploymentProxy = chain.DeterministicDeploymentProxy

// ErrUnreachable is returned by every TestChain method while the chain is marked unreachable.
var ErrUnreachable = errors.New("dial tcp 127.0.0.1:8545: connect: connection refused")

const (
	// deploymentGas is the gas estimate reported for contract creations.
	deploymentGas = 1_000_000
	// callGas is the gas estimate reported for calls.
	callGas = 100_000
	// replacementBumpPercentage is the minimum fee increase required to replace a pending transaction.
	replacementBumpPercentage = 10
)

// TestChainConfig describes the configuration of a TestChain.
type TestChainConfig struct {
	// ChainID is the chain id reported by the chain.
	ChainID uint64
	// AccountCount is the number of accounts the chain exposes through Accounts.
	AccountCount int
	// BaseFee is the base fee per gas of every block. If nil, the chain does not support EIP-1559 and only accepts
	// legacy transactions.
	BaseFee *big.Int
	// PriorityFee is the suggested priority fee per gas.
	PriorityFee *big.Int
	// GasPrice is the suggested legacy gas price.
	GasPrice *big.Int
	// AutoMine mines a block with every minable pending transaction each time a transaction is sent.
	AutoMine bool
}

// DefaultTestChainConfig returns an EIP-1559 chain which mines each transaction as soon as it is sent.
func DefaultTestChainConfig() TestChainConfig {
	return TestChainConfig{
		ChainID:      31337,
		AccountCount: 5,
		BaseFee:      big.NewInt(1_000_000_000),
		PriorityFee:  big.NewInt(1_000_000_000),
		GasPrice:     big.NewInt(2_000_000_000),
		AutoMine:     true,
	}
}

// blockState is a copy of the contracts of the chain at the end of a block.
type blockState struct {
	number    uint64
	contracts map[common.Address]*deployedContract
}

// pendingTransaction is a transaction waiting in the mempool.
type pendingTransaction struct {
	hash    common.Hash
	request chain.TransactionRequest
}

// TestChain is an in-memory chain.Client used for testing the deployment engine. Rather than executing bytecode, it
// matches creation bytecode against registered artifacts and dispatches calls to Go implementations of their methods,
// while keeping the nonce, mempool, fee and receipt semantics of a real node. All methods are safe for concurrent use.
type TestChain struct {
	// lock guards every field below.
	lock sync.Mutex

	// chainID is the id reported by ChainID.
	chainID *big.Int

	// accounts are the accounts reported by Accounts.
	accounts []common.Address

	// blockNumber is the number of the latest mined block.
	blockNumber uint64

	// nonces maps each sender to the number of its mined transactions.
	nonces map[common.Address]uint64

	// mempool maps each sender to its pending transactions, keyed by nonce.
	mempool map[common.Address]map[uint64]*pendingTransaction

	// transactions tracks every pending or mined transaction known to the node.
	transactions map[common.Hash]*chain.TransactionInfo

	// receipts tracks the receipts of mined transactions.
	receipts map[common.Hash]*chain.Receipt

	// baseFee is the base fee per gas, nil on a legacy chain.
	baseFee *big.Int
	// priorityFee is the suggested priority fee per gas.
	priorityFee *big.Int
	// gasPrice is the suggested legacy gas price.
	gasPrice *big.Int
	// minimumPrice is the lowest price per gas a transaction must pay to be mined, on top of the base fee.
	minimumPrice *big.Int

	// autoMine defines whether a block is mined after every sent transaction.
	autoMine bool
	// dropOnSend defines whether sent transactions are acknowledged but immediately forgotten.
	dropOnSend bool
	// unreachable defines whether every request fails as if the node was down.
	unreachable bool

	// sent records every transaction request accepted by SendTransaction, in order.
	sent []chain.TransactionRequest

	// registered are the artifacts whose creation bytecode the chain recognizes.
	registered []*registeredContract
	// contracts maps addresses to the contracts deployed there.
	contracts map[common.Address]*deployedContract
	// history holds the contracts at the end of every mined block, oldest first.
	history []blockState

	// Events defines the event system for the TestChain.
	Events TestChainEvents
}

// NewTestChain creates a new TestChain with the provided configuration. Accounts are derived deterministically, so two
// chains created with the same configuration expose the same accounts.
func NewTestChain(config TestChainConfig) *TestChain {
	accounts := make([]common.Address, config.AccountCount)
	for i := range accounts {
		accounts[i] = common.BytesToAddress(crypto.Keccak256([]byte(fmt.Sprintf("keel test account %d", i))))
	}
	return &TestChain{
		chainID:      new(big.Int).SetUint64(config.ChainID),
		accounts:     accounts,
		nonces:       make(map[common.Address]uint64),
		mempool:      make(map[common.Address]map[uint64]*pendingTransaction),
		transactions: make(map[common.Hash]*chain.TransactionInfo),
		receipts:     make(map[common.Hash]*chain.Receipt),
		baseFee:      copyBig(config.BaseFee),
		priorityFee:  copyBig(config.PriorityFee),
		gasPrice:     copyBig(config.GasPrice),
		minimumPrice: new(big.Int),
		autoMine:     config.AutoMine,
		contracts:    make(map[common.Address]*deployedContract),
	}
}

// RegisterContract makes the chain recognize deployments of the provided artifact and execute them with the given
// behavior.
func (t *TestChain) RegisterContract(artifact *artifacts.Artifact, behavior ContractBehavior) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.registered = append(t.registered, newRegisteredContract(artifact, behavior))
}

// SetAutoMine sets whether a block is mined after every sent transaction.
func (t *TestChain) SetAutoMine(autoMine bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.autoMine = autoMine
}

// SetMinimumPrice sets the lowest price per gas a transaction must offer to be mined. Transactions below it stay
// pending.
func (t *TestChain) SetMinimumPrice(price *big.Int) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.minimumPrice = copyBig(price)
}

// SetBaseFee sets the base fee per gas of upcoming blocks.
func (t *TestChain) SetBaseFee(baseFee *big.Int) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.baseFee = copyBig(baseFee)
}

// SetDropOnSend sets whether sent transactions are acknowledged with a hash but never reach the mempool.
func (t *TestChain) SetDropOnSend(drop bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.dropOnSend = drop
}

// SetUnreachable sets whether every request fails with ErrUnreachable.
func (t *TestChain) SetUnreachable(unreachable bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.unreachable = unreachable
}

// DropPendingTransactions evicts every pending transaction from the mempool, as a node under memory pressure would.
func (t *TestChain) DropPendingTransactions() {
	t.lock.Lock()
	defer t.lock.Unlock()
	for _, pending := range t.mempool {
		for _, tx := range pending {
			delete(t.transactions, tx.hash)
		}
	}
	t.mempool = make(map[common.Address]map[uint64]*pendingTransaction)
}

// SentTransactions returns every transaction request accepted by SendTransaction, in order.
func (t *TestChain) SentTransactions() []chain.TransactionRequest {
	t.lock.Lock()
	defer t.lock.Unlock()
	return slices.Clone(t.sent)
}

// IsDeployed returns whether a contract lives at the given address.
func (t *TestChain) IsDeployed(address common.Address) bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	_, ok := t.contracts[address]
	return ok
}

// ContractName returns the name of the contract deployed at the given address, or an empty string.
func (t *TestChain) ContractName(address common.Address) string {
	t.lock.Lock()
	defer t.lock.Unlock()
	if instance, ok := t.contracts[address]; ok {
		return instance.contract.artifact.ContractName
	}
	return ""
}

// Storage returns a copy of the storage of the contract deployed at the given address.
func (t *TestChain) Storage(address common.Address) map[string]any {
	t.lock.Lock()
	defer t.lock.Unlock()
	instance, ok := t.contracts[address]
	if !ok {
		return nil
	}
	return maps.Clone(instance.storage)
}

// SendExternalTransaction sends a value-less transfer from one of the chain's accounts at its next pending nonce, as a
// wallet outside the deployment would. It returns the hash of the transaction.
func (t *TestChain) SendExternalTransaction(ctx context.Context, from common.Address) (common.Hash, error) {
	nonce, err := t.GetTransactionCount(ctx, from, chain.BlockTagPending)
	if err != nil {
		return common.Hash{}, err
	}
	fees, err := t.GetNetworkFees(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	request := chain.TransactionRequest{
		CallRequest: chain.CallRequest{From: from, To: &from, Gas: 21_000},
		Nonce:       nonce,
	}
	if fees.BaseFee == nil {
		request.Fees.GasPrice = fees.GasPrice
	} else {
		request.Fees.MaxPriorityFeePerGas = fees.MaxPriorityFeePerGas
		request.Fees.MaxFeePerGas = new(big.Int).Add(new(big.Int).Mul(fees.BaseFee, big.NewInt(2)), fees.MaxPriorityFeePerGas)
	}
	return t.SendTransaction(ctx, request)
}

// Mine mines a block containing every minable pending transaction and returns the number of the new block.
func (t *TestChain) Mine() (uint64, error) {
	t.lock.Lock()
	event := t.mineLocked()
	t.lock.Unlock()
	return event.BlockNumber, t.Events.BlockMined.Publish(event)
}

// MineEmptyBlocks advances the chain by the given number of blocks without including any transaction.
func (t *TestChain) MineEmptyBlocks(count uint64) error {
	for i := uint64(0); i < count; i++ {
		t.lock.Lock()
		t.blockNumber++
		event := BlockMinedEvent{Chain: t, BlockNumber: t.blockNumber}
		t.lock.Unlock()
		if err := t.Events.BlockMined.Publish(event); err != nil {
			return err
		}
	}
	return nil
}

// ChainID implements chain.Client.
func (t *TestChain) ChainID(ctx context.Context) (*big.Int, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.unreachable {
		return nil, ErrUnreachable
	}
	return new(big.Int).Set(t.chainID), nil
}

// Accounts implements chain.Client.
func (t *TestChain) Accounts(ctx context.Context) ([]common.Address, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.unreachable {
		return nil, ErrUnreachable
	}
	return slices.Clone(t.accounts), nil
}

// Call implements chain.Client.
func (t *TestChain) Call(ctx context.Context, req chain.CallRequest) ([]byte, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.unreachable {
		return nil, ErrUnreachable
	}
	result := t.executeLocked(req.From, req.To, req.Data, valueOrZero(req.Value), t.pendingNonceLocked(req.From))
	if result.revert != nil {
		return nil, result.revert
	}
	return result.output, nil
}

// CallAtBlock implements chain.Client.
func (t *TestChain) CallAtBlock(ctx context.Context, req chain.CallRequest, blockNumber uint64) ([]byte, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.unreachable {
		return nil, ErrUnreachable
	}
	if blockNumber > t.blockNumber {
		return nil, fmt.Errorf("header not found: block %d is beyond the latest block %d", blockNumber, t.blockNumber)
	}

	// Executions only apply their changes through commit, so the current contracts can be swapped out meanwhile
	current := t.contracts
	t.contracts = t.contractsAtLocked(blockNumber)
	result := t.executeLocked(req.From, req.To, req.Data, valueOrZero(req.Value), t.nonces[req.From])
	t.contracts = current
	if result.revert != nil {
		return nil, result.revert
	}
	return result.output, nil
}

// contractsAtLocked returns the contracts at the end of a block.
func (t *TestChain) contractsAtLocked(blockNumber uint64) map[common.Address]*deployedContract {
	for i := len(t.history) - 1; i >= 0; i-- {
		if t.history[i].number <= blockNumber {
			return t.history[i].contracts
		}
	}
	return make(map[common.Address]*deployedContract)
}

// EstimateGas implements chain.Client.
func (t *TestChain) EstimateGas(ctx context.Context, req chain.CallRequest) (uint64, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.unreachable {
		return 0, ErrUnreachable
	}
	result := t.executeLocked(req.From, req.To, req.Data, valueOrZero(req.Value), t.pendingNonceLocked(req.From))
	if result.revert != nil {
		return 0, result.revert
	}
	return gasFor(req.To), nil
}

// SendTransaction implements chain.Client. A transaction with the nonce of a pending one replaces it only if it pays
// at least 10% more per gas.
func (t *TestChain) SendTransaction(ctx context.Context, tx chain.TransactionRequest) (common.Hash, error) {
	t.lock.Lock()
	if t.unreachable {
		t.lock.Unlock()
		return common.Hash{}, ErrUnreachable
	}
	hash, err := t.addTransactionLocked(tx)
	if err != nil {
		t.lock.Unlock()
		return common.Hash{}, err
	}
	var mined *BlockMinedEvent
	if t.autoMine {
		event := t.mineLocked()
		mined = &event
	}
	t.lock.Unlock()

	if err = t.Events.TransactionSent.Publish(TransactionSentEvent{Chain: t, Transaction: tx, Hash: hash}); err != nil {
		return hash, err
	}
	if mined != nil {
		if err = t.Events.BlockMined.Publish(*mined); err != nil {
			return hash, err
		}
	}
	return hash, nil
}

// addTransactionLocked validates a transaction and adds it to the mempool.
func (t *TestChain) addTransactionLocked(tx chain.TransactionRequest) (common.Hash, error) {
	if tx.Fees.MaxPrice() == nil {
		return common.Hash{}, errors.New("transaction has no fees")
	}
	if !tx.Fees.IsLegacy() && t.baseFee == nil {
		return common.Hash{}, errors.New("eip-1559 transactions are not supported")
	}
	if tx.Nonce < t.nonces[tx.From] {
		return common.Hash{}, fmt.Errorf("nonce too low: address %v, tx: %d state: %d", tx.From, tx.Nonce, t.nonces[tx.From])
	}

	hash := transactionHash(t.chainID, tx)
	pending := t.mempool[tx.From]
	if existing, ok := pending[tx.Nonce]; ok {
		if existing.hash == hash {
			return common.Hash{}, errors.New("already known")
		}
		if !isReplacement(existing.request.Fees, tx.Fees) {
			return common.Hash{}, errors.New("replacement transaction underpriced")
		}
	}

	t.sent = append(t.sent, tx)
	if t.dropOnSend {
		return hash, nil
	}
	if pending == nil {
		pending = make(map[uint64]*pendingTransaction)
		t.mempool[tx.From] = pending
	}
	if existing, ok := pending[tx.Nonce]; ok {
		delete(t.transactions, existing.hash)
	}
	pending[tx.Nonce] = &pendingTransaction{hash: hash, request: tx}
	t.transactions[hash] = &chain.TransactionInfo{Hash: hash, From: tx.From, Nonce: tx.Nonce}
	return hash, nil
}

// mineLocked mines a block containing, for each sender, the contiguous run of minable pending transactions starting
// at its next nonce.
func (t *TestChain) mineLocked() BlockMinedEvent {
	t.blockNumber++
	event := BlockMinedEvent{Chain: t, BlockNumber: t.blockNumber}
	blockHash := blockHash(t.blockNumber)

	senders := make([]common.Address, 0, len(t.mempool))
	for sender := range t.mempool {
		senders = append(senders, sender)
	}
	slices.SortFunc(senders, func(a, b common.Address) int { return a.Cmp(b) })

	for _, sender := range senders {
		pending := t.mempool[sender]
		for {
			tx, ok := pending[t.nonces[sender]]
			if !ok || !t.isMinableLocked(tx.request.Fees) {
				break
			}
			delete(pending, tx.request.Nonce)
			t.nonces[sender]++

			req := tx.request
			result := t.executeLocked(req.From, req.To, req.Data, valueOrZero(req.Value), req.Nonce)
			receipt := &chain.Receipt{
				TransactionHash: tx.hash,
				BlockNumber:     t.blockNumber,
				BlockHash:       blockHash,
				Success:         result.revert == nil,
				GasUsed:         gasFor(req.To),
				Logs:            []chain.Log{},
			}
			if result.revert == nil {
				result.commit()
				receipt.Logs = append(receipt.Logs, result.logs...)
				if req.To == nil {
					receipt.ContractAddress = result.deployed
				}
			}
			t.receipts[tx.hash] = receipt
			blockNumber := t.blockNumber
			t.transactions[tx.hash].BlockNumber = &blockNumber
			event.Transactions = append(event.Transactions, tx.hash)
		}
		if len(pending) == 0 {
			delete(t.mempool, sender)
		}
	}

	snapshot := make(map[common.Address]*deployedContract, len(t.contracts))
	for address, instance := range t.contracts {
		snapshot[address] = &deployedContract{contract: instance.contract, storage: maps.Clone(instance.storage)}
	}
	t.history = append(t.history, blockState{number: t.blockNumber, contracts: snapshot})
	return event
}

// isMinableLocked returns whether a transaction offering the given fees can be included in the next block.
func (t *TestChain) isMinableLocked(fees chain.Fees) bool {
	price := fees.MaxPrice()
	if t.baseFee != nil && price.Cmp(t.baseFee) < 0 {
		return false
	}
	return price.Cmp(t.minimumPrice) >= 0
}

// pendingNonceLocked returns the number of mined transactions of a sender plus its contiguous pending ones.
func (t *TestChain) pendingNonceLocked(address common.Address) uint64 {
	nonce := t.nonces[address]
	for {
		if _, ok := t.mempool[address][nonce]; !ok {
			return nonce
		}
		nonce++
	}
}

// GetTransactionCount implements chain.Client.
func (t *TestChain) GetTransactionCount(ctx context.Context, address common.Address, tag chain.BlockTag) (uint64, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.unreachable {
		return 0, ErrUnreachable
	}
	if tag == chain.BlockTagPending {
		return t.pendingNonceLocked(address), nil
	}
	return t.nonces[address], nil
}

// GetTransactionReceipt implements chain.Client.
func (t *TestChain) GetTransactionReceipt(ctx context.Context, hash common.Hash) (*chain.Receipt, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.unreachable {
		return nil, ErrUnreachable
	}
	receipt, ok := t.receipts[hash]
	if !ok {
		return nil, nil
	}
	copied := *receipt
	copied.Logs = slices.Clone(receipt.Logs)
	return &copied, nil
}

// GetTransaction implements chain.Client.
func (t *TestChain) GetTransaction(ctx context.Context, hash common.Hash) (*chain.TransactionInfo, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.unreachable {
		return nil, ErrUnreachable
	}
	info, ok := t.transactions[hash]
	if !ok {
		return nil, nil
	}
	copied := *info
	return &copied, nil
}

// GetBlockNumber implements chain.Client.
func (t *TestChain) GetBlockNumber(ctx context.Context) (uint64, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.unreachable {
		return 0, ErrUnreachable
	}
	return t.blockNumber, nil
}

// GetNetworkFees implements chain.Client.
func (t *TestChain) GetNetworkFees(ctx context.Context) (*chain.NetworkFees, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.unreachable {
		return nil, ErrUnreachable
	}
	return &chain.NetworkFees{
		BaseFee:              copyBig(t.baseFee),
		MaxPriorityFeePerGas: copyBig(t.priorityFee),
		GasPrice:             copyBig(t.gasPrice),
	}, nil
}

// isReplacement returns whether replacement pays enough more than existing to take its place in the mempool.
func isReplacement(existing chain.Fees, replacement chain.Fees) bool {
	if !bumpedEnough(existing.MaxPrice(), replacement.MaxPrice()) {
		return false
	}
	if !existing.IsLegacy() && !replacement.IsLegacy() {
		return bumpedEnough(existing.MaxPriorityFeePerGas, replacement.MaxPriorityFeePerGas)
	}
	return true
}

// bumpedEnough returns whether updated * 100 >= previous * (100 + replacementBumpPercentage).
func bumpedEnough(previous *big.Int, updated *big.Int) bool {
	if previous == nil {
		return true
	}
	if updated == nil {
		return false
	}
	lhs := new(big.Int).Mul(updated, big.NewInt(100))
	rhs := new(big.Int).Mul(previous, big.NewInt(100+replacementBumpPercentage))
	return lhs.Cmp(rhs) >= 0
}

// transactionHash derives a deterministic hash from every field of a transaction.
func transactionHash(chainID *big.Int, tx chain.TransactionRequest) common.Hash {
	var nonce [8]byte
	binary.BigEndian.PutUint64(nonce[:], tx.Nonce)
	to := []byte{}
	if tx.To != nil {
		to = tx.To.Bytes()
	}
	return crypto.Keccak256Hash(
		chainID.Bytes(),
		tx.From.Bytes(),
		nonce[:],
		to,
		tx.Data,
		valueOrZero(tx.Value).Bytes(),
		bigBytes(tx.Fees.MaxFeePerGas),
		bigBytes(tx.Fees.MaxPriorityFeePerGas),
		bigBytes(tx.Fees.GasPrice),
	)
}

// blockHash derives a deterministic hash for a block number.
func blockHash(number uint64) common.Hash {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], number)
	return crypto.Keccak256Hash([]byte("block"), b[:])
}

func gasFor(to *common.Address) uint64 {
	if to == nil {
		return deploymentGas
	}
	return callGas
}

func valueOrZero(value *big.Int) *big.Int {
	if value == nil {
		return new(big.Int)
	}
	return value
}

func bigBytes(value *big.Int) []byte {
	if value == nil {
		return []byte{0xff}
	}
	return append([]byte{0x00}, value.Bytes()...)
}

func copyBig(value *big.Int) *big.Int {
	if value == nil {
		return nil
	}
	return new(big.Int).Set(value)
}

var _ chain.Client = (*TestChain)(nil)
