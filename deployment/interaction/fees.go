package interaction

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/crytic/keel/chain"
	"github.com/holiman/uint256"
)

// ErrFeeLimitReached is returned by BumpFees when the fees cannot be raised any further within the configured limit.
var ErrFeeLimitReached = errors.New("the maximum fee per gas limit was reached")

// FeeConfig configures fee selection.
type FeeConfig struct {
	// MaxFeePerGasLimit caps the max fee per gas (or gas price) of any transaction. Nil means no cap.
	MaxFeePerGasLimit *big.Int
	// MaxPriorityFeePerGas replaces the priority fee suggested by the node. Nil means the suggestion is used.
	MaxPriorityFeePerGas *big.Int
	// GasPrice forces legacy transactions at a fixed gas price. Nil means fees are estimated.
	GasPrice *big.Int
	// BumpPercentage is the minimum increase of each fee bump, in percent.
	BumpPercentage uint64
}

// EstimateFees selects the fees of a first broadcast: the configured gas price if any, the legacy gas price on chains
// without a base fee, and otherwise a max fee of twice the base fee plus the priority fee.
func EstimateFees(network *chain.NetworkFees, config FeeConfig) (chain.Fees, error) {
	if config.GasPrice != nil {
		return chain.Fees{GasPrice: new(big.Int).Set(config.GasPrice)}, nil
	}
	if network.BaseFee == nil {
		if network.GasPrice == nil {
			return chain.Fees{}, errors.New("the node reported no gas price")
		}
		return chain.Fees{GasPrice: capFee(network.GasPrice, config.MaxFeePerGasLimit)}, nil
	}

	tip := network.MaxPriorityFeePerGas
	if config.MaxPriorityFeePerGas != nil {
		tip = config.MaxPriorityFeePerGas
	}
	if tip == nil {
		tip = new(big.Int)
	}
	baseFee, overflow := uint256.FromBig(network.BaseFee)
	if overflow {
		return chain.Fees{}, fmt.Errorf("base fee %s out of range", network.BaseFee)
	}
	tipValue, overflow := uint256.FromBig(tip)
	if overflow {
		return chain.Fees{}, fmt.Errorf("priority fee %s out of range", tip)
	}
	maxFee, overflow := new(uint256.Int).MulOverflow(baseFee, uint256.NewInt(2))
	if !overflow {
		maxFee, overflow = maxFee.AddOverflow(maxFee, tipValue)
	}
	if overflow {
		return chain.Fees{}, errors.New("max fee per gas overflows")
	}

	fees := chain.Fees{
		MaxFeePerGas:         capFee(maxFee.ToBig(), config.MaxFeePerGasLimit),
		MaxPriorityFeePerGas: new(big.Int).Set(tip),
	}
	if fees.MaxPriorityFeePerGas.Cmp(fees.MaxFeePerGas) > 0 {
		fees.MaxPriorityFeePerGas = new(big.Int).Set(fees.MaxFeePerGas)
	}
	return fees, nil
}

// BumpFees returns the fees of a replacement transaction: each fee raised by at least the bump percentage, and at
// least to what a fresh estimate would pay. It returns ErrFeeLimitReached if the configured limit leaves no room for a
// bump.
func BumpFees(previous chain.Fees, network *chain.NetworkFees, config FeeConfig) (chain.Fees, error) {
	fresh, err := EstimateFees(network, config)
	if err != nil {
		return chain.Fees{}, err
	}
	if previous.IsLegacy() {
		// A fresh estimate of an EIP-1559 chain still gives a usable legacy price
		freshPrice := fresh.MaxPrice()
		price, err := bump(previous.GasPrice, freshPrice, config)
		if err != nil {
			return chain.Fees{}, err
		}
		return chain.Fees{GasPrice: price}, nil
	}

	maxFee, err := bump(previous.MaxFeePerGas, fresh.MaxFeePerGas, config)
	if err != nil {
		return chain.Fees{}, err
	}
	tip, err := bump(previous.MaxPriorityFeePerGas, fresh.MaxPriorityFeePerGas, FeeConfig{BumpPercentage: config.BumpPercentage})
	if err != nil {
		return chain.Fees{}, err
	}
	if tip.Cmp(maxFee) > 0 {
		tip = new(big.Int).Set(maxFee)
	}
	return chain.Fees{MaxFeePerGas: maxFee, MaxPriorityFeePerGas: tip}, nil
}

// bump computes max(ceil(previous * (100 + percentage) / 100), fresh), capped at the configured limit.
func bump(previous *big.Int, fresh *big.Int, config FeeConfig) (*big.Int, error) {
	value, overflow := uint256.FromBig(previous)
	if overflow {
		return nil, fmt.Errorf("fee %s out of range", previous)
	}
	bumped, overflow := new(uint256.Int).MulOverflow(value, uint256.NewInt(100+config.BumpPercentage))
	if overflow {
		return nil, ErrFeeLimitReached
	}
	bumped.Add(bumped, uint256.NewInt(99))
	bumped.Div(bumped, uint256.NewInt(100))

	result := bumped.ToBig()
	if fresh != nil && fresh.Cmp(result) > 0 {
		result = new(big.Int).Set(fresh)
	}
	if config.MaxFeePerGasLimit != nil && result.Cmp(config.MaxFeePerGasLimit) > 0 {
		if previous.Cmp(config.MaxFeePerGasLimit) >= 0 {
			return nil, ErrFeeLimitReached
		}
		result = new(big.Int).Set(config.MaxFeePerGasLimit)
	}
	return result, nil
}

// capFee returns the fee limited to the cap, if any.
func capFee(fee *big.Int, limit *big.Int) *big.Int {
	if limit != nil && fee.Cmp(limit) > 0 {
		return new(big.Int).Set(limit)
	}
	return new(big.Int).Set(fee)
}
