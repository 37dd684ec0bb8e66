package interaction

import (
	"math/big"
	"testing"

	"github.com/crytic/keel/chain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000))
}

// TestEstimateFees verifies first broadcast fee selection.
func TestEstimateFees(t *testing.T) {
	network := &chain.NetworkFees{BaseFee: gwei(10), MaxPriorityFeePerGas: gwei(2), GasPrice: gwei(12)}

	fees, err := EstimateFees(network, FeeConfig{})
	require.NoError(t, err)
	assert.Equal(t, gwei(22), fees.MaxFeePerGas)
	assert.Equal(t, gwei(2), fees.MaxPriorityFeePerGas)
	assert.False(t, fees.IsLegacy())

	fees, err = EstimateFees(network, FeeConfig{MaxPriorityFeePerGas: gwei(5), MaxFeePerGasLimit: gwei(20)})
	require.NoError(t, err)
	assert.Equal(t, gwei(20), fees.MaxFeePerGas)
	assert.Equal(t, gwei(5), fees.MaxPriorityFeePerGas)

	fees, err = EstimateFees(network, FeeConfig{GasPrice: gwei(7)})
	require.NoError(t, err)
	assert.Equal(t, chain.Fees{GasPrice: gwei(7)}, fees)

	fees, err = EstimateFees(&chain.NetworkFees{GasPrice: gwei(12)}, FeeConfig{})
	require.NoError(t, err)
	assert.Equal(t, chain.Fees{GasPrice: gwei(12)}, fees)
}

// TestBumpFees verifies that bumps raise fees by at least the percentage, follow a rising market, and respect the
// limit.
func TestBumpFees(t *testing.T) {
	previous := chain.Fees{MaxFeePerGas: big.NewInt(1001), MaxPriorityFeePerGas: big.NewInt(100)}
	network := &chain.NetworkFees{BaseFee: big.NewInt(100), MaxPriorityFeePerGas: big.NewInt(10)}

	fees, err := BumpFees(previous, network, FeeConfig{BumpPercentage: 10})
	require.NoError(t, err)
	// ceil(1001 * 1.1) = 1102
	assert.Equal(t, big.NewInt(1102), fees.MaxFeePerGas)
	assert.Equal(t, big.NewInt(110), fees.MaxPriorityFeePerGas)

	// A market above the bumped value wins
	network.BaseFee = big.NewInt(1000)
	fees, err = BumpFees(previous, network, FeeConfig{BumpPercentage: 10})
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(2010), fees.MaxFeePerGas)

	// The limit caps the bump, then stops it
	fees, err = BumpFees(previous, network, FeeConfig{BumpPercentage: 10, MaxFeePerGasLimit: big.NewInt(1050)})
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1050), fees.MaxFeePerGas)
	_, err = BumpFees(fees, network, FeeConfig{BumpPercentage: 10, MaxFeePerGasLimit: big.NewInt(1050)})
	assert.ErrorIs(t, err, ErrFeeLimitReached)

	legacy, err := BumpFees(chain.Fees{GasPrice: big.NewInt(50)}, &chain.NetworkFees{GasPrice: big.NewInt(20)}, FeeConfig{BumpPercentage: 10})
	require.NoError(t, err)
	assert.Equal(t, chain.Fees{GasPrice: big.NewInt(55)}, legacy)
}
