package status

import (
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/crytic/keel/deployment/state"
	"github.com/crytic/keel/logging/colors"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
)

// Render writes a human readable description of the report. Colors follow the logging/colors settings.
func (r *Report) Render(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Deployment %s on chain %d, runs: %d\n", colors.Bold(r.DeploymentID), r.ChainID, r.RunCount)

	for _, future := range r.Futures {
		b.WriteString("\n")
		label := fmt.Sprintf("%-7s", future.Status)
		fmt.Fprintf(&b, "%s %s (%s)\n", statusColor(future.Status)(label), colors.Bold(future.FutureID), future.Type)
		if future.ContractName != "" {
			fmt.Fprintf(&b, "  contract  %s\n", future.ContractName)
		}
		fmt.Fprintf(&b, "  identity  %s\n", future.IdentityDigest.Hex()[:18])
		if future.Reason != "" {
			fmt.Fprintf(&b, "  reason    %s\n", future.Reason)
		}
		if result := future.Result; result != nil {
			if result.Address != nil {
				fmt.Fprintf(&b, "  address   %s\n", result.Address.Hex())
			}
			if len(result.Value) > 0 {
				fmt.Fprintf(&b, "  value     %s\n", result.Value)
			}
			if len(result.Data) > 0 {
				fmt.Fprintf(&b, "  data      %s\n", hexutil.Encode(result.Data))
			}
		}
		for _, tx := range future.Transactions {
			fmt.Fprintf(&b, "  tx        %s nonce %d at %s gwei, %s\n",
				tx.Hash.Hex(), tx.Nonce, FormatGwei(tx.Fees.MaxPrice()), describeReceipt(tx))
		}
	}

	counts := r.Counts()
	fmt.Fprintf(&b, "\n%d succeeded, %d failed, %d timed out, %d held, %d started\n",
		counts[state.Success], counts[state.Failed], counts[state.Timeout], counts[state.Held], counts[state.Started])
	fmt.Fprintf(&b, "Fees paid at most %s ETH\n", FormatEther(r.TotalFees()))

	_, err := io.WriteString(w, b.String())
	return err
}

func describeReceipt(tx TransactionStatus) string {
	switch {
	case tx.Dropped:
		return "dropped"
	case tx.Receipt == nil:
		return "pending"
	case tx.Receipt.Success:
		return fmt.Sprintf("confirmed in block %d", tx.Receipt.BlockNumber)
	default:
		return fmt.Sprintf("reverted in block %d", tx.Receipt.BlockNumber)
	}
}

func statusColor(status state.ExecutionStatus) colors.ColorFunc {
	switch status {
	case state.Success:
		return colors.Green
	case state.Failed:
		return colors.Red
	case state.Timeout, state.Held:
		return colors.Yellow
	default:
		return colors.Reset
	}
}

// FormatGwei formats an amount of wei in gwei, without trailing zeros.
func FormatGwei(wei *big.Int) string {
	if wei == nil {
		return "?"
	}
	return decimal.NewFromBigInt(wei, -9).String()
}

// FormatEther formats an amount of wei in ether, without trailing zeros.
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "?"
	}
	return decimal.NewFromBigInt(wei, -18).String()
}
