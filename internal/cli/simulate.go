package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"whale-alerts/internal/app"
	"whale-alerts/internal/event"
)

var (
	simulateAmount float64
	simulateKind   string
	simulateToken0 string
	simulateToken1 string
	simulateTxHash string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Send a synthetic liquidity alert through the configured sinks",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateAmount <= 0 {
			return errors.New("--amount must be greater than zero")
		}
		kind, err := event.ParseKind(simulateKind)
		if err != nil {
			return err
		}

		return getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			AmountUSD: decimal.NewFromFloat(simulateAmount),
			Kind:      kind,
			Token0:    simulateToken0,
			Token1:    simulateToken1,
			TxHash:    simulateTxHash,
		})
	},
}

func init() {
	simulateCmd.Flags().Float64Var(&simulateAmount, "amount", 0, "Event size in USD")
	simulateCmd.Flags().StringVar(&simulateKind, "kind", "add", "Event kind: add or withdraw")
	simulateCmd.Flags().StringVar(&simulateToken0, "token0", "WETH", "Pool token0 symbol")
	simulateCmd.Flags().StringVar(&simulateToken1, "token1", "USDC", "Pool token1 symbol")
	simulateCmd.Flags().StringVar(&simulateTxHash, "tx", "", "Optional transaction hash for the explorer link")
}
