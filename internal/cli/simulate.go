package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"tick-alerts/internal/app"
)

var (
	simulateSymbol string
	simulatePrice  float64
	simulateVolume float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-tick",
	Short: "模拟一条行情并触发匹配的告警规则",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateSymbol == "" {
			return errors.New("--symbol 不能为空")
		}
		if simulatePrice <= 0 {
			return errors.New("--price 必须大于 0")
		}

		return getApp().SimulateTick(cmd.Context(), app.SimulateOptions{
			Symbol: simulateSymbol,
			Price:  simulatePrice,
			Volume: simulateVolume,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateSymbol, "symbol", "", "交易对, 例如 BTCUSDT")
	simulateCmd.Flags().Float64Var(&simulatePrice, "price", 0, "模拟成交价")
	simulateCmd.Flags().Float64Var(&simulateVolume, "volume", 0, "模拟成交量")
}
