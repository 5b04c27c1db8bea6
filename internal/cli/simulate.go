package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"liqwatcher/internal/app"
)

var (
	simulateExchange string
	simulateSymbol   string
	simulatePair     string
	simulateSide     string
	simulatePrice    float64
	simulateNotional float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-event",
	Short: "模拟一条爆仓事件并触发验证与告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateSymbol == "" {
			return errors.New("--symbol 必须配置")
		}
		if simulatePrice <= 0 || simulateNotional <= 0 {
			return errors.New("--price 与 --notional 必须大于 0")
		}

		opts := app.SimulateOptions{
			Exchange:    simulateExchange,
			Symbol:      simulateSymbol,
			Pair:        simulatePair,
			Side:        simulateSide,
			Price:       decimal.NewFromFloat(simulatePrice),
			NotionalUSD: decimal.NewFromFloat(simulateNotional),
		}
		return getApp().SimulateEvent(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateExchange, "exchange", "Binance", "事件来源交易所")
	simulateCmd.Flags().StringVar(&simulateSymbol, "symbol", "", "基础资产 (如 BTC)")
	simulateCmd.Flags().StringVar(&simulatePair, "pair", "", "交易对 (默认 <symbol>USDT)")
	simulateCmd.Flags().StringVar(&simulateSide, "side", "long", "被爆仓方向 (long|short)")
	simulateCmd.Flags().Float64Var(&simulatePrice, "price", 0, "成交价格")
	simulateCmd.Flags().Float64Var(&simulateNotional, "notional", 0, "名义价值 (USD)")
}
