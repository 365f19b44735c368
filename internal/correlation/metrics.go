package correlation

import (
	"github.com/shopspring/decimal"
	"github.com/trogers1052/convergence-service/internal/models"
)

// Metrics are aggregate statistics over the contributing wallets
type Metrics struct {
	WalletCount   int
	AvgEntryPrice decimal.Decimal
	AvgTradeSize  decimal.Decimal
	TotalNotional decimal.Decimal // sum of entry price * trade size
	AvgLeverage   decimal.Decimal
}

// ComputeMetrics derives simple (unweighted) means and total notional.
// It panics on an empty set: the threshold check guarantees at least one wallet.
func ComputeMetrics(positions []models.Position) Metrics {
	if len(positions) == 0 {
		panic("correlation: ComputeMetrics called with no contributing positions")
	}

	var sumPrice, sumSize, sumLeverage, notional decimal.Decimal
	for _, p := range positions {
		sumPrice = sumPrice.Add(p.EntryPrice)
		sumSize = sumSize.Add(p.TradeSize)
		sumLeverage = sumLeverage.Add(p.Leverage)
		notional = notional.Add(p.EntryPrice.Mul(p.TradeSize))
	}

	n := decimal.NewFromInt(int64(len(positions)))
	return Metrics{
		WalletCount:   len(positions),
		AvgEntryPrice: sumPrice.Div(n),
		AvgTradeSize:  sumSize.Div(n),
		TotalNotional: notional,
		AvgLeverage:   sumLeverage.Div(n),
	}
}
