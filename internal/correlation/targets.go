package correlation

import (
	"github.com/shopspring/decimal"
	"github.com/trogers1052/convergence-service/internal/models"
)

var hundred = decimal.NewFromInt(100)

// Target is one absolute take-profit level
type Target struct {
	Index   int
	Percent decimal.Decimal
	Price   decimal.Decimal
}

// Levels are the exit prices derived from an entry price
type Levels struct {
	StopLossPercent decimal.Decimal
	StopLossPrice   decimal.Decimal
	Targets         []Target
}

// ComputeLevels converts percent offsets into prices. A LONG moves by
// +percent, a SHORT by -percent, so a negative stop-loss sits below a LONG
// entry and above a SHORT one. Target order follows takeProfits.
func ComputeLevels(direction models.Direction, entry, stopLoss decimal.Decimal, takeProfits []decimal.Decimal) Levels {
	levels := Levels{
		StopLossPercent: stopLoss,
		StopLossPrice:   priceAt(direction, entry, stopLoss),
		Targets:         make([]Target, 0, len(takeProfits)),
	}
	for i, tp := range takeProfits {
		levels.Targets = append(levels.Targets, Target{
			Index:   i,
			Percent: tp,
			Price:   priceAt(direction, entry, tp),
		})
	}
	return levels
}

// TakeProfitPercents returns the target percents in order.
func (l Levels) TakeProfitPercents() []decimal.Decimal {
	out := make([]decimal.Decimal, len(l.Targets))
	for i, t := range l.Targets {
		out[i] = t.Percent
	}
	return out
}

func priceAt(direction models.Direction, entry, percent decimal.Decimal) decimal.Decimal {
	offset := percent.Div(hundred)
	if direction == models.DirectionShort {
		return entry.Mul(decimal.NewFromInt(1).Sub(offset))
	}
	return entry.Mul(decimal.NewFromInt(1).Add(offset))
}
