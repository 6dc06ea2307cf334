package domain

import "github.com/shopspring/decimal"

// LadderStep is a fixed take-profit rung: close CloseFraction of the initial
// quantity once price moves TriggerPct in favour of the position.
type LadderStep struct {
	Level         int
	TriggerPct    decimal.Decimal
	CloseFraction decimal.Decimal
}

// DefaultRunnerFraction is the share of the initial quantity left after TP5.
var DefaultRunnerFraction = decimal.RequireFromString("0.025")

// LadderSteps returns the five fixed rungs. TP5 closes whatever remains after
// TP4 minus the runner; with the default runner that is 2.5%.
func LadderSteps(runner decimal.Decimal) []LadderStep {
	steps := []LadderStep{
		{Level: 1, TriggerPct: decimal.RequireFromString("0.01"), CloseFraction: decimal.RequireFromString("0.10")},
		{Level: 2, TriggerPct: decimal.RequireFromString("0.02"), CloseFraction: decimal.RequireFromString("0.15")},
		{Level: 3, TriggerPct: decimal.RequireFromString("0.05"), CloseFraction: decimal.RequireFromString("0.35")},
		{Level: 4, TriggerPct: decimal.RequireFromString("0.065"), CloseFraction: decimal.RequireFromString("0.35")},
	}
	used := decimal.Zero
	for _, s := range steps {
		used = used.Add(s.CloseFraction)
	}
	last := decimal.Max(decimal.Zero, decimal.NewFromInt(1).Sub(used).Sub(runner))
	return append(steps, LadderStep{Level: 5, TriggerPct: decimal.RequireFromString("0.08"), CloseFraction: last})
}

// TakeProfitPrice is entry moved pct in favour of side.
func TakeProfitPrice(side Side, entry, pct decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if side == SideShort {
		return entry.Mul(one.Sub(pct))
	}
	return entry.Mul(one.Add(pct))
}

// StopLossPrice is entry moved pct against side.
func StopLossPrice(side Side, entry, pct decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if side == SideShort {
		return entry.Mul(one.Add(pct))
	}
	return entry.Mul(one.Sub(pct))
}

// StopBreached reports whether mark has crossed the stop for side.
func StopBreached(side Side, mark, stop decimal.Decimal) bool {
	if side == SideShort {
		return mark.GreaterThanOrEqual(stop)
	}
	return mark.LessThanOrEqual(stop)
}

// Precision rounds prices and truncates quantities to exchange increments.
type Precision struct {
	PriceDecimals int32
	QtyDecimals   int32
}

// Price rounds p half-away-from-zero.
func (pr Precision) Price(p decimal.Decimal) decimal.Decimal {
	return p.Round(pr.PriceDecimals)
}

// Qty truncates q so an order never exceeds the held amount.
func (pr Precision) Qty(q decimal.Decimal) decimal.Decimal {
	return q.Truncate(pr.QtyDecimals)
}

// NewLadder builds the PENDING take-profit ladder for a filled entry.
func NewLadder(side Side, entry, initialQty, runner decimal.Decimal, pr Precision) []TakeProfitLevel {
	steps := LadderSteps(runner)
	out := make([]TakeProfitLevel, 0, len(steps))
	for _, s := range steps {
		out = append(out, TakeProfitLevel{
			Level:         s.Level,
			TriggerPct:    s.TriggerPct,
			CloseFraction: s.CloseFraction,
			Price:         pr.Price(TakeProfitPrice(side, entry, s.TriggerPct)),
			Quantity:      pr.Qty(initialQty.Mul(s.CloseFraction)),
			Status:        LevelStatusPending,
		})
	}
	return out
}
