package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an open position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// SideFor maps a signal direction to the position side it opens.
func SideFor(d Direction) Side {
	if d == DirectionSell {
		return SideShort
	}
	return SideLong
}

// EntrySide is the order side that opens the position.
func (s Side) EntrySide() OrderSide {
	if s == SideShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// ExitSide is the order side that reduces the position.
func (s Side) ExitSide() OrderSide {
	return s.EntrySide().Opposite()
}

// Direction returns the signal direction that opens this side.
func (s Side) Direction() Direction {
	if s == SideShort {
		return DirectionSell
	}
	return DirectionBuy
}

// PositionStatus tracks the lifecycle of a position.
type PositionStatus string

const (
	PositionStatusOpening       PositionStatus = "OPENING"
	PositionStatusActive        PositionStatus = "ACTIVE"
	PositionStatusClosing       PositionStatus = "CLOSING"
	PositionStatusClosingFailed PositionStatus = "CLOSING_FAILED"
	PositionStatusClosed        PositionStatus = "CLOSED"
)

// Open reports whether the position still holds exposure the relay manages
// or must answer for. CLOSING_FAILED counts as open: it needs an operator.
func (s PositionStatus) Open() bool {
	return s != PositionStatusClosed
}

// CloseReason records why a position left the ladder.
type CloseReason string

const (
	CloseReasonRunner     CloseReason = "runner"
	CloseReasonStopLoss   CloseReason = "stop_loss"
	CloseReasonForceClose CloseReason = "force_close"
	CloseReasonCritical   CloseReason = "critical"
)

// StopStatus tracks the single protective stop of a position.
type StopStatus string

const (
	StopStatusPending   StopStatus = "PENDING"
	StopStatusOpen      StopStatus = "OPEN"      // native stop resting on the exchange
	StopStatusMonitored StopStatus = "MONITORED" // enforced by the fallback monitor
	StopStatusFilled    StopStatus = "FILLED"
	StopStatusCancelled StopStatus = "CANCELLED"
)

// StopLoss is the protective stop of a position.
type StopLoss struct {
	OrderID  string          `json:"order_id,omitempty"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Status   StopStatus      `json:"status"`
	Native   bool            `json:"native"`

	// StaleOrderIDs are replaced native stops whose cancel has not gone
	// through yet. They are retried until the exchange confirms them gone.
	StaleOrderIDs []string `json:"stale_order_ids,omitempty"`
}

// Armed reports whether the stop currently protects the position.
func (s StopLoss) Armed() bool {
	return s.Status == StopStatusOpen || s.Status == StopStatusMonitored
}

// LevelStatus tracks a single take-profit level.
type LevelStatus string

const (
	LevelStatusPending   LevelStatus = "PENDING"
	LevelStatusOpen      LevelStatus = "OPEN"
	LevelStatusFilled    LevelStatus = "FILLED"
	LevelStatusCancelled LevelStatus = "CANCELLED"
)

// TakeProfitLevel is one rung of the take-profit ladder.
type TakeProfitLevel struct {
	Level         int             `json:"level"`
	TriggerPct    decimal.Decimal `json:"trigger_pct"`
	CloseFraction decimal.Decimal `json:"close_fraction"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
	OrderID       string          `json:"order_id,omitempty"`
	Status        LevelStatus     `json:"status"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"last_error,omitempty"`
	FilledAt      *time.Time      `json:"filled_at,omitempty"`
}

// Position is a single managed trade and its TP/SL ladder.
type Position struct {
	ID                string            `json:"id"`
	Symbol            string            `json:"symbol"`
	Side              Side              `json:"side"`
	Status            PositionStatus    `json:"status"`
	EntryOrderID      string            `json:"entry_order_id,omitempty"`
	EntryPrice        decimal.Decimal   `json:"entry_price"`
	InitialQuantity   decimal.Decimal   `json:"initial_quantity"`
	RemainingQuantity decimal.Decimal   `json:"remaining_quantity"`
	StopLoss          StopLoss          `json:"stop_loss"`
	Ladder            []TakeProfitLevel `json:"take_profit_ladder"`
	TP1Handled        bool              `json:"tp1_handled"`
	CloseReason       CloseReason       `json:"close_reason,omitempty"`
	LastError         string            `json:"last_error,omitempty"`
	SignalID          string            `json:"signal_id,omitempty"`
	OpenedAt          time.Time         `json:"opened_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	ClosedAt          *time.Time        `json:"closed_at,omitempty"`
}

// Clone returns a deep copy safe to hand to readers outside the lock.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	out := *p
	if p.Ladder != nil {
		out.Ladder = make([]TakeProfitLevel, len(p.Ladder))
		copy(out.Ladder, p.Ladder)
		for i := range out.Ladder {
			if t := p.Ladder[i].FilledAt; t != nil {
				ft := *t
				out.Ladder[i].FilledAt = &ft
			}
		}
	}
	if p.StopLoss.StaleOrderIDs != nil {
		out.StopLoss.StaleOrderIDs = append([]string(nil), p.StopLoss.StaleOrderIDs...)
	}
	if p.ClosedAt != nil {
		ct := *p.ClosedAt
		out.ClosedAt = &ct
	}
	return &out
}

// Level returns the ladder rung with the given 1-based index, or nil.
func (p *Position) Level(n int) *TakeProfitLevel {
	for i := range p.Ladder {
		if p.Ladder[i].Level == n {
			return &p.Ladder[i]
		}
	}
	return nil
}

// FilledFraction is the share of the initial quantity closed by filled
// take-profit levels.
func (p *Position) FilledFraction() decimal.Decimal {
	if !p.InitialQuantity.IsPositive() {
		return decimal.Zero
	}
	closed := decimal.Zero
	for _, l := range p.Ladder {
		if l.Status == LevelStatusFilled {
			closed = closed.Add(l.Quantity)
		}
	}
	return closed.Div(p.InitialQuantity)
}

// Reduce decrements the remaining quantity, never below zero.
func (p *Position) Reduce(qty decimal.Decimal) {
	p.RemainingQuantity = decimal.Max(decimal.Zero, p.RemainingQuantity.Sub(qty))
}

// MarkClosed terminates the position.
func (p *Position) MarkClosed(reason CloseReason, now time.Time) {
	p.Status = PositionStatusClosed
	p.CloseReason = reason
	p.UpdatedAt = now
	p.ClosedAt = &now
}
