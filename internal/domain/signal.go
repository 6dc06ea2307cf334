package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the action requested by an upstream alert.
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// Valid reports whether d is BUY or SELL.
func (d Direction) Valid() bool {
	return d == DirectionBuy || d == DirectionSell
}

// IntentAction is what executing an intent does.
type IntentAction string

const (
	IntentOpen  IntentAction = "open"
	IntentClose IntentAction = "close" // force-close ClosePositionIDs, open nothing
)

// TradeIntent is a validated, normalized signal ready for execution.
type TradeIntent struct {
	ID               string
	Symbol           string
	Direction        Direction
	ReferencePrice   decimal.Decimal
	Timestamp        time.Time
	Metadata         map[string]any
	ReceivedAt       time.Time
	Action           IntentAction
	ClosePositionIDs []string
}

// SignalOutcome is what happened to an inbound signal.
type SignalOutcome string

const (
	SignalRejected SignalOutcome = "rejected"
	SignalAccepted SignalOutcome = "accepted" // execution pending
	SignalExecuted SignalOutcome = "executed"
	SignalFailed   SignalOutcome = "failed"
)

// SignalRecord is one entry in the signal history.
type SignalRecord struct {
	ID         string         `json:"id"`
	Symbol     string         `json:"symbol"`
	Direction  Direction      `json:"signal"`
	Price      float64        `json:"price"`
	Outcome    SignalOutcome  `json:"outcome"`
	Reason     string         `json:"reason,omitempty"`
	Error      string         `json:"error,omitempty"`
	PositionID string         `json:"position_id,omitempty"`
	Metadata   map[string]any `json:"indicators,omitempty"`
	ReceivedAt time.Time      `json:"received_at"`
}
