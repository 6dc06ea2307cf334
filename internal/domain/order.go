package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Opposite returns the other side of the book.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderState is the exchange-reported lifecycle of a single order.
type OrderState string

const (
	OrderStateNew             OrderState = "NEW"
	OrderStatePartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderStateFilled          OrderState = "FILLED"
	OrderStateCancelled       OrderState = "CANCELED"
	OrderStateRejected        OrderState = "REJECTED"
	OrderStateExpired         OrderState = "EXPIRED"
)

// Terminal reports whether the order can no longer change.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderStateFilled, OrderStateCancelled, OrderStateRejected, OrderStateExpired:
		return true
	}
	return false
}

// MarketOrder requests an immediate fill. Exactly one of Quantity (base) or
// QuoteAmount (quote notional) must be positive.
type MarketOrder struct {
	Symbol        string
	Side          OrderSide
	Quantity      decimal.Decimal
	QuoteAmount   decimal.Decimal
	ClientOrderID string
}

// LimitOrder rests on the book at Price until filled or cancelled.
type LimitOrder struct {
	Symbol        string
	Side          OrderSide
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	ClientOrderID string
}

// StopOrder is a conditional market order armed at TriggerPrice.
type StopOrder struct {
	Symbol        string
	Side          OrderSide
	Quantity      decimal.Decimal
	TriggerPrice  decimal.Decimal
	ClientOrderID string
}

// OrderResult is the acknowledgement returned on placement. Market orders
// may already carry fill data; zero values mean "query the status".
type OrderResult struct {
	OrderID       string
	ClientOrderID string
	State         OrderState
	FilledQty     decimal.Decimal
	AvgPrice      decimal.Decimal
}

// OrderStatus is the exchange view of an order at query time.
type OrderStatus struct {
	OrderID     string
	Symbol      string
	Side        OrderSide
	State       OrderState
	FilledQty   decimal.Decimal
	QuoteFilled decimal.Decimal // cumulative quote spent or received
	AvgPrice    decimal.Decimal
	UpdatedAt   time.Time
}

// FillPrice returns the average fill price, deriving it from the cumulative
// quote amount when the exchange does not report one.
func (s OrderStatus) FillPrice() decimal.Decimal {
	if s.AvgPrice.IsPositive() {
		return s.AvgPrice
	}
	if s.FilledQty.IsPositive() && s.QuoteFilled.IsPositive() {
		return s.QuoteFilled.Div(s.FilledQty)
	}
	return decimal.Zero
}
