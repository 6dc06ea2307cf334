package alpaca

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tvrelay/internal/domain"
)

type orderRequest struct {
	Symbol        string           `json:"symbol"`
	Side          string           `json:"side"`
	Type          string           `json:"type"`
	TimeInForce   string           `json:"time_in_force"`
	Qty           *decimal.Decimal `json:"qty,omitempty"`
	Notional      *decimal.Decimal `json:"notional,omitempty"`
	LimitPrice    *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice     *decimal.Decimal `json:"stop_price,omitempty"`
	ClientOrderID string           `json:"client_order_id,omitempty"`
}

type order struct {
	ID             string           `json:"id"`
	ClientOrderID  string           `json:"client_order_id"`
	Symbol         string           `json:"symbol"`
	Side           string           `json:"side"`
	Type           string           `json:"type"`
	Status         string           `json:"status"`
	FilledQty      decimal.Decimal  `json:"filled_qty"`
	FilledAvgPrice *decimal.Decimal `json:"filled_avg_price"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

type account struct {
	Cash        decimal.Decimal `json:"cash"`
	BuyingPower decimal.Decimal `json:"buying_power"`
	Status      string          `json:"status"`
}

type position struct {
	Symbol string          `json:"symbol"`
	Qty    decimal.Decimal `json:"qty"`
}

type latestBars struct {
	Bars map[string]struct {
		Close decimal.Decimal `json:"c"`
	} `json:"bars"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (o order) toStatus() domain.OrderStatus {
	st := domain.OrderStatus{
		OrderID:   o.ID,
		Symbol:    o.Symbol,
		Side:      toOrderSide(o.Side),
		State:     toOrderState(o.Status),
		FilledQty: o.FilledQty,
		UpdatedAt: o.UpdatedAt,
	}
	if o.FilledAvgPrice != nil {
		st.AvgPrice = *o.FilledAvgPrice
		st.QuoteFilled = o.FilledQty.Mul(*o.FilledAvgPrice)
	}
	return st
}

func toOrderSide(s string) domain.OrderSide {
	if s == "sell" {
		return domain.OrderSideSell
	}
	return domain.OrderSideBuy
}

func toOrderState(s string) domain.OrderState {
	switch s {
	case "filled":
		return domain.OrderStateFilled
	case "partially_filled":
		return domain.OrderStatePartiallyFilled
	case "canceled", "done_for_day", "replaced":
		return domain.OrderStateCancelled
	case "expired":
		return domain.OrderStateExpired
	case "rejected", "suspended":
		return domain.OrderStateRejected
	default: // new, accepted, pending_new, held, pending_cancel, ...
		return domain.OrderStateNew
	}
}
