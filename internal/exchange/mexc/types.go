package mexc

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tvrelay/internal/domain"
)

type tickerPrice struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

type accountInfo struct {
	CanTrade bool      `json:"canTrade"`
	Balances []balance `json:"balances"`
}

type balance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

type orderAck struct {
	Symbol        string          `json:"symbol"`
	OrderID       string          `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId"`
	Price         decimal.Decimal `json:"price"`
	OrigQty       decimal.Decimal `json:"origQty"`
	Type          string          `json:"type"`
	Side          string          `json:"side"`
	TransactTime  int64           `json:"transactTime"`
}

type orderInfo struct {
	Symbol              string          `json:"symbol"`
	OrderID             string          `json:"orderId"`
	ClientOrderID       string          `json:"clientOrderId"`
	Price               decimal.Decimal `json:"price"`
	OrigQty             decimal.Decimal `json:"origQty"`
	ExecutedQty         decimal.Decimal `json:"executedQty"`
	CummulativeQuoteQty decimal.Decimal `json:"cummulativeQuoteQty"`
	Status              string          `json:"status"`
	Type                string          `json:"type"`
	Side                string          `json:"side"`
	UpdateTime          int64           `json:"updateTime"`
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// unknownOrderCodes are the error codes MEXC returns for an order it no
// longer knows (filled and purged, cancelled, or never placed).
var unknownOrderCodes = map[int]bool{
	-2011: true,
	-2013: true,
	30004: true,
	30005: true,
}

func toOrderState(s string) domain.OrderState {
	switch s {
	case "NEW":
		return domain.OrderStateNew
	case "PARTIALLY_FILLED":
		return domain.OrderStatePartiallyFilled
	case "FILLED":
		return domain.OrderStateFilled
	case "CANCELED", "PARTIALLY_CANCELED":
		return domain.OrderStateCancelled
	case "REJECTED":
		return domain.OrderStateRejected
	case "EXPIRED":
		return domain.OrderStateExpired
	default:
		return domain.OrderStateNew
	}
}
