package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// Exchange is the gateway the execution engine and monitors trade through.
// Implementations must return ErrUnsupported from PlaceStopOrder when they
// have no native conditional order, and ErrOrderNotFound when cancelling an
// order the exchange no longer knows.
type Exchange interface {
	Name() string
	SupportsNativeStops() bool

	PlaceMarketOrder(ctx context.Context, o MarketOrder) (OrderResult, error)
	PlaceLimitOrder(ctx context.Context, o LimitOrder) (OrderResult, error)
	PlaceStopOrder(ctx context.Context, o StopOrder) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOrderStatus(ctx context.Context, symbol, orderID string) (OrderStatus, error)
	GetBalance(ctx context.Context, asset string) (decimal.Decimal, error)
	GetMarketPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// PriceSource is the read-only slice of Exchange the fallback monitor needs.
type PriceSource interface {
	GetMarketPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}
