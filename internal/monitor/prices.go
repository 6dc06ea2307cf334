package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tvrelay/internal/domain"
)

// CachedPrices reads marks through a shared price cache and falls back to
// the exchange on a miss or a stale entry.
type CachedPrices struct {
	source domain.PriceSource
	cache  domain.PriceCache
	maxAge time.Duration
	logger *slog.Logger
}

// NewCachedPrices wraps source with cache. Entries older than maxAge are
// refreshed.
func NewCachedPrices(source domain.PriceSource, cache domain.PriceCache, maxAge time.Duration, logger *slog.Logger) *CachedPrices {
	return &CachedPrices{
		source: source,
		cache:  cache,
		maxAge: maxAge,
		logger: logger.With(slog.String("component", "price_cache")),
	}
}

// GetMarketPrice implements domain.PriceSource.
func (c *CachedPrices) GetMarketPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	price, at, err := c.cache.GetPrice(ctx, symbol)
	if err == nil && price.IsPositive() && time.Since(at) <= c.maxAge {
		return price, nil
	}

	price, err = c.source.GetMarketPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if err := c.cache.SetPrice(ctx, symbol, price, time.Now()); err != nil {
		c.logger.Warn("price cache write failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
	}
	return price, nil
}
