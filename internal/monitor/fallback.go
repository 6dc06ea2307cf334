package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tvrelay/internal/domain"
	"github.com/alanyoungcy/tvrelay/internal/executor"
	"github.com/alanyoungcy/tvrelay/internal/metrics"
)

// Fallback enforces monitored stops: positions whose stop is held by the
// relay rather than resting on the exchange.
type Fallback struct {
	interval time.Duration
	store    Store
	orders   *executor.Orders
	prices   domain.PriceSource
	events   domain.EventPublisher
	logger   *slog.Logger
	now      func() time.Time
}

// NewFallback creates the monitor. prices defaults to the exchange; events
// may be nil.
func NewFallback(interval time.Duration, store Store, orders *executor.Orders, prices domain.PriceSource, events domain.EventPublisher, logger *slog.Logger) *Fallback {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if prices == nil {
		prices = orders.Exchange()
	}
	if events == nil {
		events = domain.EventPublisherFunc(func(context.Context, domain.PositionEvent) {})
	}
	return &Fallback{
		interval: interval,
		store:    store,
		orders:   orders,
		prices:   prices,
		events:   events,
		logger:   logger.With(slog.String("component", "fallback_monitor")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run polls every interval until ctx is cancelled.
func (f *Fallback) Run(ctx context.Context) error {
	f.logger.Info("stop-loss fallback monitor started", slog.Duration("interval", f.interval))
	defer f.logger.Info("stop-loss fallback monitor stopped")

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			f.Check(ctx)
		}
	}
}

// Check runs one pass and returns the number of positions it stopped out.
func (f *Fallback) Check(ctx context.Context) int {
	start := time.Now()
	defer func() {
		metrics.MonitorCycle.WithLabelValues("fallback").Observe(time.Since(start).Seconds())
	}()

	marks := make(map[string]decimal.Decimal)
	closed := 0
	for _, p := range f.store.ListActive() {
		if ctx.Err() != nil {
			break
		}
		if p.StopLoss.Status != domain.StopStatusMonitored {
			continue
		}

		mark, ok := marks[p.Symbol]
		if !ok {
			price, err := f.prices.GetMarketPrice(ctx, p.Symbol)
			if err != nil {
				f.logger.Warn("market price unavailable",
					slog.String("symbol", p.Symbol),
					slog.String("error", err.Error()),
				)
				continue
			}
			mark = price
			marks[p.Symbol] = mark
		}
		if !domain.StopBreached(p.Side, mark, p.StopLoss.Price) {
			continue
		}

		if ev, ok := f.trigger(ctx, p.ID, mark); ok {
			closed++
			f.events.Publish(ctx, ev)
		}
	}
	return closed
}

// trigger closes one breached position under its lock. The breach is
// re-checked there because the stop may have moved since the listing.
func (f *Fallback) trigger(ctx context.Context, id string, mark decimal.Decimal) (domain.PositionEvent, bool) {
	log := f.logger.With(slog.String("position_id", id), slog.String("mark", mark.String()))
	var ev domain.PositionEvent
	fired := false

	err := f.store.WithLock(ctx, id, func(p *domain.Position) error {
		if p.Status != domain.PositionStatusActive ||
			p.StopLoss.Status != domain.StopStatusMonitored ||
			!domain.StopBreached(p.Side, mark, p.StopLoss.Price) {
			return nil
		}
		now := f.now()
		log.Warn("monitored stop breached",
			slog.String("symbol", p.Symbol),
			slog.String("stop", p.StopLoss.Price.String()),
		)

		if err := f.orders.CancelLevels(ctx, p); err != nil {
			log.Warn("cancel take-profits failed", slog.String("error", err.Error()))
		}
		if err := f.orders.CancelStale(ctx, p); err != nil {
			log.Error("replaced stop still open at stop-out", slog.String("error", err.Error()))
		}
		qty := p.RemainingQuantity
		if qty.IsPositive() {
			if _, err := f.orders.Close(ctx, p, qty, mark, "sl-market"); err != nil {
				// Still ACTIVE and MONITORED; the next tick retries.
				p.LastError = err.Error()
				p.UpdatedAt = now
				return err
			}
		}
		p.StopLoss.Status = domain.StopStatusFilled
		p.Reduce(qty)
		p.MarkClosed(domain.CloseReasonStopLoss, now)
		ev = event(p, domain.EventStoppedOut, 0, mark, qty, "monitored stop triggered", now)
		fired = true
		return nil
	})
	if err != nil {
		log.Error("stop-loss market close failed", slog.String("error", err.Error()))
		return ev, false
	}
	if fired {
		metrics.StopTriggers.WithLabelValues("monitored").Inc()
		log.Info("position stopped out")
	}
	return ev, fired
}
