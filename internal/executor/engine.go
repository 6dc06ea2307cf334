package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tvrelay/internal/domain"
	"github.com/alanyoungcy/tvrelay/internal/metrics"
	"github.com/alanyoungcy/tvrelay/internal/signal"
)

// Sizing modes.
const (
	SizingPercentage = "percentage"
	SizingFixed      = "fixed"
)

var (
	minPercent = decimal.NewFromInt(20)
	maxPercent = decimal.NewFromInt(100)
	hundred    = decimal.NewFromInt(100)
)

// Config holds the engine parameters. Percentages in StopLossPct and
// RunnerFraction are fractions (0.05 is 5%); SizingPercent is in percent.
type Config struct {
	SizingMode       string
	SizingPercent    decimal.Decimal
	FixedQuote       decimal.Decimal
	MinNotional      decimal.Decimal
	QuoteAsset       string
	StopLossPct      decimal.Decimal
	RunnerFraction   decimal.Decimal
	FillTimeout      time.Duration
	FillPollInterval time.Duration
	Precision        domain.Precision

	// AllowSameSide and AllowOpposite relax the per-symbol conflict check
	// for the warn_allow duplicate policy and the hedge opposite policy.
	AllowSameSide bool
	AllowOpposite bool
}

// PositionStore is the slice of the position table the engine needs.
type PositionStore interface {
	Create(ctx context.Context, pos *domain.Position) error
	WithLock(ctx context.Context, id string, fn func(p *domain.Position) error) error
	LockSymbol(ctx context.Context, symbol string) (func(), error)
	Get(id string) (*domain.Position, error)
	OpenBySymbol(symbol string) []*domain.Position
}

// Engine opens positions: sizing, market entry, initial stop and the
// take-profit ladder.
type Engine struct {
	cfg    Config
	ex     domain.Exchange
	orders *Orders
	store  PositionStore
	events domain.EventPublisher
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine creates an Engine. events may be nil.
func NewEngine(cfg Config, orders *Orders, store PositionStore, events domain.EventPublisher, logger *slog.Logger) *Engine {
	if cfg.FillPollInterval <= 0 {
		cfg.FillPollInterval = 500 * time.Millisecond
	}
	if cfg.FillTimeout <= 0 {
		cfg.FillTimeout = 30 * time.Second
	}
	if cfg.RunnerFraction.IsZero() {
		cfg.RunnerFraction = domain.DefaultRunnerFraction
	}
	if events == nil {
		events = domain.EventPublisherFunc(func(context.Context, domain.PositionEvent) {})
	}
	return &Engine{
		cfg:    cfg,
		ex:     orders.Exchange(),
		orders: orders,
		store:  store,
		events: events,
		logger: logger.With(slog.String("component", "engine")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// OpenPosition executes an open intent and returns the resulting ACTIVE
// position. Opening is serialised per symbol; the conflict check runs again
// under that lock.
func (e *Engine) OpenPosition(ctx context.Context, intent domain.TradeIntent) (*domain.Position, error) {
	side := domain.SideFor(intent.Direction)
	log := e.logger.With(
		slog.String("signal_id", intent.ID),
		slog.String("symbol", intent.Symbol),
		slog.String("side", string(side)),
	)

	unlock, err := e.store.LockSymbol(ctx, intent.Symbol)
	if err != nil {
		return nil, fmt.Errorf("executor: open %s: %w", intent.Symbol, err)
	}
	defer unlock()

	if err := e.checkConflict(intent.Symbol, side); err != nil {
		return nil, err
	}

	notional, err := e.notional(ctx, log)
	if err != nil {
		e.entryFailed(ctx, "", intent.Symbol, side, err)
		return nil, err
	}

	now := e.now()
	pos := &domain.Position{
		ID:        uuid.NewString(),
		Symbol:    intent.Symbol,
		Side:      side,
		Status:    domain.PositionStatusOpening,
		StopLoss:  domain.StopLoss{Status: domain.StopStatusPending},
		SignalID:  intent.ID,
		OpenedAt:  now,
		UpdatedAt: now,
	}
	if err := e.store.Create(ctx, pos); err != nil {
		return nil, fmt.Errorf("executor: open %s: %w", intent.Symbol, err)
	}
	log = log.With(slog.String("position_id", pos.ID))

	var failed []domain.TakeProfitLevel
	err = e.store.WithLock(ctx, pos.ID, func(p *domain.Position) error {
		fill, err := e.enter(ctx, p, notional, intent.ReferencePrice, log)
		if err != nil {
			p.LastError = err.Error()
			p.MarkClosed("", e.now())
			return err
		}

		entry := fill.FillPrice()
		if !entry.IsPositive() {
			log.Warn("exchange reported no fill price, using reference price")
			entry = intent.ReferencePrice
		}
		p.EntryPrice = entry
		p.InitialQuantity = fill.FilledQty
		p.RemainingQuantity = fill.FilledQty
		p.StopLoss = e.initialStop(ctx, p, log)
		p.Ladder = domain.NewLadder(p.Side, entry, fill.FilledQty, e.cfg.RunnerFraction, e.cfg.Precision)

		for i := range p.Ladder {
			lvl := &p.Ladder[i]
			if err := e.orders.PlaceLevel(ctx, p, lvl); err != nil {
				log.Warn("take-profit placement failed",
					slog.Int("level", lvl.Level),
					slog.String("error", err.Error()),
				)
				failed = append(failed, *lvl)
			}
		}

		p.Status = domain.PositionStatusActive
		p.UpdatedAt = e.now()
		return nil
	})
	if err != nil {
		log.Error("entry failed", slog.String("error", err.Error()))
		e.entryFailed(ctx, pos.ID, pos.Symbol, side, err)
		return nil, err
	}

	opened, err := e.store.Get(pos.ID)
	if err != nil {
		return nil, fmt.Errorf("executor: open %s: %w", intent.Symbol, err)
	}
	log.Info("position opened",
		slog.String("entry_price", opened.EntryPrice.String()),
		slog.String("quantity", opened.InitialQuantity.String()),
		slog.String("stop_price", opened.StopLoss.Price.String()),
		slog.String("stop_status", string(opened.StopLoss.Status)),
	)
	e.publish(ctx, opened, domain.EventPositionOpened, 0, opened.EntryPrice, opened.InitialQuantity, "")
	for _, lvl := range failed {
		e.publish(ctx, opened, domain.EventTPPlacementFailed, lvl.Level, lvl.Price, lvl.Quantity, lvl.LastError)
	}
	return opened, nil
}

// ForceClose cancels every open order of position id, market-closes the
// remaining quantity when closeRemaining is set and marks the position
// CLOSED with reason force_close. When the market close fails the position
// keeps a monitored stop at its previous price and the error is returned.
func (e *Engine) ForceClose(ctx context.Context, id string, closeRemaining bool) (*domain.Position, error) {
	log := e.logger.With(slog.String("position_id", id))
	var closed decimal.Decimal
	var stoppedOut bool

	err := e.store.WithLock(ctx, id, func(p *domain.Position) error {
		if p.Status == domain.PositionStatusClosed {
			return fmt.Errorf("executor: force close %s: %w", id, domain.ErrPositionClosed)
		}
		now := e.now()
		prev := p.StopLoss

		if err := e.orders.CancelStale(ctx, p); err != nil {
			return fmt.Errorf("executor: force close %s: replaced stop: %w", id, err)
		}
		if prev.Native && prev.Status == domain.StopStatusOpen {
			st, err := e.ex.GetOrderStatus(ctx, p.Symbol, prev.OrderID)
			if err == nil && st.State == domain.OrderStateFilled {
				// The stop beat us to it.
				if err := e.orders.CancelLevels(ctx, p); err != nil {
					log.Warn("cancel take-profits failed", slog.String("error", err.Error()))
				}
				p.StopLoss.Status = domain.StopStatusFilled
				p.Reduce(st.FilledQty)
				p.MarkClosed(domain.CloseReasonStopLoss, now)
				stoppedOut = true
				return nil
			}
			if err := e.orders.Cancel(ctx, p.Symbol, prev.OrderID); err != nil {
				return fmt.Errorf("executor: force close %s: %w", id, err)
			}
		}
		if err := e.orders.CancelLevels(ctx, p); err != nil {
			log.Warn("cancel take-profits failed", slog.String("error", err.Error()))
		}

		qty := p.RemainingQuantity
		if closeRemaining && qty.IsPositive() {
			if _, err := e.orders.Close(ctx, p, qty, decimal.Zero, "force-close"); err != nil {
				p.StopLoss = domain.StopLoss{
					Price:    prev.Price,
					Quantity: qty,
					Status:   domain.StopStatusMonitored,
				}
				p.LastError = err.Error()
				p.UpdatedAt = now
				return err
			}
			p.Reduce(qty)
			closed = qty
		}
		if p.StopLoss.Armed() {
			p.StopLoss.Status = domain.StopStatusCancelled
		}
		p.MarkClosed(domain.CloseReasonForceClose, now)
		return nil
	})
	if err != nil {
		return nil, err
	}

	pos, err := e.store.Get(id)
	if err != nil {
		return nil, fmt.Errorf("executor: force close %s: %w", id, err)
	}
	if stoppedOut {
		log.Info("stop filled before force close")
		e.publish(ctx, pos, domain.EventStoppedOut, 0, pos.StopLoss.Price, pos.StopLoss.Quantity, "native stop filled")
		return pos, nil
	}
	log.Info("position force closed", slog.String("quantity", closed.String()))
	e.publish(ctx, pos, domain.EventForceClosed, 0, decimal.Zero, closed, "")
	return pos, nil
}

func (e *Engine) checkConflict(symbol string, side domain.Side) error {
	for _, p := range e.store.OpenBySymbol(symbol) {
		if p.Side == side && !e.cfg.AllowSameSide {
			return fmt.Errorf("executor: %w", &signal.Rejection{
				Reason: signal.ReasonDuplicate,
				Detail: fmt.Sprintf("%s %s already open as %s", symbol, side, p.ID),
				Err:    domain.ErrPositionConflict,
			})
		}
		if p.Side != side && !e.cfg.AllowOpposite {
			return fmt.Errorf("executor: %w", &signal.Rejection{
				Reason: signal.ReasonOppositeOpen,
				Detail: fmt.Sprintf("%s %s open against %s", symbol, p.Side, side),
				Err:    domain.ErrPositionConflict,
			})
		}
	}
	return nil
}

// notional is the quote amount to commit to one entry.
func (e *Engine) notional(ctx context.Context, log *slog.Logger) (decimal.Decimal, error) {
	var n decimal.Decimal
	switch e.cfg.SizingMode {
	case SizingFixed:
		n = e.cfg.FixedQuote
	default:
		bal, err := e.ex.GetBalance(ctx, e.cfg.QuoteAsset)
		if err != nil {
			if !e.cfg.FixedQuote.IsPositive() {
				return decimal.Zero, fmt.Errorf("executor: balance %s: %w", e.cfg.QuoteAsset, err)
			}
			log.Warn("balance query failed, using fixed size",
				slog.String("fixed_quote", e.cfg.FixedQuote.String()),
				slog.String("error", err.Error()),
			)
			n = e.cfg.FixedQuote
			break
		}
		if !bal.IsPositive() {
			return decimal.Zero, fmt.Errorf("executor: %s balance is %s: %w", e.cfg.QuoteAsset, bal, domain.ErrInsufficientBalance)
		}
		pct := decimal.Min(maxPercent, decimal.Max(minPercent, e.cfg.SizingPercent))
		n = bal.Mul(pct).Div(hundred)
	}

	if !n.IsPositive() || n.LessThan(e.cfg.MinNotional) {
		return decimal.Zero, fmt.Errorf("executor: notional %s below minimum %s: %w", n, e.cfg.MinNotional, domain.ErrSizeTooSmall)
	}
	return n, nil
}

// enter places the market entry and waits for its fill.
func (e *Engine) enter(ctx context.Context, p *domain.Position, notional, ref decimal.Decimal, log *slog.Logger) (domain.OrderStatus, error) {
	order := domain.MarketOrder{
		Symbol:        p.Symbol,
		Side:          p.Side.EntrySide(),
		ClientOrderID: OrderKey(p.ID, "entry"),
	}
	if p.Side == domain.SideLong {
		order.QuoteAmount = notional
	} else {
		if !ref.IsPositive() {
			mark, err := e.ex.GetMarketPrice(ctx, p.Symbol)
			if err != nil {
				return domain.OrderStatus{}, fmt.Errorf("executor: entry price: %w", err)
			}
			ref = mark
		}
		order.Quantity = e.cfg.Precision.Qty(notional.Div(ref))
		if !order.Quantity.IsPositive() {
			return domain.OrderStatus{}, fmt.Errorf("executor: entry quantity rounds to zero: %w", domain.ErrSizeTooSmall)
		}
	}

	res, err := e.ex.PlaceMarketOrder(ctx, order)
	metrics.OrdersTotal.WithLabelValues("market", string(order.Side), metrics.Result(err)).Inc()
	if err != nil {
		return domain.OrderStatus{}, fmt.Errorf("executor: place entry: %w", err)
	}
	p.EntryOrderID = res.OrderID
	log.Info("entry order placed",
		slog.String("order_id", res.OrderID),
		slog.String("notional", notional.String()),
	)

	if res.State == domain.OrderStateFilled && res.FilledQty.IsPositive() && res.AvgPrice.IsPositive() {
		return domain.OrderStatus{
			OrderID:   res.OrderID,
			Symbol:    p.Symbol,
			Side:      order.Side,
			State:     res.State,
			FilledQty: res.FilledQty,
			AvgPrice:  res.AvgPrice,
		}, nil
	}
	return e.awaitFill(ctx, p.Symbol, res.OrderID, log)
}

// awaitFill polls the entry order until it fills or the fill timeout
// elapses. A timed-out order is cancelled; whatever filled before the cancel
// is kept.
func (e *Engine) awaitFill(ctx context.Context, symbol, orderID string, log *slog.Logger) (domain.OrderStatus, error) {
	deadline := time.NewTimer(e.cfg.FillTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.cfg.FillPollInterval)
	defer ticker.Stop()

	for {
		st, err := e.ex.GetOrderStatus(ctx, symbol, orderID)
		switch {
		case err != nil:
			log.Warn("entry status query failed", slog.String("error", err.Error()))
		case st.State == domain.OrderStateFilled:
			return st, nil
		case st.State.Terminal():
			if st.FilledQty.IsPositive() {
				return st, nil
			}
			return domain.OrderStatus{}, fmt.Errorf("executor: entry %s %s: %w", orderID, st.State, domain.ErrEntryNotFilled)
		}

		select {
		case <-ctx.Done():
			return e.abandonEntry(ctx, symbol, orderID, log)
		case <-deadline.C:
			return e.abandonEntry(ctx, symbol, orderID, log)
		case <-ticker.C:
		}
	}
}

func (e *Engine) abandonEntry(ctx context.Context, symbol, orderID string, log *slog.Logger) (domain.OrderStatus, error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := e.orders.Cancel(cctx, symbol, orderID); err != nil {
		log.Warn("cancel unfilled entry failed", slog.String("error", err.Error()))
	}
	st, err := e.ex.GetOrderStatus(cctx, symbol, orderID)
	if err == nil && st.FilledQty.IsPositive() {
		log.Warn("entry partially filled before cancel", slog.String("filled_qty", st.FilledQty.String()))
		return st, nil
	}
	return domain.OrderStatus{}, fmt.Errorf("executor: entry %s not filled within %s: %w", orderID, e.cfg.FillTimeout, domain.ErrEntryNotFilled)
}

// initialStop arms the protective stop: a native order when the exchange
// has one, otherwise a monitored stop. A native placement that keeps failing
// also degrades to monitored.
func (e *Engine) initialStop(ctx context.Context, p *domain.Position, log *slog.Logger) domain.StopLoss {
	price := e.cfg.Precision.Price(domain.StopLossPrice(p.Side, p.EntryPrice, e.cfg.StopLossPct))
	sl := domain.StopLoss{
		Price:    price,
		Quantity: p.RemainingQuantity,
		Status:   domain.StopStatusMonitored,
	}
	if !e.ex.SupportsNativeStops() {
		return sl
	}

	id, attempts, err := e.orders.PlaceStop(ctx, p, price, p.RemainingQuantity, "sl")
	if err != nil {
		log.Error("native stop placement failed, stop is monitored",
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()),
		)
		return sl
	}
	sl.OrderID = id
	sl.Status = domain.StopStatusOpen
	sl.Native = true
	return sl
}

func (e *Engine) entryFailed(ctx context.Context, id, symbol string, side domain.Side, err error) {
	if errors.Is(err, domain.ErrPositionConflict) {
		return
	}
	e.events.Publish(ctx, domain.PositionEvent{
		Type:       domain.EventEntryFailed,
		PositionID: id,
		Symbol:     symbol,
		Side:       side,
		Message:    err.Error(),
		At:         e.now(),
	})
}

func (e *Engine) publish(ctx context.Context, p *domain.Position, typ domain.EventType, level int, price, qty decimal.Decimal, msg string) {
	ev := domain.PositionEvent{
		Type:       typ,
		PositionID: p.ID,
		Symbol:     p.Symbol,
		Side:       p.Side,
		Level:      level,
		Message:    msg,
		At:         e.now(),
	}
	if !price.IsZero() {
		ev.Price = price.String()
	}
	if !qty.IsZero() {
		ev.Quantity = qty.String()
	}
	e.events.Publish(ctx, ev)
}
