// Package monitor runs the background loops that manage open positions: the
// TP/SL ladder monitor and the stop-loss fallback monitor.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tvrelay/internal/domain"
	"github.com/alanyoungcy/tvrelay/internal/executor"
	"github.com/alanyoungcy/tvrelay/internal/metrics"
)

// Store is the slice of the position table the monitors need.
type Store interface {
	ListActive() []*domain.Position
	List(keep func(*domain.Position) bool) []*domain.Position
	WithLock(ctx context.Context, id string, fn func(p *domain.Position) error) error
}

// RelocationFailure reports a position whose stop could not be moved to
// break-even after TP1 filled. The position is CLOSING_FAILED and needs an
// operator.
type RelocationFailure struct {
	PositionID string
	Symbol     string
	Attempts   int
	Err        error
}

func (f *RelocationFailure) Error() string {
	return fmt.Sprintf("monitor: position %s (%s): break-even stop not placed after %d attempts: %v",
		f.PositionID, f.Symbol, f.Attempts, f.Err)
}

// Unwrap lets errors.Is match domain.ErrCriticalFailure.
func (f *RelocationFailure) Unwrap() error { return domain.ErrCriticalFailure }

// TPSLConfig drives the TP/SL monitor.
type TPSLConfig struct {
	PollInterval   time.Duration
	TPRetryLimit   int
	CancelOnRunner bool
	RunnerFraction decimal.Decimal // of initial quantity
	RunnerEpsilon  decimal.Decimal // of initial quantity
}

// TPSL advances take-profit ladders and enforces the break-even stop after
// TP1.
type TPSL struct {
	cfg    TPSLConfig
	store  Store
	orders *executor.Orders
	ex     domain.Exchange
	events domain.EventPublisher
	logger *slog.Logger
	now    func() time.Time
}

// NewTPSL creates the monitor. events may be nil.
func NewTPSL(cfg TPSLConfig, store Store, orders *executor.Orders, events domain.EventPublisher, logger *slog.Logger) *TPSL {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.TPRetryLimit <= 0 {
		cfg.TPRetryLimit = 3
	}
	if cfg.RunnerFraction.IsZero() {
		cfg.RunnerFraction = domain.DefaultRunnerFraction
	}
	if events == nil {
		events = domain.EventPublisherFunc(func(context.Context, domain.PositionEvent) {})
	}
	return &TPSL{
		cfg:    cfg,
		store:  store,
		orders: orders,
		ex:     orders.Exchange(),
		events: events,
		logger: logger.With(slog.String("component", "tpsl_monitor")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run polls every PollInterval until ctx is cancelled. Every relocation
// failure returned by Check is escalated.
func (m *TPSL) Run(ctx context.Context) error {
	m.logger.Info("tp/sl monitor started", slog.Duration("interval", m.cfg.PollInterval))
	defer m.logger.Info("tp/sl monitor stopped")

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, f := range m.Check(ctx) {
				m.Escalate(ctx, f)
			}
		}
	}
}

// Check runs one pass over every ACTIVE position and returns the relocation
// failures it hit. Transient exchange errors are logged and retried on the
// next pass.
func (m *TPSL) Check(ctx context.Context) []*RelocationFailure {
	start := time.Now()
	defer func() {
		metrics.MonitorCycle.WithLabelValues("tpsl").Observe(time.Since(start).Seconds())
	}()

	var failures []*RelocationFailure
	for _, p := range m.store.ListActive() {
		if ctx.Err() != nil {
			break
		}
		var events []domain.PositionEvent
		var failure *RelocationFailure
		err := m.store.WithLock(ctx, p.ID, func(pos *domain.Position) error {
			// Another writer may have moved it on since the listing.
			if pos.Status != domain.PositionStatusActive {
				return nil
			}
			events, failure = m.advance(ctx, pos)
			return nil
		})
		if err != nil {
			m.logger.Warn("position check skipped",
				slog.String("position_id", p.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		for _, ev := range events {
			m.events.Publish(ctx, ev)
		}
		if failure != nil {
			failures = append(failures, failure)
		}
	}

	open := m.store.List(func(p *domain.Position) bool { return p.Status.Open() })
	metrics.OpenPositions.Set(float64(len(open)))
	return failures
}

// Escalate reports a relocation failure on every channel: a critical log
// line, a critical event for the notifiers and the critical counter.
func (m *TPSL) Escalate(ctx context.Context, f *RelocationFailure) {
	m.logger.ErrorContext(ctx, "break-even stop relocation failed",
		slog.String("severity", "critical"),
		slog.String("position_id", f.PositionID),
		slog.String("symbol", f.Symbol),
		slog.Int("attempts", f.Attempts),
		slog.String("error", f.Error()),
	)
	metrics.CriticalFailures.Inc()
	m.events.Publish(ctx, domain.PositionEvent{
		Type:       domain.EventCritical,
		PositionID: f.PositionID,
		Symbol:     f.Symbol,
		Message:    f.Error(),
		Critical:   true,
		At:         m.now(),
	})
}

// advance applies exchange state to one locked position.
func (m *TPSL) advance(ctx context.Context, p *domain.Position) ([]domain.PositionEvent, *RelocationFailure) {
	log := m.logger.With(slog.String("position_id", p.ID), slog.String("symbol", p.Symbol))
	now := m.now()
	var events []domain.PositionEvent

	if err := m.orders.CancelStale(ctx, p); err != nil {
		log.Warn("replaced stop still open, retrying next pass", slog.String("error", err.Error()))
	}

	stopFill, stopFilled := m.checkStop(ctx, p, log)
	filled := m.checkLevels(ctx, p, log)

	if stopFilled {
		// Fills that landed before the stop still count; nothing is relocated.
		for _, lvl := range filled {
			events = append(events, m.applyFill(p, lvl, now))
		}
		if err := m.orders.CancelLevels(ctx, p); err != nil {
			log.Warn("cancel take-profits after stop fill failed", slog.String("error", err.Error()))
		}
		p.StopLoss.Status = domain.StopStatusFilled
		p.Reduce(stopFill.FilledQty)
		m.withdrawStale(ctx, p, log)
		p.MarkClosed(domain.CloseReasonStopLoss, now)
		metrics.StopTriggers.WithLabelValues("native").Inc()
		log.Info("native stop filled, position closed", slog.String("quantity", stopFill.FilledQty.String()))
		events = append(events, event(p, domain.EventStoppedOut, 0, p.StopLoss.Price, stopFill.FilledQty, "native stop filled", now))
		return events, nil
	}

	for _, lvl := range filled {
		events = append(events, m.applyFill(p, lvl, now))
		if lvl == 1 && !p.TP1Handled {
			ev, failure := m.relocate(ctx, p, log)
			if failure != nil {
				// Later fills stay unapplied; the position is out of normal
				// management from here on.
				return events, failure
			}
			events = append(events, ev)
		}
	}

	if m.runnerReached(p) {
		events = append(events, m.leaveRunner(ctx, p, log, now))
		return events, nil
	}

	m.resizeStop(ctx, p, log)
	events = append(events, m.retryPending(ctx, p, log, now)...)
	if len(events) > 0 {
		p.UpdatedAt = now
	}
	return events, nil
}

// checkStop queries the native stop. A stop that disappeared without
// filling is re-armed as a monitored stop at the same price.
func (m *TPSL) checkStop(ctx context.Context, p *domain.Position, log *slog.Logger) (domain.OrderStatus, bool) {
	if !p.StopLoss.Native || p.StopLoss.Status != domain.StopStatusOpen {
		return domain.OrderStatus{}, false
	}
	st, err := m.ex.GetOrderStatus(ctx, p.Symbol, p.StopLoss.OrderID)
	if err != nil {
		log.Warn("stop status query failed", slog.String("error", err.Error()))
		return domain.OrderStatus{}, false
	}
	switch {
	case st.State == domain.OrderStateFilled:
		return st, true
	case st.State.Terminal():
		log.Warn("native stop gone without a fill, stop is monitored",
			slog.String("order_id", p.StopLoss.OrderID),
			slog.String("state", string(st.State)),
		)
		p.StopLoss = domain.StopLoss{
			Price:         p.StopLoss.Price,
			Quantity:      p.StopLoss.Quantity,
			Status:        domain.StopStatusMonitored,
			StaleOrderIDs: p.StopLoss.StaleOrderIDs,
		}
	}
	return domain.OrderStatus{}, false
}

// checkLevels queries every OPEN take-profit order and returns the levels
// that filled, in ladder order. Levels the exchange cancelled or rejected
// become CANCELLED; partial fills wait.
func (m *TPSL) checkLevels(ctx context.Context, p *domain.Position, log *slog.Logger) []int {
	var filled []int
	for i := range p.Ladder {
		lvl := &p.Ladder[i]
		if lvl.Status != domain.LevelStatusOpen {
			continue
		}
		st, err := m.ex.GetOrderStatus(ctx, p.Symbol, lvl.OrderID)
		if err != nil {
			log.Warn("take-profit status query failed",
				slog.Int("level", lvl.Level),
				slog.String("error", err.Error()),
			)
			continue
		}
		switch {
		case st.State == domain.OrderStateFilled:
			filled = append(filled, lvl.Level)
		case st.State.Terminal():
			log.Warn("take-profit order ended without a fill",
				slog.Int("level", lvl.Level),
				slog.String("state", string(st.State)),
				slog.String("filled_qty", st.FilledQty.String()),
			)
			lvl.Status = domain.LevelStatusCancelled
			lvl.LastError = "order " + string(st.State) + " on exchange"
		}
	}
	return filled
}

func (m *TPSL) applyFill(p *domain.Position, level int, now time.Time) domain.PositionEvent {
	lvl := p.Level(level)
	lvl.Status = domain.LevelStatusFilled
	at := now
	lvl.FilledAt = &at
	p.Reduce(lvl.Quantity)
	p.UpdatedAt = now
	metrics.TakeProfitFills.WithLabelValues(strconv.Itoa(level)).Inc()
	m.logger.Info("take-profit filled",
		slog.String("position_id", p.ID),
		slog.Int("level", level),
		slog.String("quantity", lvl.Quantity.String()),
		slog.String("remaining", p.RemainingQuantity.String()),
	)
	return event(p, domain.EventTPFilled, level, lvl.Price, lvl.Quantity, "", now)
}

// relocate moves the stop to the entry price for the whole remaining
// quantity. A native replacement is placed before the old stop is
// cancelled, so the position always has one valid stop.
func (m *TPSL) relocate(ctx context.Context, p *domain.Position, log *slog.Logger) (domain.PositionEvent, *RelocationFailure) {
	now := m.now()
	old := p.StopLoss
	breakEven := p.EntryPrice
	qty := p.RemainingQuantity

	if old.Native && old.Status == domain.StopStatusOpen {
		attempts, err := m.replaceStop(ctx, p, breakEven, qty, "sl-breakeven", log)
		if err != nil {
			p.Status = domain.PositionStatusClosingFailed
			p.CloseReason = domain.CloseReasonCritical
			p.LastError = err.Error()
			p.UpdatedAt = now
			return domain.PositionEvent{}, &RelocationFailure{
				PositionID: p.ID,
				Symbol:     p.Symbol,
				Attempts:   attempts,
				Err:        err,
			}
		}
	} else {
		p.StopLoss.Price = breakEven
		p.StopLoss.Quantity = qty
		p.StopLoss.Status = domain.StopStatusMonitored
	}

	p.TP1Handled = true
	p.UpdatedAt = now
	log.Info("stop moved to break-even",
		slog.String("price", breakEven.String()),
		slog.String("previous", old.Price.String()),
		slog.Bool("native", p.StopLoss.Native),
	)
	return event(p, domain.EventStopRelocated, 1, breakEven, qty, "stop moved to break-even", now), nil
}

// replaceStop places a native stop for qty at price, then cancels the stop
// it replaces. A cancel that keeps failing leaves the old id in
// StaleOrderIDs for the next pass. The current stop is untouched when the
// placement fails.
func (m *TPSL) replaceStop(ctx context.Context, p *domain.Position, price, qty decimal.Decimal, tag string, log *slog.Logger) (int, error) {
	old := p.StopLoss
	id, attempts, err := m.orders.PlaceStop(ctx, p, price, qty, tag)
	if err != nil {
		return attempts, err
	}
	p.StopLoss = domain.StopLoss{
		OrderID:       id,
		Price:         price,
		Quantity:      qty,
		Status:        domain.StopStatusOpen,
		Native:        true,
		StaleOrderIDs: old.StaleOrderIDs,
	}
	if err := m.cancelWithRetry(ctx, p.Symbol, old.OrderID); err != nil {
		log.Error("previous stop still open after replacement",
			slog.String("order_id", old.OrderID),
			slog.String("error", err.Error()),
		)
		p.StopLoss.StaleOrderIDs = append(p.StopLoss.StaleOrderIDs, old.OrderID)
		p.LastError = "stale stop " + old.OrderID + ": " + err.Error()
	}
	return attempts, nil
}

// resizeStop shrinks an exchange stop that covers more than the position
// still holds. A failed placement keeps the old stop; the next pass tries
// again.
func (m *TPSL) resizeStop(ctx context.Context, p *domain.Position, log *slog.Logger) {
	sl := p.StopLoss
	qty := p.RemainingQuantity
	if !qty.IsPositive() || sl.Quantity.LessThanOrEqual(qty) {
		return
	}
	switch {
	case sl.Status == domain.StopStatusMonitored:
		p.StopLoss.Quantity = qty
	case sl.Native && sl.Status == domain.StopStatusOpen:
		if _, err := m.replaceStop(ctx, p, sl.Price, qty, "sl-"+qty.String(), log); err != nil {
			log.Warn("stop resize failed, retrying next pass",
				slog.String("quantity", qty.String()),
				slog.String("error", err.Error()),
			)
			return
		}
		log.Info("stop resized",
			slog.String("order_id", p.StopLoss.OrderID),
			slog.String("previous", sl.Quantity.String()),
			slog.String("quantity", qty.String()),
		)
	}
}

// withdrawStale makes a last attempt at replaced stops before the position
// closes. Whatever is left is logged for an operator.
func (m *TPSL) withdrawStale(ctx context.Context, p *domain.Position, log *slog.Logger) {
	if err := m.orders.CancelStale(ctx, p); err != nil {
		log.Error("position closing with a replaced stop still open",
			slog.String("severity", "critical"),
			slog.Any("order_ids", p.StopLoss.StaleOrderIDs),
			slog.String("error", err.Error()),
		)
		p.LastError = err.Error()
	}
}

func (m *TPSL) cancelWithRetry(ctx context.Context, symbol, orderID string) error {
	var err error
	for i := 0; i < m.orders.Retries(); i++ {
		if err = m.orders.Cancel(ctx, symbol, orderID); err == nil {
			return nil
		}
	}
	return err
}

// runnerReached reports whether the ladder is done: what remains is at most
// the runner, or every level filled and precision truncation left a
// slightly larger runner.
func (m *TPSL) runnerReached(p *domain.Position) bool {
	if !p.InitialQuantity.IsPositive() {
		return false
	}
	floor := p.InitialQuantity.Mul(m.cfg.RunnerFraction.Add(m.cfg.RunnerEpsilon))
	if p.RemainingQuantity.LessThanOrEqual(floor) {
		return true
	}
	if len(p.Ladder) == 0 {
		return false
	}
	for _, lvl := range p.Ladder {
		if lvl.Status != domain.LevelStatusFilled {
			return false
		}
	}
	return true
}

// leaveRunner closes the position with the runner left for external
// handling. Its stop is withdrawn.
func (m *TPSL) leaveRunner(ctx context.Context, p *domain.Position, log *slog.Logger, now time.Time) domain.PositionEvent {
	if m.cfg.CancelOnRunner {
		if err := m.orders.CancelLevels(ctx, p); err != nil {
			log.Warn("cancel remaining take-profits failed", slog.String("error", err.Error()))
		}
	}
	switch {
	case p.StopLoss.Native && p.StopLoss.Status == domain.StopStatusOpen:
		if err := m.orders.Cancel(ctx, p.Symbol, p.StopLoss.OrderID); err != nil {
			log.Error("runner stop cancel failed", slog.String("error", err.Error()))
			p.LastError = err.Error()
		} else {
			p.StopLoss.Status = domain.StopStatusCancelled
		}
	case p.StopLoss.Armed():
		p.StopLoss.Status = domain.StopStatusCancelled
	}
	m.withdrawStale(ctx, p, log)
	p.MarkClosed(domain.CloseReasonRunner, now)
	log.Info("ladder complete, runner left", slog.String("runner", p.RemainingQuantity.String()))
	return event(p, domain.EventRunnerLeft, 0, decimal.Zero, p.RemainingQuantity, "", now)
}

// retryPending re-places levels whose placement failed, up to the retry
// limit.
func (m *TPSL) retryPending(ctx context.Context, p *domain.Position, log *slog.Logger, now time.Time) []domain.PositionEvent {
	var events []domain.PositionEvent
	for i := range p.Ladder {
		lvl := &p.Ladder[i]
		if lvl.Status != domain.LevelStatusPending || lvl.Attempts >= m.cfg.TPRetryLimit {
			continue
		}
		err := m.orders.PlaceLevel(ctx, p, lvl)
		if err == nil {
			log.Info("take-profit placed on retry", slog.Int("level", lvl.Level), slog.Int("attempts", lvl.Attempts))
			continue
		}
		if lvl.Attempts >= m.cfg.TPRetryLimit || lvl.Status == domain.LevelStatusCancelled {
			log.Error("take-profit placement abandoned",
				slog.Int("level", lvl.Level),
				slog.Int("attempts", lvl.Attempts),
				slog.String("error", err.Error()),
			)
			events = append(events, event(p, domain.EventTPPlacementFailed, lvl.Level, lvl.Price, lvl.Quantity, lvl.LastError, now))
			continue
		}
		log.Warn("take-profit retry failed", slog.Int("level", lvl.Level), slog.String("error", err.Error()))
	}
	return events
}

func event(p *domain.Position, typ domain.EventType, level int, price, qty decimal.Decimal, msg string, at time.Time) domain.PositionEvent {
	ev := domain.PositionEvent{
		Type:       typ,
		PositionID: p.ID,
		Symbol:     p.Symbol,
		Side:       p.Side,
		Level:      level,
		Message:    msg,
		At:         at,
	}
	if !price.IsZero() {
		ev.Price = price.String()
	}
	if !qty.IsZero() {
		ev.Quantity = qty.String()
	}
	return ev
}
