package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tvrelay/internal/domain"
	"github.com/alanyoungcy/tvrelay/internal/metrics"
)

// OrderKey derives the client order id for one logical order of a position.
// Retrying the same logical order reuses the key, so a placement that
// succeeded on the exchange but timed out locally is not duplicated.
func OrderKey(positionID, tag string) string {
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(positionID+":"+tag))
	return "tvr-" + strings.ReplaceAll(id.String(), "-", "")
}

// Orders places and cancels the exit orders of a position. The engine and
// both monitors share one instance.
type Orders struct {
	ex        domain.Exchange
	retries   int
	retryWait time.Duration
	logger    *slog.Logger
}

// NewOrders wraps ex. Stop placements are attempted retries times with
// retryWait between attempts.
func NewOrders(ex domain.Exchange, retries int, retryWait time.Duration, logger *slog.Logger) *Orders {
	if retries < 1 {
		retries = 1
	}
	return &Orders{
		ex:        ex,
		retries:   retries,
		retryWait: retryWait,
		logger:    logger.With(slog.String("component", "orders")),
	}
}

// Exchange returns the wrapped gateway.
func (o *Orders) Exchange() domain.Exchange { return o.ex }

// Retries is the number of attempts PlaceStop makes.
func (o *Orders) Retries() int { return o.retries }

// PlaceLevel submits the limit order of a PENDING take-profit level and
// records the outcome on lvl. A failed attempt leaves the level PENDING.
func (o *Orders) PlaceLevel(ctx context.Context, pos *domain.Position, lvl *domain.TakeProfitLevel) error {
	lvl.Attempts++
	if !lvl.Quantity.IsPositive() {
		lvl.Status = domain.LevelStatusCancelled
		lvl.LastError = "quantity below exchange precision"
		return fmt.Errorf("executor: place tp%d: %w", lvl.Level, domain.ErrSizeTooSmall)
	}

	side := pos.Side.ExitSide()
	res, err := o.ex.PlaceLimitOrder(ctx, domain.LimitOrder{
		Symbol:        pos.Symbol,
		Side:          side,
		Quantity:      lvl.Quantity,
		Price:         lvl.Price,
		ClientOrderID: OrderKey(pos.ID, fmt.Sprintf("tp%d", lvl.Level)),
	})
	metrics.OrdersTotal.WithLabelValues("limit", string(side), metrics.Result(err)).Inc()
	if err != nil {
		lvl.LastError = err.Error()
		return fmt.Errorf("executor: place tp%d: %w", lvl.Level, err)
	}

	lvl.OrderID = res.OrderID
	lvl.Status = domain.LevelStatusOpen
	lvl.LastError = ""
	return nil
}

// PlaceStop places a native stop for qty at price, retrying transient
// failures. It returns the order id and the number of attempts made.
// ErrUnsupported is returned at once.
func (o *Orders) PlaceStop(ctx context.Context, pos *domain.Position, price, qty decimal.Decimal, tag string) (string, int, error) {
	side := pos.Side.ExitSide()
	key := OrderKey(pos.ID, tag)

	var lastErr error
	for attempt := 1; attempt <= o.retries; attempt++ {
		res, err := o.ex.PlaceStopOrder(ctx, domain.StopOrder{
			Symbol:        pos.Symbol,
			Side:          side,
			Quantity:      qty,
			TriggerPrice:  price,
			ClientOrderID: key,
		})
		metrics.OrdersTotal.WithLabelValues("stop", string(side), metrics.Result(err)).Inc()
		if err == nil {
			return res.OrderID, attempt, nil
		}
		if errors.Is(err, domain.ErrUnsupported) {
			return "", attempt, err
		}
		lastErr = err
		o.logger.Warn("stop placement failed",
			slog.String("position_id", pos.ID),
			slog.String("price", price.String()),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		if attempt == o.retries {
			break
		}
		select {
		case <-ctx.Done():
			return "", attempt, fmt.Errorf("executor: place stop: %w", ctx.Err())
		case <-time.After(o.retryWait):
		}
	}
	return "", o.retries, fmt.Errorf("executor: place stop after %d attempts: %w", o.retries, lastErr)
}

// Cancel cancels one order. An order the exchange no longer knows counts as
// cancelled.
func (o *Orders) Cancel(ctx context.Context, symbol, orderID string) error {
	if orderID == "" {
		return nil
	}
	err := o.ex.CancelOrder(ctx, symbol, orderID)
	metrics.OrdersTotal.WithLabelValues("cancel", "", metrics.Result(err)).Inc()
	if err == nil || errors.Is(err, domain.ErrOrderNotFound) {
		return nil
	}
	return fmt.Errorf("executor: cancel %s: %w", orderID, err)
}

// CancelStale withdraws the replaced stops listed in
// pos.StopLoss.StaleOrderIDs. An id is dropped once its cancel succeeds or
// the exchange reports the order finished; the rest stay for the next call.
func (o *Orders) CancelStale(ctx context.Context, pos *domain.Position) error {
	if len(pos.StopLoss.StaleOrderIDs) == 0 {
		return nil
	}
	var keep []string
	var errs []error
	for _, id := range pos.StopLoss.StaleOrderIDs {
		if st, err := o.ex.GetOrderStatus(ctx, pos.Symbol, id); err == nil && st.State.Terminal() {
			if st.State == domain.OrderStateFilled {
				o.logger.Error("replaced stop filled before it was withdrawn",
					slog.String("severity", "critical"),
					slog.String("position_id", pos.ID),
					slog.String("order_id", id),
					slog.String("filled_qty", st.FilledQty.String()),
				)
			}
			continue
		}
		if err := o.Cancel(ctx, pos.Symbol, id); err != nil {
			keep = append(keep, id)
			errs = append(errs, err)
			continue
		}
		o.logger.Info("replaced stop withdrawn",
			slog.String("position_id", pos.ID),
			slog.String("order_id", id),
		)
	}
	pos.StopLoss.StaleOrderIDs = keep
	return errors.Join(errs...)
}

// CancelLevels cancels every OPEN take-profit order of pos and marks the
// levels CANCELLED. Levels whose cancel failed stay OPEN with LastError set.
func (o *Orders) CancelLevels(ctx context.Context, pos *domain.Position) error {
	var errs []error
	for i := range pos.Ladder {
		lvl := &pos.Ladder[i]
		if lvl.Status != domain.LevelStatusOpen {
			continue
		}
		if err := o.Cancel(ctx, pos.Symbol, lvl.OrderID); err != nil {
			lvl.LastError = err.Error()
			errs = append(errs, err)
			continue
		}
		lvl.Status = domain.LevelStatusCancelled
	}
	return errors.Join(errs...)
}

// Close market-closes qty of pos. LONG sells base; SHORT buys back by quote
// amount qty × mark, fetching the mark when it is zero.
func (o *Orders) Close(ctx context.Context, pos *domain.Position, qty, mark decimal.Decimal, tag string) (domain.OrderResult, error) {
	side := pos.Side.ExitSide()
	order := domain.MarketOrder{
		Symbol:        pos.Symbol,
		Side:          side,
		ClientOrderID: OrderKey(pos.ID, tag),
	}
	if pos.Side == domain.SideLong {
		order.Quantity = qty
	} else {
		if !mark.IsPositive() {
			p, err := o.ex.GetMarketPrice(ctx, pos.Symbol)
			if err != nil {
				return domain.OrderResult{}, fmt.Errorf("executor: close %s: %w", pos.ID, err)
			}
			mark = p
		}
		order.QuoteAmount = qty.Mul(mark)
	}

	res, err := o.ex.PlaceMarketOrder(ctx, order)
	metrics.OrdersTotal.WithLabelValues("market", string(side), metrics.Result(err)).Inc()
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("executor: close %s: %w", pos.ID, err)
	}
	return res, nil
}
