// Package paper is an in-memory exchange for demo mode and tests. Market
// orders fill at the current mark; resting limit and stop orders fill when
// SetPrice moves the mark through them.
package paper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tvrelay/internal/domain"
)

// ErrInjected is returned by operations failed through FailNext.
var ErrInjected = errors.New("paper: injected failure")

// Operation names accepted by FailNext.
const (
	OpMarket = "market"
	OpLimit  = "limit"
	OpStop   = "stop"
	OpCancel = "cancel"
	OpStatus = "status"
	OpPrice  = "price"
)

type orderKind int

const (
	kindMarket orderKind = iota
	kindLimit
	kindStop
)

type order struct {
	kind     orderKind
	clientID string
	qty      decimal.Decimal
	price    decimal.Decimal // limit price or stop trigger
	status   domain.OrderStatus
}

// Exchange is a simulated spot exchange.
type Exchange struct {
	mu          sync.Mutex
	nativeStops bool
	holdMarket  bool
	quote       string
	balances    map[string]decimal.Decimal
	marks       map[string]decimal.Decimal
	orders      map[string]*order
	byClientID  map[string]string
	failures    map[string]int
	seq         int
	now         func() time.Time
}

// Option configures the paper exchange.
type Option func(*Exchange)

// WithNativeStops makes PlaceStopOrder rest real stop orders.
func WithNativeStops(on bool) Option {
	return func(e *Exchange) { e.nativeStops = on }
}

// WithBalance sets the starting free balance of asset.
func WithBalance(asset string, amount decimal.Decimal) Option {
	return func(e *Exchange) { e.balances[strings.ToUpper(asset)] = amount }
}

// WithQuoteAsset sets the quote currency symbols are priced in.
func WithQuoteAsset(asset string) Option {
	return func(e *Exchange) { e.quote = strings.ToUpper(asset) }
}

// New creates a paper exchange with a 10000 USDT demo balance.
func New(opts ...Option) *Exchange {
	e := &Exchange{
		quote: "USDT",
		balances: map[string]decimal.Decimal{
			"USDT": decimal.NewFromInt(10000),
			"BTC":  decimal.RequireFromString("0.5"),
			"ETH":  decimal.NewFromInt(10),
		},
		marks:      make(map[string]decimal.Decimal),
		orders:     make(map[string]*order),
		byClientID: make(map[string]string),
		failures:   make(map[string]int),
		now:        time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Name implements domain.Exchange.
func (e *Exchange) Name() string { return "paper" }

// SupportsNativeStops implements domain.Exchange.
func (e *Exchange) SupportsNativeStops() bool { return e.nativeStops }

// FailNext makes the next n calls of op fail with ErrInjected.
func (e *Exchange) FailNext(op string, n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures[op] = n
}

// HoldMarketOrders leaves market orders unfilled until FillOrder is called.
func (e *Exchange) HoldMarketOrders(hold bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.holdMarket = hold
}

func (e *Exchange) fail(op string) error {
	if e.failures[op] > 0 {
		e.failures[op]--
		return fmt.Errorf("paper: %s: %w", op, ErrInjected)
	}
	return nil
}

// PlaceMarketOrder implements domain.Exchange.
func (e *Exchange) PlaceMarketOrder(_ context.Context, o domain.MarketOrder) (domain.OrderResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.fail(OpMarket); err != nil {
		return domain.OrderResult{}, err
	}
	if res, ok := e.replay(o.ClientOrderID); ok {
		return res, nil
	}
	mark, ok := e.marks[o.Symbol]
	if !ok {
		return domain.OrderResult{}, fmt.Errorf("paper: no price for %s: %w", o.Symbol, domain.ErrNotFound)
	}

	qty := o.Quantity
	if !qty.IsPositive() {
		if !o.QuoteAmount.IsPositive() {
			return domain.OrderResult{}, fmt.Errorf("paper: market order needs quantity or quote amount: %w", domain.ErrInvalidOrder)
		}
		qty = o.QuoteAmount.Div(mark).Truncate(8)
	}
	if o.Side == domain.OrderSideBuy && e.balances[e.quote].LessThan(qty.Mul(mark)) {
		return domain.OrderResult{}, fmt.Errorf("paper: buy %s: %w", o.Symbol, domain.ErrInsufficientBalance)
	}

	ord := e.newOrder(kindMarket, o.Symbol, o.Side, qty, decimal.Zero, o.ClientOrderID)
	if !e.holdMarket {
		e.fill(ord, mark)
	}
	return resultOf(ord), nil
}

// PlaceLimitOrder implements domain.Exchange.
func (e *Exchange) PlaceLimitOrder(_ context.Context, o domain.LimitOrder) (domain.OrderResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.fail(OpLimit); err != nil {
		return domain.OrderResult{}, err
	}
	if res, ok := e.replay(o.ClientOrderID); ok {
		return res, nil
	}
	if !o.Quantity.IsPositive() || !o.Price.IsPositive() {
		return domain.OrderResult{}, fmt.Errorf("paper: limit order: %w", domain.ErrInvalidOrder)
	}
	ord := e.newOrder(kindLimit, o.Symbol, o.Side, o.Quantity, o.Price, o.ClientOrderID)
	return resultOf(ord), nil
}

// PlaceStopOrder implements domain.Exchange.
func (e *Exchange) PlaceStopOrder(_ context.Context, o domain.StopOrder) (domain.OrderResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.nativeStops {
		return domain.OrderResult{}, fmt.Errorf("paper: stop order: %w", domain.ErrUnsupported)
	}
	if err := e.fail(OpStop); err != nil {
		return domain.OrderResult{}, err
	}
	if res, ok := e.replay(o.ClientOrderID); ok {
		return res, nil
	}
	if !o.Quantity.IsPositive() || !o.TriggerPrice.IsPositive() {
		return domain.OrderResult{}, fmt.Errorf("paper: stop order: %w", domain.ErrInvalidOrder)
	}
	ord := e.newOrder(kindStop, o.Symbol, o.Side, o.Quantity, o.TriggerPrice, o.ClientOrderID)
	return resultOf(ord), nil
}

// CancelOrder implements domain.Exchange.
func (e *Exchange) CancelOrder(_ context.Context, symbol, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.fail(OpCancel); err != nil {
		return err
	}
	ord, ok := e.orders[orderID]
	if !ok || ord.status.Symbol != symbol {
		return fmt.Errorf("paper: cancel %s: %w", orderID, domain.ErrOrderNotFound)
	}
	if ord.status.State.Terminal() {
		return fmt.Errorf("paper: cancel %s already %s: %w", orderID, ord.status.State, domain.ErrOrderNotFound)
	}
	ord.status.State = domain.OrderStateCancelled
	ord.status.UpdatedAt = e.now()
	return nil
}

// GetOrderStatus implements domain.Exchange.
func (e *Exchange) GetOrderStatus(_ context.Context, symbol, orderID string) (domain.OrderStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.fail(OpStatus); err != nil {
		return domain.OrderStatus{}, err
	}
	ord, ok := e.orders[orderID]
	if !ok || ord.status.Symbol != symbol {
		return domain.OrderStatus{}, fmt.Errorf("paper: status %s: %w", orderID, domain.ErrOrderNotFound)
	}
	return ord.status, nil
}

// GetBalance implements domain.Exchange.
func (e *Exchange) GetBalance(_ context.Context, asset string) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balances[strings.ToUpper(asset)], nil
}

// GetMarketPrice implements domain.Exchange.
func (e *Exchange) GetMarketPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.fail(OpPrice); err != nil {
		return decimal.Zero, err
	}
	mark, ok := e.marks[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("paper: no price for %s: %w", symbol, domain.ErrNotFound)
	}
	return mark, nil
}

// SetPrice moves the mark for symbol and fills every resting order it
// crosses. It returns the ids of orders filled by this move.
func (e *Exchange) SetPrice(symbol string, price decimal.Decimal) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.marks[symbol] = price

	var filled []string
	for _, id := range e.sortedIDs() {
		ord := e.orders[id]
		if ord.status.Symbol != symbol || ord.status.State.Terminal() {
			continue
		}
		if crosses(ord, price) {
			fillAt := price
			if ord.kind == kindLimit {
				fillAt = ord.price
			}
			e.fill(ord, fillAt)
			filled = append(filled, id)
		}
	}
	return filled
}

// FillOrder fills a resting or held order at its own price (or the mark for
// market and stop orders).
func (e *Exchange) FillOrder(orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ord, ok := e.orders[orderID]
	if !ok {
		return fmt.Errorf("paper: fill %s: %w", orderID, domain.ErrOrderNotFound)
	}
	if ord.status.State.Terminal() {
		return fmt.Errorf("paper: fill %s already %s: %w", orderID, ord.status.State, domain.ErrInvalidOrder)
	}
	at := e.marks[ord.status.Symbol]
	if ord.kind == kindLimit {
		at = ord.price
	}
	e.fill(ord, at)
	return nil
}

// Orders returns a snapshot of every order on symbol, oldest first.
func (e *Exchange) Orders(symbol string) []domain.OrderStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []domain.OrderStatus
	for _, id := range e.sortedIDs() {
		if o := e.orders[id]; o.status.Symbol == symbol {
			out = append(out, o.status)
		}
	}
	return out
}

// OpenOrders returns resting orders on symbol.
func (e *Exchange) OpenOrders(symbol string) []domain.OrderStatus {
	var out []domain.OrderStatus
	for _, s := range e.Orders(symbol) {
		if !s.State.Terminal() {
			out = append(out, s)
		}
	}
	return out
}

func (e *Exchange) newOrder(kind orderKind, symbol string, side domain.OrderSide, qty, price decimal.Decimal, clientID string) *order {
	e.seq++
	id := strconv.Itoa(e.seq)
	ord := &order{
		kind:     kind,
		clientID: clientID,
		qty:      qty,
		price:    price,
		status: domain.OrderStatus{
			OrderID:   id,
			Symbol:    symbol,
			Side:      side,
			State:     domain.OrderStateNew,
			UpdatedAt: e.now(),
		},
	}
	e.orders[id] = ord
	if clientID != "" {
		e.byClientID[clientID] = id
	}
	return ord
}

func (e *Exchange) replay(clientID string) (domain.OrderResult, bool) {
	if clientID == "" {
		return domain.OrderResult{}, false
	}
	id, ok := e.byClientID[clientID]
	if !ok {
		return domain.OrderResult{}, false
	}
	return resultOf(e.orders[id]), true
}

func (e *Exchange) fill(ord *order, price decimal.Decimal) {
	notional := ord.qty.Mul(price)
	base := baseAsset(ord.status.Symbol, e.quote)
	if ord.status.Side == domain.OrderSideBuy {
		e.balances[e.quote] = e.balances[e.quote].Sub(notional)
		e.balances[base] = e.balances[base].Add(ord.qty)
	} else {
		e.balances[e.quote] = e.balances[e.quote].Add(notional)
		e.balances[base] = e.balances[base].Sub(ord.qty)
	}
	ord.status.State = domain.OrderStateFilled
	ord.status.FilledQty = ord.qty
	ord.status.QuoteFilled = notional
	ord.status.AvgPrice = price
	ord.status.UpdatedAt = e.now()
}

func (e *Exchange) sortedIDs() []string {
	ids := make([]string, 0, len(e.orders))
	for id := range e.orders {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, _ := strconv.Atoi(ids[i])
		b, _ := strconv.Atoi(ids[j])
		return a < b
	})
	return ids
}

func crosses(o *order, mark decimal.Decimal) bool {
	switch o.kind {
	case kindLimit:
		if o.status.Side == domain.OrderSideSell {
			return mark.GreaterThanOrEqual(o.price)
		}
		return mark.LessThanOrEqual(o.price)
	case kindStop:
		if o.status.Side == domain.OrderSideSell {
			return mark.LessThanOrEqual(o.price)
		}
		return mark.GreaterThanOrEqual(o.price)
	}
	return false
}

func resultOf(o *order) domain.OrderResult {
	return domain.OrderResult{
		OrderID:       o.status.OrderID,
		ClientOrderID: o.clientID,
		State:         o.status.State,
		FilledQty:     o.status.FilledQty,
		AvgPrice:      o.status.AvgPrice,
	}
}

func baseAsset(symbol, quote string) string {
	if strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
		return strings.TrimSuffix(symbol, quote)
	}
	return symbol
}
