// Package alpaca is the Alpaca crypto gateway. It authenticates with key
// headers and supports native stop orders, so positions on Alpaca keep a
// resting stop on the exchange.
package alpaca

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tvrelay/internal/domain"
)

// Config holds the gateway settings.
type Config struct {
	BaseURL   string // trading API, e.g. https://paper-api.alpaca.markets
	DataURL   string // market data API, e.g. https://data.alpaca.markets
	APIKey    string
	APISecret string
	Timeout   time.Duration
}

// Client implements domain.Exchange against the Alpaca REST API.
type Client struct {
	baseURL    string
	dataURL    string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
}

// New creates an Alpaca client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.DataURL == "" {
		cfg.DataURL = "https://data.alpaca.markets"
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		dataURL:    strings.TrimRight(cfg.DataURL, "/"),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		apiSecret:  strings.TrimSpace(cfg.APISecret),
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Name implements domain.Exchange.
func (c *Client) Name() string { return "alpaca" }

// SupportsNativeStops implements domain.Exchange.
func (c *Client) SupportsNativeStops() bool { return true }

// Ping checks connectivity and credentials.
func (c *Client) Ping(ctx context.Context) error {
	var acct account
	if err := c.doRequest(ctx, http.MethodGet, c.baseURL+"/v2/account", nil, &acct); err != nil {
		return fmt.Errorf("alpaca: ping: %w", err)
	}
	return nil
}

// PlaceMarketOrder buys by notional or trades a base quantity.
func (c *Client) PlaceMarketOrder(ctx context.Context, o domain.MarketOrder) (domain.OrderResult, error) {
	req := orderRequest{
		Symbol:        tradeSymbol(o.Symbol),
		Side:          strings.ToLower(string(o.Side)),
		Type:          "market",
		TimeInForce:   "gtc",
		ClientOrderID: o.ClientOrderID,
	}
	switch {
	case o.QuoteAmount.IsPositive():
		req.Notional = &o.QuoteAmount
	case o.Quantity.IsPositive():
		req.Qty = &o.Quantity
	default:
		return domain.OrderResult{}, fmt.Errorf("alpaca: market order %s: %w", o.Symbol, domain.ErrInvalidOrder)
	}
	return c.submit(ctx, req)
}

// PlaceLimitOrder rests a GTC limit order.
func (c *Client) PlaceLimitOrder(ctx context.Context, o domain.LimitOrder) (domain.OrderResult, error) {
	if !o.Quantity.IsPositive() || !o.Price.IsPositive() {
		return domain.OrderResult{}, fmt.Errorf("alpaca: limit order %s: %w", o.Symbol, domain.ErrInvalidOrder)
	}
	return c.submit(ctx, orderRequest{
		Symbol:        tradeSymbol(o.Symbol),
		Side:          strings.ToLower(string(o.Side)),
		Type:          "limit",
		TimeInForce:   "gtc",
		Qty:           &o.Quantity,
		LimitPrice:    &o.Price,
		ClientOrderID: o.ClientOrderID,
	})
}

// PlaceStopOrder rests a GTC stop (market) order.
func (c *Client) PlaceStopOrder(ctx context.Context, o domain.StopOrder) (domain.OrderResult, error) {
	if !o.Quantity.IsPositive() || !o.TriggerPrice.IsPositive() {
		return domain.OrderResult{}, fmt.Errorf("alpaca: stop order %s: %w", o.Symbol, domain.ErrInvalidOrder)
	}
	return c.submit(ctx, orderRequest{
		Symbol:        tradeSymbol(o.Symbol),
		Side:          strings.ToLower(string(o.Side)),
		Type:          "stop",
		TimeInForce:   "gtc",
		Qty:           &o.Quantity,
		StopPrice:     &o.TriggerPrice,
		ClientOrderID: o.ClientOrderID,
	})
}

// CancelOrder cancels orderID. Alpaca answers 404 for unknown orders and
// 422 for orders that already reached a final state; both map to
// domain.ErrOrderNotFound.
func (c *Client) CancelOrder(ctx context.Context, _ string, orderID string) error {
	path := c.baseURL + "/v2/orders/" + url.PathEscape(orderID)
	if err := c.doRequest(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("alpaca: cancel order %s: %w", orderID, err)
	}
	return nil
}

// GetOrderStatus queries a single order.
func (c *Client) GetOrderStatus(ctx context.Context, _ string, orderID string) (domain.OrderStatus, error) {
	var o order
	path := c.baseURL + "/v2/orders/" + url.PathEscape(orderID)
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &o); err != nil {
		return domain.OrderStatus{}, fmt.Errorf("alpaca: order status %s: %w", orderID, err)
	}
	return o.toStatus(), nil
}

// GetBalance returns account cash for USD-like assets and the position
// quantity for anything else.
func (c *Client) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	asset = strings.ToUpper(asset)
	if asset == "USD" || asset == "USDT" || asset == "USDC" {
		var acct account
		if err := c.doRequest(ctx, http.MethodGet, c.baseURL+"/v2/account", nil, &acct); err != nil {
			return decimal.Zero, fmt.Errorf("alpaca: balance %s: %w", asset, err)
		}
		return acct.Cash, nil
	}

	var positions []position
	if err := c.doRequest(ctx, http.MethodGet, c.baseURL+"/v2/positions", nil, &positions); err != nil {
		return decimal.Zero, fmt.Errorf("alpaca: balance %s: %w", asset, err)
	}
	for _, p := range positions {
		if baseOf(p.Symbol) == asset {
			return p.Qty, nil
		}
	}
	return decimal.Zero, nil
}

// GetMarketPrice returns the close of the latest one-minute bar.
func (c *Client) GetMarketPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	pair := tradeSymbol(symbol)
	q := url.Values{}
	q.Set("symbols", pair)

	var bars latestBars
	if err := c.doRequest(ctx, http.MethodGet, c.dataURL+"/v1beta3/crypto/us/latest/bars?"+q.Encode(), nil, &bars); err != nil {
		return decimal.Zero, fmt.Errorf("alpaca: price %s: %w", symbol, err)
	}
	bar, ok := bars.Bars[pair]
	if !ok || !bar.Close.IsPositive() {
		return decimal.Zero, fmt.Errorf("alpaca: price %s: %w", symbol, domain.ErrNotFound)
	}
	return bar.Close, nil
}

func (c *Client) submit(ctx context.Context, req orderRequest) (domain.OrderResult, error) {
	var o order
	if err := c.doRequest(ctx, http.MethodPost, c.baseURL+"/v2/orders", req, &o); err != nil {
		return domain.OrderResult{}, fmt.Errorf("alpaca: place %s %s: %w", req.Type, req.Symbol, err)
	}
	st := o.toStatus()
	return domain.OrderResult{
		OrderID:       o.ID,
		ClientOrderID: o.ClientOrderID,
		State:         st.State,
		FilledQty:     st.FilledQty,
		AvgPrice:      st.AvgPrice,
	}, nil
}

// doRequest sends an authenticated JSON request and decodes the response
// into out when out is non-nil.
func (c *Client) doRequest(ctx context.Context, method, fullURL string, reqBody, out any) error {
	var bodyReader io.Reader
	if reqBody != nil {
		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("APCA-API-KEY-ID", c.apiKey)
	req.Header.Set("APCA-API-SECRET-KEY", c.apiSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := checkStatus(resp.StatusCode, respBody); err != nil {
		return err
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// checkStatus maps non-2xx HTTP status codes onto domain errors.
func checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)
	msg := apiErr.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}

	switch statusCode {
	case http.StatusNotFound, http.StatusUnprocessableEntity:
		if statusCode == http.StatusUnprocessableEntity && !strings.Contains(msg, "not cancelable") {
			return fmt.Errorf("%w: %s", domain.ErrInvalidOrder, msg)
		}
		return fmt.Errorf("%w: %s", domain.ErrOrderNotFound, msg)
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, msg)
	case http.StatusForbidden:
		if strings.Contains(strings.ToLower(msg), "insufficient") {
			return fmt.Errorf("%w: %s", domain.ErrInsufficientBalance, msg)
		}
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, msg)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, msg)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, msg)
	}
}

// tradeSymbol converts BTCUSDT / BTCUSD / BTC/USD into Alpaca's BTC/USD.
func tradeSymbol(symbol string) string {
	s := strings.ToUpper(symbol)
	if strings.Contains(s, "/") {
		return s
	}
	return baseOf(s) + "/USD"
}

// baseOf strips a USD-family quote suffix.
func baseOf(symbol string) string {
	s := strings.ToUpper(strings.ReplaceAll(symbol, "/", ""))
	for _, quote := range []string{"USDT", "USDC", "USD"} {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return strings.TrimSuffix(s, quote)
		}
	}
	return s
}

var _ domain.Exchange = (*Client)(nil)
