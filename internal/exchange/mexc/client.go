// Package mexc is the MEXC spot v3 gateway. Signed endpoints carry a
// sorted-query HMAC-SHA256 signature; the exchange has no conditional
// orders, so stops are always enforced by the fallback monitor.
package mexc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tvrelay/internal/crypto"
	"github.com/alanyoungcy/tvrelay/internal/domain"
)

// Config holds the gateway settings.
type Config struct {
	BaseURL    string
	APIKey     string
	APISecret  string
	RecvWindow int
	Timeout    time.Duration
}

// Client implements domain.Exchange against the MEXC REST API.
type Client struct {
	http   *resty.Client
	signer *crypto.QuerySigner
}

// New creates a MEXC client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RecvWindow <= 0 {
		cfg.RecvWindow = 5000
	}
	rc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetHeader("X-MEXC-APIKEY", strings.TrimSpace(cfg.APIKey))

	return &Client{
		http: rc,
		signer: &crypto.QuerySigner{
			Key:        strings.TrimSpace(cfg.APIKey),
			Secret:     strings.TrimSpace(cfg.APISecret),
			RecvWindow: cfg.RecvWindow,
		},
	}
}

// Name implements domain.Exchange.
func (c *Client) Name() string { return "mexc" }

// SupportsNativeStops implements domain.Exchange.
func (c *Client) SupportsNativeStops() bool { return false }

// Ping checks connectivity and credentials by fetching the account.
func (c *Client) Ping(ctx context.Context) error {
	var acct accountInfo
	if err := c.signed(ctx, http.MethodGet, "/api/v3/account", url.Values{}, &acct); err != nil {
		return fmt.Errorf("mexc: ping: %w", err)
	}
	return nil
}

// PlaceMarketOrder buys by quote amount (quoteOrderQty) or trades a base
// quantity.
func (c *Client) PlaceMarketOrder(ctx context.Context, o domain.MarketOrder) (domain.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", o.Symbol)
	params.Set("side", string(o.Side))
	params.Set("type", "MARKET")
	switch {
	case o.QuoteAmount.IsPositive():
		params.Set("quoteOrderQty", o.QuoteAmount.String())
	case o.Quantity.IsPositive():
		params.Set("quantity", o.Quantity.String())
	default:
		return domain.OrderResult{}, fmt.Errorf("mexc: market order %s: %w", o.Symbol, domain.ErrInvalidOrder)
	}
	return c.placeOrder(ctx, params, o.ClientOrderID)
}

// PlaceLimitOrder rests a GTC limit order.
func (c *Client) PlaceLimitOrder(ctx context.Context, o domain.LimitOrder) (domain.OrderResult, error) {
	if !o.Quantity.IsPositive() || !o.Price.IsPositive() {
		return domain.OrderResult{}, fmt.Errorf("mexc: limit order %s: %w", o.Symbol, domain.ErrInvalidOrder)
	}
	params := url.Values{}
	params.Set("symbol", o.Symbol)
	params.Set("side", string(o.Side))
	params.Set("type", "LIMIT")
	params.Set("quantity", o.Quantity.String())
	params.Set("price", o.Price.String())
	return c.placeOrder(ctx, params, o.ClientOrderID)
}

// PlaceStopOrder is not available on MEXC spot.
func (c *Client) PlaceStopOrder(context.Context, domain.StopOrder) (domain.OrderResult, error) {
	return domain.OrderResult{}, fmt.Errorf("mexc: stop order: %w", domain.ErrUnsupported)
}

// CancelOrder cancels orderID. An order MEXC no longer knows maps to
// domain.ErrOrderNotFound.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	if err := c.signed(ctx, http.MethodDelete, "/api/v3/order", params, nil); err != nil {
		return fmt.Errorf("mexc: cancel order %s: %w", orderID, err)
	}
	return nil
}

// GetOrderStatus queries a single order.
func (c *Client) GetOrderStatus(ctx context.Context, symbol, orderID string) (domain.OrderStatus, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	var info orderInfo
	if err := c.signed(ctx, http.MethodGet, "/api/v3/order", params, &info); err != nil {
		return domain.OrderStatus{}, fmt.Errorf("mexc: order status %s: %w", orderID, err)
	}
	st := domain.OrderStatus{
		OrderID:     info.OrderID,
		Symbol:      info.Symbol,
		Side:        domain.OrderSide(info.Side),
		State:       toOrderState(info.Status),
		FilledQty:   info.ExecutedQty,
		QuoteFilled: info.CummulativeQuoteQty,
	}
	if info.UpdateTime > 0 {
		st.UpdatedAt = time.UnixMilli(info.UpdateTime).UTC()
	}
	return st, nil
}

// OpenOrders lists resting orders for symbol.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]domain.OrderStatus, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	var infos []orderInfo
	if err := c.signed(ctx, http.MethodGet, "/api/v3/openOrders", params, &infos); err != nil {
		return nil, fmt.Errorf("mexc: open orders %s: %w", symbol, err)
	}
	out := make([]domain.OrderStatus, 0, len(infos))
	for _, info := range infos {
		out = append(out, domain.OrderStatus{
			OrderID:     info.OrderID,
			Symbol:      info.Symbol,
			Side:        domain.OrderSide(info.Side),
			State:       toOrderState(info.Status),
			FilledQty:   info.ExecutedQty,
			QuoteFilled: info.CummulativeQuoteQty,
		})
	}
	return out, nil
}

// GetBalance returns the free amount of asset; an asset absent from the
// account is a zero balance.
func (c *Client) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	var acct accountInfo
	if err := c.signed(ctx, http.MethodGet, "/api/v3/account", url.Values{}, &acct); err != nil {
		return decimal.Zero, fmt.Errorf("mexc: balance %s: %w", asset, err)
	}
	for _, b := range acct.Balances {
		if strings.EqualFold(b.Asset, asset) {
			return b.Free, nil
		}
	}
	return decimal.Zero, nil
}

// GetMarketPrice returns the last traded price (public endpoint).
func (c *Client) GetMarketPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		Get("/api/v3/ticker/price")
	if err != nil {
		return decimal.Zero, fmt.Errorf("mexc: ticker %s: %w", symbol, err)
	}
	if err := checkStatus(resp.StatusCode(), resp.Body()); err != nil {
		return decimal.Zero, fmt.Errorf("mexc: ticker %s: %w", symbol, err)
	}
	var tp tickerPrice
	if err := json.Unmarshal(resp.Body(), &tp); err != nil {
		return decimal.Zero, fmt.Errorf("mexc: decode ticker %s: %w", symbol, err)
	}
	if !tp.Price.IsPositive() {
		return decimal.Zero, fmt.Errorf("mexc: ticker %s: %w", symbol, domain.ErrNotFound)
	}
	return tp.Price, nil
}

func (c *Client) placeOrder(ctx context.Context, params url.Values, clientID string) (domain.OrderResult, error) {
	if clientID != "" {
		params.Set("newClientOrderId", clientID)
	}
	var ack orderAck
	if err := c.signed(ctx, http.MethodPost, "/api/v3/order", params, &ack); err != nil {
		return domain.OrderResult{}, fmt.Errorf("mexc: place %s %s: %w", params.Get("type"), params.Get("symbol"), err)
	}
	return domain.OrderResult{
		OrderID:       ack.OrderID,
		ClientOrderID: clientID,
		State:         domain.OrderStateNew,
	}, nil
}

// signed sends a signed request with every parameter in the query string
// and decodes the JSON response into out when out is non-nil.
func (c *Client) signed(ctx context.Context, method, path string, params url.Values, out any) error {
	sig := c.signer.Sign(params)
	// The raw query is put on the URL so the signature stays last and the
	// signed prefix goes out byte for byte.
	target := path + "?" + params.Encode() + "&signature=" + sig

	resp, err := c.http.R().
		SetContext(ctx).
		Execute(method, target)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	if err := checkStatus(resp.StatusCode(), resp.Body()); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// checkStatus maps non-2xx responses onto domain errors.
func checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)
	msg := apiErr.Msg
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}

	switch {
	case unknownOrderCodes[apiErr.Code], statusCode == http.StatusNotFound,
		strings.Contains(strings.ToLower(msg), "unknown order"),
		strings.Contains(strings.ToLower(msg), "order does not exist"):
		return fmt.Errorf("%w: %s (%d)", domain.ErrOrderNotFound, msg, apiErr.Code)
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s (%d)", domain.ErrUnauthorized, msg, apiErr.Code)
	case statusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s (%d)", domain.ErrRateLimited, msg, apiErr.Code)
	case strings.Contains(strings.ToLower(msg), "insufficient"):
		return fmt.Errorf("%w: %s (%d)", domain.ErrInsufficientBalance, msg, apiErr.Code)
	default:
		return fmt.Errorf("HTTP %d: %s (%d)", statusCode, msg, apiErr.Code)
	}
}

var _ domain.Exchange = (*Client)(nil)
