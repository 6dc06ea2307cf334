package mexc

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tvrelay/internal/domain"
)

const (
	testKey    = "mx0-key"
	testSecret = "mx0-secret"
)

type recorded struct {
	method string
	path   string
	query  string
}

// newTestServer serves canned MEXC responses and rejects badly signed
// requests with 401.
func newTestServer(t *testing.T, routes map[string]func(w http.ResponseWriter, r *http.Request)) (*Client, *[]recorded) {
	t.Helper()
	var (
		mu   sync.Mutex
		seen []recorded
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, recorded{method: r.Method, path: r.URL.Path, query: r.URL.RawQuery})
		mu.Unlock()

		if r.URL.Path != "/api/v3/ticker/price" {
			raw := r.URL.RawQuery
			idx := strings.LastIndex(raw, "&signature=")
			if idx < 0 || r.Header.Get("X-MEXC-APIKEY") != testKey {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"code":700002,"msg":"Signature for this request is not valid."}`))
				return
			}
			mac := hmac.New(sha256.New, []byte(testSecret))
			mac.Write([]byte(raw[:idx]))
			if hex.EncodeToString(mac.Sum(nil)) != raw[idx+len("&signature="):] {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"code":700002,"msg":"Signature for this request is not valid."}`))
				return
			}
		}

		h, ok := routes[r.Method+" "+r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, APIKey: testKey, APISecret: testSecret}), &seen
}

func TestMarketBuyByQuoteAmount(t *testing.T) {
	t.Parallel()
	c, seen := newTestServer(t, map[string]func(http.ResponseWriter, *http.Request){
		"POST /api/v3/order": func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			assert.Equal(t, "BTCUSDT", q.Get("symbol"))
			assert.Equal(t, "BUY", q.Get("side"))
			assert.Equal(t, "MARKET", q.Get("type"))
			assert.Equal(t, "200", q.Get("quoteOrderQty"))
			assert.Empty(t, q.Get("quantity"))
			assert.Equal(t, "tvr-1", q.Get("newClientOrderId"))
			assert.Equal(t, "5000", q.Get("recvWindow"))
			assert.NotEmpty(t, q.Get("timestamp"))
			_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","orderId":"C02__1","price":"0","origQty":"0","type":"MARKET","side":"BUY","transactTime":1700000000000}`))
		},
	})

	res, err := c.PlaceMarketOrder(context.Background(), domain.MarketOrder{
		Symbol:        "BTCUSDT",
		Side:          domain.OrderSideBuy,
		QuoteAmount:   decimal.NewFromInt(200),
		ClientOrderID: "tvr-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "C02__1", res.OrderID)
	assert.Equal(t, domain.OrderStateNew, res.State)
	require.Len(t, *seen, 1)
	assert.True(t, strings.Contains((*seen)[0].query, "&signature="))
}

func TestOrderStatusDerivesFillPrice(t *testing.T) {
	t.Parallel()
	c, _ := newTestServer(t, map[string]func(http.ResponseWriter, *http.Request){
		"GET /api/v3/order": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "C02__1", r.URL.Query().Get("orderId"))
			_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","orderId":"C02__1","status":"FILLED","side":"BUY","executedQty":"0.004","cummulativeQuoteQty":"200","updateTime":1700000000500}`))
		},
	})

	st, err := c.GetOrderStatus(context.Background(), "BTCUSDT", "C02__1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStateFilled, st.State)
	assert.True(t, st.FilledQty.Equal(decimal.RequireFromString("0.004")))
	assert.True(t, st.FillPrice().Equal(decimal.NewFromInt(50000)), st.FillPrice().String())
}

func TestCancelUnknownOrderMapsToNotFound(t *testing.T) {
	t.Parallel()
	c, _ := newTestServer(t, map[string]func(http.ResponseWriter, *http.Request){
		"DELETE /api/v3/order": func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":-2011,"msg":"Unknown order sent."}`))
		},
	})

	err := c.CancelOrder(context.Background(), "BTCUSDT", "gone")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestBalanceAndTicker(t *testing.T) {
	t.Parallel()
	c, _ := newTestServer(t, map[string]func(http.ResponseWriter, *http.Request){
		"GET /api/v3/account": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"canTrade":true,"balances":[{"asset":"USDT","free":"1000.5","locked":"10"},{"asset":"BTC","free":"0.1","locked":"0"}]}`))
		},
		"GET /api/v3/ticker/price": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
			_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","price":"50000.12"}`))
		},
	})
	ctx := context.Background()

	bal, err := c.GetBalance(ctx, "USDT")
	require.NoError(t, err)
	assert.Equal(t, "1000.5", bal.String())

	bal, err = c.GetBalance(ctx, "ETH")
	require.NoError(t, err)
	assert.True(t, bal.IsZero())

	price, err := c.GetMarketPrice(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "50000.12", price.String())
}

func TestBadCredentialsAndStops(t *testing.T) {
	t.Parallel()
	c, _ := newTestServer(t, nil)
	c.signer.Secret = "wrong"

	_, err := c.GetBalance(context.Background(), "USDT")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = c.PlaceStopOrder(context.Background(), domain.StopOrder{Symbol: "BTCUSDT"})
	assert.ErrorIs(t, err, domain.ErrUnsupported)
	assert.False(t, c.SupportsNativeStops())
}

func TestMarketOrderNeedsSize(t *testing.T) {
	t.Parallel()
	c, seen := newTestServer(t, nil)
	_, err := c.PlaceMarketOrder(context.Background(), domain.MarketOrder{Symbol: "BTCUSDT", Side: domain.OrderSideSell})
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
	assert.Empty(t, *seen)
}
