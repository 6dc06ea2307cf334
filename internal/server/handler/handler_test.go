package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tvrelay/internal/domain"
	"github.com/alanyoungcy/tvrelay/internal/exchange/paper"
	"github.com/alanyoungcy/tvrelay/internal/signal"
	"github.com/alanyoungcy/tvrelay/internal/store/memory"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type webhookFixture struct {
	handler *WebhookHandler
	history *signal.Monitor
	intents chan domain.TradeIntent
	store   *memory.PositionStore
}

func newWebhookFixture(t *testing.T, secret string, queue int) *webhookFixture {
	t.Helper()
	store := memory.NewPositionStore()
	ingest := signal.NewIngestor(signal.Config{
		Symbols:         []string{"BTCUSDT", "ETHUSDT"},
		StalenessWindow: 5 * time.Minute,
		MaxSkew:         30 * time.Second,
		DuplicatePolicy: signal.DuplicateReject,
		OppositePolicy:  signal.OppositeReject,
	}, store,
		signal.WithClock(func() time.Time { return testNow }),
		signal.WithLogger(testLogger()),
	)
	history := signal.NewMonitor(10, time.Minute, nil, testLogger())
	intents := make(chan domain.TradeIntent, queue)
	h := NewWebhookHandler(ingest, history, intents, secret, nil, testLogger())
	h.now = func() time.Time { return testNow }
	return &webhookFixture{handler: h, history: history, intents: intents, store: store}
}

func alert(symbol, sig string) string {
	return fmt.Sprintf(`{"symbol":%q,"signal":%q,"price":{"close":50000},"time":%d}`, symbol, sig, testNow.Unix())
}

func post(h http.HandlerFunc, target, contentType, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestWebhookAccepts(t *testing.T) {
	t.Parallel()

	f := newWebhookFixture(t, "", 1)
	rec := post(f.handler.Receive, "/webhook", "application/json", alert("BTCUSDT", "BUY"), nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "accepted", body["status"])
	assert.Equal(t, "open", body["action"])

	intent := <-f.intents
	assert.Equal(t, body["signal_id"], intent.ID)
	assert.Equal(t, "BTCUSDT", intent.Symbol)
	assert.True(t, decimal.NewFromInt(50000).Equal(intent.ReferencePrice))

	recent := f.history.Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, domain.SignalAccepted, recent[0].Outcome)
	assert.Equal(t, "connected", f.history.Status().WebhookStatus)
}

func TestWebhookAcceptsTradingViewForm(t *testing.T) {
	t.Parallel()

	f := newWebhookFixture(t, "", 1)
	msg := fmt.Sprintf("SYMBOL=ETHUSDT|TIME=%d|SIGNAL=SELL|PRICE_CLOSE=2000", testNow.UnixMilli())
	rec := post(f.handler.Receive, "/webhook", "application/x-www-form-urlencoded", "message="+strings.ReplaceAll(msg, "|", "%7C"), nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	intent := <-f.intents
	assert.Equal(t, "ETHUSDT", intent.Symbol)
	assert.Equal(t, domain.DirectionSell, intent.Direction)
}

func TestWebhookRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		body   string
		status int
		reason string
	}{
		{name: "empty body", body: "", status: http.StatusBadRequest, reason: "malformed"},
		{name: "missing time", body: `{"symbol":"BTCUSDT","signal":"BUY","price":{"close":1}}`, status: http.StatusBadRequest, reason: "missing_field"},
		{name: "bad direction", body: alert("BTCUSDT", "HOLD"), status: http.StatusBadRequest, reason: "invalid_direction"},
		{name: "unknown symbol", body: alert("DOGEUSDT", "BUY"), status: http.StatusUnprocessableEntity, reason: "unknown_symbol"},
		{name: "stale", body: `{"symbol":"BTCUSDT","signal":"BUY","close":1,"time":1}`, status: http.StatusUnprocessableEntity, reason: "stale"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newWebhookFixture(t, "", 1)
			rec := post(f.handler.Receive, "/webhook", "application/json", tt.body, nil)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())

			body := decode(t, rec)
			assert.Equal(t, "rejected", body["status"])
			assert.Equal(t, tt.reason, body["reason"])
			assert.Empty(t, f.intents)

			recent := f.history.Recent(1)
			require.Len(t, recent, 1)
			assert.Equal(t, domain.SignalRejected, recent[0].Outcome)
			assert.Equal(t, tt.reason, recent[0].Reason)
			assert.Equal(t, 1, f.history.Status().FailedTrades)
		})
	}
}

func TestWebhookDuplicateRejected(t *testing.T) {
	t.Parallel()

	f := newWebhookFixture(t, "", 1)
	require.NoError(t, f.store.Create(context.Background(), &domain.Position{
		ID: "p1", Symbol: "BTCUSDT", Side: domain.SideLong, Status: domain.PositionStatusActive, OpenedAt: testNow,
	}))

	rec := post(f.handler.Receive, "/webhook", "application/json", alert("BTCUSDT", "BUY"), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "duplicate", decode(t, rec)["reason"])
}

func TestWebhookSecret(t *testing.T) {
	t.Parallel()

	withSecret := fmt.Sprintf(`{"secret":"s3cret","symbol":"BTCUSDT","signal":"BUY","price":{"close":50000},"time":%d}`, testNow.Unix())
	tests := []struct {
		name   string
		target string
		header map[string]string
		body   string
		status int
	}{
		{name: "missing", target: "/webhook", body: alert("BTCUSDT", "BUY"), status: http.StatusUnauthorized},
		{name: "wrong query", target: "/webhook?secret=nope", body: alert("BTCUSDT", "BUY"), status: http.StatusUnauthorized},
		{name: "query", target: "/webhook?secret=s3cret", body: alert("BTCUSDT", "BUY"), status: http.StatusAccepted},
		{name: "header", target: "/webhook", header: map[string]string{"X-Webhook-Secret": "s3cret"}, body: alert("BTCUSDT", "BUY"), status: http.StatusAccepted},
		{name: "json body", target: "/webhook", body: withSecret, status: http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newWebhookFixture(t, "s3cret", 1)
			rec := post(f.handler.Receive, tt.target, "application/json", tt.body, tt.header)
			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusUnauthorized {
				assert.Empty(t, f.history.Recent(10), "unauthorized calls are not recorded")
			}
		})
	}
}

func TestWebhookQueueFull(t *testing.T) {
	t.Parallel()

	f := newWebhookFixture(t, "", 0)
	rec := post(f.handler.Receive, "/webhook", "application/json", alert("BTCUSDT", "BUY"), nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	recent := f.history.Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, domain.SignalFailed, recent[0].Outcome)
}

func TestSignalHandler(t *testing.T) {
	t.Parallel()

	history := signal.NewMonitor(10, time.Minute, nil, testLogger())
	for i := 0; i < 5; i++ {
		history.Record(context.Background(), domain.SignalRecord{ID: fmt.Sprint(i), Outcome: domain.SignalExecuted, ReceivedAt: testNow})
	}
	h := NewSignalHandler(history, 3)

	rec := httptest.NewRecorder()
	h.Recent(rec, httptest.NewRequest(http.MethodGet, "/api/signals/recent?limit=50", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 3, body["count"])
	first := body["signals"].([]any)[0].(map[string]any)
	assert.Equal(t, "4", first["id"])

	rec = httptest.NewRecorder()
	h.Status(rec, httptest.NewRequest(http.MethodGet, "/api/signals/status", nil))
	status := decode(t, rec)
	assert.EqualValues(t, 5, status["total_signals"])
	assert.EqualValues(t, 5, status["successful_trades"])
	assert.Equal(t, "disconnected", status["webhook_status"])
}

type fakeCloser struct {
	closeRemaining bool
	err            error
}

func (c *fakeCloser) ForceClose(_ context.Context, id string, closeRemaining bool) (*domain.Position, error) {
	c.closeRemaining = closeRemaining
	if c.err != nil {
		return nil, c.err
	}
	return &domain.Position{ID: id, Status: domain.PositionStatusClosed, CloseReason: domain.CloseReasonForceClose}, nil
}

func seededStore(t *testing.T) *memory.PositionStore {
	t.Helper()
	s := memory.NewPositionStore()
	for i, st := range []domain.PositionStatus{domain.PositionStatusActive, domain.PositionStatusClosed, domain.PositionStatusClosingFailed} {
		require.NoError(t, s.Create(context.Background(), &domain.Position{
			ID: fmt.Sprintf("p%d", i), Symbol: "BTCUSDT", Status: st, OpenedAt: testNow.Add(time.Duration(i) * time.Minute),
		}))
	}
	return s
}

func TestListPositions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		query  string
		status int
		ids    []string
	}{
		{query: "", status: http.StatusOK, ids: []string{"p0", "p1", "p2"}},
		{query: "?status=active", status: http.StatusOK, ids: []string{"p0"}},
		{query: "?status=open", status: http.StatusOK, ids: []string{"p0", "p2"}},
		{query: "?status=closing_failed", status: http.StatusOK, ids: []string{"p2"}},
		{query: "?status=bogus", status: http.StatusBadRequest},
	}
	h := NewPositionHandler(seededStore(t), nil, testLogger())
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			t.Parallel()
			rec := httptest.NewRecorder()
			h.ListPositions(rec, httptest.NewRequest(http.MethodGet, "/api/positions"+tt.query, nil))
			require.Equal(t, tt.status, rec.Code)
			if tt.status != http.StatusOK {
				return
			}
			var resp struct {
				Positions []domain.Position `json:"positions"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			var ids []string
			for _, p := range resp.Positions {
				ids = append(ids, p.ID)
			}
			assert.Equal(t, tt.ids, ids)
		})
	}
}

func TestGetAndClosePosition(t *testing.T) {
	t.Parallel()

	closer := &fakeCloser{}
	mux := http.NewServeMux()
	h := NewPositionHandler(seededStore(t), closer, testLogger())
	mux.HandleFunc("GET /api/positions/{id}", h.GetPosition)
	mux.HandleFunc("POST /api/positions/{id}/close", h.ClosePosition)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/positions/p0", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "p0", decode(t, rec)["id"])

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/positions/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/positions/p0/close", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, closer.closeRemaining)
	assert.Equal(t, "force_close", decode(t, rec)["close_reason"])

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/positions/p0/close", strings.NewReader(`{"close_remaining":false}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, closer.closeRemaining)

	closer.err = fmt.Errorf("executor: force close: %w", domain.ErrPositionClosed)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/positions/p1/close", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestClosePositionDisabled(t *testing.T) {
	t.Parallel()

	h := NewPositionHandler(seededStore(t), nil, testLogger())
	rec := httptest.NewRecorder()
	h.ClosePosition(rec, httptest.NewRequest(http.MethodPost, "/api/positions/p0/close", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestBalanceAndPaperPrice(t *testing.T) {
	t.Parallel()

	ex := paper.New()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/balance/{asset}", NewBalanceHandler(ex, testLogger()).GetBalance)
	mux.HandleFunc("POST /api/paper/price", NewPaperHandler(ex).SetPrice)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/balance/usdt", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "USDT", body["asset"])
	assert.Equal(t, "10000", body["free"])
	assert.Equal(t, "paper", body["exchange"])

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/paper/price", strings.NewReader(`{"symbol":"btcusdt","price":"61000"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	got, err := ex.GetMarketPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(61000).Equal(got))

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/paper/price", strings.NewReader(`{"symbol":"BTCUSDT","price":-1}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthCheck(t *testing.T) {
	t.Parallel()

	history := signal.NewMonitor(10, time.Minute, nil, testLogger())
	h := NewHealthHandler(history, map[string]HealthCheck{
		"postgres": func(context.Context) error { return nil },
	}, "paper", "paper", testLogger())

	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode(t, rec)["status"])
	assert.Equal(t, "connected", history.Status().WebhookStatus)

	h = NewHealthHandler(nil, map[string]HealthCheck{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	}, "mexc", "full", testLogger())
	rec = httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "connection refused", body["checks"].(map[string]any)["redis"])
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{&signal.Rejection{Reason: signal.ReasonMalformed, Err: domain.ErrInvalidSignal}, http.StatusBadRequest},
		{&signal.Rejection{Reason: signal.ReasonDuplicate, Err: domain.ErrDuplicateSignal}, http.StatusConflict},
		{&signal.Rejection{Reason: signal.ReasonReplayed, Err: domain.ErrReplayedSignal}, http.StatusConflict},
		{&signal.Rejection{Reason: signal.ReasonOppositeOpen, Err: domain.ErrPositionConflict}, http.StatusConflict},
		{&signal.Rejection{Reason: signal.ReasonStale, Err: domain.ErrStaleSignal}, http.StatusUnprocessableEntity},
		{fmt.Errorf("memory: position x: %w", domain.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("executor: %w", domain.ErrEntryNotFilled), http.StatusBadGateway},
		{domain.ErrSizeTooSmall, http.StatusUnprocessableEntity},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), "%v", tt.err)
	}
}
