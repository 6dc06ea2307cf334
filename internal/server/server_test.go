package server

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tvrelay/internal/domain"
	"github.com/alanyoungcy/tvrelay/internal/exchange/paper"
	"github.com/alanyoungcy/tvrelay/internal/metrics"
	"github.com/alanyoungcy/tvrelay/internal/server/handler"
	"github.com/alanyoungcy/tvrelay/internal/server/middleware"
	"github.com/alanyoungcy/tvrelay/internal/signal"
	"github.com/alanyoungcy/tvrelay/internal/store/memory"
)

func newTestServer(t *testing.T, apiKey string, rps int) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.NewPositionStore()
	history := signal.NewMonitor(10, time.Minute, nil, logger)
	ingest := signal.NewIngestor(signal.Config{}, store, signal.WithLogger(logger))
	intents := make(chan domain.TradeIntent, 10)
	ex := paper.New()

	srv := NewServer(Config{
		Port:         0,
		APIKey:       apiKey,
		CORSOrigins:  []string{"https://dash.example.com"},
		RateLimitRPS: rps,
		MetricsPath:  "/metrics",
	}, Handlers{
		Health:    handler.NewHealthHandler(history, nil, "paper", "paper", logger),
		Webhook:   handler.NewWebhookHandler(ingest, history, intents, "", nil, logger),
		Signals:   handler.NewSignalHandler(history, 100),
		Positions: handler.NewPositionHandler(store, nil, logger),
		Balance:   handler.NewBalanceHandler(ex, logger),
		Paper:     handler.NewPaperHandler(ex),
		Metrics:   metrics.Handler(),
	}, nil, middleware.NewLocalLimiter(), logger)
	return srv.Handler()
}

func serve(h http.Handler, method, target string, body string, header map[string]string) *httptest.ResponseRecorder {
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rdr)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAPIKeyGuardsAPIOnly(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, "k3y", 0)

	tests := []struct {
		name   string
		method string
		target string
		header map[string]string
		status int
	}{
		{name: "health is open", method: http.MethodGet, target: "/health", status: http.StatusOK},
		{name: "api without key", method: http.MethodGet, target: "/api/positions", status: http.StatusUnauthorized},
		{name: "api wrong key", method: http.MethodGet, target: "/api/positions", header: map[string]string{"X-API-Key": "nope"}, status: http.StatusUnauthorized},
		{name: "api header key", method: http.MethodGet, target: "/api/signals/status", header: map[string]string{"X-API-Key": "k3y"}, status: http.StatusOK},
		{name: "api bearer", method: http.MethodGet, target: "/api/balance/USDT", header: map[string]string{"Authorization": "Bearer k3y"}, status: http.StatusOK},
		{name: "metrics", method: http.MethodGet, target: "/metrics", status: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := serve(h, tt.method, tt.target, "", tt.header)
			assert.Equal(t, tt.status, rec.Code)
			assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))
		})
	}
}

func TestWebhookRateLimited(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, "", 2)
	body := fmt.Sprintf(`{"symbol":"BTCUSDT","signal":"HOLD","close":1,"time":%d}`, time.Now().Unix())

	var codes []int
	for i := 0; i < 3; i++ {
		rec := serve(h, http.MethodPost, "/webhook", body, map[string]string{"Content-Type": "application/json"})
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusBadRequest, http.StatusBadRequest, http.StatusTooManyRequests}, codes)
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, "k3y", 0)
	rec := serve(h, http.MethodOptions, "/api/positions", "", map[string]string{"Origin": "https://dash.example.com"})
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://dash.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = serve(h, http.MethodOptions, "/api/positions", "", map[string]string{"Origin": "https://evil.example.com"})
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
