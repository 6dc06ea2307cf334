package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tvrelay/internal/domain"
)

type recordingSender struct {
	name string
	err  error

	mu     sync.Mutex
	titles []string
}

func (s *recordingSender) Send(_ context.Context, title, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titles = append(s.titles, title)
	return s.err
}

func (s *recordingSender) Name() string { return s.name }

func (s *recordingSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.titles...)
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifierFilter(t *testing.T) {
	t.Parallel()

	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{"stopped_out", " tp_filled "}, testLogger())

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, n.NotifyEvent(context.Background(), domain.PositionEvent{Type: domain.EventTPFilled, Symbol: "BTCUSDT", Level: 1, At: at}))
	require.NoError(t, n.NotifyEvent(context.Background(), domain.PositionEvent{Type: domain.EventPositionOpened, Symbol: "BTCUSDT", At: at}))
	// critical events bypass the filter
	require.NoError(t, n.NotifyEvent(context.Background(), domain.PositionEvent{Type: domain.EventCritical, Symbol: "BTCUSDT", Critical: true, At: at}))

	assert.Equal(t, []string{
		"Take-profit filled BTCUSDT TP1",
		"CRITICAL: position unprotected BTCUSDT",
	}, s.sent())
}

func TestNotifierEmptyFilterAllowsAll(t *testing.T) {
	t.Parallel()

	n := NewNotifier(nil, nil, testLogger())
	assert.True(t, n.Allowed(domain.PositionEvent{Type: domain.EventForceClosed}))
	assert.False(t, n.Enabled())
}

func TestNotifierCollectsSenderErrors(t *testing.T) {
	t.Parallel()

	bad := &recordingSender{name: "bad", err: errors.New("boom")}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, testLogger())

	err := n.NotifyAll(context.Background(), "title", "body")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: boom")
	assert.Len(t, good.sent(), 1)
}

func TestFormat(t *testing.T) {
	t.Parallel()

	title, body := Format(domain.PositionEvent{
		Type:       domain.EventStopRelocated,
		PositionID: "p1",
		Symbol:     "ETHUSDT",
		Side:       domain.SideLong,
		Price:      "2000",
		Quantity:   "0.9",
		Message:    "stop moved to break-even",
		At:         time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
	})
	assert.Equal(t, "Stop moved to break-even ETHUSDT", title)
	assert.Equal(t, "Side: LONG\nPrice: 2000\nQuantity: 0.9\nPosition: p1\nstop moved to break-even\n2026-03-04 05:06:07 UTC", body)
}

func TestTelegramSender(t *testing.T) {
	t.Parallel()

	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42").WithAPIBase(srv.URL + "/")
	require.NoError(t, s.Send(context.Background(), "Title", "Body"))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*Title*\nBody", got["text"])
	assert.Equal(t, "telegram", s.Name())
}

func TestDiscordSenderStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{name: "no content", status: http.StatusNoContent},
		{name: "rate limited", status: http.StatusTooManyRequests, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				var body map[string]string
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				assert.Equal(t, "**T**\nM", body["content"])
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			err := NewDiscordSender(srv.URL).Send(context.Background(), "T", "M")
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}
