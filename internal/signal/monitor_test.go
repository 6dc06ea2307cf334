package signal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tvrelay/internal/domain"
)

type memSignalStore struct {
	mu   sync.Mutex
	rows map[string]domain.SignalRecord
}

func (s *memSignalStore) Insert(_ context.Context, rec domain.SignalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[rec.ID] = rec
	return nil
}

func (s *memSignalStore) ListRecent(context.Context, int) ([]domain.SignalRecord, error) {
	return nil, errors.New("unused")
}

func newTestMonitor(size int, store domain.SignalStore) (*Monitor, *time.Time) {
	m := NewMonitor(size, 5*time.Minute, store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	now := testNow
	m.now = func() time.Time { return now }
	return m, &now
}

func TestMonitorRingKeepsNewest(t *testing.T) {
	t.Parallel()
	m, _ := newTestMonitor(3, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		m.Record(ctx, domain.SignalRecord{ID: fmt.Sprintf("s%d", i), Outcome: domain.SignalRejected, ReceivedAt: testNow})
	}
	recent := m.Recent(10)
	require.Len(t, recent, 3)
	assert.Equal(t, "s4", recent[0].ID)
	assert.Equal(t, "s2", recent[2].ID)

	st := m.Status()
	assert.Equal(t, 5, st.TotalSignals)
	assert.Equal(t, 5, st.FailedTrades)
	assert.Equal(t, 3, st.RecentSignalsCount)
	assert.Equal(t, "s4", st.LastSignal.ID)
	assert.Len(t, m.Recent(2), 2)
}

func TestMonitorResolveMovesCounters(t *testing.T) {
	t.Parallel()
	store := &memSignalStore{rows: map[string]domain.SignalRecord{}}
	m, _ := newTestMonitor(10, store)
	ctx := context.Background()

	m.Record(ctx, domain.SignalRecord{ID: "a", Outcome: domain.SignalAccepted, ReceivedAt: testNow})
	m.Record(ctx, domain.SignalRecord{ID: "b", Outcome: domain.SignalAccepted, ReceivedAt: testNow})
	st := m.Status()
	assert.Zero(t, st.SuccessfulTrades)
	assert.Zero(t, st.FailedTrades)

	m.Resolve(ctx, "a", domain.SignalExecuted, "pos-1", "")
	m.Resolve(ctx, "b", domain.SignalFailed, "", "entry order not filled")

	st = m.Status()
	assert.Equal(t, 1, st.SuccessfulTrades)
	assert.Equal(t, 1, st.FailedTrades)
	assert.Equal(t, 2, st.TotalSignals)

	assert.Equal(t, domain.SignalExecuted, store.rows["a"].Outcome)
	assert.Equal(t, "pos-1", store.rows["a"].PositionID)
	assert.Equal(t, "entry order not filled", store.rows["b"].Error)
}

func TestMonitorWebhookConnectivity(t *testing.T) {
	t.Parallel()
	m, now := newTestMonitor(10, nil)

	assert.Equal(t, "disconnected", m.Status().WebhookStatus)

	m.Ping()
	assert.Equal(t, "connected", m.Status().WebhookStatus)

	*now = now.Add(4 * time.Minute)
	assert.Equal(t, "connected", m.Status().WebhookStatus)

	*now = now.Add(2 * time.Minute)
	assert.Equal(t, "disconnected", m.Status().WebhookStatus)
	assert.Equal(t, testNow, m.LastPing())
}

func TestNewRecordCarriesRejectionReason(t *testing.T) {
	t.Parallel()
	p := Payload{
		Symbol:   "BTCUSDT",
		Signal:   "BUY",
		Close:    decimal.RequireFromString("50000.5"),
		Metadata: map[string]any{"indicators": map[string]any{"rsi": 60}},
	}
	rec := NewRecord("id-1", p, domain.SignalRejected, reject(ReasonDuplicate, "open", domain.ErrDuplicateSignal), testNow)

	assert.Equal(t, "duplicate", rec.Reason)
	assert.Equal(t, domain.DirectionBuy, rec.Direction)
	assert.InDelta(t, 50000.5, rec.Price, 1e-9)
	assert.Equal(t, map[string]any{"rsi": 60}, rec.Metadata)
	assert.Contains(t, rec.Error, "duplicate")
}
