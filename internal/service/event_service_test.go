package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tvrelay/internal/domain"
	"github.com/alanyoungcy/tvrelay/internal/metrics"
)

type sink struct {
	mu        sync.Mutex
	published [][]byte
	streamed  [][]byte
	audited   []string
	notified  []domain.EventType
	broadcast []string
	err       error
}

func (s *sink) Publish(_ context.Context, _ string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, payload)
	return s.err
}

func (s *sink) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }

func (s *sink) StreamAppend(_ context.Context, _ string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamed = append(s.streamed, payload)
	return s.err
}

func (s *sink) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (s *sink) Log(_ context.Context, event string, _ map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audited = append(s.audited, event)
	return s.err
}

func (s *sink) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) { return nil, nil }

func (s *sink) NotifyEvent(_ context.Context, ev domain.PositionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notified = append(s.notified, ev.Type)
	return s.err
}

func (s *sink) Broadcast(channel string, _ []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcast = append(s.broadcast, channel)
}

func (s *sink) notifiedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.notified)
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestEventServiceDeliversToEverySink(t *testing.T) {
	s := &sink{}
	svc := NewEventService(s, s, s, s, testLogger())

	before := testutil.ToFloat64(metrics.PositionEvents.WithLabelValues(string(domain.EventStopRelocated)))
	ev := domain.PositionEvent{Type: domain.EventStopRelocated, PositionID: "p1", Symbol: "BTCUSDT", Price: "50000"}
	svc.Publish(context.Background(), ev)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.PositionEvents.WithLabelValues(string(domain.EventStopRelocated))))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool { return s.notifiedCount() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	s.mu.Lock()
	defer s.mu.Unlock()
	require.Len(t, s.published, 1)
	require.Len(t, s.streamed, 1)
	assert.Equal(t, []string{"position.stop_relocated"}, s.audited)
	assert.Equal(t, []string{PositionsChannel}, s.broadcast)

	var got domain.PositionEvent
	require.NoError(t, json.Unmarshal(s.published[0], &got))
	assert.Equal(t, "p1", got.PositionID)
	assert.False(t, got.At.IsZero())
}

func TestEventServiceSinkErrorsDoNotStopDelivery(t *testing.T) {
	s := &sink{err: errors.New("down")}
	svc := NewEventService(s, s, s, nil, testLogger())

	svc.deliver(context.Background(), domain.PositionEvent{Type: domain.EventTPFilled, Level: 2})

	assert.Len(t, s.published, 1)
	assert.Len(t, s.streamed, 1)
	assert.Len(t, s.audited, 1)
	assert.Len(t, s.notified, 1)
}

func TestEventServiceDrainsOnShutdown(t *testing.T) {
	s := &sink{}
	svc := NewEventService(nil, nil, s, nil, testLogger())
	for i := 0; i < 3; i++ {
		svc.Publish(context.Background(), domain.PositionEvent{Type: domain.EventTPFilled, Level: i + 1})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, svc.Run(ctx), context.Canceled)
	assert.Equal(t, 3, s.notifiedCount())
}

func TestEventServiceFullQueue(t *testing.T) {
	s := &sink{}
	svc := NewEventService(nil, nil, s, nil, testLogger())
	svc.queue = make(chan domain.PositionEvent, 1)

	svc.Publish(context.Background(), domain.PositionEvent{Type: domain.EventTPFilled})
	// dropped
	svc.Publish(context.Background(), domain.PositionEvent{Type: domain.EventTPFilled})
	// delivered out of band
	svc.Publish(context.Background(), domain.PositionEvent{Type: domain.EventCritical, Critical: true})

	require.Eventually(t, func() bool { return s.notifiedCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, svc.queue, 1)
}

func TestAuditDetail(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	got := auditDetail(domain.PositionEvent{
		Type: domain.EventCritical, PositionID: "p1", Symbol: "ETHUSDT",
		Side: domain.SideShort, Message: "relocation failed", Critical: true, At: at,
	})
	assert.Equal(t, map[string]any{
		"position_id": "p1",
		"symbol":      "ETHUSDT",
		"at":          "2026-01-02T03:04:05Z",
		"side":        "SHORT",
		"message":     "relocation failed",
		"critical":    true,
	}, got)
}
