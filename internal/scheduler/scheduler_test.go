package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tvrelay/internal/domain"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type eventLog struct {
	mu     sync.Mutex
	events []domain.PositionEvent
}

func (l *eventLog) Publish(_ context.Context, ev domain.PositionEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	t.Parallel()

	s := New(testLogger())
	require.Error(t, s.Add("bad", "not a cron", func(context.Context) error { return nil }))
	require.NoError(t, s.Add("ok", "*/1 * * * * *", func(context.Context) error { return nil }))
	assert.Equal(t, 1, s.Len())
}

func TestSchedulerRunsJobsUntilCancelled(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	s := New(testLogger())
	require.NoError(t, s.Add("tick", "* * * * * *", func(ctx context.Context) error {
		runs.Add(1)
		return ctx.Err()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return runs.Load() > 0 }, 3*time.Second, 20*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestHeartbeat(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var last time.Time
	events := &eventLog{}
	h := NewHeartbeat(func() time.Time { return last }, 5*time.Minute, events, testLogger())
	h.now = func() time.Time { return now }
	h.started = now

	require.NoError(t, h.Check(context.Background()))
	assert.Zero(t, events.len())

	now = now.Add(6 * time.Minute)
	require.NoError(t, h.Check(context.Background()))
	require.NoError(t, h.Check(context.Background()))
	require.Equal(t, 1, events.len())
	assert.Equal(t, domain.EventWebhookSilent, events.events[0].Type)
	assert.Equal(t, "no webhook received for 6m0s", events.events[0].Message)

	// a ping re-arms the alert
	last = now
	require.NoError(t, h.Check(context.Background()))
	now = now.Add(10 * time.Minute)
	require.NoError(t, h.Check(context.Background()))
	assert.Equal(t, 2, events.len())
}

type fakeArchiver struct {
	n   int
	err error
}

func (a fakeArchiver) Archive(context.Context) (int, error) { return a.n, a.err }

type fakePruner struct{ cutoff time.Time }

func (p *fakePruner) Prune(cutoff time.Time) int {
	p.cutoff = cutoff
	return 1
}

func TestArchiveJob(t *testing.T) {
	t.Parallel()

	p := &fakePruner{}
	require.NoError(t, ArchiveJob(fakeArchiver{n: 3}, p, time.Hour, testLogger())(context.Background()))
	assert.WithinDuration(t, time.Now().Add(-time.Hour), p.cutoff, time.Minute)

	p = &fakePruner{}
	err := ArchiveJob(fakeArchiver{err: errors.New("s3 down")}, p, time.Hour, testLogger())(context.Background())
	require.Error(t, err)
	assert.True(t, p.cutoff.IsZero(), "nothing is pruned when the upload failed")

	// object storage disabled
	p = &fakePruner{}
	require.NoError(t, ArchiveJob(nil, p, time.Hour, testLogger())(context.Background()))
	assert.False(t, p.cutoff.IsZero())
}
