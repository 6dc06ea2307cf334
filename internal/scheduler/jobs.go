package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/tvrelay/internal/domain"
)

// Archiver uploads closed positions to cold storage.
type Archiver interface {
	Archive(ctx context.Context) (int, error)
}

// Pruner drops closed positions from memory.
type Pruner interface {
	Prune(cutoff time.Time) int
}

// ArchiveJob uploads the journal and then prunes positions closed longer
// than retain ago. archiver may be nil when object storage is disabled.
func ArchiveJob(archiver Archiver, pruner Pruner, retain time.Duration, logger *slog.Logger) Job {
	return func(ctx context.Context) error {
		if archiver != nil {
			n, err := archiver.Archive(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				logger.InfoContext(ctx, "positions archived", slog.Int("count", n))
			}
		}
		if pruner != nil {
			if n := pruner.Prune(time.Now().UTC().Add(-retain)); n > 0 {
				logger.InfoContext(ctx, "closed positions pruned", slog.Int("count", n))
			}
		}
		return nil
	}
}

// Heartbeat raises webhook_silent once per silent stretch: when no webhook
// ping arrived within the silence window. It re-arms after the next ping.
type Heartbeat struct {
	lastPing func() time.Time
	silence  time.Duration
	events   domain.EventPublisher
	logger   *slog.Logger
	now      func() time.Time
	started  time.Time

	mu      sync.Mutex
	alerted bool
}

// NewHeartbeat creates a Heartbeat. Before the first ping the silence is
// measured from creation.
func NewHeartbeat(lastPing func() time.Time, silence time.Duration, events domain.EventPublisher, logger *slog.Logger) *Heartbeat {
	return &Heartbeat{
		lastPing: lastPing,
		silence:  silence,
		events:   events,
		logger:   logger.With(slog.String("component", "heartbeat")),
		now:      time.Now,
		started:  time.Now(),
	}
}

// Check is the Job body. It never fails.
func (h *Heartbeat) Check(ctx context.Context) error {
	last := h.lastPing()
	ref := last
	if ref.IsZero() {
		ref = h.started
	}
	quiet := h.now().Sub(ref)

	h.mu.Lock()
	defer h.mu.Unlock()
	if quiet <= h.silence {
		h.alerted = false
		return nil
	}
	if h.alerted {
		return nil
	}
	h.alerted = true

	msg := "no webhook received for " + quiet.Truncate(time.Second).String()
	h.logger.WarnContext(ctx, "webhook silent", slog.Duration("quiet", quiet))
	h.events.Publish(ctx, domain.PositionEvent{
		Type:    domain.EventWebhookSilent,
		Message: msg,
		At:      h.now().UTC(),
	})
	return nil
}
