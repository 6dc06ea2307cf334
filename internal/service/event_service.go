package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/alanyoungcy/tvrelay/internal/domain"
	"github.com/alanyoungcy/tvrelay/internal/metrics"
)

// PositionsChannel is the pub/sub channel and stream carrying position events.
const PositionsChannel = "positions"

const (
	defaultQueueSize      = 256
	defaultDeliverTimeout = 10 * time.Second
)

// EventNotifier delivers an event to human-facing channels.
type EventNotifier interface {
	NotifyEvent(ctx context.Context, ev domain.PositionEvent) error
}

// Broadcaster pushes a payload to locally connected dashboards.
type Broadcaster interface {
	Broadcast(channel string, data []byte)
}

// EventService implements domain.EventPublisher. Publish only counts and
// enqueues the event; Run delivers it to the event bus, the audit log, the
// notifier and the local broadcaster. Any of those may be nil.
type EventService struct {
	bus      domain.EventBus
	audit    domain.AuditStore
	notifier EventNotifier
	local    Broadcaster
	logger   *slog.Logger

	queue   chan domain.PositionEvent
	timeout time.Duration
}

// NewEventService creates an EventService.
func NewEventService(
	bus domain.EventBus,
	audit domain.AuditStore,
	notifier EventNotifier,
	local Broadcaster,
	logger *slog.Logger,
) *EventService {
	return &EventService{
		bus:      bus,
		audit:    audit,
		notifier: notifier,
		local:    local,
		logger:   logger.With(slog.String("component", "event_service")),
		queue:    make(chan domain.PositionEvent, defaultQueueSize),
		timeout:  defaultDeliverTimeout,
	}
}

// Publish implements domain.EventPublisher. It never blocks: when the queue
// is full a critical event is delivered on its own goroutine and anything
// else is dropped.
func (s *EventService) Publish(ctx context.Context, ev domain.PositionEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	metrics.PositionEvents.WithLabelValues(string(ev.Type)).Inc()
	s.logger.DebugContext(ctx, "position event",
		slog.String("type", string(ev.Type)),
		slog.String("position_id", ev.PositionID),
		slog.String("symbol", ev.Symbol),
	)

	select {
	case s.queue <- ev:
	default:
		if ev.Critical {
			go s.deliver(context.WithoutCancel(ctx), ev)
			return
		}
		s.logger.WarnContext(ctx, "event queue full, dropping event",
			slog.String("type", string(ev.Type)),
			slog.String("position_id", ev.PositionID),
		)
	}
}

// Run delivers queued events until ctx is cancelled, then flushes what is
// left with a fresh context.
func (s *EventService) Run(ctx context.Context) error {
	s.logger.Info("event service started")
	defer s.logger.Info("event service stopped")

	for {
		select {
		case <-ctx.Done():
			s.drain(context.WithoutCancel(ctx))
			return ctx.Err()
		case ev := <-s.queue:
			s.deliver(ctx, ev)
		}
	}
}

func (s *EventService) drain(ctx context.Context) {
	for {
		select {
		case ev := <-s.queue:
			s.deliver(ctx, ev)
		default:
			return
		}
	}
}

// deliver fans one event out. Every sink is attempted; failures are logged.
func (s *EventService) deliver(ctx context.Context, ev domain.PositionEvent) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.ErrorContext(ctx, "marshal event failed", slog.String("error", err.Error()))
		return
	}

	if s.bus != nil {
		if err := s.bus.Publish(ctx, PositionsChannel, payload); err != nil {
			s.warn(ctx, "publish event failed", ev, err)
		}
		if err := s.bus.StreamAppend(ctx, PositionsChannel, payload); err != nil {
			s.warn(ctx, "stream append failed", ev, err)
		}
	}
	if s.local != nil {
		s.local.Broadcast(PositionsChannel, payload)
	}
	if s.audit != nil {
		if err := s.audit.Log(ctx, "position."+string(ev.Type), auditDetail(ev)); err != nil {
			s.warn(ctx, "audit log failed", ev, err)
		}
	}
	if s.notifier != nil {
		if err := s.notifier.NotifyEvent(ctx, ev); err != nil {
			s.warn(ctx, "notify failed", ev, err)
		}
	}
}

func (s *EventService) warn(ctx context.Context, msg string, ev domain.PositionEvent, err error) {
	s.logger.WarnContext(ctx, msg,
		slog.String("type", string(ev.Type)),
		slog.String("position_id", ev.PositionID),
		slog.String("error", err.Error()),
	)
}

func auditDetail(ev domain.PositionEvent) map[string]any {
	detail := map[string]any{
		"position_id": ev.PositionID,
		"symbol":      ev.Symbol,
		"at":          ev.At.Format(time.RFC3339Nano),
	}
	if ev.Side != "" {
		detail["side"] = string(ev.Side)
	}
	if ev.Level > 0 {
		detail["level"] = ev.Level
	}
	if ev.Price != "" {
		detail["price"] = ev.Price
	}
	if ev.Quantity != "" {
		detail["quantity"] = ev.Quantity
	}
	if ev.Message != "" {
		detail["message"] = ev.Message
	}
	if ev.Critical {
		detail["critical"] = true
	}
	return detail
}
