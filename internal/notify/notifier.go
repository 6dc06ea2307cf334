// Package notify delivers position events to operators over Telegram and
// Discord. Events are filtered by type; critical events always go out on
// every channel.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/tvrelay/internal/domain"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans a notification out to every Sender.
type Notifier struct {
	senders []Sender
	events  map[domain.EventType]bool // allowed event types; empty allows all
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. Only events whose type appears in events
// are forwarded by NotifyEvent, unless the event is critical.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.EventType]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[domain.EventType(e)] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any channel is configured.
func (n *Notifier) Enabled() bool { return len(n.senders) > 0 }

// Allowed reports whether ev passes the event filter.
func (n *Notifier) Allowed(ev domain.PositionEvent) bool {
	return ev.Critical || len(n.events) == 0 || n.events[ev.Type]
}

// NotifyEvent formats ev and sends it when it passes the filter.
func (n *Notifier) NotifyEvent(ctx context.Context, ev domain.PositionEvent) error {
	if !n.Allowed(ev) {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", string(ev.Type)))
		return nil
	}
	title, message := Format(ev)
	return n.dispatch(ctx, title, message)
}

// NotifyAll sends a free-form notification regardless of the filter.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// dispatch sends to every sender. One failing sender does not stop the
// others; all failures are returned together.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

var titles = map[domain.EventType]string{
	domain.EventPositionOpened:    "Position opened",
	domain.EventEntryFailed:       "Entry failed",
	domain.EventTPPlacementFailed: "Take-profit placement failed",
	domain.EventTPFilled:          "Take-profit filled",
	domain.EventStopRelocated:     "Stop moved to break-even",
	domain.EventStoppedOut:        "Stopped out",
	domain.EventRunnerLeft:        "Ladder complete",
	domain.EventForceClosed:       "Position force closed",
	domain.EventCritical:          "CRITICAL: position unprotected",
	domain.EventSignalRejected:    "Signal rejected",
	domain.EventWebhookSilent:     "Webhook silent",
}

// Format renders ev as a title and a multi-line message body.
func Format(ev domain.PositionEvent) (string, string) {
	title, ok := titles[ev.Type]
	if !ok {
		title = string(ev.Type)
	}
	if ev.Symbol != "" {
		title += " " + ev.Symbol
	}
	if ev.Level > 0 {
		title += fmt.Sprintf(" TP%d", ev.Level)
	}

	var lines []string
	if ev.Side != "" {
		lines = append(lines, "Side: "+string(ev.Side))
	}
	if ev.Price != "" {
		lines = append(lines, "Price: "+ev.Price)
	}
	if ev.Quantity != "" {
		lines = append(lines, "Quantity: "+ev.Quantity)
	}
	if ev.PositionID != "" {
		lines = append(lines, "Position: "+ev.PositionID)
	}
	if ev.Message != "" {
		lines = append(lines, ev.Message)
	}
	lines = append(lines, ev.At.UTC().Format("2006-01-02 15:04:05 UTC"))
	return title, strings.Join(lines, "\n")
}
