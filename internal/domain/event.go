package domain

import (
	"context"
	"time"
)

// EventType names a position lifecycle event.
type EventType string

const (
	EventPositionOpened    EventType = "position_opened"
	EventEntryFailed       EventType = "entry_failed"
	EventTPPlacementFailed EventType = "tp_placement_failed"
	EventTPFilled          EventType = "tp_filled"
	EventStopRelocated     EventType = "stop_relocated"
	EventStoppedOut        EventType = "stopped_out"
	EventRunnerLeft        EventType = "runner_left"
	EventForceClosed       EventType = "force_closed"
	EventCritical          EventType = "critical_failure"
	EventSignalRejected    EventType = "signal_rejected"
	EventWebhookSilent     EventType = "webhook_silent"
)

// PositionEvent is published on every position state change.
type PositionEvent struct {
	Type       EventType `json:"type"`
	PositionID string    `json:"position_id,omitempty"`
	Symbol     string    `json:"symbol,omitempty"`
	Side       Side      `json:"side,omitempty"`
	Level      int       `json:"level,omitempty"`
	Price      string    `json:"price,omitempty"`
	Quantity   string    `json:"quantity,omitempty"`
	Message    string    `json:"message,omitempty"`
	Critical   bool      `json:"critical,omitempty"`
	At         time.Time `json:"at"`
}

// EventPublisher receives every position event. Implementations must not
// block the caller for long; the monitors publish while holding a position
// lock.
type EventPublisher interface {
	Publish(ctx context.Context, ev PositionEvent)
}

// EventPublisherFunc adapts a function to EventPublisher.
type EventPublisherFunc func(ctx context.Context, ev PositionEvent)

// Publish implements EventPublisher.
func (f EventPublisherFunc) Publish(ctx context.Context, ev PositionEvent) { f(ctx, ev) }
