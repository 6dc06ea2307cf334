package signal

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/tvrelay/internal/domain"
)

// Status is the webhook health summary served to dashboards.
type Status struct {
	WebhookStatus      string               `json:"webhook_status"`
	LastPing           *time.Time           `json:"last_ping,omitempty"`
	LastSignalTime     *time.Time           `json:"last_signal_time,omitempty"`
	SecondsSinceLast   *float64             `json:"time_since_last_signal,omitempty"`
	TotalSignals       int                  `json:"total_signals"`
	SuccessfulTrades   int                  `json:"successful_trades"`
	FailedTrades       int                  `json:"failed_trades"`
	RecentSignalsCount int                  `json:"recent_signals_count"`
	LastSignal         *domain.SignalRecord `json:"last_signal,omitempty"`
}

// Monitor keeps a bounded history of signal outcomes and tracks whether the
// webhook source is still talking to us.
type Monitor struct {
	mu         sync.Mutex
	size       int
	records    []domain.SignalRecord // oldest first
	total      int
	successful int
	failed     int
	lastPing   time.Time
	silence    time.Duration

	store  domain.SignalStore
	now    func() time.Time
	logger *slog.Logger
}

// NewMonitor creates a Monitor holding up to size records. The webhook is
// reported disconnected once no ping arrived for silence. store may be nil.
func NewMonitor(size int, silence time.Duration, store domain.SignalStore, logger *slog.Logger) *Monitor {
	if size <= 0 {
		size = 100
	}
	return &Monitor{
		size:    size,
		records: make([]domain.SignalRecord, 0, size),
		silence: silence,
		store:   store,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "signal_monitor")),
	}
}

// Ping marks the webhook as alive.
func (m *Monitor) Ping() {
	m.mu.Lock()
	m.lastPing = m.now()
	m.mu.Unlock()
}

// LastPing returns the time of the last ping, zero if none.
func (m *Monitor) LastPing() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPing
}

// Record appends rec to the history.
func (m *Monitor) Record(ctx context.Context, rec domain.SignalRecord) {
	m.mu.Lock()
	if len(m.records) == m.size {
		copy(m.records, m.records[1:])
		m.records = m.records[:m.size-1]
	}
	m.records = append(m.records, rec)
	m.total++
	m.count(rec.Outcome, 1)
	m.mu.Unlock()

	m.persist(ctx, rec)
}

// Resolve moves a pending (accepted) record to its final outcome.
func (m *Monitor) Resolve(ctx context.Context, id string, outcome domain.SignalOutcome, positionID, errMsg string) {
	m.mu.Lock()
	var rec *domain.SignalRecord
	for i := len(m.records) - 1; i >= 0; i-- {
		if m.records[i].ID == id {
			rec = &m.records[i]
			break
		}
	}
	if rec == nil {
		m.mu.Unlock()
		m.logger.Warn("resolve for unknown signal", slog.String("signal_id", id))
		return
	}
	m.count(rec.Outcome, -1)
	rec.Outcome = outcome
	rec.PositionID = positionID
	rec.Error = errMsg
	m.count(outcome, 1)
	resolved := *rec
	m.mu.Unlock()

	m.persist(ctx, resolved)
}

// Recent returns up to limit records, newest first.
func (m *Monitor) Recent(limit int) []domain.SignalRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}
	out := make([]domain.SignalRecord, 0, limit)
	for i := len(m.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.records[i])
	}
	return out
}

// Status summarises the history and webhook connectivity.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()

	st := Status{
		WebhookStatus:      "disconnected",
		TotalSignals:       m.total,
		SuccessfulTrades:   m.successful,
		FailedTrades:       m.failed,
		RecentSignalsCount: len(m.records),
	}
	if !m.lastPing.IsZero() {
		ping := m.lastPing
		st.LastPing = &ping
		if m.silence <= 0 || now.Sub(ping) <= m.silence {
			st.WebhookStatus = "connected"
		}
	}
	if n := len(m.records); n > 0 {
		last := m.records[n-1]
		at := last.ReceivedAt
		since := now.Sub(at).Seconds()
		st.LastSignal = &last
		st.LastSignalTime = &at
		st.SecondsSinceLast = &since
	}
	return st
}

// count adjusts the outcome counters; rejected and failed signals are both
// failures from the operator's point of view.
func (m *Monitor) count(o domain.SignalOutcome, delta int) {
	switch o {
	case domain.SignalExecuted:
		m.successful += delta
	case domain.SignalFailed, domain.SignalRejected:
		m.failed += delta
	}
}

func (m *Monitor) persist(ctx context.Context, rec domain.SignalRecord) {
	if m.store == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := m.store.Insert(saveCtx, rec); err != nil {
		m.logger.Error("persist signal failed",
			slog.String("signal_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}
}

// NewRecord builds the history record for payload p.
func NewRecord(id string, p Payload, outcome domain.SignalOutcome, err error, at time.Time) domain.SignalRecord {
	rec := domain.SignalRecord{
		ID:         id,
		Symbol:     p.Symbol,
		Direction:  domain.Direction(p.Signal),
		Price:      p.Close.InexactFloat64(),
		Outcome:    outcome,
		Metadata:   p.Metadata,
		ReceivedAt: at,
	}
	if ind, ok := p.Metadata["indicators"].(map[string]any); ok {
		rec.Metadata = ind
	}
	if err != nil {
		rec.Error = err.Error()
		var rej *Rejection
		if errors.As(err, &rej) {
			rec.Reason = string(rej.Reason)
		}
	}
	return rec
}
