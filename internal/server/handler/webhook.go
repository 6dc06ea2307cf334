package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/tvrelay/internal/domain"
	"github.com/alanyoungcy/tvrelay/internal/metrics"
	"github.com/alanyoungcy/tvrelay/internal/signal"
)

// maxWebhookBody bounds an alert body.
const maxWebhookBody = 64 << 10

// Ingestor turns a payload into a trade intent or a rejection.
type Ingestor interface {
	Ingest(ctx context.Context, p signal.Payload) (domain.TradeIntent, error)
}

// SignalRecorder is the write side of the signal history.
type SignalRecorder interface {
	Ping()
	Record(ctx context.Context, rec domain.SignalRecord)
	Resolve(ctx context.Context, id string, outcome domain.SignalOutcome, positionID, errMsg string)
}

// WebhookHandler receives TradingView alerts.
type WebhookHandler struct {
	ingest  Ingestor
	history SignalRecorder
	intents chan<- domain.TradeIntent
	secret  string
	events  domain.EventPublisher
	logger  *slog.Logger
	now     func() time.Time
}

// NewWebhookHandler creates a WebhookHandler. Accepted intents are handed to
// intents without blocking. An empty secret disables the secret check;
// events may be nil.
func NewWebhookHandler(ingest Ingestor, history SignalRecorder, intents chan<- domain.TradeIntent, secret string, events domain.EventPublisher, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		ingest:  ingest,
		history: history,
		intents: intents,
		secret:  secret,
		events:  events,
		logger:  logger.With(slog.String("handler", "webhook")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

type webhookResponse struct {
	Status   string `json:"status"`
	SignalID string `json:"signal_id,omitempty"`
	Action   string `json:"action,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Receive handles one alert.
// POST /webhook
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}
	h.history.Ping()

	if !h.authorized(r, body) {
		h.logger.WarnContext(ctx, "webhook secret mismatch", slog.String("remote_addr", r.RemoteAddr))
		writeError(w, http.StatusUnauthorized, "invalid webhook secret")
		return
	}

	receivedAt := h.now()
	payload, err := signal.Parse(r.Header.Get("Content-Type"), body)
	if err != nil {
		h.reject(ctx, w, uuid.NewString(), payload, err, receivedAt)
		return
	}

	intent, err := h.ingest.Ingest(ctx, payload)
	if err != nil {
		h.reject(ctx, w, uuid.NewString(), payload, err, receivedAt)
		return
	}

	h.history.Record(ctx, signal.NewRecord(intent.ID, payload, domain.SignalAccepted, nil, receivedAt))
	select {
	case h.intents <- intent:
	default:
		msg := "execution queue full"
		h.logger.ErrorContext(ctx, msg, slog.String("intent_id", intent.ID))
		h.history.Resolve(ctx, intent.ID, domain.SignalFailed, "", msg)
		metrics.SignalsTotal.WithLabelValues(string(domain.SignalFailed), "").Inc()
		writeJSON(w, http.StatusServiceUnavailable, webhookResponse{Status: string(domain.SignalFailed), SignalID: intent.ID, Error: msg})
		return
	}
	metrics.SignalsTotal.WithLabelValues(string(domain.SignalAccepted), "").Inc()

	writeJSON(w, http.StatusAccepted, webhookResponse{
		Status:   string(domain.SignalAccepted),
		SignalID: intent.ID,
		Action:   string(intent.Action),
	})
}

func (h *WebhookHandler) reject(ctx context.Context, w http.ResponseWriter, id string, p signal.Payload, err error, at time.Time) {
	rec := signal.NewRecord(id, p, domain.SignalRejected, err, at)
	h.history.Record(ctx, rec)
	metrics.SignalsTotal.WithLabelValues(string(domain.SignalRejected), rec.Reason).Inc()

	if h.events != nil {
		h.events.Publish(ctx, domain.PositionEvent{
			Type:    domain.EventSignalRejected,
			Symbol:  p.Symbol,
			Message: err.Error(),
			At:      at,
		})
	}

	resp := webhookResponse{Status: string(domain.SignalRejected), SignalID: id, Reason: rec.Reason, Error: err.Error()}
	var rej *signal.Rejection
	if !errors.As(err, &rej) {
		h.logger.ErrorContext(ctx, "ingest failed", slog.String("error", err.Error()))
	}
	writeJSON(w, statusFor(err), resp)
}

// authorized checks the shared secret from the query string, the
// X-Webhook-Secret header, or a "secret" field of a JSON body.
func (h *WebhookHandler) authorized(r *http.Request, body []byte) bool {
	if h.secret == "" {
		return true
	}
	got := r.URL.Query().Get("secret")
	if got == "" {
		got = r.Header.Get("X-Webhook-Secret")
	}
	if got == "" && strings.HasPrefix(strings.TrimSpace(string(body)), "{") {
		var probe struct {
			Secret string `json:"secret"`
		}
		if json.Unmarshal(body, &probe) == nil {
			got = probe.Secret
		}
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) == 1
}
