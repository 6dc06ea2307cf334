package handler

import (
	"net/http"

	"github.com/alanyoungcy/tvrelay/internal/domain"
	"github.com/alanyoungcy/tvrelay/internal/signal"
)

// SignalHistory is the read side of the signal monitor.
type SignalHistory interface {
	Status() signal.Status
	Recent(limit int) []domain.SignalRecord
}

// SignalHandler serves the signal monitor.
type SignalHandler struct {
	history   SignalHistory
	maxRecent int
}

// NewSignalHandler creates a SignalHandler. maxRecent caps ?limit.
func NewSignalHandler(history SignalHistory, maxRecent int) *SignalHandler {
	if maxRecent <= 0 {
		maxRecent = 100
	}
	return &SignalHandler{history: history, maxRecent: maxRecent}
}

// Status returns webhook connectivity and outcome counters.
// GET /api/signals/status
func (h *SignalHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.history.Status())
}

// Recent returns the latest signals, newest first.
// GET /api/signals/recent?limit=10
func (h *SignalHandler) Recent(w http.ResponseWriter, r *http.Request) {
	recent := h.history.Recent(queryInt(r, "limit", 10, h.maxRecent))
	if recent == nil {
		recent = []domain.SignalRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"signals": recent,
		"count":   len(recent),
	})
}
