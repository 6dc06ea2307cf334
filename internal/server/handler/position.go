package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/tvrelay/internal/domain"
)

// PositionReader is the read side of the position store.
type PositionReader interface {
	Get(id string) (*domain.Position, error)
	List(keep func(*domain.Position) bool) []*domain.Position
}

// PositionCloser force-closes a position.
type PositionCloser interface {
	ForceClose(ctx context.Context, id string, closeRemaining bool) (*domain.Position, error)
}

// PositionHandler serves position endpoints.
type PositionHandler struct {
	positions PositionReader
	closer    PositionCloser
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler. closer may be nil, which
// disables the close endpoint.
func NewPositionHandler(positions PositionReader, closer PositionCloser, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{positions: positions, closer: closer, logger: logger}
}

type listPositionsResponse struct {
	Positions []*domain.Position `json:"positions"`
	Count     int                `json:"count"`
}

// ListPositions returns positions filtered by ?status. "open" matches every
// not-yet-closed state; an exact status such as "active" matches only that.
// GET /api/positions?status=active
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	filter := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status")))
	var keep func(*domain.Position) bool
	switch filter {
	case "", "ALL":
	case "OPEN":
		keep = func(p *domain.Position) bool { return p.Status.Open() }
	default:
		st := domain.PositionStatus(filter)
		if !validStatus(st) {
			writeError(w, http.StatusBadRequest, "unknown status filter")
			return
		}
		keep = func(p *domain.Position) bool { return p.Status == st }
	}

	positions := h.positions.List(keep)
	if positions == nil {
		positions = []*domain.Position{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions, Count: len(positions)})
}

// GetPosition returns one position with its ladder.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	p, err := h.positions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), "position not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type closeRequest struct {
	CloseRemaining *bool `json:"close_remaining"`
}

// ClosePosition cancels every open order of the position and, unless
// close_remaining is false, market-closes what is left.
// POST /api/positions/{id}/close
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	if h.closer == nil {
		writeError(w, http.StatusServiceUnavailable, "execution disabled in this mode")
		return
	}
	id := r.PathValue("id")

	var req closeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	closeRemaining := req.CloseRemaining == nil || *req.CloseRemaining

	p, err := h.closer.ForceClose(r.Context(), id, closeRemaining)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: force close failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func validStatus(s domain.PositionStatus) bool {
	switch s {
	case domain.PositionStatusOpening, domain.PositionStatusActive, domain.PositionStatusClosing,
		domain.PositionStatusClosingFailed, domain.PositionStatusClosed:
		return true
	}
	return false
}
