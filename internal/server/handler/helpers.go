package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/tvrelay/internal/domain"
	"github.com/alanyoungcy/tvrelay/internal/signal"
)

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	var rej *signal.Rejection
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &rej) && rej.Reason == signal.ReasonMalformed:
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidSignal),
		errors.Is(err, domain.ErrInvalidOrder):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicateSignal),
		errors.Is(err, domain.ErrReplayedSignal),
		errors.Is(err, domain.ErrPositionConflict),
		errors.Is(err, domain.ErrPositionClosed),
		errors.Is(err, domain.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrUnknownSymbol),
		errors.Is(err, domain.ErrStaleSignal),
		errors.Is(err, domain.ErrInsufficientBalance),
		errors.Is(err, domain.ErrSizeTooSmall):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, domain.ErrEntryNotFilled),
		errors.Is(err, domain.ErrOrderNotFound):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// queryInt reads a positive integer query parameter, clamped to max.
func queryInt(r *http.Request, name string, def, max int) int {
	n := def
	if v := r.URL.Query().Get(name); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			n = parsed
		}
	}
	if n > max {
		n = max
	}
	return n
}
