package signal

import "fmt"

// Reason is the machine-readable cause of a rejected signal.
type Reason string

const (
	ReasonMalformed        Reason = "malformed"
	ReasonMissingField     Reason = "missing_field"
	ReasonInvalidDirection Reason = "invalid_direction"
	ReasonUnknownSymbol    Reason = "unknown_symbol"
	ReasonStale            Reason = "stale"
	ReasonReplayed         Reason = "replayed"
	ReasonDuplicate        Reason = "duplicate"
	ReasonOppositeOpen     Reason = "opposite_open"
)

// Rejection reports a signal that was not executed. It unwraps to the
// domain sentinel so callers can branch with errors.Is.
type Rejection struct {
	Reason Reason
	Detail string
	Err    error
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("signal rejected (%s): %s", r.Reason, r.Detail)
}

func (r *Rejection) Unwrap() error { return r.Err }

func reject(reason Reason, detail string, err error) *Rejection {
	return &Rejection{Reason: reason, Detail: detail, Err: err}
}
