package signal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/tvrelay/internal/domain"
)

// Duplicate and opposite-direction policies.
const (
	DuplicateReject    = "reject"
	DuplicateWarnAllow = "warn_allow"

	OppositeReject = "reject"
	OppositeClose  = "close"
	OppositeHedge  = "hedge"
)

var symbolPattern = regexp.MustCompile(`^[A-Z0-9]{2,20}$`)

// Config holds the ingestion rules.
type Config struct {
	Symbols         []string // empty accepts any well-formed symbol
	StalenessWindow time.Duration
	MaxSkew         time.Duration
	DuplicatePolicy string
	OppositePolicy  string
}

// PositionLookup is the read side of the position store the ingestor needs.
type PositionLookup interface {
	OpenBySymbol(symbol string) []*domain.Position
}

// ReplayGuard remembers payload hashes for a while. IsDuplicate records
// the key and reports whether it had been seen.
type ReplayGuard interface {
	IsDuplicate(key string) bool
}

// Ingestor validates payloads and decides what each accepted signal does.
type Ingestor struct {
	cfg       Config
	symbols   map[string]bool
	positions PositionLookup
	replay    ReplayGuard
	now       func() time.Time
	logger    *slog.Logger
}

// IngestOption configures an Ingestor.
type IngestOption func(*Ingestor)

// WithReplayGuard enables webhook replay suppression.
func WithReplayGuard(g ReplayGuard) IngestOption {
	return func(in *Ingestor) { in.replay = g }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) IngestOption {
	return func(in *Ingestor) { in.now = now }
}

// WithLogger sets the ingestor logger.
func WithLogger(l *slog.Logger) IngestOption {
	return func(in *Ingestor) { in.logger = l }
}

// NewIngestor creates an Ingestor.
func NewIngestor(cfg Config, positions PositionLookup, opts ...IngestOption) *Ingestor {
	in := &Ingestor{
		cfg:       cfg,
		symbols:   make(map[string]bool, len(cfg.Symbols)),
		positions: positions,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, s := range cfg.Symbols {
		in.symbols[normalizeSymbol(s)] = true
	}
	for _, o := range opts {
		o(in)
	}
	in.logger = in.logger.With(slog.String("component", "signal_ingest"))
	return in
}

// Ingest validates p and returns exactly one intent: open a position, or
// force-close the opposite positions. Every refusal is a *Rejection.
func (in *Ingestor) Ingest(ctx context.Context, p Payload) (domain.TradeIntent, error) {
	intent, err := in.ingest(p)
	if err != nil {
		attrs := []any{slog.String("symbol", p.Symbol), slog.String("signal", p.Signal)}
		var rej *Rejection
		if errors.As(err, &rej) {
			attrs = append(attrs, slog.String("reason", string(rej.Reason)), slog.String("detail", rej.Detail))
		}
		in.logger.WarnContext(ctx, "signal rejected", attrs...)
		return domain.TradeIntent{}, err
	}
	in.logger.InfoContext(ctx, "signal accepted",
		slog.String("intent_id", intent.ID),
		slog.String("symbol", intent.Symbol),
		slog.String("direction", string(intent.Direction)),
		slog.String("action", string(intent.Action)),
	)
	return intent, nil
}

func (in *Ingestor) ingest(p Payload) (domain.TradeIntent, error) {
	now := in.now()

	var missing []string
	if p.Symbol == "" {
		missing = append(missing, "symbol")
	}
	if p.Signal == "" {
		missing = append(missing, "signal")
	}
	if !p.Close.IsPositive() {
		missing = append(missing, "price.close")
	}
	if p.Time.IsZero() {
		missing = append(missing, "time")
	}
	if len(missing) > 0 {
		return domain.TradeIntent{}, reject(ReasonMissingField, "missing "+strings.Join(missing, ", "), domain.ErrInvalidSignal)
	}

	dir := domain.Direction(p.Signal)
	if !dir.Valid() {
		return domain.TradeIntent{}, reject(ReasonInvalidDirection, fmt.Sprintf("signal %q is not BUY or SELL", p.Signal), domain.ErrInvalidSignal)
	}

	if len(in.symbols) > 0 && !in.symbols[p.Symbol] {
		return domain.TradeIntent{}, reject(ReasonUnknownSymbol, p.Symbol+" is not configured", domain.ErrUnknownSymbol)
	}
	if len(in.symbols) == 0 && !symbolPattern.MatchString(p.Symbol) {
		return domain.TradeIntent{}, reject(ReasonUnknownSymbol, p.Symbol+" is not a valid symbol", domain.ErrUnknownSymbol)
	}

	if in.cfg.StalenessWindow > 0 && now.Sub(p.Time) > in.cfg.StalenessWindow {
		return domain.TradeIntent{}, reject(ReasonStale, fmt.Sprintf("signal is %s old", now.Sub(p.Time).Round(time.Second)), domain.ErrStaleSignal)
	}
	if in.cfg.MaxSkew > 0 && p.Time.Sub(now) > in.cfg.MaxSkew {
		return domain.TradeIntent{}, reject(ReasonStale, fmt.Sprintf("signal is %s in the future", p.Time.Sub(now).Round(time.Second)), domain.ErrStaleSignal)
	}

	if in.replay != nil && in.replay.IsDuplicate(replayKey(p)) {
		return domain.TradeIntent{}, reject(ReasonReplayed, "identical payload seen recently", domain.ErrReplayedSignal)
	}

	intent := domain.TradeIntent{
		ID:             uuid.NewString(),
		Symbol:         p.Symbol,
		Direction:      dir,
		ReferencePrice: p.Close,
		Timestamp:      p.Time,
		Metadata:       p.Metadata,
		ReceivedAt:     now,
		Action:         domain.IntentOpen,
	}

	want := domain.SideFor(dir)
	var same, opposite []string
	for _, pos := range in.positions.OpenBySymbol(p.Symbol) {
		if pos.Side == want {
			same = append(same, pos.ID)
		} else {
			opposite = append(opposite, pos.ID)
		}
	}

	if len(same) > 0 {
		if in.cfg.DuplicatePolicy != DuplicateWarnAllow {
			return domain.TradeIntent{}, reject(ReasonDuplicate,
				fmt.Sprintf("%s position %s already open on %s", want, same[0], p.Symbol), domain.ErrDuplicateSignal)
		}
		in.logger.Warn("duplicate signal allowed by policy",
			slog.String("symbol", p.Symbol), slog.String("open_position", same[0]))
	}

	if len(opposite) > 0 {
		switch in.cfg.OppositePolicy {
		case OppositeClose:
			intent.Action = domain.IntentClose
			intent.ClosePositionIDs = opposite
		case OppositeHedge:
		default:
			return domain.TradeIntent{}, reject(ReasonOppositeOpen,
				fmt.Sprintf("opposite position %s open on %s", opposite[0], p.Symbol), domain.ErrPositionConflict)
		}
	}
	return intent, nil
}

// replayKey hashes the raw body, or the identifying fields when the body
// is unavailable.
func replayKey(p Payload) string {
	h := sha256.New()
	if len(p.Raw) > 0 {
		h.Write(p.Raw)
	} else {
		fmt.Fprintf(h, "%s|%s|%s|%d", p.Symbol, p.Signal, p.Close.String(), p.Time.UnixMilli())
	}
	return hex.EncodeToString(h.Sum(nil))
}
