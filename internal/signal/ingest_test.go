package signal

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tvrelay/internal/domain"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type stubPositions map[string][]*domain.Position

func (s stubPositions) OpenBySymbol(symbol string) []*domain.Position { return s[symbol] }

type mapGuard map[string]bool

func (g mapGuard) IsDuplicate(key string) bool {
	if g[key] {
		return true
	}
	g[key] = true
	return false
}

func newIngestor(cfg Config, open stubPositions, opts ...IngestOption) *Ingestor {
	if open == nil {
		open = stubPositions{}
	}
	opts = append([]IngestOption{
		WithClock(func() time.Time { return testNow }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	return NewIngestor(cfg, open, opts...)
}

func payload(symbol, sig string, at time.Time) Payload {
	return Payload{Symbol: symbol, Signal: sig, Close: decimal.NewFromInt(50000), Time: at}
}

func baseConfig() Config {
	return Config{
		Symbols:         []string{"BTCUSDT", "ETHUSDT"},
		StalenessWindow: 5 * time.Minute,
		MaxSkew:         30 * time.Second,
		DuplicatePolicy: DuplicateReject,
		OppositePolicy:  OppositeReject,
	}
}

func TestIngestRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		p      Payload
		reason Reason
		target error
	}{
		{"missing symbol", payload("", "BUY", testNow), ReasonMissingField, domain.ErrInvalidSignal},
		{"missing time", payload("BTCUSDT", "BUY", time.Time{}), ReasonMissingField, domain.ErrInvalidSignal},
		{"missing price", Payload{Symbol: "BTCUSDT", Signal: "BUY", Time: testNow}, ReasonMissingField, domain.ErrInvalidSignal},
		{"bad direction", payload("BTCUSDT", "HOLD", testNow), ReasonInvalidDirection, domain.ErrInvalidSignal},
		{"unknown symbol", payload("DOGEUSDT", "BUY", testNow), ReasonUnknownSymbol, domain.ErrUnknownSymbol},
		{"stale", payload("BTCUSDT", "BUY", testNow.Add(-6*time.Minute)), ReasonStale, domain.ErrStaleSignal},
		{"future", payload("BTCUSDT", "BUY", testNow.Add(time.Minute)), ReasonStale, domain.ErrStaleSignal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := newIngestor(baseConfig(), nil).Ingest(context.Background(), tt.p)
			var rej *Rejection
			require.ErrorAs(t, err, &rej)
			assert.Equal(t, tt.reason, rej.Reason)
			assert.ErrorIs(t, err, tt.target)
		})
	}
}

func TestIngestAcceptsWithinWindow(t *testing.T) {
	t.Parallel()
	in := newIngestor(baseConfig(), nil)

	intent, err := in.Ingest(context.Background(), payload("BTCUSDT", "BUY", testNow.Add(-4*time.Minute)))
	require.NoError(t, err)
	assert.NotEmpty(t, intent.ID)
	assert.Equal(t, domain.DirectionBuy, intent.Direction)
	assert.Equal(t, domain.IntentOpen, intent.Action)
	assert.True(t, intent.ReferencePrice.Equal(decimal.NewFromInt(50000)))
	assert.Equal(t, testNow, intent.ReceivedAt)
}

func TestIngestEmptySymbolListUsesPattern(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.Symbols = nil
	in := newIngestor(cfg, nil)

	_, err := in.Ingest(context.Background(), payload("PEPEUSDT", "BUY", testNow))
	assert.NoError(t, err)

	_, err = in.Ingest(context.Background(), payload("X", "BUY", testNow))
	assert.ErrorIs(t, err, domain.ErrUnknownSymbol)
}

func TestIngestDuplicatePolicy(t *testing.T) {
	t.Parallel()
	open := stubPositions{"BTCUSDT": {{ID: "p1", Symbol: "BTCUSDT", Side: domain.SideLong, Status: domain.PositionStatusActive}}}

	_, err := newIngestor(baseConfig(), open).Ingest(context.Background(), payload("BTCUSDT", "BUY", testNow))
	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, ReasonDuplicate, rej.Reason)
	assert.ErrorIs(t, err, domain.ErrDuplicateSignal)

	cfg := baseConfig()
	cfg.DuplicatePolicy = DuplicateWarnAllow
	intent, err := newIngestor(cfg, open).Ingest(context.Background(), payload("BTCUSDT", "BUY", testNow))
	require.NoError(t, err)
	assert.Equal(t, domain.IntentOpen, intent.Action)
}

func TestIngestOppositePolicy(t *testing.T) {
	t.Parallel()
	open := stubPositions{"BTCUSDT": {{ID: "long-1", Symbol: "BTCUSDT", Side: domain.SideLong, Status: domain.PositionStatusActive}}}
	sell := payload("BTCUSDT", "SELL", testNow)

	tests := []struct {
		policy string
		action domain.IntentAction
		ids    []string
		reason Reason
	}{
		{policy: OppositeReject, reason: ReasonOppositeOpen},
		{policy: OppositeClose, action: domain.IntentClose, ids: []string{"long-1"}},
		{policy: OppositeHedge, action: domain.IntentOpen},
	}
	for _, tt := range tests {
		t.Run(tt.policy, func(t *testing.T) {
			t.Parallel()
			cfg := baseConfig()
			cfg.OppositePolicy = tt.policy
			intent, err := newIngestor(cfg, open).Ingest(context.Background(), sell)
			if tt.reason != "" {
				var rej *Rejection
				require.ErrorAs(t, err, &rej)
				assert.Equal(t, tt.reason, rej.Reason)
				assert.ErrorIs(t, err, domain.ErrPositionConflict)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.action, intent.Action)
			assert.Equal(t, tt.ids, intent.ClosePositionIDs)
			assert.Equal(t, domain.DirectionSell, intent.Direction)
		})
	}
}

func TestIngestReplayedPayload(t *testing.T) {
	t.Parallel()
	in := newIngestor(baseConfig(), nil, WithReplayGuard(mapGuard{}))
	p := payload("ETHUSDT", "BUY", testNow)
	p.Raw = []byte(`{"symbol":"ETHUSDT","signal":"BUY"}`)

	_, err := in.Ingest(context.Background(), p)
	require.NoError(t, err)

	_, err = in.Ingest(context.Background(), p)
	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, ReasonReplayed, rej.Reason)
	assert.ErrorIs(t, err, domain.ErrReplayedSignal)
}
