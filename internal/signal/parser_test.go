package signal

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tvrelay/internal/domain"
)

func TestParseJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		body   string
		symbol string
		signal string
		close  string
		time   time.Time
	}{
		{
			name:   "nested close seconds",
			body:   `{"symbol":"btcusdt","signal":"buy","price":{"close":50000.5},"time":1700000000,"indicators":{"rsi":{"value":60}}}`,
			symbol: "BTCUSDT", signal: "BUY", close: "50000.5",
			time: time.Unix(1700000000, 0).UTC(),
		},
		{
			name:   "top level close milliseconds",
			body:   `{"symbol":"BINANCE:ETH/USDT","signal":"SELL","close":"2500","time":1700000000123}`,
			symbol: "ETHUSDT", signal: "SELL", close: "2500",
			time: time.UnixMilli(1700000000123).UTC(),
		},
		{
			name:   "scalar price and rfc3339 timestamp",
			body:   `{"symbol":"SOLUSDT","signal":"BUY","price":101.25,"timestamp":"2024-03-01T12:00:00Z"}`,
			symbol: "SOLUSDT", signal: "BUY", close: "101.25",
			time: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, err := Parse("application/json", []byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.symbol, p.Symbol)
			assert.Equal(t, tt.signal, p.Signal)
			assert.Equal(t, tt.close, p.Close.String())
			assert.True(t, tt.time.Equal(p.Time), "got %s", p.Time)
			assert.NotContains(t, p.Metadata, "symbol")
		})
	}
}

func TestParseJSONKeepsMetadata(t *testing.T) {
	t.Parallel()
	p, err := ParseJSON([]byte(`{"symbol":"BTCUSDT","signal":"BUY","price":{"close":1},"time":1,"strategy":{"entry_type":"NEXT_CANDLE_OPEN"}}`))
	require.NoError(t, err)
	assert.Contains(t, p.Metadata, "strategy")
	assert.Contains(t, p.Metadata, "price")
}

func TestParseFormPipeMessage(t *testing.T) {
	t.Parallel()

	form := url.Values{}
	form.Set("message", "SYMBOL=ETHUSDT|TIME=1700000000000|SIGNAL=BUY|WT_FLAG=true|WT1=-40.5|WT2=-45|"+
		"RSI_VALUE=61.2|RSI_CONDITION=true|PRICE_CLOSE=50000|PRICE_OPEN=49900|PRICE_HIGH=50100|PRICE_LOW=49800")
	form.Set("ticker", "BTCUSDT")

	p, err := Parse("application/x-www-form-urlencoded", []byte(form.Encode()))
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", p.Symbol, "ticker overrides SYMBOL")
	assert.Equal(t, "BUY", p.Signal)
	assert.Equal(t, "50000", p.Close.String())
	assert.True(t, time.UnixMilli(1700000000000).Equal(p.Time))

	ind := p.Metadata["indicators"].(map[string]any)
	wt := ind["wt"].(map[string]any)
	assert.Equal(t, true, wt["flag"])
	assert.InDelta(t, -40.5, wt["wt1"], 1e-9)
	rsi := ind["rsi"].(map[string]any)
	assert.InDelta(t, 54.0, rsi["buy_threshold_min"], 1e-9)
	assert.InDelta(t, 43.0, rsi["sell_threshold_max"], 1e-9)
	assert.Equal(t, "NEXT_CANDLE_OPEN", p.Metadata["strategy"].(map[string]any)["entry_type"])
}

func TestParseMalformed(t *testing.T) {
	t.Parallel()
	for _, body := range []string{"", "   ", `{"symbol":`} {
		_, err := Parse("application/json", []byte(body))
		var rej *Rejection
		require.ErrorAs(t, err, &rej, "body %q", body)
		assert.Equal(t, ReasonMalformed, rej.Reason)
		assert.ErrorIs(t, err, domain.ErrInvalidSignal)
	}
}
