// Package signal turns webhook bodies into validated trade intents and keeps
// the signal history.
package signal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tvrelay/internal/domain"
)

// Payload is a decoded webhook body before validation.
type Payload struct {
	Symbol   string
	Signal   string
	Close    decimal.Decimal
	Time     time.Time // zero when the body carried no timestamp
	Metadata map[string]any
	Raw      []byte
}

// reservedKeys are lifted out of a JSON body; everything else is metadata.
var reservedKeys = map[string]bool{
	"symbol": true, "signal": true, "time": true, "timestamp": true, "secret": true,
}

// Parse decodes a JSON body, or a TradingView form body whose message field
// holds KEY=VALUE pairs separated by pipes.
func Parse(contentType string, body []byte) (Payload, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return Payload{}, reject(ReasonMalformed, "empty body", domain.ErrInvalidSignal)
	}
	if strings.Contains(contentType, "json") || trimmed[0] == '{' {
		return ParseJSON(trimmed)
	}
	form, err := url.ParseQuery(string(trimmed))
	if err != nil {
		return Payload{}, reject(ReasonMalformed, "undecodable form body", fmt.Errorf("%w: %v", domain.ErrInvalidSignal, err))
	}
	p := ParseForm(form)
	p.Raw = trimmed
	return p, nil
}

// ParseJSON decodes the structured alert format:
//
//	{"symbol":"BTCUSDT","signal":"BUY","price":{"close":50000},"time":1700000000}
//
// A top-level "close" or a scalar "price" is accepted for the close price.
func ParseJSON(body []byte) (Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return Payload{}, reject(ReasonMalformed, "invalid json", fmt.Errorf("%w: %v", domain.ErrInvalidSignal, err))
	}

	p := Payload{
		Symbol:   normalizeSymbol(stringOf(doc["symbol"])),
		Signal:   strings.ToUpper(strings.TrimSpace(stringOf(doc["signal"]))),
		Metadata: make(map[string]any),
		Raw:      body,
	}

	switch price := doc["price"].(type) {
	case map[string]any:
		p.Close, _ = decimalOf(price["close"])
	case nil:
	default:
		p.Close, _ = decimalOf(price)
	}
	if p.Close.IsZero() {
		p.Close, _ = decimalOf(doc["close"])
	}

	if t, ok := timeOf(doc["time"]); ok {
		p.Time = t
	} else if t, ok := timeOf(doc["timestamp"]); ok {
		p.Time = t
	}

	for k, v := range doc {
		if !reservedKeys[k] {
			p.Metadata[k] = v
		}
	}
	return p, nil
}

// ParseForm decodes a TradingView form alert. The ticker field overrides
// the SYMBOL pair.
func ParseForm(form url.Values) Payload {
	fields := map[string]string{}
	for _, item := range strings.Split(form.Get("message"), "|") {
		key, value, ok := strings.Cut(item, "=")
		if !ok {
			continue
		}
		fields[strings.ToUpper(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}

	get := func(key, def string) string {
		if v, ok := fields[key]; ok && v != "" {
			return v
		}
		return def
	}
	num := func(key string, def float64) float64 {
		f, err := strconv.ParseFloat(get(key, ""), 64)
		if err != nil {
			return def
		}
		return f
	}
	flag := func(key string) bool { return strings.EqualFold(get(key, "false"), "true") }

	symbol := form.Get("ticker")
	if symbol == "" {
		symbol = get("SYMBOL", form.Get("symbol"))
	}
	p := Payload{
		Symbol: normalizeSymbol(symbol),
		Signal: strings.ToUpper(get("SIGNAL", form.Get("signal"))),
	}
	p.Close, _ = decimalOf(get("PRICE_CLOSE", form.Get("close")))
	if t, ok := timeOf(get("TIME", "")); ok {
		p.Time = t
	} else if t, ok := timeOf(form.Get("time")); ok {
		p.Time = t
	}

	p.Metadata = map[string]any{
		"indicators": map[string]any{
			"wt": map[string]any{
				"flag":          flag("WT_FLAG"),
				"wt1":           num("WT1", 0),
				"wt2":           num("WT2", 0),
				"cross_type":    get("WT_CROSS", "NONE"),
				"window_active": get("WT_WINDOW", "NONE") != "NONE",
			},
			"bb": map[string]any{
				"flag":      flag("BB_FLAG"),
				"upper":     num("BB_UPPER", 0),
				"lower":     num("BB_LOWER", 0),
				"basis":     num("BB_BASIS", 0),
				"ma_value":  num("MA_VALUE", 0),
				"percent_b": num("BB_PERCENT", 0),
			},
			"rsi": map[string]any{
				"value":              num("RSI_VALUE", 0),
				"buy_threshold_min":  num("RSI_BUY_THRESHOLD_MIN", 54),
				"buy_threshold_max":  num("RSI_BUY_THRESHOLD_MAX", 82),
				"sell_threshold_min": num("RSI_SELL_THRESHOLD_MIN", 27),
				"sell_threshold_max": num("RSI_SELL_THRESHOLD_MAX", 43),
				"condition_met":      flag("RSI_CONDITION"),
			},
		},
		"price": map[string]any{
			"close": num("PRICE_CLOSE", 0),
			"open":  num("PRICE_OPEN", 0),
			"high":  num("PRICE_HIGH", 0),
			"low":   num("PRICE_LOW", 0),
		},
		"strategy": map[string]any{
			"entry_type": get("ENTRY_TYPE", "NEXT_CANDLE_OPEN"),
		},
	}
	p.Raw = []byte(form.Encode())
	return p
}

// normalizeSymbol upper-cases and strips separators: "btc/usdt" -> "BTCUSDT".
func normalizeSymbol(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if i := strings.LastIndex(s, ":"); i >= 0 { // BINANCE:BTCUSDT
		s = s[i+1:]
	}
	return strings.NewReplacer("/", "", "-", "", "_", "").Replace(s)
}

func stringOf(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	default:
		return ""
	}
}

func decimalOf(v any) (decimal.Decimal, bool) {
	switch x := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(x.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(x))
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(x), true
	default:
		return decimal.Zero, false
	}
}

// timeOf accepts epoch seconds or milliseconds (number or numeric string)
// and RFC 3339 strings.
func timeOf(v any) (time.Time, bool) {
	var s string
	switch x := v.(type) {
	case json.Number:
		s = x.String()
	case string:
		s = strings.TrimSpace(x)
	case float64:
		s = strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return time.Time{}, false
	}
	if s == "" || s == "0" {
		return time.Time{}, false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return epoch(n), true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return epoch(int64(f)), true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), true
	}
	return time.Time{}, false
}

func epoch(n int64) time.Time {
	if n > 1e12 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}
