package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// QuerySigner signs REST requests the way MEXC spot v3 expects: the
// parameters are sorted by key, URL-encoded into a query string, and signed
// with HMAC-SHA256 (hex) using the API secret.
type QuerySigner struct {
	Key        string
	Secret     string
	RecvWindow int // milliseconds
}

// Sign adds timestamp and recvWindow to params and returns the signature.
// params is mutated so the caller sends exactly what was signed.
func (s *QuerySigner) Sign(params url.Values) string {
	return s.SignAt(params, time.Now().UnixMilli())
}

// SignAt is like Sign but lets the caller supply the millisecond timestamp
// (useful for deterministic testing).
func (s *QuerySigner) SignAt(params url.Values, unixMillis int64) string {
	params.Set("timestamp", strconv.FormatInt(unixMillis, 10))
	if s.RecvWindow > 0 {
		params.Set("recvWindow", strconv.Itoa(s.RecvWindow))
	}
	params.Del("signature")
	// url.Values.Encode sorts by key.
	return hmacSHA256Hex([]byte(s.Secret), params.Encode())
}

// hmacSHA256Hex computes HMAC-SHA256 of message using key and returns the
// lower-case hex digest.
func hmacSHA256Hex(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (s *QuerySigner) String() string {
	redact := func(v string) string {
		if len(v) <= 4 {
			return "****"
		}
		return v[:4] + "****"
	}
	return fmt.Sprintf("QuerySigner{key=%s, secret=%s}", redact(s.Key), redact(s.Secret))
}
