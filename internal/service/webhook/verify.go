package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/twinsight/connect/internal/domain"
)

// verifyHMACSHA256Timestamped checks a hex HMAC-SHA256 signature computed
// over "<timestamp>.<raw body>". The timestamp must fall within the replay
// window on either side of now.
func verifyHMACSHA256Timestamped(secret string, raw []byte, signature, timestamp string, now time.Time, window time.Duration) error {
	if secret == "" || signature == "" || timestamp == "" {
		return domain.ErrSignatureVerification
	}

	ts, err := parseTimestamp(timestamp)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", domain.ErrSignatureVerification)
	}
	drift := now.Sub(ts)
	if drift < 0 {
		drift = -drift
	}
	if drift > window {
		return fmt.Errorf("%w: stale timestamp", domain.ErrSignatureVerification)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(raw)
	expected := hex.EncodeToString(mac.Sum(nil))

	provided := strings.TrimPrefix(strings.TrimSpace(signature), "v1=")
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(provided))) {
		return domain.ErrSignatureVerification
	}
	return nil
}

// verifyHMACSHA1 checks a base64 HMAC-SHA1 signature over the raw body alone.
func verifyHMACSHA1(secret string, raw []byte, signature string) error {
	if secret == "" || signature == "" {
		return domain.ErrSignatureVerification
	}

	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(raw)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(strings.TrimSpace(signature))) {
		return domain.ErrSignatureVerification
	}
	return nil
}

// verifyTokenMatch compares the subscription verify token in constant time.
func verifyTokenMatch(secret, token string) error {
	if secret == "" || token == "" {
		return domain.ErrSignatureVerification
	}
	if !hmac.Equal([]byte(secret), []byte(token)) {
		return domain.ErrSignatureVerification
	}
	return nil
}

// parseTimestamp accepts unix seconds, unix milliseconds, or RFC3339.
func parseTimestamp(value string) (time.Time, error) {
	if n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n), nil
		}
		return time.Unix(n, 0), nil
	}
	return time.Parse(time.RFC3339, value)
}
