package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderSignature = "X-Signature"
	HeaderEventType = "X-Event-Type"
	HeaderDelivery  = "X-Delivery-Id"

	signatureVersion = "v1"
)

var (
	ErrMalformedHeader  = errors.New("malformed signature header")
	ErrInvalidSignature = errors.New("signature mismatch")
	ErrTimestampSkew    = errors.New("signature timestamp outside tolerance")
)

// Sign returns the hex HMAC-SHA256 of "{timestamp}.{body}".
func Sign(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureHeader formats the X-Signature value: t=<unix>,v1=<hex>.
func SignatureHeader(secret string, timestamp int64, body []byte) string {
	return fmt.Sprintf("t=%d,%s=%s", timestamp, signatureVersion, Sign(secret, timestamp, body))
}

// ParseHeader extracts the timestamp and v1 signatures from a header value.
// Unknown keys are ignored so new scheme versions can be added alongside v1.
func ParseHeader(header string) (timestamp int64, signatures []string, err error) {
	var haveTS bool
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return 0, nil, ErrMalformedHeader
		}
		switch key {
		case "t":
			timestamp, err = strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("%w: timestamp: %w", ErrMalformedHeader, err)
			}
			haveTS = true
		case signatureVersion:
			signatures = append(signatures, value)
		}
	}
	if !haveTS || len(signatures) == 0 {
		return 0, nil, ErrMalformedHeader
	}
	return timestamp, signatures, nil
}

// Verify checks a received header against the raw body. A maxSkew of zero
// disables the replay window check.
func Verify(secret, header string, body []byte, now time.Time, maxSkew time.Duration) error {
	ts, signatures, err := ParseHeader(header)
	if err != nil {
		return err
	}
	if maxSkew > 0 {
		skew := now.Sub(time.Unix(ts, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > maxSkew {
			return ErrTimestampSkew
		}
	}
	expected := []byte(Sign(secret, ts, body))
	for _, sig := range signatures {
		if hmac.Equal(expected, []byte(sig)) {
			return nil
		}
	}
	return ErrInvalidSignature
}
