package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderEvent     = "X-Relay-Event"
	HeaderDelivery  = "X-Relay-Delivery"
	HeaderTimestamp = "X-Relay-Timestamp"
	HeaderSignature = "X-Relay-Signature"

	signaturePrefix = "sha256="
)

// Sign returns the signature header value for body sent at timestamp:
// sha256=<hex HMAC-SHA256(secret, "<timestamp>.<body>")>.
func Sign(secret string, timestamp int64, body []byte) string {
	return signaturePrefix + hex.EncodeToString(signatureMAC(secret, timestamp, body))
}

func signatureMAC(secret string, timestamp int64, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	return mac.Sum(nil)
}

// SignatureVerifier checks signed deliveries on the receiving side. A zero
// Tolerance disables the timestamp freshness check.
type SignatureVerifier struct {
	Secret          string
	SignatureHeader string
	Tolerance       time.Duration
	Now             func() time.Time
}

func (v SignatureVerifier) Verify(headers http.Header, body []byte) error {
	secret := strings.TrimSpace(v.Secret)
	if secret == "" {
		return fmt.Errorf("webhooks: signature secret is required")
	}
	headerName := strings.TrimSpace(v.SignatureHeader)
	if headerName == "" {
		headerName = HeaderSignature
	}
	signature := strings.TrimSpace(headers.Get(headerName))
	if signature == "" {
		return fmt.Errorf("webhooks: %s signature header is required", headerName)
	}
	rawTimestamp := strings.TrimSpace(headers.Get(HeaderTimestamp))
	if rawTimestamp == "" {
		return fmt.Errorf("webhooks: %s header is required", HeaderTimestamp)
	}
	timestamp, err := strconv.ParseInt(rawTimestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("webhooks: invalid %s header: %w", HeaderTimestamp, err)
	}
	if v.Tolerance > 0 {
		now := time.Now()
		if v.Now != nil {
			now = v.Now()
		}
		skew := now.Sub(time.Unix(timestamp, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > v.Tolerance {
			return fmt.Errorf("webhooks: signature timestamp outside tolerance")
		}
	}

	if !strings.HasPrefix(signature, signaturePrefix) {
		return fmt.Errorf("webhooks: unsupported signature scheme")
	}
	decoded, err := hex.DecodeString(strings.TrimPrefix(signature, signaturePrefix))
	if err != nil {
		return fmt.Errorf("webhooks: decode hex signature: %w", err)
	}
	if subtle.ConstantTimeCompare(decoded, signatureMAC(secret, timestamp, body)) != 1 {
		return fmt.Errorf("webhooks: signature verification failed")
	}
	return nil
}

// VerifySignature checks the default relay headers without a freshness window.
func VerifySignature(secret string, headers http.Header, body []byte) error {
	return SignatureVerifier{Secret: secret}.Verify(headers, body)
}
