package webhooks

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-relay/core"
)

const (
	defaultSendTimeout = 10 * time.Second
	maxDrainBytes      = 64 << 10
)

// HTTPSender posts event payloads to endpoints and signs them with the
// endpoint secret.
type HTTPSender struct {
	Client          *http.Client
	SignatureHeader string
	UserAgent       string
	Now             func() time.Time
}

func NewHTTPSender(client *http.Client) *HTTPSender {
	if client == nil {
		client = &http.Client{Timeout: defaultSendTimeout}
	}
	return &HTTPSender{
		Client:          client,
		SignatureHeader: HeaderSignature,
		UserAgent:       "go-relay",
		Now:             func() time.Time { return time.Now().UTC() },
	}
}

func (s *HTTPSender) Send(ctx context.Context, req core.SendRequest) (core.SendResult, error) {
	if s == nil {
		return core.SendResult{}, fmt.Errorf("webhooks: sender is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	target := strings.TrimSpace(req.Endpoint.URL)
	if target == "" {
		return core.SendResult{}, fmt.Errorf("webhooks: endpoint url is required")
	}

	body := []byte(req.Event.Payload)
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}
	now := s.now()
	timestamp := now.Unix()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return core.SendResult{}, &core.DeliveryError{EndpointID: req.Endpoint.ID, Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.UserAgent != "" {
		httpReq.Header.Set("User-Agent", s.UserAgent)
	}
	httpReq.Header.Set(HeaderEvent, req.Event.EventType)
	httpReq.Header.Set(HeaderDelivery, req.Delivery.ID)
	httpReq.Header.Set(HeaderTimestamp, strconv.FormatInt(timestamp, 10))
	if secret := strings.TrimSpace(req.Endpoint.Secret); secret != "" {
		httpReq.Header.Set(s.signatureHeader(), Sign(secret, timestamp, body))
	}

	started := time.Now()
	resp, err := s.client().Do(httpReq)
	elapsed := time.Since(started)
	if err != nil {
		return core.SendResult{Duration: elapsed}, &core.DeliveryError{EndpointID: req.Endpoint.ID, Cause: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

	result := core.SendResult{StatusCode: resp.StatusCode, Duration: elapsed}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return result, nil
	}
	deliveryErr := &core.DeliveryError{EndpointID: req.Endpoint.ID, StatusCode: resp.StatusCode}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		if retryAfter, ok := parseRetryAfter(resp.Header.Get("Retry-After"), now); ok {
			deliveryErr.RetryAfter = retryAfter
		}
	}
	return result, deliveryErr
}

func (s *HTTPSender) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return http.DefaultClient
}

func (s *HTTPSender) signatureHeader() string {
	if header := strings.TrimSpace(s.SignatureHeader); header != "" {
		return header
	}
	return HeaderSignature
}

func (s *HTTPSender) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// parseRetryAfter accepts delta seconds or an HTTP date.
func parseRetryAfter(raw string, now time.Time) (time.Duration, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds <= 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if retryAt, err := http.ParseTime(raw); err == nil {
		if retryAt.After(now) {
			return retryAt.Sub(now), true
		}
	}
	return 0, false
}

var _ core.DeliverySender = (*HTTPSender)(nil)
