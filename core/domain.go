package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

var (
	ErrInvalidStrategy                 = errors.New("core: invalid rate limit strategy")
	ErrInvalidDeliveryStatusTransition = errors.New("core: invalid delivery status transition")
	ErrRuleNotFound                    = errors.New("core: rate limit rule not found")
	ErrEndpointNotFound                = errors.New("core: webhook endpoint not found")
	ErrEventNotFound                   = errors.New("core: webhook event not found")
	ErrDeliveryNotFound                = errors.New("core: webhook delivery not found")
	ErrDeliveryConflict                = errors.New("core: webhook delivery state changed concurrently")
)

type Strategy string

const (
	StrategyFixed   Strategy = "fixed"
	StrategySliding Strategy = "sliding"
)

// ParseStrategy accepts the canonical names plus the common window aliases.
func ParseStrategy(raw string) (Strategy, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	switch normalized {
	case "", "fixed", "fixed_window":
		return StrategyFixed, nil
	case "sliding", "sliding_window", "sliding_log", "sliding_window_log":
		return StrategySliding, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStrategy, raw)
	}
}

type RuleKey struct {
	Method string
	Path   string
}

func NewRuleKey(method, path string) RuleKey {
	return RuleKey{
		Method: strings.ToUpper(strings.TrimSpace(method)),
		Path:   strings.TrimSpace(path),
	}
}

func (k RuleKey) String() string {
	return k.Method + " " + k.Path
}

// RateLimitRule limits requests for one (method, path) pair. Window is in
// seconds.
type RateLimitRule struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Method    string    `json:"method"`
	Limit     int64     `json:"limit"`
	Window    int64     `json:"window"`
	Strategy  Strategy  `json:"strategy"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (r RateLimitRule) Key() RuleKey {
	return NewRuleKey(r.Method, r.Path)
}

func (r RateLimitRule) WindowDuration() time.Duration {
	return time.Duration(r.Window) * time.Second
}

// Normalize returns a copy with canonical method, path and strategy. An
// unknown strategy is left as-is so Validate can report it.
func (r RateLimitRule) Normalize() RateLimitRule {
	r.Method = strings.ToUpper(strings.TrimSpace(r.Method))
	r.Path = strings.TrimSpace(r.Path)
	if strategy, err := ParseStrategy(string(r.Strategy)); err == nil {
		r.Strategy = strategy
	}
	return r
}

func (r RateLimitRule) Validate() error {
	fields := map[string]string{}
	if r.Method == "" {
		fields["method"] = "method is required"
	}
	if r.Path == "" || !strings.HasPrefix(r.Path, "/") {
		fields["path"] = "path must start with /"
	}
	if r.Limit <= 0 {
		fields["limit"] = "limit must be greater than zero"
	}
	if r.Window <= 0 {
		fields["window"] = "window must be greater than zero"
	}
	if _, err := ParseStrategy(string(r.Strategy)); err != nil {
		fields["strategy"] = "strategy must be fixed or sliding"
	}
	if len(fields) == 0 {
		return nil
	}
	return ConfigurationError("invalid rate limit rule", fields)
}

type Decision struct {
	Allowed      bool          `json:"allowed"`
	CurrentCount int64         `json:"current_count"`
	Limit        int64         `json:"limit"`
	Remaining    int64         `json:"remaining"`
	RetryAfter   time.Duration `json:"retry_after"`
	ResetAt      time.Time     `json:"reset_at"`
}

// RetryAfterSeconds rounds up and never reports less than one second on a
// deny.
func (d Decision) RetryAfterSeconds() int64 {
	if d.Allowed {
		return 0
	}
	seconds := int64(math.Ceil(d.RetryAfter.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}

type Stats struct {
	TotalRequests   int64 `json:"total_requests"`
	BlockedRequests int64 `json:"blocked_requests"`
}

type FixedWindowCount struct {
	Count int64
	TTL   time.Duration
}

type SlidingWindowCount struct {
	Count    int64
	Added    bool
	OldestAt time.Time
}

type Endpoint struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Secret    string    `json:"-"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Event struct {
	ID         string          `json:"id"`
	EndpointID string          `json:"endpoint_id"`
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
}

type DeliveryStatus string

const (
	DeliveryStatusPending DeliveryStatus = "pending"
	DeliveryStatusSuccess DeliveryStatus = "success"
	DeliveryStatusFailed  DeliveryStatus = "failed"
	DeliveryStatusDead    DeliveryStatus = "dead"
)

func (s DeliveryStatus) Valid() bool {
	switch s {
	case DeliveryStatusPending, DeliveryStatusSuccess, DeliveryStatusFailed, DeliveryStatusDead:
		return true
	default:
		return false
	}
}

func (s DeliveryStatus) Terminal() bool {
	return s == DeliveryStatusSuccess || s == DeliveryStatusDead
}

type Delivery struct {
	ID             string         `json:"id"`
	EndpointID     string         `json:"endpoint_id"`
	EventID        string         `json:"event_id"`
	AttemptCount   int            `json:"attempt_count"`
	MaxRetries     int            `json:"max_retries"`
	Status         DeliveryStatus `json:"status"`
	LastError      string         `json:"last_error,omitempty"`
	LastStatusCode int            `json:"last_status_code,omitempty"`
	NextAttemptAt  *time.Time     `json:"next_attempt_at,omitempty"`
	DeliveredAt    *time.Time     `json:"delivered_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// CanTransition reports whether next is reachable from current. Leaving dead
// is only legal through an operator retry, which passes manual=true.
func CanTransition(current, next DeliveryStatus, manual bool) bool {
	switch current {
	case DeliveryStatusPending, DeliveryStatusFailed:
		switch next {
		case DeliveryStatusSuccess, DeliveryStatusFailed, DeliveryStatusDead:
			return true
		case DeliveryStatusPending:
			return manual && current == DeliveryStatusFailed
		}
	case DeliveryStatusDead:
		return manual && next == DeliveryStatusPending
	}
	return false
}

func (d *Delivery) TransitionTo(status DeliveryStatus, manual bool, now time.Time) error {
	if d == nil {
		return fmt.Errorf("core: delivery is required")
	}
	if !CanTransition(d.Status, status, manual) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidDeliveryStatusTransition, d.Status, status)
	}
	d.Status = status
	d.UpdatedAt = now
	return nil
}

// DeliveryTransition is a compare-and-set update: it applies only while the
// stored status is one of From and, when FromAttemptCount is set, while the
// stored attempt count still equals it.
type DeliveryTransition struct {
	ID               string
	From             []DeliveryStatus
	FromAttemptCount *int
	To               DeliveryStatus
	AttemptCount     int
	LastError        string
	LastStatusCode   int
	NextAttemptAt    *time.Time
	DeliveredAt      *time.Time
	UpdatedAt        time.Time
}

type DeliveryFilter struct {
	EndpointID string
	Status     DeliveryStatus
	DueBefore  *time.Time
	Limit      int
	Offset     int
}

// Job is the queue entry for a delivery. Claims counts how many times the job
// was handed to a worker.
type Job struct {
	DeliveryID   string
	EndpointID   string
	AvailableAt  time.Time
	ClaimedUntil time.Time
	Claims       int
}
