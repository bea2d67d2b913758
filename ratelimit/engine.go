package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-relay/core"
	"github.com/google/uuid"
)

const keyPrefix = "ratelimit"

type EngineOption func(*Engine)

func WithStatsStore(stats core.StatsStore) EngineOption {
	return func(e *Engine) {
		e.Stats = stats
	}
}

// WithFailOpen admits requests while the counter store is unreachable. The
// default denies them.
func WithFailOpen(enabled bool) EngineOption {
	return func(e *Engine) {
		e.FailOpen = enabled
	}
}

func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.Now = now
	}
}

func WithMemberFunc(fn func() string) EngineOption {
	return func(e *Engine) {
		e.NewMember = fn
	}
}

func WithObserver(observer core.Observer) EngineOption {
	return func(e *Engine) {
		e.Observer = observer
	}
}

type Engine struct {
	Store     core.CounterStore
	Stats     core.StatsStore
	FailOpen  bool
	Now       func() time.Time
	NewMember func() string
	Observer  core.Observer
}

func NewEngine(store core.CounterStore, opts ...EngineOption) *Engine {
	engine := &Engine{
		Store:     store,
		Stats:     NewMemoryStatsStore(),
		Now:       func() time.Time { return time.Now().UTC() },
		NewMember: uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(engine)
		}
	}
	return engine
}

// Evaluate counts one request from clientKey against rule. A non-nil error
// means the decision could not be computed from the store; the returned
// decision then reflects the fail-open or fail-safe policy.
func (e *Engine) Evaluate(ctx context.Context, rule core.RateLimitRule, clientKey string) (core.Decision, error) {
	if e == nil || e.Store == nil {
		return core.Decision{}, fmt.Errorf("ratelimit: engine is not configured")
	}
	startedAt := time.Now()
	rule = rule.Normalize()
	clientKey = normalizeClientKey(clientKey)

	decision, err := e.evaluate(ctx, rule, clientKey)
	if err != nil {
		var rich *goerrors.Error
		isStoreErr := goerrors.As(err, &rich) && rich.TextCode == core.ErrorStoreUnavailable
		if isStoreErr && e.FailOpen {
			e.Observer.Log(ctx, "warn", "rate limit store unavailable, failing open", map[string]any{
				"rule":  rule.Key().String(),
				"error": err.Error(),
			})
			decision = core.Decision{Allowed: true, Limit: rule.Limit}
			err = nil
		}
	}

	e.recordStats(ctx, decision.Allowed)
	outcome := "allowed"
	if !decision.Allowed {
		outcome = "denied"
	}
	e.Observer.Observe(ctx, startedAt, "ratelimit.evaluate", err, map[string]any{
		"rule":     rule.Key().String(),
		"strategy": string(rule.Strategy),
		"outcome":  outcome,
		"count":    decision.CurrentCount,
	})
	return decision, err
}

func (e *Engine) evaluate(ctx context.Context, rule core.RateLimitRule, clientKey string) (core.Decision, error) {
	window := rule.WindowDuration()
	if rule.Limit <= 0 {
		if window <= 0 {
			window = time.Second
		}
		return core.Decision{Allowed: false, Limit: 0, RetryAfter: window, ResetAt: e.now().Add(window)}, nil
	}
	if window <= 0 {
		return denied(rule), core.ConfigurationError("invalid rate limit rule", map[string]string{
			"window": "window must be greater than zero",
		})
	}

	switch rule.Strategy {
	case core.StrategyFixed:
		return e.evaluateFixed(ctx, rule, clientKey, window)
	case core.StrategySliding:
		return e.evaluateSliding(ctx, rule, clientKey, window)
	default:
		return denied(rule), core.ConfigurationError("invalid rate limit rule", map[string]string{
			"strategy": "strategy must be fixed or sliding",
		})
	}
}

// evaluateFixed uses wall-clock aligned windows, so a burst straddling a
// boundary can admit up to 2*limit requests in less than one window.
func (e *Engine) evaluateFixed(ctx context.Context, rule core.RateLimitRule, clientKey string, window time.Duration) (core.Decision, error) {
	now := e.now()
	windowStart := FixedWindowStart(now, rule.Window)
	windowEnd := windowStart.Add(window)
	key := FixedWindowKey(rule.Key(), clientKey, windowStart)

	res, err := e.Store.IncrementAndCheck(ctx, key, window)
	if err != nil {
		return denied(rule), core.StoreUnavailableError(err, "counter")
	}

	decision := core.Decision{
		Allowed:      res.Count <= rule.Limit,
		CurrentCount: res.Count,
		Limit:        rule.Limit,
		Remaining:    remaining(rule.Limit, res.Count),
		ResetAt:      windowEnd,
	}
	if !decision.Allowed {
		retryAfter := windowEnd.Sub(now)
		if res.TTL > 0 && res.TTL < retryAfter {
			retryAfter = res.TTL
		}
		decision.RetryAfter = retryAfter
	}
	return decision, nil
}

func (e *Engine) evaluateSliding(ctx context.Context, rule core.RateLimitRule, clientKey string, window time.Duration) (core.Decision, error) {
	now := e.now()
	key := SlidingWindowKey(rule.Key(), clientKey)

	res, err := e.Store.AddAndCount(ctx, key, now, window, e.member(), rule.Limit)
	if err != nil {
		return denied(rule), core.StoreUnavailableError(err, "counter")
	}

	decision := core.Decision{
		Allowed:      res.Added,
		CurrentCount: res.Count,
		Limit:        rule.Limit,
		Remaining:    remaining(rule.Limit, res.Count),
	}
	if res.OldestAt.IsZero() {
		decision.ResetAt = now.Add(window)
	} else {
		decision.ResetAt = res.OldestAt.Add(window)
	}
	if !decision.Allowed {
		retryAfter := decision.ResetAt.Sub(now)
		if retryAfter > window {
			retryAfter = window
		}
		if retryAfter < 0 {
			retryAfter = 0
		}
		decision.RetryAfter = retryAfter
	}
	return decision, nil
}

func (e *Engine) recordStats(ctx context.Context, allowed bool) {
	if e.Stats == nil {
		return
	}
	if err := e.Stats.Record(ctx, allowed); err != nil {
		e.Observer.Log(ctx, "warn", "rate limit stats record failed", map[string]any{"error": err.Error()})
	}
}

func (e *Engine) now() time.Time {
	if e != nil && e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Engine) member() string {
	if e != nil && e.NewMember != nil {
		return e.NewMember()
	}
	return uuid.NewString()
}

// FixedWindowStart aligns now to the enclosing window boundary counted from
// the unix epoch.
func FixedWindowStart(now time.Time, windowSeconds int64) time.Time {
	if windowSeconds <= 0 {
		return now.UTC()
	}
	unix := now.Unix()
	return time.Unix(unix-unix%windowSeconds, 0).UTC()
}

func FixedWindowKey(rule core.RuleKey, clientKey string, windowStart time.Time) string {
	return fmt.Sprintf("%s:%s:%s:%s:%d", keyPrefix, rule.Method, rule.Path, clientKey, windowStart.Unix())
}

func SlidingWindowKey(rule core.RuleKey, clientKey string) string {
	return fmt.Sprintf("%s:%s:%s:%s", keyPrefix, rule.Method, rule.Path, clientKey)
}

// RateLimitedError is the 429 envelope for a denied decision.
func RateLimitedError(rule core.RateLimitRule, decision core.Decision) *goerrors.Error {
	return goerrors.New("rate limit exceeded", goerrors.CategoryRateLimit).
		WithCode(http.StatusTooManyRequests).
		WithTextCode(core.ErrorRateLimited).
		WithMetadata(map[string]any{
			"rule":                rule.Key().String(),
			"limit":               decision.Limit,
			"current_count":       decision.CurrentCount,
			"retry_after_seconds": decision.RetryAfterSeconds(),
		})
}

func denied(rule core.RateLimitRule) core.Decision {
	return core.Decision{Allowed: false, Limit: rule.Limit}
}

func remaining(limit, count int64) int64 {
	if count >= limit {
		return 0
	}
	return limit - count
}

func normalizeClientKey(clientKey string) string {
	clientKey = strings.TrimSpace(clientKey)
	if clientKey == "" {
		return "anonymous"
	}
	return clientKey
}
