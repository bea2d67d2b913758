package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type CounterStore interface {
	IncrementAndCheck(ctx context.Context, key string, window time.Duration) (FixedWindowCount, error)
	AddAndCount(ctx context.Context, key string, now time.Time, window time.Duration, member string, limit int64) (SlidingWindowCount, error)
}

// CounterSweeper is implemented by counter stores that need expired keys
// removed. Sliding entries older than maxWindow are dropped; a zero maxWindow
// leaves sliding logs alone.
type CounterSweeper interface {
	Sweep(ctx context.Context, maxWindow time.Duration) (int64, error)
}

type RuleStore interface {
	Upsert(ctx context.Context, rule RateLimitRule) (RateLimitRule, error)
	Get(ctx context.Context, key RuleKey) (RateLimitRule, error)
	List(ctx context.Context) ([]RateLimitRule, error)
	Delete(ctx context.Context, key RuleKey) error
}

type StatsStore interface {
	Record(ctx context.Context, allowed bool) error
	Snapshot(ctx context.Context) (Stats, error)
}

type EndpointStore interface {
	Create(ctx context.Context, endpoint Endpoint) (Endpoint, error)
	Get(ctx context.Context, id string) (Endpoint, error)
	List(ctx context.Context) ([]Endpoint, error)
	SetActive(ctx context.Context, id string, active bool) (Endpoint, error)
}

type EventStore interface {
	Create(ctx context.Context, event Event) (Event, error)
	Get(ctx context.Context, id string) (Event, error)
}

type DeliveryStore interface {
	Create(ctx context.Context, delivery Delivery) (Delivery, error)
	Get(ctx context.Context, id string) (Delivery, error)
	List(ctx context.Context, filter DeliveryFilter) ([]Delivery, error)
	// Transition returns ErrDeliveryConflict when the stored status is not in
	// transition.From or the stored attempt count moved past
	// transition.FromAttemptCount.
	Transition(ctx context.Context, transition DeliveryTransition) (Delivery, error)
}

// JobQueue holds one job per delivery. Pop hides a claimed job for the
// queue's visibility timeout; an unacknowledged job becomes visible again
// afterwards.
type JobQueue interface {
	Push(ctx context.Context, job Job) error
	Pop(ctx context.Context, wait time.Duration) (Job, bool, error)
	Ack(ctx context.Context, deliveryID string) error
	Release(ctx context.Context, deliveryID string, availableAt time.Time) error
}

// JobLookup is implemented by queues that can report whether a delivery
// still has a job.
type JobLookup interface {
	HasJob(ctx context.Context, deliveryID string) (bool, error)
}

type SendRequest struct {
	Endpoint Endpoint
	Event    Event
	Delivery Delivery
}

type SendResult struct {
	StatusCode int
	Duration   time.Duration
}

type DeliverySender interface {
	Send(ctx context.Context, req SendRequest) (SendResult, error)
}

type BackoffPolicy interface {
	Delay(attempt int) time.Duration
}

type DeliveryHook interface {
	OnStart(ctx context.Context, event DeliveryHookEvent)
	OnSuccess(ctx context.Context, event DeliveryHookEvent)
	OnFailure(ctx context.Context, event DeliveryHookEvent)
	OnRetry(ctx context.Context, event DeliveryHookEvent)
}

type DeliveryHookEvent struct {
	Delivery  Delivery
	Attempt   int
	Delay     time.Duration
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}

// SecretCipher seals endpoint signing secrets before they reach storage.
type SecretCipher interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger
