// Package queue holds in-process JobQueue implementations.
package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-relay/core"
)

const DefaultVisibilityTimeout = 30 * time.Second

type memoryJob struct {
	job     core.Job
	claimed bool
	seq     uint64
}

// MemoryQueue keeps one job per delivery id. It is safe for concurrent use
// but does not survive a restart.
type MemoryQueue struct {
	VisibilityTimeout time.Duration
	Now               func() time.Time

	mu     sync.Mutex
	jobs   map[string]*memoryJob
	seq    uint64
	signal chan struct{}
}

func NewMemoryQueue(visibility time.Duration) *MemoryQueue {
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	return &MemoryQueue{
		VisibilityTimeout: visibility,
		Now:               func() time.Time { return time.Now().UTC() },
		jobs:              map[string]*memoryJob{},
		signal:            make(chan struct{}),
	}
}

func (q *MemoryQueue) Push(ctx context.Context, job core.Job) error {
	if err := q.ready(ctx); err != nil {
		return err
	}
	job.DeliveryID = strings.TrimSpace(job.DeliveryID)
	if job.DeliveryID == "" {
		return fmt.Errorf("queue: delivery id is required")
	}
	now := q.now()
	if job.AvailableAt.IsZero() {
		job.AvailableAt = now
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if existing, ok := q.jobs[job.DeliveryID]; ok {
		if existing.claimed && existing.job.ClaimedUntil.After(now) {
			return nil
		}
		existing.claimed = false
		existing.job.AvailableAt = job.AvailableAt
		existing.job.ClaimedUntil = time.Time{}
		if job.EndpointID != "" {
			existing.job.EndpointID = job.EndpointID
		}
		q.broadcastLocked()
		return nil
	}
	q.seq++
	job.ClaimedUntil = time.Time{}
	q.jobs[job.DeliveryID] = &memoryJob{job: job, seq: q.seq}
	q.broadcastLocked()
	return nil
}

// Pop claims the next visible job, waiting up to wait for one to appear.
func (q *MemoryQueue) Pop(ctx context.Context, wait time.Duration) (core.Job, bool, error) {
	if err := q.ready(ctx); err != nil {
		return core.Job{}, false, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var deadline <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		q.mu.Lock()
		job, ok, nextAt := q.claimLocked(q.now())
		signal := q.signal
		q.mu.Unlock()
		if ok {
			return job, true, nil
		}
		if wait <= 0 {
			return core.Job{}, false, nil
		}

		var wake <-chan time.Time
		var wakeTimer *time.Timer
		if !nextAt.IsZero() {
			if delay := nextAt.Sub(q.now()); delay > 0 {
				wakeTimer = time.NewTimer(delay)
				wake = wakeTimer.C
			}
		}
		select {
		case <-ctx.Done():
			stopTimer(wakeTimer)
			return core.Job{}, false, ctx.Err()
		case <-deadline:
			stopTimer(wakeTimer)
			q.mu.Lock()
			job, ok, _ := q.claimLocked(q.now())
			q.mu.Unlock()
			return job, ok, nil
		case <-signal:
		case <-wake:
		}
		stopTimer(wakeTimer)
	}
}

func (q *MemoryQueue) Ack(ctx context.Context, deliveryID string) error {
	if err := q.ready(ctx); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.jobs, strings.TrimSpace(deliveryID))
	return nil
}

func (q *MemoryQueue) Release(ctx context.Context, deliveryID string, availableAt time.Time) error {
	if err := q.ready(ctx); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	existing, ok := q.jobs[strings.TrimSpace(deliveryID)]
	if !ok {
		return nil
	}
	if availableAt.IsZero() {
		availableAt = q.now()
	}
	existing.claimed = false
	existing.job.ClaimedUntil = time.Time{}
	existing.job.AvailableAt = availableAt
	q.broadcastLocked()
	return nil
}

func (q *MemoryQueue) HasJob(ctx context.Context, deliveryID string) (bool, error) {
	if err := q.ready(ctx); err != nil {
		return false, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.jobs[strings.TrimSpace(deliveryID)]
	return ok, nil
}

func (q *MemoryQueue) Len() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// claimLocked returns the visible job with the earliest availability. When
// nothing is visible it reports when the next job becomes visible.
func (q *MemoryQueue) claimLocked(now time.Time) (core.Job, bool, time.Time) {
	var best *memoryJob
	var nextAt time.Time
	for _, candidate := range q.jobs {
		visibleAt := candidate.job.AvailableAt
		if candidate.claimed {
			visibleAt = candidate.job.ClaimedUntil
		}
		if visibleAt.After(now) {
			if nextAt.IsZero() || visibleAt.Before(nextAt) {
				nextAt = visibleAt
			}
			continue
		}
		if best == nil || earlier(candidate, best) {
			best = candidate
		}
	}
	if best == nil {
		return core.Job{}, false, nextAt
	}
	best.claimed = true
	best.job.ClaimedUntil = now.Add(q.visibility())
	best.job.Claims++
	return best.job, true, time.Time{}
}

func stopTimer(timer *time.Timer) {
	if timer != nil {
		timer.Stop()
	}
}

func earlier(a, b *memoryJob) bool {
	if !a.job.AvailableAt.Equal(b.job.AvailableAt) {
		return a.job.AvailableAt.Before(b.job.AvailableAt)
	}
	return a.seq < b.seq
}

func (q *MemoryQueue) broadcastLocked() {
	close(q.signal)
	q.signal = make(chan struct{})
}

func (q *MemoryQueue) ready(ctx context.Context) error {
	if q == nil || q.jobs == nil {
		return fmt.Errorf("queue: memory queue is not configured")
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

func (q *MemoryQueue) visibility() time.Duration {
	if q.VisibilityTimeout > 0 {
		return q.VisibilityTimeout
	}
	return DefaultVisibilityTimeout
}

func (q *MemoryQueue) now() time.Time {
	if q.Now != nil {
		return q.Now().UTC()
	}
	return time.Now().UTC()
}

var (
	_ core.JobQueue  = (*MemoryQueue)(nil)
	_ core.JobLookup = (*MemoryQueue)(nil)
)
