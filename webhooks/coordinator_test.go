package webhooks

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goliatone/go-relay/core"
)

func TestCoordinator_MaxRetriesMovesToDead(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	endpoint := f.endpoint(t, "https://example.test/hook")
	delivery := f.enqueue(t, endpoint.ID)

	cause := &core.DeliveryError{EndpointID: endpoint.ID, StatusCode: http.StatusInternalServerError}
	for attempt := 1; attempt <= 3; attempt++ {
		f.claim(t)
		updated, err := f.service.Fail(ctx, delivery.ID, cause)
		if err != nil {
			t.Fatalf("attempt %d: fail: %v", attempt, err)
		}
		if updated.AttemptCount != attempt {
			t.Fatalf("attempt %d: expected attempt_count %d, got %d", attempt, attempt, updated.AttemptCount)
		}
		if attempt < 3 {
			if updated.Status != core.DeliveryStatusFailed || updated.NextAttemptAt == nil {
				t.Fatalf("attempt %d: expected failed with a schedule, got %+v", attempt, updated)
			}
			if _, ok, _ := f.queue.Pop(ctx, 0); ok {
				t.Fatalf("attempt %d: job must wait for its backoff", attempt)
			}
			f.clock.Advance(updated.NextAttemptAt.Sub(f.clock.Now()))
			continue
		}
		if updated.Status != core.DeliveryStatusDead {
			t.Fatalf("expected dead after max retries, got %s", updated.Status)
		}
		if updated.LastStatusCode != http.StatusInternalServerError {
			t.Fatalf("expected last status code to be kept, got %d", updated.LastStatusCode)
		}
	}
	if f.queue.Len() != 0 {
		t.Fatalf("dead delivery must not keep a job")
	}

	again, err := f.service.Fail(ctx, delivery.ID, cause)
	if err != nil {
		t.Fatalf("fail on dead delivery: %v", err)
	}
	if again.Status != core.DeliveryStatusDead || again.AttemptCount != 3 {
		t.Fatalf("failure on dead delivery must be a no-op, got %+v", again)
	}
}

func TestCoordinator_BackoffSchedule(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)
	endpoint := f.endpoint(t, "https://example.test/hook")
	delivery := f.enqueue(t, endpoint.ID)

	for attempt, expected := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		f.claim(t)
		updated, err := f.service.Fail(ctx, delivery.ID, errors.New("connection reset"))
		if err != nil {
			t.Fatalf("fail: %v", err)
		}
		if got := updated.NextAttemptAt.Sub(f.clock.Now()); got != expected {
			t.Fatalf("attempt %d: expected delay %s, got %s", attempt+1, expected, got)
		}
		f.clock.Advance(expected)
	}
}

func TestCoordinator_SucceedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	endpoint := f.endpoint(t, "https://example.test/hook")
	delivery := f.enqueue(t, endpoint.ID)
	f.claim(t)

	first, err := f.service.Ack(ctx, delivery.ID)
	if err != nil {
		t.Fatalf("ack: %v", err)
	}
	if first.Status != core.DeliveryStatusSuccess || first.AttemptCount != 1 || first.DeliveredAt == nil {
		t.Fatalf("unexpected delivery after ack: %+v", first)
	}
	second, err := f.service.Ack(ctx, delivery.ID)
	if err != nil {
		t.Fatalf("second ack must be a no-op, got %v", err)
	}
	if second.AttemptCount != 1 {
		t.Fatalf("second ack must not count another attempt, got %d", second.AttemptCount)
	}
	if f.queue.Len() != 0 {
		t.Fatalf("acked delivery must not keep a job")
	}

	failed, err := f.service.Fail(ctx, delivery.ID, errors.New("late failure"))
	if err != nil || failed.Status != core.DeliveryStatusSuccess {
		t.Fatalf("failure after success must be ignored, got %+v err=%v", failed, err)
	}
}

func TestCoordinator_PermanentClientErrorGoesDead(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)
	f.service.Coordinator.Classifier = RetryClassifier{PermanentClientErrors: true}
	endpoint := f.endpoint(t, "https://example.test/hook")
	delivery := f.enqueue(t, endpoint.ID)
	f.claim(t)

	updated, err := f.service.Fail(ctx, delivery.ID, &core.DeliveryError{StatusCode: http.StatusNotFound})
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if updated.Status != core.DeliveryStatusDead || updated.AttemptCount != 1 {
		t.Fatalf("expected dead after a permanent failure, got %+v", updated)
	}
}

func TestCoordinator_RetryAfterRaisesDelay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)
	endpoint := f.endpoint(t, "https://example.test/hook")
	delivery := f.enqueue(t, endpoint.ID)
	f.claim(t)

	updated, err := f.service.Fail(ctx, delivery.ID, &core.DeliveryError{
		StatusCode: http.StatusTooManyRequests,
		RetryAfter: 30 * time.Second,
	})
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if got := updated.NextAttemptAt.Sub(f.clock.Now()); got != 30*time.Second {
		t.Fatalf("expected Retry-After to win, got %s", got)
	}

	f.clock.Advance(30 * time.Second)
	f.claim(t)
	updated, err = f.service.Fail(ctx, delivery.ID, &core.DeliveryError{
		StatusCode: http.StatusServiceUnavailable,
		RetryAfter: time.Hour,
	})
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if got := updated.NextAttemptAt.Sub(f.clock.Now()); got != time.Minute {
		t.Fatalf("expected Retry-After capped at max delay, got %s", got)
	}
}

func TestCoordinator_ManualRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	endpoint := f.endpoint(t, "https://example.test/hook")
	delivery := f.enqueue(t, endpoint.ID)
	f.claim(t)

	dead, err := f.service.Fail(ctx, delivery.ID, errors.New("down"))
	if err != nil || dead.Status != core.DeliveryStatusDead {
		t.Fatalf("expected dead, got %+v err=%v", dead, err)
	}

	retried, err := f.service.Retry(ctx, delivery.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.Status != core.DeliveryStatusPending || retried.AttemptCount != 0 || retried.NextAttemptAt != nil {
		t.Fatalf("unexpected delivery after retry: %+v", retried)
	}
	job := f.claim(t)
	if job.Delivery.ID != delivery.ID {
		t.Fatalf("expected retried delivery to be claimable, got %s", job.Delivery.ID)
	}

	_, err = f.service.Retry(ctx, delivery.ID)
	if code := errorCode(err); code != http.StatusConflict {
		t.Fatalf("expected 409 for a pending delivery, got %d (%v)", code, err)
	}
	_, err = f.service.Retry(ctx, "missing")
	if code := errorCode(err); code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown delivery, got %d (%v)", code, err)
	}
}

func TestCoordinator_RetryRejectsSuccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	endpoint := f.endpoint(t, "https://example.test/hook")
	delivery := f.enqueue(t, endpoint.ID)
	f.claim(t)
	if _, err := f.service.Ack(ctx, delivery.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	_, err := f.service.Retry(ctx, delivery.ID)
	if code := errorCode(err); code != http.StatusConflict {
		t.Fatalf("expected 409 for a delivered webhook, got %d (%v)", code, err)
	}
}

// rendezvousDeliveries holds the first n reads until all n have arrived, so
// concurrent callers act on the same snapshot.
type rendezvousDeliveries struct {
	core.DeliveryStore
	waiting atomic.Int32
	gate    sync.WaitGroup
}

func newRendezvousDeliveries(store core.DeliveryStore, n int) *rendezvousDeliveries {
	r := &rendezvousDeliveries{DeliveryStore: store}
	r.waiting.Store(int32(n))
	r.gate.Add(n)
	return r
}

func (r *rendezvousDeliveries) Get(ctx context.Context, id string) (core.Delivery, error) {
	delivery, err := r.DeliveryStore.Get(ctx, id)
	if r.waiting.Add(-1) >= 0 {
		r.gate.Done()
		r.gate.Wait()
	}
	return delivery, err
}

func TestCoordinator_ConcurrentFailuresEachCountAnAttempt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)
	endpoint := f.endpoint(t, "https://example.test/hook")
	delivery := f.enqueue(t, endpoint.ID)
	f.claim(t)
	if _, err := f.service.Fail(ctx, delivery.ID, errors.New("timeout")); err != nil {
		t.Fatalf("first failure: %v", err)
	}

	coordinator := f.service.Coordinator
	coordinator.Deliveries = newRendezvousDeliveries(f.store.DeliveryStore(), 2)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = coordinator.Fail(ctx, delivery.ID, errors.New("timeout"))
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("worker %d: %v", i, err)
		}
	}

	stored, err := f.store.DeliveryStore().Get(ctx, delivery.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.AttemptCount != 3 || stored.Status != core.DeliveryStatusFailed {
		t.Fatalf("expected three recorded attempts, got %s at %d", stored.Status, stored.AttemptCount)
	}
}

func TestCoordinator_ConcurrentFailuresStopAtMaxRetries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	endpoint := f.endpoint(t, "https://example.test/hook")
	delivery := f.enqueue(t, endpoint.ID)
	f.claim(t)
	if _, err := f.service.Fail(ctx, delivery.ID, errors.New("timeout")); err != nil {
		t.Fatalf("first failure: %v", err)
	}

	coordinator := f.service.Coordinator
	coordinator.Deliveries = newRendezvousDeliveries(f.store.DeliveryStore(), 2)

	var wg sync.WaitGroup
	results := make([]core.Delivery, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = coordinator.Fail(ctx, delivery.ID, errors.New("timeout"))
		}(i)
	}
	wg.Wait()

	stored, err := f.store.DeliveryStore().Get(ctx, delivery.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != core.DeliveryStatusDead || stored.AttemptCount != 2 {
		t.Fatalf("expected dead at the retry cap, got %s at %d", stored.Status, stored.AttemptCount)
	}
	for i, result := range results {
		if result.Status != core.DeliveryStatusDead {
			t.Fatalf("worker %d: expected dead, got %s", i, result.Status)
		}
	}
}

func TestMemoryDeliveries_TransitionChecksAttemptCount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)
	endpoint := f.endpoint(t, "https://example.test/hook")
	delivery := f.enqueue(t, endpoint.ID)

	stale := delivery.AttemptCount + 1
	_, err := f.store.DeliveryStore().Transition(ctx, core.DeliveryTransition{
		ID:               delivery.ID,
		From:             []core.DeliveryStatus{delivery.Status},
		FromAttemptCount: &stale,
		To:               core.DeliveryStatusFailed,
		AttemptCount:     stale + 1,
	})
	if !errors.Is(err, core.ErrDeliveryConflict) {
		t.Fatalf("expected conflict on a stale attempt count, got %v", err)
	}
}
