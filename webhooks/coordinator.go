package webhooks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-relay/core"
)

const DefaultMaxRetries = 5

// transitionAttempts bounds how often a worker re-reads a delivery that a
// concurrent claim changed underneath it.
const transitionAttempts = 3

// Coordinator owns the delivery state machine. Every status change goes
// through a compare-and-set on status and attempt count, so two claims of
// the same job cannot record the same attempt twice.
type Coordinator struct {
	Deliveries core.DeliveryStore
	Queue      core.JobQueue
	Backoff    core.BackoffPolicy
	Classifier RetryClassifier
	MaxRetries int
	// MaxDelay caps a Retry-After hint from the endpoint.
	MaxDelay time.Duration
	Now      func() time.Time
	Observer core.Observer
}

func NewCoordinator(deliveries core.DeliveryStore, jobs core.JobQueue, backoff core.BackoffPolicy) *Coordinator {
	return &Coordinator{
		Deliveries: deliveries,
		Queue:      jobs,
		Backoff:    backoff,
		MaxRetries: DefaultMaxRetries,
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

func (c *Coordinator) Succeed(ctx context.Context, deliveryID string) (core.Delivery, error) {
	if err := c.ready(); err != nil {
		return core.Delivery{}, err
	}
	startedAt := time.Now()
	delivery, err := c.succeed(ctx, deliveryID)
	c.Observer.Observe(ctx, startedAt, "delivery.succeed", err, map[string]any{
		"delivery_id": deliveryID,
		"endpoint_id": delivery.EndpointID,
		"outcome":     string(delivery.Status),
	})
	return delivery, err
}

func (c *Coordinator) succeed(ctx context.Context, deliveryID string) (core.Delivery, error) {
	var delivery core.Delivery
	for range transitionAttempts {
		current, done, err := c.succeedOnce(ctx, deliveryID)
		if done || err != nil {
			return current, err
		}
		delivery = current
	}
	return delivery, c.contended(delivery)
}

// succeedOnce reports done=false when a concurrent writer moved the delivery
// between the read and the compare-and-set.
func (c *Coordinator) succeedOnce(ctx context.Context, deliveryID string) (core.Delivery, bool, error) {
	delivery, err := c.load(ctx, deliveryID)
	if err != nil {
		return core.Delivery{}, true, err
	}
	switch delivery.Status {
	case core.DeliveryStatusSuccess:
		return delivery, true, c.Queue.Ack(ctx, delivery.ID)
	case core.DeliveryStatusDead:
		return delivery, true, core.ConflictError("delivery is already dead", map[string]any{
			"delivery_id": delivery.ID,
			"status":      string(delivery.Status),
		})
	}

	now := c.now()
	next := delivery
	if err := next.TransitionTo(core.DeliveryStatusSuccess, false, now); err != nil {
		return delivery, true, err
	}
	updated, err := c.Deliveries.Transition(ctx, core.DeliveryTransition{
		ID:               delivery.ID,
		From:             []core.DeliveryStatus{delivery.Status},
		FromAttemptCount: &delivery.AttemptCount,
		To:               core.DeliveryStatusSuccess,
		AttemptCount:     c.nextAttempt(delivery),
		LastStatusCode:   delivery.LastStatusCode,
		DeliveredAt:      &now,
		UpdatedAt:        now,
	})
	if errors.Is(err, core.ErrDeliveryConflict) {
		return delivery, false, nil
	}
	if err != nil {
		return delivery, true, core.StoreUnavailableError(err, "delivery")
	}
	if err := c.Queue.Ack(ctx, updated.ID); err != nil {
		return updated, true, core.StoreUnavailableError(err, "queue")
	}
	return updated, true, nil
}

// Fail records a failed attempt. The delivery is either rescheduled as failed
// or moved to dead once the retry budget is spent or the failure is
// permanent. Failures reported on a terminal delivery are ignored.
func (c *Coordinator) Fail(ctx context.Context, deliveryID string, cause error) (core.Delivery, error) {
	if err := c.ready(); err != nil {
		return core.Delivery{}, err
	}
	startedAt := time.Now()
	delivery, err := c.fail(ctx, deliveryID, cause)
	c.Observer.Observe(ctx, startedAt, "delivery.fail", err, map[string]any{
		"delivery_id":   deliveryID,
		"endpoint_id":   delivery.EndpointID,
		"attempt_count": delivery.AttemptCount,
		"outcome":       string(delivery.Status),
	})
	return delivery, err
}

func (c *Coordinator) fail(ctx context.Context, deliveryID string, cause error) (core.Delivery, error) {
	var delivery core.Delivery
	for range transitionAttempts {
		current, done, err := c.failOnce(ctx, deliveryID, cause)
		if done || err != nil {
			return current, err
		}
		delivery = current
	}
	return delivery, c.contended(delivery)
}

// failOnce records the attempt against the attempt count it read. When two
// claims of the same job fail together the loser re-reads and records its
// attempt on top, so every HTTP attempt counts toward the budget.
func (c *Coordinator) failOnce(ctx context.Context, deliveryID string, cause error) (core.Delivery, bool, error) {
	delivery, err := c.load(ctx, deliveryID)
	if err != nil {
		return core.Delivery{}, true, err
	}
	if delivery.Status.Terminal() {
		return delivery, true, c.Queue.Ack(ctx, delivery.ID)
	}

	now := c.now()
	attempt := c.nextAttempt(delivery)
	maxRetries := c.maxRetries(delivery)
	transition := core.DeliveryTransition{
		ID:               delivery.ID,
		From:             []core.DeliveryStatus{delivery.Status},
		FromAttemptCount: &delivery.AttemptCount,
		AttemptCount:     attempt,
		LastError:        errorText(cause),
		LastStatusCode:   statusCode(cause),
		UpdatedAt:        now,
	}

	dead := !c.Classifier.Retryable(cause) || attempt >= maxRetries
	var retryAt time.Time
	if dead {
		transition.To = core.DeliveryStatusDead
	} else {
		retryAt = now.Add(c.retryDelay(attempt, cause))
		transition.To = core.DeliveryStatusFailed
		transition.NextAttemptAt = &retryAt
	}
	next := delivery
	if err := next.TransitionTo(transition.To, false, now); err != nil {
		return delivery, true, err
	}

	updated, err := c.Deliveries.Transition(ctx, transition)
	if errors.Is(err, core.ErrDeliveryConflict) {
		return delivery, false, nil
	}
	if err != nil {
		return delivery, true, core.StoreUnavailableError(err, "delivery")
	}

	if dead {
		if err := c.Queue.Ack(ctx, updated.ID); err != nil {
			return updated, true, core.StoreUnavailableError(err, "queue")
		}
		c.Observer.Count(ctx, "delivery.dead_letter", 1, map[string]string{"endpoint_id": updated.EndpointID})
		c.Observer.Log(ctx, "warn", "webhook delivery moved to dead letter", map[string]any{
			"delivery_id":   updated.ID,
			"endpoint_id":   updated.EndpointID,
			"attempt_count": updated.AttemptCount,
			"last_error":    updated.LastError,
			"error":         core.DeadLetterError(updated.ID, updated.AttemptCount).Error(),
		})
		return updated, true, nil
	}
	if err := c.Queue.Release(ctx, updated.ID, retryAt); err != nil {
		return updated, true, core.StoreUnavailableError(err, "queue")
	}
	return updated, true, nil
}

// Retry is the operator path out of dead or failed. The attempt budget starts
// over and the job is ready immediately.
func (c *Coordinator) Retry(ctx context.Context, deliveryID string) (core.Delivery, error) {
	if err := c.ready(); err != nil {
		return core.Delivery{}, err
	}
	startedAt := time.Now()
	delivery, err := c.retry(ctx, deliveryID)
	c.Observer.Observe(ctx, startedAt, "delivery.retry", err, map[string]any{
		"delivery_id": deliveryID,
		"endpoint_id": delivery.EndpointID,
	})
	return delivery, err
}

func (c *Coordinator) retry(ctx context.Context, deliveryID string) (core.Delivery, error) {
	delivery, err := c.load(ctx, deliveryID)
	if err != nil {
		return core.Delivery{}, err
	}
	now := c.now()
	next := delivery
	if err := next.TransitionTo(core.DeliveryStatusPending, true, now); err != nil {
		return delivery, core.ConflictError("delivery can only be retried when dead or failed", map[string]any{
			"delivery_id": delivery.ID,
			"status":      string(delivery.Status),
		})
	}

	updated, err := c.Deliveries.Transition(ctx, core.DeliveryTransition{
		ID:               delivery.ID,
		From:             []core.DeliveryStatus{core.DeliveryStatusDead, core.DeliveryStatusFailed},
		FromAttemptCount: &delivery.AttemptCount,
		To:               core.DeliveryStatusPending,
		AttemptCount:     0,
		LastError:        delivery.LastError,
		LastStatusCode:   delivery.LastStatusCode,
		UpdatedAt:        now,
	})
	if err != nil {
		if errors.Is(err, core.ErrDeliveryConflict) {
			return delivery, core.MapError(err)
		}
		return delivery, core.StoreUnavailableError(err, "delivery")
	}
	if err := c.Queue.Push(ctx, core.Job{DeliveryID: updated.ID, EndpointID: updated.EndpointID, AvailableAt: now}); err != nil {
		return updated, core.StoreUnavailableError(err, "queue")
	}
	return updated, nil
}

func (c *Coordinator) contended(delivery core.Delivery) error {
	return core.ConflictError("delivery kept changing concurrently", map[string]any{
		"delivery_id":   delivery.ID,
		"status":        string(delivery.Status),
		"attempt_count": delivery.AttemptCount,
	})
}

func (c *Coordinator) load(ctx context.Context, deliveryID string) (core.Delivery, error) {
	deliveryID = strings.TrimSpace(deliveryID)
	if deliveryID == "" {
		return core.Delivery{}, core.BadInputError("delivery id is required")
	}
	delivery, err := c.Deliveries.Get(ctx, deliveryID)
	if err != nil {
		if errors.Is(err, core.ErrDeliveryNotFound) {
			return core.Delivery{}, core.NotFoundError(err, "webhook delivery", deliveryID)
		}
		return core.Delivery{}, core.StoreUnavailableError(err, "delivery")
	}
	return delivery, nil
}

func (c *Coordinator) retryDelay(attempt int, cause error) time.Duration {
	delay := c.backoff().Delay(attempt)
	var deliveryErr *core.DeliveryError
	if errors.As(cause, &deliveryErr) && deliveryErr.RetryAfter > delay {
		delay = deliveryErr.RetryAfter
		if maximum := c.maxDelay(); delay > maximum {
			delay = maximum
		}
	}
	return delay
}

func (c *Coordinator) nextAttempt(delivery core.Delivery) int {
	attempt := delivery.AttemptCount + 1
	if maximum := c.maxRetries(delivery); attempt > maximum {
		attempt = maximum
	}
	return attempt
}

func (c *Coordinator) maxRetries(delivery core.Delivery) int {
	if delivery.MaxRetries > 0 {
		return delivery.MaxRetries
	}
	if c.MaxRetries > 0 {
		return c.MaxRetries
	}
	return DefaultMaxRetries
}

func (c *Coordinator) maxDelay() time.Duration {
	if c.MaxDelay > 0 {
		return c.MaxDelay
	}
	if backoff, ok := c.Backoff.(ExponentialBackoff); ok && backoff.Max > 0 {
		return backoff.Max
	}
	return defaultMaxDelay
}

func (c *Coordinator) backoff() core.BackoffPolicy {
	if c.Backoff != nil {
		return c.Backoff
	}
	return ExponentialBackoff{}
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

func (c *Coordinator) ready() error {
	if c == nil {
		return fmt.Errorf("webhooks: coordinator is not configured")
	}
	if c.Deliveries == nil {
		return fmt.Errorf("webhooks: delivery store is required")
	}
	if c.Queue == nil {
		return fmt.Errorf("webhooks: job queue is required")
	}
	return nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func statusCode(err error) int {
	var deliveryErr *core.DeliveryError
	if errors.As(err, &deliveryErr) {
		return deliveryErr.StatusCode
	}
	return 0
}
