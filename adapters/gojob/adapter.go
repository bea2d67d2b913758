package gojob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
	"github.com/goliatone/go-relay/core"
	"github.com/goliatone/go-relay/webhooks"
)

const (
	ScriptPathDeliver = "relay.webhook.deliver"
	DedupPolicyDrop   = "drop"

	paramDeliveryID  = "delivery_id"
	paramEndpointID  = "endpoint_id"
	paramAvailableAt = "available_at"
	paramClaims      = "claims"
)

// ErrQueueEmpty is returned by Dequeue when no job became visible within the
// bridge wait.
var ErrQueueEmpty = errors.New("gojob: no job available")

// RetryPolicy bounds the nack options a go-job worker hands back to the
// relay queue.
type RetryPolicy struct {
	MaxAttempts     int
	MaxDelay        time.Duration
	DeadLetterOnMax bool
}

func (p RetryPolicy) NormalizeAttempt(opts queue.NackOptions, attempt int) queue.NackOptions {
	out := opts
	out.Reason = strings.TrimSpace(out.Reason)
	if out.Delay < 0 {
		out.Delay = 0
	}
	if p.MaxDelay > 0 && out.Delay > p.MaxDelay {
		out.Delay = p.MaxDelay
	}
	if out.DeadLetter {
		out.Requeue = false
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		out.Requeue = false
		if p.DeadLetterOnMax || out.DeadLetter {
			out.DeadLetter = true
		}
	}
	if !out.Requeue && !out.DeadLetter {
		out.Requeue = true
	}
	return out
}

// ToExecutionMessage describes a relay job as a go-job execution message.
// The delivery id doubles as the idempotency key.
func ToExecutionMessage(j core.Job) *job.ExecutionMessage {
	params := map[string]any{
		paramDeliveryID: strings.TrimSpace(j.DeliveryID),
		paramClaims:     j.Claims,
	}
	if endpointID := strings.TrimSpace(j.EndpointID); endpointID != "" {
		params[paramEndpointID] = endpointID
	}
	if !j.AvailableAt.IsZero() {
		params[paramAvailableAt] = j.AvailableAt.UTC().Format(time.RFC3339Nano)
	}
	return &job.ExecutionMessage{
		JobID:          webhooks.JobDeliver,
		ScriptPath:     ScriptPathDeliver,
		Parameters:     params,
		IdempotencyKey: strings.TrimSpace(j.DeliveryID),
		DedupPolicy:    job.DeduplicationPolicy(DedupPolicyDrop),
	}
}

func FromExecutionMessage(msg *job.ExecutionMessage) (core.Job, error) {
	if msg == nil {
		return core.Job{}, fmt.Errorf("gojob: execution message is required")
	}
	if jobID := strings.TrimSpace(msg.JobID); jobID != "" && jobID != webhooks.JobDeliver {
		return core.Job{}, fmt.Errorf("gojob: unsupported job id %q", jobID)
	}
	deliveryID := stringParam(msg.Parameters, paramDeliveryID)
	if deliveryID == "" {
		deliveryID = strings.TrimSpace(msg.IdempotencyKey)
	}
	if deliveryID == "" {
		return core.Job{}, fmt.Errorf("gojob: delivery id parameter is required")
	}
	out := core.Job{
		DeliveryID: deliveryID,
		EndpointID: stringParam(msg.Parameters, paramEndpointID),
		Claims:     intParam(msg.Parameters, paramClaims),
	}
	if raw := stringParam(msg.Parameters, paramAvailableAt); raw != "" {
		availableAt, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return core.Job{}, fmt.Errorf("gojob: invalid available_at parameter: %w", err)
		}
		out.AvailableAt = availableAt.UTC()
	}
	return out, nil
}

// QueueBridge exposes a relay job queue through the go-job enqueue and
// dequeue contracts.
type QueueBridge struct {
	jobs   core.JobQueue
	wait   time.Duration
	policy RetryPolicy
	now    func() time.Time
}

func NewQueueBridge(jobs core.JobQueue, wait time.Duration, policy RetryPolicy) *QueueBridge {
	return &QueueBridge{
		jobs:   jobs,
		wait:   wait,
		policy: policy,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (b *QueueBridge) Enqueue(ctx context.Context, msg *job.ExecutionMessage) error {
	if b == nil || b.jobs == nil {
		return fmt.Errorf("gojob: job queue is not configured")
	}
	j, err := FromExecutionMessage(msg)
	if err != nil {
		return err
	}
	return b.jobs.Push(ctx, j)
}

func (b *QueueBridge) Dequeue(ctx context.Context) (queue.Delivery, error) {
	if b == nil || b.jobs == nil {
		return nil, fmt.Errorf("gojob: job queue is not configured")
	}
	j, ok, err := b.jobs.Pop(ctx, b.wait)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrQueueEmpty
	}
	return &Delivery{job: j, jobs: b.jobs, policy: b.policy, now: b.now}, nil
}

// Delivery is a claimed relay job seen as a go-job delivery. A requeue nack
// releases the claim after the delay. A dead-letter nack drops the job; the
// delivery row keeps its own terminal state.
type Delivery struct {
	job    core.Job
	jobs   core.JobQueue
	policy RetryPolicy
	now    func() time.Time
}

func (d *Delivery) Job() core.Job {
	if d == nil {
		return core.Job{}
	}
	return d.job
}

func (d *Delivery) Message() *job.ExecutionMessage {
	if d == nil {
		return nil
	}
	return ToExecutionMessage(d.job)
}

func (d *Delivery) Ack(ctx context.Context) error {
	if d == nil || d.jobs == nil {
		return fmt.Errorf("gojob: delivery is not configured")
	}
	return d.jobs.Ack(ctx, d.job.DeliveryID)
}

func (d *Delivery) Nack(ctx context.Context, opts queue.NackOptions) error {
	if d == nil || d.jobs == nil {
		return fmt.Errorf("gojob: delivery is not configured")
	}
	normalized := d.policy.NormalizeAttempt(opts, d.job.Claims)
	if normalized.DeadLetter {
		return d.jobs.Ack(ctx, d.job.DeliveryID)
	}
	now := time.Now().UTC()
	if d.now != nil {
		now = d.now()
	}
	return d.jobs.Release(ctx, d.job.DeliveryID, now.Add(normalized.Delay))
}

// WorkerHookAdapter feeds go-job worker events into a relay delivery hook.
type WorkerHookAdapter struct {
	hook core.DeliveryHook
}

func NewWorkerHookAdapter(hook core.DeliveryHook) *WorkerHookAdapter {
	return &WorkerHookAdapter{hook: hook}
}

func (a *WorkerHookAdapter) OnStart(ctx context.Context, event worker.Event) {
	if a == nil || a.hook == nil {
		return
	}
	a.hook.OnStart(ctx, toDeliveryEvent(event))
}

func (a *WorkerHookAdapter) OnSuccess(ctx context.Context, event worker.Event) {
	if a == nil || a.hook == nil {
		return
	}
	a.hook.OnSuccess(ctx, toDeliveryEvent(event))
}

func (a *WorkerHookAdapter) OnFailure(ctx context.Context, event worker.Event) {
	if a == nil || a.hook == nil {
		return
	}
	a.hook.OnFailure(ctx, toDeliveryEvent(event))
}

func (a *WorkerHookAdapter) OnRetry(ctx context.Context, event worker.Event) {
	if a == nil || a.hook == nil {
		return
	}
	a.hook.OnRetry(ctx, toDeliveryEvent(event))
}

// DeliveryHookAdapter lets a go-job worker hook observe the relay worker.
type DeliveryHookAdapter struct {
	hook worker.Hook
}

func NewDeliveryHookAdapter(hook worker.Hook) *DeliveryHookAdapter {
	return &DeliveryHookAdapter{hook: hook}
}

func (a *DeliveryHookAdapter) OnStart(ctx context.Context, event core.DeliveryHookEvent) {
	if a == nil || a.hook == nil {
		return
	}
	a.hook.OnStart(ctx, toWorkerEvent(event))
}

func (a *DeliveryHookAdapter) OnSuccess(ctx context.Context, event core.DeliveryHookEvent) {
	if a == nil || a.hook == nil {
		return
	}
	a.hook.OnSuccess(ctx, toWorkerEvent(event))
}

func (a *DeliveryHookAdapter) OnFailure(ctx context.Context, event core.DeliveryHookEvent) {
	if a == nil || a.hook == nil {
		return
	}
	a.hook.OnFailure(ctx, toWorkerEvent(event))
}

func (a *DeliveryHookAdapter) OnRetry(ctx context.Context, event core.DeliveryHookEvent) {
	if a == nil || a.hook == nil {
		return
	}
	a.hook.OnRetry(ctx, toWorkerEvent(event))
}

func toDeliveryEvent(event worker.Event) core.DeliveryHookEvent {
	message := event.Message
	if message == nil && event.Delivery != nil {
		message = event.Delivery.Message()
	}
	out := core.DeliveryHookEvent{
		Attempt:   event.Attempt,
		Delay:     event.Delay,
		Err:       event.Err,
		StartedAt: event.StartedAt,
		Duration:  event.Duration,
	}
	if j, err := FromExecutionMessage(message); err == nil {
		out.Delivery = core.Delivery{
			ID:           j.DeliveryID,
			EndpointID:   j.EndpointID,
			AttemptCount: event.Attempt,
		}
	}
	return out
}

func toWorkerEvent(event core.DeliveryHookEvent) worker.Event {
	return worker.Event{
		Message: ToExecutionMessage(core.Job{
			DeliveryID: event.Delivery.ID,
			EndpointID: event.Delivery.EndpointID,
		}),
		Attempt:   event.Attempt,
		Delay:     event.Delay,
		Err:       event.Err,
		StartedAt: event.StartedAt,
		Duration:  event.Duration,
	}
}

func stringParam(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	value, ok := params[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}

func intParam(params map[string]any, key string) int {
	if params == nil {
		return 0
	}
	switch value := params[key].(type) {
	case int:
		return value
	case int64:
		return int(value)
	case float64:
		return int(value)
	default:
		return 0
	}
}

var (
	_ queue.Enqueuer    = (*QueueBridge)(nil)
	_ queue.Dequeuer    = (*QueueBridge)(nil)
	_ queue.Delivery    = (*Delivery)(nil)
	_ worker.Hook       = (*WorkerHookAdapter)(nil)
	_ core.DeliveryHook = (*DeliveryHookAdapter)(nil)
)
