package webhooks

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/goliatone/go-relay/core"
	"golang.org/x/sync/errgroup"
)

const (
	defaultWorkerConcurrency = 4
	defaultDequeueWait       = 5 * time.Second
	defaultErrorPause        = 250 * time.Millisecond
)

var errEndpointInactive = errors.New("webhooks: endpoint is inactive")

// Worker pulls jobs from the service and attempts them. Delivery errors are
// recorded through the coordinator and never stop the loop.
type Worker struct {
	Service     *Service
	Sender      core.DeliverySender
	Concurrency int
	Wait        time.Duration
	Timeout     time.Duration
	ErrorPause  time.Duration
	Hooks       []core.DeliveryHook
	Observer    core.Observer
}

type WorkerOption func(*Worker)

func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.Concurrency = n
		}
	}
}

func WithDequeueWait(wait time.Duration) WorkerOption {
	return func(w *Worker) {
		if wait > 0 {
			w.Wait = wait
		}
	}
}

func WithAttemptTimeout(timeout time.Duration) WorkerOption {
	return func(w *Worker) {
		if timeout > 0 {
			w.Timeout = timeout
		}
	}
}

func WithHooks(hooks ...core.DeliveryHook) WorkerOption {
	return func(w *Worker) {
		for _, hook := range hooks {
			if hook != nil {
				w.Hooks = append(w.Hooks, hook)
			}
		}
	}
}

func WithWorkerObserver(observer core.Observer) WorkerOption {
	return func(w *Worker) {
		w.Observer = observer
	}
}

func NewWorker(service *Service, sender core.DeliverySender, opts ...WorkerOption) (*Worker, error) {
	if service == nil {
		return nil, fmt.Errorf("webhooks: service is required")
	}
	if sender == nil {
		return nil, fmt.Errorf("webhooks: sender is required")
	}
	w := &Worker{
		Service:     service,
		Sender:      sender,
		Concurrency: defaultWorkerConcurrency,
		Wait:        defaultDequeueWait,
		Timeout:     defaultSendTimeout,
		ErrorPause:  defaultErrorPause,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w, nil
}

// Run blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil || w.Service == nil || w.Sender == nil {
		return fmt.Errorf("webhooks: worker is not configured")
	}
	group, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency(); i++ {
		group.Go(func() error {
			return w.loop(groupCtx)
		})
	}
	return group.Wait()
}

func (w *Worker) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := w.RunOnce(ctx, w.wait()); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.Observer.Log(ctx, "error", "webhook dequeue failed", map[string]any{"error": err.Error()})
			if !sleepContext(ctx, w.errorPause()) {
				return nil
			}
		}
	}
}

// RunOnce dequeues and attempts at most one job. It reports whether a job
// was processed; the error is only set when dequeueing failed.
func (w *Worker) RunOnce(ctx context.Context, wait time.Duration) (bool, error) {
	job, ok, err := w.Service.Dequeue(ctx, wait)
	if err != nil || !ok {
		return false, err
	}
	w.process(ctx, job)
	return true, nil
}

func (w *Worker) process(ctx context.Context, job DeliveryJob) {
	startedAt := time.Now()
	event := core.DeliveryHookEvent{
		Delivery:  job.Delivery,
		Attempt:   job.Delivery.AttemptCount + 1,
		StartedAt: startedAt,
	}
	w.emit(ctx, func(hook core.DeliveryHook) { hook.OnStart(ctx, event) })

	_, sendErr := w.attempt(ctx, job)
	event.Duration = time.Since(startedAt)

	if sendErr == nil {
		delivery, err := w.Service.Ack(ctx, job.Delivery.ID)
		if err != nil {
			w.Observer.Log(ctx, "error", "webhook ack failed", map[string]any{
				"delivery_id": job.Delivery.ID,
				"error":       err.Error(),
			})
			return
		}
		event.Delivery = delivery
		w.emit(ctx, func(hook core.DeliveryHook) { hook.OnSuccess(ctx, event) })
		return
	}

	delivery, err := w.Service.Fail(ctx, job.Delivery.ID, sendErr)
	event.Err = sendErr
	if err != nil {
		w.Observer.Log(ctx, "error", "webhook failure could not be recorded", map[string]any{
			"delivery_id": job.Delivery.ID,
			"error":       err.Error(),
			"cause":       sendErr.Error(),
		})
		return
	}
	event.Delivery = delivery
	if delivery.Status == core.DeliveryStatusFailed && delivery.NextAttemptAt != nil {
		event.Delay = delivery.NextAttemptAt.Sub(delivery.UpdatedAt)
		w.emit(ctx, func(hook core.DeliveryHook) { hook.OnRetry(ctx, event) })
		return
	}
	w.emit(ctx, func(hook core.DeliveryHook) { hook.OnFailure(ctx, event) })
}

func (w *Worker) attempt(ctx context.Context, job DeliveryJob) (result core.SendResult, err error) {
	if !job.Endpoint.Active {
		return core.SendResult{}, &core.DeliveryError{EndpointID: job.Endpoint.ID, Cause: errEndpointInactive}
	}
	attemptCtx, cancel := context.WithTimeout(ctx, w.timeout())
	defer cancel()
	defer func() {
		if recovered := recover(); recovered != nil {
			w.Observer.Log(ctx, "error", "webhook sender panicked", map[string]any{
				"delivery_id": job.Delivery.ID,
				"panic":       fmt.Sprint(recovered),
				"stack":       string(debug.Stack()),
			})
			err = &core.DeliveryError{EndpointID: job.Endpoint.ID, Cause: fmt.Errorf("webhooks: sender panic: %v", recovered)}
		}
	}()

	result, err = w.Sender.Send(attemptCtx, job.SendRequest())
	if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		var deliveryErr *core.DeliveryError
		if !errors.As(err, &deliveryErr) {
			err = &core.DeliveryError{EndpointID: job.Endpoint.ID, Cause: err}
		}
	}
	return result, err
}

func (w *Worker) emit(ctx context.Context, call func(core.DeliveryHook)) {
	for _, hook := range w.Hooks {
		func() {
			defer func() {
				if recovered := recover(); recovered != nil {
					w.Observer.Log(ctx, "error", "delivery hook panicked", map[string]any{"panic": fmt.Sprint(recovered)})
				}
			}()
			call(hook)
		}()
	}
}

func (w *Worker) concurrency() int {
	if w.Concurrency > 0 {
		return w.Concurrency
	}
	return defaultWorkerConcurrency
}

func (w *Worker) wait() time.Duration {
	if w.Wait > 0 {
		return w.Wait
	}
	return defaultDequeueWait
}

func (w *Worker) timeout() time.Duration {
	if w.Timeout > 0 {
		return w.Timeout
	}
	return defaultSendTimeout
}

func (w *Worker) errorPause() time.Duration {
	if w.ErrorPause > 0 {
		return w.ErrorPause
	}
	return defaultErrorPause
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
