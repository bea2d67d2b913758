package gojob

import (
	"context"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue/worker"
)

// LogHook writes go-job worker events to a go-job logger.
type LogHook struct {
	logger job.Logger
}

func NewLogHook(logger job.Logger) *LogHook {
	return &LogHook{logger: logger}
}

func (h *LogHook) OnStart(context.Context, worker.Event) {}

func (h *LogHook) OnSuccess(_ context.Context, event worker.Event) {
	if h == nil || h.logger == nil {
		return
	}
	h.logger.Info("webhook delivered", eventArgs(event)...)
}

func (h *LogHook) OnFailure(_ context.Context, event worker.Event) {
	if h == nil || h.logger == nil {
		return
	}
	h.logger.Error("webhook delivery failed", eventArgs(event)...)
}

func (h *LogHook) OnRetry(_ context.Context, event worker.Event) {
	if h == nil || h.logger == nil {
		return
	}
	h.logger.Info("webhook delivery scheduled for retry", eventArgs(event)...)
}

func eventArgs(event worker.Event) []any {
	args := []any{
		"attempt", event.Attempt,
		"duration_ms", event.Duration.Milliseconds(),
	}
	if event.Message != nil {
		args = append(args,
			"job_id", event.Message.JobID,
			"delivery_id", stringParam(event.Message.Parameters, paramDeliveryID),
		)
	}
	if event.Delay > 0 {
		args = append(args, "retry_in_ms", event.Delay.Milliseconds())
	}
	if event.Err != nil {
		args = append(args, "error", event.Err.Error())
	}
	return args
}

var _ worker.Hook = (*LogHook)(nil)
