package webhooks

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-relay/core"
	"github.com/robfig/cron/v3"
)

const (
	DefaultReconcileSchedule  = "@every 30s"
	defaultReconcileBatchSize = 100
)

// Reconciler re-pushes due pending or failed deliveries whose job is missing,
// which happens when a process dies between the state write and the push.
type Reconciler struct {
	Deliveries core.DeliveryStore
	Queue      core.JobQueue
	Lookup     core.JobLookup
	BatchSize  int
	Now        func() time.Time
	Observer   core.Observer

	mu   sync.Mutex
	cron *cron.Cron
}

func NewReconciler(deliveries core.DeliveryStore, jobs core.JobQueue) (*Reconciler, error) {
	if deliveries == nil {
		return nil, fmt.Errorf("webhooks: delivery store is required")
	}
	if jobs == nil {
		return nil, fmt.Errorf("webhooks: job queue is required")
	}
	lookup, ok := jobs.(core.JobLookup)
	if !ok {
		return nil, fmt.Errorf("webhooks: job queue %T cannot report missing jobs", jobs)
	}
	return &Reconciler{
		Deliveries: deliveries,
		Queue:      jobs,
		Lookup:     lookup,
		BatchSize:  defaultReconcileBatchSize,
		Now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// ReconcileOnce scans one batch per status and returns how many jobs were
// pushed.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (pushed int, err error) {
	if r == nil || r.Deliveries == nil || r.Queue == nil || r.Lookup == nil {
		return 0, fmt.Errorf("webhooks: reconciler is not configured")
	}
	startedAt := time.Now()
	defer func() {
		r.Observer.Observe(ctx, startedAt, "delivery.reconcile", err, map[string]any{"pushed": pushed})
	}()

	now := r.now()
	for _, status := range []core.DeliveryStatus{core.DeliveryStatusPending, core.DeliveryStatusFailed} {
		due := now
		deliveries, err := r.Deliveries.List(ctx, core.DeliveryFilter{
			Status:    status,
			DueBefore: &due,
			Limit:     r.batchSize(),
		})
		if err != nil {
			return pushed, core.StoreUnavailableError(err, "delivery")
		}
		for _, delivery := range deliveries {
			exists, err := r.Lookup.HasJob(ctx, delivery.ID)
			if err != nil {
				return pushed, core.StoreUnavailableError(err, "queue")
			}
			if exists {
				continue
			}
			availableAt := now
			if delivery.NextAttemptAt != nil {
				availableAt = *delivery.NextAttemptAt
			}
			if err := r.Queue.Push(ctx, core.Job{
				DeliveryID:  delivery.ID,
				EndpointID:  delivery.EndpointID,
				AvailableAt: availableAt,
			}); err != nil {
				return pushed, core.StoreUnavailableError(err, "queue")
			}
			pushed++
		}
	}
	return pushed, nil
}

// Start runs ReconcileOnce on a cron schedule until Stop is called.
func (r *Reconciler) Start(ctx context.Context, schedule string) error {
	if r == nil {
		return fmt.Errorf("webhooks: reconciler is not configured")
	}
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		schedule = DefaultReconcileSchedule
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return fmt.Errorf("webhooks: reconciler already started")
	}
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(schedule, func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := r.ReconcileOnce(ctx); err != nil {
			r.Observer.Log(ctx, "error", "delivery reconcile failed", map[string]any{"error": err.Error()})
		}
	}); err != nil {
		return core.ConfigurationError("invalid reconcile schedule", map[string]string{"schedule": err.Error()})
	}
	scheduler.Start()
	r.cron = scheduler
	return nil
}

// Stop halts the schedule and waits for a running pass to finish.
func (r *Reconciler) Stop() {
	if r == nil {
		return
	}
	r.mu.Lock()
	scheduler := r.cron
	r.cron = nil
	r.mu.Unlock()
	if scheduler == nil {
		return
	}
	<-scheduler.Stop().Done()
}

func (r *Reconciler) batchSize() int {
	if r.BatchSize > 0 {
		return r.BatchSize
	}
	return defaultReconcileBatchSize
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}
