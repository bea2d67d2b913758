package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-relay/core"
	"github.com/uptrace/bun"
)

const (
	defaultVisibilityTimeout = 30 * time.Second
	defaultPollInterval      = 250 * time.Millisecond
)

// JobQueue stores one job row per delivery. A claim stamps claimed_until;
// the row is visible again once that time passes without an ack. Blocking
// pops poll the table.
type JobQueue struct {
	db                *bun.DB
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	Now               func() time.Time
}

func NewJobQueue(db *bun.DB, visibility time.Duration, poll time.Duration) (*JobQueue, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	if visibility <= 0 {
		visibility = defaultVisibilityTimeout
	}
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &JobQueue{
		db:                db,
		VisibilityTimeout: visibility,
		PollInterval:      poll,
		Now:               func() time.Time { return time.Now().UTC() },
	}, nil
}

func (q *JobQueue) Push(ctx context.Context, job core.Job) error {
	if q == nil || q.db == nil {
		return fmt.Errorf("sqlstore: job queue is not configured")
	}
	deliveryID := strings.TrimSpace(job.DeliveryID)
	if deliveryID == "" {
		return fmt.Errorf("sqlstore: delivery id is required")
	}
	now := q.now()
	availableAt := job.AvailableAt
	if availableAt.IsZero() {
		availableAt = now
	}
	_, err := q.db.NewRaw(`
INSERT INTO relay_delivery_jobs (delivery_id, endpoint_id, available_at_ms, claimed_until_ms, claims, created_at)
VALUES (?, ?, ?, 0, 0, ?)
ON CONFLICT (delivery_id) DO UPDATE SET
	available_at_ms = excluded.available_at_ms,
	claimed_until_ms = 0,
	endpoint_id = CASE
		WHEN excluded.endpoint_id <> '' THEN excluded.endpoint_id
		ELSE relay_delivery_jobs.endpoint_id
	END
WHERE relay_delivery_jobs.claimed_until_ms <= ?
`,
		deliveryID,
		strings.TrimSpace(job.EndpointID),
		availableAt.UnixMilli(),
		now,
		now.UnixMilli(),
	).Exec(ctx)
	return err
}

func (q *JobQueue) Pop(ctx context.Context, wait time.Duration) (core.Job, bool, error) {
	if q == nil || q.db == nil {
		return core.Job{}, false, fmt.Errorf("sqlstore: job queue is not configured")
	}
	deadline := time.Now().Add(wait)
	for {
		job, ok, err := q.claim(ctx)
		if err != nil && ctx.Err() != nil {
			return core.Job{}, false, ctx.Err()
		}
		if err != nil || ok {
			return job, ok, err
		}
		remaining := time.Until(deadline)
		if wait <= 0 || remaining <= 0 {
			return core.Job{}, false, nil
		}
		pause := q.pollInterval()
		if pause > remaining {
			pause = remaining
		}
		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return core.Job{}, false, ctx.Err()
		case <-timer.C:
		}
	}
}

func (q *JobQueue) claim(ctx context.Context) (core.Job, bool, error) {
	now := q.now()
	nowMs := now.UnixMilli()
	claimedUntilMs := now.Add(q.visibility()).UnixMilli()

	var records []jobRecord
	err := q.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return tx.NewRaw(`
WITH claimed AS (
	SELECT delivery_id
	FROM relay_delivery_jobs
	WHERE available_at_ms <= ?
	  AND claimed_until_ms <= ?
	ORDER BY available_at_ms ASC, created_at ASC
	LIMIT 1
)
UPDATE relay_delivery_jobs
SET claimed_until_ms = ?, claims = claims + 1
WHERE delivery_id IN (SELECT delivery_id FROM claimed)
  AND claimed_until_ms <= ?
RETURNING
	delivery_id,
	endpoint_id,
	available_at_ms,
	claimed_until_ms,
	claims,
	created_at
`,
			nowMs,
			nowMs,
			claimedUntilMs,
			nowMs,
		).Scan(ctx, &records)
	})
	if err != nil {
		return core.Job{}, false, err
	}
	if len(records) == 0 {
		return core.Job{}, false, nil
	}
	return records[0].toDomain(), true, nil
}

func (q *JobQueue) Ack(ctx context.Context, deliveryID string) error {
	if q == nil || q.db == nil {
		return fmt.Errorf("sqlstore: job queue is not configured")
	}
	_, err := q.db.NewDelete().
		Model((*jobRecord)(nil)).
		Where("delivery_id = ?", strings.TrimSpace(deliveryID)).
		Exec(ctx)
	return err
}

func (q *JobQueue) Release(ctx context.Context, deliveryID string, availableAt time.Time) error {
	if q == nil || q.db == nil {
		return fmt.Errorf("sqlstore: job queue is not configured")
	}
	if availableAt.IsZero() {
		availableAt = q.now()
	}
	_, err := q.db.NewUpdate().
		Model((*jobRecord)(nil)).
		Set("claimed_until_ms = 0").
		Set("available_at_ms = ?", availableAt.UnixMilli()).
		Where("delivery_id = ?", strings.TrimSpace(deliveryID)).
		Exec(ctx)
	return err
}

func (q *JobQueue) HasJob(ctx context.Context, deliveryID string) (bool, error) {
	if q == nil || q.db == nil {
		return false, fmt.Errorf("sqlstore: job queue is not configured")
	}
	return q.db.NewSelect().
		Model((*jobRecord)(nil)).
		Where("?TableAlias.delivery_id = ?", strings.TrimSpace(deliveryID)).
		Exists(ctx)
}

// Len counts queued jobs, claimed or not.
func (q *JobQueue) Len(ctx context.Context) (int, error) {
	if q == nil || q.db == nil {
		return 0, fmt.Errorf("sqlstore: job queue is not configured")
	}
	return q.db.NewSelect().Model((*jobRecord)(nil)).Count(ctx)
}

func (r jobRecord) toDomain() core.Job {
	job := core.Job{
		DeliveryID:  r.DeliveryID,
		EndpointID:  r.EndpointID,
		AvailableAt: time.UnixMilli(r.AvailableAtMs).UTC(),
		Claims:      r.Claims,
	}
	if r.ClaimedUntilMs > 0 {
		job.ClaimedUntil = time.UnixMilli(r.ClaimedUntilMs).UTC()
	}
	return job
}

func (q *JobQueue) visibility() time.Duration {
	if q.VisibilityTimeout > 0 {
		return q.VisibilityTimeout
	}
	return defaultVisibilityTimeout
}

func (q *JobQueue) pollInterval() time.Duration {
	if q.PollInterval > 0 {
		return q.PollInterval
	}
	return defaultPollInterval
}

func (q *JobQueue) now() time.Time {
	if q.Now != nil {
		return q.Now().UTC()
	}
	return time.Now().UTC()
}

var (
	_ core.JobQueue  = (*JobQueue)(nil)
	_ core.JobLookup = (*JobQueue)(nil)
)
