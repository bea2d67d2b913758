package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-relay/core"
	"github.com/uptrace/bun"
)

const slidingLockPrefix = "lock::"

// CounterStore keeps rate limit counters in the shared database so every
// instance sees the same counts. Fixed windows are a single upsert; sliding
// windows run in one transaction that first takes the per-key lock row.
type CounterStore struct {
	db  *bun.DB
	Now func() time.Time
}

func NewCounterStore(db *bun.DB) (*CounterStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &CounterStore{db: db, Now: time.Now}, nil
}

func (s *CounterStore) IncrementAndCheck(ctx context.Context, key string, window time.Duration) (core.FixedWindowCount, error) {
	if err := s.check(key, window); err != nil {
		return core.FixedWindowCount{}, err
	}
	now := s.now()
	nowMs := now.UnixMilli()
	expiresAtMs := now.Add(window).UnixMilli()

	var record counterRecord
	err := s.db.NewRaw(`
INSERT INTO relay_rate_limit_counters (counter_key, hits, expires_at_ms)
VALUES (?, 1, ?)
ON CONFLICT (counter_key) DO UPDATE SET
	hits = CASE
		WHEN relay_rate_limit_counters.expires_at_ms <= ? THEN 1
		ELSE relay_rate_limit_counters.hits + 1
	END,
	expires_at_ms = CASE
		WHEN relay_rate_limit_counters.expires_at_ms <= ? THEN excluded.expires_at_ms
		ELSE relay_rate_limit_counters.expires_at_ms
	END
RETURNING counter_key, hits, expires_at_ms
`,
		key,
		expiresAtMs,
		nowMs,
		nowMs,
	).Scan(ctx, &record)
	if err != nil {
		return core.FixedWindowCount{}, err
	}
	ttl := time.Duration(record.ExpiresAtMs-nowMs) * time.Millisecond
	if ttl < 0 {
		ttl = 0
	}
	return core.FixedWindowCount{Count: record.Hits, TTL: ttl}, nil
}

type slidingSnapshot struct {
	Hits   int64 `bun:"hits"`
	Oldest int64 `bun:"oldest"`
}

func (s *CounterStore) AddAndCount(
	ctx context.Context,
	key string,
	now time.Time,
	window time.Duration,
	member string,
	limit int64,
) (core.SlidingWindowCount, error) {
	if err := s.check(key, window); err != nil {
		return core.SlidingWindowCount{}, err
	}
	member = strings.TrimSpace(member)
	if member == "" {
		return core.SlidingWindowCount{}, fmt.Errorf("sqlstore: member is required")
	}
	if now.IsZero() {
		now = s.now()
	}
	nowMs := now.UnixMilli()
	cutoffMs := now.Add(-window).UnixMilli()

	var result core.SlidingWindowCount
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewRaw(`
INSERT INTO relay_rate_limit_counters (counter_key, hits, expires_at_ms)
VALUES (?, 0, 0)
ON CONFLICT (counter_key) DO UPDATE SET hits = relay_rate_limit_counters.hits
`, slidingLockPrefix+key).Exec(ctx); err != nil {
			return err
		}
		if _, err := tx.NewDelete().
			Model((*slidingEntryRecord)(nil)).
			Where("counter_key = ?", key).
			Where("at_ms < ?", cutoffMs).
			Exec(ctx); err != nil {
			return err
		}

		var snapshot slidingSnapshot
		if err := tx.NewRaw(`
SELECT COUNT(*) AS hits, COALESCE(MIN(at_ms), 0) AS oldest
FROM relay_rate_limit_entries
WHERE counter_key = ?
`, key).Scan(ctx, &snapshot); err != nil {
			return err
		}

		result.Count = snapshot.Hits
		oldestMs := snapshot.Oldest
		if limit > 0 && snapshot.Hits < limit {
			if _, err := tx.NewInsert().
				Model(&slidingEntryRecord{Key: key, Member: member, AtMs: nowMs}).
				On("CONFLICT (counter_key, member) DO NOTHING").
				Exec(ctx); err != nil {
				return err
			}
			result.Count++
			result.Added = true
			if snapshot.Hits == 0 || nowMs < oldestMs {
				oldestMs = nowMs
			}
		}
		if result.Count > 0 {
			result.OldestAt = time.UnixMilli(oldestMs).UTC()
		}
		return nil
	})
	if err != nil {
		return core.SlidingWindowCount{}, err
	}
	return result, nil
}

// Sweep deletes expired fixed counters, sliding entries older than maxWindow
// and lock rows whose key has no entries left. It returns the number of rows
// removed.
func (s *CounterStore) Sweep(ctx context.Context, maxWindow time.Duration) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: counter store is not configured")
	}
	nowMs := s.now().UnixMilli()
	res, err := s.db.NewDelete().
		Model((*counterRecord)(nil)).
		Where("expires_at_ms > 0").
		Where("expires_at_ms <= ?", nowMs).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	removed, _ := res.RowsAffected()
	if maxWindow <= 0 {
		return removed, nil
	}
	res, err = s.db.NewDelete().
		Model((*slidingEntryRecord)(nil)).
		Where("at_ms < ?", nowMs-maxWindow.Milliseconds()).
		Exec(ctx)
	if err != nil {
		return removed, err
	}
	entries, _ := res.RowsAffected()
	removed += entries

	// A lock row removed under a running AddAndCount is recreated by its
	// upsert, so this never weakens the per-key serialisation.
	res, err = s.db.NewRaw(`
DELETE FROM relay_rate_limit_counters
WHERE expires_at_ms = 0
	AND counter_key LIKE ?
	AND NOT EXISTS (
		SELECT 1 FROM relay_rate_limit_entries
		WHERE relay_rate_limit_entries.counter_key = substr(relay_rate_limit_counters.counter_key, ?)
	)
`, slidingLockPrefix+"%", len(slidingLockPrefix)+1).Exec(ctx)
	if err != nil {
		return removed, err
	}
	locks, _ := res.RowsAffected()
	return removed + locks, nil
}

func (s *CounterStore) check(key string, window time.Duration) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: counter store is not configured")
	}
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("sqlstore: counter key is required")
	}
	if window <= 0 {
		return fmt.Errorf("sqlstore: window must be greater than zero")
	}
	return nil
}

func (s *CounterStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

var (
	_ core.CounterStore   = (*CounterStore)(nil)
	_ core.CounterSweeper = (*CounterStore)(nil)
)
