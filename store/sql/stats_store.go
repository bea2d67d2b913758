package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goliatone/go-relay/core"
	"github.com/uptrace/bun"
)

const globalStatsID = "global"

// StatsStore keeps one shared row of decision counters.
type StatsStore struct {
	db *bun.DB
}

func NewStatsStore(db *bun.DB) (*StatsStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &StatsStore{db: db}, nil
}

func (s *StatsStore) Record(ctx context.Context, allowed bool) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: stats store is not configured")
	}
	blocked := 0
	if !allowed {
		blocked = 1
	}
	_, err := s.db.NewRaw(`
INSERT INTO relay_rate_limit_stats (id, total_requests, blocked_requests, updated_at)
VALUES (?, 1, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	total_requests = relay_rate_limit_stats.total_requests + 1,
	blocked_requests = relay_rate_limit_stats.blocked_requests + excluded.blocked_requests,
	updated_at = excluded.updated_at
`, globalStatsID, blocked, time.Now().UTC()).Exec(ctx)
	return err
}

func (s *StatsStore) Snapshot(ctx context.Context) (core.Stats, error) {
	if s == nil || s.db == nil {
		return core.Stats{}, fmt.Errorf("sqlstore: stats store is not configured")
	}
	record := &statsRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", globalStatsID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Stats{}, nil
		}
		return core.Stats{}, err
	}
	return core.Stats{TotalRequests: record.TotalRequests, BlockedRequests: record.BlockedRequests}, nil
}

var _ core.StatsStore = (*StatsStore)(nil)
