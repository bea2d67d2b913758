package ratelimit

import (
	"context"
	"sync/atomic"

	"github.com/goliatone/go-relay/core"
)

// MemoryStatsStore counts evaluations for this process only.
type MemoryStatsStore struct {
	total   atomic.Int64
	blocked atomic.Int64
}

func NewMemoryStatsStore() *MemoryStatsStore {
	return &MemoryStatsStore{}
}

func (s *MemoryStatsStore) Record(_ context.Context, allowed bool) error {
	s.total.Add(1)
	if !allowed {
		s.blocked.Add(1)
	}
	return nil
}

func (s *MemoryStatsStore) Snapshot(context.Context) (core.Stats, error) {
	return core.Stats{
		TotalRequests:   s.total.Load(),
		BlockedRequests: s.blocked.Load(),
	}, nil
}

var _ core.StatsStore = (*MemoryStatsStore)(nil)
