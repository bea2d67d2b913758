// Package counter provides an in-process CounterStore. It is linearizable per
// key within one process only; deployments that run several instances must use
// a shared store such as store/sql.CounterStore.
package counter

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-relay/core"
)

const defaultShards = 32

type fixedEntry struct {
	count     int64
	expiresAt time.Time
}

type logEntry struct {
	at     time.Time
	member string
}

type shard struct {
	mu      sync.Mutex
	fixed   map[string]fixedEntry
	sliding map[string][]logEntry
}

type MemoryStore struct {
	Now    func() time.Time
	shards []*shard
}

func NewMemoryStore() *MemoryStore {
	return NewShardedMemoryStore(defaultShards)
}

func NewShardedMemoryStore(count int) *MemoryStore {
	if count <= 0 {
		count = defaultShards
	}
	shards := make([]*shard, count)
	for i := range shards {
		shards[i] = &shard{
			fixed:   map[string]fixedEntry{},
			sliding: map[string][]logEntry{},
		}
	}
	return &MemoryStore{Now: time.Now, shards: shards}
}

func (s *MemoryStore) IncrementAndCheck(ctx context.Context, key string, window time.Duration) (core.FixedWindowCount, error) {
	if err := s.check(ctx, key, window); err != nil {
		return core.FixedWindowCount{}, err
	}
	now := s.now()
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	entry, ok := sh.fixed[key]
	if !ok || !now.Before(entry.expiresAt) {
		entry = fixedEntry{count: 0, expiresAt: now.Add(window)}
	}
	entry.count++
	sh.fixed[key] = entry
	return core.FixedWindowCount{Count: entry.count, TTL: entry.expiresAt.Sub(now)}, nil
}

func (s *MemoryStore) AddAndCount(
	ctx context.Context,
	key string,
	now time.Time,
	window time.Duration,
	member string,
	limit int64,
) (core.SlidingWindowCount, error) {
	if err := s.check(ctx, key, window); err != nil {
		return core.SlidingWindowCount{}, err
	}
	if strings.TrimSpace(member) == "" {
		return core.SlidingWindowCount{}, fmt.Errorf("counter: member is required")
	}
	if now.IsZero() {
		now = s.now()
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	entries := pruneBefore(sh.sliding[key], now.Add(-window))
	result := core.SlidingWindowCount{Count: int64(len(entries))}
	if limit > 0 && result.Count < limit {
		entries = insertSorted(entries, logEntry{at: now, member: member})
		result.Count++
		result.Added = true
	}
	if len(entries) == 0 {
		delete(sh.sliding, key)
		return result, nil
	}
	sh.sliding[key] = entries
	result.OldestAt = entries[0].at
	return result, nil
}

// Sweep drops expired fixed counters and empty sliding logs. It returns the
// number of keys removed.
func (s *MemoryStore) Sweep(ctx context.Context, maxWindow time.Duration) (int64, error) {
	if s == nil || len(s.shards) == 0 {
		return 0, fmt.Errorf("counter: memory store is not configured")
	}
	now := s.now()
	var removed int64
	for _, sh := range s.shards {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		sh.mu.Lock()
		for key, entry := range sh.fixed {
			if !now.Before(entry.expiresAt) {
				delete(sh.fixed, key)
				removed++
			}
		}
		if maxWindow > 0 {
			for key, entries := range sh.sliding {
				entries = pruneBefore(entries, now.Add(-maxWindow))
				if len(entries) == 0 {
					delete(sh.sliding, key)
					removed++
					continue
				}
				sh.sliding[key] = entries
			}
		}
		sh.mu.Unlock()
	}
	return removed, nil
}

// Len reports how many fixed and sliding keys are held.
func (s *MemoryStore) Len() int {
	if s == nil {
		return 0
	}
	total := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		total += len(sh.fixed) + len(sh.sliding)
		sh.mu.Unlock()
	}
	return total
}

func (s *MemoryStore) check(ctx context.Context, key string, window time.Duration) error {
	if s == nil || len(s.shards) == 0 {
		return fmt.Errorf("counter: memory store is not configured")
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("counter: key is required")
	}
	if window <= 0 {
		return fmt.Errorf("counter: window must be greater than zero")
	}
	return nil
}

func (s *MemoryStore) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *MemoryStore) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[int(h.Sum32()%uint32(len(s.shards)))]
}

// pruneBefore removes entries strictly older than cutoff. entries is sorted.
func pruneBefore(entries []logEntry, cutoff time.Time) []logEntry {
	idx := sort.Search(len(entries), func(i int) bool {
		return !entries[i].at.Before(cutoff)
	})
	if idx == 0 {
		return entries
	}
	return append(entries[:0:0], entries[idx:]...)
}

func insertSorted(entries []logEntry, entry logEntry) []logEntry {
	idx := sort.Search(len(entries), func(i int) bool {
		return entries[i].at.After(entry.at)
	})
	entries = append(entries, logEntry{})
	copy(entries[idx+1:], entries[idx:])
	entries[idx] = entry
	return entries
}

var (
	_ core.CounterStore   = (*MemoryStore)(nil)
	_ core.CounterSweeper = (*MemoryStore)(nil)
)
