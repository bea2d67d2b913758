package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-relay/core"
	"github.com/robfig/cron/v3"
)

const DefaultSweepSchedule = "@every 1m"

// Sweeper removes expired counters on a schedule. Every fixed window writes a
// fresh key, so a store that is never swept grows by one key per client per
// window.
type Sweeper struct {
	Counters core.CounterSweeper
	Rules    *Rules
	Observer core.Observer

	mu   sync.Mutex
	cron *cron.Cron
}

// NewSweeper returns nil, nil when the counter store keeps no state that
// needs sweeping.
func NewSweeper(counters core.CounterStore, rules *Rules) (*Sweeper, error) {
	if rules == nil {
		return nil, fmt.Errorf("ratelimit: rules are required")
	}
	sweeper, ok := counters.(core.CounterSweeper)
	if !ok {
		return nil, nil
	}
	return &Sweeper{Counters: sweeper, Rules: rules}, nil
}

// SweepOnce drops expired counters. Sliding logs are pruned to the widest
// window of any configured rule.
func (s *Sweeper) SweepOnce(ctx context.Context) (removed int64, err error) {
	if s == nil || s.Counters == nil || s.Rules == nil {
		return 0, fmt.Errorf("ratelimit: sweeper is not configured")
	}
	startedAt := time.Now()
	defer func() {
		s.Observer.Observe(ctx, startedAt, "counter.sweep", err, map[string]any{"removed": removed})
	}()

	maxWindow, err := s.maxWindow(ctx)
	if err != nil {
		return 0, core.StoreUnavailableError(err, "rule")
	}
	removed, err = s.Counters.Sweep(ctx, maxWindow)
	if err != nil {
		return removed, core.StoreUnavailableError(err, "counter")
	}
	return removed, nil
}

func (s *Sweeper) Start(ctx context.Context, schedule string) error {
	if s == nil {
		return fmt.Errorf("ratelimit: sweeper is not configured")
	}
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("ratelimit: sweeper already started")
	}
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(schedule, func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.SweepOnce(ctx); err != nil {
			s.Observer.Log(ctx, "error", "counter sweep failed", map[string]any{"error": err.Error()})
		}
	}); err != nil {
		return core.ConfigurationError("invalid counter sweep schedule", map[string]string{"schedule": err.Error()})
	}
	scheduler.Start()
	s.cron = scheduler
	return nil
}

func (s *Sweeper) Stop() {
	if s == nil {
		return
	}
	s.mu.Lock()
	scheduler := s.cron
	s.cron = nil
	s.mu.Unlock()
	if scheduler == nil {
		return
	}
	<-scheduler.Stop().Done()
}

func (s *Sweeper) maxWindow(ctx context.Context) (time.Duration, error) {
	rules, err := s.Rules.List(ctx)
	if err != nil {
		return 0, err
	}
	var widest time.Duration
	for _, rule := range rules {
		if window := rule.WindowDuration(); window > widest {
			widest = window
		}
	}
	return widest, nil
}
