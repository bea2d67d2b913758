package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/goliatone/go-relay/core"
	"github.com/google/uuid"
)

// AnyMethod matches every HTTP method when used as a rule method.
const AnyMethod = "*"

// Rules validates rule writes and resolves the rule for a request.
type Rules struct {
	Store core.RuleStore
	Now   func() time.Time

	mu       sync.RWMutex
	matchers map[string]glob.Glob
}

func NewRules(store core.RuleStore) *Rules {
	return &Rules{
		Store:    store,
		Now:      func() time.Time { return time.Now().UTC() },
		matchers: map[string]glob.Glob{},
	}
}

func (r *Rules) Upsert(ctx context.Context, rule core.RateLimitRule) (core.RateLimitRule, error) {
	if err := r.ready(); err != nil {
		return core.RateLimitRule{}, err
	}
	rule = rule.Normalize()
	if err := rule.Validate(); err != nil {
		return core.RateLimitRule{}, err
	}
	if _, err := r.matcher(rule.Path); err != nil {
		return core.RateLimitRule{}, core.ConfigurationError("invalid rate limit rule", map[string]string{
			"path": "path pattern is invalid",
		})
	}
	now := r.now()
	if strings.TrimSpace(rule.ID) == "" {
		rule.ID = uuid.NewString()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	return r.Store.Upsert(ctx, rule)
}

func (r *Rules) Get(ctx context.Context, method, path string) (core.RateLimitRule, error) {
	if err := r.ready(); err != nil {
		return core.RateLimitRule{}, err
	}
	return r.Store.Get(ctx, core.NewRuleKey(method, path))
}

func (r *Rules) List(ctx context.Context) ([]core.RateLimitRule, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	rules, err := r.Store.List(ctx)
	if err != nil {
		return nil, err
	}
	sortRules(rules)
	return rules, nil
}

// Delete removes a rule. Counters already written for it are left to expire.
func (r *Rules) Delete(ctx context.Context, method, path string) error {
	if err := r.ready(); err != nil {
		return err
	}
	key := core.NewRuleKey(method, path)
	if key.Method == "" || key.Path == "" {
		return core.BadInputError("rule method and path are required")
	}
	return r.Store.Delete(ctx, key)
}

// Match returns the rule for a request. Exact paths win; among patterns the
// longest one wins, and a concrete method beats AnyMethod.
func (r *Rules) Match(ctx context.Context, method, path string) (core.RateLimitRule, bool, error) {
	if err := r.ready(); err != nil {
		return core.RateLimitRule{}, false, err
	}
	key := core.NewRuleKey(method, path)

	rule, err := r.Store.Get(ctx, key)
	if err == nil {
		return rule, true, nil
	}
	if !errors.Is(err, core.ErrRuleNotFound) {
		return core.RateLimitRule{}, false, err
	}

	rules, err := r.Store.List(ctx)
	if err != nil {
		return core.RateLimitRule{}, false, err
	}
	var best *core.RateLimitRule
	for i := range rules {
		candidate := rules[i]
		if candidate.Method != key.Method && candidate.Method != AnyMethod {
			continue
		}
		matcher, err := r.matcher(candidate.Path)
		if err != nil || !matcher.Match(key.Path) {
			continue
		}
		if best == nil || moreSpecific(candidate, *best) {
			best = &rules[i]
		}
	}
	if best == nil {
		return core.RateLimitRule{}, false, nil
	}
	return *best, true, nil
}

func (r *Rules) matcher(pattern string) (glob.Glob, error) {
	r.mu.RLock()
	compiled, ok := r.matchers[pattern]
	r.mu.RUnlock()
	if ok {
		return compiled, nil
	}
	compiled, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	if r.matchers == nil {
		r.matchers = map[string]glob.Glob{}
	}
	r.matchers[pattern] = compiled
	r.mu.Unlock()
	return compiled, nil
}

func (r *Rules) ready() error {
	if r == nil || r.Store == nil {
		return fmt.Errorf("ratelimit: rule store is not configured")
	}
	return nil
}

func (r *Rules) now() time.Time {
	if r != nil && r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func moreSpecific(a, b core.RateLimitRule) bool {
	if (a.Method == AnyMethod) != (b.Method == AnyMethod) {
		return b.Method == AnyMethod
	}
	if len(a.Path) != len(b.Path) {
		return len(a.Path) > len(b.Path)
	}
	return a.Path < b.Path
}

func sortRules(rules []core.RateLimitRule) {
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Path != rules[j].Path {
			return rules[i].Path < rules[j].Path
		}
		return rules[i].Method < rules[j].Method
	})
}

type MemoryRuleStore struct {
	mu    sync.RWMutex
	items map[core.RuleKey]core.RateLimitRule
}

func NewMemoryRuleStore() *MemoryRuleStore {
	return &MemoryRuleStore{items: map[core.RuleKey]core.RateLimitRule{}}
}

func (s *MemoryRuleStore) Upsert(_ context.Context, rule core.RateLimitRule) (core.RateLimitRule, error) {
	if s == nil {
		return core.RateLimitRule{}, fmt.Errorf("ratelimit: rule store is nil")
	}
	key := rule.Key()
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.items[key]; ok {
		rule.ID = existing.ID
		rule.CreatedAt = existing.CreatedAt
	}
	s.items[key] = rule
	return rule, nil
}

func (s *MemoryRuleStore) Get(_ context.Context, key core.RuleKey) (core.RateLimitRule, error) {
	if s == nil {
		return core.RateLimitRule{}, fmt.Errorf("ratelimit: rule store is nil")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rule, ok := s.items[core.NewRuleKey(key.Method, key.Path)]
	if !ok {
		return core.RateLimitRule{}, core.ErrRuleNotFound
	}
	return rule, nil
}

func (s *MemoryRuleStore) List(context.Context) ([]core.RateLimitRule, error) {
	if s == nil {
		return nil, fmt.Errorf("ratelimit: rule store is nil")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.RateLimitRule, 0, len(s.items))
	for _, rule := range s.items {
		out = append(out, rule)
	}
	sortRules(out)
	return out, nil
}

func (s *MemoryRuleStore) Delete(_ context.Context, key core.RuleKey) error {
	if s == nil {
		return fmt.Errorf("ratelimit: rule store is nil")
	}
	key = core.NewRuleKey(key.Method, key.Path)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[key]; !ok {
		return core.ErrRuleNotFound
	}
	delete(s.items, key)
	return nil
}

var _ core.RuleStore = (*MemoryRuleStore)(nil)
