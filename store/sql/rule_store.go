package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/goliatone/go-relay/core"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type RuleStore struct {
	db   *bun.DB
	repo repository.Repository[*ruleRecord]
}

func NewRuleStore(db *bun.DB) (*RuleStore, error) {
	repo, err := newRepository[*ruleRecord](db, ruleHandlers(), "rate limit rule")
	if err != nil {
		return nil, err
	}
	return &RuleStore{db: db, repo: repo}, nil
}

func (s *RuleStore) Upsert(ctx context.Context, rule core.RateLimitRule) (core.RateLimitRule, error) {
	if s == nil || s.db == nil {
		return core.RateLimitRule{}, fmt.Errorf("sqlstore: rule store is not configured")
	}
	rule = rule.Normalize()
	key := rule.Key()
	if key.Method == "" || key.Path == "" {
		return core.RateLimitRule{}, fmt.Errorf("sqlstore: rule method and path are required")
	}
	now := time.Now().UTC()
	if rule.UpdatedAt.IsZero() {
		rule.UpdatedAt = now
	}

	var stored *ruleRecord
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		existing, err := findRuleTx(ctx, tx, key)
		if err != nil {
			return err
		}
		record := newRuleRecord(rule)
		if existing == nil {
			if strings.TrimSpace(record.ID) == "" {
				record.ID = uuid.NewString()
			}
			if record.CreatedAt.IsZero() {
				record.CreatedAt = record.UpdatedAt
			}
			if _, err := tx.NewInsert().Model(record).Exec(ctx); err != nil {
				return err
			}
			stored = record
			return nil
		}
		record.ID = existing.ID
		record.CreatedAt = existing.CreatedAt
		if _, err := tx.NewUpdate().
			Model(record).
			Column("limit_count", "window_seconds", "strategy", "updated_at").
			Where("id = ?", record.ID).
			Exec(ctx); err != nil {
			return err
		}
		stored = record
		return nil
	})
	if err != nil {
		return core.RateLimitRule{}, err
	}
	return stored.toDomain(), nil
}

func (s *RuleStore) Get(ctx context.Context, key core.RuleKey) (core.RateLimitRule, error) {
	if s == nil || s.db == nil {
		return core.RateLimitRule{}, fmt.Errorf("sqlstore: rule store is not configured")
	}
	key = core.NewRuleKey(key.Method, key.Path)
	record := &ruleRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.method = ?", key.Method).
		Where("?TableAlias.path = ?", key.Path).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.RateLimitRule{}, fmt.Errorf("%w: %s", core.ErrRuleNotFound, key)
		}
		return core.RateLimitRule{}, err
	}
	return record.toDomain(), nil
}

func (s *RuleStore) List(ctx context.Context) ([]core.RateLimitRule, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: rule store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.OrderBy("path ASC"),
		repository.OrderBy("method ASC"),
	)
	if err != nil {
		return nil, err
	}
	rules := make([]core.RateLimitRule, 0, len(records))
	for _, record := range records {
		rules = append(rules, record.toDomain())
	}
	return rules, nil
}

func (s *RuleStore) Delete(ctx context.Context, key core.RuleKey) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: rule store is not configured")
	}
	key = core.NewRuleKey(key.Method, key.Path)
	res, err := s.db.NewDelete().
		Model((*ruleRecord)(nil)).
		Where("method = ?", key.Method).
		Where("path = ?", key.Path).
		Exec(ctx)
	if err != nil {
		return err
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("%w: %s", core.ErrRuleNotFound, key)
	}
	return nil
}

func findRuleTx(ctx context.Context, tx bun.Tx, key core.RuleKey) (*ruleRecord, error) {
	record := &ruleRecord{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.method = ?", key.Method).
		Where("?TableAlias.path = ?", key.Path).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

func newRuleRecord(rule core.RateLimitRule) *ruleRecord {
	key := rule.Key()
	return &ruleRecord{
		ID:            strings.TrimSpace(rule.ID),
		Method:        key.Method,
		Path:          key.Path,
		Limit:         rule.Limit,
		WindowSeconds: rule.Window,
		Strategy:      string(rule.Strategy),
		CreatedAt:     rule.CreatedAt.UTC(),
		UpdatedAt:     rule.UpdatedAt.UTC(),
	}
}

func (r *ruleRecord) toDomain() core.RateLimitRule {
	if r == nil {
		return core.RateLimitRule{}
	}
	return core.RateLimitRule{
		ID:        r.ID,
		Method:    r.Method,
		Path:      r.Path,
		Limit:     r.Limit,
		Window:    r.WindowSeconds,
		Strategy:  core.Strategy(r.Strategy),
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
}

const ruleCacheKey = "go-relay::rate_limit_rules::v1::all"

// CachedRuleStore serves rule reads from one cached snapshot of the rule
// table. Writes go to the base store and drop the snapshot; other instances
// see the change once their cache entry expires.
type CachedRuleStore struct {
	base  core.RuleStore
	cache repositorycache.CacheService
}

func NewCachedRuleStore(base core.RuleStore, cacheService repositorycache.CacheService) (*CachedRuleStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base rule store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: rule cache service is required")
	}
	return &CachedRuleStore{base: base, cache: cacheService}, nil
}

// NewRuleCacheService builds the cache used by CachedRuleStore.
func NewRuleCacheService(ttl time.Duration) (repositorycache.CacheService, error) {
	config := repositorycache.DefaultConfig()
	if ttl > 0 {
		config.TTL = ttl
	}
	return repositorycache.NewCacheService(config)
}

func (s *CachedRuleStore) Upsert(ctx context.Context, rule core.RateLimitRule) (core.RateLimitRule, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.RateLimitRule{}, fmt.Errorf("sqlstore: cached rule store is not configured")
	}
	stored, err := s.base.Upsert(ctx, rule)
	if err != nil {
		return core.RateLimitRule{}, err
	}
	if err := s.cache.Delete(ctx, ruleCacheKey); err != nil {
		return stored, err
	}
	return stored, nil
}

func (s *CachedRuleStore) Get(ctx context.Context, key core.RuleKey) (core.RateLimitRule, error) {
	rules, err := s.List(ctx)
	if err != nil {
		return core.RateLimitRule{}, err
	}
	key = core.NewRuleKey(key.Method, key.Path)
	for _, rule := range rules {
		if rule.Key() == key {
			return rule, nil
		}
	}
	return core.RateLimitRule{}, fmt.Errorf("%w: %s", core.ErrRuleNotFound, key)
}

func (s *CachedRuleStore) List(ctx context.Context) ([]core.RateLimitRule, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return nil, fmt.Errorf("sqlstore: cached rule store is not configured")
	}
	rules, err := repositorycache.GetOrFetch(ctx, s.cache, ruleCacheKey, func(ctx context.Context) ([]core.RateLimitRule, error) {
		return s.base.List(ctx)
	})
	if err != nil {
		return nil, err
	}
	return append([]core.RateLimitRule(nil), rules...), nil
}

func (s *CachedRuleStore) Delete(ctx context.Context, key core.RuleKey) error {
	if s == nil || s.base == nil || s.cache == nil {
		return fmt.Errorf("sqlstore: cached rule store is not configured")
	}
	if err := s.base.Delete(ctx, key); err != nil {
		return err
	}
	return s.cache.Delete(ctx, ruleCacheKey)
}

var (
	_ core.RuleStore = (*RuleStore)(nil)
	_ core.RuleStore = (*CachedRuleStore)(nil)
)
