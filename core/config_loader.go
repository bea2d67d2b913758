package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-config/cfgx"
	opts "github.com/goliatone/go-options"
)

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

// StaticConfigLoader serves a fixed raw map, mostly for tests and embedding.
type StaticConfigLoader struct {
	Values map[string]any
}

func (l StaticConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = StaticConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// GoOptionsResolver layers defaults < loaded file < runtime overrides. Zero
// values in the upper layers do not shadow lower ones.
type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			configToLayerMap(defaults, true),
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			configToLayerMap(loaded, false),
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			configToLayerMap(runtime, false),
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return resolved, nil
}

// LoadConfig runs provider and resolver with the relay defaults.
func LoadConfig(ctx context.Context, provider ConfigProvider, resolver OptionsResolver, runtime Config) (Config, error) {
	defaults := DefaultConfig()
	if provider == nil {
		provider = NewCfgxConfigProvider(nil)
	}
	if resolver == nil {
		resolver = GoOptionsResolver{}
	}
	loaded, err := provider.Load(ctx, defaults)
	if err != nil {
		return Config{}, err
	}
	return resolver.Resolve(defaults, loaded, runtime)
}

func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	set := func(target map[string]any, key string, value any, zero bool) {
		if includeZero || !zero {
			target[key] = value
		}
	}
	section := func(name string, values map[string]any) {
		if len(values) > 0 {
			layer[name] = values
		}
	}

	set(layer, "service_name", cfg.ServiceName, strings.TrimSpace(cfg.ServiceName) == "")

	rateLimit := map[string]any{}
	set(rateLimit, "fail_open", cfg.RateLimit.FailOpen, !cfg.RateLimit.FailOpen)
	set(rateLimit, "rule_cache_ttl", cfg.RateLimit.RuleCacheTTL, cfg.RateLimit.RuleCacheTTL == 0)
	set(rateLimit, "client_key_header", cfg.RateLimit.ClientKeyHeader, cfg.RateLimit.ClientKeyHeader == "")
	set(rateLimit, "sweep_schedule", cfg.RateLimit.SweepSchedule, cfg.RateLimit.SweepSchedule == "")
	section("rate_limit", rateLimit)

	queue := map[string]any{}
	set(queue, "visibility_timeout", cfg.Queue.VisibilityTimeout, cfg.Queue.VisibilityTimeout == 0)
	set(queue, "dequeue_wait", cfg.Queue.DequeueWait, cfg.Queue.DequeueWait == 0)
	set(queue, "poll_interval", cfg.Queue.PollInterval, cfg.Queue.PollInterval == 0)
	section("queue", queue)

	retry := map[string]any{}
	set(retry, "max_retries", cfg.Retry.MaxRetries, cfg.Retry.MaxRetries == 0)
	set(retry, "base_delay", cfg.Retry.BaseDelay, cfg.Retry.BaseDelay == 0)
	set(retry, "max_delay", cfg.Retry.MaxDelay, cfg.Retry.MaxDelay == 0)
	set(retry, "jitter", cfg.Retry.Jitter, cfg.Retry.Jitter == 0)
	set(retry, "permanent_client_errors", cfg.Retry.PermanentClientErrors, !cfg.Retry.PermanentClientErrors)
	section("retry", retry)

	delivery := map[string]any{}
	set(delivery, "timeout", cfg.Delivery.Timeout, cfg.Delivery.Timeout == 0)
	set(delivery, "workers", cfg.Delivery.Workers, cfg.Delivery.Workers == 0)
	set(delivery, "signature_header", cfg.Delivery.SignatureHeader, cfg.Delivery.SignatureHeader == "")
	section("delivery", delivery)

	reconcile := map[string]any{}
	set(reconcile, "schedule", cfg.Reconcile.Schedule, cfg.Reconcile.Schedule == "")
	set(reconcile, "batch_size", cfg.Reconcile.BatchSize, cfg.Reconcile.BatchSize == 0)
	section("reconcile", reconcile)

	httpCfg := map[string]any{}
	set(httpCfg, "addr", cfg.HTTP.Addr, cfg.HTTP.Addr == "")
	section("http", httpCfg)

	persistence := map[string]any{}
	set(persistence, "driver", cfg.Persistence.Driver, cfg.Persistence.Driver == "")
	set(persistence, "dsn", cfg.Persistence.DSN, cfg.Persistence.DSN == "")
	set(persistence, "debug", cfg.Persistence.Debug, !cfg.Persistence.Debug)
	section("persistence", persistence)

	security := map[string]any{}
	set(security, "secret_key", cfg.Security.SecretKey, cfg.Security.SecretKey == "")
	set(security, "key_id", cfg.Security.KeyID, cfg.Security.KeyID == "")
	section("security", security)

	return layer
}
