package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-relay/core"
	"github.com/spf13/viper"
)

const envPrefix = "RELAY"

type valueKind int

const (
	kindString valueKind = iota
	kindBool
	kindInt
	kindFloat
	kindDuration
)

type configKey struct {
	name  string
	kind  valueKind
	value func(core.Config) any
}

// configKeys lists every setting viper should know about. AutomaticEnv only
// resolves keys that have a default, so each one is seeded from
// core.DefaultConfig.
var configKeys = []configKey{
	{"service_name", kindString, func(c core.Config) any { return c.ServiceName }},

	{"rate_limit.fail_open", kindBool, func(c core.Config) any { return c.RateLimit.FailOpen }},
	{"rate_limit.rule_cache_ttl", kindDuration, func(c core.Config) any { return c.RateLimit.RuleCacheTTL }},
	{"rate_limit.client_key_header", kindString, func(c core.Config) any { return c.RateLimit.ClientKeyHeader }},
	{"rate_limit.sweep_schedule", kindString, func(c core.Config) any { return c.RateLimit.SweepSchedule }},

	{"queue.visibility_timeout", kindDuration, func(c core.Config) any { return c.Queue.VisibilityTimeout }},
	{"queue.dequeue_wait", kindDuration, func(c core.Config) any { return c.Queue.DequeueWait }},
	{"queue.poll_interval", kindDuration, func(c core.Config) any { return c.Queue.PollInterval }},

	{"retry.max_retries", kindInt, func(c core.Config) any { return c.Retry.MaxRetries }},
	{"retry.base_delay", kindDuration, func(c core.Config) any { return c.Retry.BaseDelay }},
	{"retry.max_delay", kindDuration, func(c core.Config) any { return c.Retry.MaxDelay }},
	{"retry.jitter", kindFloat, func(c core.Config) any { return c.Retry.Jitter }},
	{"retry.permanent_client_errors", kindBool, func(c core.Config) any { return c.Retry.PermanentClientErrors }},

	{"delivery.timeout", kindDuration, func(c core.Config) any { return c.Delivery.Timeout }},
	{"delivery.workers", kindInt, func(c core.Config) any { return c.Delivery.Workers }},
	{"delivery.signature_header", kindString, func(c core.Config) any { return c.Delivery.SignatureHeader }},

	{"reconcile.schedule", kindString, func(c core.Config) any { return c.Reconcile.Schedule }},
	{"reconcile.batch_size", kindInt, func(c core.Config) any { return c.Reconcile.BatchSize }},

	{"http.addr", kindString, func(c core.Config) any { return c.HTTP.Addr }},

	{"persistence.driver", kindString, func(c core.Config) any { return c.Persistence.Driver }},
	{"persistence.dsn", kindString, func(c core.Config) any { return c.Persistence.DSN }},
	{"persistence.debug", kindBool, func(c core.Config) any { return c.Persistence.Debug }},

	{"security.secret_key", kindString, func(c core.Config) any { return c.Security.SecretKey }},
	{"security.key_id", kindString, func(c core.Config) any { return c.Security.KeyID }},
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	defaults := core.DefaultConfig()
	for _, key := range configKeys {
		v.SetDefault(key.name, key.value(defaults))
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("relay: read config %s: %w", path, err)
		}
	}
	return v, nil
}

// viperLoader feeds viper's merged file, env and default values to the cfgx
// provider. Values are read through the typed getters so env strings such as
// "45s" arrive as durations.
type viperLoader struct {
	v *viper.Viper
}

func (l viperLoader) LoadRaw(context.Context) (map[string]any, error) {
	raw := map[string]any{}
	if l.v == nil {
		return raw, nil
	}
	for _, key := range configKeys {
		setPath(raw, key.name, l.value(key))
	}
	return raw, nil
}

func (l viperLoader) value(key configKey) any {
	switch key.kind {
	case kindBool:
		return l.v.GetBool(key.name)
	case kindInt:
		return l.v.GetInt(key.name)
	case kindFloat:
		return l.v.GetFloat64(key.name)
	case kindDuration:
		return l.v.GetDuration(key.name)
	default:
		return l.v.GetString(key.name)
	}
}

func setPath(target map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	for _, part := range parts[:len(parts)-1] {
		next, ok := target[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			target[part] = next
		}
		target = next
	}
	target[parts[len(parts)-1]] = value
}

var _ core.RawConfigLoader = viperLoader{}
