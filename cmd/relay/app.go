package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	gocmd "github.com/goliatone/go-command"
	job "github.com/goliatone/go-job"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
	persistence "github.com/goliatone/go-persistence-bun"
	relay "github.com/goliatone/go-relay"
	"github.com/goliatone/go-relay/adapters/gocommand"
	"github.com/goliatone/go-relay/adapters/gojob"
	"github.com/goliatone/go-relay/adapters/gologger"
	relayprom "github.com/goliatone/go-relay/adapters/prometheus"
	"github.com/goliatone/go-relay/core"
	"github.com/goliatone/go-relay/security"
	sqlstore "github.com/goliatone/go-relay/store/sql"
)

const queueResolverKey = "queue"

// app is a relay runtime over the configured database, with its handlers
// registered on the global command dispatcher.
type app struct {
	cfg         core.Config
	logger      core.Logger
	client      *persistence.Client
	factory     *sqlstore.RepositoryFactory
	metrics     *relayprom.Recorder
	relay       *relay.Relay
	commands    *gocommand.RegistryAdapter
	jobCommands *jobqueuecommand.Registry
}

func (c *cli) buildApp(ctx context.Context, runtime core.Config, migrate bool) (*app, error) {
	cfg, err := c.loadConfig(ctx, runtime)
	if err != nil {
		return nil, err
	}

	loggers := gologger.Resolve(cfg.ServiceName, c.logger.Provider(), c.logger)
	logger := loggers.Logger

	client, err := sqlstore.NewClient(ctx, cfg.Persistence, cfg.ServiceName, migrate)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, client: client}
	if err := a.wire(loggers.Job("worker")); err != nil {
		_ = a.Close()
		return nil, err
	}
	logger.Info("relay runtime ready",
		"service", cfg.ServiceName,
		"driver", cfg.Persistence.Driver,
		"workers", cfg.Delivery.Workers,
	)
	return a, nil
}

func (a *app) wire(jobLogger job.Logger) error {
	factoryOpts := []sqlstore.FactoryOption{sqlstore.WithQueueConfig(a.cfg.Queue)}
	if key := strings.TrimSpace(a.cfg.Security.SecretKey); key != "" {
		cipher, err := security.NewAppKeyCipherFromString(key, security.WithKeyID(a.cfg.Security.KeyID))
		if err != nil {
			return err
		}
		factoryOpts = append(factoryOpts, sqlstore.WithSecretCipher(cipher))
	}
	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(a.client, factoryOpts...)
	if err != nil {
		return err
	}
	cacheService, err := sqlstore.NewRuleCacheService(a.cfg.RateLimit.RuleCacheTTL)
	if err != nil {
		return fmt.Errorf("relay: rule cache: %w", err)
	}
	rules, err := sqlstore.NewCachedRuleStore(factory.RuleStore(), cacheService)
	if err != nil {
		return err
	}

	metrics := relayprom.NewRecorder()
	rt, err := relay.New(a.cfg, relay.Stores{
		Counters:   factory.CounterStore(),
		Rules:      rules,
		Stats:      factory.StatsStore(),
		Endpoints:  factory.EndpointStore(),
		Events:     factory.EventStore(),
		Deliveries: factory.DeliveryStore(),
		Jobs:       factory.JobQueue(),
	},
		relay.WithLogger(a.logger),
		relay.WithMetrics(metrics),
		relay.WithHooks(gojob.NewDeliveryHookAdapter(gojob.NewLogHook(jobLogger))),
	)
	if err != nil {
		return err
	}

	commands := gocommand.NewRegistryAdapter(gocmd.NewRegistry())
	jobCommands := jobqueuecommand.NewRegistry()
	if err := commands.AddQueueResolver(queueResolverKey, jobCommands); err != nil {
		return err
	}
	if err := commands.Mount(rt.Handlers); err != nil {
		return err
	}
	if err := commands.Initialize(); err != nil {
		commands.Close()
		return fmt.Errorf("relay: initialize command registry: %w", err)
	}

	a.factory = factory
	a.metrics = metrics
	a.relay = rt
	a.commands = commands
	a.jobCommands = jobCommands
	return nil
}

func (a *app) health(ctx context.Context) error {
	if a == nil || a.factory == nil || a.factory.DB() == nil {
		return errors.New("relay: database is not configured")
	}
	return a.factory.DB().PingContext(ctx)
}

func (a *app) Close() error {
	if a == nil {
		return nil
	}
	a.commands.Close()
	if a.client != nil {
		return a.client.Close()
	}
	return nil
}
