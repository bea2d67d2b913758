package relay

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goliatone/go-relay/adapters/gocommand"
	"github.com/goliatone/go-relay/core"
	"github.com/goliatone/go-relay/counter"
	"github.com/goliatone/go-relay/queue"
	"github.com/goliatone/go-relay/ratelimit"
	"github.com/goliatone/go-relay/server"
	"github.com/goliatone/go-relay/webhooks"
)

type Config = core.Config

func DefaultConfig() Config {
	return core.DefaultConfig()
}

// Stores are the persistence seams of a Relay. Nil entries fall back to the
// in-process implementations.
type Stores struct {
	Counters   core.CounterStore
	Rules      core.RuleStore
	Stats      core.StatsStore
	Endpoints  core.EndpointStore
	Events     core.EventStore
	Deliveries core.DeliveryStore
	Jobs       core.JobQueue
}

type Option func(*options)

type options struct {
	logger  core.Logger
	metrics core.MetricsRecorder
	sender  core.DeliverySender
	hooks   []core.DeliveryHook
	now     func() time.Time
}

func WithLogger(logger core.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func WithMetrics(metrics core.MetricsRecorder) Option {
	return func(o *options) {
		o.metrics = metrics
	}
}

// WithSender replaces the HTTP sender used by the worker.
func WithSender(sender core.DeliverySender) Option {
	return func(o *options) {
		o.sender = sender
	}
}

func WithHooks(hooks ...core.DeliveryHook) Option {
	return func(o *options) {
		o.hooks = append(o.hooks, hooks...)
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// Relay is one assembled runtime: the rate limiter, the delivery pipeline
// and the command handlers over a single set of stores.
type Relay struct {
	Config      Config
	Stores      Stores
	Observer    core.Observer
	Rules       *ratelimit.Rules
	Engine      *ratelimit.Engine
	Limiter     *ratelimit.Middleware
	Coordinator *webhooks.Coordinator
	Service     *webhooks.Service
	Worker      *webhooks.Worker
	Reconciler  *webhooks.Reconciler
	Sweeper     *ratelimit.Sweeper
	Handlers    gocommand.Handlers
}

// NewMemory builds a Relay whose state lives in the process.
func NewMemory(cfg Config, opts ...Option) (*Relay, error) {
	return New(cfg, Stores{}, opts...)
}

func New(cfg Config, stores Stores, opts ...Option) (*Relay, error) {
	if err := cfg.Validate(); err != nil {
		return nil, core.ConfigurationError("relay configuration is invalid", map[string]string{
			"config": err.Error(),
		})
	}
	o := options{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	stores = stores.withDefaults(cfg)

	observer := core.NewObserver(cfg.ServiceName, o.logger, o.metrics)

	rules := ratelimit.NewRules(stores.Rules)
	engineOpts := []ratelimit.EngineOption{
		ratelimit.WithStatsStore(stores.Stats),
		ratelimit.WithFailOpen(cfg.RateLimit.FailOpen),
		ratelimit.WithObserver(observer),
	}
	if o.now != nil {
		rules.Now = o.now
		engineOpts = append(engineOpts, ratelimit.WithClock(o.now))
	}
	engine := ratelimit.NewEngine(stores.Counters, engineOpts...)
	limiter := ratelimit.NewMiddleware(engine, rules, ratelimit.WithClientKey(clientKey(cfg.RateLimit)))

	coordinator := webhooks.NewCoordinator(stores.Deliveries, stores.Jobs, webhooks.ExponentialBackoff{
		Base:   cfg.Retry.BaseDelay,
		Max:    cfg.Retry.MaxDelay,
		Jitter: cfg.Retry.Jitter,
	})
	coordinator.Classifier = webhooks.RetryClassifier{PermanentClientErrors: cfg.Retry.PermanentClientErrors}
	coordinator.MaxRetries = cfg.Retry.MaxRetries
	coordinator.MaxDelay = cfg.Retry.MaxDelay
	coordinator.Observer = observer
	if o.now != nil {
		coordinator.Now = o.now
	}

	serviceOpts := []webhooks.ServiceOption{
		webhooks.WithMaxRetries(cfg.Retry.MaxRetries),
		webhooks.WithServiceObserver(observer),
	}
	if o.now != nil {
		serviceOpts = append(serviceOpts, webhooks.WithServiceClock(o.now))
	}
	service, err := webhooks.NewService(stores.Endpoints, stores.Events, stores.Deliveries, stores.Jobs, coordinator, serviceOpts...)
	if err != nil {
		return nil, err
	}

	sender := o.sender
	if sender == nil {
		httpSender := webhooks.NewHTTPSender(&http.Client{Timeout: cfg.Delivery.Timeout})
		if header := strings.TrimSpace(cfg.Delivery.SignatureHeader); header != "" {
			httpSender.SignatureHeader = header
		}
		sender = httpSender
	}
	worker, err := webhooks.NewWorker(service, sender,
		webhooks.WithConcurrency(cfg.Delivery.Workers),
		webhooks.WithDequeueWait(cfg.Queue.DequeueWait),
		webhooks.WithAttemptTimeout(cfg.Delivery.Timeout),
		webhooks.WithHooks(o.hooks...),
		webhooks.WithWorkerObserver(observer),
	)
	if err != nil {
		return nil, err
	}

	reconciler, err := webhooks.NewReconciler(stores.Deliveries, stores.Jobs)
	if err != nil {
		return nil, err
	}
	if cfg.Reconcile.BatchSize > 0 {
		reconciler.BatchSize = cfg.Reconcile.BatchSize
	}
	reconciler.Observer = observer
	if o.now != nil {
		reconciler.Now = o.now
	}

	sweeper, err := ratelimit.NewSweeper(stores.Counters, rules)
	if err != nil {
		return nil, err
	}
	if sweeper != nil {
		sweeper.Observer = observer
	}

	return &Relay{
		Config:      cfg,
		Stores:      stores,
		Observer:    observer,
		Rules:       rules,
		Engine:      engine,
		Limiter:     limiter,
		Coordinator: coordinator,
		Service:     service,
		Worker:      worker,
		Reconciler:  reconciler,
		Sweeper:     sweeper,
		Handlers:    gocommand.NewHandlers(rules, stores.Stats, service),
	}, nil
}

// Server builds the admin API over this runtime. metrics and health may be
// nil.
func (r *Relay) Server(metrics http.Handler, health server.HealthCheck) *server.Server {
	if r == nil {
		return nil
	}
	return server.New(r.Config.HTTP.Addr, server.Dependencies{
		Handlers: r.Handlers,
		Limiter:  r.Limiter,
		Metrics:  metrics,
		Health:   health,
		Logger:   r.Observer.Logger,
		Observer: r.Observer,
	})
}

// Run drives the worker pool and the reconcile schedule until ctx is
// cancelled. Counters are swept on their own schedule when the store keeps
// expiring keys.
func (r *Relay) Run(ctx context.Context) error {
	if r == nil || r.Worker == nil || r.Reconciler == nil {
		return fmt.Errorf("relay: runtime is not configured")
	}
	if err := r.Reconciler.Start(ctx, r.Config.Reconcile.Schedule); err != nil {
		return err
	}
	defer r.Reconciler.Stop()
	if r.Sweeper != nil {
		if err := r.Sweeper.Start(ctx, r.Config.RateLimit.SweepSchedule); err != nil {
			return err
		}
		defer r.Sweeper.Stop()
	}
	return r.Worker.Run(ctx)
}

func (s Stores) withDefaults(cfg Config) Stores {
	if s.Counters == nil {
		s.Counters = counter.NewMemoryStore()
	}
	if s.Rules == nil {
		s.Rules = ratelimit.NewMemoryRuleStore()
	}
	if s.Stats == nil {
		s.Stats = ratelimit.NewMemoryStatsStore()
	}
	if s.Endpoints == nil || s.Events == nil || s.Deliveries == nil {
		memory := webhooks.NewMemoryStore()
		if s.Endpoints == nil {
			s.Endpoints = memory.EndpointStore()
		}
		if s.Events == nil {
			s.Events = memory.EventStore()
		}
		if s.Deliveries == nil {
			s.Deliveries = memory.DeliveryStore()
		}
	}
	if s.Jobs == nil {
		s.Jobs = queue.NewMemoryQueue(cfg.Queue.VisibilityTimeout)
	}
	return s
}

func clientKey(cfg core.RateLimitConfig) ratelimit.ClientKeyFunc {
	if header := strings.TrimSpace(cfg.ClientKeyHeader); header != "" {
		return ratelimit.HeaderClientKey(header)
	}
	return ratelimit.RemoteAddrClientKey
}
