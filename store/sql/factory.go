package sqlstore

import (
	"fmt"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/goliatone/go-relay/core"
	"github.com/uptrace/bun"
)

// RepositoryFactory builds every SQL-backed store over one bun handle.
type RepositoryFactory struct {
	db *bun.DB

	ruleStore     *RuleStore
	counterStore  *CounterStore
	statsStore    *StatsStore
	endpointStore *EndpointStore
	eventStore    *EventStore
	deliveryStore *DeliveryStore
	jobQueue      *JobQueue

	queueConfig  core.QueueConfig
	secretCipher core.SecretCipher
}

type FactoryOption func(*RepositoryFactory)

func WithQueueConfig(cfg core.QueueConfig) FactoryOption {
	return func(f *RepositoryFactory) {
		f.queueConfig = cfg
	}
}

// WithSecretCipher seals endpoint secrets at rest.
func WithSecretCipher(cipher core.SecretCipher) FactoryOption {
	return func(f *RepositoryFactory) {
		f.secretCipher = cipher
	}
}

func NewRepositoryFactory(opts ...FactoryOption) *RepositoryFactory {
	factory := &RepositoryFactory{}
	for _, opt := range opts {
		if opt != nil {
			opt(factory)
		}
	}
	return factory
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client, opts ...FactoryOption) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(opts...)
	if err := factory.Build(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewRepositoryFactoryFromDB(db *bun.DB, opts ...FactoryOption) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(opts...)
	if err := factory.Build(db); err != nil {
		return nil, err
	}
	return factory, nil
}

// Build accepts a *bun.DB or anything exposing DB() *bun.DB.
func (f *RepositoryFactory) Build(persistenceClient any) error {
	if f == nil {
		return fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return err
		}
		f.db = db
	}
	if f.ruleStore != nil && f.deliveryStore != nil {
		return nil
	}
	return f.initStores()
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func (f *RepositoryFactory) RuleStore() *RuleStore {
	if f == nil {
		return nil
	}
	return f.ruleStore
}

func (f *RepositoryFactory) CounterStore() *CounterStore {
	if f == nil {
		return nil
	}
	return f.counterStore
}

func (f *RepositoryFactory) StatsStore() *StatsStore {
	if f == nil {
		return nil
	}
	return f.statsStore
}

func (f *RepositoryFactory) EndpointStore() *EndpointStore {
	if f == nil {
		return nil
	}
	return f.endpointStore
}

func (f *RepositoryFactory) EventStore() *EventStore {
	if f == nil {
		return nil
	}
	return f.eventStore
}

func (f *RepositoryFactory) DeliveryStore() *DeliveryStore {
	if f == nil {
		return nil
	}
	return f.deliveryStore
}

func (f *RepositoryFactory) JobQueue() *JobQueue {
	if f == nil {
		return nil
	}
	return f.jobQueue
}

func (f *RepositoryFactory) initStores() error {
	ruleStore, err := NewRuleStore(f.db)
	if err != nil {
		return err
	}
	counterStore, err := NewCounterStore(f.db)
	if err != nil {
		return err
	}
	statsStore, err := NewStatsStore(f.db)
	if err != nil {
		return err
	}
	endpointStore, err := NewEndpointStore(f.db)
	if err != nil {
		return err
	}
	endpointStore.Cipher = f.secretCipher
	eventStore, err := NewEventStore(f.db)
	if err != nil {
		return err
	}
	deliveryStore, err := NewDeliveryStore(f.db)
	if err != nil {
		return err
	}
	jobQueue, err := NewJobQueue(f.db, f.queueConfig.VisibilityTimeout, f.queueConfig.PollInterval)
	if err != nil {
		return err
	}

	f.ruleStore = ruleStore
	f.counterStore = counterStore
	f.statsStore = statsStore
	f.endpointStore = endpointStore
	f.eventStore = eventStore
	f.deliveryStore = deliveryStore
	f.jobQueue = jobQueue
	return nil
}

// SetClock pins the clock of every time-aware store. Tests use it to step
// through windows and visibility timeouts.
func (f *RepositoryFactory) SetClock(now func() time.Time) {
	if f == nil || now == nil {
		return
	}
	if f.counterStore != nil {
		f.counterStore.Now = now
	}
	if f.jobQueue != nil {
		f.jobQueue.Now = now
	}
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
