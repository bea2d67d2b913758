package gocommand

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
)

// ValidateMessageContract requires a non-empty Type() and runs Validate()
// when the message has one.
func ValidateMessageContract(msg any) error {
	if err := command.ValidateMessage(msg); err != nil {
		return err
	}
	if _, err := messageType(msg); err != nil {
		return err
	}
	return nil
}

// RegistryAdapter pairs a go-command registry with the dispatcher
// subscriptions made through it. The dispatcher is process wide, so each
// message type may be mounted once per adapter and Close drops every
// subscription the adapter made.
type RegistryAdapter struct {
	registry *command.Registry

	mu            sync.Mutex
	types         map[string]struct{}
	subscriptions []commanddispatcher.Subscription
}

func NewRegistryAdapter(registry *command.Registry) *RegistryAdapter {
	if registry == nil {
		registry = command.NewRegistry()
	}
	return &RegistryAdapter{registry: registry, types: map[string]struct{}{}}
}

func (a *RegistryAdapter) Registry() *command.Registry {
	if a == nil {
		return nil
	}
	return a.registry
}

// RegisterCommand adds a handler to the registry without subscribing it.
// Resolvers such as the go-job queue resolver see it on Initialize.
func (a *RegistryAdapter) RegisterCommand(cmd any) error {
	if err := a.ready(); err != nil {
		return err
	}
	return a.registry.RegisterCommand(cmd)
}

func (a *RegistryAdapter) AddQueueResolver(key string, queueRegistry *jobqueuecommand.Registry) error {
	if err := a.ready(); err != nil {
		return err
	}
	if queueRegistry == nil {
		return fmt.Errorf("gocommand: queue registry is required")
	}
	return a.registry.AddResolver(strings.TrimSpace(key), jobqueuecommand.QueueResolver(queueRegistry))
}

func (a *RegistryAdapter) AddResolver(key string, resolver command.Resolver) error {
	if err := a.ready(); err != nil {
		return err
	}
	return a.registry.AddResolver(strings.TrimSpace(key), resolver)
}

func (a *RegistryAdapter) HasResolver(key string) bool {
	if a == nil || a.registry == nil {
		return false
	}
	return a.registry.HasResolver(strings.TrimSpace(key))
}

func (a *RegistryAdapter) Initialize() error {
	if err := a.ready(); err != nil {
		return err
	}
	return a.registry.Initialize()
}

// Mounted lists the message types subscribed through the adapter.
func (a *RegistryAdapter) Mounted() []string {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.types))
	for name := range a.types {
		out = append(out, name)
	}
	return out
}

// Close unsubscribes everything mounted through the adapter. The registry
// keeps its handlers.
func (a *RegistryAdapter) Close() {
	if a == nil {
		return
	}
	a.mu.Lock()
	subscriptions := a.subscriptions
	a.subscriptions = nil
	a.types = map[string]struct{}{}
	a.mu.Unlock()
	for _, subscription := range subscriptions {
		if subscription != nil {
			subscription.Unsubscribe()
		}
	}
}

func (a *RegistryAdapter) ready() error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return nil
}

// claim reserves a message type for mounting. The returned release undoes the
// reservation when registration fails afterwards.
func (a *RegistryAdapter) claim(name string) (func(), error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.types == nil {
		a.types = map[string]struct{}{}
	}
	if _, exists := a.types[name]; exists {
		return nil, fmt.Errorf("gocommand: %s is already mounted", name)
	}
	a.types[name] = struct{}{}
	return func() {
		a.mu.Lock()
		delete(a.types, name)
		a.mu.Unlock()
	}, nil
}

func (a *RegistryAdapter) track(subscription commanddispatcher.Subscription) {
	a.mu.Lock()
	a.subscriptions = append(a.subscriptions, subscription)
	a.mu.Unlock()
}

func Dispatch[T any](ctx context.Context, msg T) error {
	return commanddispatcher.Dispatch(ctx, msg)
}

func Query[T any, R any](ctx context.Context, msg T) (R, error) {
	return commanddispatcher.Query[T, R](ctx, msg)
}

// RegisterAndSubscribe registers cmd and subscribes it to the dispatcher.
// The subscription belongs to the adapter.
func RegisterAndSubscribe[T any](
	adapter *RegistryAdapter,
	cmd command.Commander[T],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if err := adapter.ready(); err != nil {
		return nil, err
	}
	if cmd == nil {
		return nil, fmt.Errorf("gocommand: command is required")
	}
	var zero T
	name, err := messageType(zero)
	if err != nil {
		return nil, err
	}
	release, err := adapter.claim(name)
	if err != nil {
		return nil, err
	}
	if err := adapter.registry.RegisterCommand(cmd); err != nil {
		release()
		return nil, err
	}
	subscription := commanddispatcher.SubscribeCommand(cmd, runnerOpts...)
	adapter.track(subscription)
	return subscription, nil
}

func RegisterAndSubscribeQuery[T any, R any](
	adapter *RegistryAdapter,
	qry command.Querier[T, R],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if err := adapter.ready(); err != nil {
		return nil, err
	}
	if qry == nil {
		return nil, fmt.Errorf("gocommand: query is required")
	}
	var zero T
	name, err := messageType(zero)
	if err != nil {
		return nil, err
	}
	release, err := adapter.claim(name)
	if err != nil {
		return nil, err
	}
	if err := adapter.registry.RegisterCommand(qry); err != nil {
		release()
		return nil, err
	}
	subscription := commanddispatcher.SubscribeQuery(qry, runnerOpts...)
	adapter.track(subscription)
	return subscription, nil
}

func messageType(msg any) (string, error) {
	m, ok := msg.(command.Message)
	if !ok {
		return "", fmt.Errorf("gocommand: message %T must implement Type() string", msg)
	}
	name := strings.TrimSpace(m.Type())
	if name == "" {
		return "", fmt.Errorf("gocommand: message %T has an empty type", msg)
	}
	return name, nil
}
