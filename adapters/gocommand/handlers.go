package gocommand

import (
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	"github.com/goliatone/go-relay/command"
	"github.com/goliatone/go-relay/core"
	"github.com/goliatone/go-relay/query"
)

// Handlers groups every relay command and query handler so they can be
// registered and subscribed in one call.
type Handlers struct {
	UpsertRule        *command.UpsertRuleCommand
	DeleteRule        *command.DeleteRuleCommand
	RegisterEndpoint  *command.RegisterEndpointCommand
	SetEndpointActive *command.SetEndpointActiveCommand
	EnqueueDelivery   *command.EnqueueDeliveryCommand
	RetryDelivery     *command.RetryDeliveryCommand

	ListRules      *query.ListRulesQuery
	GetStats       *query.GetStatsQuery
	GetDelivery    *query.GetDeliveryQuery
	ListDeliveries *query.ListDeliveriesQuery
	GetEndpoint    *query.GetEndpointQuery
	ListEndpoints  *query.ListEndpointsQuery
}

func NewHandlers(
	rules interface {
		command.RuleWriter
		query.RuleReader
	},
	stats query.StatsReader,
	deliveries interface {
		command.DeliveryService
		query.DeliveryReader
		query.EndpointReader
	},
) Handlers {
	return Handlers{
		UpsertRule:        command.NewUpsertRuleCommand(rules),
		DeleteRule:        command.NewDeleteRuleCommand(rules),
		RegisterEndpoint:  command.NewRegisterEndpointCommand(deliveries),
		SetEndpointActive: command.NewSetEndpointActiveCommand(deliveries),
		EnqueueDelivery:   command.NewEnqueueDeliveryCommand(deliveries),
		RetryDelivery:     command.NewRetryDeliveryCommand(deliveries),
		ListRules:         query.NewListRulesQuery(rules),
		GetStats:          query.NewGetStatsQuery(stats),
		GetDelivery:       query.NewGetDeliveryQuery(deliveries),
		ListDeliveries:    query.NewListDeliveriesQuery(deliveries),
		GetEndpoint:       query.NewGetEndpointQuery(deliveries),
		ListEndpoints:     query.NewListEndpointsQuery(deliveries),
	}
}

// Mount registers every handler and subscribes it to the dispatcher. When a
// step fails everything mounted so far is closed.
func (a *RegistryAdapter) Mount(handlers Handlers, runnerOpts ...runner.Option) error {
	if err := a.ready(); err != nil {
		return err
	}
	steps := []func() (commanddispatcher.Subscription, error){
		func() (commanddispatcher.Subscription, error) {
			return RegisterAndSubscribe[command.UpsertRuleMessage](a, handlers.UpsertRule, runnerOpts...)
		},
		func() (commanddispatcher.Subscription, error) {
			return RegisterAndSubscribe[command.DeleteRuleMessage](a, handlers.DeleteRule, runnerOpts...)
		},
		func() (commanddispatcher.Subscription, error) {
			return RegisterAndSubscribe[command.RegisterEndpointMessage](a, handlers.RegisterEndpoint, runnerOpts...)
		},
		func() (commanddispatcher.Subscription, error) {
			return RegisterAndSubscribe[command.SetEndpointActiveMessage](a, handlers.SetEndpointActive, runnerOpts...)
		},
		func() (commanddispatcher.Subscription, error) {
			return RegisterAndSubscribe[command.EnqueueDeliveryMessage](a, handlers.EnqueueDelivery, runnerOpts...)
		},
		func() (commanddispatcher.Subscription, error) {
			return RegisterAndSubscribe[command.RetryDeliveryMessage](a, handlers.RetryDelivery, runnerOpts...)
		},
		func() (commanddispatcher.Subscription, error) {
			return RegisterAndSubscribeQuery[query.ListRulesMessage, []core.RateLimitRule](a, handlers.ListRules, runnerOpts...)
		},
		func() (commanddispatcher.Subscription, error) {
			return RegisterAndSubscribeQuery[query.GetStatsMessage, core.Stats](a, handlers.GetStats, runnerOpts...)
		},
		func() (commanddispatcher.Subscription, error) {
			return RegisterAndSubscribeQuery[query.GetDeliveryMessage, core.Delivery](a, handlers.GetDelivery, runnerOpts...)
		},
		func() (commanddispatcher.Subscription, error) {
			return RegisterAndSubscribeQuery[query.ListDeliveriesMessage, []core.Delivery](a, handlers.ListDeliveries, runnerOpts...)
		},
		func() (commanddispatcher.Subscription, error) {
			return RegisterAndSubscribeQuery[query.GetEndpointMessage, core.Endpoint](a, handlers.GetEndpoint, runnerOpts...)
		},
		func() (commanddispatcher.Subscription, error) {
			return RegisterAndSubscribeQuery[query.ListEndpointsMessage, []core.Endpoint](a, handlers.ListEndpoints, runnerOpts...)
		},
	}
	for _, step := range steps {
		if _, err := step(); err != nil {
			a.Close()
			return err
		}
	}
	return nil
}
