package query

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-relay/core"
	"github.com/goliatone/go-relay/ratelimit"
	"github.com/goliatone/go-relay/webhooks"
)

var (
	_ gocmd.Querier[ListRulesMessage, []core.RateLimitRule] = (*ListRulesQuery)(nil)
	_ gocmd.Querier[GetStatsMessage, core.Stats]            = (*GetStatsQuery)(nil)
	_ gocmd.Querier[GetDeliveryMessage, core.Delivery]      = (*GetDeliveryQuery)(nil)
	_ gocmd.Querier[ListDeliveriesMessage, []core.Delivery] = (*ListDeliveriesQuery)(nil)
	_ gocmd.Querier[GetEndpointMessage, core.Endpoint]      = (*GetEndpointQuery)(nil)
	_ gocmd.Querier[ListEndpointsMessage, []core.Endpoint]  = (*ListEndpointsQuery)(nil)

	_ RuleReader     = (*ratelimit.Rules)(nil)
	_ StatsReader    = (*ratelimit.MemoryStatsStore)(nil)
	_ DeliveryReader = (*webhooks.Service)(nil)
	_ EndpointReader = (*webhooks.Service)(nil)
)
