package query

import (
	"context"

	"github.com/goliatone/go-relay/core"
)

type RuleReader interface {
	List(ctx context.Context) ([]core.RateLimitRule, error)
}

type StatsReader interface {
	Snapshot(ctx context.Context) (core.Stats, error)
}

type DeliveryReader interface {
	GetDelivery(ctx context.Context, deliveryID string) (core.Delivery, error)
	ListDeliveries(ctx context.Context, filter core.DeliveryFilter) ([]core.Delivery, error)
}

type EndpointReader interface {
	GetEndpoint(ctx context.Context, endpointID string) (core.Endpoint, error)
	ListEndpoints(ctx context.Context) ([]core.Endpoint, error)
}

type ListRulesQuery struct {
	reader RuleReader
}

func NewListRulesQuery(reader RuleReader) *ListRulesQuery {
	return &ListRulesQuery{reader: reader}
}

func (q *ListRulesQuery) Query(ctx context.Context, _ ListRulesMessage) ([]core.RateLimitRule, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: rule reader is required")
	}
	rules, err := q.reader.List(ctx)
	if err != nil {
		return nil, err
	}
	if rules == nil {
		rules = []core.RateLimitRule{}
	}
	return rules, nil
}

type GetStatsQuery struct {
	reader StatsReader
}

func NewGetStatsQuery(reader StatsReader) *GetStatsQuery {
	return &GetStatsQuery{reader: reader}
}

func (q *GetStatsQuery) Query(ctx context.Context, _ GetStatsMessage) (core.Stats, error) {
	if q == nil || q.reader == nil {
		return core.Stats{}, queryDependencyError("query: stats reader is required")
	}
	stats, err := q.reader.Snapshot(ctx)
	if err != nil {
		return core.Stats{}, core.StoreUnavailableError(err, "stats")
	}
	return stats, nil
}

type GetDeliveryQuery struct {
	reader DeliveryReader
}

func NewGetDeliveryQuery(reader DeliveryReader) *GetDeliveryQuery {
	return &GetDeliveryQuery{reader: reader}
}

func (q *GetDeliveryQuery) Query(ctx context.Context, msg GetDeliveryMessage) (core.Delivery, error) {
	if q == nil || q.reader == nil {
		return core.Delivery{}, queryDependencyError("query: delivery reader is required")
	}
	if err := msg.Validate(); err != nil {
		return core.Delivery{}, err
	}
	return q.reader.GetDelivery(ctx, msg.DeliveryID)
}

type ListDeliveriesQuery struct {
	reader DeliveryReader
}

func NewListDeliveriesQuery(reader DeliveryReader) *ListDeliveriesQuery {
	return &ListDeliveriesQuery{reader: reader}
}

func (q *ListDeliveriesQuery) Query(ctx context.Context, msg ListDeliveriesMessage) ([]core.Delivery, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: delivery reader is required")
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	deliveries, err := q.reader.ListDeliveries(ctx, msg.Filter)
	if err != nil {
		return nil, err
	}
	if deliveries == nil {
		deliveries = []core.Delivery{}
	}
	return deliveries, nil
}

type GetEndpointQuery struct {
	reader EndpointReader
}

func NewGetEndpointQuery(reader EndpointReader) *GetEndpointQuery {
	return &GetEndpointQuery{reader: reader}
}

func (q *GetEndpointQuery) Query(ctx context.Context, msg GetEndpointMessage) (core.Endpoint, error) {
	if q == nil || q.reader == nil {
		return core.Endpoint{}, queryDependencyError("query: endpoint reader is required")
	}
	if err := msg.Validate(); err != nil {
		return core.Endpoint{}, err
	}
	return q.reader.GetEndpoint(ctx, msg.EndpointID)
}

type ListEndpointsQuery struct {
	reader EndpointReader
}

func NewListEndpointsQuery(reader EndpointReader) *ListEndpointsQuery {
	return &ListEndpointsQuery{reader: reader}
}

func (q *ListEndpointsQuery) Query(ctx context.Context, _ ListEndpointsMessage) ([]core.Endpoint, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: endpoint reader is required")
	}
	endpoints, err := q.reader.ListEndpoints(ctx)
	if err != nil {
		return nil, err
	}
	if endpoints == nil {
		endpoints = []core.Endpoint{}
	}
	return endpoints, nil
}
