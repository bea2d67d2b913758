package query

import (
	"strings"

	"github.com/goliatone/go-relay/core"
)

const (
	TypeListRules      = "relay.query.rule.list"
	TypeGetStats       = "relay.query.stats.get"
	TypeGetDelivery    = "relay.query.delivery.get"
	TypeListDeliveries = "relay.query.delivery.list"
	TypeGetEndpoint    = "relay.query.endpoint.get"
	TypeListEndpoints  = "relay.query.endpoint.list"

	maxListLimit = 500
)

type ListRulesMessage struct{}

func (ListRulesMessage) Type() string { return TypeListRules }

func (ListRulesMessage) Validate() error { return nil }

type GetStatsMessage struct{}

func (GetStatsMessage) Type() string { return TypeGetStats }

func (GetStatsMessage) Validate() error { return nil }

type GetDeliveryMessage struct {
	DeliveryID string
}

func (GetDeliveryMessage) Type() string { return TypeGetDelivery }

func (m GetDeliveryMessage) Validate() error {
	if strings.TrimSpace(m.DeliveryID) == "" {
		return queryValidationError("delivery_id", "delivery id is required")
	}
	return nil
}

type ListDeliveriesMessage struct {
	Filter core.DeliveryFilter
}

func (ListDeliveriesMessage) Type() string { return TypeListDeliveries }

func (m ListDeliveriesMessage) Validate() error {
	if m.Filter.Status != "" && !m.Filter.Status.Valid() {
		return queryValidationError("status", "status must be pending, success, failed or dead")
	}
	if m.Filter.Limit < 0 || m.Filter.Limit > maxListLimit {
		return queryValidationError("limit", "limit must be between 0 and 500")
	}
	if m.Filter.Offset < 0 {
		return queryValidationError("offset", "offset must not be negative")
	}
	return nil
}

type GetEndpointMessage struct {
	EndpointID string
}

func (GetEndpointMessage) Type() string { return TypeGetEndpoint }

func (m GetEndpointMessage) Validate() error {
	if strings.TrimSpace(m.EndpointID) == "" {
		return queryValidationError("endpoint_id", "endpoint id is required")
	}
	return nil
}

type ListEndpointsMessage struct{}

func (ListEndpointsMessage) Type() string { return TypeListEndpoints }

func (ListEndpointsMessage) Validate() error { return nil }
