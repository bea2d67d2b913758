package command

import (
	"encoding/json"
	"strings"

	"github.com/goliatone/go-relay/core"
	"github.com/goliatone/go-relay/webhooks"
)

const (
	TypeUpsertRule        = "relay.command.rule.upsert"
	TypeDeleteRule        = "relay.command.rule.delete"
	TypeRegisterEndpoint  = "relay.command.endpoint.register"
	TypeSetEndpointActive = "relay.command.endpoint.set_active"
	TypeEnqueueDelivery   = "relay.command.delivery.enqueue"
	TypeRetryDelivery     = "relay.command.delivery.retry"
)

// UpsertRuleMessage carries the rule as received. Field validation belongs
// to the rule registry so the caller gets the full 422 field list.
type UpsertRuleMessage struct {
	Rule core.RateLimitRule
}

func (UpsertRuleMessage) Type() string { return TypeUpsertRule }

func (m UpsertRuleMessage) Validate() error {
	return nil
}

type DeleteRuleMessage struct {
	Method string
	Path   string
}

func (DeleteRuleMessage) Type() string { return TypeDeleteRule }

func (m DeleteRuleMessage) Validate() error {
	if strings.TrimSpace(m.Method) == "" {
		return commandValidationError("method", "method is required")
	}
	if !strings.HasPrefix(strings.TrimSpace(m.Path), "/") {
		return commandValidationError("path", "path must start with /")
	}
	return nil
}

type RegisterEndpointMessage struct {
	Request webhooks.RegisterEndpointRequest
}

func (RegisterEndpointMessage) Type() string { return TypeRegisterEndpoint }

func (m RegisterEndpointMessage) Validate() error {
	if strings.TrimSpace(m.Request.URL) == "" {
		return commandValidationError("url", "url is required")
	}
	return nil
}

type SetEndpointActiveMessage struct {
	EndpointID string
	Active     bool
}

func (SetEndpointActiveMessage) Type() string { return TypeSetEndpointActive }

func (m SetEndpointActiveMessage) Validate() error {
	if strings.TrimSpace(m.EndpointID) == "" {
		return commandValidationError("endpoint_id", "endpoint id is required")
	}
	return nil
}

type EnqueueDeliveryMessage struct {
	Request webhooks.EnqueueRequest
}

func (EnqueueDeliveryMessage) Type() string { return TypeEnqueueDelivery }

func (m EnqueueDeliveryMessage) Validate() error {
	if strings.TrimSpace(m.Request.EndpointID) == "" {
		return commandValidationError("endpoint_id", "endpoint id is required")
	}
	if strings.TrimSpace(m.Request.EventType) == "" {
		return commandValidationError("event_type", "event type is required")
	}
	if len(m.Request.Payload) > 0 && !json.Valid(m.Request.Payload) {
		return commandValidationError("payload", "payload must be valid JSON")
	}
	return nil
}

type RetryDeliveryMessage struct {
	DeliveryID string
}

func (RetryDeliveryMessage) Type() string { return TypeRetryDelivery }

func (m RetryDeliveryMessage) Validate() error {
	if strings.TrimSpace(m.DeliveryID) == "" {
		return commandValidationError("delivery_id", "delivery id is required")
	}
	return nil
}
