package command

import (
	"context"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-relay/core"
	"github.com/goliatone/go-relay/webhooks"
)

type RuleWriter interface {
	Upsert(ctx context.Context, rule core.RateLimitRule) (core.RateLimitRule, error)
	Delete(ctx context.Context, method, path string) error
}

type DeliveryService interface {
	RegisterEndpoint(ctx context.Context, req webhooks.RegisterEndpointRequest) (core.Endpoint, error)
	SetEndpointActive(ctx context.Context, endpointID string, active bool) (core.Endpoint, error)
	Enqueue(ctx context.Context, req webhooks.EnqueueRequest) (core.Delivery, error)
	Retry(ctx context.Context, deliveryID string) (core.Delivery, error)
}

type UpsertRuleCommand struct {
	rules RuleWriter
}

func NewUpsertRuleCommand(rules RuleWriter) *UpsertRuleCommand {
	return &UpsertRuleCommand{rules: rules}
}

func (c *UpsertRuleCommand) Execute(ctx context.Context, msg UpsertRuleMessage) error {
	if c == nil || c.rules == nil {
		return commandDependencyError("command: rule registry is required")
	}
	out, err := c.rules.Upsert(ctx, msg.Rule)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type DeleteRuleCommand struct {
	rules RuleWriter
}

func NewDeleteRuleCommand(rules RuleWriter) *DeleteRuleCommand {
	return &DeleteRuleCommand{rules: rules}
}

func (c *DeleteRuleCommand) Execute(ctx context.Context, msg DeleteRuleMessage) error {
	if c == nil || c.rules == nil {
		return commandDependencyError("command: rule registry is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	return c.rules.Delete(ctx, msg.Method, msg.Path)
}

type RegisterEndpointCommand struct {
	service DeliveryService
}

func NewRegisterEndpointCommand(service DeliveryService) *RegisterEndpointCommand {
	return &RegisterEndpointCommand{service: service}
}

func (c *RegisterEndpointCommand) Execute(ctx context.Context, msg RegisterEndpointMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: delivery service is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	out, err := c.service.RegisterEndpoint(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type SetEndpointActiveCommand struct {
	service DeliveryService
}

func NewSetEndpointActiveCommand(service DeliveryService) *SetEndpointActiveCommand {
	return &SetEndpointActiveCommand{service: service}
}

func (c *SetEndpointActiveCommand) Execute(ctx context.Context, msg SetEndpointActiveMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: delivery service is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	out, err := c.service.SetEndpointActive(ctx, msg.EndpointID, msg.Active)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type EnqueueDeliveryCommand struct {
	service DeliveryService
}

func NewEnqueueDeliveryCommand(service DeliveryService) *EnqueueDeliveryCommand {
	return &EnqueueDeliveryCommand{service: service}
}

func (c *EnqueueDeliveryCommand) Execute(ctx context.Context, msg EnqueueDeliveryMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: delivery service is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	out, err := c.service.Enqueue(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type RetryDeliveryCommand struct {
	service DeliveryService
}

func NewRetryDeliveryCommand(service DeliveryService) *RetryDeliveryCommand {
	return &RetryDeliveryCommand{service: service}
}

func (c *RetryDeliveryCommand) Execute(ctx context.Context, msg RetryDeliveryMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: delivery service is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	out, err := c.service.Retry(ctx, msg.DeliveryID)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
