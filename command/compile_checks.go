package command

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-relay/ratelimit"
	"github.com/goliatone/go-relay/webhooks"
)

var (
	_ gocmd.Commander[UpsertRuleMessage]        = (*UpsertRuleCommand)(nil)
	_ gocmd.Commander[DeleteRuleMessage]        = (*DeleteRuleCommand)(nil)
	_ gocmd.Commander[RegisterEndpointMessage]  = (*RegisterEndpointCommand)(nil)
	_ gocmd.Commander[SetEndpointActiveMessage] = (*SetEndpointActiveCommand)(nil)
	_ gocmd.Commander[EnqueueDeliveryMessage]   = (*EnqueueDeliveryCommand)(nil)
	_ gocmd.Commander[RetryDeliveryMessage]     = (*RetryDeliveryCommand)(nil)

	_ RuleWriter      = (*ratelimit.Rules)(nil)
	_ DeliveryService = (*webhooks.Service)(nil)
)
