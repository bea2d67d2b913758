package command

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	gocmd "github.com/goliatone/go-command"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-relay/core"
	"github.com/goliatone/go-relay/queue"
	"github.com/goliatone/go-relay/ratelimit"
	"github.com/goliatone/go-relay/webhooks"
)

func TestUpsertRuleCommand_StoresNormalizedRule(t *testing.T) {
	rules := ratelimit.NewRules(ratelimit.NewMemoryRuleStore())
	cmd := NewUpsertRuleCommand(rules)

	collector := gocmd.NewResult[core.RateLimitRule]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)

	err := cmd.Execute(ctx, UpsertRuleMessage{Rule: core.RateLimitRule{
		Method:   "post",
		Path:     "/orders",
		Limit:    10,
		Window:   60,
		Strategy: "sliding_window",
	}})
	if err != nil {
		t.Fatalf("execute upsert: %v", err)
	}
	stored, ok := collector.Load()
	if !ok {
		t.Fatalf("expected stored rule result")
	}
	if stored.Method != "POST" || stored.Strategy != core.StrategySliding || stored.ID == "" {
		t.Fatalf("unexpected stored rule: %#v", stored)
	}
}

func TestUpsertRuleCommand_InvalidRuleReturnsConfigurationError(t *testing.T) {
	cmd := NewUpsertRuleCommand(ratelimit.NewRules(ratelimit.NewMemoryRuleStore()))
	err := cmd.Execute(context.Background(), UpsertRuleMessage{Rule: core.RateLimitRule{
		Method: "GET",
		Path:   "/orders",
		Limit:  0,
		Window: 60,
	}})
	if err == nil {
		t.Fatalf("expected validation error")
	}
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.Code != 422 || rich.TextCode != core.ErrorConfigurationInvalid {
		t.Fatalf("expected 422 %s, got %d %s", core.ErrorConfigurationInvalid, rich.Code, rich.TextCode)
	}
}

func TestDeleteRuleCommand_UnknownRuleIsNotFound(t *testing.T) {
	rules := ratelimit.NewRules(ratelimit.NewMemoryRuleStore())
	cmd := NewDeleteRuleCommand(rules)

	err := cmd.Execute(context.Background(), DeleteRuleMessage{Method: "GET", Path: "/missing"})
	if !errors.Is(err, core.ErrRuleNotFound) {
		t.Fatalf("expected ErrRuleNotFound, got %v", err)
	}

	if _, err := rules.Upsert(context.Background(), core.RateLimitRule{Method: "GET", Path: "/present", Limit: 1, Window: 1}); err != nil {
		t.Fatalf("seed rule: %v", err)
	}
	if err := cmd.Execute(context.Background(), DeleteRuleMessage{Method: "get", Path: "/present"}); err != nil {
		t.Fatalf("delete seeded rule: %v", err)
	}
}

func TestDeliveryCommands_DelegateToService(t *testing.T) {
	endpoint := core.Endpoint{ID: "ep_1", URL: "https://example.com/hook", Active: true}
	delivery := core.Delivery{ID: "dl_1", EndpointID: "ep_1", Status: core.DeliveryStatusPending}
	var calls []string

	svc := &stubDeliveryService{
		registerFn: func(_ context.Context, req webhooks.RegisterEndpointRequest) (core.Endpoint, error) {
			calls = append(calls, "register")
			if req.URL != endpoint.URL {
				t.Fatalf("unexpected endpoint url %q", req.URL)
			}
			return endpoint, nil
		},
		setActiveFn: func(_ context.Context, id string, active bool) (core.Endpoint, error) {
			calls = append(calls, "set_active")
			out := endpoint
			out.Active = active
			return out, nil
		},
		enqueueFn: func(_ context.Context, req webhooks.EnqueueRequest) (core.Delivery, error) {
			calls = append(calls, "enqueue")
			if req.EndpointID != endpoint.ID || req.EventType != "order.created" {
				t.Fatalf("unexpected enqueue request: %#v", req)
			}
			return delivery, nil
		},
		retryFn: func(_ context.Context, id string) (core.Delivery, error) {
			calls = append(calls, "retry")
			if id != delivery.ID {
				t.Fatalf("unexpected retry id %q", id)
			}
			return delivery, nil
		},
	}

	endpointCollector := gocmd.NewResult[core.Endpoint]()
	endpointCtx := gocmd.ContextWithResult(context.Background(), endpointCollector)
	if err := NewRegisterEndpointCommand(svc).Execute(endpointCtx, RegisterEndpointMessage{
		Request: webhooks.RegisterEndpointRequest{URL: endpoint.URL, Secret: "s"},
	}); err != nil {
		t.Fatalf("register endpoint: %v", err)
	}
	if got, ok := endpointCollector.Load(); !ok || got.ID != endpoint.ID {
		t.Fatalf("expected endpoint result, got %#v", got)
	}

	if err := NewSetEndpointActiveCommand(svc).Execute(context.Background(), SetEndpointActiveMessage{
		EndpointID: endpoint.ID,
		Active:     false,
	}); err != nil {
		t.Fatalf("set endpoint active: %v", err)
	}

	deliveryCollector := gocmd.NewResult[core.Delivery]()
	deliveryCtx := gocmd.ContextWithResult(context.Background(), deliveryCollector)
	if err := NewEnqueueDeliveryCommand(svc).Execute(deliveryCtx, EnqueueDeliveryMessage{
		Request: webhooks.EnqueueRequest{
			EndpointID: endpoint.ID,
			EventType:  "order.created",
			Payload:    json.RawMessage(`{"id":1}`),
		},
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if got, ok := deliveryCollector.Load(); !ok || got.ID != delivery.ID {
		t.Fatalf("expected delivery result, got %#v", got)
	}

	if err := NewRetryDeliveryCommand(svc).Execute(context.Background(), RetryDeliveryMessage{DeliveryID: delivery.ID}); err != nil {
		t.Fatalf("retry: %v", err)
	}

	want := []string{"register", "set_active", "enqueue", "retry"}
	if len(calls) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("expected calls %v, got %v", want, calls)
		}
	}
}

func TestMessages_ValidateReturnsRichError(t *testing.T) {
	cases := []interface{ Validate() error }{
		DeleteRuleMessage{Method: "GET", Path: "no-slash"},
		RegisterEndpointMessage{},
		SetEndpointActiveMessage{},
		EnqueueDeliveryMessage{Request: webhooks.EnqueueRequest{EndpointID: "ep", EventType: "x", Payload: json.RawMessage(`{`)}},
		RetryDeliveryMessage{},
	}
	for _, msg := range cases {
		err := msg.Validate()
		if err == nil {
			t.Fatalf("expected validation error for %T", msg)
		}
		var rich *goerrors.Error
		if !goerrors.As(err, &rich) {
			t.Fatalf("expected go-errors envelope for %T, got %T", msg, err)
		}
		if rich.Category != goerrors.CategoryValidation || rich.TextCode != core.ErrorBadInput {
			t.Fatalf("unexpected error for %T: %s %s", msg, rich.Category, rich.TextCode)
		}
	}
}

func TestCommands_NilDependenciesReturnRichError(t *testing.T) {
	var cmd *RetryDeliveryCommand
	err := cmd.Execute(context.Background(), RetryDeliveryMessage{DeliveryID: "dl"})
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.Category != goerrors.CategoryInternal {
		t.Fatalf("expected internal category, got %q", rich.Category)
	}
}

func TestRetryDeliveryCommand_AgainstServiceMapsConflict(t *testing.T) {
	ctx := context.Background()
	store := webhooks.NewMemoryStore()
	svc, err := webhooks.NewService(
		store.EndpointStore(),
		store.EventStore(),
		store.DeliveryStore(),
		queue.NewMemoryQueue(time.Minute),
		nil,
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	endpoint, err := svc.RegisterEndpoint(ctx, webhooks.RegisterEndpointRequest{URL: "https://example.com/hook"})
	if err != nil {
		t.Fatalf("register endpoint: %v", err)
	}
	delivery, err := svc.Enqueue(ctx, webhooks.EnqueueRequest{EndpointID: endpoint.ID, EventType: "ping"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	err = NewRetryDeliveryCommand(svc).Execute(ctx, RetryDeliveryMessage{DeliveryID: delivery.ID})
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %v", err)
	}
	if rich.Code != 409 {
		t.Fatalf("expected 409 retrying a pending delivery, got %d", rich.Code)
	}
}

type stubDeliveryService struct {
	registerFn  func(context.Context, webhooks.RegisterEndpointRequest) (core.Endpoint, error)
	setActiveFn func(context.Context, string, bool) (core.Endpoint, error)
	enqueueFn   func(context.Context, webhooks.EnqueueRequest) (core.Delivery, error)
	retryFn     func(context.Context, string) (core.Delivery, error)
}

func (s *stubDeliveryService) RegisterEndpoint(ctx context.Context, req webhooks.RegisterEndpointRequest) (core.Endpoint, error) {
	return s.registerFn(ctx, req)
}

func (s *stubDeliveryService) SetEndpointActive(ctx context.Context, id string, active bool) (core.Endpoint, error) {
	return s.setActiveFn(ctx, id, active)
}

func (s *stubDeliveryService) Enqueue(ctx context.Context, req webhooks.EnqueueRequest) (core.Delivery, error) {
	return s.enqueueFn(ctx, req)
}

func (s *stubDeliveryService) Retry(ctx context.Context, id string) (core.Delivery, error) {
	return s.retryFn(ctx, id)
}
