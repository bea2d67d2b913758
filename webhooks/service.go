package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-relay/core"
	"github.com/google/uuid"
)

// JobDeliver is the job id used when deliveries travel through go-job.
const JobDeliver = "relay.webhook.deliver"

type EnqueueRequest struct {
	EndpointID string          `json:"endpoint_id"`
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
}

// DeliveryJob is a claimed job with everything needed to attempt it.
type DeliveryJob struct {
	Job      core.Job
	Delivery core.Delivery
	Endpoint core.Endpoint
	Event    core.Event
}

func (j DeliveryJob) SendRequest() core.SendRequest {
	return core.SendRequest{Endpoint: j.Endpoint, Event: j.Event, Delivery: j.Delivery}
}

type Service struct {
	Endpoints   core.EndpointStore
	Events      core.EventStore
	Deliveries  core.DeliveryStore
	Queue       core.JobQueue
	Coordinator *Coordinator
	MaxRetries  int
	Now         func() time.Time
	NewID       func() string
	Observer    core.Observer
}

type ServiceOption func(*Service)

func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.Now = now
			if s.Coordinator != nil {
				s.Coordinator.Now = now
			}
		}
	}
}

func WithIDGenerator(fn func() string) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.NewID = fn
		}
	}
}

func WithServiceObserver(observer core.Observer) ServiceOption {
	return func(s *Service) {
		s.Observer = observer
		if s.Coordinator != nil {
			s.Coordinator.Observer = observer
		}
	}
}

func WithMaxRetries(maxRetries int) ServiceOption {
	return func(s *Service) {
		if maxRetries > 0 {
			s.MaxRetries = maxRetries
			if s.Coordinator != nil {
				s.Coordinator.MaxRetries = maxRetries
			}
		}
	}
}

func NewService(
	endpoints core.EndpointStore,
	events core.EventStore,
	deliveries core.DeliveryStore,
	jobs core.JobQueue,
	coordinator *Coordinator,
	opts ...ServiceOption,
) (*Service, error) {
	if endpoints == nil {
		return nil, fmt.Errorf("webhooks: endpoint store is required")
	}
	if events == nil {
		return nil, fmt.Errorf("webhooks: event store is required")
	}
	if deliveries == nil {
		return nil, fmt.Errorf("webhooks: delivery store is required")
	}
	if jobs == nil {
		return nil, fmt.Errorf("webhooks: job queue is required")
	}
	if coordinator == nil {
		coordinator = NewCoordinator(deliveries, jobs, ExponentialBackoff{})
	}
	svc := &Service{
		Endpoints:   endpoints,
		Events:      events,
		Deliveries:  deliveries,
		Queue:       jobs,
		Coordinator: coordinator,
		MaxRetries:  coordinator.MaxRetries,
		Now:         func() time.Time { return time.Now().UTC() },
		NewID:       uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc, nil
}

type RegisterEndpointRequest struct {
	URL    string `json:"url"`
	Secret string `json:"secret"`
	Active *bool  `json:"active,omitempty"`
}

func (s *Service) RegisterEndpoint(ctx context.Context, req RegisterEndpointRequest) (core.Endpoint, error) {
	if s == nil {
		return core.Endpoint{}, fmt.Errorf("webhooks: service is not configured")
	}
	target := strings.TrimSpace(req.URL)
	parsed, err := url.Parse(target)
	if target == "" || err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return core.Endpoint{}, core.ConfigurationError("invalid webhook endpoint", map[string]string{
			"url": "must be an absolute http or https url",
		})
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	now := s.now()
	endpoint, err := s.Endpoints.Create(ctx, core.Endpoint{
		ID:        s.newID(),
		URL:       target,
		Secret:    strings.TrimSpace(req.Secret),
		Active:    active,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return core.Endpoint{}, core.StoreUnavailableError(err, "endpoint")
	}
	return endpoint, nil
}

func (s *Service) SetEndpointActive(ctx context.Context, endpointID string, active bool) (core.Endpoint, error) {
	if s == nil {
		return core.Endpoint{}, fmt.Errorf("webhooks: service is not configured")
	}
	endpoint, err := s.Endpoints.SetActive(ctx, strings.TrimSpace(endpointID), active)
	if err != nil {
		return core.Endpoint{}, mapStoreError(err, "webhook endpoint", endpointID)
	}
	return endpoint, nil
}

func (s *Service) GetEndpoint(ctx context.Context, endpointID string) (core.Endpoint, error) {
	if s == nil {
		return core.Endpoint{}, fmt.Errorf("webhooks: service is not configured")
	}
	endpoint, err := s.Endpoints.Get(ctx, strings.TrimSpace(endpointID))
	if err != nil {
		return core.Endpoint{}, mapStoreError(err, "webhook endpoint", endpointID)
	}
	return endpoint, nil
}

func (s *Service) ListEndpoints(ctx context.Context) ([]core.Endpoint, error) {
	if s == nil {
		return nil, fmt.Errorf("webhooks: service is not configured")
	}
	endpoints, err := s.Endpoints.List(ctx)
	if err != nil {
		return nil, core.StoreUnavailableError(err, "endpoint")
	}
	return endpoints, nil
}

// Enqueue stores the event with a pending delivery and pushes its job. The
// returned delivery id is what callers use to follow the delivery.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (delivery core.Delivery, err error) {
	if s == nil {
		return core.Delivery{}, fmt.Errorf("webhooks: service is not configured")
	}
	startedAt := time.Now()
	defer func() {
		s.Observer.Observe(ctx, startedAt, "delivery.enqueue", err, map[string]any{
			"endpoint_id": req.EndpointID,
			"delivery_id": delivery.ID,
			"event_type":  req.EventType,
		})
	}()

	endpointID := strings.TrimSpace(req.EndpointID)
	eventType := strings.TrimSpace(req.EventType)
	if endpointID == "" {
		return core.Delivery{}, core.BadInputError("endpoint id is required")
	}
	if eventType == "" {
		return core.Delivery{}, core.BadInputError("event type is required")
	}
	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if !json.Valid(payload) {
		return core.Delivery{}, core.BadInputError("event payload must be valid json")
	}

	endpoint, err := s.Endpoints.Get(ctx, endpointID)
	if err != nil {
		return core.Delivery{}, mapStoreError(err, "webhook endpoint", endpointID)
	}
	if !endpoint.Active {
		return core.Delivery{}, core.ConflictError("webhook endpoint is inactive", map[string]any{"endpoint_id": endpointID})
	}

	now := s.now()
	event, err := s.Events.Create(ctx, core.Event{
		ID:         s.newID(),
		EndpointID: endpoint.ID,
		EventType:  eventType,
		Payload:    payload,
		CreatedAt:  now,
	})
	if err != nil {
		return core.Delivery{}, core.StoreUnavailableError(err, "event")
	}
	delivery, err = s.Deliveries.Create(ctx, core.Delivery{
		ID:         s.newID(),
		EndpointID: endpoint.ID,
		EventID:    event.ID,
		MaxRetries: s.maxRetries(),
		Status:     core.DeliveryStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		return core.Delivery{}, core.StoreUnavailableError(err, "delivery")
	}
	if err := s.Queue.Push(ctx, core.Job{DeliveryID: delivery.ID, EndpointID: endpoint.ID, AvailableAt: now}); err != nil {
		return delivery, core.StoreUnavailableError(err, "queue")
	}
	return delivery, nil
}

// Dequeue claims the next job and loads its delivery, endpoint and event.
// Jobs whose delivery is gone or already terminal are acknowledged and
// skipped. A delivery whose endpoint or event is gone is dead-lettered.
func (s *Service) Dequeue(ctx context.Context, wait time.Duration) (DeliveryJob, bool, error) {
	if s == nil {
		return DeliveryJob{}, false, fmt.Errorf("webhooks: service is not configured")
	}
	for {
		job, ok, err := s.Queue.Pop(ctx, wait)
		if err != nil || !ok {
			return DeliveryJob{}, ok, err
		}

		delivery, err := s.Deliveries.Get(ctx, job.DeliveryID)
		if errors.Is(err, core.ErrDeliveryNotFound) {
			if err := s.Queue.Ack(ctx, job.DeliveryID); err != nil {
				return DeliveryJob{}, false, err
			}
			continue
		}
		if err != nil {
			return DeliveryJob{}, false, core.StoreUnavailableError(err, "delivery")
		}
		if delivery.Status.Terminal() {
			if err := s.Queue.Ack(ctx, job.DeliveryID); err != nil {
				return DeliveryJob{}, false, err
			}
			continue
		}

		endpoint, err := s.Endpoints.Get(ctx, delivery.EndpointID)
		if errors.Is(err, core.ErrEndpointNotFound) {
			if err := s.abandon(ctx, delivery, err); err != nil {
				return DeliveryJob{}, false, err
			}
			continue
		}
		if err != nil {
			return DeliveryJob{}, false, mapStoreError(err, "webhook endpoint", delivery.EndpointID)
		}
		event, err := s.Events.Get(ctx, delivery.EventID)
		if errors.Is(err, core.ErrEventNotFound) {
			if err := s.abandon(ctx, delivery, err); err != nil {
				return DeliveryJob{}, false, err
			}
			continue
		}
		if err != nil {
			return DeliveryJob{}, false, mapStoreError(err, "webhook event", delivery.EventID)
		}
		return DeliveryJob{Job: job, Delivery: delivery, Endpoint: endpoint, Event: event}, true, nil
	}
}

// abandon records a failure that no later attempt can fix, which moves the
// delivery to dead and drops its job.
func (s *Service) abandon(ctx context.Context, delivery core.Delivery, cause error) error {
	if s.Coordinator == nil {
		return s.Queue.Ack(ctx, delivery.ID)
	}
	_, err := s.Coordinator.Fail(ctx, delivery.ID, cause)
	return err
}

func (s *Service) Ack(ctx context.Context, deliveryID string) (core.Delivery, error) {
	if s == nil || s.Coordinator == nil {
		return core.Delivery{}, fmt.Errorf("webhooks: service is not configured")
	}
	return s.Coordinator.Succeed(ctx, deliveryID)
}

func (s *Service) Fail(ctx context.Context, deliveryID string, cause error) (core.Delivery, error) {
	if s == nil || s.Coordinator == nil {
		return core.Delivery{}, fmt.Errorf("webhooks: service is not configured")
	}
	return s.Coordinator.Fail(ctx, deliveryID, cause)
}

func (s *Service) Retry(ctx context.Context, deliveryID string) (core.Delivery, error) {
	if s == nil || s.Coordinator == nil {
		return core.Delivery{}, fmt.Errorf("webhooks: service is not configured")
	}
	return s.Coordinator.Retry(ctx, deliveryID)
}

func (s *Service) GetDelivery(ctx context.Context, deliveryID string) (core.Delivery, error) {
	if s == nil {
		return core.Delivery{}, fmt.Errorf("webhooks: service is not configured")
	}
	deliveryID = strings.TrimSpace(deliveryID)
	if deliveryID == "" {
		return core.Delivery{}, core.BadInputError("delivery id is required")
	}
	delivery, err := s.Deliveries.Get(ctx, deliveryID)
	if err != nil {
		return core.Delivery{}, mapStoreError(err, "webhook delivery", deliveryID)
	}
	return delivery, nil
}

func (s *Service) ListDeliveries(ctx context.Context, filter core.DeliveryFilter) ([]core.Delivery, error) {
	if s == nil {
		return nil, fmt.Errorf("webhooks: service is not configured")
	}
	deliveries, err := s.Deliveries.List(ctx, filter)
	if err != nil {
		return nil, core.StoreUnavailableError(err, "delivery")
	}
	return deliveries, nil
}

func (s *Service) maxRetries() int {
	if s.MaxRetries > 0 {
		return s.MaxRetries
	}
	return DefaultMaxRetries
}

func (s *Service) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func mapStoreError(err error, resource string, id string) error {
	switch {
	case errors.Is(err, core.ErrEndpointNotFound),
		errors.Is(err, core.ErrEventNotFound),
		errors.Is(err, core.ErrDeliveryNotFound):
		return core.NotFoundError(err, resource, strings.TrimSpace(id))
	default:
		return core.StoreUnavailableError(err, strings.ReplaceAll(resource, "webhook ", ""))
	}
}
