package webhooks

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-relay/core"
)

// MemoryStore keeps endpoints, events and deliveries in process. It backs
// tests and single-node setups; use store/sql for anything shared.
type MemoryStore struct {
	mu         sync.RWMutex
	endpoints  map[string]core.Endpoint
	events     map[string]core.Event
	deliveries map[string]core.Delivery
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		endpoints:  map[string]core.Endpoint{},
		events:     map[string]core.Event{},
		deliveries: map[string]core.Delivery{},
	}
}

func (s *MemoryStore) EndpointStore() core.EndpointStore { return memoryEndpoints{s} }

func (s *MemoryStore) EventStore() core.EventStore { return memoryEvents{s} }

func (s *MemoryStore) DeliveryStore() core.DeliveryStore { return memoryDeliveries{s} }

type memoryEndpoints struct{ s *MemoryStore }

func (m memoryEndpoints) Create(_ context.Context, endpoint core.Endpoint) (core.Endpoint, error) {
	if strings.TrimSpace(endpoint.ID) == "" {
		return core.Endpoint{}, fmt.Errorf("webhooks: endpoint id is required")
	}
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, exists := m.s.endpoints[endpoint.ID]; exists {
		return core.Endpoint{}, fmt.Errorf("webhooks: endpoint %s already exists", endpoint.ID)
	}
	m.s.endpoints[endpoint.ID] = endpoint
	return endpoint, nil
}

func (m memoryEndpoints) Get(_ context.Context, id string) (core.Endpoint, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	endpoint, ok := m.s.endpoints[id]
	if !ok {
		return core.Endpoint{}, core.ErrEndpointNotFound
	}
	return endpoint, nil
}

func (m memoryEndpoints) List(context.Context) ([]core.Endpoint, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	out := make([]core.Endpoint, 0, len(m.s.endpoints))
	for _, endpoint := range m.s.endpoints {
		out = append(out, endpoint)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m memoryEndpoints) SetActive(_ context.Context, id string, active bool) (core.Endpoint, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	endpoint, ok := m.s.endpoints[id]
	if !ok {
		return core.Endpoint{}, core.ErrEndpointNotFound
	}
	endpoint.Active = active
	m.s.endpoints[id] = endpoint
	return endpoint, nil
}

type memoryEvents struct{ s *MemoryStore }

func (m memoryEvents) Create(_ context.Context, event core.Event) (core.Event, error) {
	if strings.TrimSpace(event.ID) == "" {
		return core.Event{}, fmt.Errorf("webhooks: event id is required")
	}
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.events[event.ID] = event
	return event, nil
}

func (m memoryEvents) Get(_ context.Context, id string) (core.Event, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	event, ok := m.s.events[id]
	if !ok {
		return core.Event{}, core.ErrEventNotFound
	}
	return event, nil
}

type memoryDeliveries struct{ s *MemoryStore }

func (m memoryDeliveries) Create(_ context.Context, delivery core.Delivery) (core.Delivery, error) {
	if strings.TrimSpace(delivery.ID) == "" {
		return core.Delivery{}, fmt.Errorf("webhooks: delivery id is required")
	}
	if delivery.Status == "" {
		delivery.Status = core.DeliveryStatusPending
	}
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, exists := m.s.deliveries[delivery.ID]; exists {
		return core.Delivery{}, fmt.Errorf("webhooks: delivery %s already exists", delivery.ID)
	}
	m.s.deliveries[delivery.ID] = delivery
	return delivery, nil
}

func (m memoryDeliveries) Get(_ context.Context, id string) (core.Delivery, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	delivery, ok := m.s.deliveries[id]
	if !ok {
		return core.Delivery{}, core.ErrDeliveryNotFound
	}
	return delivery, nil
}

func (m memoryDeliveries) List(_ context.Context, filter core.DeliveryFilter) ([]core.Delivery, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	out := make([]core.Delivery, 0)
	for _, delivery := range m.s.deliveries {
		if filter.EndpointID != "" && delivery.EndpointID != filter.EndpointID {
			continue
		}
		if filter.Status != "" && delivery.Status != filter.Status {
			continue
		}
		if filter.DueBefore != nil && delivery.NextAttemptAt != nil && delivery.NextAttemptAt.After(*filter.DueBefore) {
			continue
		}
		out = append(out, delivery)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []core.Delivery{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m memoryDeliveries) Transition(_ context.Context, transition core.DeliveryTransition) (core.Delivery, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	delivery, ok := m.s.deliveries[transition.ID]
	if !ok {
		return core.Delivery{}, core.ErrDeliveryNotFound
	}
	if !slices.Contains(transition.From, delivery.Status) {
		return delivery, fmt.Errorf("%w: %s is %s", core.ErrDeliveryConflict, delivery.ID, delivery.Status)
	}
	if expected := transition.FromAttemptCount; expected != nil && delivery.AttemptCount != *expected {
		return delivery, fmt.Errorf("%w: %s is at attempt %d, expected %d", core.ErrDeliveryConflict, delivery.ID, delivery.AttemptCount, *expected)
	}
	delivery.Status = transition.To
	delivery.AttemptCount = transition.AttemptCount
	delivery.LastError = transition.LastError
	delivery.LastStatusCode = transition.LastStatusCode
	delivery.NextAttemptAt = transition.NextAttemptAt
	delivery.DeliveredAt = transition.DeliveredAt
	delivery.UpdatedAt = transition.UpdatedAt
	m.s.deliveries[delivery.ID] = delivery
	return delivery, nil
}

var (
	_ core.EndpointStore = memoryEndpoints{}
	_ core.EventStore    = memoryEvents{}
	_ core.DeliveryStore = memoryDeliveries{}
)
