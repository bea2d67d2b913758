package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goliatone/go-relay/adapters/gocommand"
	relayprom "github.com/goliatone/go-relay/adapters/prometheus"
	"github.com/goliatone/go-relay/core"
	"github.com/goliatone/go-relay/counter"
	"github.com/goliatone/go-relay/queue"
	"github.com/goliatone/go-relay/ratelimit"
	"github.com/goliatone/go-relay/webhooks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	server *Server
	rules  *ratelimit.Rules
	store  *webhooks.MemoryStore
	jobs   *queue.MemoryQueue
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	recorder := relayprom.NewRecorder()
	observer := core.NewObserver("relay", nil, recorder)

	rules := ratelimit.NewRules(ratelimit.NewMemoryRuleStore())
	stats := ratelimit.NewMemoryStatsStore()
	engine := ratelimit.NewEngine(counter.NewMemoryStore(), ratelimit.WithStatsStore(stats))
	limiter := ratelimit.NewMiddleware(engine, rules)

	store := webhooks.NewMemoryStore()
	jobs := queue.NewMemoryQueue(time.Minute)
	svc, err := webhooks.NewService(store.EndpointStore(), store.EventStore(), store.DeliveryStore(), jobs, nil)
	require.NoError(t, err)

	srv := New("127.0.0.1:0", Dependencies{
		Handlers: gocommand.NewHandlers(rules, stats, svc),
		Limiter:  limiter,
		Metrics:  recorder.Handler(),
		Observer: observer,
	})
	return &harness{server: srv, rules: rules, store: store, jobs: jobs}
}

func (h *harness) do(t *testing.T, method, target string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		switch typed := body.(type) {
		case string:
			payload.WriteString(typed)
		default:
			require.NoError(t, json.NewEncoder(&payload).Encode(body))
		}
	}
	req := httptest.NewRequest(method, target, &payload)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	Error struct {
		Category string         `json:"category"`
		Code     int            `json:"code"`
		TextCode string         `json:"text_code"`
		Message  string         `json:"message"`
		Metadata map[string]any `json:"metadata"`
	} `json:"error"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var body envelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestHealthz_ReportsStoreFailure(t *testing.T) {
	srv := New("", Dependencies{Health: func(context.Context) error { return assert.AnError }})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, defaultAddr, srv.Addr())
}

func TestRules_CreateListDelete(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/rules", map[string]any{
		"path": "/orders/*", "method": "get", "limit": 10, "window": 60, "strategy": "sliding_window",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var stored core.RateLimitRule
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stored))
	assert.Equal(t, "GET", stored.Method)
	assert.Equal(t, core.StrategySliding, stored.Strategy)
	assert.NotEmpty(t, stored.ID)

	rec = h.do(t, http.MethodGet, "/rules", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Rules []core.RateLimitRule `json:"rules"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&listed))
	require.Len(t, listed.Rules, 1)
	assert.Equal(t, "/orders/*", listed.Rules[0].Path)

	rec = h.do(t, http.MethodDelete, "/rules/GET/orders/*", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"deleted":true}`, rec.Body.String())

	rec = h.do(t, http.MethodDelete, "/rules/GET/orders/*", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, core.ErrorNotFound, decodeEnvelope(t, rec).Error.TextCode)
}

func TestRules_InvalidRuleIs422(t *testing.T) {
	h := newHarness(t)
	cases := []map[string]any{
		{"path": "/a", "method": "GET", "limit": 0, "window": 60},
		{"path": "/a", "method": "GET", "limit": 1, "window": -1},
		{"path": "/a", "method": "GET", "limit": 1, "window": 1, "strategy": "token_bucket"},
		{"path": "a", "method": "GET", "limit": 1, "window": 1},
	}
	for _, body := range cases {
		rec := h.do(t, http.MethodPost, "/rules", body)
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code, "body %v: %s", body, rec.Body.String())
		env := decodeEnvelope(t, rec)
		assert.Equal(t, core.ErrorConfigurationInvalid, env.Error.TextCode)
		assert.Equal(t, http.StatusUnprocessableEntity, env.Error.Code)
	}
}

func TestRules_MalformedBodyIs400(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/rules", `{"path":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, core.ErrorBadInput, decodeEnvelope(t, rec).Error.TextCode)
}

func TestRateLimitMiddleware_BlocksAndCountsStats(t *testing.T) {
	h := newHarness(t)
	_, err := h.rules.Upsert(context.Background(), core.RateLimitRule{Method: "GET", Path: "/stats", Limit: 2, Window: 60})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		rec := h.do(t, http.MethodGet, "/stats", nil, "X-Real-IP", "203.0.113.7")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	}

	rec := h.do(t, http.MethodGet, "/stats", nil, "X-Real-IP", "203.0.113.7")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	env := decodeEnvelope(t, rec)
	assert.Equal(t, core.ErrorRateLimited, env.Error.TextCode)

	rec = h.do(t, http.MethodGet, "/stats", nil, "X-Real-IP", "198.51.100.2")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats core.Stats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	assert.Equal(t, int64(4), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.BlockedRequests)
}

func TestEndpointsAndDeliveries(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/endpoints", map[string]any{"url": "https://example.com/hook", "secret": "s3cret"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var endpoint core.Endpoint
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&endpoint))
	require.NotEmpty(t, endpoint.ID)
	assert.True(t, endpoint.Active)
	assert.NotContains(t, rec.Body.String(), "s3cret")

	rec = h.do(t, http.MethodPost, "/endpoints/"+endpoint.ID+"/events", map[string]any{
		"event_type": "order.created",
		"payload":    map[string]any{"id": 42},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var delivery core.Delivery
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&delivery))
	assert.Equal(t, core.DeliveryStatusPending, delivery.Status)
	assert.Equal(t, 1, h.jobs.Len())

	rec = h.do(t, http.MethodGet, "/deliveries/"+delivery.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/deliveries?status=pending&endpoint_id="+endpoint.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Deliveries []core.Delivery `json:"deliveries"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&listed))
	require.Len(t, listed.Deliveries, 1)

	rec = h.do(t, http.MethodGet, "/deliveries?status=archived", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/deliveries/"+delivery.ID+"/retry", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, core.ErrorConflict, decodeEnvelope(t, rec).Error.TextCode)

	_, err := h.store.DeliveryStore().Transition(context.Background(), core.DeliveryTransition{
		ID:           delivery.ID,
		From:         []core.DeliveryStatus{core.DeliveryStatusPending},
		To:           core.DeliveryStatusDead,
		AttemptCount: 5,
		LastError:    "503 Service Unavailable",
		UpdatedAt:    time.Now().UTC(),
	})
	require.NoError(t, err)

	rec = h.do(t, http.MethodPost, "/deliveries/"+delivery.ID+"/retry", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var retried core.Delivery
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&retried))
	assert.Equal(t, core.DeliveryStatusPending, retried.Status)
	assert.Equal(t, 0, retried.AttemptCount)

	rec = h.do(t, http.MethodPost, "/deliveries/missing/retry", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = h.do(t, http.MethodGet, "/deliveries/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEndpoints_DeactivateBlocksEnqueue(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/endpoints", map[string]any{"url": "https://example.com/hook"})
	require.Equal(t, http.StatusOK, rec.Code)
	var endpoint core.Endpoint
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&endpoint))

	rec = h.do(t, http.MethodPatch, "/endpoints/"+endpoint.ID, map[string]any{"active": false})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodGet, "/endpoints/"+endpoint.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&endpoint))
	assert.False(t, endpoint.Active)

	rec = h.do(t, http.MethodPost, "/endpoints/"+endpoint.ID+"/events", map[string]any{"event_type": "ping"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(t, http.MethodPatch, "/endpoints/"+endpoint.ID, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodGet, "/endpoints", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), endpoint.ID)
}

func TestUnknownRouteUsesEnvelope(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, core.ErrorNotFound, decodeEnvelope(t, rec).Error.TextCode)
}

func TestMetricsEndpointExposesRequestCounters(t *testing.T) {
	h := newHarness(t)
	h.do(t, http.MethodGet, "/healthz", nil)

	rec := h.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "relay_http_requests_total")
}
