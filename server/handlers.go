package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-relay/command"
	"github.com/goliatone/go-relay/core"
	"github.com/goliatone/go-relay/query"
	"github.com/goliatone/go-relay/ratelimit"
	"github.com/goliatone/go-relay/webhooks"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			writeError(w, r, core.StoreUnavailableError(err, ""))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUpsertRule(w http.ResponseWriter, r *http.Request) {
	var rule core.RateLimitRule
	if err := decodeBody(r, &rule); err != nil {
		writeError(w, r, err)
		return
	}
	stored, err := execute[command.UpsertRuleMessage, core.RateLimitRule](r, s.handlers.UpsertRule, command.UpsertRuleMessage{Rule: rule})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.handlers.ListRules.Query(r.Context(), query.ListRulesMessage{})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

// handleDeleteRule reads the rule path from the wildcard so patterns such as
// /orders/* survive routing.
func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	msg := command.DeleteRuleMessage{
		Method: chi.URLParam(r, "method"),
		Path:   "/" + strings.TrimPrefix(chi.URLParam(r, "*"), "/"),
	}
	if s.handlers.DeleteRule == nil {
		writeError(w, r, core.InternalError(nil, "rule handler is not configured"))
		return
	}
	if err := s.handlers.DeleteRule.Execute(r.Context(), msg); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.handlers.GetStats.Query(r.Context(), query.GetStatsMessage{})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleRegisterEndpoint(w http.ResponseWriter, r *http.Request) {
	var req webhooks.RegisterEndpointRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	endpoint, err := execute[command.RegisterEndpointMessage, core.Endpoint](r, s.handlers.RegisterEndpoint, command.RegisterEndpointMessage{Request: req})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, endpoint)
}

func (s *Server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	endpoints, err := s.handlers.ListEndpoints.Query(r.Context(), query.ListEndpointsMessage{})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"endpoints": endpoints})
}

func (s *Server) handleGetEndpoint(w http.ResponseWriter, r *http.Request) {
	endpoint, err := s.handlers.GetEndpoint.Query(r.Context(), query.GetEndpointMessage{EndpointID: chi.URLParam(r, "id")})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, endpoint)
}

type setActiveRequest struct {
	Active *bool `json:"active"`
}

func (s *Server) handleSetEndpointActive(w http.ResponseWriter, r *http.Request) {
	var req setActiveRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Active == nil {
		writeError(w, r, core.BadInputError("active is required"))
		return
	}
	endpoint, err := execute[command.SetEndpointActiveMessage, core.Endpoint](r, s.handlers.SetEndpointActive, command.SetEndpointActiveMessage{
		EndpointID: chi.URLParam(r, "id"),
		Active:     *req.Active,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, endpoint)
}

type enqueueEventRequest struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

func (s *Server) handleEnqueueEvent(w http.ResponseWriter, r *http.Request) {
	var req enqueueEventRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	delivery, err := execute[command.EnqueueDeliveryMessage, core.Delivery](r, s.handlers.EnqueueDelivery, command.EnqueueDeliveryMessage{
		Request: webhooks.EnqueueRequest{
			EndpointID: chi.URLParam(r, "id"),
			EventType:  req.EventType,
			Payload:    req.Payload,
		},
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, delivery)
}

func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	filter, err := deliveryFilter(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	deliveries, err := s.handlers.ListDeliveries.Query(r.Context(), query.ListDeliveriesMessage{Filter: filter})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": deliveries})
}

func (s *Server) handleGetDelivery(w http.ResponseWriter, r *http.Request) {
	delivery, err := s.handlers.GetDelivery.Query(r.Context(), query.GetDeliveryMessage{DeliveryID: chi.URLParam(r, "id")})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, delivery)
}

func (s *Server) handleRetryDelivery(w http.ResponseWriter, r *http.Request) {
	delivery, err := execute[command.RetryDeliveryMessage, core.Delivery](r, s.handlers.RetryDelivery, command.RetryDeliveryMessage{DeliveryID: chi.URLParam(r, "id")})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, delivery)
}

// execute runs a command handler and returns the value it stored in the
// result collector.
func execute[T any, R any](r *http.Request, handler gocmd.Commander[T], msg T) (R, error) {
	var zero R
	if handler == nil {
		return zero, core.InternalError(nil, "command handler is not configured")
	}
	collector := gocmd.NewResult[R]()
	ctx := gocmd.ContextWithResult(r.Context(), collector)
	if err := handler.Execute(ctx, msg); err != nil {
		return zero, err
	}
	out, ok := collector.Load()
	if !ok {
		return zero, core.InternalError(nil, "command produced no result")
	}
	return out, nil
}

func deliveryFilter(r *http.Request) (core.DeliveryFilter, error) {
	values := r.URL.Query()
	filter := core.DeliveryFilter{
		EndpointID: strings.TrimSpace(values.Get("endpoint_id")),
		Status:     core.DeliveryStatus(strings.ToLower(strings.TrimSpace(values.Get("status")))),
	}
	var err error
	if filter.Limit, err = intQuery(values.Get("limit")); err != nil {
		return filter, core.BadInputError("limit must be an integer")
	}
	if filter.Offset, err = intQuery(values.Get("offset")); err != nil {
		return filter, core.BadInputError("offset must be an integer")
	}
	if raw := strings.TrimSpace(values.Get("due_before")); raw != "" {
		due, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, core.BadInputError("due_before must be an RFC3339 timestamp")
		}
		due = due.UTC()
		filter.DueBefore = &due
	}
	return filter, nil
}

func intQuery(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return core.BadInputError("request body is required")
	}
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return core.BadInputError("request body is required")
		}
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return core.BadInputError("field " + typeErr.Field + " has the wrong type")
		}
		return core.BadInputError("request body must be valid JSON")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	ratelimit.WriteJSONError(w, r, err)
}
