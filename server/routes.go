package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.metrics)
	}

	s.router.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.Handler)
		}

		r.Post("/rules", s.handleUpsertRule)
		r.Get("/rules", s.handleListRules)
		r.Delete("/rules/{method}/*", s.handleDeleteRule)
		r.Get("/stats", s.handleStats)

		r.Post("/endpoints", s.handleRegisterEndpoint)
		r.Get("/endpoints", s.handleListEndpoints)
		r.Get("/endpoints/{id}", s.handleGetEndpoint)
		r.Patch("/endpoints/{id}", s.handleSetEndpointActive)
		r.Post("/endpoints/{id}/events", s.handleEnqueueEvent)

		r.Get("/deliveries", s.handleListDeliveries)
		r.Get("/deliveries/{id}", s.handleGetDelivery)
		r.Post("/deliveries/{id}/retry", s.handleRetryDelivery)
	})
}
