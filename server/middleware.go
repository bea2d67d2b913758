package server

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goliatone/go-relay/core"
)

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startedAt := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(startedAt)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		tags := map[string]string{
			"operation": "http." + r.Method + " " + route,
			"status":    strconv.Itoa(status),
		}
		s.observer.Count(r.Context(), "http.requests.total", 1, tags)
		s.observer.Histogram(r.Context(), "http.requests.duration_ms", float64(elapsed.Milliseconds()), tags)

		if s.logger == nil {
			return
		}
		args := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", elapsed.Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		}
		logger := s.logger.WithContext(r.Context())
		switch {
		case status >= http.StatusInternalServerError:
			logger.Error("http request", args...)
		case status >= http.StatusBadRequest:
			logger.Warn("http request", args...)
		default:
			logger.Debug("http request", args...)
		}
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			recovered := recover()
			if recovered == nil || recovered == http.ErrAbortHandler {
				if recovered != nil {
					panic(recovered)
				}
				return
			}
			if s.logger != nil {
				s.logger.Error("http handler panic",
					"panic", fmt.Sprint(recovered),
					"path", r.URL.Path,
					"stack", string(debug.Stack()),
				)
			}
			writeError(w, r, core.InternalError(nil, "An unexpected error occurred"))
		}()
		next.ServeHTTP(w, r)
	})
}
