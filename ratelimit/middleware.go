package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-relay/core"
)

type ClientKeyFunc func(r *http.Request) string

type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// RemoteAddrClientKey keys clients by IP. It expects a RealIP style
// middleware to have rewritten RemoteAddr when running behind a proxy.
func RemoteAddrClientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

// HeaderClientKey keys clients by an API key header, falling back to the
// remote address when the header is absent.
func HeaderClientKey(header string) ClientKeyFunc {
	header = strings.TrimSpace(header)
	return func(r *http.Request) string {
		if header != "" {
			if value := strings.TrimSpace(r.Header.Get(header)); value != "" {
				return "key:" + value
			}
		}
		return RemoteAddrClientKey(r)
	}
}

type MiddlewareOption func(*Middleware)

func WithClientKey(fn ClientKeyFunc) MiddlewareOption {
	return func(m *Middleware) {
		m.ClientKey = fn
	}
}

func WithErrorWriter(fn ErrorWriter) MiddlewareOption {
	return func(m *Middleware) {
		m.WriteError = fn
	}
}

type Middleware struct {
	Engine     *Engine
	Rules      *Rules
	ClientKey  ClientKeyFunc
	WriteError ErrorWriter
}

func NewMiddleware(engine *Engine, rules *Rules, opts ...MiddlewareOption) *Middleware {
	m := &Middleware{
		Engine:     engine,
		Rules:      rules,
		ClientKey:  RemoteAddrClientKey,
		WriteError: WriteJSONError,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Handler evaluates the matching rule before next. Requests with no matching
// rule pass through untouched.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil || m.Engine == nil || m.Rules == nil {
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()
		rule, ok, err := m.Rules.Match(ctx, r.Method, r.URL.Path)
		if err != nil {
			m.writeError(w, r, core.StoreUnavailableError(err, "rules"))
			return
		}
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		clientKey := RemoteAddrClientKey(r)
		if m.ClientKey != nil {
			clientKey = m.ClientKey(r)
		}
		decision, err := m.Engine.Evaluate(ctx, rule, clientKey)
		if err != nil {
			m.writeError(w, r, err)
			return
		}
		setRateLimitHeaders(w.Header(), decision)
		if !decision.Allowed {
			w.Header().Set("Retry-After", strconv.FormatInt(decision.RetryAfterSeconds(), 10))
			m.writeError(w, r, RateLimitedError(rule, decision))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if m.WriteError != nil {
		m.WriteError(w, r, err)
		return
	}
	WriteJSONError(w, r, err)
}

func setRateLimitHeaders(header http.Header, decision core.Decision) {
	header.Set("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
	header.Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
	if !decision.ResetAt.IsZero() {
		header.Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
	}
}

type errorBody struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Category string         `json:"category"`
	Code     int            `json:"code"`
	TextCode string         `json:"text_code"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// WriteJSONError renders err with the relay error envelope.
func WriteJSONError(w http.ResponseWriter, _ *http.Request, err error) {
	mapped := core.MapError(err)
	if mapped == nil {
		mapped = core.InternalError(nil, "An unexpected error occurred")
	}
	writeEnvelope(w, mapped)
}

func writeEnvelope(w http.ResponseWriter, err *goerrors.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Code)
	_ = json.NewEncoder(w).Encode(errorBody{Error: errorPayload{
		Category: string(err.Category),
		Code:     err.Code,
		TextCode: err.TextCode,
		Message:  err.Message,
		Metadata: err.Metadata,
	}})
}
