package core

import (
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ErrorBadInput             = "RELAY_BAD_INPUT"
	ErrorConfigurationInvalid = "RELAY_CONFIGURATION_INVALID"
	ErrorStoreUnavailable     = "RELAY_STORE_UNAVAILABLE"
	ErrorRateLimited          = "RELAY_RATE_LIMITED"
	ErrorNotFound             = "RELAY_NOT_FOUND"
	ErrorConflict             = "RELAY_CONFLICT"
	ErrorDeliveryFailed       = "RELAY_DELIVERY_FAILED"
	ErrorDeadLetter           = "RELAY_DEAD_LETTER"
	ErrorInternal             = "RELAY_INTERNAL_ERROR"
)

// ConfigurationError reports an invalid rule or setting. fields maps the
// offending field to a message.
func ConfigurationError(message string, fields map[string]string) *goerrors.Error {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	fieldErrors := make([]goerrors.FieldError, 0, len(names))
	metadata := make(map[string]any, len(names))
	for _, name := range names {
		fieldErrors = append(fieldErrors, goerrors.FieldError{Field: name, Message: fields[name]})
		metadata[name] = fields[name]
	}
	return goerrors.NewValidation(message, fieldErrors...).
		WithCode(http.StatusUnprocessableEntity).
		WithTextCode(ErrorConfigurationInvalid).
		WithSeverity(goerrors.SeverityError).
		WithMetadata(map[string]any{"fields": metadata})
}

func StoreUnavailableError(source error, store string) *goerrors.Error {
	if source == nil {
		source = errors.New("store unavailable")
	}
	message := "store unavailable"
	if name := strings.TrimSpace(store); name != "" {
		message = name + " store unavailable"
	}
	return goerrors.Wrap(source, goerrors.CategoryExternal, message).
		WithCode(http.StatusServiceUnavailable).
		WithTextCode(ErrorStoreUnavailable).
		WithMetadata(map[string]any{"store": strings.TrimSpace(store)})
}

func NotFoundError(source error, resource string, id string) *goerrors.Error {
	message := strings.TrimSpace(resource) + " not found"
	var out *goerrors.Error
	if source != nil {
		out = goerrors.Wrap(source, goerrors.CategoryNotFound, message)
	} else {
		out = goerrors.New(message, goerrors.CategoryNotFound)
	}
	return out.
		WithCode(http.StatusNotFound).
		WithTextCode(ErrorNotFound).
		WithMetadata(map[string]any{"resource": resource, "id": id})
}

func ConflictError(message string, metadata map[string]any) *goerrors.Error {
	out := goerrors.New(message, goerrors.CategoryConflict).
		WithCode(http.StatusConflict).
		WithTextCode(ErrorConflict)
	if len(metadata) > 0 {
		out = out.WithMetadata(metadata)
	}
	return out
}

func BadInputError(message string) *goerrors.Error {
	return goerrors.New(message, goerrors.CategoryBadInput).
		WithCode(http.StatusBadRequest).
		WithTextCode(ErrorBadInput)
}

func InternalError(source error, message string) *goerrors.Error {
	if source == nil {
		return goerrors.New(message, goerrors.CategoryInternal).
			WithCode(http.StatusInternalServerError).
			WithTextCode(ErrorInternal)
	}
	return goerrors.Wrap(source, goerrors.CategoryInternal, message).
		WithCode(http.StatusInternalServerError).
		WithTextCode(ErrorInternal)
}

// DeliveryError is returned by senders when an endpoint is unreachable or
// answers with a non-2xx status. StatusCode is zero for transport failures.
type DeliveryError struct {
	EndpointID string
	StatusCode int
	RetryAfter time.Duration
	Cause      error
}

func (e *DeliveryError) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("webhook delivery failed")
	if e.StatusCode > 0 {
		b.WriteString(": status ")
		b.WriteString(http.StatusText(e.StatusCode))
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *DeliveryError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func (e *DeliveryError) ToServiceError() *goerrors.Error {
	metadata := map[string]any{"endpoint_id": e.EndpointID}
	if e.StatusCode > 0 {
		metadata["status_code"] = e.StatusCode
	}
	return goerrors.New(e.Error(), goerrors.CategoryExternal).
		WithCode(http.StatusBadGateway).
		WithTextCode(ErrorDeliveryFailed).
		WithMetadata(metadata)
}

func DeadLetterError(deliveryID string, attempts int) *goerrors.Error {
	return goerrors.New("webhook delivery exhausted its retry budget", goerrors.CategoryOperation).
		WithCode(http.StatusConflict).
		WithTextCode(ErrorDeadLetter).
		WithMetadata(map[string]any{"delivery_id": deliveryID, "attempt_count": attempts})
}

// MapError normalises any error into the relay error envelope.
func MapError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureErrorEnvelope(richErr)
	}
	var deliveryErr *DeliveryError
	if errors.As(err, &deliveryErr) {
		return deliveryErr.ToServiceError()
	}

	switch {
	case errors.Is(err, ErrRuleNotFound):
		return NotFoundError(err, "rate limit rule", "")
	case errors.Is(err, ErrEndpointNotFound):
		return NotFoundError(err, "webhook endpoint", "")
	case errors.Is(err, ErrEventNotFound):
		return NotFoundError(err, "webhook event", "")
	case errors.Is(err, ErrDeliveryNotFound):
		return NotFoundError(err, "webhook delivery", "")
	case errors.Is(err, ErrDeliveryConflict), errors.Is(err, ErrInvalidDeliveryStatusTransition):
		return ensureErrorEnvelope(goerrors.Wrap(err, goerrors.CategoryConflict, err.Error()))
	case errors.Is(err, ErrInvalidStrategy):
		return ConfigurationError("invalid rate limit rule", map[string]string{"strategy": err.Error()})
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "required") || strings.Contains(msg, "invalid") {
		return BadInputError(err.Error())
	}
	return ensureErrorEnvelope(goerrors.MapToError(err, goerrors.DefaultErrorMappers()))
}

func ensureErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = HTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput:
		return ErrorBadInput
	case goerrors.CategoryValidation:
		return ErrorConfigurationInvalid
	case goerrors.CategoryNotFound:
		return ErrorNotFound
	case goerrors.CategoryConflict:
		return ErrorConflict
	case goerrors.CategoryRateLimit:
		return ErrorRateLimited
	case goerrors.CategoryExternal:
		return ErrorStoreUnavailable
	default:
		return ErrorInternal
	}
}

// HTTPStatus is the fallback status for errors that carry no code.
func HTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput:
		return http.StatusBadRequest
	case goerrors.CategoryValidation:
		return http.StatusUnprocessableEntity
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict, goerrors.CategoryOperation:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
