package webhooks

import (
	"errors"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/goliatone/go-relay/core"
)

const (
	defaultBaseDelay = time.Second
	defaultMaxDelay  = 10 * time.Minute
)

// ExponentialBackoff yields Base*2^(attempt-1) capped at Max, scaled by a
// random factor in [1-Jitter, 1+Jitter]. The factor has mean 1, so the
// expected delay never decreases with the attempt number.
type ExponentialBackoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
	Rand   func() float64
}

func (b ExponentialBackoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = defaultBaseDelay
	}
	maximum := b.Max
	if maximum <= 0 {
		maximum = defaultMaxDelay
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maximum {
			delay = maximum
			break
		}
	}
	if delay > maximum {
		delay = maximum
	}

	jitter := b.Jitter
	if jitter <= 0 {
		return delay
	}
	if jitter >= 1 {
		jitter = 0.99
	}
	random := b.Rand
	if random == nil {
		random = rand.Float64
	}
	factor := 1 + jitter*(2*random()-1)
	jittered := time.Duration(float64(delay) * factor)
	if jittered > maximum {
		jittered = maximum
	}
	if jittered <= 0 {
		jittered = time.Millisecond
	}
	return jittered
}

// RetryClassifier decides whether a failed attempt may be retried. A missing
// endpoint or event is never retryable. Every other failure is retryable
// unless PermanentClientErrors is set, in which case 4xx responses other than
// 408 and 429 go straight to dead.
type RetryClassifier struct {
	PermanentClientErrors bool
}

func (c RetryClassifier) Retryable(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, core.ErrEndpointNotFound) || errors.Is(err, core.ErrEventNotFound) {
		return false
	}
	var deliveryErr *core.DeliveryError
	if !errors.As(err, &deliveryErr) {
		return true
	}
	status := deliveryErr.StatusCode
	if !c.PermanentClientErrors || status < 400 || status >= 500 {
		return true
	}
	return status == http.StatusRequestTimeout || status == http.StatusTooManyRequests
}

var _ core.BackoffPolicy = ExponentialBackoff{}
