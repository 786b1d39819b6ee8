package client

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "importer_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	rateLimitSleepSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "importer_rate_limit_sleep_seconds",
		Help:    "Back-off sleeps taken after 429 responses",
		Buckets: []float64{1, 10, 60, 120, 300, 600, 1800},
	})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "importer_retry_exhausted_total",
		Help: "Total number of calls that used every attempt by error class",
	}, []string{"error_class"})
)

const (
	// DefaultMaxAttempts is the total number of attempts per call.
	DefaultMaxAttempts = 7

	// DefaultRateLimitSleep is the base sleep multiplied by the attempt number
	// after a 429 response.
	DefaultRateLimitSleep = 60 * time.Second
)

// Action is what the retry loop does next.
type Action int

const (
	// ActionSucceed hands the response to the caller as a success.
	ActionSucceed Action = iota
	// ActionRetry makes another attempt after Decision.Wait.
	ActionRetry
	// ActionGiveUp stops and hands the last outcome to the caller.
	ActionGiveUp
)

func (a Action) String() string {
	switch a {
	case ActionSucceed:
		return "succeed"
	case ActionRetry:
		return "retry"
	case ActionGiveUp:
		return "give_up"
	default:
		return "unknown"
	}
}

// Decision is the outcome of a RetryPolicy.
type Decision struct {
	Action Action
	Wait   time.Duration
	Class  ErrorClass
}

// RetryPolicy decides, from the 1-based attempt number and the outcome of
// that attempt, what the call loop does next. Implementations must be pure.
type RetryPolicy func(attempt int, resp *Response, err error) Decision

// LinearBackoff returns the importer retry policy:
//   - any 2xx and 404 succeed
//   - 401 gives up immediately
//   - 429 waits baseSleep*attempt before the next attempt
//   - network failures and other statuses retry immediately
//
// Once attempt reaches maxAttempts every non-success outcome gives up.
func LinearBackoff(maxAttempts int, baseSleep time.Duration) RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if baseSleep <= 0 {
		baseSleep = DefaultRateLimitSleep
	}

	return func(attempt int, resp *Response, err error) Decision {
		var status int
		if err == nil && resp != nil {
			status = resp.StatusCode
			if isSuccess(status) {
				return Decision{Action: ActionSucceed}
			}
		}

		class := Classify(status, err)
		if class == ErrorClassAuth {
			return Decision{Action: ActionGiveUp, Class: class}
		}
		if attempt >= maxAttempts {
			return Decision{Action: ActionGiveUp, Class: class}
		}
		if class == ErrorClassRateLimit {
			return Decision{Action: ActionRetry, Wait: baseSleep * time.Duration(attempt), Class: class}
		}
		return Decision{Action: ActionRetry, Class: class}
	}
}

func isSuccess(status int) bool {
	return (status >= 200 && status < 300) || status == http.StatusNotFound
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
