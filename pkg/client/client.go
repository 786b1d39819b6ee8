// Package client provides the rate-limited request executor used for every
// call to the remote project-management API.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/scm-target-importer/pkg/logging"
	"github.com/Sternrassler/scm-target-importer/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for executor calls.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "importer_requests_total",
		Help: "Total API requests by method and status",
	}, []string{"method", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "importer_request_duration_seconds",
		Help:    "API call duration in seconds including retries, by method",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 60, 300},
	}, []string{"method"})
)

// Request is a single API call. Body is kept as bytes so it can be resent.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is a fully read API response.
type Response struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

// Config holds the executor configuration.
type Config struct {
	// Token is sent as "Authorization: token <Token>" unless the request
	// carries its own Authorization header.
	Token string

	// UserAgent header sent with every call.
	UserAgent string

	// MaxAttempts per call (including the first).
	MaxAttempts int

	// RateLimitSleep is the base back-off after a 429, multiplied by the attempt number.
	RateLimitSleep time.Duration

	// Timeout for a single HTTP round trip.
	Timeout time.Duration
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig(token string) Config {
	return Config{
		Token:          token,
		UserAgent:      "scm-target-importer/0.1.0",
		MaxAttempts:    DefaultMaxAttempts,
		RateLimitSleep: DefaultRateLimitSleep,
		Timeout:        30 * time.Second,
	}
}

// Client executes API calls under a shared admission gate.
type Client struct {
	httpClient *http.Client
	gate       *ratelimit.Gate
	policy     RetryPolicy
	config     Config
	logger     zerolog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// New creates a new executor bound to gate.
func New(cfg Config, gate *ratelimit.Gate) (*Client, error) {
	if gate == nil {
		return nil, fmt.Errorf("admission gate is required")
	}
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.MaxAttempts < 0 {
		return nil, fmt.Errorf("max_attempts must be >= 0 (got %d)", cfg.MaxAttempts)
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RateLimitSleep <= 0 {
		cfg.RateLimitSleep = DefaultRateLimitSleep
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		gate:       gate,
		policy:     LinearBackoff(cfg.MaxAttempts, cfg.RateLimitSleep),
		config:     cfg,
		logger:     logging.NewLogger(logging.ComponentExecutor),
		sleep:      sleepContext,
	}, nil
}

// Execute performs req, retrying according to the client's RetryPolicy.
//
// Success statuses (2xx, 404) return the response with a nil error. A 401
// returns the response together with an error matching ErrAuth. When the
// attempts run out on an HTTP status, the last response is returned as-is
// with a nil error and the caller interprets the status. When they run out
// on network failures, the error matches ErrRetryExhausted and wraps a
// *TransientHTTPError.
func (c *Client) Execute(ctx context.Context, req Request) (*Response, error) {
	target, err := EncodeURL(req.URL)
	if err != nil {
		return nil, fmt.Errorf("encode url: %w", err)
	}

	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(req.Method).Observe(time.Since(startTime).Seconds())
	}()

	var (
		resp    *Response
		lastErr error
		attempt int
	)

	for attempt = 1; attempt <= c.config.MaxAttempts; attempt++ {
		resp, lastErr = c.dispatch(ctx, req, target)
		if lastErr != nil && ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		}
		c.record(req.Method, resp, lastErr)

		decision := c.policy(attempt, resp, lastErr)
		switch decision.Action {
		case ActionSucceed:
			if attempt > 1 {
				c.logger.Info().
					Str("method", req.Method).
					Str("url", target).
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return resp, nil

		case ActionGiveUp:
			return c.giveUp(req.Method, target, attempt, decision.Class, resp, lastErr)

		case ActionRetry:
			retriesTotal.WithLabelValues(string(decision.Class)).Inc()
			event := c.logger.Debug()
			if decision.Class == ErrorClassRateLimit {
				event = c.logger.Warn()
				rateLimitSleepSeconds.Observe(decision.Wait.Seconds())
			}
			event.
				Str("method", req.Method).
				Str("url", target).
				Str("error_class", string(decision.Class)).
				Int("attempt", attempt).
				Dur("sleep", decision.Wait).
				AnErr("error", lastErr).
				Msg("Retrying request")

			if err := c.sleep(ctx, decision.Wait); err != nil {
				c.logger.Warn().
					Str("url", target).
					Int("attempt", attempt).
					Msg("Context cancelled during retry backoff")
				return nil, fmt.Errorf("%w: %v", ErrContextCancelled, err)
			}
		}
	}

	// Only reached when the policy keeps asking for retries past MaxAttempts.
	return c.giveUp(req.Method, target, attempt-1, Classify(statusOf(resp), lastErr), resp, lastErr)
}

func (c *Client) giveUp(method, target string, attempt int, class ErrorClass, resp *Response, lastErr error) (*Response, error) {
	if class == ErrorClassAuth {
		c.logger.Error().
			Str("url", target).
			Str("body", string(resp.Body)).
			Msg("Unauthorized, check the API token and try again")
		return resp, NewStatusError(resp)
	}

	retryExhaustedTotal.WithLabelValues(string(class)).Inc()
	c.logger.Warn().
		Str("method", method).
		Str("url", target).
		Str("error_class", string(class)).
		Int("attempts", attempt).
		Msg("Retry attempts exhausted")

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrRetryExhausted, &TransientHTTPError{
			Method:   method,
			URL:      target,
			Attempts: attempt,
			Err:      lastErr,
		})
	}
	return resp, nil
}

// dispatch performs one attempt through the admission gate.
func (c *Client) dispatch(ctx context.Context, req Request, target string) (*Response, error) {
	var out *Response
	err := c.gate.Do(ctx, func(ctx context.Context) error {
		var body io.Reader
		if req.Body != nil {
			body = bytes.NewReader(req.Body)
		}

		httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		for key, values := range req.Header {
			for _, v := range values {
				httpReq.Header.Add(key, v)
			}
		}
		if httpReq.Header.Get("Authorization") == "" && c.config.Token != "" {
			httpReq.Header.Set("Authorization", "token "+c.config.Token)
		}
		httpReq.Header.Set("User-Agent", c.config.UserAgent)
		if httpReq.Header.Get("Accept") == "" {
			httpReq.Header.Set("Accept", "application/json")
		}
		if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
			httpReq.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response body: %w", err)
		}

		out = &Response{
			StatusCode: resp.StatusCode,
			Body:       data,
			Header:     resp.Header.Clone(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) record(method string, resp *Response, err error) {
	if err != nil {
		requestsTotal.WithLabelValues(method, "network_error").Inc()
		return
	}
	requestsTotal.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
}

func statusOf(resp *Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}

// Gate returns the admission gate the client dispatches through.
func (c *Client) Gate() *ratelimit.Gate {
	return c.gate
}

// EncodeURL percent-encodes raw the way a browser would before sending it.
// Characters that are already valid escapes are left untouched.
func EncodeURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		u, err = url.Parse(escapeStrayPercent(raw))
		if err != nil {
			return "", err
		}
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q must be absolute", raw)
	}
	u.RawQuery = escapeQuery(u.RawQuery)
	return u.String(), nil
}

// uriChars are the bytes left as-is in a query, besides letters and digits.
const uriChars = "-_.!~*'();/?:@&=+$,#"

// escapeQuery percent-encodes every query byte outside the unreserved and
// reserved sets. Valid escapes are kept.
func escapeQuery(q string) string {
	var b strings.Builder
	for i := 0; i < len(q); i++ {
		c := q[i]
		switch {
		case c == '%' && i+2 < len(q) && isHex(q[i+1]) && isHex(q[i+2]):
			b.WriteByte(c)
		case isAlnum(c) || strings.IndexByte(uriChars, c) >= 0:
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

// escapeStrayPercent encodes '%' signs that do not start a valid escape.
func escapeStrayPercent(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && !(i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2])) {
			b.WriteString("%25")
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func isAlnum(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}
