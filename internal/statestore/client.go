package statestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/marloweai/marlowe/internal/observability"
	"github.com/marloweai/marlowe/internal/retry"
)

// notFound is an internal sentinel: GET 404 is normalized to a nil
// result before it reaches the caller.
var notFound = errors.New("not found")

// Client is the typed HTTP client for the state-store REST API.
type Client struct {
	baseURL  string
	http     *http.Client
	logger   *slog.Logger
	breaker  *breaker
	retryCfg retry.Config
}

// Option configures the client.
type Option func(*Client)

// WithLogger configures the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithBreaker tunes the circuit breaker, mainly for tests.
func WithBreaker(threshold int, cooldown time.Duration) Option {
	return func(c *Client) {
		c.breaker = newBreaker(threshold, cooldown)
	}
}

// WithRetry overrides the retry policy, mainly for tests.
func WithRetry(cfg retry.Config) Option {
	return func(c *Client) {
		cfg.Retryable = IsRetryable
		c.retryCfg = cfg
	}
}

// New creates a state-store client. The default policy is 3 attempts
// with 1s..10s exponential backoff and a 30s per-call timeout.
func New(baseURL string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cfg := retry.Exponential(3, time.Second, 10*time.Second)
	cfg.Retryable = IsRetryable
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: timeout},
		logger:   slog.Default().With("component", "statestore"),
		breaker:  newBreaker(breakerFailureThreshold, breakerCooldown),
		retryCfg: cfg,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// get fetches path into out. A 404 returns (false, nil) so callers can
// distinguish absence from failure.
func (c *Client) get(ctx context.Context, path string, out any) (bool, error) {
	err := c.do(ctx, http.MethodGet, path, nil, out)
	if errors.Is(err, notFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// mutate issues a mutating request. A 404 surfaces as http_4xx.
func (c *Client) mutate(ctx context.Context, method, path string, body, out any) error {
	return c.do(ctx, method, path, body, out)
}

// do runs one logical request through the breaker and retry policy.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	op := method + " " + path

	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return &Error{Kind: KindHTTP4xx, Op: op, Err: fmt.Errorf("encode body: %w", err)}
		}
	}

	result := retry.Do(ctx, c.retryCfg, func(ctx context.Context) error {
		return c.doOnce(ctx, method, path, op, encoded, out)
	})
	return result.Err
}

func (c *Client) doOnce(ctx context.Context, method, path, op string, body []byte, out any) error {
	if !c.breaker.allow() {
		return retry.Permanent(&Error{Kind: KindCircuitOpen, Op: op, Err: errors.New("circuit open")})
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return retry.Permanent(&Error{Kind: KindHTTP4xx, Op: op, Err: err})
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if id := observability.CorrelationID(ctx); id != "" {
		req.Header.Set(observability.CorrelationHeader, id)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.failure()
		return &Error{Kind: KindNetwork, Op: op, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		c.breaker.success()
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return retry.Permanent(&Error{Kind: KindHTTP5xx, Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)})
		}
		return nil

	case resp.StatusCode == http.StatusNotFound && method == http.MethodGet:
		c.breaker.success()
		return retry.Permanent(notFound)

	case resp.StatusCode >= 500:
		c.breaker.failure()
		return &Error{Kind: KindHTTP5xx, Op: op, StatusCode: resp.StatusCode, Err: errorFromBody(resp)}

	default:
		// 4xx: the request itself is wrong; retrying cannot help.
		c.breaker.success()
		return retry.Permanent(&Error{Kind: KindHTTP4xx, Op: op, StatusCode: resp.StatusCode, Err: errorFromBody(resp)})
	}
}

func errorFromBody(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		msg = resp.Status
	}
	return errors.New(msg)
}

func queryInt(q url.Values, key string, v int64) {
	if v > 0 {
		q.Set(key, fmt.Sprintf("%d", v))
	}
}
