package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

const (
	maxResponseSize = 10 << 20 // 10MB

	defaultMaxRetries = 2
	defaultBaseDelay  = 500 * time.Millisecond
)

// Client is a JSON-over-HTTP client for one vendor API. Transient failures
// are retried with exponential backoff, and a 401 triggers exactly one
// re-authentication followed by one more try.
type Client struct {
	name       string
	baseURL    string
	httpClient *http.Client
	auth       AuthProvider
	maxRetries int
	baseDelay  time.Duration
	logger     *zap.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying http.Client
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithAuth sets the auth provider
func WithAuth(auth AuthProvider) ClientOption {
	return func(c *Client) {
		if auth != nil {
			c.auth = auth
		}
	}
}

// WithRetry sets the number of retries after the first attempt and the initial backoff
func WithRetry(maxRetries int, baseDelay time.Duration) ClientOption {
	return func(c *Client) {
		if maxRetries >= 0 {
			c.maxRetries = maxRetries
		}
		if baseDelay > 0 {
			c.baseDelay = baseDelay
		}
	}
}

// WithClientLogger sets the logger
func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a client for the API rooted at baseURL
func NewClient(name, baseURL string, timeout time.Duration, opts ...ClientOption) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		auth:       NoAuth{},
		maxRetries: defaultMaxRetries,
		baseDelay:  defaultBaseDelay,
		logger:     zap.NewNop(),
		sleep:      sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the system name the client talks to
func (c *Client) Name() string { return c.name }

// Do sends a JSON request and decodes the JSON response into out (when non-nil)
func (c *Client) Do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("%s: encode request: %w", c.name, err)
		}
	}

	reauthed := false
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; {
		body, err := c.send(ctx, method, path, payload)
		switch {
		case err == nil:
			if out == nil || len(body) == 0 {
				return nil
			}
			if err := decodeJSON(body, out); err != nil {
				return fmt.Errorf("%s %s %s: %w: %v", c.name, method, path, ErrMalformedResponse, err)
			}
			return nil
		case errors.Is(err, ErrUnauthorized) && !reauthed:
			// credentials expired: drop them and try once more without spending a retry
			reauthed = true
			c.auth.Invalidate()
			c.logger.Info("re-authenticating after 401", zap.String("system", c.name), zap.String("path", path))
			continue
		case !errors.Is(err, ErrTransient):
			return fmt.Errorf("%s %s %s: %w", c.name, method, path, err)
		}

		lastErr = err
		if attempt == c.maxRetries {
			break
		}
		delay := c.baseDelay * time.Duration(1<<uint(attempt))
		c.logger.Warn("retrying transient connector failure",
			zap.String("system", c.name),
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if serr := c.sleep(ctx, delay); serr != nil {
			return fmt.Errorf("%s %s %s: %w: %v", c.name, method, path, ErrTransient, serr)
		}
		attempt++
	}
	return fmt.Errorf("%s %s %s: %w", c.name, method, path, lastErr)
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrRequestFailed, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	headers, err := c.auth.Headers(ctx)
	if err != nil {
		return nil, err
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransient, ctx.Err())
		}
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrTransient, err)
	}
	if err := classifyStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

// classifyStatus maps an HTTP status to a connector error; nil for 2xx
func classifyStatus(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized:
		return ErrUnauthorized
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return fmt.Errorf("%w: HTTP %d", ErrTransient, status)
	}
	return fmt.Errorf("%w: HTTP %d: %s", ErrRequestFailed, status, snippet(body))
}

func decodeJSON(body []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	return dec.Decode(out)
}

func snippet(body []byte) string {
	const max = 200
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
