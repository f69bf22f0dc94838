// Package remote implements the broker, session manager and heartbeat
// monitor boundaries as JSON-over-HTTP clients.
package remote

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

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// errNotFound marks a 404 answer; each client maps it to its own sentinel.
var errNotFound = errors.New("not found")

// StatusError is a non-2xx answer from a remote service.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.Status, e.Body)
}

func (e *StatusError) temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= http.StatusInternalServerError
}

type Option func(*client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *client) {
		c.http = httpClient
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *client) {
		c.logger = logger
	}
}

// WithRetries sets how many times idempotent calls are attempted.
func WithRetries(attempts int) Option {
	return func(c *client) {
		c.attempts = attempts
	}
}

type client struct {
	baseURL  string
	http     *http.Client
	logger   *zap.Logger
	attempts int
}

func newClient(baseURL string, opts ...Option) *client {
	c := &client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: 30 * time.Second},
		logger:   zap.NewNop(),
		attempts: 3,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// call sends body as JSON and decodes a 2xx answer into out. Idempotent calls
// are retried on transport errors and temporary statuses.
func (c *client) call(ctx context.Context, op, method, path string, body, out any, idempotent bool) error {
	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
	}

	attempt := func() error {
		err := c.do(ctx, op, method, path, encoded, out)
		if err == nil {
			return nil
		}

		var statusErr *StatusError
		if errors.Is(err, errNotFound) || (errors.As(err, &statusErr) && !statusErr.temporary()) {
			return backoff.Permanent(err)
		}

		return err
	}

	if !idempotent || c.attempts <= 1 {
		return c.do(ctx, op, method, path, encoded, out)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = time.Second

	return backoff.RetryNotify(attempt,
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.attempts-1)), ctx),
		func(err error, wait time.Duration) {
			c.logger.Debug("retrying remote call", zap.String("operation", op), zap.Duration("wait", wait), zap.Error(err))
		})
}

func (c *client) do(ctx context.Context, op, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", op, errNotFound)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}

	return nil
}

// mapNotFound swaps the transport-level 404 for target.
func mapNotFound(err, target error) error {
	if errors.Is(err, errNotFound) {
		return fmt.Errorf("%w: %v", target, err)
	}

	return err
}

func ignoreNotFound(err error) error {
	if errors.Is(err, errNotFound) {
		return nil
	}

	return err
}
