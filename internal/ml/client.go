package ml

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

	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker"
)

var (
	ErrBackendTimeout     = errors.New("scoring backend timeout")
	ErrBackendUnreachable = errors.New("scoring backend unreachable")
)

type backendHTTPError struct {
	StatusCode int
	Message    string
}

func (e *backendHTTPError) Error() string {
	return fmt.Sprintf("backend http %d: %s", e.StatusCode, e.Message)
}

// ClientConfig applies to every scoring backend client.
type ClientConfig struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client
}

// client is the shared transport for the scoring backends: per-call
// timeout, bounded retry with backoff for transient errors, and a
// circuit breaker so a dead backend trips fast instead of burning the
// full timeout on every call.
type client struct {
	baseURL    string
	timeout    time.Duration
	maxRetries uint64
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

func newClient(name string, cfg ClientConfig) *client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &client{
		baseURL:    strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/"),
		timeout:    cfg.Timeout,
		maxRetries: uint64(cfg.MaxRetries),
		httpClient: cfg.HTTPClient,
		breaker:    breaker,
	}
}

func (c *client) available() bool {
	return c.baseURL != ""
}

// postJSON posts the payload and decodes the response into out,
// retrying transient transport errors with fibonacci backoff.
func (c *client) postJSON(ctx context.Context, path string, payload any, out any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	backoff := retry.WithMaxRetries(c.maxRetries, retry.NewFibonacci(300*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		// Fresh reader per attempt; the body is consumed on each try.
		err := c.post(ctx, path, "application/json", bytes.NewReader(encoded), out)
		if err != nil && isRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// postRaw posts an already-encoded body (e.g. multipart form data).
// Raw bodies are not replayed, so no retry loop here.
func (c *client) postRaw(ctx context.Context, path, contentType string, body []byte, out any) error {
	return c.post(ctx, path, contentType, bytes.NewReader(body), out)
}

func (c *client) post(ctx context.Context, path, contentType string, body io.Reader, out any) error {
	if !c.available() {
		return fmt.Errorf("%w: no base URL configured", ErrBackendUnreachable)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(timeoutCtx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	request.Header.Set("Content-Type", contentType)
	request.Header.Set("Accept", "application/json")

	result, err := c.breaker.Execute(func() (any, error) {
		response, err := c.httpClient.Do(request)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %v", ErrBackendTimeout, err)
			}
			return nil, fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
		}
		defer response.Body.Close()

		raw, err := io.ReadAll(response.Body)
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}

		if response.StatusCode < 200 || response.StatusCode > 299 {
			message := strings.TrimSpace(string(raw))
			if len(message) > 500 {
				message = message[:500]
			}
			return nil, &backendHTTPError{StatusCode: response.StatusCode, Message: message}
		}
		return raw, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: circuit open", ErrBackendUnreachable)
		}
		return err
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(result.([]byte), out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func isRetryable(err error) bool {
	if errors.Is(err, ErrBackendTimeout) || errors.Is(err, ErrBackendUnreachable) {
		return true
	}
	var httpErr *backendHTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}
	return false
}
