// Package platform is a client for the REST API that owns runs, request
// queues and key-value stores.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"queue-rebirth/internal/logging"
	"queue-rebirth/internal/ratelimit"
	"queue-rebirth/internal/telemetry"
)

// Options configures a Client.
type Options struct {
	BaseURL        string
	Token          string
	Timeout        time.Duration
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	Limiter        ratelimit.Limiter
	HTTPClient     *http.Client
	Logger         *zap.Logger
}

// Client talks to the platform API. It is safe for concurrent use.
type Client struct {
	baseURL        string
	token          string
	http           *http.Client
	limiter        ratelimit.Limiter
	maxRetries     int
	backoffInitial time.Duration
	backoffMax     time.Duration
	logger         *zap.Logger
}

func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout == 0 {
			timeout = 360 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = ratelimit.Unlimited{}
	}
	backoffInitial := opts.BackoffInitial
	if backoffInitial <= 0 {
		backoffInitial = 500 * time.Millisecond
	}
	backoffMax := opts.BackoffMax
	if backoffMax <= 0 {
		backoffMax = 30 * time.Second
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Client{
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		token:          opts.Token,
		http:           httpClient,
		limiter:        limiter,
		maxRetries:     maxRetries,
		backoffInitial: backoffInitial,
		backoffMax:     backoffMax,
		logger:         logging.OrNop(opts.Logger),
	}
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type listPage[T any] struct {
	Items []T `json:"items"`
}

// do issues one API call, retrying throttled and unavailable responses.
// It returns the raw response body of a 2xx response.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		if raw, ok := body.([]byte); ok {
			payload = raw
		} else if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("marshal %s %s body: %w", method, path, err)
		}
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			wait := backoffWithJitter(c.backoffInitial, c.backoffMax, attempt)
			reason := retryReason(lastErr)
			telemetry.PlatformRetries.WithLabelValues(reason).Inc()
			c.logger.Debug("Retrying platform request",
				zap.String("method", method),
				zap.String("path", path),
				zap.String("reason", reason),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", wait),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		respBody, retryable, err := c.once(ctx, method, path, target, payload)
		if err == nil {
			return respBody, nil
		}
		lastErr = err
		if !retryable || ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func retryReason(err error) string {
	switch {
	case IsThrottled(err):
		return "throttled"
	case IsUnavailable(err):
		return "unavailable"
	default:
		return "other"
	}
}

func (c *Client) once(ctx context.Context, method, path, target string, payload []byte) ([]byte, bool, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, false, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, &APIError{Method: method, Path: path, Err: fmt.Errorf("%w: %v", ErrUnavailable, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Err: fmt.Errorf("%w: read body: %v", ErrUnavailable, err)}
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, false, nil
	}

	sentinel, retryable := classifyStatus(resp.StatusCode)
	apiErr := &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Err: sentinel}
	var env envelope
	if json.Unmarshal(respBody, &env) == nil && env.Error != nil {
		apiErr.Message = env.Error.Message
	}
	return nil, retryable, apiErr
}

func decodeData(body []byte, out any) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode response envelope: %w", err)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return errors.New("response has no data")
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}

func escape(id string) string {
	return url.PathEscape(id)
}
