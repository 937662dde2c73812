package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"carbon-price-collector/internal/model"
)

const (
	defaultTimeout       = 15 * time.Second
	defaultBackoff       = 500 * time.Millisecond
	defaultSlowThreshold = 5 * time.Second
	maxErrorBody         = 512
)

var (
	// ErrStatus marks non-2xx responses; unwrap StatusError for details.
	ErrStatus = errors.New("unexpected http status")
	// ErrNoScreenshot is returned when a render produced no image.
	ErrNoScreenshot = errors.New("no screenshot captured")
)

// StatusError describes a non-2xx response from a source.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s 响应码异常 (%d): %s", e.URL, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s 响应码异常 (%d)", e.URL, e.StatusCode)
}

func (e *StatusError) Unwrap() error { return ErrStatus }

// Options parameterise the source HTTP client.
type Options struct {
	Timeout       time.Duration
	RetryCount    int
	Backoff       time.Duration
	UserAgent     string
	SlowThreshold time.Duration
}

// Client fetches source documents with a per-request timeout and
// exponential backoff between attempts.
type Client struct {
	opts   Options
	logger zerolog.Logger
	client *http.Client
	sleep  func(ctx context.Context, d time.Duration) error
}

// New constructs a source client.
func New(opts Options, logger zerolog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.RetryCount < 0 {
		opts.RetryCount = 0
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	if opts.SlowThreshold <= 0 {
		opts.SlowThreshold = defaultSlowThreshold
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = "carbon-price-collector/1.0"
	}

	return &Client{
		opts:   opts,
		logger: logger.With().Str("component", "source_fetcher").Logger(),
		client: &http.Client{Timeout: opts.Timeout},
		sleep:  sleepContext,
	}
}

// Timeout reports the per-request timeout.
func (c *Client) Timeout() time.Duration { return c.opts.Timeout }

// Get downloads url, retrying network errors and non-2xx responses up to RetryCount times.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.opts.RetryCount; attempt++ {
		if attempt > 0 {
			delay := c.opts.Backoff << (attempt - 1)
			c.logger.Debug().Str("url", url).Int("attempt", attempt).Dur("delay", delay).Err(lastErr).Msg("retrying source fetch")
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		body, err := c.getOnce(ctx, url)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("fetch %s after %d attempts: %w", url, c.opts.RetryCount+1, lastErr)
}

func (c *Client) getOnce(ctx context.Context, url string) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, url)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newStatusError(url, resp.StatusCode, payload)
	}
	return payload, nil
}

// Probe issues a single HEAD request: errors and 5xx are unhealthy, 4xx or
// slow answers are degraded.
func (c *Client) Probe(ctx context.Context, url string) model.HealthStatus {
	req, err := c.newRequest(ctx, http.MethodHead, url)
	if err != nil {
		return model.HealthStatus{Status: model.HealthUnhealthy, Message: err.Error()}
	}

	started := time.Now()
	resp, err := c.client.Do(req)
	elapsed := time.Since(started)
	if err != nil {
		return model.HealthStatus{Status: model.HealthUnhealthy, Message: fmt.Sprintf("%s unreachable: %v", url, err)}
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return model.HealthStatus{Status: model.HealthUnhealthy, Message: fmt.Sprintf("%s returned %d", url, resp.StatusCode)}
	case resp.StatusCode >= 400:
		return model.HealthStatus{Status: model.HealthDegraded, Message: fmt.Sprintf("%s returned %d", url, resp.StatusCode)}
	case elapsed > c.opts.SlowThreshold:
		return model.HealthStatus{Status: model.HealthDegraded, Message: fmt.Sprintf("%s slow (%s)", url, elapsed.Round(time.Millisecond))}
	default:
		return model.HealthStatus{Status: model.HealthHealthy, Message: fmt.Sprintf("%s reachable in %s", url, elapsed.Round(time.Millisecond))}
	}
}

func (c *Client) newRequest(ctx context.Context, method, url string) (*http.Request, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("source url not configured")
	}
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("Accept", "text/html,application/json,text/csv;q=0.9,*/*;q=0.8")
	return req, nil
}

func newStatusError(url string, status int, payload []byte) error {
	body := strings.TrimSpace(string(payload))
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return &StatusError{URL: url, StatusCode: status, Body: body}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var (
	_ Getter = (*Client)(nil)
	_ Prober = (*Client)(nil)
)
