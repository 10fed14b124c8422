package pco

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	appLog "cmacal/internal/log"
)

const (
	defaultRetryDelay    = 2 * time.Second
	defaultMaxRetryDelay = 30 * time.Second
	defaultTimeout       = 15 * time.Second
	maxErrorBody         = 4 << 10
)

// StatusError is returned for any non-2xx upstream response.
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
	// Retried is true when the response came from the single 429 retry.
	Retried bool
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("pco: upstream status %s", e.Status)
	}
	return fmt.Sprintf("pco: upstream status %s: %s", e.Status, e.Body)
}

// ClientOptions configures the authenticated transport.
type ClientOptions struct {
	APIVersion string
	UserAgent  string
	// RetryDelay is used after a 429 that carries no usable Retry-After.
	RetryDelay time.Duration
	// MaxRetryDelay caps the wait requested by Retry-After.
	MaxRetryDelay time.Duration
	Timeout       time.Duration
	// Base is the underlying RoundTripper; nil means http.DefaultTransport.
	Base http.RoundTripper
}

// Client performs authenticated GETs against the Planning Center API.
type Client struct {
	http       *http.Client
	scheme     Scheme
	apiVersion string
	userAgent  string
	retryDelay time.Duration
	maxRetry   time.Duration

	// sleep waits for d or until ctx is done. Replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient builds a client whose credential scheme is fixed for its lifetime.
func NewClient(creds Credentials, opts ClientOptions) *Client {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.MaxRetryDelay <= 0 {
		opts.MaxRetryDelay = defaultMaxRetryDelay
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &Client{
		http: &http.Client{
			Timeout:   opts.Timeout,
			Transport: creds.transport(opts.Base),
		},
		scheme:     creds.Scheme,
		apiVersion: opts.APIVersion,
		userAgent:  opts.UserAgent,
		retryDelay: opts.RetryDelay,
		maxRetry:   opts.MaxRetryDelay,
		sleep:      sleepContext,
	}
}

// Scheme reports the credential scheme chosen at construction.
func (c *Client) Scheme() Scheme { return c.scheme }

// Get issues a GET and returns the response for any 2xx status; the caller
// must close the body. A 429 is retried exactly once after Retry-After
// seconds (or the default delay), capped at MaxRetryDelay. Every other
// non-2xx status is returned as a *StatusError without retry.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	resp, err := c.do(ctx, url)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		wait := min(retryAfter(resp.Header.Get("Retry-After"), c.retryDelay), c.maxRetry)
		drain(resp)
		appLog.Warn("pco rate limited; retrying once", "url", appLog.RedactURL(url), "wait", wait)

		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
		resp, err = c.do(ctx, url)
		if err != nil {
			return nil, err
		}
		if !isSuccess(resp.StatusCode) {
			serr := statusError(resp)
			serr.Retried = true
			return nil, serr
		}
		return resp, nil
	}

	if !isSuccess(resp.StatusCode) {
		return nil, statusError(resp)
	}
	return resp, nil
}

// GetJSON performs Get and decodes the body into dst.
func (c *Client) GetJSON(ctx context.Context, url string, dst any) error {
	resp, err := c.Get(ctx, url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("pco: decode response: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("pco: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiVersion != "" {
		req.Header.Set("X-API-Version", c.apiVersion)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pco: send request: %w", err)
	}
	return resp, nil
}

func isSuccess(code int) bool {
	return code >= 200 && code < 300
}

func statusError(resp *http.Response) *StatusError {
	defer resp.Body.Close()
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       strings.TrimSpace(string(payload)),
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
}

// retryAfter parses a Retry-After header given in seconds (or as an HTTP
// date), falling back to def.
func retryAfter(v string, def time.Duration) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return def
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return def
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
		return 0
	}
	return def
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
