// Package httpds downloads remote files with retry and backoff. Remote
// uploads given by URL and the sniff command read through it.
package httpds

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config configures the client. Zero values are given defaults:
//   - Timeout:        5m
//   - InitialBackoff: 200ms
//   - MaxBackoff:     5s
type Config struct {
	// Timeout bounds a whole download, body included.
	Timeout time.Duration

	// MaxRetries is the number of retries after the first attempt on 429,
	// 5xx and transport errors.
	MaxRetries int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// InsecureSkipVerify disables TLS certificate verification.
	InsecureSkipVerify bool

	// BaseHeaders are added to every request; per request headers win.
	BaseHeaders http.Header

	// Transport overrides the default *http.Transport.
	Transport http.RoundTripper
}

// StatusError is a final non-2xx answer.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("httpds: GET %s: status %d", e.URL, e.Status)
}

type Client struct {
	httpClient  *http.Client
	baseHeaders http.Header
	retries     uint64
	initial     time.Duration
	maxBackoff  time.Duration

	// notify observes retries; tests use it to count them.
	notify backoff.Notify
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	transport := cfg.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // explicitly configurable
			},
		}
	}
	return &Client{
		httpClient:  &http.Client{Timeout: cfg.Timeout, Transport: transport},
		baseHeaders: cfg.BaseHeaders.Clone(),
		retries:     uint64(cfg.MaxRetries),
		initial:     cfg.InitialBackoff,
		maxBackoff:  cfg.MaxBackoff,
	}
}

func (c *Client) policy(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.initial
	eb.MaxInterval = c.maxBackoff
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, c.retries), ctx)
}

// Get fetches url. Any 2xx answer is returned with its body open; other
// final statuses are a *StatusError.
func (c *Client) Get(ctx context.Context, url string, headers http.Header) (*http.Response, error) {
	if url == "" {
		return nil, errors.New("httpds: url must not be empty")
	}
	var resp *http.Response
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("httpds: build request: %w", err))
		}
		for k, vs := range c.baseHeaders {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		for k, vs := range headers {
			req.Header.Del(k)
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		r, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		if isRetryableStatus(r.StatusCode) {
			drain(r)
			return &StatusError{URL: url, Status: r.StatusCode}
		}
		if r.StatusCode < 200 || r.StatusCode > 299 {
			drain(r)
			return backoff.Permanent(&StatusError{URL: url, Status: r.StatusCode})
		}
		resp = r
		return nil
	}
	if err := backoff.RetryNotify(op, c.policy(ctx), c.notify); err != nil {
		return nil, err
	}
	return resp, nil
}

func drain(r *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(r.Body, 64<<10))
	_ = r.Body.Close()
}

// isRetryableStatus treats 429 and 5xx as transient.
func isRetryableStatus(code int) bool {
	if code == http.StatusTooManyRequests {
		return true
	}
	return code >= 500 && code <= 599
}
