package elastic

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config configures the HTTP client talking to the search cluster.
//
// Zero values are given defaults:
//   - Timeout:        30s
//   - InitialBackoff: 200ms
//   - MaxBackoff:     5s
type Config struct {
	// URL is the cluster base URL, e.g. http://localhost:9200.
	URL string

	// Timeout is the per-request timeout applied at the http.Client level.
	Timeout time.Duration

	// MaxRetries is the number of retries after the first attempt on 429,
	// 5xx and transport errors. Zero means no retries; the dispatcher
	// retries whole stages on top of this.
	MaxRetries int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// InsecureSkipVerify disables TLS certificate verification.
	InsecureSkipVerify bool

	// BaseHeaders are added to every request (authorization for instance).
	BaseHeaders http.Header

	// Transport overrides the default *http.Transport.
	Transport http.RoundTripper
}

type client struct {
	base        string
	httpClient  *http.Client
	baseHeaders http.Header
	policy      func() backoff.BackOff
}

func newClient(cfg Config) *client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
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
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // explicitly configurable
			},
		}
	}
	hdr := http.Header{}
	for k, vs := range cfg.BaseHeaders {
		for _, v := range vs {
			hdr.Add(k, v)
		}
	}
	retries := uint64(cfg.MaxRetries)
	initial, maxB := cfg.InitialBackoff, cfg.MaxBackoff
	return &client{
		base:        trimSlash(cfg.URL),
		httpClient:  &http.Client{Timeout: cfg.Timeout, Transport: transport},
		baseHeaders: hdr,
		policy: func() backoff.BackOff {
			eb := backoff.NewExponentialBackOff()
			eb.InitialInterval = initial
			eb.MaxInterval = maxB
			eb.MaxElapsedTime = 0
			return backoff.WithMaxRetries(eb, retries)
		},
	}
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

// do sends a request, retrying transport failures and retryable statuses.
// The body is a byte slice so it can be re-sent. The caller closes the
// response body.
func (c *client) do(ctx context.Context, method, path string, body []byte, contentType string) (*http.Response, error) {
	url := c.base + path
	var resp *http.Response
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("elastic: build request: %w", err))
		}
		for k, vs := range c.baseHeaders {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		r, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		if isRetryableStatus(r.StatusCode) {
			_ = r.Body.Close()
			return fmt.Errorf("elastic: retryable status %d from %s %s", r.StatusCode, method, path)
		}
		resp = r
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(c.policy(), ctx)); err != nil {
		return nil, err
	}
	return resp, nil
}

// isRetryableStatus treats 429 and 5xx as transient.
func isRetryableStatus(code int) bool {
	if code == http.StatusTooManyRequests {
		return true
	}
	return code >= 500 && code <= 599
}
