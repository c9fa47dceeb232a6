package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"datafair/internal/schema"
)

type IssueSeverity string

const (
	// SeverityError blocks startup.
	SeverityError   IssueSeverity = "error"
	SeverityWarning IssueSeverity = "warning"
)

// Issue is one finding of Validate. Path is the flag name.
type Issue struct {
	Severity IssueSeverity
	Path     string
	Message  string
}

func (i Issue) Error() string {
	return fmt.Sprintf("%s at %s: %s", i.Severity, i.Path, i.Message)
}

// HasErrors reports whether issues holds at least one error.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

type issues []Issue

func (is *issues) errorf(path, format string, args ...any) {
	*is = append(*is, Issue{Severity: SeverityError, Path: path, Message: fmt.Sprintf(format, args...)})
}

func (is *issues) warnf(path, format string, args ...any) {
	*is = append(*is, Issue{Severity: SeverityWarning, Path: path, Message: fmt.Sprintf(format, args...)})
}

func (is *issues) positive(path string, n int) {
	if n <= 0 {
		is.errorf(path, "must be > 0, got %d", n)
	}
}

func (is *issues) positiveDuration(path string, d time.Duration) {
	if d <= 0 {
		is.errorf(path, "must be > 0, got %s", d)
	}
}

// Validate checks c without changing it.
func (c Config) Validate() []Issue {
	var is issues

	is.positiveDuration("poll-interval", c.PollInterval)
	is.positive("concurrency", c.Concurrency)
	is.positive("index-max-rows", c.IndexMaxRows)
	is.positive("index-max-bytes", c.IndexMaxBytes)
	is.positiveDuration("lock-ttl", c.LockTTL)
	is.positive("error-retry-count", c.ErrorRetryCount)
	is.positive("sample-size", c.SampleSize)
	is.positive("error-samples", c.ErrorSamples)
	if c.ErrorRetryDelay < 0 {
		is.errorf("error-retry-delay", "must not be negative, got %s", c.ErrorRetryDelay)
	}
	if c.CloseTimeout < 0 {
		is.errorf("close-timeout", "must not be negative, got %s", c.CloseTimeout)
	}
	if c.LockTTL > 0 && c.PollInterval >= c.LockTTL {
		is.warnf("poll-interval", "poll interval %s is not below the lock ttl %s", c.PollInterval, c.LockTTL)
	}
	if c.IndexMaxBytes > 0 && c.IndexMaxBytes < 1024 {
		is.warnf("index-max-bytes", "%d bytes per bulk request makes tiny batches", c.IndexMaxBytes)
	}

	if _, err := schema.ParseValidationMode(c.DraftValidation); err != nil {
		is.errorf("draft-validation-mode", "%v", err)
	}
	for _, layout := range c.DateFormats {
		if !strings.ContainsAny(layout, "0126") {
			is.errorf("date-formats", "%q is not a Go time layout", layout)
		}
	}
	if strings.TrimSpace(c.IndexPrefix) == "" || strings.ContainsAny(c.IndexPrefix, " *,/\\") || strings.ToLower(c.IndexPrefix) != c.IndexPrefix {
		is.errorf("index-prefix", "%q is not a valid lowercase index name prefix", c.IndexPrefix)
	}
	if strings.TrimSpace(c.DataDir) == "" {
		is.errorf("data-dir", "must not be empty")
	}

	switch c.DocStore {
	case "memory":
		is.warnf("doc-store", "datasets are lost when the worker stops")
	case "sqlite", "postgres":
		if strings.TrimSpace(c.DocStoreDSN) == "" {
			is.errorf("doc-store-dsn", "%s document store requires a DSN", c.DocStore)
		}
	default:
		is.errorf("doc-store", "unknown document store %q (want sqlite|postgres|memory)", c.DocStore)
	}

	switch c.LockStore {
	case "db":
		if c.DocStore == "memory" {
			is.errorf("lock-store", "the db lock store needs a sqlite or postgres document store")
		}
	case "redis":
		if strings.TrimSpace(c.RedisAddr) == "" {
			is.errorf("redis-addr", "redis lock store requires an address")
		}
	case "memory":
		if c.DocStore != "memory" {
			is.warnf("lock-store", "memory locks do not protect datasets across worker processes")
		}
	default:
		is.errorf("lock-store", "unknown lock store %q (want db|redis|memory)", c.LockStore)
	}

	if c.SearchURL != "memory" {
		if u, err := url.ParseRequestURI(c.SearchURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			is.errorf("search-url", "%q is neither memory nor an http(s) URL", c.SearchURL)
		}
	}
	if c.SearchMaxRetries < 0 {
		is.errorf("search-max-retries", "must not be negative, got %d", c.SearchMaxRetries)
	}

	switch c.MetricsBackend {
	case "", "none":
	case "pushgateway":
		if _, err := url.ParseRequestURI(c.PushgatewayURL); err != nil {
			is.errorf("pushgateway-url", "invalid URL %q", c.PushgatewayURL)
		}
	case "datadog":
		if strings.TrimSpace(c.DatadogAddr) == "" {
			is.errorf("datadog-addr", "datadog metrics require a DogStatsD address")
		}
	default:
		is.errorf("metrics-backend", "unknown metrics backend %q (want none|pushgateway|datadog)", c.MetricsBackend)
	}

	if strings.TrimSpace(c.HealthAddr) == "" {
		is.errorf("health-addr", "must not be empty")
	}
	if c.HealthAddr != "" && c.HealthAddr == c.MetricsAddr {
		is.errorf("metrics-addr", "health and metrics cannot share %s", c.HealthAddr)
	}
	switch strings.ToUpper(c.LogMode) {
	case "PRODUCTION", "PROD", "DEVELOPMENT", "DEV":
	default:
		is.warnf("log-mode", "unknown mode %q, using development logs", c.LogMode)
	}
	return is
}
