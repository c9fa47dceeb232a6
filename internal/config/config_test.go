package config

import (
	"flag"
	"io"
	"reflect"
	"strings"
	"testing"
	"time"
)

func envOf(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func load(t *testing.T, env map[string]string, args ...string) (Config, error) {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return LoadFromArgs(fs, envOf(env), args)
}

// hasIssue reports whether issues holds one with severity at path whose
// message contains msg.
func hasIssue(issues []Issue, sev IssueSeverity, path, msg string) bool {
	for _, iss := range issues {
		if iss.Severity == sev && iss.Path == path && strings.Contains(iss.Message, msg) {
			return true
		}
	}
	return false
}

//
// ---- LoadFromArgs ----
//

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	c, err := load(t, nil)
	if err != nil {
		t.Fatalf("LoadFromArgs: %v", err)
	}
	if !reflect.DeepEqual(c, Defaults()) {
		t.Fatalf("got %+v\nwant %+v", c, Defaults())
	}
	if issues := c.Validate(); HasErrors(issues) {
		t.Fatalf("defaults have errors: %+v", issues)
	}
}

func TestLoadEnvThenFlags(t *testing.T) {
	t.Parallel()

	c, err := load(t, map[string]string{
		"POLL_INTERVAL":      "250ms",
		"WORKER_CONCURRENCY": "8",
		"LOCK_TTL":           "90000",
		"DATE_FORMATS":       "02/01/2006, 2006.01.02",
		"DOC_STORE":          "postgres",
		"SEARCH_URL":         "http://es:9200",
	}, "-concurrency=3", "-doc-store-dsn=postgres://u@db/datafair")
	if err != nil {
		t.Fatalf("LoadFromArgs: %v", err)
	}

	if c.PollInterval != 250*time.Millisecond {
		t.Errorf("PollInterval = %s", c.PollInterval)
	}
	if c.Concurrency != 3 {
		t.Errorf("flag should win over env: Concurrency = %d", c.Concurrency)
	}
	if c.LockTTL != 90*time.Second {
		t.Errorf("bare numbers are milliseconds: LockTTL = %s", c.LockTTL)
	}
	if want := []string{"02/01/2006", "2006.01.02"}; !reflect.DeepEqual(c.DateFormats, want) {
		t.Errorf("DateFormats = %#v", c.DateFormats)
	}
	if c.DocStore != "postgres" || c.DocStoreDSN != "postgres://u@db/datafair" || c.SearchURL != "http://es:9200" {
		t.Errorf("stores = %q %q %q", c.DocStore, c.DocStoreDSN, c.SearchURL)
	}
}

func TestLoadRejectsMalformedEnv(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"WORKER_CONCURRENCY": "two",
		"ERROR_RETRY_DELAY":  "soon",
	}
	for k, v := range cases {
		if _, err := load(t, map[string]string{k: v}); err == nil || !strings.Contains(err.Error(), k) {
			t.Errorf("%s=%q: want an error naming the variable, got %v", k, v, err)
		}
	}
	if _, err := load(t, nil, "-no-such-flag"); err == nil {
		t.Error("unknown flag: want an error")
	}
}

//
// ---- Validate ----
//

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Config)
		sev    IssueSeverity
		path   string
		msg    string
	}{
		{"concurrency", func(c *Config) { c.Concurrency = 0 }, SeverityError, "concurrency", "must be > 0"},
		{"draft mode", func(c *Config) { c.DraftValidation = "sometimes" }, SeverityError, "draft-validation-mode", "unknown draft validation mode"},
		{"date layout", func(c *Config) { c.DateFormats = []string{"dd/mm/yyyy"} }, SeverityError, "date-formats", "not a Go time layout"},
		{"doc store", func(c *Config) { c.DocStore = "mongo" }, SeverityError, "doc-store", "unknown document store"},
		{"dsn", func(c *Config) { c.DocStoreDSN = "" }, SeverityError, "doc-store-dsn", "requires a DSN"},
		{"db locks on memory", func(c *Config) { c.DocStore = "memory" }, SeverityError, "lock-store", "needs a sqlite or postgres"},
		{"redis", func(c *Config) { c.LockStore = "redis" }, SeverityError, "redis-addr", "requires an address"},
		{"shared locks", func(c *Config) { c.LockStore = "memory" }, SeverityWarning, "lock-store", "across worker processes"},
		{"search", func(c *Config) { c.SearchURL = "es:9200" }, SeverityError, "search-url", "neither memory nor"},
		{"metrics", func(c *Config) { c.MetricsBackend = "statsd" }, SeverityError, "metrics-backend", "unknown metrics backend"},
		{"ports", func(c *Config) { c.MetricsAddr = c.HealthAddr }, SeverityError, "metrics-addr", "cannot share"},
		{"prefix", func(c *Config) { c.IndexPrefix = "Data Sets" }, SeverityError, "index-prefix", "lowercase"},
		{"ttl", func(c *Config) { c.PollInterval = time.Minute }, SeverityWarning, "poll-interval", "lock ttl"},
		{"log mode", func(c *Config) { c.LogMode = "loud" }, SeverityWarning, "log-mode", "unknown mode"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := Defaults()
			tc.mutate(&c)
			issues := c.Validate()
			if !hasIssue(issues, tc.sev, tc.path, tc.msg) {
				t.Fatalf("want %s at %s containing %q, got %+v", tc.sev, tc.path, tc.msg, issues)
			}
			if tc.sev == SeverityWarning && HasErrors(issues) {
				t.Fatalf("warning case has errors: %+v", issues)
			}
		})
	}
}

func TestIssueError(t *testing.T) {
	t.Parallel()

	iss := Issue{Severity: SeverityError, Path: "concurrency", Message: "must be > 0, got 0"}
	if got, want := iss.Error(), "error at concurrency: must be > 0, got 0"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
