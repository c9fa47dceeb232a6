// Package config holds the worker configuration. Every setting is a
// command-line flag whose default comes from the environment, so a
// deployment configures the worker with env vars and a developer can
// override anything on the command line.
package config

import (
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config is the resolved worker configuration.
type Config struct {
	PollInterval     time.Duration
	Concurrency      int
	IndexMaxRows     int
	IndexMaxBytes    int
	LockTTL          time.Duration
	ErrorRetryDelay  time.Duration
	ErrorRetryCount  int
	CloseTimeout     time.Duration
	SampleSize       int
	DateFormats      []string
	DraftValidation  string
	ErrorSamples     int
	IndexPrefix      string
	DocStore         string
	DocStoreDSN      string
	LockStore        string
	RedisAddr        string
	SearchURL        string
	SearchMaxRetries int
	DataDir          string
	MetricsBackend   string
	PushgatewayURL   string
	DatadogAddr      string
	HealthAddr       string
	MetricsAddr      string
	LogMode          string
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		PollInterval:     time.Second,
		Concurrency:      2,
		IndexMaxRows:     2000,
		IndexMaxBytes:    200_000,
		LockTTL:          60 * time.Second,
		ErrorRetryDelay:  5 * time.Second,
		ErrorRetryCount:  3,
		CloseTimeout:     30 * time.Second,
		SampleSize:       4000,
		DraftValidation:  "noBreakingChange",
		ErrorSamples:     3,
		IndexPrefix:      "dataset",
		DocStore:         "sqlite",
		DocStoreDSN:      "file:datafair.db",
		LockStore:        "db",
		SearchURL:        "memory",
		SearchMaxRetries: 2,
		DataDir:          "./data",
		MetricsBackend:   "none",
		PushgatewayURL:   "http://localhost:9091",
		DatadogAddr:      "127.0.0.1:8125",
		HealthAddr:       ":8086",
		MetricsAddr:      ":2112",
		LogMode:          "PRODUCTION",
	}
}

// envSeeder reads the env defaults of the flags and remembers the first
// value that does not parse.
type envSeeder struct {
	getenv func(string) string
	errs   []error
}

func (e *envSeeder) str(name, def string) string {
	if v := strings.TrimSpace(e.getenv(name)); v != "" {
		return v
	}
	return def
}

func (e *envSeeder) int(name string, def int) int {
	v := strings.TrimSpace(e.getenv(name))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("env %s: %q is not an integer", name, v))
		return def
	}
	return n
}

func (e *envSeeder) duration(name string, def time.Duration) time.Duration {
	v := strings.TrimSpace(e.getenv(name))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// bare numbers are milliseconds
		if ms, nerr := strconv.Atoi(v); nerr == nil {
			return time.Duration(ms) * time.Millisecond
		}
		e.errs = append(e.errs, fmt.Errorf("env %s: %q is not a duration", name, v))
		return def
	}
	return d
}

// listFlag is a comma separated flag.
type listFlag struct{ v *[]string }

func (l listFlag) String() string {
	if l.v == nil {
		return ""
	}
	return strings.Join(*l.v, ",")
}

func (l listFlag) Set(s string) error {
	*l.v = splitList(s)
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// LoadFromArgs defines the flags on fs with defaults read through getenv,
// then parses args.
func LoadFromArgs(fs *flag.FlagSet, getenv func(string) string, args []string) (Config, error) {
	d := Defaults()
	env := &envSeeder{getenv: getenv}
	var c Config

	fs.DurationVar(&c.PollInterval, "poll-interval", env.duration("POLL_INTERVAL", d.PollInterval), "delay between two polls of the dataset queue")
	fs.IntVar(&c.Concurrency, "concurrency", env.int("WORKER_CONCURRENCY", d.Concurrency), "datasets processed at the same time")
	fs.IntVar(&c.IndexMaxRows, "index-max-rows", env.int("INDEX_MAX_ROWS", d.IndexMaxRows), "operations per bulk request")
	fs.IntVar(&c.IndexMaxBytes, "index-max-bytes", env.int("INDEX_MAX_BYTES", d.IndexMaxBytes), "bytes per bulk request")
	fs.DurationVar(&c.LockTTL, "lock-ttl", env.duration("LOCK_TTL", d.LockTTL), "lifetime of an unrefreshed dataset lock")
	fs.DurationVar(&c.ErrorRetryDelay, "error-retry-delay", env.duration("ERROR_RETRY_DELAY", d.ErrorRetryDelay), "delay before retrying a transient stage failure")
	fs.IntVar(&c.ErrorRetryCount, "error-retry-count", env.int("ERROR_RETRY_COUNT", d.ErrorRetryCount), "attempts of a stage before the dataset goes to error")
	fs.DurationVar(&c.CloseTimeout, "close-timeout", env.duration("CLOSE_TIMEOUT", d.CloseTimeout), "grace period for running stages on shutdown")
	fs.IntVar(&c.SampleSize, "sample-size", env.int("SAMPLE_SIZE", d.SampleSize), "values sampled per column for type detection")
	c.DateFormats = splitList(env.str("DATE_FORMATS", ""))
	fs.Var(listFlag{&c.DateFormats}, "date-formats", "comma separated Go layouts tried for dates (default: builtin list)")
	fs.StringVar(&c.DraftValidation, "draft-validation-mode", env.str("DRAFT_VALIDATION_MODE", d.DraftValidation), "always|never|noBreakingChange|compatible")
	fs.IntVar(&c.ErrorSamples, "error-samples", env.int("ERROR_SAMPLES", d.ErrorSamples), "failures quoted in error and warning messages")
	fs.StringVar(&c.IndexPrefix, "index-prefix", env.str("INDEX_PREFIX", d.IndexPrefix), "prefix of the search aliases")
	fs.StringVar(&c.DocStore, "doc-store", env.str("DOC_STORE", d.DocStore), "document store: sqlite|postgres|memory")
	fs.StringVar(&c.DocStoreDSN, "doc-store-dsn", env.str("DOC_STORE_DSN", d.DocStoreDSN), "document store connection string")
	fs.StringVar(&c.LockStore, "lock-store", env.str("LOCK_STORE", d.LockStore), "lock store: db|redis|memory")
	fs.StringVar(&c.RedisAddr, "redis-addr", env.str("REDIS_ADDR", d.RedisAddr), "redis address for the redis lock store")
	fs.StringVar(&c.SearchURL, "search-url", env.str("SEARCH_URL", d.SearchURL), "search cluster URL, or memory")
	fs.IntVar(&c.SearchMaxRetries, "search-max-retries", env.int("SEARCH_MAX_RETRIES", d.SearchMaxRetries), "retries of a failed search request")
	fs.StringVar(&c.DataDir, "data-dir", env.str("DATA_DIR", d.DataDir), "root of the file storage")
	fs.StringVar(&c.MetricsBackend, "metrics-backend", env.str("METRICS_BACKEND", d.MetricsBackend), "metrics backend: none|pushgateway|datadog")
	fs.StringVar(&c.PushgatewayURL, "pushgateway-url", env.str("PUSHGATEWAY_URL", d.PushgatewayURL), "Pushgateway base URL")
	fs.StringVar(&c.DatadogAddr, "datadog-addr", env.str("DATADOG_ADDR", d.DatadogAddr), "DogStatsD address")
	fs.StringVar(&c.HealthAddr, "health-addr", env.str("HEALTH_ADDR", d.HealthAddr), "listen address of the health endpoints")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", env.str("METRICS_ADDR", d.MetricsAddr), "listen address of the metrics endpoint, empty to disable")
	fs.StringVar(&c.LogMode, "log-mode", env.str("LOGGING_LEVEL", d.LogMode), "PRODUCTION or DEVELOPMENT")

	if len(env.errs) > 0 {
		return c, env.errs[0]
	}
	if err := fs.Parse(args); err != nil {
		return c, err
	}
	return c, nil
}
