// Package datadog sends pipeline metrics to a DogStatsD agent. Labels
// become "key:value" tags; stage durations are sent as distributions so
// percentiles are computed across every worker.
package datadog

import (
	"errors"
	"math"
	"sort"
	"strings"

	"github.com/DataDog/datadog-go/v5/statsd"

	"datafair/internal/metrics"
)

type Config struct {
	// Addr is the DogStatsD address, e.g. "127.0.0.1:8125" or "unix:///var/run/datadog/dsd.socket".
	Addr string
	// Namespace prefixes every metric name, e.g. "datafair.".
	Namespace string
	// GlobalTags go with every metric, e.g. "env:prod".
	GlobalTags []string
	// SampleRate applies to counters. Zero means 1.
	SampleRate float64
}

type Backend struct {
	client statsd.ClientInterface
	rate   float64
}

var _ metrics.Backend = (*Backend)(nil)

func NewBackend(cfg Config) (*Backend, error) {
	if cfg.Addr == "" {
		return nil, errors.New("datadog: Addr is required")
	}
	rate := cfg.SampleRate
	if rate <= 0 || rate > 1 {
		rate = 1
	}
	opts := []statsd.Option{statsd.WithClientSideAggregation()}
	if cfg.Namespace != "" {
		opts = append(opts, statsd.WithNamespace(cfg.Namespace))
	}
	if len(cfg.GlobalTags) > 0 {
		opts = append(opts, statsd.WithTags(cfg.GlobalTags))
	}
	c, err := statsd.New(cfg.Addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Backend{client: c, rate: rate}, nil
}

func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if b.client == nil || delta == 0 {
		return
	}
	_ = b.client.Count(name, int64(math.Round(delta)), tags(labels), b.rate)
}

func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if b.client == nil {
		return
	}
	if strings.HasSuffix(name, "_seconds") {
		_ = b.client.Distribution(name, value, tags(labels), 1)
		return
	}
	_ = b.client.Histogram(name, value, tags(labels), 1)
}

func (b *Backend) Flush() error {
	if b.client == nil {
		return nil
	}
	return b.client.Flush()
}

// Close flushes and releases the client.
func (b *Backend) Close() error {
	if b.client == nil {
		return nil
	}
	return b.client.Close()
}

// tags renders labels sorted by key. Values are lowercased and stripped of
// the characters DogStatsD uses as separators.
func tags(lbls metrics.Labels) []string {
	if len(lbls) == 0 {
		return nil
	}
	out := make([]string, 0, len(lbls))
	for k, v := range lbls {
		out = append(out, k+":"+tagValue.Replace(strings.ToLower(v)))
	}
	sort.Strings(out)
	return out
}

var tagValue = strings.NewReplacer(",", "_", "|", "_", "#", "_", " ", "_")
