// Package prompush implements a Prometheus backend for the metrics package.
//
// Collected metrics live in a private registry. They are pushed to a
// Pushgateway on Flush when a gateway URL is configured, and can always be
// scraped through Handler.
package prompush

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"

	"datafair/internal/metrics"
)

// Backend is a Prometheus metrics backend.
type Backend struct {
	gatewayURL string // e.g. http://pushgateway:9091, empty disables push
	jobName    string // Pushgateway "job" group
	reg        *prometheus.Registry

	stageCounter  *prometheus.CounterVec // dataset_stage_total
	stageDuration *prometheus.SummaryVec // dataset_stage_duration_seconds
	rowCounter    *prometheus.CounterVec // dataset_rows_total
	batchCounter  *prometheus.CounterVec // dataset_index_batches_total
	lockCounter   *prometheus.CounterVec // dataset_lock_total
}

// NewBackend constructs a Prometheus backend. jobName is the Pushgateway
// grouping key; gatewayURL may be empty when metrics are only scraped.
func NewBackend(jobName, gatewayURL string) (*Backend, error) {
	if jobName == "" {
		jobName = "datafair-worker"
	}

	reg := prometheus.NewRegistry()

	stageCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metrics.StageTotal,
			Help: "Pipeline stage runs, partitioned by dataset kind, stage and status.",
		},
		[]string{"kind", "stage", "status"},
	)
	stageDuration := prometheus.NewSummaryVec(
		prometheus.SummaryOpts{
			Name:       metrics.StageDurationSeconds,
			Help:       "Duration of pipeline stages in seconds.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		},
		[]string{"kind", "stage", "status"},
	)
	rowCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metrics.RowsTotal,
			Help: "Rows handled by the pipeline per outcome (read, indexed, failed, skipped).",
		},
		[]string{"kind", "outcome"},
	)
	batchCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metrics.BatchesTotal,
			Help: "Bulk requests sent to the search engine.",
		},
		[]string{"kind"},
	)
	lockCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metrics.LockTotal,
			Help: "Dataset lock attempts per result.",
		},
		[]string{"result"},
	)

	for name, c := range map[string]prometheus.Collector{
		"stage counter": stageCounter,
		"stage summary": stageDuration,
		"row counter":   rowCounter,
		"batch counter": batchCounter,
		"lock counter":  lockCounter,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("prompush: register %s: %w", name, err)
		}
	}

	return &Backend{
		gatewayURL:    gatewayURL,
		jobName:       jobName,
		reg:           reg,
		stageCounter:  stageCounter,
		stageDuration: stageDuration,
		rowCounter:    rowCounter,
		batchCounter:  batchCounter,
		lockCounter:   lockCounter,
	}, nil
}

func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	switch name {
	case metrics.StageTotal:
		if b.stageCounter == nil {
			return
		}
		b.stageCounter.WithLabelValues(labels["kind"], labels["stage"], labels["status"]).Add(delta)

	case metrics.RowsTotal:
		if b.rowCounter == nil {
			return
		}
		b.rowCounter.WithLabelValues(labels["kind"], labels["outcome"]).Add(delta)

	case metrics.BatchesTotal:
		if b.batchCounter == nil {
			return
		}
		b.batchCounter.WithLabelValues(labels["kind"]).Add(delta)

	case metrics.LockTotal:
		if b.lockCounter == nil {
			return
		}
		b.lockCounter.WithLabelValues(labels["result"]).Add(delta)

	default:
		// unknown metric name: ignore
	}
}

func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if name != metrics.StageDurationSeconds || b.stageDuration == nil {
		return
	}
	b.stageDuration.WithLabelValues(labels["kind"], labels["stage"], labels["status"]).Observe(value)
}

// Handler serves the registry in the Prometheus exposition format.
func (b *Backend) Handler() http.Handler {
	return promhttp.HandlerFor(b.reg, promhttp.HandlerOpts{Registry: b.reg})
}

// Flush pushes the current registry to the Pushgateway, if one is set.
func (b *Backend) Flush() error {
	if b.gatewayURL == "" {
		return nil
	}
	return push.New(b.gatewayURL, b.jobName).
		Gatherer(b.reg).
		Push()
}
