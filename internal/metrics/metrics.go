// Package metrics provides a small, backend-agnostic abstraction for recording
// operational metrics from the dataset pipeline.
//
// A global, pluggable backend defaults to a no-op implementation, so metrics
// are always safe to call even when no backend is configured. Concrete
// metric systems live in subpackages (prompush, datadog).
package metrics

import (
	"time"

	"datafair/internal/apperr"
)

// Labels are string key/value pairs attached to a metric.
type Labels map[string]string

// Metric names emitted by the pipeline.
const (
	StageTotal           = "dataset_stage_total"
	StageDurationSeconds = "dataset_stage_duration_seconds"
	RowsTotal            = "dataset_rows_total"
	BatchesTotal         = "dataset_index_batches_total"
	LockTotal            = "dataset_lock_total"
)

// Backend is the minimal interface for metrics backends.
type Backend interface {
	// IncCounter increments a counter by delta.
	IncCounter(name string, delta float64, labels Labels)
	// ObserveHistogram records a value in a latency/duration style metric.
	ObserveHistogram(name string, value float64, labels Labels)
	// Flush pushes or flushes metrics, if the backend needs it (e.g. Pushgateway).
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(name string, delta float64, labels Labels)       {}
func (nopBackend) ObserveHistogram(name string, value float64, labels Labels) {}
func (nopBackend) Flush() error                                               { return nil }

var backend Backend = nopBackend{}

// SetBackend installs a concrete backend. Passing nil keeps the existing
// backend. Call it once at startup, before workers run.
func SetBackend(b Backend) {
	if b == nil {
		return
	}
	backend = b
}

// Flush delegates to the current backend.
func Flush() error {
	return backend.Flush()
}

// status maps a stage error to a label value.
func status(err error) string {
	switch {
	case err == nil:
		return "success"
	case apperr.IsShutdown(err):
		return "canceled"
	default:
		return apperr.CategoryOf(err).String()
	}
}

// RecordStage measures one stage run (analyze, index, ...) for a dataset
// kind. The status label is success, canceled, or the error category.
func RecordStage(kind, stage string, err error, d time.Duration) {
	lbls := Labels{
		"kind":   kind,
		"stage":  stage,
		"status": status(err),
	}
	backend.IncCounter(StageTotal, 1, lbls)
	backend.ObserveHistogram(StageDurationSeconds, d.Seconds(), lbls)
}

// RecordRows counts rows by outcome: read, indexed, failed, skipped.
func RecordRows(kind, outcome string, delta int64) {
	if delta <= 0 {
		return
	}
	backend.IncCounter(RowsTotal, float64(delta), Labels{
		"kind":    kind,
		"outcome": outcome,
	})
}

// RecordBatches counts bulk requests sent to the search engine.
func RecordBatches(kind string, delta int64) {
	if delta <= 0 {
		return
	}
	backend.IncCounter(BatchesTotal, float64(delta), Labels{
		"kind": kind,
	})
}

// RecordLock counts lock attempts by result: acquired, busy, error.
func RecordLock(result string) {
	backend.IncCounter(LockTotal, 1, Labels{"result": result})
}
