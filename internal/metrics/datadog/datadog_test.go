package datadog

import (
	"reflect"
	"sync"
	"testing"

	"github.com/DataDog/datadog-go/v5/statsd"

	"datafair/internal/metrics"
)

// recorder keeps the calls the backend makes.
type recorder struct {
	statsd.NoOpClient
	mu    sync.Mutex
	calls []string
}

func (r *recorder) Count(name string, value int64, tags []string, rate float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "count "+name)
	return nil
}

func (r *recorder) Histogram(name string, value float64, tags []string, rate float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "histogram "+name)
	return nil
}

func (r *recorder) Distribution(name string, value float64, tags []string, rate float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "distribution "+name)
	return nil
}

func TestTags(t *testing.T) {
	t.Parallel()

	got := tags(metrics.Labels{"stage": "index", "kind": "file", "status": "Data Error|x"})
	want := []string{"kind:file", "stage:index", "status:data_error_x"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("tags = %v, want %v", got, want)
	}
	if tags(nil) != nil {
		t.Fatal("no labels should give no tags")
	}
}

func TestMetricKinds(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	b := &Backend{client: rec, rate: 1}
	b.IncCounter(metrics.RowsTotal, 3, metrics.Labels{"kind": "file"})
	b.IncCounter(metrics.RowsTotal, 0, nil)
	b.ObserveHistogram(metrics.StageDurationSeconds, 0.2, nil)
	b.ObserveHistogram("dataset_batch_docs", 40, nil)

	want := []string{
		"count " + metrics.RowsTotal,
		"distribution " + metrics.StageDurationSeconds,
		"histogram dataset_batch_docs",
	}
	if !reflect.DeepEqual(rec.calls, want) {
		t.Fatalf("calls = %v, want %v", rec.calls, want)
	}
}

func TestNewBackend(t *testing.T) {
	t.Parallel()

	if _, err := NewBackend(Config{}); err == nil {
		t.Fatal("missing Addr must fail")
	}
	b, err := NewBackend(Config{Addr: "127.0.0.1:8125", Namespace: "datafair.", GlobalTags: []string{"env:test"}, SampleRate: 7})
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	if b.rate != 1 {
		t.Errorf("out of range sample rate should become 1, got %v", b.rate)
	}
	// UDP writes do not need a listening agent
	b.IncCounter(metrics.StageTotal, 1, metrics.Labels{"kind": "file"})
	if err := b.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestNilClientIsSafe(t *testing.T) {
	t.Parallel()

	b := &Backend{}
	b.IncCounter("x", 1, nil)
	b.ObserveHistogram("x", 1, nil)
	if err := b.Flush(); err != nil {
		t.Fatal(err)
	}
}
