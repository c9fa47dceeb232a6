package prompush

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"datafair/internal/metrics"
)

// readCounterValue reads the current value of a Counter for assertions in tests.
func readCounterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()

	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("Counter.Write() error = %v", err)
	}
	if m.GetCounter() == nil {
		t.Fatalf("metric did not contain Counter value")
	}
	return m.GetCounter().GetValue()
}

func readSummaryCountSum(t *testing.T, v *prometheus.SummaryVec, labels ...string) (uint64, float64) {
	t.Helper()

	m := &dto.Metric{}
	metric, ok := v.WithLabelValues(labels...).(prometheus.Metric)
	if !ok {
		t.Fatalf("SummaryVec.WithLabelValues(...) does not implement prometheus.Metric")
	}
	if err := metric.Write(m); err != nil {
		t.Fatalf("Summary.Write() error = %v", err)
	}
	sum := m.GetSummary()
	return sum.GetSampleCount(), sum.GetSampleSum()
}

func TestNewBackend_Defaults(t *testing.T) {
	t.Parallel()

	b, err := NewBackend("", "")
	if err != nil {
		t.Fatalf("NewBackend() error = %v", err)
	}
	if b.jobName != "datafair-worker" {
		t.Fatalf("jobName = %q", b.jobName)
	}
	// no gateway: Flush is a no-op
	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() without gateway = %v", err)
	}
}

func TestIncCounter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		metric string
		delta  float64
		labels metrics.Labels
		check  func(t *testing.T, b *Backend)
	}{
		{
			name:   "stage counter",
			metric: metrics.StageTotal,
			delta:  3,
			labels: metrics.Labels{"kind": "file", "stage": "index", "status": "success"},
			check: func(t *testing.T, b *Backend) {
				if got := readCounterValue(t, b.stageCounter.WithLabelValues("file", "index", "success")); got != 3 {
					t.Fatalf("stageCounter = %v, want 3", got)
				}
			},
		},
		{
			name:   "row counter",
			metric: metrics.RowsTotal,
			delta:  5,
			labels: metrics.Labels{"kind": "rest", "outcome": "failed"},
			check: func(t *testing.T, b *Backend) {
				if got := readCounterValue(t, b.rowCounter.WithLabelValues("rest", "failed")); got != 5 {
					t.Fatalf("rowCounter = %v, want 5", got)
				}
			},
		},
		{
			name:   "batch counter",
			metric: metrics.BatchesTotal,
			delta:  2,
			labels: metrics.Labels{"kind": "file"},
			check: func(t *testing.T, b *Backend) {
				if got := readCounterValue(t, b.batchCounter.WithLabelValues("file")); got != 2 {
					t.Fatalf("batchCounter = %v, want 2", got)
				}
			},
		},
		{
			name:   "unknown metric name is ignored",
			metric: "unknown_metric",
			delta:  10,
			labels: metrics.Labels{"foo": "bar"},
			check: func(t *testing.T, b *Backend) {
				if got := readCounterValue(t, b.lockCounter.WithLabelValues("acquired")); got != 0 {
					t.Fatalf("lockCounter = %v, want 0", got)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			b, err := NewBackend("job", "")
			if err != nil {
				t.Fatalf("NewBackend() error = %v", err)
			}
			b.IncCounter(tt.metric, tt.delta, tt.labels)
			tt.check(t, b)
		})
	}
}

func TestIncCounterNilMetrics(t *testing.T) {
	t.Parallel()

	b := &Backend{} // zero-value backend with nil collectors

	b.IncCounter(metrics.StageTotal, 1, metrics.Labels{})
	b.IncCounter(metrics.RowsTotal, 1, metrics.Labels{})
	b.IncCounter(metrics.BatchesTotal, 1, metrics.Labels{})
	b.IncCounter(metrics.LockTotal, 1, metrics.Labels{})
	b.ObserveHistogram(metrics.StageDurationSeconds, 1, metrics.Labels{})
}

func TestObserveHistogram(t *testing.T) {
	t.Parallel()

	b, err := NewBackend("job", "")
	if err != nil {
		t.Fatal(err)
	}
	lbls := metrics.Labels{"kind": "file", "stage": "analyze", "status": "success"}
	b.ObserveHistogram(metrics.StageDurationSeconds, 1.5, lbls)
	b.ObserveHistogram("other_metric", 2, lbls)

	count, sum := readSummaryCountSum(t, b.stageDuration, "file", "analyze", "success")
	if count != 1 || sum != 1.5 {
		t.Fatalf("summary count=%d sum=%v", count, sum)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	t.Parallel()

	b, err := NewBackend("job", "")
	if err != nil {
		t.Fatal(err)
	}
	b.IncCounter(metrics.LockTotal, 1, metrics.Labels{"result": "busy"})

	rec := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `dataset_lock_total{result="busy"} 1`) {
		t.Fatalf("scrape output missing lock counter:\n%s", rec.Body.String())
	}
}

// TestFlush verifies that Flush pushes the registry to the Pushgateway.
func TestFlush(t *testing.T) {
	t.Parallel()

	type pushRequestInfo struct {
		method  string
		path    string
		bodyLen int
	}
	reqCh := make(chan pushRequestInfo, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		body, _ := io.ReadAll(r.Body)
		reqCh <- pushRequestInfo{method: r.Method, path: r.URL.Path, bodyLen: len(body)}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	b, err := NewBackend("datafair-job", server.URL)
	if err != nil {
		t.Fatalf("NewBackend() error = %v", err)
	}
	b.IncCounter(metrics.StageTotal, 1, metrics.Labels{"kind": "file", "stage": "analyze", "status": "success"})

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	var got pushRequestInfo
	select {
	case got = <-reqCh:
	default:
		t.Fatalf("Flush() did not result in any HTTP request to the Pushgateway")
	}
	if got.method != http.MethodPut {
		t.Fatalf("Push method = %q, want PUT", got.method)
	}
	if !strings.Contains(got.path, "datafair-job") {
		t.Fatalf("Push path %q does not carry the job name", got.path)
	}
	if got.bodyLen == 0 {
		t.Fatalf("Push request body length = 0, want > 0")
	}
}
