package elastic

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"datafair/internal/search"
)

func newEngine(t *testing.T, h http.HandlerFunc, retries int) *Engine {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	e, err := New(Config{URL: srv.URL, MaxRetries: retries, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestBulk_SendsNDJSONAndParsesItems(t *testing.T) {
	t.Parallel()
	var lines []string
	e := newEngine(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ds-1/_bulk" || r.Header.Get("Content-Type") != "application/x-ndjson" {
			t.Errorf("unexpected request %s %s", r.URL.Path, r.Header.Get("Content-Type"))
		}
		sc := bufio.NewScanner(r.Body)
		for sc.Scan() {
			lines = append(lines, sc.Text())
		}
		_, _ = io.WriteString(w, `{"took":3,"errors":true,"items":[
			{"index":{"_id":"1","status":201}},
			{"update":{"_id":"2","status":400,"error":{"type":"mapper_parsing_exception","reason":"bad"}}}
		]}`)
	}, 0)

	resp, err := e.Bulk(context.Background(), "ds-1", []search.BulkOp{
		{Action: search.ActionIndex, ID: "1", Doc: map[string]any{"a": 1}},
		{Action: search.ActionUpdate, ID: "2", Doc: map[string]any{"a": 2}, RetryOnConflict: 2},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 4 {
		t.Fatalf("sent %d lines: %v", len(lines), lines)
	}
	if !resp.Errors || len(resp.Items) != 2 {
		t.Fatalf("resp = %+v", resp)
	}
	if it := resp.Items[1]; it.Action != search.ActionUpdate || it.Error == nil || it.Error.Type != "mapper_parsing_exception" {
		t.Errorf("item = %+v", it)
	}
}

func TestRetryOnUnavailable(t *testing.T) {
	t.Parallel()
	var hits int32
	e := newEngine(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"count":7}`)
	}, 3)
	n, err := e.Count(context.Background(), "ds")
	if err != nil {
		t.Fatal(err)
	}
	if n != 7 || atomic.LoadInt32(&hits) != 3 {
		t.Errorf("count=%d hits=%d", n, hits)
	}
}

func TestNotFoundMapsToSentinel(t *testing.T) {
	t.Parallel()
	e := newEngine(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}, 0)
	if err := e.Refresh(context.Background(), "ds"); !errors.Is(err, search.ErrIndexNotFound) {
		t.Errorf("refresh: %v", err)
	}
	got, err := e.ResolveAlias(context.Background(), "ds")
	if err != nil || len(got) != 0 {
		t.Errorf("resolve of a missing alias: %v %v", got, err)
	}
}

func TestSwapAlias_SingleAtomicCall(t *testing.T) {
	t.Parallel()
	var body map[string][]map[string]map[string]string
	e := newEngine(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/_alias/"):
			_, _ = io.WriteString(w, `{"ds-old":{"aliases":{"ds":{}}}}`)
		case r.Method == http.MethodPost && r.URL.Path == "/_aliases":
			_ = json.NewDecoder(r.Body).Decode(&body)
			_, _ = io.WriteString(w, `{"acknowledged":true}`)
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
	}, 0)
	prev, err := e.SwapAlias(context.Background(), "ds", "ds-new")
	if err != nil {
		t.Fatal(err)
	}
	if len(prev) != 1 || prev[0] != "ds-old" {
		t.Fatalf("prev = %v", prev)
	}
	actions := body["actions"]
	if len(actions) != 2 || actions[0]["remove"]["index"] != "ds-old" || actions[1]["add"]["index"] != "ds-new" {
		t.Errorf("actions = %v", actions)
	}
}

func TestSearch_DecodesSources(t *testing.T) {
	t.Parallel()
	e := newEngine(t, func(w http.ResponseWriter, r *http.Request) {
		var q map[string]any
		_ = json.NewDecoder(r.Body).Decode(&q)
		if q["size"] != float64(2) {
			t.Errorf("size = %v", q["size"])
		}
		_, _ = io.WriteString(w, `{"hits":{"total":{"value":5},"hits":[{"_source":{"_i":1}},{"_source":{"_i":2}}]}}`)
	}, 0)
	res, err := e.Search(context.Background(), "ds", search.Query{Size: 2})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 5 || len(res.Hits) != 2 || res.Hits[1]["_i"] != float64(2) {
		t.Errorf("res = %+v", res)
	}
}

func TestNew_RejectsBadURL(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{URL: "not a url"}); err == nil {
		t.Fatal("expected error")
	}
}
