package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"datafair/internal/datasource/httpds"
	"datafair/internal/dataset"
)

func newProfiler(maxBytes int) *profiler {
	return &profiler{remote: httpds.NewClient(httpds.Config{}), maxBytes: maxBytes, sampleSize: 100}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func types(schema []dataset.Property) map[string]string {
	out := map[string]string{}
	for _, p := range schema {
		out[p.Key] = p.Type + "/" + p.Format
	}
	return out
}

func TestProfileLocalCSV(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "stations.csv", "Code INSEE,Nom,Capacité,Ouverture\n01001,Gare,12.5,2024-01-02\n01002,Mairie,8,2024-03-04\n")
	rep, err := newProfiler(0).profile(context.Background(), path)
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if rep.Rows != 2 || rep.Format != "csv" || rep.Delimiter != "," || rep.Truncated {
		t.Fatalf("report = %+v", rep)
	}
	got := types(rep.Schema)
	want := map[string]string{
		"code_insee": "string/",
		"nom":        "string/",
		"capacite":   "number/",
		"ouverture":  "string/date",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q (schema %v)", k, got[k], v, got)
		}
	}
	if rep.Schema[0].OriginalName != "Code INSEE" {
		t.Errorf("original name = %q", rep.Schema[0].OriginalName)
	}
}

func TestProfileCutsAtMaxBytes(t *testing.T) {
	t.Parallel()

	// header and rows are 4 bytes each
	path := writeFile(t, "cut.csv", "a,b\n"+strings.Repeat("1,x\n", 10))
	rep, err := newProfiler(16).profile(context.Background(), path)
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if rep.Rows != 3 {
		t.Fatalf("rows = %d, want 3", rep.Rows)
	}
}

func TestProfileRemote(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/data/trees.csv" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		_, _ = w.Write([]byte("id;hauteur\n1;12\n2;8\n"))
	}))
	defer srv.Close()

	for _, maxBytes := range []int{0, 1 << 16} {
		rep, err := newProfiler(maxBytes).profile(context.Background(), srv.URL+"/data/trees.csv")
		if err != nil {
			t.Fatalf("maxBytes=%d: %v", maxBytes, err)
		}
		if rep.Name != "trees.csv" || rep.Delimiter != ";" || rep.Rows != 2 {
			t.Fatalf("maxBytes=%d: report = %+v", maxBytes, rep)
		}
		if got := types(rep.Schema)["hauteur"]; got != "integer/" {
			t.Fatalf("maxBytes=%d: hauteur = %q", maxBytes, got)
		}
	}

	if _, err := newProfiler(0).profile(context.Background(), srv.URL+"/missing.csv"); err == nil {
		t.Fatal("missing remote file: want an error")
	}
}

func TestProfileRejects(t *testing.T) {
	t.Parallel()

	p := newProfiler(0)
	for _, path := range []string{
		writeFile(t, "archive.zip", "PK"),
		writeFile(t, "sheet.ods", "x"),
		filepath.Join(t.TempDir(), "absent.csv"),
	} {
		if _, err := p.profile(context.Background(), path); err == nil {
			t.Errorf("%s: want an error", filepath.Base(path))
		}
	}
}

func TestSplitComma(t *testing.T) {
	t.Parallel()

	got := splitComma(" 02/01/2006, ,2006.01.02")
	if len(got) != 2 || got[0] != "02/01/2006" || got[1] != "2006.01.02" {
		t.Fatalf("got %#v", got)
	}
	if splitComma("") != nil {
		t.Fatal("empty input should give nil")
	}
}
