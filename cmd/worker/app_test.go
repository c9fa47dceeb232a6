package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"datafair/internal/config"
	"datafair/internal/logger"
	"datafair/internal/storage"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	c := config.Defaults()
	c.DocStore = "memory"
	c.LockStore = "memory"
	c.DataDir = t.TempDir()
	c.PollInterval = 20 * time.Millisecond
	c.CloseTimeout = time.Second
	c.HealthAddr = "127.0.0.1:0"
	c.MetricsAddr = ""
	return c
}

func status(t *testing.T, h http.Handler, path string) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec.Code
}

func TestBuildInMemory(t *testing.T) {
	t.Parallel()

	a, err := build(context.Background(), testConfig(t), logger.Nop())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer a.close()

	if a.engineName() != "memory" {
		t.Errorf("engine = %s", a.engineName())
	}
	for _, p := range []string{"/live", "/ready"} {
		if code := status(t, a.health, p); code != http.StatusOK {
			t.Errorf("GET %s = %d", p, code)
		}
	}
	if a.prom != nil {
		t.Error("no prometheus backend expected with metrics disabled")
	}
}

func TestBuildSQLite(t *testing.T) {
	t.Parallel()

	c := testConfig(t)
	c.DocStore = "sqlite"
	c.DocStoreDSN = "file:worker_build?mode=memory&cache=shared"
	c.LockStore = "db"
	a, err := build(context.Background(), c, logger.Nop())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer a.close()

	if code := status(t, a.health, "/ready"); code != http.StatusOK {
		t.Fatalf("GET /ready = %d", code)
	}
	if err := a.store.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestBuildFailures(t *testing.T) {
	t.Parallel()

	cases := map[string]func(*config.Config){
		"db locks without db": func(c *config.Config) { c.LockStore = "db" },
		"bad search url":      func(c *config.Config) { c.SearchURL = "::not a url" },
		"bad draft mode":      func(c *config.Config) { c.DraftValidation = "sometimes" },
		"bad doc store":       func(c *config.Config) { c.DocStore = "mongo"; c.DocStoreDSN = "x" },
		"bad url after db": func(c *config.Config) {
			c.DocStore = "sqlite"
			c.DocStoreDSN = "file:worker_fail_url?mode=memory&cache=shared"
			c.SearchURL = "::not a url"
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			c := testConfig(t)
			mutate(&c)
			if _, err := build(context.Background(), c, logger.Nop()); err == nil {
				t.Fatal("want an error")
			}
		})
	}
}

func TestBuildFailureClosesOpenedBackends(t *testing.T) {
	t.Parallel()

	const dsn = "file:worker_fail_close?mode=memory&cache=shared"
	c := testConfig(t)
	c.DocStore = "sqlite"
	c.DocStoreDSN = dsn
	c.LockStore = "db"
	c.DraftValidation = "sometimes"
	if _, err := build(context.Background(), c, logger.Nop()); err == nil {
		t.Fatal("want an error")
	}

	// a shared in-memory database disappears with its last connection
	db, err := storage.Open(context.Background(), "sqlite", dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	var n int
	if err := db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE name = 'datasets'`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatal("the document store opened by the failed build is still open")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	c := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, c, logger.Nop()) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}
