package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	goredis "github.com/redis/go-redis/v9"

	"datafair/internal/config"
	"datafair/internal/filestore"
	"datafair/internal/lock"
	"datafair/internal/logger"
	"datafair/internal/metrics"
	"datafair/internal/metrics/datadog"
	"datafair/internal/metrics/prompush"
	"datafair/internal/pipeline"
	"datafair/internal/schema"
	"datafair/internal/search"
	"datafair/internal/search/elastic"
	"datafair/internal/search/memory"
	"datafair/internal/storage"
	"datafair/internal/store"
	"datafair/internal/worker"
)

const (
	metricsJob        = "datafair-worker"
	metricsPushPeriod = time.Minute
	readinessTimeout  = 2 * time.Second
)

// app is the wired worker process.
type app struct {
	cfg        config.Config
	log        *logger.Logger
	store      *store.Store
	engine     search.Engine
	dispatcher *worker.Dispatcher
	health     healthcheck.Handler
	prom       *prompush.Backend

	closers []func() error
}

// build connects every backend named by cfg. On error the backends opened
// so far are closed.
func build(ctx context.Context, cfg config.Config, log *logger.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, health: healthcheck.NewHandler()}
	built := false
	defer func() {
		if !built {
			a.close()
		}
	}()
	a.health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(10000))

	var (
		db  *storage.DB
		err error
	)
	switch cfg.DocStore {
	case "memory":
		a.store = store.NewMemory()
	default:
		if db, err = storage.Open(ctx, cfg.DocStore, cfg.DocStoreDSN); err != nil {
			return nil, err
		}
		if err = db.Bootstrap(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		a.store = store.NewSQL(db)
		a.health.AddReadinessCheck("database", healthcheck.DatabasePingCheck(db.DB, readinessTimeout))
	}
	a.closers = append(a.closers, a.store.Close)

	var lockStore lock.Store
	switch cfg.LockStore {
	case "db":
		if db == nil {
			return nil, errors.New("the db lock store needs a sql document store")
		}
		lockStore = lock.NewSQLStore(db)
	case "redis":
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		a.closers = append(a.closers, rdb.Close)
		a.health.AddReadinessCheck("redis", func() error {
			pctx, cancel := context.WithTimeout(context.Background(), readinessTimeout)
			defer cancel()
			return rdb.Ping(pctx).Err()
		})
		lockStore = lock.NewRedisStore(rdb, "")
	default:
		lockStore = lock.NewMemoryStore()
	}
	locks := lock.NewManager(lockStore, lock.Options{TTL: cfg.LockTTL, Log: log})

	if cfg.SearchURL == "memory" {
		a.engine = memory.New()
	} else {
		if a.engine, err = elastic.New(elastic.Config{URL: cfg.SearchURL, MaxRetries: cfg.SearchMaxRetries}); err != nil {
			return nil, err
		}
		a.health.AddReadinessCheck("search", healthcheck.HTTPGetCheck(cfg.SearchURL, readinessTimeout))
	}

	files, err := filestore.NewLocal(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	mode, err := schema.ParseValidationMode(cfg.DraftValidation)
	if err != nil {
		return nil, err
	}
	pipe := pipeline.New(pipeline.Deps{
		Store:  a.store,
		Files:  files,
		Engine: a.engine,
		Log:    log,
	}, pipeline.Options{
		SampleSize:          cfg.SampleSize,
		DateFormats:         cfg.DateFormats,
		IndexMaxRows:        cfg.IndexMaxRows,
		IndexMaxBytes:       cfg.IndexMaxBytes,
		ErrorSamples:        cfg.ErrorSamples,
		DraftValidationMode: mode,
		IndexPrefix:         cfg.IndexPrefix,
	})

	a.dispatcher = worker.New(a.store, locks, pipe, a.engine, worker.Options{
		PollInterval: cfg.PollInterval,
		Concurrency:  cfg.Concurrency,
		RetryDelay:   cfg.ErrorRetryDelay,
		RetryCount:   cfg.ErrorRetryCount,
		CloseTimeout: cfg.CloseTimeout,
		Log:          log,
	})

	if err := a.setupMetrics(); err != nil {
		return nil, err
	}
	built = true
	return a, nil
}

func (a *app) setupMetrics() error {
	switch a.cfg.MetricsBackend {
	case "pushgateway":
		b, err := prompush.NewBackend(metricsJob, a.cfg.PushgatewayURL)
		if err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		a.prom = b
		metrics.SetBackend(b)
	case "datadog":
		b, err := datadog.NewBackend(datadog.Config{
			Addr:       a.cfg.DatadogAddr,
			Namespace:  "datafair.",
			GlobalTags: []string{"service:" + metricsJob},
		})
		if err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		metrics.SetBackend(b)
		a.closers = append(a.closers, b.Close)
	default:
		return nil
	}
	a.log.Info("metrics enabled", "backend", a.cfg.MetricsBackend)
	return nil
}

// close releases the backends in reverse order of opening.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

func (a *app) serve(ctx context.Context, name, addr string, h http.Handler) {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("http server failed", "server", name, "addr", addr, "error", err)
		}
	}()
}

// pushMetrics flushes the metrics backend every period until ctx is done.
func (a *app) pushMetrics(ctx context.Context, period time.Duration) {
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := metrics.Flush(); err != nil {
				a.log.Warn("metrics flush failed", "error", err)
			}
		}
	}
}

// run starts the dispatcher and blocks until ctx is done, then shuts down
// within the close timeout.
func run(ctx context.Context, cfg config.Config, log *logger.Logger) error {
	a, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	srvCtx, stopServers := context.WithCancel(context.Background())
	defer stopServers()
	a.serve(srvCtx, "health", cfg.HealthAddr, a.health)
	if a.prom != nil && cfg.MetricsAddr != "" {
		a.serve(srvCtx, "metrics", cfg.MetricsAddr, a.prom.Handler())
	}
	if cfg.MetricsBackend != "none" && cfg.MetricsBackend != "" {
		go a.pushMetrics(srvCtx, metricsPushPeriod)
	}

	a.dispatcher.Start(ctx)
	log.Info("worker started",
		"doc_store", cfg.DocStore,
		"lock_store", cfg.LockStore,
		"search", a.engineName(),
		"data_dir", cfg.DataDir,
	)

	<-ctx.Done()
	log.Info("shutting down")
	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.CloseTimeout+5*time.Second)
	defer cancel()
	err = a.dispatcher.Close(closeCtx)
	if ferr := metrics.Flush(); ferr != nil {
		log.Warn("metrics flush failed", "error", ferr)
	}
	return err
}

func (a *app) engineName() string {
	if a.cfg.SearchURL == "memory" {
		return "memory"
	}
	return "elastic"
}
