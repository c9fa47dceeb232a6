// Package worker runs the dataset pipeline: it polls the document store for
// datasets needing work, claims each one through the lock manager, runs the
// stage task their state calls for and persists the resulting transitions.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"datafair/internal/apperr"
	"datafair/internal/dataset"
	"datafair/internal/lock"
	"datafair/internal/logger"
	"datafair/internal/metrics"
	"datafair/internal/pipeline"
	"datafair/internal/search"
	"datafair/internal/store"
	"datafair/internal/workflow"
)

// errStale is returned when the dataset changed under a running task.
var errStale = errors.New("dataset changed while the task ran")

type Options struct {
	PollInterval time.Duration
	Concurrency  int
	// RetryDelay and RetryCount bound the retries of transient failures.
	RetryDelay   time.Duration
	RetryCount   int
	CloseTimeout time.Duration
	// WaitDelay is how long a dataset whose stage had nothing to do yet
	// stays out of the queue.
	WaitDelay    time.Duration
	Log          *logger.Logger
	Now          func() time.Time
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 2
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 5 * time.Second
	}
	if o.RetryCount < 0 {
		o.RetryCount = 0
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = 30 * time.Second
	}
	if o.WaitDelay <= 0 {
		o.WaitDelay = 10 * o.PollInterval
	}
	if o.Log == nil {
		o.Log = logger.Nop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Dispatcher polls for actionable datasets and runs their stages with
// bounded concurrency.
type Dispatcher struct {
	store  *store.Store
	locks  *lock.Manager
	pipe   *pipeline.Pipeline
	engine search.Engine
	opts   Options
	log    *logger.Logger

	sem   *semaphore.Weighted
	hooks *hooks

	mu       sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup

	// work is cancelled when Close gives up waiting.
	work      context.Context
	abandon   context.CancelFunc
	stopPoll  context.CancelFunc
	pollDone  chan struct{}
	closeOnce sync.Once
}

func New(st *store.Store, locks *lock.Manager, pipe *pipeline.Pipeline, engine search.Engine, opts Options) *Dispatcher {
	opts = opts.withDefaults()
	work, abandon := context.WithCancel(context.Background())
	return &Dispatcher{
		store:    st,
		locks:    locks,
		pipe:     pipe,
		engine:   engine,
		opts:     opts,
		log:      opts.Log,
		sem:      semaphore.NewWeighted(int64(opts.Concurrency)),
		hooks:    newHooks(),
		inflight: map[string]struct{}{},
		work:     work,
		abandon:  abandon,
	}
}

// Start launches the poll loop and the lock refresher. It returns at once.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.stopPoll = cancel
	d.pollDone = make(chan struct{})
	d.locks.Start(d.work)
	go func() {
		defer close(d.pollDone)
		d.loop(ctx)
	}()
	d.log.Info("dispatcher started",
		"concurrency", d.opts.Concurrency,
		"poll_interval", d.opts.PollInterval,
		"owner", d.locks.Owner(),
	)
}

func (d *Dispatcher) jitter() time.Duration {
	// between half and one and a half interval, so workers drift apart
	return d.opts.PollInterval/2 + rand.N(d.opts.PollInterval)
}

func (d *Dispatcher) loop(ctx context.Context) {
	t := time.NewTimer(0)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := d.Poll(ctx); err != nil && !apperr.IsShutdown(err) {
				d.log.Warn("poll failed", "error", err)
			}
			t.Reset(d.jitter())
		}
	}
}

// Poll dispatches the actionable datasets it has capacity for and returns
// how many it started. A dataset locked elsewhere gives its slot back to the
// next candidate.
func (d *Dispatcher) Poll(ctx context.Context) (int, error) {
	ids, err := d.store.Datasets.ListActionable(ctx, d.opts.Now(), d.opts.Concurrency*4)
	if err != nil {
		return 0, fmt.Errorf("list actionable datasets: %w", err)
	}
	started := 0
	for _, id := range ids {
		if !d.claim(id) {
			continue
		}
		if !d.sem.TryAcquire(1) {
			d.unclaim(id)
			break
		}
		key := dataset.LockKey(id)
		ok, err := d.locks.Acquire(ctx, key)
		if err != nil || !ok {
			d.sem.Release(1)
			d.unclaim(id)
			if err != nil {
				return started, err
			}
			continue
		}
		started++
		d.wg.Add(1)
		go func(id string) {
			defer d.wg.Done()
			defer d.sem.Release(1)
			defer d.unclaim(id)
			defer d.release(d.work, id)
			if err := d.processLocked(d.work, id); err != nil && !apperr.IsShutdown(err) {
				d.log.Warn("dataset processing failed", "dataset", id, "error", err)
			}
		}(id)
	}
	return started, nil
}

func (d *Dispatcher) claim(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.inflight[id]; ok {
		return false
	}
	d.inflight[id] = struct{}{}
	return true
}

func (d *Dispatcher) unclaim(id string) {
	d.mu.Lock()
	delete(d.inflight, id)
	d.mu.Unlock()
}

// Process runs the pending stage of one dataset, if any, under its lock.
// A dataset locked elsewhere is skipped.
func (d *Dispatcher) Process(ctx context.Context, id string) error {
	ok, err := d.locks.Acquire(ctx, dataset.LockKey(id))
	if err != nil || !ok {
		return err
	}
	defer d.release(ctx, id)
	return d.processLocked(ctx, id)
}

func (d *Dispatcher) release(ctx context.Context, id string) {
	if err := d.locks.Release(context.WithoutCancel(ctx), dataset.LockKey(id)); err != nil {
		d.log.Warn("lock release failed", "dataset", id, "error", err)
	}
}

// processLocked runs the pending stage of id. The caller holds its lock.
func (d *Dispatcher) processLocked(ctx context.Context, id string) error {
	ds, err := d.store.Datasets.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get dataset %s: %w", id, err)
	}
	stage, ok := pipeline.Select(ds)
	if !ok {
		return nil
	}
	task, err := d.pipe.Task(stage)
	if err != nil {
		return d.fail(ctx, ds, stage, err)
	}

	log := d.log.With("dataset", id, "kind", string(ds.Kind), "stage", string(stage))
	began := time.Now()
	out, err := d.run(ctx, log, task, ds)
	metrics.RecordStage(string(ds.Kind), string(stage), err, time.Since(began))
	if err != nil {
		if apperr.IsShutdown(err) {
			log.Info("stage interrupted", "error", err)
			return err
		}
		return d.fail(ctx, ds, stage, err)
	}
	if len(out.Events) == 0 {
		return d.park(ctx, log, ds)
	}

	updated, trs, err := d.persist(ctx, ds, out)
	if errors.Is(err, errStale) {
		log.Info("dataset changed during the stage, result dropped")
		return nil
	}
	if errors.Is(err, workflow.ErrInvalidTransition) {
		return d.fail(ctx, ds, stage, apperr.NewInvariant(err))
	}
	if err != nil {
		return fmt.Errorf("persist %s: %w", stage, err)
	}
	log.Info("stage done", "status", string(updated.State()), "took", time.Since(began).Truncate(time.Millisecond))
	d.effects(ctx, updated, trs, out.Notes)
	d.hooks.fire(string(stage), updated)
	return nil
}

// run executes task, retrying transient failures with a constant delay.
func (d *Dispatcher) run(ctx context.Context, log *logger.Logger, task pipeline.Task, ds *dataset.Dataset) (pipeline.Outcome, error) {
	var out pipeline.Outcome
	attempts := 0
	op := func() (err error) {
		attempts++
		defer func() {
			if r := recover(); r != nil {
				err = backoff.Permanent(apperr.Invariantf("task panicked: %v", r))
			}
		}()
		o, err := task(ctx, ds.Clone())
		if err == nil {
			out = o
			return nil
		}
		if apperr.IsShutdown(err) || !apperr.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(d.opts.RetryDelay), uint64(d.opts.RetryCount)),
		ctx,
	)
	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		log.Warn("stage failed, retrying", "attempt", attempts, "retry_in", wait, "error", err)
	})
	if err != nil && apperr.IsTransient(err) && !apperr.IsShutdown(err) && attempts > 1 {
		err = fmt.Errorf("gave up after %d attempts: %w", attempts, err)
	}
	return out, err
}

// persist applies the outcome to the current document in one update.
func (d *Dispatcher) persist(ctx context.Context, ds *dataset.Dataset, out pipeline.Outcome) (*dataset.Dataset, []workflow.Transition, error) {
	var trs []workflow.Transition
	updated, err := d.store.Datasets.Update(ctx, ds.ID, func(cur *dataset.Dataset) error {
		trs = trs[:0]
		if cur.State() != ds.State() {
			return errStale
		}
		if out.Patch != nil {
			if err := out.Patch(cur); err != nil {
				return err
			}
		}
		for _, ev := range out.Events {
			tr, err := workflow.Step(cur, ev, out.Cause, d.opts.Now())
			if err != nil {
				return err
			}
			trs = append(trs, tr)
		}
		return nil
	})
	return updated, trs, err
}

// park keeps a dataset whose stage had nothing to do out of the queue for
// WaitDelay, so it cannot hold the head of the queue.
func (d *Dispatcher) park(ctx context.Context, log *logger.Logger, ds *dataset.Dataset) error {
	until := d.opts.Now().Add(d.opts.WaitDelay)
	_, err := d.store.Datasets.Update(ctx, ds.ID, func(cur *dataset.Dataset) error {
		if cur.State() != ds.State() {
			return errStale
		}
		cur.WaitUntil = until
		return nil
	})
	if errors.Is(err, errStale) || errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("park %s: %w", ds.ID, err)
	}
	log.Debug("stage has nothing to do yet", "retry_at", until)
	return nil
}

// fail moves the dataset to its error state with the message of err.
func (d *Dispatcher) fail(ctx context.Context, ds *dataset.Dataset, stage pipeline.Stage, cause error) error {
	log := d.log.With("dataset", ds.ID, "kind", string(ds.Kind), "stage", string(stage))
	msg := cause.Error()
	var tr workflow.Transition
	updated, err := d.store.Datasets.Update(ctx, ds.ID, func(cur *dataset.Dataset) error {
		if cur.State() != ds.State() {
			return errStale
		}
		t, err := workflow.Step(cur, workflow.EventFailed, msg, d.opts.Now())
		tr = t
		return err
	})
	if errors.Is(err, errStale) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("record failure of %s: %w", ds.ID, err)
	}
	log.Error("stage failed", "category", apperr.CategoryOf(cause).String(), "error", msg)
	d.effects(ctx, updated, []workflow.Transition{tr}, []store.Event{{Type: store.EventError, Data: msg, Draft: tr.To.IsDraft()}})
	d.hooks.fire(string(stage), updated)
	return nil
}

// Close stops polling, waits for running stages up to CloseTimeout (or
// until ctx is done) and then abandons them. Abandoned datasets are picked
// up again once their lock expires.
func (d *Dispatcher) Close(ctx context.Context) error {
	var err error
	d.closeOnce.Do(func() {
		if d.stopPoll != nil {
			d.stopPoll()
			<-d.pollDone
		}
		finished := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(finished)
		}()
		timer := time.NewTimer(d.opts.CloseTimeout)
		defer timer.Stop()
		select {
		case <-finished:
		case <-timer.C:
			err = fmt.Errorf("close: stages still running after %s, abandoned", d.opts.CloseTimeout)
		case <-ctx.Done():
			err = ctx.Err()
		}
		d.abandon()
		d.log.Info("dispatcher stopped", "clean", err == nil)
	})
	return err
}
