// Package lock provides non-blocking, TTL-expiring mutual exclusion over a
// shared store so that a single worker process acts on a dataset at a time.
//
// A lock record is {id, owner, updatedAt}. Acquire never waits: when the
// record exists and is live it reports false and the caller polls again
// later. Locks held by a process are refreshed every TTL/2; the locks of a
// crashed process expire and are evicted by the next Acquire.
package lock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"datafair/internal/apperr"
	"datafair/internal/logger"
	"datafair/internal/metrics"
)

// Store persists lock records. Implementations must make Insert atomic:
// of two concurrent inserts of a live id exactly one reports true.
type Store interface {
	// Insert evicts the record of id when older than ttl, then creates it.
	// It reports false when a live record exists, whoever owns it.
	Insert(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) (bool, error)
	// Delete removes the record of id if owned by owner.
	Delete(ctx context.Context, id, owner string) error
	// Refresh sets updatedAt to now on the listed records owned by owner.
	Refresh(ctx context.Context, owner string, ids []string, now time.Time, ttl time.Duration) error
	// Purge removes the record of id whoever owns it.
	Purge(ctx context.Context, id string) error
}

const DefaultTTL = 60 * time.Second

type Options struct {
	TTL time.Duration
	// Owner overrides the generated process identity.
	Owner string
	Log   *logger.Logger
	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// Manager acquires and refreshes the locks of one process.
type Manager struct {
	store Store
	owner string
	ttl   time.Duration
	log   *logger.Logger
	now   func() time.Time

	mu   sync.Mutex
	held map[string]struct{}
}

func NewManager(store Store, opts Options) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Owner == "" {
		opts.Owner = uuid.NewString()
	}
	if opts.Log == nil {
		opts.Log = logger.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		store: store,
		owner: opts.Owner,
		ttl:   opts.TTL,
		log:   opts.Log.With("component", "lock", "owner", opts.Owner),
		now:   opts.Now,
		held:  make(map[string]struct{}),
	}
}

// Owner is the identity written on the records of this process.
func (m *Manager) Owner() string { return m.owner }

func (m *Manager) TTL() time.Duration { return m.ttl }

// Acquire tries to take the lock of id without blocking. A lock already
// held by this manager is not re-entrant: Acquire reports false.
func (m *Manager) Acquire(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	_, mine := m.held[id]
	m.mu.Unlock()
	if mine {
		metrics.RecordLock("busy")
		return false, nil
	}

	ok, err := m.store.Insert(ctx, id, m.owner, m.now(), m.ttl)
	if err != nil {
		metrics.RecordLock("error")
		if apperr.IsShutdown(err) {
			return false, err
		}
		return false, apperr.NewTransient(fmt.Errorf("acquire lock %s: %w", id, err))
	}
	if !ok {
		metrics.RecordLock("busy")
		return false, nil
	}
	m.mu.Lock()
	m.held[id] = struct{}{}
	m.mu.Unlock()
	metrics.RecordLock("acquired")
	return true, nil
}

// Release gives up the lock of id. Releasing a lock held by another owner
// is a no-op.
func (m *Manager) Release(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.held, id)
	m.mu.Unlock()
	if err := m.store.Delete(ctx, id, m.owner); err != nil {
		return apperr.NewTransient(fmt.Errorf("release lock %s: %w", id, err))
	}
	return nil
}

// Purge removes the lock of id regardless of its owner. Used when the
// dataset itself is deleted.
func (m *Manager) Purge(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.held, id)
	m.mu.Unlock()
	return m.store.Purge(ctx, id)
}

// Held returns the ids locked by this manager, sorted.
func (m *Manager) Held() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.held))
	for id := range m.held {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Refresh extends every lock held by this manager once.
func (m *Manager) Refresh(ctx context.Context) error {
	ids := m.Held()
	if len(ids) == 0 {
		return nil
	}
	return m.store.Refresh(ctx, m.owner, ids, m.now(), m.ttl)
}

// Start refreshes the held locks every TTL/2 until ctx is done. It returns
// immediately; the returned channel is closed when the loop has exited.
func (m *Manager) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(m.ttl / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := m.Refresh(ctx); err != nil && !apperr.IsShutdown(err) {
					// a lock lost here is recovered by TTL expiry on the other side
					m.log.Warn("lock refresh failed", "held", len(m.Held()), "error", err)
				}
			}
		}
	}()
	return done
}
