package worker

import (
	"context"
	"sync"

	"datafair/internal/dataset"
)

type waiter struct {
	name string
	id   string
	ch   chan *dataset.Dataset
}

// hooks resolves waiters when a stage completes or a state is reached.
type hooks struct {
	mu      sync.Mutex
	next    int
	waiters map[int]waiter
}

func newHooks() *hooks { return &hooks{waiters: map[int]waiter{}} }

func (h *hooks) subscribe(name, id string) (<-chan *dataset.Dataset, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := h.next
	h.next++
	ch := make(chan *dataset.Dataset, 1)
	h.waiters[key] = waiter{name: name, id: id, ch: ch}
	return ch, func() {
		h.mu.Lock()
		delete(h.waiters, key)
		h.mu.Unlock()
	}
}

// fire resolves, once, every waiter registered for name and ds.
func (h *hooks) fire(name string, ds *dataset.Dataset) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, w := range h.waiters {
		if w.name != name || (w.id != "" && w.id != ds.ID) {
			continue
		}
		w.ch <- ds.Clone()
		delete(h.waiters, key)
	}
}

// Subscribe registers interest in the next completion of name, a stage or
// a state, for dataset id (any dataset when id is empty). The channel
// receives one dataset. cancel drops the registration.
func (d *Dispatcher) Subscribe(name, id string) (ch <-chan *dataset.Dataset, cancel func()) {
	return d.hooks.subscribe(name, id)
}

// Hook waits for the next completion of name for any dataset.
func (d *Dispatcher) Hook(ctx context.Context, name string) (*dataset.Dataset, error) {
	return d.HookFor(ctx, name, "")
}

// HookFor waits for the next completion of name for dataset id.
func (d *Dispatcher) HookFor(ctx context.Context, name, id string) (*dataset.Dataset, error) {
	ch, cancel := d.Subscribe(name, id)
	defer cancel()
	select {
	case ds := <-ch:
		return ds, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
