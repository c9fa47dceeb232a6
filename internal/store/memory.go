package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"datafair/internal/dataset"
)

// NewMemory returns a Store living in process memory. Documents are copied
// on the way in and out so callers never share state with the store.
func NewMemory() *Store {
	return &Store{
		Datasets: &memDatasets{docs: map[string]*dataset.Dataset{}},
		Lines:    &memLines{sets: map[string]*memLineSet{}},
		Journal:  &memJournal{events: map[string][]Event{}},
	}
}

type memDatasets struct {
	mu   sync.Mutex
	docs map[string]*dataset.Dataset
}

func (m *memDatasets) Insert(ctx context.Context, ds *dataset.Dataset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[ds.ID]; ok {
		return fmt.Errorf("%w: dataset %s exists", ErrConflict, ds.ID)
	}
	m.docs[ds.ID] = ds.Clone()
	return nil
}

func (m *memDatasets) Get(ctx context.Context, id string) (*dataset.Dataset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ds, ok := m.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: dataset %s", ErrNotFound, id)
	}
	return ds.Clone(), nil
}

func (m *memDatasets) Update(ctx context.Context, id string, fn func(*dataset.Dataset) error) (*dataset.Dataset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: dataset %s", ErrNotFound, id)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = id
	m.docs[id] = next
	return next.Clone(), nil
}

func (m *memDatasets) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[id]; !ok {
		return fmt.Errorf("%w: dataset %s", ErrNotFound, id)
	}
	delete(m.docs, id)
	return nil
}

func (m *memDatasets) ListActionable(ctx context.Context, now time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	var cands []*dataset.Dataset
	for _, ds := range m.docs {
		if ds.Ready(now) {
			cands = append(cands, ds)
		}
	}
	m.mu.Unlock()
	sort.Slice(cands, func(i, j int) bool {
		if !cands[i].UpdatedAt.Equal(cands[j].UpdatedAt) {
			return cands[i].UpdatedAt.Before(cands[j].UpdatedAt)
		}
		return cands[i].ID < cands[j].ID
	})
	if limit > 0 && len(cands) > limit {
		cands = cands[:limit]
	}
	ids := make([]string, len(cands))
	for i, ds := range cands {
		ids[i] = ds.ID
	}
	return ids, nil
}

type memLineSet struct {
	next  int64
	lines map[string]*Line
	revs  []Revision
}

type memLines struct {
	mu   sync.Mutex
	sets map[string]*memLineSet
}

func (m *memLines) set(id string) *memLineSet {
	s, ok := m.sets[id]
	if !ok {
		s = &memLineSet{lines: map[string]*Line{}}
		m.sets[id] = s
	}
	return s
}

func copyLine(l *Line) Line {
	out := *l
	out.Doc = mergeDoc(l.Doc, nil)
	return out
}

func (m *memLines) Write(ctx context.Context, datasetID string, ops []LineOp, opts WriteOptions) ([]Line, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.set(datasetID)

	// stage on copies so a failing op leaves the set untouched
	staged := map[string]*Line{}
	lookup := func(id string) (*Line, error) {
		if l, ok := staged[id]; ok {
			return l, nil
		}
		l, ok := s.lines[id]
		if !ok {
			return nil, nil
		}
		c := copyLine(l)
		return &c, nil
	}
	next := s.next
	var revs []Revision
	out := make([]Line, 0, len(ops))
	for i, op := range ops {
		l, err := applyLineOp(op, i, lookup, &next, opts)
		if err != nil {
			return nil, err
		}
		staged[l.ID] = l
		out = append(out, copyLine(l))
		if opts.History {
			revs = append(revs, Revision{LineID: l.ID, Action: op.Action, Doc: mergeDoc(op.Doc, nil), At: opts.Now})
		}
	}
	for id, l := range staged {
		s.lines[id] = l
	}
	s.next = next
	s.revs = append(s.revs, revs...)
	return out, nil
}

// applyLineOp computes the new state of the line written by op.
// lookup returns a private copy of the current line, nil when missing.
func applyLineOp(op LineOp, i int, lookup func(string) (*Line, error), next *int64, opts WriteOptions) (*Line, error) {
	if !op.Action.Valid() {
		return nil, fmt.Errorf("line write %d: unknown action %q", i, op.Action)
	}
	id := op.ID
	if id == "" {
		if op.Action != LineCreate {
			return nil, fmt.Errorf("line write %d: %s requires an id", i, op.Action)
		}
		id = uuid.NewString()
	}
	prev, err := lookup(id)
	if err != nil {
		return nil, err
	}
	exists := prev != nil && !prev.Deleted
	switch op.Action {
	case LineCreate:
		if exists {
			return nil, fmt.Errorf("%w: line %s exists", ErrConflict, id)
		}
		*next++
		l := &Line{ID: id, Ordinal: *next, Version: 1, Doc: mergeDoc(op.Doc, nil), UpdatedAt: opts.Now}
		if prev != nil {
			// recreated over a tombstone keeps its place
			l.Ordinal, l.Version, l.InIndex = prev.Ordinal, prev.Version+1, prev.InIndex
			*next--
		}
		return l, nil
	case LineUpdate, LinePatch, LineDelete:
		if !exists {
			return nil, fmt.Errorf("%w: line %s", ErrNotFound, id)
		}
	}
	l := prev
	l.Version++
	l.Indexed = false
	l.UpdatedAt = opts.Now
	switch op.Action {
	case LineUpdate:
		l.Doc = mergeDoc(op.Doc, nil)
	case LinePatch:
		l.Doc = mergeDoc(l.Doc, op.Doc)
	case LineDelete:
		l.Deleted = true
	}
	return l, nil
}

func (m *memLines) Get(ctx context.Context, datasetID, lineID string) (*Line, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[datasetID]
	if ok {
		if l, ok := s.lines[lineID]; ok && !l.Deleted {
			c := copyLine(l)
			return &c, nil
		}
	}
	return nil, fmt.Errorf("%w: line %s", ErrNotFound, lineID)
}

func (m *memLines) sorted(datasetID string, keep func(*Line) bool) []Line {
	s, ok := m.sets[datasetID]
	if !ok {
		return nil
	}
	var out []Line
	for _, l := range s.lines {
		if keep(l) {
			out = append(out, copyLine(l))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out
}

func (m *memLines) Pending(ctx context.Context, datasetID string, limit int) ([]Line, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.sorted(datasetID, func(l *Line) bool { return !l.Indexed })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memLines) MarkIndexed(ctx context.Context, datasetID string, refs []LineRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[datasetID]
	if !ok {
		return nil
	}
	for _, r := range refs {
		l, ok := s.lines[r.ID]
		if !ok || l.Version != r.Version {
			continue
		}
		if l.Deleted {
			delete(s.lines, r.ID)
			continue
		}
		l.Indexed, l.InIndex = true, true
	}
	return nil
}

func (m *memLines) Page(ctx context.Context, datasetID string, after int64, limit int) ([]Line, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.sorted(datasetID, func(l *Line) bool { return !l.Deleted && l.Ordinal > after })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memLines) Revisions(ctx context.Context, datasetID, lineID string) ([]Revision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[datasetID]
	if !ok {
		return nil, nil
	}
	var out []Revision
	for _, r := range s.revs {
		if r.LineID == lineID {
			r.Doc = mergeDoc(r.Doc, nil)
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memLines) DeleteAll(ctx context.Context, datasetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sets, datasetID)
	return nil
}

type memJournal struct {
	mu     sync.Mutex
	events map[string][]Event
}

func (m *memJournal) Append(ctx context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[ev.DatasetID] = append(m.events[ev.DatasetID], ev)
	return nil
}

func (m *memJournal) List(ctx context.Context, datasetID string) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events[datasetID]...), nil
}

func (m *memJournal) Delete(ctx context.Context, datasetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.events, datasetID)
	return nil
}
