// Package memory is an in-process search engine. It enforces index mappings
// the way a real engine rejects malformed documents and only exposes writes
// after Refresh, so pipeline tests observe the same partial failures and
// read-after-refresh behavior as production.
package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"datafair/internal/search"
)

type index struct {
	mapping search.Mapping
	// docs holds every write; visible is the snapshot taken at Refresh.
	docs    map[string]map[string]any
	visible map[string]map[string]any
}

// Engine implements search.Engine.
type Engine struct {
	mu      sync.RWMutex
	indices map[string]*index
	aliases map[string]string

	// Reject, when set, fails individual operations before mapping checks.
	Reject func(index string, op search.BulkOp) *search.ItemError
}

var _ search.Engine = (*Engine)(nil)

func New() *Engine {
	return &Engine{indices: map[string]*index{}, aliases: map[string]string{}}
}

// resolve maps an alias or index name to an index. Caller holds mu.
func (e *Engine) resolve(name string) (*index, string, error) {
	if target, ok := e.aliases[name]; ok {
		name = target
	}
	idx, ok := e.indices[name]
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", search.ErrIndexNotFound, name)
	}
	return idx, name, nil
}

func (e *Engine) CreateIndex(ctx context.Context, name string, m search.Mapping) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.indices[name]; ok {
		return fmt.Errorf("memory: index %s already exists", name)
	}
	e.indices[name] = &index{
		mapping: m,
		docs:    map[string]map[string]any{},
		visible: map[string]map[string]any{},
	}
	return nil
}

func (e *Engine) DeleteIndex(ctx context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.indices[name]; !ok {
		return fmt.Errorf("%w: %s", search.ErrIndexNotFound, name)
	}
	delete(e.indices, name)
	for a, target := range e.aliases {
		if target == name {
			delete(e.aliases, a)
		}
	}
	return nil
}

func (e *Engine) Bulk(ctx context.Context, name string, ops []search.BulkOp) (*search.BulkResponse, error) {
	start := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	idx, resolved, err := e.resolve(name)
	if err != nil {
		return nil, err
	}
	resp := &search.BulkResponse{Items: make([]search.BulkItem, 0, len(ops))}
	for _, op := range ops {
		item := search.BulkItem{Action: op.Action, ID: op.ID, Status: 200}
		if e.Reject != nil {
			item.Error = e.Reject(resolved, op)
		}
		if item.Error == nil {
			item.Status, item.Error = idx.apply(op)
		} else {
			item.Status = 400
		}
		if item.Error != nil {
			resp.Errors = true
		}
		resp.Items = append(resp.Items, item)
	}
	resp.Took = int(time.Since(start).Milliseconds())
	return resp, nil
}

func (idx *index) apply(op search.BulkOp) (int, *search.ItemError) {
	switch op.Action {
	case search.ActionIndex:
		doc, ierr := idx.check(op.Doc)
		if ierr != nil {
			return 400, ierr
		}
		status := 201
		if _, ok := idx.docs[op.ID]; ok {
			status = 200
		}
		idx.docs[op.ID] = doc
		return status, nil
	case search.ActionUpdate:
		prev, ok := idx.docs[op.ID]
		if !ok {
			return 404, &search.ItemError{Type: "document_missing_exception", Reason: fmt.Sprintf("[%s]: document missing", op.ID)}
		}
		merged := make(map[string]any, len(prev)+len(op.Doc))
		for k, v := range prev {
			merged[k] = v
		}
		for k, v := range op.Doc {
			merged[k] = v
		}
		doc, ierr := idx.check(merged)
		if ierr != nil {
			return 400, ierr
		}
		idx.docs[op.ID] = doc
		return 200, nil
	case search.ActionDelete:
		if _, ok := idx.docs[op.ID]; !ok {
			return 404, nil
		}
		delete(idx.docs, op.ID)
		return 200, nil
	}
	return 400, &search.ItemError{Type: "action_request_validation_exception", Reason: "unknown action " + string(op.Action)}
}

// check normalizes a document through JSON, as it would travel over the
// wire, then validates mapped fields.
func (idx *index) check(doc map[string]any) (map[string]any, *search.ItemError) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, &search.ItemError{Type: "mapper_parsing_exception", Reason: err.Error()}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &search.ItemError{Type: "mapper_parsing_exception", Reason: err.Error()}
	}
	for k, v := range out {
		f, ok := idx.mapping.Properties[k]
		if !ok || v == nil {
			continue
		}
		if reason := checkValue(f.Type, v); reason != "" {
			return nil, &search.ItemError{
				Type:   "mapper_parsing_exception",
				Reason: fmt.Sprintf("failed to parse field [%s] of type [%s]: %s", k, f.Type, reason),
			}
		}
	}
	return out, nil
}

func checkValue(typ string, v any) string {
	switch typ {
	case "long":
		f, ok := v.(float64)
		if !ok || f != math.Trunc(f) {
			return fmt.Sprintf("%v is not an integer", v)
		}
	case "double":
		if _, ok := v.(float64); !ok {
			return fmt.Sprintf("%v is not a number", v)
		}
	case "boolean":
		if _, ok := v.(bool); !ok {
			return fmt.Sprintf("%v is not a boolean", v)
		}
	case "date":
		s, ok := v.(string)
		if !ok {
			return fmt.Sprintf("%v is not a date", v)
		}
		if _, err := time.Parse(time.RFC3339, s); err == nil {
			return ""
		}
		if _, err := time.Parse("2006-01-02", s); err == nil {
			return ""
		}
		if _, err := time.Parse("2006-01-02T15:04:05", s); err == nil {
			return ""
		}
		return fmt.Sprintf("%q is not a date", s)
	}
	return ""
}

func (e *Engine) Refresh(ctx context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	idx, _, err := e.resolve(name)
	if err != nil {
		return err
	}
	idx.visible = make(map[string]map[string]any, len(idx.docs))
	for id, d := range idx.docs {
		idx.visible[id] = d
	}
	return nil
}

func (e *Engine) SwapAlias(ctx context.Context, alias, name string) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.indices[name]; !ok {
		return nil, fmt.Errorf("%w: %s", search.ErrIndexNotFound, name)
	}
	var prev []string
	if old, ok := e.aliases[alias]; ok && old != name {
		prev = append(prev, old)
	}
	e.aliases[alias] = name
	return prev, nil
}

func (e *Engine) ResolveAlias(ctx context.Context, alias string) ([]string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if target, ok := e.aliases[alias]; ok {
		return []string{target}, nil
	}
	return nil, nil
}

func (e *Engine) ListIndices(ctx context.Context, prefix string) ([]string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []string
	for name := range e.indices {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (e *Engine) Count(ctx context.Context, name string) (int64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	idx, _, err := e.resolve(name)
	if err != nil {
		return 0, err
	}
	return int64(len(idx.visible)), nil
}

func (e *Engine) Search(ctx context.Context, name string, q search.Query) (*search.SearchResult, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	idx, _, err := e.resolve(name)
	if err != nil {
		return nil, err
	}
	hits := make([]map[string]any, 0, len(idx.visible))
	for _, d := range idx.visible {
		hits = append(hits, d)
	}
	sort.Slice(hits, func(i, j int) bool { return ordinal(hits[i]) < ordinal(hits[j]) })
	res := &search.SearchResult{Total: int64(len(hits))}
	from := min(max(q.From, 0), len(hits))
	size := q.Size
	if size <= 0 {
		size = 10
	}
	to := min(from+size, len(hits))
	for _, h := range hits[from:to] {
		cp := make(map[string]any, len(h))
		for k, v := range h {
			cp[k] = v
		}
		res.Hits = append(res.Hits, cp)
	}
	return res, nil
}

func ordinal(d map[string]any) float64 {
	if f, ok := d["_i"].(float64); ok {
		return f
	}
	return math.MaxFloat64
}
