// Package elastic implements search.Engine against an Elasticsearch or
// OpenSearch cluster over its REST API.
package elastic

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"

	"github.com/goccy/go-json"

	"datafair/internal/dataset"
	"datafair/internal/search"
)

// Engine implements search.Engine.
type Engine struct {
	c *client
}

var _ search.Engine = (*Engine)(nil)

func New(cfg Config) (*Engine, error) {
	if _, err := url.ParseRequestURI(cfg.URL); err != nil {
		return nil, fmt.Errorf("elastic: invalid url %q: %w", cfg.URL, err)
	}
	return &Engine{c: newClient(cfg)}, nil
}

type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("elastic: status %d: %s", e.Status, e.Body)
}

// call sends a request and decodes a 2xx JSON answer into out (when set).
func (e *Engine) call(ctx context.Context, method, path string, body []byte, contentType string, out any) error {
	resp, err := e.c.do(ctx, method, path, body, contentType)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%w: %s", search.ErrIndexNotFound, path)
	}
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &apiError{Status: resp.StatusCode, Body: string(b)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (e *Engine) callJSON(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = b
	}
	return e.call(ctx, method, path, body, "application/json", out)
}

func (e *Engine) CreateIndex(ctx context.Context, index string, m search.Mapping) error {
	body := map[string]any{
		"settings": map[string]any{
			"number_of_shards":   1,
			"number_of_replicas": 0,
			// writes become visible on explicit refresh
			"refresh_interval": "-1",
		},
		"mappings": map[string]any{
			"dynamic":    false,
			"properties": m.Properties,
		},
	}
	return e.callJSON(ctx, http.MethodPut, "/"+url.PathEscape(index), body, nil)
}

func (e *Engine) DeleteIndex(ctx context.Context, index string) error {
	return e.callJSON(ctx, http.MethodDelete, "/"+url.PathEscape(index), nil, nil)
}

type bulkAnswer struct {
	Took   int                           `json:"took"`
	Errors bool                          `json:"errors"`
	Items  []map[string]bulkAnswerDetail `json:"items"`
}

type bulkAnswerDetail struct {
	ID     string            `json:"_id"`
	Status int               `json:"status"`
	Error  *search.ItemError `json:"error"`
}

func (e *Engine) Bulk(ctx context.Context, index string, ops []search.BulkOp) (*search.BulkResponse, error) {
	var buf bytes.Buffer
	for _, op := range ops {
		b, err := search.EncodeOp(op)
		if err != nil {
			return nil, err
		}
		buf.Write(b)
	}
	var ans bulkAnswer
	if err := e.call(ctx, http.MethodPost, "/"+url.PathEscape(index)+"/_bulk", buf.Bytes(), "application/x-ndjson", &ans); err != nil {
		return nil, err
	}
	resp := &search.BulkResponse{Took: ans.Took, Errors: ans.Errors, Items: make([]search.BulkItem, 0, len(ans.Items))}
	for _, it := range ans.Items {
		for action, d := range it {
			resp.Items = append(resp.Items, search.BulkItem{
				Action: search.Action(action),
				ID:     d.ID,
				Status: d.Status,
				Error:  d.Error,
			})
		}
	}
	return resp, nil
}

func (e *Engine) Refresh(ctx context.Context, index string) error {
	return e.callJSON(ctx, http.MethodPost, "/"+url.PathEscape(index)+"/_refresh", nil, nil)
}

func (e *Engine) ResolveAlias(ctx context.Context, alias string) ([]string, error) {
	var ans map[string]any
	err := e.callJSON(ctx, http.MethodGet, "/_alias/"+url.PathEscape(alias), nil, &ans)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]string, 0, len(ans))
	for name := range ans {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// SwapAlias removes alias from its current indices and adds it to index in
// one _aliases call, so readers never observe the alias missing.
func (e *Engine) SwapAlias(ctx context.Context, alias, index string) ([]string, error) {
	current, err := e.ResolveAlias(ctx, alias)
	if err != nil {
		return nil, err
	}
	var prev []string
	actions := make([]map[string]any, 0, len(current)+1)
	for _, old := range current {
		if old == index {
			continue
		}
		prev = append(prev, old)
		actions = append(actions, map[string]any{"remove": map[string]string{"index": old, "alias": alias}})
	}
	actions = append(actions, map[string]any{"add": map[string]string{"index": index, "alias": alias}})
	if err := e.callJSON(ctx, http.MethodPost, "/_aliases", map[string]any{"actions": actions}, nil); err != nil {
		return nil, err
	}
	return prev, nil
}

func (e *Engine) ListIndices(ctx context.Context, prefix string) ([]string, error) {
	var rows []struct {
		Index string `json:"index"`
	}
	err := e.callJSON(ctx, http.MethodGet, "/_cat/indices/"+url.PathEscape(prefix)+"*?format=json&h=index", nil, &rows)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Index)
	}
	sort.Strings(out)
	return out, nil
}

func (e *Engine) Count(ctx context.Context, index string) (int64, error) {
	var ans struct {
		Count int64 `json:"count"`
	}
	if err := e.callJSON(ctx, http.MethodGet, "/"+url.PathEscape(index)+"/_count", nil, &ans); err != nil {
		return 0, err
	}
	return ans.Count, nil
}

func (e *Engine) Search(ctx context.Context, index string, q search.Query) (*search.SearchResult, error) {
	size := q.Size
	if size <= 0 {
		size = 10
	}
	body := map[string]any{
		"from":             q.From,
		"size":             size,
		"sort":             []map[string]string{{dataset.KeyOrdinal: "asc"}},
		"track_total_hits": true,
	}
	var ans struct {
		Hits struct {
			Total struct {
				Value int64 `json:"value"`
			} `json:"total"`
			Hits []struct {
				Source map[string]any `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := e.callJSON(ctx, http.MethodPost, "/"+url.PathEscape(index)+"/_search", body, &ans); err != nil {
		return nil, err
	}
	res := &search.SearchResult{Total: ans.Hits.Total.Value}
	for _, h := range ans.Hits.Hits {
		res.Hits = append(res.Hits, h.Source)
	}
	return res, nil
}

func isNotFound(err error) bool {
	return err != nil && errors.Is(err, search.ErrIndexNotFound)
}
