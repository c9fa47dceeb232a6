// Package search is the contract between the pipeline and the search engine
// holding dataset rows. Each dataset is served through a stable alias that
// points at one physical index; reindexing builds a new physical index and
// swaps the alias in a single call.
package search

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/zeebo/xxh3"

	"datafair/internal/dataset"
)

var ErrIndexNotFound = errors.New("search: index not found")

type Action string

const (
	ActionIndex  Action = "index"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// BulkOp is one operation of a bulk request.
type BulkOp struct {
	Action Action
	ID     string
	// Doc is the full document for index, the partial document for update
	// and unused for delete.
	Doc             map[string]any
	RetryOnConflict int
}

type ItemError struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

func (e *ItemError) Error() string { return e.Type + ": " + e.Reason }

// BulkItem is the engine's answer for one operation, in request order.
type BulkItem struct {
	Action Action
	ID     string
	Status int
	Error  *ItemError
}

// BulkResponse mirrors the {errors, items} shape of a bulk answer.
type BulkResponse struct {
	Took   int
	Errors bool
	Items  []BulkItem
}

// Field is the mapping of one document field.
type Field struct {
	Type string `json:"type"`
}

type Mapping struct {
	Properties map[string]Field `json:"properties"`
}

type Query struct {
	From int
	Size int
}

type SearchResult struct {
	Total int64
	Hits  []map[string]any
}

// Engine is implemented by search backends.
type Engine interface {
	CreateIndex(ctx context.Context, index string, m Mapping) error
	DeleteIndex(ctx context.Context, index string) error
	Bulk(ctx context.Context, index string, ops []BulkOp) (*BulkResponse, error)
	Refresh(ctx context.Context, index string) error
	// SwapAlias points alias at index only, returning the indices it
	// pointed at before.
	SwapAlias(ctx context.Context, alias, index string) ([]string, error)
	ResolveAlias(ctx context.Context, alias string) ([]string, error)
	ListIndices(ctx context.Context, prefix string) ([]string, error)
	Count(ctx context.Context, index string) (int64, error)
	// Search returns documents ordered by their _i ordinal.
	Search(ctx context.Context, index string, q Query) (*SearchResult, error)
}

// MappingFromSchema derives the field mapping of a dataset index.
func MappingFromSchema(schema []dataset.Property) Mapping {
	m := Mapping{Properties: make(map[string]Field, len(schema))}
	for _, p := range schema {
		m.Properties[p.Key] = Field{Type: fieldType(p)}
	}
	return m
}

func fieldType(p dataset.Property) string {
	switch p.Type {
	case dataset.TypeInteger:
		return "long"
	case dataset.TypeNumber:
		return "double"
	case dataset.TypeBoolean:
		return "boolean"
	case dataset.TypeString:
		switch p.Format {
		case dataset.FormatDate, dataset.FormatDateTime:
			return "date"
		}
		if p.Separator != "" || p.Capabilities["text"] {
			return "text"
		}
	}
	return "keyword"
}

// AliasFor is the stable alias of a dataset.
func AliasFor(prefix, datasetID string) string {
	return prefix + "-" + strings.ToLower(datasetID)
}

// NewIndexName returns a physical index name under alias, unique per build.
func NewIndexName(alias string, now time.Time) string {
	h := xxh3.HashString(alias + "/" + strconv.FormatInt(now.UnixNano(), 10))
	return fmt.Sprintf("%s-%016x", alias, h)
}

// IsPhysicalOf reports whether index was built for alias by NewIndexName.
func IsPhysicalOf(index, alias string) bool {
	rest, ok := strings.CutPrefix(index, alias+"-")
	return ok && len(rest) == 16 && !strings.Contains(rest, "-")
}

// EncodeOp renders the NDJSON lines of one bulk operation.
func EncodeOp(op BulkOp) ([]byte, error) {
	meta := map[string]any{"_id": op.ID}
	if op.Action == ActionUpdate && op.RetryOnConflict > 0 {
		meta["retry_on_conflict"] = op.RetryOnConflict
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(map[string]any{string(op.Action): meta}); err != nil {
		return nil, err
	}
	switch op.Action {
	case ActionIndex:
		if err := enc.Encode(op.Doc); err != nil {
			return nil, err
		}
	case ActionUpdate:
		if err := enc.Encode(map[string]any{"doc": op.Doc}); err != nil {
			return nil, err
		}
	case ActionDelete:
	default:
		return nil, fmt.Errorf("search: unknown bulk action %q", op.Action)
	}
	return buf.Bytes(), nil
}
