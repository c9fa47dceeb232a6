// Package store is the document store of the pipeline: dataset documents,
// the lines of REST datasets with their revision log, and the per-dataset
// event journal.
package store

import (
	"context"
	"errors"
	"time"

	"datafair/internal/dataset"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// Datasets persists dataset documents keyed by id.
type Datasets interface {
	// Insert fails with ErrConflict when the id is taken.
	Insert(ctx context.Context, ds *dataset.Dataset) error
	Get(ctx context.Context, id string) (*dataset.Dataset, error)
	// Update applies fn to the current document and stores the result in a
	// single write. When fn fails nothing is written.
	Update(ctx context.Context, id string, fn func(*dataset.Dataset) error) (*dataset.Dataset, error)
	Delete(ctx context.Context, id string) error
	// ListActionable returns the ids of datasets needing pipeline work
	// that are not waiting at now, least recently updated first.
	ListActionable(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// LineAction is the kind of a REST line write.
type LineAction string

const (
	LineCreate LineAction = "create"
	// LineUpdate replaces the whole line.
	LineUpdate LineAction = "update"
	// LinePatch merges fields into the line.
	LinePatch  LineAction = "patch"
	LineDelete LineAction = "delete"
)

func (a LineAction) Valid() bool {
	switch a {
	case LineCreate, LineUpdate, LinePatch, LineDelete:
		return true
	}
	return false
}

// LineOp is one write of a REST line.
type LineOp struct {
	Action LineAction
	// ID may be empty on create; one is generated.
	ID  string
	Doc map[string]any
}

// Line is the stored state of a REST line. Deleted lines are kept as
// tombstones until their deletion is indexed.
type Line struct {
	ID string
	// Ordinal is the _i of the line, assigned once on creation.
	Ordinal int64
	// Version increases on every write of the line.
	Version   int64
	Doc       map[string]any
	Deleted bool
	// Indexed is set once the last write is indexed; InIndex once any
	// version of the line reached the index.
	Indexed   bool
	InIndex   bool
	UpdatedAt time.Time
}

// LineRef identifies a line at a version.
type LineRef struct {
	ID      string
	Version int64
}

// Revision is one entry of the line revision log.
type Revision struct {
	LineID string
	Action LineAction
	Doc    map[string]any
	At     time.Time
}

type WriteOptions struct {
	// History records every write in the revision log.
	History bool
	Now     time.Time
}

// Lines persists the lines of REST datasets.
type Lines interface {
	// Write applies ops atomically. Creating an existing line fails with
	// ErrConflict; updating, patching or deleting a missing one with
	// ErrNotFound.
	Write(ctx context.Context, datasetID string, ops []LineOp, opts WriteOptions) ([]Line, error)
	Get(ctx context.Context, datasetID, lineID string) (*Line, error)
	// Pending returns lines whose last write is not indexed, by ordinal.
	Pending(ctx context.Context, datasetID string, limit int) ([]Line, error)
	// MarkIndexed flags lines as indexed if still at the given version.
	// Tombstones are removed.
	MarkIndexed(ctx context.Context, datasetID string, refs []LineRef) error
	// Page returns live lines with an ordinal above after, by ordinal.
	Page(ctx context.Context, datasetID string, after int64, limit int) ([]Line, error)
	Revisions(ctx context.Context, datasetID, lineID string) ([]Revision, error)
	DeleteAll(ctx context.Context, datasetID string) error
}

// Event is one journal entry.
type Event struct {
	DatasetID string    `json:"datasetId"`
	Type      string    `json:"type"`
	Data      string    `json:"data,omitempty"`
	Draft     bool      `json:"draft,omitempty"`
	At        time.Time `json:"at"`
}

// Journal types.
const (
	EventTransition   = "transition"
	EventError        = "error"
	EventIndexWarning = "index-warning"
	EventDraftPending = "draft-validation-pending"
	EventDataUpdated  = "data-updated"
)

type Journal interface {
	Append(ctx context.Context, ev Event) error
	// List returns the entries of a dataset, oldest first.
	List(ctx context.Context, datasetID string) ([]Event, error)
	Delete(ctx context.Context, datasetID string) error
}

// Store bundles the collections of one backend.
type Store struct {
	Datasets Datasets
	Lines    Lines
	Journal  Journal

	ping  func(context.Context) error
	close func() error
}

// Ping checks the backend is reachable. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	if s.ping == nil {
		return nil
	}
	return s.ping(ctx)
}

func (s *Store) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

func mergeDoc(prev, patch map[string]any) map[string]any {
	out := make(map[string]any, len(prev)+len(patch))
	for k, v := range prev {
		out[k] = v
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}
