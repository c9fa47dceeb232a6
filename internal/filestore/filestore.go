// Package filestore is the storage contract the pipeline reads uploaded
// files from and writes attachments to, with a local filesystem backend.
package filestore

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	ErrNotFound    = errors.New("filestore: not found")
	ErrNotModified = errors.New("filestore: not modified")
)

// Range selects bytes [Start, End] inclusive. End < 0 reads to the end.
type Range struct {
	Start int64
	End   int64
}

type ReadOptions struct {
	// IfModifiedSince returns ErrNotModified when the object is not newer.
	IfModifiedSince time.Time
	Range           *Range
}

// Object is an open read. The caller closes Body.
type Object struct {
	Body         io.ReadCloser
	Size         int64
	LastModified time.Time
}

// Entry is one listed object.
type Entry struct {
	Path         string
	Size         int64
	LastModified time.Time
}

// Storage is implemented by file backends. Paths are slash-separated and
// relative to the backend root.
type Storage interface {
	List(ctx context.Context, dir string) ([]Entry, error)
	ReadStream(ctx context.Context, path string, opts ReadOptions) (*Object, error)
	// WriteStream writes body to a staging file beside path then renames it
	// over path.
	WriteStream(ctx context.Context, path string, body io.Reader) (int64, error)
	// MoveFromStaging moves a file written elsewhere (possibly another
	// volume) to path.
	MoveFromStaging(ctx context.Context, tmpPath, path string) error
	CopyDir(ctx context.Context, src, dst string) error
	MoveDir(ctx context.Context, src, dst string) error
	RemoveAll(ctx context.Context, path string) error
}
