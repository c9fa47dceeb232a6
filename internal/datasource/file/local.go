// Package file opens local files as datasources.
package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"datafair/internal/datasource"
)

// Local opens a file from the local disk.
type Local struct{ path string }

var _ datasource.Source = (*Local)(nil)

func NewLocal(path string) *Local { return &Local{path: path} }

func (l *Local) String() string { return l.path }

// Open fails with the context error if ctx is already done. Filesystem
// errors keep their os error for errors.Is checks.
func (l *Local) Open(ctx context.Context) (*datasource.Fetched, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", l.path, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat %s: %w", l.path, err)
	}
	if st.IsDir() {
		_ = f.Close()
		return nil, fmt.Errorf("open %s: is a directory", l.path)
	}
	name := filepath.Base(l.path)
	return &datasource.Fetched{
		Body:     f,
		Name:     name,
		MimeType: datasource.MimeByName(name),
		Size:     st.Size(),
	}, nil
}
