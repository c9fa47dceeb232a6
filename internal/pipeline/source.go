package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"unicode/utf8"

	"datafair/internal/apperr"
	"datafair/internal/datafile"
	"datafair/internal/dataset"
	"datafair/internal/filestore"
)

type dataReader struct {
	datafile.Reader
	body io.Closer
}

func (r *dataReader) Close() error {
	err := r.Reader.Close()
	if cerr := r.body.Close(); err == nil {
		err = cerr
	}
	return err
}

// read opens a stored object. A missing file is a data error: the upload
// it belonged to is gone and only a new one fixes the dataset.
func (p *Pipeline) read(ctx context.Context, filePath string) (*filestore.Object, error) {
	obj, err := p.deps.Files.ReadStream(ctx, filePath, filestore.ReadOptions{})
	if errors.Is(err, filestore.ErrNotFound) {
		return nil, apperr.Dataf("file %s is missing from storage", path.Base(filePath))
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filePath, err)
	}
	return obj, nil
}

// openData opens the analyzed data file f as a record stream.
func (p *Pipeline) openData(ctx context.Context, f *dataset.FileInfo) (datafile.Reader, error) {
	if f == nil {
		return nil, apperr.Invariantf("pipeline: no data file to read")
	}
	spec, err := datafile.Detect(f.Name, f.MimeType)
	if err != nil {
		return nil, err
	}
	obj, err := p.read(ctx, f.Path)
	if err != nil {
		return nil, err
	}
	var opts datafile.Options
	if f.Delimiter != "" {
		opts.Delimiter, _ = utf8.DecodeRuneInString(f.Delimiter)
	}
	r, err := datafile.Open(obj.Body, spec, opts)
	if err != nil {
		_ = obj.Body.Close()
		return nil, err
	}
	return &dataReader{Reader: r, body: obj.Body}, nil
}

// eachRecord streams the records of f.
func (p *Pipeline) eachRecord(ctx context.Context, f *dataset.FileInfo, fn func(datafile.Record) error) error {
	r, err := p.openData(ctx, f)
	if err != nil {
		return err
	}
	defer r.Close()
	return datafile.Each(ctx, r, fn)
}

// columns maps original column names to the data properties of schema.
func columns(schema []dataset.Property) map[string]dataset.Property {
	out := make(map[string]dataset.Property, len(schema))
	for _, p := range dataset.DataProperties(schema) {
		name := p.OriginalName
		if name == "" {
			name = p.Key
		}
		out[name] = p
	}
	return out
}
