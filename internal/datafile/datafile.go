// Package datafile reads uploaded data files as a stream of records.
//
// Every format is reduced to the same shape: an ordered list of named string
// cells per record. Typing is left to the sniffer so detection behaves the
// same whatever the source format.
package datafile

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"datafair/internal/apperr"
)

// Format is a supported tabular file format.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatTSV     Format = "tsv"
	FormatJSON    Format = "json"
	FormatNDJSON  Format = "ndjson"
	FormatGeoJSON Format = "geojson"
	FormatICS     Format = "ics"
	FormatXLSX    Format = "xlsx"
	// FormatZIP is an archive holding one data file plus attachments. It
	// has no reader of its own; see Unpack.
	FormatZIP Format = "zip"
)

// Field is one named cell.
type Field struct {
	Name  string
	Value string
}

// Record is one row of a data file. Line is 1-based and counts data records,
// not physical lines.
type Record struct {
	Line   int
	Fields []Field
}

// Get returns the value of the named cell.
func (r Record) Get(name string) (string, bool) {
	for _, f := range r.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

// Info describes how a file was decoded.
type Info struct {
	Format    Format
	Encoding  string
	Delimiter string
}

// Reader streams records. Next returns io.EOF after the last record.
type Reader interface {
	Next() (Record, error)
	Info() Info
	Close() error
}

// Spec is the result of format detection.
type Spec struct {
	Format Format
	// Gzip is set for gzip-compressed files (data.csv.gz).
	Gzip bool
}

var extFormats = map[string]Format{
	".csv":     FormatCSV,
	".txt":     FormatCSV,
	".tsv":     FormatTSV,
	".tab":     FormatTSV,
	".json":    FormatJSON,
	".ndjson":  FormatNDJSON,
	".jsonl":   FormatNDJSON,
	".geojson": FormatGeoJSON,
	".ics":     FormatICS,
	".ical":    FormatICS,
	".xlsx":    FormatXLSX,
	".zip":     FormatZIP,
}

var mimeFormats = map[string]Format{
	"text/csv":                  FormatCSV,
	"text/tab-separated-values": FormatTSV,
	"application/json":          FormatJSON,
	"application/x-ndjson":      FormatNDJSON,
	"application/geo+json":      FormatGeoJSON,
	"text/calendar":             FormatICS,
	"application/zip":           FormatZIP,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": FormatXLSX,
}

// Detect picks the format from the file name, then the mime type.
func Detect(name, mimeType string) (Spec, error) {
	lower := strings.ToLower(strings.TrimSpace(name))
	var spec Spec
	if strings.HasSuffix(lower, ".gz") {
		spec.Gzip = true
		lower = strings.TrimSuffix(lower, ".gz")
	}
	ext := path.Ext(lower)
	switch ext {
	case ".xls", ".ods", ".fods":
		return Spec{}, apperr.Dataf("spreadsheet format %q is not supported, export the sheet as xlsx or csv", ext)
	}
	if f, ok := extFormats[ext]; ok {
		spec.Format = f
		return spec, nil
	}
	mt := strings.ToLower(strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0]))
	if f, ok := mimeFormats[mt]; ok {
		spec.Format = f
		return spec, nil
	}
	return Spec{}, apperr.Dataf("unsupported file type for %q (mime %q)", name, mimeType)
}

// Tabular reports whether f can be opened with Open.
func (f Format) Tabular() bool {
	return f != FormatZIP && f != ""
}

// Options tunes Open.
type Options struct {
	// Delimiter forces the CSV delimiter. Zero means detect.
	Delimiter rune
}

// Open returns a Reader for r. The caller must Close it; closing the
// Reader does not close r.
func Open(r io.Reader, spec Spec, opts Options) (Reader, error) {
	if spec.Gzip {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, apperr.Dataf("invalid gzip file: %v", err)
		}
		inner, err := Open(gz, Spec{Format: spec.Format}, opts)
		if err != nil {
			_ = gz.Close()
			return nil, err
		}
		return &closeBoth{Reader: inner, extra: gz}, nil
	}
	switch spec.Format {
	case FormatCSV:
		return newCSVReader(r, opts.Delimiter, FormatCSV)
	case FormatTSV:
		return newCSVReader(r, '\t', FormatTSV)
	case FormatJSON:
		return newJSONReader(r, FormatJSON)
	case FormatNDJSON:
		return newJSONReader(r, FormatNDJSON)
	case FormatGeoJSON:
		return newGeoJSONReader(r)
	case FormatICS:
		return newICSReader(r), nil
	case FormatXLSX:
		return newXLSXReader(r)
	}
	return nil, apperr.Invariantf("datafile: format %q has no record reader", spec.Format)
}

type closeBoth struct {
	Reader
	extra io.Closer
}

func (c *closeBoth) Close() error {
	err := c.Reader.Close()
	if cerr := c.extra.Close(); err == nil {
		err = cerr
	}
	return err
}

// Each calls fn for every record of r until EOF, fn error or cancellation.
func Each(ctx context.Context, r Reader, fn func(Record) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

func lineError(line int, err error) error {
	return apperr.Dataf("line %d: %v", line, err)
}

func wrapData(format Format, err error) error {
	if err == nil {
		return nil
	}
	if apperr.IsData(err) || apperr.IsInvariant(err) {
		return err
	}
	return apperr.NewData(fmt.Errorf("%s: %w", format, err))
}
