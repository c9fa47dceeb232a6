// Package datasource opens the files a dataset is created from, either on
// the local disk or behind a URL.
package datasource

import (
	"context"
	"io"
	"mime"
	"path"
	"strings"
)

// Fetched is an opened source. The caller closes Body.
type Fetched struct {
	Body io.ReadCloser
	// Name is the file name the content should be stored under.
	Name     string
	MimeType string
	// Size is -1 when unknown.
	Size int64
}

type Source interface {
	Open(ctx context.Context) (*Fetched, error)
	// String names the source in logs and errors.
	String() string
}

// IsURL reports whether ref designates a remote file.
func IsURL(ref string) bool {
	lower := strings.ToLower(ref)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// MimeByName guesses a mime type from the extension of name. Compressed
// names report the type of the inner file.
func MimeByName(name string) string {
	name = strings.TrimSuffix(strings.ToLower(name), ".gz")
	ext := path.Ext(name)
	if ext == "" {
		return ""
	}
	if t, ok := knownTypes[ext]; ok {
		return t
	}
	return mime.TypeByExtension(ext)
}

// knownTypes covers the data formats missing from the builtin mime table.
var knownTypes = map[string]string{
	".csv":     "text/csv",
	".tsv":     "text/tab-separated-values",
	".geojson": "application/geo+json",
	".ics":     "text/calendar",
	".xlsx":    "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".zip":     "application/zip",
}
