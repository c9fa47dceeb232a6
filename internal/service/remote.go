package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"

	"github.com/google/uuid"

	"datafair/internal/apperr"
	"datafair/internal/datafile"
	"datafair/internal/datasource/httpds"
	"datafair/internal/dataset"
	"datafair/internal/pipeline"
)

// fetch downloads up.URL into a fresh upload directory.
func (s *Service) fetch(ctx context.Context, id string, up Upload) (*dataset.FileInfo, error) {
	if s.remote == nil {
		return nil, apperr.Dataf("remote files are not enabled")
	}
	src, err := s.remote.Source(up.URL).Open(ctx)
	if err != nil {
		var se *httpds.StatusError
		if errors.As(err, &se) && se.Status < http.StatusInternalServerError && se.Status != http.StatusTooManyRequests {
			return nil, apperr.NewData(err)
		}
		return nil, fmt.Errorf("download %s: %w", up.URL, err)
	}
	defer src.Body.Close()

	name, mt := src.Name, src.MimeType
	if up.Name != "" {
		name = up.Name
	}
	if up.MimeType != "" {
		mt = up.MimeType
	}
	name = safeName(name)
	if _, err := datafile.Detect(name, mt); err != nil {
		return nil, err
	}
	p := path.Join(pipeline.UploadsDir(id), uuid.NewString(), name)
	n, err := s.files.WriteStream(ctx, p, src.Body)
	if err != nil {
		return nil, fmt.Errorf("store download %s: %w", up.URL, err)
	}
	s.log.Info("remote file downloaded", "dataset", id, "url", up.URL, "bytes", n)
	return &dataset.FileInfo{Name: name, Path: p, Size: n, MimeType: mt}, nil
}
