// Package service holds the owner-facing operations on datasets. They
// validate the request, store uploads and lines, and move the dataset into
// a state the dispatcher picks up. HTTP routing and access control live
// outside this package.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"datafair/internal/apperr"
	"datafair/internal/datafile"
	"datafair/internal/datasource/httpds"
	"datafair/internal/dataset"
	"datafair/internal/filestore"
	"datafair/internal/indexer"
	"datafair/internal/lock"
	"datafair/internal/logger"
	"datafair/internal/pipeline"
	"datafair/internal/schema"
	"datafair/internal/search"
	"datafair/internal/sniff"
	"datafair/internal/store"
	"datafair/internal/workflow"
)

// ErrBusy is returned when the dataset is locked by a running stage or
// is in a state that does not accept the operation yet.
var ErrBusy = errors.New("dataset is busy")

type Deps struct {
	Store    *store.Store
	Files    filestore.Storage
	Engine   search.Engine
	Locks    *lock.Manager
	Pipeline *pipeline.Pipeline
	// Remote downloads files given by URL. Optional.
	Remote *httpds.Client
	Log    *logger.Logger
	Now    func() time.Time
}

type Service struct {
	store  *store.Store
	files  filestore.Storage
	engine search.Engine
	locks  *lock.Manager
	pipe   *pipeline.Pipeline
	remote *httpds.Client
	log    *logger.Logger
	now    func() time.Time
}

func New(deps Deps) *Service {
	if deps.Log == nil {
		deps.Log = logger.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Service{
		store:  deps.Store,
		files:  deps.Files,
		engine: deps.Engine,
		locks:  deps.Locks,
		pipe:   deps.Pipeline,
		remote: deps.Remote,
		log:    deps.Log,
		now:    deps.Now,
	}
}

// Meta is the descriptive part of a new dataset.
type Meta struct {
	// ID is generated from the title when empty.
	ID                  string
	Title               string
	Description         string
	Owner               dataset.Owner
	DraftValidationMode string
}

func newID(title string) string {
	base := strings.ReplaceAll(sniff.Key(title), "_", "-")
	if len(base) > 40 {
		base = strings.Trim(base[:40], "-")
	}
	return base + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func (s *Service) newDataset(m Meta, kind dataset.Kind) (*dataset.Dataset, error) {
	if strings.TrimSpace(m.Title) == "" {
		return nil, apperr.Dataf("a dataset needs a title")
	}
	if m.DraftValidationMode != "" {
		if _, err := schema.ParseValidationMode(m.DraftValidationMode); err != nil {
			return nil, apperr.NewData(err)
		}
	}
	id := strings.TrimSpace(m.ID)
	if id == "" {
		id = newID(m.Title)
	}
	if strings.ContainsAny(id, "/\\ ") {
		return nil, apperr.Dataf("invalid dataset id %q", id)
	}
	now := s.now()
	return &dataset.Dataset{
		ID:                  id,
		Title:               m.Title,
		Description:         m.Description,
		Owner:               m.Owner,
		Kind:                kind,
		Status:              dataset.StateCreated,
		DraftValidationMode: m.DraftValidationMode,
		CreatedAt:           now,
		UpdatedAt:           now,
	}, nil
}

func (s *Service) insert(ctx context.Context, ds *dataset.Dataset) (*dataset.Dataset, error) {
	if err := ds.CheckKind(); err != nil {
		return nil, apperr.NewInvariant(err)
	}
	if err := s.store.Datasets.Insert(ctx, ds); err != nil {
		return nil, err
	}
	s.journal(ctx, store.Event{DatasetID: ds.ID, Type: store.EventTransition, Data: "created"})
	s.log.Info("dataset created", "dataset", ds.ID, "kind", string(ds.Kind))
	return ds, nil
}

// locked runs fn under the dataset lock. A lock held elsewhere is ErrBusy.
func (s *Service) locked(ctx context.Context, id string, fn func() error) error {
	key := dataset.LockKey(id)
	ok, err := s.locks.Acquire(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrBusy, id)
	}
	defer func() {
		if err := s.locks.Release(context.WithoutCancel(ctx), key); err != nil {
			s.log.Warn("lock release failed", "dataset", id, "error", err)
		}
	}()
	return fn()
}

// step applies event inside an update. A transition the state does not
// accept is reported as ErrBusy.
func (s *Service) step(d *dataset.Dataset, ev workflow.Event) (workflow.Transition, error) {
	tr, err := workflow.Step(d, ev, "", s.now())
	if errors.Is(err, workflow.ErrInvalidTransition) {
		return tr, fmt.Errorf("%w: %s cannot take %s in state %s", ErrBusy, d.ID, ev, d.State())
	}
	return tr, err
}

func (s *Service) journal(ctx context.Context, ev store.Event) {
	if ev.At.IsZero() {
		ev.At = s.now()
	}
	if err := s.store.Journal.Append(ctx, ev); err != nil {
		s.log.Warn("journal append failed", "dataset", ev.DatasetID, "error", err)
	}
}

func (s *Service) journalTransition(ctx context.Context, id string, tr workflow.Transition) {
	s.journal(ctx, store.Event{
		DatasetID: id,
		Type:      store.EventTransition,
		Data:      tr.String(),
		Draft:     tr.From.IsDraft() || tr.To.IsDraft(),
	})
}

func (s *Service) Get(ctx context.Context, id string) (*dataset.Dataset, error) {
	return s.store.Datasets.Get(ctx, id)
}

// Journal returns the events of a dataset, oldest first.
func (s *Service) Journal(ctx context.Context, id string) ([]store.Event, error) {
	if _, err := s.store.Datasets.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Journal.List(ctx, id)
}

// Lines queries the indexed rows of a dataset, by ordinal.
func (s *Service) Lines(ctx context.Context, id string, q search.Query) (*search.SearchResult, error) {
	ds, err := s.store.Datasets.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ds.Kind == dataset.KindMetaOnly || ds.Kind == dataset.KindVirtual {
		return nil, apperr.Dataf("dataset %s has no indexed lines", id)
	}
	if ds.Status != dataset.StateFinalized && ds.FinalizedAt.IsZero() {
		return nil, fmt.Errorf("%w: %s is not indexed yet", ErrBusy, id)
	}
	res, err := s.engine.Search(ctx, s.pipe.Alias(id), q)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", id, err)
	}
	return res, nil
}

// Delete removes a dataset with its indices, lines, journal, files and
// lock.
func (s *Service) Delete(ctx context.Context, id string) error {
	key := dataset.LockKey(id)
	ok, err := s.locks.Acquire(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrBusy, id)
	}
	defer func() {
		if err := s.locks.Purge(context.WithoutCancel(ctx), key); err != nil {
			s.log.Warn("lock purge failed", "dataset", id, "error", err)
		}
	}()
	if _, err := s.store.Datasets.Get(ctx, id); err != nil {
		return err
	}
	if err := s.store.Datasets.Delete(ctx, id); err != nil {
		return err
	}

	// the document is gone; what follows only frees resources
	var errs []error
	alias := s.pipe.Alias(id)
	if indices, err := s.engine.ListIndices(ctx, alias+"-"); err != nil {
		errs = append(errs, err)
	} else {
		var own []string
		for _, name := range indices {
			if search.IsPhysicalOf(name, alias) {
				own = append(own, name)
			}
		}
		errs = append(errs, indexer.DeleteIndices(ctx, s.engine, own))
	}
	errs = append(errs,
		s.store.Lines.DeleteAll(ctx, id),
		s.store.Journal.Delete(ctx, id),
		s.files.RemoveAll(ctx, dataset.StoragePrefix(id)),
	)
	if err := errors.Join(errs...); err != nil {
		s.log.Warn("dataset deleted with leftovers", "dataset", id, "error", err)
		return fmt.Errorf("delete %s: %w", id, err)
	}
	s.log.Info("dataset deleted", "dataset", id)
	return nil
}

// Upload is a file handed to the service. Exactly one of Body, TmpPath
// and URL is set.
type Upload struct {
	Name     string
	MimeType string
	Body     io.Reader
	// TmpPath is a file already spooled on disk, moved into storage.
	TmpPath string
	// URL is downloaded with the remote client.
	URL string
}

func safeName(name string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), `\`, "/"))
	if name == "." || name == "/" || name == "" {
		return "data"
	}
	return name
}

// storeUpload writes an upload into a fresh upload directory of dataset id.
func (s *Service) storeUpload(ctx context.Context, id string, up Upload) (*dataset.FileInfo, error) {
	if up.URL != "" {
		return s.fetch(ctx, id, up)
	}
	name := safeName(up.Name)
	if _, err := datafile.Detect(name, up.MimeType); err != nil {
		return nil, err
	}
	p := path.Join(pipeline.UploadsDir(id), uuid.NewString(), name)
	var size int64
	switch {
	case up.TmpPath != "":
		if err := s.files.MoveFromStaging(ctx, up.TmpPath, p); err != nil {
			return nil, fmt.Errorf("store upload %s: %w", name, err)
		}
	case up.Body != nil:
		n, err := s.files.WriteStream(ctx, p, up.Body)
		if err != nil {
			return nil, fmt.Errorf("store upload %s: %w", name, err)
		}
		size = n
	default:
		return nil, apperr.Dataf("upload %s has no content", name)
	}
	return &dataset.FileInfo{Name: name, Path: p, Size: size, MimeType: up.MimeType}, nil
}

// removeUpload drops the upload directory of f after a failed operation.
func (s *Service) removeUpload(ctx context.Context, id string, f *dataset.FileInfo) {
	if f == nil {
		return
	}
	if dir, ok := pipeline.UploadDir(id, f.Path); ok {
		_ = s.files.RemoveAll(context.WithoutCancel(ctx), dir)
	}
}
