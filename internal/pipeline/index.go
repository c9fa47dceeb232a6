package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/zeebo/xxh3"

	"datafair/internal/apperr"
	"datafair/internal/datafile"
	"datafair/internal/dataset"
	"datafair/internal/filestore"
	"datafair/internal/indexer"
	"datafair/internal/search"
	"datafair/internal/sniff"
	"datafair/internal/store"
	"datafair/internal/workflow"
)

// randRange bounds the _rand column.
const randRange = 10_000_000

func randOf(h uint64) int64 { return int64(h % randRange) }

func (p *Pipeline) indexOptions(kind string, ds *dataset.Dataset) indexer.Options {
	return indexer.Options{
		MaxRows:         p.opts.IndexMaxRows,
		MaxBytes:        p.opts.IndexMaxBytes,
		MaxErrorSamples: p.opts.ErrorSamples,
		Kind:            kind,
		Log:             p.logFor(ds, StageIndex),
	}
}

// fileDoc builds the search document of one file record.
func fileDoc(ds *dataset.Dataset, cols map[string]dataset.Property, rec datafile.Record, hasAttachments bool) (string, map[string]any) {
	doc := make(map[string]any, len(rec.Fields)+4)
	for _, f := range rec.Fields {
		prop, ok := cols[f.Name]
		if !ok {
			continue
		}
		v := sniff.Format(f.Value, prop)
		if v == nil {
			continue
		}
		doc[prop.Key] = v
		if hasAttachments && prop.RefersTo == dataset.ConceptDigitalDocument {
			if s, ok := v.(string); ok {
				doc[dataset.KeyAttachmentURL] = datafile.AttachmentPath(s)
			}
		}
	}
	h := xxh3.HashString(ds.ID + "/" + strconv.Itoa(rec.Line))
	id := fmt.Sprintf("%016x", h)
	doc[dataset.KeyID] = id
	doc[dataset.KeyOrdinal] = rec.Line
	doc[dataset.KeyRand] = randOf(h)
	return id, doc
}

// index builds a fresh physical index from the working file and swaps the
// dataset alias onto it.
func (p *Pipeline) index(ctx context.Context, ds *dataset.Dataset) (Outcome, error) {
	f := ds.File
	if f == nil || len(ds.Schema) == 0 {
		return Outcome{}, apperr.Invariantf("dataset %s: index without file or schema", ds.ID)
	}
	log := p.logFor(ds, StageIndex)
	cols := columns(ds.Schema)
	hasAttachments := len(f.Attachments) > 0
	alias := p.Alias(ds.ID)

	build, err := indexer.ReplaceIndex(ctx, p.deps.Engine, alias, search.MappingFromSchema(ds.Schema),
		p.indexOptions("file", ds), p.deps.Now(),
		func(ctx context.Context, ix *indexer.Indexer) error {
			return p.eachRecord(ctx, f, func(rec datafile.Record) error {
				id, doc := fileDoc(ds, cols, rec, hasAttachments)
				return ix.Add(ctx, indexer.Row{ID: id, Doc: doc, Line: rec.Line})
			})
		})
	if err != nil {
		return Outcome{}, err
	}
	log.Info("index built", "index", build.Index, "indexed", build.Result.Indexed, "failed", build.Result.Failed, "previous", len(build.Previous))

	out := Outcome{Events: events(workflow.EventIndexSwapDone)}
	warning := build.Result.Errors.Error()
	if warning != "" {
		out.Notes = append(out.Notes, note(store.EventIndexWarning, "%s", warning))
	}
	count := int64(build.Result.Indexed)
	out.Patch = func(d *dataset.Dataset) error {
		d.Count = count
		d.IndexWarning = warning
		return nil
	}
	return out, nil
}

// finalize reads the final count back from the index and removes uploads
// nothing refers to anymore.
func (p *Pipeline) finalize(ctx context.Context, ds *dataset.Dataset) (Outcome, error) {
	log := p.logFor(ds, StageFinalize)
	count, err := p.deps.Engine.Count(ctx, p.Alias(ds.ID))
	if err != nil {
		return Outcome{}, apperr.NewTransient(fmt.Errorf("count %s: %w", p.Alias(ds.ID), err))
	}
	removed, err := p.CleanUploads(ctx, ds)
	if err != nil {
		// leftovers are collected at the next finalization
		log.Warn("upload cleanup failed", "error", err)
	}
	log.Info("dataset finalized", "count", count, "removed_uploads", removed)
	return Outcome{
		Events: events(workflow.EventFinalizeDone),
		Patch: func(d *dataset.Dataset) error {
			d.Count = count
			return nil
		},
	}, nil
}

// UploadsDir holds one directory per upload of a dataset.
func UploadsDir(id string) string { return path.Join(dataset.StoragePrefix(id), "uploads") }

// UploadDir returns the upload directory holding filePath, if any.
func UploadDir(id, filePath string) (string, bool) {
	rest, ok := strings.CutPrefix(filePath, UploadsDir(id)+"/")
	if !ok {
		return "", false
	}
	name, _, _ := strings.Cut(rest, "/")
	return path.Join(UploadsDir(id), name), name != ""
}

// CleanUploads removes the upload directories no file of ds refers to.
func (p *Pipeline) CleanUploads(ctx context.Context, ds *dataset.Dataset) (int, error) {
	keep := map[string]bool{}
	for _, f := range []*dataset.FileInfo{ds.File, ds.OriginalFile} {
		if f == nil {
			continue
		}
		if dir, ok := UploadDir(ds.ID, f.Path); ok {
			keep[dir] = true
		}
	}
	if ds.Draft != nil {
		for _, f := range []*dataset.FileInfo{ds.Draft.File, ds.Draft.OriginalFile} {
			if f == nil {
				continue
			}
			if dir, ok := UploadDir(ds.ID, f.Path); ok {
				keep[dir] = true
			}
		}
	}
	entries, err := p.deps.Files.List(ctx, UploadsDir(ds.ID))
	if errors.Is(err, filestore.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	stale := map[string]bool{}
	for _, e := range entries {
		dir, ok := UploadDir(ds.ID, path.Join(UploadsDir(ds.ID), e.Path))
		if ok && !keep[dir] {
			stale[dir] = true
		}
	}
	for dir := range stale {
		if err := p.deps.Files.RemoveAll(ctx, dir); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}
