package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/zeebo/xxh3"

	"datafair/internal/apperr"
	"datafair/internal/dataset"
	"datafair/internal/indexer"
	"datafair/internal/schema"
	"datafair/internal/search"
	"datafair/internal/sniff"
	"datafair/internal/store"
	"datafair/internal/workflow"
)

const restPageSize = 1000

func restSchema(ds *dataset.Dataset) ([]dataset.Property, error) {
	sch := schema.WithCalculated(schema.Clean(ds.Schema), schema.CalculatedOptions{REST: true})
	if err := schema.Check(sch); err != nil {
		return nil, err
	}
	return sch, nil
}

// restDoc builds the search document of a line. String values are coerced
// like file cells; other JSON values are kept when the schema knows the key.
func restDoc(props map[string]dataset.Property, line store.Line) map[string]any {
	doc := make(map[string]any, len(line.Doc)+4)
	for k, v := range line.Doc {
		prop, ok := props[k]
		if !ok || prop.Calculated {
			continue
		}
		if s, ok := v.(string); ok {
			if f := sniff.Format(s, prop); f != nil {
				doc[k] = f
			}
			continue
		}
		doc[k] = v
	}
	doc[dataset.KeyID] = line.ID
	doc[dataset.KeyOrdinal] = line.Ordinal
	doc[dataset.KeyRand] = randOf(xxh3.HashString(line.ID))
	doc[dataset.KeyUpdatedAt] = line.UpdatedAt.UTC().Format(time.RFC3339)
	return doc
}

func propsByKey(sch []dataset.Property) map[string]dataset.Property {
	out := make(map[string]dataset.Property, len(sch))
	for _, p := range sch {
		out[p.Key] = p
	}
	return out
}

func refsOf(lines []store.Line) []store.LineRef {
	refs := make([]store.LineRef, len(lines))
	for i, l := range lines {
		refs[i] = store.LineRef{ID: l.ID, Version: l.Version}
	}
	return refs
}

func (p *Pipeline) restInit(ctx context.Context, ds *dataset.Dataset) (Outcome, error) {
	return p.restRebuild(ctx, ds, StageRESTInit, workflow.EventSchemaCommitted)
}

func (p *Pipeline) restReindex(ctx context.Context, ds *dataset.Dataset) (Outcome, error) {
	return p.restRebuild(ctx, ds, StageRESTReindex, workflow.EventIndexSwapDone)
}

// restRebuild indexes every live line into a fresh physical index.
func (p *Pipeline) restRebuild(ctx context.Context, ds *dataset.Dataset, stage Stage, done workflow.Event) (Outcome, error) {
	if ds.REST == nil {
		return Outcome{}, apperr.Invariantf("dataset %s: rest dataset without rest config", ds.ID)
	}
	log := p.logFor(ds, stage)
	sch, err := restSchema(ds)
	if err != nil {
		return Outcome{}, err
	}
	revision := ds.REST.LinesRevision
	pending, err := p.deps.Store.Lines.Pending(ctx, ds.ID, 0)
	if err != nil {
		return Outcome{}, apperr.NewTransient(fmt.Errorf("pending lines: %w", err))
	}
	props := propsByKey(sch)

	build, err := indexer.ReplaceIndex(ctx, p.deps.Engine, p.Alias(ds.ID), search.MappingFromSchema(sch),
		p.indexOptions("rest", ds), p.deps.Now(),
		func(ctx context.Context, ix *indexer.Indexer) error {
			var after int64
			for {
				page, err := p.deps.Store.Lines.Page(ctx, ds.ID, after, restPageSize)
				if err != nil {
					return apperr.NewTransient(fmt.Errorf("read lines: %w", err))
				}
				for _, l := range page {
					if err := ix.Add(ctx, indexer.Row{ID: l.ID, Doc: restDoc(props, l)}); err != nil {
						return err
					}
					after = l.Ordinal
				}
				if len(page) < restPageSize {
					return nil
				}
			}
		})
	// an empty dataset builds an empty index, which is not a failure
	if err != nil {
		return Outcome{}, err
	}
	if err := p.deps.Store.Lines.MarkIndexed(ctx, ds.ID, refsOf(pending)); err != nil {
		return Outcome{}, apperr.NewTransient(fmt.Errorf("mark lines indexed: %w", err))
	}
	log.Info("rest index built", "index", build.Index, "indexed", build.Result.Indexed, "failed", build.Result.Failed)

	out := Outcome{Events: events(done)}
	warning := build.Result.Errors.Error()
	if warning != "" {
		out.Notes = append(out.Notes, note(store.EventIndexWarning, "%s", warning))
	}
	count := int64(build.Result.Indexed)
	out.Patch = func(d *dataset.Dataset) error {
		d.Schema = sch
		d.Count = count
		d.IndexWarning = warning
		d.REST.IndexedRevision = max(d.REST.IndexedRevision, revision)
		return nil
	}
	return out, nil
}

// restLines sends the pending line writes to the live index as partial
// updates. Lines the index has never seen are written whole.
func (p *Pipeline) restLines(ctx context.Context, ds *dataset.Dataset) (Outcome, error) {
	if ds.REST == nil {
		return Outcome{}, apperr.Invariantf("dataset %s: rest dataset without rest config", ds.ID)
	}
	log := p.logFor(ds, StageRESTLines)
	revision := ds.REST.LinesRevision
	props := propsByKey(ds.Schema)
	alias := p.Alias(ds.ID)

	pending, err := p.deps.Store.Lines.Pending(ctx, ds.ID, 0)
	if err != nil {
		return Outcome{}, apperr.NewTransient(fmt.Errorf("pending lines: %w", err))
	}
	opts := p.indexOptions("rest", ds)
	opts.Mode = indexer.Update
	ix := indexer.New(p.deps.Engine, alias, opts)
	for _, l := range pending {
		row := indexer.Row{ID: l.ID, Delete: l.Deleted, Full: !l.InIndex}
		if !l.Deleted {
			row.Doc = restDoc(props, l)
			// a partial update keeps fields it does not mention
			for k, prop := range props {
				if _, ok := row.Doc[k]; !ok && !prop.Calculated {
					row.Doc[k] = nil
				}
			}
		}
		if err := ix.Add(ctx, row); err != nil {
			return Outcome{}, err
		}
	}
	res, err := ix.Close(ctx)
	if err != nil {
		return Outcome{}, err
	}
	// rejected writes are reported, not retried
	if err := p.deps.Store.Lines.MarkIndexed(ctx, ds.ID, refsOf(pending)); err != nil {
		return Outcome{}, apperr.NewTransient(fmt.Errorf("mark lines indexed: %w", err))
	}
	count, err := p.deps.Engine.Count(ctx, alias)
	if err != nil {
		return Outcome{}, apperr.NewTransient(fmt.Errorf("count %s: %w", alias, err))
	}
	log.Info("rest lines indexed", "lines", len(pending), "indexed", res.Indexed, "failed", res.Failed, "count", count)

	out := Outcome{Events: events(workflow.EventLinesIndexed)}
	warning := res.Errors.Error()
	if warning != "" {
		out.Notes = append(out.Notes, note(store.EventIndexWarning, "%s", warning))
	}
	out.Notes = append(out.Notes, note(store.EventDataUpdated, "%d lines indexed", len(pending)))
	out.Patch = func(d *dataset.Dataset) error {
		d.Count = count
		d.IndexWarning = warning
		d.REST.IndexedRevision = max(d.REST.IndexedRevision, revision)
		return nil
	}
	return out, nil
}
