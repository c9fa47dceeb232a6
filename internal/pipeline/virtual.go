package pipeline

import (
	"context"
	"errors"
	"fmt"

	"datafair/internal/apperr"
	"datafair/internal/dataset"
	"datafair/internal/schema"
	"datafair/internal/store"
	"datafair/internal/workflow"
)

// virtual derives the schema and count of a virtual dataset from its
// children. It waits, without an event, while a child is still on its way
// to finalized. A child in error fails the virtual dataset.
func (p *Pipeline) virtual(ctx context.Context, ds *dataset.Dataset) (Outcome, error) {
	if ds.Virtual == nil || len(ds.Virtual.Children) == 0 {
		return Outcome{}, apperr.Dataf("virtual dataset %s has no children", ds.ID)
	}
	log := p.logFor(ds, StageVirtual)
	children := make([]*dataset.Dataset, 0, len(ds.Virtual.Children))
	for _, id := range ds.Virtual.Children {
		if id == ds.ID {
			return Outcome{}, apperr.Dataf("virtual dataset %s lists itself as a child", ds.ID)
		}
		child, err := p.deps.Store.Datasets.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return Outcome{}, apperr.Dataf("child dataset %s does not exist", id)
		}
		if err != nil {
			return Outcome{}, apperr.NewTransient(fmt.Errorf("get child %s: %w", id, err))
		}
		if child.Status == dataset.StateError {
			return Outcome{}, apperr.Dataf("child dataset %s is in error", id)
		}
		if child.Status != dataset.StateFinalized {
			log.Debug("waiting for child", "child", id, "status", string(child.Status))
			return Outcome{}, nil
		}
		children = append(children, child)
	}

	sch, err := virtualSchema(ds.Virtual, children)
	if err != nil {
		return Outcome{}, err
	}
	var count int64
	for _, c := range children {
		count += c.Count
	}
	log.Info("virtual schema derived", "children", len(children), "properties", len(sch), "count", count)
	return Outcome{
		Events: events(workflow.EventSchemaCommitted),
		Patch: func(d *dataset.Dataset) error {
			d.Schema = sch
			d.Count = count
			return nil
		},
	}, nil
}

func sameType(a, b dataset.Property) bool {
	return a.Type == b.Type && a.Format == b.Format
}

// virtualSchema keeps the selected keys, or else the data keys every child
// has with the same type, in the order of the first child.
func virtualSchema(cfg *dataset.VirtualConfig, children []*dataset.Dataset) ([]dataset.Property, error) {
	first := dataset.DataProperties(children[0].Schema)
	var out []dataset.Property
	if len(cfg.Select) > 0 {
		for _, key := range cfg.Select {
			var found *dataset.Property
			for _, c := range children {
				if p := dataset.Find(c.Schema, key); p != nil {
					found = p
					break
				}
			}
			if found == nil {
				return nil, apperr.Dataf("selected key %q is in no child dataset", key)
			}
			out = append(out, *found)
		}
	} else {
	next:
		for _, p := range first {
			for _, c := range children[1:] {
				other := dataset.Find(c.Schema, p.Key)
				if other == nil || !sameType(p, *other) {
					continue next
				}
			}
			out = append(out, p)
		}
	}
	for _, f := range cfg.Filters {
		if dataset.Find(out, f.Key) == nil {
			return nil, apperr.Dataf("filter key %q is not in the virtual schema", f.Key)
		}
	}
	out = schema.WithCalculated(out, schema.CalculatedOptions{})
	if err := schema.Check(out); err != nil {
		return nil, err
	}
	return out, nil
}

// metaOnly commits the owner-supplied schema of a dataset without data.
func (p *Pipeline) metaOnly(ctx context.Context, ds *dataset.Dataset) (Outcome, error) {
	sch := schema.Clean(ds.Schema)
	if err := schema.Check(sch); err != nil {
		return Outcome{}, err
	}
	p.logFor(ds, StageMetaOnly).Debug("schema committed", "properties", len(sch))
	return Outcome{
		Events: events(workflow.EventSchemaCommitted),
		Patch: func(d *dataset.Dataset) error {
			d.Schema = sch
			return nil
		},
	}, nil
}
