package worker

import (
	"context"

	"datafair/internal/dataset"
	"datafair/internal/indexer"
	"datafair/internal/store"
	"datafair/internal/workflow"
)

// effects runs the side effects of persisted transitions. Each one can be
// derived again from the stored state, so failures are logged and left to
// the next transition that schedules them.
func (d *Dispatcher) effects(ctx context.Context, ds *dataset.Dataset, trs []workflow.Transition, notes []store.Event) {
	log := d.log.With("dataset", ds.ID)
	now := d.opts.Now()
	journal := func(ev store.Event) {
		ev.DatasetID = ds.ID
		if ev.At.IsZero() {
			ev.At = now
		}
		if err := d.store.Journal.Append(ctx, ev); err != nil {
			log.Warn("journal append failed", "type", ev.Type, "error", err)
		}
	}

	for _, tr := range trs {
		if tr.Has(workflow.EffectDeleteStaleIndexes) {
			d.deleteStaleIndices(ctx, ds)
		}
		if tr.Has(workflow.EffectJournal) {
			journal(store.Event{
				Type:  store.EventTransition,
				Data:  tr.String(),
				Draft: tr.From.IsDraft() || tr.To.IsDraft(),
			})
		}
	}
	for _, n := range notes {
		journal(n)
	}
	for _, tr := range trs {
		if tr.Has(workflow.EffectHook) && tr.To != tr.From {
			d.hooks.fire(string(tr.To), ds)
		}
	}
}

func (d *Dispatcher) deleteStaleIndices(ctx context.Context, ds *dataset.Dataset) {
	alias := d.pipe.Alias(ds.ID)
	stale, err := indexer.StaleIndices(ctx, d.engine, alias)
	if err == nil && len(stale) > 0 {
		err = indexer.DeleteIndices(ctx, d.engine, stale)
	}
	if err != nil {
		d.log.Warn("stale index cleanup failed", "dataset", ds.ID, "alias", alias, "error", err)
		return
	}
	if len(stale) > 0 {
		d.log.Debug("stale indices deleted", "dataset", ds.ID, "indices", stale)
	}
}
