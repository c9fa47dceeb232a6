package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"datafair/internal/apperr"
	"datafair/internal/search"
)

// Build is the outcome of ReplaceIndex.
type Build struct {
	Index  string
	Result Result
	// Previous lists the indices the alias pointed at before the swap.
	Previous []string
}

// ReplaceIndex builds a new physical index for alias, lets fill write the
// rows into it, then swaps the alias onto it. Readers keep querying the
// previous index until the swap. When every row fails the new index is
// dropped, the alias is left alone and a data error carrying the summary is
// returned.
func ReplaceIndex(
	ctx context.Context,
	engine search.Engine,
	alias string,
	mapping search.Mapping,
	opts Options,
	now time.Time,
	fill func(context.Context, *Indexer) error,
) (Build, error) {
	name := search.NewIndexName(alias, now)
	if err := engine.CreateIndex(ctx, name, mapping); err != nil {
		return Build{}, transient(fmt.Errorf("create index %s: %w", name, err))
	}
	drop := func() {
		// best effort; stale indices are collected again on the next swap
		_ = engine.DeleteIndex(context.WithoutCancel(ctx), name)
	}

	opts.Mode = Replace
	ix := New(engine, name, opts)
	if err := fill(ctx, ix); err != nil {
		drop()
		return Build{Index: name, Result: ix.result()}, err
	}
	res, err := ix.Close(ctx)
	if err != nil {
		drop()
		return Build{Index: name, Result: res}, err
	}
	if res.Indexed == 0 && res.Failed > 0 {
		drop()
		return Build{Index: name, Result: res}, apperr.NewData(res.Errors)
	}

	prev, err := engine.SwapAlias(ctx, alias, name)
	if err != nil {
		drop()
		return Build{Index: name, Result: res}, transient(fmt.Errorf("swap alias %s: %w", alias, err))
	}
	return Build{Index: name, Result: res, Previous: prev}, nil
}

// StaleIndices lists the physical indices of alias the alias does not point
// at. It is derived from the engine state alone, so a cleanup interrupted
// by a crash is found again.
func StaleIndices(ctx context.Context, engine search.Engine, alias string) ([]string, error) {
	live, err := engine.ResolveAlias(ctx, alias)
	if err != nil {
		return nil, transient(err)
	}
	all, err := engine.ListIndices(ctx, alias+"-")
	if err != nil {
		return nil, transient(err)
	}
	keep := make(map[string]bool, len(live))
	for _, l := range live {
		keep[l] = true
	}
	var out []string
	for _, name := range all {
		if !keep[name] && search.IsPhysicalOf(name, alias) {
			out = append(out, name)
		}
	}
	return out, nil
}

// DeleteIndices removes the given indices, a few at a time, ignoring
// those already gone.
func DeleteIndices(ctx context.Context, engine search.Engine, names []string) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	g.SetLimit(4)
	for _, name := range names {
		g.Go(func() error {
			if err := engine.DeleteIndex(ctx, name); err != nil && !errors.Is(err, search.ErrIndexNotFound) {
				mu.Lock()
				errs = append(errs, fmt.Errorf("delete index %s: %w", name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return transient(errors.Join(errs...))
}

func transient(err error) error {
	if err == nil || apperr.IsShutdown(err) {
		return err
	}
	var ce *apperr.CategorizedError
	if errors.As(err, &ce) {
		return err
	}
	return apperr.NewTransient(err)
}
