// Package pipeline holds the stage tasks the dispatcher runs for a dataset.
//
// A task reads what it needs (files, lines, the search engine), does the
// work, and returns an Outcome: the events to feed the state machine and a
// patch of the dataset document. The dispatcher persists both in one
// document update. Tasks never write the dataset document themselves, so a
// task interrupted at any point is simply run again from the last
// persisted state.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"datafair/internal/apperr"
	"datafair/internal/dataset"
	"datafair/internal/filestore"
	"datafair/internal/logger"
	"datafair/internal/schema"
	"datafair/internal/search"
	"datafair/internal/sniff"
	"datafair/internal/store"
	"datafair/internal/workflow"
)

type Stage string

const (
	StageAnalyze     Stage = "analyze"
	StageSchematize  Stage = "schematize"
	StageValidate    Stage = "validate"
	StageIndex       Stage = "index"
	StageFinalize    Stage = "finalize"
	StageRESTInit    Stage = "rest-init"
	StageRESTLines   Stage = "rest-lines"
	StageRESTReindex Stage = "rest-reindex"
	StageVirtual     Stage = "virtual"
	StageMetaOnly    Stage = "meta-only"
)

type Options struct {
	SampleSize    int
	DateFormats   []string
	IndexMaxRows  int
	IndexMaxBytes int
	ErrorSamples  int
	// DraftValidationMode applies to datasets without their own mode.
	DraftValidationMode schema.ValidationMode
	// IndexPrefix prefixes every dataset alias.
	IndexPrefix string
}

func (o Options) withDefaults() Options {
	if o.SampleSize <= 0 {
		o.SampleSize = 4000
	}
	if o.ErrorSamples <= 0 {
		o.ErrorSamples = 3
	}
	if o.DraftValidationMode == "" {
		o.DraftValidationMode = schema.ModeNoBreakingChange
	}
	if o.IndexPrefix == "" {
		o.IndexPrefix = "dataset"
	}
	return o
}

// Deps are the collaborators of the tasks.
type Deps struct {
	Store  *store.Store
	Files  filestore.Storage
	Engine search.Engine
	Log    *logger.Logger
	Now    func() time.Time
}

// Pipeline selects and runs stage tasks.
type Pipeline struct {
	deps Deps
	opts Options
}

func New(deps Deps, opts Options) *Pipeline {
	if deps.Log == nil {
		deps.Log = logger.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Pipeline{deps: deps, opts: opts.withDefaults()}
}

func (p *Pipeline) Options() Options { return p.opts }

// Alias is the search alias of a dataset.
func (p *Pipeline) Alias(id string) string { return search.AliasFor(p.opts.IndexPrefix, id) }

// Outcome is what a task hands back to the dispatcher.
type Outcome struct {
	// Events are fed to the state machine in order. No event means the
	// dataset is left as is and retried on a later poll.
	Events []workflow.Event
	// Patch is applied to the freshly read document before the events.
	Patch func(*dataset.Dataset) error
	// Cause is recorded when an event leads to an error state.
	Cause string
	// Notes are journaled next to the transitions.
	Notes []store.Event
}

func events(ev ...workflow.Event) []workflow.Event { return ev }

// Task runs one stage for a locked dataset.
type Task func(ctx context.Context, ds *dataset.Dataset) (Outcome, error)

// Select returns the stage the dataset needs, if any.
func Select(ds *dataset.Dataset) (Stage, bool) {
	state := ds.State()
	switch ds.Kind {
	case dataset.KindFile:
		switch state.Base() {
		case dataset.StateCreated:
			return StageAnalyze, true
		case dataset.StateAnalyzed:
			return StageSchematize, true
		case dataset.StateSchematized, dataset.StateValidationUpdated:
			return StageValidate, true
		}
		switch state {
		case dataset.StateValidated:
			return StageIndex, true
		case dataset.StateIndexed:
			return StageFinalize, true
		}
	case dataset.KindREST:
		switch state {
		case dataset.StateCreated:
			return StageRESTInit, true
		case dataset.StateValidationUpdated:
			return StageRESTReindex, true
		case dataset.StateFinalized:
			if ds.REST.PendingLines() {
				return StageRESTLines, true
			}
		}
	case dataset.KindVirtual:
		if state == dataset.StateCreated {
			return StageVirtual, true
		}
	case dataset.KindMetaOnly:
		if state == dataset.StateCreated {
			return StageMetaOnly, true
		}
	}
	return "", false
}

// Task returns the task of stage.
func (p *Pipeline) Task(stage Stage) (Task, error) {
	switch stage {
	case StageAnalyze:
		return p.analyze, nil
	case StageSchematize:
		return p.schematize, nil
	case StageValidate:
		return p.validate, nil
	case StageIndex:
		return p.index, nil
	case StageFinalize:
		return p.finalize, nil
	case StageRESTInit:
		return p.restInit, nil
	case StageRESTLines:
		return p.restLines, nil
	case StageRESTReindex:
		return p.restReindex, nil
	case StageVirtual:
		return p.virtual, nil
	case StageMetaOnly:
		return p.metaOnly, nil
	}
	return nil, apperr.Invariantf("pipeline: no task for stage %q", stage)
}

func (p *Pipeline) sniffOptions() sniff.Options {
	return sniff.Options{DateFormats: p.opts.DateFormats}
}

func (p *Pipeline) logFor(ds *dataset.Dataset, stage Stage) *logger.Logger {
	return p.deps.Log.With("dataset", ds.ID, "kind", string(ds.Kind), "stage", string(stage), "draft", ds.Draft != nil)
}

func note(typ, format string, args ...any) store.Event {
	return store.Event{Type: typ, Data: fmt.Sprintf(format, args...)}
}
