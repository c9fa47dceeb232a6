// Package workflow is the dataset state machine: a pure function from
// (kind, state, event) to the next state and the side effects the
// dispatcher must schedule, plus Apply, which writes a transition onto a
// dataset document.
//
// The tables are looplab/fsm event descriptions, one set per dataset kind.
// States prefixed with "draft-" live on the draft overlay of a file dataset
// while the main version stays finalized and queryable.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/looplab/fsm"

	"datafair/internal/dataset"
)

var ErrInvalidTransition = errors.New("invalid transition")

type Event string

const (
	EventFileReceived      Event = "file-received"
	EventDraftFileReceived Event = "draft-file-received"
	EventAnalysisDone      Event = "analysis-done"
	EventSchemaCommitted   Event = "schema-committed"
	EventValidationPassed  Event = "validation-passed"
	EventValidationFailed  Event = "validation-failed"
	EventDraftAccepted     Event = "draft-accepted"
	EventDraftCancelled    Event = "draft-cancelled"
	EventIndexSwapDone     Event = "index-swap-done"
	EventFinalizeDone      Event = "finalize-done"
	EventSchemaEdited      Event = "schema-edited"
	EventLinesIndexed      Event = "lines-indexed"
	EventFailed            Event = "failed"
	EventErrorPatched      Event = "error-patched"
)

// Effect is a side effect attached to a transition. Document effects are
// performed by Apply; the others are run by the dispatcher after the
// transition is persisted and must be idempotent.
type Effect string

const (
	EffectPromoteDraft       Effect = "promote-draft"
	EffectDiscardDraft       Effect = "discard-draft"
	EffectDeleteStaleIndexes Effect = "delete-stale-indexes"
	EffectBumpFinalizedAt    Effect = "bump-finalized-at"
	EffectBumpDataUpdatedAt  Effect = "bump-data-updated-at"
	EffectJournal            Effect = "journal"
	EffectHook               Effect = "hook"
)

// Transition is the result of Next.
type Transition struct {
	Kind    dataset.Kind
	From    dataset.State
	To      dataset.State
	Event   Event
	Effects []Effect
	// Cause is the error message recorded when To is an error state.
	Cause string
}

func (t Transition) Has(e Effect) bool {
	for _, x := range t.Effects {
		if x == e {
			return true
		}
	}
	return false
}

func (t Transition) String() string {
	return fmt.Sprintf("%s --%s--> %s", t.From, t.Event, t.To)
}

type edge struct {
	event   Event
	src     []dataset.State
	dst     dataset.State
	effects []Effect
}

func states(s ...dataset.State) []dataset.State { return s }

var (
	mainStates = states(
		dataset.StateCreated, dataset.StateAnalyzed, dataset.StateSchematized,
		dataset.StateValidationUpdated, dataset.StateValidated, dataset.StateIndexed,
		dataset.StateFinalized,
	)
	draftStates = states(
		dataset.StateDraftCreated, dataset.StateDraftAnalyzed,
		dataset.StateDraftSchematized, dataset.StateDraftValidated,
	)
)

var fileEdges = []edge{
	{EventFileReceived, states(dataset.StateFinalized, dataset.StateError), dataset.StateCreated, nil},
	{EventAnalysisDone, states(dataset.StateCreated), dataset.StateAnalyzed, nil},
	{EventSchemaCommitted, states(dataset.StateAnalyzed), dataset.StateSchematized, nil},
	{EventValidationPassed, states(dataset.StateSchematized, dataset.StateValidationUpdated), dataset.StateValidated, nil},
	{EventValidationFailed, states(dataset.StateSchematized, dataset.StateValidationUpdated), dataset.StateError, nil},
	{EventIndexSwapDone, states(dataset.StateValidated), dataset.StateIndexed,
		[]Effect{EffectDeleteStaleIndexes, EffectBumpDataUpdatedAt}},
	{EventFinalizeDone, states(dataset.StateIndexed), dataset.StateFinalized, []Effect{EffectBumpFinalizedAt}},
	{EventSchemaEdited, states(dataset.StateFinalized), dataset.StateValidationUpdated, nil},
	{EventFailed, mainStates, dataset.StateError, nil},
	{EventErrorPatched, states(dataset.StateError), dataset.StateCreated, nil},

	// draft overlay
	{EventDraftFileReceived, append(states(dataset.StateFinalized, dataset.StateDraftError), draftStates...), dataset.StateDraftCreated, nil},
	{EventAnalysisDone, states(dataset.StateDraftCreated), dataset.StateDraftAnalyzed, nil},
	{EventSchemaCommitted, states(dataset.StateDraftAnalyzed), dataset.StateDraftSchematized, nil},
	{EventValidationPassed, states(dataset.StateDraftSchematized), dataset.StateDraftValidated, nil},
	{EventValidationFailed, states(dataset.StateDraftSchematized), dataset.StateDraftError, nil},
	{EventDraftAccepted, states(dataset.StateDraftValidated), dataset.StateValidated, []Effect{EffectPromoteDraft}},
	{EventDraftCancelled, append(states(dataset.StateDraftError), draftStates...), dataset.StateFinalized, []Effect{EffectDiscardDraft}},
	{EventFailed, draftStates, dataset.StateDraftError, nil},
	{EventErrorPatched, states(dataset.StateDraftError), dataset.StateDraftCreated, nil},
}

var restEdges = []edge{
	{EventSchemaCommitted, states(dataset.StateCreated), dataset.StateFinalized,
		[]Effect{EffectDeleteStaleIndexes, EffectBumpFinalizedAt, EffectBumpDataUpdatedAt}},
	{EventLinesIndexed, states(dataset.StateFinalized), dataset.StateFinalized, []Effect{EffectBumpDataUpdatedAt}},
	{EventSchemaEdited, states(dataset.StateFinalized), dataset.StateValidationUpdated, nil},
	{EventIndexSwapDone, states(dataset.StateValidationUpdated), dataset.StateFinalized,
		[]Effect{EffectDeleteStaleIndexes, EffectBumpFinalizedAt, EffectBumpDataUpdatedAt}},
	{EventFailed, states(dataset.StateCreated, dataset.StateValidationUpdated, dataset.StateFinalized), dataset.StateError, nil},
	{EventErrorPatched, states(dataset.StateError), dataset.StateCreated, nil},
}

// computed datasets: virtual and meta-only
var computedEdges = []edge{
	{EventSchemaCommitted, states(dataset.StateCreated), dataset.StateFinalized, []Effect{EffectBumpFinalizedAt}},
	{EventSchemaEdited, states(dataset.StateFinalized), dataset.StateCreated, nil},
	{EventFailed, states(dataset.StateCreated, dataset.StateFinalized), dataset.StateError, nil},
	{EventErrorPatched, states(dataset.StateError), dataset.StateCreated, nil},
}

func edgesFor(kind dataset.Kind) []edge {
	switch kind {
	case dataset.KindFile:
		return fileEdges
	case dataset.KindREST:
		return restEdges
	case dataset.KindVirtual, dataset.KindMetaOnly:
		return computedEdges
	}
	return nil
}

type edgeKey struct {
	event Event
	src   dataset.State
}

type table struct {
	events  fsm.Events
	effects map[edgeKey][]Effect
}

var (
	tablesOnce sync.Once
	tables     map[dataset.Kind]*table
)

func buildTables() {
	tables = make(map[dataset.Kind]*table)
	for _, kind := range []dataset.Kind{dataset.KindFile, dataset.KindREST, dataset.KindVirtual, dataset.KindMetaOnly} {
		t := &table{effects: make(map[edgeKey][]Effect)}
		for _, e := range edgesFor(kind) {
			src := make([]string, len(e.src))
			for i, s := range e.src {
				src[i] = string(s)
				t.effects[edgeKey{e.event, s}] = e.effects
			}
			t.events = append(t.events, fsm.EventDesc{Name: string(e.event), Src: src, Dst: string(e.dst)})
		}
		tables[kind] = t
	}
}

func tableFor(kind dataset.Kind) (*table, error) {
	tablesOnce.Do(buildTables)
	t, ok := tables[kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown dataset kind %q", ErrInvalidTransition, kind)
	}
	return t, nil
}

// Next returns the transition triggered by event in state. Every transition
// is journaled and fires hooks.
func Next(kind dataset.Kind, state dataset.State, event Event) (Transition, error) {
	t, err := tableFor(kind)
	if err != nil {
		return Transition{}, err
	}
	m := fsm.NewFSM(string(state), t.events, nil)
	if err := m.Event(context.Background(), string(event)); err != nil {
		// self transitions (finalized --lines-indexed--> finalized) are valid
		var same fsm.NoTransitionError
		if !errors.As(err, &same) {
			return Transition{}, fmt.Errorf("%w: %s dataset cannot take %s in state %s", ErrInvalidTransition, kind, event, state)
		}
	}
	effects := append([]Effect(nil), t.effects[edgeKey{event, state}]...)
	effects = append(effects, EffectJournal, EffectHook)
	return Transition{
		Kind:    kind,
		From:    state,
		To:      dataset.State(m.Current()),
		Event:   event,
		Effects: effects,
	}, nil
}

// Can reports whether event is accepted in state.
func Can(kind dataset.Kind, state dataset.State, event Event) bool {
	_, err := Next(kind, state, event)
	return err == nil
}

// Available lists the events accepted in state.
func Available(kind dataset.Kind, state dataset.State) []Event {
	t, err := tableFor(kind)
	if err != nil {
		return nil
	}
	m := fsm.NewFSM(string(state), t.events, nil)
	names := m.AvailableTransitions()
	out := make([]Event, 0, len(names))
	for _, n := range names {
		out = append(out, Event(n))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Graph renders the state machine of kind in graphviz format.
func Graph(kind dataset.Kind) (string, error) {
	t, err := tableFor(kind)
	if err != nil {
		return "", err
	}
	return fsm.Visualize(fsm.NewFSM(string(dataset.StateCreated), t.events, nil)), nil
}
