package workflow

import (
	"fmt"
	"time"

	"datafair/internal/apperr"
	"datafair/internal/dataset"
)

// Apply writes tr onto ds: the new status (or draft status), the error
// cause, draft promotion or discard and the timestamp bumps. Timestamps
// never move backwards. Apply refuses a transition computed from a state
// the dataset is no longer in.
func Apply(ds *dataset.Dataset, tr Transition, now time.Time) error {
	if cur := ds.State(); cur != tr.From {
		return fmt.Errorf("%w: dataset %s is %s, transition starts from %s", ErrInvalidTransition, ds.ID, cur, tr.From)
	}
	if tr.From.IsDraft() && ds.Draft == nil {
		return apperr.Invariantf("dataset %s: draft state %s without draft", ds.ID, tr.From)
	}

	switch {
	case tr.Has(EffectPromoteDraft):
		promote(ds)
	case tr.Has(EffectDiscardDraft):
		ds.Draft = nil
	}

	if tr.To.IsDraft() {
		if ds.Draft == nil {
			ds.Draft = &dataset.Draft{CreatedAt: now}
		}
		ds.Draft.Status = tr.To
		ds.Draft.ErrorCause = causeFor(tr)
	} else {
		ds.Status = tr.To
		ds.ErrorCause = causeFor(tr)
	}

	if tr.Has(EffectBumpFinalizedAt) {
		ds.FinalizedAt = later(ds.FinalizedAt, now)
	}
	if tr.Has(EffectBumpDataUpdatedAt) {
		ds.DataUpdatedAt = later(ds.DataUpdatedAt, now)
	}
	ds.UpdatedAt = later(ds.UpdatedAt, now)
	ds.WaitUntil = time.Time{}
	return nil
}

func causeFor(tr Transition) string {
	if tr.To.Base() != dataset.StateError {
		return ""
	}
	if tr.Cause == "" {
		return "unknown error during " + string(tr.From)
	}
	return tr.Cause
}

// promote moves the draft file and schema onto the main document.
func promote(ds *dataset.Dataset) {
	d := ds.Draft
	if d.File != nil {
		ds.File = d.File
	}
	if d.OriginalFile != nil {
		ds.OriginalFile = d.OriginalFile
	}
	if d.Schema != nil {
		ds.Schema = d.Schema
	}
	if d.Count > 0 {
		ds.Count = d.Count
	}
	ds.Draft = nil
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

// Step computes and applies the transition of event on ds.
func Step(ds *dataset.Dataset, event Event, cause string, now time.Time) (Transition, error) {
	tr, err := Next(ds.Kind, ds.State(), event)
	if err != nil {
		return Transition{}, err
	}
	tr.Cause = cause
	if err := Apply(ds, tr, now); err != nil {
		return Transition{}, err
	}
	return tr, nil
}
