package dataset

import "strings"

// State is a dataset pipeline state. Draft states carry the "draft-" prefix
// and live on Dataset.Draft.Status; main states live on Dataset.Status.
type State string

const (
	StateCreated           State = "created"
	StateAnalyzed          State = "analyzed"
	StateSchematized       State = "schematized"
	StateValidationUpdated State = "validation-updated"
	StateValidated         State = "validated"
	StateIndexed           State = "indexed"
	StateFinalized         State = "finalized"
	StateError             State = "error"

	StateDraftCreated     State = "draft-created"
	StateDraftAnalyzed    State = "draft-analyzed"
	StateDraftSchematized State = "draft-schematized"
	StateDraftValidated   State = "draft-validated"
	StateDraftError       State = "draft-error"
)

const draftPrefix = "draft-"

func (s State) IsDraft() bool { return strings.HasPrefix(string(s), draftPrefix) }

// Base strips the draft prefix.
func (s State) Base() State { return State(strings.TrimPrefix(string(s), draftPrefix)) }

// Draft returns the draft counterpart of a main state.
func (s State) Draft() State {
	if s.IsDraft() {
		return s
	}
	return State(draftPrefix + string(s))
}

// actionable lists states that require dispatcher work. Finalized and
// error states wait for an external event; draft-validated waits for the
// owner when auto-validation was refused.
var actionable = []State{
	StateCreated,
	StateAnalyzed,
	StateSchematized,
	StateValidationUpdated,
	StateValidated,
	StateIndexed,
	StateDraftCreated,
	StateDraftAnalyzed,
	StateDraftSchematized,
}

func (s State) Actionable() bool {
	for _, a := range actionable {
		if a == s {
			return true
		}
	}
	return false
}

// ActionableStates returns the states the dispatcher queue is made of.
func ActionableStates() []State {
	out := make([]State, len(actionable))
	copy(out, actionable)
	return out
}

// NeedsWork reports whether the dispatcher has something to do for d.
func (d *Dataset) NeedsWork() bool {
	if d.State().Actionable() {
		return true
	}
	return d.Kind == KindREST && d.Status == StateFinalized && d.REST.PendingLines()
}
