package schema

import (
	"fmt"

	"datafair/internal/dataset"
)

// ValidationMode is the policy deciding whether a validated draft replaces
// the live version without the owner's confirmation.
type ValidationMode string

const (
	ModeAlways           ValidationMode = "always"
	ModeNever            ValidationMode = "never"
	ModeNoBreakingChange ValidationMode = "noBreakingChange"
	ModeCompatible       ValidationMode = "compatible"
)

func ParseValidationMode(s string) (ValidationMode, error) {
	switch m := ValidationMode(s); m {
	case ModeAlways, ModeNever, ModeNoBreakingChange, ModeCompatible:
		return m, nil
	}
	return "", fmt.Errorf("unknown draft validation mode %q (want always|never|noBreakingChange|compatible)", s)
}

// Decision is the outcome of the draft policy.
type Decision struct {
	AutoValidate bool
	Breaking     []BreakingChange
	Compatible   bool
	Reason       string
}

// AutoValidate applies mode to a draft schema replacing main.
//
//	mode             | breaking change | not fully compatible | otherwise
//	never            | refuse          | refuse               | refuse
//	always           | refuse          | accept               | accept
//	noBreakingChange | refuse          | accept               | accept
//	compatible       | refuse          | refuse               | accept
//
// A breaking change always blocks auto-validation.
func AutoValidate(mode ValidationMode, main, draft []dataset.Property) Decision {
	d := Decision{
		Breaking:   BreakingChanges(main, draft),
		Compatible: FullyCompatible(main, draft, false),
	}
	switch {
	case mode == ModeNever:
		d.Reason = "draft validation mode is never"
	case len(d.Breaking) > 0:
		d.Reason = "breaking changes: " + Describe(d.Breaking)
	case mode == ModeCompatible && !d.Compatible:
		d.Reason = "draft schema is not fully compatible with the live schema"
	default:
		d.AutoValidate = true
	}
	return d
}
