package schema

import (
	"fmt"
	"reflect"
	"strings"

	"datafair/internal/dataset"
)

// ChangeKind classifies a breaking change.
type ChangeKind string

const (
	ChangeRemoved  ChangeKind = "removed"
	ChangeType     ChangeKind = "type"
	ChangeRequired ChangeKind = "required"
)

// BreakingChange is one reason a new schema could invalidate indexed data or
// consumer expectations.
type BreakingChange struct {
	Key         string     `json:"key"`
	Kind        ChangeKind `json:"kind"`
	Description string     `json:"description"`
}

func (b BreakingChange) String() string { return b.Description }

// BreakingChanges lists the breaking differences from old to new. Adding a
// column or widening a type (integer to number, anything to plain string) is
// not breaking; narrowing or changing a type incompatibly is, as are removed
// required columns and columns becoming required.
//
// Calculated columns are ignored.
func BreakingChanges(old, new []dataset.Property) []BreakingChange {
	var out []BreakingChange
	for _, o := range dataset.DataProperties(old) {
		n := dataset.Find(new, o.Key)
		if n == nil {
			if o.Required {
				out = append(out, BreakingChange{
					Key:         o.Key,
					Kind:        ChangeRemoved,
					Description: fmt.Sprintf("required column %q was removed", o.Key),
				})
			}
			continue
		}
		if !widens(o, *n) {
			out = append(out, BreakingChange{
				Key:         o.Key,
				Kind:        ChangeType,
				Description: fmt.Sprintf("column %q changed from %s to %s", o.Key, typeLabel(o), typeLabel(*n)),
			})
		}
		if n.Required && !o.Required {
			out = append(out, BreakingChange{
				Key:         o.Key,
				Kind:        ChangeRequired,
				Description: fmt.Sprintf("column %q became required", o.Key),
			})
		}
	}
	for _, n := range dataset.DataProperties(new) {
		if n.Required && dataset.Find(old, n.Key) == nil {
			out = append(out, BreakingChange{
				Key:         n.Key,
				Kind:        ChangeRequired,
				Description: fmt.Sprintf("new column %q is required", n.Key),
			})
		}
	}
	return out
}

// widens reports whether every value valid for from is valid for to.
func widens(from, to dataset.Property) bool {
	if from.Type == to.Type && from.Format == to.Format {
		return true
	}
	if to.Type == dataset.TypeString && to.Format == "" {
		return true
	}
	if from.Type == dataset.TypeInteger && to.Type == dataset.TypeNumber {
		return true
	}
	if from.Type == dataset.TypeString && to.Type == dataset.TypeString &&
		from.Format == dataset.FormatDate && to.Format == dataset.FormatDateTime {
		return true
	}
	return false
}

func typeLabel(p dataset.Property) string {
	if p.Format != "" {
		return p.Type + "/" + p.Format
	}
	return p.Type
}

// FullyCompatible reports whether new describes exactly the same columns as
// old: same keys with the same type and format. With strict, descriptive
// fields (title, description, concept, separator, enum, required) must match
// too. Calculated columns are ignored.
func FullyCompatible(old, new []dataset.Property, strict bool) bool {
	o := dataset.DataProperties(old)
	n := dataset.DataProperties(new)
	if len(o) != len(n) {
		return false
	}
	for _, op := range o {
		np := dataset.Find(n, op.Key)
		if np == nil {
			return false
		}
		if op.Type != np.Type || op.Format != np.Format {
			return false
		}
		if !strict {
			continue
		}
		if op.Title != np.Title || op.Description != np.Description || op.RefersTo != np.RefersTo ||
			op.Separator != np.Separator || op.Required != np.Required || op.DateFormat != np.DateFormat ||
			!reflect.DeepEqual(op.Enum, np.Enum) {
			return false
		}
	}
	return true
}

// Describe joins change descriptions for journal and error messages.
func Describe(changes []BreakingChange) string {
	parts := make([]string, len(changes))
	for i, c := range changes {
		parts[i] = c.Description
	}
	return strings.Join(parts, "; ")
}

// Strings returns the change descriptions.
func Strings(changes []BreakingChange) []string {
	out := make([]string, len(changes))
	for i, c := range changes {
		out[i] = c.Description
	}
	return out
}
