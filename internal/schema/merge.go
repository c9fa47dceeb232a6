// Package schema reconciles detected file schemas with stored, user-edited
// schemas and decides whether a schema change is safe.
package schema

import (
	"fmt"
	"strings"

	"datafair/internal/apperr"
	"datafair/internal/dataset"
)

// MergeFileSchema merges a freshly detected file schema into the previously
// stored schema.
//
// For keys present in both, detection results are taken unless the user
// overrode type/format, and user-edited descriptive fields are carried
// forward. New columns are appended in file order. Columns absent from the
// file are dropped unless they are calculated or owned by an extension.
func MergeFileSchema(previous, detected []dataset.Property) []dataset.Property {
	out := make([]dataset.Property, 0, len(detected)+len(previous))
	seen := make(map[string]bool, len(detected))

	for _, d := range detected {
		seen[d.Key] = true
		p := dataset.Find(previous, d.Key)
		if p == nil {
			out = append(out, d)
			continue
		}
		if p.Calculated {
			// A file column cannot shadow a calculated key.
			continue
		}
		m := d
		if p.Overridden() || (p.Detected == nil && p.Type != "") {
			m.Type, m.Format, m.DateFormat = p.Type, p.Format, p.DateFormat
		}
		if p.Title != "" {
			m.Title = p.Title
		}
		if p.Description != "" {
			m.Description = p.Description
		}
		if p.RefersTo != "" {
			m.RefersTo = p.RefersTo
		}
		if p.Separator != "" {
			m.Separator = p.Separator
		}
		if len(p.Enum) > 0 {
			m.Enum = p.Enum
		}
		if len(p.Capabilities) > 0 {
			m.Capabilities = p.Capabilities
		}
		m.Required = m.Required || p.Required
		out = append(out, m)
	}

	for _, p := range previous {
		if seen[p.Key] {
			continue
		}
		if p.Calculated || p.Extension != "" {
			out = append(out, p)
		}
	}
	return Clean(out)
}

// Clean removes placeholder columns without a usable type and duplicate keys
// (the first occurrence wins).
func Clean(schema []dataset.Property) []dataset.Property {
	out := make([]dataset.Property, 0, len(schema))
	seen := make(map[string]bool, len(schema))
	for _, p := range schema {
		if p.Type == "" || p.Type == dataset.TypeEmpty || p.Key == "" || seen[p.Key] {
			continue
		}
		seen[p.Key] = true
		out = append(out, p)
	}
	return out
}

// CalculatedOptions selects the calculated columns added by WithCalculated.
type CalculatedOptions struct {
	REST        bool
	Attachments bool
}

// WithCalculated returns schema with the machine-computed columns appended
// when missing.
func WithCalculated(schema []dataset.Property, opts CalculatedOptions) []dataset.Property {
	calc := []dataset.Property{
		{Key: dataset.KeyID, Type: dataset.TypeString, Title: "Identifiant", Calculated: true},
		{Key: dataset.KeyOrdinal, Type: dataset.TypeInteger, Title: "Numéro de ligne", Calculated: true},
		{Key: dataset.KeyRand, Type: dataset.TypeInteger, Title: "Nombre aléatoire", Calculated: true},
	}
	if opts.REST {
		calc = append(calc, dataset.Property{Key: dataset.KeyUpdatedAt, Type: dataset.TypeString, Format: dataset.FormatDateTime, Title: "Date de mise à jour", Calculated: true})
	}
	if opts.Attachments {
		calc = append(calc, dataset.Property{Key: dataset.KeyAttachmentURL, Type: dataset.TypeString, Format: dataset.FormatURIRef, Title: "Pièce jointe", Calculated: true})
	}
	out := append([]dataset.Property(nil), schema...)
	for _, c := range calc {
		if dataset.Find(out, c.Key) == nil {
			out = append(out, c)
		}
	}
	return out
}

var knownTypes = map[string]bool{
	dataset.TypeString:  true,
	dataset.TypeInteger: true,
	dataset.TypeNumber:  true,
	dataset.TypeBoolean: true,
}

var knownFormats = map[string]bool{
	"":                     true,
	dataset.FormatDate:     true,
	dataset.FormatDateTime: true,
	dataset.FormatURIRef:   true,
}

// Check validates a schema submitted by an owner. Errors are data errors.
func Check(schema []dataset.Property) error {
	seen := make(map[string]bool, len(schema))
	var problems []string
	for i, p := range schema {
		switch {
		case p.Key == "":
			problems = append(problems, fmt.Sprintf("property %d has no key", i))
			continue
		case seen[p.Key]:
			problems = append(problems, fmt.Sprintf("duplicate key %q", p.Key))
		case strings.HasPrefix(p.Key, "_") && !p.Calculated:
			problems = append(problems, fmt.Sprintf("key %q uses the reserved underscore prefix", p.Key))
		}
		seen[p.Key] = true
		if !knownTypes[p.Type] {
			problems = append(problems, fmt.Sprintf("property %q has unknown type %q", p.Key, p.Type))
		}
		if !knownFormats[p.Format] {
			problems = append(problems, fmt.Sprintf("property %q has unknown format %q", p.Key, p.Format))
		}
		if p.Format != "" && p.Type != dataset.TypeString {
			problems = append(problems, fmt.Sprintf("property %q: format %q requires type string", p.Key, p.Format))
		}
	}
	if len(problems) > 0 {
		return apperr.Dataf("invalid schema: %s", strings.Join(problems, "; "))
	}
	return nil
}
