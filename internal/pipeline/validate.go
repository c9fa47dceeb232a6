package pipeline

import (
	"context"
	"fmt"
	"strings"

	"datafair/internal/apperr"
	"datafair/internal/datafile"
	"datafair/internal/dataset"
	"datafair/internal/schema"
	"datafair/internal/sniff"
	"datafair/internal/store"
	"datafair/internal/workflow"
)

// schematize merges the detected file schema into the stored one. A draft
// starts from the main schema so owner edits survive a file replacement.
func (p *Pipeline) schematize(ctx context.Context, ds *dataset.Dataset) (Outcome, error) {
	f := ds.WorkingFile()
	if f == nil {
		return Outcome{}, apperr.Invariantf("dataset %s: schematize without analyzed file", ds.ID)
	}
	previous := ds.WorkingSchema()
	if ds.Draft != nil && previous == nil {
		previous = ds.Schema
	}
	merged := schema.MergeFileSchema(previous, f.Schema)
	merged = schema.WithCalculated(merged, schema.CalculatedOptions{Attachments: len(f.Attachments) > 0})
	if err := schema.Check(merged); err != nil {
		return Outcome{}, err
	}
	p.logFor(ds, StageSchematize).Debug("schema merged", "properties", len(merged))
	return Outcome{
		Events: events(workflow.EventSchemaCommitted),
		Patch: func(d *dataset.Dataset) error {
			d.SetWorkingSchema(merged)
			return nil
		},
	}, nil
}

type violations struct {
	count   int
	samples []string
	limit   int
}

func (v *violations) add(format string, args ...any) {
	v.count++
	if len(v.samples) < v.limit {
		v.samples = append(v.samples, fmt.Sprintf(format, args...))
	}
}

func (v *violations) String() string {
	noun := "values do"
	if v.count == 1 {
		noun = "value does"
	}
	s := fmt.Sprintf("%d %s not match the schema: %s", v.count, noun, strings.Join(v.samples, "; "))
	if more := v.count - len(v.samples); more > 0 {
		s += fmt.Sprintf("; and %d more", more)
	}
	return s
}

func inEnum(enum []string, v string) bool {
	for _, e := range enum {
		if e == v {
			return true
		}
	}
	return false
}

// validate checks every value of the working file against the working
// schema. For a draft it then applies the draft validation policy.
func (p *Pipeline) validate(ctx context.Context, ds *dataset.Dataset) (Outcome, error) {
	f := ds.WorkingFile()
	sch := ds.WorkingSchema()
	if f == nil || len(sch) == 0 {
		return Outcome{}, apperr.Invariantf("dataset %s: validate without file or schema", ds.ID)
	}
	log := p.logFor(ds, StageValidate)
	cols := columns(sch)
	bad := &violations{limit: p.opts.ErrorSamples}
	var rows int64
	err := p.eachRecord(ctx, f, func(rec datafile.Record) error {
		rows++
		for _, field := range rec.Fields {
			prop, ok := cols[field.Name]
			if !ok {
				continue
			}
			raw := strings.TrimSpace(field.Value)
			if raw == "" {
				if prop.Required {
					bad.add("line %d: column %q is required", rec.Line, prop.Key)
				}
				continue
			}
			if sniff.Format(raw, prop) == nil {
				bad.add("line %d: %q is not a valid %s for column %q", rec.Line, raw, typeLabel(prop), prop.Key)
				continue
			}
			if len(prop.Enum) > 0 && !inEnum(prop.Enum, raw) {
				bad.add("line %d: %q is not an allowed value for column %q", rec.Line, raw, prop.Key)
			}
		}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	if bad.count > 0 {
		log.Info("validation failed", "rows", rows, "violations", bad.count)
		return Outcome{Events: events(workflow.EventValidationFailed), Cause: bad.String()}, nil
	}
	log.Debug("validation passed", "rows", rows)
	if ds.Draft == nil {
		return Outcome{Events: events(workflow.EventValidationPassed)}, nil
	}

	mode := p.opts.DraftValidationMode
	if ds.DraftValidationMode != "" {
		m, err := schema.ParseValidationMode(ds.DraftValidationMode)
		if err != nil {
			return Outcome{}, apperr.NewData(err)
		}
		mode = m
	}
	decision := schema.AutoValidate(mode, dataset.DataProperties(ds.Schema), dataset.DataProperties(ds.Draft.Schema))
	out := Outcome{
		Events: events(workflow.EventValidationPassed),
		Patch: func(d *dataset.Dataset) error {
			d.Draft.ValidationMode = string(mode)
			d.Draft.BreakingChanges = schema.Strings(decision.Breaking)
			d.Draft.Count = rows
			return nil
		},
	}
	if decision.AutoValidate {
		out.Events = append(out.Events, workflow.EventDraftAccepted)
		log.Info("draft validated automatically", "mode", string(mode))
	} else {
		out.Notes = append(out.Notes, store.Event{Type: store.EventDraftPending, Data: decision.Reason, Draft: true})
		log.Info("draft waits for the owner", "mode", string(mode), "reason", decision.Reason)
	}
	return out, nil
}

func typeLabel(p dataset.Property) string {
	if p.Format != "" {
		return p.Format
	}
	return p.Type
}
