package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"datafair/internal/apperr"
	"datafair/internal/dataset"
	"datafair/internal/sniff"
	"datafair/internal/store"
)

// WriteLines applies line writes to a REST dataset. The lines are stored
// at once; the dispatcher indexes them afterwards.
func (s *Service) WriteLines(ctx context.Context, id string, ops []store.LineOp) ([]store.Line, error) {
	if len(ops) == 0 {
		return nil, nil
	}
	ds, err := s.store.Datasets.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ds.Kind != dataset.KindREST {
		return nil, apperr.Dataf("dataset %s does not accept line writes", id)
	}
	if err := checkLineOps(ds.Schema, ops); err != nil {
		return nil, err
	}
	lines, err := s.store.Lines.Write(ctx, id, ops, store.WriteOptions{History: ds.REST.History, Now: s.now()})
	if err != nil {
		if isLineConflict(err) {
			return nil, apperr.NewData(err)
		}
		return nil, fmt.Errorf("write lines of %s: %w", id, err)
	}
	if _, err := s.store.Datasets.Update(ctx, id, func(d *dataset.Dataset) error {
		d.REST.LinesRevision++
		d.UpdatedAt = s.now()
		return nil
	}); err != nil {
		return nil, fmt.Errorf("bump lines revision of %s: %w", id, err)
	}
	s.log.Debug("lines written", "dataset", id, "ops", len(ops))
	return lines, nil
}

func isLineConflict(err error) bool {
	return errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound)
}

// checkLineOps rejects writes the index could not take: unknown or
// reserved keys and strings that do not parse as the column type.
func checkLineOps(sch []dataset.Property, ops []store.LineOp) error {
	props := map[string]dataset.Property{}
	for _, p := range dataset.DataProperties(sch) {
		props[p.Key] = p
	}
	var problems []string
	for i, op := range ops {
		if !op.Action.Valid() {
			problems = append(problems, fmt.Sprintf("write %d: unknown action %q", i, op.Action))
			continue
		}
		if op.Action == store.LineDelete {
			continue
		}
		for k, v := range op.Doc {
			if strings.HasPrefix(k, "_") {
				problems = append(problems, fmt.Sprintf("write %d: key %q is reserved", i, k))
				continue
			}
			p, ok := props[k]
			if !ok {
				problems = append(problems, fmt.Sprintf("write %d: unknown key %q", i, k))
				continue
			}
			if reason := badValue(p, v); reason != "" {
				problems = append(problems, fmt.Sprintf("write %d: %s", i, reason))
			}
		}
		if op.Action != store.LinePatch {
			for _, p := range props {
				if p.Required && op.Doc[p.Key] == nil {
					problems = append(problems, fmt.Sprintf("write %d: column %q is required", i, p.Key))
				}
			}
		}
	}
	if len(problems) > 0 {
		return apperr.Dataf("invalid line writes: %s", strings.Join(problems, "; "))
	}
	return nil
}

func badValue(p dataset.Property, v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		if x == "" || p.Type == dataset.TypeString && p.Format == "" {
			return ""
		}
		if sniff.Format(x, p) == nil {
			return fmt.Sprintf("%q is not a valid %s for %q", x, p.Type, p.Key)
		}
	case bool:
		if p.Type != dataset.TypeBoolean {
			return fmt.Sprintf("%q expects %s, got a boolean", p.Key, p.Type)
		}
	case float64, int, int64:
		if p.Type != dataset.TypeInteger && p.Type != dataset.TypeNumber {
			return fmt.Sprintf("%q expects %s, got a number", p.Key, p.Type)
		}
	default:
		return fmt.Sprintf("%q: unsupported value %v", p.Key, v)
	}
	return ""
}

// LineRevisions returns the write log of a line of a REST dataset with
// history enabled.
func (s *Service) LineRevisions(ctx context.Context, id, lineID string) ([]store.Revision, error) {
	ds, err := s.store.Datasets.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ds.Kind != dataset.KindREST || !ds.REST.History {
		return nil, apperr.Dataf("dataset %s keeps no line history", id)
	}
	return s.store.Lines.Revisions(ctx, id, lineID)
}
