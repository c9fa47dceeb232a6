package service

import (
	"context"
	"fmt"
	"slices"

	"datafair/internal/apperr"
	"datafair/internal/dataset"
	"datafair/internal/schema"
	"datafair/internal/workflow"
)

// CreateFileDataset stores up and creates a file dataset the pipeline will
// analyze.
func (s *Service) CreateFileDataset(ctx context.Context, m Meta, up Upload) (*dataset.Dataset, error) {
	ds, err := s.newDataset(m, dataset.KindFile)
	if err != nil {
		return nil, err
	}
	f, err := s.storeUpload(ctx, ds.ID, up)
	if err != nil {
		return nil, err
	}
	ds.OriginalFile = f
	out, err := s.insert(ctx, ds)
	if err != nil {
		s.removeUpload(ctx, ds.ID, f)
		return nil, err
	}
	return out, nil
}

// RESTOptions configures a REST dataset.
type RESTOptions struct {
	Schema []dataset.Property
	// History keeps a revision log of every line write.
	History bool
}

func (s *Service) CreateRESTDataset(ctx context.Context, m Meta, opts RESTOptions) (*dataset.Dataset, error) {
	if m.DraftValidationMode != "" {
		return nil, apperr.Dataf("drafts only exist for file datasets")
	}
	ds, err := s.newDataset(m, dataset.KindREST)
	if err != nil {
		return nil, err
	}
	sch, err := ownerSchema(opts.Schema)
	if err != nil {
		return nil, err
	}
	ds.Schema = sch
	ds.REST = &dataset.RESTConfig{History: opts.History}
	return s.insert(ctx, ds)
}

func (s *Service) CreateVirtualDataset(ctx context.Context, m Meta, cfg dataset.VirtualConfig) (*dataset.Dataset, error) {
	if m.DraftValidationMode != "" {
		return nil, apperr.Dataf("drafts only exist for file datasets")
	}
	ds, err := s.newDataset(m, dataset.KindVirtual)
	if err != nil {
		return nil, err
	}
	if err := checkVirtual(ds.ID, cfg); err != nil {
		return nil, err
	}
	ds.Virtual = &cfg
	return s.insert(ctx, ds)
}

func (s *Service) CreateMetaOnlyDataset(ctx context.Context, m Meta, props []dataset.Property) (*dataset.Dataset, error) {
	if m.DraftValidationMode != "" {
		return nil, apperr.Dataf("drafts only exist for file datasets")
	}
	ds, err := s.newDataset(m, dataset.KindMetaOnly)
	if err != nil {
		return nil, err
	}
	sch, err := ownerSchema(props)
	if err != nil {
		return nil, err
	}
	ds.Schema = sch
	return s.insert(ctx, ds)
}

// ownerSchema validates a schema written by an owner. Calculated columns
// are recomputed by the pipeline and dropped here.
func ownerSchema(props []dataset.Property) ([]dataset.Property, error) {
	out := make([]dataset.Property, 0, len(props))
	for _, p := range props {
		if p.Calculated {
			continue
		}
		out = append(out, p)
	}
	if err := schema.Check(out); err != nil {
		return nil, err
	}
	return out, nil
}

func checkVirtual(id string, cfg dataset.VirtualConfig) error {
	if len(cfg.Children) == 0 {
		return apperr.Dataf("a virtual dataset needs at least one child")
	}
	if slices.Contains(cfg.Children, id) {
		return apperr.Dataf("virtual dataset %s lists itself as a child", id)
	}
	for _, f := range cfg.Filters {
		if f.Key == "" || len(f.Values) == 0 {
			return apperr.Dataf("virtual filters need a key and values")
		}
	}
	return nil
}

// ReplaceOptions tunes ReplaceFile.
type ReplaceOptions struct {
	// Draft stages the file next to the live version instead of
	// reprocessing the dataset in place.
	Draft bool
}

// ReplaceFile hands a new file to a file dataset.
func (s *Service) ReplaceFile(ctx context.Context, id string, up Upload, opts ReplaceOptions) (*dataset.Dataset, error) {
	var out *dataset.Dataset
	err := s.locked(ctx, id, func() error {
		cur, err := s.store.Datasets.Get(ctx, id)
		if err != nil {
			return err
		}
		if cur.Kind != dataset.KindFile {
			return apperr.Dataf("dataset %s is a %s dataset, it has no file", id, cur.Kind)
		}
		if !opts.Draft && cur.Draft != nil {
			return fmt.Errorf("%w: %s has a draft, validate or cancel it first", ErrBusy, id)
		}
		f, err := s.storeUpload(ctx, id, up)
		if err != nil {
			return err
		}
		var tr workflow.Transition
		out, err = s.store.Datasets.Update(ctx, id, func(d *dataset.Dataset) error {
			var serr error
			if opts.Draft {
				if tr, serr = s.step(d, workflow.EventDraftFileReceived); serr != nil {
					return serr
				}
				// a superseded draft restarts from scratch
				d.Draft.OriginalFile = f
				d.Draft.File = nil
				d.Draft.Schema = nil
				d.Draft.BreakingChanges = nil
				d.Draft.Count = 0
				return nil
			}
			if tr, serr = s.step(d, workflow.EventFileReceived); serr != nil {
				return serr
			}
			d.OriginalFile = f
			return nil
		})
		if err != nil {
			s.removeUpload(ctx, id, f)
			return err
		}
		s.journalTransition(ctx, id, tr)
		return nil
	})
	return out, err
}

// PatchInput lists the changes of Patch. Nil fields are left alone.
type PatchInput struct {
	Title               *string
	Description         *string
	DraftValidationMode *string
	// Schema replaces the owner part of the schema. File datasets only
	// accept changes to existing columns.
	Schema  []dataset.Property
	Virtual *dataset.VirtualConfig
}

func (in PatchInput) reprocess() bool { return in.Schema != nil || in.Virtual != nil }

// Patch updates a dataset. Changes to the schema or the virtual config of
// a finalized dataset reprocess it; any patch of a dataset in error sends
// it back through the pipeline.
func (s *Service) Patch(ctx context.Context, id string, in PatchInput) (*dataset.Dataset, error) {
	if in.DraftValidationMode != nil && *in.DraftValidationMode != "" {
		if _, err := schema.ParseValidationMode(*in.DraftValidationMode); err != nil {
			return nil, apperr.NewData(err)
		}
	}
	var out *dataset.Dataset
	err := s.locked(ctx, id, func() error {
		var trs []workflow.Transition
		var err error
		out, err = s.store.Datasets.Update(ctx, id, func(d *dataset.Dataset) error {
			trs = trs[:0]
			if in.DraftValidationMode != nil && d.Kind != dataset.KindFile {
				return apperr.Dataf("drafts only exist for file datasets")
			}
			if in.Virtual != nil && d.Kind != dataset.KindVirtual {
				return apperr.Dataf("dataset %s is not virtual", id)
			}
			if in.Title != nil {
				if *in.Title == "" {
					return apperr.Dataf("a dataset needs a title")
				}
				d.Title = *in.Title
			}
			if in.Description != nil {
				d.Description = *in.Description
			}
			if in.DraftValidationMode != nil {
				d.DraftValidationMode = *in.DraftValidationMode
			}
			d.UpdatedAt = s.now()

			state := d.State()
			if state.Base() == dataset.StateError {
				if err := s.applyEdits(d, in); err != nil {
					return err
				}
				tr, err := s.step(d, workflow.EventErrorPatched)
				if err != nil {
					return err
				}
				trs = append(trs, tr)
				return nil
			}
			if !in.reprocess() {
				return nil
			}
			if state != dataset.StateFinalized {
				return fmt.Errorf("%w: %s is %s", ErrBusy, id, state)
			}
			if err := s.applyEdits(d, in); err != nil {
				return err
			}
			tr, err := s.step(d, workflow.EventSchemaEdited)
			if err != nil {
				return err
			}
			trs = append(trs, tr)
			return nil
		})
		if err != nil {
			return err
		}
		for _, tr := range trs {
			s.journalTransition(ctx, id, tr)
		}
		return nil
	})
	return out, err
}

func (s *Service) applyEdits(d *dataset.Dataset, in PatchInput) error {
	if in.Virtual != nil {
		if err := checkVirtual(d.ID, *in.Virtual); err != nil {
			return err
		}
		cfg := *in.Virtual
		d.Virtual = &cfg
	}
	if in.Schema == nil {
		return nil
	}
	switch d.Kind {
	case dataset.KindFile:
		sch, err := editFileSchema(d.Schema, in.Schema)
		if err != nil {
			return err
		}
		d.Schema = sch
	case dataset.KindVirtual:
		return apperr.Dataf("the schema of a virtual dataset comes from its children")
	default:
		sch, err := ownerSchema(in.Schema)
		if err != nil {
			return err
		}
		// calculated columns are recomputed from the new owner schema
		d.Schema = sch
	}
	return nil
}

// editFileSchema applies owner edits to the schema detected from a file.
// Columns come from the file: edits may retype or describe them, not add
// or remove them. Detection records and calculated columns are kept.
func editFileSchema(cur, edits []dataset.Property) ([]dataset.Property, error) {
	out := append([]dataset.Property(nil), cur...)
	for _, e := range edits {
		p := dataset.Find(out, e.Key)
		if p == nil {
			return nil, apperr.Dataf("column %q is not in the file", e.Key)
		}
		if p.Calculated {
			if !e.Calculated {
				return nil, apperr.Dataf("column %q is calculated and cannot be edited", e.Key)
			}
			continue
		}
		p.Title = e.Title
		p.Description = e.Description
		p.Type = e.Type
		p.Format = e.Format
		p.DateFormat = e.DateFormat
		p.Separator = e.Separator
		p.Enum = e.Enum
		p.Required = e.Required
		p.RefersTo = e.RefersTo
		p.Capabilities = e.Capabilities
	}
	if err := schema.Check(out); err != nil {
		return nil, err
	}
	return out, nil
}

// ValidateDraft promotes a validated draft the policy left to the owner.
func (s *Service) ValidateDraft(ctx context.Context, id string) (*dataset.Dataset, error) {
	return s.draftStep(ctx, id, workflow.EventDraftAccepted, func(d *dataset.Dataset) error {
		if d.Draft == nil || d.Draft.Status != dataset.StateDraftValidated {
			return fmt.Errorf("%w: %s has no validated draft", ErrBusy, id)
		}
		return nil
	})
}

// CancelDraft discards the draft and its uploads. The live version is left
// untouched.
func (s *Service) CancelDraft(ctx context.Context, id string) (*dataset.Dataset, error) {
	out, err := s.draftStep(ctx, id, workflow.EventDraftCancelled, func(d *dataset.Dataset) error {
		if d.Draft == nil {
			return apperr.Dataf("dataset %s has no draft", id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if n, err := s.pipe.CleanUploads(ctx, out); err != nil {
		s.log.Warn("draft uploads not removed", "dataset", id, "error", err)
	} else if n > 0 {
		s.log.Debug("draft uploads removed", "dataset", id, "dirs", n)
	}
	return out, nil
}

func (s *Service) draftStep(ctx context.Context, id string, ev workflow.Event, check func(*dataset.Dataset) error) (*dataset.Dataset, error) {
	var out *dataset.Dataset
	err := s.locked(ctx, id, func() error {
		var tr workflow.Transition
		var err error
		out, err = s.store.Datasets.Update(ctx, id, func(d *dataset.Dataset) error {
			if err := check(d); err != nil {
				return err
			}
			var serr error
			tr, serr = s.step(d, ev)
			return serr
		})
		if err != nil {
			return err
		}
		s.journalTransition(ctx, id, tr)
		return nil
	})
	return out, err
}
