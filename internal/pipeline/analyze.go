package pipeline

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"

	"github.com/zeebo/xxh3"

	"datafair/internal/apperr"
	"datafair/internal/datafile"
	"datafair/internal/dataset"
	"datafair/internal/sniff"
	"datafair/internal/workflow"
)

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(b []byte) (int, error) {
	n, err := c.r.Read(b)
	c.n += int64(n)
	return n, err
}

// analyze reads the uploaded file once, unpacking archives, samples every
// column and records the detected schema on the working file.
func (p *Pipeline) analyze(ctx context.Context, ds *dataset.Dataset) (Outcome, error) {
	orig := ds.OriginalFile
	if ds.Draft != nil {
		orig = ds.Draft.OriginalFile
	}
	if orig == nil {
		return Outcome{}, apperr.Invariantf("dataset %s: nothing to analyze", ds.ID)
	}
	log := p.logFor(ds, StageAnalyze)

	spec, err := datafile.Detect(orig.Name, orig.MimeType)
	if err != nil {
		return Outcome{}, err
	}

	file := dataset.FileInfo{Name: orig.Name, Path: orig.Path, Size: orig.Size, MimeType: orig.MimeType}
	if spec.Format == datafile.FormatZIP {
		extracted, attachments, hash, err := p.unpackArchive(ctx, orig)
		if err != nil {
			return Outcome{}, err
		}
		file = extracted
		file.Attachments = attachments
		file.Hash = hash
	}

	obj, err := p.read(ctx, file.Path)
	if err != nil {
		return Outcome{}, err
	}
	defer obj.Body.Close()
	h := xxh3.New()
	counted := &countingReader{r: io.TeeReader(obj.Body, h)}

	dataSpec, err := datafile.Detect(file.Name, file.MimeType)
	if err != nil {
		return Outcome{}, err
	}
	r, err := datafile.Open(counted, dataSpec, datafile.Options{})
	if err != nil {
		return Outcome{}, err
	}
	defer r.Close()

	sampler := sniff.NewSampler(p.opts.SampleSize)
	var rows int64
	err = datafile.Each(ctx, r, func(rec datafile.Record) error {
		rows++
		for _, f := range rec.Fields {
			sampler.Observe(f.Name, f.Value)
		}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	// the hash covers the whole file, not only what the reader consumed
	if _, err := io.Copy(io.Discard, counted); err != nil {
		return Outcome{}, fmt.Errorf("read %s: %w", file.Path, err)
	}

	cols := sampler.Columns()
	keys := sniff.UniqueKeys(cols)
	detected := make([]dataset.Property, 0, len(cols))
	for i, col := range cols {
		res, err := sniff.Sniff(sampler.Values(col), file.Attachments, p.sniffOptions())
		if err != nil {
			return Outcome{}, apperr.Dataf("column %q: %v", col, err)
		}
		detected = append(detected, dataset.Property{
			Key:          keys[i],
			OriginalName: col,
			Type:         res.Type,
			Format:       res.Format,
			DateFormat:   res.DateFormat,
			RefersTo:     res.RefersTo,
			Detected:     res.Detection(),
		})
	}

	info := r.Info()
	if file.Hash == "" {
		file.Hash = strconv.FormatUint(h.Sum64(), 16)
	}
	file.Size = counted.n
	file.Format = string(info.Format)
	file.Encoding = info.Encoding
	file.Delimiter = info.Delimiter
	file.Rows = rows
	file.Schema = detected

	log.Info("file analyzed",
		"file", file.Name,
		"format", file.Format,
		"rows", rows,
		"columns", len(cols),
		"attachments", len(file.Attachments),
	)
	return Outcome{
		Events: events(workflow.EventAnalysisDone),
		Patch: func(d *dataset.Dataset) error {
			f := file
			d.SetWorkingFile(&f)
			return nil
		},
	}, nil
}

// unpackArchive extracts the data file of a zip archive next to it and its
// other entries under attachments/. It returns the data file, the
// attachment names and the hash of the archive.
func (p *Pipeline) unpackArchive(ctx context.Context, orig *dataset.FileInfo) (dataset.FileInfo, []string, string, error) {
	dir := path.Dir(orig.Path)

	// first pass: list entries to pick the data file
	obj, err := p.read(ctx, orig.Path)
	if err != nil {
		return dataset.FileInfo{}, nil, "", err
	}
	h := xxh3.New()
	var names []string
	err = datafile.Unpack(ctx, io.TeeReader(obj.Body, h), func(e datafile.Entry, _ io.Reader) error {
		names = append(names, e.Name)
		return nil
	})
	_ = obj.Body.Close()
	if err != nil {
		return dataset.FileInfo{}, nil, "", err
	}
	dataName, err := datafile.PickDataFile(names)
	if err != nil {
		return dataset.FileInfo{}, nil, "", err
	}

	obj, err = p.read(ctx, orig.Path)
	if err != nil {
		return dataset.FileInfo{}, nil, "", err
	}
	defer obj.Body.Close()
	file := dataset.FileInfo{Name: path.Base(dataName), Path: path.Join(dir, "extracted", path.Base(dataName))}
	var attachments []string
	err = datafile.Unpack(ctx, obj.Body, func(e datafile.Entry, body io.Reader) error {
		target := path.Join(dir, datafile.AttachmentPath(e.Name))
		if e.Name == dataName {
			target = file.Path
		} else {
			attachments = append(attachments, e.Name)
		}
		n, err := p.deps.Files.WriteStream(ctx, target, body)
		if err != nil {
			return fmt.Errorf("store %s: %w", e.Name, err)
		}
		if e.Name == dataName {
			file.Size = n
		}
		return nil
	})
	if err != nil {
		return dataset.FileInfo{}, nil, "", err
	}
	sort.Strings(attachments)
	return file, attachments, strconv.FormatUint(h.Sum64(), 16), nil
}
