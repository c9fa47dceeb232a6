package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"datafair/internal/datafile"
	"datafair/internal/datasource"
	"datafair/internal/datasource/file"
	"datafair/internal/datasource/httpds"
	"datafair/internal/dataset"
	"datafair/internal/sniff"
)

// report is the printed outcome for one reference.
type report struct {
	Source    string             `json:"source"`
	Name      string             `json:"name"`
	Format    string             `json:"format"`
	Encoding  string             `json:"encoding,omitempty"`
	Delimiter string             `json:"delimiter,omitempty"`
	Rows      int64              `json:"rows"`
	Truncated bool               `json:"truncated,omitempty"`
	Schema    []dataset.Property `json:"schema"`
}

type profiler struct {
	remote      *httpds.Client
	maxBytes    int
	sampleSize  int
	dateFormats []string
}

func splitComma(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// open returns the data of ref, cut to maxBytes when set. Remote files are
// then fetched with a range request.
func (p *profiler) open(ctx context.Context, ref string) (*datasource.Fetched, error) {
	if datasource.IsURL(ref) && p.maxBytes > 0 {
		b, err := p.remote.FetchFirstBytes(ctx, ref, p.maxBytes)
		if err != nil {
			return nil, err
		}
		name := httpds.FilenameFromURL(ref)
		return &datasource.Fetched{
			Body:     io.NopCloser(bytes.NewReader(b)),
			Name:     name,
			MimeType: datasource.MimeByName(name),
			Size:     int64(len(b)),
		}, nil
	}
	var src datasource.Source = file.NewLocal(ref)
	if datasource.IsURL(ref) {
		src = p.remote.Source(ref)
	}
	f, err := src.Open(ctx)
	if err != nil {
		return nil, err
	}
	if p.maxBytes > 0 {
		f.Body = struct {
			io.Reader
			io.Closer
		}{io.LimitReader(f.Body, int64(p.maxBytes)), f.Body}
	}
	return f, nil
}

func (p *profiler) profile(ctx context.Context, ref string) (*report, error) {
	f, err := p.open(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer f.Body.Close()

	spec, err := datafile.Detect(f.Name, f.MimeType)
	if err != nil {
		return nil, err
	}
	if !spec.Format.Tabular() {
		return nil, fmt.Errorf("%s is a %s archive, sniff the data file it holds", f.Name, spec.Format)
	}
	r, err := datafile.Open(f.Body, spec, datafile.Options{})
	if err != nil {
		return nil, err
	}
	defer r.Close()

	size := p.sampleSize
	if size <= 0 {
		size = 4000
	}
	rep := &report{Source: ref, Name: f.Name}
	sampler := sniff.NewSampler(size)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// a cut file ends on a partial record
			if p.maxBytes > 0 && rep.Rows > 0 {
				rep.Truncated = true
				break
			}
			return nil, err
		}
		rep.Rows++
		for _, fl := range rec.Fields {
			sampler.Observe(fl.Name, fl.Value)
		}
	}

	info := r.Info()
	rep.Format = string(info.Format)
	rep.Encoding = info.Encoding
	rep.Delimiter = info.Delimiter

	cols := sampler.Columns()
	keys := sniff.UniqueKeys(cols)
	rep.Schema = make([]dataset.Property, 0, len(cols))
	for i, col := range cols {
		res, err := sniff.Sniff(sampler.Values(col), nil, sniff.Options{DateFormats: p.dateFormats})
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", col, err)
		}
		rep.Schema = append(rep.Schema, dataset.Property{
			Key:          keys[i],
			OriginalName: col,
			Type:         res.Type,
			Format:       res.Format,
			DateFormat:   res.DateFormat,
			RefersTo:     res.RefersTo,
		})
	}
	return rep, nil
}
