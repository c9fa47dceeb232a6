package datafile

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// GeometryField is the name of the cell holding a feature's geometry as
// compact GeoJSON.
const GeometryField = "geometry"

// geoJSONReader streams the features of a FeatureCollection. Each feature's
// properties become cells, in document order, followed by its geometry.
type geoJSONReader struct {
	dec  *json.Decoder
	line int
	done bool
}

func newGeoJSONReader(r io.Reader) (*geoJSONReader, error) {
	dec := json.NewDecoder(bufio.NewReader(r))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, wrapData(FormatGeoJSON, err)
	}
	if tok != json.Delim('{') {
		return nil, wrapData(FormatGeoJSON, errors.New("root must be a FeatureCollection object"))
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, wrapData(FormatGeoJSON, err)
		}
		if tok == "features" {
			open, err := dec.Token()
			if err != nil {
				return nil, wrapData(FormatGeoJSON, err)
			}
			if open != json.Delim('[') {
				return nil, wrapData(FormatGeoJSON, errors.New("features must be an array"))
			}
			return &geoJSONReader{dec: dec}, nil
		}
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, wrapData(FormatGeoJSON, err)
		}
	}
	return nil, wrapData(FormatGeoJSON, errors.New("no features array found"))
}

func (r *geoJSONReader) Info() Info { return Info{Format: FormatGeoJSON, Encoding: "utf-8"} }

func (r *geoJSONReader) Close() error { return nil }

func (r *geoJSONReader) Next() (Record, error) {
	if r.done || !r.dec.More() {
		r.done = true
		return Record{}, io.EOF
	}
	var feat struct {
		Type       string          `json:"type"`
		Properties json.RawMessage `json:"properties"`
		Geometry   json.RawMessage `json:"geometry"`
	}
	if err := r.dec.Decode(&feat); err != nil {
		return Record{}, lineError(r.line+1, err)
	}
	if feat.Type != "" && feat.Type != "Feature" {
		return Record{}, lineError(r.line+1, fmt.Errorf("unexpected object of type %q in features", feat.Type))
	}
	var fields []Field
	props := bytes.TrimSpace(feat.Properties)
	if len(props) > 0 && props[0] == '{' {
		sub := json.NewDecoder(bytes.NewReader(props))
		sub.UseNumber()
		if _, err := sub.Token(); err != nil {
			return Record{}, lineError(r.line+1, err)
		}
		if err := readObject(sub, "", &fields); err != nil {
			return Record{}, lineError(r.line+1, err)
		}
	}
	geom := ""
	if g := bytes.TrimSpace(feat.Geometry); len(g) > 0 && !bytes.Equal(g, []byte("null")) {
		var buf bytes.Buffer
		if err := json.Compact(&buf, g); err != nil {
			return Record{}, lineError(r.line+1, err)
		}
		geom = buf.String()
	}
	fields = append(fields, Field{Name: GeometryField, Value: geom})
	r.line++
	return Record{Line: r.line, Fields: fields}, nil
}
