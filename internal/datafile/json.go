package datafile

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// jsonReader streams objects from a root array ([{...},{...}]), an NDJSON
// stream, or a root object holding the records in its first array-of-objects
// field ({"results": [...]}). A root object without such a field is a single
// record. Key order inside each object is preserved; nested objects are
// flattened with dotted names and arrays are kept as compact JSON.
type jsonReader struct {
	dec    *json.Decoder
	format Format
	line   int
	// inArray is set while iterating the elements of a record array.
	inArray bool
	// pending holds records decoded ahead (single-record root).
	pending []Record
	done    bool
}

func newJSONReader(r io.Reader, format Format) (*jsonReader, error) {
	dec := json.NewDecoder(bufio.NewReader(r))
	dec.UseNumber()
	jr := &jsonReader{dec: dec, format: format}
	if format == FormatNDJSON {
		return jr, nil
	}

	tok, err := dec.Token()
	if errors.Is(err, io.EOF) {
		jr.done = true
		return jr, nil
	}
	if err != nil {
		return nil, wrapData(format, err)
	}
	switch tok {
	case json.Delim('['):
		jr.inArray = true
	case json.Delim('{'):
		fields, arrays, err := readObjectWithArrays(dec)
		if err != nil {
			return nil, wrapData(format, err)
		}
		if raw, ok := firstObjectArray(arrays); ok {
			sub := json.NewDecoder(bytes.NewReader(raw))
			sub.UseNumber()
			if _, err := sub.Token(); err != nil {
				return nil, wrapData(format, err)
			}
			jr.dec = sub
			jr.inArray = true
		} else {
			jr.pending = []Record{{Line: 1, Fields: fields}}
			jr.line = 1
			jr.done = true
		}
	default:
		return nil, wrapData(format, fmt.Errorf("unsupported root value %v (want object or array)", tok))
	}
	return jr, nil
}

func (r *jsonReader) Info() Info { return Info{Format: r.format, Encoding: "utf-8"} }

func (r *jsonReader) Close() error { return nil }

func (r *jsonReader) Next() (Record, error) {
	if len(r.pending) > 0 {
		rec := r.pending[0]
		r.pending = r.pending[1:]
		return rec, nil
	}
	if r.done {
		return Record{}, io.EOF
	}
	if r.inArray && !r.dec.More() {
		r.done = true
		return Record{}, io.EOF
	}
	tok, err := r.dec.Token()
	if errors.Is(err, io.EOF) && r.format == FormatNDJSON {
		r.done = true
		return Record{}, io.EOF
	}
	if err != nil {
		return Record{}, lineError(r.line+1, err)
	}
	if tok != json.Delim('{') {
		return Record{}, lineError(r.line+1, fmt.Errorf("expected an object, got %v", tok))
	}
	var fields []Field
	if err := readObject(r.dec, "", &fields); err != nil {
		return Record{}, lineError(r.line+1, err)
	}
	r.line++
	return Record{Line: r.line, Fields: fields}, nil
}

type namedRaw struct {
	name string
	raw  json.RawMessage
}

// readObjectWithArrays reads a root object (opening brace consumed) and
// also returns its top-level array values so an envelope can be detected.
func readObjectWithArrays(dec *json.Decoder) ([]Field, []namedRaw, error) {
	var fields []Field
	var arrays []namedRaw
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, nil, fmt.Errorf("expected object key, got %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, nil, err
		}
		raw = bytes.TrimSpace(raw)
		if len(raw) > 0 && raw[0] == '[' {
			arrays = append(arrays, namedRaw{name: key, raw: raw})
		}
		if err := appendValue(key, raw, &fields); err != nil {
			return nil, nil, err
		}
	}
	if _, err := dec.Token(); err != nil {
		return nil, nil, err
	}
	return fields, arrays, nil
}

// firstObjectArray returns the first array whose first element is an object.
func firstObjectArray(arrays []namedRaw) (json.RawMessage, bool) {
	for _, a := range arrays {
		inner := bytes.TrimSpace(a.raw[1:])
		if len(inner) > 0 && inner[0] == '{' {
			return a.raw, true
		}
	}
	return nil, false
}

// readObject reads object members (opening brace consumed) into out.
func readObject(dec *json.Decoder, prefix string, out *[]Field) error {
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("expected object key, got %v", tok)
		}
		name := key
		if prefix != "" {
			name = prefix + "." + key
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		if err := appendValue(name, bytes.TrimSpace(raw), out); err != nil {
			return err
		}
	}
	_, err := dec.Token()
	return err
}

func appendValue(name string, raw json.RawMessage, out *[]Field) error {
	if len(raw) == 0 {
		*out = append(*out, Field{Name: name})
		return nil
	}
	switch raw[0] {
	case '{':
		sub := json.NewDecoder(bytes.NewReader(raw))
		sub.UseNumber()
		if _, err := sub.Token(); err != nil {
			return err
		}
		return readObject(sub, name, out)
	case '[':
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return err
		}
		*out = append(*out, Field{Name: name, Value: buf.String()})
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		*out = append(*out, Field{Name: name, Value: s})
	case 'n':
		*out = append(*out, Field{Name: name})
	default:
		// numbers and booleans keep their literal text
		*out = append(*out, Field{Name: name, Value: string(raw)})
	}
	return nil
}
