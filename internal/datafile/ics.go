package datafile

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"time"
)

// icsReader turns each VEVENT of an iCalendar file into a record. Property
// names become cell names; date properties are rewritten as ISO 8601 so the
// sniffer types them like any other date column.
type icsReader struct {
	sc      *bufio.Scanner
	line    int
	pending string
	eof     bool
}

func newICSReader(r io.Reader) *icsReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &icsReader{sc: sc}
}

func (r *icsReader) Info() Info { return Info{Format: FormatICS, Encoding: "utf-8"} }

func (r *icsReader) Close() error { return nil }

// nextLine returns the next unfolded content line.
func (r *icsReader) nextLine() (string, bool) {
	if r.eof && r.pending == "" {
		return "", false
	}
	for !r.eof {
		if !r.sc.Scan() {
			r.eof = true
			break
		}
		raw := strings.TrimRight(r.sc.Text(), "\r")
		if strings.HasPrefix(raw, " ") || strings.HasPrefix(raw, "\t") {
			r.pending += raw[1:]
			continue
		}
		if r.pending == "" {
			r.pending = raw
			continue
		}
		out := r.pending
		r.pending = raw
		return out, true
	}
	out := r.pending
	r.pending = ""
	return out, out != ""
}

var icsDateProps = map[string]bool{
	"DTSTART":       true,
	"DTEND":         true,
	"DTSTAMP":       true,
	"CREATED":       true,
	"LAST-MODIFIED": true,
	"RECURRENCE-ID": true,
}

func (r *icsReader) Next() (Record, error) {
	var (
		fields  []Field
		inEvent bool
		depth   int
	)
	for {
		line, ok := r.nextLine()
		if !ok {
			if err := r.sc.Err(); err != nil {
				return Record{}, lineError(r.line+1, err)
			}
			if inEvent {
				return Record{}, lineError(r.line+1, errUnterminatedEvent)
			}
			return Record{}, io.EOF
		}
		name, value := splitICSLine(line)
		switch {
		case name == "BEGIN" && value == "VEVENT":
			inEvent, fields, depth = true, nil, 0
			continue
		case name == "END" && value == "VEVENT" && inEvent:
			r.line++
			return Record{Line: r.line, Fields: fields}, nil
		case !inEvent:
			continue
		case name == "BEGIN":
			// nested components (VALARM) are skipped
			depth++
			continue
		case name == "END":
			depth--
			continue
		case depth > 0:
			continue
		}
		if icsDateProps[name] {
			value = icsDateToISO(value)
		} else {
			value = unescapeICS(value)
		}
		if i := fieldIndex(fields, name); i >= 0 {
			fields[i].Value += ";" + value
			continue
		}
		fields = append(fields, Field{Name: name, Value: value})
	}
}

var errUnterminatedEvent = errors.New("unterminated VEVENT")

func fieldIndex(fields []Field, name string) int {
	for i, f := range fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// splitICSLine splits "NAME;PARAM=x:VALUE" into upper-cased NAME and VALUE.
// Colons inside quoted parameter values are not separators.
func splitICSLine(line string) (string, string) {
	inQuotes := false
	for i, c := range line {
		switch c {
		case '"':
			inQuotes = !inQuotes
		case ':':
			if !inQuotes {
				head := line[:i]
				if j := strings.IndexByte(head, ';'); j >= 0 {
					head = head[:j]
				}
				return strings.ToUpper(strings.TrimSpace(head)), line[i+1:]
			}
		}
	}
	return strings.ToUpper(strings.TrimSpace(line)), ""
}

func unescapeICS(s string) string {
	r := strings.NewReplacer(`\n`, "\n", `\N`, "\n", `\,`, ",", `\;`, ";", `\\`, `\`)
	return r.Replace(s)
}

func icsDateToISO(v string) string {
	v = strings.TrimSpace(v)
	if t, err := time.Parse("20060102T150405Z", v); err == nil {
		return t.Format(time.RFC3339)
	}
	if t, err := time.Parse("20060102T150405", v); err == nil {
		return t.Format("2006-01-02T15:04:05")
	}
	if t, err := time.Parse("20060102", v); err == nil {
		return t.Format("2006-01-02")
	}
	return v
}
