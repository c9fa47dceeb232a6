package datafile

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

const (
	utf8BOM    = "\uFEFF"
	peekWindow = 64 * 1024
)

type csvReader struct {
	cr      *csv.Reader
	headers []string
	line    int
	info    Info
}

// newCSVReader reads a delimited text file. The first record is the header.
// A UTF-8 BOM is stripped; input that is not valid UTF-8 is decoded as
// Windows-1252, the usual encoding of spreadsheet exports.
func newCSVReader(r io.Reader, delim rune, format Format) (*csvReader, error) {
	br := bufio.NewReaderSize(r, peekWindow)
	head, err := br.Peek(peekWindow)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, wrapData(format, err)
	}

	info := Info{Format: format, Encoding: "utf-8"}
	var src io.Reader = br
	switch {
	case bytes.HasPrefix(head, []byte(utf8BOM)):
		_, _ = br.Discard(len(utf8BOM))
		head = head[len(utf8BOM):]
	case !utf8.Valid(completeRunes(head)):
		info.Encoding = "windows-1252"
		src = charmap.Windows1252.NewDecoder().Reader(br)
		decoded, _ := charmap.Windows1252.NewDecoder().Bytes(head)
		head = decoded
	}

	if delim == 0 {
		delim = detectDelimiter(head)
	}
	info.Delimiter = string(delim)

	cr := csv.NewReader(src)
	cr.Comma = delim
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1 // tolerant by default
	cr.ReuseRecord = true

	hdr, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, lineError(0, errors.New("file is empty"))
	}
	if err != nil {
		return nil, lineError(0, err)
	}
	headers := make([]string, len(hdr))
	for i, h := range hdr {
		headers[i] = strings.TrimSpace(h)
	}
	return &csvReader{cr: cr, headers: dedupeHeaders(headers), info: info}, nil
}

func (r *csvReader) Info() Info { return r.info }

func (r *csvReader) Headers() []string { return r.headers }

func (r *csvReader) Next() (Record, error) {
	for {
		rec, err := r.cr.Read()
		if err == io.EOF {
			return Record{}, io.EOF
		}
		if err != nil {
			return Record{}, lineError(r.line+1, err)
		}
		if blankRecord(rec) {
			continue
		}
		r.line++
		fields := make([]Field, len(r.headers))
		for i, h := range r.headers {
			v := ""
			if i < len(rec) {
				v = rec[i]
			}
			fields[i] = Field{Name: h, Value: v}
		}
		return Record{Line: r.line, Fields: fields}, nil
	}
}

func (r *csvReader) Close() error { return nil }

func blankRecord(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// dedupeHeaders renames repeated header cells ("a", "a" -> "a", "a 2") so
// records can be addressed by name.
func dedupeHeaders(h []string) []string {
	seen := make(map[string]int, len(h))
	out := make([]string, len(h))
	for i, name := range h {
		seen[name]++
		if n := seen[name]; n > 1 {
			name = name + " " + strconv.Itoa(n)
		}
		out[i] = name
	}
	return out
}

// detectDelimiter picks the candidate occurring most often (outside quotes)
// in the first line. Comma wins ties and empty input.
func detectDelimiter(head []byte) rune {
	line := head
	if i := bytes.IndexAny(head, "\r\n"); i >= 0 {
		line = head[:i]
	}
	candidates := []rune{',', ';', '\t', '|'}
	counts := make(map[rune]int, len(candidates))
	inQuotes := false
	for _, r := range string(line) {
		if r == '"' {
			inQuotes = !inQuotes
			continue
		}
		if !inQuotes {
			counts[r]++
		}
	}
	best, bestN := ',', 0
	for _, c := range candidates {
		if counts[c] > bestN {
			best, bestN = c, counts[c]
		}
	}
	return best
}

// completeRunes drops a trailing partial UTF-8 sequence cut by the peek window.
func completeRunes(b []byte) []byte {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:]) {
				return b[:i]
			}
			break
		}
	}
	return b
}
