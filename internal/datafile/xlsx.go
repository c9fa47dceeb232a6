package datafile

import (
	"archive/zip"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// xlsxReader streams the first worksheet of an OpenXML workbook. The first
// row is the header. Shared strings are loaded in memory; the sheet itself
// is decoded token by token.
type xlsxReader struct {
	tmp     *os.File
	zr      *zip.Reader
	sheet   io.ReadCloser
	dec     *xml.Decoder
	shared  []string
	headers []string
	line    int
}

func newXLSXReader(r io.Reader) (*xlsxReader, error) {
	tmp, size, err := spool(r, "xlsx-*")
	if err != nil {
		return nil, err
	}
	x := &xlsxReader{tmp: tmp}
	fail := func(err error) (*xlsxReader, error) {
		_ = x.Close()
		return nil, wrapData(FormatXLSX, err)
	}

	zr, err := zip.NewReader(tmp, size)
	if err != nil {
		return fail(fmt.Errorf("not a valid workbook: %w", err))
	}
	x.zr = zr

	if f := findZipFile(zr, "xl/sharedStrings.xml"); f != nil {
		if x.shared, err = readSharedStrings(f); err != nil {
			return fail(err)
		}
	}
	sheet := firstSheet(zr)
	if sheet == nil {
		return fail(errors.New("workbook has no worksheet"))
	}
	if x.sheet, err = sheet.Open(); err != nil {
		return fail(err)
	}
	x.dec = xml.NewDecoder(x.sheet)

	hdr, err := x.nextRow()
	if errors.Is(err, io.EOF) {
		return fail(errors.New("worksheet is empty"))
	}
	if err != nil {
		return fail(err)
	}
	for i := range hdr {
		hdr[i] = strings.TrimSpace(hdr[i])
	}
	x.headers = dedupeHeaders(hdr)
	return x, nil
}

func (x *xlsxReader) Info() Info { return Info{Format: FormatXLSX, Encoding: "utf-8"} }

func (x *xlsxReader) Next() (Record, error) {
	for {
		row, err := x.nextRow()
		if err == io.EOF {
			return Record{}, io.EOF
		}
		if err != nil {
			return Record{}, lineError(x.line+1, err)
		}
		if blankRecord(row) {
			continue
		}
		x.line++
		fields := make([]Field, len(x.headers))
		for i, h := range x.headers {
			v := ""
			if i < len(row) {
				v = row[i]
			}
			fields[i] = Field{Name: h, Value: v}
		}
		return Record{Line: x.line, Fields: fields}, nil
	}
}

func (x *xlsxReader) Close() error {
	if x.sheet != nil {
		_ = x.sheet.Close()
	}
	if x.tmp != nil {
		name := x.tmp.Name()
		_ = x.tmp.Close()
		_ = os.Remove(name)
		x.tmp = nil
	}
	return nil
}

// nextRow decodes the next <row> element into positional cell values.
func (x *xlsxReader) nextRow() ([]string, error) {
	for {
		tok, err := x.dec.Token()
		if err != nil {
			return nil, err
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "row" {
			continue
		}
		var row struct {
			Cells []struct {
				Ref    string `xml:"r,attr"`
				Type   string `xml:"t,attr"`
				Value  string `xml:"v"`
				Inline struct {
					Text []string `xml:"t"`
					Runs []struct {
						Text string `xml:"t"`
					} `xml:"r"`
				} `xml:"is"`
			} `xml:"c"`
		}
		if err := x.dec.DecodeElement(&row, &se); err != nil {
			return nil, err
		}
		var out []string
		for i, c := range row.Cells {
			col := i
			if c.Ref != "" {
				col = columnIndex(c.Ref)
			}
			for len(out) <= col {
				out = append(out, "")
			}
			switch c.Type {
			case "s":
				var idx int
				if _, err := fmt.Sscanf(c.Value, "%d", &idx); err == nil && idx >= 0 && idx < len(x.shared) {
					out[col] = x.shared[idx]
				}
			case "inlineStr":
				s := strings.Join(c.Inline.Text, "")
				for _, r := range c.Inline.Runs {
					s += r.Text
				}
				out[col] = s
			case "b":
				if c.Value == "1" {
					out[col] = "true"
				} else {
					out[col] = "false"
				}
			default:
				out[col] = c.Value
			}
		}
		return out, nil
	}
}

// columnIndex converts a cell reference ("AB12") to a 0-based column.
func columnIndex(ref string) int {
	n := 0
	for _, r := range ref {
		if r < 'A' || r > 'Z' {
			break
		}
		n = n*26 + int(r-'A'+1)
	}
	return n - 1
}

func readSharedStrings(f *zip.File) ([]string, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	dec := xml.NewDecoder(rc)
	var out []string
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "si" {
			continue
		}
		var si struct {
			Text []string `xml:"t"`
			Runs []struct {
				Text string `xml:"t"`
			} `xml:"r"`
		}
		if err := dec.DecodeElement(&si, &se); err != nil {
			return nil, err
		}
		s := strings.Join(si.Text, "")
		for _, r := range si.Runs {
			s += r.Text
		}
		out = append(out, s)
	}
}

func findZipFile(zr *zip.Reader, name string) *zip.File {
	for _, f := range zr.File {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// firstSheet returns sheet1.xml, or the first worksheet in name order.
func firstSheet(zr *zip.Reader) *zip.File {
	if f := findZipFile(zr, "xl/worksheets/sheet1.xml"); f != nil {
		return f
	}
	var sheets []*zip.File
	for _, f := range zr.File {
		if strings.HasPrefix(f.Name, "xl/worksheets/") && strings.HasSuffix(f.Name, ".xml") {
			sheets = append(sheets, f)
		}
	}
	if len(sheets) == 0 {
		return nil
	}
	sort.Slice(sheets, func(i, j int) bool { return sheets[i].Name < sheets[j].Name })
	return sheets[0]
}

// spool copies r to a temporary file so zip can seek in it.
func spool(r io.Reader, pattern string) (*os.File, int64, error) {
	tmp, err := os.CreateTemp("", pattern)
	if err != nil {
		return nil, 0, err
	}
	n, err := io.Copy(tmp, r)
	if err != nil {
		name := tmp.Name()
		_ = tmp.Close()
		_ = os.Remove(name)
		return nil, 0, err
	}
	return tmp, n, nil
}
