// Package sniff infers the semantic type and format of a column from a
// bounded sample of raw string values, coerces raw values to typed values,
// and derives stable column keys from original column names.
package sniff

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"datafair/internal/apperr"
	"datafair/internal/dataset"
)

// DefaultDateFormats are the locale-specific layouts tried after the ISO
// detectors, in order. A layout containing an hour component yields a
// date-time format, otherwise a date.
var DefaultDateFormats = []string{
	"2/1/2006",
	"2/1/06",
	"2-1-2006",
	"2.1.2006",
	"2006/1/2",
	"2/1/2006 15:04",
	"2/1/2006 15:04:05",
	"2006/1/2 15:04:05",
}

// Options tunes detection.
type Options struct {
	// DateFormats overrides DefaultDateFormats when non-empty.
	DateFormats []string
}

func (o Options) dateFormats() []string {
	if len(o.DateFormats) > 0 {
		return o.DateFormats
	}
	return DefaultDateFormats
}

// Result is the detected type of a column.
type Result struct {
	Type       string
	Format     string
	DateFormat string
	RefersTo   string
}

// Detection converts r to the record stored on a schema property.
func (r Result) Detection() *dataset.Detection {
	return &dataset.Detection{Type: r.Type, Format: r.Format, DateFormat: r.DateFormat}
}

var (
	reInteger = regexp.MustCompile(`^[-+]?(\d{1,3}([ \x{00a0}\x{202f}]\d{3})+|\d+)$`)
	// grouped digits with either decimal mark, or "1.234,5" and "1,234.5"
	reNumber  = regexp.MustCompile(`^[-+]?((\d{1,3}([ \x{00a0}\x{202f}]\d{3})+|\d+)([.,]\d+)?|\d{1,3}(\.\d{3})+,\d+|\d{1,3}(,\d{3})+\.\d+)([eE][-+]?\d+)?$`)
	reISODate = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	reISODT   = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}`)
)

var isoDateTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04",
}

// Sniff chooses the narrowest type matched by every non-empty value.
// attachments lists the attachment paths shipped with the file, if any.
//
// A column whose values are mostly, but not all, valid attachment paths
// produces a data error rather than silently degrading to string.
func Sniff(values []string, attachments []string, opts Options) (Result, error) {
	vals := nonEmptyTrimmed(values)
	if len(vals) == 0 {
		return Result{Type: dataset.TypeEmpty}, nil
	}

	if allMatch(vals, isBooleanWord) {
		return Result{Type: dataset.TypeBoolean}, nil
	}
	if allMatch(vals, isInteger) {
		return Result{Type: dataset.TypeInteger}, nil
	}
	if allMatch(vals, isNumber) {
		return Result{Type: dataset.TypeNumber}, nil
	}
	if allMatch(vals, isISODateTime) {
		return Result{Type: dataset.TypeString, Format: dataset.FormatDateTime}, nil
	}
	if allMatch(vals, isISODate) {
		return Result{Type: dataset.TypeString, Format: dataset.FormatDate}, nil
	}
	for _, layout := range opts.dateFormats() {
		if allMatch(vals, func(s string) bool { return matchesLayout(layout, s) }) {
			return Result{Type: dataset.TypeString, Format: layoutFormat(layout), DateFormat: layout}, nil
		}
	}
	if len(attachments) > 0 {
		known := make(map[string]struct{}, len(attachments))
		for _, a := range attachments {
			known[normalizeAttachmentPath(a)] = struct{}{}
		}
		matched := 0
		firstMiss := ""
		for _, v := range vals {
			if _, ok := known[normalizeAttachmentPath(v)]; ok {
				matched++
			} else if firstMiss == "" {
				firstMiss = v
			}
		}
		switch {
		case matched == len(vals):
			return Result{Type: dataset.TypeString, RefersTo: dataset.ConceptDigitalDocument}, nil
		case matched*2 > len(vals):
			return Result{}, apperr.Dataf(
				"column looks like attachment paths but %d of %d sampled values do not match a file in the archive (for example %q)",
				len(vals)-matched, len(vals), firstMiss)
		}
	}
	if allMatch(vals, isURIReference) {
		return Result{Type: dataset.TypeString, Format: dataset.FormatURIRef}, nil
	}
	return Result{Type: dataset.TypeString}, nil
}

// nonEmptyTrimmed returns the non-empty, trimmed values.
func nonEmptyTrimmed(vals []string) []string {
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// allMatch reports whether every value satisfies fn.
func allMatch(vals []string, fn func(string) bool) bool {
	for _, v := range vals {
		if !fn(v) {
			return false
		}
	}
	return true
}

var (
	trueWords  = map[string]bool{"true": true, "vrai": true, "oui": true, "yes": true, "t": true, "o": true, "y": true}
	falseWords = map[string]bool{"false": true, "faux": true, "non": true, "no": true, "f": true, "n": true}
)

// isBooleanWord accepts textual booleans only. Digit-only columns are
// integers even when they only contain 0 and 1.
func isBooleanWord(s string) bool {
	s = strings.ToLower(s)
	return trueWords[s] || falseWords[s]
}

// hasLeadingZero flags codes such as postal codes ("01000") that must stay strings.
func hasLeadingZero(s string) bool {
	s = strings.TrimLeft(s, "+-")
	return len(s) > 1 && s[0] == '0' && s[1] >= '0' && s[1] <= '9'
}

func isInteger(s string) bool {
	if !reInteger.MatchString(s) || hasLeadingZero(s) {
		return false
	}
	_, err := strconv.ParseInt(stripGroupSeparators(s), 10, 64)
	return err == nil
}

func isNumber(s string) bool {
	if !reNumber.MatchString(s) || hasLeadingZero(s) {
		return false
	}
	_, ok := parseNumber(s)
	return ok
}

func isISODateTime(s string) bool {
	if !reISODT.MatchString(s) {
		return false
	}
	_, ok := parseISODateTime(s)
	return ok
}

func parseISODateTime(s string) (time.Time, bool) {
	for _, layout := range isoDateTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func isISODate(s string) bool {
	if !reISODate.MatchString(s) {
		return false
	}
	_, err := time.Parse("2006-01-02", s)
	return err == nil
}

func matchesLayout(layout, s string) bool {
	_, err := time.Parse(layout, s)
	return err == nil
}

func layoutFormat(layout string) string {
	if strings.Contains(layout, "15") || strings.Contains(layout, "03") {
		return dataset.FormatDateTime
	}
	return dataset.FormatDate
}

func normalizeAttachmentPath(s string) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\\", "/"))
	return strings.TrimPrefix(s, "./")
}

func isURIReference(s string) bool {
	if strings.ContainsAny(s, " \t\n") {
		return false
	}
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "http", "https", "ftp":
		return u.Host != ""
	}
	return false
}

// String renders r for logs and CLI output.
func (r Result) String() string {
	s := r.Type
	if r.Format != "" {
		s += "/" + r.Format
	}
	if r.DateFormat != "" {
		s += fmt.Sprintf(" (%s)", r.DateFormat)
	}
	return s
}
