package sniff

import (
	"math"
	"strconv"
	"strings"
	"time"

	"datafair/internal/dataset"
)

// Format coerces a raw cell to the typed value stored in the index for prop.
// It returns nil for empty cells and for values that cannot be coerced; it
// never fails.
//
// Returned types: string, int64, float64, bool, or []string for properties
// with a separator.
func Format(value string, prop dataset.Property) any {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil
	}
	switch prop.Type {
	case dataset.TypeInteger:
		n, err := strconv.ParseInt(stripGroupSeparators(v), 10, 64)
		if err != nil {
			return nil
		}
		return n
	case dataset.TypeNumber:
		f, ok := parseNumber(v)
		if !ok {
			return nil
		}
		return f
	case dataset.TypeBoolean:
		b, ok := parseBoolean(v)
		if !ok {
			return nil
		}
		return b
	case dataset.TypeString:
		switch prop.Format {
		case dataset.FormatDate:
			t, ok := parseDate(v, prop.DateFormat)
			if !ok {
				return nil
			}
			return t.Format("2006-01-02")
		case dataset.FormatDateTime:
			t, ok := parseDateTime(v, prop.DateFormat)
			if !ok {
				return nil
			}
			return t.Format(time.RFC3339)
		}
		if prop.Separator != "" {
			parts := strings.Split(v, prop.Separator)
			out := make([]string, 0, len(parts))
			for _, p := range parts {
				if p = strings.TrimSpace(p); p != "" {
					out = append(out, p)
				}
			}
			return out
		}
		return v
	}
	return v
}

// stripGroupSeparators removes space-like thousands separators.
func stripGroupSeparators(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\u00a0', '\u202f':
			return -1
		}
		return r
	}, s)
}

// parseNumber accepts "1234.5", "1 234,5", "1.234,5" and "1,234.5".
func parseNumber(s string) (float64, bool) {
	s = stripGroupSeparators(s)
	hasDot := strings.Contains(s, ".")
	hasComma := strings.Contains(s, ",")
	switch {
	case hasDot && hasComma:
		if strings.LastIndex(s, ",") > strings.LastIndex(s, ".") {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case hasComma:
		if strings.Count(s, ",") > 1 {
			return 0, false
		}
		s = strings.Replace(s, ",", ".", 1)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func parseBoolean(s string) (bool, bool) {
	s = strings.ToLower(s)
	switch {
	case trueWords[s] || s == "1" || s == "-1":
		return true, true
	case falseWords[s] || s == "0":
		return false, true
	}
	return false, false
}

func parseDate(s, layout string) (time.Time, bool) {
	if layout != "" {
		t, err := time.Parse(layout, s)
		return t, err == nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, true
	}
	// Date columns sometimes carry a midnight time component.
	if t, ok := parseISODateTime(s); ok {
		return t, true
	}
	return time.Time{}, false
}

func parseDateTime(s, layout string) (time.Time, bool) {
	if layout != "" {
		t, err := time.Parse(layout, s)
		return t, err == nil
	}
	if t, ok := parseISODateTime(s); ok {
		return t, true
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, true
	}
	return time.Time{}, false
}
