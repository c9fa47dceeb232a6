package sniff

import (
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Key converts an original column name into a stable property key:
//  1. lowercase
//  2. strip accents (NFD → remove Mn → NFC)
//  3. keep [a-z0-9_]; convert space/dash/dot/slash to underscore; drop others
//  4. collapse and trim underscores, so the reserved leading-underscore
//     namespace of calculated columns can never be produced
//  5. fallback to "col" if empty
//
// Key is idempotent: Key(Key(s)) == Key(s).
func Key(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))

	t := transform.Chain(
		norm.NFD,
		runes.Remove(runes.In(unicode.Mn)),
		norm.NFC,
	)
	ascii, _, _ := transform.String(t, s)

	var b strings.Builder
	prevUnderscore := false
	for _, r := range ascii {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			prevUnderscore = false
		case r == '_' || r == ' ' || r == '-' || r == '.' || r == '/' || r == '\'':
			if !prevUnderscore {
				b.WriteRune('_')
				prevUnderscore = true
			}
		}
	}
	name := strings.Trim(b.String(), "_")
	if name == "" {
		return "col"
	}
	return name
}

// UniqueKeys derives one key per name, in order. When two names map to the
// same key the later ones get a numeric suffix (_2, _3, ...). The result only
// depends on the names and their order.
func UniqueKeys(names []string) []string {
	out := make([]string, len(names))
	used := make(map[string]bool, len(names))
	for i, n := range names {
		k := Key(n)
		if used[k] {
			for j := 2; ; j++ {
				cand := k + "_" + strconv.Itoa(j)
				if !used[cand] {
					k = cand
					break
				}
			}
		}
		used[k] = true
		out[i] = k
	}
	return out
}
