package httpds

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/zeebo/xxh3"
)

var unsafeRun = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// HashString is a short stable digest of s.
func HashString(s string) string {
	return fmt.Sprintf("%016x", xxh3.HashString(s))
}

// FilenameFromURL derives a storage-safe file name from a URL. The last
// path segment is used when there is one, then the query string; the URL
// hash is the last resort.
func FilenameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return HashString(raw)
	}
	if name := cleanBase(u.Path); name != "" {
		return name
	}
	if q := strings.Trim(unsafeRun.ReplaceAllString(u.RawQuery, "_"), "_."); q != "" {
		return q
	}
	return HashString(raw)
}

// cleanBase keeps the last segment of p with unsafe runs replaced by "_".
func cleanBase(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	base := path.Base(p)
	if base == "." || base == "/" {
		return ""
	}
	if unescaped, err := url.PathUnescape(base); err == nil {
		base = unescaped
	}
	return strings.Trim(unsafeRun.ReplaceAllString(base, "_"), "_.")
}
