package file

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// ReadRefs reads a list of file references, paths or URLs, one per line.
// Blank lines and lines starting with '#' are skipped and duplicates keep
// their first position. Path "-" reads from stdin.
func ReadRefs(path string) ([]string, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	return parseRefs(r)
}

func parseRefs(r io.Reader) ([]string, error) {
	var out []string
	seen := map[string]bool{}
	sc := bufio.NewScanner(r)
	n := 0
	for sc.Scan() {
		n++
		ref := strings.TrimSpace(sc.Text())
		if ref == "" || strings.HasPrefix(ref, "#") || seen[ref] {
			continue
		}
		if strings.ContainsAny(ref, "\t") {
			return nil, fmt.Errorf("line %d: tab in reference %q", n, ref)
		}
		seen[ref] = true
		out = append(out, ref)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
