package file

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func writeTemp(t *testing.T, name, contents string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return p
}

//
// ---- ReadRefs ----
//

func TestReadRefs(t *testing.T) {
	t.Parallel()

	p := writeTemp(t, "refs.txt", `
# inputs
data/a.csv
   # indented comment
https://example.org/b.csv

data/a.csv
`)
	got, err := ReadRefs(p)
	if err != nil {
		t.Fatalf("ReadRefs: %v", err)
	}
	want := []string{"data/a.csv", "https://example.org/b.csv"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v, want %#v", got, want)
	}
}

func TestParseRefsRejectsTabs(t *testing.T) {
	t.Parallel()

	_, err := parseRefs(strings.NewReader("a.csv\nb\t.csv\n"))
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Fatalf("want a line 2 error, got %v", err)
	}
}

func TestReadRefsMissingFile(t *testing.T) {
	t.Parallel()

	_, err := ReadRefs(filepath.Join(t.TempDir(), "nope.txt"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("want os.ErrNotExist, got %v", err)
	}
}

//
// ---- Local ----
//

func TestLocalOpen(t *testing.T) {
	t.Parallel()

	p := writeTemp(t, "cities.csv", "id,name\n1,Lyon\n")
	got, err := NewLocal(p).Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer got.Body.Close()

	if got.Name != "cities.csv" {
		t.Errorf("name = %q", got.Name)
	}
	if got.Size != 15 {
		t.Errorf("size = %d, want 15", got.Size)
	}
	if !strings.HasPrefix(got.MimeType, "text/csv") {
		t.Errorf("mime = %q", got.MimeType)
	}
	b, _ := io.ReadAll(got.Body)
	if string(b) != "id,name\n1,Lyon\n" {
		t.Errorf("body = %q", b)
	}
}

func TestLocalOpenErrors(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewLocal("whatever").Open(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("canceled ctx: got %v", err)
	}
	if _, err := NewLocal(filepath.Join(t.TempDir(), "missing.csv")).Open(context.Background()); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("missing: got %v", err)
	}
	if _, err := NewLocal(t.TempDir()).Open(context.Background()); err == nil {
		t.Fatal("directory: want an error")
	}
}
