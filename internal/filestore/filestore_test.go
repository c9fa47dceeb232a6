package filestore

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newLocal(t *testing.T) *Local {
	t.Helper()
	l, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func write(t *testing.T, l *Local, p, body string) {
	t.Helper()
	if _, err := l.WriteStream(context.Background(), p, strings.NewReader(body)); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
}

func read(t *testing.T, l *Local, p string, opts ReadOptions) string {
	t.Helper()
	obj, err := l.ReadStream(context.Background(), p, opts)
	if err != nil {
		t.Fatalf("read %s: %v", p, err)
	}
	defer obj.Body.Close()
	b, err := io.ReadAll(obj.Body)
	if err != nil {
		t.Fatal(err)
	}
	if int64(len(b)) != obj.Size {
		t.Errorf("size = %d, read %d bytes", obj.Size, len(b))
	}
	return string(b)
}

func TestWriteReadList(t *testing.T) {
	t.Parallel()
	l := newLocal(t)
	write(t, l, "datasets/a/data.csv", "id\n1\n")
	write(t, l, "datasets/a/attachments/x.pdf", "%PDF")

	if got := read(t, l, "datasets/a/data.csv", ReadOptions{}); got != "id\n1\n" {
		t.Errorf("content = %q", got)
	}
	entries, err := l.List(context.Background(), "datasets/a")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Path != "attachments/x.pdf" || entries[1].Path != "data.csv" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestReadStream_RangeAndConditional(t *testing.T) {
	t.Parallel()
	l := newLocal(t)
	write(t, l, "f.txt", "0123456789")

	if got := read(t, l, "f.txt", ReadOptions{Range: &Range{Start: 2, End: 4}}); got != "234" {
		t.Errorf("range = %q", got)
	}
	if got := read(t, l, "f.txt", ReadOptions{Range: &Range{Start: 7, End: -1}}); got != "789" {
		t.Errorf("open range = %q", got)
	}
	_, err := l.ReadStream(context.Background(), "f.txt", ReadOptions{IfModifiedSince: time.Now().Add(time.Hour)})
	if !errors.Is(err, ErrNotModified) {
		t.Errorf("want ErrNotModified, got %v", err)
	}
	if got := read(t, l, "f.txt", ReadOptions{IfModifiedSince: time.Now().Add(-time.Hour)}); got != "0123456789" {
		t.Errorf("modified read = %q", got)
	}
}

func TestReadStream_NotFound(t *testing.T) {
	t.Parallel()
	l := newLocal(t)
	if _, err := l.ReadStream(context.Background(), "missing", ReadOptions{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestPathsStayInsideRoot(t *testing.T) {
	t.Parallel()
	l := newLocal(t)
	write(t, l, "../../escape.txt", "x")
	if _, err := os.Stat(filepath.Join(l.Root(), "escape.txt")); err != nil {
		t.Fatalf("traversal must be clamped to root: %v", err)
	}
}

func TestMoveFromStaging(t *testing.T) {
	t.Parallel()
	l := newLocal(t)
	tmp := filepath.Join(t.TempDir(), "upload.tmp")
	if err := os.WriteFile(tmp, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := l.MoveFromStaging(context.Background(), tmp, "datasets/b/raw.csv"); err != nil {
		t.Fatal(err)
	}
	if got := read(t, l, "datasets/b/raw.csv", ReadOptions{}); got != "payload" {
		t.Errorf("content = %q", got)
	}
	if _, err := os.Stat(tmp); !os.IsNotExist(err) {
		t.Errorf("staging file should be gone, stat err = %v", err)
	}
}

func TestCopyMoveRemoveDir(t *testing.T) {
	t.Parallel()
	l := newLocal(t)
	ctx := context.Background()
	write(t, l, "draft/a.csv", "a")
	write(t, l, "draft/att/b.txt", "b")

	if err := l.CopyDir(ctx, "draft", "copy"); err != nil {
		t.Fatal(err)
	}
	if got := read(t, l, "copy/att/b.txt", ReadOptions{}); got != "b" {
		t.Errorf("copied = %q", got)
	}
	write(t, l, "main/old.csv", "old")
	if err := l.MoveDir(ctx, "draft", "main"); err != nil {
		t.Fatal(err)
	}
	if got := read(t, l, "main/a.csv", ReadOptions{}); got != "a" {
		t.Errorf("moved = %q", got)
	}
	if _, err := l.ReadStream(ctx, "main/old.csv", ReadOptions{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("move replaces the target dir, got %v", err)
	}
	if err := l.RemoveAll(ctx, "main"); err != nil {
		t.Fatal(err)
	}
	if _, err := l.List(ctx, "main"); !errors.Is(err, ErrNotFound) {
		t.Errorf("list after remove: %v", err)
	}
}
