package datafile

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"datafair/internal/apperr"
)

// Entry is one regular file inside an archive.
type Entry struct {
	// Name is the slash-separated path inside the archive.
	Name string
	Size int64
}

// Unpack walks the files of a zip archive and calls fn for each regular
// file. Directories, __MACOSX metadata and hidden files are skipped. An
// entry escaping the archive root ("../x", "/etc/x") fails the whole
// archive.
func Unpack(ctx context.Context, r io.Reader, fn func(Entry, io.Reader) error) error {
	tmp, size, err := spool(r, "archive-*")
	if err != nil {
		return err
	}
	defer func() {
		name := tmp.Name()
		_ = tmp.Close()
		_ = os.Remove(name)
	}()

	zr, err := zip.NewReader(tmp, size)
	if err != nil {
		return apperr.Dataf("invalid zip archive: %v", err)
	}
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		name, ok, err := entryName(f)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := unpackOne(f, name, fn); err != nil {
			return err
		}
	}
	return nil
}

func unpackOne(f *zip.File, name string, fn func(Entry, io.Reader) error) error {
	rc, err := f.Open()
	if err != nil {
		return apperr.Dataf("zip entry %q: %v", name, err)
	}
	defer rc.Close()
	return fn(Entry{Name: name, Size: int64(f.UncompressedSize64)}, rc)
}

// entryName validates an archive path. ok is false for entries to skip.
func entryName(f *zip.File) (string, bool, error) {
	raw := strings.ReplaceAll(f.Name, `\`, "/")
	if f.FileInfo().IsDir() || strings.HasSuffix(raw, "/") {
		return "", false, nil
	}
	if strings.HasPrefix(raw, "/") {
		return "", false, apperr.Dataf("zip entry %q has an absolute path", f.Name)
	}
	for _, part := range strings.Split(raw, "/") {
		if part == ".." {
			return "", false, apperr.Dataf("zip entry %q escapes the archive", f.Name)
		}
	}
	name := path.Clean(raw)
	for _, part := range strings.Split(name, "/") {
		if part == "__MACOSX" || strings.HasPrefix(part, ".") {
			return "", false, nil
		}
	}
	return name, true, nil
}

// PickDataFile chooses the data file among archive entries: the tabular
// file closest to the root, ties broken by name. The other entries are
// attachments.
func PickDataFile(names []string) (string, error) {
	var candidates []string
	for _, n := range names {
		spec, err := Detect(path.Base(n), "")
		if err != nil || !spec.Format.Tabular() {
			continue
		}
		candidates = append(candidates, n)
	}
	if len(candidates) == 0 {
		return "", apperr.Dataf("archive contains no data file (%d entries)", len(names))
	}
	sort.Slice(candidates, func(i, j int) bool {
		di, dj := strings.Count(candidates[i], "/"), strings.Count(candidates[j], "/")
		if di != dj {
			return di < dj
		}
		return candidates[i] < candidates[j]
	})
	return candidates[0], nil
}

// AttachmentPath is where an archive entry is kept relative to the dataset
// attachment directory.
func AttachmentPath(name string) string {
	return fmt.Sprintf("attachments/%s", path.Clean(name))
}
