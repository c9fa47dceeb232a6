package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Local stores files under a root directory.
type Local struct {
	root string
}

func NewLocal(root string) (*Local, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("filestore: create root: %w", err)
	}
	return &Local{root: abs}, nil
}

func (l *Local) Root() string { return l.root }

// resolve maps a storage path to a filesystem path that stays inside root.
func (l *Local) resolve(p string) (string, error) {
	clean := path.Clean("/" + strings.ReplaceAll(p, `\`, "/"))
	if clean == "/" {
		return "", fmt.Errorf("filestore: empty path %q", p)
	}
	return filepath.Join(l.root, filepath.FromSlash(clean[1:])), nil
}

func notFound(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	return err
}

func (l *Local) List(ctx context.Context, dir string) ([]Entry, error) {
	base, err := l.resolve(dir)
	if err != nil {
		return nil, err
	}
	var out []Entry
	err = filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(p, stagingSuffix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		out = append(out, Entry{Path: filepath.ToSlash(rel), Size: info.Size(), LastModified: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, notFound(err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (l *Local) ReadStream(ctx context.Context, p string, opts ReadOptions) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := l.resolve(p)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, notFound(err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if !opts.IfModifiedSince.IsZero() && !info.ModTime().Truncate(time.Second).After(opts.IfModifiedSince.Truncate(time.Second)) {
		_ = f.Close()
		return nil, ErrNotModified
	}
	adviseSequential(f)
	obj := &Object{Body: f, Size: info.Size(), LastModified: info.ModTime()}
	if r := opts.Range; r != nil {
		end := r.End
		if end < 0 || end >= info.Size() {
			end = info.Size() - 1
		}
		if r.Start < 0 || r.Start > end {
			_ = f.Close()
			return nil, fmt.Errorf("filestore: invalid range %d-%d for size %d", r.Start, r.End, info.Size())
		}
		obj.Size = end - r.Start + 1
		obj.Body = struct {
			io.Reader
			io.Closer
		}{io.NewSectionReader(f, r.Start, obj.Size), f}
	}
	return obj, nil
}

const stagingSuffix = ".staging"

func (l *Local) WriteStream(ctx context.Context, p string, body io.Reader) (int64, error) {
	full, err := l.resolve(p)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return 0, err
	}
	tmp := full + "." + uuid.NewString() + stagingSuffix
	f, err := os.Create(tmp)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, ctxReader{ctx: ctx, r: body})
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	if err := os.Rename(tmp, full); err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	return n, syncDir(filepath.Dir(full))
}

// MoveFromStaging renames tmpPath (an absolute filesystem path) to p. When
// the rename crosses volumes the file is copied beside the target first.
func (l *Local) MoveFromStaging(ctx context.Context, tmpPath, p string) error {
	full, err := l.resolve(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, full); err == nil {
		return syncDir(filepath.Dir(full))
	}
	src, err := os.Open(tmpPath)
	if err != nil {
		return notFound(err)
	}
	defer src.Close()
	if _, err := l.WriteStream(ctx, p, src); err != nil {
		return err
	}
	return os.Remove(tmpPath)
}

func (l *Local) CopyDir(ctx context.Context, src, dst string) error {
	from, err := l.resolve(src)
	if err != nil {
		return err
	}
	entries, err := l.List(ctx, src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		f, err := os.Open(filepath.Join(from, filepath.FromSlash(e.Path)))
		if err != nil {
			return err
		}
		_, err = l.WriteStream(ctx, path.Join(dst, e.Path), f)
		_ = f.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func (l *Local) MoveDir(ctx context.Context, src, dst string) error {
	from, err := l.resolve(src)
	if err != nil {
		return err
	}
	to, err := l.resolve(dst)
	if err != nil {
		return err
	}
	if _, err := os.Stat(from); err != nil {
		return notFound(err)
	}
	if err := os.RemoveAll(to); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return err
	}
	if err := os.Rename(from, to); err != nil {
		if err := l.CopyDir(ctx, src, dst); err != nil {
			return err
		}
		return os.RemoveAll(from)
	}
	return syncDir(filepath.Dir(to))
}

func (l *Local) RemoveAll(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := l.resolve(p)
	if err != nil {
		return err
	}
	return os.RemoveAll(full)
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
