package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Compile-time interface assertions.
var (
	_ Store   = (*FS)(nil)
	_ Locator = (*FS)(nil)
)

// FS stores values as files below a root directory. Keys map to relative
// paths; intermediate directories are created on demand.
type FS struct {
	root string
}

// NewFS returns an [FS] rooted at root, creating the directory if needed.
func NewFS(root string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root %q: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create root %q: %w", abs, err)
	}
	return &FS{root: abs}, nil
}

// Root returns the absolute root directory.
func (s *FS) Root() string { return s.root }

// LocalPath implements [Locator].
func (s *FS) LocalPath(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

// Put implements [Store.Put]. The value is written to a temporary file in the
// destination directory and renamed into place once complete.
func (s *FS) Put(ctx context.Context, key string, r io.Reader) error {
	path, err := s.LocalPath(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: put %q: %w", key, bare(err))
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("storage: put %q: %w", key, bare(err))
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r}); err != nil {
		return fmt.Errorf("storage: put %q: write: %w", key, bare(err))
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("storage: put %q: sync: %w", key, bare(err))
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storage: put %q: close: %w", key, bare(err))
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("storage: put %q: rename: %w", key, bare(err))
	}
	committed = true
	return nil
}

// Open implements [Store.Open].
func (s *FS) Open(_ context.Context, key string) (io.ReadCloser, error) {
	path, err := s.LocalPath(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: open %q: %w", key, bare(err))
	}
	return f, nil
}

// Exists implements [Store.Exists]. Directories do not count as values.
func (s *FS) Exists(_ context.Context, key string) (bool, error) {
	path, err := s.LocalPath(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: stat %q: %w", key, bare(err))
	}
	return info.Mode().IsRegular(), nil
}

// ListDirs implements [Store.ListDirs].
func (s *FS) ListDirs(_ context.Context, prefix string) ([]string, error) {
	path, err := s.LocalPath(prefix)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, prefix)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: list %q: %w", prefix, bare(err))
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	return dirs, nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// bare drops the absolute path from a filesystem error. Callers identify the
// value by its key.
func bare(err error) error {
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return pe.Err
	}
	var le *os.LinkError
	if errors.As(err, &le) {
		return le.Err
	}
	return err
}
