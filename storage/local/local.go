// Package local implements the file:// storage backend.
package local

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/c360/tapstream/errors"
	"github.com/c360/tapstream/storage"
)

// Backend writes objects as files below a root directory.
type Backend struct {
	dir  string
	root string
}

// New is the storage.Factory for file URLs. The root directory is created
// if it does not exist.
func New(_ context.Context, root *url.URL) (storage.Backend, error) {
	dir := root.Path
	if root.Host != "" && root.Host != "localhost" {
		dir = root.Host + root.Path
	}
	if dir == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: file URL %q has no path", errors.ErrInvalidConfig, root.String()),
			"local", "New", "resolve directory")
	}
	dir, err := filepath.Abs(filepath.FromSlash(dir))
	if err != nil {
		return nil, errors.WrapInvalid(err, "local", "New", "resolve directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.WrapTransient(err, "local", "New", "create root directory")
	}

	rootURL := "file://" + filepath.ToSlash(dir)
	if !strings.HasPrefix(filepath.ToSlash(dir), "/") {
		rootURL = "file:///" + filepath.ToSlash(dir)
	}

	return &Backend{dir: dir, root: rootURL}, nil
}

func (b *Backend) resolve(name string) (string, error) {
	clean := path.Clean("/" + name)
	if clean == "/" {
		return "", fmt.Errorf("%w: empty object name", errors.ErrInvalidArgument)
	}
	return filepath.Join(b.dir, filepath.FromSlash(clean)), nil
}

// OpenWrite creates the named file, including missing parent directories.
func (b *Backend) OpenWrite(ctx context.Context, name string) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := b.resolve(name)
	if err != nil {
		return nil, errors.WrapInvalid(err, "local", "OpenWrite", "resolve name")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, errors.WrapTransient(err, "local", "OpenWrite", "create parent directory")
	}
	f, err := os.Create(p)
	if err != nil {
		return nil, errors.WrapTransient(err, "local", "OpenWrite", "create file")
	}
	return &file{File: f}, nil
}

// file removes itself when aborted.
type file struct {
	*os.File
}

func (f *file) Abort() error {
	closeErr := f.File.Close()
	if err := os.Remove(f.Name()); err != nil && !os.IsNotExist(err) {
		return errors.WrapTransient(err, "local", "Abort", "remove unfinished file")
	}
	return closeErr
}

// List walks the root and returns slash-separated relative names.
func (b *Backend) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	err := filepath.WalkDir(b.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(b.dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, prefix) {
			names = append(names, rel)
		}
		return nil
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "local", "List", "walk root")
	}
	sort.Strings(names)
	return names, nil
}

// URL returns the file URL of name.
func (b *Backend) URL(name string) string {
	return storage.JoinURL(b.root, name)
}

// Dir returns the local root directory.
func (b *Backend) Dir() string {
	return b.dir
}

// Close is a no-op; files are closed by their writers.
func (b *Backend) Close() error {
	return nil
}
