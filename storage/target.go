package storage

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/c360/tapstream/errors"
)

// Target is where batch files go: a root URL, a file name prefix and
// backend parameters that travel as the URL query.
type Target struct {
	Root   string            `json:"root" yaml:"root"`
	Prefix string            `json:"prefix,omitempty" yaml:"prefix"`
	Params map[string]string `json:"params,omitempty" yaml:"params"`
}

// TargetFromURL splits a URL into its root and query parameters.
func TargetFromURL(rawURL string) (Target, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Target{}, errors.WrapInvalid(err, "Target", "TargetFromURL", "parse URL")
	}
	t := Target{}
	if q := u.Query(); len(q) > 0 {
		t.Params = make(map[string]string, len(q))
		for k, v := range q {
			if len(v) > 0 {
				t.Params[k] = v[0]
			}
		}
	}
	u.RawQuery = ""
	u.ForceQuery = false
	t.Root = u.String()
	return t, nil
}

// FSURL returns the root with Params encoded as its query string.
func (t Target) FSURL() string {
	if len(t.Params) == 0 {
		return t.Root
	}
	q := url.Values{}
	for k, v := range t.Params {
		q.Set(k, v)
	}
	root := t.Root
	if i := strings.IndexByte(root, '?'); i >= 0 {
		root = root[:i]
	}
	return root + "?" + q.Encode()
}

// AsMap returns the map form used in configuration documents.
func (t Target) AsMap() map[string]any {
	m := map[string]any{"root": t.Root}
	if t.Prefix != "" {
		m["prefix"] = t.Prefix
	}
	if len(t.Params) > 0 {
		params := make(map[string]any, len(t.Params))
		for k, v := range t.Params {
			params[k] = v
		}
		m["params"] = params
	}
	return m
}

// TargetFromMap is the inverse of AsMap.
func TargetFromMap(m map[string]any) (Target, error) {
	root, _ := m["root"].(string)
	if root == "" {
		return Target{}, errors.WrapInvalid(
			fmt.Errorf("%w: storage root is required", errors.ErrInvalidConfig),
			"Target", "TargetFromMap", "read root")
	}
	t := Target{Root: root}
	if prefix, ok := m["prefix"]; ok && prefix != nil {
		s, isString := prefix.(string)
		if !isString {
			return Target{}, errors.WrapInvalid(
				fmt.Errorf("%w: prefix must be a string", errors.ErrInvalidConfig),
				"Target", "TargetFromMap", "read prefix")
		}
		t.Prefix = s
	}
	switch params := m["params"].(type) {
	case nil:
	case map[string]string:
		t.Params = make(map[string]string, len(params))
		for k, v := range params {
			t.Params[k] = v
		}
	case map[string]any:
		t.Params = make(map[string]string, len(params))
		for k, v := range params {
			t.Params[k] = fmt.Sprint(v)
		}
	default:
		return Target{}, errors.WrapInvalid(
			fmt.Errorf("%w: params must be an object", errors.ErrInvalidConfig),
			"Target", "TargetFromMap", "read params")
	}
	if len(t.Params) == 0 {
		t.Params = nil
	}
	return t, nil
}

// Scheme returns the storage scheme of the root.
func (t Target) Scheme() (string, error) {
	u, err := ParseURL(t.Root)
	if err != nil {
		return "", err
	}
	return u.Scheme, nil
}

// Open resolves the target's backend through reg.
func (t Target) Open(ctx context.Context, reg *Registry) (Backend, error) {
	return reg.Resolve(ctx, t.FSURL())
}

// Write acquires the backend and then the named file, runs fn against the
// file and releases both in reverse order on every exit path. Close errors
// are joined with the error from fn. It returns the URL of the written file.
func (t Target) Write(ctx context.Context, reg *Registry, name string, fn func(w io.Writer) error) (ref string, err error) {
	backend, err := t.Open(ctx, reg)
	if err != nil {
		return "", err
	}
	defer func() {
		if closeErr := backend.Close(); closeErr != nil {
			err = stderrors.Join(err, errors.Wrap(closeErr, "Target", "Write", "close backend"))
		}
	}()

	return WriteFile(ctx, backend, name, fn)
}

// WriteFile opens name on an already acquired backend, runs fn and closes the
// file. When fn fails or panics the writer is aborted if it implements
// Aborter and closed otherwise.
func WriteFile(ctx context.Context, backend Backend, name string, fn func(w io.Writer) error) (ref string, err error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	w, err := backend.OpenWrite(ctx, name)
	if err != nil {
		return "", errors.Wrap(err, "Target", "WriteFile", fmt.Sprintf("open %s", name))
	}
	closed := false
	defer func() {
		if closed {
			return
		}
		release, action := w.Close, "close"
		if a, ok := w.(Aborter); ok {
			release, action = a.Abort, "abort"
		}
		if releaseErr := release(); releaseErr != nil {
			err = stderrors.Join(err, errors.Wrap(releaseErr, "Target", "WriteFile", fmt.Sprintf("%s %s", action, name)))
		}
	}()

	if err := fn(w); err != nil {
		return "", err
	}

	closed = true
	if err := w.Close(); err != nil {
		return "", errors.Wrap(err, "Target", "WriteFile", fmt.Sprintf("close %s", name))
	}
	return backend.URL(name), nil
}

// SplitURL splits a URL or path into head and tail at the last separator.
// Backslashes only count as separators on hosts that use them.
//
//	SplitURL("s3://bucket/dir/file.jsonl") == ("s3://bucket/dir", "file.jsonl")
//	SplitURL("/file") == ("/", "file")
//	SplitURL("file") == ("", "file")
func SplitURL(rawURL string) (head, tail string) {
	return splitURL(rawURL, filepath.Separator)
}

func splitURL(rawURL string, sep rune) (head, tail string) {
	if sep == '\\' && strings.ContainsRune(rawURL, '\\') {
		return splitWindows(rawURL)
	}
	i := strings.LastIndexByte(rawURL, '/')
	if i < 0 {
		return "", rawURL
	}
	head = rawURL[:i]
	if head == "" {
		head = "/"
	}
	return head, rawURL[i+1:]
}

// splitWindows keeps the drive, trims trailing separators from the head
// unless the head is only separators.
func splitWindows(p string) (head, tail string) {
	drive := ""
	if len(p) >= 2 && p[1] == ':' {
		drive, p = p[:2], p[2:]
	}
	i := strings.LastIndexAny(p, `\/`)
	head, tail = p[:i+1], p[i+1:]
	if trimmed := strings.TrimRight(head, `\/`); trimmed != "" {
		head = trimmed
	}
	return drive + head, tail
}

// JoinURL appends name to root with exactly one "/" between them.
func JoinURL(root, name string) string {
	return strings.TrimRight(root, "/") + "/" + strings.TrimLeft(name, "/")
}
