package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/tapstream/errors"
)

// recordingBackend keeps objects in memory and logs open/close order.
type recordingBackend struct {
	mu       sync.Mutex
	root     string
	objects  map[string][]byte
	events   []string
	closeErr error
	fileErr  error

	abortable bool
}

type recordingFile struct {
	bytes.Buffer
	name    string
	backend *recordingBackend
}

func (f *recordingFile) Close() error {
	f.backend.mu.Lock()
	defer f.backend.mu.Unlock()
	f.backend.events = append(f.backend.events, "close file "+f.name)
	if f.backend.fileErr != nil {
		return f.backend.fileErr
	}
	f.backend.objects[f.name] = f.Bytes()
	return nil
}

// abortableFile records an abort instead of storing its bytes.
type abortableFile struct {
	recordingFile
}

func (f *abortableFile) Abort() error {
	f.backend.mu.Lock()
	defer f.backend.mu.Unlock()
	f.backend.events = append(f.backend.events, "abort file "+f.name)
	return nil
}

func (b *recordingBackend) OpenWrite(_ context.Context, name string) (io.WriteCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, "open file "+name)
	if b.abortable {
		return &abortableFile{recordingFile{name: name, backend: b}}, nil
	}
	return &recordingFile{name: name, backend: b}, nil
}

func (b *recordingBackend) List(_ context.Context, _ string) ([]string, error) { return nil, nil }

func (b *recordingBackend) URL(name string) string { return JoinURL(b.root, name) }

func (b *recordingBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, "close backend")
	return b.closeErr
}

func newRecordingRegistry(t *testing.T, backend *recordingBackend) *Registry {
	reg := NewRegistry()
	require.NoError(t, reg.Register("mem", func(_ context.Context, u *url.URL) (Backend, error) {
		backend.mu.Lock()
		backend.events = append(backend.events, "open backend "+u.Host)
		backend.mu.Unlock()
		return backend, nil
	}))
	return reg
}

func TestTarget_WriteReleasesInReverseOrder(t *testing.T) {
	backend := &recordingBackend{root: "mem://bucket", objects: map[string][]byte{}}
	reg := newRecordingRegistry(t, backend)

	ref, err := Target{Root: "mem://bucket"}.Write(context.Background(), reg, "a.jsonl", func(w io.Writer) error {
		_, err := io.WriteString(w, "{}\n")
		return err
	})

	require.NoError(t, err)
	assert.Equal(t, "mem://bucket/a.jsonl", ref)
	assert.Equal(t, []string{"open backend bucket", "open file a.jsonl", "close file a.jsonl", "close backend"}, backend.events)
	assert.Equal(t, "{}\n", string(backend.objects["a.jsonl"]))
}

func TestTarget_WriteReleasesOnError(t *testing.T) {
	backend := &recordingBackend{root: "mem://bucket", objects: map[string][]byte{}}
	reg := newRecordingRegistry(t, backend)
	boom := fmt.Errorf("encode failed")

	ref, err := Target{Root: "mem://bucket"}.Write(context.Background(), reg, "a", func(io.Writer) error { return boom })

	assert.ErrorIs(t, err, boom)
	assert.Empty(t, ref)
	assert.Equal(t, []string{"open backend bucket", "open file a", "close file a", "close backend"}, backend.events)
}

func TestTarget_WriteReleasesOnPanic(t *testing.T) {
	backend := &recordingBackend{root: "mem://bucket", objects: map[string][]byte{}}
	reg := newRecordingRegistry(t, backend)

	assert.Panics(t, func() {
		_, _ = Target{Root: "mem://bucket"}.Write(context.Background(), reg, "a", func(io.Writer) error { panic("boom") })
	})
	assert.Equal(t, []string{"open backend bucket", "open file a", "close file a", "close backend"}, backend.events)
}

func TestTarget_WriteJoinsCloseErrors(t *testing.T) {
	fileErr := fmt.Errorf("flush failed")
	backendErr := fmt.Errorf("disconnect failed")
	backend := &recordingBackend{root: "mem://b", objects: map[string][]byte{}, fileErr: fileErr, closeErr: backendErr}
	reg := newRecordingRegistry(t, backend)

	_, err := Target{Root: "mem://b"}.Write(context.Background(), reg, "a", func(io.Writer) error { return nil })

	assert.ErrorIs(t, err, fileErr)
	assert.ErrorIs(t, err, backendErr)
}

func TestTarget_WriteCancelledContext(t *testing.T) {
	backend := &recordingBackend{root: "mem://b", objects: map[string][]byte{}}
	reg := newRecordingRegistry(t, backend)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Target{Root: "mem://b"}.Write(ctx, reg, "a", func(io.Writer) error { return nil })

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"open backend b", "close backend"}, backend.events)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.Resolve(context.Background(), "ftp://host/dir")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUnknownStorageScheme)
	assert.True(t, errors.IsFatal(err))

	assert.Error(t, reg.Register("", func(context.Context, *url.URL) (Backend, error) { return nil, nil }))
	assert.Error(t, reg.Register("x", nil))

	first := &recordingBackend{root: "first"}
	second := &recordingBackend{root: "second"}
	require.NoError(t, reg.Register("MEM", func(context.Context, *url.URL) (Backend, error) { return first, nil }))
	require.NoError(t, reg.Register("mem", func(context.Context, *url.URL) (Backend, error) { return second, nil }))

	b, err := reg.Resolve(context.Background(), "mem://x")
	require.NoError(t, err)
	assert.Same(t, second, b, "last registration wins")
	assert.True(t, reg.Has("mem"))
	assert.Equal(t, []string{"mem"}, reg.Schemes())
}

func TestWriteFile_AbortsOnFailure(t *testing.T) {
	backend := &recordingBackend{root: "mem://bucket", objects: map[string][]byte{}, abortable: true}
	boom := fmt.Errorf("encode failed")

	ref, err := WriteFile(context.Background(), backend, "a.jsonl", func(w io.Writer) error {
		_, _ = io.WriteString(w, "{partial")
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, ref)
	assert.Equal(t, []string{"open file a.jsonl", "abort file a.jsonl"}, backend.events)
	assert.Empty(t, backend.objects)
}

func TestWriteFile_AbortsOnPanic(t *testing.T) {
	backend := &recordingBackend{root: "mem://bucket", objects: map[string][]byte{}, abortable: true}

	assert.Panics(t, func() {
		_, _ = WriteFile(context.Background(), backend, "a.jsonl", func(io.Writer) error {
			panic("encoder bug")
		})
	})
	assert.Equal(t, []string{"open file a.jsonl", "abort file a.jsonl"}, backend.events)
	assert.Empty(t, backend.objects)
}

func TestWriteFile_ClosesAbortableOnSuccess(t *testing.T) {
	backend := &recordingBackend{root: "mem://bucket", objects: map[string][]byte{}, abortable: true}

	ref, err := WriteFile(context.Background(), backend, "a.jsonl", func(w io.Writer) error {
		_, err := io.WriteString(w, "{}\n")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "mem://bucket/a.jsonl", ref)
	assert.Equal(t, []string{"open file a.jsonl", "close file a.jsonl"}, backend.events)
	assert.Equal(t, "{}\n", string(backend.objects["a.jsonl"]))
}

func TestParseURL(t *testing.T) {
	tests := []struct {
		raw    string
		scheme string
		path   string
		query  string
	}{
		{"/tmp/batches", "file", "/tmp/batches", ""},
		{"relative/dir", "file", "relative/dir", ""},
		{"file:///tmp/x", "file", "/tmp/x", ""},
		{"S3://bucket/prefix", "s3", "/prefix", ""},
		{`C:\data\out`, "file", `C:\data\out`, ""},
		{"out?k=v", "file", "out", "k=v"},
		{"/tmp/batches?gzip=1&x=y", "file", "/tmp/batches", "gzip=1&x=y"},
		{"s3://bucket/prefix?region=eu-west-1", "s3", "/prefix", "region=eu-west-1"},
	}
	for _, tt := range tests {
		u, err := ParseURL(tt.raw)
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.scheme, u.Scheme, tt.raw)
		assert.Equal(t, tt.path, u.Path, tt.raw)
		assert.Equal(t, tt.query, u.RawQuery, tt.raw)
	}

	_, err := ParseURL("")
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestSplitURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		sep  rune
		head string
		tail string
	}{
		{"url", "s3://bucket/dir/file.jsonl", '/', "s3://bucket/dir", "file.jsonl"},
		{"relative", "a/b", '/', "a", "b"},
		{"root file", "/a", '/', "/", "a"},
		{"no separator", "a", '/', "", "a"},
		{"trailing slash", "a/b/", '/', "a/b", ""},
		{"backslash ignored on posix", `C:\data\x.json`, '/', "", `C:\data\x.json`},
		{"windows path", `C:\data\x.json`, '\\', `C:\data`, "x.json"},
		{"windows root", `C:\x.json`, '\\', `C:\`, "x.json"},
		{"windows doubled separators", `\\server\share\\x`, '\\', `\\server\share`, "x"},
		{"windows forward slash without backslash", "a/b", '\\', "a", "b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			head, tail := splitURL(tt.in, tt.sep)
			assert.Equal(t, tt.head, head)
			assert.Equal(t, tt.tail, tail)
		})
	}
}

func TestTarget_FSURLAndMap(t *testing.T) {
	target := Target{
		Root:   "s3://bucket/prefix",
		Prefix: "tap-",
		Params: map[string]string{"region": "eu-west-1", "endpoint": "http://minio:9000"},
	}

	assert.Equal(t, "s3://bucket/prefix?endpoint=http%3A%2F%2Fminio%3A9000&region=eu-west-1", target.FSURL())
	assert.Equal(t, "file:///tmp", Target{Root: "file:///tmp"}.FSURL())

	decoded, err := TargetFromMap(target.AsMap())
	require.NoError(t, err)
	assert.Equal(t, target, decoded)

	plain := Target{Root: "/tmp/out"}
	decoded, err = TargetFromMap(plain.AsMap())
	require.NoError(t, err)
	assert.Equal(t, plain, decoded)

	_, err = TargetFromMap(map[string]any{})
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
	_, err = TargetFromMap(map[string]any{"root": "x", "params": []any{1}})
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	fromURL, err := TargetFromURL("s3://bucket/p?region=us-east-1")
	require.NoError(t, err)
	assert.Equal(t, Target{Root: "s3://bucket/p", Params: map[string]string{"region": "us-east-1"}}, fromURL)

	scheme, err := fromURL.Scheme()
	require.NoError(t, err)
	assert.Equal(t, "s3", scheme)
}
