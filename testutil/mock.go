package testutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/c360/tapstream/storage"
)

// FailingWriter accepts FailAfter writes and then fails every write with Err.
type FailingWriter struct {
	mu        sync.Mutex
	FailAfter int
	Err       error
	writes    int
	buf       bytes.Buffer
}

// Write implements io.Writer.
func (w *FailingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes++
	if w.writes > w.FailAfter {
		err := w.Err
		if err == nil {
			err = fmt.Errorf("broken pipe")
		}
		return 0, err
	}
	return w.buf.Write(p)
}

// Writes returns the number of Write calls, failed ones included.
func (w *FailingWriter) Writes() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writes
}

// String returns what was accepted.
func (w *FailingWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

// ShortWriter reports success but accepts only half of every write.
type ShortWriter struct{}

// Write implements io.Writer.
func (ShortWriter) Write(p []byte) (int, error) {
	return len(p) / 2, nil
}

// MemoryBackend is an in-memory storage.Backend. Objects become visible
// when their writer closes.
type MemoryBackend struct {
	mu      sync.Mutex
	root    string
	objects map[string][]byte
	// FailOn makes OpenWrite fail for names containing the substring.
	FailOn  string
	opened  int
	closed  int
	aborted int
}

// NewMemoryBackend creates a backend whose URLs start with root.
func NewMemoryBackend(root string) *MemoryBackend {
	return &MemoryBackend{root: root, objects: map[string][]byte{}}
}

// Factory returns a storage.Factory that always yields b.
func (b *MemoryBackend) Factory() storage.Factory {
	return func(context.Context, *url.URL) (storage.Backend, error) {
		b.mu.Lock()
		b.opened++
		b.mu.Unlock()
		return b, nil
	}
}

// OpenWrite implements storage.Backend.
func (b *MemoryBackend) OpenWrite(ctx context.Context, name string) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.FailOn != "" && strings.Contains(name, b.FailOn) {
		return nil, fmt.Errorf("storage unavailable: %s", name)
	}
	return &memoryObject{backend: b, name: name}, nil
}

// List implements storage.Backend.
func (b *MemoryBackend) List(_ context.Context, prefix string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var names []string
	for name := range b.objects {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// URL implements storage.Backend.
func (b *MemoryBackend) URL(name string) string {
	return storage.JoinURL(b.root, name)
}

// Close implements storage.Backend.
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed++
	return nil
}

// Object returns the content of name.
func (b *MemoryBackend) Object(name string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[name]
	return data, ok
}

// ObjectByURL returns the content stored under a URL returned by URL.
func (b *MemoryBackend) ObjectByURL(ref string) ([]byte, bool) {
	return b.Object(strings.TrimPrefix(ref, strings.TrimRight(b.root, "/")+"/"))
}

// Aborted counts objects discarded after a failed write.
func (b *MemoryBackend) Aborted() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.aborted
}

// Opened and Closed count backend acquisitions and releases.
func (b *MemoryBackend) Opened() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opened
}

func (b *MemoryBackend) Closed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

type memoryObject struct {
	bytes.Buffer
	backend *MemoryBackend
	name    string
}

// Abort discards the object. Aborted counts these calls.
func (o *memoryObject) Abort() error {
	o.backend.mu.Lock()
	defer o.backend.mu.Unlock()
	o.backend.aborted++
	return nil
}

func (o *memoryObject) Close() error {
	o.backend.mu.Lock()
	defer o.backend.mu.Unlock()
	o.backend.objects[o.name] = append([]byte(nil), o.Bytes()...)
	return nil
}
