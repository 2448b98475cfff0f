// Package storage provides the pluggable backends batch files are written to.
package storage

import (
	"context"
	"io"
	"net/url"
)

// Backend is an open handle on a storage location such as a local directory,
// an S3 bucket prefix or a NATS object store bucket.
//
// Names passed to a Backend are relative to its root and use "/" as separator.
// Implementations must be safe for concurrent use: batch chunks are written in
// parallel through one handle.
type Backend interface {
	// OpenWrite creates (or truncates) the named object. The object is only
	// guaranteed to be visible once the returned writer is closed without error.
	OpenWrite(ctx context.Context, name string) (io.WriteCloser, error)

	// List returns the names under the root that start with prefix, in
	// lexicographic order.
	List(ctx context.Context, prefix string) ([]string, error)

	// URL returns the reference a consumer can use to read the named object.
	URL(name string) string

	// Close releases the handle. Writers opened from it must be closed first.
	Close() error
}

// Aborter is implemented by writers that can discard an unfinished object.
// Abort releases the writer like Close but leaves no object behind.
type Aborter interface {
	Abort() error
}

// Factory opens a Backend for a root URL. The URL query carries
// backend-specific parameters.
type Factory func(ctx context.Context, root *url.URL) (Backend, error)
