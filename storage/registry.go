package storage

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/c360/tapstream/errors"
)

// SchemeFile is used for URLs without a scheme, i.e. plain paths.
const SchemeFile = "file"

// Registry maps URL schemes to backend factories. Registration is explicit;
// nothing registers itself on import.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds scheme to factory. Registering a scheme again replaces the
// previous factory.
func (r *Registry) Register(scheme string, factory Factory) error {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: empty scheme", errors.ErrInvalidArgument),
			"Registry", "Register", "validate scheme")
	}
	if factory == nil {
		return errors.WrapInvalid(
			fmt.Errorf("%w: nil factory for scheme %q", errors.ErrInvalidArgument, scheme),
			"Registry", "Register", "validate factory")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[scheme] = factory
	return nil
}

// Has reports whether scheme is registered.
func (r *Registry) Has(scheme string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[strings.ToLower(scheme)]
	return ok
}

// Schemes returns the registered schemes in sorted order.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for scheme := range r.factories {
		out = append(out, scheme)
	}
	sort.Strings(out)
	return out
}

// Resolve opens the backend for rawURL. A URL without a scheme is a local path.
func (r *Registry) Resolve(ctx context.Context, rawURL string) (Backend, error) {
	u, err := ParseURL(rawURL)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Registry", "Resolve", "parse storage URL")
	}

	r.mu.RLock()
	factory, ok := r.factories[u.Scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: %q", errors.ErrUnknownStorageScheme, u.Scheme),
			"Registry", "Resolve", "look up storage scheme")
	}

	backend, err := factory(ctx, u)
	if err != nil {
		return nil, errors.Wrap(err, "Registry", "Resolve", fmt.Sprintf("open %s backend", u.Scheme))
	}
	return backend, nil
}

// ParseURL parses a storage URL, treating scheme-less input as a file path.
func ParseURL(rawURL string) (*url.URL, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("%w: empty storage URL", errors.ErrInvalidConfig)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	// A single letter scheme is a Windows drive, not a URL scheme.
	if u.Scheme == "" || len(u.Scheme) == 1 {
		p, _, _ := strings.Cut(rawURL, "?")
		return &url.URL{Scheme: SchemeFile, Path: p, RawQuery: u.RawQuery}, nil
	}
	u.Scheme = strings.ToLower(u.Scheme)
	return u, nil
}
