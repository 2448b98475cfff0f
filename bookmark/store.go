// Package bookmark holds per-stream replication bookmarks inside a state
// document of the form
//
//	{"bookmarks": {"<stream>": {"<key>": <value>, ...}, ...}}
//
// Top-level keys other than "bookmarks" are preserved untouched.
package bookmark

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"sync"

	"github.com/c360/tapstream/catalog"
	"github.com/c360/tapstream/errors"
	"github.com/c360/tapstream/pkg/timestamp"
)

// Bookmark keys.
const (
	KeyVersion                  = "version"
	KeyReplicationKey           = "replication_key"
	KeyReplicationKeyValue      = "replication_key_value"
	KeyMaxPkValues              = "max_pk_values"
	KeyLastPkFetched            = "last_pk_fetched"
	KeyInitialFullTableComplete = "initial_full_table_complete"
)

const bookmarksKey = "bookmarks"

// ReplicationMethod is derived from configuration and state, never stored.
type ReplicationMethod string

// Replication methods.
const (
	FullTable   ReplicationMethod = "FULL_TABLE"
	Incremental ReplicationMethod = "INCREMENTAL"
	LogBased    ReplicationMethod = "LOG_BASED"
)

// WipeOptions selects bookmark keys to wipe. Keep wipes everything except the
// listed keys; Drop wipes only the listed keys. Setting both is an error.
type WipeOptions struct {
	Keep []string
	Drop []string
}

// ReplicationOptions are the inputs for resolving a stream's replication key
// and method.
type ReplicationOptions struct {
	// ReplicationKey set explicitly by the caller; wins over state and metadata.
	ReplicationKey string
	Metadata       catalog.Metadata
}

// Store is the mutable state document. It is safe for concurrent use; each
// stream's bookmarks are expected to be mutated by one orchestrator only.
type Store struct {
	mu       sync.RWMutex
	doc      map[string]any
	versions map[string]int64
	now      func() int64
}

// New returns an empty store.
func New() *Store {
	return &Store{
		doc:      map[string]any{},
		versions: map[string]int64{},
		now:      timestamp.Now,
	}
}

// FromMap returns a store holding a deep copy of doc.
func FromMap(doc map[string]any) *Store {
	s := New()
	if doc != nil {
		s.doc = deepCopyMap(doc)
	}
	return s
}

// Load reads a state document. Empty input yields an empty store and a
// "bookmarks" value that is not an object is discarded.
func Load(r io.Reader) (*Store, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.WrapTransient(err, "bookmark", "Load", "read state")
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return New(), nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, errors.WrapInvalid(errors.Mark(errors.ErrParsingFailed, err), "bookmark", "Load", "decode state")
	}

	s := New()
	if doc != nil {
		s.doc = doc
	}
	if _, ok := s.doc[bookmarksKey].(map[string]any); !ok {
		delete(s.doc, bookmarksKey)
	}
	return s, nil
}

// LoadFile reads a state document from path. A missing file yields an empty store.
func LoadFile(path string) (*Store, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return New(), nil
	}
	if err != nil {
		return nil, errors.WrapInvalid(err, "bookmark", "LoadFile", "open state")
	}
	defer f.Close()
	return Load(f)
}

// streamLocked returns the bookmark map of stream, creating it if asked.
func (s *Store) streamLocked(stream string, create bool) map[string]any {
	all, ok := s.doc[bookmarksKey].(map[string]any)
	if !ok {
		if !create {
			return nil
		}
		all = map[string]any{}
		s.doc[bookmarksKey] = all
	}
	marks, ok := all[stream].(map[string]any)
	if !ok {
		if !create {
			return nil
		}
		marks = map[string]any{}
		all[stream] = marks
	}
	return marks
}

// Get returns a bookmark value and whether the key is present. A key present
// with a null value reports (nil, true).
func (s *Store) Get(stream, key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.streamLocked(stream, false)[key]
	return v, ok
}

// Set writes a bookmark value, leaving other streams untouched.
func (s *Store) Set(stream, key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamLocked(stream, true)[key] = value
}

// Clear removes a bookmark key.
func (s *Store) Clear(stream, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if marks := s.streamLocked(stream, false); marks != nil {
		delete(marks, key)
	}
}

// Wipe removes bookmark keys of a stream per opts. It is idempotent.
func (s *Store) Wipe(stream string, opts WipeOptions) error {
	if len(opts.Keep) > 0 && len(opts.Drop) > 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: expected a keep list or a drop list, not both", errors.ErrInvalidArgument),
			"bookmark", "Wipe", "check arguments")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	marks := s.streamLocked(stream, false)
	if marks == nil {
		return nil
	}

	switch {
	case len(opts.Drop) > 0:
		for _, key := range opts.Drop {
			delete(marks, key)
		}
	case len(opts.Keep) > 0:
		keep := make(map[string]bool, len(opts.Keep))
		for _, key := range opts.Keep {
			keep[key] = true
		}
		for key := range marks {
			if !keep[key] {
				delete(marks, key)
			}
		}
	}
	return nil
}

// Stream returns a deep copy of one stream's bookmarks.
func (s *Store) Stream(stream string) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return deepCopyMap(s.streamLocked(stream, false))
}

// Streams returns the ids of streams that have bookmarks, sorted.
func (s *Store) Streams() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all, _ := s.doc[bookmarksKey].(map[string]any)
	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot returns a deep copy of the whole document. Later mutations of the
// store never show through a snapshot.
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return deepCopyMap(s.doc)
}

// ReplicationKey resolves the replication key: explicit option, then the
// replication_key bookmark, then catalog metadata.
func (s *Store) ReplicationKey(stream string, opts ReplicationOptions) string {
	if opts.ReplicationKey != "" {
		return opts.ReplicationKey
	}
	if v, ok := s.Get(stream, KeyReplicationKey); ok {
		if key, isString := v.(string); isString && key != "" {
			return key
		}
	}
	return catalog.String(opts.Metadata, catalog.KeyReplicationKey)
}

// ReplicationMethod returns the forced method from metadata if any, otherwise
// INCREMENTAL when a replication key resolves and FULL_TABLE when it does not.
func (s *Store) ReplicationMethod(stream string, opts ReplicationOptions) ReplicationMethod {
	if forced := catalog.String(opts.Metadata, catalog.KeyForcedReplicationMethod); forced != "" {
		return ReplicationMethod(forced)
	}
	if s.ReplicationKey(stream, opts) != "" {
		return Incremental
	}
	return FullTable
}

// StreamVersion returns the version bookmark, or mints one from the current
// time in milliseconds. The result is cached per stream for the lifetime of
// the store so it stays stable for a whole sync.
func (s *Store) StreamVersion(stream string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.versions[stream]; ok {
		return v
	}
	version, ok := ToInt64(s.streamLocked(stream, false)[KeyVersion])
	if !ok {
		version = s.now()
	}
	s.versions[stream] = version
	return version
}

// ToInt64 converts a decoded JSON number to int64.
func ToInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		if f, err := n.Float64(); err == nil && f == math.Trunc(f) {
			return int64(f), true
		}
		return 0, false
	default:
		return 0, false
	}
}

// Truthy reports whether a bookmark value counts as set: nil, false, zero
// numbers and empty strings or collections are not truthy.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case json.Number:
		f, err := t.Float64()
		return err != nil || f != 0
	case map[string]any:
		return len(t) > 0
	case []any:
		return len(t) > 0
	default:
		if n, ok := ToInt64(v); ok {
			return n != 0
		}
		return true
	}
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopy(v)
	}
	return out
}

// deepCopy copies the container types JSON decoding and the sync engine
// produce. Other values are treated as immutable.
func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = deepCopy(item)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case json.RawMessage:
		return append(json.RawMessage(nil), t...)
	case []byte:
		return append([]byte(nil), t...)
	default:
		return v
	}
}
