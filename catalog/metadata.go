package catalog

import (
	"sort"
	"strings"

	"github.com/c360/tapstream/schema"
)

// Metadata keys read or written by the sync engine.
const (
	KeyForcedReplicationMethod = "forced-replication-method"
	KeyReplicationMethod       = "replication-method"
	KeyReplicationKey          = "replication-key"
	KeyValidReplicationKeys    = "valid-replication-keys"
	KeyTableKeyProperties      = "table-key-properties"
	KeyViewKeyProperties       = "view-key-properties"
	KeyIsView                  = "is-view"
	KeySelected                = "selected"
	KeySelectedByDefault       = "selected-by-default"
	KeyInclusion               = "inclusion"
)

// Inclusion values for property breadcrumbs.
const (
	InclusionAvailable = "available"
	InclusionAutomatic = "automatic"
)

// Breadcrumb addresses a node of the schema. The empty breadcrumb is the
// stream itself; ["properties", "id"] is the id property.
type Breadcrumb []string

// Root returns the stream-level breadcrumb.
func Root() Breadcrumb { return Breadcrumb{} }

// PropertyBreadcrumb returns the breadcrumb of a top-level property.
func PropertyBreadcrumb(name string) Breadcrumb { return Breadcrumb{"properties", name} }

func (b Breadcrumb) key() string { return strings.Join(b, "\x00") }

// Metadata is read-only access to stream metadata.
type Metadata interface {
	Get(breadcrumb Breadcrumb, key string) (any, bool)
}

// MetadataEntry is one element of the metadata list.
type MetadataEntry struct {
	Breadcrumb Breadcrumb     `json:"breadcrumb"`
	Metadata   map[string]any `json:"metadata"`
}

// MetadataList is metadata in its catalog form:
//
//	[{"breadcrumb": [], "metadata": {"table-key-properties": ["id"]}}]
type MetadataList []MetadataEntry

// Get returns the value of key at breadcrumb.
func (m MetadataList) Get(breadcrumb Breadcrumb, key string) (any, bool) {
	want := breadcrumb.key()
	for _, entry := range m {
		if entry.Breadcrumb.key() != want {
			continue
		}
		v, ok := entry.Metadata[key]
		return v, ok
	}
	return nil, false
}

// Set assigns key at breadcrumb, adding the entry if needed.
func (m *MetadataList) Set(breadcrumb Breadcrumb, key string, value any) {
	want := breadcrumb.key()
	for i := range *m {
		if (*m)[i].Breadcrumb.key() == want {
			if (*m)[i].Metadata == nil {
				(*m)[i].Metadata = make(map[string]any)
			}
			(*m)[i].Metadata[key] = value
			return
		}
	}
	crumb := append(Breadcrumb{}, breadcrumb...)
	*m = append(*m, MetadataEntry{Breadcrumb: crumb, Metadata: map[string]any{key: value}})
}

// String returns a stream-level string value, or "" when absent.
func String(md Metadata, key string) string {
	if md == nil {
		return ""
	}
	v, ok := md.Get(Root(), key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Strings returns a stream-level list of strings.
func Strings(md Metadata, key string) []string {
	if md == nil {
		return nil
	}
	v, ok := md.Get(Root(), key)
	if !ok {
		return nil
	}
	switch list := v.(type) {
	case []string:
		return append([]string(nil), list...)
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Bool returns a stream-level boolean and whether it was set.
func Bool(md Metadata, key string) (value bool, ok bool) {
	if md == nil {
		return false, false
	}
	v, present := md.Get(Root(), key)
	if !present {
		return false, false
	}
	b, isBool := v.(bool)
	return b, isBool
}

// KeyProperties returns the primary key declared in metadata, reading
// view-key-properties for views and table-key-properties otherwise.
func KeyProperties(md Metadata) []string {
	if isView, _ := Bool(md, KeyIsView); isView {
		return Strings(md, KeyViewKeyProperties)
	}
	return Strings(md, KeyTableKeyProperties)
}

// Standard generates discovery metadata for a stream.
func Standard(s *schema.Schema, replicationMethod string, keyProperties []string, replicationKey string) MetadataList {
	md := MetadataList{}
	root := Root()
	md.Set(root, KeyInclusion, InclusionAvailable)
	md.Set(root, KeySelectedByDefault, true)
	if replicationMethod != "" {
		md.Set(root, KeyForcedReplicationMethod, replicationMethod)
	}
	if len(keyProperties) > 0 {
		md.Set(root, KeyTableKeyProperties, append([]string(nil), keyProperties...))
	}
	if replicationKey != "" {
		md.Set(root, KeyValidReplicationKeys, []string{replicationKey})
	}

	automatic := make(map[string]bool, len(keyProperties)+1)
	for _, k := range keyProperties {
		automatic[k] = true
	}
	if replicationKey != "" {
		automatic[replicationKey] = true
	}

	if s != nil {
		names := s.Properties()
		sort.Strings(names)
		for _, name := range names {
			inclusion := InclusionAvailable
			if automatic[name] {
				inclusion = InclusionAutomatic
			}
			md.Set(PropertyBreadcrumb(name), KeyInclusion, inclusion)
		}
	}
	return md
}
