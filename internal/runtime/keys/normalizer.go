package keys

import (
	"net/url"
	"strings"
)

// DefaultPrefix namespaces actor keys inside a shared backend.
const DefaultPrefix = "nws:do:"

// Normalizer maps an origin URL to the canonical key selecting one cache actor.
type Normalizer struct {
	prefix string
}

// NewNormalizer builds a normalizer. An empty prefix falls back to DefaultPrefix.
func NewNormalizer(prefix string) Normalizer {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Normalizer{prefix: prefix}
}

// Prefix returns the namespace shared by every key this normalizer produces.
func (n Normalizer) Prefix() string {
	if n.prefix == "" {
		return DefaultPrefix
	}
	return n.prefix
}

// Key returns prefix + scheme://host/path?query with query parameters sorted by
// name. Repeated names keep their relative order and fragments are dropped.
func (n Normalizer) Key(u *url.URL) string {
	if u == nil {
		return n.Prefix()
	}
	var b strings.Builder
	b.WriteString(n.Prefix())
	if u.Scheme != "" {
		b.WriteString(strings.ToLower(u.Scheme))
		b.WriteString("://")
	}
	b.WriteString(strings.ToLower(u.Host))
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	b.WriteString(path)
	if query := SortedQuery(u.Query()); query != "" {
		b.WriteByte('?')
		b.WriteString(query)
	}
	return b.String()
}

// Trim strips the namespace prefix, returning the origin URL portion.
func (n Normalizer) Trim(key string) string {
	return strings.TrimPrefix(key, n.Prefix())
}

// Owns reports whether key belongs to this normalizer's namespace.
func (n Normalizer) Owns(key string) bool {
	return strings.HasPrefix(key, n.Prefix())
}

// SortedQuery encodes values ordered by key; url.Values.Encode already sorts
// keys and preserves the order of repeated values.
func SortedQuery(values url.Values) string {
	if len(values) == 0 {
		return ""
	}
	return values.Encode()
}
