package tsdb

import (
	"sort"
	"strings"
	"time"
)

// Tags identifies a series within a measurement. The store treats the full
// tag-set plus timestamp as the overwrite key: writing a point with an
// existing (measurement, tag-set, timestamp) replaces the previous value.
type Tags map[string]string

// Clone returns a copy of the tag-set. A nil receiver yields an empty map.
func (t Tags) Clone() Tags {
	out := make(Tags, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// key returns a canonical representation used to group points by series.
func (t Tags) key() string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(t[k])
		b.WriteByte(',')
	}
	return b.String()
}

// Point is a single observation in a tagged series. Value is the primary
// field; Fields carries any additional fields written alongside it (for
// example a quality marker or a creation timestamp).
type Point struct {
	Time   time.Time
	Value  float64
	Tags   Tags
	Fields map[string]any
}
