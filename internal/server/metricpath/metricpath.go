// Package metricpath resolves dotted metric identifiers such as
// "network_adapters.eth0.sent_Mbps" against a snapshot's nested fields.
// A dot inside a map key is written as "\." ("network_adapters.eth0\.100.sent_Mbps")
// and a backslash as "\\".
//
// The same Schema is used when ingesting (to decide which series get a point)
// and when querying (to validate requested names), so what can be stored and
// what can be queried never drift apart.
package metricpath

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

var ErrInvalidPath = errors.New("invalid metric path")

// Wildcard matches exactly one map key segment.
const Wildcard = "*"

// Root aliases accepted from callers. The original history API named the
// adapter map "network_interfaces" and the disk map "disk_usage".
var aliases = map[string]string{
	"network_interfaces": "network_adapters",
	"disk_usage":         "disks",
}

// Path is a parsed, canonical metric path.
type Path struct {
	segments []string
}

// Parse splits a dotted identifier into segments and canonicalizes its root.
func Parse(s string) (Path, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Path{}, fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	parts, err := split(s)
	if err != nil {
		return Path{}, err
	}
	for i, part := range parts {
		if part == "" {
			return Path{}, fmt.Errorf("%w: %q has an empty segment at position %d", ErrInvalidPath, s, i)
		}
	}
	if canon, ok := aliases[parts[0]]; ok {
		parts[0] = canon
	}
	return Path{segments: parts}, nil
}

// split cuts s at unescaped dots and unescapes each segment.
func split(s string) ([]string, error) {
	var parts []string
	var cur strings.Builder
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '.':
			parts = append(parts, cur.String())
			cur.Reset()
		case '\\':
			if i+1 == len(s) || (s[i+1] != '.' && s[i+1] != '\\') {
				return nil, fmt.Errorf("%w: %q has a dangling escape at position %d", ErrInvalidPath, s, i)
			}
			i++
			cur.WriteByte(s[i])
		default:
			cur.WriteByte(c)
		}
	}
	return append(parts, cur.String()), nil
}

var segmentEscaper = strings.NewReplacer(`\`, `\\`, `.`, `\.`)

// Join builds the canonical string of a concrete path from raw segments,
// escaping dots in map keys.
func Join(segments ...string) string {
	return Path{segments: segments}.String()
}

// MustParse is Parse for package-level constants; it panics on error.
func MustParse(s string) Path {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Path) String() string {
	escaped := make([]string, len(p.segments))
	for i, seg := range p.segments {
		escaped[i] = segmentEscaper.Replace(seg)
	}
	return strings.Join(escaped, ".")
}

func (p Path) Len() int { return len(p.segments) }

func (p Path) Segment(i int) string { return p.segments[i] }

func (p Path) HasWildcard() bool {
	for _, seg := range p.segments {
		if seg == Wildcard {
			return true
		}
	}
	return false
}

// Matches reports whether the concrete path c is an instance of pattern p.
func (p Path) Matches(c Path) bool {
	if len(p.segments) != len(c.segments) {
		return false
	}
	for i, seg := range p.segments {
		if seg != Wildcard && seg != c.segments[i] {
			return false
		}
	}
	return true
}

// Resolve walks tree along p and returns the numeric leaf.
func Resolve(tree map[string]interface{}, p Path) (float64, bool) {
	var node interface{} = tree
	for _, seg := range p.segments {
		m, ok := node.(map[string]interface{})
		if !ok {
			return 0, false
		}
		if node, ok = m[seg]; !ok {
			return 0, false
		}
	}
	return toFloat(node)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n) && !math.IsInf(n, 0)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// Value is one resolved sample. Present is false when the field was missing.
type Value struct {
	Path    Path
	Value   float64
	Present bool
}

// Schema is the configured set of metric path patterns.
type Schema struct {
	patterns []Path
}

// DefaultPatterns lists the series recorded for every host.
func DefaultPatterns() []string {
	return []string{
		"cpu_percent",
		"mem_percent",
		"total_throughput_mbps",
		"sent_mbps",
		"recv_mbps",
		"disks.*.percent",
		"disks.*.free_gb",
		"network_adapters.*.sent_Mbps",
		"network_adapters.*.recv_Mbps",
		"network_adapters.*.utilization_percent",
		"network_adapters.*.link_speed_mbps",
		"disk_io.*.read_Bps",
		"disk_io.*.write_Bps",
		"disk_io.*.read_ops_ps",
		"disk_io.*.write_ops_ps",
	}
}

func NewSchema(patterns []string) (*Schema, error) {
	if len(patterns) == 0 {
		return nil, fmt.Errorf("%w: schema needs at least one pattern", ErrInvalidPath)
	}
	s := &Schema{patterns: make([]Path, 0, len(patterns))}
	seen := make(map[string]bool, len(patterns))
	for _, raw := range patterns {
		p, err := Parse(raw)
		if err != nil {
			return nil, err
		}
		if seen[p.String()] {
			continue
		}
		seen[p.String()] = true
		s.patterns = append(s.patterns, p)
	}
	return s, nil
}

// Patterns returns the canonical pattern strings.
func (s *Schema) Patterns() []string {
	out := make([]string, len(s.patterns))
	for i, p := range s.patterns {
		out[i] = p.String()
	}
	return out
}

// Matches reports whether a concrete path is recordable under this schema.
func (s *Schema) Matches(p Path) bool {
	for _, pattern := range s.patterns {
		if pattern.Matches(p) {
			return true
		}
	}
	return false
}

// Expand resolves every pattern against tree. Wildcard segments fan out over
// the map keys present in tree. A pattern without wildcards always yields one
// Value, with Present=false when the field is missing. Output is sorted by path.
func (s *Schema) Expand(tree map[string]interface{}) []Value {
	byPath := make(map[string]Value)
	for _, pattern := range s.patterns {
		expand(tree, pattern.segments, nil, byPath)
		if !pattern.HasWildcard() {
			key := pattern.String()
			if _, ok := byPath[key]; !ok {
				byPath[key] = Value{Path: pattern}
			}
		}
	}
	out := make([]Value, 0, len(byPath))
	for _, v := range byPath {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path.String() < out[j].Path.String() })
	return out
}

func expand(node interface{}, rest []string, prefix []string, out map[string]Value) {
	if len(rest) == 0 {
		if v, ok := toFloat(node); ok {
			p := Path{segments: append([]string(nil), prefix...)}
			out[p.String()] = Value{Path: p, Value: v, Present: true}
		}
		return
	}
	m, ok := node.(map[string]interface{})
	if !ok {
		return
	}
	seg := rest[0]
	if seg != Wildcard {
		if child, ok := m[seg]; ok {
			expand(child, rest[1:], append(prefix, seg), out)
		}
		return
	}
	for key, child := range m {
		expand(child, rest[1:], append(prefix, key), out)
	}
}
