// Package timeseries holds rolling per-metric history for every host.
//
// Series are keyed by (hostname, metric path) and sharded: the index is
// guarded by an RWMutex and every series by its own mutex, so ingests from
// different hosts only meet briefly on the index.
package timeseries

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Sample is one metric value at ingest time. A nil Value is stored as null.
type Sample struct {
	Path  string
	Value *float64
}

// Point is a stored sample with its series identity, used for replay.
type Point struct {
	Hostname  string
	Path      string
	Timestamp time.Time
	Value     *float64
}

// Persister is the optional durable backend behind the in-memory store.
type Persister interface {
	WritePoints(ctx context.Context, hostname string, ts time.Time, samples []Sample) error
	DeleteBefore(ctx context.Context, cutoff time.Time) error
}

// Range is the result of QueryRange. Every series in Values has exactly
// len(Timestamps) entries; a nil entry means no value at that timestamp.
type Range struct {
	Timestamps []time.Time
	Values     map[string]map[string][]*float64 // hostname -> path -> values
}

// Stats reports the store's size.
type Stats struct {
	Series int
	Points int
}

type point struct {
	ts    time.Time
	value float64
	valid bool
}

func (p point) ptr() *float64 {
	if !p.valid {
		return nil
	}
	v := p.value
	return &v
}

type series struct {
	mu     sync.Mutex
	points []point
	dead   bool // removed from the index by Prune
}

// insert keeps points ordered by timestamp. Equal timestamps keep arrival order.
func (s *series) insert(p point) {
	n := len(s.points)
	if n == 0 || !p.ts.Before(s.points[n-1].ts) {
		s.points = append(s.points, p)
		return
	}
	i := sort.Search(n, func(i int) bool { return s.points[i].ts.After(p.ts) })
	s.points = append(s.points, point{})
	copy(s.points[i+1:], s.points[i:])
	s.points[i] = p
}

type Store struct {
	mu        sync.RWMutex
	hosts     map[string]map[string]*series
	persister Persister
}

// Option configures a Store.
type Option func(*Store)

// WithPersister writes every append through to p.
func WithPersister(p Persister) Option {
	return func(s *Store) { s.persister = p }
}

func NewStore(opts ...Option) *Store {
	s := &Store{hosts: make(map[string]map[string]*series)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) lookup(hostname, path string) *series {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hosts[hostname][path]
}

func (s *Store) getOrCreate(hostname, path string) *series {
	if sr := s.lookup(hostname, path); sr != nil {
		return sr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	paths, ok := s.hosts[hostname]
	if !ok {
		paths = make(map[string]*series)
		s.hosts[hostname] = paths
	}
	sr, ok := paths[path]
	if !ok {
		sr = &series{}
		paths[path] = sr
	}
	return sr
}

func (s *Store) add(hostname, path string, p point) {
	for {
		sr := s.getOrCreate(hostname, path)
		sr.mu.Lock()
		if sr.dead {
			// lost a race with Prune; the index no longer holds this series
			sr.mu.Unlock()
			continue
		}
		sr.insert(p)
		sr.mu.Unlock()
		return
	}
}

// Append records samples for hostname at ts. The in-memory points are kept
// even when the persister fails; that failure is returned.
func (s *Store) Append(ctx context.Context, hostname string, ts time.Time, samples []Sample) error {
	for _, sm := range samples {
		p := point{ts: ts}
		if sm.Value != nil {
			p.value, p.valid = *sm.Value, true
		}
		s.add(hostname, sm.Path, p)
	}
	if s.persister == nil || len(samples) == 0 {
		return nil
	}
	if err := s.persister.WritePoints(ctx, hostname, ts, samples); err != nil {
		return fmt.Errorf("persist %d samples for %s: %w", len(samples), hostname, err)
	}
	return nil
}

// Load inserts replayed points without writing them back to the persister.
func (s *Store) Load(points []Point) int {
	for _, p := range points {
		pt := point{ts: p.Timestamp}
		if p.Value != nil {
			pt.value, pt.valid = *p.Value, true
		}
		s.add(p.Hostname, p.Path, pt)
	}
	return len(points)
}

func (s *Store) window(hostname, path string, start, end time.Time) []point {
	sr := s.lookup(hostname, path)
	if sr == nil {
		return nil
	}
	sr.mu.Lock()
	defer sr.mu.Unlock()
	lo := sort.Search(len(sr.points), func(i int) bool { return !sr.points[i].ts.Before(start) })
	hi := sort.Search(len(sr.points), func(i int) bool { return sr.points[i].ts.After(end) })
	if lo >= hi {
		return nil
	}
	out := make([]point, hi-lo)
	copy(out, sr.points[lo:hi])
	return out
}

// QueryRange returns every requested (hostname, path) series over [start, end]
// aligned on the union of their timestamps. Series without a point at some
// timestamp get nil there; unknown series come back all nil. Values are never
// interpolated and no requested series is dropped.
func (s *Store) QueryRange(hostnames, paths []string, start, end time.Time) Range {
	windows := make(map[string]map[string][]point, len(hostnames))
	seen := make(map[int64]time.Time)
	for _, h := range hostnames {
		if _, ok := windows[h]; ok {
			continue
		}
		windows[h] = make(map[string][]point, len(paths))
		for _, p := range paths {
			pts := s.window(h, p, start, end)
			windows[h][p] = pts
			for _, pt := range pts {
				seen[pt.ts.UnixNano()] = pt.ts
			}
		}
	}

	axis := make([]time.Time, 0, len(seen))
	for _, ts := range seen {
		axis = append(axis, ts)
	}
	sort.Slice(axis, func(i, j int) bool { return axis[i].Before(axis[j]) })
	index := make(map[int64]int, len(axis))
	for i, ts := range axis {
		index[ts.UnixNano()] = i
	}

	out := Range{Timestamps: axis, Values: make(map[string]map[string][]*float64, len(windows))}
	for h, byPath := range windows {
		out.Values[h] = make(map[string][]*float64, len(byPath))
		for p, pts := range byPath {
			vals := make([]*float64, len(axis))
			// on duplicate timestamps the later arrival wins
			for _, pt := range pts {
				vals[index[pt.ts.UnixNano()]] = pt.ptr()
			}
			out.Values[h][p] = vals
		}
	}
	return out
}

// LatestSlice returns up to n most recent values of a series, oldest first.
func (s *Store) LatestSlice(hostname, path string, n int) []*float64 {
	sr := s.lookup(hostname, path)
	if sr == nil || n <= 0 {
		return []*float64{}
	}
	sr.mu.Lock()
	defer sr.mu.Unlock()
	from := len(sr.points) - n
	if from < 0 {
		from = 0
	}
	out := make([]*float64, 0, len(sr.points)-from)
	for _, p := range sr.points[from:] {
		out = append(out, p.ptr())
	}
	return out
}

// Latest returns the most recent non-null value of a series.
func (s *Store) Latest(hostname, path string) (float64, bool) {
	sr := s.lookup(hostname, path)
	if sr == nil {
		return 0, false
	}
	sr.mu.Lock()
	defer sr.mu.Unlock()
	for i := len(sr.points) - 1; i >= 0; i-- {
		if sr.points[i].valid {
			return sr.points[i].value, true
		}
	}
	return 0, false
}

// Paths lists the metric paths stored for hostname, sorted.
func (s *Store) Paths(hostname string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.hosts[hostname]))
	for p := range s.hosts[hostname] {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Prune drops points older than cutoff. Each series gets a fresh slice
// swapped in under its lock, so a concurrent reader sees either the whole
// old series or the whole pruned one. It returns the number of points removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	type ref struct {
		host, path string
		sr         *series
	}
	s.mu.RLock()
	refs := make([]ref, 0)
	for h, byPath := range s.hosts {
		for p, sr := range byPath {
			refs = append(refs, ref{h, p, sr})
		}
	}
	s.mu.RUnlock()

	removed := 0
	var empty []ref
	for _, r := range refs {
		r.sr.mu.Lock()
		keep := sort.Search(len(r.sr.points), func(i int) bool { return !r.sr.points[i].ts.Before(cutoff) })
		if keep > 0 {
			fresh := make([]point, len(r.sr.points)-keep)
			copy(fresh, r.sr.points[keep:])
			r.sr.points = fresh
			removed += keep
		}
		if len(r.sr.points) == 0 {
			empty = append(empty, r)
		}
		r.sr.mu.Unlock()
	}

	if len(empty) > 0 {
		s.mu.Lock()
		for _, r := range empty {
			r.sr.mu.Lock()
			// an append may have refilled it since
			if len(r.sr.points) == 0 && s.hosts[r.host][r.path] == r.sr {
				r.sr.dead = true
				delete(s.hosts[r.host], r.path)
				if len(s.hosts[r.host]) == 0 {
					delete(s.hosts, r.host)
				}
			}
			r.sr.mu.Unlock()
		}
		s.mu.Unlock()
	}

	if s.persister != nil {
		if err := s.persister.DeleteBefore(ctx, cutoff); err != nil {
			return removed, fmt.Errorf("delete persisted points before %s: %w", cutoff.Format(time.RFC3339), err)
		}
	}
	return removed, nil
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	var all []*series
	for _, byPath := range s.hosts {
		for _, sr := range byPath {
			all = append(all, sr)
		}
	}
	s.mu.RUnlock()

	st := Stats{Series: len(all)}
	for _, sr := range all {
		sr.mu.Lock()
		st.Points += len(sr.points)
		sr.mu.Unlock()
	}
	return st
}
