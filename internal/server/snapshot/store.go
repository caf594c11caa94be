// Package snapshot keeps the latest normalized snapshot of every host.
package snapshot

import (
	"sort"
	"sync"

	"github.com/4Noyis/netpulse/internal/server/models"
)

// entry is one host's slot. Its lock is the per-host critical section: ingest
// holds it for writing across all of its steps, readers that combine the
// snapshot with alert state hold it for reading.
type entry struct {
	mu   sync.RWMutex
	snap *models.HostSnapshot
}

// Store maps hostname to latest snapshot. Entries are never removed; a silent
// host stays visible with its last known values.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func NewStore() *Store {
	return &Store{entries: make(map[string]*entry)}
}

func (s *Store) lookup(hostname string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[hostname]
}

func (s *Store) getOrCreate(hostname string) *entry {
	if e := s.lookup(hostname); e != nil {
		return e
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[hostname]; ok {
		return e
	}
	e := &entry{}
	s.entries[hostname] = e
	return e
}

// Txn is the handle passed to Apply. It is only valid inside the callback.
type Txn struct {
	e *entry
}

// Current returns the stored snapshot, nil for a host never seen before.
// The returned value must not be modified.
func (t *Txn) Current() *models.HostSnapshot { return t.e.snap }

// Replace swaps in a new snapshot. The store keeps snap; callers must not
// modify it afterwards.
func (t *Txn) Replace(snap *models.HostSnapshot) { t.e.snap = snap }

// SetDown flips the down flag of the current snapshot. It reports whether the
// flag changed.
func (t *Txn) SetDown(down bool) bool {
	if t.e.snap == nil || t.e.snap.Down == down {
		return false
	}
	c := t.e.snap.Clone()
	c.Down = down
	t.e.snap = c
	return true
}

// Apply runs fn with the host's write lock held. A replacement made through
// the Txn stands even when fn returns an error afterwards.
func (s *Store) Apply(hostname string, fn func(tx *Txn) error) error {
	e := s.getOrCreate(hostname)
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(&Txn{e: e})
}

// View runs fn with the host's read lock held. fn is not called for an
// unknown host. snap must not be modified or retained.
func (s *Store) View(hostname string, fn func(snap *models.HostSnapshot)) bool {
	e := s.lookup(hostname)
	if e == nil {
		return false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.snap == nil {
		return false
	}
	fn(e.snap)
	return true
}

// Get returns a deep copy of the host's snapshot.
func (s *Store) Get(hostname string) (*models.HostSnapshot, bool) {
	var out *models.HostSnapshot
	ok := s.View(hostname, func(snap *models.HostSnapshot) {
		out = snap.Clone()
	})
	return out, ok
}

// Hostnames returns every host holding a snapshot, sorted.
func (s *Store) Hostnames() []string {
	s.mu.RLock()
	names := make([]string, 0, len(s.entries))
	entries := make([]*entry, 0, len(s.entries))
	for name, e := range s.entries {
		names = append(names, name)
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := names[:0]
	for i, e := range entries {
		e.mu.RLock()
		has := e.snap != nil
		e.mu.RUnlock()
		if has {
			out = append(out, names[i])
		}
	}
	sort.Strings(out)
	return out
}

// List returns deep copies of every snapshot, sorted by hostname.
func (s *Store) List() []*models.HostSnapshot {
	names := s.Hostnames()
	out := make([]*models.HostSnapshot, 0, len(names))
	for _, name := range names {
		if snap, ok := s.Get(name); ok {
			out = append(out, snap)
		}
	}
	return out
}

// MarkDown sets the host's down flag under its write lock.
func (s *Store) MarkDown(hostname string, down bool) bool {
	if s.lookup(hostname) == nil {
		return false
	}
	var changed bool
	_ = s.Apply(hostname, func(tx *Txn) error {
		changed = tx.SetDown(down)
		return nil
	})
	return changed
}

// Restore seeds snapshots at startup. A host that already has a newer
// snapshot keeps it. It returns how many snapshots were taken.
func (s *Store) Restore(snaps []*models.HostSnapshot) int {
	n := 0
	for _, snap := range snaps {
		if snap == nil || snap.Hostname == "" {
			continue
		}
		c := snap.Clone()
		_ = s.Apply(c.Hostname, func(tx *Txn) error {
			if cur := tx.Current(); cur != nil && !cur.LastSeen.Before(c.LastSeen) {
				return nil
			}
			tx.Replace(c)
			n++
			return nil
		})
	}
	return n
}

// Len returns the number of hosts holding a snapshot.
func (s *Store) Len() int {
	return len(s.Hostnames())
}
