package snapshot

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/4Noyis/netpulse/internal/server/models"
)

func put(s *Store, snap *models.HostSnapshot) {
	_ = s.Apply(snap.Hostname, func(tx *Txn) error {
		tx.Replace(snap)
		return nil
	})
}

func TestApplyReplacesSnapshot(t *testing.T) {
	s := NewStore()
	put(s, &models.HostSnapshot{Hostname: "h1", CPUPercent: 10, Disks: map[string]models.DiskUsage{"/": {Percent: 20}}})
	put(s, &models.HostSnapshot{Hostname: "h1", CPUPercent: 50})

	got, ok := s.Get("h1")
	if !ok {
		t.Fatal("h1 not found")
	}
	if got.CPUPercent != 50 {
		t.Errorf("CPUPercent = %v, want 50", got.CPUPercent)
	}
	if len(got.Disks) != 0 {
		t.Errorf("disks survived replacement: %v", got.Disks)
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
}

func TestReplacementStandsWhenCallbackFails(t *testing.T) {
	s := NewStore()
	boom := errors.New("boom")
	err := s.Apply("h1", func(tx *Txn) error {
		tx.Replace(&models.HostSnapshot{Hostname: "h1", CPUPercent: 7})
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Apply() error = %v, want boom", err)
	}
	if got, ok := s.Get("h1"); !ok || got.CPUPercent != 7 {
		t.Errorf("snapshot = %+v, %v; want CPUPercent 7", got, ok)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := NewStore()
	put(s, &models.HostSnapshot{Hostname: "h1", PeerTraffic: map[string]float64{"a_to_b": 1}})
	got, _ := s.Get("h1")
	got.PeerTraffic["a_to_b"] = 99

	again, _ := s.Get("h1")
	if again.PeerTraffic["a_to_b"] != 1 {
		t.Error("Get() leaked the stored map")
	}
}

func TestUnknownHost(t *testing.T) {
	s := NewStore()
	if _, ok := s.Get("nope"); ok {
		t.Error("Get() found unknown host")
	}
	if s.View("nope", func(*models.HostSnapshot) { t.Error("View() called fn for unknown host") }) {
		t.Error("View() reported unknown host")
	}
	if s.MarkDown("nope", true) {
		t.Error("MarkDown() changed unknown host")
	}
	// an Apply that never replaces leaves no visible host
	_ = s.Apply("ghost", func(*Txn) error { return nil })
	if names := s.Hostnames(); len(names) != 0 {
		t.Errorf("Hostnames() = %v, want none", names)
	}
}

func TestMarkDown(t *testing.T) {
	s := NewStore()
	put(s, &models.HostSnapshot{Hostname: "h1"})
	if !s.MarkDown("h1", true) {
		t.Fatal("MarkDown(true) reported no change")
	}
	if s.MarkDown("h1", true) {
		t.Error("second MarkDown(true) reported a change")
	}
	got, _ := s.Get("h1")
	if !got.Down {
		t.Error("Down flag not set")
	}
}

func TestListSorted(t *testing.T) {
	s := NewStore()
	for _, h := range []string{"c", "a", "b"} {
		put(s, &models.HostSnapshot{Hostname: h})
	}
	list := s.List()
	if len(list) != 3 {
		t.Fatalf("List() len = %d, want 3", len(list))
	}
	for i, want := range []string{"a", "b", "c"} {
		if list[i].Hostname != want {
			t.Errorf("List()[%d] = %s, want %s", i, list[i].Hostname, want)
		}
	}
}

func TestRestoreKeepsNewer(t *testing.T) {
	s := NewStore()
	now := time.Now()
	put(s, &models.HostSnapshot{Hostname: "h1", LastSeen: now, CPUPercent: 1})

	n := s.Restore([]*models.HostSnapshot{
		{Hostname: "h1", LastSeen: now.Add(-time.Minute), CPUPercent: 2},
		{Hostname: "h2", LastSeen: now, CPUPercent: 3},
		nil,
	})
	if n != 1 {
		t.Errorf("Restore() = %d, want 1", n)
	}
	if got, _ := s.Get("h1"); got.CPUPercent != 1 {
		t.Errorf("h1 CPUPercent = %v, want 1", got.CPUPercent)
	}
	if got, ok := s.Get("h2"); !ok || got.CPUPercent != 3 {
		t.Errorf("h2 not restored")
	}
}

func TestConcurrentApplySerializesPerHost(t *testing.T) {
	s := NewStore()
	const writers = 8
	const rounds = 200
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				_ = s.Apply("h1", func(tx *Txn) error {
					next := &models.HostSnapshot{Hostname: "h1"}
					if cur := tx.Current(); cur != nil {
						next.IntervalSec = cur.IntervalSec + 1
					}
					tx.Replace(next)
					return nil
				})
			}
		}()
	}
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				s.View("h1", func(*models.HostSnapshot) {})
				_ = s.Hostnames()
				put(s, &models.HostSnapshot{Hostname: fmt.Sprintf("other-%d", w)})
			}
		}(w)
	}
	wg.Wait()

	got, _ := s.Get("h1")
	if got.IntervalSec != writers*rounds-1 {
		t.Errorf("counter = %v, want %d (lost update)", got.IntervalSec, writers*rounds-1)
	}
}
