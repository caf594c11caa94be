package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/4Noyis/netpulse/internal/server/alerts"
	"github.com/4Noyis/netpulse/internal/server/models"
	"github.com/4Noyis/netpulse/internal/server/snapshot"
	"github.com/4Noyis/netpulse/internal/server/timeseries"
)

type recorder struct {
	mu     sync.Mutex
	done   map[string]int
	failed map[string]int
	pruned int
}

func newRecorder() *recorder {
	return &recorder{done: map[string]int{}, failed: map[string]int{}}
}

func (r *recorder) SweepDone(_ context.Context, task string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done[task]++
	if err != nil {
		r.failed[task]++
	}
}

func (r *recorder) PointsPruned(_ context.Context, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruned += n
}

type fixture struct {
	clock  time.Time
	snaps  *snapshot.Store
	series *timeseries.Store
	engine *alerts.Engine
	rec    *recorder
	sw     *Sweeper
}

func newFixture() *fixture {
	f := &fixture{clock: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), rec: newRecorder()}
	now := func() time.Time { return f.clock }
	f.snaps = snapshot.NewStore()
	f.series = timeseries.NewStore()
	f.engine = alerts.New(alerts.DefaultConfig(), alerts.WithClock(now))
	f.sw = New(DefaultConfig(), f.snaps, f.series, f.engine, WithClock(now), WithRecorder(f.rec))
	return f
}

func (f *fixture) put(host string, lastSeen time.Time) {
	_ = f.snaps.Apply(host, func(tx *snapshot.Txn) error {
		tx.Replace(&models.HostSnapshot{Hostname: host, CPUPercent: 42, LastSeen: lastSeen})
		return nil
	})
}

func TestLivenessMarksSilentHostDown(t *testing.T) {
	f := newFixture()
	f.put("quiet", f.clock)
	f.put("chatty", f.clock)
	f.clock = f.clock.Add(5 * time.Minute)
	f.put("chatty", f.clock)

	if err := f.sw.LivenessOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	quiet, ok := f.snaps.Get("quiet")
	if !ok {
		t.Fatal("down host snapshot deleted")
	}
	if !quiet.Down || quiet.CPUPercent != 42 {
		t.Errorf("quiet = down %v cpu %v, want down with last values kept", quiet.Down, quiet.CPUPercent)
	}
	if chatty, _ := f.snaps.Get("chatty"); chatty.Down {
		t.Error("active host marked down")
	}
	rows := f.engine.ActiveForHost("quiet")
	if len(rows) != 1 || rows[0].AlertType != models.AlertAgentDown {
		t.Errorf("quiet alerts = %+v, want one agent_down", rows)
	}
	if f.engine.HasActive("chatty") {
		t.Error("active host has an alert")
	}

	// a second sweep refreshes rather than duplicates
	f.clock = f.clock.Add(time.Minute)
	if err := f.sw.LivenessOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if active, _ := f.engine.Count(); active != 1 {
		t.Errorf("active alerts = %d after second sweep, want 1", active)
	}
}

func TestPruneOnce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	v := 1.0
	old := f.clock.Add(-8 * 24 * time.Hour)
	recent := f.clock.Add(-time.Hour)
	_ = f.series.Append(ctx, "h1", old, []timeseries.Sample{{Path: "cpu_percent", Value: &v}})
	_ = f.series.Append(ctx, "h1", recent, []timeseries.Sample{{Path: "cpu_percent", Value: &v}})

	if err := f.sw.PruneOnce(ctx); err != nil {
		t.Fatal(err)
	}
	r := f.series.QueryRange([]string{"h1"}, []string{"cpu_percent"}, old.Add(-time.Hour), f.clock)
	if len(r.Timestamps) != 1 || !r.Timestamps[0].Equal(recent) {
		t.Errorf("timestamps after prune = %v, want only %v", r.Timestamps, recent)
	}
	if f.rec.pruned != 1 {
		t.Errorf("pruned count = %d, want 1", f.rec.pruned)
	}
}

func TestTickRecoversFromPanic(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.sw.tick(ctx, "boom", func(context.Context) error { panic("kaboom") })
	f.sw.tick(ctx, "boom", func(context.Context) error { return errors.New("plain failure") })
	f.sw.tick(ctx, "boom", func(context.Context) error { return nil })
	if f.rec.done["boom"] != 3 || f.rec.failed["boom"] != 2 {
		t.Errorf("done=%d failed=%d, want 3 and 2", f.rec.done["boom"], f.rec.failed["boom"])
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sw.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
