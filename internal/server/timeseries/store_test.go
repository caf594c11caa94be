package timeseries

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func f(v float64) *float64 { return &v }

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakePersister struct {
	mu        sync.Mutex
	writes    int
	deletedTo time.Time
	err       error
}

func (p *fakePersister) WritePoints(_ context.Context, _ string, _ time.Time, _ []Sample) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes++
	return p.err
}

func (p *fakePersister) DeleteBefore(_ context.Context, cutoff time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deletedTo = cutoff
	return p.err
}

func TestQueryRangeAlignsOnUnionAxis(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	// h1 reports at t0, t0+10s, t0+20s; h2 only at t0+5s and t0+20s
	_ = s.Append(ctx, "h1", t0, []Sample{{Path: "cpu_percent", Value: f(1)}})
	_ = s.Append(ctx, "h1", t0.Add(10*time.Second), []Sample{{Path: "cpu_percent", Value: f(2)}})
	_ = s.Append(ctx, "h1", t0.Add(20*time.Second), []Sample{{Path: "cpu_percent", Value: f(3)}})
	_ = s.Append(ctx, "h2", t0.Add(5*time.Second), []Sample{{Path: "cpu_percent", Value: f(7)}})
	_ = s.Append(ctx, "h2", t0.Add(20*time.Second), []Sample{{Path: "cpu_percent", Value: f(8)}})

	r := s.QueryRange([]string{"h1", "h2", "ghost"}, []string{"cpu_percent", "mem_percent"}, t0, t0.Add(time.Minute))

	wantAxis := []time.Duration{0, 5 * time.Second, 10 * time.Second, 20 * time.Second}
	if len(r.Timestamps) != len(wantAxis) {
		t.Fatalf("axis len = %d, want %d", len(r.Timestamps), len(wantAxis))
	}
	for i, d := range wantAxis {
		if !r.Timestamps[i].Equal(t0.Add(d)) {
			t.Errorf("axis[%d] = %v, want %v", i, r.Timestamps[i], t0.Add(d))
		}
	}

	for _, h := range []string{"h1", "h2", "ghost"} {
		for _, p := range []string{"cpu_percent", "mem_percent"} {
			if got := len(r.Values[h][p]); got != len(wantAxis) {
				t.Errorf("%s/%s len = %d, want %d", h, p, got, len(wantAxis))
			}
		}
	}

	check := func(host string, want []*float64) {
		t.Helper()
		got := r.Values[host]["cpu_percent"]
		for i := range want {
			switch {
			case want[i] == nil && got[i] != nil:
				t.Errorf("%s[%d] = %v, want null", host, i, *got[i])
			case want[i] != nil && (got[i] == nil || *got[i] != *want[i]):
				t.Errorf("%s[%d] = %v, want %v", host, i, got[i], *want[i])
			}
		}
	}
	check("h1", []*float64{f(1), nil, f(2), f(3)})
	check("h2", []*float64{nil, f(7), nil, f(8)})
	check("ghost", []*float64{nil, nil, nil, nil})
}

func TestQueryRangeBounds(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = s.Append(ctx, "h1", t0.Add(time.Duration(i)*time.Minute), []Sample{{Path: "cpu_percent", Value: f(float64(i))}})
	}
	r := s.QueryRange([]string{"h1"}, []string{"cpu_percent"}, t0.Add(time.Minute), t0.Add(3*time.Minute))
	if len(r.Timestamps) != 3 {
		t.Fatalf("inclusive range returned %d points, want 3", len(r.Timestamps))
	}
	if v := r.Values["h1"]["cpu_percent"][0]; v == nil || *v != 1 {
		t.Errorf("first value = %v, want 1", v)
	}
}

func TestNullValuesStayNull(t *testing.T) {
	s := NewStore()
	_ = s.Append(context.Background(), "h1", t0, []Sample{{Path: "mem_percent", Value: nil}})
	got := s.LatestSlice("h1", "mem_percent", 5)
	if len(got) != 1 || got[0] != nil {
		t.Errorf("LatestSlice() = %v, want [nil]", got)
	}
	if _, ok := s.Latest("h1", "mem_percent"); ok {
		t.Error("Latest() returned a value for a null-only series")
	}
}

func TestOutOfOrderAppendKeepsOrder(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	_ = s.Append(ctx, "h1", t0.Add(2*time.Second), []Sample{{Path: "cpu_percent", Value: f(2)}})
	_ = s.Append(ctx, "h1", t0, []Sample{{Path: "cpu_percent", Value: f(0)}})
	_ = s.Append(ctx, "h1", t0.Add(time.Second), []Sample{{Path: "cpu_percent", Value: f(1)}})

	got := s.LatestSlice("h1", "cpu_percent", 10)
	for i, v := range got {
		if v == nil || *v != float64(i) {
			t.Fatalf("LatestSlice() = %v, want ascending 0,1,2", got)
		}
	}
}

func TestLatestSlice(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	for i := 0; i < 30; i++ {
		_ = s.Append(ctx, "h1", t0.Add(time.Duration(i)*time.Second), []Sample{{Path: "cpu_percent", Value: f(float64(i))}})
	}
	got := s.LatestSlice("h1", "cpu_percent", 20)
	if len(got) != 20 {
		t.Fatalf("len = %d, want 20", len(got))
	}
	if *got[0] != 10 || *got[19] != 29 {
		t.Errorf("slice spans %v..%v, want 10..29", *got[0], *got[19])
	}
	if got := s.LatestSlice("ghost", "cpu_percent", 20); len(got) != 0 {
		t.Errorf("unknown series slice = %v, want empty", got)
	}
}

func TestPrune(t *testing.T) {
	p := &fakePersister{}
	s := NewStore(WithPersister(p))
	ctx := context.Background()
	old := t0.Add(-8 * 24 * time.Hour)
	_ = s.Append(ctx, "h1", old, []Sample{{Path: "cpu_percent", Value: f(1)}, {Path: "mem_percent", Value: f(1)}})
	_ = s.Append(ctx, "h1", t0, []Sample{{Path: "cpu_percent", Value: f(2)}})
	_ = s.Append(ctx, "h2", old, []Sample{{Path: "cpu_percent", Value: f(3)}})

	cutoff := t0.Add(-7 * 24 * time.Hour)
	removed, err := s.Prune(ctx, cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 3 {
		t.Errorf("removed = %d, want 3", removed)
	}

	r := s.QueryRange([]string{"h1", "h2"}, []string{"cpu_percent"}, time.Time{}, t0.Add(time.Hour))
	for _, ts := range r.Timestamps {
		if ts.Before(cutoff) {
			t.Errorf("point at %v survived prune", ts)
		}
	}
	if st := s.Stats(); st.Series != 1 || st.Points != 1 {
		t.Errorf("Stats() = %+v, want 1 series 1 point", st)
	}
	if paths := s.Paths("h2"); len(paths) != 0 {
		t.Errorf("h2 paths = %v, want none", paths)
	}
	if !p.deletedTo.Equal(cutoff) {
		t.Errorf("persister cutoff = %v, want %v", p.deletedTo, cutoff)
	}

	// a pruned series can be written again
	_ = s.Append(ctx, "h2", t0, []Sample{{Path: "cpu_percent", Value: f(4)}})
	if v, ok := s.Latest("h2", "cpu_percent"); !ok || v != 4 {
		t.Errorf("Latest after re-append = %v, %v", v, ok)
	}
}

func TestPersisterFailureKeepsPoint(t *testing.T) {
	p := &fakePersister{err: errors.New("influx down")}
	s := NewStore(WithPersister(p))
	err := s.Append(context.Background(), "h1", t0, []Sample{{Path: "cpu_percent", Value: f(5)}})
	if err == nil {
		t.Fatal("Append() error = nil, want persister error")
	}
	if v, ok := s.Latest("h1", "cpu_percent"); !ok || v != 5 {
		t.Errorf("point lost after persister failure: %v %v", v, ok)
	}
}

func TestLoadDoesNotPersist(t *testing.T) {
	p := &fakePersister{}
	s := NewStore(WithPersister(p))
	n := s.Load([]Point{
		{Hostname: "h1", Path: "cpu_percent", Timestamp: t0, Value: f(1)},
		{Hostname: "h1", Path: "cpu_percent", Timestamp: t0.Add(time.Second), Value: f(2)},
	})
	if n != 2 {
		t.Errorf("Load() = %d, want 2", n)
	}
	if p.writes != 0 {
		t.Errorf("Load() wrote %d times to the persister", p.writes)
	}
}

func TestConcurrentAppendAndPrune(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				ts := t0.Add(time.Duration(i) * time.Second)
				_ = s.Append(ctx, "h1", ts, []Sample{{Path: "cpu_percent", Value: f(float64(w))}})
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_, _ = s.Prune(ctx, t0.Add(time.Duration(i)*time.Second))
			_ = s.QueryRange([]string{"h1"}, []string{"cpu_percent"}, t0, t0.Add(time.Hour))
		}
	}()
	wg.Wait()

	r := s.QueryRange([]string{"h1"}, []string{"cpu_percent"}, time.Time{}, t0.Add(time.Hour))
	for i := 1; i < len(r.Timestamps); i++ {
		if r.Timestamps[i].Before(r.Timestamps[i-1]) {
			t.Fatalf("axis out of order at %d", i)
		}
	}
}
