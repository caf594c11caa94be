package query

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/4Noyis/netpulse/internal/server/alerts"
	"github.com/4Noyis/netpulse/internal/server/ingest"
	"github.com/4Noyis/netpulse/internal/server/metricpath"
	"github.com/4Noyis/netpulse/internal/server/models"
	"github.com/4Noyis/netpulse/internal/server/snapshot"
	"github.com/4Noyis/netpulse/internal/server/timeseries"
)

type env struct {
	clock    time.Time
	svc      *Service
	ingestor *ingest.Ingestor
	snaps    *snapshot.Store
	engine   *alerts.Engine
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{clock: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	now := func() time.Time { return e.clock }
	schema, err := metricpath.NewSchema(metricpath.DefaultPatterns())
	if err != nil {
		t.Fatal(err)
	}
	e.snaps = snapshot.NewStore()
	series := timeseries.NewStore()
	e.engine = alerts.New(alerts.DefaultConfig(), alerts.WithClock(now))
	e.ingestor = ingest.New(e.snaps, series, e.engine, schema, ingest.WithClock(now))
	opts := DefaultOptions()
	opts.Collector = models.Collector{ID: "collector", Name: "netpulse"}
	e.svc = NewService(e.snaps, series, e.engine, schema, opts)
	e.svc.SetClock(now)
	return e
}

func (e *env) ingest(t *testing.T, p *models.ClientPayload) {
	t.Helper()
	if _, err := e.ingestor.Ingest(context.Background(), p, ""); err != nil {
		t.Fatal(err)
	}
}

func report(host, ip string, cpu float64) *models.ClientPayload {
	return &models.ClientPayload{
		Hostname:            host,
		AgentIP:             ip,
		CPUPercent:          models.Float(cpu),
		MemPercent:          models.Float(30),
		TotalThroughputMbps: models.Float(10),
		NetworkAdapters: map[string]models.NetworkAdapterPayload{
			"eth0": {IsUp: true, LinkSpeedMbps: models.Float(1000), SentMbps: models.Float(4), RecvMbps: models.Float(6)},
		},
	}
}

func TestLatestAllStatusAndSparkline(t *testing.T) {
	e := newEnv(t)
	for i := 0; i < 25; i++ {
		e.ingest(t, report("h1", "10.0.0.1", float64(i)))
		e.clock = e.clock.Add(time.Second)
	}
	e.ingest(t, report("h2", "10.0.0.2", 95))
	e.clock = e.clock.Add(150 * time.Second)
	e.ingest(t, report("h3", "10.0.0.3", 5))

	latest := e.svc.LatestAll()
	if len(latest) != 3 {
		t.Fatalf("hosts = %d, want 3", len(latest))
	}
	if got := latest["h1"].Status; got != models.StatusStale {
		t.Errorf("h1 status = %s, want stale", got)
	}
	if got := latest["h3"].Status; got != models.StatusOnline {
		t.Errorf("h3 status = %s, want online", got)
	}
	if !latest["h2"].HasAlert || latest["h1"].HasAlert {
		t.Errorf("has_alert h1=%v h2=%v", latest["h1"].HasAlert, latest["h2"].HasAlert)
	}
	spark := latest["h1"].HistorySlice.CPU
	if len(spark) != 20 || *spark[19] != 24 {
		t.Errorf("sparkline len=%d last=%v, want 20 points ending at 24", len(spark), spark[len(spark)-1])
	}
	if latest["h3"].LastSeenRelative != "0s ago" {
		t.Errorf("last seen = %q", latest["h3"].LastSeenRelative)
	}
}

func TestDownHostStaysVisibleWithAlert(t *testing.T) {
	e := newEnv(t)
	e.ingest(t, report("h1", "10.0.0.1", 10))
	e.clock = e.clock.Add(5 * time.Minute)

	// what the liveness sweep does for the host
	lastSeen := e.clock.Add(-5 * time.Minute)
	down, err := e.engine.EvaluateLiveness(context.Background(), "h1", lastSeen, e.clock)
	if err != nil || !down {
		t.Fatalf("EvaluateLiveness() = %v, %v", down, err)
	}
	e.snaps.MarkDown("h1", true)

	got, ok := e.svc.LatestAll()["h1"]
	if !ok {
		t.Fatal("down host dropped from latest")
	}
	if got.Status != models.StatusDown || !got.HasAlert || got.CPUPercent != 10 {
		t.Errorf("down host = status %s alert %v cpu %v", got.Status, got.HasAlert, got.CPUPercent)
	}
}

func TestSummary(t *testing.T) {
	e := newEnv(t)
	a := report("a", "10.0.0.1", 95)
	a.PeerTraffic = map[string]models.PeerFlowPayload{"10.0.0.1_to_10.0.0.2": {Mbps: models.Float(5)}}
	b := report("b", "10.0.0.2", 10)
	b.TotalThroughputMbps = models.Float(-3)
	b.PeerTraffic = map[string]models.PeerFlowPayload{"10.0.0.1_to_10.0.0.2": {Mbps: models.Float(8)}}
	e.ingest(t, a)
	e.ingest(t, b)

	s := e.svc.Summary()
	if s.TotalAgentsActive != 2 {
		t.Errorf("active = %d, want 2", s.TotalAgentsActive)
	}
	if s.AgentsWithAlerts != 1 {
		t.Errorf("alerting = %d, want 1", s.AgentsWithAlerts)
	}
	// b reported -3, which is unavailable and left out of the sum
	if s.TotalNetworkThroughputMbps != 10 {
		t.Errorf("throughput = %v, want 10", s.TotalNetworkThroughputMbps)
	}
	if s.TotalPeerTrafficMbps != 8 {
		t.Errorf("peer traffic = %v, want 8", s.TotalPeerTrafficMbps)
	}
}

func TestHostHistory(t *testing.T) {
	e := newEnv(t)
	for i := 0; i < 70; i++ {
		e.ingest(t, report("h1", "10.0.0.1", float64(i)))
		e.clock = e.clock.Add(10 * time.Second)
	}
	h := e.svc.HostHistory("h1")
	if len(h.Timestamps) != 60 || len(h.CPUPercent) != 60 || len(h.MemPercent) != 60 {
		t.Fatalf("lengths ts=%d cpu=%d mem=%d, want 60", len(h.Timestamps), len(h.CPUPercent), len(h.MemPercent))
	}
	eth0, ok := h.NetworkInterfaces["eth0"]
	if !ok || len(eth0.SentMbps) != 60 || *eth0.RecvMbps[0] != 6 {
		t.Errorf("eth0 history = %+v", eth0)
	}
	if h.LatestLinkSpeeds["eth0"] != 1000 {
		t.Errorf("link speed = %v", h.LatestLinkSpeeds["eth0"])
	}

	empty := e.svc.HostHistory("ghost")
	if len(empty.Timestamps) != 0 || len(empty.NetworkInterfaces) != 0 {
		t.Errorf("unknown host history = %+v, want empty", empty)
	}
}

func TestHostHistoryVLANAdapter(t *testing.T) {
	e := newEnv(t)
	p := report("h1", "10.0.0.1", 5)
	p.NetworkAdapters["eth0.100"] = models.NetworkAdapterPayload{IsUp: true, LinkSpeedMbps: models.Float(1000), SentMbps: models.Float(7), RecvMbps: models.Float(2)}
	e.ingest(t, p)

	h := e.svc.HostHistory("h1")
	vlan, ok := h.NetworkInterfaces["eth0.100"]
	if !ok || len(vlan.SentMbps) != 1 || vlan.SentMbps[0] == nil || *vlan.SentMbps[0] != 7 {
		t.Errorf("eth0.100 history = %+v", vlan)
	}

	r, err := e.svc.HistoryRange([]string{"h1"}, []string{`network_interfaces.eth0\.100.recv_Mbps`}, e.clock.Add(-time.Minute), e.clock)
	if err != nil {
		t.Fatal(err)
	}
	if v := r.Results["h1"][`network_interfaces.eth0\.100.recv_Mbps`]; len(v) != 1 || v[0] == nil || *v[0] != 2 {
		t.Errorf("escaped range query = %v", v)
	}
}

func TestHistoryRange(t *testing.T) {
	e := newEnv(t)
	start := e.clock
	e.ingest(t, report("h1", "10.0.0.1", 1))
	e.clock = e.clock.Add(time.Second)
	e.ingest(t, report("h2", "10.0.0.2", 2))

	r, err := e.svc.HistoryRange(
		[]string{"h1", "h2"},
		[]string{"cpu_percent", "network_interfaces.eth0.sent_Mbps", "gpu_percent"},
		start, e.clock)
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Timestamps) != 2 {
		t.Fatalf("axis = %v, want 2 points", r.Timestamps)
	}
	h1 := r.Results["h1"]
	if v := h1["cpu_percent"]; v[0] == nil || *v[0] != 1 || v[1] != nil {
		t.Errorf("h1 cpu = %v", v)
	}
	if v := h1["network_interfaces.eth0.sent_Mbps"]; v[0] == nil || *v[0] != 4 {
		t.Errorf("alias path not resolved: %v", v)
	}
	if v := h1["gpu_percent"]; len(v) != 2 || v[0] != nil || v[1] != nil {
		t.Errorf("unknown metric = %v, want two nulls", v)
	}
	if len(r.UnknownMetrics) != 1 || r.UnknownMetrics[0] != "gpu_percent" {
		t.Errorf("unknown metrics = %v", r.UnknownMetrics)
	}
}

func TestHistoryRangeErrors(t *testing.T) {
	e := newEnv(t)
	now := e.clock
	tests := []struct {
		name    string
		hosts   []string
		metrics []string
		start   time.Time
		end     time.Time
		want    error
	}{
		{"reversed range", []string{"h1"}, []string{"cpu_percent"}, now, now.Add(-time.Hour), ErrInvalidRange},
		{"bad metric", []string{"h1"}, []string{"disks..percent"}, now, now, ErrInvalidMetric},
		{"pattern metric", []string{"h1"}, []string{"disks.*.percent"}, now, now, ErrInvalidMetric},
		{"no hosts", []string{" "}, []string{"cpu_percent"}, now, now, ErrMissingParam},
		{"no metrics", []string{"h1"}, nil, now, now, ErrMissingParam},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.svc.HistoryRange(tt.hosts, tt.metrics, tt.start, tt.end)
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestAlertsDefaultsToActive(t *testing.T) {
	e := newEnv(t)
	e.ingest(t, report("h1", "10.0.0.1", 95))
	e.clock = e.clock.Add(time.Second)
	e.ingest(t, report("h1", "10.0.0.1", 5))
	e.ingest(t, report("h2", "10.0.0.2", 99))

	active, err := e.svc.Alerts("", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].Hostname != "h2" {
		t.Errorf("active = %+v, want only h2", active)
	}
	all, err := e.svc.Alerts("ALL", "hostname", "asc")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].Hostname != "h1" {
		t.Errorf("all = %+v", all)
	}
}

func TestPeerIPs(t *testing.T) {
	e := newEnv(t)
	e.ingest(t, report("b", "10.0.0.2", 1))
	e.ingest(t, report("a", "10.0.0.1", 1))
	e.ingest(t, report("c", "", 1))
	ips := e.svc.PeerIPs()
	if len(ips) != 2 || ips[0] != "10.0.0.1" || ips[1] != "10.0.0.2" {
		t.Errorf("PeerIPs() = %v", ips)
	}
}

func TestChokeFlagAndAlertVisibleTogether(t *testing.T) {
	e := newEnv(t)
	choked := func(on bool) *models.ClientPayload {
		p := report("h1", "10.0.0.1", 5)
		pct := 10.0
		if on {
			pct = 95
		}
		p.NetworkAdapters["eth0"] = models.NetworkAdapterPayload{
			IsUp: true, LinkSpeedMbps: models.Float(1000), RecvPercentOfLink: models.Float(pct),
		}
		return p
	}
	e.ingest(t, choked(false))

	var stop atomic.Bool
	var torn atomic.Int64
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for !stop.Load() {
			for _, h := range e.svc.LatestAll() {
				if h.NetworkAdapters["eth0"].IsChoked != h.HasAlert {
					torn.Add(1)
				}
			}
			_ = e.svc.Summary()
			_ = e.svc.PeerFlows()
		}
	}()

	for i := 0; i < 1000; i++ {
		if _, err := e.ingestor.Ingest(context.Background(), choked(i%2 == 0), ""); err != nil {
			stop.Store(true)
			wg.Wait()
			t.Fatal(err)
		}
	}
	stop.Store(true)
	wg.Wait()
	if n := torn.Load(); n != 0 {
		t.Errorf("%d reads saw is_choked and the net_choked alert disagree", n)
	}
}
