// Package query implements the read side of the collector. Nothing here
// mutates state.
package query

import (
	"errors"
	"fmt"
	"math"
	"net/netip"
	"sort"
	"strings"
	"time"

	"github.com/4Noyis/netpulse/internal/server/alerts"
	"github.com/4Noyis/netpulse/internal/server/metricpath"
	"github.com/4Noyis/netpulse/internal/server/models"
	"github.com/4Noyis/netpulse/internal/server/peerflow"
	"github.com/4Noyis/netpulse/internal/server/snapshot"
	"github.com/4Noyis/netpulse/internal/server/timeseries"
)

var (
	ErrInvalidRange  = errors.New("invalid time range")
	ErrInvalidMetric = errors.New("invalid metric name")
	ErrMissingParam  = errors.New("missing parameter")
)

// Options tunes the read paths.
type Options struct {
	StaleAfter        time.Duration // hosts silent longer are not active
	DownAfter         time.Duration
	SparklinePoints   int
	HostHistoryWindow time.Duration
	HostHistoryPoints int
	Collector         models.Collector
}

func DefaultOptions() Options {
	return Options{
		StaleAfter:        120 * time.Second,
		DownAfter:         240 * time.Second,
		SparklinePoints:   20,
		HostHistoryWindow: time.Hour,
		HostHistoryPoints: 60,
		Collector:         models.Collector{ID: "collector", Name: "collector"},
	}
}

type Service struct {
	snapshots *snapshot.Store
	series    *timeseries.Store
	alerts    *alerts.Engine
	schema    *metricpath.Schema
	opts      Options
	now       func() time.Time
}

func NewService(snapshots *snapshot.Store, series *timeseries.Store, engine *alerts.Engine, schema *metricpath.Schema, opts Options) *Service {
	return &Service{
		snapshots: snapshots,
		series:    series,
		alerts:    engine,
		schema:    schema,
		opts:      opts,
		now:       time.Now,
	}
}

// SetClock replaces time.Now, for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) status(snap *models.HostSnapshot, now time.Time) string {
	age := now.Sub(snap.LastSeen)
	switch {
	case snap.Down || age > s.opts.DownAfter:
		return models.StatusDown
	case age > s.opts.StaleAfter:
		return models.StatusStale
	default:
		return models.StatusOnline
	}
}

// LatestAll returns every known host, including stale and down ones, keyed
// by hostname. The snapshot and its alert flag are read under the host's read
// lock so an ingest is seen either entirely or not at all.
func (s *Service) LatestAll() map[string]models.HostOverview {
	now := s.now()
	out := make(map[string]models.HostOverview)
	for _, host := range s.snapshots.Hostnames() {
		s.snapshots.View(host, func(snap *models.HostSnapshot) {
			out[host] = models.HostOverview{
				HostSnapshot:     *snap.Clone(),
				Status:           s.status(snap, now),
				LastSeenRelative: models.FormatTimeAgo(now.Sub(snap.LastSeen)),
				HasAlert:         s.alerts.HasActive(host),
				HistorySlice: models.HistorySlice{
					CPU: s.series.LatestSlice(host, "cpu_percent", s.opts.SparklinePoints),
					Mem: s.series.LatestSlice(host, "mem_percent", s.opts.SparklinePoints),
				},
			}
		})
	}
	return out
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// Summary derives the dashboard counters. Peer traffic uses the deduplicated
// flow graph, never the raw per-host reports.
func (s *Service) Summary() models.Summary {
	now := s.now()
	snaps := s.snapshots.List()
	var sum models.Summary
	total := 0.0
	for _, snap := range snaps {
		if !peerflow.IsActive(snap, now, s.opts.StaleAfter) {
			continue
		}
		sum.TotalAgentsActive++
		if models.IsAvailable(snap.TotalThroughputMbps) {
			total += snap.TotalThroughputMbps
		}
	}
	sum.AgentsWithAlerts = len(s.alerts.ActiveHosts())
	sum.TotalNetworkThroughputMbps = round(total, 2)
	sum.TotalPeerTrafficMbps = peerflow.TotalPeerRate(peerflow.BuildGraph(snaps, s.opts.Collector, now, s.opts.StaleAfter))
	return sum
}

func tail[T any](v []T, n int) []T {
	if n <= 0 || len(v) <= n {
		return v
	}
	return v[len(v)-n:]
}

// HostHistory returns the detail-chart series of one host over the recent
// window, capped to the configured number of points. Adapters are those of
// the latest snapshot. An unknown host yields an empty result.
func (s *Service) HostHistory(hostname string) models.HostHistory {
	out := models.HostHistory{
		Hostname:          hostname,
		Timestamps:        []time.Time{},
		CPUPercent:        []*float64{},
		MemPercent:        []*float64{},
		NetworkInterfaces: map[string]models.InterfaceHistory{},
		LatestLinkSpeeds:  map[string]float64{},
	}
	var adapters []string
	s.snapshots.View(hostname, func(snap *models.HostSnapshot) {
		for name, a := range snap.NetworkAdapters {
			adapters = append(adapters, name)
			out.LatestLinkSpeeds[name] = a.LinkSpeedMbps
		}
	})
	sort.Strings(adapters)

	paths := []string{"cpu_percent", "mem_percent"}
	for _, name := range adapters {
		paths = append(paths, adapterPath(name, "sent_Mbps"), adapterPath(name, "recv_Mbps"))
	}
	now := s.now()
	r := s.series.QueryRange([]string{hostname}, paths, now.Add(-s.opts.HostHistoryWindow), now)
	n := s.opts.HostHistoryPoints
	values := r.Values[hostname]

	out.Timestamps = tail(r.Timestamps, n)
	out.CPUPercent = tail(values["cpu_percent"], n)
	out.MemPercent = tail(values["mem_percent"], n)
	for _, name := range adapters {
		out.NetworkInterfaces[name] = models.InterfaceHistory{
			SentMbps: tail(values[adapterPath(name, "sent_Mbps")], n),
			RecvMbps: tail(values[adapterPath(name, "recv_Mbps")], n),
		}
	}
	return out
}

func adapterPath(adapter, field string) string {
	return metricpath.Join("network_adapters", adapter, field)
}

// HistoryRange answers an arbitrary range query. Results are keyed by the
// metric names as requested. A name that does not parse fails the query; a
// name that parses but is not recorded comes back as an all-null series and
// is listed in UnknownMetrics.
func (s *Service) HistoryRange(hostnames, metrics []string, start, end time.Time) (models.HistoryRange, error) {
	hostnames = cleanList(hostnames)
	metrics = cleanList(metrics)
	if len(hostnames) == 0 {
		return models.HistoryRange{}, fmt.Errorf("%w: hostnames", ErrMissingParam)
	}
	if len(metrics) == 0 {
		return models.HistoryRange{}, fmt.Errorf("%w: metrics", ErrMissingParam)
	}
	if end.Before(start) {
		return models.HistoryRange{}, fmt.Errorf("%w: start %s is after end %s", ErrInvalidRange,
			start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	canonical := make([]string, len(metrics))
	var unknown []string
	for i, m := range metrics {
		p, err := metricpath.Parse(m)
		if err != nil {
			return models.HistoryRange{}, fmt.Errorf("%w: %v", ErrInvalidMetric, err)
		}
		if p.HasWildcard() {
			return models.HistoryRange{}, fmt.Errorf("%w: %q is a pattern, not a metric", ErrInvalidMetric, m)
		}
		canonical[i] = p.String()
		if !s.schema.Matches(p) {
			unknown = append(unknown, m)
		}
	}

	r := s.series.QueryRange(hostnames, canonical, start, end)
	out := models.HistoryRange{
		Timestamps:     r.Timestamps,
		Results:        make(map[string]map[string][]*float64, len(hostnames)),
		UnknownMetrics: unknown,
	}
	for _, h := range hostnames {
		out.Results[h] = make(map[string][]*float64, len(metrics))
		for i, m := range metrics {
			out.Results[h][m] = r.Values[h][canonical[i]]
		}
	}
	return out, nil
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// Alerts lists alert rows. An empty status means active; order is "asc" or
// "desc" and only applies with an explicit sort field.
func (s *Service) Alerts(status, sortField, order string) ([]models.AlertRecord, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	if status == "" {
		status = models.AlertActive
	}
	desc := strings.EqualFold(order, "desc")
	return s.alerts.List(status, strings.TrimSpace(sortField), desc)
}

func (s *Service) PeerFlows() models.FlowGraph {
	return peerflow.BuildGraph(s.snapshots.List(), s.opts.Collector, s.now(), s.opts.StaleAfter)
}

func (s *Service) Connectivity() models.ConnectivityGraph {
	return peerflow.BuildConnectivity(s.snapshots.List(), s.opts.Collector, s.now(), s.opts.StaleAfter)
}

// PeerIPs returns the agent IPs of active hosts, sorted, for agents that
// probe their peers.
func (s *Service) PeerIPs() []string {
	now := s.now()
	seen := make(map[string]bool)
	out := []string{}
	for _, snap := range s.snapshots.List() {
		if !peerflow.IsActive(snap, now, s.opts.StaleAfter) || seen[snap.AgentIP] {
			continue
		}
		if _, err := netip.ParseAddr(snap.AgentIP); err != nil {
			continue
		}
		seen[snap.AgentIP] = true
		out = append(out, snap.AgentIP)
	}
	sort.Strings(out)
	return out
}

// Schema returns the recorded metric path patterns.
func (s *Service) Schema() []string {
	return s.schema.Patterns()
}
