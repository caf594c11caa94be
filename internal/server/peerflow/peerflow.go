// Package peerflow derives the inter-host traffic graph and the connectivity
// graph from the hosts' latest snapshots. Nothing here is stored; both graphs
// are rebuilt on every query.
package peerflow

import (
	"errors"
	"fmt"
	"math"
	"net/netip"
	"sort"
	"strings"
	"time"

	"github.com/4Noyis/netpulse/internal/server/models"
)

var ErrInvalidFlowKey = errors.New("invalid peer flow key")

const flowSeparator = "_to_"

// RateEstimateMax names the dedup policy reported in graph metadata.
const RateEstimateMax = "max_of_reports"

const approximationNote = "Edge rates are sampled by one endpoint and may undercount under load. " +
	"When several hosts report the same ordered pair the largest report is used, not the sum."

// Pair is one ordered (source, target) IP pair.
type Pair struct {
	Source string
	Target string
}

// ParseFlowKey splits "ipA_to_ipB" and validates both addresses.
func ParseFlowKey(key string) (Pair, error) {
	src, dst, ok := strings.Cut(key, flowSeparator)
	if !ok {
		return Pair{}, fmt.Errorf("%w: %q has no %q separator", ErrInvalidFlowKey, key, flowSeparator)
	}
	srcAddr, err := netip.ParseAddr(src)
	if err != nil {
		return Pair{}, fmt.Errorf("%w: source %q: %v", ErrInvalidFlowKey, src, err)
	}
	dstAddr, err := netip.ParseAddr(dst)
	if err != nil {
		return Pair{}, fmt.Errorf("%w: target %q: %v", ErrInvalidFlowKey, dst, err)
	}
	return Pair{Source: srcAddr.String(), Target: dstAddr.String()}, nil
}

// FlowKey is the inverse of ParseFlowKey.
func FlowKey(source, target string) string {
	return source + flowSeparator + target
}

// IsActive reports whether snap counts as a live reporter at now.
func IsActive(snap *models.HostSnapshot, now time.Time, staleAfter time.Duration) bool {
	return snap != nil && !snap.Down && !snap.LastSeen.IsZero() && now.Sub(snap.LastSeen) <= staleAfter
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

type aggregate struct {
	rate      float64
	reporters int
}

// BuildGraph folds the peer_traffic maps of every active host into one edge
// per ordered pair, keeping the largest reported rate. Agent nodes are keyed
// by agent IP; IPs seen only in flows become external nodes. Every agent also
// gets a zero-rate reporting edge to the collector.
func BuildGraph(snaps []*models.HostSnapshot, collector models.Collector, now time.Time, staleAfter time.Duration) models.FlowGraph {
	graph := models.FlowGraph{
		Nodes: []models.FlowNode{{
			ID:          collector.ID,
			Name:        collector.Name,
			Hostname:    collector.Name,
			Kind:        models.NodeKindCollector,
			IsCollector: true,
		}},
		Links: []models.FlowEdge{},
		Metadata: models.FlowMetadata{
			RateEstimate: RateEstimateMax,
			Approximate:  true,
			Note:         approximationNote,
			GeneratedAt:  now.UTC(),
		},
	}

	agents := make(map[string]string) // agent IP -> hostname
	var active []*models.HostSnapshot
	for _, snap := range snaps {
		if !IsActive(snap, now, staleAfter) {
			continue
		}
		active = append(active, snap)
		if snap.AgentIP == "" || snap.AgentIP == collector.ID {
			continue
		}
		if _, dup := agents[snap.AgentIP]; !dup {
			agents[snap.AgentIP] = snap.Hostname
		}
	}

	flows := make(map[Pair]*aggregate)
	for _, snap := range active {
		for key, rate := range snap.PeerTraffic {
			pair, err := ParseFlowKey(key)
			if err != nil || !models.IsAvailable(rate) {
				continue
			}
			agg, ok := flows[pair]
			if !ok {
				agg = &aggregate{}
				flows[pair] = agg
			}
			agg.reporters++
			if rate > agg.rate {
				agg.rate = rate
			}
		}
	}

	external := make(map[string]bool)
	for pair := range flows {
		for _, ip := range []string{pair.Source, pair.Target} {
			if _, isAgent := agents[ip]; !isAgent && ip != collector.ID {
				external[ip] = true
			}
		}
	}

	for _, ip := range sortedKeys(agents) {
		graph.Nodes = append(graph.Nodes, models.FlowNode{
			ID:       ip,
			Name:     agents[ip],
			Hostname: agents[ip],
			Kind:     models.NodeKindAgent,
		})
	}
	for _, ip := range sortedKeys(external) {
		graph.Nodes = append(graph.Nodes, models.FlowNode{ID: ip, Name: ip, Kind: models.NodeKindExternal})
	}

	pairs := make([]Pair, 0, len(flows))
	for p := range flows {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Source != pairs[j].Source {
			return pairs[i].Source < pairs[j].Source
		}
		return pairs[i].Target < pairs[j].Target
	})
	for _, p := range pairs {
		agg := flows[p]
		graph.Links = append(graph.Links, models.FlowEdge{
			Source:    p.Source,
			Target:    p.Target,
			RateMbps:  round3(agg.rate),
			Type:      models.EdgeTypePeerTraffic,
			Reporters: agg.reporters,
		})
	}
	for _, ip := range sortedKeys(agents) {
		graph.Links = append(graph.Links, models.FlowEdge{
			Source: ip,
			Target: collector.ID,
			Type:   models.EdgeTypeReporting,
		})
	}
	return graph
}

// TotalPeerRate sums the traffic edges, leaving reporting edges out.
func TotalPeerRate(g models.FlowGraph) float64 {
	total := 0.0
	for _, e := range g.Links {
		if e.Type == models.EdgeTypePeerTraffic {
			total += e.RateMbps
		}
	}
	return round3(total)
}

func normalizeStatus(s string) string {
	switch strings.ToLower(s) {
	case models.ProbeSuccess:
		return models.ProbeSuccess
	case models.ProbeTimeout:
		return models.ProbeTimeout
	case models.ProbeError:
		return models.ProbeError
	default:
		return models.ProbeUnknown
	}
}

// BuildConnectivity merges the probe results of active hosts with node
// identity. Agent nodes are keyed by hostname; a probe target is matched to
// the collector by its ID or IP, or to an active agent by agent IP. Probes to
// anything else are dropped. Each unordered pair yields one link, the first
// one seen in hostname order.
func BuildConnectivity(snaps []*models.HostSnapshot, collector models.Collector, now time.Time, staleAfter time.Duration) models.ConnectivityGraph {
	graph := models.ConnectivityGraph{
		Nodes: []models.ConnectivityNode{{
			ID:          collector.ID,
			Name:        collector.Name,
			IP:          collector.IP,
			IsCollector: true,
		}},
		Links: []models.ConnectivityLink{},
	}

	var active []*models.HostSnapshot
	byIP := make(map[string]string)
	for _, snap := range snaps {
		if !IsActive(snap, now, staleAfter) || snap.Hostname == collector.ID {
			continue
		}
		active = append(active, snap)
		if snap.AgentIP != "" {
			if _, dup := byIP[snap.AgentIP]; !dup {
				byIP[snap.AgentIP] = snap.Hostname
			}
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Hostname < active[j].Hostname })

	for _, snap := range active {
		graph.Nodes = append(graph.Nodes, models.ConnectivityNode{ID: snap.Hostname, Name: snap.Hostname, IP: snap.AgentIP})
	}

	seen := make(map[[2]string]bool)
	for _, snap := range active {
		for _, targetIP := range sortedKeys(snap.PingResults) {
			var target string
			switch {
			case targetIP == collector.ID || (collector.IP != "" && targetIP == collector.IP):
				target = collector.ID
			default:
				target = byIP[targetIP]
			}
			if target == "" || target == snap.Hostname {
				continue
			}
			key := [2]string{snap.Hostname, target}
			if key[0] > key[1] {
				key[0], key[1] = key[1], key[0]
			}
			if seen[key] {
				continue
			}
			seen[key] = true

			r := snap.PingResults[targetIP]
			link := models.ConnectivityLink{
				Source: snap.Hostname,
				Target: target,
				Status: normalizeStatus(r.Status),
			}
			if r.LatencyMs != nil && models.IsAvailable(*r.LatencyMs) {
				lat := *r.LatencyMs
				link.LatencyMs = &lat
			}
			graph.Links = append(graph.Links, link)
		}
	}
	return graph
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
