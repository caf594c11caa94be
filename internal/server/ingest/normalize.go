package ingest

import (
	"errors"
	"fmt"
	"math"
	"net/netip"
	"strings"
	"time"

	"github.com/4Noyis/netpulse/internal/server/models"
)

// ErrInvalidPayload marks a payload that is rejected as a whole.
var ErrInvalidPayload = errors.New("invalid payload")

const maxHostnameLen = 255

// Layouts accepted for timestamp_utc, most specific first. Agents written in
// other languages often omit the zone; those are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func parseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// percent keeps v when it is a valid percentage, else the sentinel.
func percent(v *float64) float64 {
	if v == nil || !models.IsAvailable(*v) || *v > 100 {
		return models.Unavailable
	}
	return *v
}

// nonNegative keeps v when it is a finite value >= 0, else the sentinel.
func nonNegative(v *float64) float64 {
	if v == nil || !models.IsAvailable(*v) {
		return models.Unavailable
	}
	return *v
}

func resolveAgentIP(claimed, remote string) (string, error) {
	claimed = strings.TrimSpace(claimed)
	if claimed == "" || strings.EqualFold(claimed, "N/A") {
		if addr, err := netip.ParseAddr(remote); err == nil {
			return addr.Unmap().String(), nil
		}
		return "", nil
	}
	addr, err := netip.ParseAddr(claimed)
	if err != nil {
		return "", fmt.Errorf("%w: agent_ip %q is not an IP address", ErrInvalidPayload, claimed)
	}
	return addr.Unmap().String(), nil
}

// Normalize validates p and converts it into a snapshot. Only a missing
// hostname or a malformed agent_ip rejects the payload; any numeric field that
// is absent or out of range becomes models.Unavailable. Choke flags are
// recomputed with chokePercent and never taken from the agent.
func Normalize(p *models.ClientPayload, remoteIP string, now time.Time, chokePercent float64) (*models.HostSnapshot, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: empty body", ErrInvalidPayload)
	}
	hostname := strings.TrimSpace(p.Hostname)
	if hostname == "" {
		return nil, fmt.Errorf("%w: hostname is required", ErrInvalidPayload)
	}
	if len(hostname) > maxHostnameLen {
		return nil, fmt.Errorf("%w: hostname longer than %d bytes", ErrInvalidPayload, maxHostnameLen)
	}
	agentIP, err := resolveAgentIP(p.AgentIP, remoteIP)
	if err != nil {
		return nil, err
	}

	now = now.UTC()
	ts, ok := parseTimestamp(p.TimestampUTC)
	if !ok {
		ts = now
	}

	snap := &models.HostSnapshot{
		Hostname:            hostname,
		AgentIP:             agentIP,
		TimestampUTC:        ts,
		IntervalSec:         nonNegative(p.IntervalSec),
		CPUPercent:          percent(p.CPUPercent),
		MemPercent:          percent(p.MemPercent),
		TotalThroughputMbps: nonNegative(p.TotalThroughputMbps),
		SentMbps:            nonNegative(p.SentMbps),
		RecvMbps:            nonNegative(p.RecvMbps),
		Disks:               make(map[string]models.DiskUsage, len(p.Disks)),
		NetworkAdapters:     make(map[string]models.NetworkAdapter, len(p.NetworkAdapters)),
		DiskIO:              make(map[string]models.DiskIO, len(p.DiskIO)),
		PeerTraffic:         make(map[string]float64, len(p.PeerTraffic)),
		PingResults:         make(map[string]models.PingResult, len(p.PingResults)),
		LastSeen:            now,
	}
	// derive the total when the agent only sent the directions
	if !models.IsAvailable(snap.TotalThroughputMbps) && models.IsAvailable(snap.SentMbps) && models.IsAvailable(snap.RecvMbps) {
		snap.TotalThroughputMbps = snap.SentMbps + snap.RecvMbps
	}

	for name, d := range p.Disks {
		snap.Disks[name] = models.DiskUsage{
			FreeGB:  nonNegative(d.FreeGB),
			TotalGB: nonNegative(d.TotalGB),
			Percent: percent(d.Percent),
		}
	}

	for name, a := range p.NetworkAdapters {
		util := models.Utilization(a)
		adapter := models.NetworkAdapter{
			LinkSpeedMbps:      nonNegative(a.LinkSpeedMbps),
			UtilizationPercent: util,
			IsUp:               a.IsUp,
			SentMbps:           nonNegative(a.SentMbps),
			RecvMbps:           nonNegative(a.RecvMbps),
		}
		adapter.IsChoked = models.IsChoked(adapter, chokePercent)
		snap.NetworkAdapters[name] = adapter
	}

	for name, io := range p.DiskIO {
		snap.DiskIO[name] = models.DiskIO{
			ReadBps:    nonNegative(io.ReadBps),
			WriteBps:   nonNegative(io.WriteBps),
			ReadOpsPS:  nonNegative(io.ReadOpsPS),
			WriteOpsPS: nonNegative(io.WriteOpsPS),
		}
	}

	// peer_traffic keys are kept as sent; the aggregator validates them
	for key, flow := range p.PeerTraffic {
		snap.PeerTraffic[key] = nonNegative(flow.Mbps)
	}

	for target, r := range p.PingResults {
		res := models.PingResult{Status: strings.ToLower(strings.TrimSpace(r.Status))}
		if res.Status == "" {
			res.Status = models.ProbeUnknown
		}
		if r.LatencyMs != nil && models.IsAvailable(*r.LatencyMs) {
			lat := *r.LatencyMs
			res.LatencyMs = &lat
		}
		if r.Timestamp != nil && models.IsAvailable(*r.Timestamp) {
			sec, frac := math.Modf(*r.Timestamp)
			res.ProbedAt = time.Unix(int64(sec), int64(frac*1e9)).UTC()
		}
		snap.PingResults[target] = res
	}
	return snap, nil
}
