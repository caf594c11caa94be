package models

import (
	"fmt"
	"math"
	"time"
)

// Unavailable marks a numeric field whose value is missing or out of range.
// The dashboard treats any value >= 0 as valid, so the sentinel must stay negative.
const Unavailable = -1.0

// IsAvailable reports whether v holds a real measurement.
func IsAvailable(v float64) bool {
	return v >= 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}

type DiskUsage struct {
	FreeGB  float64 `json:"free_gb"`
	TotalGB float64 `json:"total_gb"`
	Percent float64 `json:"percent"`
}

type NetworkAdapter struct {
	LinkSpeedMbps      float64 `json:"link_speed_mbps"`
	UtilizationPercent float64 `json:"utilization_percent"`
	IsUp               bool    `json:"is_up"`
	SentMbps           float64 `json:"sent_Mbps"`
	RecvMbps           float64 `json:"recv_Mbps"`
	IsChoked           bool    `json:"is_choked"`
}

type DiskIO struct {
	ReadBps    float64 `json:"read_Bps"`
	WriteBps   float64 `json:"write_Bps"`
	ReadOpsPS  float64 `json:"read_ops_ps"`
	WriteOpsPS float64 `json:"write_ops_ps"`
}

type PingResult struct {
	Status    string    `json:"status"`
	LatencyMs *float64  `json:"latency_ms"`
	ProbedAt  time.Time `json:"probed_at,omitempty"`
}

// HostSnapshot is the normalized latest state of one host.
type HostSnapshot struct {
	Hostname            string                    `json:"hostname"`
	AgentIP             string                    `json:"agent_ip"`
	TimestampUTC        time.Time                 `json:"timestamp_utc"`
	IntervalSec         float64                   `json:"interval_sec"`
	CPUPercent          float64                   `json:"cpu_percent"`
	MemPercent          float64                   `json:"mem_percent"`
	TotalThroughputMbps float64                   `json:"total_throughput_mbps"`
	SentMbps            float64                   `json:"sent_mbps"`
	RecvMbps            float64                   `json:"recv_mbps"`
	Disks               map[string]DiskUsage      `json:"disks"`
	NetworkAdapters     map[string]NetworkAdapter `json:"network_adapters"`
	DiskIO              map[string]DiskIO         `json:"disk_io"`
	PeerTraffic         map[string]float64        `json:"peer_traffic"` // "ipA_to_ipB" -> Mbps
	PingResults         map[string]PingResult     `json:"ping_results"`
	LastSeen            time.Time                 `json:"last_seen"`
	Down                bool                      `json:"down"`
}

// Clone returns a deep copy so callers never share maps with the store.
func (s *HostSnapshot) Clone() *HostSnapshot {
	if s == nil {
		return nil
	}
	c := *s
	c.Disks = make(map[string]DiskUsage, len(s.Disks))
	for k, v := range s.Disks {
		c.Disks[k] = v
	}
	c.NetworkAdapters = make(map[string]NetworkAdapter, len(s.NetworkAdapters))
	for k, v := range s.NetworkAdapters {
		c.NetworkAdapters[k] = v
	}
	c.DiskIO = make(map[string]DiskIO, len(s.DiskIO))
	for k, v := range s.DiskIO {
		c.DiskIO[k] = v
	}
	c.PeerTraffic = make(map[string]float64, len(s.PeerTraffic))
	for k, v := range s.PeerTraffic {
		c.PeerTraffic[k] = v
	}
	c.PingResults = make(map[string]PingResult, len(s.PingResults))
	for k, v := range s.PingResults {
		if v.LatencyMs != nil {
			lat := *v.LatencyMs
			v.LatencyMs = &lat
		}
		c.PingResults[k] = v
	}
	return &c
}

// Tree exposes the snapshot's numeric fields as nested maps for metric path resolution.
// Leaves are float64; unavailable values are kept as the sentinel.
func (s *HostSnapshot) Tree() map[string]interface{} {
	disks := make(map[string]interface{}, len(s.Disks))
	for name, d := range s.Disks {
		disks[name] = map[string]interface{}{
			"free_gb":  d.FreeGB,
			"total_gb": d.TotalGB,
			"percent":  d.Percent,
		}
	}
	adapters := make(map[string]interface{}, len(s.NetworkAdapters))
	for name, a := range s.NetworkAdapters {
		adapters[name] = map[string]interface{}{
			"link_speed_mbps":     a.LinkSpeedMbps,
			"utilization_percent": a.UtilizationPercent,
			"sent_Mbps":           a.SentMbps,
			"recv_Mbps":           a.RecvMbps,
		}
	}
	diskIO := make(map[string]interface{}, len(s.DiskIO))
	for name, d := range s.DiskIO {
		diskIO[name] = map[string]interface{}{
			"read_Bps":     d.ReadBps,
			"write_Bps":    d.WriteBps,
			"read_ops_ps":  d.ReadOpsPS,
			"write_ops_ps": d.WriteOpsPS,
		}
	}
	peers := make(map[string]interface{}, len(s.PeerTraffic))
	for key, rate := range s.PeerTraffic {
		peers[key] = map[string]interface{}{"Mbps": rate}
	}
	return map[string]interface{}{
		"cpu_percent":           s.CPUPercent,
		"mem_percent":           s.MemPercent,
		"total_throughput_mbps": s.TotalThroughputMbps,
		"sent_mbps":             s.SentMbps,
		"recv_mbps":             s.RecvMbps,
		"interval_sec":          s.IntervalSec,
		"disks":                 disks,
		"network_adapters":      adapters,
		"disk_io":               diskIO,
		"peer_traffic":          peers,
	}
}

// Utilization derives an adapter's link utilization from what the agent reported.
// An explicit utilization wins; otherwise the larger of the sent/recv link
// percentages; otherwise the larger rate over the link speed.
func Utilization(p NetworkAdapterPayload) float64 {
	if p.UtilizationPercent != nil && IsAvailable(*p.UtilizationPercent) {
		return *p.UtilizationPercent
	}
	best := Unavailable
	for _, pct := range []*float64{p.SentPercentOfLink, p.RecvPercentOfLink} {
		if pct != nil && IsAvailable(*pct) && *pct > best {
			best = *pct
		}
	}
	if best >= 0 {
		return best
	}
	if p.LinkSpeedMbps == nil || !IsAvailable(*p.LinkSpeedMbps) || *p.LinkSpeedMbps == 0 {
		return Unavailable
	}
	for _, rate := range []*float64{p.SentMbps, p.RecvMbps} {
		if rate != nil && IsAvailable(*rate) {
			pct := *rate / *p.LinkSpeedMbps * 100
			if pct > best {
				best = pct
			}
		}
	}
	return best
}

// IsChoked is the one choke predicate shared by the snapshot flag and the
// net_choked alert rule.
func IsChoked(a NetworkAdapter, thresholdPercent float64) bool {
	return a.IsUp && IsAvailable(a.UtilizationPercent) && a.UtilizationPercent >= thresholdPercent
}

// FormatTimeAgo renders a duration the way the dashboard shows "last seen".
func FormatTimeAgo(d time.Duration) string {
	if d < 0 {
		return "N/A"
	}
	secs := int64(d / time.Second)
	switch {
	case secs < 60:
		return fmt.Sprintf("%ds ago", secs)
	case secs < 3600:
		return fmt.Sprintf("%dm ago", secs/60)
	default:
		return fmt.Sprintf("%dh ago", secs/3600)
	}
}
