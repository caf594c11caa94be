package models

// --- These structs mirror what the agent sends ---
// Numeric fields are pointers so an absent field can be told apart from a zero.

type DiskUsagePayload struct {
	FreeGB  *float64 `json:"free_gb"`
	TotalGB *float64 `json:"total_gb"`
	Percent *float64 `json:"percent"`
}

type NetworkAdapterPayload struct {
	LinkSpeedMbps      *float64 `json:"link_speed_mbps"`
	UtilizationPercent *float64 `json:"utilization_percent"`
	IsUp               bool     `json:"is_up"`
	SentMbps           *float64 `json:"sent_Mbps"`
	RecvMbps           *float64 `json:"recv_Mbps"`
	SentPercentOfLink  *float64 `json:"sent_percent_of_link,omitempty"`
	RecvPercentOfLink  *float64 `json:"recv_percent_of_link,omitempty"`
	IsChoked           bool     `json:"is_choked"` // ignored by the collector, recomputed
}

type DiskIOPayload struct {
	ReadBps    *float64 `json:"read_Bps"`
	WriteBps   *float64 `json:"write_Bps"`
	ReadOpsPS  *float64 `json:"read_ops_ps"`
	WriteOpsPS *float64 `json:"write_ops_ps"`
}

type PeerFlowPayload struct {
	Mbps  *float64 `json:"Mbps"`
	Bytes *float64 `json:"bytes,omitempty"`
}

// PingResultPayload is one probe result reported by an agent for a target IP.
type PingResultPayload struct {
	Status    string   `json:"status"` // success, timeout, error
	LatencyMs *float64 `json:"latency_ms"`
	Timestamp *float64 `json:"timestamp"` // unix seconds of the probe
}

// ClientPayload is the top-level JSON document pushed by an agent.
type ClientPayload struct {
	Hostname            string                           `json:"hostname"`
	AgentIP             string                           `json:"agent_ip"`
	TimestampUTC        string                           `json:"timestamp_utc"`
	IntervalSec         *float64                         `json:"interval_sec,omitempty"`
	CPUPercent          *float64                         `json:"cpu_percent"`
	MemPercent          *float64                         `json:"mem_percent"`
	TotalThroughputMbps *float64                         `json:"total_throughput_mbps,omitempty"`
	SentMbps            *float64                         `json:"sent_mbps,omitempty"`
	RecvMbps            *float64                         `json:"recv_mbps,omitempty"`
	Disks               map[string]DiskUsagePayload      `json:"disks,omitempty"`
	NetworkAdapters     map[string]NetworkAdapterPayload `json:"network_adapters,omitempty"`
	DiskIO              map[string]DiskIOPayload         `json:"disk_io,omitempty"`
	PeerTraffic         map[string]PeerFlowPayload       `json:"peer_traffic,omitempty"`
	PingResults         map[string]PingResultPayload     `json:"ping_results,omitempty"`
}

// Float returns a pointer to v. Handy when building payloads in code.
func Float(v float64) *float64 {
	return &v
}
