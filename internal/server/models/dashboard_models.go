package models

import "time"

// Host status as shown in the overview.
const (
	StatusOnline = "online"
	StatusStale  = "stale"
	StatusDown   = "down"
)

// For the in-card sparklines
type HistorySlice struct {
	CPU []*float64 `json:"cpu"`
	Mem []*float64 `json:"mem"`
}

// HostOverview is one entry of the latest-data map.
type HostOverview struct {
	HostSnapshot
	Status           string       `json:"status"` // online, stale, down
	LastSeenRelative string       `json:"last_seen_relative"`
	HasAlert         bool         `json:"has_alert"`
	HistorySlice     HistorySlice `json:"history_slice"`
}

type Summary struct {
	TotalAgentsActive          int     `json:"total_agents_active"`
	AgentsWithAlerts           int     `json:"agents_with_alerts"`
	TotalNetworkThroughputMbps float64 `json:"total_network_throughput_mbps"`
	TotalPeerTrafficMbps       float64 `json:"total_peer_traffic_mbps"`
}

type InterfaceHistory struct {
	SentMbps []*float64 `json:"sent_Mbps"`
	RecvMbps []*float64 `json:"recv_Mbps"`
}

// HostHistory feeds the per-host detail charts.
type HostHistory struct {
	Hostname          string                      `json:"hostname"`
	Timestamps        []time.Time                 `json:"timestamps"`
	CPUPercent        []*float64                  `json:"cpu_percent"`
	MemPercent        []*float64                  `json:"mem_percent"`
	NetworkInterfaces map[string]InterfaceHistory `json:"network_interfaces"`
	LatestLinkSpeeds  map[string]float64          `json:"latest_link_speeds"`
}

// HistoryRange is the aligned result of an arbitrary range query.
// Every series in Results has len(Timestamps) entries.
type HistoryRange struct {
	Timestamps     []time.Time                      `json:"timestamps"`
	Results        map[string]map[string][]*float64 `json:"results"` // hostname -> metric path -> values
	UnknownMetrics []string                         `json:"unknown_metrics,omitempty"`
}

// Edge types of the flow graph.
const (
	EdgeTypePeerTraffic = "peer_traffic"
	EdgeTypeReporting   = "reporting" // topology only, carries no traffic
)

// Node kinds of the flow graph.
const (
	NodeKindCollector = "collector"
	NodeKindAgent     = "agent"
	NodeKindExternal  = "external"
)

type FlowNode struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Hostname    string `json:"hostname,omitempty"`
	Kind        string `json:"kind"`
	IsCollector bool   `json:"is_collector"`
}

type FlowEdge struct {
	Source    string  `json:"source"`
	Target    string  `json:"target"`
	RateMbps  float64 `json:"rate_mbps"`
	Type      string  `json:"type"`
	Reporters int     `json:"reporters,omitempty"` // hosts that reported this ordered pair
}

// FlowMetadata tells consumers how edge rates were estimated.
type FlowMetadata struct {
	RateEstimate string    `json:"rate_estimate"`
	Approximate  bool      `json:"approximate"`
	Note         string    `json:"note"`
	GeneratedAt  time.Time `json:"generated_at"`
}

type FlowGraph struct {
	Nodes    []FlowNode   `json:"nodes"`
	Links    []FlowEdge   `json:"links"`
	Metadata FlowMetadata `json:"metadata"`
}

// Connectivity probe status values.
const (
	ProbeSuccess = "success"
	ProbeTimeout = "timeout"
	ProbeError   = "error"
	ProbeUnknown = "unknown"
)

type ConnectivityNode struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	IP          string `json:"ip,omitempty"`
	IsCollector bool   `json:"is_collector"`
}

type ConnectivityLink struct {
	Source    string   `json:"source"`
	Target    string   `json:"target"`
	Status    string   `json:"status"`
	LatencyMs *float64 `json:"latency_ms"`
}

type ConnectivityGraph struct {
	Nodes []ConnectivityNode `json:"nodes"`
	Links []ConnectivityLink `json:"links"`
}

// Collector identifies the collector node in graphs.
type Collector struct {
	ID   string
	Name string
	IP   string
}
