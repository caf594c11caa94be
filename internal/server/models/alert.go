package models

import "net/url"

// Alert status values.
const (
	AlertActive   = "active"
	AlertResolved = "resolved"
)

// Alert types.
const (
	AlertCPUHigh         = "cpu_high"
	AlertMemHigh         = "mem_high"
	AlertDiskHigh        = "disk_high"
	AlertNetChoked       = "net_choked"
	AlertAgentDown       = "agent_down"
	AlertPingFail        = "ping_fail"
	AlertPingLatencyHigh = "ping_latency_high"
)

// AlertRecord is one tracked alert lifecycle. (Hostname, AlertType, SpecificTarget)
// is its identity; at most one record exists per identity.
type AlertRecord struct {
	AlertKey           string   `json:"alert_key"`
	OccurrenceID       string   `json:"occurrence_id"`
	Hostname           string   `json:"hostname"`
	AlertType          string   `json:"alert_type"`
	SpecificTarget     *string  `json:"specific_target"`
	Status             string   `json:"status"`
	Message            string   `json:"message"`
	CurrentValue       *float64 `json:"current_value"`
	ThresholdValue     *float64 `json:"threshold_value"`
	FirstTriggeredUnix float64  `json:"first_triggered_unix"`
	LastActiveUnix     float64  `json:"last_active_unix"`
	ResolvedUnix       *float64 `json:"resolved_unix"`
}

// Target returns the specific target or "" when the alert is host-wide.
func (a *AlertRecord) Target() string {
	if a.SpecificTarget == nil {
		return ""
	}
	return *a.SpecificTarget
}

// AlertKey builds the string form of an identity key. Parts are escaped so
// distinct identities never share a key (e.g. disks "C:" and "C").
func AlertKey(hostname, alertType, target string) string {
	return url.PathEscape(hostname) + "/" + alertType + "/" + url.PathEscape(target)
}
