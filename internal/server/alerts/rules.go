package alerts

import (
	"fmt"
	"sort"
	"time"

	"github.com/4Noyis/netpulse/internal/server/models"
)

// hostChecks evaluates the per-ingest rules. Unavailable values never fire.
func (e *Engine) hostChecks(snap *models.HostSnapshot, now time.Time) []check {
	cfg := e.cfg
	checks := make([]check, 0, 2+len(snap.Disks)+len(snap.NetworkAdapters)+2*len(snap.PingResults))

	checks = append(checks, thresholdCheck(models.AlertCPUHigh, "", false, snap.CPUPercent, cfg.CPUPercent,
		func() string { return fmt.Sprintf("CPU usage %.1f%% >= %v%%", snap.CPUPercent, cfg.CPUPercent) }))
	checks = append(checks, thresholdCheck(models.AlertMemHigh, "", false, snap.MemPercent, cfg.MemPercent,
		func() string { return fmt.Sprintf("Memory usage %.1f%% >= %v%%", snap.MemPercent, cfg.MemPercent) }))

	for _, name := range sortedKeys(snap.Disks) {
		pct := snap.Disks[name].Percent
		checks = append(checks, thresholdCheck(models.AlertDiskHigh, name, true, pct, cfg.DiskPercent,
			func() string { return fmt.Sprintf("Disk '%s' usage %.1f%% >= %v%%", name, pct, cfg.DiskPercent) }))
	}

	for _, name := range sortedKeys(snap.NetworkAdapters) {
		a := snap.NetworkAdapters[name]
		c := check{alertType: models.AlertNetChoked, target: name, hasTarget: true}
		if models.IsChoked(a, cfg.ChokePercent) {
			c.firing = true
			c.message = fmt.Sprintf("Adapter '%s' choked (Util: %.1f%% >= %v%%)", name, a.UtilizationPercent, cfg.ChokePercent)
			c.value = fptr(a.UtilizationPercent)
			c.threshold = fptr(cfg.ChokePercent)
		}
		checks = append(checks, c)
	}

	for _, target := range sortedKeys(snap.PingResults) {
		checks = append(checks, pingChecks(cfg, target, snap.PingResults[target], now)...)
	}
	return checks
}

func thresholdCheck(alertType, target string, hasTarget bool, value, threshold float64, msg func() string) check {
	c := check{alertType: alertType, target: target, hasTarget: hasTarget}
	if models.IsAvailable(value) && value >= threshold {
		c.firing = true
		c.message = msg()
		c.value = fptr(value)
		c.threshold = fptr(threshold)
	}
	return c
}

// pingChecks covers a failed probe, counted only while the probe itself is
// recent, and a slow one.
func pingChecks(cfg Config, target string, r models.PingResult, now time.Time) []check {
	fail := check{alertType: models.AlertPingFail, target: target, hasTarget: true}
	failing := r.Status == models.ProbeTimeout || r.Status == models.ProbeError
	recent := !r.ProbedAt.IsZero() && now.Sub(r.ProbedAt) < cfg.PingFailWindow
	if failing && recent {
		fail.firing = true
		fail.message = fmt.Sprintf("Ping to %s failed (Status: %s)", target, r.Status)
		fail.value = fptr(1)
		fail.threshold = fptr(1)
	}

	slow := check{alertType: models.AlertPingLatencyHigh, target: target, hasTarget: true}
	if r.LatencyMs != nil && models.IsAvailable(*r.LatencyMs) && *r.LatencyMs >= cfg.PingLatencyMs {
		slow.firing = true
		slow.message = fmt.Sprintf("Ping latency to %s high (%.1fms >= %vms)", target, *r.LatencyMs, cfg.PingLatencyMs)
		slow.value = fptr(*r.LatencyMs)
		slow.threshold = fptr(cfg.PingLatencyMs)
	}
	return []check{fail, slow}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
