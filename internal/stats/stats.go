// Package stats samples the local host with gopsutil and turns the readings
// into the report a collector accepts.
package stats

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"

	appLogger "github.com/4Noyis/netpulse/internal/logger"
	"github.com/4Noyis/netpulse/internal/server/models"
)

// Converts bytes to gigabytes
func BytesToGB(bytes uint64) float64 {
	return float64(bytes) / (1024 * 1024 * 1024)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// delta returns cur-prev, or 0 when the counter went backwards.
func delta(prev, cur uint64) uint64 {
	if cur < prev {
		return 0
	}
	return cur - prev
}

// PerSecond converts a counter difference into a rate.
func PerSecond(prev, cur uint64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(delta(prev, cur)) / elapsed.Seconds()
}

// Mbps converts bytes per second to megabits per second (2^20 bits).
func Mbps(bytesPerSec float64) float64 {
	return bytesPerSec * 8 / (1024 * 1024)
}

// PercentOfLink returns the share of the link a byte rate uses, or -1 when
// the link speed is unknown.
func PercentOfLink(bytesPerSec, linkSpeedMbps float64) float64 {
	if linkSpeedMbps <= 0 {
		return models.Unavailable
	}
	return round2(bytesPerSec * 8 / (linkSpeedMbps * 1000 * 1000) * 100)
}

// skipInterface filters loopback and virtual adapters.
func skipInterface(name string) bool {
	n := strings.ToLower(name)
	if n == "lo" || strings.HasPrefix(n, "lo:") {
		return true
	}
	for _, s := range []string{"loopback", "pseudo", "vmnet", "virtual", "docker", "veth"} {
		if strings.Contains(n, s) {
			return true
		}
	}
	return false
}

// NetReading is one snapshot of the per-NIC counters.
type NetReading struct {
	Counters  map[string]net.IOCountersStat
	Up        map[string]bool
	LinkSpeed map[string]float64 // Mbps, 0 when unknown
}

// BuildAdapters derives per-adapter rates between two readings. Adapters
// missing from prev or down are left out. The totals are summed over the
// adapters reported.
func BuildAdapters(prev, cur NetReading, elapsed time.Duration) (adapters map[string]models.NetworkAdapterPayload, sentBps, recvBps float64) {
	adapters = make(map[string]models.NetworkAdapterPayload)
	for name, c := range cur.Counters {
		p, ok := prev.Counters[name]
		if !ok || skipInterface(name) || !cur.Up[name] {
			continue
		}
		sent := PerSecond(p.BytesSent, c.BytesSent, elapsed)
		recv := PerSecond(p.BytesRecv, c.BytesRecv, elapsed)
		sentBps += sent
		recvBps += recv
		speed := cur.LinkSpeed[name]
		adapters[name] = models.NetworkAdapterPayload{
			IsUp:              true,
			LinkSpeedMbps:     models.Float(speed),
			SentMbps:          models.Float(round2(Mbps(sent))),
			RecvMbps:          models.Float(round2(Mbps(recv))),
			SentPercentOfLink: models.Float(PercentOfLink(sent, speed)),
			RecvPercentOfLink: models.Float(PercentOfLink(recv, speed)),
		}
	}
	return adapters, sentBps, recvBps
}

// BuildDiskIO derives per-device I/O rates between two readings.
func BuildDiskIO(prev, cur map[string]disk.IOCountersStat, elapsed time.Duration) map[string]models.DiskIOPayload {
	out := make(map[string]models.DiskIOPayload)
	for name, c := range cur {
		p, ok := prev[name]
		if !ok {
			continue
		}
		out[name] = models.DiskIOPayload{
			ReadBps:    models.Float(round2(PerSecond(p.ReadBytes, c.ReadBytes, elapsed))),
			WriteBps:   models.Float(round2(PerSecond(p.WriteBytes, c.WriteBytes, elapsed))),
			ReadOpsPS:  models.Float(round2(PerSecond(p.ReadCount, c.ReadCount, elapsed))),
			WriteOpsPS: models.Float(round2(PerSecond(p.WriteCount, c.WriteCount, elapsed))),
		}
	}
	return out
}

// DiskKey names a mount point: drive letter on Windows, "root" for "/" and
// the last path element otherwise.
func DiskKey(mountpoint string) string {
	key := strings.TrimRight(mountpoint, `\/`)
	switch {
	case key == "":
		return "root"
	case strings.Contains(key, ":"):
		return strings.SplitN(key, ":", 2)[0]
	}
	if base := filepath.Base(key); base != "." && base != "/" {
		return base
	}
	return key
}

// Sampler keeps the previous counter readings so each Sample reports rates
// over the time since the last call.
type Sampler struct {
	hostname string
	agentIP  string
	prevAt   time.Time
	prevNet  NetReading
	prevDisk map[string]disk.IOCountersStat
}

// NewSampler primes the counters. An empty hostname is read from the OS.
func NewSampler(ctx context.Context, hostname, agentIP string) (*Sampler, error) {
	if hostname == "" {
		info, err := host.InfoWithContext(ctx)
		if err != nil {
			return nil, fmt.Errorf("error getting host info: %w", err)
		}
		hostname = info.Hostname
	}
	s := &Sampler{hostname: hostname, agentIP: agentIP}
	// first call only sets the CPU baseline
	if _, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		appLogger.Warn("CPU baseline failed: %v", err)
	}
	s.prevAt = time.Now()
	s.prevNet = readNet(ctx)
	s.prevDisk = readDiskIO(ctx)
	return s, nil
}

func (s *Sampler) Hostname() string { return s.hostname }

// Sample reads the host and returns a report. Readings that fail are left
// nil and become unavailable on the collector.
func (s *Sampler) Sample(ctx context.Context) *models.ClientPayload {
	now := time.Now()
	elapsed := now.Sub(s.prevAt)

	p := &models.ClientPayload{
		Hostname:     s.hostname,
		AgentIP:      s.agentIP,
		TimestampUTC: now.UTC().Format(time.RFC3339Nano),
		IntervalSec:  models.Float(round2(elapsed.Seconds())),
		Disks:        readDisks(ctx),
		PeerTraffic:  map[string]models.PeerFlowPayload{},
		PingResults:  map[string]models.PingResultPayload{},
	}

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		p.CPUPercent = models.Float(round2(pct[0]))
	} else if err != nil {
		appLogger.Warn("Error getting CPU usage: %v", err)
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		p.MemPercent = models.Float(round2(vm.UsedPercent))
	} else {
		appLogger.Warn("Error getting memory info: %v", err)
	}

	curNet := readNet(ctx)
	adapters, sent, recv := BuildAdapters(s.prevNet, curNet, elapsed)
	p.NetworkAdapters = adapters
	p.SentMbps = models.Float(round2(Mbps(sent)))
	p.RecvMbps = models.Float(round2(Mbps(recv)))
	p.TotalThroughputMbps = models.Float(round2(Mbps(sent + recv)))

	curDisk := readDiskIO(ctx)
	p.DiskIO = BuildDiskIO(s.prevDisk, curDisk, elapsed)

	s.prevAt, s.prevNet, s.prevDisk = now, curNet, curDisk
	return p
}

func readNet(ctx context.Context) NetReading {
	r := NetReading{
		Counters:  make(map[string]net.IOCountersStat),
		Up:        make(map[string]bool),
		LinkSpeed: make(map[string]float64),
	}
	counters, err := net.IOCountersWithContext(ctx, true)
	if err != nil {
		appLogger.Warn("Error getting network counters: %v", err)
		return r
	}
	for _, c := range counters {
		r.Counters[c.Name] = c
	}
	ifaces, err := net.InterfacesWithContext(ctx)
	if err != nil {
		appLogger.Warn("Error listing interfaces: %v", err)
		return r
	}
	for _, iface := range ifaces {
		for _, f := range iface.Flags {
			if f == "up" {
				r.Up[iface.Name] = true
			}
		}
		r.LinkSpeed[iface.Name] = linkSpeed(iface.Name)
	}
	return r
}

// linkSpeed reads the negotiated speed from sysfs. Other platforms and
// virtual links report 0.
func linkSpeed(name string) float64 {
	raw, err := os.ReadFile(filepath.Join("/sys/class/net", name, "speed"))
	if err != nil {
		return 0
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
	if err != nil || v <= 0 {
		return 0
	}
	return v
}

func readDiskIO(ctx context.Context) map[string]disk.IOCountersStat {
	counters, err := disk.IOCountersWithContext(ctx)
	if err != nil {
		appLogger.Debug("Disk I/O counters unavailable: %v", err)
		return map[string]disk.IOCountersStat{}
	}
	return counters
}

func readDisks(ctx context.Context) map[string]models.DiskUsagePayload {
	out := make(map[string]models.DiskUsagePayload)
	parts, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		appLogger.Warn("Failed to list disk partitions: %v", err)
		return out
	}
	for _, part := range parts {
		if part.Fstype == "" || strings.Contains(strings.Join(part.Opts, ","), "cdrom") {
			continue
		}
		usage, err := disk.UsageWithContext(ctx, part.Mountpoint)
		if err != nil {
			appLogger.Debug("Error getting usage for %s: %v", part.Mountpoint, err)
			continue
		}
		out[DiskKey(part.Mountpoint)] = models.DiskUsagePayload{
			Percent: models.Float(round2(usage.UsedPercent)),
			FreeGB:  models.Float(round2(BytesToGB(usage.Free))),
			TotalGB: models.Float(round2(BytesToGB(usage.Total))),
		}
	}
	return out
}
