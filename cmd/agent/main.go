// Command agent samples the local host and reports to a collector.
package main

import (
	"context"
	"flag"
	"net"
	"os/signal"
	"syscall"
	"time"

	appLogger "github.com/4Noyis/netpulse/internal/logger"
	"github.com/4Noyis/netpulse/internal/stats"
	"github.com/4Noyis/netpulse/pkg/exporter"
)

func main() {
	collector := flag.String("collector", "http://localhost:8080/api/data", "collector ingest URL")
	interval := flag.Duration("interval", 10*time.Second, "report interval")
	hostname := flag.String("hostname", "", "reported hostname (default: OS hostname)")
	agentIP := flag.String("ip", "", "reported agent IP (default: detected)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	appLogger.SetDebug(*debug)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ip := *agentIP
	if ip == "" {
		ip = localIP()
	}
	sampler, err := stats.NewSampler(ctx, *hostname, ip)
	if err != nil {
		appLogger.Fatal("Failed to start sampler: %v", err)
	}
	exp := exporter.New(*collector, 3, 2*time.Second)
	appLogger.Info("Reporting %s (%s) to %s every %s", sampler.Hostname(), ip, *collector, *interval)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			appLogger.Info("Agent stopped.")
			return
		case <-ticker.C:
			if err := exp.SendSnapshot(ctx, sampler.Sample(ctx)); err != nil && ctx.Err() == nil {
				appLogger.Error("Failed to send report: %v", err)
			}
		}
	}
}

// localIP returns the source address used for outbound traffic. No packet
// is sent.
func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return ""
}
