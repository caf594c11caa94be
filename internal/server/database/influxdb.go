package database

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"

	appLogger "github.com/4Noyis/netpulse/internal/logger"
	"github.com/4Noyis/netpulse/internal/retry"
	"github.com/4Noyis/netpulse/internal/server/config"
)

// Measurement holding one point per ingest, tagged by hostname, with one
// field per metric path.
const Measurement = "host_metrics"

const healthTimeout = 5 * time.Second

// newInfluxClient opens a client and waits for a passing health check,
// retrying with backoff.
func newInfluxClient(ctx context.Context, cfg config.InfluxDBConfig, rc retry.Config) (influxdb2.Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	err := retry.WithExponentialBackoff(ctx, rc, "InfluxDB connect", func() error {
		return influxHealth(ctx, client)
	})
	if err != nil {
		client.Close()
		return nil, err
	}
	appLogger.Info("Successfully connected to InfluxDB at %s", cfg.URL)
	return client, nil
}

func influxHealth(ctx context.Context, client influxdb2.Client) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	health, err := client.Health(ctx)
	if err != nil {
		return fmt.Errorf("influxdb health check failed: %w", err)
	}
	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("influxdb not healthy: status %s %s", health.Status, msg)
	}
	return nil
}
