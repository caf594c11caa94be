package database

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	appLogger "github.com/4Noyis/netpulse/internal/logger"
	"github.com/4Noyis/netpulse/internal/retry"
	"github.com/4Noyis/netpulse/internal/server/config"
	"github.com/4Noyis/netpulse/internal/server/timeseries"
)

// InfluxDBWriter is the durable backend of the time-series store.
type InfluxDBWriter struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	org      string
	bucket   string
}

var _ timeseries.Persister = (*InfluxDBWriter)(nil)

func NewInfluxDBWriter(ctx context.Context, cfg config.InfluxDBConfig, rc retry.Config) (*InfluxDBWriter, error) {
	client, err := newInfluxClient(ctx, cfg, rc)
	if err != nil {
		return nil, err
	}
	return &InfluxDBWriter{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		org:      cfg.Org,
		bucket:   cfg.Bucket,
	}, nil
}

// pointFields maps samples to fields. Null samples are omitted, which reads
// back as a gap.
func pointFields(samples []timeseries.Sample) map[string]interface{} {
	fields := make(map[string]interface{}, len(samples))
	for _, s := range samples {
		if s.Value != nil {
			fields[s.Path] = *s.Value
		}
	}
	return fields
}

// WritePoints writes one ingest as a single point.
func (w *InfluxDBWriter) WritePoints(ctx context.Context, hostname string, ts time.Time, samples []timeseries.Sample) error {
	fields := pointFields(samples)
	if len(fields) == 0 {
		return nil
	}
	p := write.NewPoint(Measurement, map[string]string{"hostname": hostname}, fields, ts)
	if err := w.writeAPI.WritePoint(ctx, p); err != nil {
		appLogger.Error("Failed to write %s point to InfluxDB for host %s: %v", Measurement, hostname, err)
		return fmt.Errorf("influxdb write point error for %s: %w", hostname, err)
	}
	appLogger.Debug("Wrote %d fields for host %s at %s", len(fields), hostname, ts.Format(time.RFC3339))
	return nil
}

// DeleteBefore removes every point older than cutoff.
func (w *InfluxDBWriter) DeleteBefore(ctx context.Context, cutoff time.Time) error {
	predicate := fmt.Sprintf(`_measurement="%s"`, Measurement)
	if err := w.client.DeleteAPI().DeleteWithName(ctx, w.org, w.bucket, time.Unix(0, 0), cutoff, predicate); err != nil {
		return fmt.Errorf("influxdb delete before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return nil
}

func (w *InfluxDBWriter) Health(ctx context.Context) error {
	return influxHealth(ctx, w.client)
}

// Close ensures the InfluxDB client is closed gracefully.
func (w *InfluxDBWriter) Close() {
	if w.client != nil {
		w.client.Close()
		appLogger.Info("InfluxDB client closed.")
	}
}
