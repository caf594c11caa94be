package database

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	appLogger "github.com/4Noyis/netpulse/internal/logger"
	"github.com/4Noyis/netpulse/internal/retry"
	"github.com/4Noyis/netpulse/internal/server/config"
	"github.com/4Noyis/netpulse/internal/server/timeseries"
)

// InfluxDBReader replays persisted history into memory at startup.
type InfluxDBReader struct {
	client   influxdb2.Client
	queryAPI api.QueryAPI
	bucket   string
}

func NewInfluxDBReader(ctx context.Context, cfg config.InfluxDBConfig, rc retry.Config) (*InfluxDBReader, error) {
	client, err := newInfluxClient(ctx, cfg, rc)
	if err != nil {
		return nil, err
	}
	return &InfluxDBReader{
		client:   client,
		queryAPI: client.QueryAPI(cfg.Org),
		bucket:   cfg.Bucket,
	}, nil
}

func replayQuery(bucket string, since time.Time) string {
	return fmt.Sprintf(`
		from(bucket: "%s")
			|> range(start: %s)
			|> filter(fn: (r) => r._measurement == "%s")
			|> keep(columns: ["_time", "_field", "_value", "hostname"])`,
		bucket, since.UTC().Format(time.RFC3339Nano), Measurement)
}

// LoadSince returns every stored point newer than since. Rows that are not
// numeric or carry no hostname are skipped.
func (r *InfluxDBReader) LoadSince(ctx context.Context, since time.Time) ([]timeseries.Point, error) {
	result, err := r.queryAPI.Query(ctx, replayQuery(r.bucket, since))
	if err != nil {
		appLogger.Error("Error executing replay query: %v", err)
		return nil, fmt.Errorf("replay query failed: %w", err)
	}
	defer result.Close()

	var points []timeseries.Point
	skipped := 0
	for result.Next() {
		rec := result.Record()
		host, _ := rec.ValueByKey("hostname").(string)
		v, ok := rec.Value().(float64)
		if host == "" || !ok {
			skipped++
			continue
		}
		points = append(points, timeseries.Point{
			Hostname:  host,
			Path:      rec.Field(),
			Timestamp: rec.Time(),
			Value:     &v,
		})
	}
	if result.Err() != nil {
		return nil, fmt.Errorf("replay query parsing error: %w", result.Err())
	}
	if skipped > 0 {
		appLogger.Warn("Replay skipped %d rows without hostname or numeric value", skipped)
	}
	return points, nil
}

func (r *InfluxDBReader) Close() {
	if r.client != nil {
		r.client.Close()
	}
}
