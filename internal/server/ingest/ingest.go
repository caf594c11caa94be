// Package ingest applies one agent report to the collector's stores.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	appLogger "github.com/4Noyis/netpulse/internal/logger"
	"github.com/4Noyis/netpulse/internal/server/alerts"
	"github.com/4Noyis/netpulse/internal/server/metricpath"
	"github.com/4Noyis/netpulse/internal/server/models"
	"github.com/4Noyis/netpulse/internal/server/snapshot"
	"github.com/4Noyis/netpulse/internal/server/timeseries"
)

// Step names carried by StepError.
const (
	StepTimeSeries = "timeseries"
	StepAlerts     = "alerts"
)

// Ingest results reported to the Recorder.
const (
	ResultOK        = "ok"
	ResultRejected  = "rejected"
	ResultStepError = "step_error"
)

// StepError reports a side effect that failed after the snapshot was
// already replaced. The snapshot update stands.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("ingest step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Mirror keeps a copy of every accepted snapshot outside the process.
type Mirror interface {
	Save(ctx context.Context, snap *models.HostSnapshot) error
}

// Recorder observes every ingest.
type Recorder interface {
	IngestDone(ctx context.Context, result string, elapsed time.Duration)
}

type Option func(*Ingestor)

func WithMirror(m Mirror) Option { return func(in *Ingestor) { in.mirror = m } }

func WithRecorder(r Recorder) Option { return func(in *Ingestor) { in.rec = r } }

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(in *Ingestor) { in.now = now } }

// Ingestor ties the stores together for one report.
type Ingestor struct {
	snapshots *snapshot.Store
	series    *timeseries.Store
	alerts    *alerts.Engine
	schema    *metricpath.Schema
	mirror    Mirror
	rec       Recorder
	now       func() time.Time
}

func New(snapshots *snapshot.Store, series *timeseries.Store, engine *alerts.Engine, schema *metricpath.Schema, opts ...Option) *Ingestor {
	in := &Ingestor{
		snapshots: snapshots,
		series:    series,
		alerts:    engine,
		schema:    schema,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Samples expands the schema over snap. Unavailable values become nulls.
func Samples(schema *metricpath.Schema, snap *models.HostSnapshot) []timeseries.Sample {
	values := schema.Expand(snap.Tree())
	out := make([]timeseries.Sample, 0, len(values))
	for _, v := range values {
		s := timeseries.Sample{Path: v.Path.String()}
		if v.Present && models.IsAvailable(v.Value) {
			val := v.Value
			s.Value = &val
		}
		out = append(out, s)
	}
	return out
}

// Ingest normalizes p and applies it under the host's write lock: replace the
// snapshot, append history, evaluate alerts. Peer traffic travels inside the
// snapshot. A rejected payload changes nothing and wraps ErrInvalidPayload;
// failed later steps are returned as *StepError values.
func (in *Ingestor) Ingest(ctx context.Context, p *models.ClientPayload, remoteIP string) (*models.HostSnapshot, error) {
	start := in.now()
	snap, err := Normalize(p, remoteIP, start, in.alerts.Config().ChokePercent)
	if err != nil {
		in.record(ctx, ResultRejected, start)
		return nil, err
	}

	var stepErrs []error
	_ = in.snapshots.Apply(snap.Hostname, func(tx *snapshot.Txn) error {
		tx.Replace(snap)
		if err := in.series.Append(ctx, snap.Hostname, snap.LastSeen, Samples(in.schema, snap)); err != nil {
			stepErrs = append(stepErrs, &StepError{Step: StepTimeSeries, Err: err})
		}
		if err := in.alerts.EvaluateHost(ctx, snap); err != nil {
			stepErrs = append(stepErrs, &StepError{Step: StepAlerts, Err: err})
		}
		return nil
	})

	out := snap.Clone()
	if in.mirror != nil {
		if err := in.mirror.Save(ctx, out); err != nil {
			appLogger.Warn("Failed to mirror snapshot for %s: %v", snap.Hostname, err)
		}
	}

	if len(stepErrs) > 0 {
		in.record(ctx, ResultStepError, start)
		return out, errors.Join(stepErrs...)
	}
	in.record(ctx, ResultOK, start)
	appLogger.Debug("Ingested snapshot for %s (%s): %d disks, %d adapters, %d peer flows",
		snap.Hostname, snap.AgentIP, len(snap.Disks), len(snap.NetworkAdapters), len(snap.PeerTraffic))
	return out, nil
}

func (in *Ingestor) record(ctx context.Context, result string, start time.Time) {
	if in.rec != nil {
		in.rec.IngestDone(ctx, result, in.now().Sub(start))
	}
}
