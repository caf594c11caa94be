// Package sweeper runs the collector's periodic background work: retention
// pruning and the liveness check. Each task has its own ticker and survives
// failures and panics of a single tick.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	appLogger "github.com/4Noyis/netpulse/internal/logger"
	"github.com/4Noyis/netpulse/internal/server/alerts"
	"github.com/4Noyis/netpulse/internal/server/snapshot"
	"github.com/4Noyis/netpulse/internal/server/timeseries"
)

// Task names used in logs and telemetry.
const (
	TaskPrune    = "prune"
	TaskLiveness = "liveness"
)

type Config struct {
	Retention         time.Duration // time-series horizon
	ResolvedRetention time.Duration // resolved alert horizon
	PruneInterval     time.Duration
	LivenessInterval  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Retention:         7 * 24 * time.Hour,
		ResolvedRetention: 7 * 24 * time.Hour,
		PruneInterval:     24 * time.Hour,
		LivenessInterval:  60 * time.Second,
	}
}

// Recorder observes sweep outcomes.
type Recorder interface {
	SweepDone(ctx context.Context, task string, err error)
	PointsPruned(ctx context.Context, n int)
}

type Sweeper struct {
	cfg       Config
	snapshots *snapshot.Store
	series    *timeseries.Store
	alerts    *alerts.Engine
	rec       Recorder
	now       func() time.Time
}

type Option func(*Sweeper)

func WithRecorder(r Recorder) Option { return func(s *Sweeper) { s.rec = r } }

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(s *Sweeper) { s.now = now } }

func New(cfg Config, snapshots *snapshot.Store, series *timeseries.Store, engine *alerts.Engine, opts ...Option) *Sweeper {
	s := &Sweeper{
		cfg:       cfg,
		snapshots: snapshots,
		series:    series,
		alerts:    engine,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run blocks until ctx is cancelled. Both tasks run once at start.
func (s *Sweeper) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.loop(ctx, TaskPrune, s.cfg.PruneInterval, s.PruneOnce)
	}()
	go func() {
		defer wg.Done()
		s.loop(ctx, TaskLiveness, s.cfg.LivenessInterval, s.LivenessOnce)
	}()
	wg.Wait()
	return nil
}

func (s *Sweeper) loop(ctx context.Context, task string, every time.Duration, fn func(context.Context) error) {
	log := appLogger.Slog().With("task", task)
	log.Info("sweeper started", "interval", every.String())
	defer log.Info("sweeper stopped")

	s.tick(ctx, task, fn)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, task, fn)
		}
	}
}

// tick runs fn once, turning a panic into an error so the next tick still runs.
func (s *Sweeper) tick(ctx context.Context, task string, fn func(context.Context) error) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		err = fn(ctx)
	}()
	if err != nil {
		appLogger.Slog().Error("sweep failed", "task", task, "error", err)
	}
	if s.rec != nil {
		s.rec.SweepDone(ctx, task, err)
	}
}

// PruneOnce drops history older than the retention horizon and resolved
// alerts older than theirs.
func (s *Sweeper) PruneOnce(ctx context.Context) error {
	now := s.now()
	var errs []error

	removed, err := s.series.Prune(ctx, now.Add(-s.cfg.Retention))
	if err != nil {
		errs = append(errs, err)
	}
	if s.rec != nil && removed > 0 {
		s.rec.PointsPruned(ctx, removed)
	}

	alertsRemoved, err := s.alerts.PruneResolved(ctx, now.Add(-s.cfg.ResolvedRetention))
	if err != nil {
		errs = append(errs, err)
	}
	if removed > 0 || alertsRemoved > 0 {
		appLogger.Info("Retention sweep removed %d points and %d resolved alerts", removed, alertsRemoved)
	}
	return errors.Join(errs...)
}

// LivenessOnce checks every host's last report. Each host is handled under
// its write lock so the down flag and the agent_down alert change together.
func (s *Sweeper) LivenessOnce(ctx context.Context) error {
	now := s.now()
	var errs []error
	for _, host := range s.snapshots.Hostnames() {
		err := s.snapshots.Apply(host, func(tx *snapshot.Txn) error {
			cur := tx.Current()
			if cur == nil {
				return nil
			}
			down, err := s.alerts.EvaluateLiveness(ctx, host, cur.LastSeen, now)
			if tx.SetDown(down) && down {
				appLogger.Warn("Host %s marked down, last seen %s", host, cur.LastSeen.Format(time.RFC3339))
			}
			return err
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("liveness %s: %w", host, err))
		}
	}
	return errors.Join(errs...)
}
