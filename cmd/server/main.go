// Command server runs the telemetry collector.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	appLogger "github.com/4Noyis/netpulse/internal/logger"
	"github.com/4Noyis/netpulse/internal/retry"
	"github.com/4Noyis/netpulse/internal/server/alerts"
	"github.com/4Noyis/netpulse/internal/server/api"
	"github.com/4Noyis/netpulse/internal/server/cache"
	"github.com/4Noyis/netpulse/internal/server/config"
	"github.com/4Noyis/netpulse/internal/server/database"
	"github.com/4Noyis/netpulse/internal/server/ingest"
	"github.com/4Noyis/netpulse/internal/server/metricpath"
	"github.com/4Noyis/netpulse/internal/server/query"
	"github.com/4Noyis/netpulse/internal/server/snapshot"
	"github.com/4Noyis/netpulse/internal/server/sweeper"
	"github.com/4Noyis/netpulse/internal/server/telemetry"
	"github.com/4Noyis/netpulse/internal/server/timeseries"
)

const shutdownTimeout = 5 * time.Second

func main() {
	// -------- load config ---------
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if cfg.EnableDebugLog {
		appLogger.SetDebug(true)
		appLogger.Info("Debug logging enabled")
	}
	appLogger.Info("Server configuration loaded.")
	appLogger.Debug("Full configuration: %+v", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		appLogger.Fatal("Collector stopped: %v", err)
	}
	appLogger.Info("Server exiting.")
}

func run(ctx context.Context, cfg *config.ServerConfig) error {
	rc := retry.DefaultConfig()

	metrics, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := metrics.Shutdown(sctx); err != nil {
			appLogger.Warn("Telemetry shutdown: %v", err)
		}
	}()

	schema, err := metricpath.NewSchema(cfg.MetricPatterns)
	if err != nil {
		return err
	}
	health := api.NewHealthHandler(map[string]string{"service": cfg.Telemetry.ServiceName, "collector": cfg.Collector.ID})

	// --------- time-series store, optionally backed by InfluxDB ----------
	var seriesOpts []timeseries.Option
	var replay []timeseries.Point
	if cfg.MemoryOnly {
		appLogger.Warn("Running memory only: history and alerts will not survive a restart")
	}
	if cfg.DurableHistory() {
		writer, err := database.NewInfluxDBWriter(ctx, cfg.InfluxDB, rc)
		if err != nil {
			return fmt.Errorf("failed to initialize InfluxDB writer: %w", err)
		}
		defer writer.Close()
		seriesOpts = append(seriesOpts, timeseries.WithPersister(writer))
		health.Add("influxdb", writer.Health)

		reader, err := database.NewInfluxDBReader(ctx, cfg.InfluxDB, rc)
		if err != nil {
			return fmt.Errorf("failed to initialize InfluxDB reader: %w", err)
		}
		replay, err = reader.LoadSince(ctx, time.Now().Add(-cfg.Retention.History))
		reader.Close()
		if err != nil {
			appLogger.Warn("History replay failed, starting with empty history: %v", err)
		}
	}
	series := timeseries.NewStore(seriesOpts...)
	if len(replay) > 0 {
		appLogger.Info("Replayed %d history points from InfluxDB", series.Load(replay))
	}

	// --------- alert engine, optionally backed by PostgreSQL ----------
	alertOpts := []alerts.Option{alerts.WithRecorder(metrics)}
	if cfg.DurableAlerts() {
		repo, err := database.NewPostgresAlertRepository(ctx, cfg.Postgres.DSN, rc)
		if err != nil {
			return fmt.Errorf("failed to initialize PostgreSQL alert repository: %w", err)
		}
		defer repo.Close()
		alertOpts = append(alertOpts, alerts.WithRepository(repo))
		health.Add("postgres", repo.HealthCheck)
	}
	engine := alerts.New(cfg.AlertConfig(), alertOpts...)
	if n, err := engine.Restore(ctx); err != nil {
		appLogger.Warn("Alert restore failed: %v", err)
	} else if n > 0 {
		appLogger.Info("Restored %d alerts", n)
	}

	// --------- snapshots, optionally mirrored to Valkey ----------
	snaps := snapshot.NewStore()
	ingestOpts := []ingest.Option{ingest.WithRecorder(metrics)}
	if cfg.Valkey.Enabled() {
		mirror, err := cache.New(ctx, cfg.Valkey, cfg.Retention.SnapshotTTL, rc)
		if err != nil {
			return fmt.Errorf("failed to initialize Valkey mirror: %w", err)
		}
		defer mirror.Close()
		ingestOpts = append(ingestOpts, ingest.WithMirror(mirror))
		health.Add("valkey", mirror.Ping)

		if warm, err := mirror.LoadAll(ctx); err != nil {
			appLogger.Warn("Snapshot warm start failed: %v", err)
		} else {
			appLogger.Info("Warmed %d host snapshots from Valkey", snaps.Restore(warm))
		}
	}

	ingestor := ingest.New(snaps, series, engine, schema, ingestOpts...)
	svc := query.NewService(snaps, series, engine, schema, cfg.QueryOptions())
	sw := sweeper.New(cfg.SweeperConfig(), snaps, series, engine, sweeper.WithRecorder(metrics))
	if err := metrics.ObserveState(snaps.Len, func() int { return series.Stats().Points }); err != nil {
		return err
	}

	// ------- Initialize Gin ------------
	if cfg.EnableDebugLog {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(cfg.CORSOrigins)
	api.NewStatsHandler(ingestor).RegisterRoutes(router)
	api.NewDashboardHandler(svc).RegisterRoutes(router)
	health.RegisterRoutes(router)
	appLogger.Info("API routes registered.")

	srv := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		appLogger.Info("Starting server on %s", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("could not listen on %s: %w", cfg.ListenAddress, err)
		}
		return nil
	})
	g.Go(func() error {
		return sw.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		appLogger.Info("Shutting down server gracefully...")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}
