// Package config loads the collector configuration. Defaults are overlaid by
// an optional YAML file named in NETPULSE_CONFIG, then by environment
// variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	appLogger "github.com/4Noyis/netpulse/internal/logger"
	"github.com/4Noyis/netpulse/internal/server/alerts"
	"github.com/4Noyis/netpulse/internal/server/metricpath"
	"github.com/4Noyis/netpulse/internal/server/models"
	"github.com/4Noyis/netpulse/internal/server/query"
	"github.com/4Noyis/netpulse/internal/server/sweeper"
)

// FileEnv names the variable holding the optional YAML file path.
const FileEnv = "NETPULSE_CONFIG"

// Telemetry exporters.
const (
	ExporterNone     = "none"
	ExporterStdout   = "stdout"
	ExporterOTLPHTTP = "otlp-http"
	ExporterOTLPGRPC = "otlp-grpc"
)

type CollectorConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	IP   string `yaml:"ip"` // listen IP agents probe
}

type ThresholdConfig struct {
	CPUPercent     float64       `yaml:"cpu_percent"`
	MemPercent     float64       `yaml:"mem_percent"`
	DiskPercent    float64       `yaml:"disk_percent"`
	ChokePercent   float64       `yaml:"choke_percent"`
	PingLatencyMs  float64       `yaml:"ping_latency_ms"`
	PingFailWindow time.Duration `yaml:"ping_fail_window"`
}

type LivenessConfig struct {
	StaleAfter    time.Duration `yaml:"stale_after"`
	DownAfter     time.Duration `yaml:"down_after"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type RetentionConfig struct {
	History         time.Duration `yaml:"history"`
	ResolvedAlerts  time.Duration `yaml:"resolved_alerts"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	SnapshotTTL     time.Duration `yaml:"snapshot_ttl"`
}

// InfluxDBConfig holds the InfluxDB connection.
type InfluxDBConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

func (c InfluxDBConfig) Enabled() bool { return c.URL != "" }

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

func (c PostgresConfig) Enabled() bool { return c.DSN != "" }

type ValkeyConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
}

func (c ValkeyConfig) Enabled() bool { return c.Address != "" }

type TelemetryConfig struct {
	Exporter    string        `yaml:"exporter"`
	Endpoint    string        `yaml:"endpoint"`
	Interval    time.Duration `yaml:"interval"`
	ServiceName string        `yaml:"service_name"`
}

// ServerConfig holds overall collector config.
type ServerConfig struct {
	ListenAddress  string          `yaml:"listen_address"`
	EnableDebugLog bool            `yaml:"debug_log"`
	Collector      CollectorConfig `yaml:"collector"`
	Thresholds     ThresholdConfig `yaml:"thresholds"`
	Liveness       LivenessConfig  `yaml:"liveness"`
	Retention      RetentionConfig `yaml:"retention"`
	MetricPatterns []string        `yaml:"metric_patterns"`
	InfluxDB       InfluxDBConfig  `yaml:"influxdb"`
	Postgres       PostgresConfig  `yaml:"postgres"`
	Valkey         ValkeyConfig    `yaml:"valkey"`
	Telemetry      TelemetryConfig `yaml:"telemetry"`
	CORSOrigins    []string        `yaml:"cors_origins"`
	// MemoryOnly runs without InfluxDB and PostgreSQL. History and alerts
	// are then lost on restart.
	MemoryOnly bool `yaml:"memory_only"`
}

// DurableHistory reports whether time-series points go to InfluxDB.
func (c *ServerConfig) DurableHistory() bool { return !c.MemoryOnly && c.InfluxDB.Enabled() }

// DurableAlerts reports whether alert rows go to PostgreSQL.
func (c *ServerConfig) DurableAlerts() bool { return !c.MemoryOnly && c.Postgres.Enabled() }

// Default returns the configuration used when nothing is set.
func Default() *ServerConfig {
	a := alerts.DefaultConfig()
	sw := sweeper.DefaultConfig()
	q := query.DefaultOptions()
	return &ServerConfig{
		ListenAddress: ":8080",
		Collector:     CollectorConfig{ID: "collector", Name: "NetPulse Collector"},
		Thresholds: ThresholdConfig{
			CPUPercent:     a.CPUPercent,
			MemPercent:     a.MemPercent,
			DiskPercent:    a.DiskPercent,
			ChokePercent:   a.ChokePercent,
			PingLatencyMs:  a.PingLatencyMs,
			PingFailWindow: a.PingFailWindow,
		},
		Liveness: LivenessConfig{
			StaleAfter:    q.StaleAfter,
			DownAfter:     a.DownAfter,
			SweepInterval: sw.LivenessInterval,
		},
		Retention: RetentionConfig{
			History:         sw.Retention,
			ResolvedAlerts:  sw.ResolvedRetention,
			CleanupInterval: sw.PruneInterval,
			SnapshotTTL:     24 * time.Hour,
		},
		MetricPatterns: metricpath.DefaultPatterns(),
		InfluxDB: InfluxDBConfig{
			URL:    "http://localhost:8086",
			Org:    "netpulse",
			Bucket: "netpulse",
		},
		Postgres: PostgresConfig{DSN: "postgres://netpulse@localhost:5432/netpulse?sslmode=disable"},
		Telemetry: TelemetryConfig{
			Exporter:    ExporterNone,
			Interval:    30 * time.Second,
			ServiceName: "netpulse-collector",
		},
		CORSOrigins: []string{"*"},
	}
}

// Load reads the optional file named in NETPULSE_CONFIG, applies
// environment overrides and validates the result.
func Load() (*ServerConfig, error) {
	cfg := Default()
	if path := os.Getenv(FileEnv); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *ServerConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *ServerConfig) {
	cfg.ListenAddress = getEnv("SERVER_LISTEN_ADDRESS", cfg.ListenAddress)
	cfg.EnableDebugLog = getEnvAsBool("SERVER_ENABLE_DEBUG_LOG", cfg.EnableDebugLog)

	cfg.Collector.ID = getEnv("COLLECTOR_ID", cfg.Collector.ID)
	cfg.Collector.Name = getEnv("COLLECTOR_NAME", cfg.Collector.Name)
	cfg.Collector.IP = getEnv("COLLECTOR_IP", cfg.Collector.IP)

	t := &cfg.Thresholds
	t.CPUPercent = getEnvAsFloat("ALERT_CPU_PERCENT", t.CPUPercent)
	t.MemPercent = getEnvAsFloat("ALERT_MEM_PERCENT", t.MemPercent)
	t.DiskPercent = getEnvAsFloat("ALERT_DISK_PERCENT", t.DiskPercent)
	t.ChokePercent = getEnvAsFloat("ALERT_CHOKE_PERCENT", t.ChokePercent)
	t.PingLatencyMs = getEnvAsFloat("ALERT_PING_LATENCY_MS", t.PingLatencyMs)
	t.PingFailWindow = getEnvAsDuration("ALERT_PING_FAIL_WINDOW", t.PingFailWindow)

	cfg.Liveness.StaleAfter = getEnvAsDuration("AGENT_STALE_AFTER", cfg.Liveness.StaleAfter)
	cfg.Liveness.DownAfter = getEnvAsDuration("AGENT_DOWN_AFTER", cfg.Liveness.DownAfter)
	cfg.Liveness.SweepInterval = getEnvAsDuration("LIVENESS_SWEEP_INTERVAL", cfg.Liveness.SweepInterval)

	r := &cfg.Retention
	r.History = getEnvAsDuration("RETENTION_HISTORY", r.History)
	r.ResolvedAlerts = getEnvAsDuration("RETENTION_RESOLVED_ALERTS", r.ResolvedAlerts)
	r.CleanupInterval = getEnvAsDuration("RETENTION_CLEANUP_INTERVAL", r.CleanupInterval)
	r.SnapshotTTL = getEnvAsDuration("RETENTION_SNAPSHOT_TTL", r.SnapshotTTL)

	cfg.MetricPatterns = getEnvAsList("METRIC_PATTERNS", cfg.MetricPatterns)

	cfg.InfluxDB.URL = getEnv("INFLUXDB_URL", cfg.InfluxDB.URL)
	cfg.InfluxDB.Token = getEnv("INFLUXDB_TOKEN", cfg.InfluxDB.Token)
	cfg.InfluxDB.Org = getEnv("INFLUXDB_ORG", cfg.InfluxDB.Org)
	cfg.InfluxDB.Bucket = getEnv("INFLUXDB_BUCKET", cfg.InfluxDB.Bucket)

	cfg.Postgres.DSN = getEnv("POSTGRES_DSN", cfg.Postgres.DSN)

	cfg.Valkey.Address = getEnv("VALKEY_ADDRESS", cfg.Valkey.Address)
	cfg.Valkey.Password = getEnv("VALKEY_PASSWORD", cfg.Valkey.Password)

	cfg.Telemetry.Exporter = getEnv("TELEMETRY_EXPORTER", cfg.Telemetry.Exporter)
	cfg.Telemetry.Endpoint = getEnv("TELEMETRY_ENDPOINT", cfg.Telemetry.Endpoint)
	cfg.Telemetry.Interval = getEnvAsDuration("TELEMETRY_INTERVAL", cfg.Telemetry.Interval)
	cfg.Telemetry.ServiceName = getEnv("TELEMETRY_SERVICE_NAME", cfg.Telemetry.ServiceName)

	cfg.CORSOrigins = getEnvAsList("CORS_ALLOWED_ORIGINS", cfg.CORSOrigins)
	cfg.MemoryOnly = getEnvAsBool("STORAGE_MEMORY_ONLY", cfg.MemoryOnly)
}

// Validate rejects values the collector cannot run with. The durable stores
// are required unless MemoryOnly is set.
func (c *ServerConfig) Validate() error {
	var errs []error
	if c.ListenAddress == "" {
		errs = append(errs, errors.New("listen_address is required"))
	}
	if c.Collector.ID == "" {
		errs = append(errs, errors.New("collector.id is required"))
	}
	positive := map[string]time.Duration{
		"thresholds.ping_fail_window": c.Thresholds.PingFailWindow,
		"liveness.stale_after":        c.Liveness.StaleAfter,
		"liveness.down_after":         c.Liveness.DownAfter,
		"liveness.sweep_interval":     c.Liveness.SweepInterval,
		"retention.history":           c.Retention.History,
		"retention.resolved_alerts":   c.Retention.ResolvedAlerts,
		"retention.cleanup_interval":  c.Retention.CleanupInterval,
		"retention.snapshot_ttl":      c.Retention.SnapshotTTL,
	}
	for _, name := range sortedNames(positive) {
		if positive[name] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, positive[name]))
		}
	}
	if c.Liveness.DownAfter < c.Liveness.StaleAfter {
		errs = append(errs, fmt.Errorf("liveness.down_after (%s) is shorter than stale_after (%s)",
			c.Liveness.DownAfter, c.Liveness.StaleAfter))
	}
	for name, pct := range map[string]float64{
		"thresholds.cpu_percent":   c.Thresholds.CPUPercent,
		"thresholds.mem_percent":   c.Thresholds.MemPercent,
		"thresholds.disk_percent":  c.Thresholds.DiskPercent,
		"thresholds.choke_percent": c.Thresholds.ChokePercent,
	} {
		if pct <= 0 || pct > 100 {
			errs = append(errs, fmt.Errorf("%s must be in (0, 100], got %v", name, pct))
		}
	}
	if c.Thresholds.PingLatencyMs <= 0 {
		errs = append(errs, fmt.Errorf("thresholds.ping_latency_ms must be positive, got %v", c.Thresholds.PingLatencyMs))
	}
	if _, err := metricpath.NewSchema(c.MetricPatterns); err != nil {
		errs = append(errs, fmt.Errorf("metric_patterns: %w", err))
	}
	if !c.MemoryOnly {
		if !c.InfluxDB.Enabled() {
			errs = append(errs, errors.New("influxdb.url is required unless memory_only is set"))
		} else {
			if c.InfluxDB.Token == "" {
				errs = append(errs, errors.New("influxdb.token is required unless memory_only is set"))
			}
			if c.InfluxDB.Org == "" {
				errs = append(errs, errors.New("influxdb.org is required unless memory_only is set"))
			}
			if c.InfluxDB.Bucket == "" {
				errs = append(errs, errors.New("influxdb.bucket is required unless memory_only is set"))
			}
		}
		if !c.Postgres.Enabled() {
			errs = append(errs, errors.New("postgres.dsn is required unless memory_only is set"))
		}
	}
	switch c.Telemetry.Exporter {
	case ExporterNone, ExporterStdout, ExporterOTLPHTTP, ExporterOTLPGRPC:
	default:
		errs = append(errs, fmt.Errorf("telemetry.exporter %q is not one of none, stdout, otlp-http, otlp-grpc", c.Telemetry.Exporter))
	}
	if c.Telemetry.Exporter != ExporterNone && c.Telemetry.Interval <= 0 {
		errs = append(errs, errors.New("telemetry.interval must be positive"))
	}
	return errors.Join(errs...)
}

func sortedNames(m map[string]time.Duration) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (c *ServerConfig) AlertConfig() alerts.Config {
	return alerts.Config{
		CPUPercent:     c.Thresholds.CPUPercent,
		MemPercent:     c.Thresholds.MemPercent,
		DiskPercent:    c.Thresholds.DiskPercent,
		ChokePercent:   c.Thresholds.ChokePercent,
		PingLatencyMs:  c.Thresholds.PingLatencyMs,
		PingFailWindow: c.Thresholds.PingFailWindow,
		DownAfter:      c.Liveness.DownAfter,
	}
}

func (c *ServerConfig) SweeperConfig() sweeper.Config {
	return sweeper.Config{
		Retention:         c.Retention.History,
		ResolvedRetention: c.Retention.ResolvedAlerts,
		PruneInterval:     c.Retention.CleanupInterval,
		LivenessInterval:  c.Liveness.SweepInterval,
	}
}

func (c *ServerConfig) QueryOptions() query.Options {
	opts := query.DefaultOptions()
	opts.StaleAfter = c.Liveness.StaleAfter
	opts.DownAfter = c.Liveness.DownAfter
	opts.Collector = models.Collector{ID: c.Collector.ID, Name: c.Collector.Name, IP: c.Collector.IP}
	return opts
}

// get an environment variable or return a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
		appLogger.Warn("Failed to parse env var %s as bool: %v. Using fallback: %t", key, err, fallback)
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		f, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return f
		}
		appLogger.Warn("Failed to parse env var %s as number: %v. Using fallback: %v", key, err, fallback)
	}
	return fallback
}

// getEnvAsDuration accepts Go durations ("90s") or plain seconds ("90").
func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	appLogger.Warn("Failed to parse env var %s as duration: %q. Using fallback: %s", key, value, fallback)
	return fallback
}

// getEnvAsList splits a comma separated value, dropping blanks.
func getEnvAsList(key string, fallback []string) []string {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	var out []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
