package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	appLogger "github.com/4Noyis/netpulse/internal/logger"
	"github.com/4Noyis/netpulse/internal/retry"
	"github.com/4Noyis/netpulse/internal/server/alerts"
	"github.com/4Noyis/netpulse/internal/server/models"
)

const alertSchema = `
CREATE TABLE IF NOT EXISTS alerts (
	alert_key            TEXT PRIMARY KEY,
	occurrence_id        TEXT NOT NULL,
	hostname             TEXT NOT NULL,
	alert_type           TEXT NOT NULL,
	specific_target      TEXT,
	status               TEXT NOT NULL,
	message              TEXT NOT NULL,
	current_value        DOUBLE PRECISION,
	threshold_value      DOUBLE PRECISION,
	first_triggered_unix DOUBLE PRECISION NOT NULL,
	last_active_unix     DOUBLE PRECISION NOT NULL,
	resolved_unix        DOUBLE PRECISION
);
CREATE INDEX IF NOT EXISTS alerts_status_idx ON alerts (status);
CREATE INDEX IF NOT EXISTS alerts_hostname_idx ON alerts (hostname);`

const upsertAlert = `
INSERT INTO alerts (
	alert_key, occurrence_id, hostname, alert_type, specific_target, status, message,
	current_value, threshold_value, first_triggered_unix, last_active_unix, resolved_unix
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (alert_key) DO UPDATE SET
	occurrence_id        = EXCLUDED.occurrence_id,
	status               = EXCLUDED.status,
	message              = EXCLUDED.message,
	current_value        = EXCLUDED.current_value,
	threshold_value      = EXCLUDED.threshold_value,
	first_triggered_unix = EXCLUDED.first_triggered_unix,
	last_active_unix     = EXCLUDED.last_active_unix,
	resolved_unix        = EXCLUDED.resolved_unix`

const deleteResolved = `
DELETE FROM alerts
WHERE alert_key = ANY($1) AND status = $2 AND resolved_unix < $3`

const selectAlerts = `
SELECT alert_key, occurrence_id, hostname, alert_type, specific_target, status, message,
	current_value, threshold_value, first_triggered_unix, last_active_unix, resolved_unix
FROM alerts`

// PostgresAlertRepository stores alert rows, one per identity key.
type PostgresAlertRepository struct {
	db *sql.DB
}

var _ alerts.Repository = (*PostgresAlertRepository)(nil)

// NewPostgresAlertRepository opens the pool, waits for the server and
// creates the table when missing.
func NewPostgresAlertRepository(ctx context.Context, dsn string, rc retry.Config) (*PostgresAlertRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	err = retry.WithExponentialBackoff(ctx, rc, "PostgreSQL connect", func() error {
		return db.PingContext(ctx)
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	repo := &PostgresAlertRepository{db: db}
	if err := repo.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	appLogger.Info("Connected to PostgreSQL successfully")
	return repo, nil
}

func (r *PostgresAlertRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, alertSchema); err != nil {
		return fmt.Errorf("create alerts table: %w", err)
	}
	return nil
}

// Upsert writes rows in one transaction.
func (r *PostgresAlertRepository) Upsert(ctx context.Context, rows []models.AlertRecord) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin alert upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertAlert)
	if err != nil {
		return fmt.Errorf("prepare alert upsert: %w", err)
	}
	defer stmt.Close()

	for _, a := range rows {
		_, err := stmt.ExecContext(ctx,
			a.AlertKey, a.OccurrenceID, a.Hostname, a.AlertType, nullString(a.SpecificTarget), a.Status, a.Message,
			nullFloat(a.CurrentValue), nullFloat(a.ThresholdValue), a.FirstTriggeredUnix, a.LastActiveUnix, nullFloat(a.ResolvedUnix))
		if err != nil {
			return fmt.Errorf("upsert alert %s: %w", a.AlertKey, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit alert upsert: %w", err)
	}
	return nil
}

func (r *PostgresAlertRepository) DeleteResolved(ctx context.Context, keys []string, before float64) error {
	if len(keys) == 0 {
		return nil
	}
	res, err := r.db.ExecContext(ctx, deleteResolved, pq.Array(keys), models.AlertResolved, before)
	if err != nil {
		return fmt.Errorf("delete alerts: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		appLogger.Debug("Deleted %d alert rows", n)
	}
	return nil
}

func (r *PostgresAlertRepository) LoadAll(ctx context.Context) ([]models.AlertRecord, error) {
	rows, err := r.db.QueryContext(ctx, selectAlerts)
	if err != nil {
		return nil, fmt.Errorf("load alerts: %w", err)
	}
	defer rows.Close()

	var out []models.AlertRecord
	for rows.Next() {
		var (
			a                          models.AlertRecord
			target                     sql.NullString
			current, threshold, closed sql.NullFloat64
		)
		if err := rows.Scan(&a.AlertKey, &a.OccurrenceID, &a.Hostname, &a.AlertType, &target, &a.Status, &a.Message,
			&current, &threshold, &a.FirstTriggeredUnix, &a.LastActiveUnix, &closed); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		if target.Valid {
			a.SpecificTarget = &target.String
		}
		a.CurrentValue = floatPtr(current)
		a.ThresholdValue = floatPtr(threshold)
		a.ResolvedUnix = floatPtr(closed)
		out = append(out, a)
	}
	return out, rows.Err()
}

// HealthCheck runs a query rather than only pinging the pool.
func (r *PostgresAlertRepository) HealthCheck(ctx context.Context) error {
	var result int
	if err := r.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	if result != 1 {
		return fmt.Errorf("database health check returned unexpected value: %d", result)
	}
	return nil
}

func (r *PostgresAlertRepository) Close() error {
	return r.db.Close()
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}
