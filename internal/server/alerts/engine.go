// Package alerts derives threshold, choke, probe and liveness alerts and keeps
// one lifecycle record per (hostname, alert type, target).
package alerts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/4Noyis/netpulse/internal/server/models"
)

// Transition names reported to the Recorder.
const (
	TransitionOpened    = "opened"
	TransitionRefreshed = "refreshed"
	TransitionResolved  = "resolved"
	TransitionReopened  = "reopened"
)

// Config holds the rule thresholds.
type Config struct {
	CPUPercent     float64
	MemPercent     float64
	DiskPercent    float64
	ChokePercent   float64
	PingLatencyMs  float64
	PingFailWindow time.Duration
	DownAfter      time.Duration
}

func DefaultConfig() Config {
	return Config{
		CPUPercent:     90,
		MemPercent:     90,
		DiskPercent:    95,
		ChokePercent:   80,
		PingLatencyMs:  500,
		PingFailWindow: 5 * time.Minute,
		DownAfter:      240 * time.Second,
	}
}

// Repository persists alert rows. The engine keeps working from memory
// when none is configured.
type Repository interface {
	Upsert(ctx context.Context, rows []models.AlertRecord) error
	// DeleteResolved removes the rows among keys that are still resolved
	// with a resolution time before the cutoff (unix seconds). A row reopened
	// since the caller looked at it must survive.
	DeleteResolved(ctx context.Context, keys []string, before float64) error
	LoadAll(ctx context.Context) ([]models.AlertRecord, error)
}

// Recorder receives one call per state change.
type Recorder interface {
	AlertTransition(ctx context.Context, alertType, transition string)
}

type Option func(*Engine)

func WithRepository(r Repository) Option { return func(e *Engine) { e.repo = r } }

func WithRecorder(r Recorder) Option { return func(e *Engine) { e.rec = r } }

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// Engine owns the alert table. Rows are grouped per host so an ingest only
// walks its own host's rows.
type Engine struct {
	mu   sync.Mutex
	rows map[string]map[string]*models.AlertRecord // hostname -> alert key -> row

	cfg   Config
	repo  Repository
	rec   Recorder
	now   func() time.Time
	newID func() string
}

func New(cfg Config, opts ...Option) *Engine {
	e := &Engine{
		rows:  make(map[string]map[string]*models.AlertRecord),
		cfg:   cfg,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Config() Config { return e.cfg }

// check is the outcome of one rule for one identity.
type check struct {
	alertType string
	target    string
	hasTarget bool
	firing    bool
	message   string
	value     *float64
	threshold *float64
}

type change struct {
	row        models.AlertRecord
	transition string
}

func unix(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fptr(v float64) *float64 { return &v }

// apply runs the state machine for one check. Caller holds e.mu.
func (e *Engine) apply(hostname string, c check, now time.Time) (change, bool) {
	var target *string
	if c.hasTarget {
		t := c.target
		target = &t
	}
	key := models.AlertKey(hostname, c.alertType, c.target)
	byKey := e.rows[hostname]
	row := byKey[key]
	ts := unix(now)

	if !c.firing {
		if row == nil || row.Status != models.AlertActive {
			return change{}, false
		}
		row.Status = models.AlertResolved
		row.ResolvedUnix = fptr(ts)
		return change{row: *row, transition: TransitionResolved}, true
	}

	transition := TransitionRefreshed
	switch {
	case row == nil:
		if byKey == nil {
			byKey = make(map[string]*models.AlertRecord)
			e.rows[hostname] = byKey
		}
		row = &models.AlertRecord{
			AlertKey:       key,
			Hostname:       hostname,
			AlertType:      c.alertType,
			SpecificTarget: target,
		}
		byKey[key] = row
		transition = TransitionOpened
	case row.Status != models.AlertActive:
		transition = TransitionReopened
	}
	if transition != TransitionRefreshed {
		row.OccurrenceID = e.newID()
		row.Status = models.AlertActive
		row.FirstTriggeredUnix = ts
		row.ResolvedUnix = nil
	}
	row.LastActiveUnix = ts
	row.Message = c.message
	row.CurrentValue = c.value
	row.ThresholdValue = c.threshold
	return change{row: *row, transition: transition}, true
}

// commit persists and reports changes. It runs without e.mu held; per-key
// ordering is kept by the caller holding the host's snapshot lock.
func (e *Engine) commit(ctx context.Context, changes []change) error {
	if len(changes) == 0 {
		return nil
	}
	if e.rec != nil {
		for _, c := range changes {
			e.rec.AlertTransition(ctx, c.row.AlertType, c.transition)
		}
	}
	if e.repo == nil {
		return nil
	}
	rows := make([]models.AlertRecord, len(changes))
	for i, c := range changes {
		rows[i] = c.row
	}
	if err := e.repo.Upsert(ctx, rows); err != nil {
		return fmt.Errorf("persist %d alert rows: %w", len(rows), err)
	}
	return nil
}

// EvaluateHost runs every per-ingest rule against snap. It also resolves the
// host's agent_down alert, since the host just reported, and resolves
// per-target alerts whose disk, adapter or probe target is no longer reported.
func (e *Engine) EvaluateHost(ctx context.Context, snap *models.HostSnapshot) error {
	if snap == nil || snap.Hostname == "" {
		return errors.New("evaluate alerts: snapshot without hostname")
	}
	now := e.now()
	checks := e.hostChecks(snap, now)
	checks = append(checks, check{alertType: models.AlertAgentDown})

	evaluated := make(map[string]bool, len(checks))
	var changes []change

	e.mu.Lock()
	for _, c := range checks {
		evaluated[models.AlertKey(snap.Hostname, c.alertType, c.target)] = true
		if ch, ok := e.apply(snap.Hostname, c, now); ok {
			changes = append(changes, ch)
		}
	}
	for key, row := range e.rows[snap.Hostname] {
		if evaluated[key] || row.Status != models.AlertActive || row.SpecificTarget == nil {
			continue
		}
		gone := check{alertType: row.AlertType, target: *row.SpecificTarget, hasTarget: true}
		if ch, ok := e.apply(snap.Hostname, gone, now); ok {
			changes = append(changes, ch)
		}
	}
	e.mu.Unlock()

	return e.commit(ctx, changes)
}

// EvaluateLiveness raises or refreshes agent_down for a host silent for longer
// than the down timeout and reports whether the host counts as down. A host
// that is not down is left alone; its next ingest resolves the alert.
func (e *Engine) EvaluateLiveness(ctx context.Context, hostname string, lastSeen, now time.Time) (bool, error) {
	if lastSeen.IsZero() {
		return false, nil
	}
	silent := now.Sub(lastSeen)
	if silent <= e.cfg.DownAfter {
		return false, nil
	}
	limit := e.cfg.DownAfter.Seconds()
	c := check{
		alertType: models.AlertAgentDown,
		firing:    true,
		message:   fmt.Sprintf("Agent has not reported in > %.0f seconds (last seen %.0fs ago).", limit, silent.Seconds()),
		value:     fptr(silent.Seconds()),
		threshold: fptr(limit),
	}
	e.mu.Lock()
	ch, ok := e.apply(hostname, c, now)
	e.mu.Unlock()
	if !ok {
		return true, nil
	}
	return true, e.commit(ctx, []change{ch})
}

// PruneResolved drops resolved rows whose resolution is older than cutoff.
func (e *Engine) PruneResolved(ctx context.Context, cutoff time.Time) (int, error) {
	limit := unix(cutoff)
	var keys []string
	e.mu.Lock()
	for host, byKey := range e.rows {
		for key, row := range byKey {
			if row.Status == models.AlertResolved && row.ResolvedUnix != nil && *row.ResolvedUnix < limit {
				keys = append(keys, key)
				delete(byKey, key)
			}
		}
		if len(byKey) == 0 {
			delete(e.rows, host)
		}
	}
	e.mu.Unlock()

	if len(keys) == 0 || e.repo == nil {
		return len(keys), nil
	}
	if err := e.repo.DeleteResolved(ctx, keys, limit); err != nil {
		return len(keys), fmt.Errorf("delete %d resolved alerts: %w", len(keys), err)
	}
	return len(keys), nil
}

// Restore loads persisted rows into the table, replacing what is there.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	if e.repo == nil {
		return 0, nil
	}
	rows, err := e.repo.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("load alerts: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rows = make(map[string]map[string]*models.AlertRecord)
	for i := range rows {
		row := rows[i]
		if row.AlertKey == "" {
			row.AlertKey = models.AlertKey(row.Hostname, row.AlertType, row.Target())
		}
		byKey, ok := e.rows[row.Hostname]
		if !ok {
			byKey = make(map[string]*models.AlertRecord)
			e.rows[row.Hostname] = byKey
		}
		byKey[row.AlertKey] = &row
	}
	return len(rows), nil
}

// HasActive reports whether hostname has at least one active alert.
func (e *Engine) HasActive(hostname string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, row := range e.rows[hostname] {
		if row.Status == models.AlertActive {
			return true
		}
	}
	return false
}

// ActiveHosts returns the hosts with at least one active alert.
func (e *Engine) ActiveHosts() map[string]bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]bool)
	for host, byKey := range e.rows {
		for _, row := range byKey {
			if row.Status == models.AlertActive {
				out[host] = true
				break
			}
		}
	}
	return out
}

// ActiveForHost returns copies of the host's active rows, sorted by key.
func (e *Engine) ActiveForHost(hostname string) []models.AlertRecord {
	e.mu.Lock()
	out := make([]models.AlertRecord, 0)
	for _, row := range e.rows[hostname] {
		if row.Status == models.AlertActive {
			out = append(out, *row)
		}
	}
	e.mu.Unlock()
	sortRows(out, compareKey, false)
	return out
}

// Count returns the number of rows in each status.
func (e *Engine) Count() (active, resolved int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, byKey := range e.rows {
		for _, row := range byKey {
			if row.Status == models.AlertActive {
				active++
			} else {
				resolved++
			}
		}
	}
	return active, resolved
}
