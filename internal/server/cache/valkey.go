// Package cache mirrors host snapshots to Valkey so a restarted collector
// still knows which hosts it has seen and when.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/valkey-io/valkey-go"

	appLogger "github.com/4Noyis/netpulse/internal/logger"
	"github.com/4Noyis/netpulse/internal/retry"
	"github.com/4Noyis/netpulse/internal/server/config"
	"github.com/4Noyis/netpulse/internal/server/models"
)

// All keys share the {netpulse} hash tag, so they map to one cluster slot
// and LoadAll can MGET them on clustered Valkey.
const (
	keyPrefix = "{netpulse}:snapshot:"
	indexKey  = "{netpulse}:snapshots" // set of mirrored hostnames
)

// SnapshotMirror stores the latest snapshot of each host under its own key
// with a TTL, so hosts that stay away long enough drop out.
type SnapshotMirror struct {
	client valkey.Client
	ttl    time.Duration
}

func New(ctx context.Context, cfg config.ValkeyConfig, ttl time.Duration, rc retry.Config) (*SnapshotMirror, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{cfg.Address},
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}
	m := &SnapshotMirror{client: client, ttl: ttl}
	if err := retry.WithExponentialBackoff(ctx, rc, "Valkey connect", func() error { return m.Ping(ctx) }); err != nil {
		client.Close()
		return nil, err
	}
	appLogger.Info("Connected to Valkey at %s", cfg.Address)
	return m, nil
}

func snapshotKey(hostname string) string {
	return keyPrefix + hostname
}

func ttlSeconds(ttl time.Duration) int64 {
	secs := int64(ttl / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Save overwrites the host's entry, resets its TTL and records the host in
// the index set.
func (m *SnapshotMirror) Save(ctx context.Context, snap *models.HostSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", snap.Hostname, err)
	}
	results := m.client.DoMulti(ctx,
		m.client.B().Setex().Key(snapshotKey(snap.Hostname)).Seconds(ttlSeconds(m.ttl)).Value(string(data)).Build(),
		m.client.B().Sadd().Key(indexKey).Member(snap.Hostname).Build(),
	)
	for _, r := range results {
		if err := r.Error(); err != nil {
			return fmt.Errorf("valkey save %s: %w", snap.Hostname, err)
		}
	}
	return nil
}

// LoadAll reads every mirrored snapshot listed in the index. Entries that
// fail to decode are logged and skipped; hosts whose entry expired are
// dropped from the index.
func (m *SnapshotMirror) LoadAll(ctx context.Context) ([]*models.HostSnapshot, error) {
	hosts, err := m.client.Do(ctx, m.client.B().Smembers().Key(indexKey).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("valkey smembers: %w", err)
	}
	if len(hosts) == 0 {
		return nil, nil
	}
	keys := make([]string, len(hosts))
	for i, h := range hosts {
		keys[i] = snapshotKey(h)
	}

	values, err := m.client.Do(ctx, m.client.B().Mget().Key(keys...).Build()).ToArray()
	if err != nil {
		return nil, fmt.Errorf("valkey mget: %w", err)
	}
	out := make([]*models.HostSnapshot, 0, len(values))
	var expired []string
	for i, v := range values {
		raw, err := v.ToString()
		if err != nil {
			expired = append(expired, hosts[i])
			continue
		}
		snap, err := decodeSnapshot(keys[i], raw)
		if err != nil {
			appLogger.Warn("Skipping mirrored snapshot: %v", err)
			continue
		}
		out = append(out, snap)
	}
	if len(expired) > 0 {
		if err := m.client.Do(ctx, m.client.B().Srem().Key(indexKey).Member(expired...).Build()).Error(); err != nil {
			appLogger.Warn("Failed to drop %d expired hosts from the snapshot index: %v", len(expired), err)
		}
	}
	return out, nil
}

func decodeSnapshot(key, raw string) (*models.HostSnapshot, error) {
	var snap models.HostSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	if want := strings.TrimPrefix(key, keyPrefix); snap.Hostname != want {
		return nil, fmt.Errorf("decode %s: hostname %q does not match key", key, snap.Hostname)
	}
	return &snap, nil
}

func (m *SnapshotMirror) Ping(ctx context.Context) error {
	return m.client.Do(ctx, m.client.B().Ping().Build()).Error()
}

func (m *SnapshotMirror) Close() {
	m.client.Close()
}
