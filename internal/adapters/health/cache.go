package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss is returned by a SnapshotStore with no entry for the key.
var ErrCacheMiss = errors.New("snapshot cache miss")

// SnapshotStore persists encoded snapshots.
type SnapshotStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// RedisStore keeps snapshots in Redis.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps a go-redis client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	return b, err
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Cached wraps a Provider. Fresh snapshots are written through to the
// store; when the upstream fails the last good snapshot is served with
// Stale set. The upstream is treated as degraded input, not a hard failure.
type Cached struct {
	next   Provider
	store  SnapshotStore
	ttl    time.Duration
	logger *slog.Logger
}

// NewCached creates a caching provider.
func NewCached(next Provider, store SnapshotStore, ttl time.Duration, logger *slog.Logger) *Cached {
	return &Cached{next: next, store: store, ttl: ttl, logger: logger}
}

func cacheKey(patientID string) string {
	return "triage:snapshot:" + patientID
}

// Snapshot implements Provider.
func (c *Cached) Snapshot(ctx context.Context, patientID string) (*Snapshot, error) {
	snap, err := c.next.Snapshot(ctx, patientID)
	if err == nil {
		if snap.HistoryAvailable && snap.PrescriptionsAvailable {
			c.put(ctx, snap)
		} else {
			c.fillHistory(ctx, snap)
		}
		return snap, nil
	}
	if errors.Is(err, ErrPatientNotFound) {
		return nil, err
	}

	cached, cacheErr := c.get(ctx, patientID)
	if cacheErr != nil {
		return nil, fmt.Errorf("%w (cache: %v)", err, cacheErr)
	}
	c.logger.WarnContext(ctx, "serving stale patient snapshot",
		"patient_id", patientID,
		"collected_at", cached.CollectedAt,
		"error", err,
	)
	cached.Stale = true
	// Cached medications still feed red-flag rules but are not current
	// enough to quote dosages from.
	cached.PrescriptionsAvailable = false
	return cached, nil
}

// fillHistory completes a partial snapshot with cached conditions so red-flag
// evaluation still sees the patient's history. Prescriptions are never
// filled from cache; dosage guidance needs current data.
func (c *Cached) fillHistory(ctx context.Context, snap *Snapshot) {
	if snap.HistoryAvailable {
		return
	}
	cached, err := c.get(ctx, snap.PatientID)
	if err != nil || !cached.HistoryAvailable {
		return
	}
	snap.Conditions = cached.Conditions
	snap.HistoryAvailable = true
	snap.Stale = true
}

func (c *Cached) put(ctx context.Context, snap *Snapshot) {
	b, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := c.store.Set(ctx, cacheKey(snap.PatientID), b, c.ttl); err != nil {
		c.logger.WarnContext(ctx, "snapshot cache write failed", "patient_id", snap.PatientID, "error", err)
	}
}

func (c *Cached) get(ctx context.Context, patientID string) (*Snapshot, error) {
	b, err := c.store.Get(ctx, cacheKey(patientID))
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, fmt.Errorf("decode cached snapshot: %w", err)
	}
	return &snap, nil
}
