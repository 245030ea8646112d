// Package cache implements a TTL key-value cache over a persistent store.
// Entries wrap the value with a write timestamp and expiry; staleness is
// computed at read time and expired entries are evicted lazily on read.
// There is no size bound and no sweep.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/campuslink/internal/storage"
)

const (
	// DefaultTTL is the logical expiry applied when Set is called with ttl 0.
	DefaultTTL = 24 * time.Hour
	// ImageTTLFactor — image entries live this many times longer.
	ImageTTLFactor = 7
	// staleRetention keeps entries in the backend past logical expiry so a
	// stale value can still be served as a degraded-mode fallback.
	staleRetention = 7
)

// envelope is the stored form: the value plus bookkeeping for staleness.
type envelope struct {
	Value     json.RawMessage `json:"value"`
	Timestamp int64           `json:"timestamp"` // unix ms at write
	ExpiryMS  int64           `json:"expiry_ms"`
}

type Manager struct {
	store      storage.Store
	defaultTTL time.Duration
	now        func() time.Time
}

func New(store storage.Store, defaultTTL time.Duration) *Manager {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &Manager{store: store, defaultTTL: defaultTTL, now: time.Now}
}

// NewWithClock is New with an injectable clock, for tests.
func NewWithClock(store storage.Store, defaultTTL time.Duration, now func() time.Time) *Manager {
	m := New(store, defaultTTL)
	m.now = now
	return m
}

// ImageTTL returns the expiry used for image cache entries.
func (m *Manager) ImageTTL() time.Duration {
	return m.defaultTTL * ImageTTLFactor
}

// Set stores value under key with the given logical expiry (0 — default TTL).
func (m *Manager) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache.Set %s: marshal: %w", key, err)
	}
	env := envelope{
		Value:     raw,
		Timestamp: m.now().UnixMilli(),
		ExpiryMS:  ttl.Milliseconds(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("cache.Set %s: marshal envelope: %w", key, err)
	}
	// Backend TTL is a hard cap only; logical expiry is checked on read so
	// stale values remain servable for the retention window.
	return m.store.Set(ctx, key, string(data), ttl*staleRetention)
}

// Get loads a fresh value into dst. A missing or expired entry is a miss
// (false, nil); expired entries are removed on the way out.
func (m *Manager) Get(ctx context.Context, key string, dst any) (bool, error) {
	env, ok, err := m.load(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	age := m.now().UnixMilli() - env.Timestamp
	if age > env.ExpiryMS {
		if delErr := m.store.Delete(ctx, key); delErr != nil {
			return false, fmt.Errorf("cache.Get %s: evict: %w", key, delErr)
		}
		return false, nil
	}
	if err := json.Unmarshal(env.Value, dst); err != nil {
		return false, fmt.Errorf("cache.Get %s: unmarshal: %w", key, err)
	}
	return true, nil
}

// GetStale loads the value regardless of logical expiry. Used as the
// serve-stale-on-error fallback when the remote fetch fails.
func (m *Manager) GetStale(ctx context.Context, key string, dst any) (bool, error) {
	env, ok, err := m.load(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(env.Value, dst); err != nil {
		return false, fmt.Errorf("cache.GetStale %s: unmarshal: %w", key, err)
	}
	return true, nil
}

// Delete removes a single entry.
func (m *Manager) Delete(ctx context.Context, key string) error {
	return m.store.Delete(ctx, key)
}

// Invalidate removes several entries at once.
func (m *Manager) Invalidate(ctx context.Context, keys ...string) error {
	return m.store.DeleteMany(ctx, keys...)
}

func (m *Manager) load(ctx context.Context, key string) (envelope, bool, error) {
	var env envelope
	data, err := m.store.Get(ctx, key)
	if err != nil {
		return env, false, fmt.Errorf("cache %s: %w", key, err)
	}
	if data == "" {
		return env, false, nil
	}
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		// Повреждённая запись приравнивается к промаху и удаляется.
		_ = m.store.Delete(ctx, key)
		return env, false, nil
	}
	return env, true, nil
}
