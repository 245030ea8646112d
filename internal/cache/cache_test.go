package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campuslink/internal/storage/memory"
)

type entry struct {
	Name string `json:"name"`
	N    int    `json:"n"`
}

func TestCache_RoundTrip(t *testing.T) {
	m := New(memory.New(), time.Hour)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", entry{Name: "a", N: 7}, 0))

	var got entry
	ok, err := m.Get(ctx, "k", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, entry{Name: "a", N: 7}, got)
}

func TestCache_MissOnAbsentKey(t *testing.T) {
	m := New(memory.New(), time.Hour)
	var got entry
	ok, err := m.Get(context.Background(), "nope", &got)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_ExpiryIsComputedAtRead(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	store := memory.New()
	m := NewWithClock(store, time.Hour, clock)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", entry{N: 1}, time.Hour))

	var got entry
	ok, err := m.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.True(t, ok, "fresh before expiry")

	now = now.Add(59 * time.Minute)
	ok, err = m.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.True(t, ok, "still fresh at 59m")

	now = now.Add(2 * time.Minute)
	ok, err = m.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.False(t, ok, "expired at 61m")

	// Просроченная запись удаляется лениво при чтении.
	raw, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Empty(t, raw)
}

func TestCache_GetStaleServesExpiredEntry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	m := NewWithClock(memory.New(), time.Hour, clock)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", entry{Name: "stale"}, time.Hour))
	now = now.Add(3 * time.Hour)

	var got entry
	ok, err := m.GetStale(ctx, "k", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "stale", got.Name)
}

func TestCache_CorruptedEntryIsAMiss(t *testing.T) {
	store := memory.New()
	m := New(store, time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", "not json at all", 0))

	var got entry
	ok, err := m.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.False(t, ok)

	raw, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Empty(t, raw, "corrupted entry is evicted")
}

func TestCache_ImageTTL(t *testing.T) {
	m := New(memory.New(), 24*time.Hour)
	assert.Equal(t, 7*24*time.Hour, m.ImageTTL())
}

func TestCache_Invalidate(t *testing.T) {
	m := New(memory.New(), time.Hour)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "a", 1, 0))
	require.NoError(t, m.Set(ctx, "b", 2, 0))
	require.NoError(t, m.Invalidate(ctx, "a", "b"))

	var n int
	ok, err := m.Get(ctx, "a", &n)
	require.NoError(t, err)
	assert.False(t, ok)
}
