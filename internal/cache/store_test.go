package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type profile struct {
	Name string `json:"name"`
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T, d Durable, max int) (*Store, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	s := NewStore(d, Options{MaxMemoryItems: max, Clock: clk, Logger: quietLogger()})
	t.Cleanup(s.Close)
	return s, clk
}

// failingDurable accepts reads but rejects every write.
type failingDurable struct {
	*MemoryDurable
}

func (f failingDurable) Put(context.Context, string, []byte) error {
	return errors.New("disk full")
}

func TestStore_TTLScenario(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestStore(t, NewMemoryDurable(), 10)

	require.NoError(t, s.Set(ctx, "user", profile{Name: "Ari"}, 5000*time.Millisecond))

	clk.Add(3000 * time.Millisecond)
	got, ok := Lookup[profile](ctx, s, "user")
	assert.True(t, ok)
	assert.Equal(t, "Ari", got.Name)

	clk.Add(3000 * time.Millisecond)
	_, ok = Lookup[profile](ctx, s, "user")
	assert.False(t, ok, "entry must miss once its TTL has elapsed")
}

func TestStore_TTLBoundary(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestStore(t, NewMemoryDurable(), 10)

	require.NoError(t, s.Set(ctx, "k", "v", 1000*time.Millisecond))
	clk.Add(999 * time.Millisecond)
	_, ok := s.Get(ctx, "k")
	assert.True(t, ok)

	clk.Add(2 * time.Millisecond)
	_, ok = s.Get(ctx, "k")
	assert.False(t, ok)
}

func TestStore_CapacityInvariant(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestStore(t, NewMemoryDurable(), 5)

	for i := 0; i < 100; i++ {
		require.NoError(t, s.Set(ctx, fmt.Sprintf("key-%d", i), i, time.Hour))
		clk.Add(time.Millisecond)
		assert.LessOrEqual(t, s.Len(), 5)
	}
}

func TestStore_EvictsLeastRecentlyUsedFromMemoryOnly(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDurable()
	s, clk := newTestStore(t, d, 2)

	require.NoError(t, s.Set(ctx, "a", "A", time.Hour))
	clk.Add(time.Millisecond)
	require.NoError(t, s.Set(ctx, "b", "B", time.Hour))
	clk.Add(time.Millisecond)
	require.NoError(t, s.Set(ctx, "c", "C", time.Hour))

	assert.False(t, s.InMemory("a"))
	assert.True(t, s.InMemory("b"))
	assert.True(t, s.InMemory("c"))
	assert.Equal(t, int64(1), s.Stats().Evictions)

	s.Flush()
	keys, err := d.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"cache:a", "cache:b", "cache:c"}, keys)

	// the evicted entry is still served, promoted back from the durable tier
	v, ok := Lookup[string](ctx, s, "a")
	assert.True(t, ok)
	assert.Equal(t, "A", v)
	assert.Equal(t, int64(1), s.Stats().DurableHits)
}

func TestStore_EvictionPrefersRecentlyRead(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestStore(t, NewMemoryDurable(), 2)

	require.NoError(t, s.Set(ctx, "a", "A", time.Hour))
	clk.Add(time.Millisecond)
	require.NoError(t, s.Set(ctx, "b", "B", time.Hour))
	clk.Add(time.Millisecond)
	_, ok := s.Get(ctx, "a")
	require.True(t, ok)
	clk.Add(time.Millisecond)
	require.NoError(t, s.Set(ctx, "c", "C", time.Hour))

	assert.True(t, s.InMemory("a"))
	assert.False(t, s.InMemory("b"))
}

func TestStore_PromotionKeepsRemainingTTL(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDurable()
	clk := clock.NewMock()

	first := NewStore(d, Options{Clock: clk, Logger: quietLogger()})
	require.NoError(t, first.Set(ctx, "matches", []string{"m1", "m2"}, 10*time.Second))
	first.Close()

	clk.Add(4 * time.Second)
	second := NewStore(d, Options{Clock: clk, Logger: quietLogger()})
	defer second.Close()

	e, ok := second.Get(ctx, "matches")
	require.True(t, ok)
	assert.Equal(t, 6*time.Second, e.Remaining(clk.Now()))
	assert.True(t, second.InMemory("matches"))

	got, ok := Lookup[[]string](ctx, second, "matches")
	require.True(t, ok)
	assert.Equal(t, []string{"m1", "m2"}, got)

	clk.Add(6*time.Second + time.Millisecond)
	_, ok = second.Get(ctx, "matches")
	assert.False(t, ok, "promotion must not reset the expiry clock")
}

func TestStore_DeleteIsVisibleBeforeDurableWriteLands(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDurable()
	s, _ := newTestStore(t, d, 10)

	require.NoError(t, s.Set(ctx, "matches", []string{"m1"}, time.Hour))
	s.Flush()
	s.Delete(ctx, "matches")

	_, ok := s.Get(ctx, "matches")
	assert.False(t, ok)

	s.Flush()
	_, err := d.Get(ctx, "cache:matches")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_NilPayloadDeletes(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, NewMemoryDurable(), 10)

	require.NoError(t, s.Set(ctx, "current_user", &profile{Name: "Ari"}, time.Hour))
	var none *profile
	require.NoError(t, s.Set(ctx, "current_user", none, time.Hour))

	_, ok := s.Get(ctx, "current_user")
	assert.False(t, ok)
}

func TestStore_CorruptDurableEntryIsDropped(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDurable()
	require.NoError(t, d.Put(ctx, "cache:broken", []byte("{not json")))
	s, _ := newTestStore(t, d, 10)

	_, ok := s.Get(ctx, "broken")
	assert.False(t, ok)
	assert.Equal(t, int64(1), s.Stats().Corruptions)

	s.Flush()
	_, err := d.Get(ctx, "cache:broken")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_UndecodablePayloadIsDropped(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDurable()
	clk := clock.NewMock()

	first := NewStore(d, Options{Clock: clk, Logger: quietLogger()})
	require.NoError(t, first.Set(ctx, "user", "just a string", time.Hour))
	first.Close()

	second := NewStore(d, Options{Clock: clk, Logger: quietLogger()})
	defer second.Close()
	_, ok := Lookup[profile](ctx, second, "user")
	assert.False(t, ok)

	_, ok = second.Get(ctx, "user")
	assert.False(t, ok)
}

func TestStore_FailedDurableWriteDegradesToMemory(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, failingDurable{NewMemoryDurable()}, 10)

	require.NoError(t, s.Set(ctx, "user", profile{Name: "Ari"}, time.Hour))
	s.Flush()

	got, ok := Lookup[profile](ctx, s, "user")
	assert.True(t, ok)
	assert.Equal(t, "Ari", got.Name)
}

func TestStore_SweepPurgesExpired(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDurable()
	require.NoError(t, d.Put(ctx, "treated_ids", []byte(`["u1"]`)))
	s, clk := newTestStore(t, d, 10)

	require.NoError(t, s.Set(ctx, "short", 1, time.Second))
	require.NoError(t, s.Set(ctx, "long", 2, time.Hour))
	s.Flush()

	clk.Add(2 * time.Second)
	removed, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed, "one memory entry and one durable entry")

	assert.False(t, s.InMemory("short"))
	assert.True(t, s.InMemory("long"))
	keys, err := d.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"cache:long", "treated_ids"}, keys)
}

// hookDurable runs onGet once, right after key is first read.
type hookDurable struct {
	*MemoryDurable
	key   string
	once  sync.Once
	onGet func()
}

func (h *hookDurable) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := h.MemoryDurable.Get(ctx, key)
	if key == h.key && h.onGet != nil {
		h.once.Do(h.onGet)
	}
	return data, err
}

func TestStore_SweepKeepsEntryRewrittenDuringSweep(t *testing.T) {
	ctx := context.Background()
	d := &hookDurable{MemoryDurable: NewMemoryDurable(), key: "cache:user"}
	s, clk := newTestStore(t, d, 10)

	require.NoError(t, s.Set(ctx, "user", profile{Name: "Ari"}, time.Second))
	s.Flush()
	clk.Add(2 * time.Second)

	// the expired copy has been read; a fresh value lands before the purge
	d.onGet = func() {
		require.NoError(t, s.Set(ctx, "user", profile{Name: "Bo"}, time.Hour))
		s.Flush()
	}
	removed, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed, "only the expired memory copy is removed")

	raw, err := d.MemoryDurable.Get(ctx, "cache:user")
	require.NoError(t, err)
	e, err := decodeEntry("user", raw)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Bo"}`, string(e.Payload.(json.RawMessage)))

	got, ok := Lookup[profile](ctx, s, "user")
	require.True(t, ok)
	assert.Equal(t, "Bo", got.Name)
}

func TestStore_ClearLeavesForeignKeys(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDurable()
	require.NoError(t, d.Put(ctx, "treated_ids", []byte(`[]`)))
	s, _ := newTestStore(t, d, 10)

	require.NoError(t, s.Set(ctx, "a", 1, time.Hour))
	require.NoError(t, s.Set(ctx, "b", 2, time.Hour))
	require.NoError(t, s.Clear(ctx))

	assert.Equal(t, 0, s.Len())
	keys, err := d.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"treated_ids"}, keys)
}

func TestEvictCount(t *testing.T) {
	assert.Equal(t, 1, evictCount(1))
	assert.Equal(t, 1, evictCount(2))
	assert.Equal(t, 1, evictCount(4))
	assert.Equal(t, 2, evictCount(5))
	assert.Equal(t, 13, evictCount(50))
}
