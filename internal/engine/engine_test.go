package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leonardcser/tiercache/internal/cache"
	"github.com/leonardcser/tiercache/internal/fetch"
	"github.com/leonardcser/tiercache/internal/optimistic"
	"github.com/leonardcser/tiercache/internal/revalidate"
)

type match struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type conversation struct {
	ID      string `json:"id"`
	Preview string `json:"preview"`
}

type message struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

func newEngine(t *testing.T, d cache.Durable) (*Engine, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	e, err := New(context.Background(), Options{
		Durable: d,
		Clock:   clk,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e, clk
}

func TestInvalidate_NextReadMisses(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, nil)

	var calls atomic.Int32
	loader := func(context.Context) ([]match, error) {
		calls.Add(1)
		return []match{{ID: "1", Name: "Ari"}}, nil
	}
	opts := fetch.Options{MinRefreshInterval: time.Minute}

	_, err := FetchResource(ctx, e, KeyMatches, loader, opts)
	require.NoError(t, err)
	got, ok := GetCached[[]match](ctx, e, KeyMatches)
	require.True(t, ok)
	assert.Equal(t, "Ari", got[0].Name)

	e.Invalidate(ctx, KeyMatches)
	_, ok = GetCached[[]match](ctx, e, KeyMatches)
	assert.False(t, ok)

	// the throttle was reset too
	_, err = FetchResource(ctx, e, KeyMatches, loader, opts)
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())
}

func TestInvalidate_WinsOverLoadInFlight(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, nil)

	release := make(chan struct{})
	done := make(chan error)
	go func() {
		_, err := FetchResource(ctx, e, KeyConversations, func(context.Context) ([]conversation, error) {
			<-release
			return []conversation{{ID: "c1", Preview: "old"}}, nil
		}, fetch.Options{})
		done <- err
	}()
	require.Eventually(t, func() bool { return e.Coordinator().State(KeyConversations).InFlight }, time.Second, time.Millisecond)

	e.Invalidate(ctx, KeyConversations)
	close(release)
	require.NoError(t, <-done)

	e.Store().Flush()
	_, ok := GetCached[[]conversation](ctx, e, KeyConversations)
	assert.False(t, ok)
}

func TestMutateOptimistically_InvalidatesDerivedKeys(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, nil)

	var conversationLoads atomic.Int32
	loadConversations := func(context.Context) ([]conversation, error) {
		conversationLoads.Add(1)
		return []conversation{{ID: "c1"}}, nil
	}
	_, err := FetchResource(ctx, e, KeyConversations, loadConversations, fetch.Options{})
	require.NoError(t, err)

	msgs := NewCollection(e, MessagesKey("c1"), func(m message) string { return m.ID }, nil)
	msgs.Replace([]message{{ID: "A"}, {ID: "B"}})

	op, err := MutateOptimistically(ctx, msgs,
		func(localID string) message { return message{ID: localID, Text: "hello"} },
		func(_ context.Context, local message) (message, error) {
			return message{ID: "C2", Text: local.Text}, nil
		},
		optimistic.Options[message]{Invalidate: []string{KeyConversations}})
	require.NoError(t, err)
	require.NoError(t, op.Wait(ctx))

	assert.Equal(t, []message{{ID: "A"}, {ID: "B"}, {ID: "C2", Text: "hello"}}, msgs.Items())
	_, ok := GetCached[[]conversation](ctx, e, KeyConversations)
	assert.False(t, ok)

	_, err = FetchResource(ctx, e, KeyConversations, loadConversations, fetch.Options{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, conversationLoads.Load())
}

func TestMutateOptimistically_RollbackReportsError(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	var reported []string
	e, err := New(ctx, Options{
		Clock:  clock.NewMock(),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnError: func(_ *optimistic.Operation, msg string, _ error) {
			mu.Lock()
			defer mu.Unlock()
			reported = append(reported, msg)
		},
	})
	require.NoError(t, err)
	defer e.Close()

	msgs := NewCollection(e, MessagesKey("c1"), func(m message) string { return m.ID }, nil)
	msgs.Replace([]message{{ID: "A"}, {ID: "B"}})

	op, err := MutateOptimistically(ctx, msgs,
		func(localID string) message { return message{ID: localID} },
		func(context.Context, message) (message, error) { return message{}, errors.New("connection refused") },
		optimistic.Options[message]{})
	require.NoError(t, err)
	require.Error(t, op.Wait(ctx))

	assert.Equal(t, []message{{ID: "A"}, {ID: "B"}}, msgs.Items())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"Could not reach the server. Check your connection and try again."}, reported)
}

func TestClearAll(t *testing.T) {
	ctx := context.Background()
	d := cache.NewMemoryDurable()
	e, _ := newEngine(t, d)

	require.NoError(t, e.Store().Set(ctx, KeyCurrentUser, map[string]string{"name": "Ari"}, 0))
	require.NoError(t, e.Treated().Add(ctx, "u1"))
	_, err := FetchResource(ctx, e, KeyMatches, func(context.Context) ([]match, error) {
		return nil, nil
	}, fetch.Options{MinRefreshInterval: time.Hour})
	require.NoError(t, err)

	require.NoError(t, e.ClearAll(ctx))

	_, ok := GetCached[map[string]string](ctx, e, KeyCurrentUser)
	assert.False(t, ok)
	assert.Zero(t, e.Treated().Len())
	assert.True(t, e.Coordinator().State(KeyMatches).LastFetchAt.IsZero())
	keys, err := d.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestTreatedSetLoadedOnStart(t *testing.T) {
	ctx := context.Background()
	d := cache.NewMemoryDurable()
	first, _ := newEngine(t, d)
	require.NoError(t, first.Treated().Add(ctx, "u1", "u2"))

	second, _ := newEngine(t, d)
	assert.True(t, second.Treated().Has("u2"))
}

func TestRunMaintenanceSweep(t *testing.T) {
	ctx := context.Background()
	e, clk := newEngine(t, nil)

	require.NoError(t, e.Store().Set(ctx, "short", "x", time.Second))
	require.NoError(t, e.Store().Set(ctx, "long", "y", time.Hour))
	e.Store().Flush()

	clk.Add(2 * time.Second)
	n, err := e.RunMaintenanceSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "expired in both tiers")

	_, ok := GetCached[string](ctx, e, "short")
	assert.False(t, ok)
	_, ok = GetCached[string](ctx, e, "long")
	assert.True(t, ok)
}

func TestBackgroundRevalidation(t *testing.T) {
	ctx := context.Background()
	e, clk := newEngine(t, nil)

	var loads atomic.Int32
	user := NewResource(e, KeyCurrentUser, func(context.Context) (map[string]string, error) {
		loads.Add(1)
		return map[string]string{"name": "Ari"}, nil
	}, fetch.Options{TTL: time.Minute})
	e.Register(KeyCurrentUser, user)
	e.Start(ctx)

	clk.Add(revalidate.DefaultInterval)
	require.Eventually(t, func() bool { return loads.Load() == 1 }, time.Second, time.Millisecond)

	// the cached user is still fresh enough to skip the network
	assert.Zero(t, e.RevalidateAll(ctx))
	assert.EqualValues(t, 1, loads.Load())
}

func TestFocus(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, nil)

	var shown []bool
	r := revalidate.RefresherFunc(func(_ context.Context, showLoading bool) error {
		shown = append(shown, showLoading)
		return nil
	})
	require.NoError(t, e.Focus(ctx, "matches-screen", r))
	require.NoError(t, e.Focus(ctx, "matches-screen", r))
	assert.Equal(t, []bool{true, false}, shown)
}

func TestTimelineClosedWithEngine(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, nil)

	tl := NewTimeline(e, MessagesKey("c1"), func(m int64) int64 { return m },
		func(context.Context, revalidate.PageQuery) ([]int64, error) { return []int64{3, 2, 1}, nil }, nil)
	require.NoError(t, tl.Revalidate(ctx, true))
	assert.Equal(t, []int64{1, 2, 3}, tl.Items())

	e.Close()
	_, err := tl.Poll(ctx)
	assert.ErrorIs(t, err, revalidate.ErrClosed)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "messages:42", MessagesKey("42"))
	assert.Equal(t, "preview:https://example.com", PreviewKey("https://example.com"))
}
