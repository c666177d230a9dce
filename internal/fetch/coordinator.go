// Package fetch coordinates network loads per resource key: cache-first
// reads, a refresh throttle, in-flight de-duplication and forced refresh.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/singleflight"

	"github.com/leonardcser/tiercache/internal/cache"
	"github.com/leonardcser/tiercache/internal/syncerr"
)

const DefaultTimeout = 15 * time.Second

// LoaderFunc performs the network call for one resource.
type LoaderFunc[T any] func(ctx context.Context) (T, error)

// LoadingFunc is told when a visible load starts and stops for key.
type LoadingFunc func(key string, loading bool)

type Options struct {
	// Force skips the cache and the throttle.
	Force bool
	// TTL for the cached result; the store default when zero.
	TTL time.Duration
	// MinRefreshInterval throttles network loads for the key: within the
	// interval the last loaded value is returned even if the cache entry
	// has expired.
	MinRefreshInterval time.Duration
	// ShowLoadingIndicator reports the network phase through LoadingFunc.
	ShowLoadingIndicator bool
	// Timeout bounds the loader; DefaultTimeout when zero.
	Timeout time.Duration
}

// FetchState is the per-key bookkeeping.
type FetchState struct {
	LastFetchAt        time.Time
	InFlight           bool
	MinRefreshInterval time.Duration
}

type state struct {
	FetchState
	last    any
	hasLast bool
	// gen is bumped by Reset; a load started under an older gen drops its
	// result instead of writing it back
	gen uint64
}

type Config struct {
	Store     *cache.Store
	Clock     clock.Clock
	Logger    *slog.Logger
	Timeout   time.Duration
	OnLoading LoadingFunc
}

// Coordinator owns the FetchState of every resource key. Concurrent fetches
// of one key share a single loader call.
type Coordinator struct {
	store     *cache.Store
	clock     clock.Clock
	log       *slog.Logger
	timeout   time.Duration
	onLoading LoadingFunc

	group singleflight.Group

	mu     sync.Mutex
	states map[string]*state

	background sync.WaitGroup
}

func New(cfg Config) *Coordinator {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Coordinator{
		store:     cfg.Store,
		clock:     cfg.Clock,
		log:       cfg.Logger.With("component", "fetch"),
		timeout:   cfg.Timeout,
		onLoading: cfg.OnLoading,
		states:    make(map[string]*state),
	}
}

// Fetch returns the value for key. The gates run in a fixed order: cache
// hit, refresh throttle, attach to an in-flight load, network. A failed load
// leaves the cache and LastFetchAt untouched.
func Fetch[T any](ctx context.Context, c *Coordinator, key string, loader LoaderFunc[T], opts Options) (T, error) {
	var zero T
	if !opts.Force {
		if v, ok := cache.Lookup[T](ctx, c.store, key); ok {
			return v, nil
		}
		if v, ok := c.throttled(key, opts.MinRefreshInterval); ok {
			if tv, ok := v.(T); ok {
				return tv, nil
			}
		}
	}

	if opts.ShowLoadingIndicator && c.onLoading != nil {
		c.onLoading(key, true)
		defer c.onLoading(key, false)
	}

	v, err, shared := c.group.Do(key, func() (any, error) {
		// another caller's load may have finished since the first check
		if !opts.Force {
			if v, ok := cache.Lookup[T](ctx, c.store, key); ok {
				return v, nil
			}
		}
		return c.load(ctx, key, opts, func(ctx context.Context) (any, error) {
			return loader(ctx)
		})
	})
	if err != nil {
		return zero, err
	}
	tv, ok := v.(T)
	if !ok && v != nil {
		return zero, fmt.Errorf("fetch %s: in-flight load produced %T", key, v)
	}
	if shared {
		c.log.Debug("joined in-flight load", "key", key)
	}
	return tv, nil
}

// load runs inside the singleflight group, so the InFlight flag is set and
// cleared by exactly one caller per key at a time.
func (c *Coordinator) load(ctx context.Context, key string, opts Options, fn func(context.Context) (any, error)) (any, error) {
	gen := c.setInFlight(key, true, opts.MinRefreshInterval)
	defer c.setInFlight(key, false, 0)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	// joined callers must not fail because the first caller went away
	lctx, cancel := c.clock.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	started := c.clock.Now()
	v, err := fn(lctx)
	if err != nil {
		if errors.Is(lctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
			err = syncerr.Timeout("fetch "+key, err)
		} else {
			err = syncerr.Network("fetch "+key, err)
		}
		c.log.Debug("load failed", "key", key, "error", err)
		return nil, err
	}

	now := c.clock.Now()
	c.mu.Lock()
	st := c.stateLocked(key)
	if st.gen != gen {
		c.mu.Unlock()
		c.log.Debug("discarding load invalidated in flight", "key", key)
		return v, nil
	}
	// held across Set so Invalidate cannot slip between the check and the write
	if err := c.store.Set(ctx, key, v, opts.TTL); err != nil {
		c.log.Warn("caching load result failed", "key", key, "error", err)
	}
	st.LastFetchAt = now
	st.last = v
	st.hasLast = true
	c.mu.Unlock()

	c.log.Debug("loaded", "key", key, "took", now.Sub(started))
	return v, nil
}

func (c *Coordinator) stateLocked(key string) *state {
	st, ok := c.states[key]
	if !ok {
		st = &state{}
		c.states[key] = st
	}
	return st
}

func (c *Coordinator) setInFlight(key string, inFlight bool, minInterval time.Duration) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stateLocked(key)
	st.InFlight = inFlight
	if minInterval > 0 {
		st.MinRefreshInterval = minInterval
	}
	return st.gen
}

// throttled returns the last loaded value when key was loaded less than the
// refresh interval ago.
func (c *Coordinator) throttled(key string, minInterval time.Duration) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[key]
	if !ok || !st.hasLast {
		return nil, false
	}
	if minInterval <= 0 {
		minInterval = st.MinRefreshInterval
	}
	if minInterval <= 0 || c.clock.Now().Sub(st.LastFetchAt) >= minInterval {
		return nil, false
	}
	return st.last, true
}

// last returns the most recent successfully loaded value for key.
func (c *Coordinator) last(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[key]
	if !ok || !st.hasLast {
		return nil, false
	}
	return st.last, true
}

// FetchSilently is the stale-while-revalidate read: it returns the cached
// (or last loaded) value straight away and runs a background non-forced
// fetch without a loading indicator. Background failures are only logged.
func FetchSilently[T any](ctx context.Context, c *Coordinator, key string, loader LoaderFunc[T], opts Options) (T, bool) {
	v, ok := cache.Lookup[T](ctx, c.store, key)
	if !ok {
		if lv, lok := c.last(key); lok {
			v, ok = lv.(T)
		}
	}

	opts.Force = false
	opts.ShowLoadingIndicator = false
	bg := context.WithoutCancel(ctx)
	c.background.Add(1)
	go func() {
		defer c.background.Done()
		if _, err := Fetch(bg, c, key, loader, opts); err != nil {
			c.log.Warn("background revalidation failed", "key", key, "error", err)
		}
	}()
	return v, ok
}

// State returns a copy of the FetchState for key.
func (c *Coordinator) State(key string) FetchState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.states[key]; ok {
		return st.FetchState
	}
	return FetchState{}
}

// Reset forgets the FetchState of key, so the next fetch is not throttled.
// A load already in flight keeps its InFlight flag but its result is no
// longer written back.
func (c *Coordinator) Reset(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked(key)
}

// Invalidate drops key from the cache and resets its FetchState. The reset
// comes first so a load finishing concurrently either lands before the
// delete or is discarded.
func (c *Coordinator) Invalidate(ctx context.Context, key string) {
	c.Reset(key)
	c.store.Delete(ctx, key)
}

// ResetAll forgets every FetchState.
func (c *Coordinator) ResetAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.states {
		c.resetLocked(key)
	}
}

func (c *Coordinator) resetLocked(key string) {
	st, ok := c.states[key]
	if !ok {
		return
	}
	if !st.InFlight {
		delete(c.states, key)
		return
	}
	st.last, st.hasLast = nil, false
	st.LastFetchAt = time.Time{}
	st.gen++
}

// Wait blocks until background revalidations started by FetchSilently finish.
func (c *Coordinator) Wait() { c.background.Wait() }

// Store exposes the cache the coordinator writes through.
func (c *Coordinator) Store() *cache.Store { return c.store }
