// Package engine wires the cache, fetch coordinator, optimistic mutations,
// revalidation scheduler and treated-id set into the API screens use.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/leonardcser/tiercache/internal/cache"
	"github.com/leonardcser/tiercache/internal/fetch"
	"github.com/leonardcser/tiercache/internal/optimistic"
	"github.com/leonardcser/tiercache/internal/revalidate"
	"github.com/leonardcser/tiercache/internal/treated"
)

type Options struct {
	// Durable backs the second cache tier and the treated-id set. A nil
	// Durable keeps everything in process memory.
	Durable cache.Durable
	Clock   clock.Clock
	Logger  *slog.Logger

	MaxMemoryItems     int
	DefaultTTL         time.Duration
	FetchTimeout       time.Duration
	MutationTimeout    time.Duration
	RevalidateInterval time.Duration
	SweepInterval      time.Duration
	PollInterval       time.Duration

	// OnLoading is told when a visible load starts and stops.
	OnLoading fetch.LoadingFunc
	// OnError receives rolled back mutations with the message to show.
	OnError optimistic.ErrorFunc
}

type Engine struct {
	opts    Options
	clock   clock.Clock
	log     *slog.Logger
	store   *cache.Store
	coord   *fetch.Coordinator
	sched   *revalidate.Scheduler
	focus   *revalidate.FocusTracker
	treated *treated.Set

	mu        sync.Mutex
	timelines map[string]func()
	closed    bool
}

// New builds an engine and loads the treated-id set. The scheduler is not
// started until Start.
func New(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Durable == nil {
		opts.Durable = cache.NewMemoryDurable()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	e := &Engine{
		opts:      opts,
		clock:     opts.Clock,
		log:       opts.Logger.With("component", "engine"),
		timelines: make(map[string]func()),
	}
	e.store = cache.NewStore(opts.Durable, cache.Options{
		MaxMemoryItems: opts.MaxMemoryItems,
		DefaultTTL:     opts.DefaultTTL,
		Clock:          opts.Clock,
		Logger:         opts.Logger,
	})
	e.coord = fetch.New(fetch.Config{
		Store:     e.store,
		Clock:     opts.Clock,
		Logger:    opts.Logger,
		Timeout:   opts.FetchTimeout,
		OnLoading: opts.OnLoading,
	})
	e.sched = revalidate.NewScheduler(revalidate.Config{
		Clock:         opts.Clock,
		Logger:        opts.Logger,
		Interval:      opts.RevalidateInterval,
		SweepInterval: opts.SweepInterval,
		Sweeper:       e.store,
	})
	e.focus = revalidate.NewFocusTracker(opts.Logger)
	e.treated = treated.New(opts.Durable, opts.Logger)

	if err := e.treated.Load(ctx); err != nil {
		e.store.Close()
		return nil, fmt.Errorf("engine: %w", err)
	}
	return e, nil
}

// GetCached reads key from the cache without touching the network.
func GetCached[T any](ctx context.Context, e *Engine, key string) (T, bool) {
	return cache.Lookup[T](ctx, e.store, key)
}

// FetchResource is the cache-first fetch with throttle, de-duplication and
// forced refresh.
func FetchResource[T any](ctx context.Context, e *Engine, key string, loader fetch.LoaderFunc[T], opts fetch.Options) (T, error) {
	return fetch.Fetch(ctx, e.coord, key, loader, opts)
}

// FetchSilently returns what is cached and revalidates in the background.
func FetchSilently[T any](ctx context.Context, e *Engine, key string, loader fetch.LoaderFunc[T], opts fetch.Options) (T, bool) {
	return fetch.FetchSilently(ctx, e.coord, key, loader, opts)
}

// NewResource binds key and loader to the engine's coordinator.
func NewResource[T any](e *Engine, key string, loader fetch.LoaderFunc[T], opts fetch.Options) *fetch.Resource[T] {
	return fetch.NewResource(e.coord, key, loader, opts)
}

// NewCollection returns an optimistic collection whose confirmed mutations
// invalidate through the engine.
func NewCollection[T any](e *Engine, key string, id func(T) string, onChange func([]T)) *optimistic.Collection[T] {
	return optimistic.NewCollection(optimistic.Config[T]{
		Key:        key,
		ID:         id,
		Invalidate: e.Invalidate,
		OnError:    e.opts.OnError,
		OnChange:   onChange,
		Logger:     e.opts.Logger,
		Timeout:    e.opts.MutationTimeout,
		Clock:      e.clock,
	})
}

// MutateOptimistically appends the item built for a fresh local id to c and
// sends it with call. The returned operation settles once the server
// confirms or the append is rolled back.
func MutateOptimistically[T any](
	ctx context.Context,
	c *optimistic.Collection[T],
	build func(localID string) T,
	call func(ctx context.Context, local T) (T, error),
	opts optimistic.Options[T],
) (*optimistic.Operation, error) {
	local := build(optimistic.NewLocalID())
	return c.Append(ctx, local, func(ctx context.Context) (T, error) {
		return call(ctx, local)
	}, opts)
}

// NewTimeline returns a cursor-paged timeline cached under key. It is
// closed with the engine.
func NewTimeline[T any](e *Engine, key string, id func(T) int64, load revalidate.PageLoader[T], onChange func([]T)) *revalidate.Timeline[T] {
	tl := revalidate.NewTimeline(revalidate.TimelineConfig[T]{
		Key:          key,
		ID:           id,
		Load:         load,
		Coordinator:  e.coord,
		PollInterval: e.opts.PollInterval,
		TTL:          e.opts.DefaultTTL,
		OnChange:     onChange,
		Clock:        e.clock,
		Logger:       e.opts.Logger,
	})
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		tl.Close()
		return tl
	}
	if prev, ok := e.timelines[key]; ok {
		prev()
	}
	e.timelines[key] = tl.Close
	return tl
}

// Invalidate drops key from both cache tiers and forgets its fetch state,
// so the next fetch goes to the network.
func (e *Engine) Invalidate(ctx context.Context, key string) {
	e.coord.Invalidate(ctx, key)
	e.log.Debug("invalidated", "key", key)
}

// ClearAll empties both cache tiers, every fetch state, the focus flags
// and the treated-id set.
func (e *Engine) ClearAll(ctx context.Context) error {
	var errs []error
	e.coord.ResetAll()
	if err := e.store.Clear(ctx); err != nil {
		errs = append(errs, fmt.Errorf("clear cache: %w", err))
	}
	e.focus.Reset()
	if err := e.treated.Reset(ctx); err != nil {
		errs = append(errs, err)
	}
	e.log.Info("cleared all cached data")
	return errors.Join(errs...)
}

// RunMaintenanceSweep purges expired entries from both tiers.
func (e *Engine) RunMaintenanceSweep(ctx context.Context) (int, error) {
	return e.store.Sweep(ctx)
}

// Register adds r to the background revalidation pass.
func (e *Engine) Register(name string, r revalidate.Refresher) {
	e.sched.Register(name, r)
}

// Focus revalidates r for consumer: with a loading indicator the first
// time, silently afterwards.
func (e *Engine) Focus(ctx context.Context, consumer string, r revalidate.Refresher) error {
	return e.focus.Focus(ctx, consumer, r)
}

// RevalidateAll runs one background pass now.
func (e *Engine) RevalidateAll(ctx context.Context) int {
	return e.sched.RunOnce(ctx)
}

func (e *Engine) Treated() *treated.Set { return e.treated }

func (e *Engine) Store() *cache.Store { return e.store }

func (e *Engine) Coordinator() *fetch.Coordinator { return e.coord }

func (e *Engine) Stats() cache.Stats { return e.store.Stats() }

func (e *Engine) Clock() clock.Clock { return e.clock }

// Start runs the background revalidation and sweep timers.
func (e *Engine) Start(ctx context.Context) {
	e.sched.Start(ctx)
}

// Close stops every timer, waits for background revalidations and flushes
// pending durable writes. It does not close the Durable.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	timelines := e.timelines
	e.timelines = nil
	e.mu.Unlock()

	e.sched.Stop()
	for _, closeTimeline := range timelines {
		closeTimeline()
	}
	e.coord.Wait()
	e.store.Close()
}
