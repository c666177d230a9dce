// Package revalidate keeps cached resources fresh without user action:
// a periodic background pass, focus-triggered refreshes and cursor-based
// polling of ordered timelines.
package revalidate

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultInterval      = 20 * time.Minute
	DefaultSweepInterval = 30 * time.Minute
	DefaultPollInterval  = 8 * time.Second

	maxConcurrentRefresh = 4
)

// Refresher is a resource that can be revalidated in the background.
type Refresher interface {
	Revalidate(ctx context.Context, showLoading bool) error
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context, showLoading bool) error

func (f RefresherFunc) Revalidate(ctx context.Context, showLoading bool) error {
	return f(ctx, showLoading)
}

// Sweeper purges expired cache entries.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

type Config struct {
	Clock         clock.Clock
	Logger        *slog.Logger
	Interval      time.Duration
	SweepInterval time.Duration
	// Sweeper is run every SweepInterval when set.
	Sweeper Sweeper
}

type registered struct {
	name string
	r    Refresher
}

// Scheduler revalidates every registered resource on a fixed interval.
type Scheduler struct {
	clock         clock.Clock
	log           *slog.Logger
	interval      time.Duration
	sweepInterval time.Duration
	sweeper       Sweeper

	mu        sync.Mutex
	resources []registered
	shutdown  chan struct{}
	finished  sync.WaitGroup

	passes atomic.Int64
}

func NewScheduler(cfg Config) *Scheduler {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	return &Scheduler{
		clock:         cfg.Clock,
		log:           cfg.Logger.With("component", "revalidate"),
		interval:      cfg.Interval,
		sweepInterval: cfg.SweepInterval,
		sweeper:       cfg.Sweeper,
	}
}

// Register adds r to the background pass. Registering a name twice
// replaces the earlier resource.
func (s *Scheduler) Register(name string, r Refresher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.resources {
		if s.resources[i].name == name {
			s.resources[i].r = r
			return
		}
	}
	s.resources = append(s.resources, registered{name: name, r: r})
}

func (s *Scheduler) Unregister(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.resources {
		if s.resources[i].name == name {
			s.resources = append(s.resources[:i], s.resources[i+1:]...)
			return
		}
	}
}

// Start launches the timer loops. The tickers exist when Start returns.
// Calling Start on a running scheduler does nothing. The loops end when ctx
// is done or on Stop; either way Start may be called again afterwards.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown != nil {
		return
	}
	shutdown := make(chan struct{})
	s.shutdown = shutdown

	loops := &sync.WaitGroup{}
	refresh := s.clock.Ticker(s.interval)
	s.finished.Add(1)
	loops.Add(1)
	go s.loop(ctx, shutdown, loops, refresh, func(ctx context.Context) { s.RunOnce(ctx) })

	if s.sweeper != nil {
		sweep := s.clock.Ticker(s.sweepInterval)
		s.finished.Add(1)
		loops.Add(1)
		go s.loop(ctx, shutdown, loops, sweep, s.sweep)
	}

	s.finished.Add(1)
	go s.release(ctx, shutdown, loops)
	s.log.Debug("started", "interval", s.interval, "sweep_interval", s.sweepInterval)
}

func (s *Scheduler) loop(ctx context.Context, shutdown <-chan struct{}, loops *sync.WaitGroup, ticker *clock.Ticker, run func(context.Context)) {
	defer s.finished.Done()
	defer loops.Done()
	defer ticker.Stop()
	for {
		select {
		case <-shutdown:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			run(ctx)
		}
	}
}

// release marks the scheduler stopped once ctx ends the loops of the run
// owning shutdown.
func (s *Scheduler) release(ctx context.Context, shutdown chan struct{}, loops *sync.WaitGroup) {
	defer s.finished.Done()
	select {
	case <-shutdown:
		return
	case <-ctx.Done():
	}
	loops.Wait()

	s.mu.Lock()
	if s.shutdown == shutdown {
		s.shutdown = nil
	}
	s.mu.Unlock()
	s.log.Debug("stopped", "reason", ctx.Err())
}

// Running reports whether the timer loops are active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown != nil
}

// Stop cancels the timers and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	shutdown := s.shutdown
	s.shutdown = nil
	s.mu.Unlock()
	if shutdown == nil {
		return
	}
	close(shutdown)
	s.finished.Wait()
	s.log.Debug("stopped")
}

// RunOnce revalidates every registered resource without a loading
// indicator and returns how many failed. Failures are logged only.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	s.mu.Lock()
	resources := append([]registered(nil), s.resources...)
	s.mu.Unlock()

	var failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentRefresh)
	for _, res := range resources {
		g.Go(func() error {
			if err := res.r.Revalidate(gctx, false); err != nil {
				failed.Add(1)
				s.log.Warn("background revalidation failed", "resource", res.name, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	s.passes.Add(1)
	return int(failed.Load())
}

// Passes reports how many background passes have completed.
func (s *Scheduler) Passes() int64 { return s.passes.Load() }

func (s *Scheduler) sweep(ctx context.Context) {
	n, err := s.sweeper.Sweep(ctx)
	if err != nil {
		s.log.Warn("sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.log.Info("swept expired entries", "count", n)
	}
}
