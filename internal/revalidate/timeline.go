package revalidate

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/leonardcser/tiercache/internal/fetch"
)

const DefaultPageSize = 30

// ErrClosed is returned by a timeline that has been closed.
var ErrClosed = errors.New("revalidate: timeline closed")

// PageQuery selects one page of a timeline. At most one of BeforeID and
// AfterID is set; neither means the newest page.
type PageQuery struct {
	BeforeID int64
	AfterID  int64
	Limit    int
}

// PageLoader fetches one page. Items may come back in any order.
type PageLoader[T any] func(ctx context.Context, q PageQuery) ([]T, error)

type TimelineConfig[T any] struct {
	// Key caches the newest page, e.g. messages:<conversation>.
	Key          string
	ID           func(T) int64
	Load         PageLoader[T]
	Coordinator  *fetch.Coordinator
	PageSize     int
	PollInterval time.Duration
	TTL          time.Duration
	// OnChange gets a snapshot after every merge.
	OnChange func(items []T)
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Timeline is an id-ordered list (oldest first) paged backwards with
// LoadOlder and extended forwards by polling. Merges never duplicate an id.
type Timeline[T any] struct {
	key          string
	id           func(T) int64
	load         PageLoader[T]
	coord        *fetch.Coordinator
	pageSize     int
	pollInterval time.Duration
	ttl          time.Duration
	onChange     func([]T)
	clock        clock.Clock
	log          *slog.Logger

	mu           sync.Mutex
	items        []T
	hasMore      bool
	loadingOlder bool
	polling      bool
	closed       bool
	pollStop     chan struct{}
	pollFinished sync.WaitGroup
}

func NewTimeline[T any](cfg TimelineConfig[T]) *Timeline[T] {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Timeline[T]{
		key:          cfg.Key,
		id:           cfg.ID,
		load:         cfg.Load,
		coord:        cfg.Coordinator,
		pageSize:     cfg.PageSize,
		pollInterval: cfg.PollInterval,
		ttl:          cfg.TTL,
		onChange:     cfg.OnChange,
		clock:        cfg.Clock,
		log:          cfg.Logger.With("component", "timeline", "key", cfg.Key),
		hasMore:      true,
	}
}

func (t *Timeline[T]) Key() string { return t.key }

// Items returns a snapshot ordered by id, oldest first.
func (t *Timeline[T]) Items() []T {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.items)
}

// HasMore reports whether older pages may exist.
func (t *Timeline[T]) HasMore() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasMore
}

// Revalidate loads the newest page through the coordinator, cache first,
// and merges it into the timeline.
func (t *Timeline[T]) Revalidate(ctx context.Context, showLoading bool) error {
	return t.fetchNewest(ctx, fetch.Options{ShowLoadingIndicator: showLoading, TTL: t.ttl})
}

// Refresh loads the newest page from the network.
func (t *Timeline[T]) Refresh(ctx context.Context) error {
	return t.fetchNewest(ctx, fetch.Options{Force: true, ShowLoadingIndicator: true, TTL: t.ttl})
}

func (t *Timeline[T]) fetchNewest(ctx context.Context, opts fetch.Options) error {
	if t.isClosed() {
		return ErrClosed
	}
	page, err := fetch.Fetch(ctx, t.coord, t.key, func(ctx context.Context) ([]T, error) {
		return t.load(ctx, PageQuery{Limit: t.pageSize})
	}, opts)
	if err != nil {
		return err
	}
	t.mu.Lock()
	first := len(t.items) == 0
	t.mu.Unlock()
	t.merge(page, first && len(page) < t.pageSize)
	return nil
}

// LoadOlder fetches the page before the oldest loaded item and returns how
// many items were added. It is a no-op while another LoadOlder is in
// flight or once the start of the timeline has been reached.
func (t *Timeline[T]) LoadOlder(ctx context.Context) (int, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, ErrClosed
	}
	if t.loadingOlder || !t.hasMore {
		t.mu.Unlock()
		return 0, nil
	}
	q := PageQuery{Limit: t.pageSize}
	if len(t.items) > 0 {
		q.BeforeID = t.id(t.items[0])
	}
	t.loadingOlder = true
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.loadingOlder = false
		t.mu.Unlock()
	}()

	page, err := t.load(ctx, q)
	if err != nil {
		return 0, err
	}
	return t.merge(page, len(page) < t.pageSize), nil
}

// Poll fetches items newer than the newest loaded one. Overlapping polls
// are skipped.
func (t *Timeline[T]) Poll(ctx context.Context) (int, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, ErrClosed
	}
	if t.polling {
		t.mu.Unlock()
		return 0, nil
	}
	empty := len(t.items) == 0
	q := PageQuery{Limit: t.pageSize}
	if !empty {
		q.AfterID = t.id(t.items[len(t.items)-1])
	}
	t.polling = true
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.polling = false
		t.mu.Unlock()
	}()

	page, err := t.load(ctx, q)
	if err != nil {
		return 0, err
	}
	n := t.merge(page, empty && len(page) < t.pageSize)
	if n > 0 {
		t.writeBack(ctx)
	}
	return n, nil
}

// merge adds the items whose id is not present yet and keeps the list
// sorted. Results arriving after Close are dropped.
func (t *Timeline[T]) merge(page []T, exhausted bool) int {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0
	}
	seen := make(map[int64]struct{}, len(t.items))
	for _, it := range t.items {
		seen[t.id(it)] = struct{}{}
	}
	added := 0
	for _, it := range page {
		id := t.id(it)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		t.items = append(t.items, it)
		added++
	}
	if added > 0 {
		slices.SortStableFunc(t.items, func(a, b T) int { return cmp.Compare(t.id(a), t.id(b)) })
	}
	if exhausted {
		t.hasMore = false
	}
	snap := slices.Clone(t.items)
	t.mu.Unlock()

	if added > 0 && t.onChange != nil {
		t.onChange(snap)
	}
	return added
}

// writeBack caches the merged list so the next cold read sees polled items.
func (t *Timeline[T]) writeBack(ctx context.Context) {
	if err := t.coord.Store().Set(ctx, t.key, t.Items(), t.ttl); err != nil {
		t.log.Warn("caching timeline failed", "error", err)
	}
}

// StartPolling polls every poll interval until StopPolling, Close or ctx
// ends. Poll errors are logged only.
func (t *Timeline[T]) StartPolling(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.pollStop != nil {
		return
	}
	stop := make(chan struct{})
	t.pollStop = stop
	ticker := t.clock.Ticker(t.pollInterval)
	t.pollFinished.Add(1)
	go func() {
		defer t.pollFinished.Done()
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				t.mu.Lock()
				if t.pollStop == stop {
					t.pollStop = nil
				}
				t.mu.Unlock()
				return
			case <-ticker.C:
				if _, err := t.Poll(ctx); err != nil && !errors.Is(err, ErrClosed) {
					t.log.Warn("poll failed", "error", err)
				}
			}
		}
	}()
}

// Polling reports whether the poll loop is running.
func (t *Timeline[T]) Polling() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pollStop != nil
}

// StopPolling stops the poll loop and waits for it to exit.
func (t *Timeline[T]) StopPolling() {
	t.mu.Lock()
	stop := t.pollStop
	t.pollStop = nil
	t.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	t.pollFinished.Wait()
}

// Close stops polling and discards any result still on its way.
func (t *Timeline[T]) Close() {
	t.StopPolling()
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

func (t *Timeline[T]) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
