// Package optimistic applies user actions to in-memory collections before
// the server confirms them, then reconciles or rolls back by entry id.
package optimistic

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/leonardcser/tiercache/internal/syncerr"
)

const DefaultTimeout = 10 * time.Second

// InvalidateFunc drops a cache key whose derived data a mutation made stale.
type InvalidateFunc func(ctx context.Context, key string)

// ErrorFunc receives a rolled back operation with the message to show.
type ErrorFunc func(op *Operation, message string, err error)

// Validator checks the collection a mutation would produce. It runs before
// anything changes; a rejection never reaches the cache or the network.
type Validator[T any] func(next []T) error

// MaxItems rejects mutations that leave more than n items.
func MaxItems[T any](n int) Validator[T] {
	return func(next []T) error {
		if len(next) > n {
			return syncerr.Validation("you can select at most %d", n)
		}
		return nil
	}
}

// MinItems rejects mutations that leave fewer than n items.
func MinItems[T any](n int) Validator[T] {
	return func(next []T) error {
		if len(next) < n {
			return syncerr.Validation("at least %d must remain selected", n)
		}
		return nil
	}
}

type Options[T any] struct {
	Validate []Validator[T]
	// Invalidate lists cache keys dropped once the server confirms.
	Invalidate []string
	// Reconcile merges the server record into the optimistic one. The
	// server record replaces it as is when nil.
	Reconcile func(local, server T) T
	Timeout   time.Duration
}

type Config[T any] struct {
	Key        string
	ID         func(T) string
	Invalidate InvalidateFunc
	OnError    ErrorFunc
	// OnChange gets a snapshot after every applied change.
	OnChange func(items []T)
	Logger   *slog.Logger
	Timeout  time.Duration
	// Clock drives mutation timeouts. Defaults to the wall clock.
	Clock clock.Clock
}

// Collection is an ordered in-memory list that accepts optimistic
// mutations. Reconciliation and rollback find their entry by id, never by
// position, so mutations may settle in any order.
type Collection[T any] struct {
	key        string
	id         func(T) string
	invalidate InvalidateFunc
	onError    ErrorFunc
	onChange   func([]T)
	log        *slog.Logger
	timeout    time.Duration
	clock      clock.Clock

	mu    sync.Mutex
	items []T
	// appends by local id, kept after settling so a repeated append is a no-op
	appends map[string]*Operation
	// removes and updates in flight, by target id
	pending map[string]*Operation

	wg sync.WaitGroup
}

func NewCollection[T any](cfg Config[T]) *Collection[T] {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Collection[T]{
		key:        cfg.Key,
		id:         cfg.ID,
		invalidate: cfg.Invalidate,
		onError:    cfg.OnError,
		onChange:   cfg.OnChange,
		log:        cfg.Logger.With("component", "optimistic", "collection", cfg.Key),
		timeout:    cfg.Timeout,
		clock:      cfg.Clock,
		appends:    make(map[string]*Operation),
		pending:    make(map[string]*Operation),
	}
}

func (c *Collection[T]) Key() string { return c.key }

// Items returns a snapshot of the collection.
func (c *Collection[T]) Items() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.items)
}

func (c *Collection[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Replace installs freshly fetched items. Optimistic appends that are still
// pending are kept at the end so a revalidation does not hide them.
func (c *Collection[T]) Replace(items []T) {
	c.mu.Lock()
	next := slices.Clone(items)
	for _, it := range c.items {
		id := c.id(it)
		op, ok := c.appends[id]
		if !ok || op.Status() != Pending || indexOf(next, c.id, id) >= 0 {
			continue
		}
		next = append(next, it)
	}
	c.items = next
	snap := slices.Clone(next)
	c.mu.Unlock()
	c.changed(snap)
}

// Append inserts local at the end and returns before the network call.
// Appending an id that was already appended returns the original operation.
func (c *Collection[T]) Append(ctx context.Context, local T, call func(context.Context) (T, error), opts Options[T]) (*Operation, error) {
	localID := c.id(local)

	c.mu.Lock()
	if op, ok := c.appends[localID]; ok {
		c.mu.Unlock()
		return op, nil
	}
	next := append(slices.Clone(c.items), local)
	if err := validate(opts.Validate, next); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.items = next
	op := newOperation(localID)
	c.appends[localID] = op
	snap := slices.Clone(next)
	c.mu.Unlock()
	c.changed(snap)

	c.dispatch(ctx, op, opts.Invalidate, opts.Timeout,
		func(nctx context.Context) (string, func([]T) []T, error) {
			server, err := call(nctx)
			if err != nil {
				return "", nil, err
			}
			return c.id(server), func(items []T) []T {
				i := indexOf(items, c.id, localID)
				if i < 0 {
					return items
				}
				if opts.Reconcile != nil {
					server = opts.Reconcile(items[i], server)
				}
				items[i] = server
				return items
			}, nil
		},
		func(items []T) []T {
			if i := indexOf(items, c.id, localID); i >= 0 {
				return slices.Delete(items, i, i+1)
			}
			return items
		})
	return op, nil
}

// Remove takes the item with id out immediately. A rollback puts it back at
// the position it was taken from.
func (c *Collection[T]) Remove(ctx context.Context, id string, call func(context.Context) error, opts Options[T]) (*Operation, error) {
	c.mu.Lock()
	if op, ok := c.pending[id]; ok {
		c.mu.Unlock()
		return op, nil
	}
	i := indexOf(c.items, c.id, id)
	if i < 0 {
		c.mu.Unlock()
		return nil, syncerr.Validation("%s no longer contains %s", c.key, id)
	}
	removed := c.items[i]
	next := slices.Delete(slices.Clone(c.items), i, i+1)
	if err := validate(opts.Validate, next); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.items = next
	op := newOperation(id)
	c.pending[id] = op
	snap := slices.Clone(next)
	c.mu.Unlock()
	c.changed(snap)

	c.dispatch(ctx, op, opts.Invalidate, opts.Timeout,
		func(nctx context.Context) (string, func([]T) []T, error) {
			if err := call(nctx); err != nil {
				return "", nil, err
			}
			// a revalidation may have brought it back meanwhile
			return id, func(items []T) []T {
				if j := indexOf(items, c.id, id); j >= 0 {
					return slices.Delete(items, j, j+1)
				}
				return items
			}, nil
		},
		func(items []T) []T {
			if indexOf(items, c.id, id) >= 0 {
				return items
			}
			return slices.Insert(items, min(i, len(items)), removed)
		})
	return op, nil
}

// Update applies change to the item with id immediately and sends the
// changed item to the server. A rollback restores the previous value.
func (c *Collection[T]) Update(ctx context.Context, id string, change func(T) T, call func(context.Context, T) (T, error), opts Options[T]) (*Operation, error) {
	c.mu.Lock()
	if op, ok := c.pending[id]; ok {
		c.mu.Unlock()
		return op, nil
	}
	i := indexOf(c.items, c.id, id)
	if i < 0 {
		c.mu.Unlock()
		return nil, syncerr.Validation("%s no longer contains %s", c.key, id)
	}
	prev := c.items[i]
	updated := change(prev)
	if c.id(updated) != id {
		c.mu.Unlock()
		return nil, syncerr.Validation("an update cannot change the id of %s", id)
	}
	next := slices.Clone(c.items)
	next[i] = updated
	if err := validate(opts.Validate, next); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.items = next
	op := newOperation(id)
	c.pending[id] = op
	snap := slices.Clone(next)
	c.mu.Unlock()
	c.changed(snap)

	c.dispatch(ctx, op, opts.Invalidate, opts.Timeout,
		func(nctx context.Context) (string, func([]T) []T, error) {
			server, err := call(nctx, updated)
			if err != nil {
				return "", nil, err
			}
			return c.id(server), func(items []T) []T {
				j := indexOf(items, c.id, id)
				if j < 0 {
					return items
				}
				if opts.Reconcile != nil {
					server = opts.Reconcile(items[j], server)
				}
				items[j] = server
				return items
			}, nil
		},
		func(items []T) []T {
			if j := indexOf(items, c.id, id); j >= 0 {
				items[j] = prev
			}
			return items
		})
	return op, nil
}

// dispatch runs the network call detached from ctx. ctx only decides
// whether the outcome is still wanted: once it is done the collection is
// left alone, though confirmed invalidations still happen.
func (c *Collection[T]) dispatch(
	ctx context.Context,
	op *Operation,
	invalidate []string,
	timeout time.Duration,
	run func(context.Context) (string, func([]T) []T, error),
	rollback func([]T) []T,
) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		nctx, cancel := c.clock.WithTimeout(context.WithoutCancel(ctx), timeout)
		serverID, commit, err := run(nctx)
		if err != nil && errors.Is(nctx.Err(), context.DeadlineExceeded) {
			err = syncerr.Timeout(c.key, err)
		}
		cancel()

		alive := ctx.Err() == nil
		if err == nil {
			if c.invalidate != nil {
				bg := context.WithoutCancel(ctx)
				for _, key := range invalidate {
					c.invalidate(bg, key)
				}
			}
			if alive {
				c.apply(commit)
			}
			c.finish(op, Confirmed, serverID, nil)
			return
		}

		err = syncerr.Network(c.key, err)
		if alive {
			c.apply(rollback)
		}
		c.finish(op, RolledBack, "", err)
		c.log.Warn("optimistic mutation rolled back", "id", op.ID, "error", err)
		if alive && c.onError != nil {
			c.onError(op, syncerr.UserMessage(err), err)
		}
	}()
}

func (c *Collection[T]) apply(fn func([]T) []T) {
	c.mu.Lock()
	c.items = fn(slices.Clone(c.items))
	snap := slices.Clone(c.items)
	c.mu.Unlock()
	c.changed(snap)
}

func (c *Collection[T]) finish(op *Operation, status Status, serverID string, err error) {
	c.mu.Lock()
	if c.pending[op.ID] == op {
		delete(c.pending, op.ID)
	}
	c.mu.Unlock()
	op.settle(status, serverID, err)
}

func (c *Collection[T]) changed(items []T) {
	if c.onChange != nil {
		c.onChange(items)
	}
}

// Wait blocks until every dispatched network call has settled.
func (c *Collection[T]) Wait() { c.wg.Wait() }

func validate[T any](validators []Validator[T], next []T) error {
	for _, v := range validators {
		if err := v(next); err != nil {
			return err
		}
	}
	return nil
}

func indexOf[T any](items []T, id func(T) string, want string) int {
	return slices.IndexFunc(items, func(it T) bool { return id(it) == want })
}
