package fetch

import (
	"context"

	"github.com/leonardcser/tiercache/internal/cache"
)

// Resource binds a key and its loader to a Coordinator with default options.
type Resource[T any] struct {
	c      *Coordinator
	key    string
	loader LoaderFunc[T]
	opts   Options
}

func NewResource[T any](c *Coordinator, key string, loader LoaderFunc[T], opts Options) *Resource[T] {
	opts.Force = false
	return &Resource[T]{c: c, key: key, loader: loader, opts: opts}
}

func (r *Resource[T]) Key() string { return r.key }

// Get is a cache-first fetch that shows the loading indicator on a miss.
func (r *Resource[T]) Get(ctx context.Context) (T, error) {
	opts := r.opts
	opts.ShowLoadingIndicator = true
	return Fetch(ctx, r.c, r.key, r.loader, opts)
}

// Refresh bypasses the cache and the throttle (pull-to-refresh).
func (r *Resource[T]) Refresh(ctx context.Context) (T, error) {
	opts := r.opts
	opts.Force = true
	opts.ShowLoadingIndicator = true
	return Fetch(ctx, r.c, r.key, r.loader, opts)
}

// Revalidate runs a non-forced fetch and discards the value.
func (r *Resource[T]) Revalidate(ctx context.Context, showLoading bool) error {
	opts := r.opts
	opts.ShowLoadingIndicator = showLoading
	_, err := Fetch(ctx, r.c, r.key, r.loader, opts)
	return err
}

// Silent returns whatever is cached and revalidates in the background.
func (r *Resource[T]) Silent(ctx context.Context) (T, bool) {
	return FetchSilently(ctx, r.c, r.key, r.loader, r.opts)
}

// Cached reads the cache without touching the network.
func (r *Resource[T]) Cached(ctx context.Context) (T, bool) {
	return cache.Lookup[T](ctx, r.c.store, r.key)
}
