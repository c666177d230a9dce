package revalidate

import (
	"context"
	"log/slog"
	"sync"
)

// FocusTracker remembers, per consumer, whether its first load succeeded.
// The first load shows a loading indicator; later focus events revalidate
// silently. Consumers sharing a resource key keep separate flags.
type FocusTracker struct {
	log *slog.Logger

	mu     sync.Mutex
	loaded map[string]bool
}

func NewFocusTracker(log *slog.Logger) *FocusTracker {
	if log == nil {
		log = slog.Default()
	}
	return &FocusTracker{
		log:    log.With("component", "focus"),
		loaded: make(map[string]bool),
	}
}

// Focus is called when consumer becomes visible. Errors from the first load
// are returned; errors from later silent revalidations are logged only.
func (f *FocusTracker) Focus(ctx context.Context, consumer string, r Refresher) error {
	first := !f.Loaded(consumer)
	err := r.Revalidate(ctx, first)
	if err != nil {
		if first {
			return err
		}
		f.log.Warn("focus revalidation failed", "consumer", consumer, "error", err)
		return nil
	}
	if first {
		f.mu.Lock()
		f.loaded[consumer] = true
		f.mu.Unlock()
	}
	return nil
}

func (f *FocusTracker) Loaded(consumer string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loaded[consumer]
}

// Forget clears the flag so the next Focus counts as a first load.
func (f *FocusTracker) Forget(consumer string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.loaded, consumer)
}

// Reset forgets every consumer.
func (f *FocusTracker) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	clear(f.loaded)
}
