// Package treated persists the ids of entities the user already acted on
// (liked, rejected, viewed) so fresh candidate lists can be filtered across
// restarts.
package treated

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/leonardcser/tiercache/internal/cache"
)

// Key is the durable key of the set. It lies outside the cache namespace,
// so sweeps and cache clears leave it alone.
const Key = "treated_ids"

// Set is append-only; only Reset shrinks it.
type Set struct {
	d   cache.Durable
	log *slog.Logger

	mu    sync.RWMutex
	ids   map[string]struct{}
	order []string
}

func New(d cache.Durable, log *slog.Logger) *Set {
	if log == nil {
		log = slog.Default()
	}
	return &Set{
		d:   d,
		log: log.With("component", "treated"),
		ids: make(map[string]struct{}),
	}
}

// Load reads the persisted set. An unreadable value is deleted and the set
// starts empty.
func (s *Set) Load(ctx context.Context) error {
	data, err := s.d.Get(ctx, Key)
	if errors.Is(err, cache.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load treated ids: %w", err)
	}

	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		s.log.Warn("dropping corrupt treated ids", "error", err)
		if err := s.d.Delete(ctx, Key); err != nil {
			s.log.Warn("deleting corrupt treated ids failed", "error", err)
		}
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.addLocked(id)
	}
	return nil
}

// Add records ids and persists the set when anything new was added.
func (s *Set) Add(ctx context.Context, ids ...string) error {
	s.mu.Lock()
	added := 0
	for _, id := range ids {
		if s.addLocked(id) {
			added++
		}
	}
	if added == 0 {
		s.mu.Unlock()
		return nil
	}
	data, err := json.Marshal(s.order)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if err := s.d.Put(ctx, Key, data); err != nil {
		return fmt.Errorf("persist treated ids: %w", err)
	}
	return nil
}

func (s *Set) addLocked(id string) bool {
	if _, ok := s.ids[id]; ok || id == "" {
		return false
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
	return true
}

func (s *Set) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[id]
	return ok
}

func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// IDs returns the ids in the order they were added.
func (s *Set) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.order)
}

// Reset empties the set and its persisted copy. Only a full cache clear
// calls it.
func (s *Set) Reset(ctx context.Context) error {
	s.mu.Lock()
	clear(s.ids)
	s.order = nil
	s.mu.Unlock()
	if err := s.d.Delete(ctx, Key); err != nil {
		return fmt.Errorf("reset treated ids: %w", err)
	}
	return nil
}

// Filter returns the items whose id is not in the set.
func Filter[T any](s *Set, items []T, id func(T) string) []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]T, 0, len(items))
	for _, it := range items {
		if _, ok := s.ids[id(it)]; !ok {
			out = append(out, it)
		}
	}
	return out
}
