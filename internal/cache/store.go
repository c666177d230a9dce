package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	DefaultMaxMemoryItems = 50
	DefaultTTL            = 15 * time.Minute
)

type Options struct {
	// MaxMemoryItems bounds the memory tier. Defaults to DefaultMaxMemoryItems.
	MaxMemoryItems int
	// DefaultTTL is used when Set is called with ttl <= 0.
	DefaultTTL time.Duration
	// QueueSize is the durable write buffer length.
	QueueSize int
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Store is the two-tier cache: a bounded memory tier that is always written
// first and is the authoritative read path, backed by an unbounded durable
// tier written asynchronously. It is safe for concurrent use.
type Store struct {
	mu    sync.Mutex
	items map[string]*Entry
	seq   uint64

	max        int
	defaultTTL time.Duration
	durable    Durable
	writer     *durableWriter
	clock      clock.Clock
	log        *slog.Logger
	stats      counters
}

// NewStore builds a Store over d. A nil d gives a memory-only cache.
func NewStore(d Durable, opts Options) *Store {
	if d == nil {
		d = NewMemoryDurable()
	}
	if opts.MaxMemoryItems <= 0 {
		opts.MaxMemoryItems = DefaultMaxMemoryItems
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	log := opts.Logger.With("component", "cache")
	return &Store{
		items:      make(map[string]*Entry),
		max:        opts.MaxMemoryItems,
		defaultTTL: opts.DefaultTTL,
		durable:    d,
		writer:     newDurableWriter(d, log, opts.QueueSize),
		clock:      opts.Clock,
		log:        log,
	}
}

// Get returns a copy of the entry for key if it is still valid. A memory
// miss falls through to the durable tier; a durable hit is promoted into the
// memory tier keeping its original CreatedAt, so promotion never extends
// the expiry.
func (s *Store) Get(ctx context.Context, key string) (Entry, bool) {
	now := s.clock.Now()

	s.mu.Lock()
	if e, ok := s.items[key]; ok {
		if e.Valid(now) {
			e.AccessCount++
			e.LastAccessAt = now
			out := *e
			s.mu.Unlock()
			s.stats.memoryHits.Add(1)
			return out, true
		}
		delete(s.items, key)
		s.stats.expirations.Add(1)
	}
	s.mu.Unlock()

	e, ok := s.readDurable(ctx, key, now)
	if !ok {
		s.stats.misses.Add(1)
		return Entry{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// a Set may have landed while the durable tier was being read
	if cur, ok := s.items[key]; ok && cur.Valid(now) {
		cur.AccessCount++
		cur.LastAccessAt = now
		s.stats.memoryHits.Add(1)
		return *cur, true
	}
	e.AccessCount = 1
	e.LastAccessAt = now
	s.insertLocked(e)
	s.stats.durableHits.Add(1)
	return *e, true
}

func (s *Store) readDurable(ctx context.Context, key string, now time.Time) (*Entry, bool) {
	var data []byte
	if op, ok := s.writer.lookup(durablePrefix + key); ok {
		if op.del {
			return nil, false
		}
		data = op.data
	} else {
		v, err := s.durable.Get(ctx, durablePrefix+key)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				s.log.Warn("durable read failed", "key", key, "error", err)
			}
			return nil, false
		}
		data = v
	}

	e, err := decodeEntry(key, data)
	if err != nil {
		s.stats.corruptions.Add(1)
		s.log.Warn("dropping corrupt durable entry", "key", key, "error", err)
		s.writer.purge(durablePrefix+key, now, nil)
		return nil, false
	}
	if !e.Valid(now) {
		s.stats.expirations.Add(1)
		s.writer.purge(durablePrefix+key, now, nil)
		return nil, false
	}
	return e, true
}

// Set writes payload under key for ttl (DefaultTTL when ttl <= 0). A nil
// payload deletes the key from both tiers. The memory tier is updated before
// Set returns; the durable write is queued.
func (s *Store) Set(ctx context.Context, key string, payload any, ttl time.Duration) error {
	if isNil(payload) {
		s.Delete(ctx, key)
		return nil
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	now := s.clock.Now()
	data, err := encodeEntry(payload, now, ttl)
	if err != nil {
		return err
	}

	s.mu.Lock()
	e := &Entry{Key: key, Payload: payload, CreatedAt: now, TTL: ttl, LastAccessAt: now}
	s.insertLocked(e)
	s.mu.Unlock()

	s.writer.put(durablePrefix+key, data)
	return nil
}

// insertLocked stores e, evicting first when a new key would overflow the
// memory tier. Callers hold s.mu.
func (s *Store) insertLocked(e *Entry) {
	if _, exists := s.items[e.Key]; !exists && len(s.items) >= s.max {
		s.evictLocked()
	}
	s.seq++
	e.seq = s.seq
	s.items[e.Key] = e
}

// Delete removes key from both tiers. Reads observe the removal immediately.
func (s *Store) Delete(_ context.Context, key string) {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	s.writer.delete(durablePrefix + key)
}

// Sweep purges expired entries from both tiers and returns how many it
// removed. Corrupt durable entries are removed as well.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	now := s.clock.Now()
	removed := 0

	s.mu.Lock()
	for k, e := range s.items {
		if !e.Valid(now) {
			delete(s.items, k)
			removed++
		}
	}
	s.mu.Unlock()

	keys, err := s.durable.Keys(ctx)
	if err != nil {
		s.stats.expirations.Add(int64(removed))
		return removed, err
	}
	// deletes go through the writer so they stay ordered with Set
	var purged atomic.Int64
	for _, dk := range keys {
		key, ok := strings.CutPrefix(dk, durablePrefix)
		if !ok {
			continue
		}
		if _, pending := s.writer.lookup(dk); pending {
			continue
		}
		data, err := s.durable.Get(ctx, dk)
		if err != nil {
			continue
		}
		e, err := decodeEntry(key, data)
		if err == nil && e.Valid(now) {
			continue
		}
		if err != nil {
			s.stats.corruptions.Add(1)
		}
		s.writer.purge(dk, now, &purged)
	}
	s.writer.flush()
	removed += int(purged.Load())
	s.stats.expirations.Add(int64(removed))
	s.log.Debug("maintenance sweep finished", "removed", removed)
	return removed, nil
}

// Clear empties the memory tier and removes every cache entry from the
// durable tier. Keys outside the cache namespace are left alone.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.items = make(map[string]*Entry)
	s.mu.Unlock()

	s.writer.flush()
	keys, err := s.durable.Keys(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, dk := range keys {
		if strings.HasPrefix(dk, durablePrefix) {
			if err := s.durable.Delete(ctx, dk); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of entries in the memory tier.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// InMemory reports whether key is resident in the memory tier, valid or not.
func (s *Store) InMemory(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[key]
	return ok
}

func (s *Store) Stats() Stats {
	st := s.stats.snapshot()
	st.MemoryItems = s.Len()
	return st
}

// Flush waits until queued durable writes have been applied.
func (s *Store) Flush() { s.writer.flush() }

// Close flushes pending durable writes and stops the writer.
func (s *Store) Close() { s.writer.close() }

// Lookup is the typed read path. Payloads promoted from the durable tier are
// raw JSON and are decoded into T; a payload that cannot become a T is
// treated as corrupt and dropped.
func Lookup[T any](ctx context.Context, s *Store, key string) (T, bool) {
	var zero T
	e, ok := s.Get(ctx, key)
	if !ok {
		return zero, false
	}
	if v, ok := e.Payload.(T); ok {
		return v, true
	}

	raw, ok := e.Payload.(json.RawMessage)
	if !ok {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			s.drop(ctx, key, err)
			return zero, false
		}
		raw = b
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		s.drop(ctx, key, err)
		return zero, false
	}
	s.replacePayload(key, e.CreatedAt, out)
	return out, true
}

// replacePayload swaps a decoded payload in place so later reads skip decoding.
func (s *Store) replacePayload(key string, createdAt time.Time, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.items[key]; ok && e.CreatedAt.Equal(createdAt) {
		e.Payload = payload
	}
}

func (s *Store) drop(ctx context.Context, key string, err error) {
	s.stats.corruptions.Add(1)
	s.log.Warn("dropping undecodable entry", "key", key, "error", err)
	s.Delete(ctx, key)
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
