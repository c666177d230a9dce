package cache

import "slices"

// evictionShare is the fraction of the memory tier dropped when it is full.
const evictionShare = 0.25

// evictCount returns ceil(n * evictionShare), at least 1.
func evictCount(n int) int {
	c := (n*int(evictionShare*100) + 99) / 100
	if c < 1 {
		c = 1
	}
	return c
}

// evictLocked drops the least valuable quarter of the memory tier: least
// recently used first, ties broken by least frequently used, then by age.
// The durable tier is left alone. Callers hold s.mu.
func (s *Store) evictLocked() int {
	if len(s.items) == 0 {
		return 0
	}
	ranked := make([]*Entry, 0, len(s.items))
	for _, e := range s.items {
		ranked = append(ranked, e)
	}
	slices.SortFunc(ranked, func(a, b *Entry) int {
		if c := a.LastAccessAt.Compare(b.LastAccessAt); c != 0 {
			return c
		}
		if a.AccessCount != b.AccessCount {
			if a.AccessCount < b.AccessCount {
				return -1
			}
			return 1
		}
		if a.seq < b.seq {
			return -1
		}
		if a.seq > b.seq {
			return 1
		}
		return 0
	})
	n := evictCount(len(ranked))
	for _, e := range ranked[:n] {
		delete(s.items, e.Key)
		s.log.Debug("evicted from memory tier", "key", e.Key)
	}
	s.stats.evictions.Add(int64(n))
	return n
}
