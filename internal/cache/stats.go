package cache

import "sync/atomic"

// Stats is a snapshot of what the store has been doing.
type Stats struct {
	MemoryHits  int64 `json:"memoryHits"`
	DurableHits int64 `json:"durableHits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	Expirations int64 `json:"expirations"`
	Corruptions int64 `json:"corruptions"`
	MemoryItems int   `json:"memoryItems"`
}

type counters struct {
	memoryHits  atomic.Int64
	durableHits atomic.Int64
	misses      atomic.Int64
	evictions   atomic.Int64
	expirations atomic.Int64
	corruptions atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		MemoryHits:  c.memoryHits.Load(),
		DurableHits: c.durableHits.Load(),
		Misses:      c.misses.Load(),
		Evictions:   c.evictions.Load(),
		Expirations: c.expirations.Load(),
		Corruptions: c.corruptions.Load(),
	}
}
