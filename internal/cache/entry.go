package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Entry is one cached resource. It is valid iff now - CreatedAt < TTL.
// AccessCount and LastAccessAt only feed eviction ranking.
type Entry struct {
	Key          string
	Payload      any
	CreatedAt    time.Time
	TTL          time.Duration
	AccessCount  int64
	LastAccessAt time.Time

	// insertion order, last tie-breaker for eviction
	seq uint64
}

func (e *Entry) Valid(now time.Time) bool {
	return now.Sub(e.CreatedAt) < e.TTL
}

// Remaining returns how much of the TTL is left at now, never negative.
func (e *Entry) Remaining(now time.Time) time.Duration {
	r := e.TTL - now.Sub(e.CreatedAt)
	if r < 0 {
		return 0
	}
	return r
}

// durable tier layout: JSON envelope under durablePrefix+key
const durablePrefix = "cache:"

type envelope struct {
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
	TTLMillis int64           `json:"ttlMillis"`
}

var errBadEnvelope = errors.New("cache: malformed entry")

func encodeEntry(payload any, createdAt time.Time, ttl time.Duration) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	return json.Marshal(envelope{
		Payload:   raw,
		CreatedAt: createdAt,
		TTLMillis: ttl.Milliseconds(),
	})
}

func decodeEntry(key string, data []byte) (*Entry, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadEnvelope, err)
	}
	if len(env.Payload) == 0 || env.CreatedAt.IsZero() || env.TTLMillis <= 0 {
		return nil, errBadEnvelope
	}
	return &Entry{
		Key:       key,
		Payload:   env.Payload,
		CreatedAt: env.CreatedAt,
		TTL:       time.Duration(env.TTLMillis) * time.Millisecond,
	}, nil
}
