package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// writeOp is one queued durable-tier mutation. A non-nil barrier marks a
// flush barrier. A purge op deletes key only if the durable value is still
// expired or corrupt at purgeAt when the worker reaches it.
type writeOp struct {
	key     string
	data    []byte
	del     bool
	seq     uint64
	barrier chan struct{}

	purge   bool
	purgeAt time.Time
	purged  *atomic.Int64
}

// durableWriter applies durable-tier writes asynchronously, in call order, on
// a single worker. Ops that have been queued but not yet applied stay visible
// through pending so reads never observe a stale durable value.
type durableWriter struct {
	durable Durable
	log     *slog.Logger
	timeout time.Duration

	// mu guards ch against close while senders are blocked on it
	mu     sync.RWMutex
	closed bool
	ch     chan writeOp

	pmu     sync.Mutex
	seq     uint64
	pending map[string]writeOp

	wg sync.WaitGroup
}

func newDurableWriter(d Durable, log *slog.Logger, buffer int) *durableWriter {
	if buffer <= 0 {
		buffer = 256
	}
	w := &durableWriter{
		durable: d,
		log:     log,
		timeout: 5 * time.Second,
		ch:      make(chan writeOp, buffer),
		pending: make(map[string]writeOp),
	}
	w.wg.Add(1)
	go w.worker()
	return w
}

func (w *durableWriter) put(key string, data []byte) { w.enqueue(writeOp{key: key, data: data}) }

func (w *durableWriter) delete(key string) { w.enqueue(writeOp{key: key, del: true}) }

// purge queues a conditional delete behind every op already queued. It is
// not recorded in pending, so reads keep seeing whatever value is current.
func (w *durableWriter) purge(key string, at time.Time, purged *atomic.Int64) {
	op := writeOp{key: key, purge: true, purgeAt: at, purged: purged}
	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		w.apply(op)
		return
	}
	w.ch <- op
	w.mu.RUnlock()
}

func (w *durableWriter) enqueue(op writeOp) {
	w.pmu.Lock()
	w.seq++
	op.seq = w.seq
	w.pending[op.key] = op
	w.pmu.Unlock()

	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		w.apply(op)
		return
	}
	// blocks when the buffer is full; the worker never takes mu
	w.ch <- op
	w.mu.RUnlock()
}

// lookup returns the newest op for key that has not reached the durable tier.
func (w *durableWriter) lookup(key string) (writeOp, bool) {
	w.pmu.Lock()
	defer w.pmu.Unlock()
	op, ok := w.pending[key]
	return op, ok
}

func (w *durableWriter) worker() {
	defer w.wg.Done()
	for op := range w.ch {
		if op.barrier != nil {
			close(op.barrier)
			continue
		}
		w.apply(op)
	}
}

func (w *durableWriter) apply(op writeOp) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	if op.purge {
		w.applyPurge(ctx, op)
		return
	}
	var err error
	if op.del {
		err = w.durable.Delete(ctx, op.key)
	} else {
		err = w.durable.Put(ctx, op.key, op.data)
	}
	if err != nil {
		// memory tier still serves the entry; only durability is lost
		w.log.Warn("durable write failed", "key", op.key, "delete", op.del, "error", err)
	}

	w.pmu.Lock()
	if cur, ok := w.pending[op.key]; ok && cur.seq == op.seq {
		delete(w.pending, op.key)
	}
	w.pmu.Unlock()
}

func (w *durableWriter) applyPurge(ctx context.Context, op writeOp) {
	// a put queued after the purge was scheduled will land after it anyway
	if _, pending := w.lookup(op.key); pending {
		return
	}
	data, err := w.durable.Get(ctx, op.key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			w.log.Warn("durable read failed", "key", op.key, "error", err)
		}
		return
	}
	e, err := decodeEntry(op.key, data)
	if err == nil && e.Valid(op.purgeAt) {
		return
	}
	if err := w.durable.Delete(ctx, op.key); err != nil {
		w.log.Warn("durable purge failed", "key", op.key, "error", err)
		return
	}
	if op.purged != nil {
		op.purged.Add(1)
	}
}

// flush blocks until every op queued before the call has been applied.
func (w *durableWriter) flush() {
	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return
	}
	done := make(chan struct{})
	w.ch <- writeOp{barrier: done}
	w.mu.RUnlock()
	<-done
}

func (w *durableWriter) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.ch)
	w.mu.Unlock()
	w.wg.Wait()
}
