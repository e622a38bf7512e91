package pmem

import "sync"

// Durable orders writes to an arena for crash consistency.
//
// Flush queues writeback of the 64-byte lines overlapping a range. Fence
// blocks until everything queued so far is on stable media; no store
// issued after a Fence can become durable before the stores fenced by it.
// Persist is the common flush-then-fence pair.
//
// Implementations must be safe for concurrent use.
type Durable interface {
	Flush(off Offset, n uint64)
	Fence() error
	Persist(off Offset, n uint64) error
}

// SyncDurable makes writes durable with msync over the dirty ranges.
//
// Flush only records the range, merging it into the previously recorded
// one when the two touch or overlap; Fence msyncs each recorded range. Recording instead of syncing per line matters: callers
// flush individual cache lines on the hot path, and an msync per line
// would be three orders of magnitude slower than batching at the fence.
type SyncDurable struct {
	arena *Arena

	mu      sync.Mutex
	pending []flushRange
}

type flushRange struct {
	start uint64
	end   uint64 // exclusive
}

// NewSyncDurable returns a SyncDurable over the given arena.
func NewSyncDurable(a *Arena) *SyncDurable {
	return &SyncDurable{arena: a}
}

// Flush queues writeback of the cache lines covering [off, off+n).
func (d *SyncDurable) Flush(off Offset, n uint64) {
	if off.IsNull() || n == 0 {
		return
	}

	start := uint64(off) &^ (CacheLineSize - 1)

	end := uint64(off) + n
	if rem := end % CacheLineSize; rem != 0 {
		end += CacheLineSize - rem
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// Coalesce with the previous range when adjacent or overlapping. Most
	// flush sequences walk forward through one structure.
	if last := len(d.pending) - 1; last >= 0 && start <= d.pending[last].end {
		if end > d.pending[last].end {
			d.pending[last].end = end
		}

		if start < d.pending[last].start {
			d.pending[last].start = start
		}

		return
	}

	d.pending = append(d.pending, flushRange{start: start, end: end})
}

// Fence syncs every queued range. On failure the queue is kept so a retry
// covers the same ranges.
//
// Possible errors: [ErrWriteback].
func (d *SyncDurable) Fence() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, r := range d.pending {
		if err := d.arena.sync(r.start, r.end-r.start); err != nil {
			return err
		}
	}

	d.pending = d.pending[:0]

	return nil
}

// Persist flushes [off, off+n) and fences.
func (d *SyncDurable) Persist(off Offset, n uint64) error {
	d.Flush(off, n)

	return d.Fence()
}

// NoopDurable discards all durability requests.
//
// For tests that exercise index logic without caring about media, and for
// stores opened with durability disabled.
type NoopDurable struct{}

// Flush does nothing.
func (NoopDurable) Flush(Offset, uint64) {}

// Fence does nothing.
func (NoopDurable) Fence() error { return nil }

// Persist does nothing.
func (NoopDurable) Persist(Offset, uint64) error { return nil }

// Compile-time interface satisfaction checks.
var (
	_ Durable = (*SyncDurable)(nil)
	_ Durable = NoopDurable{}
)
