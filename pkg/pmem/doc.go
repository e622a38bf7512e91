// Package pmem provides mapped-file arenas with explicit durability control.
//
// An [Arena] is a single memory-mapped file carved up by a monotonic bump
// cursor. There is no per-object free list: freeing the most recent
// allocation retracts the cursor, freeing anything else only counts the
// bytes as leaked. This matches the append-mostly allocation pattern of
// the index structures built on top. Leaked regions are not reclaimed:
// nothing in the package rewrites or compacts a file, so leaked bytes stay
// counted by [Arena.Leaked] for the life of the file.
//
// # Durability
//
// Stores into a mapped file are not durable until written back. The
// [Durable] interface captures the two primitives the index layers need:
//
//	d.Flush(off, n) // queue writeback of the cache lines covering [off, off+n)
//	d.Fence()       // block until every queued line is on stable media
//
// [SyncDurable] implements them with msync on the dirty page ranges.
// [NoopDurable] implements them as no-ops for in-memory testing, where
// the test only cares about the ordering of calls, not actual media.
//
// Callers follow one rule: a field that validates a structure (an entry
// counter, a valid bit, a published pointer) is flushed and fenced after
// the payload it validates, never before.
package pmem
