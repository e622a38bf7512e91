// Package letree implements a persistent learned-index key-value store
// for 64-bit integer keys and values.
//
// The index has three levels. A learned root model (a two-stage RMI over
// the entry keys, its prediction divided by the entries-per-group target)
// maps a key to a learned group. Each group owns a
// contiguous array of 64-byte pointer entries, located with a per-group
// linear model corrected by exponential search. Each pointer entry holds
// up to four (min-key, bucket) slots; each slot owns one 256-byte bucket
// of unsorted key-value pairs in the mapped clevel file.
//
// # Basic Usage
//
//	store, err := letree.Open(letree.Options{Dir: "/pmem/mystore"})
//	if err != nil {
//	    // handle [ErrCorrupt]/[ErrIncompatible] by rebuilding the store
//	}
//	defer store.Close()
//
//	_, err = store.Put(42, 1000)
//	v, found, err := store.Get(42)
//	pairs, err := store.Scan(0, 100)
//
// # Concurrency
//
// Point operations lock only the group they touch; operations on
// different groups proceed in parallel. When a group outgrows its bound
// the tree rebuilds the root out of place and publishes it atomically;
// during the rebuild, writers either wait or divert to a temporary
// buffer, selected by [Options.ExpansionPolicy].
//
// # Durability
//
// Every mutation follows the same discipline: payload first, then the
// counter or pointer that makes it visible, each flushed in order. A
// crash mid-operation leaves the previous published state; writes past
// the last flushed counter are invisible on reopen. Reopen after a clean
// close restores the store exactly; reopen after a crash recovers to the
// last published root.
package letree
