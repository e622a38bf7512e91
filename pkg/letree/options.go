package letree

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// DurabilityMode controls whether mutations are written back to stable
// media as they happen.
type DurabilityMode int

const (
	// DurabilitySync flushes and fences per the store's ordering rules.
	// After a crash the store recovers to the last published state. This
	// is the default.
	DurabilitySync DurabilityMode = iota

	// DurabilityNone skips all writeback. Changes reach the file through
	// the mapping but may be lost or torn on power failure. Useful for
	// tests and rebuildable caches.
	DurabilityNone
)

// ExpansionPolicy selects how writers behave while the tree rebuilds its
// root.
type ExpansionPolicy int

const (
	// ExpansionBlock makes writers wait until the rebuild completes.
	// This is the default.
	ExpansionBlock ExpansionPolicy = iota

	// ExpansionBuffer diverts writes into a temporary in-memory buffer
	// and returns immediately; the buffer is replayed into the new
	// layout when the rebuild completes. Readers consult the buffer
	// first while it is active.
	ExpansionBuffer
)

// Sizing defaults. A group targets entriesPerGroup pointer entries after
// a root rebuild and may grow to maxEntriesPerGroup before it forces the
// next one.
const (
	defaultEntriesPerGroup    = 64
	defaultMaxEntriesPerGroup = 1024

	defaultCommonFileSize = 64 << 20  // root record, model metadata, group records
	defaultDataFileSize   = 64 << 20  // pointer-entry arrays
	defaultBucketFileSize = 256 << 20 // buckets
)

// Options configures opening or creating a store.
type Options struct {
	// Dir is the store directory. Created if missing. It holds the three
	// mapped files (common, data, clevel), the MANIFEST, and a lock file.
	//
	// Required.
	Dir string

	// CommonFileSize is the byte budget of the common file (root record,
	// model parameters, group records). Fixed at creation.
	//
	// Zero means 64 MiB.
	CommonFileSize int64

	// DataFileSize is the byte budget of the data file (pointer-entry
	// arrays). Fixed at creation.
	//
	// Zero means 64 MiB.
	DataFileSize int64

	// BucketFileSize is the byte budget of the clevel file (the bucket
	// pool, kept separate so bucket-heavy workloads don't fragment
	// metadata). Fixed at creation.
	//
	// Zero means 256 MiB.
	BucketFileSize int64

	// EntriesPerGroup is the pointer-entry count a group targets after a
	// root rebuild. Fixed at creation.
	//
	// Zero means 64.
	EntriesPerGroup int

	// MaxEntriesPerGroup is the pointer-entry count at which a group
	// forces a root rebuild instead of growing further.
	//
	// Zero means 1024.
	MaxEntriesPerGroup int

	// Durability selects the writeback mode. Default [DurabilitySync].
	Durability DurabilityMode

	// ExpansionPolicy selects writer behavior during root rebuilds.
	// Default [ExpansionBlock].
	ExpansionPolicy ExpansionPolicy

	// Metrics, when non-nil, registers operation counters with the given
	// registerer (e.g. [prometheus.DefaultRegisterer]).
	Metrics prometheus.Registerer

	// DisableLocking disables the interprocess lock file.
	//
	// When true, the caller MUST guarantee a single process uses the
	// store directory.
	DisableLocking bool
}

func (o Options) withDefaults() Options {
	if o.CommonFileSize == 0 {
		o.CommonFileSize = defaultCommonFileSize
	}

	if o.DataFileSize == 0 {
		o.DataFileSize = defaultDataFileSize
	}

	if o.BucketFileSize == 0 {
		o.BucketFileSize = defaultBucketFileSize
	}

	if o.EntriesPerGroup == 0 {
		o.EntriesPerGroup = defaultEntriesPerGroup
	}

	if o.MaxEntriesPerGroup == 0 {
		o.MaxEntriesPerGroup = defaultMaxEntriesPerGroup
	}

	return o
}

func (o Options) validate() error {
	if o.Dir == "" {
		return fmt.Errorf("dir is required: %w", ErrInvalidInput)
	}

	for _, f := range []struct {
		name string
		size int64
	}{
		{"common_file_size", o.CommonFileSize},
		{"data_file_size", o.DataFileSize},
		{"bucket_file_size", o.BucketFileSize},
	} {
		if f.size < minFileSize || f.size > maxFileSize {
			return fmt.Errorf("%s %d outside [%d, %d]: %w",
				f.name, f.size, int64(minFileSize), maxFileSize, ErrInvalidInput)
		}
	}

	if o.EntriesPerGroup < minEntriesPerGroup || o.EntriesPerGroup > maxEntriesPerGroupBound {
		return fmt.Errorf("entries_per_group %d outside [%d, %d]: %w",
			o.EntriesPerGroup, minEntriesPerGroup, maxEntriesPerGroupBound, ErrInvalidInput)
	}

	if o.MaxEntriesPerGroup < o.EntriesPerGroup || o.MaxEntriesPerGroup > maxEntriesPerGroupBound {
		return fmt.Errorf("max_entries_per_group %d outside [%d, %d]: %w",
			o.MaxEntriesPerGroup, o.EntriesPerGroup, maxEntriesPerGroupBound, ErrInvalidInput)
	}

	switch o.Durability {
	case DurabilitySync, DurabilityNone:
	default:
		return fmt.Errorf("unknown durability mode %d: %w", o.Durability, ErrInvalidInput)
	}

	switch o.ExpansionPolicy {
	case ExpansionBlock, ExpansionBuffer:
	default:
		return fmt.Errorf("unknown expansion policy %d: %w", o.ExpansionPolicy, ErrInvalidInput)
	}

	return nil
}

// KV is one key-value pair.
type KV struct {
	Key   uint64
	Value uint64
}

// PutResult reports what a Put did.
type PutResult int

const (
	// Inserted means the key was new.
	Inserted PutResult = iota

	// Updated means the key existed and its value was overwritten.
	Updated
)

func (r PutResult) String() string {
	if r == Updated {
		return "updated"
	}

	return "inserted"
}
