package letree

import "errors"

// Sentinel errors returned by store operations.
//
// Callers should use [errors.Is] to check error types:
//
//	if errors.Is(err, letree.ErrNotFound) {
//	    // key absent
//	}
var (
	// ErrNotFound indicates the key is not in the store.
	ErrNotFound = errors.New("letree: not found")

	// ErrCapacity indicates a mapped file has no remaining room.
	//
	// Recovery: recreate the store with larger file sizes. The store does
	// not grow its files in place.
	ErrCapacity = errors.New("letree: capacity exhausted")

	// ErrCorrupt indicates a store file is damaged.
	//
	// Recovery: delete the store directory and rebuild from your source
	// of truth.
	ErrCorrupt = errors.New("letree: corrupt")

	// ErrIncompatible indicates a format or configuration mismatch
	// between the store directory and the provided options.
	//
	// Recovery: reopen with the options the store was created with, or
	// rebuild.
	ErrIncompatible = errors.New("letree: incompatible")

	// ErrClosed indicates the store has already been closed.
	//
	// This is a programming error.
	ErrClosed = errors.New("letree: closed")

	// ErrInvalidInput indicates invalid arguments were provided.
	//
	// Common causes: unsorted or duplicate bulk-load input, options
	// without a Dir or out of range, a negative scan length.
	//
	// This is a programming error.
	ErrInvalidInput = errors.New("letree: invalid input")

	// ErrBusy indicates another process holds the store's writer lock.
	//
	// Recovery: retry after a short delay.
	ErrBusy = errors.New("letree: busy")
)

// status is the internal result code threaded through the bucket, entry,
// and group layers. Full never escapes the tree driver: it triggers a
// split, a group rebuild, or a tree expansion on the way up.
type status int8

const (
	statusOK status = iota
	statusFull
	statusExists
	statusNoExist
)
