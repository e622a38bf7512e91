package pmem

import "errors"

// Sentinel errors returned by arena operations.
//
// Callers should use [errors.Is] to check error types.
var (
	// ErrArenaFull indicates the bump cursor would pass the end of the
	// mapped file.
	//
	// Recovery: recreate the store with larger file sizes. The arena does
	// not grow in place.
	ErrArenaFull = errors.New("pmem: arena full")

	// ErrCorrupt indicates the arena header is damaged (bad CRC, a
	// recorded size that disagrees with the file, or a cursor pointing
	// outside the file).
	ErrCorrupt = errors.New("pmem: corrupt")

	// ErrIncompatible indicates a format (magic or version) or size
	// mismatch between the file on disk and the requested mapping.
	ErrIncompatible = errors.New("pmem: incompatible")

	// ErrClosed indicates the arena has already been closed.
	//
	// This is a programming error.
	ErrClosed = errors.New("pmem: closed")

	// ErrInvalidInput indicates invalid arguments were provided.
	//
	// This is a programming error.
	ErrInvalidInput = errors.New("pmem: invalid input")

	// ErrWriteback indicates msync failed while fencing queued flushes.
	//
	// Changes are visible in the mapping but durability is not guaranteed.
	ErrWriteback = errors.New("pmem: writeback failed")
)
