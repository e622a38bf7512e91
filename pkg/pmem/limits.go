package pmem

// Hardcoded implementation limits.
//
// These limits keep arithmetic safely away from overflow boundaries and
// bound resource usage for configurations the project does not test.
// Violations are treated as configuration errors and return
// [ErrInvalidInput].
const (
	// CacheLineSize is the flush granularity. Every Flush is widened to
	// the 64-byte lines overlapping the requested range.
	CacheLineSize = 64

	// minArenaSize is the smallest useful mapping: one header line plus
	// one line of allocatable space.
	minArenaSize = 2 * CacheLineSize

	// maxArenaSize caps a single mapped file. mmap does not load the file
	// into memory, but very large mappings are outside what we claim
	// support for.
	maxArenaSize = int64(1) << 40 // 1 TiB

	// maxAlloc caps a single allocation. Larger requests are certainly a
	// size-computation bug in the caller.
	maxAlloc = uint64(1) << 32 // 4 GiB

	// offsetBits is the width of an [Offset]. Six-byte offsets keep four
	// bucket pointers plus their keys inside one cache line at the layer
	// above.
	offsetBits = 48

	// maxOffset is the largest encodable file offset.
	maxOffset = uint64(1)<<offsetBits - 1
)
