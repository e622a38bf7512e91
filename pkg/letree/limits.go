package letree

// Hardcoded implementation limits.
//
// These exist to keep arithmetic away from overflow boundaries and to
// bound configurations the project does not test. Violations return
// [ErrInvalidInput].
const (
	// maxScanLimit caps a single Scan result to avoid runaway
	// allocations from a miscomputed length.
	maxScanLimit = 100_000_000

	// maxBulkLoad caps one BulkLoad call.
	maxBulkLoad = 1_000_000_000

	// minFileSize / maxFileSize bound each of the three mapped files.
	minFileSize = 1 << 16 // 64 KiB
	maxFileSize = int64(1) << 40

	// minEntriesPerGroup / maxEntriesPerGroupBound bound the group
	// sizing knobs.
	minEntriesPerGroup      = 8
	maxEntriesPerGroupBound = 1 << 20
)
