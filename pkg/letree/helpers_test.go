package letree

import "testing"

// newTestStore opens a small store with durability off. The internal
// layer tests reach through it at the bucket, pointer-entry, and group
// refs directly.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(Options{
		Dir:            t.TempDir(),
		CommonFileSize: 4 << 20,
		DataFileSize:   8 << 20,
		BucketFileSize: 8 << 20,
		Durability:     DurabilityNone,
		DisableLocking: true,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	t.Cleanup(func() { _ = s.Close() })

	return s
}

func mustNewBucket(t *testing.T, s *Store) bucketRef {
	t.Helper()

	b, err := newBucket(s)
	if err != nil {
		t.Fatalf("newBucket: %v", err)
	}

	return b
}

func mustPutBucket(t *testing.T, b bucketRef, key, value uint64) status {
	t.Helper()

	st, err := b.put(key, value)
	if err != nil {
		t.Fatalf("bucket put(%d): %v", key, err)
	}

	return st
}
