package letree

import (
	"fmt"
	"sort"

	"github.com/calvinalkan/letree/pkg/pmem"
)

// bucketRef is a handle to one 256-byte bucket in the clevel file.
//
// Buckets are the C-level leaves: an unsorted record array with a forward
// link to the next bucket in key order. Keeping records unsorted means an
// insert dirties one record line plus the header, never a shifted tail.
type bucketRef struct {
	s   *Store
	off pmem.Offset
}

func (b bucketRef) bytes() []byte {
	return b.s.buckets.Bytes(b.off, bucketSize)
}

// newBucket allocates and publishes an empty valid bucket.
func newBucket(s *Store) (bucketRef, error) {
	off, err := s.buckets.AllocAligned(bucketSize, bucketAlign)
	if err != nil {
		return bucketRef{}, fmt.Errorf("alloc bucket: %w", mapArenaErr(err))
	}

	b := bucketRef{s: s, off: off}
	buf := b.bytes()

	clear(buf)
	putU64(buf, bucketOffNext, uint64(pmem.NullOffset))
	b.storeHeader(0)

	if err := s.durBuckets.Persist(off, bucketSize); err != nil {
		return bucketRef{}, err
	}

	return b, nil
}

// storeHeader writes the header word: valid flag, entry count, capacity.
// It does not flush; callers order the flush themselves.
func (b bucketRef) storeHeader(entries int) {
	buf := b.bytes()
	putU16(buf, bucketOffHeader, 1) // valid
	putU16(buf, bucketOffHeader+2, uint16(entries))
	putU16(buf, bucketOffHeader+4, bucketMaxEntries)
}

func (b bucketRef) entries() int {
	return int(getU16(b.bytes(), bucketOffHeader+2))
}

func (b bucketRef) valid() bool {
	return getU64(b.bytes(), bucketOffHeader) != 0
}

// tombstone invalidates the bucket. Its space in the clevel file is not
// reclaimed.
func (b bucketRef) tombstone() error {
	putU64(b.bytes(), bucketOffHeader, 0)

	return b.s.durBuckets.Persist(b.off.Add(bucketOffHeader), 8)
}

func (b bucketRef) next() pmem.Offset {
	return pmem.Offset(getU64(b.bytes(), bucketOffNext))
}

func (b bucketRef) setNext(off pmem.Offset) {
	putU64(b.bytes(), bucketOffNext, uint64(off))
}

func (b bucketRef) key(i int) uint64 {
	return getU64(b.bytes(), bucketOffRecords+i*bucketRecordSize)
}

func (b bucketRef) value(i int) uint64 {
	return getU64(b.bytes(), bucketOffRecords+i*bucketRecordSize+8)
}

func (b bucketRef) setRecord(i int, key, value uint64) {
	buf := b.bytes()
	putU64(buf, bucketOffRecords+i*bucketRecordSize, key)
	putU64(buf, bucketOffRecords+i*bucketRecordSize+8, value)
}

func (b bucketRef) recordOff(i int) pmem.Offset {
	return b.off.Add(uint64(bucketOffRecords + i*bucketRecordSize))
}

// find linearly scans the unsorted records for key.
func (b bucketRef) find(key uint64) (int, bool) {
	n := b.entries()
	for i := 0; i < n; i++ {
		if b.key(i) == key {
			return i, true
		}
	}

	return -1, false
}

// minKey returns the smallest key present. Only meaningful when the
// bucket is non-empty.
func (b bucketRef) minKey() uint64 {
	n := b.entries()
	m := b.key(0)

	for i := 1; i < n; i++ {
		if k := b.key(i); k < m {
			m = k
		}
	}

	return m
}

// put appends (key, value). The record is flushed and fenced before the
// header that makes it visible: a crash between the two leaves the
// record invisible on reopen.
func (b bucketRef) put(key, value uint64) (status, error) {
	if _, ok := b.find(key); ok {
		return statusExists, nil
	}

	n := b.entries()
	if n >= bucketMaxEntries {
		return statusFull, nil
	}

	b.setRecord(n, key, value)

	if err := b.s.durBuckets.Persist(b.recordOff(n), bucketRecordSize); err != nil {
		return statusOK, err
	}

	b.storeHeader(n + 1)

	return statusOK, b.s.durBuckets.Persist(b.off.Add(bucketOffHeader), 8)
}

func (b bucketRef) get(key uint64) (uint64, status) {
	i, ok := b.find(key)
	if !ok {
		return 0, statusNoExist
	}

	return b.value(i), statusOK
}

func (b bucketRef) update(key, value uint64) (status, error) {
	i, ok := b.find(key)
	if !ok {
		return statusNoExist, nil
	}

	putU64(b.bytes(), bucketOffRecords+i*bucketRecordSize+8, value)

	return statusOK, b.s.durBuckets.Persist(b.recordOff(i), bucketRecordSize)
}

// del removes key by swapping the last record into its slot. The swapped
// record is persisted before the shrunken header; a crash between the
// two leaves both records present, which reopen resolves in favor of the
// old count.
func (b bucketRef) del(key uint64) (status, error) {
	i, ok := b.find(key)
	if !ok {
		return statusNoExist, nil
	}

	n := b.entries()

	if last := n - 1; i != last {
		b.setRecord(i, b.key(last), b.value(last))

		if err := b.s.durBuckets.Persist(b.recordOff(i), bucketRecordSize); err != nil {
			return statusOK, err
		}
	}

	b.storeHeader(n - 1)

	return statusOK, b.s.durBuckets.Persist(b.off.Add(bucketOffHeader), 8)
}

// sortedIdx returns record indices ordered by key.
func (b bucketRef) sortedIdx() []int {
	n := b.entries()

	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}

	sort.Slice(idx, func(x, y int) bool {
		return b.key(idx[x]) < b.key(idx[y])
	})

	return idx
}

// split moves the upper half of the keys into a fresh bucket and returns
// it with the separator key.
//
// Publication order: the new bucket is complete and durable (including
// its forward link) before this bucket's forward link points at it, and
// the shrunken header is the last line persisted. Any crash point leaves
// either the old bucket intact or both buckets with disjoint halves.
func (b bucketRef) split() (bucketRef, uint64, error) {
	idx := b.sortedIdx()
	n := len(idx)
	mid := n / 2

	splitKey := b.key(idx[mid])

	nb, err := newBucket(b.s)
	if err != nil {
		return bucketRef{}, 0, err
	}

	for i := mid; i < n; i++ {
		nb.setRecord(i-mid, b.key(idx[i]), b.value(idx[i]))
	}

	nb.storeHeader(n - mid)
	nb.setNext(b.next())

	if err := b.s.durBuckets.Persist(nb.off, bucketSize); err != nil {
		return bucketRef{}, 0, err
	}

	b.setNext(nb.off)

	if err := b.s.durBuckets.Persist(b.off.Add(bucketOffNext), 8); err != nil {
		return bucketRef{}, 0, err
	}

	// Compact the lower half in place, then shrink the count.
	type rec struct{ k, v uint64 }

	lower := make([]rec, mid)
	for i := 0; i < mid; i++ {
		lower[i] = rec{b.key(idx[i]), b.value(idx[i])}
	}

	for i, r := range lower {
		b.setRecord(i, r.k, r.v)
	}

	if err := b.s.durBuckets.Persist(b.off.Add(bucketOffRecords), uint64(mid*bucketRecordSize)); err != nil {
		return bucketRef{}, 0, err
	}

	b.storeHeader(mid)

	return nb, splitKey, b.s.durBuckets.Persist(b.off.Add(bucketOffHeader), 8)
}

// bucketIter walks one bucket's records in key order, copying pairs out.
type bucketIter struct {
	b   bucketRef
	idx []int
	i   int
}

func newBucketIter(b bucketRef) *bucketIter {
	return &bucketIter{b: b, idx: b.sortedIdx()}
}

// seek positions the iterator at the first key >= start.
func (it *bucketIter) seek(start uint64) {
	for it.i < len(it.idx) && it.b.key(it.idx[it.i]) < start {
		it.i++
	}
}

func (it *bucketIter) end() bool {
	return it.i >= len(it.idx)
}

func (it *bucketIter) kv() KV {
	j := it.idx[it.i]

	return KV{Key: it.b.key(j), Value: it.b.value(j)}
}

func (it *bucketIter) next() {
	it.i++
}
