package letree

import (
	"fmt"

	"github.com/calvinalkan/letree/pkg/pmem"
)

// bentryRef is a handle to one 64-byte pointer entry in the data file.
//
// A pointer entry is the B-level unit: up to four (min-key, bucket)
// slots sorted by min-key, packed into one cache line so a point lookup
// touches exactly one line between the group array and the bucket.
type bentryRef struct {
	s   *Store
	off pmem.Offset
}

// entrySlot is the copied-out form of one valid slot, used when groups
// flatten entries during a rebuild.
type entrySlot struct {
	minKey uint64
	bucket pmem.Offset
}

func (e bentryRef) bytes() []byte {
	return e.s.data.Bytes(e.off, bentrySize)
}

func (e bentryRef) slotKey(i int) uint64 {
	return getU64(e.bytes(), i*bentrySlotSize)
}

func (e bentryRef) slotPacked(i int) uint64 {
	return getU64(e.bytes(), i*bentrySlotSize+8)
}

func (e bentryRef) slotBucket(i int) bucketRef {
	return bucketRef{s: e.s, off: unpackSlotOff(e.slotPacked(i))}
}

func (e bentryRef) setSlot(i int, minKey uint64, bucket pmem.Offset, meta uint16) {
	buf := e.bytes()
	putU64(buf, i*bentrySlotSize, minKey)
	putU64(buf, i*bentrySlotSize+8, packSlot(bucket, meta))
}

// count returns the number of valid slots, recorded in slot 0's meta.
func (e bentryRef) count() int {
	return metaCount(unpackSlotMeta(e.slotPacked(0)))
}

func (e bentryRef) valid() bool {
	return metaValid(unpackSlotMeta(e.slotPacked(0)))
}

// entryKey is the entry's own minimum key.
func (e bentryRef) entryKey() uint64 {
	return e.slotKey(0)
}

// setCount rewrites slot 0's meta with a new valid-slot count.
func (e bentryRef) setCount(n int) {
	packed := e.slotPacked(0)
	putU64(e.bytes(), 8, packSlot(unpackSlotOff(packed), slotMeta(n)))
}

// initSingle seeds the entry with one slot pointing at bucket, covering
// minKey. The whole line is persisted at once.
func (e bentryRef) initSingle(minKey uint64, bucket pmem.Offset) error {
	clear(e.bytes())
	e.setSlot(0, minKey, bucket, slotMeta(1))

	return e.s.durData.Persist(e.off, bentrySize)
}

// findPos binary-searches the valid slots for the rightmost one whose
// min-key is <= key. With all slot keys above key it returns 0.
func (e bentryRef) findPos(key uint64) int {
	n := e.count()
	if n == 0 {
		return 0
	}

	l, r := 0, n

	for l < r {
		mid := (l + r) >> 1

		k := e.slotKey(mid)
		if k == key {
			return mid
		}

		if k > key {
			r = mid
		} else {
			l = mid + 1
		}
	}

	if l == 0 {
		return 0
	}

	return l - 1
}

// put inserts into the slot covering key. A full bucket with a free slot
// splits in place: the upper half moves to a new bucket, the new
// (separator, bucket) pair slides into the slot after the original, and
// the insert retries. A full bucket with no free slot propagates Full so
// the owning group rebuilds.
//
// split reports whether a bucket split happened (the group tracks its
// post-rebuild entry count from these).
func (e bentryRef) put(key, value uint64) (st status, split bool, err error) {
	for {
		pos := e.findPos(key)

		b := e.slotBucket(pos)

		st, err = b.put(key, value)
		if err != nil {
			return st, split, err
		}

		if st == statusFull {
			if e.count() >= bentrySlots {
				return statusFull, split, nil
			}

			nb, splitKey, serr := b.split()
			if serr != nil {
				return statusFull, split, serr
			}

			n := e.count()
			for i := n - 1; i > pos; i-- {
				e.setSlot(i+1, e.slotKey(i), unpackSlotOff(e.slotPacked(i)), bentryMetaValid)
			}

			e.setSlot(pos+1, splitKey, nb.off, bentryMetaValid)
			e.setCount(n + 1)

			if err := e.s.durData.Persist(e.off, bentrySize); err != nil {
				return statusFull, split, err
			}

			split = true
			e.s.metrics.bucketSplits.Inc()

			continue
		}

		if st == statusOK && key < e.entryKey() {
			putU64(e.bytes(), 0, key)

			if err := e.s.durData.Persist(e.off, bentrySlotSize); err != nil {
				return st, split, err
			}
		}

		return st, split, nil
	}
}

func (e bentryRef) get(key uint64) (uint64, status) {
	pos := e.findPos(key)

	return e.slotBucket(pos).get(key)
}

func (e bentryRef) update(key, value uint64) (status, error) {
	pos := e.findPos(key)

	return e.slotBucket(pos).update(key, value)
}

func (e bentryRef) del(key uint64) (status, error) {
	pos := e.findPos(key)

	return e.slotBucket(pos).del(key)
}

// adjustEntryKey resets slot 0's min-key to its bucket's true minimum.
// Deletions can leave the recorded key below every stored key; a rebuild
// trains its models on the corrected minima.
func (e bentryRef) adjustEntryKey() error {
	b := e.slotBucket(0)
	if b.entries() == 0 {
		return nil
	}

	putU64(e.bytes(), 0, b.minKey())

	return e.s.durData.Persist(e.off, bentrySlotSize)
}

// slots copies out the valid slots in min-key order.
func (e bentryRef) slots() []entrySlot {
	n := e.count()

	out := make([]entrySlot, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, entrySlot{
			minKey: e.slotKey(i),
			bucket: unpackSlotOff(e.slotPacked(i)),
		})
	}

	return out
}

// mergeBEntries rebalances one slot between two adjacent entries so a
// put that found its entry full can retry without a group rebuild. Used
// only when the neighbor is at most half full.
func mergeBEntries(left, right bentryRef, key, value uint64) (status, bool, error) {
	if left.count() >= bentrySlots {
		// Move left's last slot down to become right's first.
		rn := right.count()
		for i := rn - 1; i >= 0; i-- {
			right.setSlot(i+1, right.slotKey(i), unpackSlotOff(right.slotPacked(i)), bentryMetaValid)
		}

		ln := left.count()
		right.setSlot(0, left.slotKey(ln-1), unpackSlotOff(left.slotPacked(ln-1)), slotMeta(rn+1))

		if err := right.s.durData.Persist(right.off, bentrySize); err != nil {
			return statusFull, false, err
		}

		left.setCount(ln - 1)

		if err := left.s.durData.Persist(left.off, bentrySize); err != nil {
			return statusFull, false, err
		}
	} else {
		// Move right's first slot up to become left's last.
		ln := left.count()
		left.setSlot(ln, right.slotKey(0), unpackSlotOff(right.slotPacked(0)), bentryMetaValid)
		left.setCount(ln + 1)

		if err := left.s.durData.Persist(left.off, bentrySize); err != nil {
			return statusFull, false, err
		}

		rn := right.count()
		for i := 1; i < rn; i++ {
			right.setSlot(i-1, right.slotKey(i), unpackSlotOff(right.slotPacked(i)), bentryMetaValid)
		}

		right.setSlot(rn-1, 0, pmem.NullOffset, 0)
		right.setCount(rn - 1)

		if err := right.s.durData.Persist(right.off, bentrySize); err != nil {
			return statusFull, false, err
		}
	}

	if key < right.entryKey() {
		return left.put(key, value)
	}

	return right.put(key, value)
}

// bentryIter walks an entry's pairs in key order, bucket by bucket.
type bentryIter struct {
	e   bentryRef
	pos int
	bit *bucketIter
}

func newBEntryIter(e bentryRef) *bentryIter {
	it := &bentryIter{e: e}

	if e.valid() && e.count() > 0 {
		it.bit = newBucketIter(e.slotBucket(0))
		it.skipEmpty()
	} else {
		it.pos = bentrySlots
	}

	return it
}

// newBEntryIterAt starts at the slot covering start and skips keys below
// it.
func newBEntryIterAt(e bentryRef, start uint64) *bentryIter {
	it := &bentryIter{e: e}

	if !e.valid() || e.count() == 0 {
		it.pos = bentrySlots

		return it
	}

	it.pos = e.findPos(start)
	it.bit = newBucketIter(e.slotBucket(it.pos))
	it.bit.seek(start)
	it.skipEmpty()

	return it
}

func (it *bentryIter) skipEmpty() {
	for it.bit.end() {
		it.pos++
		if it.pos >= it.e.count() {
			return
		}

		it.bit = newBucketIter(it.e.slotBucket(it.pos))
	}
}

func (it *bentryIter) end() bool {
	return it.pos >= it.e.count()
}

func (it *bentryIter) kv() KV {
	return it.bit.kv()
}

func (it *bentryIter) next() {
	it.bit.next()
	it.skipEmpty()
}

func (e bentryRef) String() string {
	return fmt.Sprintf("bentry@%d{key=%d slots=%d}", e.off, e.entryKey(), e.count())
}
