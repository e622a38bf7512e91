package letree

import (
	"fmt"

	"github.com/calvinalkan/letree/pkg/learnidx"
	"github.com/calvinalkan/letree/pkg/pmem"
)

// Group model sampling. Fitting on every 100th entry key is plenty for
// the near-linear distributions groups see; small groups sample denser
// so the fit still has points to work with.
const groupModelStride = 100

func groupStride(count int) int {
	if count >= 8*groupModelStride {
		return groupModelStride
	}

	return max(count/8, 1)
}

// groupRef is a handle to one 64-byte group record in the common file.
//
// A group owns a contiguous pointer-entry array in the data file and one
// linear model over the entry keys. The model's prediction is corrected
// by exponential search, so its error only costs comparisons, never
// correctness.
type groupRef struct {
	s   *Store
	off pmem.Offset
}

func (g groupRef) bytes() []byte {
	return g.s.common.Bytes(g.off, groupRecSize)
}

func (g groupRef) nrEntries() int {
	return int(getU32(g.bytes(), grpOffNrEntries))
}

func (g groupRef) nextCount() int {
	return int(getU32(g.bytes(), grpOffNextCount))
}

func (g groupRef) setNextCount(n int) {
	putU32(g.bytes(), grpOffNextCount, uint32(n))
}

func (g groupRef) minKey() uint64 {
	return getU64(g.bytes(), grpOffMinKey)
}

func (g groupRef) entryOff() pmem.Offset {
	return pmem.Offset(getU64(g.bytes(), grpOffEntryOff))
}

func (g groupRef) capacity() int {
	return int(getU32(g.bytes(), grpOffCapacity))
}

func (g groupRef) model() learnidx.LinearModel {
	buf := g.bytes()

	return learnidx.LinearModel{
		Slope:     getF64(buf, grpOffSlope),
		Intercept: getF64(buf, grpOffIntercept),
	}
}

func (g groupRef) entry(i int) bentryRef {
	return bentryRef{s: g.s, off: g.entryOff().Add(uint64(i) * bentrySize)}
}

// writeRecord rewrites the whole group record and persists it.
func (g groupRef) writeRecord(nrEntries, nextCount, capacity int, minKey uint64, entryOff pmem.Offset, m learnidx.LinearModel) error {
	buf := g.bytes()

	clear(buf)
	putU32(buf, grpOffNrEntries, uint32(nrEntries))
	putU32(buf, grpOffNextCount, uint32(nextCount))
	putU64(buf, grpOffMinKey, minKey)
	putU64(buf, grpOffEntryOff, uint64(entryOff))
	putF64(buf, grpOffSlope, m.Slope)
	putF64(buf, grpOffIntercept, m.Intercept)
	putU32(buf, grpOffCapacity, uint32(capacity))

	return g.s.durCommon.Persist(g.off, groupRecSize)
}

// findEntry locates the pointer entry covering key: model prediction,
// then exponential search for the rightmost entry key <= key.
func (g groupRef) findEntry(key uint64) int {
	n := g.nrEntries()

	m := clampInt(g.model().Predict(key), 0, n-1)

	return g.exponentialSearchUpperBound(m, key)
}

// exponentialSearchUpperBound grows a doubling window from m until it
// brackets key, then narrows: binary search for wide windows, linear for
// narrow ones. Returns max(upperBound-1, 0), the rightmost entry whose
// key is <= key.
func (g groupRef) exponentialSearchUpperBound(m int, key uint64) int {
	n := g.nrEntries()

	bound := 1

	var l, r int

	if g.entry(m).entryKey() > key {
		size := m
		for bound < size && g.entry(m-bound).entryKey() > key {
			bound *= 2
		}

		l = m - min(bound, size)
		r = m - bound/2
	} else {
		size := n - m
		for bound < size && g.entry(m+bound).entryKey() <= key {
			bound *= 2
		}

		l = m + bound/2
		r = m + min(bound, size)
	}

	if r-l < 6 {
		return max(g.linearSearchUpperBound(l, r, key)-1, 0)
	}

	return max(g.binarySearchUpperBound(l, r, key)-1, 0)
}

func (g groupRef) binarySearchUpperBound(l, r int, key uint64) int {
	for l < r {
		mid := l + (r-l)/2

		if g.entry(mid).entryKey() <= key {
			l = mid + 1
		} else {
			r = mid
		}
	}

	return l
}

func (g groupRef) linearSearchUpperBound(l, r int, key uint64) int {
	for l < r && g.entry(l).entryKey() <= key {
		l++
	}

	return l
}

// put inserts into the entry covering key.
//
// A Full entry first tries to rebalance with a half-empty neighbor; only
// then does the group rebuild itself, and only while its post-rebuild
// entry count stays within the configured bound. Beyond the bound, Full
// propagates to the tree.
func (g groupRef) put(key, value uint64) (status, error) {
	for {
		id := g.findEntry(key)

		st, split, err := g.entry(id).put(key, value)
		if err != nil {
			return st, err
		}

		if split {
			g.setNextCount(g.nextCount() + 1)
		}

		if st != statusFull {
			return st, nil
		}

		n := g.nrEntries()

		if id > 0 && g.entry(id-1).count() <= bentrySlots/2 {
			st, split, err = mergeBEntries(g.entry(id-1), g.entry(id), key, value)
			if split {
				g.setNextCount(g.nextCount() + 1)
			}

			if err != nil || st != statusFull {
				return st, err
			}
		} else if id+1 < n && g.entry(id+1).count() <= bentrySlots/2 {
			st, split, err = mergeBEntries(g.entry(id), g.entry(id+1), key, value)
			if split {
				g.setNextCount(g.nextCount() + 1)
			}

			if err != nil || st != statusFull {
				return st, err
			}
		}

		if g.nextCount() > g.s.opts.MaxEntriesPerGroup {
			return statusFull, nil
		}

		if err := g.expand(); err != nil {
			return statusFull, err
		}
	}
}

func (g groupRef) get(key uint64) (uint64, status) {
	return g.entry(g.findEntry(key)).get(key)
}

func (g groupRef) update(key, value uint64) (status, error) {
	return g.entry(g.findEntry(key)).update(key, value)
}

func (g groupRef) del(key uint64) (status, error) {
	return g.entry(g.findEntry(key)).del(key)
}

// fastFail is the predict-only probe of the two-phase lookup: it declines
// (ok false) without probing when the group is empty or key is below its
// minimum, and otherwise answers from this group.
func (g groupRef) fastFail(key uint64) (uint64, status, bool) {
	if g.nrEntries() == 0 || key < g.minKey() {
		return 0, statusNoExist, false
	}

	v, st := g.get(key)

	return v, st, true
}

// expand flattens every valid slot into its own fresh pointer entry in a
// larger array, refits the model, and switches the group over.
//
// The new array is fully persisted before the group record that points
// at it; a crash in between leaves the group on its old array.
func (g groupRef) expand() error {
	if err := g.entry(0).adjustEntryKey(); err != nil {
		return err
	}

	var slots []entrySlot

	n := g.nrEntries()
	for i := 0; i < n; i++ {
		slots = append(slots, g.entry(i).slots()...)
	}

	newCount := len(slots)

	arrOff, err := g.s.data.AllocAligned(uint64(newCount)*bentrySize, bentryAlign)
	if err != nil {
		return fmt.Errorf("alloc %d entries: %w", newCount, mapArenaErr(err))
	}

	sb := learnidx.NewSampledBuilder(groupStride(newCount))

	for i, sl := range slots {
		e := bentryRef{s: g.s, off: arrOff.Add(uint64(i) * bentrySize)}

		clear(e.bytes())
		e.setSlot(0, sl.minKey, sl.bucket, slotMeta(1))

		sb.Add(sl.minKey, i)
	}

	if err := g.s.durData.Persist(arrOff, uint64(newCount)*bentrySize); err != nil {
		return err
	}

	oldOff, oldCap := g.entryOff(), g.capacity()

	if err := g.writeRecord(newCount, newCount, newCount, slots[0].minKey, arrOff, sb.Build()); err != nil {
		return err
	}

	g.s.data.Free(oldOff, uint64(oldCap)*bentrySize)
	g.s.metrics.groupExpands.Inc()

	return nil
}

// bulkLoad seeds the group with count consecutive sorted pairs, one
// pointer entry and one bucket per pair.
func (g groupRef) bulkLoad(pairs []KV) error {
	count := len(pairs)

	arrOff, err := g.s.data.AllocAligned(uint64(count)*bentrySize, bentryAlign)
	if err != nil {
		return fmt.Errorf("alloc %d entries: %w", count, mapArenaErr(err))
	}

	sb := learnidx.NewSampledBuilder(groupStride(count))

	for i, kv := range pairs {
		b, err := newBucket(g.s)
		if err != nil {
			return err
		}

		if _, err := b.put(kv.Key, kv.Value); err != nil {
			return err
		}

		e := bentryRef{s: g.s, off: arrOff.Add(uint64(i) * bentrySize)}

		clear(e.bytes())
		e.setSlot(0, kv.Key, b.off, slotMeta(1))

		sb.Add(kv.Key, i)
	}

	if err := g.s.durData.Persist(arrOff, uint64(count)*bentrySize); err != nil {
		return err
	}

	return g.writeRecord(count, count, count, pairs[0].Key, arrOff, sb.Build())
}

// reserve allocates the entry array for the nextCount entries a tree
// expansion is about to append.
func (g groupRef) reserve() error {
	capacity := g.nextCount()

	arrOff, err := g.s.data.AllocAligned(uint64(capacity)*bentrySize, bentryAlign)
	if err != nil {
		return fmt.Errorf("alloc %d entries: %w", capacity, mapArenaErr(err))
	}

	return g.writeRecord(0, capacity, capacity, 0, arrOff, learnidx.LinearModel{})
}

// appendEntry adds one flattened slot during a tree expansion. The caller
// reserved capacity beforehand and persists the array wholesale.
func (g groupRef) appendEntry(sl entrySlot) {
	i := g.nrEntries()

	e := g.entry(i)
	clear(e.bytes())
	e.setSlot(0, sl.minKey, sl.bucket, slotMeta(1))

	putU32(g.bytes(), grpOffNrEntries, uint32(i+1))
}

// retrain refits the group model from its current entries. Used after a
// tree expansion has filled the group.
func (g groupRef) retrain() error {
	n := g.nrEntries()
	if n == 0 {
		return nil
	}

	sb := learnidx.NewSampledBuilder(groupStride(n))

	for i := 0; i < n; i++ {
		sb.Add(g.entry(i).entryKey(), i)
	}

	m := sb.Build()

	buf := g.bytes()
	putU64(buf, grpOffMinKey, g.entry(0).entryKey())
	putF64(buf, grpOffSlope, m.Slope)
	putF64(buf, grpOffIntercept, m.Intercept)

	return g.s.durCommon.Persist(g.off, groupRecSize)
}

// groupSlotIter yields every valid slot of every entry, in order. Tree
// expansion flattens groups through it.
type groupSlotIter struct {
	g     groupRef
	i     int
	slots []entrySlot
	j     int
}

func newGroupSlotIter(g groupRef) *groupSlotIter {
	it := &groupSlotIter{g: g}
	it.load()

	return it
}

func (it *groupSlotIter) load() {
	for it.i < it.g.nrEntries() {
		it.slots = it.g.entry(it.i).slots()
		it.j = 0

		if len(it.slots) > 0 {
			return
		}

		it.i++
	}
}

func (it *groupSlotIter) end() bool {
	return it.i >= it.g.nrEntries()
}

func (it *groupSlotIter) slot() entrySlot {
	return it.slots[it.j]
}

func (it *groupSlotIter) next() {
	it.j++
	if it.j >= len(it.slots) {
		it.i++
		it.load()
	}
}

// groupIter walks a group's pairs in key order.
type groupIter struct {
	g   groupRef
	idx int
	eit *bentryIter
}

func newGroupIterAt(g groupRef, start uint64) *groupIter {
	it := &groupIter{g: g}

	if g.nrEntries() == 0 {
		it.idx = 0

		return it
	}

	it.idx = g.findEntry(start)
	it.eit = newBEntryIterAt(g.entry(it.idx), start)
	it.skipEmpty()

	return it
}

func (it *groupIter) skipEmpty() {
	for it.eit.end() {
		it.idx++
		if it.idx >= it.g.nrEntries() {
			return
		}

		it.eit = newBEntryIter(it.g.entry(it.idx))
	}
}

func (it *groupIter) end() bool {
	return it.g.nrEntries() == 0 || it.idx >= it.g.nrEntries()
}

func (it *groupIter) kv() KV {
	return it.eit.kv()
}

func (it *groupIter) next() {
	it.eit.next()
	it.skipEmpty()
}
