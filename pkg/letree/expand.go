package letree

import (
	"errors"
	"fmt"

	"github.com/calvinalkan/letree/pkg/learnidx"
	"github.com/calvinalkan/letree/pkg/pmem"
)

// oldGroupSpace remembers a pre-rebuild allocation so it can be freed
// after the new layout publishes.
type oldGroupSpace struct {
	entryOff pmem.Offset
	capacity int
}

// expandTree rebuilds the root out of place: flatten every pointer-entry
// slot of every group, retrain the root model over the flattened entry
// keys, redistribute the slots into a fresh group array sized to the
// entries-per-group target, and publish the new root record.
//
// No bucket is copied — only the 16-byte slots that point at them.
//
// Exactly one caller runs the rebuild; the expanding flag routes
// concurrent writers to the wait queue or the overflow buffer per
// [Options.ExpansionPolicy]. Readers keep using the old layout until the
// publish, which is a single root-slot write.
func (s *Store) expandTree() error {
	if !s.expanding.CompareAndSwap(false, true) {
		// Another writer is already rebuilding; fall in with the rest.
		if s.opts.ExpansionPolicy == ExpansionBlock {
			s.waitExpansion()
		}

		return nil
	}

	if s.opts.ExpansionPolicy == ExpansionBuffer {
		s.overflow.Store(newOverflowBuffer())
	}

	err := s.expandTreeLocked()

	ob := s.overflow.Load()
	s.overflow.Store(nil)

	s.expandMu.Lock()
	s.expanding.Store(false)
	s.expandCond.Broadcast()
	s.expandMu.Unlock()

	if err != nil {
		return err
	}

	s.metrics.treeExpands.Inc()

	if ob != nil {
		if rerr := s.replayOverflow(ob); rerr != nil {
			return rerr
		}
	}

	return nil
}

func (s *Store) expandTreeLocked() error {
	layout := s.layout.Load()
	n := layout.rec.NrGroups
	perGroup := layout.rec.PerGroup

	// Phase 1: flatten. Each group is locked only while its own slots
	// are copied out, so readers of other groups never stall.
	var (
		slots []entrySlot
		olds  []oldGroupSpace
	)

	for i := 0; i < n; i++ {
		lock := &layout.locks[i]
		lock.Lock()

		g := layout.group(s, i)

		if g.nrEntries() > 0 {
			if err := g.entry(0).adjustEntryKey(); err != nil {
				lock.Unlock()

				return err
			}

			for it := newGroupSlotIter(g); !it.end(); it.next() {
				slots = append(slots, it.slot())
			}

			olds = append(olds, oldGroupSpace{entryOff: g.entryOff(), capacity: g.capacity()})
		}

		lock.Unlock()
	}

	count := len(slots)

	trainKeys := make([]uint64, count)
	for i, sl := range slots {
		trainKeys[i] = sl.minKey
	}

	model := learnidx.TrainRMI(trainKeys, learnidx.RMIConfig{})

	newNr := max((count+perGroup-1)/perGroup, 1)

	// Phase 2: lay out the new groups.
	newGroupOff, err := s.common.AllocAligned(uint64(newNr)*groupRecSize, pmem.CacheLineSize)
	if err != nil {
		return fmt.Errorf("alloc %d groups: %w", newNr, mapArenaErr(err))
	}

	newGroup := func(i int) groupRef {
		return groupRef{s: s, off: newGroupOff.Add(uint64(i) * groupRecSize)}
	}

	for i := 0; i < newNr; i++ {
		clear(newGroup(i).bytes())
	}

	route := func(key uint64) int {
		return clampInt(model.Predict(key)/perGroup, 0, newNr-1)
	}

	// Pre-count so each group reserves exactly once.
	for _, sl := range slots {
		g := newGroup(route(sl.minKey))
		g.setNextCount(g.nextCount() + 1)
	}

	for i := 0; i < newNr; i++ {
		g := newGroup(i)

		if g.nextCount() == 0 {
			if err := g.writeRecord(0, 0, 0, 0, pmem.NullOffset, learnidx.LinearModel{}); err != nil {
				return err
			}

			continue
		}

		if err := g.reserve(); err != nil {
			return err
		}
	}

	for _, sl := range slots {
		newGroup(route(sl.minKey)).appendEntry(sl)
	}

	for i := 0; i < newNr; i++ {
		g := newGroup(i)

		ne := g.nrEntries()
		if ne == 0 {
			continue
		}

		if err := s.durData.Persist(g.entryOff(), uint64(ne)*bentrySize); err != nil {
			return err
		}

		if err := g.retrain(); err != nil {
			return err
		}
	}

	// Phase 3: publish, then release the old layout's space.
	if err := s.publishRoot(newNr, newGroupOff, model); err != nil {
		return err
	}

	for _, old := range olds {
		s.data.Free(old.entryOff, uint64(old.capacity)*bentrySize)
	}

	s.common.Free(layout.rec.GroupOff, uint64(n)*groupRecSize)
	s.common.Free(layout.rec.ModelOff, uint64(layout.rec.ModelParams)*8)

	return nil
}

// publishRoot persists the model blob and the new root record into the
// inactive slot, then swaps the in-memory layout. The root-slot persist
// is the last durable write of the structures it points to, so a crash
// anywhere earlier leaves the old root authoritative.
func (s *Store) publishRoot(nrGroups int, groupOff pmem.Offset, model *learnidx.RMI) error {
	modelOff, nParams, err := s.writeModelBlob(model)
	if err != nil {
		return err
	}

	cur := s.layout.Load()

	rec := rootRec{
		NrGroups:    nrGroups,
		PerGroup:    s.opts.EntriesPerGroup,
		GroupOff:    groupOff,
		ModelOff:    modelOff,
		ModelParams: nParams,
		ModelKeys:   model.Len(),
		Expansions:  cur.rec.Expansions + 1,
	}

	slot := (s.rootSlot + 1) % rootSlotCount

	if err := s.writeRootSlot(slot, rec); err != nil {
		return err
	}

	s.rootSlot = slot
	s.installLayout(rec, model)

	// Best-effort bookkeeping after the publish: cursor checkpoints and
	// the manifest only speed up reopen, they do not gate correctness.
	for _, a := range []*pmem.Arena{s.common, s.data, s.buckets} {
		if err := a.CheckpointCursor(); err != nil {
			return err
		}
	}

	return s.syncManifest(false)
}

// replayOverflow applies the writes staged during the rebuild through
// the freshly published layout.
func (s *Store) replayOverflow(ob *overflowBuffer) error {
	for _, op := range ob.drain() {
		if op.delete {
			if err := s.Delete(op.key); err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}

			continue
		}

		if _, err := s.Put(op.key, op.value); err != nil {
			return err
		}
	}

	return nil
}
