package letree

import (
	"fmt"

	"github.com/calvinalkan/letree/pkg/learnidx"
	"github.com/calvinalkan/letree/pkg/pmem"
)

// The root pair is always the first allocation in the common file, so
// reopen finds it without a pointer: the arena header occupies the first
// cache line and the two root slots the next two.
const (
	rootPairOff   = pmem.Offset(64)
	rootSlotCount = 2
)

// rootRec is the decoded form of one root slot.
type rootRec struct {
	NrGroups    int
	PerGroup    int
	GroupOff    pmem.Offset
	ModelOff    pmem.Offset
	ModelParams int
	ModelKeys   int
	Expansions  uint64
}

func rootSlotOff(slot int) pmem.Offset {
	return rootPairOff.Add(uint64(slot) * rootRecSize)
}

// writeRootSlot encodes rec into the given slot and persists it. This is
// the publish point: callers write into the slot that is not current, so
// the current root survives any crash before the persist completes.
func (s *Store) writeRootSlot(slot int, rec rootRec) error {
	buf := s.common.Bytes(rootSlotOff(slot), rootRecSize)

	clear(buf)
	copy(buf[rootOffMagic:], rootMagic)
	putU32(buf, rootOffVersion, rootVersion)
	putU32(buf, rootOffNrGroups, uint32(rec.NrGroups))
	putU32(buf, rootOffPerGroup, uint32(rec.PerGroup))
	putU64(buf, rootOffGroupOff, uint64(rec.GroupOff))
	putU64(buf, rootOffModelOff, uint64(rec.ModelOff))
	putU32(buf, rootOffModelParams, uint32(rec.ModelParams))
	putU32(buf, rootOffModelKeys, uint32(rec.ModelKeys))
	putU64(buf, rootOffExpansions, rec.Expansions)
	putU32(buf, rootOffCRC32C, rootCRC(buf))

	return s.durCommon.Persist(rootSlotOff(slot), rootRecSize)
}

// readRootSlot decodes one slot, reporting whether it is valid.
func (s *Store) readRootSlot(slot int) (rootRec, bool) {
	buf := s.common.Bytes(rootSlotOff(slot), rootRecSize)

	if string(buf[rootOffMagic:rootOffMagic+4]) != rootMagic {
		return rootRec{}, false
	}

	if getU32(buf, rootOffVersion) != rootVersion {
		return rootRec{}, false
	}

	if getU32(buf, rootOffCRC32C) != rootCRC(buf) {
		return rootRec{}, false
	}

	return rootRec{
		NrGroups:    int(getU32(buf, rootOffNrGroups)),
		PerGroup:    int(getU32(buf, rootOffPerGroup)),
		GroupOff:    pmem.Offset(getU64(buf, rootOffGroupOff)),
		ModelOff:    pmem.Offset(getU64(buf, rootOffModelOff)),
		ModelParams: int(getU32(buf, rootOffModelParams)),
		ModelKeys:   int(getU32(buf, rootOffModelKeys)),
		Expansions:  getU64(buf, rootOffExpansions),
	}, true
}

// readBestRoot returns the valid slot with the highest expansion count.
func (s *Store) readBestRoot() (rootRec, int, error) {
	best := -1

	var bestRec rootRec

	for slot := 0; slot < rootSlotCount; slot++ {
		rec, ok := s.readRootSlot(slot)
		if !ok {
			continue
		}

		if best == -1 || rec.Expansions > bestRec.Expansions {
			best, bestRec = slot, rec
		}
	}

	if best == -1 {
		return rootRec{}, 0, fmt.Errorf("no valid root slot: %w", ErrCorrupt)
	}

	return bestRec, best, nil
}

// writeModelBlob persists the flattened model parameters and returns
// their offset and count.
func (s *Store) writeModelBlob(r *learnidx.RMI) (pmem.Offset, int, error) {
	params := r.Params()

	off, err := s.common.Alloc(uint64(len(params)) * 8)
	if err != nil {
		return pmem.NullOffset, 0, fmt.Errorf("alloc model blob: %w", mapArenaErr(err))
	}

	buf := s.common.Bytes(off, uint64(len(params))*8)
	for i, p := range params {
		putF64(buf, i*8, p)
	}

	return off, len(params), s.durCommon.Persist(off, uint64(len(params))*8)
}

// readModelBlob rebuilds the root model from a root record.
func (s *Store) readModelBlob(rec rootRec) (*learnidx.RMI, error) {
	if rec.ModelParams <= 0 {
		return nil, fmt.Errorf("model blob with %d params: %w", rec.ModelParams, ErrCorrupt)
	}

	buf := s.common.Bytes(rec.ModelOff, uint64(rec.ModelParams)*8)

	params := make([]float64, rec.ModelParams)
	for i := range params {
		params[i] = getF64(buf, i*8)
	}

	r, err := learnidx.RMIFromParams(params, rec.ModelKeys)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	return r, nil
}
