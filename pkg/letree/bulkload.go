package letree

import (
	"fmt"

	"github.com/calvinalkan/letree/pkg/learnidx"
	"github.com/calvinalkan/letree/pkg/pmem"
)

// BulkLoad seeds an empty store from sorted, distinct pairs.
//
// The root model trains first; every pair is then assigned to a group by
// the model's prediction, each group's share is pre-counted, and the
// groups are loaded with consecutive runs of the input — one pointer
// entry and one bucket per pair.
//
// Preconditions: pairs sorted by key ascending, keys distinct, store
// empty. Violations return [ErrInvalidInput].
//
// Possible errors: [ErrClosed], [ErrInvalidInput], [ErrCapacity].
func (s *Store) BulkLoad(pairs []KV) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	if len(pairs) == 0 {
		return nil
	}

	if len(pairs) > maxBulkLoad {
		return fmt.Errorf("%d pairs exceeds max %d: %w", len(pairs), maxBulkLoad, ErrInvalidInput)
	}

	if s.liveCount.Load() != 0 {
		return fmt.Errorf("bulk load into non-empty store: %w", ErrInvalidInput)
	}

	keys := make([]uint64, len(pairs))
	for i, kv := range pairs {
		if i > 0 && kv.Key <= pairs[i-1].Key {
			return fmt.Errorf("pairs not sorted and distinct at index %d: %w", i, ErrInvalidInput)
		}

		keys[i] = kv.Key
	}

	model := learnidx.TrainRMI(keys, learnidx.RMIConfig{})

	perGroup := s.opts.EntriesPerGroup

	nrGroups := max(len(pairs)/perGroup, 1)

	// Pre-count each group's share. Predictions are monotone in the key,
	// so each group's pairs form one consecutive run of the input.
	counts := make([]int, nrGroups)
	for _, k := range keys {
		counts[clampInt(model.Predict(k)/perGroup, 0, nrGroups-1)]++
	}

	groupOff, err := s.common.AllocAligned(uint64(nrGroups)*groupRecSize, pmem.CacheLineSize)
	if err != nil {
		return fmt.Errorf("alloc %d groups: %w", nrGroups, mapArenaErr(err))
	}

	start := 0

	for i, c := range counts {
		g := groupRef{s: s, off: groupOff.Add(uint64(i) * groupRecSize)}

		if c == 0 {
			if err := g.writeRecord(0, 0, 0, 0, pmem.NullOffset, learnidx.LinearModel{}); err != nil {
				return err
			}

			continue
		}

		if err := g.bulkLoad(pairs[start : start+c]); err != nil {
			return err
		}

		start += c
	}

	if err := s.publishRoot(nrGroups, groupOff, model); err != nil {
		return err
	}

	s.liveCount.Store(int64(len(pairs)))

	return s.syncManifest(false)
}
