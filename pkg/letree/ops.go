package letree

import "fmt"

// findGroup routes key to its group: root model prediction scaled by the
// entries-per-group target, then a linear walk left until the group's
// first entry key is <= key, skipping empty groups.
func (s *Store) findGroup(layout *treeLayout, key uint64) int {
	n := layout.rec.NrGroups

	gid := clampInt(layout.model.Predict(key)/layout.rec.PerGroup, 0, n-1)

	for gid > 0 {
		empty, first := s.groupProbe(layout, gid)
		if !empty && key >= first {
			break
		}

		gid--
	}

	for gid < n-1 {
		empty, _ := s.groupProbe(layout, gid)
		if !empty {
			break
		}

		gid++
	}

	return gid
}

// groupProbe reads a group's routing facts under its read lock.
func (s *Store) groupProbe(layout *treeLayout, i int) (empty bool, firstKey uint64) {
	lock := &layout.locks[i]
	lock.RLock()
	defer lock.RUnlock()

	g := layout.group(s, i)
	if g.nrEntries() == 0 {
		return true, 0
	}

	return false, g.entry(0).entryKey()
}

// waitExpansion blocks until the in-progress root rebuild publishes.
func (s *Store) waitExpansion() {
	s.expandMu.Lock()
	defer s.expandMu.Unlock()

	for s.expanding.Load() {
		s.expandCond.Wait()
	}
}

// Put inserts or overwrites key.
//
// An insert that fills a bucket splits it; a split that fills a pointer
// entry rebuilds the group; a group at its entry bound rebuilds the
// root. All of that stays internal — Put reports only whether the key
// was new.
//
// Possible errors: [ErrClosed], [ErrCapacity].
func (s *Store) Put(key, value uint64) (PutResult, error) {
	if err := s.checkOpen(); err != nil {
		return Inserted, err
	}

	s.metrics.puts.Inc()

	for {
		if s.expanding.Load() {
			if ob := s.overflow.Load(); ob != nil {
				res := Inserted
				if _, found, _ := s.getLocked(key); found {
					res = Updated
				}

				ob.put(key, value)

				if s.overflow.Load() != ob {
					// The rebuild drained while we staged; apply through
					// the new layout instead. A duplicate apply is
					// harmless: same key, same value.
					continue
				}

				// The live count moves when the buffer replays, not now.
				return res, nil
			}

			s.waitExpansion()

			continue
		}

		layout := s.layout.Load()
		gid := s.findGroup(layout, key)

		lock := &layout.locks[gid]
		lock.Lock()

		// The flag or the layout may have moved between the load and the
		// lock; routing decisions from a stale layout are worthless.
		if s.expanding.Load() || s.layout.Load() != layout {
			lock.Unlock()

			continue
		}

		st, err := layout.group(s, gid).put(key, value)
		if err != nil {
			lock.Unlock()

			return Inserted, err
		}

		if st == statusExists {
			_, err := layout.group(s, gid).update(key, value)
			lock.Unlock()

			return Updated, err
		}

		lock.Unlock()

		if st == statusFull {
			if err := s.expandTree(); err != nil {
				return Inserted, err
			}

			continue
		}

		s.liveCount.Add(1)

		return Inserted, nil
	}
}

// Get returns the value stored under key.
//
// The lookup is two-phase: a predict-only fast probe of the predicted
// group, then the predict-and-correct slow path only when the probe
// cannot answer.
//
// Possible errors: [ErrClosed].
func (s *Store) Get(key uint64) (uint64, bool, error) {
	if err := s.checkOpen(); err != nil {
		return 0, false, err
	}

	s.metrics.gets.Inc()

	v, found, err := s.getLocked(key)

	return v, found, err
}

func (s *Store) getLocked(key uint64) (uint64, bool, error) {
	if s.expanding.Load() {
		if ob := s.overflow.Load(); ob != nil {
			if v, ok, deleted := ob.get(key); ok {
				return v, true, nil
			} else if deleted {
				return 0, false, nil
			}
		}
	}

	layout := s.layout.Load()
	n := layout.rec.NrGroups

	// Fast path: probe the predicted group only.
	gid := clampInt(layout.model.Predict(key)/layout.rec.PerGroup, 0, n-1)

	lock := &layout.locks[gid]
	lock.RLock()

	v, st, ok := layout.group(s, gid).fastFail(key)

	lock.RUnlock()

	if ok {
		return v, st == statusOK, nil
	}

	// Slow path: correct the prediction, then probe.
	gid = s.findGroup(layout, key)

	lock = &layout.locks[gid]
	lock.RLock()

	v, st = layout.group(s, gid).get(key)

	lock.RUnlock()

	return v, st == statusOK, nil
}

// Update overwrites the value of an existing key.
//
// Possible errors: [ErrClosed], [ErrNotFound].
func (s *Store) Update(key, value uint64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	s.metrics.updates.Inc()

	for {
		if s.expanding.Load() {
			if ob := s.overflow.Load(); ob != nil {
				if _, found, _ := s.getLocked(key); !found {
					return ErrNotFound
				}

				ob.put(key, value)

				if s.overflow.Load() != ob {
					continue
				}

				return nil
			}

			s.waitExpansion()

			continue
		}

		layout := s.layout.Load()
		gid := s.findGroup(layout, key)

		lock := &layout.locks[gid]
		lock.Lock()

		if s.expanding.Load() || s.layout.Load() != layout {
			lock.Unlock()

			continue
		}

		st, err := layout.group(s, gid).update(key, value)
		lock.Unlock()

		if err != nil {
			return err
		}

		if st == statusNoExist {
			return ErrNotFound
		}

		return nil
	}
}

// Delete removes key.
//
// The slot is tombstoned by swapping the last record down; the vacated
// record slot is reused by the next insert into that bucket, and the
// bucket itself is never freed.
//
// Possible errors: [ErrClosed], [ErrNotFound].
func (s *Store) Delete(key uint64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	s.metrics.deletes.Inc()

	for {
		if s.expanding.Load() {
			if ob := s.overflow.Load(); ob != nil {
				if _, found, _ := s.getLocked(key); !found {
					return ErrNotFound
				}

				ob.del(key)

				if s.overflow.Load() != ob {
					continue
				}

				// The live count moves when the buffer replays, not now.
				return nil
			}

			s.waitExpansion()

			continue
		}

		layout := s.layout.Load()
		gid := s.findGroup(layout, key)

		lock := &layout.locks[gid]
		lock.Lock()

		if s.expanding.Load() || s.layout.Load() != layout {
			lock.Unlock()

			continue
		}

		st, err := layout.group(s, gid).del(key)
		lock.Unlock()

		if err != nil {
			return err
		}

		if st == statusNoExist {
			return ErrNotFound
		}

		s.liveCount.Add(-1)

		return nil
	}
}

// Scan returns up to max pairs with keys >= start, in ascending key
// order. Pairs are copied out; every returned pair was present at some
// instant during the scan, but the scan is not a snapshot.
//
// Possible errors: [ErrClosed], [ErrInvalidInput].
func (s *Store) Scan(start uint64, max int) ([]KV, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	if max < 0 || max > maxScanLimit {
		return nil, fmt.Errorf("scan limit %d outside [0, %d]: %w", max, maxScanLimit, ErrInvalidInput)
	}

	s.metrics.scans.Inc()

	if max == 0 {
		return nil, nil
	}

	layout := s.layout.Load()
	n := layout.rec.NrGroups

	out := make([]KV, 0, min(max, 1024))

	from := start

	for gid := s.findGroup(layout, start); gid < n && len(out) < max; gid++ {
		lock := &layout.locks[gid]
		lock.RLock()

		for it := newGroupIterAt(layout.group(s, gid), from); !it.end() && len(out) < max; it.next() {
			if kv := it.kv(); kv.Key >= start {
				out = append(out, kv)
			}
		}

		lock.RUnlock()

		// Later groups are read from their beginning.
		from = 0
	}

	return out, nil
}
