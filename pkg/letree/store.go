package letree

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/calvinalkan/letree/pkg/learnidx"
	"github.com/calvinalkan/letree/pkg/pmem"
)

// The three mapped files inside a store directory.
const (
	commonFileName = "common"
	dataFileName   = "data"
	bucketFileName = "clevel"
)

// Store is a handle to an open store directory.
//
// Point and scan operations are safe for concurrent use. A Store must be
// obtained via [Open]; the zero value is not usable.
type Store struct {
	_ [0]func() // prevent external construction

	opts Options

	common  *pmem.Arena // root slots, model blobs, group records
	data    *pmem.Arena // pointer-entry arrays
	buckets *pmem.Arena // bucket pool

	durCommon  pmem.Durable
	durData    pmem.Durable
	durBuckets pmem.Durable

	metrics *storeMetrics
	lock    *storeLock

	// mu protects isClosed. RWMutex because isClosed is read on every
	// operation but written only on Close.
	mu       sync.RWMutex
	isClosed bool

	// layout is the published (root model, group array) pair. Swapped
	// wholesale at the end of a tree expansion; readers acquire it with
	// an atomic load.
	layout atomic.Pointer[treeLayout]

	liveCount atomic.Int64

	// Expansion coordination. expanding gates writers; under
	// ExpansionBlock they wait on expandCond, under ExpansionBuffer they
	// divert into overflow.
	expanding  atomic.Bool
	expandMu   sync.Mutex
	expandCond *sync.Cond
	overflow   atomic.Pointer[overflowBuffer]
	rootSlot   int // root slot the current layout was read from
}

// treeLayout is one published version of the tree: the trained root
// model, the group array it indexes, and the per-group locks. Immutable
// except for the group contents behind the locks.
type treeLayout struct {
	rec   rootRec
	model *learnidx.RMI
	locks []sync.RWMutex
}

func (t *treeLayout) group(s *Store, i int) groupRef {
	return groupRef{s: s, off: t.rec.GroupOff.Add(uint64(i) * groupRecSize)}
}

// Open opens or creates the store at opts.Dir.
//
// A missing directory is created and initialized empty. An existing
// directory is validated against opts and reopened at its last published
// root.
//
// Possible errors:
//   - [ErrInvalidInput]: invalid options
//   - [ErrIncompatible]: directory created with different options
//   - [ErrCorrupt]: damaged manifest, arena header, or root record
//   - [ErrBusy]: another process holds the store lock
//   - syscall errors: mkdir, open, mmap failures
func Open(opts Options) (*Store, error) {
	opts = opts.withDefaults()

	if err := opts.validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", opts.Dir, err)
	}

	s := &Store{opts: opts}
	s.expandCond = sync.NewCond(&s.expandMu)

	var err error

	s.metrics, err = newStoreMetrics(opts.Metrics)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	if !opts.DisableLocking {
		s.lock, err = acquireStoreLock(opts.Dir)
		if err != nil {
			return nil, err
		}
	}

	fail := func(err error) (*Store, error) {
		s.closeArenas()
		s.lock.release()

		return nil, err
	}

	m, haveManifest, err := readManifest(opts.Dir)
	if err != nil {
		return fail(err)
	}

	if haveManifest {
		if err := checkManifest(m, opts); err != nil {
			return fail(err)
		}
	}

	if err := s.mapArenas(); err != nil {
		return fail(err)
	}

	if haveManifest {
		if err := s.reopen(m); err != nil {
			return fail(err)
		}
	} else {
		if err := s.initEmpty(); err != nil {
			return fail(err)
		}
	}

	// Mark the directory in-use until Close records a clean shutdown.
	if err := s.syncManifest(false); err != nil {
		return fail(err)
	}

	return s, nil
}

func (s *Store) mapArenas() error {
	var err error

	s.common, err = pmem.Map(filepath.Join(s.opts.Dir, commonFileName), s.opts.CommonFileSize)
	if err != nil {
		return mapArenaErr(err)
	}

	s.data, err = pmem.Map(filepath.Join(s.opts.Dir, dataFileName), s.opts.DataFileSize)
	if err != nil {
		return mapArenaErr(err)
	}

	s.buckets, err = pmem.Map(filepath.Join(s.opts.Dir, bucketFileName), s.opts.BucketFileSize)
	if err != nil {
		return mapArenaErr(err)
	}

	if s.opts.Durability == DurabilityNone {
		s.durCommon = pmem.NoopDurable{}
		s.durData = pmem.NoopDurable{}
		s.durBuckets = pmem.NoopDurable{}
	} else {
		s.durCommon = pmem.NewSyncDurable(s.common)
		s.durData = pmem.NewSyncDurable(s.data)
		s.durBuckets = pmem.NewSyncDurable(s.buckets)
	}

	return nil
}

func (s *Store) closeArenas() {
	for _, a := range []*pmem.Arena{s.common, s.data, s.buckets} {
		if a != nil {
			_ = a.Close()
		}
	}
}

// initEmpty lays out a fresh store: the root slot pair, one group, one
// pointer entry, one empty bucket.
func (s *Store) initEmpty() error {
	pairOff, err := s.common.AllocAligned(rootSlotCount*rootRecSize, pmem.CacheLineSize)
	if err != nil {
		return mapArenaErr(err)
	}

	if pairOff != rootPairOff {
		return fmt.Errorf("root pair at %d, want %d: %w", pairOff, rootPairOff, ErrCorrupt)
	}

	groupOff, err := s.common.AllocAligned(groupRecSize, pmem.CacheLineSize)
	if err != nil {
		return mapArenaErr(err)
	}

	b, err := newBucket(s)
	if err != nil {
		return err
	}

	arrOff, err := s.data.AllocAligned(bentrySize, bentryAlign)
	if err != nil {
		return mapArenaErr(err)
	}

	e := bentryRef{s: s, off: arrOff}
	if err := e.initSingle(0, b.off); err != nil {
		return err
	}

	g := groupRef{s: s, off: groupOff}
	if err := g.writeRecord(1, 1, 1, 0, arrOff, learnidx.LinearModel{}); err != nil {
		return err
	}

	model := learnidx.TrainRMI([]uint64{0}, learnidx.RMIConfig{})

	modelOff, nParams, err := s.writeModelBlob(model)
	if err != nil {
		return err
	}

	rec := rootRec{
		NrGroups:    1,
		PerGroup:    s.opts.EntriesPerGroup,
		GroupOff:    groupOff,
		ModelOff:    modelOff,
		ModelParams: nParams,
		ModelKeys:   model.Len(),
		Expansions:  0,
	}

	if err := s.writeRootSlot(0, rec); err != nil {
		return err
	}

	s.rootSlot = 0
	s.installLayout(rec, model)

	return nil
}

// reopen restores the layout from the best published root.
func (s *Store) reopen(m manifest) error {
	rec, slot, err := s.readBestRoot()
	if err != nil {
		return err
	}

	if rec.PerGroup != s.opts.EntriesPerGroup {
		return fmt.Errorf("root entries_per_group %d != %d: %w",
			rec.PerGroup, s.opts.EntriesPerGroup, ErrIncompatible)
	}

	model, err := s.readModelBlob(rec)
	if err != nil {
		return err
	}

	s.rootSlot = slot
	s.installLayout(rec, model)
	s.liveCount.Store(int64(m.Elements))

	return nil
}

func (s *Store) installLayout(rec rootRec, model *learnidx.RMI) {
	s.layout.Store(&treeLayout{
		rec:   rec,
		model: model,
		locks: make([]sync.RWMutex, rec.NrGroups),
	})
}

// syncManifest rewrites the manifest to match the current state.
func (s *Store) syncManifest(clean bool) error {
	return writeManifest(s.opts.Dir, manifest{
		Format:          manifestFormat,
		CommonSize:      s.opts.CommonFileSize,
		DataSize:        s.opts.DataFileSize,
		BucketSize:      s.opts.BucketFileSize,
		EntriesPerGroup: s.opts.EntriesPerGroup,
		Elements:        uint64(s.liveCount.Load()),
		CleanClose:      clean,
	})
}

// Close records a clean shutdown and releases the mappings and the lock.
// Close is idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isClosed {
		return nil
	}

	s.isClosed = true

	err := s.syncManifest(true)

	for _, a := range []*pmem.Arena{s.common, s.data, s.buckets} {
		if cerr := a.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}

	s.lock.release()

	return err
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.isClosed {
		return ErrClosed
	}

	return nil
}

// Len returns the number of live keys.
func (s *Store) Len() int {
	return int(s.liveCount.Load())
}

// Stats is a point-in-time snapshot of store internals.
type Stats struct {
	Elements   int
	Groups     int
	Expansions uint64

	CommonUsed  uint64
	DataUsed    uint64
	BucketsUsed uint64

	CommonLeaked  uint64
	DataLeaked    uint64
	BucketsLeaked uint64
}

// Stats returns a snapshot of store internals.
func (s *Store) Stats() Stats {
	layout := s.layout.Load()

	return Stats{
		Elements:      int(s.liveCount.Load()),
		Groups:        layout.rec.NrGroups,
		Expansions:    layout.rec.Expansions,
		CommonUsed:    s.common.Used(),
		DataUsed:      s.data.Used(),
		BucketsUsed:   s.buckets.Used(),
		CommonLeaked:  s.common.Leaked(),
		DataLeaked:    s.data.Leaked(),
		BucketsLeaked: s.buckets.Leaked(),
	}
}

// mapArenaErr converts pmem sentinel errors to their letree equivalents
// so callers only ever classify against this package's errors.
func mapArenaErr(err error) error {
	switch {
	case errors.Is(err, pmem.ErrArenaFull):
		return fmt.Errorf("%w: %v", ErrCapacity, err)
	case errors.Is(err, pmem.ErrCorrupt):
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	case errors.Is(err, pmem.ErrIncompatible):
		return fmt.Errorf("%w: %v", ErrIncompatible, err)
	default:
		return err
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}

	if v > hi {
		return hi
	}

	return v
}
