package pmem

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// LTAR file format constants.
const (
	// Magic bytes at the start of every arena file.
	arenaMagic = "LTAR"

	// File format version.
	arenaVersion = 1

	// The header occupies the first cache line; allocations start after it.
	arenaHeaderSize = CacheLineSize
)

// Header field offsets (bytes from file start).
const (
	offMagic   = 0x00 // [4]byte
	offVersion = 0x04 // uint32
	offSize    = 0x08 // uint64
	offNext    = 0x10 // uint64
	offClean   = 0x18 // uint32
	offCRC32C  = 0x1C // uint32
	// Bytes 0x20 through 0x3F are reserved and must be zero.
)

// arenaHeader is the decoded form of the 64-byte arena header.
type arenaHeader struct {
	Magic   [4]byte
	Version uint32
	Size    uint64
	Next    uint64
	Clean   uint32
	CRC32C  uint32
}

func encodeArenaHeader(h *arenaHeader) []byte {
	buf := make([]byte, arenaHeaderSize)

	copy(buf[offMagic:], h.Magic[:])
	binary.LittleEndian.PutUint32(buf[offVersion:], h.Version)
	binary.LittleEndian.PutUint64(buf[offSize:], h.Size)
	binary.LittleEndian.PutUint64(buf[offNext:], h.Next)
	binary.LittleEndian.PutUint32(buf[offClean:], h.Clean)

	crc := computeArenaHeaderCRC(buf)
	binary.LittleEndian.PutUint32(buf[offCRC32C:], crc)

	return buf
}

func decodeArenaHeader(buf []byte) arenaHeader {
	var h arenaHeader

	copy(h.Magic[:], buf[offMagic:offMagic+4])
	h.Version = binary.LittleEndian.Uint32(buf[offVersion:])
	h.Size = binary.LittleEndian.Uint64(buf[offSize:])
	h.Next = binary.LittleEndian.Uint64(buf[offNext:])
	h.Clean = binary.LittleEndian.Uint32(buf[offClean:])
	h.CRC32C = binary.LittleEndian.Uint32(buf[offCRC32C:])

	return h
}

// computeArenaHeaderCRC calculates the CRC32-C of the header with the crc
// field treated as zero.
func computeArenaHeaderCRC(buf []byte) uint32 {
	tmp := make([]byte, arenaHeaderSize)
	copy(tmp, buf)

	for i := offCRC32C; i < offCRC32C+4; i++ {
		tmp[i] = 0
	}

	return crc32.Checksum(tmp, crc32.MakeTable(crc32.Castagnoli))
}

// Arena is a single memory-mapped file with a bump allocator over it.
//
// Allocation methods are safe for concurrent use. The byte slices handed
// out by [Arena.Bytes] alias the mapping directly; coordinating reads and
// writes over them is the caller's job.
//
// An Arena must be obtained via [Map]; the zero value is not usable.
type Arena struct {
	_ [0]func() // prevent external construction

	mu sync.Mutex

	fd   int
	data []byte
	size uint64
	path string

	next   uint64
	leaked uint64

	pageSize uint64
	isClosed bool
}

// Map opens or creates the arena file at path with the given size.
//
// A new file is sized with ftruncate and initialized with a fresh header.
// An existing file must have exactly the requested size and a valid
// header; its bump cursor is restored from the header.
//
// Possible errors:
//   - [ErrInvalidInput]: size out of range
//   - [ErrIncompatible]: existing file has a different size or version
//   - [ErrCorrupt]: existing file has a damaged header
//   - syscall errors: open, ftruncate, mmap failures
func Map(path string, size int64) (*Arena, error) {
	if path == "" {
		return nil, fmt.Errorf("path is required: %w", ErrInvalidInput)
	}

	if size < minArenaSize {
		return nil, fmt.Errorf("size %d below minimum %d: %w", size, minArenaSize, ErrInvalidInput)
	}

	if size > maxArenaSize {
		return nil, fmt.Errorf("size %d exceeds max %d: %w", size, maxArenaSize, ErrInvalidInput)
	}

	if uint64(size) > maxOffset {
		return nil, fmt.Errorf("size %d exceeds offset encoding: %w", size, ErrInvalidInput)
	}

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		_ = unix.Close(fd)

		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	isNew := stat.Size == 0

	if isNew {
		if err := unix.Ftruncate(fd, size); err != nil {
			_ = unix.Close(fd)

			return nil, fmt.Errorf("truncate %s to %d: %w", path, size, err)
		}
	} else if stat.Size != size {
		_ = unix.Close(fd)

		return nil, fmt.Errorf("file size %d != requested %d: %w", stat.Size, size, ErrIncompatible)
	}

	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)

		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}

	a := &Arena{
		fd:       fd,
		data:     data,
		size:     uint64(size),
		path:     path,
		pageSize: uint64(os.Getpagesize()),
	}

	if isNew {
		a.next = arenaHeaderSize
		if err := a.writeHeader(1); err != nil {
			a.unmapAndClose()

			return nil, err
		}

		return a, nil
	}

	h := decodeArenaHeader(data[:arenaHeaderSize])

	if string(h.Magic[:]) != arenaMagic {
		a.unmapAndClose()

		return nil, fmt.Errorf("bad magic %q: %w", h.Magic[:], ErrIncompatible)
	}

	if h.Version != arenaVersion {
		a.unmapAndClose()

		return nil, fmt.Errorf("version %d != %d: %w", h.Version, arenaVersion, ErrIncompatible)
	}

	if h.CRC32C != computeArenaHeaderCRC(data[:arenaHeaderSize]) {
		a.unmapAndClose()

		return nil, fmt.Errorf("header crc mismatch: %w", ErrCorrupt)
	}

	if h.Size != uint64(size) {
		a.unmapAndClose()

		return nil, fmt.Errorf("header size %d != file size %d: %w", h.Size, size, ErrCorrupt)
	}

	if h.Next < arenaHeaderSize || h.Next > h.Size {
		a.unmapAndClose()

		return nil, fmt.Errorf("cursor %d outside [%d, %d]: %w", h.Next, arenaHeaderSize, h.Size, ErrCorrupt)
	}

	a.next = h.Next

	// Mark the file in-use until Close records a clean shutdown again.
	if err := a.writeHeader(0); err != nil {
		a.unmapAndClose()

		return nil, err
	}

	return a, nil
}

// writeHeader encodes the current cursor into the header line and syncs it.
func (a *Arena) writeHeader(clean uint32) error {
	h := arenaHeader{
		Version: arenaVersion,
		Size:    a.size,
		Next:    a.next,
		Clean:   clean,
	}
	copy(h.Magic[:], arenaMagic)

	copy(a.data[:arenaHeaderSize], encodeArenaHeader(&h))

	return a.sync(0, arenaHeaderSize)
}

func (a *Arena) unmapAndClose() {
	if a.data != nil {
		_ = unix.Munmap(a.data)
		a.data = nil
	}

	if a.fd >= 0 {
		_ = unix.Close(a.fd)
		a.fd = -1
	}
}

// Close records the cursor, marks the shutdown clean, and releases the
// mapping. Close is idempotent.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.isClosed {
		return nil
	}

	a.isClosed = true

	err := a.writeHeader(1)
	a.unmapAndClose()

	return err
}

// Alloc reserves n bytes and returns their offset.
//
// Sizes are rounded up to 8 bytes so that every returned offset keeps its
// low bit clear (the null marker). O(1).
//
// Possible errors: [ErrClosed], [ErrInvalidInput], [ErrArenaFull].
func (a *Arena) Alloc(n uint64) (Offset, error) {
	return a.AllocAligned(n, 8)
}

// AllocAligned reserves n bytes at a multiple of align.
//
// align must be a power of two between 8 and the page size. The padding
// skipped to reach alignment is unrecoverable, like any non-tail free.
//
// Possible errors: [ErrClosed], [ErrInvalidInput], [ErrArenaFull].
func (a *Arena) AllocAligned(n, align uint64) (Offset, error) {
	if n == 0 || n > maxAlloc {
		return NullOffset, fmt.Errorf("alloc size %d: %w", n, ErrInvalidInput)
	}

	if align < 8 || align > a.pageSize || align&(align-1) != 0 {
		return NullOffset, fmt.Errorf("alignment %d: %w", align, ErrInvalidInput)
	}

	n = roundUp8(n)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.isClosed {
		return NullOffset, ErrClosed
	}

	pad := (align - a.next%align) % align

	if a.size-a.next < pad+n {
		return NullOffset, fmt.Errorf("%d bytes requested, %d free in %s: %w",
			pad+n, a.size-a.next, a.path, ErrArenaFull)
	}

	a.leaked += pad
	p := a.next + pad
	a.next = p + n

	return Offset(p), nil
}

// Free releases the n bytes at off.
//
// If the region is the most recent allocation the cursor retracts;
// otherwise the bytes are only counted as leaked. Freeing NullOffset is a
// no-op.
func (a *Arena) Free(off Offset, n uint64) {
	if off.IsNull() || n == 0 {
		return
	}

	n = roundUp8(n)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.isClosed {
		return
	}

	if uint64(off)+n == a.next {
		a.next = uint64(off)

		return
	}

	a.leaked += n
}

// Bytes returns the mapped bytes [off, off+n).
//
// The slice aliases the mapping; it stays valid until Close. Passing a
// null or out-of-range offset is a programming error and panics, the same
// way an out-of-range slice index does.
func (a *Arena) Bytes(off Offset, n uint64) []byte {
	if off.IsNull() {
		panic("pmem: Bytes on null offset")
	}

	end := uint64(off) + n
	if uint64(off) < arenaHeaderSize || end > a.size || end < uint64(off) {
		panic(fmt.Sprintf("pmem: Bytes [%d, %d) outside arena of size %d", off, end, a.size))
	}

	return a.data[off:end]
}

// Used returns the bytes consumed by the bump cursor, header included.
func (a *Arena) Used() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.next
}

// Leaked returns the bytes freed out of order plus alignment padding.
func (a *Arena) Leaked() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.leaked
}

// Size returns the total mapped size.
func (a *Arena) Size() uint64 {
	return a.size
}

// Path returns the backing file path.
func (a *Arena) Path() string {
	return a.path
}

// CheckpointCursor persists the current cursor into the header so a clean
// reopen resumes from it. Called by owners at publish points.
func (a *Arena) CheckpointCursor() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.isClosed {
		return ErrClosed
	}

	return a.writeHeader(0)
}

// sync writes back the pages overlapping [off, off+n).
func (a *Arena) sync(off, n uint64) error {
	if n == 0 {
		return nil
	}

	start := off &^ (a.pageSize - 1)

	end := off + n
	if rem := end % a.pageSize; rem != 0 {
		end += a.pageSize - rem
	}

	if end > a.size {
		end = a.size
	}

	if err := unix.Msync(a.data[start:end], unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync [%d, %d) of %s: %w: %v", start, end, a.path, ErrWriteback, err)
	}

	return nil
}

func roundUp8(n uint64) uint64 {
	return (n + 7) &^ 7
}
