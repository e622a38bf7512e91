package pmem_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/calvinalkan/letree/pkg/pmem"
)

const testArenaSize = 1 << 20

func newTestArena(t *testing.T) *pmem.Arena {
	t.Helper()

	a, err := pmem.Map(filepath.Join(t.TempDir(), "arena"), testArenaSize)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}

	t.Cleanup(func() { _ = a.Close() })

	return a
}

func Test_Arena_Hands_Out_Disjoint_Regions_In_Order(t *testing.T) {
	t.Parallel()

	a := newTestArena(t)

	first, err := a.Alloc(100)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	second, err := a.Alloc(100)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	if first.IsNull() || second.IsNull() {
		t.Fatal("valid allocations must not be null")
	}

	// 100 rounds up to 104 for the null-marker alignment.
	if got, want := uint64(second)-uint64(first), uint64(104); got != want {
		t.Fatalf("allocation spacing = %d, want %d", got, want)
	}

	buf := a.Bytes(first, 100)

	for i := range buf {
		buf[i] = byte(i)
	}

	if got := a.Bytes(second, 100)[0]; got != 0 {
		t.Fatalf("second allocation dirty: %d", got)
	}
}

func Test_Arena_AllocAligned_Pads_To_Requested_Alignment(t *testing.T) {
	t.Parallel()

	a := newTestArena(t)

	if _, err := a.Alloc(24); err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	off, err := a.AllocAligned(64, 64)
	if err != nil {
		t.Fatalf("AllocAligned: %v", err)
	}

	if uint64(off)%64 != 0 {
		t.Fatalf("offset %d not 64-aligned", off)
	}
}

func Test_Arena_Free_Retracts_Only_The_Most_Recent_Allocation(t *testing.T) {
	t.Parallel()

	a := newTestArena(t)

	first, err := a.Alloc(64)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	second, err := a.Alloc(64)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	usedBefore := a.Used()

	// Tail free retracts.
	a.Free(second, 64)

	if got := a.Used(); got != usedBefore-64 {
		t.Fatalf("Used after tail free = %d, want %d", got, usedBefore-64)
	}

	// Reallocation reuses the retracted space.
	again, err := a.Alloc(64)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	if again != second {
		t.Fatalf("realloc at %d, want retracted %d", again, second)
	}

	// Non-tail free only leaks.
	a.Free(first, 64)

	if got := a.Leaked(); got != 64 {
		t.Fatalf("Leaked = %d, want 64", got)
	}
}

func Test_Arena_Returns_Full_When_Cursor_Would_Pass_End(t *testing.T) {
	t.Parallel()

	a := newTestArena(t)

	// The header line already consumed 64 bytes, so a full-size request
	// cannot fit.
	if _, err := a.Alloc(testArenaSize); !errors.Is(err, pmem.ErrArenaFull) {
		t.Fatalf("err = %v, want ErrArenaFull", err)
	}

	// A fitting allocation still succeeds afterwards.
	if _, err := a.Alloc(64); err != nil {
		t.Fatalf("Alloc after full: %v", err)
	}
}

func Test_Arena_Reopen_Restores_Cursor_And_Contents_After_Clean_Close(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "arena")

	a, err := pmem.Map(path, testArenaSize)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}

	off, err := a.Alloc(128)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	copy(a.Bytes(off, 128), "persisted payload")

	usedBefore := a.Used()

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, err := pmem.Map(path, testArenaSize)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b.Close()

	if got := b.Used(); got != usedBefore {
		t.Fatalf("Used after reopen = %d, want %d", got, usedBefore)
	}

	if got := string(b.Bytes(off, 17)); got != "persisted payload" {
		t.Fatalf("contents after reopen = %q", got)
	}

	// The cursor resumed, so the next allocation lands after the payload.
	next, err := b.Alloc(8)
	if err != nil {
		t.Fatalf("Alloc after reopen: %v", err)
	}

	if uint64(next) < uint64(off)+128 {
		t.Fatalf("allocation at %d overlaps preserved region ending %d", next, uint64(off)+128)
	}
}

func Test_Arena_Rejects_Size_Mismatch_On_Reopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "arena")

	a, err := pmem.Map(path, testArenaSize)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := pmem.Map(path, testArenaSize*2); !errors.Is(err, pmem.ErrIncompatible) {
		t.Fatalf("err = %v, want ErrIncompatible", err)
	}
}

func Test_Arena_Rejects_Invalid_Sizes_And_Alignments(t *testing.T) {
	t.Parallel()

	if _, err := pmem.Map(filepath.Join(t.TempDir(), "a"), 16); !errors.Is(err, pmem.ErrInvalidInput) {
		t.Fatalf("tiny size err = %v, want ErrInvalidInput", err)
	}

	a := newTestArena(t)

	if _, err := a.Alloc(0); !errors.Is(err, pmem.ErrInvalidInput) {
		t.Fatalf("zero alloc err = %v, want ErrInvalidInput", err)
	}

	if _, err := a.AllocAligned(8, 3); !errors.Is(err, pmem.ErrInvalidInput) {
		t.Fatalf("non-power-of-two align err = %v, want ErrInvalidInput", err)
	}
}

func Test_Arena_Methods_Fail_After_Close(t *testing.T) {
	t.Parallel()

	a, err := pmem.Map(filepath.Join(t.TempDir(), "arena"), testArenaSize)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Close is idempotent.
	if err := a.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if _, err := a.Alloc(8); !errors.Is(err, pmem.ErrClosed) {
		t.Fatalf("Alloc err = %v, want ErrClosed", err)
	}
}

func Test_Offset_Null_Marker_Uses_The_Low_Bit(t *testing.T) {
	t.Parallel()

	if !pmem.NullOffset.IsNull() {
		t.Fatal("NullOffset must be null")
	}

	if pmem.Offset(64).IsNull() {
		t.Fatal("aligned offset must not be null")
	}

	if got := pmem.Unpack48(pmem.Offset(0x1234).Pack48()); got != pmem.Offset(0x1234) {
		t.Fatalf("pack round trip = %d", got)
	}
}

func Test_SyncDurable_Flush_And_Fence_Complete_Without_Error(t *testing.T) {
	t.Parallel()

	a := newTestArena(t)
	d := pmem.NewSyncDurable(a)

	off, err := a.Alloc(256)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	copy(a.Bytes(off, 256), "line one")

	// Adjacent flushes coalesce; the fence syncs them all.
	d.Flush(off, 64)
	d.Flush(off.Add(64), 64)
	d.Flush(off.Add(192), 64)

	if err := d.Fence(); err != nil {
		t.Fatalf("Fence: %v", err)
	}

	if err := d.Persist(off, 256); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	// Noop backend accepts the same sequence.
	var noop pmem.NoopDurable

	noop.Flush(off, 64)

	if err := noop.Fence(); err != nil {
		t.Fatalf("noop Fence: %v", err)
	}
}
