package letree

import (
	"encoding/binary"
	"hash/crc32"
	"math"

	"github.com/calvinalkan/letree/pkg/pmem"
)

// On-file layout constants. All integers are little-endian. The three
// mapped files hold:
//
//	common — root record, model parameter blobs, group records
//	data   — pointer-entry arrays
//	clevel — buckets
//
// A six-byte packed offset always refers to the file the pointed-to
// structure lives in; the record kind implies which file that is.

// Bucket layout (clevel file). One bucket is 256 bytes, 256-aligned:
//
//	0x00  next    uint64   packed offset of the next bucket, null-marked
//	0x08  header  uint64   valid uint16 | entries uint16 | maxEntries uint16
//	0x10  records 15 × { key uint64, value uint64 }
//
// Records are unsorted; an insert touches one record plus the header. The
// header is written last on every mutation: a crash before the header
// flush leaves the record invisible. A zero header marks a tombstoned
// bucket awaiting the next rewrite.
const (
	bucketSize       = 256
	bucketAlign      = 256
	bucketMaxEntries = 15

	bucketOffNext    = 0x00
	bucketOffHeader  = 0x08
	bucketOffRecords = 0x10

	bucketRecordSize = 16
)

// Pointer-entry layout (data file). One entry is 64 bytes, 64-aligned,
// four 16-byte slots:
//
//	slot i at 16*i:
//	  0x00  minKey uint64
//	  0x08  packed uint64   bucket offset in low 48 bits, meta uint16 above
//
// meta bit 0 is the slot valid bit. Bits 8–15 of slot 0's meta hold the
// number of valid slots. Slot 0 sits in the first 16 bytes so a reader
// can test the entry's key without touching the rest of the line.
const (
	bentrySize  = 64
	bentryAlign = 64
	bentrySlots = 4

	bentrySlotSize = 16

	bentryMetaValid = uint16(1)
)

// Group record layout (common file). 64 bytes:
//
//	0x00  nrEntries  uint32   pointer entries in use
//	0x04  nextCount  uint32   entry count after the next rebuild
//	0x08  minKey     uint64
//	0x10  entryOff   uint64   packed offset of the entry array (data file)
//	0x18  slope      float64  group linear model
//	0x20  intercept  float64
//	0x28  capacity   uint32   allocated entry slots
//	0x2C..0x3F reserved
const (
	groupRecSize = 64

	grpOffNrEntries = 0x00
	grpOffNextCount = 0x04
	grpOffMinKey    = 0x08
	grpOffEntryOff  = 0x10
	grpOffSlope     = 0x18
	grpOffIntercept = 0x20
	grpOffCapacity  = 0x28
)

// Root record layout (common file). The first allocation in the common
// file is a pair of root slots, one cache line each. A publish writes
// the complete new record into the slot that is not current and persists
// it; open picks the CRC-valid slot with the highest expansion count.
// The current root is therefore never overwritten, so a crash mid-publish
// leaves it authoritative:
//
//	0x00  magic        [4]byte "LTRT"
//	0x04  version      uint32
//	0x08  nrGroups     uint32
//	0x0C  perGroup     uint32   entries-per-group the layout was built for
//	0x10  groupOff     uint64   packed offset of the group array (common file)
//	0x18  modelOff     uint64   packed offset of the model blob (common file)
//	0x20  modelParams  uint32   float64 count in the blob
//	0x24  modelKeys    uint32   training set size of the model
//	0x28  expansions   uint64
//	0x30  crc          uint32   CRC32-C of bytes 0x00–0x2F
const (
	rootMagic   = "LTRT"
	rootVersion = 1

	rootRecSize = 64

	rootOffMagic       = 0x00
	rootOffVersion     = 0x04
	rootOffNrGroups    = 0x08
	rootOffPerGroup    = 0x0C
	rootOffGroupOff    = 0x10
	rootOffModelOff    = 0x18
	rootOffModelParams = 0x20
	rootOffModelKeys   = 0x24
	rootOffExpansions  = 0x28
	rootOffCRC32C      = 0x30
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// rootCRC covers everything before the crc field.
func rootCRC(rec []byte) uint32 {
	return crc32.Checksum(rec[:rootOffCRC32C], castagnoli)
}

func getU16(b []byte, off int) uint16 {
	return binary.LittleEndian.Uint16(b[off:])
}

func putU16(b []byte, off int, v uint16) {
	binary.LittleEndian.PutUint16(b[off:], v)
}

func getU32(b []byte, off int) uint32 {
	return binary.LittleEndian.Uint32(b[off:])
}

func putU32(b []byte, off int, v uint32) {
	binary.LittleEndian.PutUint32(b[off:], v)
}

func getU64(b []byte, off int) uint64 {
	return binary.LittleEndian.Uint64(b[off:])
}

func putU64(b []byte, off int, v uint64) {
	binary.LittleEndian.PutUint64(b[off:], v)
}

func getF64(b []byte, off int) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(b[off:]))
}

func putF64(b []byte, off int, v float64) {
	binary.LittleEndian.PutUint64(b[off:], math.Float64bits(v))
}

// packSlot combines a bucket offset and slot meta into one word.
func packSlot(off pmem.Offset, meta uint16) uint64 {
	return off.Pack48() | uint64(meta)<<48
}

func unpackSlotOff(packed uint64) pmem.Offset {
	return pmem.Unpack48(packed)
}

func unpackSlotMeta(packed uint64) uint16 {
	return uint16(packed >> 48)
}

// slotMeta builds a slot meta word: valid bit plus, for slot 0, the
// count of valid slots in bits 8–15.
func slotMeta(count int) uint16 {
	return bentryMetaValid | uint16(count)<<8
}

func metaCount(meta uint16) int {
	return int(meta >> 8)
}

func metaValid(meta uint16) bool {
	return meta&bentryMetaValid != 0
}
