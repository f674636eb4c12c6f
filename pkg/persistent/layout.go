package persistent

import "encoding/binary"

// Reference is the offset of a block from the start of the segment. It is
// the only form in which a block may be stored inside the segment, since
// addresses differ between processes.
type Reference uint32

const (
	// ReferenceNull is never a valid block.
	ReferenceNull Reference = 0
	// referenceQueue is the sentinel block heading the iterable list.
	referenceQueue Reference = offQueue
)

const (
	// TypeIDAny matches every type in typed lookups.
	TypeIDAny uint32 = 0x00000000
	// TypeIDTransitioning marks a block whose type is being changed.
	TypeIDTransitioning uint32 = 0xFFFFFFFF
)

const (
	// SizeAny accepts a block of any size in array lookups.
	SizeAny = 1
	// AllocAlignment is the alignment of every block and payload.
	AllocAlignment = 8
	// SegmentMaxSize is the largest segment an allocator manages.
	SegmentMaxSize = 1 << 30
	// FileExtension is the conventional suffix for allocator files.
	FileExtension = ".pma"
)

const (
	globalCookie  uint32 = 0x408305DC
	globalVersion uint32 = 3
	oldVersion    uint32 = 2

	blockCookieFree      uint32 = 0
	blockCookieQueue     uint32 = 1
	blockCookieWasted    uint32 = 0x4B594F52
	blockCookieAllocated uint32 = 0xC8799269

	flagCorrupt uint32 = 1 << 0
	flagFull    uint32 = 1 << 1
)

// Segment metadata, 64 bytes at offset 0.
const (
	offCookie      = 0
	offSize        = 4
	offPageSize    = 8
	offVersion     = 12
	offID          = 16
	offName        = 24
	offMemoryState = 32
	offFlags       = 36
	offFreeptr     = 40
	offTailptr     = 44
	offQueue       = 48

	metadataSize = 64
)

// Block header, 16 bytes in front of every payload.
const (
	blkSize   = 0
	blkCookie = 4
	blkType   = 8
	blkNext   = 12

	blockHeaderSize = 16
)

// MemoryState is the one-byte lifecycle marker kept in the metadata.
type MemoryState uint8

const (
	MemoryUninitialized MemoryState = 0
	MemoryInitialized   MemoryState = 1
	// MemoryDeleted asks whoever finds the segment to discard it.
	MemoryDeleted MemoryState = 2
	// MemoryCompleted means the owner finished writing.
	MemoryCompleted MemoryState = 3
	// MemoryUserDefined is the first state free for application use.
	MemoryUserDefined MemoryState = 100
)

// AccessMode controls what an allocator may do to its segment.
type AccessMode int

const (
	// ReadOnly never writes to the segment.
	ReadOnly AccessMode = iota
	// ReadWrite initializes the segment when it is empty.
	ReadWrite
	// ReadWriteExisting writes only to a segment that is already initialized.
	ReadWriteExisting
)

func (m AccessMode) String() string {
	switch m {
	case ReadOnly:
		return "read-only"
	case ReadWrite:
		return "read-write"
	case ReadWriteExisting:
		return "read-write-existing"
	}
	return "unknown"
}

// MemoryInfo reports the capacity of a segment.
type MemoryInfo struct {
	Total uint64
	Free  uint64
}

// stateShift locates the memory state byte inside the 32-bit word at
// offMemoryState.
var stateShift = func() uint {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], 1)
	if b[0] == 1 {
		return 0
	}
	return 24
}()

func alignUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}
