package persistent

import (
	"sync/atomic"
	"unsafe"
)

// DelayedAllocation creates a block the first time it is needed. The
// reference slot is shared by every user of the same logical object and
// may itself live in the segment; goroutines or processes racing on it
// converge on one block and the losing allocations are retired.
type DelayedAllocation struct {
	a      *Allocator
	slot   *atomic.Uint32
	typeID uint32
	size   uint32
	offset uint32
}

// NewDelayedAllocation describes a block of size bytes and type typeID
// whose reference is kept in slot. Get returns the payload from offset on.
func NewDelayedAllocation(a *Allocator, slot *atomic.Uint32, typeID uint32, size, offset int) *DelayedAllocation {
	if size <= 0 || offset < 0 || offset >= size || uint64(size) > SegmentMaxSize {
		return nil
	}
	return &DelayedAllocation{a: a, slot: slot, typeID: typeID, size: uint32(size), offset: uint32(offset)}
}

// SlotAt views the four bytes at b as a reference slot. b must be 4-byte
// aligned, as every offset that is a multiple of 4 within a payload is.
func SlotAt(b []byte) *atomic.Uint32 {
	if len(b) < 4 || uintptr(unsafe.Pointer(unsafe.SliceData(b)))%4 != 0 {
		return nil
	}
	return (*atomic.Uint32)(unsafe.Pointer(unsafe.SliceData(b)))
}

// Get returns the payload, allocating it on first use. It returns nil when
// the allocator is full or the stored reference is unusable.
func (d *DelayedAllocation) Get() []byte {
	ref := Reference(d.slot.Load())
	if ref == ReferenceNull {
		ref = d.a.Allocate(int(d.size), d.typeID)
		if ref == ReferenceNull {
			return nil
		}
		if !d.slot.CompareAndSwap(0, uint32(ref)) {
			// Someone else won; retire our block and use theirs.
			d.a.ChangeType(ref, 0, d.typeID, false)
			ref = Reference(d.slot.Load())
		}
	}
	b := d.a.GetBlockData(ref, d.typeID, int(d.size))
	if b == nil {
		return nil
	}
	return b[d.offset:d.size]
}

// Reference is the block behind the allocation, or ReferenceNull if it has
// not been created yet.
func (d *DelayedAllocation) Reference() Reference {
	return Reference(d.slot.Load())
}
