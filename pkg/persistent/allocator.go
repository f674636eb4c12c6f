package persistent

import (
	"errors"
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/shmem/internal/logger"
	internalshm "github.com/srediag/shmem/internal/shm"
)

var pmaLogger = logger.New("persistent", nil)

// ErrUnacceptableMemory is returned when a segment is misaligned, too
// small, too large, or not a whole number of pages.
var ErrUnacceptableMemory = errors.New("persistent: unacceptable memory segment")

// Allocator hands out blocks from a fixed segment of memory that may be
// shared with other processes. It never frees: blocks are retyped instead.
// All state lives in the segment itself, so any number of Allocators, in
// this or other processes, may operate on the same memory concurrently.
type Allocator struct {
	mem      []byte
	memSize  uint32
	memPage  uint32
	vmPage   uint32
	mode     AccessMode
	corrupt  atomic.Bool
	flushFn  func(length uint32, sync bool) error
	usedHist prometheus.Histogram
	errors   prometheus.Counter
}

// IsMemoryAcceptable reports whether mem can back an allocator.
func IsMemoryAcceptable(mem []byte, pageSize int, readonly bool) bool {
	if len(mem) == 0 || uintptr(unsafe.Pointer(&mem[0]))%AllocAlignment != 0 {
		return false
	}
	size := len(mem)
	if size < metadataSize || size > SegmentMaxSize {
		return false
	}
	if size%AllocAlignment != 0 && !readonly {
		return false
	}
	if pageSize < 0 || (pageSize != 0 && size%pageSize != 0 && !readonly) {
		return false
	}
	return true
}

// NewAllocator manages mem. An all-zero segment opened ReadWrite is
// initialized with id and name; an initialized segment is attached to and
// its id and name are ignored. Any inconsistency found is reported through
// IsCorrupt rather than as an error. A pageSize of zero disables the
// page-boundary rule.
func NewAllocator(mem []byte, pageSize int, id uint64, name string, mode AccessMode) (*Allocator, error) {
	readonly := mode == ReadOnly
	if !IsMemoryAcceptable(mem, pageSize, readonly) {
		return nil, ErrUnacceptableMemory
	}
	a := &Allocator{
		mem:     mem,
		memSize: uint32(len(mem)),
		memPage: uint32(pageSize),
		vmPage:  uint32(os.Getpagesize()),
		mode:    mode,
	}
	if a.memPage == 0 {
		a.memPage = a.memSize
	}

	if a.load(offCookie) != globalCookie {
		if mode != ReadWrite {
			a.setCorrupt(false)
			return a, nil
		}
		a.initialize(id, name)
		return a, nil
	}

	// Only a full writer may record corruption found while attaching.
	allowWrite := mode == ReadWrite
	if a.load(offSize) == 0 ||
		(a.load(offVersion) != globalVersion && a.load(offVersion) != oldVersion) ||
		a.load(offFreeptr) == 0 ||
		a.load(offTailptr) == 0 ||
		a.load(offQueue+blkCookie) == 0 ||
		a.load(offQueue+blkNext) == 0 {
		a.setCorrupt(allowWrite)
	}
	if !readonly {
		// The segment may have been created smaller than this mapping.
		if size := a.load(offSize); size != 0 && size < a.memSize {
			a.memSize = size
		}
		if page := a.load(offPageSize); page != 0 && page < a.memPage {
			a.memPage = page
		}
		if !IsMemoryAcceptable(a.mem[:a.memSize], int(a.memPage), false) {
			a.setCorrupt(allowWrite)
		}
	}
	return a, nil
}

func (a *Allocator) initialize(id uint64, name string) {
	dirty := false
	for _, b := range a.mem[:metadataSize] {
		if b != 0 {
			dirty = true
			break
		}
	}
	if a.memSize >= metadataSize+blockHeaderSize {
		for _, b := range a.mem[metadataSize : metadataSize+blockHeaderSize] {
			if b != 0 {
				dirty = true
				break
			}
		}
	}
	if dirty {
		pmaLogger.Errorf("segment has no cookie but is not empty")
		a.setCorrupt(true)
	}

	a.store(offCookie, globalCookie)
	a.store(offSize, a.memSize)
	a.store(offPageSize, a.memPage)
	a.store(offVersion, globalVersion)
	internalshm.AtomicStoreUint64(a.ptr(offID), id)
	a.cas(offFreeptr, 0, metadataSize)

	a.store(offQueue+blkSize, blockHeaderSize)
	a.store(offQueue+blkCookie, blockCookieQueue)
	a.store(offQueue+blkNext, uint32(referenceQueue))
	a.store(offTailptr, uint32(referenceQueue))

	if name != "" {
		ref := a.Allocate(len(name)+1, 0)
		if b := a.GetBlockData(ref, 0, len(name)+1); b != nil {
			copy(b, name)
			a.store(offName, uint32(ref))
		}
	}
	a.SetMemoryState(MemoryInitialized)
}

func (a *Allocator) ptr(off uint32) unsafe.Pointer {
	return unsafe.Pointer(&a.mem[off])
}

func (a *Allocator) load(off uint32) uint32 {
	return internalshm.AtomicLoadUint32(a.ptr(off))
}

func (a *Allocator) store(off, v uint32) {
	internalshm.AtomicStoreUint32(a.ptr(off), v)
}

func (a *Allocator) cas(off, old, v uint32) bool {
	return internalshm.AtomicCompareAndSwapUint32(a.ptr(off), old, v)
}

func (a *Allocator) setFlag(flag uint32) {
	atomic.OrUint32((*uint32)(a.ptr(offFlags)), flag)
}

func (a *Allocator) checkFlag(flag uint32) bool {
	return a.load(offFlags)&flag != 0
}

// Id returns the identifier the segment was created with.
func (a *Allocator) Id() uint64 {
	return internalshm.AtomicLoadUint64(a.ptr(offID))
}

// Name returns the name the segment was created with, or "".
func (a *Allocator) Name() string {
	b := a.GetBlockData(Reference(a.load(offName)), 0, SizeAny)
	if len(b) == 0 {
		return ""
	}
	n := 0
	for n < len(b)-1 && b[n] != 0 {
		n++
	}
	return string(b[:n])
}

// Version is the layout version found in, or written to, the segment.
func (a *Allocator) Version() uint32 { return a.load(offVersion) }

func (a *Allocator) IsReadonly() bool { return a.mode == ReadOnly }

// Data is the managed segment.
func (a *Allocator) Data() []byte { return a.mem[:a.memSize] }

func (a *Allocator) Size() int { return int(a.memSize) }

func (a *Allocator) PageSize() int { return int(a.memPage) }

// Used is the number of bytes from the start of the segment that have ever
// been handed out, metadata included.
func (a *Allocator) Used() int {
	return int(min(a.load(offFreeptr), a.memSize))
}

// SetMemoryState records state in the segment and flushes the metadata.
func (a *Allocator) SetMemoryState(state MemoryState) {
	if a.mode == ReadOnly {
		return
	}
	word := (*uint32)(a.ptr(offMemoryState))
	mask := uint32(0xFF) << stateShift
	for {
		old := atomic.LoadUint32(word)
		if atomic.CompareAndSwapUint32(word, old, old&^mask|uint32(state)<<stateShift) {
			break
		}
	}
	a.flushPartial(metadataSize, false)
}

func (a *Allocator) MemoryState() MemoryState {
	return MemoryState(a.load(offMemoryState) >> stateShift)
}

// MemoryInfo reports the segment size and the largest payload that could
// still be allocated if there were no page boundaries.
func (a *Allocator) MemoryInfo() MemoryInfo {
	remaining := uint32(blockHeaderSize)
	if freeptr := a.load(offFreeptr); freeptr < a.memSize && a.memSize-freeptr > blockHeaderSize {
		remaining = a.memSize - freeptr
	}
	return MemoryInfo{Total: uint64(a.memSize), Free: uint64(remaining - blockHeaderSize)}
}

// SetCorrupt marks the allocator corrupt. Unless the allocator is read-only
// the mark is also stored in the segment, where every other process sees it.
func (a *Allocator) SetCorrupt() {
	a.setCorrupt(true)
}

func (a *Allocator) setCorrupt(allowWrite bool) {
	if !a.corrupt.Load() && !a.checkFlag(flagCorrupt) {
		pmaLogger.Errorf("corruption detected in segment of %d bytes", a.memSize)
		if a.errors != nil {
			a.errors.Inc()
		}
	}
	a.corrupt.Store(true)
	if allowWrite && a.mode != ReadOnly {
		a.setFlag(flagCorrupt)
	}
}

// IsCorrupt reports whether this or any other allocator on the segment
// found it inconsistent. Once true it stays true.
func (a *Allocator) IsCorrupt() bool {
	if a.corrupt.Load() {
		return true
	}
	if a.checkFlag(flagCorrupt) {
		a.corrupt.Store(true)
		return true
	}
	return false
}

// IsFull reports whether an allocation has failed for lack of space.
func (a *Allocator) IsFull() bool {
	return a.checkFlag(flagFull)
}

// Allocate reserves size bytes, zeroed, and returns the block's reference
// or ReferenceNull. The block carries typeID but is not iterable; see
// MakeIterable. Readers find payloads through the type, so a caller that
// fills the payload after allocation should allocate with type zero and
// publish the real type with ChangeType once the payload is written.
func (a *Allocator) Allocate(size int, typeID uint32) Reference {
	ref, _ := a.allocate(size, typeID)
	return ref
}

// Reserve allocates an untyped block to be filled before Publish.
func (a *Allocator) Reserve(size int) Reference {
	return a.Allocate(size, TypeIDAny)
}

// Publish gives a reserved block its type and makes it iterable.
func (a *Allocator) Publish(ref Reference, typeID uint32) bool {
	if !a.ChangeType(ref, typeID, TypeIDAny, false) {
		return false
	}
	a.MakeIterable(ref)
	return true
}

func (a *Allocator) allocate(reqSize int, typeID uint32) (Reference, uint32) {
	if a.mode == ReadOnly {
		pmaLogger.Warnf("allocate on a read-only allocator")
		return ReferenceNull, 0
	}
	if reqSize < 0 || uint64(reqSize) > SegmentMaxSize-blockHeaderSize {
		pmaLogger.Warnf("allocation of %d bytes is too large", reqSize)
		return ReferenceNull, 0
	}
	want := uint32(alignUp(uint64(reqSize)+blockHeaderSize, AllocAlignment))
	if want <= blockHeaderSize || want > a.memPage {
		pmaLogger.Warnf("allocation of %d bytes does not fit a page of %d", reqSize, a.memPage)
		return ReferenceNull, 0
	}

	freeptr := a.load(offFreeptr)
	for {
		if a.IsCorrupt() {
			return ReferenceNull, 0
		}
		if uint64(freeptr)+uint64(want) > uint64(a.memSize) {
			a.setFlag(flagFull)
			return ReferenceNull, 0
		}
		block, _, ok := a.getBlock(Reference(freeptr), 0, 0, false, true)
		if !ok {
			a.SetCorrupt()
			return ReferenceNull, 0
		}

		size := want
		pageFree := a.memPage - freeptr%a.memPage
		if size > pageFree {
			if pageFree <= blockHeaderSize {
				a.SetCorrupt()
				return ReferenceNull, 0
			}
			if a.cas(offFreeptr, freeptr, freeptr+pageFree) {
				a.store(block+blkSize, pageFree)
				a.store(block+blkCookie, blockCookieWasted)
			}
			freeptr = a.load(offFreeptr)
			continue
		}
		// A remainder too small for another block goes with this one.
		if pageFree-size < blockHeaderSize+AllocAlignment {
			size = pageFree
			if uint64(freeptr)+uint64(size) > uint64(a.memSize) {
				a.SetCorrupt()
				return ReferenceNull, 0
			}
		}

		if !a.cas(offFreeptr, freeptr, freeptr+size) {
			freeptr = a.load(offFreeptr)
			continue
		}

		if a.load(block+blkSize) != 0 || a.load(block+blkCookie) != blockCookieFree ||
			a.load(block+blkType) != 0 || a.load(block+blkNext) != 0 {
			a.SetCorrupt()
			return ReferenceNull, 0
		}
		// Touch each fresh page so later writes never fault on it.
		for p := alignUp(uint64(block)+blockHeaderSize, uint64(a.vmPage)); p < uint64(block)+uint64(size); p += uint64(a.vmPage) {
			a.mem[p] = 0
		}

		a.store(block+blkSize, size)
		a.store(block+blkCookie, blockCookieAllocated)
		a.store(block+blkType, typeID)
		return Reference(freeptr), size - blockHeaderSize
	}
}

// getBlock validates ref and returns the offset of its header and its
// payload size. freeOK accepts a block that has not been allocated yet and
// queueOK accepts the list head.
func (a *Allocator) getBlock(ref Reference, typeID uint32, size uint32, queueOK, freeOK bool) (uint32, uint32, bool) {
	if ref == referenceQueue && queueOK {
		return uint32(ref), 0, true
	}
	if ref < metadataSize || ref%AllocAlignment != 0 {
		return 0, 0, false
	}
	if uint64(ref)+uint64(size)+blockHeaderSize > uint64(a.memSize) {
		return 0, 0, false
	}
	off := uint32(ref)
	if freeOK {
		return off, 0, true
	}
	if a.load(off+blkCookie) != blockCookieAllocated {
		return 0, 0, false
	}
	bsize := a.load(off + blkSize)
	if uint64(bsize) < uint64(size)+blockHeaderSize {
		return 0, 0, false
	}
	if uint64(off)+uint64(bsize) > uint64(a.memSize) {
		a.SetCorrupt()
		return 0, 0, false
	}
	if typeID != TypeIDAny && a.load(off+blkType) != typeID {
		return 0, 0, false
	}
	return off, bsize - blockHeaderSize, true
}

// GetBlockData returns the payload of ref if it is an allocated block of
// at least size bytes with type typeID (any type for TypeIDAny), else nil.
// The slice spans the whole payload.
func (a *Allocator) GetBlockData(ref Reference, typeID uint32, size int) []byte {
	if size < 0 || uint64(size) > SegmentMaxSize {
		return nil
	}
	off, allocSize, ok := a.getBlock(ref, typeID, uint32(size), false, false)
	if !ok {
		return nil
	}
	start := off + blockHeaderSize
	return a.mem[start : start+allocSize : start+allocSize]
}

// AllocSize is the payload size of ref, or zero.
func (a *Allocator) AllocSize(ref Reference) int {
	_, allocSize, ok := a.getBlock(ref, TypeIDAny, 0, false, false)
	if !ok {
		return 0
	}
	return int(allocSize)
}

// GetType returns the type of ref, or zero for an invalid reference.
func (a *Allocator) GetType(ref Reference) uint32 {
	off, _, ok := a.getBlock(ref, TypeIDAny, 0, false, false)
	if !ok {
		return 0
	}
	return a.load(off + blkType)
}

// ChangeType moves ref from type from to type to, failing if the current
// type is not from. With clear the payload is zeroed while the block is
// marked TypeIDTransitioning, so no reader sees a half-cleared object.
func (a *Allocator) ChangeType(ref Reference, to, from uint32, clear bool) bool {
	if a.mode == ReadOnly {
		return false
	}
	off, allocSize, ok := a.getBlock(ref, TypeIDAny, 0, false, false)
	if !ok {
		return false
	}
	typeOff := off + blkType
	if !clear {
		return a.cas(typeOff, from, to)
	}
	if !a.cas(typeOff, from, TypeIDTransitioning) {
		return false
	}
	// Word-sized atomic stores keep concurrent readers race free.
	for p := off + blockHeaderSize; p+4 <= off+blockHeaderSize+allocSize; p += 4 {
		a.store(p, 0)
	}
	if to == TypeIDTransitioning {
		return true
	}
	if !a.cas(typeOff, TypeIDTransitioning, to) {
		// Only this caller may leave the transitioning state.
		a.SetCorrupt()
		return false
	}
	return true
}

// MakeIterable appends ref to the list walked by iterators. Appending a
// block twice is a no-op.
func (a *Allocator) MakeIterable(ref Reference) {
	if a.mode == ReadOnly || a.IsCorrupt() {
		return
	}
	off, _, ok := a.getBlock(ref, TypeIDAny, 0, false, false)
	if !ok {
		return
	}
	// Claim the block by pointing it at the list head.
	if !a.cas(off+blkNext, 0, uint32(referenceQueue)) {
		return
	}
	for {
		tail := a.load(offTailptr)
		tailOff, _, ok := a.getBlock(Reference(tail), TypeIDAny, 0, true, false)
		if !ok {
			a.SetCorrupt()
			return
		}
		if a.cas(tailOff+blkNext, uint32(referenceQueue), uint32(ref)) {
			a.cas(offTailptr, tail, uint32(ref))
			return
		}
		// Another appender linked a block but has not moved the tail yet;
		// move it for them.
		next := a.load(tailOff + blkNext)
		a.cas(offTailptr, tail, next)
	}
}

// GetAsReference converts a payload slice obtained from this allocator back
// to its reference, or ReferenceNull when it does not start a payload of
// type typeID.
func (a *Allocator) GetAsReference(payload []byte, typeID uint32) Reference {
	if len(payload) == 0 && cap(payload) == 0 {
		return ReferenceNull
	}
	return a.referenceOf(unsafe.Pointer(unsafe.SliceData(payload)), typeID)
}

func (a *Allocator) referenceOf(p unsafe.Pointer, typeID uint32) Reference {
	base := uintptr(unsafe.Pointer(&a.mem[0]))
	addr := uintptr(p)
	if addr < base+blockHeaderSize || addr >= base+uintptr(a.memSize) {
		return ReferenceNull
	}
	ref := Reference(addr - base - blockHeaderSize)
	if _, _, ok := a.getBlock(ref, typeID, 0, false, false); !ok {
		return ReferenceNull
	}
	return ref
}

// Flush pushes everything allocated so far to the backing store, if the
// segment has one.
func (a *Allocator) Flush(sync bool) error {
	return a.flushPartial(uint32(a.Used()), sync)
}

func (a *Allocator) flushPartial(length uint32, sync bool) error {
	if a.flushFn == nil || a.mode == ReadOnly {
		return nil
	}
	if err := a.flushFn(length, sync); err != nil {
		pmaLogger.Warnf("flush of %d bytes failed: %v", length, err)
		return err
	}
	return nil
}
