package persistent

import (
	"iter"
	"sync/atomic"
)

// Iterator walks the iterable blocks of an allocator in the order they
// were made iterable. It is safe for concurrent use: goroutines sharing an
// Iterator each receive distinct blocks. Blocks made iterable after the
// end was reached are returned by later calls.
type Iterator struct {
	a           *Allocator
	last        atomic.Uint32
	recordCount atomic.Uint32
}

// NewIterator starts at the beginning of the list.
func NewIterator(a *Allocator) *Iterator {
	it := &Iterator{a: a}
	it.Reset()
	return it
}

// NewIteratorAfter resumes after startingAfter, typically a value once
// returned by Last.
func NewIteratorAfter(a *Allocator, startingAfter Reference) *Iterator {
	it := &Iterator{a: a}
	it.ResetAfter(startingAfter)
	return it
}

func (it *Iterator) Reset() {
	it.last.Store(uint32(referenceQueue))
	it.recordCount.Store(0)
}

func (it *Iterator) ResetAfter(startingAfter Reference) {
	if startingAfter == ReferenceNull {
		it.Reset()
		return
	}
	it.last.Store(uint32(startingAfter))
	it.recordCount.Store(0)

	off, _, ok := it.a.getBlock(startingAfter, TypeIDAny, 0, false, false)
	if !ok {
		pmaLogger.Warnf("iterator reset to invalid block %d", startingAfter)
		it.Reset()
		return
	}
	if it.a.load(off+blkNext) == 0 {
		pmaLogger.Warnf("iterator reset to block %d which is not iterable", startingAfter)
	}
}

// Last is the most recently returned block, or ReferenceNull.
func (it *Iterator) Last() Reference {
	last := Reference(it.last.Load())
	if last == referenceQueue {
		return ReferenceNull
	}
	return last
}

// Next returns the next iterable block and its type, or ReferenceNull at
// the end of the list. Blocks still being built have type zero.
func (it *Iterator) Next() (Reference, uint32) {
	a := it.a
	count := it.recordCount.Load()
	last := Reference(it.last.Load())
	var next Reference
	var typeID uint32
	for {
		off, _, ok := a.getBlock(last, TypeIDAny, 0, true, false)
		if !ok {
			return ReferenceNull, 0
		}
		next = Reference(a.load(off + blkNext))
		if next == referenceQueue || next == ReferenceNull {
			return ReferenceNull, 0
		}
		nextOff, _, ok := a.getBlock(next, TypeIDAny, 0, false, false)
		if !ok {
			a.SetCorrupt()
			return ReferenceNull, 0
		}
		if it.last.CompareAndSwap(uint32(last), uint32(next)) {
			typeID = a.load(nextOff + blkType)
			break
		}
		last = Reference(it.last.Load())
	}

	// More records than could fit in the used space means the list loops.
	maxRecords := uint32(a.Used()) / (blockHeaderSize + AllocAlignment)
	if count > maxRecords {
		a.SetCorrupt()
		return ReferenceNull, 0
	}
	it.recordCount.Add(1)
	return next, typeID
}

// NextOfType skips to the next block of type typeID.
func (it *Iterator) NextOfType(typeID uint32) Reference {
	for {
		ref, t := it.Next()
		if ref == ReferenceNull {
			return ReferenceNull
		}
		if t == typeID {
			return ref
		}
	}
}

// All yields the remaining blocks and their types.
func (it *Iterator) All() iter.Seq2[Reference, uint32] {
	return func(yield func(Reference, uint32) bool) {
		for {
			ref, t := it.Next()
			if ref == ReferenceNull || !yield(ref, t) {
				return
			}
		}
	}
}

// GetNextObject returns the next object of type typeID as a *T.
func GetNextObject[T any](it *Iterator, typeID uint32) *T {
	ref := it.NextOfType(typeID)
	if ref == ReferenceNull {
		return nil
	}
	return GetAsObject[T](it.a, ref, typeID)
}
