package persistent

import "unsafe"

// The generic helpers below view payloads as Go values. T must be a plain
// fixed-size type holding no Go pointers (numbers, arrays and structs of
// them) and must not need more than AllocAlignment bytes of alignment. Use
// sync/atomic on fields that other goroutines or processes write.

func layoutOf[T any]() (size uintptr, ok bool) {
	var zero T
	return unsafe.Sizeof(zero), unsafe.Alignof(zero) <= AllocAlignment
}

// GetAsObject returns ref's payload as a *T, or nil when ref is not a
// block of type typeID large enough for a T.
func GetAsObject[T any](a *Allocator, ref Reference, typeID uint32) *T {
	size, ok := layoutOf[T]()
	if !ok {
		return nil
	}
	b := a.GetBlockData(ref, typeID, int(size))
	if b == nil {
		return nil
	}
	return (*T)(unsafe.Pointer(unsafe.SliceData(b)))
}

// GetAsArray returns ref's payload as a slice of T covering the whole
// payload, or nil when it holds fewer than count elements or has another
// type. Pass SizeAny to accept any non-empty payload.
func GetAsArray[T any](a *Allocator, ref Reference, typeID uint32, count int) []T {
	size, ok := layoutOf[T]()
	if !ok || size == 0 || count < 0 {
		return nil
	}
	want := uint64(count) * uint64(size)
	if want > SegmentMaxSize {
		return nil
	}
	b := a.GetBlockData(ref, typeID, int(want))
	if b == nil || uintptr(len(b)) < size {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(b))), uintptr(len(b))/size)
}

// ReferenceOf returns the reference of an object obtained from a, or
// ReferenceNull.
func ReferenceOf[T any](a *Allocator, obj *T, typeID uint32) Reference {
	if obj == nil {
		return ReferenceNull
	}
	return a.referenceOf(unsafe.Pointer(obj), typeID)
}

// New allocates a zero T with type typeID. The object is not iterable.
func New[T any](a *Allocator, typeID uint32) (*T, Reference) {
	size, ok := layoutOf[T]()
	if !ok {
		return nil, ReferenceNull
	}
	ref := a.Allocate(int(size), typeID)
	if ref == ReferenceNull {
		return nil, ReferenceNull
	}
	return GetAsObject[T](a, ref, typeID), ref
}

// NewAt reuses the block ref, currently of type from, for a zero T of type
// typeID. With clear the rest of the payload is zeroed too.
func NewAt[T any](a *Allocator, ref Reference, typeID, from uint32, clear bool) *T {
	size, ok := layoutOf[T]()
	if !ok {
		return nil
	}
	if !a.ChangeType(ref, TypeIDTransitioning, from, clear) {
		return nil
	}
	b := a.GetBlockData(ref, TypeIDAny, int(size))
	if b == nil {
		a.ChangeType(ref, from, TypeIDTransitioning, false)
		return nil
	}
	obj := (*T)(unsafe.Pointer(unsafe.SliceData(b)))
	var zero T
	*obj = zero
	if !a.ChangeType(ref, typeID, TypeIDTransitioning, false) {
		return nil
	}
	return obj
}

// Delete retires obj by changing its block from typeID to newType. The
// memory is not reclaimed; NewAt may reuse it.
func Delete[T any](a *Allocator, obj *T, typeID, newType uint32) bool {
	ref := ReferenceOf(a, obj, typeID)
	if ref == ReferenceNull {
		return false
	}
	if !a.ChangeType(ref, TypeIDTransitioning, typeID, false) {
		return false
	}
	return a.ChangeType(ref, newType, TypeIDTransitioning, false)
}
