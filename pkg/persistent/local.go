package persistent

import (
	internalshm "github.com/srediag/shmem/internal/shm"
	"github.com/srediag/shmem/pkg/shm"
)

// LocalAllocator is an allocator over private memory of this process.
type LocalAllocator struct {
	*Allocator
	mapped []byte
}

// NewLocalAllocator allocates size zeroed bytes and initializes them. The
// memory comes from an anonymous mapping so untouched pages cost nothing;
// when mapping fails it comes from the Go heap.
func NewLocalAllocator(size int, id uint64, name string) (*LocalAllocator, error) {
	if size <= 0 || size > SegmentMaxSize {
		return nil, ErrUnacceptableMemory
	}
	l := &LocalAllocator{}
	mem, err := internalshm.MapAnonymous(size)
	if err != nil {
		pmaLogger.Warnf("anonymous mapping of %d bytes failed, using heap: %v", size, err)
		mem = make([]byte, size)
	} else {
		l.mapped = mem
	}
	a, err := NewAllocator(mem, 0, id, name, ReadWrite)
	if err != nil {
		_ = l.release()
		return nil, err
	}
	l.Allocator = a
	return l, nil
}

func (l *LocalAllocator) release() error {
	if l.mapped == nil {
		return nil
	}
	err := internalshm.Unmap(l.mapped)
	l.mapped = nil
	return err
}

// Close returns the memory. The allocator must not be used afterwards.
func (l *LocalAllocator) Close() error {
	return l.release()
}

// IsSharedMemoryAcceptable reports whether the mapping can back an
// allocator.
func IsSharedMemoryAcceptable(m *shm.WritableMapping) bool {
	return m.IsValid() && IsMemoryAcceptable(m.Bytes(), 0, false)
}

// NewWritableSharedAllocator manages a writable shared mapping, creating
// the segment when the mapping is still zero. The mapping must outlive the
// allocator.
func NewWritableSharedAllocator(m *shm.WritableMapping, id uint64, name string) (*Allocator, error) {
	if !m.IsValid() {
		return nil, shm.ErrUnmapped
	}
	return NewAllocator(m.Bytes(), 0, id, name, ReadWrite)
}

// NewReadOnlySharedAllocator observes a segment another process writes.
func NewReadOnlySharedAllocator(m *shm.ReadOnlyMapping) (*Allocator, error) {
	if !m.IsValid() {
		return nil, shm.ErrUnmapped
	}
	return NewAllocator(m.Bytes(), 0, 0, "", ReadOnly)
}
