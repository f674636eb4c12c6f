package shm

import (
	"io"
	"sync"
	"sync/atomic"

	internalshm "github.com/srediag/shmem/internal/shm"
	"github.com/srediag/shmem/pkg/security"
)

// Mapper places region views in the address space. The default mapper lets
// the OS choose the address; a custom one can map into a pre-reserved window.
// Unmap receives exactly the span Map returned.
type Mapper interface {
	Map(h PlatformHandle, writable bool, offset uint64, size int) ([]byte, error)
	Unmap(span []byte) error
}

type osMapper struct{}

func (osMapper) Map(h PlatformHandle, writable bool, offset uint64, size int) ([]byte, error) {
	return h.Map(offset, size, writable)
}

func (osMapper) Unmap(span []byte) error {
	return internalshm.Unmap(span)
}

// DefaultMapper maps with mmap or MapViewOfFile.
var DefaultMapper Mapper = osMapper{}

type mapOptions struct {
	mapper Mapper
	policy *security.Policy
}

// MapOption customizes a single Map or MapAt call.
type MapOption func(*mapOptions)

// WithMapper maps through m instead of DefaultMapper. The mapping remembers
// m and unmaps through it.
func WithMapper(m Mapper) MapOption {
	return func(o *mapOptions) { o.mapper = m }
}

// WithPolicy charges the mapping to p instead of security.Default().
func WithPolicy(p *security.Policy) MapOption {
	return func(o *mapOptions) { o.policy = p }
}

func buildMapOptions(opts []MapOption) mapOptions {
	o := mapOptions{mapper: DefaultMapper, policy: security.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Mapping is a raw view of a region, as returned by PlatformRegion.MapAt.
// The typed regions wrap it in ReadOnlyMapping or WritableMapping.
//
// IsValid and Unmap may be called concurrently. The byte accessors may not
// race with Unmap: the memory is gone once Unmap starts.
type Mapping struct {
	span   []byte
	data   []byte
	guid   GUID
	mapper Mapper
	policy *security.Policy
	once   sync.Once
	live   atomic.Bool
	err    error
}

func (m *Mapping) valid() bool {
	return m != nil && m.live.Load()
}

func (m *Mapping) unmap() error {
	if m == nil {
		return ErrUnmapped
	}
	unmapped := false
	m.once.Do(func() {
		unmapped = true
		m.live.Store(false)
		size := uint64(len(m.span))
		m.err = m.mapper.Unmap(m.span)
		if m.err != nil {
			shmLogger.Warnf("unmap of region %s failed: %v", m.guid, m.err)
		}
		m.policy.ReleaseReservationForMapping(size)
		untrack(m.guid, size)
		recordMapped(-int64(size))
		m.span, m.data = nil, nil
	})
	if !unmapped {
		return ErrUnmapped
	}
	return m.err
}

func (m *Mapping) IsValid() bool { return m.valid() }

// Bytes returns the requested range. For a read-only region it must not be
// written to.
func (m *Mapping) Bytes() []byte { return m.data }

func (m *Mapping) Size() int { return len(m.data) }

func (m *Mapping) MappedSize() int { return len(m.span) }

func (m *Mapping) GUID() GUID { return m.guid }

// Unmap releases the view and its budget reservation.
func (m *Mapping) Unmap() error { return m.unmap() }

// ReadOnlyMapping is a view of a region that the OS refuses to write
// through. Writes to Bytes fault.
type ReadOnlyMapping struct {
	m *Mapping
}

// IsValid reports whether the mapping is still mapped.
func (r *ReadOnlyMapping) IsValid() bool { return r != nil && r.m.valid() }

// Bytes returns the requested range. It must not be written to.
func (r *ReadOnlyMapping) Bytes() []byte { return r.m.data }

// Size is the requested size, which can be less than MappedSize.
func (r *ReadOnlyMapping) Size() int { return len(r.m.data) }

// MappedSize is the size actually mapped, including the leading bytes added
// to align the offset.
func (r *ReadOnlyMapping) MappedSize() int { return len(r.m.span) }

func (r *ReadOnlyMapping) GUID() GUID { return r.m.guid }

// ReadAt implements io.ReaderAt over the mapped range.
func (r *ReadOnlyMapping) ReadAt(p []byte, off int64) (int, error) {
	return readAt(r.m.data, p, off)
}

// Unmap releases the view and its budget reservation. A second call
// returns ErrUnmapped.
func (r *ReadOnlyMapping) Unmap() error { return r.m.unmap() }

// WritableMapping is a view of a region that can be written through.
type WritableMapping struct {
	m *Mapping
}

func (w *WritableMapping) IsValid() bool { return w != nil && w.m.valid() }

func (w *WritableMapping) Bytes() []byte { return w.m.data }

func (w *WritableMapping) Size() int { return len(w.m.data) }

func (w *WritableMapping) MappedSize() int { return len(w.m.span) }

func (w *WritableMapping) GUID() GUID { return w.m.guid }

func (w *WritableMapping) ReadAt(p []byte, off int64) (int, error) {
	return readAt(w.m.data, p, off)
}

// WriteAt implements io.WriterAt. Writes past the end fail with io.ErrShortWrite.
func (w *WritableMapping) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(w.m.data)) {
		return 0, ErrOutOfBounds
	}
	n := copy(w.m.data[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

func (w *WritableMapping) Unmap() error { return w.m.unmap() }

func readAt(data, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrOutOfBounds
	}
	if off >= int64(len(data)) {
		return 0, io.EOF
	}
	n := copy(p, data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
