package shm

import (
	"context"
	"fmt"
)

func deserialize(r *PlatformRegion, want Mode) error {
	if !r.IsValid() {
		return ErrInvalidRegion
	}
	if r.Mode() != want {
		return fmt.Errorf("%w: expected %s region, got %s", ErrWrongMode, want, r.Mode())
	}
	return nil
}

// ReadOnlyRegion can only ever be mapped read-only. The single writable
// view of its contents is the one returned by CreateReadOnlyRegion.
type ReadOnlyRegion struct {
	r *PlatformRegion
}

// CreateReadOnlyRegion creates a region and returns it together with the
// only writable mapping that will ever exist for it.
func CreateReadOnlyRegion(ctx context.Context, size uint64, opts ...MapOption) (*ReadOnlyRegion, *WritableMapping, error) {
	pr, err := CreateWritable(ctx, size)
	if err != nil {
		return nil, nil, err
	}
	m, err := pr.MapAt(0, size, opts...)
	if err != nil {
		_ = pr.Close()
		return nil, nil, err
	}
	if err := pr.ConvertToReadOnly(); err != nil {
		_ = m.unmap()
		_ = pr.Close()
		return nil, nil, err
	}
	return &ReadOnlyRegion{r: pr}, &WritableMapping{m: m}, nil
}

// DeserializeReadOnlyRegion wraps r, which must be a read-only region.
func DeserializeReadOnlyRegion(r *PlatformRegion) (*ReadOnlyRegion, error) {
	if err := deserialize(r, ModeReadOnly); err != nil {
		return nil, err
	}
	return &ReadOnlyRegion{r: r}, nil
}

// TakeHandleForSerialization moves the underlying region out. The
// ReadOnlyRegion is invalid afterwards.
func (r *ReadOnlyRegion) TakeHandleForSerialization() *PlatformRegion {
	pr := r.r
	r.r = nil
	return pr
}

func (r *ReadOnlyRegion) IsValid() bool { return r != nil && r.r.IsValid() }

func (r *ReadOnlyRegion) Size() uint64 { return r.r.Size() }

func (r *ReadOnlyRegion) GUID() GUID { return r.r.GUID() }

func (r *ReadOnlyRegion) Map(opts ...MapOption) (*ReadOnlyMapping, error) {
	if !r.IsValid() {
		return nil, ErrInvalidRegion
	}
	return r.MapAt(0, r.Size(), opts...)
}

func (r *ReadOnlyRegion) MapAt(offset, size uint64, opts ...MapOption) (*ReadOnlyMapping, error) {
	if !r.IsValid() {
		return nil, ErrInvalidRegion
	}
	m, err := r.r.MapAt(offset, size, opts...)
	if err != nil {
		return nil, err
	}
	return &ReadOnlyMapping{m: m}, nil
}

// Duplicate returns another read-only region on the same memory.
func (r *ReadOnlyRegion) Duplicate() (*ReadOnlyRegion, error) {
	if !r.IsValid() {
		return nil, ErrInvalidRegion
	}
	d, err := r.r.Duplicate()
	if err != nil {
		return nil, err
	}
	return &ReadOnlyRegion{r: d}, nil
}

func (r *ReadOnlyRegion) Close() error {
	if r == nil || r.r == nil {
		return nil
	}
	return r.r.Close()
}

// WritableRegion has a single owner; it has no Duplicate. It can be
// converted, once, to a ReadOnlyRegion or an UnsafeRegion.
type WritableRegion struct {
	r *PlatformRegion
}

// CreateWritableRegion creates a region. Creation may block on filesystem I/O.
func CreateWritableRegion(ctx context.Context, size uint64) (*WritableRegion, error) {
	pr, err := CreateWritable(ctx, size)
	if err != nil {
		return nil, err
	}
	return &WritableRegion{r: pr}, nil
}

func DeserializeWritableRegion(r *PlatformRegion) (*WritableRegion, error) {
	if err := deserialize(r, ModeWritable); err != nil {
		return nil, err
	}
	return &WritableRegion{r: r}, nil
}

func (w *WritableRegion) TakeHandleForSerialization() *PlatformRegion {
	pr := w.r
	w.r = nil
	return pr
}

func (w *WritableRegion) IsValid() bool { return w != nil && w.r.IsValid() }

func (w *WritableRegion) Size() uint64 { return w.r.Size() }

func (w *WritableRegion) GUID() GUID { return w.r.GUID() }

func (w *WritableRegion) Map(opts ...MapOption) (*WritableMapping, error) {
	if !w.IsValid() {
		return nil, ErrInvalidRegion
	}
	return w.MapAt(0, w.Size(), opts...)
}

func (w *WritableRegion) MapAt(offset, size uint64, opts ...MapOption) (*WritableMapping, error) {
	if !w.IsValid() {
		return nil, ErrInvalidRegion
	}
	m, err := w.r.MapAt(offset, size, opts...)
	if err != nil {
		return nil, err
	}
	return &WritableMapping{m: m}, nil
}

func (w *WritableRegion) Close() error {
	if w == nil || w.r == nil {
		return nil
	}
	return w.r.Close()
}

// ConvertToReadOnly consumes w and returns a read-only region on the same
// memory. Writable mappings made from w keep working. If conversion fails
// w is left untouched.
func ConvertToReadOnly(w *WritableRegion) (*ReadOnlyRegion, error) {
	if !w.IsValid() {
		return nil, ErrInvalidRegion
	}
	if err := w.r.ConvertToReadOnly(); err != nil {
		return nil, err
	}
	return &ReadOnlyRegion{r: w.TakeHandleForSerialization()}, nil
}

// ConvertToUnsafe consumes w and returns an unsafe region on the same memory.
func ConvertToUnsafe(w *WritableRegion) (*UnsafeRegion, error) {
	if !w.IsValid() {
		return nil, ErrInvalidRegion
	}
	if err := w.r.ConvertToUnsafe(); err != nil {
		return nil, err
	}
	return &UnsafeRegion{r: w.TakeHandleForSerialization()}, nil
}

// UnsafeRegion can be duplicated and every holder can map it writable.
type UnsafeRegion struct {
	r *PlatformRegion
}

func CreateUnsafeRegion(ctx context.Context, size uint64) (*UnsafeRegion, error) {
	pr, err := CreateUnsafe(ctx, size)
	if err != nil {
		return nil, err
	}
	return &UnsafeRegion{r: pr}, nil
}

func DeserializeUnsafeRegion(r *PlatformRegion) (*UnsafeRegion, error) {
	if err := deserialize(r, ModeUnsafe); err != nil {
		return nil, err
	}
	return &UnsafeRegion{r: r}, nil
}

func (u *UnsafeRegion) TakeHandleForSerialization() *PlatformRegion {
	pr := u.r
	u.r = nil
	return pr
}

func (u *UnsafeRegion) IsValid() bool { return u != nil && u.r.IsValid() }

func (u *UnsafeRegion) Size() uint64 { return u.r.Size() }

func (u *UnsafeRegion) GUID() GUID { return u.r.GUID() }

func (u *UnsafeRegion) Map(opts ...MapOption) (*WritableMapping, error) {
	if !u.IsValid() {
		return nil, ErrInvalidRegion
	}
	return u.MapAt(0, u.Size(), opts...)
}

func (u *UnsafeRegion) MapAt(offset, size uint64, opts ...MapOption) (*WritableMapping, error) {
	if !u.IsValid() {
		return nil, ErrInvalidRegion
	}
	m, err := u.r.MapAt(offset, size, opts...)
	if err != nil {
		return nil, err
	}
	return &WritableMapping{m: m}, nil
}

func (u *UnsafeRegion) Duplicate() (*UnsafeRegion, error) {
	if !u.IsValid() {
		return nil, ErrInvalidRegion
	}
	d, err := u.r.Duplicate()
	if err != nil {
		return nil, err
	}
	return &UnsafeRegion{r: d}, nil
}

func (u *UnsafeRegion) Close() error {
	if u == nil || u.r == nil {
		return nil
	}
	return u.r.Close()
}
