package shm

import (
	"context"
	"fmt"
	"math"
	"math/bits"

	"go.opentelemetry.io/otel/attribute"

	"github.com/srediag/shmem/internal/logger"
	internalshm "github.com/srediag/shmem/internal/shm"
)

// Mode is the permission contract of a region.
type Mode = internalshm.Mode

const (
	ModeReadOnly = internalshm.ModeReadOnly
	ModeWritable = internalshm.ModeWritable
	ModeUnsafe   = internalshm.ModeUnsafe
)

// PlatformHandle is the OS object behind a region: a descriptor pair on
// POSIX systems, a section handle on Windows.
type PlatformHandle = internalshm.Handle

const maxRegionSize = internalshm.MaxRegionSize

var shmLogger = logger.New("shm", nil)

// PlatformRegion owns one platform handle together with the size, GUID and
// mode describing it. It is not safe for concurrent use; mappings made from
// it are independent of it and may be used from any goroutine.
type PlatformRegion struct {
	handle PlatformHandle
	mode   Mode
	size   uint64
	guid   GUID
}

// CreateWritable creates a region that can later be converted to read-only
// or unsafe. Creation performs filesystem I/O and may block.
func CreateWritable(ctx context.Context, size uint64) (*PlatformRegion, error) {
	return create(ctx, ModeWritable, size)
}

// CreateUnsafe creates a region whose holders can all map it writable.
func CreateUnsafe(ctx context.Context, size uint64) (*PlatformRegion, error) {
	return create(ctx, ModeUnsafe, size)
}

func create(ctx context.Context, mode Mode, size uint64) (r *PlatformRegion, err error) {
	ctx, span := startSpan(ctx, "shm.Create",
		attribute.String("mode", mode.String()), attribute.Int64("size", int64(size)))
	defer func() { endSpan(span, err) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if size == 0 || size > maxRegionSize {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	rounded, ok := internalshm.AlignUp(size, internalshm.AllocationGranularity())
	if !ok || rounded > maxRegionSize {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	guid, err := NewGUID()
	if err != nil {
		return nil, err
	}
	cfg := currentConfig()
	dir := internalshm.SelectDir(cfg.SharedMemoryDir, rounded, cfg.CheckFreeSpace)
	h, err := internalshm.Create(dir, rounded, mode == ModeWritable)
	if err != nil {
		return nil, err
	}
	recordCreated(ctx, mode)
	shmLogger.Debugf("created %s region %s size=%d", mode, guid, size)
	return &PlatformRegion{handle: h, mode: mode, size: size, guid: guid}, nil
}

// Take adopts a handle that arrived from another process. The handle's
// actual OS rights are checked against mode, so a peer cannot pass off a
// writable handle as read-only. Take owns h from the call on and closes it
// when it returns an error.
func Take(ctx context.Context, h PlatformHandle, mode Mode, size uint64, guid GUID) (r *PlatformRegion, err error) {
	ctx, span := startSpan(ctx, "shm.Take",
		attribute.String("mode", mode.String()), attribute.Int64("size", int64(size)))
	defer func() {
		if err != nil {
			_ = h.Close()
		}
		endSpan(span, err)
	}()

	if !h.Valid() {
		return nil, fmt.Errorf("%w: handle is not valid", ErrInvalidRegion)
	}
	if size == 0 || size > maxRegionSize {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	if guid.IsZero() {
		return nil, fmt.Errorf("%w: zero guid", ErrInvalidRegion)
	}
	if err := internalshm.CheckMode(h, mode, size); err != nil {
		recordRejected(ctx, mode)
		return nil, err
	}
	return &PlatformRegion{handle: h, mode: mode, size: size, guid: guid}, nil
}

// IsValid reports whether r still owns a handle.
func (r *PlatformRegion) IsValid() bool {
	return r != nil && r.handle.Valid()
}

// Size is the size requested at creation, not the rounded allocation size.
func (r *PlatformRegion) Size() uint64 {
	if r == nil {
		return 0
	}
	return r.size
}

func (r *PlatformRegion) GUID() GUID {
	if r == nil {
		return GUID{}
	}
	return r.guid
}

func (r *PlatformRegion) Mode() Mode { return r.mode }

// GetPlatformHandle returns the handle without giving up ownership.
func (r *PlatformRegion) GetPlatformHandle() PlatformHandle { return r.handle }

// PassPlatformHandle moves the handle out. r is invalid afterwards.
func (r *PlatformRegion) PassPlatformHandle() PlatformHandle {
	h := r.handle
	r.handle = PlatformHandle{}
	return h
}

// Duplicate returns a second region on the same kernel object with the same
// GUID. Writable regions have a single owner and cannot be duplicated.
func (r *PlatformRegion) Duplicate() (*PlatformRegion, error) {
	if !r.IsValid() {
		return nil, ErrInvalidRegion
	}
	if r.mode == ModeWritable {
		return nil, ErrDuplicateWritable
	}
	h, err := r.handle.Duplicate()
	if err != nil {
		return nil, err
	}
	return &PlatformRegion{handle: h, mode: r.mode, size: r.size, guid: r.guid}, nil
}

// ConvertToReadOnly removes write access from the handle itself. It is only
// legal on a Writable region; on failure r is left unchanged and usable.
func (r *PlatformRegion) ConvertToReadOnly() error {
	if !r.IsValid() {
		return ErrInvalidRegion
	}
	if r.mode != ModeWritable {
		return fmt.Errorf("%w: cannot convert %s region to read-only", ErrWrongMode, r.mode)
	}
	if err := r.handle.DropWriteAccess(); err != nil {
		shmLogger.Warnf("convert %s to read-only failed: %v", r.guid, err)
		return err
	}
	r.mode = ModeReadOnly
	return nil
}

// ConvertToUnsafe gives up the possibility of ever converting to read-only.
// It is only legal on a Writable region.
func (r *PlatformRegion) ConvertToUnsafe() error {
	if !r.IsValid() {
		return ErrInvalidRegion
	}
	if r.mode != ModeWritable {
		return fmt.Errorf("%w: cannot convert %s region to unsafe", ErrWrongMode, r.mode)
	}
	if err := r.handle.DropReadOnlyHandle(); err != nil {
		shmLogger.Warnf("closing read-only twin of %s: %v", r.guid, err)
	}
	r.mode = ModeUnsafe
	return nil
}

// MapAt maps size bytes starting at offset. offset need not be aligned: the
// view is mapped from the preceding granularity boundary and the returned
// mapping exposes exactly [offset, offset+size). Read-only regions are
// mapped read-only, every other mode writable.
func (r *PlatformRegion) MapAt(offset, size uint64, opts ...MapOption) (*Mapping, error) {
	if !r.IsValid() {
		return nil, ErrInvalidRegion
	}
	if size == 0 {
		return nil, fmt.Errorf("%w: zero-length mapping", ErrInvalidSize)
	}
	end, carry := bits.Add64(offset, size, 0)
	if carry != 0 || end > r.size {
		return nil, fmt.Errorf("%w: [%d, +%d) of %d", ErrOutOfBounds, offset, size, r.size)
	}
	gran := internalshm.AllocationGranularity()
	aligned := offset &^ (gran - 1)
	adjust := offset - aligned
	mapSize := size + adjust
	if mapSize > math.MaxInt {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, mapSize)
	}

	o := buildMapOptions(opts)
	if !o.policy.AcquireReservationForMapping(mapSize) {
		return nil, ErrBudgetExceeded
	}
	span, err := o.mapper.Map(r.handle, r.mode != ModeReadOnly, aligned, int(mapSize))
	if err != nil {
		o.policy.ReleaseReservationForMapping(mapSize)
		return nil, err
	}
	track(r.guid, mapSize)
	recordMapped(int64(mapSize))
	m := &Mapping{
		span:   span,
		data:   span[adjust : adjust+size : adjust+size],
		guid:   r.guid,
		mapper: o.mapper,
		policy: o.policy,
	}
	m.live.Store(true)
	return m, nil
}

// Close releases the handle. Mappings made from r stay valid.
func (r *PlatformRegion) Close() error {
	if r == nil {
		return nil
	}
	return r.handle.Close()
}
