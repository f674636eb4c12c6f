package shm

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/suite"

	internalshm "github.com/srediag/shmem/internal/shm"
	"github.com/srediag/shmem/pkg/security"
)

type RegionTestSuite struct {
	suite.Suite
	ctx  context.Context
	gran uint64
}

func (s *RegionTestSuite) SetupSuite() {
	s.ctx = context.Background()
	s.gran = internalshm.AllocationGranularity()
}

func (s *RegionTestSuite) writable(size uint64) *PlatformRegion {
	r, err := CreateWritable(s.ctx, size)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = r.Close() })
	return r
}

func (s *RegionTestSuite) TestCreateRejectsInvalidSizes() {
	for _, size := range []uint64{0, maxRegionSize + 1, math.MaxUint64} {
		_, err := CreateWritable(s.ctx, size)
		s.ErrorIs(err, ErrInvalidSize, "size %d", size)
		_, err = CreateUnsafe(s.ctx, size)
		s.ErrorIs(err, ErrInvalidSize, "size %d", size)
	}
}

func (s *RegionTestSuite) TestCreateHonorsCanceledContext() {
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	_, err := CreateWritable(ctx, 4096)
	s.ErrorIs(err, context.Canceled)
}

func (s *RegionTestSuite) TestSizeIsExactAcrossConversions() {
	r := s.writable(1234)
	s.Equal(uint64(1234), r.Size())
	s.Equal(ModeWritable, r.Mode())
	s.False(r.GUID().IsZero())

	s.Require().NoError(r.ConvertToReadOnly())
	s.Equal(uint64(1234), r.Size())
	s.Equal(ModeReadOnly, r.Mode())

	u, err := CreateUnsafe(s.ctx, 77)
	s.Require().NoError(err)
	defer u.Close()
	s.Equal(uint64(77), u.Size())
}

func (s *RegionTestSuite) TestDuplicateWritableRejected() {
	r := s.writable(4096)
	_, err := r.Duplicate()
	s.ErrorIs(err, ErrDuplicateWritable)
	s.True(r.IsValid())
}

func (s *RegionTestSuite) TestDuplicateKeepsGUID() {
	r := s.writable(4096)
	s.Require().NoError(r.ConvertToReadOnly())
	d, err := r.Duplicate()
	s.Require().NoError(err)
	defer d.Close()
	s.Equal(r.GUID(), d.GUID())
	s.Equal(r.Size(), d.Size())
	s.Equal(ModeReadOnly, d.Mode())
}

func (s *RegionTestSuite) TestConversionsAreOneWay() {
	r := s.writable(4096)
	s.Require().NoError(r.ConvertToReadOnly())
	s.ErrorIs(r.ConvertToReadOnly(), ErrWrongMode)
	s.ErrorIs(r.ConvertToUnsafe(), ErrWrongMode)

	u := s.writable(4096)
	s.Require().NoError(u.ConvertToUnsafe())
	s.Equal(ModeUnsafe, u.Mode())
	s.ErrorIs(u.ConvertToReadOnly(), ErrWrongMode)
	s.ErrorIs(u.ConvertToUnsafe(), ErrWrongMode)
}

func (s *RegionTestSuite) TestReadOnlyHandleCannotMapWritable() {
	r := s.writable(4096)
	s.Require().NoError(r.ConvertToReadOnly())
	h := r.GetPlatformHandle()
	_, err := h.Map(0, 4096, true)
	s.Error(err)

	b, err := h.Map(0, 4096, false)
	s.Require().NoError(err)
	s.NoError(internalshm.Unmap(b))
}

func (s *RegionTestSuite) TestMapAtArithmetic() {
	n := 4 * s.gran
	r := s.writable(n)

	_, err := r.MapAt(n-1, 2)
	s.ErrorIs(err, ErrOutOfBounds)
	_, err = r.MapAt(math.MaxUint64, 2)
	s.ErrorIs(err, ErrOutOfBounds)
	_, err = r.MapAt(1, math.MaxUint64)
	s.ErrorIs(err, ErrOutOfBounds)
	_, err = r.MapAt(0, 0)
	s.ErrorIs(err, ErrInvalidSize)

	whole, err := r.MapAt(0, n)
	s.Require().NoError(err)
	defer whole.Unmap()
	s.Len(whole.Bytes(), int(n))

	tail, err := r.MapAt(s.gran, n-s.gran)
	s.Require().NoError(err)
	defer tail.Unmap()
	s.Len(tail.Bytes(), int(n-s.gran))

	odd, err := r.MapAt(s.gran+3, 10)
	s.Require().NoError(err)
	defer odd.Unmap()
	s.Len(odd.Bytes(), 10)
	s.Equal(13, odd.MappedSize())

	copy(whole.Bytes()[s.gran+3:], "0123456789")
	s.Equal("0123456789", string(odd.Bytes()))
	s.Equal(byte('0'), tail.Bytes()[3])
}

func (s *RegionTestSuite) TestMappingOutlivesRegion() {
	r, err := CreateWritableRegion(s.ctx, 4096)
	s.Require().NoError(err)
	m, err := r.Map()
	s.Require().NoError(err)
	copy(m.Bytes(), "still here")

	s.NoError(r.Close())
	s.False(r.IsValid())
	s.True(m.IsValid())
	s.Equal("still here", string(m.Bytes()[:10]))
	s.NoError(m.Unmap())
	s.False(m.IsValid())
	s.ErrorIs(m.Unmap(), ErrUnmapped)
}

func (s *RegionTestSuite) TestConcurrentUnmapAndIsValid() {
	m, err := s.writable(4096).MapAt(0, 4096)
	s.Require().NoError(err)

	var wg sync.WaitGroup
	var unmapped atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = m.IsValid()
			}
		}()
		go func() {
			defer wg.Done()
			if m.Unmap() == nil {
				unmapped.Add(1)
			}
		}()
	}
	wg.Wait()
	s.Equal(int32(1), unmapped.Load())
	s.False(m.IsValid())
	s.False((&Mapping{}).IsValid())
}

func (s *RegionTestSuite) TestWriteVisibleThroughDuplicate() {
	u, err := CreateUnsafeRegion(s.ctx, 8192)
	s.Require().NoError(err)
	defer u.Close()
	d, err := u.Duplicate()
	s.Require().NoError(err)
	defer d.Close()
	s.Equal(u.GUID(), d.GUID())

	w, err := u.Map()
	s.Require().NoError(err)
	defer w.Unmap()
	r, err := d.MapAt(4096, 16)
	s.Require().NoError(err)
	defer r.Unmap()

	n, err := w.WriteAt([]byte("pattern"), 4096)
	s.Require().NoError(err)
	s.Equal(7, n)
	buf := make([]byte, 7)
	_, err = r.ReadAt(buf, 0)
	s.Require().NoError(err)
	s.Equal("pattern", string(buf))
}

func (s *RegionTestSuite) TestBudgetIsChargedAndReleased() {
	policy := security.NewPolicy(s.gran)
	r := s.writable(2 * s.gran)

	m, err := r.MapAt(0, s.gran, WithPolicy(policy))
	s.Require().NoError(err)
	s.Equal(s.gran, policy.Mapped())

	_, err = r.MapAt(s.gran, 1, WithPolicy(policy))
	s.ErrorIs(err, ErrBudgetExceeded)
	s.Equal(s.gran, policy.Mapped())

	s.NoError(m.Unmap())
	s.Equal(uint64(0), policy.Mapped())
}

type countingMapper struct {
	maps, unmaps atomic.Int32
	fail         bool
}

func (c *countingMapper) Map(h PlatformHandle, writable bool, offset uint64, size int) ([]byte, error) {
	if c.fail {
		return nil, errors.New("no address space window")
	}
	c.maps.Add(1)
	return DefaultMapper.Map(h, writable, offset, size)
}

func (c *countingMapper) Unmap(span []byte) error {
	c.unmaps.Add(1)
	return DefaultMapper.Unmap(span)
}

func (s *RegionTestSuite) TestCustomMapper() {
	r := s.writable(4096)
	mapper := &countingMapper{}
	m, err := r.MapAt(0, 4096, WithMapper(mapper))
	s.Require().NoError(err)
	s.EqualValues(1, mapper.maps.Load())
	s.NoError(m.Unmap())
	s.EqualValues(1, mapper.unmaps.Load())

	policy := security.NewPolicy(1 << 20)
	_, err = r.MapAt(0, 4096, WithMapper(&countingMapper{fail: true}), WithPolicy(policy))
	s.Error(err)
	s.Equal(uint64(0), policy.Mapped())
}

func (s *RegionTestSuite) TestTrackerFollowsMappings() {
	r := s.writable(8192)
	find := func() (TrackedRegion, bool) {
		for _, t := range Tracked() {
			if t.GUID == r.GUID() {
				return t, true
			}
		}
		return TrackedRegion{}, false
	}
	a, err := r.MapAt(0, 4096)
	s.Require().NoError(err)
	b, err := r.MapAt(4096, 4096)
	s.Require().NoError(err)

	t, ok := find()
	s.Require().True(ok)
	s.Equal(2, t.Mappings)
	s.Equal(uint64(a.MappedSize()+b.MappedSize()), t.Bytes)

	s.NoError(a.Unmap())
	t, ok = find()
	s.Require().True(ok)
	s.Equal(1, t.Mappings)
	s.NoError(b.Unmap())
	_, ok = find()
	s.False(ok)
}

func (s *RegionTestSuite) TestTakeChecksMode() {
	w := s.writable(4096)
	guid, size := w.GUID(), w.Size()
	_, err := Take(s.ctx, w.PassPlatformHandle(), ModeReadOnly, size, guid)
	var perr *PermissionError
	s.Require().True(errors.As(err, &perr))
	s.Equal(ReasonExpectedReadOnlyButWritable, perr.Reason)
	s.False(w.IsValid())

	u, err := CreateUnsafe(s.ctx, 4096)
	s.Require().NoError(err)
	taken, err := Take(s.ctx, u.PassPlatformHandle(), ModeUnsafe, 4096, u.GUID())
	s.Require().NoError(err)
	defer taken.Close()
	s.Equal(u.GUID(), taken.GUID())
	s.Equal(ModeUnsafe, taken.Mode())
}

func (s *RegionTestSuite) TestTakeRejectsBadInput() {
	_, err := Take(s.ctx, PlatformHandle{}, ModeReadOnly, 4096, GUID{High: 1})
	s.ErrorIs(err, ErrInvalidRegion)

	u, err := CreateUnsafe(s.ctx, 4096)
	s.Require().NoError(err)
	_, err = Take(s.ctx, u.PassPlatformHandle(), ModeUnsafe, 4096, GUID{})
	s.ErrorIs(err, ErrInvalidRegion)

	u, err = CreateUnsafe(s.ctx, 4096)
	s.Require().NoError(err)
	_, err = Take(s.ctx, u.PassPlatformHandle(), ModeUnsafe, 0, u.GUID())
	s.ErrorIs(err, ErrInvalidSize)
}

func (s *RegionTestSuite) TestTypedConversionConsumes() {
	w, err := CreateWritableRegion(s.ctx, 4096)
	s.Require().NoError(err)
	guid := w.GUID()
	ro, err := ConvertToReadOnly(w)
	s.Require().NoError(err)
	defer ro.Close()
	s.False(w.IsValid())
	s.Equal(guid, ro.GUID())
	_, err = ConvertToReadOnly(w)
	s.ErrorIs(err, ErrInvalidRegion)
	_, err = ConvertToUnsafe(w)
	s.ErrorIs(err, ErrInvalidRegion)

	w2, err := CreateWritableRegion(s.ctx, 4096)
	s.Require().NoError(err)
	un, err := ConvertToUnsafe(w2)
	s.Require().NoError(err)
	defer un.Close()
	s.False(w2.IsValid())
}

func (s *RegionTestSuite) TestDeserializeChecksMode() {
	ro, m, err := CreateReadOnlyRegion(s.ctx, 4096)
	s.Require().NoError(err)
	s.NoError(m.Unmap())

	pr := ro.TakeHandleForSerialization()
	s.False(ro.IsValid())
	_, err = DeserializeUnsafeRegion(pr)
	s.ErrorIs(err, ErrWrongMode)
	_, err = DeserializeWritableRegion(pr)
	s.ErrorIs(err, ErrWrongMode)
	back, err := DeserializeReadOnlyRegion(pr)
	s.Require().NoError(err)
	defer back.Close()

	_, err = DeserializeReadOnlyRegion(nil)
	s.ErrorIs(err, ErrInvalidRegion)
}

func (s *RegionTestSuite) TestReadOnlyRegionCreationMapping() {
	ro, w, err := CreateReadOnlyRegion(s.ctx, 100)
	s.Require().NoError(err)
	defer ro.Close()
	copy(w.Bytes(), "one-time writer")
	s.Equal(100, w.Size())

	r, err := ro.Map()
	s.Require().NoError(err)
	defer r.Unmap()
	s.Equal(ro.GUID(), r.GUID())
	s.Equal(w.GUID(), r.GUID())
	s.Equal("one-time writer", string(r.Bytes()[:15]))
	s.NoError(w.Unmap())
	s.Equal("one-time writer", string(r.Bytes()[:15]))
}

func TestRegionTestSuite(t *testing.T) {
	suite.Run(t, new(RegionTestSuite))
}
