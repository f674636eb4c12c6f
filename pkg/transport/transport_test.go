//go:build unix

package transport

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	internaltransport "github.com/srediag/shmem/internal/transport"
	"github.com/srediag/shmem/pkg/shm"
)

type TransportTestSuite struct {
	suite.Suite
	ctx    context.Context
	recv   *Receiver
	sender *Sender
}

func TestTransportTestSuite(t *testing.T) {
	suite.Run(t, new(TransportTestSuite))
}

func (s *TransportTestSuite) SetupTest() {
	s.ctx = context.Background()
	var err error
	s.recv, err = Listen(filepath.Join(s.T().TempDir(), "shm.sock"), WithMaxSize(1<<20))
	s.Require().NoError(err)
	s.sender, err = Dial(s.ctx, s.recv.Addr())
	s.Require().NoError(err)
}

func (s *TransportTestSuite) TearDownTest() {
	_ = s.sender.Close()
	s.NoError(s.recv.Close())
}

func (s *TransportTestSuite) receive() *shm.PlatformRegion {
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()
	r, err := s.recv.Receive(ctx)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = r.Close() })
	return r
}

func (s *TransportTestSuite) TestReadOnlyRegion() {
	ro, w, err := shm.CreateReadOnlyRegion(s.ctx, 4096)
	s.Require().NoError(err)
	copy(w.Bytes(), "hello")
	s.Require().NoError(w.Unmap())

	pr := ro.TakeHandleForSerialization()
	defer func() { _ = pr.Close() }()
	s.Require().NoError(s.sender.Send(pr))
	s.True(pr.IsValid(), "sender keeps its region")

	got := s.receive()
	s.Equal(shm.ModeReadOnly, got.Mode())
	s.Equal(pr.GUID(), got.GUID())
	s.Equal(uint64(4096), got.Size())

	typed, err := shm.DeserializeReadOnlyRegion(got)
	s.Require().NoError(err)
	m, err := typed.Map()
	s.Require().NoError(err)
	defer func() { _ = m.Unmap() }()
	s.Equal("hello", string(m.Bytes()[:5]))
}

func (s *TransportTestSuite) TestWritableRegionIsNotShared() {
	pr, err := shm.CreateWritable(s.ctx, 8192)
	s.Require().NoError(err)
	defer func() { _ = pr.Close() }()
	s.ErrorIs(s.sender.Send(pr), shm.ErrDuplicateWritable)
	s.True(pr.IsValid())
	s.Equal(shm.ModeWritable, pr.Mode())
	s.Zero(s.recv.Pending())
}

func (s *TransportTestSuite) TestWritableRegionMoves() {
	w, err := shm.CreateWritableRegion(s.ctx, 8192)
	s.Require().NoError(err)
	wm, err := w.Map()
	s.Require().NoError(err)
	copy(wm.Bytes(), "moved")
	s.Require().NoError(wm.Unmap())

	s.Require().NoError(s.sender.SendWritable(w))
	s.False(w.IsValid(), "sender gives up its writable handle")
	_, err = w.Map()
	s.Error(err)

	got := s.receive()
	s.Equal(shm.ModeWritable, got.Mode())
	s.Require().NoError(got.ConvertToReadOnly())
	s.Equal(shm.ModeReadOnly, got.Mode())
	ro, err := shm.DeserializeReadOnlyRegion(got)
	s.Require().NoError(err)
	defer func() { _ = ro.Close() }()
	m, err := ro.Map()
	s.Require().NoError(err)
	defer func() { _ = m.Unmap() }()
	s.Equal("moved", string(m.Bytes()[:5]))

	s.ErrorIs(s.sender.SendWritable(w), shm.ErrInvalidRegion)
}

func (s *TransportTestSuite) TestMislabeledRegionIsDropped() {
	unsafeRegion, err := shm.CreateUnsafe(s.ctx, 4096)
	s.Require().NoError(err)
	defer func() { _ = unsafeRegion.Close() }()

	// Claim read-only for a writable descriptor.
	conn, err := net.Dial("unix", s.recv.Addr())
	s.Require().NoError(err)
	defer conn.Close()
	lie := frame{mode: shm.ModeReadOnly, files: 1, guid: unsafeRegion.GUID(), size: 4096}
	s.Require().NoError(internaltransport.SendFiles(conn.(*net.UnixConn), lie.encode(), unsafeRegion.GetPlatformHandle().File))

	// Oversized claims are dropped too.
	big := frame{mode: shm.ModeUnsafe, files: 1, guid: unsafeRegion.GUID(), size: 2 << 20}
	s.Require().NoError(internaltransport.SendFiles(conn.(*net.UnixConn), big.encode(), unsafeRegion.GetPlatformHandle().File))

	honest := frame{mode: shm.ModeUnsafe, files: 1, guid: unsafeRegion.GUID(), size: 4096}
	s.Require().NoError(internaltransport.SendFiles(conn.(*net.UnixConn), honest.encode(), unsafeRegion.GetPlatformHandle().File))

	got := s.receive()
	s.Equal(shm.ModeUnsafe, got.Mode())
	s.Equal(0, s.recv.Pending())
}

func (s *TransportTestSuite) TestReceiveHonorsContext() {
	ctx, cancel := context.WithTimeout(s.ctx, 50*time.Millisecond)
	defer cancel()
	_, err := s.recv.Receive(ctx)
	s.ErrorIs(err, context.DeadlineExceeded)
}

func (s *TransportTestSuite) TestCloseReleasesPending() {
	pr, err := shm.CreateUnsafe(s.ctx, 4096)
	s.Require().NoError(err)
	defer func() { _ = pr.Close() }()
	s.Require().NoError(s.sender.Send(pr))
	s.Eventually(func() bool { return s.recv.Pending() == 1 }, 10*time.Second, 10*time.Millisecond)

	s.Require().NoError(s.recv.Close())
	_, err = s.recv.Receive(s.ctx)
	s.ErrorIs(err, ErrClosed)
	s.NoError(s.recv.Close())
}

func (s *TransportTestSuite) TestSendInvalidRegion() {
	s.ErrorIs(s.sender.Send(nil), shm.ErrInvalidRegion)
}

func (s *TransportTestSuite) TestFrameDecoding() {
	f := frame{mode: shm.ModeWritable, files: 2, guid: shm.GUID{High: 1, Low: 2}, size: 99}
	got, err := decodeFrame(f.encode())
	s.Require().NoError(err)
	s.Equal(f, got)

	bad := f.encode()
	bad[0] = 'X'
	_, err = decodeFrame(bad)
	s.ErrorIs(err, ErrBadFrame)

	for _, mutate := range []func(b []byte){
		func(b []byte) { b[2] = 9 },
		func(b []byte) { b[3] = 7 },
		func(b []byte) { b[4] = 0 },
		func(b []byte) { b[4] = 3 },
	} {
		b := f.encode()
		mutate(b)
		_, err := decodeFrame(b)
		s.ErrorIs(err, ErrBadFrame)
	}
	_, err = decodeFrame(f.encode()[:10])
	s.ErrorIs(err, ErrBadFrame)
}
