//go:build unix

package transport

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/srediag/shmem/internal/transport"
	"github.com/srediag/shmem/pkg/shm"
)

// Sender writes regions to one connection. It is safe for concurrent use.
type Sender struct {
	mu   sync.Mutex
	conn *net.UnixConn
}

func NewSender(conn *net.UnixConn) *Sender {
	return &Sender{conn: conn}
}

// Dial connects to a Receiver listening at path.
func Dial(ctx context.Context, path string) (*Sender, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", path, err)
	}
	return NewSender(c.(*net.UnixConn)), nil
}

// Send passes r to the peer. r stays valid and owned by the caller; the
// peer receives its own descriptors for the same object. Writable regions
// have a single owner and are refused with shm.ErrDuplicateWritable; move
// them with SendWritable.
func (s *Sender) Send(r *shm.PlatformRegion) error {
	if !r.IsValid() {
		return shm.ErrInvalidRegion
	}
	if r.Mode() == shm.ModeWritable {
		return shm.ErrDuplicateWritable
	}
	return s.send(r)
}

// SendWritable moves w to the peer. w is consumed even when the send
// fails, so its handles are never open in both processes.
func (s *Sender) SendWritable(w *shm.WritableRegion) error {
	if !w.IsValid() {
		return shm.ErrInvalidRegion
	}
	pr := w.TakeHandleForSerialization()
	defer pr.Close()
	return s.send(pr)
}

func (s *Sender) send(r *shm.PlatformRegion) error {
	h := r.GetPlatformHandle()
	files := []*os.File{h.File}
	if h.ReadOnlyFile != nil {
		files = append(files, h.ReadOnlyFile)
	}
	f := frame{mode: r.Mode(), files: len(files), guid: r.GUID(), size: r.Size()}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := transport.SendFiles(s.conn, f.encode(), files...); err != nil {
		return err
	}
	transportLogger.Debugf("sent %s region %s size=%d", f.mode, f.guid, f.size)
	return nil
}

func (s *Sender) Close() error {
	return s.conn.Close()
}
