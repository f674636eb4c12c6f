//go:build unix

package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"

	"github.com/srediag/shmem/internal/logger"
	internalshm "github.com/srediag/shmem/internal/shm"
	"github.com/srediag/shmem/internal/transport"
	"github.com/srediag/shmem/pkg/shm"
)

var transportLogger = logger.New("transport", nil)

// ErrClosed is returned by Receive once the Receiver is closed.
var ErrClosed = errors.New("transport: receiver closed")

const (
	inboxHint    = 64
	pollInterval = 100 * time.Millisecond
)

// Receiver accepts connections from Senders and queues the regions they
// pass after validating each one. Regions that fail validation are closed
// and logged; the connection stays up.
type Receiver struct {
	ln      *net.UnixListener
	inbox   *queue.Queue
	maxSize uint64

	mu     sync.Mutex
	conns  map[*net.UnixConn]struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

type ReceiverOption func(*Receiver)

// WithMaxSize rejects regions larger than n bytes.
func WithMaxSize(n uint64) ReceiverOption {
	return func(r *Receiver) { r.maxSize = n }
}

// Listen creates a socket at path and starts accepting Senders. The socket
// file is removed on Close.
func Listen(path string, opts ...ReceiverOption) (*Receiver, error) {
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, err
	}
	ln.SetUnlinkOnClose(true)
	return NewReceiver(ln, opts...), nil
}

// NewReceiver serves an existing listener and takes ownership of it.
func NewReceiver(ln *net.UnixListener, opts ...ReceiverOption) *Receiver {
	r := &Receiver{
		ln:    ln,
		inbox: queue.New(inboxHint),
		conns: make(map[*net.UnixConn]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.wg.Add(1)
	go r.acceptLoop()
	return r
}

// Addr is the socket path.
func (r *Receiver) Addr() string {
	return r.ln.Addr().String()
}

// Pending is the number of regions waiting to be received.
func (r *Receiver) Pending() int {
	return int(r.inbox.Len())
}

func (r *Receiver) acceptLoop() {
	defer r.wg.Done()
	for {
		c, err := r.ln.AcceptUnix()
		if err != nil {
			if !r.closed.Load() {
				transportLogger.Warnf("accept on %s failed: %v", r.Addr(), err)
			}
			return
		}
		r.mu.Lock()
		if r.closed.Load() {
			r.mu.Unlock()
			_ = c.Close()
			return
		}
		r.conns[c] = struct{}{}
		r.wg.Add(1)
		r.mu.Unlock()
		go r.serve(c)
	}
}

func (r *Receiver) serve(c *net.UnixConn) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		delete(r.conns, c)
		r.mu.Unlock()
		_ = c.Close()
	}()
	for {
		region, err := r.readRegion(c)
		if err != nil {
			var perm *shm.PermissionError
			switch {
			case errors.As(err, &perm), errors.Is(err, shm.ErrInvalidSize), errors.Is(err, shm.ErrInvalidRegion):
				transportLogger.Warnf("dropping region from peer: %v", err)
				continue
			case errors.Is(err, io.EOF), r.closed.Load():
			default:
				transportLogger.Warnf("closing connection: %v", err)
			}
			return
		}
		if err := r.inbox.Put(region); err != nil {
			_ = region.Close()
			return
		}
	}
}

func (r *Receiver) readRegion(c *net.UnixConn) (*shm.PlatformRegion, error) {
	buf := make([]byte, frameSize)
	files, err := transport.RecvFiles(c, buf, maxFiles)
	if err != nil {
		return nil, err
	}
	closeAll := func() {
		for _, f := range files {
			_ = f.Close()
		}
	}
	f, err := decodeFrame(buf)
	if err != nil {
		closeAll()
		return nil, err
	}
	if len(files) != f.files {
		closeAll()
		return nil, ErrBadFrame
	}
	if r.maxSize != 0 && f.size > r.maxSize {
		closeAll()
		return nil, shm.ErrInvalidSize
	}
	var ro *os.File
	if len(files) == 2 {
		ro = files[1]
	}
	return shm.Take(context.Background(), internalshm.NewHandle(files[0], ro), f.mode, f.size, f.guid)
}

// Receive returns the next region, waiting until one arrives, ctx is done,
// or the Receiver is closed. The caller owns the region.
func (r *Receiver) Receive(ctx context.Context) (*shm.PlatformRegion, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		items, err := r.inbox.Poll(1, pollInterval)
		switch {
		case errors.Is(err, queue.ErrTimeout):
			continue
		case errors.Is(err, queue.ErrDisposed):
			return nil, ErrClosed
		case err != nil:
			return nil, err
		}
		if len(items) == 0 {
			continue
		}
		return items[0].(*shm.PlatformRegion), nil
	}
}

// Close stops accepting, drops every connection and closes regions that
// were never received.
func (r *Receiver) Close() error {
	r.mu.Lock()
	if r.closed.Swap(true) {
		r.mu.Unlock()
		return nil
	}
	err := r.ln.Close()
	for c := range r.conns {
		_ = c.Close()
	}
	r.mu.Unlock()
	r.wg.Wait()
	for _, item := range r.inbox.Dispose() {
		_ = item.(*shm.PlatformRegion).Close()
	}
	return err
}
