//go:build unix

package shm

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Handle is the POSIX shared memory object: a descriptor on an unlinked
// tmpfs file, plus for writable regions a read-only descriptor on the same
// inode that conversion to read-only switches to.
type Handle struct {
	File         *os.File
	ReadOnlyFile *os.File
}

// NewHandle adopts f and ro (which may be nil).
func NewHandle(f, ro *os.File) Handle {
	return Handle{File: f, ReadOnlyFile: ro}
}

func (h Handle) Valid() bool {
	return h.File != nil
}

// FD returns the primary descriptor or -1.
func (h Handle) FD() int {
	if h.File == nil {
		return -1
	}
	return int(h.File.Fd())
}

// Close releases both descriptors. The kernel object itself lives on until
// every descriptor referencing it, in any process, is closed.
func (h *Handle) Close() error {
	var first error
	if h.File != nil {
		first = h.File.Close()
		h.File = nil
	}
	if h.ReadOnlyFile != nil {
		if err := h.ReadOnlyFile.Close(); err != nil && first == nil {
			first = err
		}
		h.ReadOnlyFile = nil
	}
	return first
}

// Duplicate returns an independently owned handle on the same object.
func (h Handle) Duplicate() (Handle, error) {
	if !h.Valid() {
		return Handle{}, fmt.Errorf("dup: %w", unix.EBADF)
	}
	f, err := dupFile(h.File)
	if err != nil {
		return Handle{}, err
	}
	dup := Handle{File: f}
	if h.ReadOnlyFile != nil {
		ro, err := dupFile(h.ReadOnlyFile)
		if err != nil {
			_ = f.Close()
			return Handle{}, err
		}
		dup.ReadOnlyFile = ro
	}
	return dup, nil
}

func dupFile(f *os.File) (*os.File, error) {
	fd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		return nil, fmt.Errorf("dup: %w", err)
	}
	unix.CloseOnExec(fd)
	return os.NewFile(uintptr(fd), f.Name()), nil
}

// Map maps size bytes at offset, which must be a multiple of
// AllocationGranularity.
func (h Handle) Map(offset uint64, size int, writable bool) ([]byte, error) {
	if !h.Valid() {
		return nil, fmt.Errorf("mmap: %w", unix.EBADF)
	}
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	b, err := unix.Mmap(int(h.File.Fd()), int64(offset), size, prot, unix.MAP_SHARED)
	if err != nil {
		internalLogger.Warnf("mmap fd=%d offset=%d size=%d writable=%v failed: %v",
			h.File.Fd(), offset, size, writable, err)
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return b, nil
}

// Unmap releases a span previously returned by Map, MapFile or MapAnonymous.
func Unmap(b []byte) error {
	if err := unix.Munmap(b); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	return nil
}

// AllocationGranularity is the alignment of mapping offsets and sizes.
func AllocationGranularity() uint64 {
	return uint64(os.Getpagesize())
}

// DropWriteAccess switches the handle to its read-only twin. On failure the
// handle is left untouched.
func (h *Handle) DropWriteAccess() error {
	if h.ReadOnlyFile == nil {
		return ErrNoReadOnlyHandle
	}
	if err := h.File.Close(); err != nil {
		internalLogger.Warnf("close writable fd failed: %v", err)
	}
	h.File = h.ReadOnlyFile
	h.ReadOnlyFile = nil
	return nil
}

// DropReadOnlyHandle discards the read-only twin, giving up the ability to
// ever become read-only.
func (h *Handle) DropReadOnlyHandle() error {
	if h.ReadOnlyFile == nil {
		return nil
	}
	err := h.ReadOnlyFile.Close()
	h.ReadOnlyFile = nil
	return err
}

func accessMode(f *os.File) (int, error) {
	flags, err := unix.FcntlInt(f.Fd(), unix.F_GETFL, 0)
	if err != nil {
		return 0, err
	}
	return flags & unix.O_ACCMODE, nil
}

func sameFile(a, b *unix.Stat_t) bool {
	return a.Dev == b.Dev && a.Ino == b.Ino
}

// CheckMode verifies that the descriptors in h really carry the rights that
// mode claims, and that the backing file can hold size bytes. It is the
// defense against a peer passing a writable descriptor labeled read-only.
func CheckMode(h Handle, mode Mode, size uint64) error {
	reject := func(r Reason, err error) error {
		internalLogger.Warnf("rejecting %s handle: %s", mode, r)
		return &PermissionError{Mode: mode, Reason: r, Err: err}
	}
	if !h.Valid() {
		return reject(ReasonInvalidHandle, nil)
	}
	acc, err := accessMode(h.File)
	if err != nil {
		return reject(ReasonFcntlFailed, err)
	}
	var st unix.Stat_t
	if err := unix.Fstat(int(h.File.Fd()), &st); err != nil {
		return reject(ReasonFcntlFailed, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFREG {
		return reject(ReasonNotRegularFile, nil)
	}
	if st.Size < 0 || uint64(st.Size) < size {
		return reject(ReasonTooSmall, nil)
	}

	switch mode {
	case ModeReadOnly:
		if acc != unix.O_RDONLY {
			return reject(ReasonExpectedReadOnlyButWritable, nil)
		}
		if h.ReadOnlyFile != nil {
			return reject(ReasonUnexpectedReadOnlyHandle, nil)
		}
	case ModeWritable:
		if acc != unix.O_RDWR {
			return reject(ReasonExpectedWritableButReadOnly, nil)
		}
		if h.ReadOnlyFile == nil {
			return reject(ReasonMissingReadOnlyHandle, nil)
		}
		roAcc, err := accessMode(h.ReadOnlyFile)
		if err != nil {
			return reject(ReasonFcntlFailed, err)
		}
		if roAcc != unix.O_RDONLY {
			return reject(ReasonReadOnlyHandleWritable, nil)
		}
		var roSt unix.Stat_t
		if err := unix.Fstat(int(h.ReadOnlyFile.Fd()), &roSt); err != nil {
			return reject(ReasonFcntlFailed, err)
		}
		if !sameFile(&st, &roSt) {
			return reject(ReasonHandleMismatch, nil)
		}
	case ModeUnsafe:
		if acc != unix.O_RDWR {
			return reject(ReasonExpectedWritableButReadOnly, nil)
		}
		if h.ReadOnlyFile != nil {
			return reject(ReasonUnexpectedReadOnlyHandle, nil)
		}
	default:
		return reject(ReasonInvalidHandle, fmt.Errorf("unknown mode %d", int(mode)))
	}
	return nil
}

// Raw returns the primary descriptor as a handle value.
func (h Handle) Raw() uintptr {
	return uintptr(h.FD())
}
