// Package shm contains the platform-specific half of shared memory regions:
// the kernel object handle, its permission checks and the mmap primitives.
//
// Implementations are provided in platform-specific files (platform_unix.go,
// platform_windows.go). Every platform exposes the same Handle method set:
// Valid, Close, Duplicate and Map.
package shm

import (
	"errors"
	"fmt"
	"math"

	"github.com/srediag/shmem/internal/logger"
)

// Mode is the permission contract a region makes about its handle.
type Mode int

const (
	ModeReadOnly Mode = iota
	ModeWritable
	ModeUnsafe
)

func (m Mode) String() string {
	switch m {
	case ModeReadOnly:
		return "read-only"
	case ModeWritable:
		return "writable"
	case ModeUnsafe:
		return "unsafe"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// MaxRegionSize bounds every region so sizes always fit a signed 32-bit int.
const MaxRegionSize = math.MaxInt32

// Reason tells why a handle was rejected by CheckMode.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonInvalidHandle
	ReasonFcntlFailed
	ReasonExpectedReadOnlyButWritable
	ReasonExpectedWritableButReadOnly
	ReasonUnexpectedReadOnlyHandle
	ReasonMissingReadOnlyHandle
	ReasonReadOnlyHandleWritable
	ReasonHandleMismatch
	ReasonNotRegularFile
	ReasonTooSmall
	ReasonImageSection
)

var reasonNames = map[Reason]string{
	ReasonNone:                        "none",
	ReasonInvalidHandle:               "invalid handle",
	ReasonFcntlFailed:                 "fcntl failed",
	ReasonExpectedReadOnlyButWritable: "expected read-only handle but it is writable",
	ReasonExpectedWritableButReadOnly: "expected writable handle but it is read-only",
	ReasonUnexpectedReadOnlyHandle:    "unexpected read-only twin handle",
	ReasonMissingReadOnlyHandle:       "missing read-only twin handle",
	ReasonReadOnlyHandleWritable:      "read-only twin handle is writable",
	ReasonHandleMismatch:              "handles refer to different objects",
	ReasonNotRegularFile:              "handle is not a regular file",
	ReasonTooSmall:                    "backing object smaller than claimed size",
	ReasonImageSection:                "handle is an executable image section",
}

func (r Reason) String() string {
	if s, ok := reasonNames[r]; ok {
		return s
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// PermissionError is returned when the OS-level rights of a handle do not
// match the mode claimed for it.
type PermissionError struct {
	Mode   Mode
	Reason Reason
	Err    error
}

func (e *PermissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("shm: %s handle rejected: %s: %v", e.Mode, e.Reason, e.Err)
	}
	return fmt.Sprintf("shm: %s handle rejected: %s", e.Mode, e.Reason)
}

func (e *PermissionError) Unwrap() error { return e.Err }

var (
	ErrNoReadOnlyHandle = errors.New("shm: no read-only handle to convert to")
	ErrNotSupported     = errors.New("shm: operation not supported on this platform")
)

var internalLogger = logger.New("shm", nil)

// AlignUp rounds n up to a multiple of align, which must be a power of two.
// ok is false when the result would overflow.
func AlignUp(n, align uint64) (uint64, bool) {
	r := (n + align - 1) &^ (align - 1)
	if r < n {
		return 0, false
	}
	return r, true
}
