//go:build windows

package shm

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

const (
	sectionQuery            = 0x0001
	secImage                = 0x1000000
	sectionBasicInformation = 0
	allocationGranularity   = 64 << 10
	mapAccessReadWrite      = windows.FILE_MAP_READ | windows.FILE_MAP_WRITE | sectionQuery
	mapAccessReadOnly       = windows.FILE_MAP_READ | sectionQuery
	processDupHandle        = 0x0040
	statusSuccess           = 0
)

var procNtQuerySection = windows.NewLazySystemDLL("ntdll.dll").NewProc("NtQuerySection")

type sectionBasicInfo struct {
	BaseAddress uintptr
	Attributes  uint32
	Size        int64
}

// Handle is a Windows section object. Rights are carried by the handle's
// access mask so no read-only twin is needed.
type Handle struct {
	Section windows.Handle
}

func NewHandle(section windows.Handle) Handle {
	return Handle{Section: section}
}

func (h Handle) Valid() bool {
	return h.Section != 0 && h.Section != windows.InvalidHandle
}

// Raw returns the handle value.
func (h Handle) Raw() uintptr {
	return uintptr(h.Section)
}

func (h *Handle) Close() error {
	if !h.Valid() {
		return nil
	}
	err := windows.CloseHandle(h.Section)
	h.Section = 0
	return err
}

func (h Handle) Duplicate() (Handle, error) {
	if !h.Valid() {
		return Handle{}, fmt.Errorf("duplicate: %w", windows.ERROR_INVALID_HANDLE)
	}
	var dup windows.Handle
	p := windows.CurrentProcess()
	if err := windows.DuplicateHandle(p, h.Section, p, &dup, 0, false, windows.DUPLICATE_SAME_ACCESS); err != nil {
		return Handle{}, fmt.Errorf("duplicate: %w", err)
	}
	return Handle{Section: dup}, nil
}

func (h Handle) Map(offset uint64, size int, writable bool) ([]byte, error) {
	if !h.Valid() {
		return nil, fmt.Errorf("map view: %w", windows.ERROR_INVALID_HANDLE)
	}
	access := uint32(windows.FILE_MAP_READ)
	if writable {
		access |= windows.FILE_MAP_WRITE
	}
	addr, err := windows.MapViewOfFile(h.Section, access, uint32(offset>>32), uint32(offset), uintptr(size))
	if err != nil {
		internalLogger.Warnf("MapViewOfFile offset=%d size=%d writable=%v failed: %v", offset, size, writable, err)
		return nil, fmt.Errorf("map view: %w", err)
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), nil
}

func Unmap(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if err := windows.UnmapViewOfFile(uintptr(unsafe.Pointer(&b[0]))); err != nil {
		return fmt.Errorf("unmap view: %w", err)
	}
	return nil
}

func AllocationGranularity() uint64 {
	return allocationGranularity
}

// DropWriteAccess replaces the section handle with one that only carries
// read and query rights. On failure the handle is left untouched.
func (h *Handle) DropWriteAccess() error {
	var ro windows.Handle
	p := windows.CurrentProcess()
	if err := windows.DuplicateHandle(p, h.Section, p, &ro, mapAccessReadOnly, false, 0); err != nil {
		return fmt.Errorf("reduce section rights: %w", err)
	}
	_ = windows.CloseHandle(h.Section)
	h.Section = ro
	return nil
}

func (h *Handle) DropReadOnlyHandle() error { return nil }

// canDuplicateWith reports whether the section can be reopened with access.
func canDuplicateWith(section windows.Handle, access uint32) bool {
	var probe windows.Handle
	p := windows.CurrentProcess()
	if err := windows.DuplicateHandle(p, section, p, &probe, access, false, 0); err != nil {
		return false
	}
	_ = windows.CloseHandle(probe)
	return true
}

func isImageSection(section windows.Handle) (bool, error) {
	if err := procNtQuerySection.Find(); err != nil {
		return false, err
	}
	var info sectionBasicInfo
	status, _, _ := procNtQuerySection.Call(uintptr(section), sectionBasicInformation,
		uintptr(unsafe.Pointer(&info)), unsafe.Sizeof(info), 0)
	if status != statusSuccess {
		return false, fmt.Errorf("NtQuerySection: status 0x%x", status)
	}
	return info.Attributes&secImage != 0, nil
}

// CheckMode verifies the access mask of h against mode. A section that maps
// an executable image is never accepted.
func CheckMode(h Handle, mode Mode, size uint64) error {
	reject := func(r Reason, err error) error {
		internalLogger.Warnf("rejecting %s handle: %s", mode, r)
		return &PermissionError{Mode: mode, Reason: r, Err: err}
	}
	if !h.Valid() {
		return reject(ReasonInvalidHandle, nil)
	}
	image, err := isImageSection(h.Section)
	if err != nil {
		return reject(ReasonFcntlFailed, err)
	}
	if image {
		return reject(ReasonImageSection, nil)
	}
	switch mode {
	case ModeReadOnly:
		if canDuplicateWith(h.Section, windows.FILE_MAP_WRITE) {
			return reject(ReasonExpectedReadOnlyButWritable, nil)
		}
	case ModeWritable, ModeUnsafe:
		if !canDuplicateWith(h.Section, windows.FILE_MAP_WRITE) {
			return reject(ReasonExpectedWritableButReadOnly, nil)
		}
	default:
		return reject(ReasonInvalidHandle, fmt.Errorf("unknown mode %d", int(mode)))
	}
	return nil
}

// SelectDir is meaningless for pagefile-backed sections.
func SelectDir(preferred string, size uint64, checkFree bool) string {
	return preferred
}

// Create makes a pagefile-backed section of size bytes. The returned handle
// carries only map and query rights. dir and readOnlyTwin are ignored.
func Create(dir string, size uint64, readOnlyTwin bool) (Handle, error) {
	if size == 0 || size > MaxRegionSize {
		return Handle{}, fmt.Errorf("create: invalid size %d", size)
	}
	section, err := windows.CreateFileMapping(windows.InvalidHandle, nil, windows.PAGE_READWRITE,
		uint32(size>>32), uint32(size), nil)
	if err != nil {
		return Handle{}, fmt.Errorf("CreateFileMapping: %w", err)
	}
	var reduced windows.Handle
	p := windows.CurrentProcess()
	err = windows.DuplicateHandle(p, section, p, &reduced, mapAccessReadWrite, false, windows.DUPLICATE_CLOSE_SOURCE)
	if err != nil {
		return Handle{}, fmt.Errorf("reduce section rights: %w", err)
	}
	return Handle{Section: reduced}, nil
}

// HandleFromParent duplicates a section handle value that lives in the
// parent process into this one.
func HandleFromParent(value uintptr) (Handle, error) {
	parent, err := windows.OpenProcess(processDupHandle, false, uint32(os.Getppid()))
	if err != nil {
		return Handle{}, fmt.Errorf("open parent process: %w", err)
	}
	defer windows.CloseHandle(parent)
	var h windows.Handle
	err = windows.DuplicateHandle(parent, windows.Handle(value), windows.CurrentProcess(), &h, 0, false,
		windows.DUPLICATE_SAME_ACCESS|windows.DUPLICATE_CLOSE_SOURCE)
	if err != nil {
		return Handle{}, fmt.Errorf("duplicate from parent: %w", err)
	}
	return Handle{Section: h}, nil
}

// MapAnonymous maps size bytes of zeroed memory.
func MapAnonymous(size int) ([]byte, error) {
	h, err := Create("", uint64(size), false)
	if err != nil {
		return nil, err
	}
	defer h.Close()
	return h.Map(0, size, true)
}

// MapFile maps the first size bytes of f.
func MapFile(f *os.File, size int, writable bool) ([]byte, error) {
	prot := uint32(windows.PAGE_READONLY)
	if writable {
		prot = windows.PAGE_READWRITE
	}
	section, err := windows.CreateFileMapping(windows.Handle(f.Fd()), nil, prot, 0, uint32(size), nil)
	if err != nil {
		return nil, fmt.Errorf("CreateFileMapping %s: %w", f.Name(), err)
	}
	h := Handle{Section: section}
	defer h.Close()
	return h.Map(0, size, writable)
}

func Msync(b []byte, sync bool) error {
	if len(b) == 0 {
		return nil
	}
	if err := windows.FlushViewOfFile(uintptr(unsafe.Pointer(&b[0])), uintptr(len(b))); err != nil {
		return fmt.Errorf("FlushViewOfFile: %w", err)
	}
	return nil
}
