//go:build unix

package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/sys/unix"

	"github.com/srediag/shmem/internal/security"
)

const devShm = "/dev/shm"

const namePrefix = ".org.srediag.shmem."

// SelectDir picks the directory new regions are created in. preferred wins
// when set. Otherwise /dev/shm is used on Linux when it exists and, with
// checkFree, has room for size bytes; the OS temp dir is the fallback.
func SelectDir(preferred string, size uint64, checkFree bool) string {
	if preferred != "" {
		return preferred
	}
	if runtime.GOOS == "linux" && pathExists(devShm) && (!checkFree || hasFreeSpace(devShm, size)) {
		return devShm
	}
	return os.TempDir()
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// hasFreeSpace reports whether the filesystem at path has size bytes free.
// An unreadable filesystem is assumed to have room.
func hasFreeSpace(path string, size uint64) bool {
	stat, err := disk.Usage(path)
	if err != nil {
		internalLogger.Warnf("could not read %s usage: %v", path, err)
		return true
	}
	return stat.Free >= size
}

// Create makes a new anonymous shared memory object of size bytes in dir.
// With readOnlyTwin a second, read-only descriptor on the same inode is
// opened before the file is unlinked. This may block on filesystem I/O.
func Create(dir string, size uint64, readOnlyTwin bool) (Handle, error) {
	if size == 0 || size > MaxRegionSize {
		return Handle{}, fmt.Errorf("create: invalid size %d", size)
	}
	f, err := createTempFile(dir)
	if err != nil {
		return Handle{}, err
	}
	path := f.Name()
	h := Handle{File: f}
	unlinked := false
	defer func() {
		if !unlinked {
			_ = unix.Unlink(path)
		}
	}()

	if readOnlyTwin {
		ro, err := os.OpenFile(path, os.O_RDONLY, 0)
		if err != nil {
			_ = h.Close()
			return Handle{}, fmt.Errorf("open read-only: %w", err)
		}
		h.ReadOnlyFile = ro
	}
	if err := unix.Unlink(path); err != nil {
		internalLogger.Warnf("unlink %s failed: %v", path, err)
	} else {
		unlinked = true
	}

	if readOnlyTwin {
		var st, roSt unix.Stat_t
		if err := unix.Fstat(int(h.File.Fd()), &st); err != nil {
			_ = h.Close()
			return Handle{}, fmt.Errorf("fstat: %w", err)
		}
		if err := unix.Fstat(int(h.ReadOnlyFile.Fd()), &roSt); err != nil {
			_ = h.Close()
			return Handle{}, fmt.Errorf("fstat: %w", err)
		}
		if !sameFile(&st, &roSt) {
			_ = h.Close()
			return Handle{}, errors.New("create: read-only descriptor refers to a different file")
		}
	}

	if err := reserve(h.File, int64(size)); err != nil {
		_ = h.Close()
		return Handle{}, err
	}
	if err := unix.Ftruncate(int(h.File.Fd()), int64(size)); err != nil {
		_ = h.Close()
		return Handle{}, fmt.Errorf("ftruncate: %w", err)
	}
	internalLogger.Debugf("created shared memory object in %s size=%d readonly-twin=%v", dir, size, readOnlyTwin)
	return h, nil
}

func createTempFile(dir string) (*os.File, error) {
	op := func() (*os.File, error) {
		name, err := security.RandomName(12)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		f, err := os.OpenFile(filepath.Join(dir, namePrefix+name), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
		if err == nil {
			return f, nil
		}
		if errors.Is(err, os.ErrExist) || errors.Is(err, unix.EINTR) {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}
	f, err := backoff.RetryWithData(op, backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 8))
	if err != nil {
		internalLogger.Warnf("create temp file in %s failed: %v", dir, err)
		return nil, fmt.Errorf("create: %w", err)
	}
	return f, nil
}

// MapAnonymous maps size bytes of zeroed, process-private shareable memory.
func MapAnonymous(size int) ([]byte, error) {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap anonymous: %w", err)
	}
	return b, nil
}

// MapFile maps the first size bytes of f.
func MapFile(f *os.File, size int, writable bool) ([]byte, error) {
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	b, err := unix.Mmap(int(f.Fd()), 0, size, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", f.Name(), err)
	}
	return b, nil
}

// Msync writes dirty pages of b back to their file. On non-Apple systems
// the pages are also invalidated so other processes observe the write.
func Msync(b []byte, sync bool) error {
	flags := unix.MS_ASYNC
	if sync {
		flags = unix.MS_SYNC
	}
	if runtime.GOOS != "darwin" && runtime.GOOS != "ios" {
		flags |= unix.MS_INVALIDATE
	}
	if err := unix.Msync(b, flags); err != nil {
		return fmt.Errorf("msync: %w", err)
	}
	return nil
}
