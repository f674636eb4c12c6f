//go:build linux

package shm

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// reserve asks the filesystem to back size bytes of f up front, so running
// out of tmpfs space shows up here and not as a SIGBUS on first touch.
func reserve(f *os.File, size int64) error {
	for {
		err := unix.Fallocate(int(f.Fd()), 0, 0, size)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EOPNOTSUPP), errors.Is(err, unix.ENOSYS):
			internalLogger.Debugf("fallocate unsupported on %s, skipping reservation", f.Name())
			return nil
		default:
			return fmt.Errorf("fallocate %d bytes: %w", size, err)
		}
	}
}
