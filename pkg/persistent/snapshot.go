package persistent

import (
	"bytes"
	"fmt"

	"github.com/natefinch/atomic"
)

// WriteSnapshot atomically replaces path with the used part of the
// segment. The file can be opened with OpenFileAllocator in ReadOnly mode.
// Writers may keep allocating meanwhile; blocks they add after the used
// size is sampled are not included.
func (a *Allocator) WriteSnapshot(path string) error {
	used := a.Used()
	if err := atomic.WriteFile(path, bytes.NewReader(a.mem[:used])); err != nil {
		pmaLogger.Warnf("snapshot to %s failed: %v", path, err)
		return fmt.Errorf("write snapshot: %w", err)
	}
	pmaLogger.Debugf("wrote %d byte snapshot to %s", used, path)
	return nil
}
