package persistent

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/panjf2000/ants/v2"

	internalshm "github.com/srediag/shmem/internal/shm"
)

// ErrEmptyFile is returned when a file to be attached read-only holds no
// segment.
var ErrEmptyFile = errors.New("persistent: file is empty")

const flushWorkers = 4

var flushPool = sync.OnceValues(func() (*ants.Pool, error) {
	return ants.NewPool(flushWorkers)
})

// FileAllocator is an allocator over a memory-mapped file, so its contents
// survive the process.
type FileAllocator struct {
	*Allocator
	mu   sync.RWMutex
	file *os.File
	mem  []byte
	path string
}

// OpenFileAllocator maps the file at path. In ReadWrite mode the file is
// created when missing. In the writable modes it is grown to maxSize; a
// maxSize of zero uses the file's current length.
func OpenFileAllocator(path string, maxSize int, id uint64, name string, mode AccessMode) (*FileAllocator, error) {
	if maxSize < 0 || maxSize > SegmentMaxSize {
		return nil, ErrUnacceptableMemory
	}
	flags := os.O_RDWR
	switch mode {
	case ReadOnly:
		flags = os.O_RDONLY
	case ReadWrite:
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open allocator file: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat allocator file: %w", err)
	}

	size := int64(maxSize)
	if size == 0 {
		size = st.Size()
	}
	if mode == ReadOnly {
		size = min(size, st.Size())
	} else if st.Size() < size {
		if err := f.Truncate(size); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("grow allocator file: %w", err)
		}
	}
	if size == 0 {
		_ = f.Close()
		return nil, ErrEmptyFile
	}
	if size > SegmentMaxSize {
		_ = f.Close()
		return nil, ErrUnacceptableMemory
	}

	mem, err := internalshm.MapFile(f, int(size), mode != ReadOnly)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	a, err := NewAllocator(mem, 0, id, name, mode)
	if err != nil {
		_ = internalshm.Unmap(mem)
		_ = f.Close()
		return nil, err
	}
	fa := &FileAllocator{Allocator: a, file: f, mem: mem, path: path}
	a.flushFn = fa.msync
	return fa, nil
}

func (f *FileAllocator) msync(length uint32, wait bool) error {
	if f.mem == nil {
		return os.ErrClosed
	}
	return internalshm.Msync(f.mem[:length], wait)
}

// Flush writes the used part of the segment to the file. After Close it
// returns os.ErrClosed.
func (f *FileAllocator) Flush(sync bool) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.mem == nil {
		return os.ErrClosed
	}
	return f.Allocator.Flush(sync)
}

// Cache faults in every used page so later reads do not wait on the disk.
func (f *FileAllocator) Cache() {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.mem == nil {
		return
	}
	var sum byte
	step := int(f.vmPage)
	for i := 0; i < f.Used(); i += step {
		sum += f.mem[i]
	}
	runtime.KeepAlive(sum)
}

// FlushAsync flushes synchronously on a background worker and reports the
// result to done, which may be nil. A flush that runs after Close reports
// os.ErrClosed.
func (f *FileAllocator) FlushAsync(done func(error)) error {
	pool, err := flushPool()
	if err != nil {
		return err
	}
	return pool.Submit(func() {
		err := f.Flush(true)
		if done != nil {
			done(err)
		}
	})
}

// Path is the name of the backing file.
func (f *FileAllocator) Path() string {
	return f.path
}

// Close unmaps and closes the file. Pending writes are not flushed; call
// Flush first when they must reach the disk.
func (f *FileAllocator) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var first error
	if f.mem != nil {
		first = internalshm.Unmap(f.mem)
		f.mem = nil
	}
	if f.file != nil {
		if err := f.file.Close(); err != nil && first == nil {
			first = err
		}
		f.file = nil
	}
	return first
}
