//go:build unix

package transport

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/srediag/shmem/pkg/shm"
)

const (
	frameMagic   = "SH"
	frameVersion = 1
	frameSize    = 32
	maxFiles     = 2
)

// ErrBadFrame is returned for a header that cannot be decoded. The
// connection it arrived on is dropped.
var ErrBadFrame = errors.New("transport: malformed region header")

type frame struct {
	mode  shm.Mode
	files int
	guid  shm.GUID
	size  uint64
}

func (f frame) encode() []byte {
	b := make([]byte, frameSize)
	copy(b, frameMagic)
	b[2] = frameVersion
	b[3] = byte(f.mode)
	b[4] = byte(f.files)
	binary.LittleEndian.PutUint64(b[8:], f.guid.High)
	binary.LittleEndian.PutUint64(b[16:], f.guid.Low)
	binary.LittleEndian.PutUint64(b[24:], f.size)
	return b
}

func decodeFrame(b []byte) (frame, error) {
	if len(b) != frameSize || string(b[:2]) != frameMagic {
		return frame{}, ErrBadFrame
	}
	if b[2] != frameVersion {
		return frame{}, fmt.Errorf("%w: version %d", ErrBadFrame, b[2])
	}
	f := frame{
		mode:  shm.Mode(b[3]),
		files: int(b[4]),
		guid:  shm.GUID{High: binary.LittleEndian.Uint64(b[8:]), Low: binary.LittleEndian.Uint64(b[16:])},
		size:  binary.LittleEndian.Uint64(b[24:]),
	}
	switch f.mode {
	case shm.ModeReadOnly, shm.ModeWritable, shm.ModeUnsafe:
	default:
		return frame{}, fmt.Errorf("%w: mode %d", ErrBadFrame, b[3])
	}
	if f.files < 1 || f.files > maxFiles {
		return frame{}, fmt.Errorf("%w: %d descriptors", ErrBadFrame, f.files)
	}
	return f, nil
}
