package shm

import (
	"fmt"

	"github.com/srediag/shmem/internal/security"
)

// GUID identifies a region across processes and handle duplication. It is
// carried explicitly when a region is serialized, never derived from the
// handle.
type GUID struct {
	High uint64
	Low  uint64
}

// NewGUID returns a fresh, non-zero, unguessable GUID.
func NewGUID() (GUID, error) {
	hi, lo, err := security.RandomToken()
	if err != nil {
		return GUID{}, err
	}
	return GUID{High: hi, Low: lo}, nil
}

func (g GUID) IsZero() bool {
	return g.High == 0 && g.Low == 0
}

func (g GUID) String() string {
	return fmt.Sprintf("%016X%016X", g.High, g.Low)
}
