// Package security limits how much shared memory a process may map.
//
// Every mapping made through pkg/shm reserves its size against a Policy
// before the mmap call and gives the reservation back on unmap, so a
// misbehaving peer that hands out many large regions cannot exhaust the
// address space of its receivers.
package security

import (
	"math"
	"strconv"
	"sync/atomic"

	"github.com/srediag/shmem/internal/logger"
)

// DefaultLimit is the process-wide ceiling on concurrently mapped bytes.
var DefaultLimit uint64 = defaultLimit()

func defaultLimit() uint64 {
	if strconv.IntSize == 32 {
		return 1 << 30
	}
	return 32 << 30
}

var securityLogger = logger.New("security", nil)

// Policy is a budget of mappable bytes shared by concurrent callers.
type Policy struct {
	limit  atomic.Uint64
	mapped atomic.Uint64
}

// NewPolicy returns a Policy that admits at most limit mapped bytes.
func NewPolicy(limit uint64) *Policy {
	p := &Policy{}
	p.limit.Store(limit)
	return p
}

var defaultPolicy = NewPolicy(DefaultLimit)

// Default returns the process-wide policy.
func Default() *Policy {
	return defaultPolicy
}

// Limit returns the ceiling of p.
func (p *Policy) Limit() uint64 { return p.limit.Load() }

// SetLimit changes the ceiling. Reservations already granted are kept even
// when they now exceed it; only new ones are refused.
func (p *Policy) SetLimit(limit uint64) { p.limit.Store(limit) }

// Mapped returns the bytes currently reserved.
func (p *Policy) Mapped() uint64 { return p.mapped.Load() }

// AcquireReservationForMapping reserves size bytes. It reports false, leaving
// the budget unchanged, when that would exceed the limit.
func (p *Policy) AcquireReservationForMapping(size uint64) bool {
	for {
		cur, limit := p.mapped.Load(), p.limit.Load()
		if size > math.MaxUint64-cur || cur+size > limit {
			securityLogger.Warnf("mapping of %d bytes denied: %d of %d already mapped", size, cur, limit)
			return false
		}
		if p.mapped.CompareAndSwap(cur, cur+size) {
			return true
		}
	}
}

// ReleaseReservationForMapping returns size bytes taken by a previous
// successful AcquireReservationForMapping.
func (p *Policy) ReleaseReservationForMapping(size uint64) {
	for {
		cur := p.mapped.Load()
		if size > cur {
			securityLogger.Errorf("release of %d bytes exceeds %d reserved", size, cur)
			panic("security: mapping budget underflow")
		}
		if p.mapped.CompareAndSwap(cur, cur-size) {
			return
		}
	}
}
