// Package health exposes liveness and readiness checks for persistent
// allocators and the mapping budget, served by heptiolabs/healthcheck.
package health

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/shmem/pkg/persistent"
	"github.com/srediag/shmem/pkg/security"
)

var (
	ErrCorrupt = errors.New("health: allocator is corrupt")
	ErrFull    = errors.New("health: allocator is full")
	ErrBudget  = errors.New("health: mapping budget nearly exhausted")
)

// NewHandler returns a healthcheck handler serving /live and /ready. With
// a registerer, every check's status is also exported as a gauge under
// namespace.
func NewHandler(reg prometheus.Registerer, namespace string) healthcheck.Handler {
	if reg == nil {
		return healthcheck.NewHandler()
	}
	return healthcheck.NewMetricsHandler(reg, namespace)
}

// AllocatorCheck fails once the allocator has found its segment corrupt.
// Corruption is permanent, so it belongs in a liveness check.
func AllocatorCheck(a *persistent.Allocator) healthcheck.Check {
	return func() error {
		if a.IsCorrupt() {
			return ErrCorrupt
		}
		return nil
	}
}

// AllocatorFullCheck fails when the allocator has run out of space or more
// than maxUsedPercent of it is in use.
func AllocatorFullCheck(a *persistent.Allocator, maxUsedPercent uint64) healthcheck.Check {
	return func() error {
		if a.IsFull() {
			return ErrFull
		}
		info := a.MemoryInfo()
		if info.Total == 0 {
			return nil
		}
		used := info.Total - info.Free
		if used*100/info.Total > maxUsedPercent {
			return fmt.Errorf("%w: %s of %s used", ErrFull,
				humanize.IBytes(used), humanize.IBytes(info.Total))
		}
		return nil
	}
}

// BudgetCheck fails when more than maxUsedPercent of the policy's mapping
// budget is reserved.
func BudgetCheck(p *security.Policy, maxUsedPercent uint64) healthcheck.Check {
	return func() error {
		limit := p.Limit()
		if limit == 0 {
			return nil
		}
		mapped := p.Mapped()
		if mapped*100/limit > maxUsedPercent {
			return fmt.Errorf("%w: %s of %s mapped", ErrBudget,
				humanize.IBytes(mapped), humanize.IBytes(limit))
		}
		return nil
	}
}

// RegisterAllocator adds the corruption check as a liveness check and the
// fullness check as a readiness check, both named after name.
func RegisterAllocator(h healthcheck.Handler, name string, a *persistent.Allocator, maxUsedPercent uint64) {
	h.AddLivenessCheck(name+"-corrupt", AllocatorCheck(a))
	h.AddReadinessCheck(name+"-full", AllocatorFullCheck(a, maxUsedPercent))
}
