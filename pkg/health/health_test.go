package health

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/shmem/pkg/persistent"
	"github.com/srediag/shmem/pkg/security"
)

func newAllocator(t *testing.T, size int) *persistent.Allocator {
	a, err := persistent.NewAllocator(make([]byte, size), 0, 1, "", persistent.ReadWrite)
	require.NoError(t, err)
	return a
}

func status(h http.Handler, path string) int {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec.Code
}

func TestAllocatorChecks(t *testing.T) {
	a := newAllocator(t, 4096)
	assert.NoError(t, AllocatorCheck(a)())
	assert.NoError(t, AllocatorFullCheck(a, 50)())

	require.NotEqual(t, persistent.ReferenceNull, a.Allocate(3000, 1))
	assert.ErrorIs(t, AllocatorFullCheck(a, 50)(), ErrFull)
	assert.NoError(t, AllocatorFullCheck(a, 90)())

	for a.Allocate(512, 1) != persistent.ReferenceNull {
	}
	assert.ErrorIs(t, AllocatorFullCheck(a, 100)(), ErrFull)

	a.SetCorrupt()
	assert.ErrorIs(t, AllocatorCheck(a)(), ErrCorrupt)
}

func TestBudgetCheck(t *testing.T) {
	p := security.NewPolicy(1000)
	check := BudgetCheck(p, 80)
	assert.NoError(t, check())
	require.True(t, p.AcquireReservationForMapping(900))
	assert.ErrorIs(t, check(), ErrBudget)
	p.ReleaseReservationForMapping(900)
	assert.NoError(t, check())

	assert.NoError(t, BudgetCheck(security.NewPolicy(0), 0)())
}

func TestHandlerEndpoints(t *testing.T) {
	a := newAllocator(t, 4096)
	reg := prometheus.NewRegistry()
	h := NewHandler(reg, "shmem")
	RegisterAllocator(h, "events", a, 50)

	assert.Equal(t, http.StatusOK, status(h, "/live"))
	assert.Equal(t, http.StatusOK, status(h, "/ready"))

	a.Allocate(3000, 1)
	assert.Equal(t, http.StatusOK, status(h, "/live"))
	assert.Equal(t, http.StatusServiceUnavailable, status(h, "/ready"))

	a.SetCorrupt()
	assert.Equal(t, http.StatusServiceUnavailable, status(h, "/live"))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	plain := NewHandler(nil, "")
	assert.Equal(t, http.StatusOK, status(plain, "/live"))
}
