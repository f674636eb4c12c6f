package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomTokenIsNonZeroAndDistinct(t *testing.T) {
	seen := make(map[[2]uint64]bool)
	for i := 0; i < 64; i++ {
		hi, lo, err := RandomToken()
		require.NoError(t, err)
		assert.False(t, hi == 0 && lo == 0)
		key := [2]uint64{hi, lo}
		assert.False(t, seen[key], "duplicate token")
		seen[key] = true
	}
}

func TestRandomName(t *testing.T) {
	name, err := RandomName(8)
	require.NoError(t, err)
	assert.Len(t, name, 16)
	other, err := RandomName(8)
	require.NoError(t, err)
	assert.NotEqual(t, name, other)
}
