package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/shmem/pkg/persistent"
	"github.com/srediag/shmem/pkg/shm"
)

func TestRunStress(t *testing.T) {
	l, err := persistent.NewLocalAllocator(1<<20, 1, "stress")
	require.NoError(t, err)
	defer l.Close()

	res, _, err := runStress(l.Allocator, 4, 2, 200)
	require.NoError(t, err)
	assert.Equal(t, int64(800), res.written.Load())
	assert.Equal(t, int64(1600), res.seen.Load(), "every reader sees every record")
	assert.Zero(t, res.torn.Load())
	assert.False(t, l.IsCorrupt())
}

func TestStressStopsWhenFull(t *testing.T) {
	l, err := persistent.NewLocalAllocator(8192, 1, "")
	require.NoError(t, err)
	defer l.Close()

	res, _, err := runStress(l.Allocator, 2, 1, 1000)
	require.NoError(t, err)
	assert.Less(t, res.written.Load(), int64(2000))
	assert.True(t, l.IsFull())
	assert.Equal(t, res.written.Load(), res.seen.Load())
}

func TestStressAndInspectFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "stress"+persistent.FileExtension)
	snap := filepath.Join(dir, "snap"+persistent.FileExtension)
	var out bytes.Buffer
	g := &globals{out: &out}

	cmd := &stressCmd{Size: shm.ByteSize(1 << 20), Writers: 2, Readers: 1, Records: 50, File: file, Snapshot: snap}
	require.NoError(t, cmd.Run(g))
	assert.Contains(t, out.String(), "wrote 100 records")

	for _, path := range []string{file, snap} {
		out.Reset()
		require.NoError(t, (&inspectCmd{File: path, Types: true}).Run(g))
		assert.Contains(t, out.String(), `name:     "shmtool-stress"`)
		assert.Contains(t, out.String(), "records:  100")
		assert.Contains(t, out.String(), "corrupt:  false")
		assert.Contains(t, out.String(), "type 0x57e55001: 100")
	}

	assert.Error(t, (&stressCmd{Size: 4096, Writers: 0, Records: 1}).Run(g))
}
