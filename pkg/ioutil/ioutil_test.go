package ioutil

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"testing"

	"github.com/cuemby/startd/pkg/merkle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParallelHasherMatchesSerial(t *testing.T) {
	payload := make([]byte, 512*1024)
	for i := range payload {
		payload[i] = byte(i)
	}

	h := NewParallelHasher(64 * 1024)
	for i := 0; i < len(payload); i += 4096 {
		end := i + 4096
		if end > len(payload) {
			end = len(payload)
		}
		_, err := h.Write(payload[i:end])
		require.NoError(t, err)
	}
	require.NoError(t, h.Close())

	hash, size := h.Sum()
	assert.Equal(t, uint64(len(payload)), size)
	assert.Equal(t, merkle.HashBytes(payload), hash)
}

func TestParallelHasherWriteAfterClose(t *testing.T) {
	h := NewParallelHasher(1024)
	require.NoError(t, h.Close())

	_, err := h.Write([]byte("late"))
	assert.ErrorIs(t, err, syscall.EPIPE)
}

func TestTmpDirDeletedOnClose(t *testing.T) {
	tmp, err := NewTmpDir(t.TempDir())
	require.NoError(t, err)

	path := tmp.Path()
	require.NoError(t, os.WriteFile(tmp.Join("scratch.txt"), []byte("x"), 0600))
	require.NoError(t, tmp.Close())

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestCopyDirReportsProgress(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "nested"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("hello"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "nested", "b.txt"), []byte("world!"), 0644))

	dst := filepath.Join(t.TempDir(), "copy")
	var progress atomic.Uint64
	require.NoError(t, CopyDir(src, dst, &progress))

	assert.Equal(t, uint64(11), progress.Load())

	data, err := os.ReadFile(filepath.Join(dst, "nested", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "world!", string(data))

	size, err := DirSize(dst)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), size)
}
