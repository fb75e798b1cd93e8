package backup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/startd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotAndRestore(t *testing.T) {
	volumes := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(volumes, "data"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(volumes, "data", "state.json"), []byte(`{"height":42}`), 0644))

	dest := t.TempDir()
	manifest, err := Snapshot("hello", types.MustVersion("1.0.0"), volumes, dest)
	require.NoError(t, err)
	assert.Equal(t, types.PackageId("hello"), manifest.PackageId)
	assert.NotEmpty(t, manifest.Hash)
	assert.NotZero(t, manifest.SizeBytes)

	read, err := ReadManifest(dest)
	require.NoError(t, err)
	assert.Equal(t, manifest.Hash, read.Hash)

	restored := t.TempDir()
	back, err := Restore(dest, restored)
	require.NoError(t, err)
	assert.Equal(t, manifest.Hash, back.Hash)

	data, err := os.ReadFile(filepath.Join(restored, "data", "state.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"height":42}`, string(data))
}

func TestRestoreRejectsTamperedArchive(t *testing.T) {
	volumes := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(volumes, "f"), []byte("content"), 0644))

	dest := t.TempDir()
	_, err := Snapshot("hello", types.MustVersion("1.0.0"), volumes, dest)
	require.NoError(t, err)

	archive := filepath.Join(dest, archiveName)
	data, err := os.ReadFile(archive)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(archive, data, 0600))

	_, err = Restore(dest, t.TempDir())
	require.Error(t, err)
}
