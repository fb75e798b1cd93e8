package setup

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/startd/pkg/config"
	"github.com/cuemby/startd/pkg/log"
	"github.com/cuemby/startd/pkg/patchdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel})
	os.Exit(m.Run())
}

func testConfig(t *testing.T) config.Config {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = filepath.Join(dir, "main")
	cfg.PackageDataDir = filepath.Join(dir, "package-data")
	cfg.DiskGuidFile = filepath.Join(dir, "config", "disk.guid")
	return cfg
}

func TestFreshSetup(t *testing.T) {
	cfg := testConfig(t)

	result, err := Fresh(cfg, Account{PasswordHash: "$2a$10$fake"}, "")
	require.NoError(t, err)

	assert.Len(t, result.ServerId, 8)
	assert.Contains(t, result.Hostname, "start9-")
	assert.Contains(t, result.TorAddress, ".onion")
	assert.Contains(t, result.LanAddress, ".local")

	// the GUID persisted and reads back
	assert.Equal(t, result.DiskGuid, ReadDiskGuid(cfg.DiskGuidFile))

	// the database exists with the account applied
	db, err := patchdb.Open(cfg.DataDir, func() *patchdb.Database {
		t.Fatal("database should already exist")
		return nil
	})
	require.NoError(t, err)
	defer db.Close()
	snap := db.Peek()
	assert.Equal(t, result.ServerId, snap.Doc.Public.ServerInfo.Id)
	assert.Equal(t, "$2a$10$fake", snap.Doc.Private.PasswordHash)
	assert.NotEmpty(t, snap.Doc.Private.TorKey)
}

func TestOnionAddressShape(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	addr := onionAddress(pub)
	assert.Len(t, addr, 56+len(".onion"))
	assert.Regexp(t, `^[a-z2-7]{56}\.onion$`, addr)

	// deterministic for the same key
	assert.Equal(t, addr, onionAddress(pub))
}

func TestMigrateCopiesAndResumes(t *testing.T) {
	old := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(old, "main"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(old, "package-data", "hello"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(old, "main", "startd.db"), []byte("dbdb"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(old, "package-data", "hello", "f"), []byte("data"), 0644))

	cfg := testConfig(t)
	var progress Progress
	require.NoError(t, Migrate(cfg, old, &progress))

	assert.Equal(t, uint64(8), progress.Total.Load())
	assert.Equal(t, uint64(8), progress.Copied.Load())

	data, err := os.ReadFile(filepath.Join(cfg.DataDir, "startd.db"))
	require.NoError(t, err)
	assert.Equal(t, "dbdb", string(data))

	data, err = os.ReadFile(filepath.Join(cfg.PackageDataDir, "hello", "f"))
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))

	// the checkpoint manifest is cleaned up on success
	_, err = os.Stat(filepath.Join(filepath.Dir(cfg.DataDir), migrateManifestName))
	assert.True(t, os.IsNotExist(err))
}
