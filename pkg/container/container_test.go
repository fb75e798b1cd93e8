package container

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/startd/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel})
	os.Exit(m.Run())
}

func TestCreateIsIdempotentPerPackage(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	a, err := m.Create("hello", "")
	require.NoError(t, err)
	b, err := m.Create("hello", "")
	require.NoError(t, err)
	assert.Equal(t, a.Id, b.Id)

	other, err := m.Create("world", "")
	require.NoError(t, err)
	assert.NotEqual(t, a.Id, other.Id)
	assert.NotEqual(t, a.IP.String(), other.IP.String())
}

func TestCreateUnpacksRootfsSource(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "etc"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "etc", "hostname"), []byte("svc"), 0644))

	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	c, err := m.Create("hello", src)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(c.Rootfs, "etc", "hostname"))
	require.NoError(t, err)
	assert.Equal(t, "svc", string(data))
}

func TestDestroyForgetsContainer(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	c, err := m.Create("hello", "")
	require.NoError(t, err)
	rootfs := c.Rootfs

	require.NoError(t, m.Destroy("hello"))
	assert.Nil(t, m.Get("hello"))

	_, err = os.Stat(rootfs)
	assert.True(t, os.IsNotExist(err))

	// destroying a destroyed container is a no-op
	assert.NoError(t, m.Destroy("hello"))
}

func TestDestroyUnknownOverlayIsNoOp(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	c, err := m.Create("hello", "")
	require.NoError(t, err)

	assert.NoError(t, c.DestroyOverlay("no-such-guid"))
	assert.Empty(t, c.Mounts())
}

func TestResolveUser(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	c, err := m.Create("hello", "")
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(c.Rootfs, "etc"), 0755))
	passwd := "root:x:0:0:root:/root:/bin/sh\napp:x:1000:1000:app:/home/app:/bin/sh\n"
	require.NoError(t, os.WriteFile(filepath.Join(c.Rootfs, "etc", "passwd"), []byte(passwd), 0644))

	tests := []struct {
		user    string
		uid     uint32
		wantErr bool
	}{
		{user: "", uid: 0},
		{user: "0", uid: 0},
		{user: "1000", uid: 1000},
		{user: "app", uid: 1000},
		{user: "missing", wantErr: true},
	}
	for _, tt := range tests {
		uid, _, err := c.resolveUser(tt.user)
		if tt.wantErr {
			assert.Error(t, err, tt.user)
			continue
		}
		require.NoError(t, err, tt.user)
		assert.Equal(t, tt.uid, uid, tt.user)
	}
}

func TestBuildEnvFiltersHostEnvironment(t *testing.T) {
	t.Setenv("PATH", "/usr/bin")
	t.Setenv("SECRET_TOKEN", "leaky")

	env := buildEnv(map[string]string{"FOO": "bar"})

	assert.Contains(t, env, "PATH=/usr/bin")
	assert.Contains(t, env, "FOO=bar")
	for _, kv := range env {
		assert.NotContains(t, kv, "SECRET_TOKEN")
	}
}

func TestBuildEnvSkipEnv(t *testing.T) {
	t.Setenv("TERM", "xterm")

	env := buildEnv(map[string]string{"SKIP_ENV": "TERM,FOO", "FOO": "bar", "KEEP": "yes"})

	assert.Contains(t, env, "KEEP=yes")
	assert.NotContains(t, env, "FOO=bar")
	for _, kv := range env {
		assert.NotContains(t, kv, "TERM=")
	}
}
