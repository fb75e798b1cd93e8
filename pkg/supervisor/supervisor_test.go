package supervisor

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/startd/pkg/container"
	"github.com/cuemby/startd/pkg/errdefs"
	"github.com/cuemby/startd/pkg/health"
	"github.com/cuemby/startd/pkg/log"
	"github.com/cuemby/startd/pkg/merkle"
	netctl "github.com/cuemby/startd/pkg/net"
	"github.com/cuemby/startd/pkg/patchdb"
	"github.com/cuemby/startd/pkg/s9pk"
	"github.com/cuemby/startd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel})
	os.Exit(m.Run())
}

type harness struct {
	sup *Supervisor
	db  *patchdb.PatchDB
	dir string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	db, err := patchdb.Open(dir, func() *patchdb.Database {
		return patchdb.Init(patchdb.InitAccount{
			ServerId: "test", Hostname: "test", Version: types.MustVersion("0.3.6"),
		})
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	containers, err := container.NewManager(filepath.Join(dir, "containers"))
	require.NoError(t, err)

	ca, err := netctl.NewCertAuthority("test")
	require.NoError(t, err)
	controller := netctl.NewController(db, ca, containers.GetIP)

	sup := New(db, containers, controller, nil, Config{
		Paths: Paths{
			Root:       filepath.Join(dir, "package-data"),
			BackupRoot: filepath.Join(dir, "backups"),
		},
		Arch:       "x86_64",
		StopGrace:  time.Second,
		IdleWindow: 50 * time.Millisecond,
	})
	return &harness{sup: sup, db: db, dir: dir}
}

func writePackage(t *testing.T, dir string, manifest types.Manifest) string {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	encoded, err := json.Marshal(manifest)
	require.NoError(t, err)

	contents := merkle.NewDirectoryContents()
	require.NoError(t, contents.Put(s9pk.ManifestPath, merkle.NewFile(merkle.BytesSource(encoded))))
	require.NoError(t, contents.Put("LICENSE.md", merkle.NewFile(merkle.BytesSource("MIT"))))
	for _, image := range manifest.Images {
		path := s9pk.ImagePath("x86_64", image)
		require.NoError(t, contents.Put(path, merkle.NewFile(merkle.BytesSource("squash"))))
	}

	var buf bytes.Buffer
	require.NoError(t, s9pk.New(contents, key).Serialize(&buf, true))

	path := filepath.Join(dir, manifest.Id.String()+".s9pk")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
	return path
}

func helloManifest(version string) types.Manifest {
	return types.Manifest{
		Id:      "hello",
		Title:   "Hello",
		Version: types.MustVersion(version),
		Description: types.ManifestDescription{Short: "hi", Long: "hello"},
		Images:  []types.ImageId{"main"},
		Volumes: []types.VolumeId{"data"},
	}
}

func (h *harness) entry(t *testing.T, id types.PackageId) *patchdb.PackageEntry {
	t.Helper()
	entry, ok := h.db.Peek().Doc.Public.PackageData[id]
	require.True(t, ok, "package %s not in db", id)
	return entry
}

func TestInstallStartStop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	path := writePackage(t, h.dir, helloManifest("1.0.0"))
	svc, err := h.sup.Install(ctx, path)
	require.NoError(t, err)

	entry := h.entry(t, "hello")
	assert.Equal(t, types.StateInstalled, entry.State)
	require.NotNil(t, entry.Installed)
	assert.Equal(t, types.StatusStopped, entry.Installed.Status.Status)
	assert.NotNil(t, h.sup.Containers().Get("hello"))

	require.NoError(t, svc.Start(ctx))
	entry = h.entry(t, "hello")
	assert.Equal(t, types.StatusRunning, entry.Installed.Status.Status)
	require.NotNil(t, entry.Installed.Status.StartedAt, "running must record started_at")

	require.NoError(t, svc.Stop(ctx))
	entry = h.entry(t, "hello")
	assert.Equal(t, types.StatusStopped, entry.Installed.Status.Status)
	assert.Nil(t, entry.Installed.Status.StartedAt)

	// the idle window elapses and the container is torn down
	assert.Eventually(t, func() bool {
		return h.sup.Containers().Get("hello") == nil
	}, 2*time.Second, 20*time.Millisecond)
}

func TestInstallRejectsDuplicate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	path := writePackage(t, h.dir, helloManifest("1.0.0"))
	_, err := h.sup.Install(ctx, path)
	require.NoError(t, err)

	_, err = h.sup.Install(ctx, path)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindInvalidRequest, errdefs.KindOf(err))
}

func TestStartRequiresStopped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	path := writePackage(t, h.dir, helloManifest("1.0.0"))
	svc, err := h.sup.Install(ctx, path)
	require.NoError(t, err)

	require.NoError(t, svc.Start(ctx))
	err = svc.Start(ctx)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindInvalidRequest, errdefs.KindOf(err))
}

func TestDependencyGate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	aPath := writePackage(t, h.dir, types.Manifest{
		Id: "a", Title: "A", Version: types.MustVersion("1.0.0"),
		Description: types.ManifestDescription{Short: "a", Long: "a"},
	})
	bPath := writePackage(t, h.dir, types.Manifest{
		Id: "b", Title: "B", Version: types.MustVersion("1.0.0"),
		Description: types.ManifestDescription{Short: "b", Long: "b"},
	})

	a, err := h.sup.Install(ctx, aPath)
	require.NoError(t, err)
	b, err := h.sup.Install(ctx, bPath)
	require.NoError(t, err)

	require.NoError(t, b.SetDependencies([]types.DependencyRequirement{{
		Id:           "a",
		Kind:         types.DependencyRunning,
		HealthChecks: []types.HealthCheckId{"main"},
		VersionSpec:  types.MustVersionRange("*"),
	}}))

	// a is stopped: b must not start
	err = b.Start(ctx)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindDependencyFailure, errdefs.KindOf(err))
	assert.Contains(t, err.Error(), "a")

	// a running but health not passing: still gated
	require.NoError(t, a.Start(ctx))
	err = b.Start(ctx)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindDependencyFailure, errdefs.KindOf(err))

	// health passing: b starts
	require.NoError(t, a.SetHealth("main", types.HealthCheckResult{Result: types.HealthPassing}))
	require.NoError(t, b.Start(ctx))
}

func TestDependencyMirrorInvariant(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		path := writePackage(t, h.dir, types.Manifest{
			Id: types.PackageId(id), Title: id, Version: types.MustVersion("1.0.0"),
			Description: types.ManifestDescription{Short: id, Long: id},
		})
		_, err := h.sup.Install(ctx, path)
		require.NoError(t, err)
	}

	b, err := h.sup.Get("b")
	require.NoError(t, err)
	require.NoError(t, b.SetDependencies([]types.DependencyRequirement{{
		Id: "a", Kind: types.DependencyExists, VersionSpec: types.MustVersionRange("*"),
	}}))

	aEntry := h.entry(t, "a")
	assert.Contains(t, aEntry.Installed.CurrentDependents, types.PackageId("b"))

	// replacing the dependency set drops the mirror entry
	require.NoError(t, b.SetDependencies(nil))
	aEntry = h.entry(t, "a")
	assert.NotContains(t, aEntry.Installed.CurrentDependents, types.PackageId("b"))
}

func TestBackupReturnsToStopped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	path := writePackage(t, h.dir, helloManifest("1.0.0"))
	svc, err := h.sup.Install(ctx, path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(
		filepath.Join(h.sup.cfg.Paths.VolumeDir("hello", "data"), "state"), []byte("x"), 0644))

	require.NoError(t, svc.Start(ctx))
	manifest, err := svc.Backup(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, manifest.Hash)

	entry := h.entry(t, "hello")
	assert.Equal(t, types.StatusStopped, entry.Installed.Status.Status)
}

func TestUpdateEnforcesSourceVersion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.sup.Install(ctx, writePackage(t, h.dir, helloManifest("1.0.0")))
	require.NoError(t, err)

	tooNew := helloManifest("3.0.0")
	src := types.MustVersionRange(">=2.0.0")
	tooNew.SourceVersion = &src
	err = h.sup.Update(ctx, writePackage(t, h.dir, tooNew))
	require.Error(t, err)
	assert.Equal(t, errdefs.KindInvalidRequest, errdefs.KindOf(err))

	ok := helloManifest("2.0.0")
	okSrc := types.MustVersionRange(">=1.0.0 <2.0.0")
	ok.SourceVersion = &okSrc
	require.NoError(t, h.sup.Update(ctx, writePackage(t, h.dir, ok)))

	entry := h.entry(t, "hello")
	assert.Equal(t, "2.0.0", entry.Manifest.Version.String())
	assert.Equal(t, types.StateInstalled, entry.State)
}

func TestRemoveDestroysEverything(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.sup.Install(ctx, writePackage(t, h.dir, helloManifest("1.0.0")))
	require.NoError(t, err)

	require.NoError(t, h.sup.Remove(ctx, "hello"))

	_, ok := h.db.Peek().Doc.Public.PackageData["hello"]
	assert.False(t, ok)
	assert.Nil(t, h.sup.Containers().Get("hello"))

	// the actor seed is dead: effects must fail
	_, err = h.sup.Seed("hello")
	require.Error(t, err)
	assert.Equal(t, errdefs.KindInvalidRequest, errdefs.KindOf(err))
	assert.Contains(t, err.Error(), "destroyed")
}

func TestBootReconciliation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.sup.Install(ctx, writePackage(t, h.dir, helloManifest("1.0.0")))
	require.NoError(t, err)

	// simulate a crash mid-restart
	require.NoError(t, h.db.Mutate(func(db *patchdb.Database) error {
		db.Public.PackageData["hello"].Installed.Status = types.MainStatus{Status: types.StatusRestarting}
		return nil
	}))

	fresh := New(h.db, h.sup.containers, h.sup.netctl, nil, h.sup.cfg)
	require.NoError(t, fresh.CleanupAndInitialize(ctx))

	entry := h.entry(t, "hello")
	assert.Equal(t, types.StatusStopped, entry.Installed.Status.Status)

	_, err = fresh.Get("hello")
	assert.NoError(t, err)
}

func TestDeclaredHealthChecksFeedStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	svc, err := h.sup.Install(ctx, writePackage(t, h.dir, helloManifest("1.0.0")))
	require.NoError(t, err)
	require.NoError(t, svc.Start(ctx))

	// run probes by hand with a deterministic runner; the results must
	// land in the running status's health map
	manifest := helloManifest("1.0.0")
	manifest.HealthChecks = map[types.HealthCheckId]types.HealthCheckSpec{
		"main": {Type: "exec", Command: []string{"true"}, IntervalSecs: 1, TimeoutSecs: 1},
	}
	entries := svc.buildCheckEntries(&manifest)
	require.Len(t, entries, 1)
	entries[0].checker = &health.ExecChecker{
		Command: []string{"true"},
		Runner:  func(ctx context.Context, cmd []string) (int, error) { return 0, nil },
	}
	svc.runCheck(ctx, entries[0])

	entry := h.entry(t, "hello")
	require.Contains(t, entry.Installed.Status.Health, types.HealthCheckId("main"))
	assert.Equal(t, types.HealthPassing, entry.Installed.Status.Health["main"].Result)

	// a failing probe degrades through loading before failing
	entries[0].checker = &health.ExecChecker{
		Command: []string{"false"},
		Runner:  func(ctx context.Context, cmd []string) (int, error) { return 1, nil },
	}
	svc.runCheck(ctx, entries[0])
	entry = h.entry(t, "hello")
	assert.Equal(t, types.HealthLoading, entry.Installed.Status.Health["main"].Result)
}

func TestHealthMonitorLifetime(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	manifest := helloManifest("1.0.0")
	manifest.HealthChecks = map[types.HealthCheckId]types.HealthCheckSpec{
		"port": {Type: "tcp", Port: 80, IntervalSecs: 1, TimeoutSecs: 1},
	}
	svc, err := h.sup.Install(ctx, writePackage(t, h.dir, manifest))
	require.NoError(t, err)

	require.NoError(t, svc.Start(ctx))
	svc.mu.Lock()
	assert.NotNil(t, svc.healthCancel, "start must spawn the health monitor")
	svc.mu.Unlock()

	require.NoError(t, svc.Stop(ctx))
	svc.mu.Lock()
	assert.Nil(t, svc.healthCancel, "stop must join the health monitor")
	svc.mu.Unlock()
}

func TestSetHealthOnlyWhileRunning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	svc, err := h.sup.Install(ctx, writePackage(t, h.dir, helloManifest("1.0.0")))
	require.NoError(t, err)

	// stopped: the report is dropped
	require.NoError(t, svc.SetHealth("main", types.HealthCheckResult{Result: types.HealthPassing}))
	entry := h.entry(t, "hello")
	assert.Empty(t, entry.Installed.Status.Health)

	require.NoError(t, svc.Start(ctx))
	require.NoError(t, svc.SetHealth("main", types.HealthCheckResult{Result: types.HealthPassing}))
	entry = h.entry(t, "hello")
	assert.Equal(t, types.HealthPassing, entry.Installed.Status.Health["main"].Result)
}
