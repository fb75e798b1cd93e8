package effect

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
	"github.com/cuemby/startd/pkg/log"
	"github.com/cuemby/startd/pkg/merkle"
	netctl "github.com/cuemby/startd/pkg/net"
	"github.com/cuemby/startd/pkg/patchdb"
	"github.com/cuemby/startd/pkg/s9pk"
	"github.com/cuemby/startd/pkg/supervisor"
	"github.com/cuemby/startd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel})
	os.Exit(m.Run())
}

type testBus struct {
	bus *Bus
	sup *supervisor.Supervisor
	db  *patchdb.PatchDB
	dir string
}

func newTestBus(t *testing.T) *testBus {
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

	paths := supervisor.Paths{
		Root:       filepath.Join(dir, "package-data"),
		BackupRoot: filepath.Join(dir, "backups"),
	}
	sup := supervisor.New(db, containers, controller, nil, supervisor.Config{
		Paths: paths, Arch: "x86_64", StopGrace: time.Second, IdleWindow: time.Minute,
	})
	return &testBus{bus: NewBus(sup, paths, "x86_64"), sup: sup, db: db, dir: dir}
}

func (tb *testBus) install(t *testing.T, id string) {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	manifest := types.Manifest{
		Id: types.PackageId(id), Title: id, Version: types.MustVersion("1.0.0"),
		Description: types.ManifestDescription{Short: id, Long: id},
	}
	encoded, err := json.Marshal(manifest)
	require.NoError(t, err)

	contents := merkle.NewDirectoryContents()
	require.NoError(t, contents.Put(s9pk.ManifestPath, merkle.NewFile(merkle.BytesSource(encoded))))

	var buf bytes.Buffer
	require.NoError(t, s9pk.New(contents, key).Serialize(&buf, true))
	path := filepath.Join(tb.dir, id+".s9pk")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))

	_, err = tb.sup.Install(context.Background(), path)
	require.NoError(t, err)
}

// call invokes an effect as the given package.
func (tb *testBus) call(t *testing.T, pkg, method string, params interface{}) (interface{}, error) {
	t.Helper()
	h := &handler{bus: tb.bus, pkg: types.PackageId(pkg)}
	var raw json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		require.NoError(t, err)
		raw = encoded
	}
	call := context.Background()
	seed, err := tb.sup.Seed(types.PackageId(pkg))
	if err != nil {
		return nil, err
	}
	svc, err := seed.Service()
	if err != nil {
		return nil, err
	}
	fn, ok := commands[method]
	require.True(t, ok, "unknown effect %s", method)
	return fn(call, &callCtx{bus: h.bus, sup: tb.sup, pkg: types.PackageId(pkg), svc: svc}, raw)
}

func TestStoreRoundTrip(t *testing.T) {
	tb := newTestBus(t)
	tb.install(t, "x")
	tb.install(t, "y")

	_, err := tb.call(t, "x", "setStore", map[string]interface{}{"path": "/k", "value": 42})
	require.NoError(t, err)

	got, err := tb.call(t, "x", "getStore", map[string]interface{}{"path": "/k"})
	require.NoError(t, err)
	assert.Equal(t, float64(42), got)

	// y cannot read x's store without exposure and a declared dependency
	_, err = tb.call(t, "y", "getStore", map[string]interface{}{"package-id": "x", "path": "/k"})
	require.Error(t, err)
	assert.Equal(t, errdefs.KindNotFound, errdefs.KindOf(err))

	// exposure alone is not enough
	_, err = tb.call(t, "x", "exposeForDependents", map[string]interface{}{"paths": []string{"/k"}})
	require.NoError(t, err)
	_, err = tb.call(t, "y", "getStore", map[string]interface{}{"package-id": "x", "path": "/k"})
	require.Error(t, err)

	// declaring the dependency completes the grant
	_, err = tb.call(t, "y", "setDependencies", map[string]interface{}{
		"dependencies": []map[string]interface{}{{
			"id": "x", "kind": "exists", "version-spec": "*",
		}},
	})
	require.NoError(t, err)

	got, err = tb.call(t, "y", "getStore", map[string]interface{}{"package-id": "x", "path": "/k"})
	require.NoError(t, err)
	assert.Equal(t, float64(42), got)
}

func TestSetStoreAlwaysScopedToCaller(t *testing.T) {
	tb := newTestBus(t)
	tb.install(t, "x")

	_, err := tb.call(t, "x", "setStore", map[string]interface{}{
		"package-id": "someone-else", "path": "/k", "value": 1,
	})
	require.NoError(t, err)

	// the write landed in x's own store regardless of the package-id param
	got, err := tb.call(t, "x", "getStore", map[string]interface{}{"path": "/k"})
	require.NoError(t, err)
	assert.Equal(t, float64(1), got)
}

func TestBindIdempotent(t *testing.T) {
	tb := newTestBus(t)
	tb.install(t, "x")

	first, err := tb.call(t, "x", "bind", map[string]interface{}{
		"host-id": "main", "internal-port": 8080,
	})
	require.NoError(t, err)

	second, err := tb.call(t, "x", "bind", map[string]interface{}{
		"host-id": "main", "internal-port": 8080,
	})
	require.NoError(t, err)
	assert.Equal(t,
		first.(*types.BindInfo).ExternalPort,
		second.(*types.BindInfo).ExternalPort)

	_, err = tb.call(t, "x", "clearBindings", nil)
	require.NoError(t, err)
	entry := tb.db.Peek().Doc.Public.PackageData["x"]
	assert.Empty(t, entry.Installed.Bindings)
}

func TestSetMainStatus(t *testing.T) {
	tb := newTestBus(t)
	tb.install(t, "x")

	// the supervisor is bringing the service up; the guest declares ready
	require.NoError(t, tb.db.Mutate(func(db *patchdb.Database) error {
		db.Public.PackageData["x"].Installed.Status = types.MainStatus{Status: types.StatusStarting}
		return nil
	}))
	_, err := tb.call(t, "x", "setMainStatus", map[string]interface{}{"status": "running"})
	require.NoError(t, err)
	entry := tb.db.Peek().Doc.Public.PackageData["x"]
	assert.Equal(t, types.StatusRunning, entry.Installed.Status.Status)
	assert.NotNil(t, entry.Installed.Status.StartedAt)

	_, err = tb.call(t, "x", "setMainStatus", map[string]interface{}{"status": "stopped"})
	require.NoError(t, err)
	entry = tb.db.Peek().Doc.Public.PackageData["x"]
	assert.Equal(t, types.StatusStopped, entry.Installed.Status.Status)

	// a guest cannot resurrect a service the host considers stopped
	_, err = tb.call(t, "x", "setMainStatus", map[string]interface{}{"status": "running"})
	require.Error(t, err)
	assert.Equal(t, errdefs.KindInvalidRequest, errdefs.KindOf(err))

	_, err = tb.call(t, "x", "setMainStatus", map[string]interface{}{"status": "exploded"})
	require.Error(t, err)
}

func TestExistsAndRunning(t *testing.T) {
	tb := newTestBus(t)
	tb.install(t, "x")

	got, err := tb.call(t, "x", "exists", map[string]interface{}{"package-id": "x"})
	require.NoError(t, err)
	assert.Equal(t, true, got)

	got, err = tb.call(t, "x", "exists", map[string]interface{}{"package-id": "nope"})
	require.NoError(t, err)
	assert.Equal(t, false, got)

	got, err = tb.call(t, "x", "stopped", nil)
	require.NoError(t, err)
	assert.Equal(t, true, got)

	got, err = tb.call(t, "x", "running", map[string]interface{}{"package-id": "x"})
	require.NoError(t, err)
	assert.Equal(t, false, got)
}

func TestDestroyedSeedRejectsEffects(t *testing.T) {
	tb := newTestBus(t)
	tb.install(t, "x")

	require.NoError(t, tb.sup.Remove(context.Background(), "x"))

	_, err := tb.call(t, "x", "exists", nil)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindInvalidRequest, errdefs.KindOf(err))
	assert.Contains(t, err.Error(), "destroyed")
}

func TestExportAndListServiceInterfaces(t *testing.T) {
	tb := newTestBus(t)
	tb.install(t, "x")

	_, err := tb.call(t, "x", "exportServiceInterface", map[string]interface{}{
		"id": "ui", "name": "Web UI", "has-primary": true, "type": "ui",
		"address-info": map[string]interface{}{"host-id": "main", "internal-port": 80},
	})
	require.NoError(t, err)

	got, err := tb.call(t, "x", "listServiceInterfaces", nil)
	require.NoError(t, err)
	ifaces := got.(map[types.InterfaceId]types.ServiceInterfaceWithHost)
	require.Contains(t, ifaces, types.InterfaceId("ui"))
	assert.Equal(t, "Web UI", ifaces["ui"].Name)

	_, err = tb.call(t, "x", "clearServiceInterfaces", nil)
	require.NoError(t, err)
	got, err = tb.call(t, "x", "listServiceInterfaces", nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestExportActionAndExecute(t *testing.T) {
	tb := newTestBus(t)
	tb.install(t, "x")

	_, err := tb.call(t, "x", "executeAction", map[string]interface{}{"action-id": "resync"})
	require.Error(t, err)
	assert.Equal(t, errdefs.KindNotFound, errdefs.KindOf(err))

	_, err = tb.call(t, "x", "exportAction", map[string]interface{}{
		"id": "resync", "metadata": map[string]interface{}{"name": "Resync"},
	})
	require.NoError(t, err)

	got, err := tb.call(t, "x", "executeAction", map[string]interface{}{"action-id": "resync"})
	require.NoError(t, err)
	assert.Equal(t, "Resync", got.(types.ActionResult).Title)

	_, err = tb.call(t, "x", "removeAction", map[string]interface{}{"id": "resync"})
	require.NoError(t, err)
	_, err = tb.call(t, "x", "executeAction", map[string]interface{}{"action-id": "resync"})
	require.Error(t, err)
}
