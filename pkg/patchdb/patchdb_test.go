package patchdb

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/startd/pkg/types"
	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAccount() InitAccount {
	return InitAccount{
		ServerId:   "c3ad21d8",
		Hostname:   "test",
		LanAddress: "https://test.local",
		Version:    types.MustVersion("0.3.6"),
	}
}

func openTest(t *testing.T) *PatchDB {
	t.Helper()
	p, err := Open(t.TempDir(), func() *Database { return Init(testAccount()) })
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestMutateCommitsAtomically(t *testing.T) {
	p := openTest(t)

	err := p.Mutate(func(db *Database) error {
		db.Public.PackageData["hello"] = &PackageEntry{
			State:    types.StateInstalled,
			Manifest: types.Manifest{Id: "hello", Title: "Hello", Version: types.MustVersion("1.0.0")},
		}
		return nil
	})
	require.NoError(t, err)

	snap := p.Peek()
	assert.Equal(t, uint64(1), snap.Revision)
	require.Contains(t, snap.Doc.Public.PackageData, types.PackageId("hello"))
}

func TestMutateErrorDiscardsChanges(t *testing.T) {
	p := openTest(t)

	err := p.Mutate(func(db *Database) error {
		db.Public.ServerInfo.Hostname = "changed"
		return assert.AnError
	})
	require.Error(t, err)

	snap := p.Peek()
	assert.Equal(t, "test", snap.Doc.Public.ServerInfo.Hostname)
	assert.Equal(t, uint64(0), snap.Revision)
}

func TestPeekIsStableAcrossMutates(t *testing.T) {
	p := openTest(t)

	before := p.Peek()
	require.NoError(t, p.Mutate(func(db *Database) error {
		db.Public.ServerInfo.Hostname = "after"
		return nil
	}))

	// the old snapshot still sees the old value
	assert.Equal(t, "test", before.Doc.Public.ServerInfo.Hostname)
	assert.Equal(t, "after", p.Peek().Doc.Public.ServerInfo.Hostname)
}

func TestReopenLoadsPersistedState(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(dir, func() *Database { return Init(testAccount()) })
	require.NoError(t, err)
	require.NoError(t, p.Mutate(func(db *Database) error {
		db.Public.ServerInfo.Hostname = "durable"
		return nil
	}))
	require.NoError(t, p.Close())

	p, err = Open(dir, func() *Database { return Init(testAccount()) })
	require.NoError(t, err)
	defer p.Close()

	snap := p.Peek()
	assert.Equal(t, "durable", snap.Doc.Public.ServerInfo.Hostname)
	assert.Equal(t, uint64(1), snap.Revision)
}

func TestSubscribersObservePatchesInCommitOrder(t *testing.T) {
	p := openTest(t)

	sub, err := p.Subscribe("/public/server-info")
	require.NoError(t, err)
	defer sub.Cancel()

	require.NoError(t, p.Mutate(func(db *Database) error {
		db.Public.ServerInfo.UnreadNotificationCount = 1
		return nil
	}))
	require.NoError(t, p.Mutate(func(db *Database) error {
		db.Public.ServerInfo.UnreadNotificationCount = 2
		return nil
	}))

	first := <-sub.C
	second := <-sub.C
	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, "replace", first[0].Op)
	assert.Equal(t, float64(1), first[0].Value)
	assert.Equal(t, float64(2), second[0].Value)
}

func TestSubscriberScopeFiltersUnrelatedCommits(t *testing.T) {
	p := openTest(t)

	sub, err := p.Subscribe("/public/package-data")
	require.NoError(t, err)
	defer sub.Cancel()

	require.NoError(t, p.Mutate(func(db *Database) error {
		db.Public.ServerInfo.Hostname = "elsewhere"
		return nil
	}))

	select {
	case patch := <-sub.C:
		t.Fatalf("unexpected patch outside scope: %v", patch)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEmittedPatchesApplyCleanly(t *testing.T) {
	p := openTest(t)

	before, err := json.Marshal(p.Peek().Doc)
	require.NoError(t, err)

	sub, err := p.Subscribe("")
	require.NoError(t, err)
	defer sub.Cancel()

	require.NoError(t, p.Mutate(func(db *Database) error {
		db.Public.ServerInfo.Status = types.ServerBackingUp
		db.Public.PackageData["x"] = &PackageEntry{State: types.StateInstalling, Manifest: types.Manifest{Id: "x", Version: types.MustVersion("0.1.0")}}
		return nil
	}))

	patchOps := <-sub.C
	encoded, err := json.Marshal(patchOps)
	require.NoError(t, err)
	decoded, err := jsonpatch.DecodePatch(encoded)
	require.NoError(t, err)

	applied, err := decoded.Apply(before)
	require.NoError(t, err)

	after, err := json.Marshal(p.Peek().Doc)
	require.NoError(t, err)
	assert.JSONEq(t, string(after), string(applied))
}

func TestConcurrentMutatesSerialize(t *testing.T) {
	p := openTest(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Mutate(func(db *Database) error {
				db.Public.ServerInfo.UnreadNotificationCount++
				return nil
			})
		}()
	}
	wg.Wait()

	snap := p.Peek()
	assert.Equal(t, uint64(10), snap.Doc.Public.ServerInfo.UnreadNotificationCount)
	assert.Equal(t, uint64(10), snap.Revision)
}

func TestApplyExternalPatch(t *testing.T) {
	p := openTest(t)

	patch := []byte(`[{"op":"replace","path":"/public/server-info/hostname","value":"patched"}]`)
	require.NoError(t, p.Apply(patch))
	assert.Equal(t, "patched", p.Peek().Doc.Public.ServerInfo.Hostname)

	bad := []byte(`[{"op":"replace","path":"/public/absent/nope","value":1}]`)
	assert.Error(t, p.Apply(bad))
}

func TestPointerRoundTrip(t *testing.T) {
	doc := map[string]interface{}{}

	ptr, err := ParsePointer("/a/b/c")
	require.NoError(t, err)

	updated, err := ptr.Set(doc, 42)
	require.NoError(t, err)

	got, err := ptr.Get(updated)
	require.NoError(t, err)
	assert.Equal(t, 42, got)

	_, err = ptr.Remove(updated)
	require.NoError(t, err)
	_, err = ptr.Get(updated)
	assert.Error(t, err)
}
