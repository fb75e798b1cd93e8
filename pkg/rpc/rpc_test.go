package rpc

import (
	"encoding/json"
	"net/http/httptest"
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

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = dir
	cfg.PackageDataDir = dir + "/package-data"
	cfg.ContainerDir = dir + "/containers"
	cfg.BackupDir = dir + "/backups"
	cfg.DiskGuidFile = dir + "/config/disk.guid"

	ctx, err := Init(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { ctx.DB.Close() })

	hash, err := HashPassword("hunter2")
	require.NoError(t, err)
	require.NoError(t, ctx.DB.Mutate(func(db *patchdb.Database) error {
		db.Private.PasswordHash = hash
		return nil
	}))
	return NewServer(ctx)
}

func call(t *testing.T, s *Server, method string, params interface{}, token string) (interface{}, *rpcError) {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		require.NoError(t, err)
		raw = encoded
	}
	req := rpcRequest{JsonRpc: "2.0", Id: json.RawMessage(`1`), Method: method, Params: raw}

	httpReq := httptest.NewRequest("POST", "/rpc/v1", nil)
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	if err := s.authorize(httpReq, method); err != nil {
		resp := errorResponse(req.Id, err)
		return nil, resp.Error
	}
	result, err := s.dispatch(httpReq.Context(), &req, httpReq)
	if err != nil {
		resp := errorResponse(req.Id, err)
		return nil, resp.Error
	}
	return result, nil
}

func login(t *testing.T, s *Server) string {
	t.Helper()
	result, rpcErr := call(t, s, "auth.login", map[string]string{"password": "hunter2"}, "")
	require.Nil(t, rpcErr)
	return result.(map[string]string)["session"]
}

func TestEchoIsUnauthenticated(t *testing.T) {
	s := newTestServer(t)

	result, rpcErr := call(t, s, "echo", map[string]string{"message": "hello"}, "")
	require.Nil(t, rpcErr)
	assert.Equal(t, "hello", result)
}

func TestSetupStatusIsUnauthenticated(t *testing.T) {
	s := newTestServer(t)

	result, rpcErr := call(t, s, "setup.status", nil, "")
	require.Nil(t, rpcErr)
	status := result.(map[string]interface{})
	assert.Equal(t, false, status["initialized"])

	// once the disk GUID is persisted the server reports initialized
	require.NoError(t, os.MkdirAll(filepath.Dir(s.ctx.Cfg.DiskGuidFile), 0755))
	require.NoError(t, os.WriteFile(s.ctx.Cfg.DiskGuidFile, []byte("guid\n"), 0644))

	result, rpcErr = call(t, s, "setup.status", nil, "")
	require.Nil(t, rpcErr)
	assert.Equal(t, true, result.(map[string]interface{})["initialized"])
}

func TestSetupGetPubkeyIsUnauthenticated(t *testing.T) {
	s := newTestServer(t)

	result, rpcErr := call(t, s, "setup.get-pubkey", nil, "")
	require.Nil(t, rpcErr)
	assert.Contains(t, result.(map[string]string)["root-ca"], "BEGIN CERTIFICATE")
}

func TestAuthenticatedMethodRequiresSession(t *testing.T) {
	s := newTestServer(t)

	_, rpcErr := call(t, s, "package.list", nil, "")
	require.NotNil(t, rpcErr)

	token := login(t, s)
	_, rpcErr = call(t, s, "package.list", nil, token)
	assert.Nil(t, rpcErr)
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	s := newTestServer(t)

	_, rpcErr := call(t, s, "auth.login", map[string]string{"password": "wrong"}, "")
	require.NotNil(t, rpcErr)
}

func TestDbDumpNeverLeaksPrivate(t *testing.T) {
	s := newTestServer(t)
	token := login(t, s)

	result, rpcErr := call(t, s, "db.dump", nil, token)
	require.Nil(t, rpcErr)

	encoded, err := json.Marshal(result)
	require.NoError(t, err)
	assert.NotContains(t, string(encoded), "password-hash")
	assert.NotContains(t, string(encoded), "package-stores")
}

func TestUnknownMethod(t *testing.T) {
	s := newTestServer(t)
	token := login(t, s)

	_, rpcErr := call(t, s, "no.such.method", nil, token)
	require.NotNil(t, rpcErr)
	assert.Contains(t, rpcErr.Message, "unknown method")
}

func TestShutdownBroadcast(t *testing.T) {
	s := newTestServer(t)
	token := login(t, s)

	select {
	case <-s.ctx.ShutdownRequested():
		t.Fatal("shutdown before request")
	default:
	}

	_, rpcErr := call(t, s, "server.shutdown", nil, token)
	require.Nil(t, rpcErr)

	select {
	case <-s.ctx.ShutdownRequested():
	default:
		t.Fatal("shutdown not broadcast")
	}
}
