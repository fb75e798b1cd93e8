package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuemby/startd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPChecker(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		healthy bool
	}{
		{name: "200 passes", status: http.StatusOK, healthy: true},
		{name: "302 passes", status: http.StatusFound, healthy: true},
		{name: "500 fails", status: http.StatusInternalServerError, healthy: false},
		{name: "404 fails", status: http.StatusNotFound, healthy: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			result := NewHTTPChecker(srv.URL, time.Second).Check(context.Background())
			assert.Equal(t, tt.healthy, result.Healthy, result.Message)
		})
	}
}

func TestTCPChecker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	result := NewTCPChecker(ln.Addr().String(), time.Second).Check(context.Background())
	assert.True(t, result.Healthy, result.Message)

	result = NewTCPChecker("127.0.0.1:1", 100*time.Millisecond).Check(context.Background())
	assert.False(t, result.Healthy)
}

func TestExecChecker(t *testing.T) {
	passing := &ExecChecker{
		Command: []string{"true"},
		Runner:  func(ctx context.Context, command []string) (int, error) { return 0, nil },
	}
	assert.True(t, passing.Check(context.Background()).Healthy)

	failing := &ExecChecker{
		Command: []string{"false"},
		Runner:  func(ctx context.Context, command []string) (int, error) { return 1, nil },
	}
	assert.False(t, failing.Check(context.Background()).Healthy)
}

func TestStatusKind(t *testing.T) {
	cfg := Config{Retries: 3}
	s := NewStatus()

	// no checks yet
	assert.Equal(t, types.HealthStarting, s.Kind(cfg))

	s.Update(Result{Healthy: true, CheckedAt: time.Now()})
	assert.Equal(t, types.HealthPassing, s.Kind(cfg))

	s.Update(Result{Healthy: false, CheckedAt: time.Now()})
	assert.Equal(t, types.HealthLoading, s.Kind(cfg))

	s.Update(Result{Healthy: false, CheckedAt: time.Now()})
	s.Update(Result{Healthy: false, CheckedAt: time.Now()})
	assert.Equal(t, types.HealthFailing, s.Kind(cfg))

	s.Update(Result{Healthy: true, CheckedAt: time.Now()})
	assert.Equal(t, types.HealthPassing, s.Kind(cfg))
}
