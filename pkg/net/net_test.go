package net

import (
	"crypto/x509"
	"encoding/pem"
	"net"
	"os"
	"testing"

	"github.com/cuemby/startd/pkg/log"
	"github.com/cuemby/startd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel})
	os.Exit(m.Run())
}

func TestPortAllocatorIdempotent(t *testing.T) {
	a := NewPortAllocator()

	first, err := a.Allocate("hello", "main", 8080, 0)
	require.NoError(t, err)

	second, err := a.Allocate("hello", "main", 8080, 0)
	require.NoError(t, err)
	assert.Equal(t, first, second, "re-binding the same triple must return the same port")

	other, err := a.Allocate("hello", "main", 9090, 0)
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestPortAllocatorPreferred(t *testing.T) {
	a := NewPortAllocator()

	port, err := a.Allocate("hello", "main", 8080, 28080)
	require.NoError(t, err)
	assert.Equal(t, uint16(28080), port)

	// preferred port already taken falls back to the range
	port, err = a.Allocate("world", "main", 8080, 28080)
	require.NoError(t, err)
	assert.NotEqual(t, uint16(28080), port)
}

func TestPortAllocatorRelease(t *testing.T) {
	a := NewPortAllocator()

	port, err := a.Allocate("hello", "main", 8080, 0)
	require.NoError(t, err)

	a.Release("hello", "main", 8080)
	_, err = a.Lookup("hello", "main", 8080)
	assert.Error(t, err)

	// releasing again is a warning, not a failure
	a.Release("hello", "main", 8080)

	// the freed port may be handed out again
	reused, err := a.Allocate("world", "web", 80, port)
	require.NoError(t, err)
	assert.Equal(t, port, reused)
}

func TestPortAllocatorReleaseAll(t *testing.T) {
	a := NewPortAllocator()
	_, err := a.Allocate("hello", "main", 1, 0)
	require.NoError(t, err)
	_, err = a.Allocate("hello", "main", 2, 0)
	require.NoError(t, err)
	_, err = a.Allocate("world", "main", 1, 0)
	require.NoError(t, err)

	a.ReleaseAll("hello")

	_, err = a.Lookup("hello", "main", 1)
	assert.Error(t, err)
	_, err = a.Lookup("world", "main", 1)
	assert.NoError(t, err)
}

func TestCertAuthorityIssuesVerifiableChain(t *testing.T) {
	ca, err := NewCertAuthority("start9-test")
	require.NoError(t, err)

	chain, err := ca.Issue("main", []string{"start9-test.local", "abcdef.onion"}, types.AlgorithmEcdsa)
	require.NoError(t, err)

	roots := x509.NewCertPool()
	require.True(t, roots.AppendCertsFromPEM([]byte(chain.Root)))
	inters := x509.NewCertPool()
	require.True(t, inters.AppendCertsFromPEM([]byte(chain.Intermediate)))

	block, _ := pem.Decode([]byte(chain.Leaf))
	require.NotNil(t, block)
	leaf, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)

	_, err = leaf.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: inters,
		DNSName:       "start9-test.local",
	})
	assert.NoError(t, err)

	// cached per host+algorithm
	again, err := ca.Issue("main", []string{"start9-test.local"}, types.AlgorithmEcdsa)
	require.NoError(t, err)
	assert.Equal(t, chain.Leaf, again.Leaf)

	// ed25519 leaves are issued independently
	ed, err := ca.Issue("main", []string{"start9-test.local"}, types.AlgorithmEd25519)
	require.NoError(t, err)
	assert.NotEqual(t, chain.Leaf, ed.Leaf)
}

func TestLanResponderPublish(t *testing.T) {
	r := NewLanResponder()
	r.Publish("start9-test.local", net.IPv4(192, 168, 1, 9))

	r.mu.RLock()
	_, ok := r.names["start9-test.local."]
	r.mu.RUnlock()
	assert.True(t, ok)

	r.Unpublish("start9-test.local")
	r.mu.RLock()
	_, ok = r.names["start9-test.local."]
	r.mu.RUnlock()
	assert.False(t, ok)
}
