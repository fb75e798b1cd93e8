package merkle

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/cuemby/startd/pkg/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testContext = "startos"

func testKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return key
}

func serialize(t *testing.T, a *MerkleArchive, verify bool) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, a.Serialize(&buf, verify))
	return buf.Bytes()
}

func deserialize(t *testing.T, data []byte, context string) *MerkleArchive {
	t.Helper()
	a, err := Deserialize(bytes.NewReader(data), context, bytes.NewReader(data))
	require.NoError(t, err)
	return a
}

func TestEmptyArchiveSignAndVerify(t *testing.T) {
	key := testKey(t)
	a := New(NewDirectoryContents(), key, testContext)

	data := serialize(t, a, true)

	back := deserialize(t, data, testContext)
	assert.Equal(t, []byte(key.Public().(ed25519.PublicKey)), []byte(back.Signer()))
	assert.Equal(t, 0, back.Contents().Len())

	// a different domain-separation context must always fail
	_, err := Deserialize(bytes.NewReader(data), "other", bytes.NewReader(data))
	require.Error(t, err)
	assert.Equal(t, errdefs.KindParseS9pk, errdefs.KindOf(err))
}

func TestArchiveRoundTrip(t *testing.T) {
	key := testKey(t)
	contents := NewDirectoryContents()
	require.NoError(t, contents.Put("a.txt", NewFile(BytesSource("hi"))))
	require.NoError(t, contents.Put("dir/b.txt", NewFile(BytesSource("ho"))))
	require.NoError(t, contents.Put("dir/c.txt", NewFile(BytesSource("hum"))))
	contents.Sort()

	a := New(contents, key, testContext)
	data := serialize(t, a, true)
	back := deserialize(t, data, testContext)

	body, err := back.Contents().Get("a.txt").ReadFile()
	require.NoError(t, err)
	assert.Equal(t, "hi", string(body))

	body, err = back.Contents().Get("dir/b.txt").ReadFile()
	require.NoError(t, err)
	assert.Equal(t, "ho", string(body))

	// serializing the deserialized archive reproduces the same bytes
	again := serialize(t, back, true)
	assert.Equal(t, data, again)
}

func TestContentAddressing(t *testing.T) {
	key := testKey(t)
	contents := NewDirectoryContents()
	require.NoError(t, contents.Put("file.bin", NewFile(BytesSource("payload"))))

	a := New(contents, key, testContext)
	data := serialize(t, a, true)
	back := deserialize(t, data, testContext)

	entry := back.Contents().Get("file.bin")
	require.NotNil(t, entry.Hash())
	assert.Equal(t, HashBytes([]byte("payload")), entry.Hash().Hash)
	assert.Equal(t, uint64(len("payload")), entry.Hash().Size)
}

func TestMissingSubtreeStillVerifies(t *testing.T) {
	key := testKey(t)
	contents := NewDirectoryContents()
	require.NoError(t, contents.Put("a.txt", NewFile(BytesSource("hi"))))
	require.NoError(t, contents.Put("dir/b.txt", NewFile(BytesSource("ho"))))
	contents.Sort()

	full := serialize(t, New(contents, key, testContext), true)
	a := deserialize(t, full, testContext)

	require.NoError(t, a.Filter(func(path string) bool { return path != "dir/b.txt" }))

	pruned := serialize(t, a, true)
	back := deserialize(t, pruned, testContext)

	entry := back.Contents().Get("dir/b.txt")
	require.NotNil(t, entry)
	assert.True(t, entry.IsMissing())
	require.NotNil(t, entry.Hash())
	assert.Equal(t, HashBytes([]byte("ho")), entry.Hash().Hash)
	assert.Equal(t, uint64(2), entry.Hash().Size)

	// the stub is reported on read, never treated as empty
	_, err := entry.ReadFile()
	require.Error(t, err)
	assert.Equal(t, errdefs.KindParseS9pk, errdefs.KindOf(err))

	// the materialized sibling is still readable
	body, err := back.Contents().Get("a.txt").ReadFile()
	require.NoError(t, err)
	assert.Equal(t, "hi", string(body))
}

func TestTamperedContentFailsOnRead(t *testing.T) {
	key := testKey(t)
	contents := NewDirectoryContents()
	require.NoError(t, contents.Put("a.txt", NewFile(BytesSource("hello world"))))

	data := serialize(t, New(contents, key, testContext), true)

	// flip a byte in the file body (the last byte of the archive)
	data[len(data)-1] ^= 0xff

	back := deserialize(t, data, testContext)
	_, err := back.Contents().Get("a.txt").ReadFile()
	require.Error(t, err)
	assert.Equal(t, errdefs.KindParseS9pk, errdefs.KindOf(err))
}

func TestTamperedTOCFailsDeserialize(t *testing.T) {
	key := testKey(t)
	contents := NewDirectoryContents()
	require.NoError(t, contents.Put("a.txt", NewFile(BytesSource("hi"))))

	data := serialize(t, New(contents, key, testContext), true)

	// flip a byte inside the TOC region, just past the fixed header
	data[HeaderSize+2] ^= 0xff

	_, err := Deserialize(bytes.NewReader(data), testContext, bytes.NewReader(data))
	require.Error(t, err)
}

func TestSerializeVerifyCatchesChangedSource(t *testing.T) {
	key := testKey(t)
	payload := []byte("stable")
	contents := NewDirectoryContents()
	require.NoError(t, contents.Put("f", NewFile(BytesSource(payload))))

	a := New(contents, key, testContext)
	require.NoError(t, a.UpdateHashes(false))

	// mutate the backing buffer after hashing
	payload[0] = 'X'

	var buf bytes.Buffer
	err := a.Serialize(&buf, true)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindPack, errdefs.KindOf(err))
}

func TestSortOrderIsPartOfDigest(t *testing.T) {
	key := testKey(t)

	build := func(reverse bool) []byte {
		contents := NewDirectoryContents()
		require.NoError(t, contents.Put("a", NewFile(BytesSource("1"))))
		require.NoError(t, contents.Put("b", NewFile(BytesSource("2"))))
		if reverse {
			contents.SortBy(func(x, y string) bool { return x > y })
		} else {
			contents.Sort()
		}
		var buf bytes.Buffer
		require.NoError(t, New(contents, key, testContext).Serialize(&buf, false))
		return buf.Bytes()
	}

	forward := build(false)
	backward := build(true)
	assert.NotEqual(t, forward[96:128], backward[96:128], "sighash must cover entry order")
}
