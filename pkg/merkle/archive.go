package merkle

import (
	"crypto"
	"crypto/ed25519"
	"crypto/sha512"
	"encoding/binary"
	"io"

	"github.com/cuemby/startd/pkg/errdefs"
)

// signer is either a verified signature carried from deserialization or a
// private key that signs on serialize.
type signer struct {
	// signed form
	pubkey    ed25519.PublicKey
	signature []byte
	maxSize   uint64

	// signing form
	key ed25519.PrivateKey

	context string
}

// MerkleArchive is a signed tree of content-addressed entries.
type MerkleArchive struct {
	signer   signer
	contents *DirectoryContents
}

// New creates an archive that will be signed with key under the given
// domain-separation context when serialized.
func New(contents *DirectoryContents, key ed25519.PrivateKey, context string) *MerkleArchive {
	return &MerkleArchive{
		signer:   signer{key: key, context: context},
		contents: contents,
	}
}

// Signer returns the verifying key of the archive's signer.
func (a *MerkleArchive) Signer() ed25519.PublicKey {
	if a.signer.key != nil {
		return a.signer.key.Public().(ed25519.PublicKey)
	}
	return a.signer.pubkey
}

// Contents returns the root directory.
func (a *MerkleArchive) Contents() *DirectoryContents {
	return a.contents
}

// SetSigner replaces the signer, e.g. to re-sign a modified archive.
func (a *MerkleArchive) SetSigner(key ed25519.PrivateKey, context string) {
	a.signer = signer{key: key, context: context}
}

// UpdateHashes recomputes entry hashes bottom-up.
func (a *MerkleArchive) UpdateHashes(onlyMissing bool) error {
	return a.contents.UpdateHashes(onlyMissing)
}

// Filter prunes entries by path, leaving verifiable Missing stubs.
func (a *MerkleArchive) Filter(keep func(path string) bool) error {
	return a.contents.Filter(keep)
}

// Sort applies the default lexicographic entry order recursively.
func (a *MerkleArchive) Sort() {
	a.contents.Sort()
}

// SortBy applies a caller-supplied total order recursively. Ordering is part
// of the signed digest, so sort before signing, not after.
func (a *MerkleArchive) SortBy(less func(a, b string) bool) {
	a.contents.SortBy(less)
}

// HeaderSize is the fixed-size portion of the signed root header.
const HeaderSize = 32 + 64 + HashSize + 8 + directoryHeaderSize

// signedDigest builds the Ed25519ph prehash: SHA-512(sighash || max_size BE).
func signedDigest(sighash Hash, maxSize uint64) []byte {
	h := sha512.New()
	h.Write(sighash[:])
	var size [8]byte
	binary.BigEndian.PutUint64(size[:], maxSize)
	h.Write(size[:])
	return h.Sum(nil)
}

// Serialize emits the archive in a single forward pass: signed root header,
// root TOC, then the write queue of file bodies and child TOCs. With verify
// set, file bodies are re-hashed during the write and a mismatch fails
// with Pack.
func (a *MerkleArchive) Serialize(w io.Writer, verify bool) error {
	sighash, err := a.contents.Sighash()
	if err != nil {
		return err
	}
	tocSize, err := a.contents.tocSize()
	if err != nil {
		return err
	}

	var pubkey ed25519.PublicKey
	var signature []byte
	var maxSize uint64
	if a.signer.key != nil {
		maxSize = tocSize
		pubkey = a.signer.key.Public().(ed25519.PublicKey)
		signature, err = a.signer.key.Sign(nil, signedDigest(sighash, maxSize), &ed25519.Options{
			Hash:    crypto.SHA512,
			Context: a.signer.context,
		})
		if err != nil {
			return errdefs.Wrap(errdefs.KindPack, err)
		}
	} else {
		pubkey = a.signer.pubkey
		signature = a.signer.signature
		maxSize = a.signer.maxSize
	}

	cw := &countingWriter{w: w}
	for _, chunk := range [][]byte{pubkey, signature, sighash[:]} {
		if _, err := cw.Write(chunk); err != nil {
			return errdefs.Wrap(errdefs.KindSerialization, err)
		}
	}
	var sizeBuf [8]byte
	binary.BigEndian.PutUint64(sizeBuf[:], maxSize)
	if _, err := cw.Write(sizeBuf[:]); err != nil {
		return errdefs.Wrap(errdefs.KindSerialization, err)
	}

	tocPosition := uint64(HeaderSize)
	if err := a.contents.serializeHeader(tocPosition, tocSize, cw); err != nil {
		return err
	}
	queue := newWriteQueue(tocPosition + tocSize)
	if err := a.contents.serializeTOC(queue, cw); err != nil {
		return err
	}
	return queue.drain(cw, verify)
}

// Deserialize reads the root header from header, verifies the signature
// against the domain-separation context, parses the tree, and checks every
// directory entry against its computed sighash. File bodies resolve to
// Sections of source and verify lazily on read.
func Deserialize(source io.ReaderAt, context string, header io.Reader) (*MerkleArchive, error) {
	pubkey := make([]byte, 32)
	if _, err := io.ReadFull(header, pubkey); err != nil {
		return nil, errdefs.Wrap(errdefs.KindParseS9pk, err)
	}
	signature := make([]byte, 64)
	if _, err := io.ReadFull(header, signature); err != nil {
		return nil, errdefs.Wrap(errdefs.KindParseS9pk, err)
	}
	var sighash Hash
	if _, err := io.ReadFull(header, sighash[:]); err != nil {
		return nil, errdefs.Wrap(errdefs.KindParseS9pk, err)
	}
	var sizeBuf [8]byte
	if _, err := io.ReadFull(header, sizeBuf[:]); err != nil {
		return nil, errdefs.Wrap(errdefs.KindParseS9pk, err)
	}
	maxSize := binary.BigEndian.Uint64(sizeBuf[:])

	key := ed25519.PublicKey(pubkey)
	err := ed25519.VerifyWithOptions(key, signedDigest(sighash, maxSize), signature, &ed25519.Options{
		Hash:    crypto.SHA512,
		Context: context,
	})
	if err != nil {
		return nil, errdefs.Newf(errdefs.KindParseS9pk, "signature verification failed: %v", err)
	}

	contents, err := deserializeDirectory(source, header)
	if err != nil {
		return nil, err
	}
	computed, err := contents.Sighash()
	if err != nil {
		return nil, err
	}
	if computed != sighash {
		return nil, errdefs.New(errdefs.KindParseS9pk, "table of contents does not match signed digest")
	}
	if err := contents.verifyHashes(); err != nil {
		return nil, err
	}

	return &MerkleArchive{
		signer: signer{
			pubkey:    key,
			signature: signature,
			maxSize:   maxSize,
			context:   context,
		},
		contents: contents,
	}, nil
}

// countingWriter tracks the absolute write position.
type countingWriter struct {
	w io.Writer
	n uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += uint64(n)
	return n, err
}
