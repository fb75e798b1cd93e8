package merkle

import (
	"encoding/hex"
	"io"

	"github.com/zeebo/blake3"
)

// HashSize is the length of a BLAKE3 digest.
const HashSize = 32

// Hash is a 32-byte BLAKE3 digest used for content addressing.
type Hash [HashSize]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// HashBytes digests a byte slice.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// HashReader digests a stream and returns the byte count alongside.
func HashReader(r io.Reader) (Hash, uint64, error) {
	hasher := blake3.New()
	n, err := io.Copy(hasher, r)
	if err != nil {
		return Hash{}, 0, err
	}
	var h Hash
	copy(h[:], hasher.Sum(nil))
	return h, uint64(n), nil
}

// hashingCopy copies src to dst while hashing the bytes in flight.
func hashingCopy(dst io.Writer, src io.Reader) (Hash, uint64, error) {
	hasher := blake3.New()
	n, err := io.Copy(io.MultiWriter(dst, hasher), src)
	if err != nil {
		return Hash{}, 0, err
	}
	var h Hash
	copy(h[:], hasher.Sum(nil))
	return h, uint64(n), nil
}
