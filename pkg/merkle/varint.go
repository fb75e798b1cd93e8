package merkle

import (
	"encoding/binary"
	"io"

	"github.com/cuemby/startd/pkg/errdefs"
)

// uvarintLen returns the encoded size of v.
func uvarintLen(v uint64) uint64 {
	var buf [binary.MaxVarintLen64]byte
	return uint64(binary.PutUvarint(buf[:], v))
}

// writeUvarint writes v to w.
func writeUvarint(w io.Writer, v uint64) error {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	_, err := w.Write(buf[:n])
	return errdefs.Wrap(errdefs.KindSerialization, err)
}

// readUvarint reads a uvarint from r.
func readUvarint(r io.Reader) (uint64, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = byteReader{r}
	}
	v, err := binary.ReadUvarint(br)
	if err != nil {
		return 0, errdefs.Wrap(errdefs.KindDeserialization, err)
	}
	return v, nil
}

type byteReader struct {
	io.Reader
}

func (b byteReader) ReadByte() (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(b.Reader, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}
