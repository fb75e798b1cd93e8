package merkle

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/cuemby/startd/pkg/errdefs"
)

// FileContents wraps a FileSource as archive file content.
type FileContents struct {
	source FileSource
}

// NewFileContents creates file contents over a source.
func NewFileContents(source FileSource) FileContents {
	return FileContents{source: source}
}

// Source exposes the backing source.
func (f FileContents) Source() FileSource {
	return f.source
}

// headerSize is position (u64 BE) plus the uvarint-encoded length.
func (f FileContents) headerSize(size uint64) uint64 {
	return 8 + uvarintLen(size)
}

func (f FileContents) computeHash() (Hash, uint64, error) {
	r, err := f.source.Open()
	if err != nil {
		return Hash{}, 0, err
	}
	defer r.Close()
	return HashReader(r)
}

// serializeHeader writes the file header given the body's assigned position.
func (f FileContents) serializeHeader(position uint64, size uint64, w io.Writer) error {
	var pos [8]byte
	binary.BigEndian.PutUint64(pos[:], position)
	if _, err := w.Write(pos[:]); err != nil {
		return errdefs.Wrap(errdefs.KindSerialization, err)
	}
	return writeUvarint(w, size)
}

// copyTo streams the body to w. With verify set, the bytes are hashed in
// flight and compared against want; a mismatch fails with Pack.
func (f FileContents) copyTo(w io.Writer, verify bool, want Hash, wantSize uint64) error {
	r, err := f.source.Open()
	if err != nil {
		return err
	}
	defer r.Close()

	if !verify {
		n, err := io.Copy(w, r)
		if err != nil {
			return errdefs.Wrap(errdefs.KindSerialization, err)
		}
		if uint64(n) != wantSize {
			return errdefs.Newf(errdefs.KindPack, "file size changed during write: wrote %d, expected %d", n, wantSize)
		}
		return nil
	}

	h, n, err := hashingCopy(w, r)
	if err != nil {
		return errdefs.Wrap(errdefs.KindSerialization, err)
	}
	if n != wantSize {
		return errdefs.Newf(errdefs.KindPack, "file size changed during write: wrote %d, expected %d", n, wantSize)
	}
	if h != want {
		return errdefs.Newf(errdefs.KindPack, "file hash mismatch during write: %s != %s", h, want)
	}
	return nil
}

// readAll reads the body into memory, verifying against the entry hash.
func (f FileContents) readAll(want Hash, wantSize uint64) ([]byte, error) {
	r, err := f.source.Open()
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var buf bytes.Buffer
	h, n, err := hashingCopy(&buf, r)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindDeserialization, err)
	}
	if n != wantSize || h != want {
		return nil, errdefs.Newf(errdefs.KindParseS9pk, "file content does not match hash %s", want)
	}
	return buf.Bytes(), nil
}

// deserializeFileHeader reads position and length of a file entry.
func deserializeFileHeader(header io.Reader) (position, length uint64, err error) {
	var pos [8]byte
	if _, err := io.ReadFull(header, pos[:]); err != nil {
		return 0, 0, errdefs.Wrap(errdefs.KindDeserialization, err)
	}
	length, err = readUvarint(header)
	if err != nil {
		return 0, 0, err
	}
	return binary.BigEndian.Uint64(pos[:]), length, nil
}
