package merkle

import (
	"bytes"
	"io"
	"os"

	"github.com/cuemby/startd/pkg/errdefs"
)

// FileSource supplies the content of a file entry.
type FileSource interface {
	// Size returns the content length in bytes.
	Size() (uint64, error)

	// Open returns a fresh reader over the full content. Callers close it.
	Open() (io.ReadCloser, error)
}

// BytesSource is an in-memory FileSource.
type BytesSource []byte

func (b BytesSource) Size() (uint64, error) {
	return uint64(len(b)), nil
}

func (b BytesSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b)), nil
}

// PathSource reads a file from the local filesystem on demand.
type PathSource string

func (p PathSource) Size() (uint64, error) {
	info, err := os.Stat(string(p))
	if err != nil {
		return 0, errdefs.Wrap(errdefs.KindFilesystem, err)
	}
	return uint64(info.Size()), nil
}

func (p PathSource) Open() (io.ReadCloser, error) {
	f, err := os.Open(string(p))
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindFilesystem, err)
	}
	return f, nil
}

// Section is a (start, length) slice of a random-access source. Deserialized
// entries reference the original archive through Sections, which keeps
// deserialization lazy: no payload is read until the entry is.
type Section struct {
	Source io.ReaderAt
	Offset uint64
	Length uint64
}

func (s Section) Size() (uint64, error) {
	return s.Length, nil
}

func (s Section) Open() (io.ReadCloser, error) {
	return io.NopCloser(io.NewSectionReader(s.Source, int64(s.Offset), int64(s.Length))), nil
}
