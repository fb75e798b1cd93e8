package merkle

import (
	"encoding/binary"
	"io"

	"github.com/cuemby/startd/pkg/errdefs"
)

// Entry type ids on the wire.
const (
	typeMissing   byte = 0
	typeFile      byte = 1
	typeDirectory byte = 2
)

// HashInfo is an entry's content hash paired with its size.
type HashInfo struct {
	Hash Hash
	Size uint64
}

// EntryContents is the content variant of an entry: Missing, FileContents,
// or *DirectoryContents.
type EntryContents interface {
	typeId() byte
}

// Missing is a verifiable stub: the subtree's bytes are absent but its
// (hash, size) pair is retained so the tree still verifies.
type Missing struct{}

func (Missing) typeId() byte             { return typeMissing }
func (FileContents) typeId() byte        { return typeFile }
func (*DirectoryContents) typeId() byte  { return typeDirectory }

// Entry is one node of the archive tree.
type Entry struct {
	hash     *HashInfo
	contents EntryContents
}

// NewEntry creates an entry with no cached hash.
func NewEntry(contents EntryContents) *Entry {
	return &Entry{contents: contents}
}

// NewFile creates a file entry over a source.
func NewFile(source FileSource) *Entry {
	return NewEntry(NewFileContents(source))
}

// Contents returns the entry's content variant.
func (e *Entry) Contents() EntryContents {
	return e.contents
}

// SetContents replaces the contents and invalidates the cached hash.
func (e *Entry) SetContents(contents EntryContents) {
	e.hash = nil
	e.contents = contents
}

// Hash returns the cached (hash, size), if any.
func (e *Entry) Hash() *HashInfo {
	return e.hash
}

// AsFile returns the file contents, or nil.
func (e *Entry) AsFile() *FileContents {
	if f, ok := e.contents.(FileContents); ok {
		return &f
	}
	return nil
}

// AsDirectory returns the directory contents, or nil.
func (e *Entry) AsDirectory() *DirectoryContents {
	if d, ok := e.contents.(*DirectoryContents); ok {
		return d
	}
	return nil
}

// IsMissing reports whether the entry is a stub.
func (e *Entry) IsMissing() bool {
	_, ok := e.contents.(Missing)
	return ok
}

// computeHash determines the entry's (hash, size) without caching it.
func (e *Entry) computeHash() (HashInfo, error) {
	switch c := e.contents.(type) {
	case Missing:
		if e.hash == nil {
			return HashInfo{}, errdefs.New(errdefs.KindPack, "cannot compute hash of missing entry")
		}
		return *e.hash, nil
	case FileContents:
		h, size, err := c.computeHash()
		if err != nil {
			return HashInfo{}, err
		}
		return HashInfo{Hash: h, Size: size}, nil
	case *DirectoryContents:
		h, err := c.Sighash()
		if err != nil {
			return HashInfo{}, err
		}
		size, err := c.tocSize()
		if err != nil {
			return HashInfo{}, err
		}
		return HashInfo{Hash: h, Size: size}, nil
	default:
		return HashInfo{}, errdefs.New(errdefs.KindIncoherent, "unknown entry contents")
	}
}

// ensureHash returns the cached (hash, size), computing and caching it on
// first use.
func (e *Entry) ensureHash() (HashInfo, error) {
	if e.hash != nil {
		return *e.hash, nil
	}
	hi, err := e.computeHash()
	if err != nil {
		return HashInfo{}, err
	}
	e.hash = &hi
	return hi, nil
}

// UpdateHash recomputes hashes bottom-up. With onlyMissing set, entries that
// already carry a cached hash are left alone.
func (e *Entry) UpdateHash(onlyMissing bool) error {
	if onlyMissing && e.hash != nil {
		return nil
	}
	if d := e.AsDirectory(); d != nil {
		if err := d.UpdateHashes(onlyMissing); err != nil {
			return err
		}
	}
	hi, err := e.computeHash()
	if err != nil {
		return err
	}
	e.hash = &hi
	return nil
}

// ToMissing converts the entry to a stub with the same (hash, size).
func (e *Entry) ToMissing() (*Entry, error) {
	hi, err := e.ensureHash()
	if err != nil {
		return nil, err
	}
	return &Entry{hash: &hi, contents: Missing{}}, nil
}

// ReadFile reads a file entry fully into memory, verifying content against
// the entry hash. Directories and missing entries are ParseS9pk errors.
func (e *Entry) ReadFile() ([]byte, error) {
	hi, err := e.ensureHash()
	if err != nil {
		return nil, err
	}
	switch c := e.contents.(type) {
	case FileContents:
		return c.readAll(hi.Hash, hi.Size)
	case *DirectoryContents:
		return nil, errdefs.New(errdefs.KindParseS9pk, "expected file, found directory")
	default:
		return nil, errdefs.New(errdefs.KindParseS9pk, "entry is missing")
	}
}

// headerSize is the serialized entry header length.
func (e *Entry) headerSize() (uint64, error) {
	const common = HashSize + 8 + 1
	switch c := e.contents.(type) {
	case Missing:
		return common, nil
	case FileContents:
		hi, err := e.ensureHash()
		if err != nil {
			return 0, err
		}
		return common + c.headerSize(hi.Size), nil
	case *DirectoryContents:
		return common + 8 + 8, nil
	default:
		return 0, errdefs.New(errdefs.KindIncoherent, "unknown entry contents")
	}
}

// serializeHeader writes hash, size, type and the type-specific header,
// queueing payloads for the write phase.
func (e *Entry) serializeHeader(queue *writeQueue, w io.Writer) error {
	hi, err := e.ensureHash()
	if err != nil {
		return err
	}
	if _, err := w.Write(hi.Hash[:]); err != nil {
		return errdefs.Wrap(errdefs.KindSerialization, err)
	}
	var size [8]byte
	binary.BigEndian.PutUint64(size[:], hi.Size)
	if _, err := w.Write(size[:]); err != nil {
		return errdefs.Wrap(errdefs.KindSerialization, err)
	}
	if _, err := w.Write([]byte{e.contents.typeId()}); err != nil {
		return errdefs.Wrap(errdefs.KindSerialization, err)
	}

	switch c := e.contents.(type) {
	case Missing:
		return nil
	case FileContents:
		position := queue.addFile(c, hi)
		return c.serializeHeader(position, hi.Size, w)
	case *DirectoryContents:
		tocSize, err := c.tocSize()
		if err != nil {
			return err
		}
		position := queue.addDirectory(c, tocSize)
		return c.serializeHeader(position, tocSize, w)
	default:
		return errdefs.New(errdefs.KindIncoherent, "unknown entry contents")
	}
}

// deserializeEntry reads an entry header, resolving payloads as Sections of
// the source.
func deserializeEntry(source io.ReaderAt, header io.Reader) (*Entry, error) {
	var hash Hash
	if _, err := io.ReadFull(header, hash[:]); err != nil {
		return nil, errdefs.Wrap(errdefs.KindDeserialization, err)
	}
	var sizeBuf [8]byte
	if _, err := io.ReadFull(header, sizeBuf[:]); err != nil {
		return nil, errdefs.Wrap(errdefs.KindDeserialization, err)
	}
	size := binary.BigEndian.Uint64(sizeBuf[:])

	var typeBuf [1]byte
	if _, err := io.ReadFull(header, typeBuf[:]); err != nil {
		return nil, errdefs.Wrap(errdefs.KindDeserialization, err)
	}

	hi := &HashInfo{Hash: hash, Size: size}
	switch typeBuf[0] {
	case typeMissing:
		return &Entry{hash: hi, contents: Missing{}}, nil
	case typeFile:
		position, length, err := deserializeFileHeader(header)
		if err != nil {
			return nil, err
		}
		contents := NewFileContents(Section{Source: source, Offset: position, Length: length})
		return &Entry{hash: hi, contents: contents}, nil
	case typeDirectory:
		d, err := deserializeDirectory(source, header)
		if err != nil {
			return nil, err
		}
		return &Entry{hash: hi, contents: d}, nil
	default:
		return nil, errdefs.Newf(errdefs.KindParseS9pk, "unknown type id %d found in archive", typeBuf[0])
	}
}
