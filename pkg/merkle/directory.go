package merkle

import (
	"encoding/binary"
	"io"
	"sort"
	"strings"

	"github.com/cuemby/startd/pkg/errdefs"
	"github.com/zeebo/blake3"
)

// DirectoryContents is an ordered list of named entries. Order is part of
// the signed digest; the default order is lexicographic.
type DirectoryContents struct {
	names   []string
	entries map[string]*Entry
}

// NewDirectoryContents creates an empty directory.
func NewDirectoryContents() *DirectoryContents {
	return &DirectoryContents{entries: make(map[string]*Entry)}
}

// Names returns the entry names in serialization order.
func (d *DirectoryContents) Names() []string {
	out := make([]string, len(d.names))
	copy(out, d.names)
	return out
}

// Len returns the number of direct children.
func (d *DirectoryContents) Len() int {
	return len(d.names)
}

// Get returns the entry at a slash-separated path, or nil.
func (d *DirectoryContents) Get(path string) *Entry {
	name, rest, nested := strings.Cut(path, "/")
	e, ok := d.entries[name]
	if !ok {
		return nil
	}
	if !nested {
		return e
	}
	sub := e.AsDirectory()
	if sub == nil {
		return nil
	}
	return sub.Get(rest)
}

// Put inserts an entry at a slash-separated path, creating intermediate
// directories. New names append in insertion order; re-sort before signing
// if lexicographic order is wanted.
func (d *DirectoryContents) Put(path string, entry *Entry) error {
	name, rest, nested := strings.Cut(path, "/")
	if name == "" {
		return errdefs.New(errdefs.KindInvalidRequest, "empty path segment")
	}
	if !nested {
		if _, exists := d.entries[name]; !exists {
			d.names = append(d.names, name)
		}
		d.entries[name] = entry
		return nil
	}
	sub, ok := d.entries[name]
	if !ok {
		sub = NewEntry(NewDirectoryContents())
		d.names = append(d.names, name)
		d.entries[name] = sub
	}
	subdir := sub.AsDirectory()
	if subdir == nil {
		return errdefs.Newf(errdefs.KindInvalidRequest, "%s is not a directory", name)
	}
	sub.hash = nil
	return subdir.Put(rest, entry)
}

// SortBy reorders entries recursively with a caller-supplied total order.
func (d *DirectoryContents) SortBy(less func(a, b string) bool) {
	sort.SliceStable(d.names, func(i, j int) bool { return less(d.names[i], d.names[j]) })
	for _, e := range d.entries {
		if sub := e.AsDirectory(); sub != nil {
			sub.SortBy(less)
		}
	}
}

// Sort applies the default lexicographic order recursively.
func (d *DirectoryContents) Sort() {
	d.SortBy(func(a, b string) bool { return a < b })
}

// Filter prunes entries whose path does not satisfy keep. Pruned entries
// become Missing stubs that retain their (hash, size), so the tree still
// verifies against the original signature.
func (d *DirectoryContents) Filter(keep func(path string) bool) error {
	return d.filterAt("", keep)
}

func (d *DirectoryContents) filterAt(prefix string, keep func(path string) bool) error {
	for _, name := range d.names {
		path := name
		if prefix != "" {
			path = prefix + "/" + name
		}
		e := d.entries[name]
		if !keep(path) {
			missing, err := e.ToMissing()
			if err != nil {
				return err
			}
			d.entries[name] = missing
			continue
		}
		if sub := e.AsDirectory(); sub != nil {
			if err := sub.filterAt(path, keep); err != nil {
				return err
			}
		}
	}
	return nil
}

// UpdateHashes recomputes child hashes bottom-up.
func (d *DirectoryContents) UpdateHashes(onlyMissing bool) error {
	for _, name := range d.names {
		if err := d.entries[name].UpdateHash(onlyMissing); err != nil {
			return err
		}
	}
	return nil
}

// Sighash digests the directory's table of contents. The digest covers
// entry order, names, hashes and sizes only, so pruning a subtree to
// Missing does not change it.
func (d *DirectoryContents) Sighash() (Hash, error) {
	hasher := blake3.New()
	if err := writeUvarint(hasher, uint64(len(d.names))); err != nil {
		return Hash{}, err
	}
	for _, name := range d.names {
		if err := writeUvarint(hasher, uint64(len(name))); err != nil {
			return Hash{}, err
		}
		if _, err := hasher.Write([]byte(name)); err != nil {
			return Hash{}, errdefs.Wrap(errdefs.KindSerialization, err)
		}
		hi, err := d.entries[name].ensureHash()
		if err != nil {
			return Hash{}, err
		}
		if _, err := hasher.Write(hi.Hash[:]); err != nil {
			return Hash{}, errdefs.Wrap(errdefs.KindSerialization, err)
		}
		var size [8]byte
		binary.BigEndian.PutUint64(size[:], hi.Size)
		if _, err := hasher.Write(size[:]); err != nil {
			return Hash{}, errdefs.Wrap(errdefs.KindSerialization, err)
		}
	}
	var h Hash
	copy(h[:], hasher.Sum(nil))
	return h, nil
}

// tocSize is the serialized size of this directory's table of contents.
func (d *DirectoryContents) tocSize() (uint64, error) {
	size := uvarintLen(uint64(len(d.names)))
	for _, name := range d.names {
		size += uvarintLen(uint64(len(name))) + uint64(len(name))
		hs, err := d.entries[name].headerSize()
		if err != nil {
			return 0, err
		}
		size += hs
	}
	return size, nil
}

// directoryHeaderSize is position (u64 BE) + toc size (u64 BE).
const directoryHeaderSize = 8 + 8

// serializeHeader writes the directory header given the TOC's assigned
// position.
func (d *DirectoryContents) serializeHeader(position, tocSize uint64, w io.Writer) error {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], position)
	binary.BigEndian.PutUint64(buf[8:], tocSize)
	_, err := w.Write(buf[:])
	return errdefs.Wrap(errdefs.KindSerialization, err)
}

// serializeTOC writes the table of contents, queueing child payloads.
func (d *DirectoryContents) serializeTOC(queue *writeQueue, w io.Writer) error {
	if err := writeUvarint(w, uint64(len(d.names))); err != nil {
		return err
	}
	for _, name := range d.names {
		if err := writeUvarint(w, uint64(len(name))); err != nil {
			return err
		}
		if _, err := w.Write([]byte(name)); err != nil {
			return errdefs.Wrap(errdefs.KindSerialization, err)
		}
		if err := d.entries[name].serializeHeader(queue, w); err != nil {
			return err
		}
	}
	return nil
}

// deserializeDirectory reads a directory header and parses the TOC it
// points to out of the source.
func deserializeDirectory(source io.ReaderAt, header io.Reader) (*DirectoryContents, error) {
	var buf [16]byte
	if _, err := io.ReadFull(header, buf[:]); err != nil {
		return nil, errdefs.Wrap(errdefs.KindDeserialization, err)
	}
	position := binary.BigEndian.Uint64(buf[:8])
	tocSize := binary.BigEndian.Uint64(buf[8:])
	toc := io.NewSectionReader(source, int64(position), int64(tocSize))
	return deserializeTOC(source, toc)
}

// deserializeTOC parses a table of contents from a sequential reader.
func deserializeTOC(source io.ReaderAt, toc io.Reader) (*DirectoryContents, error) {
	count, err := readUvarint(toc)
	if err != nil {
		return nil, err
	}
	d := NewDirectoryContents()
	for i := uint64(0); i < count; i++ {
		nameLen, err := readUvarint(toc)
		if err != nil {
			return nil, err
		}
		nameBuf := make([]byte, nameLen)
		if _, err := io.ReadFull(toc, nameBuf); err != nil {
			return nil, errdefs.Wrap(errdefs.KindDeserialization, err)
		}
		name := string(nameBuf)
		if _, exists := d.entries[name]; exists {
			return nil, errdefs.Newf(errdefs.KindParseS9pk, "duplicate entry %q in directory", name)
		}
		entry, err := deserializeEntry(source, toc)
		if err != nil {
			return nil, err
		}
		d.names = append(d.names, name)
		d.entries[name] = entry
	}
	return d, nil
}

// verifyHashes checks every directory entry's stored (hash, size) against
// the parsed subtree's computed sighash. File bodies stay lazy; they verify
// on read.
func (d *DirectoryContents) verifyHashes() error {
	for _, name := range d.names {
		e := d.entries[name]
		sub := e.AsDirectory()
		if sub == nil {
			continue
		}
		if err := sub.verifyHashes(); err != nil {
			return err
		}
		computed, err := sub.Sighash()
		if err != nil {
			return err
		}
		if e.hash == nil || e.hash.Hash != computed {
			return errdefs.Newf(errdefs.KindParseS9pk, "directory %q does not match its hash", name)
		}
	}
	return nil
}
