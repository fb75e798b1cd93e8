package s9pk

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuemby/startd/pkg/errdefs"
	"github.com/cuemby/startd/pkg/merkle"
	"github.com/cuemby/startd/pkg/types"
)

// SigningContext is the domain-separation context for package signatures.
const SigningContext = "startos"

var magic = []byte{'s', '9', 'p', 'k'}

// formatVersion is the current archive format revision.
const formatVersion byte = 2

// headerLen is magic plus the version byte.
const headerLen = int64(len("s9pk")) + 1

// ManifestPath is where the manifest lives inside the archive.
const ManifestPath = "manifest.json"

// S9pk is an opened package archive.
type S9pk struct {
	archive  *merkle.MerkleArchive
	manifest *types.Manifest
}

// Open reads and verifies a package from a random-access source of the
// given total size.
func Open(source io.ReaderAt, size int64) (*S9pk, error) {
	head := make([]byte, headerLen)
	if _, err := source.ReadAt(head, 0); err != nil {
		return nil, errdefs.Wrap(errdefs.KindParseS9pk, err)
	}
	if !bytes.Equal(head[:4], magic) {
		return nil, errdefs.New(errdefs.KindParseS9pk, "bad magic: not an s9pk")
	}
	if head[4] != formatVersion {
		return nil, errdefs.Newf(errdefs.KindParseS9pk, "unsupported s9pk version %d", head[4])
	}

	// entry positions are archive-relative, so expose the file minus its
	// magic prefix as the archive source
	inner := io.NewSectionReader(source, headerLen, size-headerLen)
	archive, err := merkle.Deserialize(inner, SigningContext, io.NewSectionReader(inner, 0, size-headerLen))
	if err != nil {
		return nil, err
	}

	pkg := &S9pk{archive: archive}
	if _, err := pkg.Manifest(); err != nil {
		return nil, err
	}
	return pkg, nil
}

// OpenFile opens a package from disk.
func OpenFile(path string) (*S9pk, *os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errdefs.Wrap(errdefs.KindFilesystem, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, errdefs.Wrap(errdefs.KindFilesystem, err)
	}
	pkg, err := Open(f, info.Size())
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return pkg, f, nil
}

// New wraps archive contents as an unsigned package. Serialize signs it.
func New(contents *merkle.DirectoryContents, key ed25519.PrivateKey) *S9pk {
	contents.Sort()
	return &S9pk{archive: merkle.New(contents, key, SigningContext)}
}

// Archive exposes the underlying merkle archive.
func (p *S9pk) Archive() *merkle.MerkleArchive {
	return p.archive
}

// Serialize writes magic, version, and the signed archive.
func (p *S9pk) Serialize(w io.Writer, verify bool) error {
	if _, err := w.Write(magic); err != nil {
		return errdefs.Wrap(errdefs.KindSerialization, err)
	}
	if _, err := w.Write([]byte{formatVersion}); err != nil {
		return errdefs.Wrap(errdefs.KindSerialization, err)
	}
	return p.archive.Serialize(w, verify)
}

// Manifest parses and caches the package manifest.
func (p *S9pk) Manifest() (*types.Manifest, error) {
	if p.manifest != nil {
		return p.manifest, nil
	}
	entry := p.archive.Contents().Get(ManifestPath)
	if entry == nil {
		return nil, errdefs.New(errdefs.KindParseS9pk, "manifest.json not found in archive")
	}
	data, err := entry.ReadFile()
	if err != nil {
		return nil, err
	}
	var m types.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errdefs.Wrap(errdefs.KindParseS9pk, err)
	}
	if err := m.Id.Validate(); err != nil {
		return nil, err
	}
	p.manifest = &m
	return p.manifest, nil
}

// IconName returns the icon's file name inside the archive, e.g.
// "icon.png", or an empty string when the package ships none.
func (p *S9pk) IconName() string {
	for _, name := range p.archive.Contents().Names() {
		if strings.HasPrefix(name, "icon.") {
			return name
		}
	}
	return ""
}

// ExtractAssets materializes LICENSE.md, instructions and the icon into
// destDir, returning the static-files record for the database.
func (p *S9pk) ExtractAssets(destDir string) (*types.StaticFiles, error) {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, errdefs.Wrap(errdefs.KindFilesystem, err)
	}
	files := &types.StaticFiles{}

	extract := func(name, dest string) (bool, error) {
		entry := p.archive.Contents().Get(name)
		if entry == nil || entry.IsMissing() {
			return false, nil
		}
		data, err := entry.ReadFile()
		if err != nil {
			return false, err
		}
		if err := os.WriteFile(filepath.Join(destDir, dest), data, 0644); err != nil {
			return false, errdefs.Wrap(errdefs.KindFilesystem, err)
		}
		return true, nil
	}

	if ok, err := extract("LICENSE.md", "LICENSE.md"); err != nil {
		return nil, err
	} else if ok {
		files.License = "LICENSE.md"
	}
	if ok, err := extract("instructions.md", "INSTRUCTIONS.md"); err != nil {
		return nil, err
	} else if ok {
		files.Instructions = "INSTRUCTIONS.md"
	}
	if icon := p.IconName(); icon != "" {
		if ok, err := extract(icon, icon); err != nil {
			return nil, err
		} else if ok {
			files.Icon = icon
		}
	}
	return files, nil
}

// ImagePath is the archive path of an image squashfs for an architecture.
func ImagePath(arch string, image types.ImageId) string {
	return "images/" + arch + "/" + image.String() + ".squashfs"
}

// ExtractImage materializes one image squashfs to dst. A pruned image
// subtree surfaces as a missing-entry error, never as an empty file.
func (p *S9pk) ExtractImage(arch string, image types.ImageId, dst string) error {
	entry := p.archive.Contents().Get(ImagePath(arch, image))
	if entry == nil {
		return errdefs.NotFoundf("image %s not found for %s", image, arch)
	}
	data, err := entry.ReadFile()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return errdefs.Wrap(errdefs.KindFilesystem, err)
	}
	return errdefs.Wrap(errdefs.KindFilesystem, os.WriteFile(dst, data, 0644))
}

// FilterForMetadata prunes image blobs, keeping the manifest, icon and
// instruction subtrees materialized while the tree still verifies.
func (p *S9pk) FilterForMetadata() error {
	return p.archive.Filter(func(path string) bool {
		return path != "images" && !strings.HasPrefix(path, "images/")
	})
}
