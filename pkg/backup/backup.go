package backup

import (
	"archive/tar"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuemby/startd/pkg/errdefs"
	"github.com/cuemby/startd/pkg/merkle"
	"github.com/cuemby/startd/pkg/types"
	"github.com/klauspost/compress/zstd"
)

// Manifest describes one package backup.
type Manifest struct {
	PackageId types.PackageId `json:"package-id"`
	Version   types.Version   `json:"version"`
	TakenAt   time.Time       `json:"taken-at"`
	Hash      string          `json:"hash"`
	SizeBytes uint64          `json:"size-bytes"`
}

// archiveName is the volume snapshot file within a backup directory.
const archiveName = "volumes.tar.zst"

// manifestName is the backup manifest file within a backup directory.
const manifestName = "backup.json"

// Snapshot writes a compressed snapshot of volumesDir into destDir along
// with a manifest recording the archive digest.
func Snapshot(pkg types.PackageId, version types.Version, volumesDir, destDir string) (*Manifest, error) {
	if err := os.MkdirAll(destDir, 0700); err != nil {
		return nil, errdefs.Wrap(errdefs.KindFilesystem, err)
	}

	archivePath := filepath.Join(destDir, archiveName)
	f, err := os.OpenFile(archivePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindFilesystem, err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindPack, err)
	}
	tw := tar.NewWriter(zw)

	err = filepath.Walk(volumesDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(volumesDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(tw, src)
		return err
	})
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindFilesystem, err)
	}
	if err := tw.Close(); err != nil {
		return nil, errdefs.Wrap(errdefs.KindPack, err)
	}
	if err := zw.Close(); err != nil {
		return nil, errdefs.Wrap(errdefs.KindPack, err)
	}
	if err := f.Close(); err != nil {
		return nil, errdefs.Wrap(errdefs.KindFilesystem, err)
	}

	archive, err := os.Open(archivePath)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindFilesystem, err)
	}
	defer archive.Close()
	hash, size, err := merkle.HashReader(archive)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindFilesystem, err)
	}

	manifest := &Manifest{
		PackageId: pkg,
		Version:   version,
		TakenAt:   time.Now().UTC(),
		Hash:      hash.String(),
		SizeBytes: size,
	}
	encoded, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindSerialization, err)
	}
	if err := os.WriteFile(filepath.Join(destDir, manifestName), encoded, 0600); err != nil {
		return nil, errdefs.Wrap(errdefs.KindFilesystem, err)
	}
	return manifest, nil
}

// ReadManifest loads and parses the manifest of a backup directory.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindNotFound, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errdefs.Wrap(errdefs.KindDeserialization, err)
	}
	return &m, nil
}

// Restore unpacks a backup directory's snapshot into volumesDir after
// verifying the archive against the manifest digest.
func Restore(backupDir, volumesDir string) (*Manifest, error) {
	manifest, err := ReadManifest(backupDir)
	if err != nil {
		return nil, err
	}

	archivePath := filepath.Join(backupDir, archiveName)
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindNotFound, err)
	}
	defer f.Close()

	hash, _, err := merkle.HashReader(f)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindFilesystem, err)
	}
	if hash.String() != manifest.Hash {
		return nil, errdefs.Newf(errdefs.KindIncoherent, "backup archive does not match manifest digest for %s", manifest.PackageId)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, errdefs.Wrap(errdefs.KindFilesystem, err)
	}

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindDeserialization, err)
	}
	defer zr.Close()
	tr := tar.NewReader(zr)

	if err := os.MkdirAll(volumesDir, 0755); err != nil {
		return nil, errdefs.Wrap(errdefs.KindFilesystem, err)
	}
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindDeserialization, err)
		}
		name := filepath.FromSlash(header.Name)
		if strings.Contains(name, "..") {
			return nil, errdefs.Newf(errdefs.KindIncoherent, "backup archive contains escaping path %q", header.Name)
		}
		target := filepath.Join(volumesDir, name)
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(header.Mode)); err != nil {
				return nil, errdefs.Wrap(errdefs.KindFilesystem, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return nil, errdefs.Wrap(errdefs.KindFilesystem, err)
			}
			out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(header.Mode))
			if err != nil {
				return nil, errdefs.Wrap(errdefs.KindFilesystem, err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return nil, errdefs.Wrap(errdefs.KindFilesystem, err)
			}
			out.Close()
		}
	}
	return manifest, nil
}
