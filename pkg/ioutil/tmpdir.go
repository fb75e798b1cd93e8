package ioutil

import (
	"encoding/base32"
	"os"
	"path/filepath"

	"github.com/cuemby/startd/pkg/errdefs"
	"github.com/google/uuid"
)

// DefaultTmpRoot is where scratch directories are created.
const DefaultTmpRoot = "/var/tmp/startos"

var tmpEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// TmpDir is a scratch directory that is always deleted on Close.
type TmpDir struct {
	path string
}

// NewTmpDir creates a fresh scratch directory under root. An empty root
// uses DefaultTmpRoot.
func NewTmpDir(root string) (*TmpDir, error) {
	if root == "" {
		root = DefaultTmpRoot
	}
	id := uuid.New()
	name := tmpEncoding.EncodeToString(id[:])
	path := filepath.Join(root, name)
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, errdefs.Wrap(errdefs.KindFilesystem, err)
	}
	return &TmpDir{path: path}, nil
}

// Path returns the directory path.
func (t *TmpDir) Path() string {
	return t.path
}

// Join resolves a child path inside the directory.
func (t *TmpDir) Join(elem ...string) string {
	return filepath.Join(append([]string{t.path}, elem...)...)
}

// Close removes the directory and everything in it.
func (t *TmpDir) Close() error {
	return errdefs.Wrap(errdefs.KindFilesystem, os.RemoveAll(t.path))
}
