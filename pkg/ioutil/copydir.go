package ioutil

import (
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/cuemby/startd/pkg/errdefs"
)

// CopyDir recursively copies src into dst, preserving file modes. If
// progress is non-nil it is advanced by the number of bytes copied, so a
// long copy can be observed from another goroutine.
func CopyDir(src, dst string, progress *atomic.Uint64) error {
	info, err := os.Stat(src)
	if err != nil {
		return errdefs.Wrap(errdefs.KindFilesystem, err)
	}
	if !info.IsDir() {
		return errdefs.Newf(errdefs.KindFilesystem, "%s is not a directory", src)
	}
	if err := os.MkdirAll(dst, info.Mode()); err != nil {
		return errdefs.Wrap(errdefs.KindFilesystem, err)
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		return errdefs.Wrap(errdefs.KindFilesystem, err)
	}
	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())
		if entry.IsDir() {
			if err := CopyDir(srcPath, dstPath, progress); err != nil {
				return err
			}
			continue
		}
		if entry.Type()&os.ModeSymlink != 0 {
			target, err := os.Readlink(srcPath)
			if err != nil {
				return errdefs.Wrap(errdefs.KindFilesystem, err)
			}
			if err := os.Symlink(target, dstPath); err != nil {
				return errdefs.Wrap(errdefs.KindFilesystem, err)
			}
			continue
		}
		if err := copyFile(srcPath, dstPath, progress); err != nil {
			return err
		}
	}
	return nil
}

// DirSize totals the file sizes under a directory.
func DirSize(path string) (uint64, error) {
	var total uint64
	err := filepath.WalkDir(path, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += uint64(info.Size())
		}
		return nil
	})
	return total, errdefs.Wrap(errdefs.KindFilesystem, err)
}

func copyFile(src, dst string, progress *atomic.Uint64) error {
	info, err := os.Stat(src)
	if err != nil {
		return errdefs.Wrap(errdefs.KindFilesystem, err)
	}
	in, err := os.Open(src)
	if err != nil {
		return errdefs.Wrap(errdefs.KindFilesystem, err)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
	if err != nil {
		return errdefs.Wrap(errdefs.KindFilesystem, err)
	}
	defer out.Close()

	buf := make([]byte, 1<<20)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return errdefs.Wrap(errdefs.KindFilesystem, werr)
			}
			if progress != nil {
				progress.Add(uint64(n))
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errdefs.Wrap(errdefs.KindFilesystem, err)
		}
	}
}
