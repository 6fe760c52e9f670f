package fs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"pollcat/internal/pollcat"
)

// OSFilesystem is the real filesystem implementation of pollcat.Filesystem.
type OSFilesystem struct {
	dirMode fs.FileMode
}

// NewOSFilesystem creates a filesystem that creates missing directories with dirMode.
func NewOSFilesystem(dirMode fs.FileMode) *OSFilesystem {
	if dirMode == 0 {
		dirMode = 0o755
	}
	return &OSFilesystem{dirMode: dirMode}
}

func (m *OSFilesystem) MkdirAll(path string) error {
	return os.MkdirAll(path, m.dirMode)
}

// CopyFile copies a regular file, truncating dst if it exists. The copy keeps
// the source's permission bits; ownership is left to the caller.
func (m *OSFilesystem) CopyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", src, err)
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("not a regular file: %s", src)
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		return n, fmt.Errorf("copying to %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		return n, fmt.Errorf("closing %s: %w", dst, err)
	}
	return n, nil
}

func (m *OSFilesystem) Exists(path string) (bool, error) {
	_, err := os.Lstat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Compile-time check that OSFilesystem implements pollcat.Filesystem
var _ pollcat.Filesystem = (*OSFilesystem)(nil)
