package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"pollcat/internal/pollcat"
)

// FilesystemArchive stores reports as files in a directory:
//
//	<root>/
//	  reports/
//	    <runID>.json
type FilesystemArchive struct {
	root       string
	reportsDir string
}

// NewFilesystemArchive creates an archive rooted at the given path, creating its directories.
func NewFilesystemArchive(root string) (*FilesystemArchive, error) {
	reportsDir := filepath.Join(root, "reports")
	if err := os.MkdirAll(reportsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create reports directory: %w", err)
	}
	return &FilesystemArchive{root: root, reportsDir: reportsDir}, nil
}

func (a *FilesystemArchive) path(runID string) (string, error) {
	if err := pollcat.ValidateName(runID); err != nil {
		return "", fmt.Errorf("report key: %w", err)
	}
	return filepath.Join(a.reportsDir, runID+".json"), nil
}

// PutReport stores a report, replacing any earlier report for the same run.
func (a *FilesystemArchive) PutReport(_ context.Context, runID string, r io.Reader, size int64) error {
	dest, err := a.path(runID)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(a.reportsDir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if written != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, written)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

// GetReport writes the stored report for runID to w.
func (a *FilesystemArchive) GetReport(_ context.Context, runID string, w io.Writer) error {
	src, err := a.path(runID)
	if err != nil {
		return err
	}
	f, err := os.Open(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("report %s: %w", runID, pollcat.ErrNotFound)
		}
		return fmt.Errorf("failed to open report: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read report: %w", err)
	}
	return nil
}

// ValidateSetup verifies that the archive directories are accessible.
func (a *FilesystemArchive) ValidateSetup(context.Context) error {
	for _, dir := range []string{a.root, a.reportsDir} {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("archive directory not accessible: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("archive path is not a directory: %s", dir)
		}
	}
	return nil
}

var _ pollcat.ReportArchive = (*FilesystemArchive)(nil)
