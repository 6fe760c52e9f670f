package testutil

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"sync"

	"pollcat/internal/pollcat"
)

// MockFilesystem is an in-memory pollcat.Filesystem. Safe for concurrent use.
type MockFilesystem struct {
	mu    sync.Mutex
	files map[string][]byte
	dirs  map[string]bool
	fail  map[string]error // keyed by source or destination path
}

// NewMockFilesystem creates an empty mock filesystem.
func NewMockFilesystem() *MockFilesystem {
	return &MockFilesystem{
		files: make(map[string][]byte),
		dirs:  map[string]bool{"/": true},
		fail:  make(map[string]error),
	}
}

// AddFile adds a file, creating its parent directories.
func (m *MockFilesystem) AddFile(path string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[filepath.Clean(path)] = content
	m.mkdirAll(filepath.Dir(path))
}

// AddDirectory adds a directory and its parents.
func (m *MockFilesystem) AddDirectory(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mkdirAll(path)
}

// Fail makes any operation touching path return err.
func (m *MockFilesystem) Fail(path string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[filepath.Clean(path)] = err
}

// File returns the content at path and whether it exists.
func (m *MockFilesystem) File(path string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.files[filepath.Clean(path)]
	return b, ok
}

// Files returns every file path in sorted order.
func (m *MockFilesystem) Files() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.files))
	for p := range m.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (m *MockFilesystem) mkdirAll(path string) {
	for p := filepath.Clean(path); !m.dirs[p]; p = filepath.Dir(p) {
		m.dirs[p] = true
	}
}

func (m *MockFilesystem) MkdirAll(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	path = filepath.Clean(path)
	if err := m.fail[path]; err != nil {
		return err
	}
	if _, ok := m.files[path]; ok {
		return fmt.Errorf("mkdir %s: not a directory", path)
	}
	m.mkdirAll(path)
	return nil
}

func (m *MockFilesystem) CopyFile(src, dst string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, dst = filepath.Clean(src), filepath.Clean(dst)
	for _, p := range []string{src, dst} {
		if err := m.fail[p]; err != nil {
			return 0, err
		}
	}
	content, ok := m.files[src]
	if !ok {
		return 0, fmt.Errorf("open %s: %w", src, fs.ErrNotExist)
	}
	if !m.dirs[filepath.Dir(dst)] {
		return 0, fmt.Errorf("create %s: %w", dst, fs.ErrNotExist)
	}
	m.files[dst] = append([]byte(nil), content...)
	return int64(len(content)), nil
}

func (m *MockFilesystem) Exists(path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	path = filepath.Clean(path)
	if err := m.fail[path]; err != nil {
		return false, err
	}
	_, isFile := m.files[path]
	return isFile || m.dirs[path], nil
}

var _ pollcat.Filesystem = (*MockFilesystem)(nil)
