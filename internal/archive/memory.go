package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"pollcat/internal/pollcat"
)

// MemoryArchive keeps reports in memory. It is safe for concurrent use.
type MemoryArchive struct {
	mu      sync.RWMutex
	reports map[string][]byte
}

// NewMemoryArchive creates an empty in-memory archive.
func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{reports: make(map[string][]byte)}
}

func (m *MemoryArchive) PutReport(_ context.Context, runID string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read report: %w", err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[runID] = data
	return nil
}

func (m *MemoryArchive) GetReport(_ context.Context, runID string, w io.Writer) error {
	m.mu.RLock()
	data, ok := m.reports[runID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("report %s: %w", runID, pollcat.ErrNotFound)
	}
	_, err := io.Copy(w, bytes.NewReader(data))
	return err
}

func (m *MemoryArchive) ValidateSetup(context.Context) error { return nil }

// Len returns the number of stored reports.
func (m *MemoryArchive) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.reports)
}

var _ pollcat.ReportArchive = (*MemoryArchive)(nil)
