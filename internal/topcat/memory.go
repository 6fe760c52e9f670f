package topcat

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"pollcat/internal/pollcat"
)

// MemoryRequestSource serves requests from memory. Safe for concurrent use.
type MemoryRequestSource struct {
	mu        sync.Mutex
	requests  []*pollcat.Request
	files     map[string][]int64
	offline   map[string]bool
	completed []int64
	listErr   error
}

func NewMemoryRequestSource() *MemoryRequestSource {
	return &MemoryRequestSource{
		files:   make(map[string][]int64),
		offline: make(map[string]bool),
	}
}

var _ pollcat.RequestSource = (*MemoryRequestSource)(nil)

// Add queues a pending request. Its FileIDs become the prepared download's files.
func (m *MemoryRequestSource) Add(req *pollcat.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *req
	c.FileIDs = nil
	m.requests = append(m.requests, &c)
	m.files[req.PreparedID] = slices.Clone(req.FileIDs)
}

// SetOffline marks a prepared download as still restoring.
func (m *MemoryRequestSource) SetOffline(preparedID string, offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline[preparedID] = offline
}

// FailList makes Pending return err.
func (m *MemoryRequestSource) FailList(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listErr = err
}

// Completed returns the ids marked complete, in order.
func (m *MemoryRequestSource) Completed() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.completed)
}

func (m *MemoryRequestSource) Pending(context.Context) ([]*pollcat.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*pollcat.Request
	for _, r := range m.requests {
		if !slices.Contains(m.completed, r.ID) {
			c := *r
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *MemoryRequestSource) DatafileIDs(_ context.Context, preparedID string) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids, ok := m.files[preparedID]
	if !ok {
		return nil, fmt.Errorf("unknown prepared id %s", preparedID)
	}
	return slices.Clone(ids), nil
}

func (m *MemoryRequestSource) IsOnline(_ context.Context, preparedID string, _ []int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.offline[preparedID], nil
}

func (m *MemoryRequestSource) MarkComplete(_ context.Context, requestID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed = append(m.completed, requestID)
	return nil
}
