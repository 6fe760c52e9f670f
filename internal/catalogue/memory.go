package catalogue

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"pollcat/internal/pollcat"
)

// MemoryCatalogue serves locations and visit users from memory. Safe for concurrent use.
type MemoryCatalogue struct {
	mu        sync.Mutex
	locations map[int64]string
	users     map[pollcat.VisitID][]string
	failVisit map[pollcat.VisitID]error
	lookups   map[int64]int
}

func NewMemoryCatalogue() *MemoryCatalogue {
	return &MemoryCatalogue{
		locations: make(map[int64]string),
		users:     make(map[pollcat.VisitID][]string),
		failVisit: make(map[pollcat.VisitID]error),
		lookups:   make(map[int64]int),
	}
}

var _ pollcat.Catalogue = (*MemoryCatalogue)(nil)

func (m *MemoryCatalogue) AddFile(id int64, location string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locations[id] = location
}

func (m *MemoryCatalogue) SetUsers(visit pollcat.VisitID, fedids ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[visit] = slices.Clone(fedids)
}

// FailVisit makes UsersOf return err for visit.
func (m *MemoryCatalogue) FailVisit(visit pollcat.VisitID, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failVisit[visit] = err
}

// Lookups returns how many times LocationOf was called for id.
func (m *MemoryCatalogue) Lookups(id int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookups[id]
}

func (m *MemoryCatalogue) LocationOf(_ context.Context, fileID int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups[fileID]++
	loc, ok := m.locations[fileID]
	if !ok {
		return "", fmt.Errorf("datafile %d: %w", fileID, pollcat.ErrNotFound)
	}
	return loc, nil
}

func (m *MemoryCatalogue) UsersOf(_ context.Context, visit pollcat.VisitID) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failVisit[visit]; err != nil {
		return nil, err
	}
	return slices.Clone(m.users[visit]), nil
}
