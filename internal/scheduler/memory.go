package scheduler

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"pollcat/internal/pollcat"
)

// MemoryScheduler keeps groups in memory. Safe for concurrent use.
type MemoryScheduler struct {
	mu     sync.Mutex
	parent string
	groups map[string][]string
	fail   map[string]error
}

func NewMemoryScheduler(parent string) *MemoryScheduler {
	return &MemoryScheduler{
		parent: parent,
		groups: make(map[string][]string),
		fail:   make(map[string]error),
	}
}

var _ pollcat.Scheduler = (*MemoryScheduler)(nil)

// SetGroup replaces a group's membership, creating it if needed.
func (m *MemoryScheduler) SetGroup(name string, members ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[name] = slices.Clone(members)
}

// Group returns a copy of a group's members, or nil if it does not exist.
func (m *MemoryScheduler) Group(name string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.groups[name])
}

// FailGroup makes every operation on the named group return err.
func (m *MemoryScheduler) FailGroup(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[name] = err
}

func (m *MemoryScheduler) CheckGroup(_ context.Context, name string) (*pollcat.SchedGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail[name]; err != nil {
		return nil, err
	}
	members, ok := m.groups[name]
	if !ok {
		return nil, nil
	}
	return &pollcat.SchedGroup{Name: name, Members: slices.Clone(members)}, nil
}

func (m *MemoryScheduler) AddGroup(_ context.Context, name string, members []string) error {
	if len(members) == 0 {
		return fmt.Errorf("creating %s: %w", name, pollcat.ErrNoMembers)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail[name]; err != nil {
		return err
	}
	if _, ok := m.groups[name]; ok {
		return fmt.Errorf("%w: group %s exists", pollcat.ErrSchedulerCommand, name)
	}
	m.groups[name] = slices.Clone(members)
	return m.link(name)
}

func (m *MemoryScheduler) LinkParent(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[name]; !ok {
		return fmt.Errorf("%w: no such group %s", pollcat.ErrSchedulerCommand, name)
	}
	return m.link(name)
}

// link adds name to the parent group. The caller holds m.mu.
func (m *MemoryScheduler) link(name string) error {
	if m.parent == "" {
		return nil
	}
	if err := m.fail[m.parent]; err != nil {
		return fmt.Errorf("linking %s into %s: %w", name, m.parent, err)
	}
	if !slices.Contains(m.groups[m.parent], name) {
		m.groups[m.parent] = append(m.groups[m.parent], name)
	}
	return nil
}

func (m *MemoryScheduler) AddMembers(_ context.Context, name string, members []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail[name]; err != nil {
		return err
	}
	existing, ok := m.groups[name]
	if !ok {
		return fmt.Errorf("%w: no such group %s", pollcat.ErrSchedulerCommand, name)
	}
	for _, member := range members {
		if !slices.Contains(existing, member) {
			existing = append(existing, member)
		}
	}
	m.groups[name] = existing
	return nil
}
