package osaccount

import (
	"context"
	"fmt"
	"io/fs"
	"slices"
	"sync"

	"pollcat/internal/pollcat"
)

// MemoryProvisioner records provisioning in memory. Safe for concurrent use.
type MemoryProvisioner struct {
	mu           sync.Mutex
	defaultGroup string
	groups       map[string]bool
	accounts     map[string][]string // uid -> supplementary groups
	owners       map[string]string   // path -> "user:group"
	modes        map[string]fs.FileMode
	fail         map[string]error
}

func NewMemoryProvisioner(defaultGroup string) *MemoryProvisioner {
	return &MemoryProvisioner{
		defaultGroup: defaultGroup,
		groups:       make(map[string]bool),
		accounts:     make(map[string][]string),
		owners:       make(map[string]string),
		modes:        make(map[string]fs.FileMode),
		fail:         make(map[string]error),
	}
}

var _ pollcat.Provisioner = (*MemoryProvisioner)(nil)

// Fail makes every operation naming target (a group, account or path) return err.
func (m *MemoryProvisioner) Fail(target string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[target] = err
}

func (m *MemoryProvisioner) HasGroup(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.groups[name]
}

func (m *MemoryProvisioner) HasAccount(uid string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.accounts[uid]
	return ok
}

// Groups returns an account's supplementary groups.
func (m *MemoryProvisioner) Groups(uid string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.accounts[uid])
}

// Owner returns the "user:group" last applied to path.
func (m *MemoryProvisioner) Owner(path string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owners[path]
}

// Mode returns the mode last applied to path.
func (m *MemoryProvisioner) Mode(path string) fs.FileMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.modes[path]
}

func (m *MemoryProvisioner) check(targets ...string) error {
	for _, t := range targets {
		if err := pollcat.ValidateName(t); err != nil {
			return err
		}
		if err := m.fail[t]; err != nil {
			return fmt.Errorf("%s: %w", t, err)
		}
	}
	return nil
}

func (m *MemoryProvisioner) EnsureGroup(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(name); err != nil {
		return err
	}
	m.groups[name] = true
	return nil
}

func (m *MemoryProvisioner) EnsureAccount(_ context.Context, uid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(uid); err != nil {
		return err
	}
	if _, ok := m.accounts[uid]; !ok {
		m.accounts[uid] = nil
	}
	return nil
}

func (m *MemoryProvisioner) AddSupplementaryGroup(_ context.Context, uid, group string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(uid, group); err != nil {
		return err
	}
	groups, ok := m.accounts[uid]
	if !ok {
		return fmt.Errorf("%w: no account %s", pollcat.ErrProvisioning, uid)
	}
	if !m.groups[group] && group != m.defaultGroup {
		return fmt.Errorf("%w: no group %s", pollcat.ErrProvisioning, group)
	}
	if !slices.Contains(groups, group) {
		m.accounts[uid] = append(groups, group)
	}
	return nil
}

func (m *MemoryProvisioner) ChownRecursive(_ context.Context, path, owner, group string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(owner, group); err != nil {
		return err
	}
	if err := m.fail[path]; err != nil {
		return err
	}
	m.owners[path] = owner + ":" + group
	return nil
}

func (m *MemoryProvisioner) ChmodRecursive(_ context.Context, path string, mode fs.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail[path]; err != nil {
		return err
	}
	m.modes[path] = mode
	return nil
}
