package directory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"pollcat/internal/pollcat"
)

// MemoryDirectory is an in-memory directory with the same semantics as the
// LDAP backend, including compare-and-swap id counters. Safe for concurrent use.
type MemoryDirectory struct {
	mu         sync.Mutex
	prefix     string
	attempts   int
	counters   map[string]int64
	identities map[string]*pollcat.Identity // by fedid
	groups     map[string]*pollcat.DirGroup // by cn
	conflicts  int
	fail       map[string]error
	connects   int
	open       int
	logger     pollcat.Logger
}

// NewMemoryDirectory creates an empty directory whose uid and gid counters start at first.
func NewMemoryDirectory(accountPrefix string, first int64, attempts int, logger pollcat.Logger) *MemoryDirectory {
	return &MemoryDirectory{
		prefix:     accountPrefix,
		attempts:   attempts,
		counters:   map[string]int64{uidNumberAttr: first, gidNumberAttr: first},
		identities: make(map[string]*pollcat.Identity),
		groups:     make(map[string]*pollcat.DirGroup),
		fail:       make(map[string]error),
		logger:     logger,
	}
}

var _ pollcat.Directory = (*MemoryDirectory)(nil)

// AddIdentity seeds an existing account.
func (m *MemoryDirectory) AddIdentity(fedid, uid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identities[fedid] = &pollcat.Identity{FedID: fedid, UID: uid, DN: "cn=" + uid}
}

// Identity returns the account for fedid, or nil.
func (m *MemoryDirectory) Identity(fedid string) *pollcat.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.identities[fedid]; ok {
		c := *id
		return &c
	}
	return nil
}

// SetGroup seeds a group with the given members.
func (m *MemoryDirectory) SetGroup(name string, members ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[name] = &pollcat.DirGroup{DN: "cn=" + name, Members: slices.Clone(members)}
}

// Group returns a copy of a group's members, or nil if it does not exist.
func (m *MemoryDirectory) Group(name string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.groups[name]; ok {
		return slices.Clone(g.Members)
	}
	return nil
}

// InjectConflicts makes the next n counter swaps lose to a simulated
// concurrent writer, which advances the counter first.
func (m *MemoryDirectory) InjectConflicts(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflicts = n
}

// Fail makes any operation on the given fedid or group name return err.
func (m *MemoryDirectory) Fail(key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[key] = err
}

// Counter returns the current value of a counter attribute.
func (m *MemoryDirectory) Counter(attr string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[attr]
}

// Connects returns how many sessions have been opened.
func (m *MemoryDirectory) Connects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects
}

// OpenSessions returns how many sessions are not yet closed.
func (m *MemoryDirectory) OpenSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

func (m *MemoryDirectory) Connect(ctx context.Context) (pollcat.DirectorySession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail["connect"]; err != nil {
		return nil, err
	}
	m.connects++
	m.open++
	s := &memorySession{dir: m}
	s.alloc = pollcat.NewIDAllocator(s, m.attempts, m.logger)
	return s, nil
}

type memorySession struct {
	dir    *MemoryDirectory
	alloc  *pollcat.IDAllocator
	closed bool
}

var (
	_ pollcat.DirectorySession = (*memorySession)(nil)
	_ pollcat.Counter          = (*memorySession)(nil)
)

func (s *memorySession) check(key string) error {
	if s.closed {
		return fmt.Errorf("session closed")
	}
	return s.dir.fail[key]
}

func (s *memorySession) LookupIdentity(_ context.Context, fedid string) (*pollcat.Identity, error) {
	s.dir.mu.Lock()
	defer s.dir.mu.Unlock()
	if err := s.check(fedid); err != nil {
		return nil, err
	}
	if id, ok := s.dir.identities[fedid]; ok {
		c := *id
		return &c, nil
	}
	return nil, nil
}

func (s *memorySession) CreateIdentity(ctx context.Context, fedid string) (*pollcat.Identity, error) {
	if existing, err := s.LookupIdentity(ctx, fedid); err != nil || existing != nil {
		return existing, err
	}

	id, err := s.alloc.Next(ctx, uidNumberAttr)
	if err != nil {
		return nil, fmt.Errorf("allocating uid number: %w", err)
	}

	s.dir.mu.Lock()
	defer s.dir.mu.Unlock()
	if err := s.check(fedid); err != nil {
		return nil, err
	}
	// Another writer created it while the number was being allocated.
	if existing, ok := s.dir.identities[fedid]; ok {
		c := *existing
		return &c, nil
	}
	uid := pollcat.AccountName(s.dir.prefix, id)
	ident := &pollcat.Identity{FedID: fedid, UID: uid, DN: "cn=" + uid}
	s.dir.identities[fedid] = ident
	c := *ident
	return &c, nil
}

func (s *memorySession) LookupGroup(_ context.Context, name string) (*pollcat.DirGroup, error) {
	s.dir.mu.Lock()
	defer s.dir.mu.Unlock()
	if err := s.check(name); err != nil {
		return nil, err
	}
	g, ok := s.dir.groups[name]
	if !ok {
		return nil, nil
	}
	return &pollcat.DirGroup{DN: g.DN, Members: slices.Clone(g.Members)}, nil
}

func (s *memorySession) CreateGroup(ctx context.Context, name string) (string, error) {
	if err := pollcat.ValidateName(name); err != nil {
		return "", err
	}
	if _, err := s.alloc.Next(ctx, gidNumberAttr); err != nil {
		return "", fmt.Errorf("allocating gid number: %w", err)
	}

	s.dir.mu.Lock()
	defer s.dir.mu.Unlock()
	if err := s.check(name); err != nil {
		return "", err
	}
	if _, ok := s.dir.groups[name]; ok {
		return "", fmt.Errorf("adding group %s: %w", name, pollcat.ErrCreateConflict)
	}
	g := &pollcat.DirGroup{DN: "cn=" + name}
	s.dir.groups[name] = g
	return g.DN, nil
}

func (s *memorySession) AddGroupMembers(_ context.Context, dn string, uids []string) error {
	s.dir.mu.Lock()
	defer s.dir.mu.Unlock()
	for name, g := range s.dir.groups {
		if g.DN != dn {
			continue
		}
		if err := s.check(name); err != nil {
			return err
		}
		for _, uid := range uids {
			if !slices.Contains(g.Members, uid) {
				g.Members = append(g.Members, uid)
			}
		}
		return nil
	}
	return fmt.Errorf("no group %s", dn)
}

func (s *memorySession) ReadCounter(_ context.Context, attr string) (int64, error) {
	s.dir.mu.Lock()
	defer s.dir.mu.Unlock()
	if err := s.check(attr); err != nil {
		return 0, err
	}
	return s.dir.counters[attr], nil
}

func (s *memorySession) SwapCounter(_ context.Context, attr string, old, next int64) error {
	s.dir.mu.Lock()
	defer s.dir.mu.Unlock()
	if err := s.check(attr); err != nil {
		return err
	}
	if s.dir.conflicts > 0 {
		s.dir.conflicts--
		s.dir.counters[attr]++
	}
	if s.dir.counters[attr] != old {
		return pollcat.ErrCounterChanged
	}
	s.dir.counters[attr] = next
	return nil
}

func (s *memorySession) Close() error {
	s.dir.mu.Lock()
	defer s.dir.mu.Unlock()
	if s.closed {
		return fmt.Errorf("session already closed")
	}
	s.closed = true
	s.dir.open--
	return nil
}
