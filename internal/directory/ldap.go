// Package directory implements the directory service backends: an LDAP
// client and an in-memory directory used by tests and dry runs.
package directory

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/go-multierror"

	"pollcat/internal/pollcat"
)

const (
	uidNumberAttr = "uidNumber"
	gidNumberAttr = "gidNumber"
)

// LDAPOptions configures the LDAP backend.
type LDAPOptions struct {
	URL          string
	BindDN       string
	BindPassword string
	UserBaseDN   string
	GroupBaseDN  string
	// CounterDN is the entry holding the next free uidNumber and gidNumber.
	CounterDN     string
	AccountPrefix string
	// FedIDAttribute is the account attribute holding the federation id.
	FedIDAttribute string
	DefaultGID     int64
	// HomeRoot, when set, is where home directory skeletons are created.
	HomeRoot   string
	LoginShell string
	// Descriptions are required on every account; missing ones are added on lookup.
	Descriptions []string
	Timeout      time.Duration
	IDAttempts   int
}

// ldapConn is the part of *ldap.Conn a session uses.
type ldapConn interface {
	Bind(username, password string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Add(req *ldap.AddRequest) error
	Modify(req *ldap.ModifyRequest) error
	Unbind() error
}

// LDAPDirectory opens bound sessions against an LDAP server.
type LDAPDirectory struct {
	opts        LDAPOptions
	dial        func(ctx context.Context) (ldapConn, error)
	fs          pollcat.Filesystem
	provisioner pollcat.Provisioner
	logger      pollcat.Logger
}

// NewLDAPDirectory creates a directory client. fsys and provisioner are used
// to create home directories and may be nil when HomeRoot is empty.
func NewLDAPDirectory(opts LDAPOptions, fsys pollcat.Filesystem, provisioner pollcat.Provisioner, logger pollcat.Logger) *LDAPDirectory {
	if opts.FedIDAttribute == "" {
		opts.FedIDAttribute = "gecos"
	}
	if opts.LoginShell == "" {
		opts.LoginShell = "/bin/bash"
	}
	d := &LDAPDirectory{opts: opts, fs: fsys, provisioner: provisioner, logger: logger}
	d.dial = d.dialURL
	return d
}

var _ pollcat.Directory = (*LDAPDirectory)(nil)

func (d *LDAPDirectory) dialURL(ctx context.Context) (ldapConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := ldap.DialURL(d.opts.URL, ldap.DialWithDialer(&net.Dialer{Timeout: d.opts.Timeout}))
	if err != nil {
		return nil, err
	}
	if d.opts.Timeout > 0 {
		conn.SetTimeout(d.opts.Timeout)
	}
	return conn, nil
}

func (d *LDAPDirectory) Connect(ctx context.Context) (pollcat.DirectorySession, error) {
	conn, err := d.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", d.opts.URL, err)
	}
	if err := conn.Bind(d.opts.BindDN, d.opts.BindPassword); err != nil {
		_ = conn.Unbind()
		return nil, fmt.Errorf("binding as %s: %w", d.opts.BindDN, err)
	}
	d.logger.Debug("bound to directory", "url", d.opts.URL)

	s := &ldapSession{conn: conn, dir: d}
	s.alloc = pollcat.NewIDAllocator(s, d.opts.IDAttempts, d.logger)
	return s, nil
}

// ldapSession is one bound connection. It also implements pollcat.Counter
// over the counter entry so ids are allocated on the same connection.
type ldapSession struct {
	conn  ldapConn
	dir   *LDAPDirectory
	alloc *pollcat.IDAllocator
}

var (
	_ pollcat.DirectorySession = (*ldapSession)(nil)
	_ pollcat.Counter          = (*ldapSession)(nil)
)

func (s *ldapSession) LookupIdentity(ctx context.Context, fedid string) (*pollcat.Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts := s.dir.opts
	filter := fmt.Sprintf("(&(objectClass=posixAccount)(%s=%s))", opts.FedIDAttribute, ldap.EscapeFilter(fedid))
	res, err := s.conn.Search(ldap.NewSearchRequest(
		opts.UserBaseDN, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
		filter, []string{"uid", "cn", "description"}, nil,
	))
	if err != nil {
		return nil, fmt.Errorf("searching accounts: %w", err)
	}

	switch len(res.Entries) {
	case 0:
		return nil, nil
	case 1:
	default:
		return nil, fmt.Errorf("%w: %d accounts for %s", pollcat.ErrAmbiguousResult, len(res.Entries), fedid)
	}

	entry := res.Entries[0]
	uid := entry.GetAttributeValue("uid")
	if uid == "" {
		uid = entry.GetAttributeValue("cn")
	}

	if missing := missingValues(opts.Descriptions, entry.GetAttributeValues("description")); len(missing) > 0 {
		mod := ldap.NewModifyRequest(entry.DN, nil)
		mod.Add("description", missing)
		if err := s.conn.Modify(mod); err != nil {
			return nil, fmt.Errorf("adding descriptions to %s: %w", entry.DN, err)
		}
		s.dir.logger.Info("account descriptions added", "dn", entry.DN, "descriptions", missing)
	}

	return &pollcat.Identity{FedID: fedid, UID: uid, DN: entry.DN}, nil
}

func (s *ldapSession) CreateIdentity(ctx context.Context, fedid string) (*pollcat.Identity, error) {
	if existing, err := s.LookupIdentity(ctx, fedid); err != nil || existing != nil {
		return existing, err
	}

	opts := s.dir.opts
	id, err := s.alloc.Next(ctx, uidNumberAttr)
	if err != nil {
		return nil, fmt.Errorf("allocating uid number: %w", err)
	}

	name := pollcat.AccountName(opts.AccountPrefix, id)
	dn := fmt.Sprintf("cn=%s,%s", name, opts.UserBaseDN)
	home := filepath.Join("/home", name)
	if opts.HomeRoot != "" {
		home = filepath.Join(opts.HomeRoot, name)
	}

	add := ldap.NewAddRequest(dn, nil)
	add.Attribute("objectClass", []string{"top", "person", "organizationalPerson", "inetOrgPerson", "posixAccount"})
	add.Attribute("cn", []string{name})
	add.Attribute("sn", []string{name})
	add.Attribute("uid", []string{name})
	add.Attribute(uidNumberAttr, []string{strconv.FormatInt(id, 10)})
	add.Attribute(gidNumberAttr, []string{strconv.FormatInt(opts.DefaultGID, 10)})
	add.Attribute("homeDirectory", []string{home})
	add.Attribute("loginShell", []string{opts.LoginShell})
	add.Attribute(opts.FedIDAttribute, []string{fedid})
	if len(opts.Descriptions) > 0 {
		add.Attribute("description", opts.Descriptions)
	}
	if err := s.conn.Add(add); err != nil {
		return nil, fmt.Errorf("adding %s: %w: %w", dn, pollcat.ErrCreateConflict, err)
	}

	if opts.HomeRoot != "" {
		s.makeHome(ctx, home, id)
	}
	return &pollcat.Identity{FedID: fedid, UID: name, DN: dn}, nil
}

// makeHome creates the account's home directory. The local account may not
// exist yet, so ownership is set by number. Failures leave the account usable.
func (s *ldapSession) makeHome(ctx context.Context, home string, uidNumber int64) {
	if s.dir.fs == nil || s.dir.provisioner == nil {
		return
	}
	owner := strconv.FormatInt(uidNumber, 10)
	group := strconv.FormatInt(s.dir.opts.DefaultGID, 10)

	err := s.dir.fs.MkdirAll(home)
	if err == nil {
		err = s.dir.provisioner.ChownRecursive(ctx, home, owner, group)
	}
	if err == nil {
		err = s.dir.provisioner.ChmodRecursive(ctx, home, 0o700)
	}
	if err != nil {
		s.dir.logger.Warn("creating home directory", "path", home, "error", err)
	}
}

func (s *ldapSession) LookupGroup(ctx context.Context, name string) (*pollcat.DirGroup, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	filter := fmt.Sprintf("(&(objectClass=posixGroup)(cn=%s))", ldap.EscapeFilter(name))
	res, err := s.conn.Search(ldap.NewSearchRequest(
		s.dir.opts.GroupBaseDN, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
		filter, []string{"cn", "memberUid"}, nil,
	))
	if err != nil {
		return nil, fmt.Errorf("searching groups: %w", err)
	}

	switch len(res.Entries) {
	case 0:
		return nil, nil
	case 1:
		e := res.Entries[0]
		return &pollcat.DirGroup{DN: e.DN, Members: e.GetAttributeValues("memberUid")}, nil
	default:
		return nil, fmt.Errorf("%w: %d groups named %s", pollcat.ErrAmbiguousResult, len(res.Entries), name)
	}
}

func (s *ldapSession) CreateGroup(ctx context.Context, name string) (string, error) {
	if err := pollcat.ValidateName(name); err != nil {
		return "", err
	}
	id, err := s.alloc.Next(ctx, gidNumberAttr)
	if err != nil {
		return "", fmt.Errorf("allocating gid number: %w", err)
	}

	dn := fmt.Sprintf("cn=%s,%s", name, s.dir.opts.GroupBaseDN)
	add := ldap.NewAddRequest(dn, nil)
	add.Attribute("objectClass", []string{"top", "posixGroup"})
	add.Attribute("cn", []string{name})
	add.Attribute(gidNumberAttr, []string{strconv.FormatInt(id, 10)})
	if err := s.conn.Add(add); err != nil {
		return "", fmt.Errorf("adding %s: %w: %w", dn, pollcat.ErrCreateConflict, err)
	}
	return dn, nil
}

func (s *ldapSession) AddGroupMembers(ctx context.Context, dn string, uids []string) error {
	if len(uids) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	mod := ldap.NewModifyRequest(dn, nil)
	mod.Add("memberUid", uids)
	err := s.conn.Modify(mod)
	if err == nil {
		return nil
	}
	if !ldap.IsErrorWithCode(err, ldap.LDAPResultAttributeOrValueExists) {
		return fmt.Errorf("adding members to %s: %w", dn, err)
	}

	// Someone else added one of them since the group was read; add one by one.
	var result *multierror.Error
	for _, uid := range uids {
		mod := ldap.NewModifyRequest(dn, nil)
		mod.Add("memberUid", []string{uid})
		if err := s.conn.Modify(mod); err != nil && !ldap.IsErrorWithCode(err, ldap.LDAPResultAttributeOrValueExists) {
			result = multierror.Append(result, fmt.Errorf("adding %s to %s: %w", uid, dn, err))
		}
	}
	return result.ErrorOrNil()
}

func (s *ldapSession) ReadCounter(ctx context.Context, attr string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	res, err := s.conn.Search(ldap.NewSearchRequest(
		s.dir.opts.CounterDN, ldap.ScopeBaseObject, ldap.NeverDerefAliases, 0, 0, false,
		"(objectClass=*)", []string{attr}, nil,
	))
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", s.dir.opts.CounterDN, err)
	}
	if len(res.Entries) != 1 {
		return 0, fmt.Errorf("reading %s: expected 1 entry, got %d", s.dir.opts.CounterDN, len(res.Entries))
	}
	raw := res.Entries[0].GetAttributeValue(attr)
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s %q: %w", attr, raw, err)
	}
	return n, nil
}

// SwapCounter deletes the old value and adds the new one in a single modify.
// The server rejects the delete if old is no longer stored.
func (s *ldapSession) SwapCounter(ctx context.Context, attr string, old, next int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	mod := ldap.NewModifyRequest(s.dir.opts.CounterDN, nil)
	mod.Delete(attr, []string{strconv.FormatInt(old, 10)})
	mod.Add(attr, []string{strconv.FormatInt(next, 10)})

	err := s.conn.Modify(mod)
	if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchAttribute) {
		return fmt.Errorf("%w: %w", pollcat.ErrCounterChanged, err)
	}
	if err != nil {
		return fmt.Errorf("updating %s: %w", attr, err)
	}
	return nil
}

func (s *ldapSession) Close() error {
	if err := s.conn.Unbind(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("unbinding: %w", err)
	}
	return nil
}

// missingValues returns the values of want not present in have.
func missingValues(want, have []string) []string {
	var missing []string
	for _, w := range want {
		if !slices.Contains(have, w) {
			missing = append(missing, w)
		}
	}
	return missing
}
