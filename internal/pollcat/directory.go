package pollcat

import "context"

// Identity is an investigator's directory account.
type Identity struct {
	FedID string
	UID   string
	DN    string
}

// DirGroup is a visit group as recorded in the directory.
type DirGroup struct {
	DN      string
	Members []string
}

// Directory opens sessions against the directory service.
type Directory interface {
	// Connect binds a new session. Every successful Connect must be paired with
	// exactly one DirectorySession.Close.
	Connect(ctx context.Context) (DirectorySession, error)
}

// DirectorySession is one live, bound connection to the directory service.
// A session is used by a single reconciliation run and is not safe for concurrent use.
type DirectorySession interface {
	// LookupIdentity finds the account for a fedid.
	// Returns nil if no account exists. More than one match is ErrAmbiguousResult.
	LookupIdentity(ctx context.Context, fedid string) (*Identity, error)

	// CreateIdentity allocates a uid number and writes a new account for fedid.
	// If an account for fedid already exists it is returned and nothing is
	// allocated. A rejected write is ErrCreateConflict.
	CreateIdentity(ctx context.Context, fedid string) (*Identity, error)

	// LookupGroup returns the group with the given cn, or nil if it does not exist.
	LookupGroup(ctx context.Context, name string) (*DirGroup, error)

	// CreateGroup allocates a gid number and writes an empty group, returning its DN.
	CreateGroup(ctx context.Context, name string) (string, error)

	// AddGroupMembers appends uids to the group membership. It never removes members.
	AddGroupMembers(ctx context.Context, dn string, uids []string) error

	// Close unbinds the session.
	Close() error
}

// Counter is a numeric attribute that can only be advanced by compare-and-swap.
type Counter interface {
	// ReadCounter returns the current value of the named counter attribute.
	ReadCounter(ctx context.Context, attr string) (int64, error)

	// SwapCounter replaces old with next atomically. Returns ErrCounterChanged
	// if the stored value is no longer old.
	SwapCounter(ctx context.Context, attr string, old, next int64) error
}
