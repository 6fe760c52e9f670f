package pollcat

import (
	"context"
	"io/fs"
)

// Provisioner mutates the host's account and permission model.
// Implementations validate every name with ValidateName before use, and
// report a failed command as an error wrapping ErrProvisioning.
type Provisioner interface {
	// EnsureGroup creates the group unless it already exists.
	EnsureGroup(ctx context.Context, name string) error

	// EnsureAccount creates the account, without a home directory, under the
	// default primary group. It is a no-op if the account exists.
	EnsureAccount(ctx context.Context, uid string) error

	// AddSupplementaryGroup appends group to the account's supplementary groups.
	AddSupplementaryGroup(ctx context.Context, uid, group string) error

	// ChownRecursive sets owner and group on path and everything below it.
	ChownRecursive(ctx context.Context, path, user, group string) error

	// ChmodRecursive sets mode on path and everything below it.
	ChmodRecursive(ctx context.Context, path string, mode fs.FileMode) error
}
