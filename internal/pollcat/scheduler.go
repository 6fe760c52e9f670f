package pollcat

import "context"

// SchedGroup is a batch scheduler user group.
type SchedGroup struct {
	Name    string
	Members []string
}

// Scheduler manages the batch scheduler's user groups.
type Scheduler interface {
	// CheckGroup returns the group, or nil if the scheduler reports no such group.
	// Any other failure wraps ErrSchedulerCommand.
	CheckGroup(ctx context.Context, name string) (*SchedGroup, error)

	// AddGroup creates a group with at least one member and links it into the
	// configured parent group.
	AddGroup(ctx context.Context, name string, members []string) error

	// AddMembers appends members to an existing group.
	AddMembers(ctx context.Context, name string, members []string) error

	// LinkParent adds the group to the configured parent group unless it is
	// already a member. It is a no-op when no parent is configured.
	LinkParent(ctx context.Context, name string) error
}
