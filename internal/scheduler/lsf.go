// Package scheduler manages batch scheduler user groups.
package scheduler

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"pollcat/internal/command"
	"pollcat/internal/pollcat"
)

// LSFOptions configures the LSF backend.
type LSFOptions struct {
	ParentGroup string
	BugroupPath string
	BconfPath   string
}

// LSF manages user groups with the bugroup and bconf commands.
type LSF struct {
	runner  command.Runner
	parent  string
	bugroup string
	bconf   string
	logger  pollcat.Logger
}

func NewLSF(runner command.Runner, opts LSFOptions, logger pollcat.Logger) *LSF {
	l := &LSF{
		runner:  runner,
		parent:  opts.ParentGroup,
		bugroup: opts.BugroupPath,
		bconf:   opts.BconfPath,
		logger:  logger,
	}
	if l.bugroup == "" {
		l.bugroup = "bugroup"
	}
	if l.bconf == "" {
		l.bconf = "bconf"
	}
	return l
}

var _ pollcat.Scheduler = (*LSF)(nil)

func (l *LSF) CheckGroup(ctx context.Context, name string) (*pollcat.SchedGroup, error) {
	if err := pollcat.ValidateName(name); err != nil {
		return nil, err
	}

	res, err := l.run(ctx, l.bugroup, "-w", name)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		if noSuchGroup(res.Output()) {
			return nil, nil
		}
		return nil, l.commandError(res, l.bugroup, "-w", name)
	}

	members, err := ParseMembers(name, res.Stdout)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", pollcat.ErrSchedulerCommand, err)
	}
	return &pollcat.SchedGroup{Name: name, Members: members}, nil
}

func (l *LSF) AddGroup(ctx context.Context, name string, members []string) error {
	if len(members) == 0 {
		return fmt.Errorf("creating %s: %w", name, pollcat.ErrNoMembers)
	}
	if err := validateAll(name, members); err != nil {
		return err
	}

	if err := l.bconfMember(ctx, "create", name, members); err != nil {
		return err
	}
	l.logger.Info("lsf group created", "group", name, "members", strings.Join(members, " "))

	if l.parent == "" {
		return nil
	}
	if err := l.bconfMember(ctx, "addmember", l.parent, []string{name}); err != nil {
		return fmt.Errorf("linking %s into %s: %w", name, l.parent, err)
	}
	return nil
}

func (l *LSF) AddMembers(ctx context.Context, name string, members []string) error {
	if len(members) == 0 {
		return nil
	}
	if err := validateAll(name, members); err != nil {
		return err
	}
	if err := l.bconfMember(ctx, "addmember", name, members); err != nil {
		return err
	}
	l.logger.Info("lsf group members added", "group", name, "members", strings.Join(members, " "))
	return nil
}

func (l *LSF) LinkParent(ctx context.Context, name string) error {
	if l.parent == "" {
		return nil
	}
	if err := pollcat.ValidateName(name); err != nil {
		return err
	}

	parent, err := l.CheckGroup(ctx, l.parent)
	if err != nil {
		return fmt.Errorf("checking parent group %s: %w", l.parent, err)
	}
	if parent == nil {
		return fmt.Errorf("%w: parent group %s does not exist", pollcat.ErrSchedulerCommand, l.parent)
	}
	if slices.Contains(parent.Members, name) {
		return nil
	}

	if err := l.bconfMember(ctx, "addmember", l.parent, []string{name}); err != nil {
		return fmt.Errorf("linking %s into %s: %w", name, l.parent, err)
	}
	l.logger.Info("lsf group linked into parent", "group", name, "parent", l.parent)
	return nil
}

func (l *LSF) bconfMember(ctx context.Context, action, group string, members []string) error {
	args := []string{action, "usergroup=" + group, "GROUP_MEMBER=" + strings.Join(members, " ")}
	res, err := l.run(ctx, l.bconf, args...)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return l.commandError(res, l.bconf, args...)
	}
	return nil
}

func (l *LSF) run(ctx context.Context, name string, args ...string) (*command.Result, error) {
	res, err := l.runner.Run(ctx, name, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", pollcat.ErrSchedulerCommand, err)
	}
	return res, nil
}

func (l *LSF) commandError(res *command.Result, name string, args ...string) error {
	return &pollcat.CommandError{
		Args:     append([]string{name}, args...),
		ExitCode: res.ExitCode,
		Output:   res.Output(),
		Err:      pollcat.ErrSchedulerCommand,
	}
}

func noSuchGroup(output string) bool {
	out := strings.ToLower(output)
	return strings.Contains(out, "no such") && strings.Contains(out, "group")
}

func validateAll(group string, members []string) error {
	if err := pollcat.ValidateName(group); err != nil {
		return err
	}
	for _, m := range members {
		if err := pollcat.ValidateName(m); err != nil {
			return err
		}
	}
	return nil
}
