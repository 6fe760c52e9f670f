// Package osaccount provisions local OS users, groups and file permissions.
package osaccount

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/user"
	"path/filepath"

	"pollcat/internal/command"
	"pollcat/internal/pollcat"
)

// useradd exits 9 when the username is already in use.
const useraddExitUserExists = 9

// ShellOptions configures the shell provisioner.
type ShellOptions struct {
	// Sudo prefixes every command with `sudo -n`.
	Sudo bool
	// DefaultGroup is the primary group of every account created.
	DefaultGroup string
}

// Shell provisions accounts with groupadd, useradd, usermod, chown and chmod.
type Shell struct {
	runner       command.Runner
	sudo         bool
	defaultGroup string
	userExists   func(name string) (bool, error)
	logger       pollcat.Logger
}

func NewShell(runner command.Runner, opts ShellOptions, logger pollcat.Logger) *Shell {
	return &Shell{
		runner:       runner,
		sudo:         opts.Sudo,
		defaultGroup: opts.DefaultGroup,
		userExists:   lookupUser,
		logger:       logger,
	}
}

// WithUserLookup replaces the account existence check. Used by tests.
func (s *Shell) WithUserLookup(fn func(name string) (bool, error)) *Shell {
	s.userExists = fn
	return s
}

var _ pollcat.Provisioner = (*Shell)(nil)

func (s *Shell) EnsureGroup(ctx context.Context, name string) error {
	if err := pollcat.ValidateName(name); err != nil {
		return err
	}
	return s.run(ctx, "groupadd", "-f", name)
}

func (s *Shell) EnsureAccount(ctx context.Context, uid string) error {
	if err := pollcat.ValidateName(uid); err != nil {
		return err
	}
	if err := pollcat.ValidateName(s.defaultGroup); err != nil {
		return fmt.Errorf("default group: %w", err)
	}

	exists, err := s.userExists(uid)
	if err != nil {
		return fmt.Errorf("looking up account %s: %w", uid, err)
	}
	if exists {
		return nil
	}

	err = s.run(ctx, "useradd", "-M", "-N", "-g", s.defaultGroup, uid)
	var cmdErr *pollcat.CommandError
	if errors.As(err, &cmdErr) && cmdErr.ExitCode == useraddExitUserExists {
		return nil
	}
	if err != nil {
		return err
	}
	s.logger.Info("local account created", "user", uid)
	return nil
}

func (s *Shell) AddSupplementaryGroup(ctx context.Context, uid, group string) error {
	if err := pollcat.ValidateName(uid); err != nil {
		return err
	}
	if err := pollcat.ValidateName(group); err != nil {
		return err
	}
	return s.run(ctx, "usermod", "-a", "-G", group, uid)
}

func (s *Shell) ChownRecursive(ctx context.Context, path, owner, group string) error {
	if err := pollcat.ValidateName(owner); err != nil {
		return err
	}
	if err := pollcat.ValidateName(group); err != nil {
		return err
	}
	if err := validatePath(path); err != nil {
		return err
	}
	return s.run(ctx, "chown", "-R", owner+":"+group, path)
}

func (s *Shell) ChmodRecursive(ctx context.Context, path string, mode fs.FileMode) error {
	if err := validatePath(path); err != nil {
		return err
	}
	return s.run(ctx, "chmod", "-R", fmt.Sprintf("%o", mode.Perm()), path)
}

func (s *Shell) run(ctx context.Context, args ...string) error {
	argv := args
	if s.sudo {
		argv = append([]string{"sudo", "-n"}, args...)
	}

	res, err := s.runner.Run(ctx, argv[0], argv[1:]...)
	if err != nil {
		return fmt.Errorf("%s: %w: %w", args[0], pollcat.ErrProvisioning, err)
	}
	if res.ExitCode != 0 {
		return &pollcat.CommandError{
			Args:     argv,
			ExitCode: res.ExitCode,
			Output:   res.Output(),
			Err:      pollcat.ErrProvisioning,
		}
	}
	s.logger.Debug("command ok", "cmd", args[0], "args", args[1:])
	return nil
}

// validatePath only admits clean absolute paths, so a path can never be read as a flag.
func validatePath(path string) error {
	if !filepath.IsAbs(path) || filepath.Clean(path) != path {
		return fmt.Errorf("%w: path %q", pollcat.ErrInvalidIdentifier, path)
	}
	return nil
}

func lookupUser(name string) (bool, error) {
	_, err := user.Lookup(name)
	if err == nil {
		return true, nil
	}
	var unknown user.UnknownUserError
	if errors.As(err, &unknown) {
		return false, nil
	}
	return false, err
}
