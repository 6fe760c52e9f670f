package pollcat

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned by the catalogue when a file or visit has no record.
	ErrNotFound = errors.New("not found")

	// ErrAmbiguousResult means a lookup that must match at most one record matched several.
	ErrAmbiguousResult = errors.New("ambiguous directory result")

	// ErrCreateConflict means the directory rejected a new record.
	ErrCreateConflict = errors.New("directory rejected create")

	// ErrCounterChanged is returned by Counter.SwapCounter when the stored value
	// no longer equals the expected old value.
	ErrCounterChanged = errors.New("id counter changed concurrently")

	// ErrIDAllocationExhausted means every allocation attempt lost the race.
	ErrIDAllocationExhausted = errors.New("id allocation attempts exhausted")

	// ErrSchedulerCommand wraps any unexpected scheduler CLI failure.
	ErrSchedulerCommand = errors.New("scheduler command failed")

	// ErrInvalidIdentifier is returned for names unsafe to pass to privileged commands.
	ErrInvalidIdentifier = errors.New("invalid identifier")

	// ErrProvisioning wraps a failed OS provisioning command.
	ErrProvisioning = errors.New("provisioning command failed")

	// ErrUnderivableLocation means a catalogue location cannot be mapped onto the destination tree.
	ErrUnderivableLocation = errors.New("location cannot be mapped to a replica path")

	// ErrNoMembers is returned when creating a scheduler group with no members.
	ErrNoMembers = errors.New("scheduler group needs at least one member")
)

// CommandError describes an external command that exited unsuccessfully.
// Err is the sentinel classifying the failure (ErrSchedulerCommand, ErrProvisioning).
type CommandError struct {
	Args     []string
	ExitCode int
	Output   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%v: %q exited %d", e.Err, strings.Join(e.Args, " "), e.ExitCode)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + out
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }
