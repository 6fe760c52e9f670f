package testutil

import (
	"context"
	"strings"
	"sync"

	"pollcat/internal/command"
)

type fakeResponse struct {
	prefix string
	result *command.Result
	err    error
}

// FakeRunner records commands instead of executing them. Responses are
// matched by prefix against the space-joined command line; the most recently
// registered match wins and unmatched commands succeed with no output.
type FakeRunner struct {
	mu        sync.Mutex
	calls     []string
	responses []fakeResponse
}

func NewFakeRunner() *FakeRunner {
	return &FakeRunner{}
}

// On scripts the result for commands starting with prefix.
func (f *FakeRunner) On(prefix string, result *command.Result, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, fakeResponse{prefix: prefix, result: result, err: err})
}

// OnExit scripts an exit status and output for commands starting with prefix.
func (f *FakeRunner) OnExit(prefix string, code int, stdout, stderr string) {
	f.On(prefix, &command.Result{Stdout: stdout, Stderr: stderr, ExitCode: code}, nil)
}

// Calls returns every command line run so far.
func (f *FakeRunner) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *FakeRunner) Run(_ context.Context, name string, args ...string) (*command.Result, error) {
	line := strings.Join(append([]string{name}, args...), " ")

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, line)
	for i := len(f.responses) - 1; i >= 0; i-- {
		r := f.responses[i]
		if !strings.HasPrefix(line, r.prefix) {
			continue
		}
		if r.err != nil {
			return nil, r.err
		}
		res := *r.result
		return &res, nil
	}
	return &command.Result{}, nil
}
