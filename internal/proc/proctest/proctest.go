// Package proctest provides a scripted proc.Runner for tests.
package proctest

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/k3scontainer/k3scontainer/internal/proc"
)

// Call is one recorded command.
type Call struct {
	Name  string
	Args  []string
	Stdin string
}

// Line renders the call as a space-joined command line.
func (c Call) Line() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Command converts the call back into a proc.Command for building errors.
func (c Call) Command() proc.Command {
	return proc.Command{Name: c.Name, Args: c.Args}
}

// Handler scripts the outcome of a call.
type Handler func(Call) (proc.Result, error)

// Runner records every command and answers from a Handler. The zero Handler
// makes every command succeed with empty output.
type Runner struct {
	mu      sync.Mutex
	calls   []Call
	handler Handler
}

// NewRunner returns a Runner answering with handler.
func NewRunner(handler Handler) *Runner {
	return &Runner{handler: handler}
}

// Run implements proc.Runner.
func (r *Runner) Run(_ context.Context, cmd proc.Command) (proc.Result, error) {
	call := Call{Name: cmd.Name, Args: append([]string(nil), cmd.Args...)}
	if cmd.Stdin != nil {
		data, _ := io.ReadAll(cmd.Stdin)
		call.Stdin = string(data)
	}

	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()

	if r.handler == nil {
		return proc.Result{}, nil
	}
	res, err := r.handler(call)
	if cmd.Progress != nil {
		_, _ = io.WriteString(cmd.Progress, res.Stdout+res.Stderr)
	}
	return res, err
}

// Calls returns a copy of the recorded calls.
func (r *Runner) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Lines returns the recorded calls as command lines.
func (r *Runner) Lines() []string {
	calls := r.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Line()
	}
	return out
}

// Exit builds the outcome of call exiting with code.
func Exit(call Call, code int, stdout, stderr string) (proc.Result, error) {
	res := proc.Result{Stdout: stdout, Stderr: stderr, ExitCode: code}
	return res, &proc.ExitError{Command: call.Command(), Result: res}
}

// HasPrefix reports whether the call's arguments start with prefix.
func (c Call) HasPrefix(prefix ...string) bool {
	if len(c.Args) < len(prefix) {
		return false
	}
	for i, p := range prefix {
		if c.Args[i] != p {
			return false
		}
	}
	return true
}
