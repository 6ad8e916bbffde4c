// Package proc runs external programs for k3scontainer.
//
// Commands are a program name plus pre-split argument tokens; nothing is ever
// passed through a shell or re-split on whitespace. Executor.Run captures stdout
// and stderr and classifies the outcome into SpawnError, ExitError or
// TimeoutError. Executor.Attach wires the caller's terminal to the child for
// passthrough commands.
package proc

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/k3scontainer/k3scontainer/internal/logging"
)

// waitDelay bounds how long Wait keeps draining pipes after the child was killed.
const waitDelay = 5 * time.Second

// Command describes one invocation of an external program.
type Command struct {
	// Name is the program to run, resolved through PATH.
	Name string
	// Args are the positional arguments, one token each.
	Args []string
	// Stdin, when set, is streamed to the child and closed at EOF.
	Stdin io.Reader
	// Env is appended to the current process environment.
	Env []string
	// Progress, when set, receives a live copy of stdout and stderr.
	Progress io.Writer
	// StopSignal is sent to an attached child when its context ends, instead
	// of an immediate kill. The child is killed if it outlives StopTimeout.
	StopSignal  os.Signal
	StopTimeout time.Duration
}

// String renders the command line with shell quoting, for messages only.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, quote(c.Name))
	for _, a := range c.Args {
		parts = append(parts, quote(a))
	}
	return strings.Join(parts, " ")
}

// Result is the captured outcome of a command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Streams are the stdio endpoints handed to an attached command.
type Streams struct {
	In  io.Reader
	Out io.Writer
	Err io.Writer
}

// StdStreams returns the process's own stdio.
func StdStreams() Streams {
	return Streams{In: os.Stdin, Out: os.Stdout, Err: os.Stderr}
}

// Runner runs a command to completion and captures its output.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// Executor is the default Runner backed by os/exec. It holds no per-run state.
type Executor struct {
	logger  *slog.Logger
	timeout time.Duration
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger used for command tracing.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithTimeout bounds every Run. Zero disables the bound; the caller's context still applies.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// NewExecutor constructs an Executor.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{logger: logging.Discard()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run starts cmd, waits for it and returns the captured output.
func (e *Executor) Run(ctx context.Context, cmd Command) (Result, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	c := e.command(ctx, cmd)
	isolate(c)
	c.Stdin = cmd.Stdin
	if cmd.Progress != nil {
		c.Stdout = io.MultiWriter(&stdout, cmd.Progress)
		c.Stderr = io.MultiWriter(&stderr, cmd.Progress)
	} else {
		c.Stdout = &stdout
		c.Stderr = &stderr
	}

	start := time.Now()
	e.logger.Debug("running command", "cmd", cmd.String())

	if err := c.Start(); err != nil {
		return Result{ExitCode: -1}, &SpawnError{Command: cmd, Err: err}
	}
	waitErr := c.Wait()

	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: c.ProcessState.ExitCode(),
	}
	e.logger.Debug("command finished", "cmd", cmd.Name, "exit_code", res.ExitCode, "duration", time.Since(start))

	if ctxErr := ctx.Err(); ctxErr != nil && waitErr != nil {
		return res, &TimeoutError{Command: cmd, Timeout: e.timeout, Cause: ctxErr, Result: res}
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return res, &ExitError{Command: cmd, Result: res}
		}
		return res, &SpawnError{Command: cmd, Err: waitErr}
	}
	return res, nil
}

// Attach runs cmd with streams connected directly to the child. Output is not captured.
// The child stays in the caller's process group so it can own the terminal.
func (e *Executor) Attach(ctx context.Context, cmd Command, streams Streams) error {
	c := e.command(ctx, cmd)
	c.Stdin = streams.In
	c.Stdout = streams.Out
	c.Stderr = streams.Err

	e.logger.Debug("attaching command", "cmd", cmd.String())

	if err := c.Start(); err != nil {
		return &SpawnError{Command: cmd, Err: err}
	}
	waitErr := c.Wait()
	if waitErr == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &TimeoutError{Command: cmd, Cause: ctxErr, Result: Result{ExitCode: c.ProcessState.ExitCode()}}
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return &ExitError{Command: cmd, Result: Result{ExitCode: exitErr.ExitCode()}}
	}
	return &SpawnError{Command: cmd, Err: waitErr}
}

func (e *Executor) command(ctx context.Context, cmd Command) *exec.Cmd {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	c.WaitDelay = waitDelay
	if cmd.StopTimeout > 0 {
		c.WaitDelay = cmd.StopTimeout
	}
	if cmd.StopSignal != nil {
		c.Cancel = func() error { return c.Process.Signal(cmd.StopSignal) }
	}
	return c
}

func quote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, needsQuoting) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func needsQuoting(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}
	return !strings.ContainsRune("-_./:=@%+,^", r)
}
