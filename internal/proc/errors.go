package proc

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// SpawnError reports that a command could not be started or waited on.
type SpawnError struct {
	Command Command
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("start %q: %v", e.Command.Name, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// NotInstalled reports whether the program itself could not be found.
func (e *SpawnError) NotInstalled() bool {
	return errors.Is(e.Err, exec.ErrNotFound)
}

// ExitError reports that a command ran and exited with a non-zero status.
// Result carries the captured output when the command ran through Executor.Run.
type ExitError struct {
	Command Command
	Result  Result
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Command.String(), e.Result.ExitCode)
	if detail := lastLine(e.Result.Stderr); detail != "" {
		msg += ": " + detail
	}
	return msg
}

// ExitCode returns the child's exit status.
func (e *ExitError) ExitCode() int { return e.Result.ExitCode }

// TimeoutError reports that a command was killed because its context ended.
type TimeoutError struct {
	Command Command
	// Timeout is the executor-level bound, zero when the caller's context expired instead.
	Timeout time.Duration
	// Cause is context.DeadlineExceeded or context.Canceled.
	Cause  error
	Result Result
}

func (e *TimeoutError) Error() string {
	if errors.Is(e.Cause, context.Canceled) {
		return fmt.Sprintf("%s was canceled", e.Command.String())
	}
	if e.Timeout > 0 {
		return fmt.Sprintf("%s timed out after %s", e.Command.String(), e.Timeout)
	}
	return fmt.Sprintf("%s timed out", e.Command.String())
}

func (e *TimeoutError) Unwrap() error { return e.Cause }

// IsExitError reports whether err is, or wraps, an ExitError.
func IsExitError(err error) bool {
	var target *ExitError
	return errors.As(err, &target)
}

// Output returns the captured stdout and stderr attached to err, if any.
func Output(err error) (stdout, stderr string, ok bool) {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Result.Stdout, exitErr.Result.Stderr, true
	}
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return timeoutErr.Result.Stdout, timeoutErr.Result.Stderr, true
	}
	return "", "", false
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}
