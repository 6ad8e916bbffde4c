package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/k3scontainer/k3scontainer/internal/engine"
	"github.com/k3scontainer/k3scontainer/internal/proc"
)

// reportError prints err with the captured output of a failed runtime command
// and a hint for the failures a user can act on.
func reportError(w io.Writer, err error, runtime string) {
	if errors.Is(err, context.Canceled) {
		warningf(w, "interrupted")
		return
	}

	var pt *passthroughError
	if errors.As(err, &pt) {
		return
	}

	errorf(w, "%v", err)

	if stdout, stderr, ok := proc.Output(err); ok {
		echo(w, "stdout", stdout)
		echo(w, "stderr", stderr)
	}

	if hint := errorHint(err, runtime); hint != "" {
		infof(w, "%s", hint)
	}
}

func echo(w io.Writer, name, output string) {
	output = strings.TrimRight(output, "\n")
	if strings.TrimSpace(output) == "" {
		return
	}
	_, _ = fmt.Fprintf(w, "--- %s ---\n%s\n", name, output)
}

func errorHint(err error, runtime string) string {
	var (
		spawnErr      *proc.SpawnError
		notRunningErr *engine.NotRunningError
		lockErr       *engine.LockError
	)
	switch {
	case errors.As(err, &spawnErr) && spawnErr.NotInstalled():
		return fmt.Sprintf("verify that %s is installed and on PATH", spawnErr.Command.Name)
	case errors.As(err, &notRunningErr):
		if notRunningErr.Status == "" {
			return "run 'k3scontainer provision' to create it, or 'k3scontainer remove' to clean up"
		}
		return fmt.Sprintf("start it with '%s start %s' or discard it with 'k3scontainer remove'", runtime, notRunningErr.Identity)
	case errors.Is(err, engine.ErrNotProvisioned):
		return "run 'k3scontainer provision' first"
	case errors.As(err, &lockErr):
		return "another k3scontainer command may be running for this working directory"
	}
	return ""
}
