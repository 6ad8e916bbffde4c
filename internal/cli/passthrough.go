package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/k3scontainer/k3scontainer/internal/docker"
	"github.com/k3scontainer/k3scontainer/internal/proc"
	"github.com/k3scontainer/k3scontainer/internal/state"
)

// readyTimeout bounds the wait for a new container's cluster, which includes
// pulling the k3s images.
const readyTimeout = 10 * time.Minute

// passthroughError marks the failure of a command whose output was streamed to
// the user; it is not echoed again, only its exit code is propagated.
type passthroughError struct {
	err error
}

func (e *passthroughError) Error() string { return e.err.Error() }
func (e *passthroughError) Unwrap() error { return e.err }

// attach runs cmd with the command's stdio connected.
func (a *app) attach(cmd *cobra.Command, c proc.Command) error {
	err := a.exec.Attach(cmd.Context(), c, a.streams)
	if proc.IsExitError(err) {
		return &passthroughError{err: err}
	}
	return err
}

// execOptions enables a TTY only when stdin is a terminal.
func (a *app) execOptions(workDir string) docker.ExecOptions {
	return docker.ExecOptions{Interactive: true, TTY: isTerminal(a.streams.In), WorkDir: workDir}
}

// runningExec resolves the running container and attaches argv inside it.
func runningExec(cmd *cobra.Command, opts *Options, workDir string, argv ...string) error {
	a := newApp(cmd, opts)
	id, err := a.engine.RequireRunning(cmd.Context())
	if err != nil {
		return err
	}
	return a.attach(cmd, a.runtime.ExecCommand(id.String(), a.execOptions(workDir), argv...))
}

// newLogsCommand creates the "logs" subcommand.
func newLogsCommand(opts *Options) *cobra.Command {
	var (
		follow bool
		tail   int
	)
	cmd := &cobra.Command{
		Use:     "logs",
		Aliases: []string{"l"},
		Short:   "Show the cluster container logs",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := newApp(cmd, opts)
			id, err := a.engine.RequireRunning(cmd.Context())
			if err != nil {
				return err
			}
			return a.attach(cmd, a.runtime.LogsCommand(id.String(), follow, tail))
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Follow log output")
	cmd.Flags().IntVar(&tail, "tail", -1, "Number of lines to show from the end (-1 for all)")
	return cmd
}

// newExecuteCommand creates the "execute" subcommand.
func newExecuteCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "execute -- COMMAND [ARGS...]",
		Aliases: []string{"exec", "ex"},
		Short:   "Run a command inside the cluster container",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runningExec(cmd, opts, "", args...)
		},
	}
	cmd.Flags().SetInterspersed(false)
	return cmd
}

// newShellCommand creates the "shell" subcommand.
func newShellCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "shell",
		Aliases: []string{"sh"},
		Short:   "Open an interactive shell in the repo copy inside the cluster container",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runningExec(cmd, opts, opts.Config.Container.Repo(), opts.Config.Shell)
		},
	}
	cmd.Flags().String("shell", "", "Shell to start (default bash)")
	return cmd
}

// newKubectlCommand creates the "kubectl" subcommand.
func newKubectlCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "kubectl [ARGS...]",
		Aliases: []string{"k"},
		Short:   "Run kubectl against the cluster inside the container",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runningExec(cmd, opts, "", append([]string{"kubectl"}, args...)...)
		},
	}
	cmd.Flags().SetInterspersed(false)
	return cmd
}

// newCopyCommand creates the "copy" subcommand.
func newCopyCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:     "copy SRC DST",
		Aliases: []string{"cp"},
		Short:   "Copy files between the host and the cluster container",
		Long: "Copy files between the host and the cluster container. Prefix a path with ':' to refer " +
			"to the container, e.g. 'k3scontainer copy ./manifests :/k3scontainer/data/manifests'.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, dst := args[0], args[1]
			if isContainerPath(src) == isContainerPath(dst) {
				return errors.New("exactly one of SRC and DST must be a container path starting with ':'")
			}
			a := newApp(cmd, opts)
			id, err := a.engine.RequireRunning(cmd.Context())
			if err != nil {
				return err
			}
			return a.attach(cmd, a.runtime.CopyCommand(containerPath(id, src), containerPath(id, dst)))
		},
	}
}

func isContainerPath(p string) bool {
	return strings.HasPrefix(p, ":")
}

func containerPath(id state.Identity, p string) string {
	if !isContainerPath(p) {
		return p
	}
	return id.String() + p
}

// newRefreshCommand creates the "refresh" subcommand.
func newRefreshCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:     "refresh",
		Aliases: []string{"rf"},
		Short:   "Replace the repo copy inside the container with the current working directory",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := newApp(cmd, opts)
			id, err := a.engine.RequireRunning(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.refresh(cmd, id); err != nil {
				return err
			}
			successf(cmd.OutOrStdout(), "repo copy refreshed")
			return nil
		},
	}
}

// guestBinary is the k3scontainer binary installed in the cluster image.
const guestBinary = "k3scontainer"

// refresh runs the guest refresh inside the container with this host's
// container layout.
func (a *app) refresh(cmd *cobra.Command, id state.Identity) error {
	c := a.runtime.ExecCommand(id.String(), docker.ExecOptions{Env: a.cfg.Container.EnvPairs()},
		guestBinary, "container", "refresh")
	a.logger.Info("refreshing repo copy", "identity", id.String(), "repo", a.cfg.Container.Repo())
	if _, err := a.exec.Run(cmd.Context(), c); err != nil {
		return fmt.Errorf("refresh repo copy: %w", err)
	}
	return nil
}

// notReadyCode is the exit status of the readiness check while the entrypoint
// is still setting up.
const notReadyCode = 3

// waitReady blocks until the entrypoint of a freshly started container has
// created the cluster and copied the repo.
func (a *app) waitReady(cmd *cobra.Command, id state.Identity) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), readyTimeout)
	defer cancel()

	check := a.runtime.ExecCommand(id.String(), docker.ExecOptions{},
		"sh", "-c", `test -e "$1" || exit 3`, "sh", a.cfg.Container.Ready())
	a.logger.Info("waiting for cluster setup to finish", "identity", id.String())

	ticker := time.NewTicker(a.readyPoll)
	defer ticker.Stop()
	for {
		_, err := a.exec.Run(ctx, check)
		if err == nil {
			return nil
		}
		var exitErr *proc.ExitError
		if !errors.As(err, &exitErr) || exitErr.ExitCode() != notReadyCode {
			return fmt.Errorf("wait for cluster setup: %w", err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for cluster setup: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// newRunCommand creates the "run" subcommand.
func newRunCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run -- COMMAND [ARGS...]",
		Aliases: []string{"r"},
		Short:   "Provision if needed, refresh the repo copy and run a command in it",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := newApp(cmd, opts)
			out, err := a.engine.Provision(cmd.Context())
			if err != nil {
				return err
			}
			// A new container copies the repo itself once its cluster is up.
			if out.Created {
				err = a.waitReady(cmd, out.Identity)
			} else {
				err = a.refresh(cmd, out.Identity)
			}
			if err != nil {
				return err
			}
			return a.attach(cmd, a.runtime.ExecCommand(out.Identity.String(),
				docker.ExecOptions{WorkDir: a.cfg.Container.Repo()}, args...))
		},
	}
	cmd.Flags().SetInterspersed(false)
	return cmd
}
