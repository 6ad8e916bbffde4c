// Package docker drives a Docker-compatible runtime through its command-line interface.
package docker

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/k3scontainer/k3scontainer/internal/logging"
	"github.com/k3scontainer/k3scontainer/internal/proc"
)

// Client wraps runtime CLI execution. Every call maps to exactly one command.
type Client struct {
	runtime string
	runner  proc.Runner
	logger  *slog.Logger
}

// NewClient constructs a client for the runtime binary (docker, podman, ...).
func NewClient(runtime string, runner proc.Runner, logger *slog.Logger) *Client {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Client{runtime: runtime, runner: runner, logger: logger}
}

// Runtime returns the runtime binary name.
func (c *Client) Runtime() string { return c.runtime }

// Mount is a --mount specification.
type Mount struct {
	// Source is a host path, or a volume name when Volume is set.
	Source string
	// Target is the path inside the container.
	Target   string
	ReadOnly bool
	Volume   bool
}

// String renders the --mount value. Fields are CSV-quoted as the runtime parses
// them, so host paths may contain ':' or ','.
func (m Mount) String() string {
	kind := "bind"
	if m.Volume {
		kind = "volume"
	}
	fields := []string{"type=" + kind, "source=" + m.Source, "target=" + m.Target}
	if m.ReadOnly {
		fields = append(fields, "readonly")
	}

	var b strings.Builder
	w := csv.NewWriter(&b)
	_ = w.Write(fields)
	w.Flush()
	return strings.TrimSuffix(b.String(), "\n")
}

// RunOptions describes a detached container start.
type RunOptions struct {
	Name  string
	Image string
	// Privileged is required to host a nested container runtime.
	Privileged bool
	// RestartPolicy is passed to --restart when non-empty.
	RestartPolicy string
	Mounts        []Mount
	// Env holds KEY=VALUE pairs passed with --env.
	Env []string
}

// ContainerIDs returns the full ids of containers named exactly name. When
// runningOnly is set, stopped containers are excluded.
func (c *Client) ContainerIDs(ctx context.Context, name string, runningOnly bool) ([]string, error) {
	args := []string{"ps", "--all", "--quiet", "--no-trunc", "--filter", "name=^" + name + "$"}
	if runningOnly {
		args = append(args, "--filter", "status=running")
	}
	res, err := c.run(ctx, proc.Command{Args: args})
	if err != nil {
		return nil, err
	}
	return lines(res.Stdout), nil
}

// ContainerStatus returns the runtime's state string (created, exited, paused, ...).
func (c *Client) ContainerStatus(ctx context.Context, name string) (string, error) {
	res, err := c.run(ctx, proc.Command{Args: []string{"inspect", "--type", "container", "--format", "{{.State.Status}}", name}})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// BuildImage builds tag from the Dockerfile read from spec. Build output is
// copied to progress when it is not nil.
func (c *Client) BuildImage(ctx context.Context, tag string, spec io.Reader, progress io.Writer) error {
	_, err := c.run(ctx, proc.Command{
		Args:     []string{"build", "--tag", tag, "-"},
		Stdin:    spec,
		Progress: progress,
	})
	return err
}

// CreateVolume creates a named volume.
func (c *Client) CreateVolume(ctx context.Context, name string) error {
	_, err := c.run(ctx, proc.Command{Args: []string{"volume", "create", name}})
	return err
}

// RunContainer starts a detached container and returns its id.
func (c *Client) RunContainer(ctx context.Context, opts RunOptions) (string, error) {
	args := []string{"run", "--detach"}
	if opts.Privileged {
		args = append(args, "--privileged")
	}
	if opts.RestartPolicy != "" {
		args = append(args, "--restart", opts.RestartPolicy)
	}
	if opts.Name != "" {
		args = append(args, "--name", opts.Name)
	}
	for _, m := range opts.Mounts {
		args = append(args, "--mount", m.String())
	}
	for _, kv := range opts.Env {
		args = append(args, "--env", kv)
	}
	args = append(args, opts.Image)

	res, err := c.run(ctx, proc.Command{Args: args})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// RemoveContainer force-removes a container, stopping it first if needed.
// A container that does not exist counts as removed.
func (c *Client) RemoveContainer(ctx context.Context, name string) error {
	return c.remove(ctx, "container", name, "rm", "--force", name)
}

// RemoveVolume removes a named volume. A missing volume counts as removed.
func (c *Client) RemoveVolume(ctx context.Context, name string) error {
	return c.remove(ctx, "volume", name, "volume", "rm", name)
}

// RemoveImage removes an image by tag. A missing image counts as removed.
func (c *Client) RemoveImage(ctx context.Context, name string) error {
	return c.remove(ctx, "image", name, "image", "rm", name)
}

func (c *Client) remove(ctx context.Context, kind, name string, args ...string) error {
	_, err := c.run(ctx, proc.Command{Args: args})
	if err != nil && IsNotFound(err) {
		c.logger.Debug("already absent", "kind", kind, "name", name)
		return nil
	}
	return err
}

// notFoundMarkers are the stderr fragments docker and podman print when the
// named object does not exist.
var notFoundMarkers = []string{
	"no such container",
	"no such volume",
	"no such image",
	"no container with name or id",
	"image not known",
}

// IsNotFound reports whether err is a runtime command that failed only because
// the object it names does not exist.
func IsNotFound(err error) bool {
	var exitErr *proc.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	stderr := strings.ToLower(exitErr.Result.Stderr)
	for _, marker := range notFoundMarkers {
		if strings.Contains(stderr, marker) {
			return true
		}
	}
	return false
}

// Version returns the runtime client version.
func (c *Client) Version(ctx context.Context) (string, error) {
	res, err := c.run(ctx, proc.Command{Args: []string{"version", "--format", "{{.Client.Version}}"}})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// Info succeeds once the runtime daemon answers.
func (c *Client) Info(ctx context.Context) error {
	_, err := c.run(ctx, proc.Command{Args: []string{"info", "--format", "{{.ServerVersion}}"}})
	return err
}

// ExecOptions configures an exec passthrough.
type ExecOptions struct {
	Interactive bool
	TTY         bool
	// WorkDir is the working directory inside the container.
	WorkDir string
	// Env holds KEY=VALUE pairs set for the exec'd process.
	Env []string
}

// ExecCommand builds "exec" of argv inside container, for use with proc.Executor.Attach.
func (c *Client) ExecCommand(container string, opts ExecOptions, argv ...string) proc.Command {
	args := []string{"exec"}
	if opts.Interactive {
		args = append(args, "-i")
	}
	if opts.TTY {
		args = append(args, "-t")
	}
	if opts.WorkDir != "" {
		args = append(args, "-w", opts.WorkDir)
	}
	for _, kv := range opts.Env {
		args = append(args, "-e", kv)
	}
	args = append(args, container)
	args = append(args, argv...)
	return c.command(args...)
}

// LogsCommand builds "logs" for container. tail < 0 shows all lines.
func (c *Client) LogsCommand(container string, follow bool, tail int) proc.Command {
	args := []string{"logs"}
	if follow {
		args = append(args, "--follow")
	}
	if tail >= 0 {
		args = append(args, "--tail", strconv.Itoa(tail))
	}
	args = append(args, container)
	return c.command(args...)
}

// CopyCommand builds "cp" between the host and a container. Container paths
// use the runtime's <container>:<path> form.
func (c *Client) CopyCommand(src, dst string) proc.Command {
	return c.command("cp", src, dst)
}

func (c *Client) command(args ...string) proc.Command {
	return proc.Command{Name: c.runtime, Args: args}
}

func (c *Client) run(ctx context.Context, cmd proc.Command) (proc.Result, error) {
	cmd.Name = c.runtime
	c.logger.Debug("runtime command", "cmd", cmd.String())
	return c.runner.Run(ctx, cmd)
}

func lines(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}
