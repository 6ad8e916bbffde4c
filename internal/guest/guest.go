// Package guest implements the commands that run inside the cluster container:
// the entrypoint that boots the nested runtime and cluster, and the repo refresh.
package guest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/k3d-io/k3d/v5/pkg/config/types"
	"github.com/k3d-io/k3d/v5/pkg/config/v1alpha5"
	"sigs.k8s.io/yaml"

	"github.com/k3scontainer/k3scontainer/internal/config"
	"github.com/k3scontainer/k3scontainer/internal/docker"
	"github.com/k3scontainer/k3scontainer/internal/logging"
	"github.com/k3scontainer/k3scontainer/internal/proc"
)

const (
	// DefaultClusterName names the k3d cluster inside the container.
	DefaultClusterName = "k3scontainer"
	// DefaultDaemon is the docker:dind script that starts the nested daemon.
	DefaultDaemon = "dockerd-entrypoint.sh"

	defaultReadyTimeout = 2 * time.Minute
	defaultPollInterval = time.Second
	daemonStopTimeout   = 30 * time.Second
)

// Executor runs captured and attached commands; *proc.Executor satisfies it.
type Executor interface {
	proc.Runner
	Attach(ctx context.Context, cmd proc.Command, streams proc.Streams) error
}

// Options tunes the entrypoint.
type Options struct {
	ClusterName string
	// Daemon is the command that runs the nested container runtime in the foreground.
	Daemon []string
	// ReadyTimeout bounds the wait for the nested runtime to answer.
	ReadyTimeout time.Duration
	PollInterval time.Duration
	// Streams receive the daemon's output; defaults to the process stdio.
	Streams proc.Streams
}

// Guest performs the in-container setup.
type Guest struct {
	paths  config.ContainerPaths
	exec   Executor
	docker *docker.Client
	logger *slog.Logger
	opts   Options
}

// New returns a Guest operating on paths.
func New(paths config.ContainerPaths, exec Executor, logger *slog.Logger, opts Options) *Guest {
	if logger == nil {
		logger = logging.Discard()
	}
	if opts.ClusterName == "" {
		opts.ClusterName = DefaultClusterName
	}
	if len(opts.Daemon) == 0 {
		opts.Daemon = []string{DefaultDaemon}
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = defaultReadyTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	std := proc.StdStreams()
	if opts.Streams.In == nil {
		opts.Streams.In = std.In
	}
	if opts.Streams.Out == nil {
		opts.Streams.Out = std.Out
	}
	if opts.Streams.Err == nil {
		opts.Streams.Err = std.Err
	}
	return &Guest{
		paths:  paths,
		exec:   exec,
		docker: docker.NewClient("docker", exec, logger),
		logger: logger,
		opts:   opts,
	}
}

// Entrypoint starts the nested runtime, prepares the cluster on first start,
// refreshes the repo copy and then blocks until ctx ends or the runtime exits.
func (g *Guest) Entrypoint(ctx context.Context) error {
	// The ready marker only exists while this entrypoint has finished setup.
	if err := removeMarker(g.paths.Ready()); err != nil {
		return err
	}
	defer func() {
		if err := removeMarker(g.paths.Ready()); err != nil {
			g.logger.Warn("failed to remove ready marker", "error", err)
		}
	}()

	daemonCtx, stopDaemon := context.WithCancel(context.WithoutCancel(ctx))
	defer stopDaemon()

	daemonDone := make(chan error, 1)
	go func() {
		daemonDone <- g.exec.Attach(daemonCtx, proc.Command{
			Name:        g.opts.Daemon[0],
			Args:        g.opts.Daemon[1:],
			StopSignal:  syscall.SIGTERM,
			StopTimeout: daemonStopTimeout,
		}, g.opts.Streams)
	}()

	shutdown := func(cause error) error {
		stopDaemon()
		if err := <-daemonDone; err != nil && cause == nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("stop container runtime: %w", err)
		}
		return cause
	}

	if err := g.waitForRuntime(ctx, daemonDone); err != nil {
		if errors.Is(err, errDaemonExited) {
			return err
		}
		return shutdown(err)
	}

	if err := g.setup(ctx); err != nil {
		return shutdown(err)
	}
	if err := os.WriteFile(g.paths.Ready(), []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0o644); err != nil {
		return shutdown(fmt.Errorf("write ready marker: %w", err))
	}
	g.logger.Info("cluster container ready", "cluster", g.opts.ClusterName)

	select {
	case <-ctx.Done():
		g.logger.Info("shutting down container runtime")
		return shutdown(nil)
	case err := <-daemonDone:
		if err == nil {
			err = errors.New("exited")
		}
		return fmt.Errorf("container runtime stopped: %w", err)
	}
}

func (g *Guest) setup(ctx context.Context) error {
	if err := g.Prepare(); err != nil {
		return err
	}
	if err := g.SeedK3dConfig(); err != nil {
		return err
	}
	if err := g.Install(ctx); err != nil {
		return err
	}
	return g.Refresh(ctx)
}

var errDaemonExited = errors.New("container runtime exited before becoming ready")

func (g *Guest) waitForRuntime(ctx context.Context, daemonDone <-chan error) error {
	ctx, cancel := context.WithTimeout(ctx, g.opts.ReadyTimeout)
	defer cancel()

	ticker := time.NewTicker(g.opts.PollInterval)
	defer ticker.Stop()
	for {
		err := g.docker.Info(ctx)
		if err == nil {
			return nil
		}
		g.logger.Debug("waiting for container runtime", "error", err)
		select {
		case derr := <-daemonDone:
			return fmt.Errorf("%w: %v", errDaemonExited, derr)
		case <-ctx.Done():
			return fmt.Errorf("wait for container runtime: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Prepare creates the in-container directory layout.
func (g *Guest) Prepare() error {
	for _, dir := range []string{g.paths.RootDir, g.paths.Data(), g.paths.Keys(), g.paths.Repo()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// SeedK3dConfig writes the k3d cluster config unless one already exists, so
// edits made inside the container survive restarts.
func (g *Guest) SeedK3dConfig() error {
	file := g.paths.K3dConfig()
	if _, err := os.Stat(file); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", file, err)
	}

	data, err := yaml.Marshal(g.k3dConfig())
	if err != nil {
		return fmt.Errorf("marshal k3d config: %w", err)
	}
	if err := os.WriteFile(file, data, 0o644); err != nil {
		return fmt.Errorf("write k3d config %s: %w", file, err)
	}
	g.logger.Info("seeded k3d cluster config", "path", file)
	return nil
}

func (g *Guest) k3dConfig() v1alpha5.SimpleConfig {
	cfg := v1alpha5.SimpleConfig{
		TypeMeta: types.TypeMeta{
			APIVersion: "k3d.io/v1alpha5",
			Kind:       "Simple",
		},
		ObjectMeta: types.ObjectMeta{
			Name: g.opts.ClusterName,
		},
		Servers: 1,
		Agents:  0,
		Volumes: []v1alpha5.VolumeWithNodeFilters{
			{Volume: g.paths.Data() + ":" + g.paths.Data(), NodeFilters: []string{"server:*"}},
		},
	}
	cfg.Options.KubeconfigOptions.UpdateDefaultKubeconfig = true
	cfg.Options.KubeconfigOptions.SwitchCurrentContext = true
	return cfg
}

// Install creates the k3d cluster on first start and records the installed marker.
func (g *Guest) Install(ctx context.Context) error {
	marker := g.paths.Installed()
	if _, err := os.Stat(marker); err == nil {
		g.logger.Info("cluster already installed", "marker", marker)
		return nil
	}

	g.logger.Info("creating k3d cluster", "config", g.paths.K3dConfig())
	progress := logging.NewWriter(g.logger, logging.LevelInfo, "k3d")
	_, err := g.exec.Run(ctx, proc.Command{
		Name:     "k3d",
		Args:     []string{"cluster", "create", "--config", g.paths.K3dConfig()},
		Progress: progress,
	})
	progress.Flush()
	if err != nil {
		return fmt.Errorf("create k3d cluster: %w", err)
	}

	if err := os.WriteFile(marker, []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0o644); err != nil {
		return fmt.Errorf("write installed marker %s: %w", marker, err)
	}
	return nil
}

// Refresh replaces the repo copy with the current content of the read-only host mount.
func (g *Guest) Refresh(ctx context.Context) error {
	repo := g.paths.Repo()
	if !safeTarget(g.paths.RootDir, repo) {
		return fmt.Errorf("refusing to replace %q: not a directory below %q", repo, g.paths.RootDir)
	}

	if err := clearDir(repo); err != nil {
		return fmt.Errorf("clear %s: %w", repo, err)
	}
	src := strings.TrimSuffix(g.paths.HostWorkDirMount(), "/") + "/."
	if _, err := g.exec.Run(ctx, proc.Command{Name: "cp", Args: []string{"-a", src, repo}}); err != nil {
		return fmt.Errorf("copy %s to %s: %w", g.paths.HostWorkDirMount(), repo, err)
	}
	g.logger.Info("refreshed repo copy", "path", repo)
	return nil
}

func removeMarker(file string) error {
	if err := os.Remove(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", file, err)
	}
	return nil
}

// clearDir empties dir, creating it when missing. The directory itself is kept
// so shells whose working directory is the repo keep a valid cwd.
func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return os.MkdirAll(dir, 0o755)
	}
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(path.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// safeTarget reports whether p is strictly below root and neither is "/".
func safeTarget(root, p string) bool {
	p = path.Clean(strings.TrimSpace(p))
	root = path.Clean(strings.TrimSpace(root))
	if !path.IsAbs(p) || !path.IsAbs(root) || p == "/" || root == "/" || p == root {
		return false
	}
	return strings.HasPrefix(p, root+"/")
}
