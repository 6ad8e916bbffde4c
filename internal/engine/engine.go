// Package engine provisions and removes the cluster container for a working directory.
//
// Every operation derives the container's state from the runtime on each call;
// nothing is cached between invocations.
package engine

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/k3scontainer/k3scontainer/internal/config"
	"github.com/k3scontainer/k3scontainer/internal/docker"
	"github.com/k3scontainer/k3scontainer/internal/env"
	"github.com/k3scontainer/k3scontainer/internal/logging"
	"github.com/k3scontainer/k3scontainer/internal/state"
)

// restartPolicy keeps the cluster up across host reboots until it is removed.
const restartPolicy = "unless-stopped"

// Runtime is the subset of the runtime client the engine drives.
type Runtime interface {
	ContainerIDs(ctx context.Context, name string, runningOnly bool) ([]string, error)
	ContainerStatus(ctx context.Context, name string) (string, error)
	BuildImage(ctx context.Context, tag string, spec io.Reader, progress io.Writer) error
	CreateVolume(ctx context.Context, name string) error
	RunContainer(ctx context.Context, opts docker.RunOptions) (string, error)
	RemoveContainer(ctx context.Context, name string) error
	RemoveVolume(ctx context.Context, name string) error
	RemoveImage(ctx context.Context, name string) error
}

// Engine orchestrates provisioning and removal.
type Engine struct {
	cfg        *config.Config
	runtime    Runtime
	identities *state.IdentityStore
	specs      *state.BuildSpecStore
	logger     *slog.Logger
}

// New constructs an Engine for cfg.
func New(cfg *config.Config, runtime Runtime, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Engine{
		cfg:        cfg,
		runtime:    runtime,
		identities: state.NewIdentityStore(cfg.IdentityFile(), cfg.NamePrefix),
		specs:      state.NewBuildSpecStore(cfg.BuildSpecFile()),
		logger:     logger,
	}
}

// Outcome describes what an orchestration did.
type Outcome struct {
	Identity state.Identity
	// Created is set when provision built and started a new container.
	Created bool
	// Removed is set when remove issued the teardown commands.
	Removed bool
}

// Provision makes sure the cluster container exists and is running. A running
// container is left untouched; a stopped one is reported as NotRunningError.
func (e *Engine) Provision(ctx context.Context) (Outcome, error) {
	for _, dir := range []string{e.cfg.StateDir, e.cfg.DataDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Outcome{}, &CreateDirError{Path: dir, Err: err}
		}
	}

	unlock, err := e.lock(ctx)
	if err != nil {
		return Outcome{}, err
	}
	defer unlock()

	var invalid *state.InvalidIdentityError
	if _, err := e.identities.Peek(); errors.As(err, &invalid) {
		e.logger.Warn("replacing malformed cluster identity; resources created under it are no longer managed",
			"path", invalid.Path, "value", invalid.Value)
	}
	id, err := e.identities.LoadOrCreate()
	if err != nil {
		return Outcome{}, &IdentityError{Err: err}
	}
	logger := e.logger.With("identity", id.String())

	st, err := e.Probe(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	switch st.Phase {
	case Running:
		logger.Info("cluster container already running")
		return Outcome{Identity: id}, nil
	case ExistsNotRunning:
		return Outcome{}, &NotRunningError{Identity: id, Status: st.Status}
	}

	spec, err := e.specs.LoadOrCreate()
	if err != nil {
		return Outcome{}, &BuildSpecError{Err: err}
	}
	vars, err := env.LoadOptional(e.cfg.EnvFile())
	if err != nil {
		return Outcome{}, &StepError{Step: StepLoadEnv, Identity: id, Err: err}
	}

	logger.Info("building cluster image", "build_spec", e.specs.Path())
	progress := logging.NewWriter(logger, logging.LevelDebug, e.cfg.Runtime+" build")
	err = e.runtime.BuildImage(ctx, id.String(), strings.NewReader(string(spec)), progress)
	progress.Flush()
	if err != nil {
		return Outcome{}, &StepError{Step: StepBuildImage, Identity: id, Err: err}
	}

	logger.Info("creating storage volume", "volume", id.VolumeName())
	if err := e.runtime.CreateVolume(ctx, id.VolumeName()); err != nil {
		return Outcome{}, &StepError{Step: StepCreateVolume, Identity: id, Err: err}
	}

	logger.Info("starting cluster container")
	containerID, err := e.runtime.RunContainer(ctx, e.runOptions(id, vars))
	if err != nil {
		return Outcome{}, &StepError{Step: StepRunContainer, Identity: id, Err: err}
	}
	logger.Debug("cluster container started", "container_id", containerID)

	return Outcome{Identity: id, Created: true}, nil
}

func (e *Engine) runOptions(id state.Identity, vars env.Vars) docker.RunOptions {
	return docker.RunOptions{
		Name:          id.String(),
		Image:         id.String(),
		Privileged:    true,
		RestartPolicy: restartPolicy,
		Mounts: []docker.Mount{
			{Source: e.cfg.WorkDir, Target: e.cfg.Container.HostWorkDirMount(), ReadOnly: true},
			{Source: id.VolumeName(), Target: e.cfg.Container.DockerDir, Volume: true},
			{Source: e.cfg.DataDir(), Target: e.cfg.Container.Data()},
		},
		Env: vars.Pairs(),
	}
}

// Remove deletes the container, its volume and its image. It is a no-op when
// no identity has been persisted. The identity file itself is kept.
func (e *Engine) Remove(ctx context.Context) (Outcome, error) {
	if _, err := os.Stat(e.cfg.StateDir); errors.Is(err, fs.ErrNotExist) {
		e.logger.Info("nothing to remove", "state_dir", e.cfg.StateDir)
		return Outcome{}, nil
	}

	unlock, err := e.lock(ctx)
	if err != nil {
		return Outcome{}, err
	}
	defer unlock()

	id, err := e.identities.Load()
	if errors.Is(err, state.ErrIdentityNotFound) {
		e.logger.Info("nothing to remove", "identity_file", e.identities.Path())
		return Outcome{}, nil
	}
	if err != nil {
		return Outcome{}, &IdentityError{Err: err}
	}
	logger := e.logger.With("identity", id.String())

	logger.Info("removing cluster container")
	if err := e.runtime.RemoveContainer(ctx, id.String()); err != nil {
		return Outcome{}, &StepError{Step: StepRemoveContainer, Identity: id, Err: err}
	}
	logger.Info("removing storage volume", "volume", id.VolumeName())
	if err := e.runtime.RemoveVolume(ctx, id.VolumeName()); err != nil {
		return Outcome{}, &StepError{Step: StepRemoveVolume, Identity: id, Err: err}
	}
	logger.Info("removing cluster image")
	if err := e.runtime.RemoveImage(ctx, id.String()); err != nil {
		return Outcome{}, &StepError{Step: StepRemoveImage, Identity: id, Err: err}
	}

	return Outcome{Identity: id, Removed: true}, nil
}

// RequireRunning returns the identity of the running cluster container.
func (e *Engine) RequireRunning(ctx context.Context) (state.Identity, error) {
	id, err := e.identities.Peek()
	if errors.Is(err, state.ErrIdentityNotFound) {
		return "", ErrNotProvisioned
	}
	if err != nil {
		return "", &IdentityError{Err: err}
	}
	st, err := e.Probe(ctx, id)
	if err != nil {
		return "", err
	}
	if st.Phase != Running {
		return "", &NotRunningError{Identity: id, Status: st.Status}
	}
	return id, nil
}

func (e *Engine) lock(ctx context.Context) (func(), error) {
	l, err := state.AcquireLock(ctx, e.cfg.LockFile())
	if err != nil {
		return nil, &LockError{Err: err}
	}
	return func() {
		if err := l.Release(); err != nil {
			e.logger.Warn("failed to release state lock", "path", e.cfg.LockFile(), "error", err)
		}
	}, nil
}
