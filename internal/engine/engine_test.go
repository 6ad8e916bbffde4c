package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/k3scontainer/k3scontainer/internal/config"
	"github.com/k3scontainer/k3scontainer/internal/docker"
	"github.com/k3scontainer/k3scontainer/internal/proc"
	"github.com/k3scontainer/k3scontainer/internal/state"
)

const testID = state.Identity("k3scontainer-0123456789abcdef")

type runtimeMock struct {
	mock.Mock
}

func (m *runtimeMock) ContainerIDs(ctx context.Context, name string, runningOnly bool) ([]string, error) {
	args := m.Called(ctx, name, runningOnly)
	ids, _ := args.Get(0).([]string)
	return ids, args.Error(1)
}

func (m *runtimeMock) ContainerStatus(ctx context.Context, name string) (string, error) {
	args := m.Called(ctx, name)
	return args.String(0), args.Error(1)
}

func (m *runtimeMock) BuildImage(ctx context.Context, tag string, spec io.Reader, progress io.Writer) error {
	args := m.Called(ctx, tag, spec, progress)
	return args.Error(0)
}

func (m *runtimeMock) CreateVolume(ctx context.Context, name string) error {
	return m.Called(ctx, name).Error(0)
}

func (m *runtimeMock) RunContainer(ctx context.Context, opts docker.RunOptions) (string, error) {
	args := m.Called(ctx, opts)
	return args.String(0), args.Error(1)
}

func (m *runtimeMock) RemoveContainer(ctx context.Context, name string) error {
	return m.Called(ctx, name).Error(0)
}

func (m *runtimeMock) RemoveVolume(ctx context.Context, name string) error {
	return m.Called(ctx, name).Error(0)
}

func (m *runtimeMock) RemoveImage(ctx context.Context, name string) error {
	return m.Called(ctx, name).Error(0)
}

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default(t.TempDir())
	return &cfg
}

func seedIdentity(t *testing.T, cfg *config.Config, value string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(cfg.StateDir, 0o755))
	require.NoError(t, os.WriteFile(cfg.IdentityFile(), []byte(value), 0o644))
}

func expectProbe(rt *runtimeMock, id state.Identity, running, all []string) {
	rt.On("ContainerIDs", mock.Anything, id.String(), true).Return(running, nil).Once()
	rt.On("ContainerIDs", mock.Anything, id.String(), false).Return(all, nil).Once()
}

func TestProvisionCreatesResources(t *testing.T) {
	t.Parallel()

	cfg := newTestConfig(t)
	seedIdentity(t, cfg, testID.String()+"\n")
	rt := &runtimeMock{}

	var builtSpec string
	expectProbe(rt, testID, nil, nil)
	rt.On("BuildImage", mock.Anything, testID.String(), mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			data, _ := io.ReadAll(args.Get(2).(io.Reader))
			builtSpec = string(data)
		}).Return(nil).Once()
	rt.On("CreateVolume", mock.Anything, testID.VolumeName()).Return(nil).Once()
	rt.On("RunContainer", mock.Anything, docker.RunOptions{
		Name:          testID.String(),
		Image:         testID.String(),
		Privileged:    true,
		RestartPolicy: "unless-stopped",
		Mounts: []docker.Mount{
			{Source: cfg.WorkDir, Target: "/k3scontainer/hwdm", ReadOnly: true},
			{Source: testID.VolumeName(), Target: "/var/lib/docker", Volume: true},
			{Source: cfg.DataDir(), Target: "/k3scontainer/data"},
		},
		Env: []string{},
	}).Return("f00d", nil).Once()

	out, err := New(cfg, rt, nil).Provision(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Outcome{Identity: testID, Created: true}, out)
	rt.AssertExpectations(t)

	assert.Equal(t, string(state.DefaultBuildSpec()), builtSpec)
	assert.FileExists(t, cfg.BuildSpecFile())
	assert.DirExists(t, cfg.DataDir())
}

func TestProvisionRunningIsNoop(t *testing.T) {
	t.Parallel()

	cfg := newTestConfig(t)
	seedIdentity(t, cfg, testID.String()+"\n")
	rt := &runtimeMock{}
	expectProbe(rt, testID, []string{"abc"}, []string{"abc"})

	out, err := New(cfg, rt, nil).Provision(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Outcome{Identity: testID}, out)

	rt.AssertExpectations(t)
	rt.AssertNotCalled(t, "ContainerStatus", mock.Anything, mock.Anything)
	rt.AssertNotCalled(t, "BuildImage", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	rt.AssertNotCalled(t, "CreateVolume", mock.Anything, mock.Anything)
	rt.AssertNotCalled(t, "RunContainer", mock.Anything, mock.Anything)
	assert.NoFileExists(t, cfg.BuildSpecFile())
}

func TestProvisionStoppedContainerIsReported(t *testing.T) {
	t.Parallel()

	cfg := newTestConfig(t)
	seedIdentity(t, cfg, testID.String()+"\n")
	rt := &runtimeMock{}
	expectProbe(rt, testID, nil, []string{"abc"})
	rt.On("ContainerStatus", mock.Anything, testID.String()).Return("exited", nil).Once()

	_, err := New(cfg, rt, nil).Provision(context.Background())
	require.Error(t, err)

	var notRunning *NotRunningError
	require.ErrorAs(t, err, &notRunning)
	assert.Equal(t, testID, notRunning.Identity)
	assert.Equal(t, "exited", notRunning.Status)
	assert.True(t, IsNotRunningError(err))

	rt.AssertExpectations(t)
	rt.AssertNotCalled(t, "BuildImage", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestProvisionBuildFailureAborts(t *testing.T) {
	t.Parallel()

	cfg := newTestConfig(t)
	seedIdentity(t, cfg, testID.String()+"\n")
	rt := &runtimeMock{}
	expectProbe(rt, testID, nil, nil)

	buildRes := proc.Result{Stdout: "step 1/4", Stderr: "failed to solve: FROM nothing", ExitCode: 1}
	buildErr := &proc.ExitError{Command: proc.Command{Name: "docker", Args: []string{"build", "--tag", testID.String(), "-"}}, Result: buildRes}
	rt.On("BuildImage", mock.Anything, testID.String(), mock.Anything, mock.Anything).Return(buildErr).Once()

	_, err := New(cfg, rt, nil).Provision(context.Background())
	require.Error(t, err)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepBuildImage, stepErr.Step)

	stdout, stderr, ok := proc.Output(err)
	require.True(t, ok)
	assert.Equal(t, "step 1/4", stdout)
	assert.Equal(t, "failed to solve: FROM nothing", stderr)

	rt.AssertNotCalled(t, "CreateVolume", mock.Anything, mock.Anything)
	rt.AssertNotCalled(t, "RunContainer", mock.Anything, mock.Anything)
}

func TestProvisionVolumeFailureSkipsRun(t *testing.T) {
	t.Parallel()

	cfg := newTestConfig(t)
	seedIdentity(t, cfg, testID.String()+"\n")
	rt := &runtimeMock{}
	expectProbe(rt, testID, nil, nil)
	rt.On("BuildImage", mock.Anything, testID.String(), mock.Anything, mock.Anything).Return(nil).Once()
	rt.On("CreateVolume", mock.Anything, testID.VolumeName()).Return(errors.New("boom")).Once()

	_, err := New(cfg, rt, nil).Provision(context.Background())
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepCreateVolume, stepErr.Step)
	rt.AssertNotCalled(t, "RunContainer", mock.Anything, mock.Anything)
}

func TestProvisionPassesContainerEnv(t *testing.T) {
	t.Parallel()

	cfg := newTestConfig(t)
	seedIdentity(t, cfg, testID.String()+"\n")
	require.NoError(t, os.WriteFile(cfg.EnvFile(), []byte("ZED=last\nALPHA=first\n"), 0o600))

	rt := &runtimeMock{}
	expectProbe(rt, testID, nil, nil)
	rt.On("BuildImage", mock.Anything, testID.String(), mock.Anything, mock.Anything).Return(nil).Once()
	rt.On("CreateVolume", mock.Anything, testID.VolumeName()).Return(nil).Once()
	rt.On("RunContainer", mock.Anything, mock.MatchedBy(func(opts docker.RunOptions) bool {
		return assert.ObjectsAreEqual([]string{"ALPHA=first", "ZED=last"}, opts.Env)
	})).Return("f00d", nil).Once()

	_, err := New(cfg, rt, nil).Provision(context.Background())
	require.NoError(t, err)
	rt.AssertExpectations(t)
}

func TestProvisionProbeFailure(t *testing.T) {
	t.Parallel()

	cfg := newTestConfig(t)
	seedIdentity(t, cfg, testID.String()+"\n")
	rt := &runtimeMock{}
	spawnErr := &proc.SpawnError{Command: proc.Command{Name: "docker"}, Err: errors.New("exec: \"docker\": executable file not found in $PATH")}
	rt.On("ContainerIDs", mock.Anything, testID.String(), true).Return(nil, spawnErr).Once()

	_, err := New(cfg, rt, nil).Provision(context.Background())
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepProbe, stepErr.Step)
	var gotSpawn *proc.SpawnError
	assert.ErrorAs(t, err, &gotSpawn)
}

func TestProvisionGeneratesIdentity(t *testing.T) {
	t.Parallel()

	cfg := newTestConfig(t)
	rt := &runtimeMock{}
	rt.On("ContainerIDs", mock.Anything, mock.Anything, mock.Anything).Return([]string{"abc"}, nil)

	out, err := New(cfg, rt, nil).Provision(context.Background())
	require.NoError(t, err)
	assert.Regexp(t, `^k3scontainer-[a-z0-9]{16}$`, out.Identity.String())

	data, err := os.ReadFile(cfg.IdentityFile())
	require.NoError(t, err)
	assert.Equal(t, out.Identity.String()+"\n", string(data))
}

func TestProvisionWarnsWhenReplacingMalformedIdentity(t *testing.T) {
	t.Parallel()

	cfg := newTestConfig(t)
	seedIdentity(t, cfg, "Hand-Edited\n")
	rt := &runtimeMock{}
	rt.On("ContainerIDs", mock.Anything, mock.Anything, mock.Anything).Return([]string{"abc"}, nil)

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	out, err := New(cfg, rt, logger).Provision(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, "Hand-Edited", out.Identity.String())
	assert.Contains(t, logs.String(), "level=WARN")
	assert.Contains(t, logs.String(), "value=Hand-Edited")
}

func TestProvisionCreateDirFailure(t *testing.T) {
	t.Parallel()

	cfg := newTestConfig(t)
	blocker := filepath.Join(cfg.WorkDir, "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	cfg.StateDir = filepath.Join(blocker, "state")

	_, err := New(cfg, &runtimeMock{}, nil).Provision(context.Background())
	var dirErr *CreateDirError
	require.ErrorAs(t, err, &dirErr)
	assert.Equal(t, cfg.StateDir, dirErr.Path)
}

func TestRemoveOrder(t *testing.T) {
	t.Parallel()

	cfg := newTestConfig(t)
	seedIdentity(t, cfg, testID.String()+"\n")
	rt := &runtimeMock{}
	mock.InOrder(
		rt.On("RemoveContainer", mock.Anything, testID.String()).Return(nil).Once(),
		rt.On("RemoveVolume", mock.Anything, testID.VolumeName()).Return(nil).Once(),
		rt.On("RemoveImage", mock.Anything, testID.String()).Return(nil).Once(),
	)

	out, err := New(cfg, rt, nil).Remove(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Outcome{Identity: testID, Removed: true}, out)
	rt.AssertExpectations(t)

	data, err := os.ReadFile(cfg.IdentityFile())
	require.NoError(t, err)
	assert.Equal(t, testID.String()+"\n", string(data))
}

func TestRemoveWithoutIdentityIsNoop(t *testing.T) {
	t.Parallel()

	t.Run("no state dir", func(t *testing.T) {
		t.Parallel()
		cfg := newTestConfig(t)
		rt := &runtimeMock{}

		out, err := New(cfg, rt, nil).Remove(context.Background())
		require.NoError(t, err)
		assert.Equal(t, Outcome{}, out)
		assert.NoDirExists(t, cfg.StateDir)
		rt.AssertExpectations(t)
	})

	t.Run("empty identity file", func(t *testing.T) {
		t.Parallel()
		cfg := newTestConfig(t)
		seedIdentity(t, cfg, "")
		rt := &runtimeMock{}

		out, err := New(cfg, rt, nil).Remove(context.Background())
		require.NoError(t, err)
		assert.Equal(t, Outcome{}, out)
		rt.AssertExpectations(t)
	})
}

func TestRemoveMalformedIdentity(t *testing.T) {
	t.Parallel()

	cfg := newTestConfig(t)
	seedIdentity(t, cfg, "production-database\n")
	rt := &runtimeMock{}

	_, err := New(cfg, rt, nil).Remove(context.Background())
	var idErr *IdentityError
	require.ErrorAs(t, err, &idErr)
	assert.True(t, state.IsInvalidIdentityError(err))
	rt.AssertExpectations(t)
}

func TestRemoveStopsAtFirstFailure(t *testing.T) {
	t.Parallel()

	cfg := newTestConfig(t)
	seedIdentity(t, cfg, testID.String()+"\n")
	rt := &runtimeMock{}
	rt.On("RemoveContainer", mock.Anything, testID.String()).Return(nil).Once()
	rt.On("RemoveVolume", mock.Anything, testID.VolumeName()).Return(errors.New("volume is in use")).Once()

	_, err := New(cfg, rt, nil).Remove(context.Background())
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepRemoveVolume, stepErr.Step)
	assert.Contains(t, err.Error(), "volume is in use")
	rt.AssertNotCalled(t, "RemoveImage", mock.Anything, mock.Anything)
}

func TestStatus(t *testing.T) {
	t.Parallel()

	t.Run("not provisioned", func(t *testing.T) {
		t.Parallel()
		cfg := newTestConfig(t)
		rt := &runtimeMock{}

		report, err := New(cfg, rt, nil).Status(context.Background())
		require.NoError(t, err)
		assert.Equal(t, NotProvisioned, report.State)
		assert.Empty(t, report.Identity)
		assert.NoDirExists(t, cfg.StateDir)
		rt.AssertExpectations(t)
	})

	t.Run("stopped", func(t *testing.T) {
		t.Parallel()
		cfg := newTestConfig(t)
		seedIdentity(t, cfg, testID.String()+"\n")
		rt := &runtimeMock{}
		expectProbe(rt, testID, nil, []string{"abc"})
		rt.On("ContainerStatus", mock.Anything, testID.String()).Return("paused", nil).Once()

		report, err := New(cfg, rt, nil).Status(context.Background())
		require.NoError(t, err)
		assert.Equal(t, Report{
			Identity:  testID.String(),
			State:     "exists-not-running",
			Status:    "paused",
			Container: testID.String(),
			Image:     testID.String(),
			Volume:    testID.VolumeName(),
			WorkDir:   cfg.WorkDir,
			StateDir:  cfg.StateDir,
			Runtime:   "docker",
		}, report)
	})
}

func TestRequireRunning(t *testing.T) {
	t.Parallel()

	t.Run("not provisioned", func(t *testing.T) {
		t.Parallel()
		_, err := New(newTestConfig(t), &runtimeMock{}, nil).RequireRunning(context.Background())
		require.ErrorIs(t, err, ErrNotProvisioned)
	})

	t.Run("not created", func(t *testing.T) {
		t.Parallel()
		cfg := newTestConfig(t)
		seedIdentity(t, cfg, testID.String()+"\n")
		rt := &runtimeMock{}
		expectProbe(rt, testID, nil, nil)

		_, err := New(cfg, rt, nil).RequireRunning(context.Background())
		var notRunning *NotRunningError
		require.ErrorAs(t, err, &notRunning)
		assert.Empty(t, notRunning.Status)
		assert.Contains(t, err.Error(), "does not exist")
	})

	t.Run("running", func(t *testing.T) {
		t.Parallel()
		cfg := newTestConfig(t)
		seedIdentity(t, cfg, testID.String()+"\n")
		rt := &runtimeMock{}
		expectProbe(rt, testID, []string{"abc"}, []string{"abc"})

		id, err := New(cfg, rt, nil).RequireRunning(context.Background())
		require.NoError(t, err)
		assert.Equal(t, testID, id)
	})
}
