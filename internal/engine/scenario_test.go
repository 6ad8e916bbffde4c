package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k3scontainer/k3scontainer/internal/docker"
	"github.com/k3scontainer/k3scontainer/internal/proc"
	"github.com/k3scontainer/k3scontainer/internal/proc/proctest"
)

// fakeDaemon answers runtime commands from an in-memory view of one cluster's
// container, volume and image. Like docker 23+, "rm --force" accepts a missing
// container while "volume rm" and "image rm" reject missing objects.
type fakeDaemon struct {
	container bool
	volume    bool
	image     bool
	failOn    string
}

func (d *fakeDaemon) handle(c proctest.Call) (proc.Result, error) {
	if d.failOn != "" && c.HasPrefix(strings.Fields(d.failOn)...) {
		return proctest.Exit(c, 1, "", d.failOn+" failed")
	}
	name := c.Args[len(c.Args)-1]
	switch {
	case c.HasPrefix("ps"):
		if d.container {
			return proc.Result{Stdout: "0f1e2d3c\n"}, nil
		}
	case c.HasPrefix("build"):
		d.image = true
	case c.HasPrefix("volume", "create"):
		d.volume = true
	case c.HasPrefix("run"):
		d.container = true
		return proc.Result{Stdout: "0f1e2d3c\n"}, nil
	case c.HasPrefix("rm"):
		d.container = false
	case c.HasPrefix("volume", "rm"):
		if !d.volume {
			return proctest.Exit(c, 1, "", "Error response from daemon: get "+name+": no such volume")
		}
		d.volume = false
	case c.HasPrefix("image", "rm"):
		if !d.image {
			return proctest.Exit(c, 1, "", "Error response from daemon: No such image: "+name+":latest")
		}
		d.image = false
	}
	return proc.Result{}, nil
}

func TestProvisionRemoveScenario(t *testing.T) {
	t.Parallel()

	cfg := newTestConfig(t)
	daemon := &fakeDaemon{}
	runner := proctest.NewRunner(daemon.handle)
	eng := New(cfg, docker.NewClient("docker", runner, nil), nil)
	ctx := context.Background()

	first, err := eng.Provision(ctx)
	require.NoError(t, err)
	require.True(t, first.Created)
	id := first.Identity.String()

	assert.Equal(t, []string{
		"docker ps --all --quiet --no-trunc --filter name=^" + id + "$ --filter status=running",
		"docker ps --all --quiet --no-trunc --filter name=^" + id + "$",
		"docker build --tag " + id + " -",
		"docker volume create " + id + "-docker-dir-volume",
		"docker run --detach --privileged --restart unless-stopped --name " + id +
			" --mount type=bind,source=" + cfg.WorkDir + ",target=/k3scontainer/hwdm,readonly" +
			" --mount type=volume,source=" + id + "-docker-dir-volume,target=/var/lib/docker" +
			" --mount type=bind,source=" + cfg.DataDir() + ",target=/k3scontainer/data " + id,
	}, runner.Lines())

	calls := runner.Calls()
	assert.Contains(t, calls[2].Stdin, "FROM docker:28-dind")

	second, err := eng.Provision(ctx)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Identity, second.Identity)

	lines := runner.Lines()
	require.Len(t, lines, 7)
	assert.True(t, strings.HasPrefix(lines[5], "docker ps "))
	assert.True(t, strings.HasPrefix(lines[6], "docker ps "))

	removed, err := eng.Remove(ctx)
	require.NoError(t, err)
	assert.True(t, removed.Removed)
	assert.Equal(t, []string{
		"docker rm --force " + id,
		"docker volume rm " + id + "-docker-dir-volume",
		"docker image rm " + id,
	}, runner.Lines()[7:])

	third, err := eng.Provision(ctx)
	require.NoError(t, err)
	assert.True(t, third.Created)
	assert.Equal(t, first.Identity, third.Identity)
}

func TestProvisionBuildFailureScenario(t *testing.T) {
	t.Parallel()

	cfg := newTestConfig(t)
	runner := proctest.NewRunner((&fakeDaemon{failOn: "build"}).handle)
	eng := New(cfg, docker.NewClient("docker", runner, nil), nil)

	_, err := eng.Provision(context.Background())
	require.Error(t, err)
	assert.True(t, proc.IsExitError(err))

	_, stderr, ok := proc.Output(err)
	require.True(t, ok)
	assert.Equal(t, "build failed", stderr)

	lines := runner.Lines()
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[2], "docker build "))
}

func TestRemoveTwiceScenario(t *testing.T) {
	t.Parallel()

	cfg := newTestConfig(t)
	daemon := &fakeDaemon{}
	runner := proctest.NewRunner(daemon.handle)
	eng := New(cfg, docker.NewClient("docker", runner, nil), nil)
	ctx := context.Background()

	_, err := eng.Provision(ctx)
	require.NoError(t, err)

	first, err := eng.Remove(ctx)
	require.NoError(t, err)
	assert.True(t, first.Removed)

	second, err := eng.Remove(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.Identity, second.Identity)
	assert.False(t, daemon.container || daemon.volume || daemon.image)
}

func TestRemoveAfterPartialProvisionScenario(t *testing.T) {
	t.Parallel()

	cfg := newTestConfig(t)
	daemon := &fakeDaemon{failOn: "volume create"}
	runner := proctest.NewRunner(daemon.handle)
	eng := New(cfg, docker.NewClient("docker", runner, nil), nil)
	ctx := context.Background()

	_, err := eng.Provision(ctx)
	require.Error(t, err)
	require.True(t, daemon.image)

	out, err := eng.Remove(ctx)
	require.NoError(t, err)
	assert.True(t, out.Removed)
	assert.False(t, daemon.image)
}
