package config

import (
	"path"
	"path/filepath"
	"strings"
)

// Host-side file names inside the state directory.
const (
	IdentityFileName  = "name"
	BuildSpecFileName = "Dockerfile"
	DataDirName       = "data"
	LockFileName      = "lock"
	EnvFileName       = "container.env"
)

// IdentityFile is the file holding the persisted cluster identity.
func (c *Config) IdentityFile() string { return filepath.Join(c.StateDir, IdentityFileName) }

// BuildSpecFile is the persisted Dockerfile used to build the cluster image.
func (c *Config) BuildSpecFile() string { return filepath.Join(c.StateDir, BuildSpecFileName) }

// DataDir is bind-mounted into the container at ContainerPaths.Data.
func (c *Config) DataDir() string { return filepath.Join(c.StateDir, DataDirName) }

// LockFile guards provision and remove against concurrent invocations.
func (c *Config) LockFile() string { return filepath.Join(c.StateDir, LockFileName) }

// EnvFile is the optional dotenv file passed to the container environment.
func (c *Config) EnvFile() string { return filepath.Join(c.StateDir, EnvFileName) }

// In-container paths always use forward slashes, whatever the host OS.

func (p ContainerPaths) Data() string             { return path.Join(p.RootDir, "data") }
func (p ContainerPaths) Keys() string             { return path.Join(p.RootDir, "keys") }
func (p ContainerPaths) Installed() string        { return path.Join(p.RootDir, "installed") }
func (p ContainerPaths) Ready() string            { return path.Join(p.RootDir, "ready") }
func (p ContainerPaths) K3dConfig() string        { return path.Join(p.RootDir, "cluster.k3d.yaml") }
func (p ContainerPaths) HostWorkDirMount() string { return path.Join(p.RootDir, "hwdm") }
func (p ContainerPaths) Repo() string             { return path.Join(p.RootDir, "repo") }

// EnvPairs returns the K3SCONTAINER_* overrides that reproduce p in another
// process, such as the guest commands run inside the container.
func (p ContainerPaths) EnvPairs() []string {
	return []string{
		envKey("container.root-dir") + "=" + p.RootDir,
		envKey("container.docker-dir") + "=" + p.DockerDir,
	}
}

func envKey(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(key))
}
