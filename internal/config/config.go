// Package config contains the loader and strongly typed model for k3scontainer settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix of environment variables that override settings.
	EnvPrefix = "K3SCONTAINER"
	// DefaultConfigFileName is looked up in the working directory when --config is not given.
	DefaultConfigFileName = ".k3scontainer.yaml"
	// DefaultStateDirName is the state directory created under the working directory.
	DefaultStateDirName = ".k3scontainer"
	// DefaultNamePrefix prefixes every generated cluster identity.
	DefaultNamePrefix = "k3scontainer-"
	// DefaultRuntime is the container runtime CLI used when none is configured.
	DefaultRuntime = "docker"
	// DefaultShell is the program started by "k3scontainer shell".
	DefaultShell = "bash"
	// DefaultContainerRoot is the root of the tool's files inside the cluster container.
	DefaultContainerRoot = "/k3scontainer"
	// DefaultDockerDir is the storage directory of the nested runtime inside the container.
	DefaultDockerDir = "/var/lib/docker"
)

// Config is the resolved configuration of one invocation.
type Config struct {
	// WorkDir is the host working directory the cluster belongs to. It is
	// mounted read-only into the container.
	WorkDir string `mapstructure:"workdir" yaml:"workdir"`
	// StateDir holds the persisted identity, build spec, data dir and lock.
	// Relative values are resolved against WorkDir.
	StateDir string `mapstructure:"state-dir" yaml:"stateDir"`
	// Runtime is the Docker-compatible CLI (docker, podman, ...).
	Runtime string `mapstructure:"runtime" yaml:"runtime"`
	// NamePrefix prefixes generated identities.
	NamePrefix string `mapstructure:"name-prefix" yaml:"namePrefix"`
	// CommandTimeout bounds every captured runtime command. Zero disables it.
	CommandTimeout time.Duration `mapstructure:"command-timeout" yaml:"commandTimeout"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"log-level" yaml:"logLevel"`
	// Shell is the interactive shell started inside the container.
	Shell string `mapstructure:"shell" yaml:"shell"`
	// Container describes the path layout inside the cluster container.
	Container ContainerPaths `mapstructure:"container" yaml:"container"`
}

// ContainerPaths is the in-container directory layout.
type ContainerPaths struct {
	// RootDir is the root of the tool's files inside the container.
	RootDir string `mapstructure:"root-dir" yaml:"rootDir"`
	// DockerDir is the nested runtime's storage, backed by a named volume.
	DockerDir string `mapstructure:"docker-dir" yaml:"dockerDir"`
}

// LoadOptions controls where Load reads settings from.
type LoadOptions struct {
	// ConfigFile is an explicit YAML file. When empty, <workdir>/.k3scontainer.yaml
	// is used if it exists.
	ConfigFile string
	// Flags are bound to the matching keys; only flags the user set take effect.
	Flags *pflag.FlagSet
	// Getwd returns the default working directory. Defaults to os.Getwd.
	Getwd func() (string, error)
}

// keys are the settings understood by Load; each may be bound to a flag of the same name.
var keys = []string{
	"workdir",
	"state-dir",
	"runtime",
	"name-prefix",
	"command-timeout",
	"log-level",
	"shell",
	"container.root-dir",
	"container.docker-dir",
}

// Default returns the built-in configuration for workDir.
func Default(workDir string) Config {
	cfg := Config{
		WorkDir:    workDir,
		Runtime:    DefaultRuntime,
		NamePrefix: DefaultNamePrefix,
		LogLevel:   "info",
		Shell:      DefaultShell,
		Container: ContainerPaths{
			RootDir:   DefaultContainerRoot,
			DockerDir: DefaultDockerDir,
		},
	}
	if workDir != "" {
		cfg.StateDir = filepath.Join(workDir, DefaultStateDirName)
	}
	return cfg
}

// Load resolves the configuration from defaults, the optional config file,
// K3SCONTAINER_* environment variables and explicitly set flags, in increasing
// order of precedence.
func Load(opts LoadOptions) (*Config, error) {
	getwd := opts.Getwd
	if getwd == nil {
		getwd = os.Getwd
	}
	cwd, err := getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	v := viper.New()
	defaults := Default(cwd)
	v.SetDefault("workdir", defaults.WorkDir)
	v.SetDefault("state-dir", "")
	v.SetDefault("runtime", defaults.Runtime)
	v.SetDefault("name-prefix", defaults.NamePrefix)
	v.SetDefault("command-timeout", "0s")
	v.SetDefault("log-level", defaults.LogLevel)
	v.SetDefault("shell", defaults.Shell)
	v.SetDefault("container.root-dir", defaults.Container.RootDir)
	v.SetDefault("container.docker-dir", defaults.Container.DockerDir)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if opts.Flags != nil {
		for _, key := range keys {
			if f := opts.Flags.Lookup(key); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %q: %w", key, err)
				}
			}
		}
	}

	configFile := opts.ConfigFile
	if configFile == "" {
		candidate := filepath.Join(absFrom(cwd, v.GetString("workdir")), DefaultConfigFileName)
		if _, err := os.Stat(candidate); err == nil {
			configFile = candidate
		}
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %q: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.WorkDir = absFrom(cwd, cfg.WorkDir)
	if strings.TrimSpace(cfg.StateDir) == "" {
		cfg.StateDir = filepath.Join(cfg.WorkDir, DefaultStateDirName)
	} else {
		cfg.StateDir = absFrom(cfg.WorkDir, cfg.StateDir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the configuration can be used to drive the runtime.
func (c *Config) Validate() error {
	var errs []error
	if !filepath.IsAbs(c.WorkDir) {
		errs = append(errs, fmt.Errorf("workdir %q must be absolute", c.WorkDir))
	}
	if !filepath.IsAbs(c.StateDir) {
		errs = append(errs, fmt.Errorf("state-dir %q must be absolute", c.StateDir))
	}
	if strings.TrimSpace(c.Runtime) == "" {
		errs = append(errs, errors.New("runtime must not be empty"))
	}
	if c.NamePrefix == "" {
		errs = append(errs, errors.New("name-prefix must not be empty"))
	}
	if c.CommandTimeout < 0 {
		errs = append(errs, fmt.Errorf("command-timeout %s must not be negative", c.CommandTimeout))
	}
	if !strings.HasPrefix(c.Container.RootDir, "/") || c.Container.RootDir == "/" {
		errs = append(errs, fmt.Errorf("container.root-dir %q must be an absolute path below /", c.Container.RootDir))
	}
	if !strings.HasPrefix(c.Container.DockerDir, "/") {
		errs = append(errs, fmt.Errorf("container.docker-dir %q must be absolute", c.Container.DockerDir))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

func absFrom(base, p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return base
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(base, p)
	}
	return filepath.Clean(p)
}
