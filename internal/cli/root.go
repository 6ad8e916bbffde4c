// Package cli defines the command-line interface for k3scontainer.
package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/k3scontainer/k3scontainer/internal/config"
	"github.com/k3scontainer/k3scontainer/internal/logging"
	"github.com/k3scontainer/k3scontainer/internal/proc"
)

// Options stores global CLI options shared between commands.
type Options struct {
	ConfigPath string
	LogLevel   logging.Level
	// Config is resolved before any subcommand runs.
	Config *config.Config

	// newExecutor overrides the process executor, for tests.
	newExecutor func(cfg *config.Config, logger *slog.Logger) executor
	readyPoll   time.Duration
}

// executor runs captured and attached commands; *proc.Executor satisfies it.
type executor interface {
	proc.Runner
	Attach(ctx context.Context, cmd proc.Command, streams proc.Streams) error
}

// Execute builds the root command, runs it with the provided args and logger,
// reports any failure on stderr and returns the error.
func Execute(args []string, logger *slog.Logger) error {
	if logger == nil {
		logger = logging.NewLogger(os.Stderr, logging.LevelInfo)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootOpts := &Options{LogLevel: logging.LevelInfo}
	rootCmd := newRootCommand(rootOpts, logger)
	rootCmd.SetArgs(args)

	return run(ctx, rootCmd, rootOpts)
}

func run(ctx context.Context, cmd *cobra.Command, opts *Options) error {
	err := cmd.ExecuteContext(ctx)
	if err != nil {
		runtime := config.DefaultRuntime
		if opts.Config != nil {
			runtime = opts.Config.Runtime
		}
		reportError(cmd.ErrOrStderr(), err, runtime)
	}
	return err
}

// newRootCommand constructs the root cobra.Command with global flags and subcommands.
func newRootCommand(opts *Options, logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "k3scontainer",
		Short: "k3scontainer runs a disposable k3s cluster inside a single container",
		Long: "k3scontainer provisions a privileged container that hosts its own container runtime and a k3d cluster, " +
			"bound to the current working directory, and removes it again without leaving resources behind.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(config.LoadOptions{ConfigFile: opts.ConfigPath, Flags: cmd.Flags()})
			if err != nil {
				return err
			}
			opts.Config = cfg
			opts.LogLevel = logging.ParseLevel(cfg.LogLevel)
			logger = logging.NewLogger(cmd.ErrOrStderr(), opts.LogLevel)
			cmd.SetContext(context.WithValue(cmd.Context(), loggerKey{}, logger))
			logger.Debug("configuration loaded", "workdir", cfg.WorkDir, "state_dir", cfg.StateDir, "runtime", cfg.Runtime)
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.ConfigPath, "config", "c", "", "Path to a YAML config file (default <workdir>/"+config.DefaultConfigFileName+")")
	flags.String("workdir", "", "Host working directory the cluster belongs to (default current directory)")
	flags.String("state-dir", "", "State directory (default <workdir>/"+config.DefaultStateDirName+")")
	flags.String("runtime", config.DefaultRuntime, "Docker-compatible container runtime CLI")
	flags.String("name-prefix", config.DefaultNamePrefix, "Prefix of generated cluster identities")
	flags.Duration("command-timeout", 0, "Timeout for each runtime command (0 disables)")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		newProvisionCommand(opts),
		newRemoveCommand(opts),
		newStatusCommand(opts),
		newLogsCommand(opts),
		newExecuteCommand(opts),
		newCopyCommand(opts),
		newShellCommand(opts),
		newKubectlCommand(opts),
		newRefreshCommand(opts),
		newRunCommand(opts),
		newDoctorCommand(opts),
		newContainerCommand(opts),
	)

	return cmd
}

// loggerKey is a private context key used to store a logger in command contexts.
type loggerKey struct{}

// LoggerFromContext extracts a logger from the context or falls back to a default logger.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return logging.NewLogger(os.Stderr, logging.LevelInfo)
	}
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return logging.NewLogger(os.Stderr, logging.LevelInfo)
}

// ExitCode maps an error returned by Execute to a process exit status. The exit
// status of a failed runtime command is propagated.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, context.Canceled) {
		return 130
	}
	var exitErr *proc.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
		return exitErr.ExitCode()
	}
	return 1
}
