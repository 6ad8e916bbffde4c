package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/k3scontainer/k3scontainer/internal/env"
)

// newDoctorCommand creates the "doctor" subcommand that runs environment preflight checks.
func newDoctorCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run environment preflight checks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := newApp(cmd, opts)

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			if err := runDoctorChecks(ctx, a); err != nil {
				return err
			}

			successf(cmd.OutOrStdout(), "doctor checks completed successfully")
			return nil
		},
	}
}

func runDoctorChecks(ctx context.Context, a *app) error {
	logger := a.logger
	var fatalErrs []error

	check := func(name string, fatal bool, fn func() error) {
		if err := fn(); err != nil {
			if fatal {
				logger.Error(name+" check failed", "error", err)
				fatalErrs = append(fatalErrs, err)
			} else {
				logger.Warn(name+" check failed", "error", err)
			}
			return
		}
		logger.Info(name + " check ok")
	}

	check("runtime binary", true, func() error {
		path, err := exec.LookPath(a.cfg.Runtime)
		if err != nil {
			return fmt.Errorf("%s binary not found in PATH: %w", a.cfg.Runtime, err)
		}
		logger.Debug("runtime binary found", "path", path)
		return nil
	})

	check("runtime version", true, func() error {
		version, err := a.runtime.Version(ctx)
		if err != nil {
			return err
		}
		logger.Info("runtime client", "runtime", a.cfg.Runtime, "version", version)
		return nil
	})

	check("runtime daemon", true, func() error {
		return a.runtime.Info(ctx)
	})

	check("container env file", true, func() error {
		vars, err := env.LoadOptional(a.cfg.EnvFile())
		if err != nil {
			return err
		}
		logger.Debug("container env file parsed", "path", a.cfg.EnvFile(), "keys", len(vars))
		return nil
	})

	check("cluster state", false, func() error {
		return reportClusterState(ctx, logger, a)
	})

	if len(fatalErrs) > 0 {
		return fmt.Errorf("doctor found %d fatal issue(s); see log for details", len(fatalErrs))
	}
	return nil
}

func reportClusterState(ctx context.Context, logger *slog.Logger, a *app) error {
	report, err := a.engine.Status(ctx)
	if err != nil {
		return err
	}
	logger.Info("cluster state", "state", report.State, "identity", report.Identity)
	return nil
}
