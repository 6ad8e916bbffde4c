package cli

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/k3scontainer/k3scontainer/internal/config"
	"github.com/k3scontainer/k3scontainer/internal/docker"
	"github.com/k3scontainer/k3scontainer/internal/engine"
	"github.com/k3scontainer/k3scontainer/internal/proc"
)

const defaultReadyPoll = 2 * time.Second

// app bundles the collaborators a command needs once configuration is loaded.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	exec      executor
	runtime   *docker.Client
	engine    *engine.Engine
	streams   proc.Streams
	readyPoll time.Duration
}

func newApp(cmd *cobra.Command, opts *Options) *app {
	logger := LoggerFromContext(cmd.Context())
	cfg := opts.Config
	if cfg == nil {
		def := config.Default("")
		cfg = &def
	}

	var exec executor
	if opts.newExecutor != nil {
		exec = opts.newExecutor(cfg, logger)
	} else {
		exec = proc.NewExecutor(proc.WithLogger(logger), proc.WithTimeout(cfg.CommandTimeout))
	}

	readyPoll := opts.readyPoll
	if readyPoll <= 0 {
		readyPoll = defaultReadyPoll
	}

	runtime := docker.NewClient(cfg.Runtime, exec, logger)
	return &app{
		cfg:       cfg,
		logger:    logger,
		exec:      exec,
		runtime:   runtime,
		engine:    engine.New(cfg, runtime, logger),
		streams:   proc.Streams{In: cmd.InOrStdin(), Out: cmd.OutOrStdout(), Err: cmd.ErrOrStderr()},
		readyPoll: readyPoll,
	}
}

// isTerminal reports whether r is a terminal; only *os.File values can be.
func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
