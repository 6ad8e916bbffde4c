package cli

import (
	"github.com/spf13/cobra"

	"github.com/k3scontainer/k3scontainer/internal/guest"
)

// newContainerCommand groups the commands that run inside the cluster container.
func newContainerCommand(opts *Options) *cobra.Command {
	cmd := newGroupCommand("container", "Commands executed inside the cluster container",
		newContainerEntrypointCommand(opts),
		newContainerRefreshCommand(opts),
	)
	cmd.Hidden = true
	return cmd
}

func newGuest(cmd *cobra.Command, opts *Options) *guest.Guest {
	a := newApp(cmd, opts)
	return guest.New(a.cfg.Container, a.exec, a.logger, guest.Options{Streams: a.streams})
}

func newContainerEntrypointCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "entrypoint",
		Short: "Start the nested runtime, create the cluster on first start and keep running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return newGuest(cmd, opts).Entrypoint(cmd.Context())
		},
	}
}

func newContainerRefreshCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Replace the repo copy with the read-only host working directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return newGuest(cmd, opts).Refresh(cmd.Context())
		},
	}
}
