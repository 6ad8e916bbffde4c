package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/k3scontainer/k3scontainer/internal/engine"
)

// newProvisionCommand creates the "provision" subcommand.
func newProvisionCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:     "provision",
		Aliases: []string{"pv"},
		Short:   "Build and start the cluster container for the working directory",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := newApp(cmd, opts)
			out, err := a.engine.Provision(cmd.Context())
			if err != nil {
				return err
			}
			if out.Created {
				successf(cmd.OutOrStdout(), "cluster container %s started", out.Identity)
			} else {
				infof(cmd.OutOrStdout(), "cluster container %s is already running", out.Identity)
			}
			return nil
		},
	}
}

// newRemoveCommand creates the "remove" subcommand.
func newRemoveCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:     "remove",
		Aliases: []string{"rm"},
		Short:   "Remove the cluster container, its storage volume and its image",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := newApp(cmd, opts)
			out, err := a.engine.Remove(cmd.Context())
			if err != nil {
				return err
			}
			if out.Removed {
				successf(cmd.OutOrStdout(), "cluster container %s removed", out.Identity)
			} else {
				infof(cmd.OutOrStdout(), "nothing to remove")
			}
			return nil
		},
	}
}

// newStatusCommand creates the "status" subcommand that reports the cluster state
// without changing anything.
func newStatusCommand(opts *Options) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:     "status",
		Aliases: []string{"st"},
		Short:   "Show the cluster container state",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			format := strings.ToLower(strings.TrimSpace(output))
			if format != "text" && format != "yaml" {
				return fmt.Errorf("unsupported output format %q (expected text or yaml)", output)
			}
			a := newApp(cmd, opts)
			report, err := a.engine.Status(cmd.Context())
			if err != nil {
				return err
			}
			if format == "yaml" {
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent(2)
				if err := enc.Encode(report); err != nil {
					return err
				}
				return enc.Close()
			}
			return writeStatusText(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format (text, yaml)")
	return cmd
}

func writeStatusText(w io.Writer, r engine.Report) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	row := func(key, value string) {
		if value != "" {
			_, _ = fmt.Fprintf(tw, "%s:\t%s\n", key, value)
		}
	}
	row("State", r.State)
	row("Status", r.Status)
	row("Identity", r.Identity)
	row("Volume", r.Volume)
	row("Workdir", r.WorkDir)
	row("State dir", r.StateDir)
	row("Runtime", r.Runtime)
	return tw.Flush()
}
