package main

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dreamware/pipcast/internal/cluster"
)

const defaultCoordinator = "http://127.0.0.1:8080"

// api is the coordinator endpoint shared by every subcommand.
type api struct {
	base    string
	timeout time.Duration
	client  *cluster.Client
}

func (a *api) url(path string) string {
	return strings.TrimRight(a.base, "/") + path
}

func (a *api) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), a.timeout)
}

func newRootCommand() *cobra.Command {
	a := &api{}

	rootCmd := &cobra.Command{
		Use:   "pipcastctl",
		Short: "Manage Python packages across a pipcast cluster",
		Long: `pipcastctl sends install, uninstall and list requests to a pipcast
coordinator, which applies them to its own environment and to every
current and future worker node.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			a.client = cluster.NewClient(0)
		},
	}

	coord := os.Getenv("PIPCAST_COORDINATOR")
	if coord == "" {
		coord = defaultCoordinator
	}
	rootCmd.PersistentFlags().StringVar(&a.base, "coordinator", coord, "Coordinator URL (env PIPCAST_COORDINATOR)")
	rootCmd.PersistentFlags().DurationVar(&a.timeout, "timeout", 30*time.Minute, "Request timeout; installs wait for every worker")

	rootCmd.AddCommand(newInstallCommand(a))
	rootCmd.AddCommand(newUninstallCommand(a))
	rootCmd.AddCommand(newListCommand(a))
	rootCmd.AddCommand(newNodesCommand(a))
	rootCmd.AddCommand(newConfigCommand(a))

	return rootCmd
}
