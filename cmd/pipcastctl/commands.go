package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dreamware/pipcast/internal/cluster"
	"github.com/dreamware/pipcast/internal/descriptor"
)

func newInstallCommand(a *api) *cobra.Command {
	var repo string
	cmd := &cobra.Command{
		Use:   "install <name[==version]>",
		Short: "Install a package on the driver and every worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.context(cmd)
			defer cancel()

			req := cluster.InstallRequest{Package: args[0]}
			if repo != "" {
				req.Repository = repo
			}
			var resp cluster.PackageResponse
			if err := a.client.PostJSON(ctx, a.url("/packages"), req, &resp); err != nil {
				return fmt.Errorf("install %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "installed %s\n", resp.Spec)
			return nil
		},
	}
	cmd.Flags().StringVar(&repo, "repo", "", "Package index URL")
	return cmd
}

func newUninstallCommand(a *api) *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall <name>",
		Short: "Uninstall a package everywhere",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.context(cmd)
			defer cancel()

			var resp cluster.UninstallResponse
			if err := a.client.DeleteJSON(ctx, a.url("/packages/"+url.PathEscape(args[0])), &resp); err != nil {
				return fmt.Errorf("uninstall %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "uninstalled %s\n", resp.Name)
			if resp.Warning != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", resp.Warning)
			}
			return nil
		},
	}
}

func newListCommand(a *api) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the packages active in the cluster",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.context(cmd)
			defer cancel()

			var resp cluster.PackagesResponse
			if err := a.client.GetJSON(ctx, a.url("/packages"), &resp); err != nil {
				return fmt.Errorf("list: %w", err)
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(resp.Packages)
			}
			for _, d := range resp.Packages {
				fmt.Fprintln(out, descriptor.Format(d))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func newNodesCommand(a *api) *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List attached worker nodes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.context(cmd)
			defer cancel()

			var resp cluster.NodesResponse
			if err := a.client.GetJSON(ctx, a.url("/nodes"), &resp); err != nil {
				return fmt.Errorf("nodes: %w", err)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tADDR\tHEALTH")
			for _, n := range resp.Nodes {
				health := resp.Health[n.ID]
				if health == "" {
					health = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", n.ID, n.Addr, health)
			}
			return tw.Flush()
		},
	}
}

func newConfigCommand(a *api) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Read and change session settings",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "get <key>",
		Short: "Print a setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.context(cmd)
			defer cancel()

			var entry cluster.ConfigEntry
			if err := a.client.GetJSON(ctx, a.url("/config/"+url.PathEscape(args[0])), &entry); err != nil {
				return fmt.Errorf("config get %s: %w", args[0], err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), entry.Value)
			return nil
		},
	})

	configCmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Change a setting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.context(cmd)
			defer cancel()

			body := cluster.ConfigEntry{Value: args[1]}
			if err := a.client.PutJSON(ctx, a.url("/config/"+url.PathEscape(args[0])), body, nil); err != nil {
				return fmt.Errorf("config set %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", args[0], args[1])
			return nil
		},
	})

	configCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List setting keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.context(cmd)
			defer cancel()

			var keys cluster.ConfigKeys
			if err := a.client.GetJSON(ctx, a.url("/config"), &keys); err != nil {
				return fmt.Errorf("config list: %w", err)
			}
			sort.Strings(keys.Keys)
			for _, k := range keys.Keys {
				fmt.Fprintln(cmd.OutOrStdout(), k)
			}
			return nil
		},
	})

	return configCmd
}
