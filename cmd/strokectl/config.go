package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"strokebind/internal/config"
)

func newConfigCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the daemon configuration",
	}

	path := func() string {
		if g.configPath != "" {
			return g.configPath
		}
		return config.ConfigPath()
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration if none exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p := path()
			_, created, err := config.LoadOrCreate(p)
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", p)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s already exists\n", p)
			}
			return nil
		},
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewLoader(path()).Load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if ok, err := g.printJSON(out, cfg); ok {
				return err
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "config:\t%s\n", path())
			fmt.Fprintf(w, "actions:\t%s\n", cfg.ActionsPath())
			fmt.Fprintf(w, "socket:\t%s\n", cfg.IPC.SocketPath)
			fmt.Fprintf(w, "history:\t%t (%s)\n", cfg.History.Enabled, cfg.HistoryPath())
			fmt.Fprintf(w, "log level:\t%s\n", cfg.Logging.Level)
			return w.Flush()
		},
	}

	cmd.AddCommand(initCmd, show)
	return cmd
}
