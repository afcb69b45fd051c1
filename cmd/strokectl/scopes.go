package main

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"strokebind/internal/actiondb"
	"strokebind/internal/ipc"
	"strokebind/internal/store"
)

func newScopeCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scope",
		Short: "Manage application scopes",
	}

	var parent, app string
	add := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a scope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withClient(func(c *ipc.IPCClient) error {
				return c.AddScope(parent, args[0], app)
			})
		},
	}
	add.Flags().StringVar(&parent, "parent", "", "parent scope (default: root)")
	add.Flags().StringVar(&app, "app", "", "window class or glob pattern selecting the scope")

	remove := &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a scope and its children",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withClient(func(c *ipc.IPCClient) error {
				return c.RemoveScope(args[0])
			})
		},
	}

	var rename, editApp string
	edit := &cobra.Command{
		Use:   "edit <name>",
		Short: "Rename a scope or change the window classes it selects",
		Example: `  strokectl scope edit Browser --app 'firefox*'
  strokectl scope edit Browser --rename Web --app ''`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var app *string
			if cmd.Flags().Changed("app") {
				app = &editApp
			}
			if rename == "" && app == nil {
				return errors.New("nothing to change: give --rename or --app")
			}
			return g.withClient(func(c *ipc.IPCClient) error {
				info, err := c.EditScope(args[0], rename, app)
				if err != nil {
					return err
				}
				if ok, err := g.printJSON(cmd.OutOrStdout(), info); ok {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s app=%q\n", info.Name, info.App)
				return nil
			})
		},
	}
	edit.Flags().StringVar(&rename, "rename", "", "new scope name")
	edit.Flags().StringVar(&editApp, "app", "", "window class or glob pattern, empty for a group scope")

	list := &cobra.Command{
		Use:   "list",
		Short: "Print the scope tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withClient(func(c *ipc.IPCClient) error {
				scopes, err := c.Scopes()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if ok, err := g.printJSON(out, scopes); ok {
					return err
				}
				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "SCOPE\tAPP\tLOCAL")
				for _, s := range scopes {
					fmt.Fprintf(w, "%s%s\t%s\t%d\n", strings.Repeat("  ", s.Depth), s.Name, s.App, s.Local)
				}
				return w.Flush()
			})
		},
	}

	cmd.AddCommand(add, edit, remove, list)
	return cmd
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate <in> <out>",
		Short: "Rewrite an actions file of any version in the current layout",
		Long: `Reads an actions file written by any supported version and writes it in
the current layout. Works without a running daemon; stop the daemon first
when <out> is its live actions file.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := store.Migrate(args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrated %s (version %d) to %s (version %d)\n",
				args[0], from, args[1], store.CurrentVersion)
			return nil
		},
	}
}

func newCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check <file>",
		Short: "Validate an actions file and summarize it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := store.Load(args[0], nil)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return root.Walk(func(n *actiondb.Node) error {
				label := n.Name
				if n.App != "" {
					label += " [" + n.App + "]"
				}
				_, err := fmt.Fprintf(out, "%s%s: %d bindings, %d local, %d deleted\n",
					strings.Repeat("  ", len(n.Path())-1), label,
					len(n.Tokens()), len(n.Local()), len(n.Deleted()))
				return err
			})
		},
	}
}
