package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"strokebind/internal/action"
	"strokebind/internal/ipc"
	"strokebind/internal/stroke"
)

func newStatusCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withClient(func(c *ipc.IPCClient) error {
				st, err := c.Status()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if ok, err := g.printJSON(out, st); ok {
					return err
				}
				health := "ok"
				if !st.Healthy {
					health = "SAVE FAILING"
				}
				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintf(w, "version:\t%s\n", st.Version)
				fmt.Fprintf(w, "uptime:\t%s\n", st.Uptime.Round(time.Second))
				fmt.Fprintf(w, "actions:\t%s\n", st.ActionsPath)
				fmt.Fprintf(w, "saves:\t%d (%s, dirty=%t)\n", st.Saves, health, st.Dirty)
				fmt.Fprintf(w, "scopes:\t%d\n", st.Scopes)
				fmt.Fprintf(w, "bindings:\t%d\n", st.Bindings)
				if len(st.Apps) > 0 {
					fmt.Fprintf(w, "apps:\t%s\n", strings.Join(st.Apps, ", "))
				}
				fmt.Fprintf(w, "history:\t%t\n", st.HistoryEnabled)
				fmt.Fprintf(w, "clients:\t%d\n", st.Clients)
				return w.Flush()
			})
		},
	}
}

func newListCommand(g *globals) *cobra.Command {
	var scope string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the bindings visible in a scope",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withClient(func(c *ipc.IPCClient) error {
				list, err := c.List(scope)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if ok, err := g.printJSON(out, list); ok {
					return err
				}
				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "TOKEN\tNAME\tACTION\tSTROKES\tSTATUS")
				for _, b := range list.Bindings {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", b.Token, b.Name, b.Label, b.Strokes, b.Status)
				}
				for _, t := range list.Deleted {
					fmt.Fprintf(w, "%s\t\t\t\tdeleted\n", t)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "scope name (default: root)")
	return cmd
}

// actionFlags collects the mutually exclusive action selectors of add.
type actionFlags struct {
	cmd    string
	key    string
	button uint
	scroll bool
	ignore bool
	misc   string
	mods   string
}

func (f *actionFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.cmd, "cmd", "", "run a shell command")
	fs.StringVar(&f.key, "key", "", "send a key (hex keysym or character)")
	fs.UintVar(&f.button, "button", 0, "click a mouse button")
	fs.BoolVar(&f.scroll, "scroll", false, "scroll while held")
	fs.BoolVar(&f.ignore, "ignore", false, "pass the gesture through")
	fs.StringVar(&f.misc, "misc", "", "unminimize, showhide or disable")
	fs.StringVar(&f.mods, "mods", "", "modifiers such as Ctrl+Alt")
}

func (f *actionFlags) given() bool {
	return f.cmd != "" || f.key != "" || f.button != 0 || f.scroll || f.ignore || f.misc != ""
}

func (f *actionFlags) action() (*action.Action, error) {
	mods, err := action.ParseModifiers(f.mods)
	if err != nil {
		return nil, err
	}

	var picked []*action.Action
	if f.cmd != "" {
		picked = append(picked, action.NewCommand(f.cmd))
	}
	if f.key != "" {
		k, err := action.ParseKeysym(f.key)
		if err != nil {
			return nil, err
		}
		picked = append(picked, action.NewSendKey(mods, k))
	}
	if f.button != 0 {
		picked = append(picked, action.NewButton(mods, f.button))
	}
	if f.scroll {
		picked = append(picked, action.NewScroll(mods))
	}
	if f.ignore {
		picked = append(picked, action.NewIgnore(mods))
	}
	if f.misc != "" {
		t, err := action.ParseMiscType(f.misc)
		if err != nil {
			return nil, err
		}
		picked = append(picked, action.NewMisc(t))
	}

	switch len(picked) {
	case 0:
		return nil, errors.New("one of --cmd, --key, --button, --scroll, --ignore or --misc is required")
	case 1:
		return picked[0], nil
	}
	return nil, errors.New("only one action may be given")
}

func readStrokeFiles(paths []string) ([]*stroke.Stroke, error) {
	var strokes []*stroke.Stroke
	for _, p := range paths {
		s, err := readStrokes(p)
		if err != nil {
			return nil, err
		}
		strokes = append(strokes, s...)
	}
	return strokes, nil
}

// readStrokes reads a stroke file holding one stroke object or an array.
func readStrokes(path string) ([]*stroke.Stroke, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var many []*stroke.Stroke
	if err := json.Unmarshal(data, &many); err == nil {
		return many, nil
	}
	var one stroke.Stroke
	if err := json.Unmarshal(data, &one); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return []*stroke.Stroke{&one}, nil
}

func newAddCommand(g *globals) *cobra.Command {
	var (
		scope       string
		name        string
		strokeFiles []string
		af          actionFlags
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a binding",
		Example: `  strokectl add --name "Back" --key 0xff51 --mods Alt --stroke left.json
  strokectl add --scope Browser --name "Close tab" --cmd "xdotool key ctrl+w"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := af.action()
			if err != nil {
				return err
			}
			strokes, err := readStrokeFiles(strokeFiles)
			if err != nil {
				return err
			}
			return g.withClient(func(c *ipc.IPCClient) error {
				tok, err := c.Add(scope, name, a, strokes...)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), tok)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&scope, "scope", "", "scope to add to (default: root)")
	f.StringVar(&name, "name", "", "binding name")
	f.StringArrayVar(&strokeFiles, "stroke", nil, "stroke JSON file (repeatable)")
	af.register(f)
	cmd.MarkFlagRequired("name")
	return cmd
}

func newDeleteCommand(g *globals) *cobra.Command {
	var scope string
	cmd := &cobra.Command{
		Use:   "delete <token>",
		Short: "Delete a binding from a scope and its children",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withClient(func(c *ipc.IPCClient) error {
				changed, err := c.Delete(scope, args[0])
				if err != nil {
					return err
				}
				if !changed {
					fmt.Fprintln(cmd.ErrOrStderr(), "binding was not visible in that scope")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "scope name (default: root)")
	return cmd
}

func newResetCommand(g *globals) *cobra.Command {
	var scope string
	cmd := &cobra.Command{
		Use:   "reset <token>",
		Short: "Drop a scope's override or deletion so the inherited binding shows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withClient(func(c *ipc.IPCClient) error {
				changed, err := c.Reset(scope, args[0])
				if err != nil {
					return err
				}
				if !changed {
					fmt.Fprintln(cmd.ErrOrStderr(), "nothing to reset")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "scope name")
	cmd.MarkFlagRequired("scope")
	return cmd
}

func newRenameCommand(g *globals) *cobra.Command {
	var scope string
	cmd := &cobra.Command{
		Use:   "rename <token> <name>",
		Short: "Rename a binding in a scope",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withClient(func(c *ipc.IPCClient) error {
				return c.Rename(scope, args[0], args[1])
			})
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "scope name (default: root)")
	return cmd
}

func newOverrideCommand(g *globals) *cobra.Command {
	var (
		scope       string
		name        string
		strokeFiles []string
		af          actionFlags
	)
	cmd := &cobra.Command{
		Use:   "override <token>",
		Short: "Override an inherited binding's action, shapes or name in a scope",
		Example: `  strokectl override 3f2a... --scope Browser --key 0xff56 --mods Ctrl
  strokectl override 3f2a... --scope Terminal --stroke up.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var a *action.Action
			if af.given() {
				var err error
				if a, err = af.action(); err != nil {
					return err
				}
			}
			strokes, err := readStrokeFiles(strokeFiles)
			if err != nil {
				return err
			}
			if a == nil && name == "" && len(strokes) == 0 {
				return errors.New("nothing to override: give an action, --name or --stroke")
			}
			return g.withClient(func(c *ipc.IPCClient) error {
				return c.Override(scope, args[0], name, a, strokes...)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&scope, "scope", "", "scope name (default: root)")
	f.StringVar(&name, "name", "", "new binding name")
	f.StringArrayVar(&strokeFiles, "stroke", nil, "stroke JSON file replacing the shapes (repeatable)")
	af.register(f)
	return cmd
}

func newAddStrokeCommand(g *globals) *cobra.Command {
	var (
		scope string
		file  string
	)
	cmd := &cobra.Command{
		Use:   "add-stroke <token>",
		Short: "Add a shape to a binding in a scope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			strokes, err := readStrokes(file)
			if err != nil {
				return err
			}
			return g.withClient(func(c *ipc.IPCClient) error {
				for _, s := range strokes {
					if err := c.AddStroke(scope, args[0], s); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "scope name (default: root)")
	cmd.Flags().StringVar(&file, "file", "", "stroke JSON file")
	cmd.MarkFlagRequired("file")
	return cmd
}

func newResolveCommand(g *globals) *cobra.Command {
	var (
		file   string
		class  string
		button uint
	)
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve a recorded stroke and run its action",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			strokes, err := readStrokes(file)
			if err != nil {
				return err
			}
			if len(strokes) != 1 {
				return fmt.Errorf("%s: want exactly one stroke, got %d", file, len(strokes))
			}
			return g.withClient(func(c *ipc.IPCClient) error {
				res, err := c.Resolve(strokes[0], class, button)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if ok, err := g.printJSON(out, res); ok {
					return err
				}
				if res.Matched {
					fmt.Fprintf(out, "matched %q in %s: %s (score %.3f)\n", res.Name, res.Scope, res.Action, res.Score)
				} else {
					fmt.Fprintf(out, "no match in %s (%s, best score %.3f)\n", res.Scope, res.Token, res.Score)
				}
				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				for i, r := range res.Ranking {
					mark := ""
					if r.Match {
						mark = "*"
					}
					fmt.Fprintf(w, "%d\t%.3f%s\t%s\t%s\n", i+1, r.Score, mark, r.Name, r.Token)
				}
				return w.Flush()
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&file, "file", "", "stroke JSON file")
	f.StringVar(&class, "class", "", "window class of the focused application")
	f.UintVar(&button, "button", 0, "swallowed button release to replay")
	cmd.MarkFlagRequired("file")
	return cmd
}

func newSaveCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "save",
		Short: "Write the actions file now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withClient(func(c *ipc.IPCClient) error {
				res, err := c.SaveNow()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "saved %s\n", res.Path)
				return nil
			})
		},
	}
}

func newHistoryCommand(g *globals) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent resolutions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withClient(func(c *ipc.IPCClient) error {
				entries, err := c.History(limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if ok, err := g.printJSON(out, entries); ok {
					return err
				}
				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "TIME\tSCOPE\tRESULT\tSCORE\tCANDIDATES")
				for _, e := range entries {
					result := e.Token
					if e.Matched {
						result = e.Name
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%.3f\t%d\n",
						e.At.Local().Format(time.DateTime), e.Scope, result, e.Score, len(e.Ranking))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of entries")
	return cmd
}

func newMetricsCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Print daemon metrics in the Prometheus text format",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withClient(func(c *ipc.IPCClient) error {
				text, err := c.Metrics()
				if err != nil {
					return err
				}
				_, err = fmt.Fprint(cmd.OutOrStdout(), text)
				return err
			})
		},
	}
}
