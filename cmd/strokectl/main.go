// strokectl controls a running strokebindd over its control socket and
// converts actions files offline.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"strokebind/internal/config"
	"strokebind/internal/ipc"
)

var version = "dev"

// globals holds the persistent flags.
type globals struct {
	socket     string
	configPath string
	json       bool
}

func main() {
	if err := newRootCommand(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(out io.Writer) *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:          "strokectl",
		Short:        "Control the strokebind gesture daemon",
		Version:      version,
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&g.socket, "socket", "", "daemon socket (default from config)")
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "config file used to find the socket")
	root.PersistentFlags().BoolVar(&g.json, "json", false, "print responses as JSON")

	root.AddCommand(
		newStatusCommand(g),
		newListCommand(g),
		newAddCommand(g),
		newDeleteCommand(g),
		newResetCommand(g),
		newRenameCommand(g),
		newOverrideCommand(g),
		newAddStrokeCommand(g),
		newScopeCommand(g),
		newResolveCommand(g),
		newSaveCommand(g),
		newHistoryCommand(g),
		newMetricsCommand(g),
		newMigrateCommand(),
		newCheckCommand(),
		newConfigCommand(g),
	)
	return root
}

// socketPath resolves the socket from the flag, then the config file.
func (g *globals) socketPath() (string, error) {
	if g.socket != "" {
		return g.socket, nil
	}
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	return cfg.IPC.SocketPath, nil
}

// dial connects to the daemon. The caller closes the client.
func (g *globals) dial() (*ipc.IPCClient, error) {
	path, err := g.socketPath()
	if err != nil {
		return nil, err
	}
	return ipc.Dial(path)
}

// withClient runs fn against a fresh connection.
func (g *globals) withClient(fn func(c *ipc.IPCClient) error) error {
	c, err := g.dial()
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}

// printJSON writes v indented when --json is set and reports whether it did.
func (g *globals) printJSON(w io.Writer, v any) (bool, error) {
	if !g.json {
		return false, nil
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return true, enc.Encode(v)
}
