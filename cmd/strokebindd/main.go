// strokebindd holds the gesture action tree, resolves strokes sent by the
// capture layer and serves the control socket used by strokectl.
//
//	strokebindd [-config path] [-config-dir dir] [-v [-v]]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"strokebind/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// verbosity counts repeated -v flags.
type verbosity int

func (v *verbosity) String() string   { return strconv.Itoa(int(*v)) }
func (v *verbosity) IsBoolFlag() bool { return true }

func (v *verbosity) Set(s string) error {
	on, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	if on {
		*v++
	}
	return nil
}

func main() {
	configPath := flag.String("config", "", "path to config file (default: <config-dir>/config.toml)")
	configDir := flag.String("config-dir", "", "directory holding the actions file and state")
	var verbose verbosity
	flag.Var(&verbose, "v", "increase log verbosity (repeat for debug)")
	flag.Parse()

	if flag.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "strokebindd: unexpected argument %q\n", flag.Arg(0))
		flag.Usage()
		os.Exit(2)
	}

	// Through the environment so reloads see the same directory.
	if *configDir != "" {
		os.Setenv(config.EnvConfigDir, *configDir)
	}
	loader := config.NewLoader(*configPath)
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "strokebindd: load config: %v\n", err)
		os.Exit(1)
	}
	if verbose > 0 {
		cfg.Logging.Level = config.VerbosityLevel(int(verbose))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(ctx, loader, cfg, verbose > 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "strokebindd: %v\n", err)
		os.Exit(1)
	}
	if err := d.run(ctx); err != nil {
		d.logger.Error("daemon stopped with error", "error", err)
		d.close()
		os.Exit(1)
	}
	d.close()
}
