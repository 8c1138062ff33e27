// worldctl inspects, checks and repairs worldstore save archives, and
// manages asset indexes and the save catalog.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/pflag"

	"github.com/meigma/worldstore/core/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// app holds what every command shares.
type app struct {
	out    io.Writer
	errOut io.Writer
}

func run(ctx context.Context, out, errOut io.Writer, args []string) error {
	a := &app{out: out, errOut: errOut}
	return a.root().execute(ctx, out, args)
}

func (a *app) root() *command {
	return &command{
		name:    "worldctl",
		summary: "Inspect, check and repair worldstore saves.",
		subcommands: []*command{
			a.inspectCmd(),
			a.verifyCmd(),
			a.validateCmd(),
			a.repairCmd(),
			a.migrateCmd(),
			a.createCmd(),
			a.indexCmd(),
			a.catalogCmd(),
		},
	}
}

// flagSet returns a flag set carrying the shared --config flag.
func flagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringP("config", "c", "", "engine config file (YAML); WORLDSTORE_* variables override it")
	return fs
}

// setup loads the configuration named by --config and builds the logger
// it describes.
func (a *app) setup(fs *pflag.FlagSet) (config.Config, *slog.Logger, error) {
	path, _ := fs.GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, cfg.Log.Logger(a.errOut), nil
}
