package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"
)

// errUsage marks argument errors; main prints the command help for them.
var errUsage = errors.New("usage")

// command is one node of the worldctl command tree.
type command struct {
	name    string
	summary string
	usage   string

	// flags returns a fresh flag set; nil means the command takes none.
	flags       func() *pflag.FlagSet
	subcommands []*command
	run         func(ctx context.Context, fs *pflag.FlagSet, args []string) error

	parent *command
}

func (c *command) fullName() string {
	if c.parent == nil {
		return c.name
	}
	return c.parent.fullName() + " " + c.name
}

// execute parses args and dispatches to a subcommand or run.
func (c *command) execute(ctx context.Context, out io.Writer, args []string) error {
	if len(args) > 0 && isHelp(args[0]) {
		c.printHelp(out)
		return nil
	}
	if len(c.subcommands) > 0 {
		if len(args) == 0 || strings.HasPrefix(args[0], "-") {
			c.printHelp(out)
			return fmt.Errorf("%s: %w: subcommand required", c.fullName(), errUsage)
		}
		for _, sub := range c.subcommands {
			if sub.name == args[0] {
				sub.parent = c
				return sub.execute(ctx, out, args[1:])
			}
		}
		return fmt.Errorf("%s: %w: unknown command %q", c.fullName(), errUsage, args[0])
	}

	fs := pflag.NewFlagSet(c.fullName(), pflag.ContinueOnError)
	if c.flags != nil {
		fs = c.flags()
	}
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%s: %w: %w", c.fullName(), errUsage, err)
	}
	return c.run(ctx, fs, fs.Args())
}

func (c *command) printHelp(w io.Writer) {
	if c.summary != "" {
		fmt.Fprintf(w, "%s\n\n", c.summary)
	}
	usage := c.usage
	if usage == "" {
		usage = c.fullName() + " <command>"
	}
	fmt.Fprintf(w, "Usage:\n  %s\n", usage)
	if len(c.subcommands) > 0 {
		fmt.Fprintln(w, "\nCommands:")
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		for _, sub := range c.subcommands {
			fmt.Fprintf(tw, "  %s\t%s\n", sub.name, sub.summary)
		}
		_ = tw.Flush()
	}
	if c.flags != nil {
		fs := c.flags()
		if fs.HasFlags() {
			fmt.Fprintf(w, "\nFlags:\n%s", fs.FlagUsages())
		}
	}
}

// wantArgs checks the positional argument count.
func wantArgs(args []string, minN, maxN int) error {
	if len(args) < minN || (maxN >= 0 && len(args) > maxN) {
		return fmt.Errorf("%w: got %d arguments", errUsage, len(args))
	}
	return nil
}

func isHelp(arg string) bool {
	return arg == "-h" || arg == "--help" || arg == "help"
}
