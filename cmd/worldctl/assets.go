package main

import (
	"context"
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/meigma/worldstore/core/asset"
)

func (a *app) indexCmd() *command {
	return &command{
		name:    "index",
		summary: "Build and list asset indexes",
		subcommands: []*command{
			{
				name:    "build",
				summary: "Index every file under a directory",
				usage:   "worldctl index build <dir> [--out <file>]",
				flags: func() *pflag.FlagSet {
					fs := flagSet("build")
					fs.StringP("out", "o", "", "index file to write (default <dir>/assets.idx)")
					return fs
				},
				run: func(_ context.Context, fs *pflag.FlagSet, args []string) error {
					if err := wantArgs(args, 1, 1); err != nil {
						return err
					}
					out, _ := fs.GetString("out")
					if out == "" {
						out = filepath.Join(args[0], asset.IndexFileName)
					}
					entries, err := asset.BuildIndex(args[0], filepath.Base(out))
					if err != nil {
						return err
					}
					if err := asset.WriteIndex(out, entries); err != nil {
						return err
					}
					var total uint64
					for _, e := range entries {
						total += e.Size
					}
					fmt.Fprintf(a.out, "%s: %d assets, %s\n", out, len(entries), humanize.IBytes(total))
					return nil
				},
			},
			{
				name:    "list",
				summary: "Print the entries of an index file",
				usage:   "worldctl index list <file>",
				flags:   func() *pflag.FlagSet { return flagSet("list") },
				run: func(_ context.Context, _ *pflag.FlagSet, args []string) error {
					if err := wantArgs(args, 1, 1); err != nil {
						return err
					}
					idx, err := asset.LoadIndex(args[0])
					if err != nil {
						return err
					}
					tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "ID\tTYPE\tSIZE\tOFFSET\tCRC\tPATH")
					for _, e := range idx.Entries() {
						fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%#08x\t%s\n", e.ID, e.Type, humanize.IBytes(e.Size), e.Offset, e.CRC, e.Path)
					}
					return tw.Flush()
				},
			},
		},
	}
}
