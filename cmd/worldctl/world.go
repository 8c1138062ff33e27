package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"strconv"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	core "github.com/meigma/worldstore/core"
	"github.com/meigma/worldstore/core/catalog"
	"github.com/meigma/worldstore/core/world"
)

func (a *app) createCmd() *command {
	return &command{
		name:    "create",
		summary: "Generate a world with random terrain and save it in full",
		usage:   "worldctl create <file> [flags]",
		flags: func() *pflag.FlagSet {
			fs := flagSet("create")
			fs.Int("width", 256, "world width in tiles")
			fs.Int("height", 256, "world height in tiles")
			fs.Int("chunk-size", 32, "chunk edge in tiles")
			fs.String("compression", "", "codec: none, fast or frame (default from config)")
			fs.Uint64("seed", 1, "terrain seed")
			fs.Float64("fill", 0.5, "fraction of chunks to populate")
			return fs
		},
		run: func(ctx context.Context, fs *pflag.FlagSet, args []string) error {
			if err := wantArgs(args, 1, 1); err != nil {
				return err
			}
			cfg, logger, err := a.setup(fs)
			if err != nil {
				return err
			}
			name, _ := fs.GetString("compression")
			if name == "" {
				name = cfg.Compression
			}
			compression, err := core.ParseCompression(name)
			if err != nil {
				return err
			}
			width, _ := fs.GetInt("width")
			height, _ := fs.GetInt("height")
			size, _ := fs.GetInt("chunk-size")
			seed, _ := fs.GetUint64("seed")
			fill, _ := fs.GetFloat64("fill")

			store := world.New(world.WithCompression(compression), world.WithLogger(logger),
				world.WithChunkCacheSize(cfg.World.ChunkCacheSize))
			if err := store.CreateWorld(width, height, size); err != nil {
				return err
			}
			if err := populate(store, seed, fill); err != nil {
				return err
			}
			res, err := store.Save(ctx, args[0], true)
			if err != nil {
				return err
			}
			grid, _ := store.Grid()
			fmt.Fprintf(a.out, "%s: %dx%d tiles, %d of %d chunks, %s in %s\n", res.Path,
				width, height, res.ChunksSaved, grid.Total(), humanize.IBytes(uint64(res.Bytes)), res.Duration)
			return nil
		},
	}
}

// populate fills a fraction of the chunks with seeded terrain.
func populate(store *world.Store, seed uint64, fill float64) error {
	grid, _ := store.Grid()
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	for cy := range grid.PerCol {
		for cx := range grid.PerRow {
			if rng.Float64() >= fill {
				continue
			}
			base := rng.Uint32N(8)
			err := store.Mutate(cx, cy, func(l *world.Layers) {
				for y := range l.Size() {
					for x := range l.Size() {
						l.Set(world.LayerTiles, x, y, base+rng.Uint32N(4))
						if rng.Uint32N(16) == 0 {
							l.Set(world.LayerBuildings, x, y, 1+rng.Uint32N(64))
						}
					}
				}
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *app) catalogCmd() *command {
	open := func(fs *pflag.FlagSet) (*catalog.Catalog, error) {
		cfg, logger, err := a.setup(fs)
		if err != nil {
			return nil, err
		}
		path := cfg.Catalog.Path
		if path == "" {
			path = filepath.Join(cfg.SaveDir, "catalog.db")
		}
		return catalog.Open(path, catalog.WithLogger(logger))
	}
	return &command{
		name:    "catalog",
		summary: "Query the save catalog",
		subcommands: []*command{
			{
				name:    "list",
				summary: "List recorded saves, newest first",
				usage:   "worldctl catalog list [--limit n] [--slots]",
				flags: func() *pflag.FlagSet {
					fs := flagSet("list")
					fs.IntP("limit", "n", 20, "maximum records to print (0 for all)")
					fs.Bool("slots", false, "show only the newest save of each quick-save slot")
					return fs
				},
				run: func(ctx context.Context, fs *pflag.FlagSet, args []string) error {
					if err := wantArgs(args, 0, 0); err != nil {
						return err
					}
					c, err := open(fs)
					if err != nil {
						return err
					}
					defer c.Close()
					var recs []catalog.Record
					if slots, _ := fs.GetBool("slots"); slots {
						recs, err = c.Slots(ctx)
					} else {
						limit, _ := fs.GetInt("limit")
						recs, err = c.List(ctx, limit)
					}
					if err != nil {
						return err
					}
					return a.printRecords(recs)
				},
			},
			{
				name:    "forget",
				summary: "Drop every record of a save",
				usage:   "worldctl catalog forget <base-path>",
				flags:   func() *pflag.FlagSet { return flagSet("forget") },
				run: func(ctx context.Context, fs *pflag.FlagSet, args []string) error {
					if err := wantArgs(args, 1, 1); err != nil {
						return err
					}
					c, err := open(fs)
					if err != nil {
						return err
					}
					defer c.Close()
					n, err := c.Forget(ctx, args[0])
					if err != nil {
						return err
					}
					fmt.Fprintf(a.out, "forgot %d records\n", n)
					return nil
				},
			},
		},
	}
}

func (a *app) printRecords(recs []catalog.Record) error {
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tSLOT\tSEQ\tCHUNKS\tSIZE\tWRITTEN\tPATH")
	for _, r := range recs {
		slot := "-"
		if r.Slot != catalog.NoSlot {
			slot = strconv.Itoa(r.Slot)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%s\t%s\t%s\n", r.ID, r.Kind, slot, r.Sequence, r.Chunks,
			humanize.IBytes(uint64(r.Bytes)), humanize.Time(r.Created), r.Path)
	}
	return tw.Flush()
}
