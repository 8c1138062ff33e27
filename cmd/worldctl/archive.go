package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/pflag"

	core "github.com/meigma/worldstore/core"
	"github.com/meigma/worldstore/core/integrity"
	"github.com/meigma/worldstore/core/world"
)

func (a *app) inspectCmd() *command {
	return &command{
		name:    "inspect",
		summary: "Print an archive's header, sections and incremental files",
		usage:   "worldctl inspect <file>",
		flags:   func() *pflag.FlagSet { return flagSet("inspect") },
		run: func(_ context.Context, _ *pflag.FlagSet, args []string) error {
			if err := wantArgs(args, 1, 1); err != nil {
				return err
			}
			return a.inspect(args[0])
		},
	}
}

func (a *app) inspect(path string) error {
	arc, err := core.Open(path)
	if err != nil {
		return err
	}
	defer arc.Close()

	hdr := arc.Header()
	written := time.Unix(0, hdr.Timestamp)
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "file\t%s\n", path)
	fmt.Fprintf(tw, "version\t%s (%s)\n", hdr.Version, core.CheckVersion(hdr.Version, core.SupportedVersion))
	fmt.Fprintf(tw, "written\t%s (%s)\n", written.Format(time.DateTime), humanize.Time(written))
	fmt.Fprintf(tw, "size\t%s\n", humanize.IBytes(uint64(arc.Size())))
	fmt.Fprintf(tw, "compression\t%s\n", hdr.Compression)
	fmt.Fprintf(tw, "crc\t%#08x\n", hdr.CRC)
	fmt.Fprintf(tw, "sections\t%s\n", hdr.Sections)
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(a.out)
	tw = tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SECTION\tCODEC\tSTORED\tSIZE\tRATIO\tCRC")
	for _, id := range arc.SectionOrder() {
		info, _ := arc.Section(id)
		ratio := "-"
		if info.Uncompressed > 0 {
			ratio = fmt.Sprintf("%.2f", float64(info.Compressed)/float64(info.Uncompressed))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%#08x\n", id, info.Compression,
			humanize.IBytes(uint64(info.Compressed)), humanize.IBytes(info.Uncompressed), ratio, info.CRC)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	incs, err := world.Incrementals(path)
	if err != nil || len(incs) == 0 {
		return nil
	}
	fmt.Fprintln(a.out)
	tw = tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INCREMENTAL\tSEQ\tCHUNKS\tBASE\tWRITTEN")
	for _, p := range incs {
		inc, err := world.ReadIncremental(p)
		if err != nil {
			fmt.Fprintf(tw, "%s\t-\t-\t-\t%v\n", p, err)
			continue
		}
		created := time.Unix(0, inc.Header.Created)
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n", p, inc.Header.Sequence, inc.Header.Count,
			uuid.UUID(inc.Header.BaseID), humanize.Time(created))
	}
	return tw.Flush()
}

func (a *app) verifyCmd() *command {
	return &command{
		name:    "verify",
		summary: "Check an archive's size and checksums",
		usage:   "worldctl verify <file>...",
		flags:   func() *pflag.FlagSet { return flagSet("verify") },
		run: func(_ context.Context, _ *pflag.FlagSet, args []string) error {
			if err := wantArgs(args, 1, -1); err != nil {
				return err
			}
			var failed int
			for _, path := range args {
				if err := core.Verify(path); err != nil {
					failed++
					fmt.Fprintf(a.out, "%s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(a.out, "%s: ok\n", path)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d archives failed verification", failed, len(args))
			}
			return nil
		},
	}
}

func (a *app) validateCmd() *command {
	return &command{
		name:    "validate",
		summary: "Classify archive damage (magic, size, checksum, section)",
		usage:   "worldctl validate <file>...",
		flags:   func() *pflag.FlagSet { return flagSet("validate") },
		run: func(_ context.Context, _ *pflag.FlagSet, args []string) error {
			if err := wantArgs(args, 1, -1); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FILE\tSTATUS\tDETAIL")
			var failed int
			for _, path := range args {
				err := integrity.Validate(path)
				if err == nil {
					fmt.Fprintf(tw, "%s\tok\t\n", path)
					continue
				}
				failed++
				fmt.Fprintf(tw, "%s\t%s\t%v\n", path, integrity.ClassOf(err), err)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d archives are damaged", failed, len(args))
			}
			return nil
		},
	}
}

func (a *app) repairCmd() *command {
	return &command{
		name:    "repair",
		summary: "Repair a damaged archive, using a backup for lost data",
		usage:   "worldctl repair <file> [--backup <file>] [--dry-run]",
		flags: func() *pflag.FlagSet {
			fs := flagSet("repair")
			fs.StringP("backup", "b", "", "known-good archive to restore the header or sections from")
			fs.Bool("dry-run", false, "report what would be repaired without writing")
			return fs
		},
		run: func(_ context.Context, fs *pflag.FlagSet, args []string) error {
			if err := wantArgs(args, 1, 1); err != nil {
				return err
			}
			_, logger, err := a.setup(fs)
			if err != nil {
				return err
			}
			backup, _ := fs.GetString("backup")
			dry, _ := fs.GetBool("dry-run")
			act, err := integrity.Repair(args[0], backup, integrity.WithLogger(logger), integrity.WithDryRun(dry))
			if err != nil {
				return err
			}
			verb := "repaired"
			if dry {
				verb = "would repair"
			}
			if act == 0 {
				fmt.Fprintf(a.out, "%s: ok, nothing to repair\n", args[0])
				return nil
			}
			fmt.Fprintf(a.out, "%s: %s (%s)\n", args[0], verb, act)
			return nil
		},
	}
}

func (a *app) migrateCmd() *command {
	return &command{
		name:    "migrate",
		summary: "Rewrite an archive in the current format version",
		usage:   "worldctl migrate <file>...",
		flags:   func() *pflag.FlagSet { return flagSet("migrate") },
		run: func(_ context.Context, fs *pflag.FlagSet, args []string) error {
			if err := wantArgs(args, 1, -1); err != nil {
				return err
			}
			_, logger, err := a.setup(fs)
			if err != nil {
				return err
			}
			var errs []error
			for _, path := range args {
				compat, err := core.Migrate(path, core.WithLogger(logger))
				if err != nil {
					errs = append(errs, err)
					continue
				}
				if compat == core.Compatible {
					fmt.Fprintf(a.out, "%s: already %s\n", path, core.SupportedVersion)
					continue
				}
				fmt.Fprintf(a.out, "%s: migrated to %s (%s)\n", path, core.SupportedVersion, compat)
			}
			return errors.Join(errs...)
		},
	}
}
