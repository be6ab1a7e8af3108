package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/ZenLiuCN/fn"
	"github.com/spf13/cobra"
	"github.com/wnxd/modhost/host"
	"github.com/wnxd/modhost/image"
	"github.com/wnxd/modhost/image/elf"
	"github.com/wnxd/modhost/image/pe"
	internal "github.com/wnxd/modhost/internal/host"
	"golang.org/x/sync/errgroup"
)

const scanWorkers = 8

type scanResult struct {
	path    string
	info    *image.Info
	err     error
	entries []string
}

func newScanCmd(rf *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Inspect module candidates without loading them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := rf.load(cmd)
			if err != nil {
				return err
			}
			logger, err := stderrLogger(cfg)
			if err != nil {
				return err
			}
			paths, err := internal.Candidates(cfg.Modules.Dir, cfg.Modules.Pattern, cfg.Modules.Recursive, logger)
			if err != nil {
				return err
			}
			results, err := scan(cmd.Context(), paths)
			if err != nil {
				return err
			}
			return printScan(cmd.OutOrStdout(), results)
		},
	}
}

// scan inspects every path concurrently. Per-file failures are recorded in
// the result rather than aborting the scan.
func scan(ctx context.Context, paths []string) ([]scanResult, error) {
	results := make([]scanResult, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(scanWorkers)
	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			info, err := inspect(path)
			results[i] = scanResult{path: path, info: info, err: err}
			if info != nil {
				results[i].entries = entryPoints(info)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// inspect picks the image reader by file magic.
func inspect(path string) (*image.Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fn.IgnoreClose(f)
	magic := make([]byte, 4)
	if _, err := io.ReadFull(f, magic); err != nil {
		return nil, image.ErrBadSignature
	}
	switch {
	case bytes.Equal(magic, []byte("\x7fELF")):
		return elf.InspectReader(f)
	case bytes.HasPrefix(magic, []byte("MZ")):
		return pe.InspectReader(f)
	}
	return nil, image.ErrBadSignature
}

func entryPoints(info *image.Info) []string {
	var names []string
	for _, name := range []string{host.ExportFrameworkInit, host.ExportPreinitialize, host.ExportInitialize, host.ExportUnload, host.ExportOperationCallback} {
		if info.Export(name) != 0 {
			names = append(names, name)
		}
	}
	return names
}

func printScan(w io.Writer, results []scanResult) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PATH\tARCH\tSIZE\tSTATUS\tENTRY POINTS")
	for _, r := range results {
		if r.err != nil {
			fmt.Fprintf(tw, "%s\t-\t-\t%v\t-\n", r.path, r.err)
			continue
		}
		status := "ok"
		switch {
		case r.info.Arch != image.CurrentArch():
			status = host.ErrInvalidArch.Error()
		case r.info.Export(host.ExportFrameworkInit) == 0,
			r.info.Export(host.ExportPreinitialize) == 0 && r.info.Export(host.ExportInitialize) == 0:
			status = host.ErrInitializationFailed.Error()
		}
		fmt.Fprintf(tw, "%s\t%v\t%#x\t%s\t%s\n", r.path, r.info.Arch, r.info.Size, status, strings.Join(r.entries, ","))
	}
	return tw.Flush()
}
