package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/airbusgeo/rsimg"
	"github.com/google/tiff"
	"github.com/spf13/cobra"
)

func (a *app) cogifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cogify output.tif file.tif [overview.tif...]",
		Short: "rewrite a tiled geotiff and its overviews to a cloud optimized geotiff",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			readers := make([]tiff.ReadAtReadSeeker, len(args)-1)
			for i, input := range args[1:] {
				r, closer, err := a.gcs.reader(ctx, input)
				if err != nil {
					return fmt.Errorf("open %s: %w", input, err)
				}
				defer closer() //nolint:errcheck
				readers[i] = r
			}
			out, err := a.gcs.output(args[0])
			if err != nil {
				return err
			}
			defer out.Cleanup()
			f, err := os.Create(out.Local)
			if err != nil {
				return fmt.Errorf("create %s: %w", out.Local, err)
			}
			bw := bufio.NewWriterSize(f, 1<<20)
			if err := rsimg.RewriteCOG(bw, readers[0], readers[1:]...); err != nil {
				f.Close()
				return err
			}
			if err := bw.Flush(); err != nil {
				f.Close()
				return fmt.Errorf("flush %s: %w", out.Local, err)
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("close %s: %w", out.Local, err)
			}
			return out.Commit(ctx)
		},
	}
}
