package main

import (
	"fmt"
	"image"
	"os"

	"github.com/airbusgeo/rsimg"
	"github.com/spf13/cobra"
)

func (a *app) quicklookCmd() *cobra.Command {
	var bands []int
	var clip float64
	var perBand bool
	var rows, cols int
	cmd := &cobra.Command{
		Use:   "quicklook output.png image.tif [image.tif...]",
		Short: "render images to a png with a percentile linear stretch",
		Long: "render images to a png with a percentile linear stretch. Several images are laid out " +
			"on a rows x cols grid, by default a single row.",
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if len(bands) != 3 {
				return fmt.Errorf("--bands needs 3 values, got %d", len(bands))
			}
			opts := rsimg.StretchOptions{
				ColorBands:  [3]int{bands[0], bands[1], bands[2]},
				ClipPercent: clip,
				PerBandClip: perBand,
			}
			inputs := args[1:]
			if err := a.gcs.inputs(ctx, inputs...); err != nil {
				return err
			}
			tiles := make([]*image.RGBA, len(inputs))
			for i, in := range inputs {
				img, err := rsimg.ReadImage(in)
				if err != nil {
					return err
				}
				if tiles[i], err = rsimg.Render(img, opts); err != nil {
					return fmt.Errorf("render %s: %w", in, err)
				}
			}
			r, c := rows, cols
			if r <= 0 {
				r = 1
			}
			if c <= 0 {
				c = (len(tiles) + r - 1) / r
			}
			mosaic, err := rsimg.Mosaic(tiles, r, c)
			if err != nil {
				return err
			}

			out, err := a.gcs.output(args[0])
			if err != nil {
				return err
			}
			defer out.Cleanup()
			f, err := os.Create(out.Local)
			if err != nil {
				return err
			}
			if err := rsimg.WritePNG(f, mosaic); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("close %s: %w", out.Local, err)
			}
			return out.Commit(ctx)
		},
	}
	cmd.Flags().IntSliceVar(&bands, "bands", []int{2, 1, 0}, "0 based bands mapped to red,green,blue")
	cmd.Flags().Float64Var(&clip, "clip", 2, "percentile clip, 0 to stretch [0,1]")
	cmd.Flags().BoolVar(&perBand, "per-band", false, "clip each band separately")
	cmd.Flags().IntVar(&rows, "rows", 1, "mosaic rows")
	cmd.Flags().IntVar(&cols, "cols", 0, "mosaic columns (default: enough for all images)")
	return cmd
}
