package main

import (
	"fmt"

	"github.com/airbusgeo/rsimg"
	"github.com/paulmach/orb/geojson"
	"github.com/spf13/cobra"
)

func (a *app) raster2vecCmd() *cobra.Command {
	var dn []int
	var eight, toStdout bool
	cmd := &cobra.Command{
		Use:   "raster2vec raster output.{shp,gpkg,geojson}",
		Short: "polygonize the pixels of the first band matching the given values",
		Long: "polygonize the pixels of the first band matching the given values. " +
			"With --print the polygons are written to stdout as a geojson feature collection " +
			"and the output argument is omitted.",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var opts []rsimg.VectorOption
			if eight {
				opts = append(opts, rsimg.EightConnected())
			}
			if err := a.gcs.inputs(ctx, args[0]); err != nil {
				return err
			}
			if toStdout {
				shapes, err := rsimg.Polygonize(ctx, args[0], dn, opts...)
				if err != nil {
					return err
				}
				fc := geojson.NewFeatureCollection()
				for _, s := range shapes {
					f := geojson.NewFeature(s.Geometry)
					f.Properties[rsimg.DNField] = s.DN
					fc.Append(f)
				}
				b, err := fc.MarshalJSON()
				if err != nil {
					return fmt.Errorf("encode geojson: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(b))
				return nil
			}
			if len(args) != 2 {
				return fmt.Errorf("missing output vector file")
			}
			out, err := a.gcs.output(args[1])
			if err != nil {
				return err
			}
			defer out.Cleanup()
			n, err := rsimg.Raster2Vec(ctx, args[0], out.Local, dn, opts...)
			if err != nil {
				return err
			}
			if n > 0 {
				if err := out.Commit(ctx); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d polygons\n", n)
			return nil
		},
	}
	cmd.Flags().IntSliceVar(&dn, "dn", nil, "pixel values to polygonize")
	_ = cmd.MarkFlagRequired("dn")
	cmd.Flags().BoolVar(&eight, "eight", false, "use 8-connectivity instead of 4-connectivity")
	cmd.Flags().BoolVar(&toStdout, "print", false, "print polygons as geojson instead of writing a file")
	return cmd
}

func (a *app) vec2maskCmd() *cobra.Command {
	var save string
	var allTouched bool
	cmd := &cobra.Command{
		Use:   "vec2mask vector raster",
		Short: "rasterize a vector file onto the grid of a raster",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var opts []rsimg.VectorOption
			if allTouched {
				opts = append(opts, rsimg.AllTouched())
			}
			if err := a.gcs.inputs(ctx, args...); err != nil {
				return err
			}
			savePath := ""
			var out *output
			if save != "" {
				var err error
				if out, err = a.gcs.output(save); err != nil {
					return err
				}
				defer out.Cleanup()
				savePath = out.Local
			}
			m, err := rsimg.Vec2Mask(ctx, args[0], args[1], savePath, opts...)
			if err != nil {
				return err
			}
			if out != nil {
				if err := out.Commit(ctx); err != nil {
					return err
				}
			}
			inside := 0
			for _, v := range m.Data {
				inside += int(v)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d/%d pixels inside\n", inside, len(m.Data))
			return nil
		},
	}
	cmd.Flags().StringVar(&save, "out", "", "write the mask to this geotiff")
	cmd.Flags().BoolVar(&allTouched, "all-touched", false, "burn all pixels touched by the geometries")
	return cmd
}
