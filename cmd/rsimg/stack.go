package main

import (
	"fmt"

	"github.com/airbusgeo/rsimg"
	"github.com/mattn/go-shellwords"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type stackFlags struct {
	extent       string
	xres, yres   float64
	resampling   string
	outputType   string
	nodata       float64
	cog          bool
	blockSize    int
	warpSwitches string
	copts        []string
	configOpts   []string
	parallelism  int
}

func (f *stackFlags) register(fl *pflag.FlagSet) {
	fl.StringVar(&f.extent, "extent", "intersection", "output extent: union or intersection")
	fl.Float64Var(&f.xres, "xres", 0, "output x resolution (default: first band's)")
	fl.Float64Var(&f.yres, "yres", 0, "output y resolution (default: xres or first band's)")
	fl.StringVar(&f.resampling, "resampling", "nearest", "resampling algorithm (nearest, bilinear, cubic, average, mode, ...)")
	fl.StringVar(&f.outputType, "ot", "", "output data type (default: first band's)")
	fl.Float64Var(&f.nodata, "nodata", 0, "output nodata value (default: first band's, or 0)")
	fl.BoolVar(&f.cog, "cog", false, "write a cloud optimized geotiff")
	fl.IntVar(&f.blockSize, "tilesize", 512, "cog tile size")
	fl.StringVar(&f.warpSwitches, "warpSwitches", "", "extra gdalwarp switches, e.g. \"-wo NUM_THREADS=2\"")
	fl.StringArrayVar(&f.copts, "co", nil, "tif creation options")
	fl.StringArrayVar(&f.configOpts, "config-opt", nil, "gdal configuration options")
	fl.IntVar(&f.parallelism, "parallelism", 4, "number of bands resampled concurrently")
}

// options builds the LayerStack options from the config file and the flags
// explicitly set on cmd.
func (f *stackFlags) options(cmd *cobra.Command, cfg config) ([]rsimg.StackOption, error) {
	changed := cmd.Flags().Changed
	sc := cfg.Stack
	opts := []rsimg.StackOption{}

	extent := sc.Extent
	if changed("extent") || extent == "" {
		extent = f.extent
	}
	mode, err := rsimg.ParseExtentMode(extent)
	if err != nil {
		return nil, err
	}
	opts = append(opts, rsimg.Extent(mode))

	resampling := sc.Resampling
	if changed("resampling") || resampling == "" {
		resampling = f.resampling
	}
	alg, err := rsimg.ParseResampling(resampling)
	if err != nil {
		return nil, err
	}
	opts = append(opts, rsimg.Resampling(alg))

	if changed("xres") || changed("yres") {
		yres := f.yres
		if !changed("yres") {
			yres = f.xres
		}
		opts = append(opts, rsimg.Resolution(f.xres, yres))
	}
	if changed("ot") {
		dt, err := rsimg.ParseDataType(f.outputType)
		if err != nil {
			return nil, err
		}
		opts = append(opts, rsimg.OutputType(dt))
	}
	if changed("nodata") {
		opts = append(opts, rsimg.OutputNoData(f.nodata))
	}

	parallelism := sc.Parallelism
	if changed("parallelism") || parallelism == 0 {
		parallelism = f.parallelism
	}
	opts = append(opts, rsimg.Parallelism(parallelism))

	switches := sc.WarpSwitches
	if changed("warpSwitches") {
		switches = f.warpSwitches
	}
	if switches != "" {
		sw, err := shellwords.Parse(switches)
		if err != nil {
			return nil, fmt.Errorf("parse warp switches: %w", err)
		}
		opts = append(opts, rsimg.WarpSwitches(sw...))
	}

	if gc := append(cfg.gdalConfig(), f.configOpts...); len(gc) > 0 {
		opts = append(opts, rsimg.GDALConfig(gc...))
	}
	if co := append(append([]string{}, sc.CreationOptions...), f.copts...); len(co) > 0 {
		opts = append(opts, rsimg.CreationOptions(co...))
	}

	cog := sc.COG
	if changed("cog") {
		cog = f.cog
	}
	if cog {
		bs := sc.BlockSize
		if changed("tilesize") || bs == 0 {
			bs = f.blockSize
		}
		opts = append(opts, rsimg.CloudOptimized(bs))
	}
	return opts, nil
}

func (a *app) stackCmd() *cobra.Command {
	f := &stackFlags{}
	cmd := &cobra.Command{
		Use:   "stack output.tif band1.tif band2.tif...",
		Short: "stack the first band of each input into a multi-band geotiff",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			opts, err := f.options(cmd, a.cfg)
			if err != nil {
				return err
			}
			if err := a.gcs.inputs(ctx, args[1:]...); err != nil {
				return err
			}
			out, err := a.gcs.output(args[0])
			if err != nil {
				return err
			}
			defer out.Cleanup()
			if _, err := rsimg.LayerStack(ctx, args[1:], out.Local, opts...); err != nil {
				return fmt.Errorf("layer stack: %w", err)
			}
			if err := out.Commit(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), args[0])
			return nil
		},
	}
	f.register(cmd.Flags())
	return cmd
}
