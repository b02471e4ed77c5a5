package main

import (
	"fmt"
	"strconv"

	"github.com/airbusgeo/godal"
	"github.com/airbusgeo/rsimg"
	"github.com/spf13/cobra"
)

func parseFloats(args ...string) ([]float64, error) {
	vals := make([]float64, len(args))
	for i, a := range args {
		v, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", a)
		}
		vals[i] = v
	}
	return vals, nil
}

func (a *app) coor2coorCmd() *cobra.Command {
	var src, dst int
	cmd := &cobra.Command{
		Use:   "coor2coor x y",
		Short: "transform a point between two EPSG coordinate systems",
		Long:  "transform a point between two EPSG coordinate systems. EPSG:4326 coordinates are given as lon lat.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			xy, err := parseFloats(args...)
			if err != nil {
				return err
			}
			x, y, err := rsimg.Coor2Coor(src, dst, xy[0], xy[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%.10g %.10g\n", x, y)
			return nil
		},
	}
	cmd.Flags().IntVar(&src, "src", 0, "source EPSG code")
	cmd.Flags().IntVar(&dst, "dst", 0, "destination EPSG code")
	_ = cmd.MarkFlagRequired("src")
	_ = cmd.MarkFlagRequired("dst")
	return cmd
}

func (a *app) utmZoneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "utmzone lon",
		Short: "print the UTM zone of a WGS84 longitude",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lon, err := parseFloats(args[0])
			if err != nil {
				return err
			}
			if lon[0] < -180 || lon[0] > 180 {
				return fmt.Errorf("longitude %g out of [-180,180]", lon[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), rsimg.UTMZone(lon[0]))
			return nil
		},
	}
}

// rasterGrid returns the geotransform and size of a raster.
func (a *app) rasterGrid(cmd *cobra.Command, name string) (rsimg.GeoTransform, int, int, error) {
	if err := a.gcs.inputs(cmd.Context(), name); err != nil {
		return rsimg.GeoTransform{}, 0, 0, err
	}
	ds, err := godal.Open(name, godal.RasterOnly())
	if err != nil {
		return rsimg.GeoTransform{}, 0, 0, fmt.Errorf("open %s: %w", name, err)
	}
	defer ds.Close()
	gt, err := ds.GeoTransform()
	if err != nil {
		return rsimg.GeoTransform{}, 0, 0, fmt.Errorf("geotransform of %s: %w", name, err)
	}
	st := ds.Structure()
	return gt, st.SizeY, st.SizeX, nil
}

func (a *app) geo2imgCmd() *cobra.Command {
	var fractional bool
	cmd := &cobra.Command{
		Use:   "geo2img raster x y",
		Short: "print the row and column of a georeferenced location",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			xy, err := parseFloats(args[1:]...)
			if err != nil {
				return err
			}
			gt, rows, cols, err := a.rasterGrid(cmd, args[0])
			if err != nil {
				return err
			}
			if fractional {
				row, col, err := rsimg.GeoToImageFloat(xy[0], xy[1], gt, rows, cols)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%.6f %.6f\n", row, col)
				return nil
			}
			row, col, err := rsimg.GeoToImage(xy[0], xy[1], gt, rows, cols)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d %d\n", row, col)
			return nil
		},
	}
	cmd.Flags().BoolVar(&fractional, "float", false, "print fractional pixel coordinates")
	return cmd
}

func (a *app) img2geoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "img2geo raster row col",
		Short: "print the georeferenced location of a pixel's upper left corner",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := parseFloats(args[1:]...)
			if err != nil {
				return err
			}
			gt, _, _, err := a.rasterGrid(cmd, args[0])
			if err != nil {
				return err
			}
			x, y := rsimg.ImageToGeo(rc[0], rc[1], gt)
			fmt.Fprintf(cmd.OutOrStdout(), "%.10g %.10g\n", x, y)
			return nil
		},
	}
}

func (a *app) resCmd() *cobra.Command {
	var lat float64
	cmd := &cobra.Command{
		Use:       "res deg2m|m2deg resolution",
		Short:     "convert a resolution between degrees and meters",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"deg2m", "m2deg"},
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := parseFloats(args[1])
			if err != nil {
				return err
			}
			var lonRes, latRes float64
			switch args[0] {
			case "deg2m":
				lonRes, latRes = rsimg.Deg2MeterResolution(res[0], lat)
			case "m2deg":
				lonRes, latRes = rsimg.Meter2DegResolution(res[0], lat)
			default:
				return fmt.Errorf("unknown conversion %q, expecting deg2m or m2deg", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%.10g %.10g\n", lonRes, latRes)
			return nil
		},
	}
	cmd.Flags().Float64Var(&lat, "lat", 0, "reference latitude in degrees")
	return cmd
}
