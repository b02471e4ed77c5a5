package rsimg

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/airbusgeo/godal"
	"github.com/airbusgeo/rsimg/internal/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func info(left, top, xres, yres float64, w, h int) BandInfo {
	gt := NorthUp(left, top, xres, yres)
	return BandInfo{
		GeoTransform: gt,
		DataType:     godal.UInt16,
		Width:        w,
		Height:       h,
		XRes:         xres,
		YRes:         yres,
		Bounds:       gt.Bounds(w, h),
	}
}

func TestPlanStack(t *testing.T) {
	a := info(0, 100, 10, 10, 10, 10)
	b := info(50, 150, 20, 20, 5, 5)
	c := info(200, 300, 10, 10, 10, 10)
	nd := a
	nd.HasNoData, nd.NoData = true, 65535

	type tc struct {
		name   string
		infos  []BandInfo
		opts   []StackOption
		gt     GeoTransform
		w, h   int
		dtype  godal.DataType
		nodata float64
		err    error
	}
	cases := []tc{
		{name: "intersection", infos: []BandInfo{a, b},
			gt: NorthUp(50, 100, 10, 10), w: 5, h: 5, dtype: godal.UInt16},
		{name: "union", infos: []BandInfo{a, b}, opts: []StackOption{Extent(Union)},
			gt: NorthUp(0, 150, 10, 10), w: 15, h: 15, dtype: godal.UInt16},
		{name: "second band resolution", infos: []BandInfo{b, a}, opts: []StackOption{Extent(Union)},
			gt: NorthUp(0, 150, 20, 20), w: 8, h: 8, dtype: godal.UInt16},
		{name: "explicit resolution", infos: []BandInfo{a, b}, opts: []StackOption{Resolution(2.5, 5)},
			gt: NorthUp(50, 100, 2.5, 5), w: 20, h: 10, dtype: godal.UInt16},
		{name: "nodata from first band", infos: []BandInfo{nd, b},
			gt: NorthUp(50, 100, 10, 10), w: 5, h: 5, dtype: godal.UInt16, nodata: 65535},
		{name: "overrides", infos: []BandInfo{nd, b}, opts: []StackOption{OutputNoData(-9999), OutputType(godal.Float32)},
			gt: NorthUp(50, 100, 10, 10), w: 5, h: 5, dtype: godal.Float32, nodata: -9999},
		{name: "single band", infos: []BandInfo{c},
			gt: NorthUp(200, 300, 10, 10), w: 10, h: 10, dtype: godal.UInt16},
		{name: "half pixels round to even", infos: []BandInfo{a}, opts: []StackOption{Resolution(40, 8)},
			gt: NorthUp(0, 100, 40, 8), w: 2, h: 12, dtype: godal.UInt16},
		{name: "disjoint", infos: []BandInfo{a, c}, err: ErrNoIntersection},
		{name: "disjoint union", infos: []BandInfo{a, c}, opts: []StackOption{Extent(Union)},
			gt: NorthUp(0, 300, 10, 10), w: 30, h: 30, dtype: godal.UInt16},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			g, err := PlanStack(c.infos, c.opts...)
			if c.err != nil {
				assert.True(t, errors.Is(err, c.err), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.gt, g.GeoTransform)
			assert.Equal(t, c.w, g.Width)
			assert.Equal(t, c.h, g.Height)
			assert.Equal(t, c.dtype, g.DataType)
			assert.Equal(t, c.nodata, g.NoData)
		})
	}

	_, err := PlanStack(nil)
	assert.Error(t, err)

	// touching extents have an empty intersection
	_, err = PlanStack([]BandInfo{a, info(100, 100, 10, 10, 10, 10)})
	assert.ErrorIs(t, err, ErrNoIntersection)

	// a grid rounding to zero pixels
	_, err = PlanStack([]BandInfo{a}, Resolution(1000, 1000))
	assert.Error(t, err)
}

func TestStackOptions(t *testing.T) {
	bad := [][]StackOption{
		{Resolution(0, 1)},
		{Resolution(1, -1)},
		{Resolution(math.NaN(), 1)},
		{Resolution(1, math.Inf(1))},
		{Parallelism(0)},
		{Extent(ExtentMode(5))},
		{OutputType(godal.Unknown)},
		{CloudOptimized(100)},
		{CloudOptimized(0)},
		{WarpSwitches("-wo", "NUM_THREADS=2", "-te", "0", "0", "1", "1")},
		{WarpSwitches("-r", "cubic")},
		{CloudOptimized(256), CreationOptions("BLOCKXSIZE=128")},
		{CreationOptions("TILED=YES"), CloudOptimized(256)},
	}
	for i, opts := range bad {
		_, err := newStackOpts(opts)
		var ierr ErrInvalidOption
		assert.True(t, errors.As(err, &ierr), "case %d: %v", i, err)
	}

	o, err := newStackOpts(nil)
	require.NoError(t, err)
	assert.Equal(t, Intersection, o.extent)
	assert.Equal(t, godal.Nearest, o.resampling)
	assert.Equal(t, 4, o.parallelism)

	o, err = newStackOpts([]StackOption{CloudOptimized(512), CreationOptions("COMPRESS=LZW"),
		WarpSwitches("-wo", "NUM_THREADS=2")})
	require.NoError(t, err)
	assert.True(t, o.cog)
	assert.Equal(t, 512, o.blockSize)
	assert.Equal(t, []string{"-wo", "NUM_THREADS=2"}, o.warpSwitches)
}

func TestParsers(t *testing.T) {
	m, err := ParseExtentMode("UNION")
	require.NoError(t, err)
	assert.Equal(t, Union, m)
	_, err = ParseExtentMode("both")
	assert.Error(t, err)

	alg, err := ParseResampling("bilinear")
	require.NoError(t, err)
	assert.Equal(t, godal.Bilinear, alg)
	alg, err = ParseResampling("median")
	require.NoError(t, err)
	assert.Equal(t, godal.Median, alg)
	_, err = ParseResampling("magic")
	assert.Error(t, err)

	dt, err := ParseDataType("float32")
	require.NoError(t, err)
	assert.Equal(t, godal.Float32, dt)
	_, err = ParseDataType("Float16")
	assert.Error(t, err)
}

func stackFixtures(t *testing.T, dir string) (string, string) {
	// a: 10x10 @1m over [0,10]x[0,10], b: 20x20 @0.5m over [5,15]x[5,15]
	a := writeRaster(t, dir, "a.tif", fixture{
		gt: NorthUp(0, 10, 1, 1), epsg: 32631, width: 10, height: 10,
		nodata: nodata(-1), bands: [][]float64{ramp(100)},
	})
	b := writeRaster(t, dir, "b.tif", fixture{
		gt: NorthUp(5, 15, 0.5, 0.5), epsg: 32631, width: 20, height: 20,
		bands: [][]float64{constant(400, 7), constant(400, 9)},
	})
	return a, b
}

func readBands(t *testing.T, path string) (*godal.Dataset, [][]float64) {
	t.Helper()
	ds, err := godal.Open(path)
	require.NoError(t, err)
	st := ds.Structure()
	var out [][]float64
	for _, b := range ds.Bands() {
		d := make([]float64, st.SizeX*st.SizeY)
		require.NoError(t, b.Read(0, 0, d, st.SizeX, st.SizeY))
		out = append(out, d)
	}
	return ds, out
}

func TestLayerStackIntersection(t *testing.T) {
	dir := t.TempDir()
	a, b := stackFixtures(t, dir)
	out := filepath.Join(dir, "stack.tif")

	ret, err := LayerStack(context.Background(), []string{a, b}, out)
	require.NoError(t, err)
	assert.Equal(t, out, ret)

	ds, bands := readBands(t, out)
	defer ds.Close()
	st := ds.Structure()
	assert.Equal(t, 5, st.SizeX)
	assert.Equal(t, 5, st.SizeY)
	require.Len(t, bands, 2)
	gt, err := ds.GeoTransform()
	require.NoError(t, err)
	assert.Equal(t, [6]float64{5, 1, 0, 10, 0, -1}, gt)
	assert.Equal(t, godal.Float32, ds.Bands()[0].Structure().DataType)
	nd, ok := ds.Bands()[1].NoData()
	assert.True(t, ok)
	assert.Equal(t, -1.0, nd)

	for r := 0; r < 5; r++ {
		for c := 0; c < 5; c++ {
			assert.Equal(t, float64(r*10+c+5), bands[0][r*5+c], "row %d col %d", r, c)
			assert.Equal(t, 7.0, bands[1][r*5+c], "row %d col %d", r, c)
		}
	}

	sr := ds.SpatialRef()
	ref, err := godal.NewSpatialRefFromEPSG(32631)
	require.NoError(t, err)
	defer ref.Close()
	assert.True(t, sr.IsSame(ref))
}

func TestLayerStackUnion(t *testing.T) {
	dir := t.TempDir()
	a, b := stackFixtures(t, dir)
	out := filepath.Join(dir, "stack.tif")

	_, err := LayerStack(context.Background(), []string{b, a}, out,
		Extent(Union), Resolution(1, 1), OutputType(godal.Int16), OutputNoData(-5), Parallelism(1))
	require.NoError(t, err)

	ds, bands := readBands(t, out)
	defer ds.Close()
	st := ds.Structure()
	assert.Equal(t, 15, st.SizeX)
	assert.Equal(t, 15, st.SizeY)
	assert.Equal(t, godal.Int16, ds.Bands()[0].Structure().DataType)

	// upper left pixel: no coverage
	assert.Equal(t, -5.0, bands[0][0])
	assert.Equal(t, -5.0, bands[1][0])
	// upper right pixel: covered by b only
	assert.Equal(t, 7.0, bands[0][14])
	assert.Equal(t, -5.0, bands[1][14])
	// lower left pixel: covered by a only
	assert.Equal(t, -5.0, bands[0][14*15])
	assert.Equal(t, 90.0, bands[1][14*15])
	// lower right: no coverage
	assert.Equal(t, -5.0, bands[0][15*15-1])
	assert.Equal(t, -5.0, bands[1][15*15-1])
}

func TestLayerStackErrors(t *testing.T) {
	dir := t.TempDir()
	a := writeRaster(t, dir, "a.tif", fixture{
		gt: NorthUp(0, 10, 1, 1), width: 10, height: 10, bands: [][]float64{ramp(100)},
	})
	c := writeRaster(t, dir, "c.tif", fixture{
		gt: NorthUp(100, 10, 1, 1), width: 10, height: 10, bands: [][]float64{ramp(100)},
	})
	ctx := context.Background()
	out := filepath.Join(dir, "out.tif")

	_, err := LayerStack(ctx, nil, out)
	assert.Error(t, err)
	_, err = LayerStack(ctx, []string{a, c}, out)
	assert.ErrorIs(t, err, ErrNoIntersection)
	_, err = LayerStack(ctx, []string{a, filepath.Join(dir, "missing.tif")}, out)
	assert.Error(t, err)
	_, err = LayerStack(ctx, []string{a}, out, Extent(Union), Resampling(godal.Bilinear), Parallelism(-1))
	assert.Error(t, err)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = LayerStack(cctx, []string{a, a}, out)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLayerStackCOG(t *testing.T) {
	dir := t.TempDir()
	a := writeRaster(t, dir, "a.tif", fixture{
		gt: NorthUp(0, 600, 1, 1), epsg: 32631, width: 600, height: 600,
		dtype: godal.UInt16, bands: [][]float64{ramp(600 * 600)},
	})
	b := writeRaster(t, dir, "b.tif", fixture{
		gt: NorthUp(0, 600, 2, 2), epsg: 32631, width: 300, height: 300,
		dtype: godal.UInt16, bands: [][]float64{constant(300*300, 42)},
	})
	out := filepath.Join(dir, "cog.tif")
	_, err := LayerStack(context.Background(), []string{a, b}, out,
		CloudOptimized(256), CreationOptions("COMPRESS=LZW"))
	require.NoError(t, err)

	ds, err := godal.Open(out)
	require.NoError(t, err)
	defer ds.Close()
	st := ds.Structure()
	assert.Equal(t, 600, st.SizeX)
	assert.Equal(t, 2, st.NBands)
	assert.Equal(t, 256, ds.Bands()[0].Structure().BlockSizeX)
	assert.Len(t, ds.Bands()[0].Overviews(), 2)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	ifds := parsedIFDs(t, data)
	require.Len(t, ifds, 3)
	_, hi := span(ifds[1])
	lo, _ := span(ifds[0])
	assert.Less(t, hi, lo)

	_, err = os.Stat(out + ".ovr")
	assert.True(t, os.IsNotExist(err))
}

func TestLayerStackDifferentCRS(t *testing.T) {
	dir := t.TempDir()
	a := writeRaster(t, dir, "a.tif", fixture{
		gt: NorthUp(0, 10, 1, 1), epsg: 32631, width: 10, height: 10, bands: [][]float64{ramp(100)},
	})
	b := writeRaster(t, dir, "b.tif", fixture{
		gt: NorthUp(0, 10, 1, 1), epsg: 32632, width: 10, height: 10, bands: [][]float64{ramp(100)},
	})
	core, logs := observer.New(zap.WarnLevel)
	ctx := log.With(context.Background(), zap.New(core))
	out := filepath.Join(dir, "stack.tif")

	_, err := LayerStack(ctx, []string{a, b}, out)
	require.NoError(t, err)
	assert.Equal(t, 1, logs.FilterLevelExact(zap.WarnLevel).Len())

	ds, bands := readBands(t, out)
	defer ds.Close()
	ref, err := godal.NewSpatialRefFromEPSG(32631)
	require.NoError(t, err)
	defer ref.Close()
	assert.True(t, ds.SpatialRef().IsSame(ref))
	// b is resampled on its own coordinates, not reprojected
	gt, err := ds.GeoTransform()
	require.NoError(t, err)
	assert.Equal(t, [6]float64(NorthUp(0, 10, 1, 1)), gt)
	assert.Equal(t, ramp(100), bands[1])
	assert.Equal(t, bands[0], bands[1])
}

func TestLayerStackFailureRemovesOutput(t *testing.T) {
	dir := t.TempDir()
	a, b := stackFixtures(t, dir)
	out := filepath.Join(dir, "stack.tif")

	_, err := LayerStack(context.Background(), []string{a, b}, out,
		WarpSwitches("-cutline", filepath.Join(dir, "missing.shp")))
	require.Error(t, err)
	_, err = os.Stat(out)
	assert.True(t, os.IsNotExist(err), "got %v", err)
}
