package rsimg

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/airbusgeo/godal"
	"github.com/airbusgeo/rsimg/internal/log"
	"github.com/google/uuid"
	"github.com/tbonfort/gobs"
	"go.uber.org/zap"
)

// ErrNoIntersection is returned by LayerStack in Intersection mode when the
// input bands do not overlap.
var ErrNoIntersection = errors.New("no valid band intersection available, use union mode instead")

// ExtentMode selects how the extent of a layer stack is derived from its inputs
type ExtentMode int

const (
	// Intersection keeps the area common to all bands
	Intersection ExtentMode = iota
	// Union keeps the area covered by any band
	Union
)

func (m ExtentMode) String() string {
	switch m {
	case Intersection:
		return "intersection"
	case Union:
		return "union"
	default:
		return fmt.Sprintf("ExtentMode(%d)", int(m))
	}
}

// ParseExtentMode parses "union" or "intersection"
func ParseExtentMode(s string) (ExtentMode, error) {
	switch strings.ToLower(s) {
	case "intersection":
		return Intersection, nil
	case "union":
		return Union, nil
	default:
		return 0, ErrInvalidOption{fmt.Sprintf("invalid extent mode %q, use union or intersection", s)}
	}
}

// ParseResampling maps a gdalwarp resampling name to a godal.ResamplingAlg
func ParseResampling(s string) (godal.ResamplingAlg, error) {
	algs := []godal.ResamplingAlg{godal.Nearest, godal.Bilinear, godal.Cubic, godal.CubicSpline,
		godal.Lanczos, godal.Average, godal.Gauss, godal.Mode, godal.Max, godal.Min,
		godal.Median, godal.Sum, godal.Q1, godal.Q3}
	for _, a := range algs {
		if strings.EqualFold(a.String(), s) {
			return a, nil
		}
	}
	return godal.Nearest, ErrInvalidOption{fmt.Sprintf("unsupported resampling %q", s)}
}

// ParseDataType maps a GDAL data type name (e.g. Byte, UInt16, Float32) to a godal.DataType
func ParseDataType(s string) (godal.DataType, error) {
	types := []godal.DataType{godal.Byte, godal.UInt16, godal.Int16, godal.UInt32, godal.Int32,
		godal.Float32, godal.Float64}
	for _, t := range types {
		if strings.EqualFold(t.String(), s) {
			return t, nil
		}
	}
	return godal.Unknown, ErrInvalidOption{fmt.Sprintf("unsupported data type %q", s)}
}

// ErrInvalidOption is returned for options that cannot be applied
type ErrInvalidOption struct {
	msg string
}

func (err ErrInvalidOption) Error() string {
	return err.msg
}

// BandInfo is the metadata LayerStack needs from each input file. Only the
// first band of each file is considered.
type BandInfo struct {
	Path          string
	GeoTransform  GeoTransform
	DataType      godal.DataType
	NoData        float64
	HasNoData     bool
	Bounds        Bounds
	Width, Height int
	SRS           string
	XRes, YRes    float64
}

// ReadBandInfo opens path and extracts its BandInfo
func ReadBandInfo(path string) (BandInfo, error) {
	ds, err := godal.Open(path, godal.RasterOnly())
	if err != nil {
		return BandInfo{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer ds.Close()
	return bandInfo(path, ds)
}

func bandInfo(path string, ds *godal.Dataset) (BandInfo, error) {
	st := ds.Structure()
	if st.NBands == 0 {
		return BandInfo{}, fmt.Errorf("%s has no raster band", path)
	}
	gt, err := ds.GeoTransform()
	if err != nil {
		return BandInfo{}, fmt.Errorf("%s geotransform: %w", path, err)
	}
	info := BandInfo{
		Path:         path,
		GeoTransform: GeoTransform(gt),
		DataType:     ds.Bands()[0].Structure().DataType,
		Width:        st.SizeX,
		Height:       st.SizeY,
		SRS:          ds.Projection(),
	}
	info.NoData, info.HasNoData = ds.Bands()[0].NoData()
	info.XRes, info.YRes = info.GeoTransform.Resolution()
	info.Bounds = info.GeoTransform.Bounds(st.SizeX, st.SizeY)
	return info, nil
}

type stackOpts struct {
	extent       ExtentMode
	xres, yres   float64
	resampling   godal.ResamplingAlg
	dtype        godal.DataType
	nodata       *float64
	parallelism  int
	warpSwitches []string
	config       []string
	creation     []string
	cog          bool
	blockSize    int
}

// StackOption customizes the behavior of LayerStack
type StackOption func(o *stackOpts) error

// Extent sets the extent mode. Defaults to Intersection
func Extent(mode ExtentMode) StackOption {
	return func(o *stackOpts) error {
		if mode != Intersection && mode != Union {
			return ErrInvalidOption{fmt.Sprintf("invalid extent mode %s", mode)}
		}
		o.extent = mode
		return nil
	}
}

// Resolution sets the output pixel size. Defaults to the first band's resolution
func Resolution(xres, yres float64) StackOption {
	return func(o *stackOpts) error {
		if !(xres > 0) || !(yres > 0) || math.IsInf(xres, 1) || math.IsInf(yres, 1) {
			return ErrInvalidOption{"resolution must be a finite number >0"}
		}
		o.xres, o.yres = xres, yres
		return nil
	}
}

// Resampling sets the resampling algorithm. Defaults to nearest neighbour
func Resampling(alg godal.ResamplingAlg) StackOption {
	return func(o *stackOpts) error {
		o.resampling = alg
		return nil
	}
}

// OutputType sets the output pixel type. Defaults to the first band's type
func OutputType(dtype godal.DataType) StackOption {
	return func(o *stackOpts) error {
		if dtype == godal.Unknown {
			return ErrInvalidOption{"output data type must be set"}
		}
		o.dtype = dtype
		return nil
	}
}

// OutputNoData sets the output nodata value. Defaults to the first band's
// nodata value, or 0 if it has none
func OutputNoData(nodata float64) StackOption {
	return func(o *stackOpts) error {
		o.nodata = &nodata
		return nil
	}
}

// Parallelism sets the number of bands resampled concurrently
func Parallelism(n int) StackOption {
	return func(o *stackOpts) error {
		if n <= 0 {
			return ErrInvalidOption{"parallelism must be >=1"}
		}
		o.parallelism = n
		return nil
	}
}

// WarpSwitches appends extra gdalwarp switches, e.g. "-wo","NUM_THREADS=2".
// Switches controlling the output grid are rejected.
func WarpSwitches(switches ...string) StackOption {
	return func(o *stackOpts) error {
		for _, s := range switches {
			switch s {
			case "-te", "-ts", "-tr", "-t_srs", "-s_srs", "-of", "-ot", "-dstnodata", "-srcnodata", "-r":
				return ErrInvalidOption{fmt.Sprintf("%s switch not allowed, use the corresponding option", s)}
			}
		}
		o.warpSwitches = append(o.warpSwitches, switches...)
		return nil
	}
}

// GDALConfig sets gdal configuration options (KEY=VALUE) used while resampling
func GDALConfig(keyvals ...string) StackOption {
	return func(o *stackOpts) error {
		o.config = append(o.config, keyvals...)
		return nil
	}
}

// CreationOptions sets GeoTIFF creation options (KEY=VALUE) for the output file
func CreationOptions(keyvals ...string) StackOption {
	return func(o *stackOpts) error {
		o.creation = append(o.creation, keyvals...)
		return nil
	}
}

// CloudOptimized makes LayerStack produce a cloud optimized geotiff tiled with
// blockSize x blockSize tiles and internal overviews
func CloudOptimized(blockSize int) StackOption {
	return func(o *stackOpts) error {
		if blockSize <= 0 || blockSize%16 != 0 {
			return ErrInvalidOption{"cog block size must be a positive multiple of 16"}
		}
		o.cog = true
		o.blockSize = blockSize
		return nil
	}
}

func newStackOpts(opts []StackOption) (*stackOpts, error) {
	o := &stackOpts{
		extent:      Intersection,
		resampling:  godal.Nearest,
		parallelism: 4,
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	if o.cog {
		for _, kv := range o.creation {
			k, _, _ := strings.Cut(kv, "=")
			if k == "BLOCKXSIZE" || k == "BLOCKYSIZE" || k == "TILED" {
				return nil, ErrInvalidOption{fmt.Sprintf("%s creation option not allowed for cloud optimized output", k)}
			}
		}
	}
	return o, nil
}

// Grid describes the output raster of a layer stack
type Grid struct {
	GeoTransform  GeoTransform
	Width, Height int
	SRS           string
	DataType      godal.DataType
	NoData        float64
}

// Bounds returns the extent exactly covered by the grid's pixels
func (g Grid) Bounds() Bounds {
	return g.GeoTransform.Bounds(g.Width, g.Height)
}

// PlanStack computes the output grid of a layer stack of the given bands
func PlanStack(infos []BandInfo, opts ...StackOption) (Grid, error) {
	o, err := newStackOpts(opts)
	if err != nil {
		return Grid{}, err
	}
	return planStack(infos, o)
}

func planStack(infos []BandInfo, o *stackOpts) (Grid, error) {
	if len(infos) == 0 {
		return Grid{}, fmt.Errorf("no input bands")
	}
	first := infos[0]
	g := Grid{
		SRS:      first.SRS,
		DataType: o.dtype,
	}
	if g.DataType == godal.Unknown {
		g.DataType = first.DataType
	}
	switch {
	case o.nodata != nil:
		g.NoData = *o.nodata
	case first.HasNoData:
		g.NoData = first.NoData
	}
	xres, yres := o.xres, o.yres
	if xres == 0 || yres == 0 {
		xres, yres = first.XRes, first.YRes
	}

	ext := first.Bounds
	for _, info := range infos[1:] {
		b := info.Bounds
		switch o.extent {
		case Union:
			ext.Left = math.Min(ext.Left, b.Left)
			ext.Bottom = math.Min(ext.Bottom, b.Bottom)
			ext.Right = math.Max(ext.Right, b.Right)
			ext.Top = math.Max(ext.Top, b.Top)
		case Intersection:
			ext.Left = math.Max(ext.Left, b.Left)
			ext.Bottom = math.Max(ext.Bottom, b.Bottom)
			ext.Right = math.Min(ext.Right, b.Right)
			ext.Top = math.Min(ext.Top, b.Top)
		default:
			return Grid{}, ErrInvalidOption{fmt.Sprintf("invalid extent mode %s", o.extent)}
		}
	}
	if o.extent == Intersection && ext.Empty() {
		return Grid{}, ErrNoIntersection
	}

	g.Width = int(math.RoundToEven((ext.Right - ext.Left) / xres))
	g.Height = int(math.RoundToEven((ext.Top - ext.Bottom) / yres))
	if g.Width <= 0 || g.Height <= 0 {
		return Grid{}, fmt.Errorf("empty output grid %dx%d", g.Width, g.Height)
	}
	g.GeoTransform = NorthUp(ext.Left, ext.Top, xres, yres)
	return g, nil
}

func ftoa(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// resampleBand warps the first band of info onto grid, without any change of
// coordinate system.
func resampleBand(info BandInfo, grid Grid, o *stackOpts) ([]float64, error) {
	src, err := godal.Open(info.Path, godal.RasterOnly())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", info.Path, err)
	}
	defer src.Close()
	input := src
	if src.Structure().NBands > 1 {
		vrt, err := src.Translate("", []string{"-b", "1"}, godal.VRT)
		if err != nil {
			return nil, fmt.Errorf("extract first band of %s: %w", info.Path, err)
		}
		defer vrt.Close()
		input = vrt
	}

	b := grid.Bounds()
	switches := []string{
		"-te", ftoa(b.Left), ftoa(b.Bottom), ftoa(b.Right), ftoa(b.Top),
		"-ts", strconv.Itoa(grid.Width), strconv.Itoa(grid.Height),
		"-r", o.resampling.String(),
		"-ot", grid.DataType.String(),
		"-dstnodata", ftoa(grid.NoData),
	}
	if info.HasNoData {
		switches = append(switches, "-srcnodata", ftoa(info.NoData))
	}
	switches = append(switches, o.warpSwitches...)

	mem, err := godal.Warp("", []*godal.Dataset{input}, switches,
		godal.Memory, godal.ConfigOption(o.config...))
	if err != nil {
		return nil, fmt.Errorf("warp %s: %w", info.Path, err)
	}
	defer mem.Close()

	data := make([]float64, grid.Width*grid.Height)
	if err := mem.Bands()[0].Read(0, 0, data, grid.Width, grid.Height); err != nil {
		return nil, fmt.Errorf("read warped %s: %w", info.Path, err)
	}
	return data, nil
}

// LayerStack stacks the first band of each file in bandPaths, in order, into a
// single multi-band GeoTIFF written to outputPath. Each band is resampled onto
// a common north-up grid whose extent is the union or intersection of the
// inputs' extents. Bands are not reprojected: all inputs are expected to share
// the coordinate system of the first one.
//
// It returns outputPath.
func LayerStack(ctx context.Context, bandPaths []string, outputPath string, opts ...StackOption) (string, error) {
	o, err := newStackOpts(opts)
	if err != nil {
		return "", err
	}
	if len(bandPaths) == 0 {
		return "", fmt.Errorf("no input bands")
	}
	logger := log.Logger(ctx)

	infos := make([]BandInfo, len(bandPaths))
	for i, p := range bandPaths {
		if infos[i], err = ReadBandInfo(p); err != nil {
			return "", err
		}
	}
	if err := checkSameSRS(infos); err != nil {
		logger.Warn("bands do not share the first band's coordinate system, stacking without reprojection",
			zap.Error(err))
	}

	grid, err := planStack(infos, o)
	if err != nil {
		return "", err
	}
	logger.Debug("layer stack grid",
		zap.Int("bands", len(infos)),
		zap.Int("width", grid.Width), zap.Int("height", grid.Height),
		zap.Float64s("geotransform", grid.GeoTransform[:]),
		zap.Stringer("extent", o.extent),
		zap.Stringer("type", grid.DataType))

	target := outputPath
	copts := o.creation
	if o.cog {
		target = filepath.Join(os.TempDir(), "rsimg-"+uuid.New().String()+".tif")
		defer os.Remove(target) //nolint:errcheck
		copts = append([]string{"TILED=YES",
			fmt.Sprintf("BLOCKXSIZE=%d", o.blockSize),
			fmt.Sprintf("BLOCKYSIZE=%d", o.blockSize)}, copts...)
	}

	dst, err := createGrid(target, len(infos), grid, copts)
	if err != nil {
		return "", err
	}
	abort := func(err error) (string, error) {
		dst.Close()
		_ = os.Remove(target)
		return "", err
	}
	if err := writeBands(ctx, dst, infos, grid, o); err != nil {
		return abort(err)
	}
	if o.cog {
		ovrAlg := godal.Average
		if o.resampling == godal.Nearest || o.resampling == godal.Mode {
			ovrAlg = o.resampling
		}
		if err := dst.BuildOverviews(godal.Resampling(ovrAlg)); err != nil {
			return abort(fmt.Errorf("build overviews: %w", err))
		}
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(target)
		return "", fmt.Errorf("close %s: %w", target, err)
	}
	if o.cog {
		if err := RewriteCOGFile(outputPath, target); err != nil {
			return "", err
		}
	}
	logger.Info("layer stack done", zap.String("output", outputPath), zap.Int("bands", len(infos)))
	return outputPath, nil
}

func checkSameSRS(infos []BandInfo) error {
	if len(infos) < 2 || infos[0].SRS == "" {
		return nil
	}
	ref, err := godal.NewSpatialRefFromWKT(infos[0].SRS)
	if err != nil {
		return fmt.Errorf("parse srs of %s: %w", infos[0].Path, err)
	}
	defer ref.Close()
	for _, info := range infos[1:] {
		if info.SRS == infos[0].SRS {
			continue
		}
		sr, err := godal.NewSpatialRefFromWKT(info.SRS)
		if err != nil {
			return fmt.Errorf("parse srs of %s: %w", info.Path, err)
		}
		same := ref.IsSame(sr)
		sr.Close()
		if !same {
			return fmt.Errorf("%s and %s have different coordinate systems", infos[0].Path, info.Path)
		}
	}
	return nil
}

func createGrid(name string, nBands int, grid Grid, copts []string) (*godal.Dataset, error) {
	ds, err := godal.Create(godal.GTiff, name, nBands, grid.DataType, grid.Width, grid.Height,
		godal.CreationOption(copts...))
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", name, err)
	}
	if err := ds.SetGeoTransform(grid.GeoTransform); err != nil {
		ds.Close()
		return nil, fmt.Errorf("set geotransform: %w", err)
	}
	if grid.SRS != "" {
		if err := ds.SetProjection(grid.SRS); err != nil {
			ds.Close()
			return nil, fmt.Errorf("set projection: %w", err)
		}
	}
	if err := ds.SetNoData(grid.NoData); err != nil {
		ds.Close()
		return nil, fmt.Errorf("set nodata: %w", err)
	}
	return ds, nil
}

func writeBands(ctx context.Context, dst *godal.Dataset, infos []BandInfo, grid Grid, o *stackOpts) error {
	logger := log.Logger(ctx)
	bands := dst.Bands()
	mu := sync.Mutex{}

	p := gobs.NewPool(o.parallelism)
	batch := p.Batch()
	for i := range infos {
		select {
		case <-ctx.Done():
			_ = batch.Wait()
			return ctx.Err()
		default:
		}
		i := i
		batch.Submit(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			data, err := resampleBand(infos[i], grid, o)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			if err := bands[i].Write(0, 0, data, grid.Width, grid.Height); err != nil {
				return fmt.Errorf("write band %d: %w", i+1, err)
			}
			logger.Debug("stacked band", zap.Int("band", i+1), zap.String("source", infos[i].Path))
			return nil
		})
	}
	return batch.Wait()
}
