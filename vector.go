package rsimg

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/airbusgeo/godal"
	"github.com/airbusgeo/rsimg/internal/log"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"go.uber.org/zap"
)

// DNField is the attribute holding the pixel value of a polygonized shape.
const DNField = "DN"

// Shape is a polygon of contiguous pixels sharing the same value.
type Shape struct {
	DN       int
	Geometry orb.Geometry
}

// Mask is a rasterized vector file on the grid of a reference raster:
// 1 inside the geometries, 0 elsewhere, stored row major.
type Mask struct {
	Width, Height int
	Data          []uint8
	GeoTransform  GeoTransform
}

// At returns the mask value at (row,col)
func (m *Mask) At(row, col int) uint8 {
	return m.Data[row*m.Width+col]
}

type vectorOpts struct {
	eightConnected bool
	allTouched     bool
}

// VectorOption configures polygonization and rasterization.
type VectorOption func(o *vectorOpts)

// EightConnected makes diagonal pixels part of the same polygon. The default
// is 4-connectivity.
func EightConnected() VectorOption {
	return func(o *vectorOpts) {
		o.eightConnected = true
	}
}

// AllTouched burns every pixel touched by a geometry instead of only those whose
// center is inside it.
func AllTouched() VectorOption {
	return func(o *vectorOpts) {
		o.allTouched = true
	}
}

func newVectorOpts(opts []VectorOption) vectorOpts {
	o := vectorOpts{}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// VectorDriver returns the OGR driver used to write path, chosen from its extension.
func VectorDriver(path string) godal.DriverName {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gpkg":
		return godal.GeoPackage
	case ".geojson", ".json":
		return godal.GeoJSON
	default:
		return godal.Shapefile
	}
}

func dnSet(dnValues []int) map[float64]struct{} {
	set := make(map[float64]struct{}, len(dnValues))
	for _, dn := range dnValues {
		set[float64(dn)] = struct{}{}
	}
	return set
}

// polygonize vectorizes the first band of rasterPath into an in-memory layer,
// keeping only the pixels whose value is in dnValues.
func polygonize(ctx context.Context, rasterPath string, dnValues []int, o vectorOpts) (*godal.Dataset, godal.Layer, error) {
	if len(dnValues) == 0 {
		return nil, godal.Layer{}, fmt.Errorf("no dn values")
	}
	src, err := godal.Open(rasterPath, godal.RasterOnly())
	if err != nil {
		return nil, godal.Layer{}, fmt.Errorf("open %s: %w", rasterPath, err)
	}
	defer src.Close()
	st := src.Structure()
	gt, err := src.GeoTransform()
	if err != nil {
		return nil, godal.Layer{}, fmt.Errorf("geotransform of %s: %w", rasterPath, err)
	}

	values := make([]float64, st.SizeX*st.SizeY)
	if err := src.Bands()[0].Read(0, 0, values, st.SizeX, st.SizeY); err != nil {
		return nil, godal.Layer{}, fmt.Errorf("read %s: %w", rasterPath, err)
	}
	set := dnSet(dnValues)
	mask := make([]uint8, len(values))
	dns := make([]int32, len(values))
	matched := 0
	for i, v := range values {
		if _, ok := set[v]; ok {
			mask[i] = 1
			dns[i] = int32(v)
			matched++
		}
	}
	log.Logger(ctx).Debug("polygonize", zap.String("raster", rasterPath),
		zap.Ints("dn", dnValues), zap.Int("pixels", matched))

	mem, err := godal.Create(godal.Memory, "", 2, godal.Int32, st.SizeX, st.SizeY)
	if err != nil {
		return nil, godal.Layer{}, fmt.Errorf("create mask: %w", err)
	}
	defer mem.Close()
	if err := mem.SetGeoTransform(gt); err != nil {
		return nil, godal.Layer{}, fmt.Errorf("set geotransform: %w", err)
	}
	bands := mem.Bands()
	if err := bands[0].Write(0, 0, dns, st.SizeX, st.SizeY); err != nil {
		return nil, godal.Layer{}, fmt.Errorf("write values: %w", err)
	}
	if err := bands[1].Write(0, 0, mask, st.SizeX, st.SizeY); err != nil {
		return nil, godal.Layer{}, fmt.Errorf("write mask: %w", err)
	}

	var sr *godal.SpatialRef
	if wkt := src.Projection(); wkt != "" {
		if sr, err = godal.NewSpatialRefFromWKT(wkt); err != nil {
			return nil, godal.Layer{}, fmt.Errorf("parse projection of %s: %w", rasterPath, err)
		}
		defer sr.Close()
	}
	vds, err := godal.CreateVector(godal.Memory, "")
	if err != nil {
		return nil, godal.Layer{}, fmt.Errorf("create vector: %w", err)
	}
	name := strings.TrimSuffix(filepath.Base(rasterPath), filepath.Ext(rasterPath))
	layer, err := vds.CreateLayer(name, sr, godal.GTPolygon, godal.NewFieldDefinition(DNField, godal.FTInt))
	if err != nil {
		vds.Close()
		return nil, godal.Layer{}, fmt.Errorf("create layer: %w", err)
	}
	popts := []godal.PolygonizeOption{godal.Mask(bands[1]), godal.PixelValueFieldIndex(0)}
	if o.eightConnected {
		popts = append(popts, godal.EightConnected())
	}
	if matched > 0 {
		if err := bands[0].Polygonize(layer, popts...); err != nil {
			vds.Close()
			return nil, godal.Layer{}, fmt.Errorf("polygonize %s: %w", rasterPath, err)
		}
	}
	return vds, layer, nil
}

// Polygonize returns the polygons of contiguous pixels of the first band of
// rasterPath whose value is one of dnValues. Geometries are expressed in the
// raster's coordinate system.
func Polygonize(ctx context.Context, rasterPath string, dnValues []int, opts ...VectorOption) ([]Shape, error) {
	vds, layer, err := polygonize(ctx, rasterPath, dnValues, newVectorOpts(opts))
	if err != nil {
		return nil, err
	}
	defer vds.Close()

	var shapes []Shape
	layer.ResetReading()
	for {
		feat := layer.NextFeature()
		if feat == nil {
			break
		}
		b, err := feat.Geometry().WKB()
		if err != nil {
			feat.Close()
			return nil, fmt.Errorf("export geometry: %w", err)
		}
		g, err := wkb.Unmarshal(b)
		if err != nil {
			feat.Close()
			return nil, fmt.Errorf("decode geometry: %w", err)
		}
		shapes = append(shapes, Shape{DN: int(feat.Fields()[DNField].Int()), Geometry: g})
		feat.Close()
	}
	return shapes, nil
}

// Raster2Vec polygonizes the first band of rasterPath, restricted to the pixels
// whose value is in dnValues, and writes the polygons to vectorPath with a DN
// attribute. The output is a GeoPackage for .gpkg paths, GeoJSON for .geojson
// or .json, and an ESRI Shapefile otherwise. Nothing is written when no pixel
// matches.
//
// It returns the number of polygons written.
func Raster2Vec(ctx context.Context, rasterPath, vectorPath string, dnValues []int, opts ...VectorOption) (int, error) {
	logger := log.Logger(ctx)
	vds, layer, err := polygonize(ctx, rasterPath, dnValues, newVectorOpts(opts))
	if err != nil {
		return 0, err
	}
	defer vds.Close()

	n, err := layer.FeatureCount()
	if err != nil {
		return 0, fmt.Errorf("count features: %w", err)
	}
	if n == 0 {
		logger.Info("no polygon matches the dn values, nothing written",
			zap.String("raster", rasterPath), zap.Ints("dn", dnValues))
		return 0, nil
	}
	if err := removeVector(vectorPath); err != nil {
		return 0, err
	}
	name := strings.TrimSuffix(filepath.Base(vectorPath), filepath.Ext(vectorPath))
	out, err := vds.VectorTranslate(vectorPath, []string{"-nln", name}, VectorDriver(vectorPath))
	if err != nil {
		return 0, fmt.Errorf("write %s: %w", vectorPath, err)
	}
	if err := out.Close(); err != nil {
		return 0, fmt.Errorf("close %s: %w", vectorPath, err)
	}
	logger.Info("raster vectorized", zap.String("output", vectorPath), zap.Int("polygons", n))
	return n, nil
}

// removeVector deletes an existing vector file, along with the sidecar files of
// a shapefile.
func removeVector(path string) error {
	paths := []string{path}
	if VectorDriver(path) == godal.Shapefile {
		base := strings.TrimSuffix(path, filepath.Ext(path))
		for _, ext := range []string{".shx", ".dbf", ".prj", ".cpg"} {
			paths = append(paths, base+ext)
		}
	}
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	return nil
}

// Vec2Mask rasterizes every geometry of vectorPath onto the grid of rasterPath,
// burning 1 over a 0 background. Geometries are reprojected to the raster's
// coordinate system when they differ. When savePath is not empty the mask is
// also written there as a Byte GeoTIFF with nodata 0.
func Vec2Mask(ctx context.Context, vectorPath, rasterPath, savePath string, opts ...VectorOption) (*Mask, error) {
	logger := log.Logger(ctx)
	o := newVectorOpts(opts)

	ref, err := godal.Open(rasterPath, godal.RasterOnly())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", rasterPath, err)
	}
	defer ref.Close()
	st := ref.Structure()
	gt, err := ref.GeoTransform()
	if err != nil {
		return nil, fmt.Errorf("geotransform of %s: %w", rasterPath, err)
	}
	wkt := ref.Projection()

	vec, err := godal.Open(vectorPath, godal.VectorOnly())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", vectorPath, err)
	}
	defer vec.Close()

	mem, err := godal.Create(godal.Memory, "", 1, godal.Byte, st.SizeX, st.SizeY)
	if err != nil {
		return nil, fmt.Errorf("create mask: %w", err)
	}
	defer mem.Close()
	if err := mem.SetGeoTransform(gt); err != nil {
		return nil, fmt.Errorf("set geotransform: %w", err)
	}
	var rsr *godal.SpatialRef
	if wkt != "" {
		if err := mem.SetProjection(wkt); err != nil {
			return nil, fmt.Errorf("set projection: %w", err)
		}
		if rsr, err = godal.NewSpatialRefFromWKT(wkt); err != nil {
			return nil, fmt.Errorf("parse projection of %s: %w", rasterPath, err)
		}
		defer rsr.Close()
	}
	band := mem.Bands()[0]
	if err := band.Fill(0, 0); err != nil {
		return nil, fmt.Errorf("fill mask: %w", err)
	}

	ropts := []godal.RasterizeGeometryOption{godal.Values(1)}
	if o.allTouched {
		ropts = append(ropts, godal.AllTouched())
	}
	burnt := 0
	for _, layer := range vec.Layers() {
		reproject := false
		if rsr != nil {
			lsr := layer.SpatialRef()
			if _, err := lsr.WKT(); err != nil {
				logger.Warn("vector layer has no coordinate system, assuming the raster's",
					zap.String("vector", vectorPath))
			} else {
				reproject = !lsr.IsSame(rsr)
			}
		}
		layer.ResetReading()
		for {
			feat := layer.NextFeature()
			if feat == nil {
				break
			}
			g := feat.Geometry()
			if g.Empty() {
				feat.Close()
				continue
			}
			if reproject {
				if err := g.Reproject(rsr); err != nil {
					feat.Close()
					return nil, fmt.Errorf("reproject geometry: %w", err)
				}
			}
			if err := mem.RasterizeGeometry(g, ropts...); err != nil {
				feat.Close()
				return nil, fmt.Errorf("rasterize geometry: %w", err)
			}
			feat.Close()
			burnt++
		}
	}

	m := &Mask{Width: st.SizeX, Height: st.SizeY, GeoTransform: gt, Data: make([]uint8, st.SizeX*st.SizeY)}
	if err := band.Read(0, 0, m.Data, st.SizeX, st.SizeY); err != nil {
		return nil, fmt.Errorf("read mask: %w", err)
	}
	logger.Debug("vector rasterized", zap.String("vector", vectorPath), zap.Int("geometries", burnt))

	if savePath != "" {
		if err := band.SetNoData(0); err != nil {
			return nil, fmt.Errorf("set nodata: %w", err)
		}
		out, err := mem.Translate(savePath, nil, godal.GTiff)
		if err != nil {
			return nil, fmt.Errorf("write %s: %w", savePath, err)
		}
		if err := out.Close(); err != nil {
			return nil, fmt.Errorf("close %s: %w", savePath, err)
		}
		logger.Info("mask saved", zap.String("output", savePath))
	}
	return m, nil
}
