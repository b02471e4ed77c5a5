package rsimg

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/airbusgeo/godal"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var classes = []float64{
	1, 1, 0, 0, 2, 2,
	1, 1, 0, 0, 2, 2,
	0, 0, 0, 0, 0, 0,
	0, 0, 1, 0, 0, 0,
	0, 0, 0, 1, 0, 0,
	0, 0, 0, 0, 0, 0,
}

func classRaster(t *testing.T, dir string) string {
	return writeRaster(t, dir, "classes.tif", fixture{
		gt: NorthUp(100, 200, 10, 10), epsg: 32631, width: 6, height: 6,
		dtype: godal.Byte, bands: [][]float64{classes},
	})
}

func dns(shapes []Shape) []int {
	v := make([]int, len(shapes))
	for i, s := range shapes {
		v[i] = s.DN
	}
	sort.Ints(v)
	return v
}

func TestPolygonize(t *testing.T) {
	ctx := context.Background()
	src := classRaster(t, t.TempDir())

	shapes, err := Polygonize(ctx, src, []int{1})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 1}, dns(shapes))

	shapes, err = Polygonize(ctx, src, []int{1}, EightConnected())
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1}, dns(shapes))

	shapes, err = Polygonize(ctx, src, []int{1, 2})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 1, 2}, dns(shapes))
	for _, s := range shapes {
		if s.DN != 2 {
			continue
		}
		_, ok := s.Geometry.(orb.Polygon)
		assert.True(t, ok)
		assert.Equal(t, orb.Bound{Min: orb.Point{140, 180}, Max: orb.Point{160, 200}}, s.Geometry.Bound())
	}

	shapes, err = Polygonize(ctx, src, []int{7})
	require.NoError(t, err)
	assert.Empty(t, shapes)

	_, err = Polygonize(ctx, src, nil)
	assert.Error(t, err)
	_, err = Polygonize(ctx, filepath.Join(t.TempDir(), "missing.tif"), []int{1})
	assert.Error(t, err)
}

func TestRaster2Vec(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	src := classRaster(t, dir)
	ref, err := godal.NewSpatialRefFromEPSG(32631)
	require.NoError(t, err)
	defer ref.Close()

	for _, name := range []string{"out.gpkg", "out.shp", "out.geojson"} {
		t.Run(name, func(t *testing.T) {
			dst := filepath.Join(dir, name)
			n, err := Raster2Vec(ctx, src, dst, []int{1, 2})
			require.NoError(t, err)
			assert.Equal(t, 4, n)

			ds, err := godal.Open(dst, godal.VectorOnly())
			require.NoError(t, err)
			defer ds.Close()
			layers := ds.Layers()
			require.Len(t, layers, 1)
			cnt, err := layers[0].FeatureCount()
			require.NoError(t, err)
			assert.Equal(t, 4, cnt)
			if name == "out.gpkg" {
				assert.True(t, layers[0].SpatialRef().IsSame(ref))
			}
			var got []int
			for f := layers[0].NextFeature(); f != nil; f = layers[0].NextFeature() {
				got = append(got, int(f.Fields()[DNField].Int()))
				f.Close()
			}
			sort.Ints(got)
			assert.Equal(t, []int{1, 1, 1, 2}, got)

			// overwriting an existing output
			n, err = Raster2Vec(ctx, src, dst, []int{2})
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})
	}

	dst := filepath.Join(dir, "none.gpkg")
	n, err := Raster2Vec(ctx, src, dst, []int{42})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	_, err = os.Stat(dst)
	assert.True(t, os.IsNotExist(err))
}

func TestVectorDriver(t *testing.T) {
	assert.Equal(t, godal.GeoPackage, VectorDriver("a/b.GPKG"))
	assert.Equal(t, godal.GeoJSON, VectorDriver("b.geojson"))
	assert.Equal(t, godal.GeoJSON, VectorDriver("b.json"))
	assert.Equal(t, godal.Shapefile, VectorDriver("b.shp"))
	assert.Equal(t, godal.Shapefile, VectorDriver("noext"))
}

// utmSquare writes a geojson polygon (in lon/lat) whose vertices are the
// corners of a UTM 31N square.
func utmSquare(t *testing.T, dir string, left, bottom, right, top float64) string {
	t.Helper()
	ct, err := NewCoordTransformer(32631, 4326)
	require.NoError(t, err)
	defer ct.Close()
	xs := []float64{left, right, right, left, left}
	ys := []float64{top, top, bottom, bottom, top}
	require.NoError(t, ct.Transform(xs, ys))
	ring := make(orb.Ring, len(xs))
	for i := range xs {
		ring[i] = orb.Point{xs[i], ys[i]}
	}
	fc := geojson.NewFeatureCollection()
	fc.Append(geojson.NewFeature(orb.Polygon{ring}))
	b, err := fc.MarshalJSON()
	require.NoError(t, err)
	path := filepath.Join(dir, "square.geojson")
	require.NoError(t, os.WriteFile(path, b, 0o644))
	return path
}

func count(data []uint8) int {
	n := 0
	for _, v := range data {
		n += int(v)
	}
	return n
}

func TestVec2Mask(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	raster := writeRaster(t, dir, "grid.tif", fixture{
		gt: NorthUp(499000, 1000, 100, 100), epsg: 32631, width: 20, height: 20,
		dtype: godal.Byte, bands: [][]float64{constant(400, 3)},
	})
	vec := utmSquare(t, dir, 499480, -520, 500520, 520)

	m, err := Vec2Mask(ctx, vec, raster, "")
	require.NoError(t, err)
	assert.Equal(t, 20, m.Width)
	assert.Equal(t, 20, m.Height)
	assert.Equal(t, NorthUp(499000, 1000, 100, 100), m.GeoTransform)
	assert.Equal(t, 100, count(m.Data))
	assert.Equal(t, uint8(1), m.At(5, 5))
	assert.Equal(t, uint8(1), m.At(14, 14))
	assert.Equal(t, uint8(0), m.At(4, 4))
	assert.Equal(t, uint8(0), m.At(15, 15))

	save := filepath.Join(dir, "mask.tif")
	m, err = Vec2Mask(ctx, vec, raster, save, AllTouched())
	require.NoError(t, err)
	assert.Equal(t, 144, count(m.Data))

	ds, err := godal.Open(save)
	require.NoError(t, err)
	defer ds.Close()
	st := ds.Structure()
	assert.Equal(t, 20, st.SizeX)
	assert.Equal(t, 1, st.NBands)
	band := ds.Bands()[0]
	assert.Equal(t, godal.Byte, band.Structure().DataType)
	nd, ok := band.NoData()
	assert.True(t, ok)
	assert.Equal(t, 0.0, nd)
	saved := make([]uint8, 400)
	require.NoError(t, band.Read(0, 0, saved, 20, 20))
	assert.Equal(t, m.Data, saved)
	gt, err := ds.GeoTransform()
	require.NoError(t, err)
	assert.Equal(t, [6]float64(m.GeoTransform), gt)

	_, err = Vec2Mask(ctx, filepath.Join(dir, "missing.geojson"), raster, "")
	assert.Error(t, err)
}
