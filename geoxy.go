package rsimg

import (
	"errors"
	"fmt"
	"math"

	"github.com/airbusgeo/godal"
)

var (
	// ErrOutOfImage is returned when a georeferenced location falls outside the image grid.
	ErrOutOfImage = errors.New("location out of image range")
	// ErrSingularTransform is returned when a geotransform cannot be inverted.
	ErrSingularTransform = errors.New("singular geotransform")
)

// GeoTransform holds the six affine coefficients mapping pixel/line to
// georeferenced coordinates:
//  x = gt[0] + col*gt[1] + row*gt[2]
//  y = gt[3] + col*gt[4] + row*gt[5]
type GeoTransform [6]float64

// NorthUp returns the geotransform of a non-rotated grid whose upper left corner is (left,top)
func NorthUp(left, top, xres, yres float64) GeoTransform {
	return GeoTransform{left, xres, 0, top, 0, -yres}
}

// Resolution returns the absolute pixel sizes along x and y
func (gt GeoTransform) Resolution() (float64, float64) {
	return math.Abs(gt[1]), math.Abs(gt[5])
}

// Bounds returns the extent covered by a width x height grid.
func (gt GeoTransform) Bounds(width, height int) Bounds {
	x0, y0 := ImageToGeo(0, 0, gt)
	x1, y1 := ImageToGeo(float64(height), float64(width), gt)
	b := Bounds{Left: x0, Top: y0, Right: x1, Bottom: y1}
	if b.Left > b.Right {
		b.Left, b.Right = b.Right, b.Left
	}
	if b.Bottom > b.Top {
		b.Bottom, b.Top = b.Top, b.Bottom
	}
	return b
}

// Bounds is an axis aligned extent in georeferenced coordinates
type Bounds struct {
	Left, Bottom, Right, Top float64
}

// Empty reports whether b covers no area.
func (b Bounds) Empty() bool {
	return b.Left >= b.Right || b.Bottom >= b.Top
}

// UTMZone returns the UTM zone number containing the given WGS84 longitude,
// which should lie in [-180,180].
func UTMZone(lon float64) int {
	return int(math.Floor(lon/6)) + 31
}

// ImageToGeo returns the georeferenced coordinates of the upper left corner
// of pixel (row,col).
func ImageToGeo(row, col float64, gt GeoTransform) (x, y float64) {
	x = gt[0] + col*gt[1] + row*gt[2]
	y = gt[3] + col*gt[4] + row*gt[5]
	return x, y
}

// GeoToImageFloat returns the fractional image location of (x,y). x and y must be
// expressed in the coordinate system of gt.
func GeoToImageFloat(x, y float64, gt GeoTransform, rows, cols int) (row, col float64, err error) {
	det := gt[1]*gt[5] - gt[2]*gt[4]
	if det == 0 {
		return 0, 0, ErrSingularTransform
	}
	dx, dy := x-gt[0], y-gt[3]
	col = (dx*gt[5] - dy*gt[2]) / det
	row = (dy*gt[1] - dx*gt[4]) / det
	if row < 0 || col < 0 || row >= float64(rows) || col >= float64(cols) {
		return row, col, fmt.Errorf("x=%g y=%g (row=%g col=%g): %w", x, y, row, col, ErrOutOfImage)
	}
	return row, col, nil
}

// GeoToImage returns the integer (row,col) of the pixel containing (x,y) in a
// rows x cols image georeferenced by gt.
func GeoToImage(x, y float64, gt GeoTransform, rows, cols int) (row, col int, err error) {
	frow, fcol, err := GeoToImageFloat(x, y, gt, rows, cols)
	if err != nil {
		return int(math.Floor(frow)), int(math.Floor(fcol)), err
	}
	return int(math.Floor(frow)), int(math.Floor(fcol)), nil
}

// CoordTransformer transforms points between two EPSG coordinate systems.
// EPSG:4326 is handled in longitude/latitude order.
type CoordTransformer struct {
	src, dst *godal.SpatialRef
	trn      *godal.Transform
}

// NewCoordTransformer creates a transformer from srcEPSG to dstEPSG. Close must be
// called to release it.
func NewCoordTransformer(srcEPSG, dstEPSG int) (*CoordTransformer, error) {
	src, err := godal.NewSpatialRefFromEPSG(srcEPSG)
	if err != nil {
		return nil, fmt.Errorf("epsg %d: %w", srcEPSG, err)
	}
	dst, err := godal.NewSpatialRefFromEPSG(dstEPSG)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("epsg %d: %w", dstEPSG, err)
	}
	trn, err := godal.NewTransform(src, dst)
	if err != nil {
		src.Close()
		dst.Close()
		return nil, fmt.Errorf("transform %d->%d: %w", srcEPSG, dstEPSG, err)
	}
	return &CoordTransformer{src: src, dst: dst, trn: trn}, nil
}

// Transform reprojects xs and ys in place. Both slices must have the same length.
func (ct *CoordTransformer) Transform(xs, ys []float64) error {
	if len(xs) != len(ys) {
		return fmt.Errorf("got %d x and %d y coordinates", len(xs), len(ys))
	}
	if len(xs) == 0 {
		return nil
	}
	return ct.trn.TransformEx(xs, ys, nil, nil)
}

// Close releases the underlying transformation and spatial references
func (ct *CoordTransformer) Close() {
	ct.trn.Close()
	ct.src.Close()
	ct.dst.Close()
}

// Coor2Coor transforms a single point from srcEPSG to dstEPSG.
func Coor2Coor(srcEPSG, dstEPSG int, x, y float64) (float64, float64, error) {
	ct, err := NewCoordTransformer(srcEPSG, dstEPSG)
	if err != nil {
		return 0, 0, err
	}
	defer ct.Close()
	xs, ys := []float64{x}, []float64{y}
	if err := ct.Transform(xs, ys); err != nil {
		return 0, 0, fmt.Errorf("transform (%g,%g): %w", x, y, err)
	}
	return xs[0], ys[0], nil
}
