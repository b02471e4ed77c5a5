package rsimg

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"
	"sort"

	"github.com/airbusgeo/godal"
)

// Image is a band sequential floating point raster.
type Image struct {
	Width, Height, Bands int
	Pix                  []float64
}

// NewImage allocates a zeroed image.
func NewImage(width, height, bands int) Image {
	return Image{Width: width, Height: height, Bands: bands, Pix: make([]float64, width*height*bands)}
}

// Band returns the pixels of band b (0 based), sharing storage with img.
func (img Image) Band(b int) []float64 {
	n := img.Width * img.Height
	return img.Pix[b*n : (b+1)*n]
}

// ReadImage reads every band of the raster at path.
func ReadImage(path string) (Image, error) {
	ds, err := godal.Open(path, godal.RasterOnly())
	if err != nil {
		return Image{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer ds.Close()
	st := ds.Structure()
	img := NewImage(st.SizeX, st.SizeY, st.NBands)
	for i, band := range ds.Bands() {
		if err := band.Read(0, 0, img.Band(i), st.SizeX, st.SizeY); err != nil {
			return Image{}, fmt.Errorf("read %s band %d: %w", path, i+1, err)
		}
	}
	return img, nil
}

// StretchOptions drive the linear stretch applied by Render.
type StretchOptions struct {
	// ColorBands are the 0 based bands mapped to red, green and blue.
	ColorBands [3]int
	// ClipPercent p clips values to the [p,100-p] percentiles before
	// stretching. 0 stretches the fixed [0,1] range.
	ClipPercent float64
	// PerBandClip computes percentiles for each color band instead of over
	// all of them.
	PerBandClip bool
}

// DefaultStretch maps bands 2,1,0 to RGB with a 2% clip over all bands.
func DefaultStretch() StretchOptions {
	return StretchOptions{ColorBands: [3]int{2, 1, 0}, ClipPercent: 2}
}

// percentiles returns the p-th percentiles of values using linear
// interpolation between closest ranks. values is sorted in place.
func percentiles(values []float64, ps ...float64) []float64 {
	sort.Float64s(values)
	out := make([]float64, len(ps))
	n := len(values)
	if n == 0 {
		return out
	}
	for i, p := range ps {
		pos := p / 100 * float64(n-1)
		lo := int(math.Floor(pos))
		if lo >= n-1 {
			out[i] = values[n-1]
			continue
		}
		frac := pos - float64(lo)
		out[i] = values[lo] + (values[lo+1]-values[lo])*frac
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func to8(v float64) uint8 {
	return uint8(math.Round(clamp01(v) * 255))
}

// Render stretches img into an RGBA quicklook. NaN and infinite pixels are
// treated as 0.
// A constant image is rendered as its first band clipped to [0,1]. Single band
// images are rendered as gray, others use opts.ColorBands.
func Render(img Image, opts StretchOptions) (*image.RGBA, error) {
	n := img.Width * img.Height
	if n == 0 || img.Bands == 0 {
		return nil, fmt.Errorf("empty image")
	}
	if len(img.Pix) != n*img.Bands {
		return nil, fmt.Errorf("got %d pixels for a %dx%dx%d image", len(img.Pix), img.Width, img.Height, img.Bands)
	}
	if opts.ClipPercent < 0 || opts.ClipPercent >= 50 {
		return nil, fmt.Errorf("clip percent %g out of [0,50)", opts.ClipPercent)
	}
	pix := make([]float64, len(img.Pix))
	lo, hi := math.Inf(1), math.Inf(-1)
	for i, v := range img.Pix {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			v = 0
		}
		pix[i] = v
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	src := Image{Width: img.Width, Height: img.Height, Bands: img.Bands, Pix: pix}
	out := image.NewRGBA(image.Rect(0, 0, img.Width, img.Height))

	if lo == hi {
		g := to8(pix[0])
		for i := 0; i < n; i++ {
			out.Pix[4*i], out.Pix[4*i+1], out.Pix[4*i+2], out.Pix[4*i+3] = g, g, g, 255
		}
		return out, nil
	}

	var channels [][]float64
	if img.Bands == 1 {
		channels = [][]float64{src.Band(0)}
	} else {
		for _, b := range opts.ColorBands {
			if b < 0 || b >= img.Bands {
				return nil, fmt.Errorf("color band %d out of range [0,%d)", b, img.Bands)
			}
			channels = append(channels, src.Band(b))
		}
	}

	ranges := make([][2]float64, len(channels))
	switch {
	case opts.ClipPercent == 0:
		for i := range ranges {
			ranges[i] = [2]float64{0, 1}
		}
	case opts.PerBandClip:
		for i, c := range channels {
			p := percentiles(append([]float64(nil), c...), opts.ClipPercent, 100-opts.ClipPercent)
			ranges[i] = [2]float64{p[0], p[1]}
		}
	default:
		all := make([]float64, 0, len(channels)*n)
		for _, c := range channels {
			all = append(all, c...)
		}
		p := percentiles(all, opts.ClipPercent, 100-opts.ClipPercent)
		for i := range ranges {
			ranges[i] = [2]float64{p[0], p[1]}
		}
	}

	stretch := func(c int, i int) uint8 {
		r := ranges[c]
		return to8((channels[c][i] - r[0]) / (r[1] - r[0] + 0.0001))
	}
	for i := 0; i < n; i++ {
		if len(channels) == 1 {
			g := stretch(0, i)
			out.Pix[4*i], out.Pix[4*i+1], out.Pix[4*i+2] = g, g, g
		} else {
			out.Pix[4*i], out.Pix[4*i+1], out.Pix[4*i+2] = stretch(0, i), stretch(1, i), stretch(2, i)
		}
		out.Pix[4*i+3] = 255
	}
	return out, nil
}

// Mosaic lays tiles out on a rows x cols grid, row by row. Cells are sized to
// the largest tile; missing tiles leave a black cell.
func Mosaic(tiles []*image.RGBA, rows, cols int) (*image.RGBA, error) {
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("invalid %dx%d grid", rows, cols)
	}
	if len(tiles) > rows*cols {
		return nil, fmt.Errorf("%d tiles do not fit a %dx%d grid", len(tiles), rows, cols)
	}
	cw, ch := 0, 0
	for _, t := range tiles {
		if t.Bounds().Dx() > cw {
			cw = t.Bounds().Dx()
		}
		if t.Bounds().Dy() > ch {
			ch = t.Bounds().Dy()
		}
	}
	out := image.NewRGBA(image.Rect(0, 0, cw*cols, ch*rows))
	draw.Draw(out, out.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)
	for i, t := range tiles {
		r, c := i/cols, i%cols
		dst := image.Rect(c*cw, r*ch, c*cw+t.Bounds().Dx(), r*ch+t.Bounds().Dy())
		draw.Draw(out, dst, t, t.Bounds().Min, draw.Src)
	}
	return out, nil
}

// WritePNG encodes img as PNG.
func WritePNG(w io.Writer, img image.Image) error {
	if err := png.Encode(w, img); err != nil {
		return fmt.Errorf("encode png: %w", err)
	}
	return nil
}
