package rsimg

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/google/tiff"
	_ "github.com/google/tiff/bigtiff"
)

const (
	subfileTypeNone         = 0
	subfileTypeReducedImage = 1
	subfileTypeMask         = 4
)

// tileIFD is a tiled image directory of the source file along with its new
// location in the rewritten one.
type tileIFD struct {
	SubfileType               uint32   `tiff:"field,tag=254"`
	ImageWidth                uint64   `tiff:"field,tag=256"`
	ImageLength               uint64   `tiff:"field,tag=257"`
	BitsPerSample             []uint16 `tiff:"field,tag=258"`
	Compression               uint16   `tiff:"field,tag=259"`
	PhotometricInterpretation uint16   `tiff:"field,tag=262"`
	DocumentName              string   `tiff:"field,tag=269"`
	SamplesPerPixel           uint16   `tiff:"field,tag=277"`
	PlanarConfiguration       uint16   `tiff:"field,tag=284"`
	DateTime                  string   `tiff:"field,tag=306"`
	Predictor                 uint16   `tiff:"field,tag=317"`
	Colormap                  []uint16 `tiff:"field,tag=320"`
	TileWidth                 uint32   `tiff:"field,tag=322"`
	TileLength                uint32   `tiff:"field,tag=323"`
	TileOffsets               []uint64 `tiff:"field,tag=324"`
	TileByteCounts            []uint64 `tiff:"field,tag=325"`
	ExtraSamples              []uint16 `tiff:"field,tag=338"`
	SampleFormat              []uint16 `tiff:"field,tag=339"`
	JPEGTables                []byte   `tiff:"field,tag=347"`

	ModelPixelScaleTag     []float64 `tiff:"field,tag=33550"`
	ModelTiePointTag       []float64 `tiff:"field,tag=33922"`
	ModelTransformationTag []float64 `tiff:"field,tag=34264"`
	GeoKeyDirectoryTag     []uint16  `tiff:"field,tag=34735"`
	GeoDoubleParamsTag     []float64 `tiff:"field,tag=34736"`
	GeoAsciiParamsTag      string    `tiff:"field,tag=34737"`
	GDALMetaData           string    `tiff:"field,tag=42112"`
	NoData                 string    `tiff:"field,tag=42113"`
	LERCParams             []uint32  `tiff:"field,tag=50674"`
	RPCs                   []float64 `tiff:"field,tag=50844"`

	overview *tileIFD
	masks    []*tileIFD

	r                tiff.BReader
	ntilesx, ntilesy uint64
	newOffsets       []uint64
	dirOffset        uint64
}

func (d *tileIFD) dropGeoTags() {
	d.ModelPixelScaleTag = nil
	d.ModelTiePointTag = nil
	d.ModelTransformationTag = nil
	d.GeoAsciiParamsTag = ""
	d.GeoDoubleParamsTag = nil
	d.GeoKeyDirectoryTag = nil
}

func (d *tileIFD) addOverview(ovr *tileIFD) {
	ovr.SubfileType = subfileTypeReducedImage
	ovr.dropGeoTags()
	d.overview = ovr
}

func (d *tileIFD) addMask(msk *tileIFD) error {
	if len(msk.masks) > 0 || msk.overview != nil {
		return fmt.Errorf("cannot add mask with overviews or masks")
	}
	if msk.ntilesx != d.ntilesx || msk.ntilesy != d.ntilesy {
		return fmt.Errorf("mask tiling %dx%d does not match image tiling %dx%d",
			msk.ntilesx, msk.ntilesy, d.ntilesx, d.ntilesy)
	}
	switch d.SubfileType {
	case subfileTypeNone:
		msk.SubfileType = subfileTypeMask
	case subfileTypeReducedImage:
		msk.SubfileType = subfileTypeMask | subfileTypeReducedImage
	default:
		return fmt.Errorf("invalid subfiletype %d", d.SubfileType)
	}
	msk.dropGeoTags()
	d.masks = append(d.masks, msk)
	return nil
}

// entries encodes the tags of d, using the new tile offsets.
func (d *tileIFD) entries(c encoder) []entry {
	es := make([]entry, 0, 32)
	if d.SubfileType > 0 {
		es = append(es, c.longs(254, d.SubfileType))
	}
	es = append(es,
		c.longs(256, uint32(d.ImageWidth)),
		c.longs(257, uint32(d.ImageLength)),
	)
	if len(d.BitsPerSample) > 0 {
		es = append(es, c.shorts(258, d.BitsPerSample...))
	}
	if d.Compression > 0 {
		es = append(es, c.shorts(259, d.Compression))
	}
	es = append(es, c.shorts(262, d.PhotometricInterpretation))
	if d.DocumentName != "" {
		es = append(es, c.ascii(269, d.DocumentName))
	}
	if d.SamplesPerPixel > 0 {
		es = append(es, c.shorts(277, d.SamplesPerPixel))
	}
	if d.PlanarConfiguration > 0 {
		es = append(es, c.shorts(284, d.PlanarConfiguration))
	}
	if d.DateTime != "" {
		es = append(es, c.ascii(306, d.DateTime))
	}
	if d.Predictor > 0 {
		es = append(es, c.shorts(317, d.Predictor))
	}
	if len(d.Colormap) > 0 {
		es = append(es, c.shorts(320, d.Colormap...))
	}
	es = append(es,
		c.longs(322, d.TileWidth),
		c.longs(323, d.TileLength),
		c.offsets(324, d.newOffsets),
		c.bytecounts(325, d.TileByteCounts),
	)
	if len(d.ExtraSamples) > 0 {
		es = append(es, c.shorts(338, d.ExtraSamples...))
	}
	if len(d.SampleFormat) > 0 {
		es = append(es, c.shorts(339, d.SampleFormat...))
	}
	if len(d.JPEGTables) > 0 {
		es = append(es, c.bytes(347, d.JPEGTables))
	}
	if len(d.ModelPixelScaleTag) > 0 {
		es = append(es, c.doubles(33550, d.ModelPixelScaleTag...))
	}
	if len(d.ModelTiePointTag) > 0 {
		es = append(es, c.doubles(33922, d.ModelTiePointTag...))
	}
	if len(d.ModelTransformationTag) > 0 {
		es = append(es, c.doubles(34264, d.ModelTransformationTag...))
	}
	if len(d.GeoKeyDirectoryTag) > 0 {
		es = append(es, c.shorts(34735, d.GeoKeyDirectoryTag...))
	}
	if len(d.GeoDoubleParamsTag) > 0 {
		es = append(es, c.doubles(34736, d.GeoDoubleParamsTag...))
	}
	if d.GeoAsciiParamsTag != "" {
		es = append(es, c.ascii(34737, d.GeoAsciiParamsTag))
	}
	if d.GDALMetaData != "" {
		es = append(es, c.ascii(42112, d.GDALMetaData))
	}
	if d.NoData != "" {
		es = append(es, c.ascii(42113, d.NoData))
	}
	if len(d.LERCParams) > 0 {
		es = append(es, c.longs(50674, d.LERCParams...))
	}
	if len(d.RPCs) > 0 {
		es = append(es, c.doubles(50844, d.RPCs...))
	}
	return es
}

type cog struct {
	enc     binary.ByteOrder
	bigtiff bool
	ifd     *tileIFD

	strileOffset uint64
}

// levels returns the full resolution image first, then each overview. Each
// level holds the image directory followed by its masks.
func (g *cog) levels() [][]*tileIFD {
	var lv [][]*tileIFD
	for d := g.ifd; d != nil; d = d.overview {
		lv = append(lv, append([]*tileIFD{d}, d.masks...))
	}
	return lv
}

func (g *cog) ifds() []*tileIFD {
	var all []*tileIFD
	for _, l := range g.levels() {
		all = append(all, l...)
	}
	return all
}

// tiles walks the tiles in output order: smallest overview first, and for each
// tile of a level the image planes followed by the mask tiles.
func (g *cog) tiles(fn func(d *tileIFD, idx int) error) error {
	lv := g.levels()
	for l := len(lv) - 1; l >= 0; l-- {
		img := lv[l][0]
		perPlane := int(img.ntilesx * img.ntilesy)
		for t := 0; t < perPlane; t++ {
			for _, d := range lv[l] {
				for idx := t; idx < len(d.TileOffsets); idx += perPlane {
					if err := fn(d, idx); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

// layout assigns directory and tile offsets, switching to BigTIFF when the
// data does not fit in 32 bit offsets.
func (g *cog) layout() error {
	ifds := g.ifds()
	for {
		c := encoder{enc: g.enc, bigtiff: g.bigtiff}
		off := c.headerSize()
		striles := uint64(0)
		for _, d := range ifds {
			d.newOffsets = make([]uint64, len(d.TileOffsets))
			es := d.entries(c)
			d.dirOffset = off
			off += c.dirSize(len(es))
			for _, e := range es {
				if e.strile {
					striles += c.external(e)
				} else {
					off += c.external(e)
				}
			}
		}
		g.strileOffset = off
		data := off + striles
		err := g.tiles(func(d *tileIFD, idx int) error {
			if d.TileByteCounts[idx] == 0 {
				return nil
			}
			d.newOffsets[idx] = data
			data += d.TileByteCounts[idx]
			return nil
		})
		if err != nil {
			return err
		}
		if !g.bigtiff && data > math.MaxUint32 {
			g.bigtiff = true
			continue
		}
		return nil
	}
}

type countingWriter struct {
	w io.Writer
	n uint64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += uint64(n)
	return n, err
}

func (g *cog) write(out io.Writer) error {
	if err := g.layout(); err != nil {
		return err
	}
	c := encoder{enc: g.enc, bigtiff: g.bigtiff}
	w := &countingWriter{w: out}
	if _, err := w.Write(c.header()); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	ifds := g.ifds()
	striles := &region{offset: g.strileOffset}
	for i, d := range ifds {
		if w.n != d.dirOffset {
			return fmt.Errorf("ifd %d: at offset %d, expected %d", i, w.n, d.dirOffset)
		}
		next := uint64(0)
		if i+1 < len(ifds) {
			next = ifds[i+1].dirOffset
		}
		es := d.entries(c)
		tags := &region{offset: d.dirOffset + c.dirSize(len(es))}
		if _, err := w.Write(c.dir(es, next, tags, striles)); err != nil {
			return fmt.Errorf("write ifd %d: %w", i, err)
		}
		if _, err := w.Write(tags.Bytes()); err != nil {
			return fmt.Errorf("write ifd %d tags: %w", i, err)
		}
	}
	if w.n != g.strileOffset {
		return fmt.Errorf("striles at offset %d, expected %d", w.n, g.strileOffset)
	}
	if _, err := w.Write(striles.Bytes()); err != nil {
		return fmt.Errorf("write tile offsets: %w", err)
	}
	return g.tiles(func(d *tileIFD, idx int) error {
		cnt := d.TileByteCounts[idx]
		if cnt == 0 {
			return nil
		}
		if w.n != d.newOffsets[idx] {
			return fmt.Errorf("tile %d at offset %d, expected %d", idx, w.n, d.newOffsets[idx])
		}
		if _, err := d.r.Seek(int64(d.TileOffsets[idx]), io.SeekStart); err != nil {
			return fmt.Errorf("seek tile %d: %w", idx, err)
		}
		if _, err := io.CopyN(w, d.r, int64(cnt)); err != nil {
			return fmt.Errorf("copy tile %d: %w", idx, err)
		}
		return nil
	})
}
