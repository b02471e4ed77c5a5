package rsimg

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"

	"github.com/google/tiff"
)

func loadIFD(r tiff.BReader, tifd tiff.IFD) (*tileIFD, error) {
	d := &tileIFD{r: r}
	if err := tiff.UnmarshalIFD(tifd, d); err != nil {
		return nil, err
	}
	if d.TileWidth == 0 || d.TileLength == 0 {
		return nil, fmt.Errorf("invalid tile size %dx%d", d.TileWidth, d.TileLength)
	}
	d.ntilesx = (d.ImageWidth + uint64(d.TileWidth) - 1) / uint64(d.TileWidth)
	d.ntilesy = (d.ImageLength + uint64(d.TileLength) - 1) / uint64(d.TileLength)
	perPlane := d.ntilesx * d.ntilesy
	if perPlane == 0 || uint64(len(d.TileOffsets))%perPlane != 0 {
		return nil, fmt.Errorf("%d tiles for a %dx%d tile grid", len(d.TileOffsets), d.ntilesx, d.ntilesy)
	}
	return d, nil
}

// loadCOG builds the overview chain of tifs. Directories of every file after
// the first are considered overviews of the first one and must be smaller than
// its full resolution image.
func loadCOG(tifs []tiff.TIFF) (*cog, error) {
	g := &cog{enc: binary.LittleEndian}
	if tifs[0].Order() == "MM" {
		g.enc = binary.BigEndian
	}
	var ifds []*tileIFD
	fullLength := uint64(0)
	for it, tif := range tifs {
		for i, tifd := range tif.IFDs() {
			d, err := loadIFD(tif.R(), tifd)
			if err != nil {
				return nil, fmt.Errorf("tif %d ifd %d: %w", it, i, err)
			}
			if it == 0 {
				if d.ImageLength > fullLength {
					fullLength = d.ImageLength
				}
			} else {
				if d.ImageLength >= fullLength {
					return nil, fmt.Errorf("tif %d ifd %d: %d lines is not an overview of a %d lines image",
						it, i, d.ImageLength, fullLength)
				}
				d.SubfileType |= subfileTypeReducedImage
			}
			ifds = append(ifds, d)
		}
	}
	// fullres, fullres masks, ovr1, ovr1 masks, ...
	sort.SliceStable(ifds, func(i, j int) bool {
		if ifds[i].ImageLength != ifds[j].ImageLength {
			return ifds[i].ImageLength > ifds[j].ImageLength
		}
		return ifds[i].SubfileType < ifds[j].SubfileType
	})
	if ifds[0].SubfileType != subfileTypeNone {
		return nil, fmt.Errorf("no full resolution image: largest ifd has %d lines and type %d",
			ifds[0].ImageLength, ifds[0].SubfileType)
	}
	g.ifd = ifds[0]
	cur := g.ifd
	for _, d := range ifds[1:] {
		if d.ImageLength == cur.ImageLength {
			if err := cur.addMask(d); err != nil {
				return nil, err
			}
			continue
		}
		cur.addOverview(d)
		cur = d
	}
	return g, nil
}

func sanityCheck(tifs []tiff.TIFF) error {
	order := tifs[0].Order()
	if order != "MM" && order != "II" {
		return fmt.Errorf("unknown byte order %q", order)
	}
	for it, tif := range tifs {
		if tif.Order() != order {
			return fmt.Errorf("tif %d: inconsistent byte order", it)
		}
		if len(tif.IFDs()) == 0 {
			return fmt.Errorf("tif %d: no ifd", it)
		}
		for ii, ifd := range tif.IFDs() {
			if err := sanityCheckIFD(ifd); err != nil {
				return fmt.Errorf("tif %d ifd %d: %w", it, ii, err)
			}
		}
	}
	return nil
}

func sanityCheckIFD(ifd tiff.IFD) error {
	if ifd.GetField(273) != nil || ifd.GetField(279) != nil {
		return fmt.Errorf("tif has strips")
	}
	to := ifd.GetField(324)
	tl := ifd.GetField(325)
	if to == nil || tl == nil {
		return fmt.Errorf("no tiles")
	}
	if to.Count() != tl.Count() {
		return fmt.Errorf("inconsistent tile off/len count")
	}
	return nil
}

// RewriteCOG writes the tiled TIFF in to out with a cloud optimized layout:
// every IFD first, then the tile offsets and byte counts, then the tile data
// from the smallest overview up to the full resolution with masks interleaved.
// overviews are optional external overview files of in, e.g. GDAL .ovr files.
func RewriteCOG(out io.Writer, in tiff.ReadAtReadSeeker, overviews ...tiff.ReadAtReadSeeker) error {
	tifs := make([]tiff.TIFF, 0, 1+len(overviews))
	for i, r := range append([]tiff.ReadAtReadSeeker{in}, overviews...) {
		tif, err := tiff.Parse(r, nil, nil)
		if err != nil {
			return fmt.Errorf("parse tiff %d: %w", i, err)
		}
		tifs = append(tifs, tif)
	}
	if err := sanityCheck(tifs); err != nil {
		return fmt.Errorf("consistency check: %w", err)
	}
	g, err := loadCOG(tifs)
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}
	if err := g.write(out); err != nil {
		return fmt.Errorf("cog write: %w", err)
	}
	return nil
}

// RewriteCOGFile rewrites the GeoTIFF file src into dst. An external src.ovr
// overview file is merged in when present.
func RewriteCOGFile(dst, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	var overviews []tiff.ReadAtReadSeeker
	ovr, err := os.Open(src + ".ovr")
	switch {
	case err == nil:
		defer ovr.Close()
		overviews = append(overviews, ovr)
	case !errors.Is(err, fs.ErrNotExist):
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(out, 1<<20)
	if err := RewriteCOG(bw, in, overviews...); err != nil {
		out.Close()
		return fmt.Errorf("rewrite %s: %w", src, err)
	}
	if err := bw.Flush(); err != nil {
		out.Close()
		return fmt.Errorf("flush %s: %w", dst, err)
	}
	return out.Close()
}
