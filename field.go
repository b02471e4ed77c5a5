package rsimg

import (
	"bytes"
	"encoding/binary"
	"math"
	"sort"
)

// tiff field types
const (
	tByte      = 1
	tAscii     = 2
	tShort     = 3
	tLong      = 4
	tUndefined = 7
	tDouble    = 12
	tLong8     = 16
)

// entry is an encoded IFD tag whose value is not yet placed in the file.
type entry struct {
	tag    uint16
	typ    uint16
	count  uint64
	data   []byte
	strile bool // value goes to the strile area instead of after the IFD
}

// encoder encodes tag values with a given byte order and TIFF flavor.
type encoder struct {
	enc     binary.ByteOrder
	bigtiff bool
}

func (c encoder) inline(e entry) bool {
	if c.bigtiff {
		return len(e.data) <= 8
	}
	return len(e.data) <= 4
}

// external returns the number of bytes e occupies outside its directory, padded
// to a word boundary.
func (c encoder) external(e entry) uint64 {
	if c.inline(e) {
		return 0
	}
	n := uint64(len(e.data))
	return n + n%2
}

// dirSize returns the size of a directory with n entries, external values excluded.
func (c encoder) dirSize(n int) uint64 {
	if c.bigtiff {
		return 8 + 20*uint64(n) + 8
	}
	return 2 + 12*uint64(n) + 4
}

func (c encoder) headerSize() uint64 {
	if c.bigtiff {
		return 16
	}
	return 8
}

func (c encoder) header() []byte {
	var buf []byte
	if c.bigtiff {
		buf = make([]byte, 16)
		c.enc.PutUint16(buf[2:], 43)
		c.enc.PutUint16(buf[4:], 8)
		c.enc.PutUint64(buf[8:], 16)
	} else {
		buf = make([]byte, 8)
		c.enc.PutUint16(buf[2:], 42)
		c.enc.PutUint32(buf[4:], 8)
	}
	if c.enc == binary.BigEndian {
		copy(buf, "MM")
	} else {
		copy(buf, "II")
	}
	return buf
}

func (c encoder) bytes(tag uint16, v []byte) entry {
	return entry{tag: tag, typ: tUndefined, count: uint64(len(v)), data: v}
}

func (c encoder) ascii(tag uint16, s string) entry {
	b := append([]byte(s), 0)
	return entry{tag: tag, typ: tAscii, count: uint64(len(b)), data: b}
}

func (c encoder) shorts(tag uint16, v ...uint16) entry {
	b := make([]byte, 2*len(v))
	for i := range v {
		c.enc.PutUint16(b[2*i:], v[i])
	}
	return entry{tag: tag, typ: tShort, count: uint64(len(v)), data: b}
}

func (c encoder) longs(tag uint16, v ...uint32) entry {
	b := make([]byte, 4*len(v))
	for i := range v {
		c.enc.PutUint32(b[4*i:], v[i])
	}
	return entry{tag: tag, typ: tLong, count: uint64(len(v)), data: b}
}

func (c encoder) doubles(tag uint16, v ...float64) entry {
	b := make([]byte, 8*len(v))
	for i := range v {
		c.enc.PutUint64(b[8*i:], math.Float64bits(v[i]))
	}
	return entry{tag: tag, typ: tDouble, count: uint64(len(v)), data: b}
}

// offsets encodes tile offsets as LONG8 for BigTIFF and LONG otherwise.
func (c encoder) offsets(tag uint16, v []uint64) entry {
	if !c.bigtiff {
		b := make([]byte, 4*len(v))
		for i := range v {
			c.enc.PutUint32(b[4*i:], uint32(v[i]))
		}
		return entry{tag: tag, typ: tLong, count: uint64(len(v)), data: b, strile: true}
	}
	b := make([]byte, 8*len(v))
	for i := range v {
		c.enc.PutUint64(b[8*i:], v[i])
	}
	return entry{tag: tag, typ: tLong8, count: uint64(len(v)), data: b, strile: true}
}

func (c encoder) bytecounts(tag uint16, v []uint64) entry {
	b := make([]byte, 4*len(v))
	for i := range v {
		c.enc.PutUint32(b[4*i:], uint32(v[i]))
	}
	return entry{tag: tag, typ: tLong, count: uint64(len(v)), data: b, strile: true}
}

// region accumulates external tag values that will be written at offset.
type region struct {
	bytes.Buffer
	offset uint64
}

func (r *region) put(b []byte) uint64 {
	off := r.offset + uint64(r.Len())
	r.Write(b)
	if len(b)%2 == 1 {
		r.WriteByte(0)
	}
	return off
}

// dir encodes a directory. External values are appended to tags, or to striles
// for tile offsets and byte counts.
func (c encoder) dir(entries []entry, next uint64, tags, striles *region) []byte {
	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })
	buf := make([]byte, c.dirSize(len(entries)))
	pos := 0
	if c.bigtiff {
		c.enc.PutUint64(buf, uint64(len(entries)))
		pos = 8
	} else {
		c.enc.PutUint16(buf, uint16(len(entries)))
		pos = 2
	}
	for _, e := range entries {
		c.enc.PutUint16(buf[pos:], e.tag)
		c.enc.PutUint16(buf[pos+2:], e.typ)
		if c.bigtiff {
			c.enc.PutUint64(buf[pos+4:], e.count)
			pos += 12
		} else {
			c.enc.PutUint32(buf[pos+4:], uint32(e.count))
			pos += 8
		}
		if c.inline(e) {
			copy(buf[pos:], e.data)
		} else {
			dst := tags
			if e.strile {
				dst = striles
			}
			off := dst.put(e.data)
			if c.bigtiff {
				c.enc.PutUint64(buf[pos:], off)
			} else {
				c.enc.PutUint32(buf[pos:], uint32(off))
			}
		}
		if c.bigtiff {
			pos += 8
		} else {
			pos += 4
		}
	}
	if c.bigtiff {
		c.enc.PutUint64(buf[pos:], next)
	} else {
		c.enc.PutUint32(buf[pos:], uint32(next))
	}
	return buf
}
