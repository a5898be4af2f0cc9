// Package lines decodes the tablet's binary per-page stroke format.
package lines

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Header is the literal prefix of every annotation file. It is followed by
// a single ASCII version digit and ten bytes of padding.
const Header = "reMarkable .lines file, version="

const (
	headerSize  = len(Header) + 1 + 10
	pageSize    = 4
	layerSize   = 4
	strokeV3    = 20
	strokeV5    = 24
	segmentSize = 24
)

var (
	// ErrInvalidFormat reports a malformed header or a truncated body.
	ErrInvalidFormat = errors.New("invalid lines format")
	// ErrUnsupportedVersion reports a well-formed header with a version
	// other than 3 or 5.
	ErrUnsupportedVersion = errors.New("unsupported lines version")
)

// FormatError describes where decoding failed.
type FormatError struct {
	Offset int
	Msg    string
	Err    error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%v at offset %d: %s", e.Err, e.Offset, e.Msg)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// Document is one decoded page. Version is 0 for a page without an
// annotation file.
type Document struct {
	Version int
	Layers  []Layer
}

// Layer holds the strokes drawn on one layer of a page.
type Layer struct {
	Strokes []Stroke
}

// Stroke is a single pen stroke.
type Stroke struct {
	Pen      uint32
	Color    uint32
	Unknown1 uint32
	Width    float32
	Unknown2 uint32 // absent in version 3, decoded as 0
	Segments []Segment
}

// Segment is one sampled point of a stroke.
type Segment struct {
	X         float32
	Y         float32
	Speed     float32
	Direction float32
	Width     float32
	Pressure  float32
}

// Summary counts the contents of a document.
type Summary struct {
	Layers   int
	Strokes  int
	Segments int
}

// Summary returns layer, stroke and segment totals.
func (d *Document) Summary() Summary {
	s := Summary{Layers: len(d.Layers)}
	for _, l := range d.Layers {
		s.Strokes += len(l.Strokes)
		for _, st := range l.Strokes {
			s.Segments += len(st.Segments)
		}
	}
	return s
}

// Empty reports whether the document carries no strokes.
func (d *Document) Empty() bool {
	return d.Summary().Strokes == 0
}

// Decode parses one page's annotation bytes. A nil slice stands for a page
// that has no annotation file and yields an empty, versionless document.
func Decode(data []byte) (*Document, error) {
	if data == nil {
		return &Document{}, nil
	}

	r := &reader{buf: data}

	hdr, err := r.next(headerSize, "header")
	if err != nil {
		return nil, err
	}
	if string(hdr[:len(Header)]) != Header {
		return nil, &FormatError{Offset: 0, Msg: fmt.Sprintf("bad magic %q", hdr[:len(Header)]), Err: ErrInvalidFormat}
	}
	digit := hdr[len(Header)]
	if digit < '0' || digit > '9' {
		return nil, &FormatError{Offset: len(Header), Msg: fmt.Sprintf("version %q is not a digit", digit), Err: ErrInvalidFormat}
	}
	version := int(digit - '0')
	if version != 3 && version != 5 {
		return nil, &FormatError{Offset: len(Header), Msg: fmt.Sprintf("version %d, only 3 and 5 are supported", version), Err: ErrUnsupportedVersion}
	}

	page, err := r.next(pageSize, "page header")
	if err != nil {
		return nil, err
	}
	numLayers := int(page[0])

	doc := &Document{Version: version, Layers: make([]Layer, 0, numLayers)}
	for i := 0; i < numLayers; i++ {
		layer, err := r.layer(version)
		if err != nil {
			return nil, err
		}
		doc.Layers = append(doc.Layers, layer)
	}
	return doc, nil
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) next(n int, what string) ([]byte, error) {
	if len(r.buf)-r.off < n {
		return nil, &FormatError{
			Offset: r.off,
			Msg:    fmt.Sprintf("short %s: need %d bytes, have %d", what, n, len(r.buf)-r.off),
			Err:    ErrInvalidFormat,
		}
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) layer(version int) (Layer, error) {
	b, err := r.next(layerSize, "layer")
	if err != nil {
		return Layer{}, err
	}
	n := binary.LittleEndian.Uint32(b)

	var layer Layer
	for i := uint32(0); i < n; i++ {
		st, err := r.stroke(version)
		if err != nil {
			return Layer{}, err
		}
		layer.Strokes = append(layer.Strokes, st)
	}
	return layer, nil
}

func (r *reader) stroke(version int) (Stroke, error) {
	size := strokeV5
	if version == 3 {
		size = strokeV3
	}
	b, err := r.next(size, "stroke")
	if err != nil {
		return Stroke{}, err
	}

	st := Stroke{
		Pen:      binary.LittleEndian.Uint32(b[0:]),
		Color:    binary.LittleEndian.Uint32(b[4:]),
		Unknown1: binary.LittleEndian.Uint32(b[8:]),
		Width:    math.Float32frombits(binary.LittleEndian.Uint32(b[12:])),
	}
	var n uint32
	if version == 3 {
		n = binary.LittleEndian.Uint32(b[16:])
	} else {
		st.Unknown2 = binary.LittleEndian.Uint32(b[16:])
		n = binary.LittleEndian.Uint32(b[20:])
	}

	for i := uint32(0); i < n; i++ {
		seg, err := r.segment()
		if err != nil {
			return Stroke{}, err
		}
		st.Segments = append(st.Segments, seg)
	}
	return st, nil
}

func (r *reader) segment() (Segment, error) {
	b, err := r.next(segmentSize, "segment")
	if err != nil {
		return Segment{}, err
	}
	f := func(i int) float32 {
		return math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return Segment{X: f(0), Y: f(1), Speed: f(2), Direction: f(3), Width: f(4), Pressure: f(5)}, nil
}
