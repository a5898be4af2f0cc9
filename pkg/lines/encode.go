package lines

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Encode serializes doc in its declared version. Version 3 drops
// Stroke.Unknown2.
func Encode(doc *Document) ([]byte, error) {
	if doc.Version != 3 && doc.Version != 5 {
		return nil, fmt.Errorf("%w: cannot encode version %d", ErrUnsupportedVersion, doc.Version)
	}
	if len(doc.Layers) > math.MaxUint8 {
		return nil, fmt.Errorf("%w: %d layers do not fit the page header", ErrInvalidFormat, len(doc.Layers))
	}

	buf := make([]byte, 0, headerSize+pageSize)
	buf = append(buf, Header...)
	buf = append(buf, byte('0'+doc.Version))
	buf = append(buf, make([]byte, 10)...)
	buf = append(buf, byte(len(doc.Layers)), 0, 0, 0)

	le := binary.LittleEndian
	for _, layer := range doc.Layers {
		buf = le.AppendUint32(buf, uint32(len(layer.Strokes)))
		for _, st := range layer.Strokes {
			buf = le.AppendUint32(buf, st.Pen)
			buf = le.AppendUint32(buf, st.Color)
			buf = le.AppendUint32(buf, st.Unknown1)
			buf = le.AppendUint32(buf, math.Float32bits(st.Width))
			if doc.Version == 5 {
				buf = le.AppendUint32(buf, st.Unknown2)
			}
			buf = le.AppendUint32(buf, uint32(len(st.Segments)))
			for _, seg := range st.Segments {
				for _, f := range [...]float32{seg.X, seg.Y, seg.Speed, seg.Direction, seg.Width, seg.Pressure} {
					buf = le.AppendUint32(buf, math.Float32bits(f))
				}
			}
		}
	}
	return buf, nil
}
