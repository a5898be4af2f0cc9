package lines

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDocument(version int) *Document {
	st := Stroke{
		Pen:      2,
		Color:    1,
		Unknown1: 0,
		Width:    2.5,
		Segments: []Segment{
			{X: 100, Y: 200, Speed: 0.5, Direction: 1.25, Width: 2, Pressure: 0.75},
			{X: 101.5, Y: 202, Speed: 0.25, Direction: 1.5, Width: 2.1, Pressure: 0.8},
		},
	}
	if version == 5 {
		st.Unknown2 = 7
	}
	return &Document{
		Version: version,
		Layers: []Layer{
			{Strokes: []Stroke{st}},
			{Strokes: []Stroke{{Pen: 6, Width: 1}}},
		},
	}
}

func header(version byte) []byte {
	b := append([]byte(Header), version)
	return append(b, make([]byte, 10)...)
}

func TestDecode_Nil(t *testing.T) {
	doc, err := Decode(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, doc.Version)
	assert.Empty(t, doc.Layers)
	assert.True(t, doc.Empty())
}

func TestDecode_RoundTrip(t *testing.T) {
	for _, version := range []int{3, 5} {
		want := sampleDocument(version)

		data, err := Encode(want)
		require.NoError(t, err)

		got, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, want, got, "version %d", version)
		assert.Equal(t, Summary{Layers: 2, Strokes: 2, Segments: 2}, got.Summary())
	}
}

func TestDecode_V3DefaultsUnknown2(t *testing.T) {
	doc := sampleDocument(5)
	doc.Version = 3

	data, err := Encode(doc)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), got.Layers[0].Strokes[0].Unknown2)
}

func TestDecode_ByteLayout(t *testing.T) {
	data := header('5')
	data = append(data, 1, 0, 0, 0)
	data = binary.LittleEndian.AppendUint32(data, 1)
	for _, v := range []uint32{3, 2, 9, math.Float32bits(4.5), 11, 1} {
		data = binary.LittleEndian.AppendUint32(data, v)
	}
	for _, f := range []float32{1, 2, 3, 4, 5, 6} {
		data = binary.LittleEndian.AppendUint32(data, math.Float32bits(f))
	}

	doc, err := Decode(data)
	require.NoError(t, err)
	require.Len(t, doc.Layers, 1)
	require.Len(t, doc.Layers[0].Strokes, 1)

	st := doc.Layers[0].Strokes[0]
	assert.Equal(t, uint32(3), st.Pen)
	assert.Equal(t, uint32(2), st.Color)
	assert.Equal(t, uint32(9), st.Unknown1)
	assert.Equal(t, float32(4.5), st.Width)
	assert.Equal(t, uint32(11), st.Unknown2)
	assert.Equal(t, []Segment{{X: 1, Y: 2, Speed: 3, Direction: 4, Width: 5, Pressure: 6}}, st.Segments)
}

func TestDecode_Errors(t *testing.T) {
	full, err := Encode(sampleDocument(5))
	require.NoError(t, err)

	bad := header('5')
	copy(bad, "reMarkable .notes")

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", []byte{}, ErrInvalidFormat},
		{"short header", []byte(Header), ErrInvalidFormat},
		{"bad magic", bad, ErrInvalidFormat},
		{"non-digit version", header('x'), ErrInvalidFormat},
		{"version 4", append(header('4'), 0, 0, 0, 0), ErrUnsupportedVersion},
		{"version 6", header('6'), ErrUnsupportedVersion},
		{"missing page header", header('3'), ErrInvalidFormat},
		{"truncated body", full[:len(full)-3], ErrInvalidFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var fe *FormatError
			assert.ErrorAs(t, err, &fe)
		})
	}
}

func TestEncode_RejectsUnknownVersion(t *testing.T) {
	_, err := Encode(&Document{Version: 4})
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}
