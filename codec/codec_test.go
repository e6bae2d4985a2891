package codec

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const size = 64

func gradient(bands int) *Tile {
	t := NewTile(size, size, bands)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			i := y*size + x
			for b := range t.Bands {
				t.Bands[b][i] = uint8(x*4 + y + b*16)
			}
			if bands == 4 {
				t.Bands[3][i] = uint8(x * 4)
			}
		}
	}
	return t
}

func flat(bands int, v ...uint8) *Tile {
	t := NewTile(size, size, bands)
	for b := range t.Bands {
		for i := range t.Bands[b] {
			t.Bands[b][i] = v[b]
		}
	}
	return t
}

func roundTrip(t *testing.T, c *Codec, in *Tile) (*Tile, Info) {
	t.Helper()
	blob, err := c.Encode(in)
	require.NoError(t, err)
	require.NotNil(t, blob)

	out := NewTile(in.Width, in.Height, len(in.Bands))
	out.Palette = in.Palette
	info, err := c.Decode(blob, out)
	require.NoError(t, err)
	return out, info
}

// translucent is a four band tile with alpha strictly between 0 and 255
func translucent() *Tile {
	t := gradient(4)
	for i := range t.Bands[3] {
		t.Bands[3][i] = uint8(64 + i%64)
	}
	return t
}

func TestRoundTripLossless(t *testing.T) {
	tests := []struct {
		name   string
		format Format
		in     *Tile
	}{
		{"png grey", PNG, gradient(1)},
		{"png rgb", PNG, gradient(3)},
		{"png rgba", PNG, gradient(4)},
		{"png translucent", PNG, translucent()},
		{"auto rgba", Auto, gradient(4)},
		{"webp grey", WEBP, gradient(1)},
		{"webp rgb", WEBP, gradient(3)},
		{"webp rgba", WEBP, translucent()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(Options{Format: tt.format, WebPLossless: true}, nil)
			out, info := roundTrip(t, c, tt.in)
			assert.False(t, info.Lossy)
			assert.Equal(t, tt.in.Bands, out.Bands)
		})
	}
}

func TestRoundTripWebPLossy(t *testing.T) {
	c := New(Options{Format: WEBP, Quality: 90}, nil)
	in := translucent()
	out, info := roundTrip(t, c, in)
	assert.True(t, info.Lossy)
	// Alpha does not go through premultiplication so it stays close
	for i, a := range in.Bands[3] {
		d := int(a) - int(out.Bands[3][i])
		require.LessOrEqual(t, d*d, 16*16, "alpha at %d", i)
	}
}

func TestRoundTripPNG8(t *testing.T) {
	c := New(Options{Format: PNG8}, nil)

	// Fewer than 256 distinct colors survive exactly
	in := NewTile(size, size, 3)
	for i := range in.Bands[0] {
		in.Bands[0][i] = uint8(i % 7 * 30)
		in.Bands[1][i] = uint8(i % 5 * 40)
		in.Bands[2][i] = 0x80
	}
	blob, err := c.Encode(in)
	require.NoError(t, err)

	m, err := png.Decode(bytes.NewReader(blob))
	require.NoError(t, err)
	assert.IsType(t, &image.Paletted{}, m)

	out := NewTile(size, size, 3)
	_, err = c.Decode(blob, out)
	require.NoError(t, err)
	assert.Equal(t, in.Bands, out.Bands)
}

func TestPNG8Quantizes(t *testing.T) {
	for _, dither := range []bool{false, true} {
		c := New(Options{Format: PNG8, Dither: dither}, nil)
		blob, err := c.Encode(gradient(3))
		require.NoError(t, err)

		m, err := png.Decode(bytes.NewReader(blob))
		require.NoError(t, err)
		pm, ok := m.(*image.Paletted)
		require.True(t, ok)
		assert.LessOrEqual(t, len(pm.Palette), 256)
	}
}

func TestRoundTripJPEG(t *testing.T) {
	c := New(Options{Format: JPEG, Quality: 90}, nil)
	in := flat(3, 200, 100, 50)
	out, info := roundTrip(t, c, in)
	assert.True(t, info.Lossy)
	assert.Equal(t, JPEG, info.Format)
	for b := range in.Bands {
		for i := range in.Bands[b] {
			assert.InDelta(t, in.Bands[b][i], out.Bands[b][i], 8)
		}
	}
}

func TestTransparentTileIsElided(t *testing.T) {
	c := New(Options{Format: PNG}, nil)
	blob, err := c.Encode(flat(4, 10, 20, 30, 0))
	require.NoError(t, err)
	assert.Nil(t, blob)
}

func TestOpaqueTileDropsAlpha(t *testing.T) {
	c := New(Options{Format: Auto}, nil)
	blob, err := c.Encode(flat(4, 10, 20, 30, 255))
	require.NoError(t, err)

	f, lossy, ok := Sniff(blob)
	require.True(t, ok)
	assert.Equal(t, JPEG, f)
	assert.True(t, lossy)
}

func TestPartialTileForcesTransparency(t *testing.T) {
	c := New(Options{Format: Auto}, nil)
	in := flat(3, 10, 20, 30)
	in.Valid = image.Rect(0, 0, size/2, size)

	blob, err := c.Encode(in)
	require.NoError(t, err)
	f, _, _ := Sniff(blob)
	assert.Equal(t, PNG, f)

	out := NewTile(size, size, 4)
	info, err := c.Decode(blob, out)
	require.NoError(t, err)
	assert.Equal(t, 4, info.Bands)
	assert.Equal(t, uint8(0xff), out.Bands[3][0])
	assert.Equal(t, uint8(0), out.Bands[3][size-1])
	assert.Equal(t, uint8(10), out.Bands[0][size-1])
}

var fourColors = color.Palette{
	color.RGBA{0x00, 0x00, 0x00, 0xff},
	color.RGBA{0xff, 0x00, 0x00, 0xff},
	color.RGBA{0x00, 0xff, 0x00, 0xff},
	color.RGBA{0x00, 0x00, 0xff, 0xff},
}

func indexed() *Tile {
	t := NewTile(size, size, 1)
	t.Palette = fourColors
	for i := range t.Bands[0] {
		t.Bands[0][i] = uint8(i % 4)
	}
	return t
}

func TestPaletteIndicesPreserved(t *testing.T) {
	c := New(Options{Format: PNG}, nil)
	in := indexed()
	out, info := roundTrip(t, c, in)
	assert.Equal(t, 1, info.Bands)
	assert.Equal(t, in.Bands, out.Bands)
}

func TestPaletteRemap(t *testing.T) {
	c := New(Options{Format: PNG}, nil)
	blob, err := c.Encode(indexed())
	require.NoError(t, err)

	// Same colors in a different order, plus a near duplicate of red
	out := NewTile(size, size, 1)
	out.Palette = color.Palette{
		color.RGBA{0x00, 0x00, 0xff, 0xff},
		color.RGBA{0xfe, 0x00, 0x00, 0xff},
		color.RGBA{0x00, 0xff, 0x00, 0xff},
		color.RGBA{0x00, 0x00, 0x00, 0xff},
		color.RGBA{0xff, 0x00, 0x00, 0xff},
	}
	_, err = c.Decode(blob, out)
	require.NoError(t, err)
	assert.Equal(t, []uint8{3, 4, 2, 0}, out.Bands[0][:4])
}

func TestPaletteExpandedForJPEG(t *testing.T) {
	c := New(Options{Format: JPEG, Quality: 95}, nil)
	in := NewTile(size, size, 1)
	in.Palette = fourColors
	for i := range in.Bands[0] {
		in.Bands[0][i] = 1
	}
	out, _ := roundTrip(t, c, in)
	for _, v := range out.Bands[0] {
		require.Equal(t, uint8(1), v)
	}
}

func TestPalettedTileIntoRGBA(t *testing.T) {
	c := New(Options{Format: PNG}, nil)
	blob, err := c.Encode(indexed())
	require.NoError(t, err)

	out := NewTile(size, size, 4)
	_, err = c.Decode(blob, out)
	require.NoError(t, err)
	// Index 3 is blue
	assert.Equal(t, []uint8{0, 0, 0xff, 0xff}, []uint8{out.Bands[0][3], out.Bands[1][3], out.Bands[2][3], out.Bands[3][3]})
}

func TestNearestTieBreak(t *testing.T) {
	p := color.Palette{
		color.NRGBA{0, 0, 0, 0xff},
		color.NRGBA{20, 0, 0, 0xff},
		color.NRGBA{0, 20, 0, 0xff},
	}
	assert.Equal(t, 0, nearest(p, color.NRGBA{10, 0, 0, 0xff}))
	assert.Equal(t, 1, nearest(p, color.NRGBA{19, 0, 0, 0xff}))
}

func TestDecodeMalformed(t *testing.T) {
	c := New(Options{Format: PNG}, nil)
	out := NewTile(size, size, 3)

	_, err := c.Decode([]byte("not a tile"), out)
	assert.ErrorIs(t, err, ErrDecode)

	blob, err := c.Encode(gradient(3))
	require.NoError(t, err)
	_, err = c.Decode(blob[:len(blob)/2], out)
	assert.ErrorIs(t, err, ErrDecode)

	small := NewTile(size/2, size/2, 3)
	_, err = c.Decode(blob, small)
	assert.ErrorIs(t, err, ErrInconsistentGeometry)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestEncodeRejectsBadTile(t *testing.T) {
	c := New(Options{Format: PNG}, nil)
	_, err := c.Encode(NewTile(size, size, 2))
	assert.ErrorIs(t, err, ErrCodec)

	in := NewTile(size, size, 3)
	in.Bands[1] = in.Bands[1][:10]
	_, err = c.Encode(in)
	assert.ErrorIs(t, err, ErrCodec)
}

func TestParseFormat(t *testing.T) {
	for _, name := range []string{"PNG_JPEG", "png", "PNG8", "jpeg", "WEBP"} {
		f, err := ParseFormat(name)
		require.NoError(t, err)
		assert.True(t, strings.EqualFold(name, f.String()))
	}
	_, err := ParseFormat("GIF")
	assert.Error(t, err)
}
