package codec

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"

	"github.com/chai2010/webp"
)

// Decode decompresses blob into dst, which must already be sized for the
// tile. The stored tile may have a different band layout or palette than
// dst; it is converted. Any error wraps ErrDecode and leaves dst in an
// undefined state.
func (c *Codec) Decode(blob []byte, dst *Tile) (Info, error) {
	if err := dst.check(); err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	f, lossy, ok := Sniff(blob)
	if !ok {
		return Info{}, fmt.Errorf("%w: unrecognised blob of %d bytes", ErrDecode, len(blob))
	}

	var m image.Image
	var err error
	r := bytes.NewReader(blob)
	switch f {
	case PNG:
		m, err = png.Decode(r)
	case JPEG:
		m, err = jpeg.Decode(r)
	case WEBP:
		m, err = decodeWEBP(blob)
	}
	if err != nil {
		return Info{}, fmt.Errorf("%w: %s: %v", ErrDecode, f, err)
	}

	if b := m.Bounds(); b.Dx() != dst.Width || b.Dy() != dst.Height {
		return Info{}, fmt.Errorf("%w: tile is %dx%d, want %dx%d", ErrInconsistentGeometry, b.Dx(), b.Dy(), dst.Width, dst.Height)
	}

	if dst.Palette != nil {
		fillIndexed(dst, m)
	} else {
		fill(dst, m)
	}

	return Info{
		Format: f,
		Bands:  storedBands(m),
		Lossy:  lossy,
	}, nil
}

// decodeWEBP returns the pixels libwebp gives back, which have straight
// alpha, as an NRGBA image
func decodeWEBP(blob []byte) (image.Image, error) {
	m, err := webp.DecodeRGBA(blob)
	if err != nil {
		return nil, err
	}
	return &image.NRGBA{Pix: m.Pix, Stride: m.Stride, Rect: m.Rect}, nil
}

func storedBands(m image.Image) int {
	switch m.(type) {
	case *image.Gray, *image.Gray16, *image.Paletted:
		return 1
	case *image.YCbCr, *image.CMYK:
		return 3
	}
	if o, ok := m.(interface{ Opaque() bool }); ok && o.Opaque() {
		return 3
	}
	return 4
}

// set stores one pixel into however many bands dst has. A single band takes
// the red channel.
func set(dst *Tile, i int, r, g, b, a uint8) {
	switch len(dst.Bands) {
	case 4:
		dst.Bands[3][i] = a
		fallthrough
	case 3:
		dst.Bands[2][i] = b
		dst.Bands[1][i] = g
		fallthrough
	default:
		dst.Bands[0][i] = r
	}
}

func fill(dst *Tile, m image.Image) {
	b := m.Bounds()

	switch src := m.(type) {
	case *image.Paletted:
		// Expand through the tile's own palette
		lut := newLUT(src.Palette)
		for y := 0; y < dst.Height; y++ {
			for x := 0; x < dst.Width; x++ {
				idx := src.Pix[src.PixOffset(b.Min.X+x, b.Min.Y+y)]
				set(dst, y*dst.Width+x, lut[0][idx], lut[1][idx], lut[2][idx], lut[3][idx])
			}
		}
	case *image.Gray:
		for y := 0; y < dst.Height; y++ {
			for x := 0; x < dst.Width; x++ {
				v := src.Pix[src.PixOffset(b.Min.X+x, b.Min.Y+y)]
				set(dst, y*dst.Width+x, v, v, v, 0xff)
			}
		}
	case *image.NRGBA:
		for y := 0; y < dst.Height; y++ {
			for x := 0; x < dst.Width; x++ {
				o := src.PixOffset(b.Min.X+x, b.Min.Y+y)
				set(dst, y*dst.Width+x, src.Pix[o], src.Pix[o+1], src.Pix[o+2], src.Pix[o+3])
			}
		}
	default:
		for y := 0; y < dst.Height; y++ {
			for x := 0; x < dst.Width; x++ {
				c := color.NRGBAModel.Convert(m.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
				set(dst, y*dst.Width+x, c.R, c.G, c.B, c.A)
			}
		}
	}
}

// fillIndexed decodes into a single band raster with a color table,
// translating the stored colors into indices of that table
func fillIndexed(dst *Tile, m image.Image) {
	b := m.Bounds()
	out := dst.Bands[0]

	if src, ok := m.(*image.Paletted); ok {
		remap := remapPalette(src.Palette, dst.Palette)
		for y := 0; y < dst.Height; y++ {
			for x := 0; x < dst.Width; x++ {
				var v uint8
				if idx := int(src.Pix[src.PixOffset(b.Min.X+x, b.Min.Y+y)]); idx < len(remap) {
					v = remap[idx]
				}
				out[y*dst.Width+x] = v
			}
		}
		return
	}

	seen := make(map[color.NRGBA]uint8)
	for y := 0; y < dst.Height; y++ {
		for x := 0; x < dst.Width; x++ {
			c := color.NRGBAModel.Convert(m.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			idx, ok := seen[c]
			if !ok {
				idx = uint8(nearest(dst.Palette, c))
				seen[c] = idx
			}
			out[y*dst.Width+x] = idx
		}
	}
}
