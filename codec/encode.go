package codec

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"io"

	"github.com/chai2010/webp"
	"github.com/ericpauley/go-quantize/quantize"
)

const (
	maxColors      = 256
	defaultQuality = 75
)

// Encode compresses t into a blob. A nil blob with a nil error means every
// pixel is transparent and nothing should be stored for the tile.
func (c *Codec) Encode(t *Tile) ([]byte, error) {
	if err := t.check(); err != nil {
		return nil, err
	}

	valid := t.valid()
	partial := valid != t.bounds()
	bands := len(t.Bands)

	if bands == 4 {
		transparent, opaque := alphaCoverage(t, valid)
		if transparent {
			return nil, nil
		}
		// An opaque tile can go through a codec without alpha
		if opaque && !partial {
			bands = 3
		}
	}

	format := c.resolve(t, bands, partial)
	if bands == 4 && !format.alpha() {
		c.logger.Warn("dropping alpha band", "format", format)
	}

	m := toImage(t, bands, format, partial, valid)

	b := new(bytes.Buffer)
	var err error
	switch format {
	case PNG:
		err = c.encodePNG(b, m)
	case PNG8:
		err = c.encodePNG(b, c.palettize(m))
	case JPEG:
		err = jpeg.Encode(b, m, &jpeg.Options{Quality: c.quality()})
	case WEBP:
		err = c.encodeWEBP(b, m)
	default:
		err = fmt.Errorf("unsupported format %s", format)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCodec, format, err)
	}

	return b.Bytes(), nil
}

// resolve picks the format for one tile from the configured one and the
// tile's content
func (c *Codec) resolve(t *Tile, bands int, partial bool) Format {
	if c.opts.Format != Auto {
		return c.opts.Format
	}
	// JPEG can carry neither transparency nor a palette
	if partial || bands == 4 || t.Palette != nil {
		return PNG
	}
	return JPEG
}

func (c *Codec) quality() int {
	if c.opts.Quality <= 0 || c.opts.Quality > 100 {
		return defaultQuality
	}
	return c.opts.Quality
}

func pngLevel(zlevel int) png.CompressionLevel {
	switch {
	case zlevel <= 0:
		return png.DefaultCompression
	case zlevel <= 3:
		return png.BestSpeed
	case zlevel <= 6:
		return png.DefaultCompression
	}
	return png.BestCompression
}

// straight returns the pixels of m with straight alpha. libwebp takes and
// gives straight alpha even though the binding's types are premultiplied, so
// the bytes are passed through as they are.
func straight(m image.Image) *image.RGBA {
	n, ok := m.(*image.NRGBA)
	if !ok {
		n = image.NewNRGBA(m.Bounds())
		draw.Draw(n, n.Bounds(), m, m.Bounds().Min, draw.Src)
	}
	return &image.RGBA{Pix: n.Pix, Stride: n.Stride, Rect: n.Rect}
}

func (c *Codec) encodeWEBP(w io.Writer, m image.Image) error {
	var data []byte
	var err error
	if c.opts.WebPLossless {
		data, err = webp.EncodeLosslessRGBA(straight(m))
	} else {
		data, err = webp.EncodeRGBA(straight(m), float32(c.quality()))
	}
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func (c *Codec) encodePNG(w io.Writer, m image.Image) error {
	enc := png.Encoder{CompressionLevel: pngLevel(c.opts.ZLevel)}
	return enc.Encode(w, m)
}

// alphaCoverage reports whether every pixel of the alpha band is 0 and
// whether every pixel is 255. Pixels outside valid count as transparent.
func alphaCoverage(t *Tile, valid image.Rectangle) (bool, bool) {
	transparent, opaque := true, valid == t.bounds()
	alpha := t.Bands[3]
	for y := valid.Min.Y; y < valid.Max.Y && (transparent || opaque); y++ {
		for _, a := range alpha[y*t.Width+valid.Min.X : y*t.Width+valid.Max.X] {
			if a != 0 {
				transparent = false
			}
			if a != 0xff {
				opaque = false
			}
		}
	}
	return transparent, opaque
}

// toImage builds the image handed to the encoder. Bands may be fewer than
// the tile holds when the alpha band is being dropped.
func toImage(t *Tile, bands int, f Format, partial bool, valid image.Rectangle) image.Image {
	r := t.bounds()

	switch {
	case t.Palette != nil && (f == PNG || f == PNG8):
		m := image.NewPaletted(r, t.Palette)
		copy(m.Pix, t.Bands[0])
		return m
	case t.Palette != nil:
		// Expand the color table for codecs without palettes
		lut := newLUT(t.Palette)
		m := image.NewNRGBA(r)
		for i, idx := range t.Bands[0] {
			o := i << 2
			m.Pix[o+0] = lut[0][idx]
			m.Pix[o+1] = lut[1][idx]
			m.Pix[o+2] = lut[2][idx]
			m.Pix[o+3] = 0xff
			if f.alpha() {
				m.Pix[o+3] = lut[3][idx]
			}
		}
		return m
	case bands == 1 && !(partial && f.alpha()):
		m := image.NewGray(r)
		copy(m.Pix, t.Bands[0])
		return m
	}

	alpha := f.alpha() && (bands == 4 || partial)
	m := image.NewNRGBA(r)
	for i := 0; i < t.Width*t.Height; i++ {
		o := i << 2
		if bands == 1 {
			g := t.Bands[0][i]
			m.Pix[o+0], m.Pix[o+1], m.Pix[o+2] = g, g, g
		} else {
			m.Pix[o+0], m.Pix[o+1], m.Pix[o+2] = t.Bands[0][i], t.Bands[1][i], t.Bands[2][i]
		}
		m.Pix[o+3] = 0xff
		if alpha && bands == 4 {
			m.Pix[o+3] = t.Bands[3][i]
		}
	}

	if alpha && partial {
		for y := 0; y < t.Height; y++ {
			for x := 0; x < t.Width; x++ {
				if !image.Pt(x, y).In(valid) {
					m.Pix[m.PixOffset(x, y)+3] = 0
				}
			}
		}
	}

	return m
}

// uniqueColors returns every color in m, or nil if there are more than max
func uniqueColors(m image.Image, max int) color.Palette {
	b := m.Bounds()
	seen := make(map[color.NRGBA]struct{})
	p := make(color.Palette, 0, max)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(m.At(x, y)).(color.NRGBA)
			if _, ok := seen[c]; ok {
				continue
			}
			if len(p) == max {
				return nil
			}
			seen[c] = struct{}{}
			p = append(p, c)
		}
	}
	return p
}

// palettize reduces m to at most 256 colors. Images that already have few
// enough colors keep them exactly, otherwise a median cut palette is built
// and optionally dithered.
func (c *Codec) palettize(m image.Image) image.Image {
	switch m.(type) {
	case *image.Paletted, *image.Gray:
		return m
	}

	b := m.Bounds()

	if p := uniqueColors(m, maxColors); p != nil {
		index := make(map[color.NRGBA]uint8, len(p))
		for i, c := range p {
			index[c.(color.NRGBA)] = uint8(i)
		}
		pm := image.NewPaletted(b, p)
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				pm.Pix[pm.PixOffset(x, y)] = index[color.NRGBAModel.Convert(m.At(x, y)).(color.NRGBA)]
			}
		}
		return pm
	}

	q := quantize.MedianCutQuantizer{}
	pm := image.NewPaletted(b, q.Quantize(make(color.Palette, 0, maxColors), m))
	if c.opts.Dither {
		draw.FloydSteinberg.Draw(pm, b, m, b.Min)
	} else {
		draw.Draw(pm, b, m, b.Min, draw.Src)
	}
	return pm
}
