/*
Package codec converts the decoded pixels of a tile to and from the compressed
blob stored for it.

Pixels are held planar, one byte plane per band. A single band tile is either
grey or, with a palette, colour indices. Three band tiles are RGB and four
band tiles are RGBA. The blob is whatever the PNG, JPEG or WEBP encoder
produces; nothing is added to it.
*/
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"strings"
)

var (
	// ErrDecode is returned for a blob that cannot be turned back into a
	// tile. Callers substitute nodata for the tile.
	ErrDecode = errors.New("codec: cannot decode tile")

	// ErrInconsistentGeometry is returned when a decoded tile does not
	// match the expected dimensions. It is a kind of ErrDecode.
	ErrInconsistentGeometry = fmt.Errorf("%w: inconsistent geometry", ErrDecode)

	// ErrCodec is returned when a tile cannot be encoded
	ErrCodec = errors.New("codec: cannot encode tile")
)

// Format is a tile compression format
type Format int

const (
	// Auto picks JPEG for opaque tiles and PNG for everything else
	Auto Format = iota
	PNG
	// PNG8 is a paletted PNG, quantizing RGB(A) tiles to 256 colors
	PNG8
	JPEG
	WEBP
)

var formatNames = [...]string{
	Auto: "PNG_JPEG",
	PNG:  "PNG",
	PNG8: "PNG8",
	JPEG: "JPEG",
	WEBP: "WEBP",
}

func (f Format) String() string {
	if f < 0 || int(f) >= len(formatNames) {
		return fmt.Sprintf("Format(%d)", int(f))
	}
	return formatNames[f]
}

// ParseFormat returns the Format with the given name
func ParseFormat(s string) (Format, error) {
	for i, name := range formatNames {
		if strings.EqualFold(s, name) {
			return Format(i), nil
		}
	}
	return Auto, fmt.Errorf("codec: unknown format %q", s)
}

func (f Format) alpha() bool {
	return f != JPEG
}

// Options controls how tiles are encoded
type Options struct {
	Format  Format
	Quality int // 1-100, JPEG and lossy WEBP
	ZLevel  int // 1-9, PNG
	Dither  bool
	// WebPLossless writes lossless WEBP, ignoring Quality
	WebPLossless bool
}

// Tile is a decoded tile
type Tile struct {
	Width, Height int
	// Bands holds Width*Height bytes per band
	Bands [][]byte
	// Palette is the color table of a single band tile, or nil
	Palette color.Palette
	// Valid is the area that holds raster data. Outside of it pixels are
	// written transparent if the format allows. Empty means the whole tile.
	Valid image.Rectangle
}

// NewTile allocates a zeroed tile
func NewTile(width, height, bands int) *Tile {
	t := &Tile{
		Width:  width,
		Height: height,
		Bands:  make([][]byte, bands),
	}
	for i := range t.Bands {
		t.Bands[i] = make([]byte, width*height)
	}
	return t
}

// Zero sets every pixel of every band to 0
func (t *Tile) Zero() {
	for _, b := range t.Bands {
		clear(b)
	}
}

func (t *Tile) bounds() image.Rectangle {
	return image.Rect(0, 0, t.Width, t.Height)
}

func (t *Tile) valid() image.Rectangle {
	if t.Valid.Empty() {
		return t.bounds()
	}
	return t.Valid.Intersect(t.bounds())
}

func (t *Tile) check() error {
	switch len(t.Bands) {
	case 1, 3, 4:
	default:
		return fmt.Errorf("%w: unsupported band count %d", ErrCodec, len(t.Bands))
	}
	for i, b := range t.Bands {
		if len(b) != t.Width*t.Height {
			return fmt.Errorf("%w: band %d has %d bytes, want %d", ErrCodec, i+1, len(b), t.Width*t.Height)
		}
	}
	if t.Palette != nil && (len(t.Bands) != 1 || len(t.Palette) > 256) {
		return fmt.Errorf("%w: palette needs a single band and at most 256 colors", ErrCodec)
	}
	return nil
}

var (
	pngMagic  = []byte("\x89PNG\r\n\x1a\n")
	jpegMagic = []byte{0xff, 0xd8, 0xff}
)

// Sniff identifies the format of a blob from its leading bytes. It also
// reports whether the blob was compressed lossily and whether the format was
// recognised at all.
func Sniff(b []byte) (Format, bool, bool) {
	switch {
	case bytes.HasPrefix(b, pngMagic):
		return PNG, false, true
	case bytes.HasPrefix(b, jpegMagic):
		return JPEG, true, true
	case len(b) >= 16 && string(b[0:4]) == "RIFF" && string(b[8:12]) == "WEBP":
		switch string(b[12:16]) {
		case "VP8L":
			return WEBP, false, true
		case "VP8X":
			// Extended format, lossless unless a VP8 chunk follows
			return WEBP, bytes.Contains(b[16:], []byte("VP8 ")), true
		}
		return WEBP, true, true
	}
	return Auto, false, false
}

// Info describes a decoded blob
type Info struct {
	Format Format
	// Bands is the number of bands stored in the blob
	Bands int
	Lossy bool
}

// Codec encodes and decodes tiles
type Codec struct {
	opts   Options
	logger *slog.Logger
}

// New returns a Codec using the given options. A nil logger discards
// everything.
func New(opts Options, logger *slog.Logger) *Codec {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Codec{
		opts:   opts,
		logger: logger,
	}
}

// Options returns the options the codec was created with
func (c *Codec) Options() Options {
	return c.opts
}
