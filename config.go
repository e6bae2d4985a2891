package rastertiles

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bodgit/rastertiles/codec"
	"github.com/bodgit/rastertiles/tile"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
)

// Options is the creation and encoding configuration of a raster
type Options struct {
	Driver       string `default:"PNG_JPEG" validate:"oneof=PNG_JPEG PNG PNG8 JPEG WEBP"`
	Quality      int    `default:"75" validate:"min=1,max=100"`
	ZLevel       int    `default:"6" validate:"min=1,max=9"`
	Dither       bool
	WebPLossless bool
	BandCount    int    `default:"4" validate:"oneof=1 3 4"`
	TileWidth    uint32 `default:"256" validate:"min=1,max=65536"`
	TileHeight   uint32 `default:"256" validate:"min=1,max=65536"`
	ZoomLevel    uint32
	// MatrixWidth and MatrixHeight default to just enough tiles to hold
	// the raster
	MatrixWidth  uint32
	MatrixHeight uint32
}

// DefaultOptions returns the options with every default applied
func DefaultOptions() Options {
	var o Options
	if err := defaults.Set(&o); err != nil {
		panic(err)
	}
	return o
}

// Validate checks every option is in range
func (o Options) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	return validate.Struct(o)
}

// ParseOptions builds Options from KEY=VALUE strings, starting from the
// defaults. Keys are case insensitive.
func ParseOptions(kv []string) (Options, error) {
	o := DefaultOptions()

	for _, s := range kv {
		key, value, ok := strings.Cut(s, "=")
		if !ok {
			return o, fmt.Errorf("option %q is not KEY=VALUE", s)
		}

		var err error
		switch strings.ToUpper(strings.TrimSpace(key)) {
		case "DRIVER", "TILE_FORMAT":
			var f codec.Format
			if f, err = codec.ParseFormat(value); err == nil {
				o.Driver = f.String()
			}
		case "QUALITY":
			o.Quality, err = strconv.Atoi(value)
		case "ZLEVEL":
			o.ZLevel, err = strconv.Atoi(value)
		case "DITHER":
			o.Dither, err = parseBool(value)
		case "WEBP_LOSSLESS":
			o.WebPLossless, err = parseBool(value)
		case "BAND_COUNT":
			o.BandCount, err = strconv.Atoi(value)
		case "TILE_WIDTH":
			o.TileWidth, err = parseUint32(value)
		case "TILE_HEIGHT":
			o.TileHeight, err = parseUint32(value)
		case "ZOOM_LEVEL":
			o.ZoomLevel, err = parseUint32(value)
		case "MATRIX_WIDTH":
			o.MatrixWidth, err = parseUint32(value)
		case "MATRIX_HEIGHT":
			o.MatrixHeight, err = parseUint32(value)
		default:
			return o, fmt.Errorf("unknown option %q", key)
		}
		if err != nil {
			return o, fmt.Errorf("option %s: %w", key, err)
		}
	}

	return o, o.Validate()
}

func parseBool(s string) (bool, error) {
	switch strings.ToUpper(s) {
	case "YES", "ON":
		return true, nil
	case "NO", "OFF":
		return false, nil
	}
	return strconv.ParseBool(s)
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	return uint32(v), err
}

func (o Options) codec() codec.Options {
	f, _ := codec.ParseFormat(o.Driver)
	return codec.Options{
		Format:       f,
		Quality:      o.Quality,
		ZLevel:       o.ZLevel,
		Dither:       o.Dither,
		WebPLossless: o.WebPLossless,
	}
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}

// matrix returns the tile matrix for a raster of geometry g
func (o Options) matrix(g Geometry) tile.Matrix {
	m := tile.Matrix{
		Zoom:         o.ZoomLevel,
		TileWidth:    o.TileWidth,
		TileHeight:   o.TileHeight,
		MatrixWidth:  o.MatrixWidth,
		MatrixHeight: o.MatrixHeight,
		BandCount:    o.BandCount,
	}
	if m.MatrixWidth == 0 && g.OriginX+g.Width > 0 {
		m.MatrixWidth = uint32(ceilDiv(g.OriginX+g.Width, int64(o.TileWidth)))
	}
	if m.MatrixHeight == 0 && g.OriginY+g.Height > 0 {
		m.MatrixHeight = uint32(ceilDiv(g.OriginY+g.Height, int64(o.TileHeight)))
	}
	return m
}
