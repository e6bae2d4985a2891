package rastertiles

import (
	"testing"

	"github.com/bodgit/rastertiles/codec"
	"github.com/bodgit/rastertiles/tile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOptionsDefaults(t *testing.T) {
	o, err := ParseOptions(nil)
	require.NoError(t, err)
	assert.Equal(t, Options{
		Driver:     "PNG_JPEG",
		Quality:    75,
		ZLevel:     6,
		BandCount:  4,
		TileWidth:  256,
		TileHeight: 256,
	}, o)
}

func TestParseOptions(t *testing.T) {
	o, err := ParseOptions([]string{
		"driver=png8",
		"QUALITY=90",
		"ZLEVEL=9",
		"DITHER=YES",
		"WEBP_LOSSLESS=true",
		"BAND_COUNT=3",
		"TILE_WIDTH=512",
		"TILE_HEIGHT=128",
		"ZOOM_LEVEL=12",
		"MATRIX_WIDTH=4096",
		"MATRIX_HEIGHT=2048",
	})
	require.NoError(t, err)
	assert.Equal(t, Options{
		Driver:       "PNG8",
		Quality:      90,
		ZLevel:       9,
		Dither:       true,
		WebPLossless: true,
		BandCount:    3,
		TileWidth:    512,
		TileHeight:   128,
		ZoomLevel:    12,
		MatrixWidth:  4096,
		MatrixHeight: 2048,
	}, o)

	assert.Equal(t, codec.Options{
		Format:       codec.PNG8,
		Quality:      90,
		ZLevel:       9,
		Dither:       true,
		WebPLossless: true,
	}, o.codec())
}

func TestParseOptionsErrors(t *testing.T) {
	tables := []struct {
		name string
		kv   []string
	}{
		{"no value", []string{"QUALITY"}},
		{"unknown key", []string{"COMPRESS=DEFLATE"}},
		{"unknown driver", []string{"DRIVER=GIF"}},
		{"not a number", []string{"QUALITY=high"}},
		{"quality range", []string{"QUALITY=0"}},
		{"zlevel range", []string{"ZLEVEL=10"}},
		{"two bands", []string{"BAND_COUNT=2"}},
		{"tile too wide", []string{"TILE_WIDTH=65537"}},
		{"not a bool", []string{"DITHER=maybe"}},
	}

	for _, table := range tables {
		t.Run(table.name, func(t *testing.T) {
			_, err := ParseOptions(table.kv)
			assert.Error(t, err)
		})
	}
}

func TestDerivedMatrix(t *testing.T) {
	o := DefaultOptions()
	o.ZoomLevel = 3

	m := o.matrix(Geometry{Width: 600, Height: 256, OriginX: 100, OriginY: 10})
	assert.Equal(t, tile.Matrix{
		Zoom:         3,
		TileWidth:    256,
		TileHeight:   256,
		MatrixWidth:  3,
		MatrixHeight: 2,
		BandCount:    4,
	}, m)

	o.MatrixWidth, o.MatrixHeight = 8, 8
	m = o.matrix(Geometry{Width: 600, Height: 256})
	assert.Equal(t, uint32(8), m.MatrixWidth)
	assert.Equal(t, uint32(8), m.MatrixHeight)
}
