/*
Package tile implements the arithmetic that maps the blocks of a raster onto
the tiles of a tile pyramid.

A raster does not need to start on a tile boundary. Its pixel (0,0) may sit
anywhere in the pixel grid of the zoom level, in which case every raster
block straddles up to four stored tiles. Each stored tile is then split into
four quadrants, one per raster block that contributes to it.
*/
package tile

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// MaxBands is the largest number of bands a tile can hold
const MaxBands = 4

// Key identifies one stored tile
type Key struct {
	Zoom uint32
	Row  int64
	Col  int64
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d/%d", k.Zoom, k.Row, k.Col)
}

// Right returns the key of the tile to the right of k
func (k Key) Right() Key {
	return Key{Zoom: k.Zoom, Row: k.Row, Col: k.Col + 1}
}

// Below returns the key of the tile below k
func (k Key) Below() Key {
	return Key{Zoom: k.Zoom, Row: k.Row + 1, Col: k.Col}
}

// Matrix describes the tiles of one zoom level
type Matrix struct {
	Zoom         uint32
	TileWidth    uint32 `validate:"required,min=1,max=65536"`
	TileHeight   uint32 `validate:"required,min=1,max=65536"`
	MatrixWidth  uint32 `validate:"required,min=1"`
	MatrixHeight uint32 `validate:"required,min=1"`
	BandCount    int    `validate:"oneof=1 3 4"`
}

// Validate checks the matrix is usable
func (m Matrix) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	return validate.Struct(m)
}

// Contains reports whether k addresses a tile inside the matrix. Keys
// outside of it resolve to nodata and are never written.
func (m Matrix) Contains(k Key) bool {
	return k.Zoom == m.Zoom &&
		k.Row >= 0 && k.Row < int64(m.MatrixHeight) &&
		k.Col >= 0 && k.Col < int64(m.MatrixWidth)
}

// Pixels returns the number of pixels in a single band of a tile
func (m Matrix) Pixels() int {
	return int(m.TileWidth) * int(m.TileHeight)
}
