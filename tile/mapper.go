package tile

import (
	"errors"
	"image"
	"math"
)

var (
	errOverflow  = errors.New("tile: block coordinates overflow")
	errBadSize   = errors.New("tile: raster size must be positive")
	errBadOrigin = errors.New("tile: raster origin out of range")
)

// Part is the contribution of one stored tile to a raster block
type Part struct {
	Key Key
	// Src is the rectangle read from or written to, in tile pixels
	Src image.Rectangle
	// Dst is where Src lands within the block
	Dst image.Point
	// Quadrant is the quadrant of the tile that Src covers
	Quadrant Quadrant
}

// Mapper translates raster block coordinates into tile coordinates
type Mapper struct {
	Matrix Matrix
	Shift  Shift

	width, height    int64
	originX, originY int64
}

// NewMapper returns a Mapper for a raster of the given size whose pixel (0,0)
// is at (originX, originY) in the pixel grid of the matrix's zoom level.
func NewMapper(m Matrix, originX, originY, width, height int64) (*Mapper, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if width <= 0 || height <= 0 {
		return nil, errBadSize
	}
	if originX > math.MaxInt64-width || originY > math.MaxInt64-height {
		return nil, errBadOrigin
	}
	return &Mapper{
		Matrix:  m,
		Shift:   NewShift(originX, originY, m.TileWidth, m.TileHeight),
		width:   width,
		height:  height,
		originX: originX,
		originY: originY,
	}, nil
}

// Size returns the raster size in pixels
func (m *Mapper) Size() (int64, int64) {
	return m.width, m.height
}

// Blocks returns the number of blocks across and down the raster
func (m *Mapper) Blocks() (int64, int64) {
	tw, th := int64(m.Matrix.TileWidth), int64(m.Matrix.TileHeight)
	return (m.width + tw - 1) / tw, (m.height + th - 1) / th
}

// BlockRect returns the pixels of block (bx, by) in raster coordinates,
// including any padding beyond the raster's edge.
func (m *Mapper) BlockRect(bx, by int64) image.Rectangle {
	tw, th := int(m.Matrix.TileWidth), int(m.Matrix.TileHeight)
	x, y := int(bx)*tw, int(by)*th
	return image.Rect(x, y, x+tw, y+th)
}

// MapBlock returns the tiles covering block (bx, by). The first part is the
// primary tile; the right, below and diagonal neighbours follow when the
// shift is not tile-aligned.
func (m *Mapper) MapBlock(bx, by int64) ([]Part, error) {
	row, ok := add(by, m.Shift.YTiles)
	if !ok {
		return nil, errOverflow
	}
	col, ok := add(bx, m.Shift.XTiles)
	if !ok {
		return nil, errOverflow
	}
	if row == math.MaxInt64 || col == math.MaxInt64 {
		return nil, errOverflow
	}

	tw, th := int(m.Matrix.TileWidth), int(m.Matrix.TileHeight)
	mx, my := int(m.Shift.XPixelsMod), int(m.Shift.YPixelsMod)
	primary := Key{Zoom: m.Matrix.Zoom, Row: row, Col: col}

	parts := make([]Part, 0, 4)
	parts = append(parts, Part{
		Key:      primary,
		Src:      image.Rect(mx, my, tw, th),
		Dst:      image.Pt(0, 0),
		Quadrant: BottomRight,
	})
	if mx != 0 {
		parts = append(parts, Part{
			Key:      primary.Right(),
			Src:      image.Rect(0, my, mx, th),
			Dst:      image.Pt(tw-mx, 0),
			Quadrant: BottomLeft,
		})
	}
	if my != 0 {
		parts = append(parts, Part{
			Key:      primary.Below(),
			Src:      image.Rect(mx, 0, tw, my),
			Dst:      image.Pt(0, th-my),
			Quadrant: TopRight,
		})
	}
	if mx != 0 && my != 0 {
		parts = append(parts, Part{
			Key:      primary.Right().Below(),
			Src:      image.Rect(0, 0, mx, my),
			Dst:      image.Pt(tw-mx, th-my),
			Quadrant: TopLeft,
		})
	}
	return parts, nil
}

// QuadrantRect returns the pixels of quadrant q within any tile
func (m *Mapper) QuadrantRect(q Quadrant) image.Rectangle {
	return quadrantRect(q, m.Shift, int(m.Matrix.TileWidth), int(m.Matrix.TileHeight))
}

// Valid returns the pixels of tile k that hold raster data, in tile
// coordinates. The result is empty when the tile lies outside the raster.
func (m *Mapper) Valid(k Key) image.Rectangle {
	tw, th := int64(m.Matrix.TileWidth), int64(m.Matrix.TileHeight)
	// Work relative to the tile so large grid coordinates don't overflow int
	x0 := m.originX - k.Col*tw
	y0 := m.originY - k.Row*th
	r := image.Rectangle{
		Min: image.Pt(clamp(x0, tw), clamp(y0, th)),
		Max: image.Pt(clamp(x0+m.width, tw), clamp(y0+m.height, th)),
	}
	if r.Empty() {
		return image.Rectangle{}
	}
	return r
}

// Partial reports whether only part of tile k holds raster data
func (m *Mapper) Partial(k Key) bool {
	return m.Valid(k) != image.Rect(0, 0, int(m.Matrix.TileWidth), int(m.Matrix.TileHeight))
}

// Needed returns the quadrants of tile k that some raster block writes to.
// A tile is complete once every needed quadrant of every band is known.
func (m *Mapper) Needed(k Key) Quadrant {
	valid := m.Valid(k)
	var needed Quadrant
	AllQuadrants.Each(func(q Quadrant) {
		if m.QuadrantRect(q).Overlaps(valid) {
			needed |= q
		}
	})
	return needed
}

func clamp(v, max int64) int {
	switch {
	case v < 0:
		return 0
	case v > max:
		return int(max)
	}
	return int(v)
}

func add(a, b int64) (int64, bool) {
	c := a + b
	if (c > a) != (b > 0) {
		return 0, false
	}
	return c, true
}
