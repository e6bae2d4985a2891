package tile

import (
	"image"
	"math/bits"
)

// Quadrant is a bit set of the four sub-rectangles of a tile
type Quadrant uint8

const (
	TopLeft Quadrant = 1 << iota
	TopRight
	BottomLeft
	BottomRight

	// AllQuadrants is every quadrant of a tile
	AllQuadrants = TopLeft | TopRight | BottomLeft | BottomRight
)

var quadrants = [...]Quadrant{TopLeft, TopRight, BottomLeft, BottomRight}

// Each calls f for every quadrant set in q, in top-left to bottom-right order
func (q Quadrant) Each(f func(Quadrant)) {
	for _, one := range quadrants {
		if q&one != 0 {
			f(one)
		}
	}
}

// Count returns the number of quadrants set in q
func (q Quadrant) Count() int {
	return bits.OnesCount8(uint8(q))
}

// Shift is the offset between the raster's pixel origin and the tile grid's
// origin, split into whole tiles and the remaining pixels.
type Shift struct {
	XTiles     int64
	XPixelsMod uint32
	YTiles     int64
	YPixelsMod uint32
}

// NewShift derives the shift of a raster whose pixel (0,0) is found at
// (originX, originY) in the pixel grid of the zoom level.
func NewShift(originX, originY int64, tileWidth, tileHeight uint32) Shift {
	xt, xm := floorDivMod(originX, int64(tileWidth))
	yt, ym := floorDivMod(originY, int64(tileHeight))
	return Shift{
		XTiles:     xt,
		XPixelsMod: uint32(xm),
		YTiles:     yt,
		YPixelsMod: uint32(ym),
	}
}

// Aligned reports whether the raster starts on a tile boundary
func (s Shift) Aligned() bool {
	return s.XPixelsMod == 0 && s.YPixelsMod == 0
}

func floorDivMod(a, b int64) (int64, int64) {
	q, r := a/b, a%b
	if r < 0 {
		q--
		r += b
	}
	return q, r
}

// quadrantRect returns the pixels of quadrant q within a tile. The tile is
// split at the pixel offset of the shift so a quadrant may be empty.
func quadrantRect(q Quadrant, s Shift, w, h int) image.Rectangle {
	mx, my := int(s.XPixelsMod), int(s.YPixelsMod)
	switch q {
	case TopLeft:
		return image.Rect(0, 0, mx, my)
	case TopRight:
		return image.Rect(mx, 0, w, my)
	case BottomLeft:
		return image.Rect(0, my, mx, h)
	case BottomRight:
		return image.Rect(mx, my, w, h)
	}
	return image.Rectangle{}
}
