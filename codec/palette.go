package codec

import "image/color"

// lut expands a palette index into its four channels
type lut [4][256]uint8

func newLUT(p color.Palette) *lut {
	l := new(lut)
	for i, c := range p {
		if i == 256 {
			break
		}
		n := color.NRGBAModel.Convert(c).(color.NRGBA)
		l[0][i], l[1][i], l[2][i], l[3][i] = n.R, n.G, n.B, n.A
	}
	return l
}

func sqDiff(x, y uint8) uint32 {
	d := int32(x) - int32(y)
	return uint32(d * d)
}

// nearest returns the index of the color in p closest to c. Ties go to the
// lowest index.
func nearest(p color.Palette, c color.NRGBA) int {
	best, bestSum := 0, uint32(1<<32-1)
	for i, pc := range p {
		n := color.NRGBAModel.Convert(pc).(color.NRGBA)
		sum := sqDiff(n.R, c.R) + sqDiff(n.G, c.G) + sqDiff(n.B, c.B) + sqDiff(n.A, c.A)
		if sum < bestSum {
			best, bestSum = i, sum
			if sum == 0 {
				break
			}
		}
	}
	return best
}

func samePalette(p1, p2 color.Palette) bool {
	if len(p1) != len(p2) {
		return false
	}
	for i := range p1 {
		if color.NRGBAModel.Convert(p1[i]) != color.NRGBAModel.Convert(p2[i]) {
			return false
		}
	}
	return true
}

// remapPalette maps every index of the stored palette onto the closest index
// of the raster's palette
func remapPalette(stored, raster color.Palette) []uint8 {
	remap := make([]uint8, len(stored))
	if samePalette(stored, raster) {
		for i := range remap {
			remap[i] = uint8(i)
		}
		return remap
	}
	for i, c := range stored {
		remap[i] = uint8(nearest(raster, color.NRGBAModel.Convert(c).(color.NRGBA)))
	}
	return remap
}
