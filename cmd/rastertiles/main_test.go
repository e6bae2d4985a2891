package main

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlanesRoundTrip(t *testing.T) {
	m := image.NewNRGBA(image.Rect(0, 0, 3, 2))
	for i := range m.Pix {
		m.Pix[i] = byte(i * 9)
	}
	for i := 3; i < len(m.Pix); i += 4 {
		m.Pix[i] = 0xff
	}

	p := planes(m, 3, nil)
	assert.Len(t, p, 3)
	assert.Equal(t, []byte{0, 36, 72, 108, 144, 180}, p[0])
	assert.Equal(t, m, toImage(p, 3, 2))
}

func TestPlanesIndexed(t *testing.T) {
	palette := color.Palette{color.Black, color.White}
	m := image.NewPaletted(image.Rect(0, 0, 2, 2), palette)
	m.Pix = []byte{0, 1, 1, 0}

	assert.Equal(t, [][]byte{{0, 1, 1, 0}}, planes(m, 1, palette))
	assert.Equal(t, [][]byte{{0, 0xff, 0xff, 0}}, planes(m, 1, nil))
}
