package rastertiles

import (
	"context"
	"fmt"
	"image"

	"github.com/bodgit/rastertiles/tile"
)

func copyRect(dst, src []byte, stride int, r image.Rectangle) {
	for y := r.Min.Y; y < r.Max.Y; y++ {
		o := y*stride + r.Min.X
		copy(dst[o:o+r.Dx()], src[o:o+r.Dx()])
	}
}

// blit copies the part of a tile plane into a block plane, or the other
// way round when toTile is set
func blit(block, plane []byte, stride int, p tile.Part, toTile bool) {
	for y := p.Src.Min.Y; y < p.Src.Max.Y; y++ {
		t := y*stride + p.Src.Min.X
		b := (p.Dst.Y+y-p.Src.Min.Y)*stride + p.Dst.X
		if toTile {
			copy(plane[t:t+p.Src.Dx()], block[b:b+p.Src.Dx()])
		} else {
			copy(block[b:b+p.Src.Dx()], plane[t:t+p.Src.Dx()])
		}
	}
}

func (r *Raster) parts(bx, by int64, band int, buf []byte) ([]tile.Part, error) {
	if r.closed {
		return nil, errClosed
	}
	nx, ny := r.Blocks()
	if bx < 0 || by < 0 || bx >= nx || by >= ny {
		return nil, fmt.Errorf("rastertiles: block (%d,%d) out of range", bx, by)
	}
	if band < 0 || band >= r.Bands() {
		return nil, fmt.Errorf("rastertiles: band %d out of range", band+1)
	}
	if len(buf) != r.mapper.Matrix.Pixels() {
		return nil, fmt.Errorf("rastertiles: block buffer has %d bytes, want %d", len(buf), r.mapper.Matrix.Pixels())
	}

	parts, err := r.mapper.MapBlock(bx, by)
	if err != nil {
		return nil, err
	}
	if err := r.cache.EvictUnrelated(parts[0].Key); err != nil {
		return nil, err
	}
	return parts, nil
}

// ReadBlock reads band of block (bx, by) into dst, which holds one tile's
// worth of pixels. Bands count from 0. Unwritten pixels read as 0.
func (r *Raster) ReadBlock(bx, by int64, band int, dst []byte) error {
	parts, err := r.parts(bx, by, band, dst)
	if err != nil {
		return err
	}

	stride := int(r.mapper.Matrix.TileWidth)
	for _, p := range parts {
		if !r.mapper.Matrix.Contains(p.Key) {
			zero(dst, stride, p)
			continue
		}
		s, err := r.cache.Get(p.Key)
		if err != nil {
			return err
		}
		blit(dst, s.Bands[band], stride, p, false)
	}

	return nil
}

func zero(block []byte, stride int, p tile.Part) {
	for y := 0; y < p.Src.Dy(); y++ {
		o := (p.Dst.Y+y)*stride + p.Dst.X
		clear(block[o : o+p.Src.Dx()])
	}
}

// WriteBlock writes src, one tile's worth of pixels, to band of block
// (bx, by). Tiles are written out once every band of them is known.
func (r *Raster) WriteBlock(bx, by int64, band int, src []byte) error {
	parts, err := r.parts(bx, by, band, src)
	if err != nil {
		return err
	}

	stride := int(r.mapper.Matrix.TileWidth)
	for _, p := range parts {
		if !r.mapper.Matrix.Contains(p.Key) {
			continue
		}
		s, err := r.cache.Get(p.Key)
		if err != nil {
			return err
		}
		blit(src, s.Bands[band], stride, p, true)
		if err := r.cache.MarkDirty(p.Key, band, p.Quadrant); err != nil {
			return err
		}
		if r.complete(s) {
			if err := r.cache.FlushSlot(s); err != nil {
				return err
			}
		}
	}

	return nil
}

func (r *Raster) checkRegion(rect image.Rectangle, planes [][]byte) error {
	w, h := r.Size()
	if rect.Empty() || !rect.In(image.Rect(0, 0, int(w), int(h))) {
		return fmt.Errorf("rastertiles: region %v outside raster of %dx%d", rect, w, h)
	}
	if len(planes) != r.Bands() {
		return fmt.Errorf("rastertiles: %d planes for %d bands", len(planes), r.Bands())
	}
	for i, p := range planes {
		if len(p) != rect.Dx()*rect.Dy() {
			return fmt.Errorf("rastertiles: plane %d has %d bytes, want %d", i+1, len(p), rect.Dx()*rect.Dy())
		}
	}
	return nil
}

// eachBlock calls fn for every block overlapping rect, checking for
// cancellation between blocks
func (r *Raster) eachBlock(ctx context.Context, rect image.Rectangle, fn func(bx, by int64, overlap image.Rectangle) error) error {
	tw, th := int(r.mapper.Matrix.TileWidth), int(r.mapper.Matrix.TileHeight)
	for by := rect.Min.Y / th; by <= (rect.Max.Y-1)/th; by++ {
		for bx := rect.Min.X / tw; bx <= (rect.Max.X-1)/tw; bx++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			block := r.mapper.BlockRect(int64(bx), int64(by))
			if err := fn(int64(bx), int64(by), block.Intersect(rect)); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReadRegion reads rect of the raster into planes, one per band, each of
// rect.Dx()*rect.Dy() bytes
func (r *Raster) ReadRegion(ctx context.Context, rect image.Rectangle, planes [][]byte) error {
	if err := r.checkRegion(rect, planes); err != nil {
		return err
	}

	tw, th := int(r.mapper.Matrix.TileWidth), int(r.mapper.Matrix.TileHeight)
	buf := make([]byte, tw*th)

	return r.eachBlock(ctx, rect, func(bx, by int64, overlap image.Rectangle) error {
		origin := image.Pt(int(bx)*tw, int(by)*th)
		for band, plane := range planes {
			if err := r.ReadBlock(bx, by, band, buf); err != nil {
				return err
			}
			for y := overlap.Min.Y; y < overlap.Max.Y; y++ {
				b := (y-origin.Y)*tw + overlap.Min.X - origin.X
				p := (y-rect.Min.Y)*rect.Dx() + overlap.Min.X - rect.Min.X
				copy(plane[p:p+overlap.Dx()], buf[b:b+overlap.Dx()])
			}
		}
		return nil
	})
}

// WriteRegion writes planes, one per band, to rect of the raster. Blocks
// only partly covered by rect are read first so the rest of them is kept.
func (r *Raster) WriteRegion(ctx context.Context, rect image.Rectangle, planes [][]byte) error {
	if err := r.checkRegion(rect, planes); err != nil {
		return err
	}

	tw, th := int(r.mapper.Matrix.TileWidth), int(r.mapper.Matrix.TileHeight)
	buf := make([]byte, tw*th)

	return r.eachBlock(ctx, rect, func(bx, by int64, overlap image.Rectangle) error {
		block := r.mapper.BlockRect(bx, by)
		for band, plane := range planes {
			if overlap != block {
				if err := r.ReadBlock(bx, by, band, buf); err != nil {
					return err
				}
			}
			for y := overlap.Min.Y; y < overlap.Max.Y; y++ {
				b := (y-block.Min.Y)*tw + overlap.Min.X - block.Min.X
				p := (y-rect.Min.Y)*rect.Dx() + overlap.Min.X - rect.Min.X
				copy(buf[b:b+overlap.Dx()], plane[p:p+overlap.Dx()])
			}
			if err := r.WriteBlock(bx, by, band, buf); err != nil {
				return err
			}
		}
		return nil
	})
}
