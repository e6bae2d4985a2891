package rastertiles

import (
	"errors"
	"fmt"

	"github.com/bodgit/rastertiles/codec"
	"github.com/bodgit/rastertiles/partial"
	"github.com/bodgit/rastertiles/tile"
	"github.com/bodgit/rastertiles/tilecache"
)

// backend loads and stores cache slots for a raster
type backend struct {
	r *Raster
}

func (r *Raster) newTile(k tile.Key, bands [][]byte) *codec.Tile {
	return &codec.Tile{
		Width:   int(r.mapper.Matrix.TileWidth),
		Height:  int(r.mapper.Matrix.TileHeight),
		Bands:   bands,
		Palette: r.palette,
		Valid:   r.mapper.Valid(k),
	}
}

// readMain decodes the stored tile k into t, reporting whether there was
// one. A tile that cannot be decoded reads as nodata.
func (r *Raster) readMain(k tile.Key, t *codec.Tile) (bool, error) {
	t.Zero()
	if !r.mapper.Matrix.Contains(k) {
		return false, nil
	}

	blob, err := r.store.Get(k)
	if err != nil || blob == nil {
		return false, err
	}

	info, err := r.codec.Decode(blob, t)
	switch {
	case errors.Is(err, codec.ErrDecode):
		r.logger.Warn("substituting nodata for tile", "tile", k, "error", err)
		t.Zero()
		return false, nil
	case err != nil:
		return false, err
	}

	r.logger.Debug("decoded tile", "tile", k, "format", info.Format, "bands", info.Bands, "lossy", info.Lossy)

	return true, nil
}

// mainPlanes returns the pixels of the stored tile k without anything
// staged for it, or nil if there is no tile
func (r *Raster) mainPlanes(k tile.Key) ([][]byte, error) {
	m := r.mapper.Matrix
	t := codec.NewTile(int(m.TileWidth), int(m.TileHeight), m.BandCount)
	t.Palette = r.palette
	ok, err := r.readMain(k, t)
	if err != nil || !ok {
		return nil, err
	}
	return t.Bands, nil
}

// FetchTile fills the slot with the stored tile overlaid with whatever has
// been staged for it
func (b backend) FetchTile(s *tilecache.Slot) error {
	r := b.r
	if _, err := r.readMain(s.Key, r.newTile(s.Key, s.Bands)); err != nil {
		return err
	}
	if !r.mapper.Matrix.Contains(s.Key) {
		return nil
	}

	rec, err := r.staging.Get(s.Key)
	if err != nil || rec == nil {
		return err
	}

	stride := int(r.mapper.Matrix.TileWidth)
	for i := range s.Bands {
		if rec.Bands[i] == nil {
			continue
		}
		rec.Mask.Band(i).Each(func(q tile.Quadrant) {
			copyRect(s.Bands[i], rec.Bands[i], stride, r.mapper.QuadrantRect(q))
		})
	}

	return nil
}

// complete reports whether every band of the slot has been written
// wherever the raster touches the tile
func (r *Raster) complete(s *tilecache.Slot) bool {
	needed := r.mapper.Needed(s.Key)
	for i := range s.Bands {
		if s.Covered[i]&needed != needed {
			return false
		}
	}
	return true
}

// FlushTile writes a complete slot straight to the tile table. Otherwise
// each dirty band is staged, and the tile promoted if that completes it.
func (b backend) FlushTile(s *tilecache.Slot) error {
	r := b.r
	k := s.Key

	needed := r.mapper.Needed(k)
	if !r.mapper.Matrix.Contains(k) || needed == 0 {
		r.logger.Debug("discarding writes outside the raster", "tile", k)
		return nil
	}

	if r.complete(s) {
		return r.inTx(func() error {
			if err := r.commit(k, s.Bands); err != nil {
				return err
			}
			return r.staging.Discard(k)
		})
	}

	return r.inTx(func() error {
		var rec *partial.Record
		for i := range s.Bands {
			if !s.Dirty[i] || s.Covered[i] == 0 {
				continue
			}
			var err error
			if rec, err = r.staging.Stage(k, i, s.Bands[i], s.Covered[i]); err != nil {
				return err
			}
		}
		if rec == nil || !rec.Mask.Complete(len(s.Bands), needed) {
			return nil
		}
		return r.promote(rec)
	})
}

// commit encodes bands as tile k and stores it. A fully transparent tile is
// removed instead.
func (r *Raster) commit(k tile.Key, bands [][]byte) error {
	blob, err := r.codec.Encode(r.newTile(k, bands))
	if err != nil {
		return fmt.Errorf("tile %s: %w", k, err)
	}
	if blob == nil {
		r.logger.Debug("tile is transparent", "tile", k)
		return r.store.Delete(k)
	}
	return r.store.Put(k, blob)
}

// promote commits a staging row as a whole tile and retires it. Bands that
// were never staged keep their stored pixels.
func (r *Raster) promote(rec *partial.Record) error {
	bands := r.mapper.Matrix.BandCount
	if err := r.staging.Fill(rec, bands); err != nil {
		return err
	}
	if err := r.commit(rec.Key, rec.Bands[:bands]); err != nil {
		return err
	}
	if err := r.staging.Retire(rec); err != nil {
		return err
	}
	r.logger.Debug("promoted tile", "tile", rec.Key, "mask", fmt.Sprintf("%#04x", uint16(rec.Mask)))
	return nil
}

// FlushRemaining promotes every tile still staged, whether or not it is
// complete. Each promotion is its own transaction unless the caller has one
// open. A tile that fails to promote stays staged.
func (r *Raster) FlushRemaining() error {
	if r.closed {
		return errClosed
	}

	keys, err := r.staging.Active(r.mapper.Matrix.Zoom)
	if err != nil {
		return err
	}

	var errs []error
	for _, k := range keys {
		err := r.inTx(func() error {
			rec, err := r.staging.Get(k)
			if err != nil || rec == nil {
				return err
			}
			return r.promote(rec)
		})
		if err != nil {
			if errors.Is(err, ErrStorage) {
				return errors.Join(append(errs, err)...)
			}
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// inTx runs fn in a transaction unless one is already open
func (r *Raster) inTx(fn func() error) error {
	if r.store.InTx() {
		return fn()
	}
	if err := r.store.Begin(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		return errors.Join(err, r.store.Rollback())
	}
	return r.store.Commit()
}
