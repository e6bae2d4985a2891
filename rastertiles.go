/*
Package rastertiles stores a raster as a pyramid of compressed tiles in a
sqlite table.

The raster does not have to line up with the tile grid. Reads and writes are
made a block at a time, where a block has the size of a tile, and a block
that straddles tile boundaries is composited from up to four tiles. Tiles that
are only partly written in a session are staged band by band and quadrant by
quadrant in a side table until they are complete, or until the raster is
flushed, so nothing written is lost whatever order blocks are written in.
*/
package rastertiles

import (
	"errors"
	"fmt"
	"image/color"
	"log/slog"

	"github.com/bodgit/rastertiles/codec"
	"github.com/bodgit/rastertiles/partial"
	"github.com/bodgit/rastertiles/store"
	"github.com/bodgit/rastertiles/tile"
	"github.com/bodgit/rastertiles/tilecache"
)

var (
	// ErrDecode is wrapped by errors for tiles that could not be decoded
	ErrDecode = codec.ErrDecode
	// ErrInconsistentGeometry is wrapped by errors for tiles of the wrong size
	ErrInconsistentGeometry = codec.ErrInconsistentGeometry
	// ErrCodec is wrapped by errors for tiles that could not be encoded
	ErrCodec = codec.ErrCodec
	// ErrStorage is wrapped by errors from the database
	ErrStorage = store.ErrStorage

	errClosed = errors.New("rastertiles: raster is closed")
)

// Geometry is the size of a raster and where its pixel (0,0) lies in the
// pixel grid of the zoom level
type Geometry struct {
	Width, Height    int64
	OriginX, OriginY int64
}

// Raster is an open raster backed by a tile table
type Raster struct {
	store   *store.Store
	staging *partial.Store
	mapper  *tile.Mapper
	codec   *codec.Codec
	cache   *tilecache.Cache
	palette color.Palette
	logger  *slog.Logger
	closed  bool
}

// Option configures a Raster
type Option func(*Raster)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Raster) { r.logger = logger }
}

// WithColorTable gives a single band raster a color table. Band values are
// then indices into it.
func WithColorTable(p color.Palette) Option {
	return func(r *Raster) { r.palette = p }
}

// New opens a raster of geometry g on the tile table s
func New(s *store.Store, g Geometry, opts Options, options ...Option) (*Raster, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("rastertiles: invalid options: %w", err)
	}

	mapper, err := tile.NewMapper(opts.matrix(g), g.OriginX, g.OriginY, g.Width, g.Height)
	if err != nil {
		return nil, fmt.Errorf("rastertiles: %w", err)
	}

	r := &Raster{
		store:  s,
		mapper: mapper,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, option := range options {
		option(r)
	}

	if r.palette != nil && (opts.BandCount != 1 || len(r.palette) == 0 || len(r.palette) > 256) {
		return nil, errors.New("rastertiles: a color table needs a single band and 1 to 256 entries")
	}

	r.codec = codec.New(opts.codec(), r.logger)

	r.staging, err = partial.New(s, mapper, partial.WithLogger(r.logger), partial.WithSource(r.mainPlanes))
	if err != nil {
		return nil, err
	}

	capacity := 4
	if mapper.Shift.Aligned() {
		capacity = 1
	}
	r.cache = tilecache.New(backend{r}, capacity, opts.BandCount, mapper.Matrix.Pixels(), tilecache.WithLogger(r.logger))

	r.logger.Debug("opened raster",
		"table", s.Table(),
		"zoom", mapper.Matrix.Zoom,
		"shift", fmt.Sprintf("%+v", mapper.Shift),
		"format", opts.Driver)

	return r, nil
}

// Matrix returns the tile matrix the raster is stored in
func (r *Raster) Matrix() tile.Matrix {
	return r.mapper.Matrix
}

// Shift returns the offset of the raster from the tile grid
func (r *Raster) Shift() tile.Shift {
	return r.mapper.Shift
}

// Size returns the size of the raster in pixels
func (r *Raster) Size() (int64, int64) {
	return r.mapper.Size()
}

// Bands returns the number of bands
func (r *Raster) Bands() int {
	return r.mapper.Matrix.BandCount
}

// ColorTable returns the color table, or nil
func (r *Raster) ColorTable() color.Palette {
	return r.palette
}

// Blocks returns the number of blocks across and down the raster
func (r *Raster) Blocks() (int64, int64) {
	return r.mapper.Blocks()
}

// Flush writes every pending change to the tile table. Tiles that were
// only partly written are promoted as they stand, their missing parts taken
// from what was already stored. Flush is meant for the end of a write
// session.
func (r *Raster) Flush() error {
	if r.closed {
		return errClosed
	}
	if err := r.cache.Flush(); err != nil {
		return err
	}
	return r.FlushRemaining()
}

// Close flushes the raster and removes the staging rows it has finished
// with. The tile table is left open. If the flush fails the raster stays
// open so it can be retried.
func (r *Raster) Close() error {
	if r.closed {
		return nil
	}

	if err := r.Flush(); err != nil {
		return err
	}

	n, err := r.staging.Purge()
	if err == nil && n > 0 {
		r.logger.Debug("purged retired staging rows", "rows", n)
	}

	r.closed = true
	return errors.Join(err, r.staging.Close())
}
