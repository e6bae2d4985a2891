/*
Package partial stages tiles that are being built up a band and a quadrant
at a time, until every quadrant of every band is known and the tile can be
promoted to the main tile table.

Staged bands are raw planes, one byte per pixel, compressed with zstd. They
are never run through a lossy codec so repeated staging does not degrade.
*/
package partial

import (
	"database/sql"
	"fmt"
	"image"
	"log/slog"

	"github.com/bodgit/rastertiles/store"
	"github.com/bodgit/rastertiles/tile"
	"github.com/klauspost/compress/zstd"
)

// Mask packs four quadrant bits per band, band 1 in the lowest nibble
type Mask uint16

// Band returns the quadrants covered for band, counting from 0
func (m Mask) Band(band int) tile.Quadrant {
	return tile.Quadrant(m>>(4*uint(band))) & tile.AllQuadrants
}

// With returns m with the quadrants q of band added
func (m Mask) With(band int, q tile.Quadrant) Mask {
	return m | Mask(q&tile.AllQuadrants)<<(4*uint(band))
}

// Complete reports whether every band below bands covers the needed
// quadrants
func (m Mask) Complete(bands int, needed tile.Quadrant) bool {
	for b := 0; b < bands; b++ {
		if m.Band(b)&needed != needed {
			return false
		}
	}
	return true
}

// Record is one row of the staging table
type Record struct {
	ID  int64
	Key tile.Key
	// Bands holds a full tile plane per band, or nil if the band has not
	// been written yet
	Bands   [tile.MaxBands][]byte
	Mask    Mask
	Retired bool
}

// Source returns the decoded planes of a tile in the main table, or nil
// when there is no such tile
type Source func(tile.Key) ([][]byte, error)

// Store is the staging table belonging to one tile table
type Store struct {
	tiles   *store.Store
	mapper  *tile.Mapper
	source  Source
	table   string
	created bool

	encoder *zstd.Encoder
	decoder *zstd.Decoder
	logger  *slog.Logger
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithSource sets where missing quadrants are read from when a band is
// first staged. Without one they start out as zero.
func WithSource(source Source) Option {
	return func(s *Store) { s.source = source }
}

// New returns the staging table for tiles. The table itself is created the
// first time it is used. Statements run in whatever transaction tiles has
// open.
func New(tiles *store.Store, mapper *tile.Mapper, opts ...Option) (*Store, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("partial: create zstd encoder: %w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("partial: create zstd decoder: %w", err)
	}

	s := &Store{
		tiles:   tiles,
		mapper:  mapper,
		table:   tiles.Table() + "_partial",
		encoder: encoder,
		decoder: decoder,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

func storageError(op string, err error) error {
	return fmt.Errorf("%w: partial %s: %v", store.ErrStorage, op, err)
}

// Table returns the name of the staging table
func (s *Store) Table() string {
	return s.table
}

func (s *Store) init() error {
	if s.created {
		return nil
	}
	if _, err := s.tiles.Querier().Exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		zoom_level INTEGER NOT NULL,
		tile_column INTEGER NOT NULL,
		tile_row INTEGER NOT NULL,
		tile_data_band_1 BLOB,
		tile_data_band_2 BLOB,
		tile_data_band_3 BLOB,
		tile_data_band_4 BLOB,
		partial_flag INTEGER NOT NULL,
		retired INTEGER NOT NULL DEFAULT 0,
		UNIQUE (zoom_level, tile_column, tile_row))`, s.table)); err != nil {
		return storageError("create table", err)
	}
	// A rollback would take the table with it
	s.created = !s.tiles.InTx()
	return nil
}

// Get returns the active staging row for k, or nil if there is none
func (s *Store) Get(k tile.Key) (*Record, error) {
	if err := s.init(); err != nil {
		return nil, err
	}

	r := &Record{Key: k}
	var blobs [tile.MaxBands][]byte
	query := fmt.Sprintf("SELECT id, tile_data_band_1, tile_data_band_2, tile_data_band_3, tile_data_band_4, partial_flag FROM %q WHERE zoom_level = ? AND tile_column = ? AND tile_row = ? AND retired = 0", s.table)
	switch err := s.tiles.Querier().QueryRow(query, k.Zoom, k.Col, k.Row).Scan(&r.ID, &blobs[0], &blobs[1], &blobs[2], &blobs[3], &r.Mask); err {
	case sql.ErrNoRows:
		return nil, nil
	case nil:
	default:
		return nil, storageError("get "+k.String(), err)
	}

	for i, blob := range blobs {
		if blob == nil {
			continue
		}
		plane, err := s.decoder.DecodeAll(blob, nil)
		if err != nil {
			return nil, storageError(fmt.Sprintf("get %s band %d", k, i+1), err)
		}
		if len(plane) != s.mapper.Matrix.Pixels() {
			return nil, storageError(fmt.Sprintf("get %s band %d", k, i+1), fmt.Errorf("plane has %d bytes", len(plane)))
		}
		r.Bands[i] = plane
	}

	return r, nil
}

func (s *Store) base(k tile.Key, band int, main *[][]byte, fetched *bool) ([]byte, error) {
	plane := make([]byte, s.mapper.Matrix.Pixels())
	if s.source == nil {
		return plane, nil
	}
	if !*fetched {
		planes, err := s.source(k)
		if err != nil {
			return nil, err
		}
		*main, *fetched = planes, true
	}
	if band < len(*main) {
		copy(plane, (*main)[band])
	}
	return plane, nil
}

// Stage copies the quadrants q of plane, a full tile plane, into band of the
// staging row for k. A band staged for the first time starts out as the
// matching band of the tile in the main table so quadrants never written
// keep their stored pixels. It returns the updated row.
func (s *Store) Stage(k tile.Key, band int, plane []byte, q tile.Quadrant) (*Record, error) {
	if band < 0 || band >= tile.MaxBands {
		return nil, fmt.Errorf("partial: band %d out of range", band+1)
	}
	if len(plane) != s.mapper.Matrix.Pixels() {
		return nil, fmt.Errorf("partial: plane has %d bytes, want %d", len(plane), s.mapper.Matrix.Pixels())
	}

	r, err := s.Get(k)
	if err != nil {
		return nil, err
	}
	if r == nil {
		r = &Record{Key: k}
	}

	if overlap := r.Mask.Band(band) & q; overlap != 0 {
		s.logger.Warn("overwriting staged quadrants", "tile", k, "band", band+1, "quadrants", overlap)
	}

	if r.Bands[band] == nil {
		var main [][]byte
		var fetched bool
		if r.Bands[band], err = s.base(k, band, &main, &fetched); err != nil {
			return nil, err
		}
	}

	stride := int(s.mapper.Matrix.TileWidth)
	q.Each(func(one tile.Quadrant) {
		copyRect(r.Bands[band], plane, stride, s.mapper.QuadrantRect(one))
	})
	r.Mask = r.Mask.With(band, q)

	if err := s.put(r); err != nil {
		return nil, err
	}

	s.logger.Debug("staged quadrants", "tile", k, "band", band+1, "quadrants", q, "mask", fmt.Sprintf("%#04x", uint16(r.Mask)))

	return r, nil
}

// Fill gives every band below bands that has not been staged the pixels of
// the tile in the main table, or zero. Bands that have been staged are left
// alone. The row itself is not updated.
func (s *Store) Fill(r *Record, bands int) error {
	var main [][]byte
	var fetched bool
	for b := 0; b < bands; b++ {
		if r.Bands[b] != nil {
			continue
		}
		plane, err := s.base(r.Key, b, &main, &fetched)
		if err != nil {
			return err
		}
		r.Bands[b] = plane
	}
	return nil
}

func (s *Store) put(r *Record) error {
	var blobs [tile.MaxBands][]byte
	for i, plane := range r.Bands {
		if plane != nil {
			blobs[i] = s.encoder.EncodeAll(plane, nil)
		}
	}

	k := r.Key
	res, err := s.tiles.Querier().Exec(fmt.Sprintf(`INSERT INTO %q (zoom_level, tile_column, tile_row, tile_data_band_1, tile_data_band_2, tile_data_band_3, tile_data_band_4, partial_flag, retired)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT (zoom_level, tile_column, tile_row) DO UPDATE SET
		tile_data_band_1 = excluded.tile_data_band_1,
		tile_data_band_2 = excluded.tile_data_band_2,
		tile_data_band_3 = excluded.tile_data_band_3,
		tile_data_band_4 = excluded.tile_data_band_4,
		partial_flag = excluded.partial_flag,
		retired = 0`, s.table), k.Zoom, k.Col, k.Row, blobs[0], blobs[1], blobs[2], blobs[3], r.Mask)
	if err != nil {
		return storageError("stage "+k.String(), err)
	}

	if r.ID == 0 {
		// The row may have been a retired one brought back, so look it up
		if err := s.tiles.Querier().QueryRow(fmt.Sprintf("SELECT id FROM %q WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?", s.table), k.Zoom, k.Col, k.Row).Scan(&r.ID); err != nil {
			return storageError("stage "+k.String(), err)
		}
	} else if n, err := res.RowsAffected(); err != nil || n != 1 {
		return storageError("stage "+k.String(), fmt.Errorf("%d rows affected, %v", n, err))
	}

	return nil
}

// Retire marks a promoted row as done. Exactly one active row must match.
func (s *Store) Retire(r *Record) error {
	if err := s.init(); err != nil {
		return err
	}
	res, err := s.tiles.Querier().Exec(fmt.Sprintf("UPDATE %q SET retired = 1, tile_data_band_1 = NULL, tile_data_band_2 = NULL, tile_data_band_3 = NULL, tile_data_band_4 = NULL WHERE id = ? AND retired = 0", s.table), r.ID)
	if err != nil {
		return storageError("retire "+r.Key.String(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageError("retire "+r.Key.String(), err)
	}
	if n != 1 {
		return storageError("retire "+r.Key.String(), fmt.Errorf("%d rows affected", n))
	}
	r.Retired = true
	s.logger.Debug("retired staging row", "tile", r.Key, "id", r.ID)
	return nil
}

// Discard retires the active row for k if there is one. It is used when a
// tile has been written in full so anything staged for it is stale.
func (s *Store) Discard(k tile.Key) error {
	r, err := s.Get(k)
	if err != nil || r == nil {
		return err
	}
	return s.Retire(r)
}

// Active returns the keys of every active row at the zoom level
func (s *Store) Active(zoom uint32) ([]tile.Key, error) {
	if err := s.init(); err != nil {
		return nil, err
	}

	rows, err := s.tiles.Querier().Query(fmt.Sprintf("SELECT tile_row, tile_column FROM %q WHERE zoom_level = ? AND retired = 0 ORDER BY tile_row, tile_column", s.table), zoom)
	if err != nil {
		return nil, storageError("active", err)
	}
	defer rows.Close()

	var keys []tile.Key
	for rows.Next() {
		k := tile.Key{Zoom: zoom}
		if err := rows.Scan(&k.Row, &k.Col); err != nil {
			return nil, storageError("active", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("active", err)
	}

	return keys, nil
}

// Purge deletes every retired row and returns how many there were
func (s *Store) Purge() (int64, error) {
	if err := s.init(); err != nil {
		return 0, err
	}
	res, err := s.tiles.Querier().Exec(fmt.Sprintf("DELETE FROM %q WHERE retired = 1", s.table))
	if err != nil {
		return 0, storageError("purge", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageError("purge", err)
	}
	return n, nil
}

// Close releases the compressors
func (s *Store) Close() error {
	s.decoder.Close()
	return s.encoder.Close()
}

func copyRect(dst, src []byte, stride int, r image.Rectangle) {
	for y := r.Min.Y; y < r.Max.Y; y++ {
		o := y*stride + r.Min.X
		copy(dst[o:o+r.Dx()], src[o:o+r.Dx()])
	}
}
