/*
Package store is the tile table of a tile pyramid held in a relational
database. Tiles are blobs keyed by zoom level, row and column.

Note: the sqlite3 driver is registered by this package; other database/sql
drivers can be used through New with an already opened *sql.DB.
*/
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bodgit/rastertiles/tile"
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
)

// ErrStorage is returned when the database fails a query, an insert or a
// transaction, or gives an answer that cannot be trusted
var ErrStorage = errors.New("store: storage error")

func wrap(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorage, op, err)
}

// Querier is satisfied by both *sql.DB and *sql.Tx
type Querier interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

// Store reads and writes the tiles of one tile table
type Store struct {
	db     *sql.DB
	tx     *sql.Tx
	owned  bool
	table  string
	where  string
	logger *slog.Logger
}

type config struct {
	Where  string
	Logger *slog.Logger
}

// Option configures a Store
type Option func(*config)

// WithWhere scopes reads and deletes to the rows matching an extra SQL
// predicate, for a raster that is a view onto part of a shared table. Put is
// not scoped; it writes the key it is given.
func WithWhere(predicate string) Option {
	return func(c *config) { c.Where = predicate }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) { c.Logger = logger }
}

// Open opens the sqlite database in file, creating the tile table if needed.
// The returned Store must be closed after use.
func Open(file, table string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("%s?_foreign_keys=on&_busy_timeout=5000", file))
	if err != nil {
		return nil, wrap("open", err)
	}
	db.SetMaxOpenConns(1)

	if err := CreateTable(db, table); err != nil {
		db.Close()
		return nil, err
	}

	s := New(db, table, opts...)
	s.owned = true

	return s, nil
}

// New returns a Store using an existing connection, which may be shared with
// other tables. Closing the Store does not close db.
func New(db *sql.DB, table string, opts ...Option) *Store {
	c := config{
		Logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(&c)
	}

	return &Store{
		db:     db,
		table:  table,
		where:  c.Where,
		logger: c.Logger,
	}
}

// CreateTable creates a tile table laid out as in a GeoPackage tile pyramid
func CreateTable(db *sql.DB, table string) error {
	if _, err := db.Exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		zoom_level INTEGER NOT NULL,
		tile_column INTEGER NOT NULL,
		tile_row INTEGER NOT NULL,
		tile_data BLOB NOT NULL,
		UNIQUE (zoom_level, tile_column, tile_row))`, table)); err != nil {
		return wrap("create table", err)
	}
	return nil
}

// Table returns the name of the tile table
func (s *Store) Table() string {
	return s.table
}

// Querier returns the transaction if one is open, otherwise the database
func (s *Store) Querier() Querier {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

func (s *Store) scope(query string) string {
	if s.where == "" {
		return query
	}
	return query + " AND (" + s.where + ")"
}

// Get returns the blob for k, or nil if there is no such tile
func (s *Store) Get(k tile.Key) ([]byte, error) {
	var blob []byte
	query := s.scope(fmt.Sprintf("SELECT tile_data FROM %q WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?", s.table))
	switch err := s.Querier().QueryRow(query, k.Zoom, k.Col, k.Row).Scan(&blob); err {
	case sql.ErrNoRows:
		return nil, nil
	case nil:
		if blob == nil {
			return nil, wrap("get "+k.String(), errors.New("null tile_data"))
		}
		return blob, nil
	default:
		return nil, wrap("get "+k.String(), err)
	}
}

// Put inserts or replaces the blob for k
func (s *Store) Put(k tile.Key, blob []byte) error {
	if _, err := s.Querier().Exec(fmt.Sprintf("INSERT OR REPLACE INTO %q (zoom_level, tile_column, tile_row, tile_data) VALUES (?, ?, ?, ?)", s.table), k.Zoom, k.Col, k.Row, blob); err != nil {
		return wrap("put "+k.String(), err)
	}
	s.logger.Debug("stored tile", "tile", k, "bytes", len(blob))
	return nil
}

// Delete removes the tile k if it exists and is in scope
func (s *Store) Delete(k tile.Key) error {
	query := s.scope(fmt.Sprintf("DELETE FROM %q WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?", s.table))
	if _, err := s.Querier().Exec(query, k.Zoom, k.Col, k.Row); err != nil {
		return wrap("delete "+k.String(), err)
	}
	s.logger.Debug("deleted tile", "tile", k)
	return nil
}

// Visit calls visitor for every tile at the zoom level, in row then column
// order. It stops at the first error.
func (s *Store) Visit(zoom uint32, visitor func(tile.Key, []byte) error) error {
	query := s.scope(fmt.Sprintf("SELECT tile_row, tile_column, tile_data FROM %q WHERE zoom_level = ?", s.table)) + " ORDER BY tile_row, tile_column"
	rows, err := s.Querier().Query(query, zoom)
	if err != nil {
		return wrap("visit", err)
	}
	defer rows.Close()

	for rows.Next() {
		k := tile.Key{Zoom: zoom}
		var blob []byte
		if err := rows.Scan(&k.Row, &k.Col, &blob); err != nil {
			return wrap("visit", err)
		}
		if err := visitor(k, blob); err != nil {
			return err
		}
	}

	if err := rows.Err(); err != nil {
		return wrap("visit", err)
	}

	return nil
}

// Begin starts a transaction that every following call runs in until Commit
// or Rollback
func (s *Store) Begin() error {
	if s.tx != nil {
		return wrap("begin", errors.New("transaction already open"))
	}
	tx, err := s.db.Begin()
	if err != nil {
		return wrap("begin", err)
	}
	s.tx = tx
	return nil
}

// InTx reports whether a transaction is open
func (s *Store) InTx() bool {
	return s.tx != nil
}

// Commit commits the open transaction
func (s *Store) Commit() error {
	if s.tx == nil {
		return wrap("commit", errors.New("no transaction open"))
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Commit(); err != nil {
		return wrap("commit", err)
	}
	return nil
}

// Rollback abandons the open transaction
func (s *Store) Rollback() error {
	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Rollback(); err != nil {
		return wrap("rollback", err)
	}
	return nil
}

// Close rolls back any open transaction and closes the database if the
// Store opened it
func (s *Store) Close() error {
	err := s.Rollback()
	if s.owned {
		err = errors.Join(err, s.db.Close())
	}
	return err
}
