// Package tilecache holds the few decoded tiles a raster block touches,
// along with which bands of them have been written.
package tilecache

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/bodgit/rastertiles/tile"
)

// Slot is one decoded tile
type Slot struct {
	Key tile.Key
	// Bands holds one plane of tile pixels per band
	Bands [][]byte
	// Dirty marks the bands written since the slot was last flushed
	Dirty [tile.MaxBands]bool
	// Covered is the quadrants written per dirty band
	Covered [tile.MaxBands]tile.Quadrant

	used uint64
}

// IsDirty reports whether any band has unflushed writes
func (s *Slot) IsDirty() bool {
	for _, d := range s.Dirty {
		if d {
			return true
		}
	}
	return false
}

func (s *Slot) clean() {
	s.Dirty = [tile.MaxBands]bool{}
	s.Covered = [tile.MaxBands]tile.Quadrant{}
}

// Backend loads and persists slots
type Backend interface {
	// FetchTile fills every band of the slot for its key
	FetchTile(*Slot) error
	// FlushTile persists the dirty bands of the slot
	FlushTile(*Slot) error
}

// Cache is a fixed size cache of slots, addressed by tile key. A dirty slot
// is always flushed before it is given to another tile.
type Cache struct {
	backend  Backend
	capacity int
	bands    int
	pixels   int
	slots    []*Slot
	spare    *Slot
	tick     uint64
	logger   *slog.Logger
}

// Option configures a Cache
type Option func(*Cache)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// New returns a cache of up to capacity slots, each with bands planes of
// pixels bytes
func New(backend Backend, capacity, bands, pixels int, opts ...Option) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	c := &Cache{
		backend:  backend,
		capacity: capacity,
		bands:    bands,
		pixels:   pixels,
		slots:    make([]*Slot, 0, capacity),
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Len returns the number of cached slots
func (c *Cache) Len() int {
	return len(c.slots)
}

// Lookup returns the slot for k if it is cached
func (c *Cache) Lookup(k tile.Key) *Slot {
	for _, s := range c.slots {
		if s.Key == k {
			return s
		}
	}
	return nil
}

func (c *Cache) touch(s *Slot) {
	c.tick++
	s.used = c.tick
}

// Get returns the slot for k, fetching it if it isn't cached. When the
// cache is full the least recently used slot is flushed and reused.
func (c *Cache) Get(k tile.Key) (*Slot, error) {
	if s := c.Lookup(k); s != nil {
		c.touch(s)
		return s, nil
	}

	var s *Slot
	if len(c.slots) == c.capacity {
		victim := 0
		for i, slot := range c.slots {
			if slot.used < c.slots[victim].used {
				victim = i
			}
		}
		if err := c.FlushSlot(c.slots[victim]); err != nil {
			return nil, err
		}
		s = c.remove(victim)
		c.logger.Debug("evicted tile", "tile", s.Key, "for", k)
	} else {
		s = c.alloc()
	}

	s.Key = k
	s.clean()
	if err := c.backend.FetchTile(s); err != nil {
		c.spare = s
		return nil, fmt.Errorf("fetch %s: %w", k, err)
	}

	c.touch(s)
	c.slots = append(c.slots, s)

	return s, nil
}

func (c *Cache) alloc() *Slot {
	if s := c.spare; s != nil {
		c.spare = nil
		return s
	}
	s := &Slot{Bands: make([][]byte, c.bands)}
	for i := range s.Bands {
		s.Bands[i] = make([]byte, c.pixels)
	}
	return s
}

func (c *Cache) remove(i int) *Slot {
	s := c.slots[i]
	c.slots = append(c.slots[:i], c.slots[i+1:]...)
	return s
}

// MarkDirty records a write to quadrants q of band of the cached tile k
func (c *Cache) MarkDirty(k tile.Key, band int, q tile.Quadrant) error {
	s := c.Lookup(k)
	if s == nil {
		return fmt.Errorf("tilecache: %s is not cached", k)
	}
	if band < 0 || band >= c.bands {
		return fmt.Errorf("tilecache: band %d out of range", band+1)
	}
	s.Dirty[band] = true
	s.Covered[band] |= q
	return nil
}

// FlushSlot persists a dirty slot. The slot stays cached and is clean
// afterwards. On error it stays dirty.
func (c *Cache) FlushSlot(s *Slot) error {
	if !s.IsDirty() {
		return nil
	}
	if err := c.backend.FlushTile(s); err != nil {
		return fmt.Errorf("flush %s: %w", s.Key, err)
	}
	s.clean()
	return nil
}

func related(primary, k tile.Key) bool {
	return k.Zoom == primary.Zoom &&
		(k.Row == primary.Row || k.Row == primary.Row+1) &&
		(k.Col == primary.Col || k.Col == primary.Col+1)
}

// EvictUnrelated flushes and drops every slot that isn't primary or its
// right, below or diagonal neighbour. Slots that fail to flush are kept.
func (c *Cache) EvictUnrelated(primary tile.Key) error {
	var errs []error
	for i := 0; i < len(c.slots); {
		s := c.slots[i]
		if related(primary, s.Key) {
			i++
			continue
		}
		if err := c.FlushSlot(s); err != nil {
			errs = append(errs, err)
			i++
			continue
		}
		c.spare = c.remove(i)
	}
	return errors.Join(errs...)
}

// Flush persists every dirty slot, keeping them cached
func (c *Cache) Flush() error {
	var errs []error
	for _, s := range c.slots {
		if err := c.FlushSlot(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
