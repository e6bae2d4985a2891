package tilecache

import (
	"errors"
	"testing"

	"github.com/bodgit/rastertiles/tile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	stored  map[tile.Key]byte
	fetched []tile.Key
	flushed []tile.Key
	failing map[tile.Key]bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		stored:  make(map[tile.Key]byte),
		failing: make(map[tile.Key]bool),
	}
}

var errFake = errors.New("fake failure")

func (b *fakeBackend) FetchTile(s *Slot) error {
	b.fetched = append(b.fetched, s.Key)
	for _, band := range s.Bands {
		for i := range band {
			band[i] = b.stored[s.Key]
		}
	}
	return nil
}

func (b *fakeBackend) FlushTile(s *Slot) error {
	if b.failing[s.Key] {
		return errFake
	}
	b.flushed = append(b.flushed, s.Key)
	b.stored[s.Key] = s.Bands[0][0]
	return nil
}

func key(row, col int64) tile.Key {
	return tile.Key{Row: row, Col: col}
}

func TestGetFetchesOnce(t *testing.T) {
	b := newFakeBackend()
	b.stored[key(0, 0)] = 5
	c := New(b, 4, 2, 4)

	s, err := c.Get(key(0, 0))
	require.NoError(t, err)
	assert.Equal(t, []byte{5, 5, 5, 5}, s.Bands[1])

	s2, err := c.Get(key(0, 0))
	require.NoError(t, err)
	assert.Same(t, s, s2)
	assert.Equal(t, []tile.Key{key(0, 0)}, b.fetched)
	assert.Equal(t, s, c.Lookup(key(0, 0)))
	assert.Nil(t, c.Lookup(key(9, 9)))
}

func TestWriteBeforeEvict(t *testing.T) {
	b := newFakeBackend()
	c := New(b, 1, 1, 1)

	s, err := c.Get(key(0, 0))
	require.NoError(t, err)
	s.Bands[0][0] = 42
	require.NoError(t, c.MarkDirty(key(0, 0), 0, tile.AllQuadrants))

	_, err = c.Get(key(0, 1))
	require.NoError(t, err)
	assert.Equal(t, []tile.Key{key(0, 0)}, b.flushed)
	assert.Equal(t, byte(42), b.stored[key(0, 0)])

	// Reads back what was written
	s, err = c.Get(key(0, 0))
	require.NoError(t, err)
	assert.Equal(t, byte(42), s.Bands[0][0])
}

func TestFailedFlushKeepsSlot(t *testing.T) {
	b := newFakeBackend()
	b.failing[key(0, 0)] = true
	c := New(b, 1, 1, 1)

	s, err := c.Get(key(0, 0))
	require.NoError(t, err)
	s.Bands[0][0] = 1
	require.NoError(t, c.MarkDirty(key(0, 0), 0, tile.TopLeft))

	_, err = c.Get(key(0, 1))
	assert.ErrorIs(t, err, errFake)
	assert.Same(t, s, c.Lookup(key(0, 0)))
	assert.True(t, s.IsDirty())

	assert.ErrorIs(t, c.Flush(), errFake)
	assert.ErrorIs(t, c.EvictUnrelated(key(5, 5)), errFake)
	assert.Equal(t, 1, c.Len())

	delete(b.failing, key(0, 0))
	require.NoError(t, c.Flush())
	assert.False(t, s.IsDirty())
}

func TestLeastRecentlyUsed(t *testing.T) {
	b := newFakeBackend()
	c := New(b, 4, 1, 1)

	// Blocks scanned left to right reuse the right hand tiles
	for _, k := range []tile.Key{key(0, 0), key(0, 1), key(1, 0), key(1, 1)} {
		_, err := c.Get(k)
		require.NoError(t, err)
	}
	for _, k := range []tile.Key{key(0, 1), key(0, 2), key(1, 1), key(1, 2)} {
		_, err := c.Get(k)
		require.NoError(t, err)
	}

	assert.Equal(t, 4, c.Len())
	assert.Nil(t, c.Lookup(key(0, 0)))
	assert.Nil(t, c.Lookup(key(1, 0)))
	assert.Len(t, b.fetched, 6)
}

func TestEvictUnrelated(t *testing.T) {
	b := newFakeBackend()
	c := New(b, 4, 1, 1)

	for _, k := range []tile.Key{key(0, 0), key(0, 1), key(1, 0), key(1, 1)} {
		s, err := c.Get(k)
		require.NoError(t, err)
		s.Bands[0][0] = 7
		require.NoError(t, c.MarkDirty(k, 0, tile.BottomRight))
	}

	require.NoError(t, c.EvictUnrelated(key(0, 1)))
	assert.Equal(t, 2, c.Len())
	assert.NotNil(t, c.Lookup(key(0, 1)))
	assert.NotNil(t, c.Lookup(key(1, 1)))
	assert.ElementsMatch(t, []tile.Key{key(0, 0), key(1, 0)}, b.flushed)
}

func TestMarkDirty(t *testing.T) {
	c := New(newFakeBackend(), 1, 3, 1)

	assert.Error(t, c.MarkDirty(key(0, 0), 0, tile.TopLeft))

	s, err := c.Get(key(0, 0))
	require.NoError(t, err)
	require.NoError(t, c.MarkDirty(key(0, 0), 2, tile.TopLeft))
	require.NoError(t, c.MarkDirty(key(0, 0), 2, tile.BottomLeft))
	assert.Error(t, c.MarkDirty(key(0, 0), 3, tile.TopLeft))

	assert.Equal(t, [tile.MaxBands]bool{false, false, true, false}, s.Dirty)
	assert.Equal(t, tile.TopLeft|tile.BottomLeft, s.Covered[2])
}
