package vsm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestArena_AllocAndChunkLinkage(t *testing.T) {
	a := NewMemArena(64*1024, time.Minute)

	c1, err := a.Alloc("stat", "counter", "main.ident1", 32)
	require.NoError(t, err)
	c2, err := a.Alloc("stat", "counter", "main.ident2", 64)
	require.NoError(t, err)
	c3, err := a.Alloc("log", "vsl", "main.ident3", 16)
	require.NoError(t, err)

	require.False(t, c1.Bogus())
	require.False(t, c2.Bogus())
	require.False(t, c3.Bogus())

	// Chunk linkage: iterating from first by next visits every used chunk
	// exactly once and terminates with next == 0.
	r := readerFromArena(t, a)
	defer r.Close()

	views, err := r.Chunks()
	require.NoError(t, err)
	require.Len(t, views, 3)

	idents := map[string]bool{}
	for _, v := range views {
		idents[v.Ident] = true
	}
	require.True(t, idents["main.ident1"])
	require.True(t, idents["main.ident2"])
	require.True(t, idents["main.ident3"])
}

func TestArena_FreeThenCoalesceOnAllocFailure(t *testing.T) {
	a := NewMemArena(arenaHeaderSize+align(chunkHeaderSize+256), time.Millisecond)

	c1, err := a.Alloc("stat", "counter", "only", 200)
	require.NoError(t, err)
	a.Free(c1)

	// Arena is full of one cooling block; without coalescing, an alloc of
	// the same size would need to fall back to bogus. Wait past the cool
	// interval so the next Alloc's inline coalesce pass can reclaim it.
	time.Sleep(5 * time.Millisecond)

	c2, err := a.Alloc("stat", "counter", "reused", 200)
	require.NoError(t, err)
	require.False(t, c2.Bogus(), "expected coalesced free block to satisfy allocation without falling back to bogus")
}

func TestArena_OutOfArenaFallsBackToBogus(t *testing.T) {
	a := NewMemArena(arenaHeaderSize+align(chunkHeaderSize+64), time.Hour)

	_, err := a.Alloc("stat", "counter", "fills-arena", 64)
	require.NoError(t, err)

	overflow, err := a.Alloc("stat", "counter", "overflow", 64)
	require.NoError(t, err)
	require.True(t, overflow.Bogus())

	stats := a.Stats()
	require.Equal(t, 1, stats.BogusLen)
}

func TestArena_PublishBumpsGeneration(t *testing.T) {
	a := NewMemArena(64*1024, time.Minute)
	before := a.Stats().Generation

	c, err := a.Alloc("stat", "counter", "x", 8)
	require.NoError(t, err)
	a.Publish(c)

	after := a.Stats().Generation
	require.Greater(t, after, before)
}

func readerFromArena(t *testing.T, a *Arena) *Reader {
	t.Helper()
	return &Reader{data: a.data}
}
