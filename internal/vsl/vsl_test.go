package vsl

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T, segN0 uint32) (*Log, *Reader) {
	t.Helper()
	payload := make([]byte, ringHeaderSize+Segments*256)
	l, err := NewLog(payload, 64, segN0)
	require.NoError(t, err)
	r, err := NewReader(payload)
	require.NoError(t, err)
	return l, r
}

func TestVSL_RoundTrip(t *testing.T) {
	l, r := newTestLog(t, 0)

	const xid = 42
	require.NoError(t, l.Write(tagBegin, xid, []byte("req 1 req")))
	require.NoError(t, l.Write(tagURL, xid, []byte("/a")))
	require.NoError(t, l.Write(tagEnd, xid, []byte("")))

	recs, err := r.ReadSegment(0)
	require.NoError(t, err)
	require.Len(t, recs, 3)

	want := []struct {
		tag     uint8
		payload string
	}{
		{tagBegin, "req 1 req"},
		{tagURL, "/a"},
		{tagEnd, ""},
	}
	for i, w := range want {
		require.Equal(t, w.tag, recs[i].Tag)
		require.Equal(t, uint64(xid), recs[i].Xid)
		require.Equal(t, w.payload, string(recs[i].Payload))
	}
}

func TestVSL_TruncationAtReclenBoundary(t *testing.T) {
	l, _ := newTestLog(t, 0)

	exact := make([]byte, 64)
	for i := range exact {
		exact[i] = 'a'
	}
	require.NoError(t, l.Write(tagBegin, 1, exact))
	require.Equal(t, uint64(0), l.Truncated())

	over := make([]byte, 65)
	for i := range over {
		over[i] = 'b'
	}
	err := l.Write(tagBegin, 2, over)
	require.ErrorIs(t, err, ErrTruncated)
	require.Equal(t, uint64(1), l.Truncated())
}

func TestVSL_SegNWraparoundNearUintMax(t *testing.T) {
	segN0 := uint32(math.MaxUint32 - (Segments - 1))
	l, _ := newTestLog(t, segN0)

	// Fill segment 0 until a wrap is forced, exercising the segment_n
	// advance across the UINT32 boundary.
	big := make([]byte, 64)
	for i := 0; i < 20; i++ {
		_ = l.Write(tagBegin, uint64(i), big)
	}

	after := l.segN()
	require.Greater(t, after, uint32(0))
}

func TestVSL_ShmContCountsContendedWrite(t *testing.T) {
	l, _ := newTestLog(t, 0)

	l.mu.Lock()
	done := make(chan struct{})
	go func() {
		_ = l.Write(tagBegin, 1, []byte("x"))
		close(done)
	}()

	// Give the writer goroutine a chance to hit the try-first path and
	// fall through to the blocking Lock.
	for l.ShmCont() == 0 {
	}
	l.mu.Unlock()
	<-done

	require.Equal(t, uint64(1), l.ShmCont())
}

const (
	tagBegin = 1
	tagURL   = 2
	tagEnd   = 3
)
