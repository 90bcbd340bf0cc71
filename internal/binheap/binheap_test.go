package binheap

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

type testItem struct {
	key int64
	idx int
}

func (t *testItem) Key() int64     { return t.key }
func (t *testItem) SetIndex(i int) { t.idx = i }

func TestHeap_OrderedPop(t *testing.T) {
	h := New()
	keys := []int64{5, 3, 8, 1, 9, 2, 7, 4, 6, 0}
	items := make([]*testItem, len(keys))
	for i, k := range keys {
		items[i] = &testItem{key: k}
		h.Insert(items[i])
	}

	require.Equal(t, len(keys), h.Len())

	var out []int64
	for h.Len() > 0 {
		it := h.Pop().(*testItem)
		out = append(out, it.key)
		require.Equal(t, NOIDX, it.idx)
	}
	for i := 1; i < len(out); i++ {
		require.LessOrEqual(t, out[i-1], out[i])
	}
}

func TestHeap_RemoveByIndex(t *testing.T) {
	h := New()
	items := make([]*testItem, 0, 20)
	for i := 0; i < 20; i++ {
		it := &testItem{key: int64(rand.Intn(1000))}
		items = append(items, it)
		h.Insert(it)
	}

	target := items[7]
	h.Remove(target.idx)
	require.Equal(t, NOIDX, target.idx)
	require.Equal(t, 19, h.Len())

	// Removing by a tracked index must never leave the heap unsorted.
	var prev int64 = -1
	for h.Len() > 0 {
		it := h.Pop().(*testItem)
		require.GreaterOrEqual(t, it.key, prev)
		prev = it.key
	}
}

func TestHeap_FixAfterKeyDecrease(t *testing.T) {
	h := New()
	a := &testItem{key: 100}
	b := &testItem{key: 200}
	c := &testItem{key: 300}
	h.Insert(a)
	h.Insert(b)
	h.Insert(c)

	c.key = 1 // simulate Rearm lowering the fire time
	h.Fix(c.idx)

	require.Equal(t, c, h.Peek())
}

func TestHeap_EmptyPeekAndPop(t *testing.T) {
	h := New()
	require.Nil(t, h.Peek())
	require.Nil(t, h.Pop())
}
