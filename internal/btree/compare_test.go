package btree

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tuannm99/novaidx/internal/heap"
	"github.com/tuannm99/novaidx/internal/storage"
)

func TestCompareValues(t *testing.T) {
	require.Equal(t, -1, compareValues(int64(1), int64(2)))
	require.Equal(t, 0, compareValues("a", "a"))
	require.Equal(t, 1, compareValues("b", "a"))

	// NULL sorts last
	require.Equal(t, 1, compareValues(nil, int64(1)))
	require.Equal(t, -1, compareValues(int64(1), nil))
	require.Equal(t, 0, compareValues(nil, nil))
}

// buildPage formats an index page holding keys in order, with a high key
// when hikey is not nil.
func buildPage(t *testing.T, leaf bool, hikey *int64, keys ...int64) *storage.Page {
	t.Helper()
	p := storage.NewTempPage(1024)
	initPage(p, 5)
	o := opaqueOf(p)
	if leaf {
		o.setFlags(flagLeaf)
	}
	off := 0
	if hikey != nil {
		o.setNext(6)
		hk, err := FormTuple(int64Desc(), []any{*hikey}, heap.TID{})
		require.NoError(t, err)
		require.NoError(t, p.AddItem(hk, off))
		off++
	}
	for i, k := range keys {
		tup, err := FormTuple(int64Desc(), []any{k}, heap.TID{PageID: uint32(100 + i)})
		require.NoError(t, err)
		require.NoError(t, pgAddTup(p, tup, off))
		off++
	}
	return p
}

func keyOf(t *testing.T, ix *Index, v any) *scanKey {
	t.Helper()
	tup, err := FormTuple(ix.desc, []any{v}, heap.TID{})
	require.NoError(t, err)
	k, err := ix.makeScanKey(tup)
	require.NoError(t, err)
	return k
}

func TestBinsrch_Leaf(t *testing.T) {
	ix, _ := newTestIndex(t, 1024, int64Desc(), nil)
	p := buildPage(t, true, nil, 10, 20, 20, 30)

	cases := []struct {
		key     int64
		nextkey bool
		want    int
	}{
		{5, false, 0},
		{10, false, 0},
		{20, false, 1},
		{20, true, 3},
		{25, false, 3},
		{99, false, 4},
	}
	for _, c := range cases {
		off, err := ix.binsrch(keyOf(t, ix, c.key), p, c.nextkey)
		require.NoError(t, err)
		require.Equal(t, c.want, off, "key %d nextkey %v", c.key, c.nextkey)
	}
}

func TestBinsrch_LeafWithHighKey(t *testing.T) {
	ix, _ := newTestIndex(t, 1024, int64Desc(), nil)
	hk := int64(50)
	p := buildPage(t, true, &hk, 10, 20)

	off, err := ix.binsrch(keyOf(t, ix, int64(15)), p, false)
	require.NoError(t, err)
	require.Equal(t, 2, off)

	r, err := ix.compare(keyOf(t, ix, int64(50)), p, hikeyOff)
	require.NoError(t, err)
	require.Zero(t, r)
}

func TestBinsrch_InnerFollowsDownlink(t *testing.T) {
	ix, _ := newTestIndex(t, 1024, int64Desc(), nil)
	// the first key becomes minus infinity
	p := buildPage(t, false, nil, 0, 100, 200)

	item, err := p.Item(0)
	require.NoError(t, err)
	require.Zero(t, IndexTuple(item).NAtts())

	// equal keys descend left, their duplicates may start there
	cases := map[int64]int{-50: 0, 99: 0, 100: 0, 150: 1, 200: 1, 500: 2}
	for k, want := range cases {
		off, err := ix.binsrch(keyOf(t, ix, k), p, false)
		require.NoError(t, err)
		require.Equal(t, want, off, "key %d", k)
	}
}

func TestIsEqual_NullNeverEqual(t *testing.T) {
	ix, _ := newTestIndex(t, 1024, int64Desc(), nil)
	p := storage.NewTempPage(1024)
	initPage(p, 5)
	opaqueOf(p).setFlags(flagLeaf)
	tup, err := FormTuple(ix.desc, []any{nil}, heap.TID{PageID: 1})
	require.NoError(t, err)
	require.NoError(t, p.AddItem(tup, 0))

	eq, err := ix.isEqual(keyOf(t, ix, nil), p, 0)
	require.NoError(t, err)
	require.False(t, eq)

	r, err := ix.compare(keyOf(t, ix, nil), p, 0)
	require.NoError(t, err)
	require.Zero(t, r)
}
