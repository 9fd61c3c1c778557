package btree

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tuannm99/novaidx/internal/bufferpool"
	"github.com/tuannm99/novaidx/internal/heap"
	"github.com/tuannm99/novaidx/internal/storage"
	"github.com/tuannm99/novaidx/internal/wal"
)

var errCrash = errors.New("simulated crash")

// crashNextSplit makes the next split stop before its parent is updated.
func crashNextSplit(ix *Index) {
	ix.afterSplit = func(left, right uint32) error {
		ix.afterSplit = nil
		return errCrash
	}
}

// insertUntilCrash inserts ascending keys from next on and returns the key
// whose insertion was interrupted.
func insertUntilCrash(t *testing.T, ix *Index, next int64) int64 {
	t.Helper()
	crashNextSplit(ix)
	for k := next; ; k++ {
		_, err := ix.Insert([]any{k}, heap.TID{PageID: uint32(k)}, CheckNone)
		if errors.Is(err, errCrash) {
			return k
		}
		require.NoError(t, err)
	}
}

func hasProblem(rep *VerifyReport, substr string) bool {
	for _, p := range rep.Problems {
		if strings.Contains(p, substr) {
			return true
		}
	}
	return false
}

func TestSplit_IncompleteSplitIsFinishedByNextInsert(t *testing.T) {
	ix, env := newTestIndex(t, 1024, int64Desc(), nil)
	for _, k := range seq(1, 300) {
		_, err := ix.Insert([]any{k}, heap.TID{PageID: uint32(k)}, CheckNone)
		require.NoError(t, err)
	}

	crashed := insertUntilCrash(t, ix, 301)
	require.Zero(t, env.pool.PinnedFrames())

	rep, err := ix.Verify()
	require.True(t, IsCorruption(err))
	require.True(t, hasProblem(rep, "incomplete split"))
	require.True(t, hasProblem(rep, "no downlink"))

	_, err = ix.Insert([]any{crashed + 1}, heap.TID{PageID: uint32(crashed + 1)}, CheckNone)
	require.NoError(t, err)
	require.Equal(t, int64(1), env.obs.repairs.Load())

	// the interrupted tuple made it in with the split
	require.Equal(t, seq(1, crashed+1), leafKeys[int64](t, ix))
}

func TestSplit_IncompleteRootSplitGrowsTree(t *testing.T) {
	ix, env := newTestIndex(t, 1024, int64Desc(), nil)
	crashed := insertUntilCrash(t, ix, 1)

	h, err := ix.Height()
	require.NoError(t, err)
	require.Equal(t, 1, h)
	rep, err := ix.Verify()
	require.True(t, IsCorruption(err))
	require.True(t, hasProblem(rep, "root page lacks root flag"))

	_, err = ix.Insert([]any{int64(0)}, heap.TID{}, CheckNone)
	require.NoError(t, err)
	require.Equal(t, int64(1), env.obs.repairs.Load())
	require.Equal(t, int64(1), env.obs.newRoots.Load())

	h, err = ix.Height()
	require.NoError(t, err)
	require.Equal(t, 2, h)
	require.Equal(t, seq(0, crashed), leafKeys[int64](t, ix))
}

func TestSplit_InsertOnIncompletePageIsRefused(t *testing.T) {
	ix, _ := newTestIndex(t, 1024, int64Desc(), nil)
	for _, k := range seq(1, 100) {
		_, err := ix.Insert([]any{k}, heap.TID{PageID: uint32(k)}, CheckNone)
		require.NoError(t, err)
	}
	insertUntilCrash(t, ix, 101)

	var left *bufferpool.Buffer
	for blk := uint32(1); ; blk++ {
		buf, err := ix.pages.ReadBuffer(blk)
		require.NoError(t, err)
		buf.Lock(bufferpool.LockExclusive)
		if opaqueOf(buf.Page()).incompleteSplit() {
			left = buf
			break
		}
		buf.Release()
	}

	op := &insertion{ix: ix}
	op.scope.track(left)
	defer op.scope.releaseAll()
	tup, err := FormTuple(ix.desc, []any{int64(-1)}, heap.TID{})
	require.NoError(t, err)
	err = op.insertOnPage(left, nil, nil, tup, opaqueOf(left.Page()).firstDataKey(), false)
	require.ErrorIs(t, err, ErrIncompleteSplit)
}

// A split whose parent update never happened is logged as committed; after
// replaying the log into fresh storage the next insertion repairs it.
func TestSplit_RepairAfterRecovery(t *testing.T) {
	dir := t.TempDir()
	walDir := filepath.Join(dir, "wal")
	fs := storage.LocalFileSet{Dir: filepath.Join(dir, "base"), Base: "users_pkey"}

	openIndex := func(create bool) (*Index, *wal.Manager, *countingObserver) {
		sm, err := storage.NewStorageManager(1024)
		require.NoError(t, err)
		w, err := wal.Open(walDir, wal.Options{Codec: wal.CodecLZ4, NoSync: true})
		require.NoError(t, err)
		if !create {
			st, err := w.Recover(storage.NewWALWriter(sm))
			require.NoError(t, err)
			require.Positive(t, st.Records)
		}
		obs := &countingObserver{}
		opts := Options{Name: fs.Base, Desc: int64Desc(), WAL: w, Observer: obs, Logger: discardLogger()}
		pool := bufferpool.NewGlobalPool(sm, 256, w)
		open := Open
		if create {
			open = Create
		}
		ix, err := open(pool.View(fs), opts)
		require.NoError(t, err)
		return ix, w, obs
	}

	ix, w, _ := openIndex(true)
	for _, k := range seq(1, 300) {
		_, err := ix.Insert([]any{k}, heap.TID{PageID: uint32(k)}, CheckNone)
		require.NoError(t, err)
	}
	crashed := insertUntilCrash(t, ix, 301)
	// nothing was ever written back; the log is all there is
	require.NoError(t, w.Close())

	ix, w, obs := openIndex(false)
	defer w.Close()

	rep, err := ix.Verify()
	require.True(t, IsCorruption(err))
	require.True(t, hasProblem(rep, "incomplete split"))

	_, err = ix.Insert([]any{crashed + 1}, heap.TID{PageID: uint32(crashed + 1)}, CheckNone)
	require.NoError(t, err)
	require.Equal(t, int64(1), obs.repairs.Load())
	require.Equal(t, seq(1, crashed+1), leafKeys[int64](t, ix))
}
