package btree

import (
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tuannm99/novaidx/internal/bufferpool"
	"github.com/tuannm99/novaidx/internal/heap"
	"github.com/tuannm99/novaidx/internal/storage"
	"github.com/tuannm99/novaidx/internal/txn"
)

type countingObserver struct {
	inserts    atomic.Int64
	fastpath   atomic.Int64
	splits     atomic.Int64
	newRoots   atomic.Int64
	repairs    atomic.Int64
	waits      atomic.Int64
	violations atomic.Int64
	reclaimed  atomic.Int64
	moveRight  atomic.Int64
}

func (c *countingObserver) ObserveInsert(fastpath bool) {
	c.inserts.Add(1)
	if fastpath {
		c.fastpath.Add(1)
	}
}
func (c *countingObserver) ObserveSplit(uint32)             { c.splits.Add(1) }
func (c *countingObserver) ObserveNewRoot(uint32)           { c.newRoots.Add(1) }
func (c *countingObserver) ObserveSplitRepair()             { c.repairs.Add(1) }
func (c *countingObserver) ObserveUniqueWait()              { c.waits.Add(1) }
func (c *countingObserver) ObserveUniqueViolation()         { c.violations.Add(1) }
func (c *countingObserver) ObserveDeadItemsReclaimed(n int) { c.reclaimed.Add(int64(n)) }
func (c *countingObserver) ObserveMoveRight()               { c.moveRight.Add(1) }

// testEnv is an index over a temp dir with an in-memory heap behind it.
type testEnv struct {
	sm    *storage.StorageManager
	pool  *bufferpool.GlobalPool
	fs    storage.LocalFileSet
	txns  *txn.Manager
	table *heap.Table
	obs   *countingObserver
	opts  Options
}

func int64Desc() TupleDesc {
	return TupleDesc{Columns: []Column{{Name: "id", Type: TypeInt64}}, NKeyAtts: 1}
}

func textDesc() TupleDesc {
	return TupleDesc{Columns: []Column{{Name: "name", Type: TypeText}}, NKeyAtts: 1}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T, pageSize int, desc TupleDesc, tweak func(*Options)) *testEnv {
	t.Helper()

	sm, err := storage.NewStorageManager(pageSize)
	require.NoError(t, err)
	txns := txn.NewManager()
	env := &testEnv{
		sm:    sm,
		pool:  bufferpool.NewGlobalPool(sm, 1024, nil),
		fs:    storage.LocalFileSet{Dir: t.TempDir(), Base: "users_pkey"},
		txns:  txns,
		table: heap.NewTable("users", txns),
		obs:   &countingObserver{},
	}
	env.opts = Options{
		Name:     "users_pkey",
		Desc:     desc,
		Liveness: env.table,
		Waiter:   txns,
		Observer: env.obs,
		Logger:   discardLogger(),
	}
	if tweak != nil {
		tweak(&env.opts)
	}
	return env
}

func (e *testEnv) create(t *testing.T) *Index {
	t.Helper()
	ix, err := Create(e.pool.View(e.fs), e.opts)
	require.NoError(t, err)
	return ix
}

func newTestIndex(t *testing.T, pageSize int, desc TupleDesc, tweak func(*Options)) (*Index, *testEnv) {
	t.Helper()
	env := newTestEnv(t, pageSize, desc, tweak)
	return env.create(t), env
}

// insertRow stores row in the heap under a fresh transaction, indexes it
// and commits on success or aborts on failure.
func (e *testEnv) insertRow(ix *Index, check UniqueCheck, row ...any) (bool, error) {
	xid := e.txns.Begin()
	tid := e.table.Insert(xid, row)
	ok, err := ix.Insert(row, tid, check)
	if err != nil {
		_ = e.txns.Abort(xid)
		return ok, err
	}
	return ok, e.txns.Commit(xid)
}

func (e *testEnv) mustInsert(t *testing.T, ix *Index, check UniqueCheck, row ...any) {
	t.Helper()
	_, err := e.insertRow(ix, check, row...)
	require.NoError(t, err)
}

// leafKeys returns the first column of every leaf tuple in index order
// and fails the test if the index does not verify.
func leafKeys[T any](t *testing.T, ix *Index) []T {
	t.Helper()
	var out []T
	_, err := ix.verify(func(it IndexTuple) {
		vals, err := it.Values(ix.desc)
		require.NoError(t, err)
		out = append(out, vals[0].(T))
	})
	require.NoError(t, err)
	return out
}

// leafPages returns snapshots of the leaf level, left to right.
func leafPages(t *testing.T, ix *Index) []*storage.Page {
	t.Helper()
	meta, err := ix.snapshotPage(metaBlock)
	require.NoError(t, err)
	item, err := meta.Item(0)
	require.NoError(t, err)
	md := decodeMeta(item)
	require.NotEqual(t, pNone, md.Root)

	p, err := ix.snapshotPage(md.Root)
	require.NoError(t, err)
	for !opaqueOf(p).isLeaf() {
		item, err := p.Item(opaqueOf(p).firstDataKey())
		require.NoError(t, err)
		p, err = ix.snapshotPage(IndexTuple(item).downlink())
		require.NoError(t, err)
	}

	var out []*storage.Page
	for {
		out = append(out, p)
		next := opaqueOf(p).next()
		if next == pNone {
			return out
		}
		p, err = ix.snapshotPage(next)
		require.NoError(t, err)
	}
}
