package bufferpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tuannm99/novaidx/internal/storage"
)

type recordingFlusher struct {
	mu    sync.Mutex
	calls []uint64
}

func (r *recordingFlusher) Flush(upto uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, upto)
	return nil
}

// newTestPool creates a StorageManager over a temp dir and a small pool.
func newTestPool(t *testing.T, capacity int) (*GlobalPool, *recordingFlusher, storage.LocalFileSet) {
	t.Helper()

	sm, err := storage.NewStorageManager(512)
	require.NoError(t, err)
	w := &recordingFlusher{}
	fs := storage.LocalFileSet{Dir: t.TempDir(), Base: "rel"}
	return NewGlobalPool(sm, capacity, w), w, fs
}

func TestPool_NewBufferExtendsRelation(t *testing.T) {
	gp, _, fs := newTestPool(t, 4)
	v := gp.View(fs)

	n, err := v.NumBlocks()
	require.NoError(t, err)
	require.Zero(t, n)

	b0, err := v.NewBuffer()
	require.NoError(t, err)
	b1, err := v.NewBuffer()
	require.NoError(t, err)
	require.Equal(t, uint32(0), b0.BlockNumber())
	require.Equal(t, uint32(1), b1.BlockNumber())

	n, err = v.NumBlocks()
	require.NoError(t, err)
	require.Equal(t, uint32(2), n)
	require.Equal(t, 2, gp.PinnedFrames())

	b0.Release()
	b1.Release()
	b1.Release()
	require.Equal(t, 0, gp.PinnedFrames())

	_, err = v.ReadBuffer(5)
	require.ErrorIs(t, err, ErrBlockOutOfRange)
}

func TestPool_ReadBufferSharesFrame(t *testing.T) {
	gp, _, fs := newTestPool(t, 4)
	v := gp.View(fs)

	b, err := v.NewBuffer()
	require.NoError(t, err)
	b.Lock(LockExclusive)
	require.NoError(t, b.Page().AddItem([]byte("x"), 0))
	b.MarkDirty()
	b.Release()

	r1, err := v.ReadBuffer(0)
	require.NoError(t, err)
	r2, err := v.ReadBuffer(0)
	require.NoError(t, err)
	require.Same(t, r1.Page(), r2.Page())

	r1.Lock(LockShare)
	r2.Lock(LockShare)
	require.Equal(t, 1, r1.Page().NumSlots())
	r1.Release()
	r2.Release()
	require.Equal(t, 0, gp.PinnedFrames())
}

func TestPool_ConditionalLock(t *testing.T) {
	gp, _, fs := newTestPool(t, 4)
	v := gp.View(fs)

	a, err := v.NewBuffer()
	require.NoError(t, err)
	defer a.Release()
	b, err := v.ReadBuffer(0)
	require.NoError(t, err)
	defer b.Release()

	a.Lock(LockShare)
	require.False(t, b.ConditionalLock())
	a.Unlock()

	require.True(t, b.ConditionalLock())
	require.Equal(t, LockExclusive, b.Mode())
	require.False(t, a.ConditionalLock())
}

func TestPool_NoFreeFrameWhenAllPinned(t *testing.T) {
	gp, _, fs := newTestPool(t, 1)
	v := gp.View(fs)

	b0, err := v.NewBuffer()
	require.NoError(t, err)

	_, err = v.NewBuffer()
	require.ErrorIs(t, err, ErrNoFreeFrame)

	b0.Release()
	b1, err := v.NewBuffer()
	require.NoError(t, err)
	b1.Release()
}

func TestPool_EvictionFlushesWALFirst(t *testing.T) {
	gp, w, fs := newTestPool(t, 1)
	v := gp.View(fs)

	b0, err := v.NewBuffer()
	require.NoError(t, err)
	b0.Lock(LockExclusive)
	require.NoError(t, b0.Page().AddItem([]byte("persist-me"), 0))
	b0.Page().SetLSN(77)
	b0.MarkDirty()
	b0.Release()

	// evicts block 0
	b1, err := v.NewBuffer()
	require.NoError(t, err)
	b1.Release()

	require.Equal(t, []uint64{77}, w.calls)

	sm, err := storage.NewStorageManager(512)
	require.NoError(t, err)
	reloaded, err := sm.LoadPage(fs, 0)
	require.NoError(t, err)
	item, err := reloaded.Item(0)
	require.NoError(t, err)
	require.Equal(t, "persist-me", string(item))

	// block 0 comes back from disk
	r, err := v.ReadBuffer(0)
	require.NoError(t, err)
	r.Lock(LockShare)
	require.Equal(t, uint64(77), r.Page().LSN())
	r.Release()
}

func TestPool_FlushAllAndDrop(t *testing.T) {
	gp, _, fs := newTestPool(t, 4)
	v := gp.View(fs)

	for range 3 {
		b, err := v.NewBuffer()
		require.NoError(t, err)
		b.Release()
	}
	require.NoError(t, gp.FlushAll())

	sm, err := storage.NewStorageManager(512)
	require.NoError(t, err)
	n, err := sm.CountPages(fs)
	require.NoError(t, err)
	require.Equal(t, uint32(3), n)

	pinned, err := v.ReadBuffer(1)
	require.NoError(t, err)
	require.ErrorIs(t, gp.DropFileSet(fs), ErrPagePinned)
	pinned.Release()

	require.NoError(t, gp.DropFileSet(fs))
	require.NoError(t, storage.RemoveAllSegments(fs))
	n, err = v.NumBlocks()
	require.NoError(t, err)
	require.Zero(t, n)
}
