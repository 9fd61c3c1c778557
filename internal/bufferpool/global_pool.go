package bufferpool

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tuannm99/novaidx/internal/storage"
)

var (
	DefaultCapacity = 128

	ErrNoFreeFrame      = errors.New("bufferpool: no free frame available (all pinned)")
	ErrPagePinned       = errors.New("bufferpool: page is pinned")
	ErrBlockOutOfRange  = errors.New("bufferpool: block number beyond end of relation")
	ErrBufferReleased   = errors.New("bufferpool: buffer already released")
	ErrUnknownLockState = errors.New("bufferpool: unlock without a held latch")
)

type Replacer interface {
	RecordAccess(frameID int)
	SetEvictable(frameID int, evictable bool)
	Evict() (frameID int, ok bool)
	Remove(frameID int)
	Size() int
}

// WALFlusher makes the log durable up to an LSN. A dirty page is written
// only after the log covering its LSN is flushed.
type WALFlusher interface {
	Flush(upto uint64) error
}

// PageTag uniquely identifies a page in the global pool.
type PageTag struct {
	FSKey  string
	PageID uint32
}

// frame holds one cached page. pin is guarded by GlobalPool.mu; the page
// content is guarded by latch.
type frame struct {
	tag   PageTag
	fs    storage.LocalFileSet
	page  *storage.Page
	pin   int32
	dirty atomic.Bool
	latch sync.RWMutex
}

type relState struct {
	nblocks uint32
}

// GlobalPool is a single shared buffer pool for ALL relations.
// It mimics PostgreSQL shared_buffers at a high level.
type GlobalPool struct {
	sm  *storage.StorageManager
	wal WALFlusher

	mu     sync.Mutex
	frames []*frame        // len == capacity, nil == free slot
	table  map[PageTag]int // (fsKey,pageID) -> frame index
	repl   Replacer
	rels   map[string]*relState
}

// NewGlobalPool builds a pool of capacity frames. w may be nil when the
// relations it serves are not logged.
func NewGlobalPool(sm *storage.StorageManager, capacity int, w WALFlusher) *GlobalPool {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &GlobalPool{
		sm:     sm,
		wal:    w,
		frames: make([]*frame, capacity),
		table:  make(map[PageTag]int),
		repl:   newClockReplacer(capacity),
		rels:   make(map[string]*relState),
	}
}

func (g *GlobalPool) PageSize() int {
	return g.sm.PageSize()
}

// relLocked returns the size bookkeeping of a relation, counting its pages
// on disk the first time it is seen.
func (g *GlobalPool) relLocked(fs storage.LocalFileSet) (*relState, error) {
	key := fs.Key()
	if rs, ok := g.rels[key]; ok {
		return rs, nil
	}
	n, err := g.sm.CountPages(fs)
	if err != nil {
		return nil, err
	}
	rs := &relState{nblocks: n}
	g.rels[key] = rs
	return rs, nil
}

// NumBlocks returns the current size of the relation in pages, including
// pages allocated in the pool but not yet written.
func (g *GlobalPool) NumBlocks(fs storage.LocalFileSet) (uint32, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rs, err := g.relLocked(fs)
	if err != nil {
		return 0, err
	}
	return rs.nblocks, nil
}

// ReadBuffer pins page (fs,pageID) and returns an unlatched handle.
func (g *GlobalPool) ReadBuffer(fs storage.LocalFileSet, pageID uint32) (*Buffer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rs, err := g.relLocked(fs)
	if err != nil {
		return nil, err
	}
	if pageID >= rs.nblocks {
		return nil, fmt.Errorf("%w: %s block %d (nblocks=%d)", ErrBlockOutOfRange, fs.Base, pageID, rs.nblocks)
	}

	f, err := g.pinLocked(fs, pageID, func() (*storage.Page, error) {
		return g.sm.LoadPage(fs, pageID)
	})
	if err != nil {
		return nil, err
	}
	return &Buffer{pool: g, f: f, blk: pageID}, nil
}

// NewBuffer extends the relation by one zeroed page and returns it pinned.
// The page is marked dirty so the extension reaches disk on flush.
func (g *GlobalPool) NewBuffer(fs storage.LocalFileSet) (*Buffer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rs, err := g.relLocked(fs)
	if err != nil {
		return nil, err
	}
	pageID := rs.nblocks

	f, err := g.pinLocked(fs, pageID, func() (*storage.Page, error) {
		p := storage.NewTempPage(g.sm.PageSize())
		p.Init(pageID, 0)
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	rs.nblocks++
	f.dirty.Store(true)
	return &Buffer{pool: g, f: f, blk: pageID}, nil
}

// pinLocked returns the frame for (fs,pageID) with its pin count raised,
// loading it through load on a miss.
func (g *GlobalPool) pinLocked(
	fs storage.LocalFileSet,
	pageID uint32,
	load func() (*storage.Page, error),
) (*frame, error) {
	tag := PageTag{FSKey: fs.Key(), PageID: pageID}

	// 1) HIT
	if idx, ok := g.table[tag]; ok {
		f := g.frames[idx]
		f.pin++
		g.repl.RecordAccess(idx)
		if f.pin == 1 {
			g.repl.SetEvictable(idx, false)
		}
		return f, nil
	}

	// 2) free slot, else 3) evict
	idx := -1
	for i, f := range g.frames {
		if f == nil {
			idx = i
			break
		}
	}
	if idx == -1 {
		victimIdx, ok := g.repl.Evict()
		if !ok {
			return nil, ErrNoFreeFrame
		}
		victim := g.frames[victimIdx]
		if victim.dirty.Load() {
			if err := g.writeFrame(victim, victim.page); err != nil {
				g.repl.RecordAccess(victimIdx)
				g.repl.SetEvictable(victimIdx, true)
				return nil, err
			}
		}
		delete(g.table, victim.tag)
		g.frames[victimIdx] = nil
		idx = victimIdx
	}

	page, err := load()
	if err != nil {
		return nil, err
	}
	f := &frame{tag: tag, fs: fs, page: page, pin: 1}
	g.frames[idx] = f
	g.table[tag] = idx
	g.repl.RecordAccess(idx)
	g.repl.SetEvictable(idx, false)
	return f, nil
}

// writeFrame flushes the log up to the page LSN, then writes the page.
func (g *GlobalPool) writeFrame(f *frame, p *storage.Page) error {
	if g.wal != nil {
		if err := g.wal.Flush(p.LSN()); err != nil {
			return fmt.Errorf("bufferpool: flush wal before page %d: %w", f.tag.PageID, err)
		}
	}
	return g.sm.SavePage(f.fs, f.tag.PageID, p)
}

func (g *GlobalPool) unpin(f *frame) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if f.pin <= 0 {
		slog.Error("bufferpool.unpin.underflow", "rel", f.fs.Base, "page", f.tag.PageID)
		return
	}
	f.pin--
	if f.pin == 0 {
		if idx, ok := g.table[f.tag]; ok && g.frames[idx] == f {
			g.repl.SetEvictable(idx, true)
		}
	}
}

// PinnedFrames counts frames with a non-zero pin count.
func (g *GlobalPool) PinnedFrames() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, f := range g.frames {
		if f != nil && f.pin > 0 {
			n++
		}
	}
	return n
}

// flushMatching writes every dirty frame accepted by match. Frames are
// pinned while the pool mutex is dropped and copied under a share latch.
func (g *GlobalPool) flushMatching(match func(*frame) bool) error {
	g.mu.Lock()
	var todo []*frame
	for _, f := range g.frames {
		if f == nil || !f.dirty.Load() || !match(f) {
			continue
		}
		f.pin++
		if idx, ok := g.table[f.tag]; ok {
			g.repl.SetEvictable(idx, false)
		}
		todo = append(todo, f)
	}
	g.mu.Unlock()

	var firstErr error
	for _, f := range todo {
		f.latch.RLock()
		snapshot := f.page.Clone()
		f.dirty.Store(false)
		f.latch.RUnlock()

		if err := g.writeFrame(f, snapshot); err != nil {
			f.dirty.Store(true)
			if firstErr == nil {
				firstErr = err
			}
		}
		g.unpin(f)
	}
	return firstErr
}

// FlushAll flushes all dirty pages in the global pool.
func (g *GlobalPool) FlushAll() error {
	return g.flushMatching(func(*frame) bool { return true })
}

// FlushFileSet flushes dirty pages belonging to a single relation.
func (g *GlobalPool) FlushFileSet(fs storage.LocalFileSet) error {
	key := fs.Key()
	return g.flushMatching(func(f *frame) bool { return f.tag.FSKey == key })
}

// DropFileSet discards ALL pages of a relation without writing them.
//
// IMPORTANT: This must be called before deleting the underlying files.
// If any page is pinned, ErrPagePinned is returned.
func (g *GlobalPool) DropFileSet(fs storage.LocalFileSet) error {
	key := fs.Key()

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, f := range g.frames {
		if f != nil && f.tag.FSKey == key && f.pin != 0 {
			return ErrPagePinned
		}
	}
	for i, f := range g.frames {
		if f == nil || f.tag.FSKey != key {
			continue
		}
		delete(g.table, f.tag)
		g.frames[i] = nil
		g.repl.Remove(i)
	}
	delete(g.rels, key)
	return nil
}
