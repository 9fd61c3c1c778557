package btree

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"

	"github.com/tuannm99/novaidx/internal/bufferpool"
	"github.com/tuannm99/novaidx/internal/heap"
	"github.com/tuannm99/novaidx/internal/storage"
	"github.com/tuannm99/novaidx/internal/txn"
	"github.com/tuannm99/novaidx/internal/wal"
)

// PageCache is the page access the index needs. bufferpool.View
// implements it.
type PageCache interface {
	FileSet() storage.LocalFileSet
	PageSize() int
	ReadBuffer(blk uint32) (*bufferpool.Buffer, error)
	NewBuffer() (*bufferpool.Buffer, error)
	NumBlocks() (uint32, error)
}

// LogWriter starts WAL records. *wal.Manager implements it.
type LogWriter interface {
	BeginRecord(typ wal.RecordType, dir, base string) *wal.Record
}

// LivenessChecker answers visibility questions about heap rows for the
// uniqueness check. *heap.Table implements it.
type LivenessChecker interface {
	// HotSearchDirty follows the version chain at tid with a dirty
	// snapshot taken on behalf of the transaction that created self.
	HotSearchDirty(tid, self heap.TID) (heap.DirtyResult, error)
	// IsSelfLive reports whether the row being indexed is still live.
	IsSelfLive(self heap.TID) (bool, error)
}

// XactWaiter blocks until a transaction ends. *txn.Manager implements it.
type XactWaiter interface {
	Wait(xid txn.XID)
}

// UniqueCheck selects how an insertion enforces uniqueness.
type UniqueCheck int

const (
	// CheckNone inserts without looking for duplicates.
	CheckNone UniqueCheck = iota
	// CheckYes raises a violation on a committed live duplicate and
	// waits on in-progress ones.
	CheckYes
	// CheckPartial never waits or fails; a possible duplicate only
	// clears the returned isUnique flag.
	CheckPartial
	// CheckExisting re-verifies a tuple already in the index and does not
	// insert.
	CheckExisting
)

func (c UniqueCheck) String() string {
	switch c {
	case CheckNone:
		return "none"
	case CheckYes:
		return "yes"
	case CheckPartial:
		return "partial"
	case CheckExisting:
		return "existing"
	default:
		return fmt.Sprintf("UniqueCheck(%d)", int(c))
	}
}

const (
	DefaultLeafFillFactor        = 90
	DefaultNonLeafFillFactor     = 70
	DefaultSplitToleranceDivisor = 16
	DefaultMoveRightProbability  = 0.99
	DefaultFastpathMinLevel      = 1
)

// Options configures an index handle.
type Options struct {
	Name string
	Desc TupleDesc

	LeafFillFactor        int
	NonLeafFillFactor     int
	SplitToleranceDivisor int
	// MoveRightProbability is the chance of stepping right past a full
	// page whose high key equals the new key instead of splitting it.
	// Nil selects the default; zero never moves right.
	MoveRightProbability *float64
	// FastpathMinLevel is the tree height from which the rightmost leaf
	// is cached for monotonic inserts.
	FastpathMinLevel uint32

	WAL      LogWriter
	Liveness LivenessChecker
	Waiter   XactWaiter
	Observer Observer
	Logger   *slog.Logger
	// Rand returns values in [0,1). Nil uses math/rand/v2.
	Rand func() float64
}

func (o *Options) setDefaults() {
	if o.LeafFillFactor == 0 {
		o.LeafFillFactor = DefaultLeafFillFactor
	}
	if o.NonLeafFillFactor == 0 {
		o.NonLeafFillFactor = DefaultNonLeafFillFactor
	}
	if o.SplitToleranceDivisor == 0 {
		o.SplitToleranceDivisor = DefaultSplitToleranceDivisor
	}
	if o.MoveRightProbability == nil {
		o.MoveRightProbability = Probability(DefaultMoveRightProbability)
	}
	if o.FastpathMinLevel == 0 {
		o.FastpathMinLevel = DefaultFastpathMinLevel
	}
	if o.Observer == nil {
		o.Observer = NoopObserver{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Rand == nil {
		o.Rand = rand.Float64
	}
}

func (o *Options) validate() error {
	if err := o.Desc.Validate(); err != nil {
		return err
	}
	if o.LeafFillFactor < 10 || o.LeafFillFactor > 100 {
		return fmt.Errorf("btree: leaf fill factor %d out of range [10,100]", o.LeafFillFactor)
	}
	if o.NonLeafFillFactor < 10 || o.NonLeafFillFactor > 100 {
		return fmt.Errorf("btree: non-leaf fill factor %d out of range [10,100]", o.NonLeafFillFactor)
	}
	if o.SplitToleranceDivisor < 1 {
		return fmt.Errorf("btree: split tolerance divisor %d must be positive", o.SplitToleranceDivisor)
	}
	if p := *o.MoveRightProbability; p < 0 || p > 1 {
		return fmt.Errorf("btree: move-right probability %v out of range [0,1]", p)
	}
	return nil
}

// Index is a handle on one B-tree index. It is safe for concurrent use;
// all shared state lives in the pages except the rightmost-leaf hint.
type Index struct {
	name  string
	desc  TupleDesc
	pages PageCache
	opts  Options
	log   *slog.Logger
	obs   Observer

	// targetBlock caches the rightmost leaf for the insertion fastpath.
	// Zero means no hint (block 0 is the metapage).
	targetBlock atomic.Uint32

	moveRight float64

	// rootLevel mirrors the metapage root level, -1 while the index is
	// empty. It only grows.
	rootLevel atomic.Int32

	// afterSplit runs after a split committed and before the parent is
	// updated. Tests use it to interrupt a split.
	afterSplit func(left, right uint32) error
}

func newIndex(pages PageCache, opts Options) (*Index, error) {
	opts.setDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if MaxItemSize(pages.PageSize()) < tupleHeaderSize*2 {
		return nil, fmt.Errorf("btree: page size %d too small", pages.PageSize())
	}
	ix := &Index{
		name:  opts.Name,
		desc:  opts.Desc,
		pages: pages,
		opts:  opts,
		log:   opts.Logger.With("index", opts.Name),
		obs:   opts.Observer,

		moveRight: *opts.MoveRightProbability,
	}
	ix.rootLevel.Store(-1)
	return ix, nil
}

// Create initializes an empty relation as an index. Only the metapage is
// written; the root leaf is created by the first insertion.
func Create(pages PageCache, opts Options) (*Index, error) {
	ix, err := newIndex(pages, opts)
	if err != nil {
		return nil, err
	}
	n, err := pages.NumBlocks()
	if err != nil {
		return nil, err
	}
	if n != 0 {
		return nil, fmt.Errorf("%w: %s has %d blocks", ErrIndexExists, ix.name, n)
	}

	buf, err := pages.NewBuffer()
	if err != nil {
		return nil, err
	}
	defer buf.Release()
	buf.Lock(bufferpool.LockExclusive)
	if buf.BlockNumber() != metaBlock {
		return nil, ix.corrupt(buf.BlockNumber(), "metapage allocated at wrong block")
	}

	md := metaData{
		Magic:    metaMagic,
		Version:  metaVersion,
		NAtts:    uint16(ix.desc.NAtts()),
		NKeyAtts: uint16(ix.desc.NKeyAtts),
	}
	ix.critical("create", recMetaInit, func() {
		initMetaPage(buf.Page(), md)
	}, buf)

	ix.log.Debug("btree.create", "pageSize", pages.PageSize(), "natts", md.NAtts, "nkeyatts", md.NKeyAtts)
	return ix, nil
}

// Open attaches to an existing index and checks its metapage against the
// descriptor.
func Open(pages PageCache, opts Options) (*Index, error) {
	ix, err := newIndex(pages, opts)
	if err != nil {
		return nil, err
	}
	buf, err := pages.ReadBuffer(metaBlock)
	if err != nil {
		return nil, fmt.Errorf("btree: open %s: %w", ix.name, err)
	}
	defer buf.Release()
	buf.Lock(bufferpool.LockShare)

	md, err := ix.readMeta(buf)
	if err != nil {
		return nil, err
	}
	if int(md.NAtts) != ix.desc.NAtts() || int(md.NKeyAtts) != ix.desc.NKeyAtts {
		return nil, ix.corrupt(metaBlock, "metapage describes %d/%d attributes, descriptor has %d/%d",
			md.NAtts, md.NKeyAtts, ix.desc.NAtts(), ix.desc.NKeyAtts)
	}
	if md.Root != pNone {
		ix.noteRootLevel(md.Level)
	}
	ix.log.Debug("btree.open", "root", md.Root, "level", md.Level)
	return ix, nil
}

func (ix *Index) Name() string { return ix.name }

func (ix *Index) Desc() TupleDesc { return ix.desc }

// Insert forms a tuple from values and inserts it. See InsertTuple.
func (ix *Index) Insert(values []any, tid heap.TID, check UniqueCheck) (bool, error) {
	itup, err := FormTuple(ix.desc, values, tid)
	if err != nil {
		return false, err
	}
	return ix.InsertTuple(itup, check)
}

// Height returns the number of levels in the tree: 0 for an empty index,
// 1 for a lone root leaf.
func (ix *Index) Height() (int, error) {
	buf, err := ix.pages.ReadBuffer(metaBlock)
	if err != nil {
		return 0, err
	}
	defer buf.Release()
	buf.Lock(bufferpool.LockShare)
	md, err := ix.readMeta(buf)
	if err != nil {
		return 0, err
	}
	if md.Root == pNone {
		return 0, nil
	}
	return int(md.Level) + 1, nil
}

// noteRootLevel raises the cached root level to level.
func (ix *Index) noteRootLevel(level uint32) {
	for {
		cur := ix.rootLevel.Load()
		if cur >= int32(level) || ix.rootLevel.CompareAndSwap(cur, int32(level)) {
			return
		}
	}
}

func (ix *Index) moveRightDraw() bool {
	return ix.opts.Rand() < ix.moveRight
}

// Probability returns a pointer to p for Options.MoveRightProbability.
func Probability(p float64) *float64 { return &p }
