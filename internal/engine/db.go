// Package engine ties tables, their B-tree indexes, the shared buffer pool
// and the WAL together behind a small catalog.
package engine

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tuannm99/novaidx/internal"
	"github.com/tuannm99/novaidx/internal/btree"
	"github.com/tuannm99/novaidx/internal/bufferpool"
	"github.com/tuannm99/novaidx/internal/heap"
	"github.com/tuannm99/novaidx/internal/metrics"
	"github.com/tuannm99/novaidx/internal/relcache"
	"github.com/tuannm99/novaidx/internal/storage"
	"github.com/tuannm99/novaidx/internal/txn"
	"github.com/tuannm99/novaidx/internal/wal"
)

var (
	ErrDatabaseClosed = errors.New("novaidx: database is closed")
	ErrTableNotFound  = errors.New("novaidx: table not found")
	ErrTableExists    = errors.New("novaidx: table already exists")
	ErrIndexNotFound  = errors.New("novaidx: index not found")
	ErrIndexExists    = errors.New("novaidx: index already exists")
	ErrBadName        = errors.New("novaidx: invalid name")
	ErrBadColumn      = errors.New("novaidx: column not found")
	ErrBadRow         = errors.New("novaidx: row does not match table columns")
	ErrTxDone         = errors.New("novaidx: transaction already ended")
)

// heapReserve is how many heap pages a table claims in the catalog ahead
// of use. Row ids below the claimed mark are never handed out twice, even
// after a crash.
const heapReserve = 64

// Options configures a Database. Zero values select the defaults of the
// storage and btree packages.
type Options struct {
	DataDir      string
	PageSize     int
	PoolCapacity int

	DisableWAL bool
	WALCodec   wal.Codec
	WALNoSync  bool

	LeafFillFactor        int
	NonLeafFillFactor     int
	SplitToleranceDivisor int
	MoveRightProbability  *float64 // nil selects the btree default
	FastpathMinLevel      uint32

	RelCacheCapacity int

	// Registerer receives the index metrics. Nil keeps them unregistered.
	Registerer prometheus.Registerer
	Logger     *slog.Logger
}

// OptionsFromConfig maps the loaded configuration onto engine options.
func OptionsFromConfig(cfg *internal.NovaIdxConfig) (Options, error) {
	codec, err := wal.ParseCodec(cfg.WAL.Compression)
	if err != nil {
		return Options{}, err
	}
	return Options{
		DataDir:               cfg.Storage.Workdir,
		PageSize:              cfg.Storage.PageSize,
		PoolCapacity:          cfg.Storage.BufferPoolCapacity,
		DisableWAL:            !cfg.WAL.Enabled,
		WALCodec:              codec,
		WALNoSync:             !cfg.WAL.Sync,
		LeafFillFactor:        cfg.BTree.LeafFillFactor,
		NonLeafFillFactor:     cfg.BTree.NonLeafFillFactor,
		SplitToleranceDivisor: cfg.BTree.SplitToleranceDivisor,
		MoveRightProbability:  btree.Probability(cfg.BTree.MoveRightProbability),
		FastpathMinLevel:      cfg.BTree.FastpathMinLevel,
		RelCacheCapacity:      cfg.RelCache.Capacity,
	}, nil
}

type tableState struct {
	heap *heap.Table

	// mu guards meta, which is rewritten by index DDL and heap reservations.
	mu   sync.Mutex
	meta *TableMeta
}

type indexHandle struct {
	ix   *btree.Index
	meta IndexMeta
	proj []int
	obs  *metrics.IndexObserver
}

type Database struct {
	dir  string
	opts Options
	log  *slog.Logger

	sm      *storage.StorageManager
	wal     *wal.Manager
	pool    *bufferpool.GlobalPool
	txns    *txn.Manager
	metrics *metrics.Collector
	indexes *relcache.Cache[*indexHandle]

	mu      sync.RWMutex
	tables  map[string]*tableState
	byIndex map[string]string // index -> table
	closed  bool
}

// Open opens or creates the database in opts.DataDir. The WAL is replayed
// before any relation is read, so interrupted splits left by a crash show
// up as incomplete pages that the next insertion finishes.
func Open(opts Options) (*Database, error) {
	if opts.DataDir == "" {
		return nil, errors.New("engine: data dir is required")
	}
	dir, err := filepath.Abs(opts.DataDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, storage.FileMode0755); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	sm, err := storage.NewStorageManager(opts.PageSize)
	if err != nil {
		return nil, err
	}

	db := &Database{
		dir:     dir,
		opts:    opts,
		log:     opts.Logger.With("component", "engine"),
		sm:      sm,
		txns:    txn.NewManager(),
		metrics: metrics.NewCollector(opts.Registerer),
		tables:  make(map[string]*tableState),
		byIndex: make(map[string]string),
	}

	var flusher bufferpool.WALFlusher
	if !opts.DisableWAL {
		w, err := wal.Open(filepath.Join(dir, "wal"), wal.Options{Codec: opts.WALCodec, NoSync: opts.WALNoSync})
		if err != nil {
			return nil, err
		}
		st, err := w.Recover(storage.NewWALWriter(sm))
		if err != nil {
			_ = w.Close()
			return nil, fmt.Errorf("engine: recovery: %w", err)
		}
		db.log.Info("engine.recovered", "records", st.Records, "pages", st.Pages, "lastLSN", st.LastLSN)
		db.wal = w
		flusher = w
	}
	db.pool = bufferpool.NewGlobalPool(sm, opts.PoolCapacity, flusher)

	if db.indexes, err = relcache.New[*indexHandle](opts.RelCacheCapacity, db.log); err != nil {
		_ = db.wal.Close()
		return nil, err
	}

	metas, err := db.listTableMetas()
	if err != nil {
		_ = db.wal.Close()
		return nil, err
	}
	for _, m := range metas {
		db.tables[m.Name] = &tableState{meta: m, heap: heap.NewTableFrom(m.Name, db.txns, m.NextPage)}
		for _, im := range m.Indexes {
			db.byIndex[im.Name] = m.Name
		}
	}
	db.log.Info("engine.open", "dir", dir, "tables", len(db.tables), "indexes", len(db.byIndex))
	return db, nil
}

// Close flushes every dirty page and closes the WAL.
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	db.indexes.Purge()
	err := db.pool.FlushAll()
	return errors.Join(err, db.wal.Close())
}

// Checkpoint writes every dirty page to its relation.
func (db *Database) Checkpoint() error {
	if err := db.ensureOpen(); err != nil {
		return err
	}
	return db.pool.FlushAll()
}

func (db *Database) ensureOpen() error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return ErrDatabaseClosed
	}
	return nil
}

func (db *Database) logWriter() btree.LogWriter {
	if db.wal == nil {
		return nil
	}
	return db.wal
}

// CreateTable registers a table with the given columns.
func (db *Database) CreateTable(name string, cols []btree.Column) error {
	if err := validateIdent(name); err != nil {
		return fmt.Errorf("%w: %v", ErrBadName, err)
	}
	if len(cols) == 0 {
		return fmt.Errorf("%w: table %s has no columns", ErrBadColumn, name)
	}
	for _, c := range cols {
		if err := validateIdent(c.Name); err != nil {
			return fmt.Errorf("%w: %v", ErrBadName, err)
		}
		if c.Type != btree.TypeInt64 && c.Type != btree.TypeText {
			return fmt.Errorf("%w: column %s has type %s", btree.ErrBadDescriptor, c.Name, c.Type)
		}
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrDatabaseClosed
	}
	if _, ok := db.tables[name]; ok {
		return fmt.Errorf("%w: %s", ErrTableExists, name)
	}
	now := time.Now()
	meta := &TableMeta{Name: name, Columns: slices.Clone(cols), CreatedAt: now}
	if err := db.writeTableMeta(meta); err != nil {
		return err
	}
	db.tables[name] = &tableState{meta: meta, heap: heap.NewTable(name, db.txns)}
	db.log.Info("engine.create_table", "table", name, "columns", len(cols))
	return nil
}

// IndexSpec describes an index to create. Include columns are carried in
// leaf tuples only.
type IndexSpec struct {
	Name    string
	Table   string
	Key     []string
	Include []string
	Unique  bool

	LeafFillFactor    int
	NonLeafFillFactor int
}

// CreateIndex creates an empty index over a table. Rows inserted before
// the index existed are not added to it.
func (db *Database) CreateIndex(spec IndexSpec) (*btree.Index, error) {
	for _, s := range slices.Concat([]string{spec.Name, spec.Table}, spec.Key, spec.Include) {
		if err := validateIdent(s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadName, err)
		}
	}
	if len(spec.Key) == 0 {
		return nil, fmt.Errorf("%w: index %s has no key columns", ErrBadColumn, spec.Name)
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, ErrDatabaseClosed
	}
	ts, ok := db.tables[spec.Table]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, spec.Table)
	}
	if _, ok := db.byIndex[spec.Name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrIndexExists, spec.Name)
	}

	im := IndexMeta{
		Name:              spec.Name,
		Columns:           slices.Concat(spec.Key, spec.Include),
		NKeyAtts:          len(spec.Key),
		Unique:            spec.Unique,
		LeafFillFactor:    spec.LeafFillFactor,
		NonLeafFillFactor: spec.NonLeafFillFactor,
		CreatedAt:         time.Now(),
	}
	desc, proj, err := ts.meta.indexDesc(&im)
	if err != nil {
		return nil, err
	}

	fs := db.indexFileSet(im.Name)
	h := &indexHandle{meta: im, proj: proj, obs: db.metrics.For(im.Name)}
	if h.ix, err = btree.Create(db.pool.View(fs), db.btreeOptions(h, desc, ts.heap)); err != nil {
		return nil, err
	}

	ts.mu.Lock()
	ts.meta.Indexes = append(ts.meta.Indexes, im)
	err = db.writeTableMeta(ts.meta)
	if err != nil {
		ts.meta.Indexes = ts.meta.Indexes[:len(ts.meta.Indexes)-1]
	}
	ts.mu.Unlock()
	if err != nil {
		_ = db.pool.DropFileSet(fs)
		_ = btree.DropIndex(fs)
		return nil, err
	}

	db.byIndex[im.Name] = spec.Table
	if _, err := db.indexes.Get(im.Name, func() (*indexHandle, error) { return h, nil }); err != nil {
		return nil, err
	}
	db.log.Info("engine.create_index", "index", im.Name, "table", spec.Table,
		"columns", im.Columns, "unique", im.Unique)
	return h.ix, nil
}

func (db *Database) btreeOptions(h *indexHandle, desc btree.TupleDesc, liveness *heap.Table) btree.Options {
	return btree.Options{
		Name:                  h.meta.Name,
		Desc:                  desc,
		LeafFillFactor:        cmp.Or(h.meta.LeafFillFactor, db.opts.LeafFillFactor),
		NonLeafFillFactor:     cmp.Or(h.meta.NonLeafFillFactor, db.opts.NonLeafFillFactor),
		SplitToleranceDivisor: db.opts.SplitToleranceDivisor,
		MoveRightProbability:  db.opts.MoveRightProbability,
		FastpathMinLevel:      db.opts.FastpathMinLevel,
		WAL:                   db.logWriter(),
		Liveness:              liveness,
		Waiter:                db.txns,
		Observer:              h.obs,
		Logger:                db.log,
	}
}

// openIndex returns the cached handle of an index, opening it on a miss.
func (db *Database) openIndex(name string) (*indexHandle, error) {
	return db.indexes.Get(name, func() (*indexHandle, error) {
		db.mu.RLock()
		if db.closed {
			db.mu.RUnlock()
			return nil, ErrDatabaseClosed
		}
		tname, ok := db.byIndex[name]
		ts := db.tables[tname]
		db.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrIndexNotFound, name)
		}

		ts.mu.Lock()
		_, found := ts.meta.findIndex(name)
		if found == nil {
			ts.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrIndexNotFound, name)
		}
		im := *found
		desc, proj, err := ts.meta.indexDesc(&im)
		ts.mu.Unlock()
		if err != nil {
			return nil, err
		}

		h := &indexHandle{meta: im, proj: proj, obs: db.metrics.For(name)}
		h.ix, err = btree.Open(db.pool.View(db.indexFileSet(name)), db.btreeOptions(h, desc, ts.heap))
		if err != nil {
			return nil, err
		}
		db.log.Debug("engine.open_index", "index", name, "table", tname)
		return h, nil
	})
}

// Index returns the handle of an index.
func (db *Database) Index(name string) (*btree.Index, error) {
	h, err := db.openIndex(name)
	if err != nil {
		return nil, err
	}
	return h.ix, nil
}

// Verify checks the structure of an index.
func (db *Database) Verify(name string) (*btree.VerifyReport, error) {
	ix, err := db.Index(name)
	if err != nil {
		return nil, err
	}
	return ix.Verify()
}

// DropIndex removes an index and its files. Insertions racing with the drop
// fail.
func (db *Database) DropIndex(name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrDatabaseClosed
	}
	tname, ok := db.byIndex[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrIndexNotFound, name)
	}
	ts := db.tables[tname]

	db.indexes.Invalidate(name)
	fs := db.indexFileSet(name)
	if err := db.pool.DropFileSet(fs); err != nil {
		return err
	}
	if err := btree.DropIndex(fs); err != nil {
		return err
	}

	ts.mu.Lock()
	if i, _ := ts.meta.findIndex(name); i >= 0 {
		ts.meta.Indexes = slices.Delete(ts.meta.Indexes, i, i+1)
	}
	err := db.writeTableMeta(ts.meta)
	ts.mu.Unlock()
	if err != nil {
		return err
	}

	delete(db.byIndex, name)
	db.metrics.Forget(name)
	db.log.Info("engine.drop_index", "index", name, "table", tname)
	return nil
}

// Indexes lists the index names of a table in creation order.
func (db *Database) Indexes(table string) ([]string, error) {
	ts, err := db.table(table)
	if err != nil {
		return nil, err
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	names := make([]string, len(ts.meta.Indexes))
	for i, im := range ts.meta.Indexes {
		names[i] = im.Name
	}
	return names, nil
}

func (db *Database) table(name string) (*tableState, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, ErrDatabaseClosed
	}
	ts, ok := db.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	return ts, nil
}

// reserveHeap makes sure the catalog claims the heap page of tid before an
// index entry pointing at it can reach the log.
func (db *Database) reserveHeap(ts *tableState, tid heap.TID) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if tid.PageID < ts.meta.NextPage {
		return nil
	}
	prev := ts.meta.NextPage
	ts.meta.NextPage = tid.PageID + heapReserve
	if err := db.writeTableMeta(ts.meta); err != nil {
		ts.meta.NextPage = prev
		return err
	}
	return nil
}

// Insert stores row in table and all of its indexes in its own
// transaction.
func (db *Database) Insert(table string, row []any) (heap.TID, error) {
	tx, err := db.Begin()
	if err != nil {
		return heap.InvalidTID, err
	}
	tid, err := tx.Insert(table, row)
	if err != nil {
		return heap.InvalidTID, errors.Join(err, tx.Abort())
	}
	return tid, tx.Commit()
}

// CacheStats reports the index handle cache counters.
func (db *Database) CacheStats() relcache.Stats {
	return db.indexes.Stats()
}
