package engine

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/tuannm99/novaidx/internal"
	"github.com/tuannm99/novaidx/internal/btree"
	"github.com/tuannm99/novaidx/internal/heap"
	"github.com/tuannm99/novaidx/internal/wal"
)

func usersColumns() []btree.Column {
	return []btree.Column{
		{Name: "id", Type: btree.TypeInt64},
		{Name: "email", Type: btree.TypeText},
		{Name: "name", Type: btree.TypeText},
	}
}

func openTestDB(t *testing.T, dir string, tweak func(*Options)) (*Database, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	opts := Options{
		DataDir:      dir,
		PageSize:     1024,
		PoolCapacity: 256,
		WALCodec:     wal.CodecLZ4,
		WALNoSync:    true,
		Registerer:   reg,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if tweak != nil {
		tweak(&opts)
	}
	db, err := Open(opts)
	require.NoError(t, err)
	return db, reg
}

// newUsersDB opens a database with a users table and a unique index on id.
func newUsersDB(t *testing.T, dir string) (*Database, *prometheus.Registry) {
	t.Helper()
	db, reg := openTestDB(t, dir, nil)
	require.NoError(t, db.CreateTable("users", usersColumns()))
	_, err := db.CreateIndex(IndexSpec{Name: "users_pkey", Table: "users", Key: []string{"id"}, Unique: true})
	require.NoError(t, err)
	return db, reg
}

func userRow(id int64) []any {
	return []any{id, fmt.Sprintf("user%d@example.com", id), fmt.Sprintf("user %d", id)}
}

// metricValue sums the samples of a counter or gauge family for one index.
func metricValue(t *testing.T, reg *prometheus.Registry, name, index string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "index" && lp.GetValue() == index {
					total += m.GetCounter().GetValue() + m.GetGauge().GetValue()
				}
			}
		}
	}
	return total
}

func TestDatabase_InsertAndVerify(t *testing.T) {
	db, reg := newUsersDB(t, t.TempDir())
	defer func() { require.NoError(t, db.Close()) }()

	for id := int64(1); id <= 500; id++ {
		_, err := db.Insert("users", userRow(id))
		require.NoError(t, err)
	}

	rep, err := db.Verify("users_pkey")
	require.NoError(t, err)
	require.Empty(t, rep.Problems)
	require.Equal(t, 500, rep.LeafTuples)
	require.Equal(t, 2, rep.Height)
	require.Positive(t, metricValue(t, reg, "novaidx_inserts_total", "users_pkey"))
	require.Equal(t, 1.0, metricValue(t, reg, "novaidx_new_roots_total", "users_pkey"))
	require.Zero(t, db.pool.PinnedFrames())
}

func TestDatabase_UniqueViolation(t *testing.T) {
	db, reg := newUsersDB(t, t.TempDir())
	defer func() { require.NoError(t, db.Close()) }()

	_, err := db.Insert("users", userRow(42))
	require.NoError(t, err)

	_, err = db.Insert("users", userRow(42))
	require.ErrorIs(t, err, btree.ErrUniqueViolation)
	require.Contains(t, err.Error(), `Key (id)=(42) already exists`)
	require.Equal(t, 1.0, metricValue(t, reg, "novaidx_unique_violations_total", "users_pkey"))

	rep, err := db.Verify("users_pkey")
	require.NoError(t, err)
	// the losing row's entry is never added
	require.Equal(t, 1, rep.LeafTuples)
}

func TestDatabase_ConcurrentDuplicateWaitsForOutcome(t *testing.T) {
	for _, commit := range []bool{true, false} {
		t.Run(fmt.Sprintf("commit=%v", commit), func(t *testing.T) {
			db, reg := newUsersDB(t, t.TempDir())
			defer func() { require.NoError(t, db.Close()) }()

			first, err := db.Begin()
			require.NoError(t, err)
			_, err = first.Insert("users", userRow(1005))
			require.NoError(t, err)

			second, err := db.Begin()
			require.NoError(t, err)
			done := make(chan error, 1)
			go func() {
				_, err := second.Insert("users", userRow(1005))
				done <- err
			}()

			require.Eventually(t, func() bool {
				return metricValue(t, reg, "novaidx_unique_waits_total", "users_pkey") == 1
			}, 5*time.Second, time.Millisecond)
			require.Zero(t, db.pool.PinnedFrames())

			if commit {
				require.NoError(t, first.Commit())
				require.ErrorIs(t, <-done, btree.ErrUniqueViolation)
				require.NoError(t, second.Abort())
			} else {
				require.NoError(t, first.Abort())
				require.NoError(t, <-done)
				require.NoError(t, second.Commit())
			}
		})
	}
}

func TestDatabase_ConcurrentInserts(t *testing.T) {
	db, _ := newUsersDB(t, t.TempDir())
	defer func() { require.NoError(t, db.Close()) }()
	_, err := db.CreateIndex(IndexSpec{Name: "users_email", Table: "users", Key: []string{"email"}, Include: []string{"name"}})
	require.NoError(t, err)

	const workers, perWorker = 4, 200
	var g errgroup.Group
	for w := range workers {
		g.Go(func() error {
			for i := range perWorker {
				// interleave workers across the key space
				id := int64(i*workers + w)
				if _, err := db.Insert("users", userRow(id)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for _, name := range []string{"users_pkey", "users_email"} {
		rep, err := db.Verify(name)
		require.NoError(t, err)
		require.Empty(t, rep.Problems, name)
		require.Equal(t, workers*perWorker, rep.LeafTuples, name)
		require.Zero(t, rep.Orphans, name)
	}
	require.Zero(t, db.pool.PinnedFrames())
}

func TestDatabase_DeadEntriesReclaimedBeforeSplit(t *testing.T) {
	db, reg := newUsersDB(t, t.TempDir())
	defer func() { require.NoError(t, db.Close()) }()

	// 44 entries fill the root leaf of a 1 KiB page
	var victim heap.TID
	for id := int64(1); id <= 44; id++ {
		tid, err := db.Insert("users", userRow(id))
		require.NoError(t, err)
		if id == 10 {
			victim = tid
		}
	}

	tx, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.Delete("users", victim))
	require.NoError(t, tx.Commit())

	_, err = db.Insert("users", userRow(10))
	require.NoError(t, err)

	require.Equal(t, 1.0, metricValue(t, reg, "novaidx_dead_items_reclaimed_total", "users_pkey"))
	require.Zero(t, metricValue(t, reg, "novaidx_page_splits_total", "users_pkey"))
	rep, err := db.Verify("users_pkey")
	require.NoError(t, err)
	require.Equal(t, 1, rep.Height)
	require.Equal(t, 44, rep.LeafTuples)
}

func TestDatabase_RestartKeepsIndexAndUniqueness(t *testing.T) {
	dir := t.TempDir()
	db, _ := newUsersDB(t, dir)
	for id := int64(1); id <= 200; id++ {
		_, err := db.Insert("users", userRow(id))
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())
	require.ErrorIs(t, db.Checkpoint(), ErrDatabaseClosed)

	db, _ = openTestDB(t, dir, nil)
	defer func() { require.NoError(t, db.Close()) }()

	names, err := db.Indexes("users")
	require.NoError(t, err)
	require.Equal(t, []string{"users_pkey"}, names)

	rep, err := db.Verify("users_pkey")
	require.NoError(t, err)
	require.Empty(t, rep.Problems)
	require.Equal(t, 200, rep.LeafTuples)

	// rows from before the restart still own their keys
	_, err = db.Insert("users", userRow(5))
	require.ErrorIs(t, err, btree.ErrUniqueViolation)

	tid, err := db.Insert("users", userRow(1000))
	require.NoError(t, err)
	require.GreaterOrEqual(t, tid.PageID, uint32(heapReserve))
}

func TestDatabase_CrashRecoveryReplaysWAL(t *testing.T) {
	dir := t.TempDir()
	db, _ := newUsersDB(t, dir)
	for id := int64(1); id <= 300; id++ {
		_, err := db.Insert("users", userRow(id))
		require.NoError(t, err)
	}
	// drop the process state without writing a single dirty page
	require.NoError(t, db.wal.Close())

	db2, reg := openTestDB(t, dir, nil)
	defer func() { require.NoError(t, db2.Close()) }()

	rep, err := db2.Verify("users_pkey")
	require.NoError(t, err)
	require.Empty(t, rep.Problems)
	require.Equal(t, 300, rep.LeafTuples)

	_, err = db2.Insert("users", userRow(301))
	require.NoError(t, err)
	require.Zero(t, metricValue(t, reg, "novaidx_split_repairs_total", "users_pkey"))
}

func TestDatabase_DropIndex(t *testing.T) {
	dir := t.TempDir()
	db, _ := newUsersDB(t, dir)
	_, err := db.CreateIndex(IndexSpec{Name: "users_email", Table: "users", Key: []string{"email"}})
	require.NoError(t, err)
	for id := int64(1); id <= 100; id++ {
		_, err := db.Insert("users", userRow(id))
		require.NoError(t, err)
	}
	require.NoError(t, db.Checkpoint())

	require.NoError(t, db.DropIndex("users_email"))
	_, err = db.Index("users_email")
	require.ErrorIs(t, err, ErrIndexNotFound)
	require.ErrorIs(t, db.DropIndex("users_email"), ErrIndexNotFound)

	segs, err := filepath.Glob(filepath.Join(db.indexDir(), "users_email*"))
	require.NoError(t, err)
	require.Empty(t, segs)

	_, err = db.Insert("users", userRow(101))
	require.NoError(t, err)

	_, err = db.CreateIndex(IndexSpec{Name: "users_email", Table: "users", Key: []string{"email"}})
	require.NoError(t, err)
	rep, err := db.Verify("users_email")
	require.NoError(t, err)
	require.Zero(t, rep.Height)
	require.NoError(t, db.Close())

	db, _ = openTestDB(t, dir, nil)
	defer func() { require.NoError(t, db.Close()) }()
	names, err := db.Indexes("users")
	require.NoError(t, err)
	require.Equal(t, []string{"users_pkey", "users_email"}, names)
}

func TestDatabase_WithoutWAL(t *testing.T) {
	dir := t.TempDir()
	noWAL := func(o *Options) { o.DisableWAL = true }
	db, _ := openTestDB(t, dir, noWAL)
	require.NoError(t, db.CreateTable("users", usersColumns()))
	_, err := db.CreateIndex(IndexSpec{Name: "users_pkey", Table: "users", Key: []string{"id"}, Unique: true})
	require.NoError(t, err)
	for id := int64(1); id <= 100; id++ {
		_, err := db.Insert("users", userRow(id))
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	_, err = os.Stat(filepath.Join(dir, "wal"))
	require.ErrorIs(t, err, os.ErrNotExist)

	db, _ = openTestDB(t, dir, noWAL)
	defer func() { require.NoError(t, db.Close()) }()
	rep, err := db.Verify("users_pkey")
	require.NoError(t, err)
	require.Equal(t, 100, rep.LeafTuples)
}

func TestDatabase_Rejects(t *testing.T) {
	db, _ := newUsersDB(t, t.TempDir())

	require.ErrorIs(t, db.CreateTable("users", usersColumns()), ErrTableExists)
	require.ErrorIs(t, db.CreateTable("1users", usersColumns()), ErrBadName)
	require.ErrorIs(t, db.CreateTable("users-2", usersColumns()), ErrBadName)
	require.ErrorIs(t, db.CreateTable("empty", nil), ErrBadColumn)

	_, err := db.CreateIndex(IndexSpec{Name: "users_pkey", Table: "users", Key: []string{"id"}})
	require.ErrorIs(t, err, ErrIndexExists)
	_, err = db.CreateIndex(IndexSpec{Name: "x", Table: "missing", Key: []string{"id"}})
	require.ErrorIs(t, err, ErrTableNotFound)
	_, err = db.CreateIndex(IndexSpec{Name: "x", Table: "users", Key: []string{"age"}})
	require.ErrorIs(t, err, ErrBadColumn)
	_, err = db.CreateIndex(IndexSpec{Name: "x", Table: "users"})
	require.ErrorIs(t, err, ErrBadColumn)

	_, err = db.Insert("users", []any{int64(1)})
	require.ErrorIs(t, err, ErrBadRow)
	_, err = db.Insert("missing", userRow(1))
	require.ErrorIs(t, err, ErrTableNotFound)
	_, err = db.Insert("users", []any{"not a number", "a", "b"})
	require.Error(t, err)

	tx, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.ErrorIs(t, tx.Commit(), ErrTxDone)
	_, err = tx.Insert("users", userRow(2))
	require.ErrorIs(t, err, ErrTxDone)

	require.NoError(t, db.Close())
	require.NoError(t, db.Close())
	_, err = db.Begin()
	require.ErrorIs(t, err, ErrDatabaseClosed)
	require.ErrorIs(t, db.CreateTable("other", usersColumns()), ErrDatabaseClosed)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg, err := internal.LoadConfig("")
	require.NoError(t, err)
	cfg.WAL.Compression = "zstd"
	cfg.WAL.Sync = false

	opts, err := OptionsFromConfig(cfg)
	require.NoError(t, err)
	require.Equal(t, wal.CodecZSTD, opts.WALCodec)
	require.True(t, opts.WALNoSync)
	require.False(t, opts.DisableWAL)
	require.Equal(t, cfg.Storage.PageSize, opts.PageSize)
	require.Equal(t, 90, opts.LeafFillFactor)
	require.InDelta(t, 0.99, *opts.MoveRightProbability, 1e-9)

	cfg.BTree.MoveRightProbability = 0
	opts, err = OptionsFromConfig(cfg)
	require.NoError(t, err)
	require.NotNil(t, opts.MoveRightProbability)
	require.Zero(t, *opts.MoveRightProbability)

	cfg.WAL.Compression = "snappy"
	_, err = OptionsFromConfig(cfg)
	require.ErrorIs(t, err, wal.ErrUnknownCodec)
}
