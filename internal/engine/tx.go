package engine

import (
	"fmt"
	"time"

	"github.com/tuannm99/novaidx/internal/btree"
	"github.com/tuannm99/novaidx/internal/heap"
	"github.com/tuannm99/novaidx/internal/txn"
)

// Tx is one transaction. Rows it inserts are visible to uniqueness checks
// of other transactions as in progress until it commits or aborts. A Tx is
// not safe for concurrent use.
type Tx struct {
	db   *Database
	xid  txn.XID
	done bool
}

func (db *Database) Begin() (*Tx, error) {
	if err := db.ensureOpen(); err != nil {
		return nil, err
	}
	return &Tx{db: db, xid: db.txns.Begin()}, nil
}

func (tx *Tx) XID() txn.XID { return tx.xid }

// Insert adds row to the heap of table and to each of its indexes. Unique
// indexes may block until a transaction holding a conflicting row ends.
// On error the transaction should be aborted; entries already added to
// other indexes point at a row that dies with it.
func (tx *Tx) Insert(table string, row []any) (heap.TID, error) {
	if tx.done {
		return heap.InvalidTID, ErrTxDone
	}
	db := tx.db
	ts, err := db.table(table)
	if err != nil {
		return heap.InvalidTID, err
	}

	ts.mu.Lock()
	ncols := len(ts.meta.Columns)
	names := make([]string, len(ts.meta.Indexes))
	for i, im := range ts.meta.Indexes {
		names[i] = im.Name
	}
	ts.mu.Unlock()
	if len(row) != ncols {
		return heap.InvalidTID, fmt.Errorf("%w: %s has %d columns, got %d", ErrBadRow, table, ncols, len(row))
	}

	handles := make([]*indexHandle, len(names))
	for i, name := range names {
		if handles[i], err = db.openIndex(name); err != nil {
			return heap.InvalidTID, err
		}
	}

	tid := ts.heap.Insert(tx.xid, row)
	if err := db.reserveHeap(ts, tid); err != nil {
		return tid, err
	}

	for _, h := range handles {
		vals := make([]any, len(h.proj))
		for i, ci := range h.proj {
			vals[i] = row[ci]
		}
		check := btree.CheckNone
		if h.meta.Unique {
			check = btree.CheckYes
		}
		start := time.Now()
		_, err := h.ix.Insert(vals, tid, check)
		h.obs.ObserveInsertDuration(time.Since(start), err)
		if err != nil {
			return tid, fmt.Errorf("engine: insert into %s: %w", h.meta.Name, err)
		}
	}
	return tid, nil
}

// Delete marks the row at tid deleted. Index entries stay until an
// insertion that needs their space finds the row dead to everyone.
func (tx *Tx) Delete(table string, tid heap.TID) error {
	if tx.done {
		return ErrTxDone
	}
	ts, err := tx.db.table(table)
	if err != nil {
		return err
	}
	return ts.heap.Delete(tx.xid, tid)
}

// Fetch returns the row stored at tid.
func (tx *Tx) Fetch(table string, tid heap.TID) ([]any, error) {
	ts, err := tx.db.table(table)
	if err != nil {
		return nil, err
	}
	v, err := ts.heap.Fetch(tid)
	if err != nil {
		return nil, err
	}
	return v.Row, nil
}

// Commit ends the transaction and makes the log durable up to its last
// record.
func (tx *Tx) Commit() error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	if w := tx.db.wal; w != nil {
		if err := w.Flush(w.LastLSN()); err != nil {
			_ = tx.db.txns.Abort(tx.xid)
			return fmt.Errorf("engine: commit %d: %w", tx.xid, err)
		}
	}
	return tx.db.txns.Commit(tx.xid)
}

func (tx *Tx) Abort() error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	return tx.db.txns.Abort(tx.xid)
}
