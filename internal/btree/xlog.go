package btree

import (
	"github.com/tuannm99/novaidx/internal/bufferpool"
	"github.com/tuannm99/novaidx/internal/wal"
)

// WAL record types written by the index. Every record carries full images
// of the pages it changed; replay writes them back.
const (
	recMetaInit wal.RecordType = iota + 1
	recNewRoot
	recInsertLeaf
	recInsertUpper
	recInsertMeta
	recSplitL
	recSplitR
	recDelete
)

// critical applies a prepared change to latched pages, marks them dirty and
// logs them as one record. apply must not fail; everything that can fail
// happens before. A failure past this point leaves shared pages that no
// longer match the log, so it panics with *CriticalError.
func (ix *Index) critical(op string, typ wal.RecordType, apply func(), bufs ...*bufferpool.Buffer) {
	apply()
	for _, b := range bufs {
		b.MarkDirty()
	}
	if ix.opts.WAL == nil {
		return
	}

	fs := ix.pages.FileSet()
	rec := ix.opts.WAL.BeginRecord(typ, fs.Dir, fs.Base)
	for _, b := range bufs {
		rec.RegisterPage(b.BlockNumber(), b.Page().Buf)
	}
	lsn, err := rec.Append()
	if err != nil {
		panic(&CriticalError{Index: ix.name, Op: op, Err: err})
	}
	for _, b := range bufs {
		b.Page().SetLSN(lsn)
	}
}

func (ix *Index) mustApply(op string, err error) {
	if err != nil {
		panic(&CriticalError{Index: ix.name, Op: op, Err: err})
	}
}
