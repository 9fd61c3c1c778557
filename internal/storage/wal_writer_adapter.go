package storage

import (
	"fmt"
	"log/slog"
	"slices"
)

// WALWriter adapts StorageManager to wal.PageWriter without creating import cycle.
// (wal package must not import storage)
type WALWriter struct {
	SM *StorageManager
}

func NewWALWriter(sm *StorageManager) *WALWriter {
	return &WALWriter{SM: sm}
}

// WritePage applies a logged page image unless the page on disk already
// carries the record's LSN or a newer one.
func (w *WALWriter) WritePage(dir, base string, pageID uint32, lsn uint64, pageBytes []byte) error {
	if w == nil || w.SM == nil {
		return nil
	}
	if len(pageBytes) != w.SM.PageSize() {
		return fmt.Errorf("storage: redo image for page %d has %d bytes, want %d",
			pageID, len(pageBytes), w.SM.PageSize())
	}
	fs := LocalFileSet{Dir: dir, Base: base}

	cur, err := w.SM.LoadPage(fs, pageID)
	if err != nil {
		return err
	}
	if !cur.IsUninitialized() && cur.LSN() >= lsn {
		return nil
	}

	img := &Page{Buf: slices.Clone(pageBytes)}
	img.SetLSN(lsn)
	slog.Debug("storage.redo", "rel", base, "page", pageID, "lsn", lsn)
	return w.SM.SavePage(fs, pageID, img)
}
