package btree

import (
	"os"

	"github.com/tuannm99/novaidx/internal/storage"
)

// DropIndex removes all segments of an index relation. Cached pages must
// be dropped from the pool first. Dropping a missing index is not an
// error.
func DropIndex(lfs storage.LocalFileSet) error {
	if err := os.MkdirAll(lfs.Dir, storage.FileMode0755); err != nil {
		return err
	}
	// Base, Base.1, ...
	return storage.RemoveAllSegments(lfs)
}
