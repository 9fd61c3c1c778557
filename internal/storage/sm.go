package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/tuannm99/novaidx/internal/alias/util"
)

type FileSet interface {
	OpenSegment(segNo int32) (*os.File, error)
}

var _ FileSet = (*LocalFileSet)(nil)

// LocalFileSet represents a local directory + base file name.
// Segments are stored as: Base, Base.1, Base.2, ...
type LocalFileSet struct {
	Dir  string
	Base string
}

func (lfs LocalFileSet) OpenSegment(segNo int32) (*os.File, error) {
	path := filepath.Join(lfs.Dir, SegFileName(lfs.Base, segNo))
	if err := os.MkdirAll(lfs.Dir, FileMode0755); err != nil {
		return nil, err
	}
	// RDWR | CREATE (no truncate)
	return os.OpenFile(path, os.O_RDWR|os.O_CREATE, FileMode0644)
}

// Key returns a stable identity for the file set.
func (lfs LocalFileSet) Key() string {
	return filepath.Clean(lfs.Dir) + "|" + lfs.Base
}

// StorageManager maps a logical pageID -> (segment, offset) for one page size.
type StorageManager struct {
	pageSize int
}

// NewStorageManager returns a manager for pages of pageSize bytes.
// Zero selects DefaultPageSize.
func NewStorageManager(pageSize int) (*StorageManager, error) {
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	if err := ValidatePageSize(pageSize); err != nil {
		return nil, err
	}
	return &StorageManager{pageSize: pageSize}, nil
}

func (sm *StorageManager) PageSize() int {
	return sm.pageSize
}

func (sm *StorageManager) pagesPerSegment() int {
	return SegmentSize / sm.pageSize
}

func (sm *StorageManager) locate(pageID uint32) (segNo int32, offset int64) {
	pps := uint32(sm.pagesPerSegment())
	segNo = int32(pageID / pps)
	offset = int64(pageID%pps) * int64(sm.pageSize)
	return segNo, offset
}

// ReadPage reads exactly one page into dst.
// If the underlying file is smaller than the requested offset+pageSize,
// the remainder is zero-filled.
func (sm *StorageManager) ReadPage(fs FileSet, pageID uint32, dst []byte) error {
	if len(dst) != sm.pageSize {
		return fmt.Errorf("storage: dst must be exactly %d bytes", sm.pageSize)
	}
	segNo, off := sm.locate(pageID)
	f, err := fs.OpenSegment(segNo)
	if err != nil {
		return err
	}
	defer util.CloseQuietly(f)

	n, err := f.ReadAt(dst, off)
	if err != nil && err != io.EOF {
		return fmt.Errorf("%w: read page %d: %v", ErrStorageIO, pageID, err)
	}
	clear(dst[n:])
	return nil
}

// WritePage writes exactly one page from src to disk at the location
// computed from pageID.
func (sm *StorageManager) WritePage(fs FileSet, pageID uint32, src []byte) error {
	if len(src) != sm.pageSize {
		return fmt.Errorf("storage: src must be exactly %d bytes", sm.pageSize)
	}
	segNo, off := sm.locate(pageID)
	f, err := fs.OpenSegment(segNo)
	if err != nil {
		return err
	}
	defer util.CloseQuietly(f)

	n, err := f.WriteAt(src, off)
	if err != nil {
		return fmt.Errorf("%w: write page %d: %v", ErrStorageIO, pageID, err)
	}
	if n != sm.pageSize {
		return io.ErrShortWrite
	}
	return nil
}

// LoadPage reads a page into memory and returns a Page wrapper.
// Pages never written are returned zeroed; callers check IsUninitialized.
func (sm *StorageManager) LoadPage(fs FileSet, pageID uint32) (*Page, error) {
	buf := make([]byte, sm.pageSize)
	if err := sm.ReadPage(fs, pageID, buf); err != nil {
		return nil, err
	}
	return &Page{Buf: buf}, nil
}

// SavePage writes the in-memory Page back to disk.
func (sm *StorageManager) SavePage(fs FileSet, pageID uint32, p *Page) error {
	return sm.WritePage(fs, pageID, p.Buf)
}

// CountPages computes total pages for a given LocalFileSet by scanning its
// segments.
func (sm *StorageManager) CountPages(lfs LocalFileSet) (uint32, error) {
	segs, err := listSegmentsLocal(lfs)
	if err != nil {
		return 0, err
	}
	if len(segs) == 0 {
		return 0, nil
	}

	last := segs[len(segs)-1]
	info, err := os.Stat(filepath.Join(lfs.Dir, SegFileName(lfs.Base, last)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	full := uint32(last) * uint32(sm.pagesPerSegment())
	return full + uint32(info.Size()/int64(sm.pageSize)), nil
}
