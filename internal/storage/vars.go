package storage

import (
	"errors"
	"fmt"
)

const (
	OneKB = 1 << 10 // 1,024
	OneMB = 1 << 20 // 1,048,576
	OneGB = 1 << 30 // 1,073,741,824

	SegmentSize     = 1 << 30 // 1,073,741,824 (1 GiB)
	DefaultPageSize = 1 << 13 // 8,192 (8 KiB)
	MinPageSize     = 1 << 9  // 512
	MaxPageSize     = 1 << 15 // 32,768 (offsets are u16)
	HeaderSize      = 20      // lsn(8) pageID(4) flags(2) lower(2) upper(2) special(2)
	SlotSize        = 6       // 6 (3 * uint16: offset, length, flags)
)

const (
	FileMode0644 = 0o644
	FileMode0755 = 0o755
)

var (
	ErrBadPageSize = errors.New("storage: page size must be a multiple of 512 in [512, 32768]")
	ErrStorageIO   = errors.New("storage: I/O error")
)

// ValidatePageSize reports whether n can be used as a page size.
func ValidatePageSize(n int) error {
	if n < MinPageSize || n > MaxPageSize || n%MinPageSize != 0 {
		return fmt.Errorf("%w: got %d", ErrBadPageSize, n)
	}
	return nil
}
