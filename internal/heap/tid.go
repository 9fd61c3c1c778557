package heap

import (
	"fmt"
	"math"
)

// TID (Tuple ID) row identity inside of heap file:
// PageID: page logic ID
// Slot  : slot index of page
type TID struct {
	PageID uint32
	Slot   uint16
}

// InvalidTID never names a row.
var InvalidTID = TID{PageID: math.MaxUint32, Slot: math.MaxUint16}

func (t TID) Valid() bool { return t != InvalidTID }

// Compare orders TIDs by page, then slot.
func (t TID) Compare(o TID) int {
	switch {
	case t.PageID < o.PageID:
		return -1
	case t.PageID > o.PageID:
		return 1
	case t.Slot < o.Slot:
		return -1
	case t.Slot > o.Slot:
		return 1
	default:
		return 0
	}
}

func (t TID) String() string {
	return fmt.Sprintf("(%d,%d)", t.PageID, t.Slot)
}
