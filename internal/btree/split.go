package btree

import (
	"github.com/tuannm99/novaidx/internal/bufferpool"
	"github.com/tuannm99/novaidx/internal/storage"
)

// splitState tracks the best split boundary seen so far.
type splitState struct {
	newItemSz   int // includes its line pointer
	newItemOff  int
	isLeaf      bool
	isRightmost bool
	fillFactor  int

	leftSpace    int
	rightSpace   int
	oldDataTotal int

	haveSplit  bool
	newOnLeft  bool
	firstRight int
	bestDelta  int
}

// findSplitLoc chooses the first item of the right half for a split of
// buf that makes room for a new item of newItemSz bytes at newOff.
//
// Every boundary is priced by the free space it leaves on each half. A
// rightmost page is split unevenly, leaving fillfactor percent of the left
// half used, which suits ascending inserts; other pages aim for equal free
// space. The scan stops early at the first boundary whose imbalance is
// below leftSpace/divisor.
func (ix *Index) findSplitLoc(buf *bufferpool.Buffer, newOff, newItemSz int) (int, bool, error) {
	p := buf.Page()
	o := opaqueOf(p)

	leftSpace := p.Size() - storage.HeaderSize - specialSize
	rightSpace := leftSpace
	if !o.isRightmost() {
		// the right half inherits the high key
		hk, err := p.Item(hikeyOff)
		if err != nil {
			return 0, false, ix.corrupt(buf.BlockNumber(), "bad high key: %v", err)
		}
		rightSpace -= len(hk) + storage.SlotSize
	}

	st := splitState{
		newItemSz:    newItemSz + storage.SlotSize,
		newItemOff:   newOff,
		isLeaf:       o.isLeaf(),
		isRightmost:  o.isRightmost(),
		fillFactor:   ix.opts.NonLeafFillFactor,
		leftSpace:    leftSpace,
		rightSpace:   rightSpace,
		oldDataTotal: rightSpace - p.ExactFreeSpace(),
	}
	if st.isLeaf {
		st.fillFactor = ix.opts.LeafFillFactor
	}
	goodEnough := leftSpace / ix.opts.SplitToleranceDivisor

	oldToLeft := 0
	goodEnoughFound := false
	maxoff := maxOff(p)
	for off := o.firstDataKey(); off <= maxoff; off++ {
		item, err := p.Item(off)
		if err != nil {
			return 0, false, ix.corrupt(buf.BlockNumber(), "bad item at offset %d: %v", off, err)
		}
		itemSz := len(item) + storage.SlotSize

		if off > newOff {
			st.check(off, true, oldToLeft, itemSz)
		} else if off < newOff {
			st.check(off, false, oldToLeft, itemSz)
		} else {
			// the new item may land on either side of this boundary
			st.check(off, true, oldToLeft, itemSz)
			st.check(off, false, oldToLeft, itemSz)
		}

		if st.haveSplit && st.bestDelta <= goodEnough {
			goodEnoughFound = true
			break
		}
		oldToLeft += itemSz
	}

	// new item alone on the right, every old item on the left
	if newOff > maxoff && !goodEnoughFound {
		st.check(newOff, false, st.oldDataTotal, 0)
	}

	if !st.haveSplit {
		return 0, false, ix.corrupt(buf.BlockNumber(), "could not find a feasible split point")
	}
	return st.firstRight, st.newOnLeft, nil
}

// check prices the split where firstOldOnRight is the first old item of
// the right half and remembers it when it beats the best so far.
func (st *splitState) check(firstOldOnRight int, newOnLeft bool, oldToLeft, firstOldOnRightSz int) {
	firstRightSz := firstOldOnRightSz
	if firstOldOnRight == st.newItemOff && !newOnLeft {
		firstRightSz = st.newItemSz
	}

	leftFree := st.leftSpace - oldToLeft
	rightFree := st.rightSpace - (st.oldDataTotal - oldToLeft)

	// the first right item is copied into the left half as its high key
	leftFree -= firstRightSz

	if newOnLeft {
		leftFree -= st.newItemSz
	} else {
		rightFree -= st.newItemSz
	}

	// on inner pages the first right item keeps only its header
	if !st.isLeaf {
		rightFree += firstRightSz - (tupleHeaderSize + storage.SlotSize)
	}

	if leftFree < 0 || rightFree < 0 {
		return
	}
	var delta int
	if st.isRightmost {
		delta = st.fillFactor*leftFree - (100-st.fillFactor)*rightFree
	} else {
		delta = leftFree - rightFree
	}
	if delta < 0 {
		delta = -delta
	}
	if !st.haveSplit || delta < st.bestDelta {
		st.haveSplit = true
		st.newOnLeft = newOnLeft
		st.firstRight = firstOldOnRight
		st.bestDelta = delta
	}
}

// split moves the items from firstRight on, plus itup when it belongs
// there, to a new right sibling and returns it latched. buf keeps its block
// number and becomes the left half, flagged INCOMPLETE_SPLIT until the
// parent gets a downlink for the right half.
//
// Both halves are built in private pages first; shared pages only change
// inside the critical section, which also fixes the old right sibling's
// back link and, for inner pages, clears the flag on the child cbuf whose
// split this completes.
func (op *insertion) split(
	buf, cbuf *bufferpool.Buffer,
	firstRight, newOff int,
	itup IndexTuple,
	newOnLeft bool,
) (*bufferpool.Buffer, error) {
	ix := op.ix
	orig := buf.Page()
	oo := opaqueOf(orig)
	origBlk := buf.BlockNumber()
	isLeaf := oo.isLeaf()

	rbuf, err := op.newPage()
	if err != nil {
		return nil, err
	}
	rightBlk := rbuf.BlockNumber()

	left := storage.NewTempPage(orig.Size())
	initPage(left, origBlk)
	left.SetLSN(orig.LSN())
	right := storage.NewTempPage(orig.Size())
	initPage(right, rightBlk)

	lo, ro := opaqueOf(left), opaqueOf(right)
	flags := oo.flags() &^ (flagRoot | flagSplitEnd | flagHasGarbage)
	lo.setFlags(flags | flagIncompleteSplit)
	ro.setFlags(flags)
	lo.setPrev(oo.prev())
	lo.setNext(rightBlk)
	ro.setPrev(origBlk)
	ro.setNext(oo.next())
	lo.setLevel(oo.level())
	ro.setLevel(oo.level())

	rightOff := 0
	if !oo.isRightmost() {
		hk, err := orig.Item(hikeyOff)
		if err != nil {
			return nil, ix.corrupt(origBlk, "bad high key: %v", err)
		}
		if err := right.AddItem(hk, rightOff); err != nil {
			return nil, ix.corrupt(origBlk, "failed to add high key to the right sibling: %v", err)
		}
		rightOff++
	}

	// the left high key is the first key going right
	var firstItem IndexTuple
	if !newOnLeft && newOff == firstRight {
		firstItem = itup
	} else {
		item, err := orig.Item(firstRight)
		if err != nil {
			return nil, ix.corrupt(origBlk, "bad item at split point %d: %v", firstRight, err)
		}
		firstItem = IndexTuple(item)
	}
	leftHikey := firstItem
	if isLeaf && ix.desc.NAtts() != ix.desc.NKeyAtts {
		// INCLUDE columns never guide searches
		if leftHikey, err = truncateTuple(ix.desc, firstItem, ix.desc.NKeyAtts); err != nil {
			return nil, err
		}
	}
	leftOff := 0
	if err := left.AddItem(leftHikey, leftOff); err != nil {
		return nil, ix.corrupt(origBlk, "failed to add high key to the left sibling: %v", err)
	}
	leftOff++

	addNew := func() error {
		var err error
		if newOnLeft {
			err = pgAddTup(left, itup, leftOff)
			leftOff++
		} else {
			err = pgAddTup(right, itup, rightOff)
			rightOff++
		}
		if err != nil {
			return ix.corrupt(origBlk, "failed to add new item to the split pages: %v", err)
		}
		return nil
	}

	maxoff := maxOff(orig)
	i := oo.firstDataKey()
	for ; i <= maxoff; i++ {
		item, err := orig.Item(i)
		if err != nil {
			return nil, ix.corrupt(origBlk, "bad item at offset %d: %v", i, err)
		}
		if i == newOff {
			if err := addNew(); err != nil {
				return nil, err
			}
		}
		if i < firstRight {
			err = pgAddTup(left, item, leftOff)
			leftOff++
		} else {
			err = pgAddTup(right, item, rightOff)
			rightOff++
		}
		if err != nil {
			return nil, ix.corrupt(origBlk, "failed to add item %d to the split pages: %v", i, err)
		}
	}
	if i <= newOff {
		// new item sorts after every old one
		if err := addNew(); err != nil {
			return nil, err
		}
	}

	var sbuf *bufferpool.Buffer
	if !oo.isRightmost() {
		next := oo.next()
		if sbuf, err = op.getBuf(next, accessWrite); err != nil {
			return nil, err
		}
		if prev := opaqueOf(sbuf.Page()).prev(); prev != origBlk {
			return nil, ix.corrupt(next, "right sibling's left-link doesn't match: block %d links to %d instead of expected %d",
				next, prev, origBlk)
		}
	}

	typ := recSplitR
	if newOnLeft {
		typ = recSplitL
	}
	bufs := []*bufferpool.Buffer{buf, rbuf}
	if sbuf != nil {
		bufs = append(bufs, sbuf)
	}
	if !isLeaf {
		bufs = append(bufs, cbuf)
	}
	level := oo.level()
	ix.critical("split", typ, func() {
		ix.mustApply("split", orig.CopyFrom(left))
		ix.mustApply("split", rbuf.Page().CopyFrom(right))
		if sbuf != nil {
			opaqueOf(sbuf.Page()).setPrev(rightBlk)
		}
		if !isLeaf {
			opaqueOf(cbuf.Page()).clear(flagIncompleteSplit)
		}
	}, bufs...)

	op.relBuf(sbuf)
	if !isLeaf {
		op.relBuf(cbuf)
	}

	ix.obs.ObserveSplit(level)
	ix.log.Debug("btree.split",
		"left", origBlk,
		"right", rightBlk,
		"level", level,
		"firstRight", firstRight,
		"newItemOnLeft", newOnLeft,
	)
	return rbuf, nil
}
