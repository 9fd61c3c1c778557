package btree

import (
	"fmt"

	"github.com/tuannm99/novaidx/internal/bufferpool"
	"github.com/tuannm99/novaidx/internal/storage"
	"github.com/tuannm99/novaidx/internal/txn"
)

// InsertTuple adds itup to the index, enforcing uniqueness as check asks.
//
// isUnique is false only in CheckPartial mode when a possible duplicate
// was seen. With CheckExisting nothing is inserted: the call verifies that
// itup is the only live entry for its key.
//
// Latches are never held while waiting on another transaction; after a
// wait the insertion starts over from the root.
func (ix *Index) InsertTuple(itup IndexTuple, check UniqueCheck) (bool, error) {
	if check != CheckNone && (ix.opts.Liveness == nil || ix.opts.Waiter == nil) {
		return false, ErrNoLivenessSource
	}
	if limit := MaxItemSize(ix.pages.PageSize()); len(itup) > limit {
		return false, &ItemTooLargeError{Index: ix.name, Size: len(itup), Max: limit}
	}
	key, err := ix.makeScanKey(itup)
	if err != nil {
		return false, err
	}
	if key.hasNulls && check == CheckExisting {
		// NULLs never collide
		return true, nil
	}

	op := &insertion{ix: ix}
	defer op.scope.releaseAll()

	for {
		buf, stack, fastpath, err := op.findLeaf(key, len(itup))
		if err != nil {
			return false, err
		}

		isUnique := true
		hint := -1
		if check != CheckNone && !key.hasNulls {
			off, err := ix.binsrch(key, buf.Page(), false)
			if err != nil {
				return false, err
			}
			xwait, unique, err := op.checkUnique(buf, off, key, itup, check)
			if err != nil {
				return false, err
			}
			if xwait != txn.InvalidXID {
				op.scope.releaseAll()
				ix.obs.ObserveUniqueWait()
				ix.log.Debug("btree.unique.wait", "xid", xwait)
				ix.opts.Waiter.Wait(xwait)
				continue
			}
			isUnique = unique
			hint = off
		}

		if check == CheckExisting {
			op.relBuf(buf)
			return isUnique, nil
		}

		buf, off, err := op.findInsertLoc(buf, key, itup, hint, stack)
		if err != nil {
			return false, err
		}
		if err := op.insertOnPage(buf, nil, stack, itup, off, false); err != nil {
			return false, err
		}
		ix.obs.ObserveInsert(fastpath)
		return isUnique, nil
	}
}

// findLeaf returns the write-latched leaf for key, through the cached
// rightmost leaf when it still qualifies or a full descent otherwise.
func (op *insertion) findLeaf(key *scanKey, itemsz int) (*bufferpool.Buffer, *stackFrame, bool, error) {
	if blk := op.ix.targetBlock.Load(); blk != pNone {
		if buf := op.tryFastpath(blk, key, itemsz); buf != nil {
			return buf, nil, true, nil
		}
	}
	buf, stack, err := op.search(key, accessWrite)
	if err != nil {
		return nil, nil, false, err
	}
	return buf, stack, false, nil
}

// tryFastpath validates the cached rightmost leaf without blocking. Any
// failure forgets the hint.
func (op *insertion) tryFastpath(blk uint32, key *scanKey, itemsz int) *bufferpool.Buffer {
	ix := op.ix
	buf, err := ix.pages.ReadBuffer(blk)
	if err != nil {
		ix.targetBlock.CompareAndSwap(blk, pNone)
		return nil
	}
	op.scope.track(buf)
	if buf.ConditionalLock() && ix.checkPage(buf) == nil {
		p := buf.Page()
		o := opaqueOf(p)
		if o.isLeaf() && o.isRightmost() && !o.ignore() &&
			p.FreeSpace() >= itemsz &&
			maxOff(p) >= o.firstDataKey() {
			if r, err := ix.compare(key, p, o.firstDataKey()); err == nil && r > 0 {
				return buf
			}
		}
	}
	op.relBuf(buf)
	ix.targetBlock.CompareAndSwap(blk, pNone)
	return nil
}

// findInsertLoc picks the page and offset for itup, starting from the
// leaf buf. When the page is full and its high key equals the key, the
// tuple may go on a later page of the run of equal keys instead: most of
// the time we move right rather than split, so long runs of duplicates
// fill pages instead of splitting every one of them.
func (op *insertion) findInsertLoc(
	buf *bufferpool.Buffer,
	key *scanKey,
	itup IndexTuple,
	hint int,
	stack *stackFrame,
) (*bufferpool.Buffer, int, error) {
	ix := op.ix
	itemsz := len(itup)
	movedRight, vacuumed := false, false

	for buf.Page().FreeSpace() < itemsz {
		p := buf.Page()
		o := opaqueOf(p)

		if o.isLeaf() && o.hasGarbage() {
			op.vacuumOnePage(buf)
			// offsets moved, the hint is stale
			vacuumed = true
			if p.FreeSpace() >= itemsz {
				break
			}
		}

		if o.isRightmost() {
			break
		}
		r, err := ix.compare(key, p, hikeyOff)
		if err != nil {
			return nil, 0, err
		}
		if r != 0 || !ix.moveRightDraw() {
			break
		}

		// latch the next live page before letting go of this one
		rblk := o.next()
		var rbuf *bufferpool.Buffer
		for {
			if rbuf, err = op.getBuf(rblk, accessWrite); err != nil {
				return nil, 0, err
			}
			ro := opaqueOf(rbuf.Page())
			if ro.incompleteSplit() {
				if err := op.finishSplit(rbuf, stack); err != nil {
					return nil, 0, err
				}
				continue
			}
			if !ro.ignore() {
				break
			}
			if ro.isRightmost() {
				return nil, 0, ix.corrupt(rblk, "fell off the end of index")
			}
			rblk = ro.next()
			op.relBuf(rbuf)
		}
		op.relBuf(buf)
		buf = rbuf
		movedRight, vacuumed = true, false
		ix.obs.ObserveMoveRight()
	}

	switch {
	case movedRight:
		return buf, opaqueOf(buf.Page()).firstDataKey(), nil
	case hint >= 0 && !vacuumed:
		return buf, hint, nil
	default:
		off, err := ix.binsrch(key, buf.Page(), false)
		if err != nil {
			return nil, 0, err
		}
		return buf, off, nil
	}
}

// insertOnPage puts itup at offset newoff of buf, splitting when it does
// not fit. cbuf is the left child whose split this insertion completes
// (inner levels only); its INCOMPLETE_SPLIT flag is cleared in the same
// record. buf and cbuf are released on return.
func (op *insertion) insertOnPage(
	buf, cbuf *bufferpool.Buffer,
	stack *stackFrame,
	itup IndexTuple,
	newoff int,
	splitOnlyPage bool,
) error {
	ix := op.ix
	p := buf.Page()
	o := opaqueOf(p)
	if o.incompleteSplit() {
		return fmt.Errorf("%w: block %d of %s", ErrIncompleteSplit, buf.BlockNumber(), ix.name)
	}

	if p.FreeSpace() < len(itup) {
		isRoot := o.isRoot()
		isOnly := o.isLeftmost() && o.isRightmost()
		rightmostLeaf := o.isLeaf() && o.isRightmost()

		firstRight, newOnLeft, err := ix.findSplitLoc(buf, newoff, len(itup))
		if err != nil {
			return err
		}
		rbuf, err := op.split(buf, cbuf, firstRight, newoff, itup, newOnLeft)
		if err != nil {
			return err
		}
		rblk := rbuf.BlockNumber()
		if ix.afterSplit != nil {
			if err := ix.afterSplit(buf.BlockNumber(), rblk); err != nil {
				return err
			}
		}
		if err := op.insertParent(buf, rbuf, stack, isRoot, isOnly); err != nil {
			return err
		}
		if rightmostLeaf {
			ix.setTargetBlock(rblk)
		}
		return nil
	}

	var metabuf *bufferpool.Buffer
	var md metaData
	if splitOnlyPage {
		var err error
		if metabuf, err = op.getBuf(metaBlock, accessWrite); err != nil {
			return err
		}
		if md, err = ix.readMeta(metabuf); err != nil {
			return err
		}
		if md.FastLevel >= o.level() {
			op.relBuf(metabuf)
			metabuf = nil
		}
	}

	blk := buf.BlockNumber()
	cacheBlock := o.isRightmost() && o.isLeaf() && !o.isRoot()

	typ := recInsertLeaf
	if !o.isLeaf() {
		typ = recInsertUpper
	}
	bufs := []*bufferpool.Buffer{buf}
	if metabuf != nil {
		typ = recInsertMeta
		bufs = append(bufs, metabuf)
	}
	if cbuf != nil {
		bufs = append(bufs, cbuf)
	}
	ix.critical("insert", typ, func() {
		ix.mustApply("insert", pgAddTup(p, itup, newoff))
		if metabuf != nil {
			md.FastRoot, md.FastLevel = blk, o.level()
			writeMeta(metabuf.Page(), md)
		}
		if cbuf != nil {
			opaqueOf(cbuf.Page()).clear(flagIncompleteSplit)
		}
	}, bufs...)

	op.relBuf(metabuf)
	op.relBuf(cbuf)
	op.relBuf(buf)

	if cacheBlock {
		ix.setTargetBlock(blk)
	}
	return nil
}

// pgAddTup adds itup at off. The first data item of an inner page is
// stored as minus infinity.
func pgAddTup(p *storage.Page, itup IndexTuple, off int) error {
	o := opaqueOf(p)
	if !o.isLeaf() && off == o.firstDataKey() {
		itup = minusInfinity(itup.downlink())
	}
	return p.AddItem(itup, off)
}

// setTargetBlock caches blk as the rightmost leaf once the tree is tall
// enough for the fastpath to pay off.
func (ix *Index) setTargetBlock(blk uint32) {
	if ix.rootLevel.Load() >= int32(ix.opts.FastpathMinLevel) {
		ix.targetBlock.Store(blk)
	}
}
