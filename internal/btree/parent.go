package btree

import (
	"github.com/tuannm99/novaidx/internal/bufferpool"
)

// insertParent links the new right half rbuf of a split of buf into the
// level above. isRoot means buf was the root, so a new root is grown;
// isOnly means buf was the only page of its level. Both buffers are
// released on return.
func (op *insertion) insertParent(
	buf, rbuf *bufferpool.Buffer,
	stack *stackFrame,
	isRoot, isOnly bool,
) error {
	ix := op.ix
	if isRoot {
		rootbuf, err := op.newRoot(buf, rbuf)
		if err != nil {
			return err
		}
		op.relBuf(rootbuf)
		op.relBuf(rbuf)
		op.relBuf(buf)
		return nil
	}

	bknum, rbknum := buf.BlockNumber(), rbuf.BlockNumber()
	p := buf.Page()

	if stack == nil {
		// We got here through the fastpath, or the root split under us
		// while we descended. Start from the leftmost page one level up.
		level := opaqueOf(p).level() + 1
		ix.log.Debug("btree.parent.nostack", "left", bknum, "level", level)
		pbuf, err := op.getEndpoint(level)
		if err != nil {
			return err
		}
		stack = &stackFrame{blk: pbuf.BlockNumber(), off: -1}
		op.relBuf(pbuf)
	}

	hk, err := p.Item(hikeyOff)
	if err != nil {
		return ix.corrupt(bknum, "bad high key: %v", err)
	}
	// the left high key is the lower bound of the right half
	newItem := withDownlink(IndexTuple(hk), rbknum)

	stack.child = bknum
	pbuf, err := op.getStackBuf(stack)
	// the right child can go now; the left one is released by insertOnPage
	op.relBuf(rbuf)
	if err != nil {
		return err
	}
	if pbuf == nil {
		return ix.corrupt(bknum, "failed to re-find parent key for split pages %d/%d", bknum, rbknum)
	}
	return op.insertOnPage(pbuf, buf, stack.parent, newItem, stack.off+1, isOnly)
}

// getStackBuf write-latches the page now holding the downlink recorded in
// stack, which may have moved right since the descent. The frame is
// updated to the downlink's current position. It returns nil when the
// downlink cannot be found.
func (op *insertion) getStackBuf(stack *stackFrame) (*bufferpool.Buffer, error) {
	ix := op.ix
	blk := stack.blk
	start := stack.off

	for {
		buf, err := op.getBuf(blk, accessWrite)
		if err != nil {
			return nil, err
		}
		p := buf.Page()
		o := opaqueOf(p)

		if o.incompleteSplit() {
			if err := op.finishSplit(buf, stack.parent); err != nil {
				return nil, err
			}
			continue
		}

		if !o.ignore() {
			minoff := o.firstDataKey()
			maxoff := maxOff(p)
			if start < minoff {
				start = minoff
			}
			if start > maxoff {
				start = maxoff + 1
			}
			// right of the remembered position first, then left of it
			for off := start; off <= maxoff; off++ {
				if ok, err := ix.isDownlinkTo(buf, off, stack.child); err != nil {
					return nil, err
				} else if ok {
					stack.blk, stack.off = blk, off
					return buf, nil
				}
			}
			for off := start - 1; off >= minoff; off-- {
				if ok, err := ix.isDownlinkTo(buf, off, stack.child); err != nil {
					return nil, err
				} else if ok {
					stack.blk, stack.off = blk, off
					return buf, nil
				}
			}
		}

		// the downlink moved right by at least one page
		if o.isRightmost() {
			op.relBuf(buf)
			return nil, nil
		}
		blk = o.next()
		start = -1
		op.relBuf(buf)
	}
}

func (ix *Index) isDownlinkTo(buf *bufferpool.Buffer, off int, child uint32) (bool, error) {
	item, err := buf.Page().Item(off)
	if err != nil {
		return false, ix.corrupt(buf.BlockNumber(), "bad item at offset %d: %v", off, err)
	}
	return IndexTuple(item).downlink() == child, nil
}

// finishSplit completes a split whose parent update never happened: lbuf
// is a write-latched page carrying INCOMPLETE_SPLIT. lbuf is released on
// return.
func (op *insertion) finishSplit(lbuf *bufferpool.Buffer, stack *stackFrame) error {
	ix := op.ix
	lo := opaqueOf(lbuf.Page())

	rbuf, err := op.getBuf(lo.next(), accessWrite)
	if err != nil {
		return err
	}

	wasRoot := false
	if stack == nil {
		metabuf, err := op.getBuf(metaBlock, accessWrite)
		if err != nil {
			return err
		}
		md, err := ix.readMeta(metabuf)
		if err != nil {
			return err
		}
		wasRoot = md.Root == lbuf.BlockNumber()
		op.relBuf(metabuf)
	}
	wasOnly := lo.isLeftmost() && opaqueOf(rbuf.Page()).isRightmost()

	ix.obs.ObserveSplitRepair()
	ix.log.Debug("btree.split.finish",
		"left", lbuf.BlockNumber(),
		"right", rbuf.BlockNumber(),
		"wasRoot", wasRoot,
	)
	return op.insertParent(lbuf, rbuf, stack, wasRoot, wasOnly)
}

// newRoot grows the tree by one level above the split pages lbuf and rbuf
// and returns the new root latched. The root page, the metapage and the
// cleared INCOMPLETE_SPLIT flag of lbuf are logged together.
func (op *insertion) newRoot(lbuf, rbuf *bufferpool.Buffer) (*bufferpool.Buffer, error) {
	ix := op.ix
	lbkno, rbkno := lbuf.BlockNumber(), rbuf.BlockNumber()
	lp := lbuf.Page()

	rootbuf, err := op.newPage()
	if err != nil {
		return nil, err
	}
	metabuf, err := op.getBuf(metaBlock, accessWrite)
	if err != nil {
		return nil, err
	}
	md, err := ix.readMeta(metabuf)
	if err != nil {
		return nil, err
	}
	hk, err := lp.Item(hikeyOff)
	if err != nil {
		return nil, ix.corrupt(lbkno, "bad high key: %v", err)
	}

	// left downlink is minus infinity, right one carries the left high key
	leftItem := minusInfinity(lbkno)
	rightItem := withDownlink(IndexTuple(hk), rbkno)
	level := opaqueOf(lp).level() + 1
	rootblk := rootbuf.BlockNumber()

	ix.critical("newroot", recNewRoot, func() {
		rp := rootbuf.Page()
		ro := opaqueOf(rp)
		ro.setPrev(pNone)
		ro.setNext(pNone)
		ro.setFlags(flagRoot)
		ro.setLevel(level)
		ix.mustApply("newroot", rp.AddItem(leftItem, 0))
		ix.mustApply("newroot", rp.AddItem(rightItem, 1))

		md.Root, md.Level, md.FastRoot, md.FastLevel = rootblk, level, rootblk, level
		writeMeta(metabuf.Page(), md)

		opaqueOf(lp).clear(flagIncompleteSplit)
	}, rootbuf, metabuf, lbuf)
	op.relBuf(metabuf)
	ix.noteRootLevel(level)

	ix.obs.ObserveNewRoot(level)
	ix.log.Debug("btree.newroot", "root", rootblk, "level", level, "left", lbkno, "right", rbkno)
	return rootbuf, nil
}
