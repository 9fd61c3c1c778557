package btree

import (
	"github.com/tuannm99/novaidx/internal/bufferpool"
)

// stackFrame records one downlink followed during descent. The parent
// update after a split uses it to find where the child is linked now.
type stackFrame struct {
	blk    uint32 // parent page
	off    int    // offset of the downlink on the parent page
	child  uint32 // block the downlink points at
	parent *stackFrame
}

// getRoot returns the root page read-latched. On an empty index it returns
// nil for read access and creates a root leaf for write access.
func (op *insertion) getRoot(a access) (*bufferpool.Buffer, error) {
	ix := op.ix
	for {
		metabuf, err := op.getBuf(metaBlock, accessRead)
		if err != nil {
			return nil, err
		}
		md, err := ix.readMeta(metabuf)
		if err != nil {
			return nil, err
		}

		if md.Root != pNone {
			rootblk, rootlevel := md.FastRoot, md.FastLevel
			op.relBuf(metabuf)
			ix.noteRootLevel(md.Level)
			rootbuf, err := op.getBuf(rootblk, accessRead)
			if err != nil {
				return nil, err
			}
			for {
				o := opaqueOf(rootbuf.Page())
				if !o.ignore() {
					break
				}
				if o.isRightmost() {
					return nil, ix.corrupt(rootbuf.BlockNumber(), "no live root page found")
				}
				if rootbuf, err = op.relAndGetBuf(rootbuf, o.next(), accessRead); err != nil {
					return nil, err
				}
			}
			if lvl := opaqueOf(rootbuf.Page()).level(); lvl != rootlevel {
				return nil, ix.corrupt(rootbuf.BlockNumber(), "root page has level %d, expected %d", lvl, rootlevel)
			}
			return rootbuf, nil
		}

		if a == accessRead {
			op.relBuf(metabuf)
			return nil, nil
		}

		metabuf.Unlock()
		metabuf.Lock(bufferpool.LockExclusive)
		if md, err = ix.readMeta(metabuf); err != nil {
			return nil, err
		}
		if md.Root != pNone {
			// someone else created the root meanwhile
			op.relBuf(metabuf)
			continue
		}

		rootbuf, err := op.newPage()
		if err != nil {
			return nil, err
		}
		rootblk := rootbuf.BlockNumber()
		md.Root, md.Level, md.FastRoot, md.FastLevel = rootblk, 0, rootblk, 0
		ix.critical("newroot", recNewRoot, func() {
			opaqueOf(rootbuf.Page()).setFlags(flagLeaf | flagRoot)
			writeMeta(metabuf.Page(), md)
		}, rootbuf, metabuf)
		op.relBuf(metabuf)
		ix.noteRootLevel(0)

		ix.log.Debug("btree.root.created", "root", rootblk)
		rootbuf.Unlock()
		rootbuf.Lock(bufferpool.LockShare)
		return rootbuf, nil
	}
}

// search descends to the leaf that should hold key and returns it latched
// for a and the stack of downlinks followed. Inner pages are only ever
// read-latched, one at a time; for write access the leaf latch is traded
// in at the bottom.
func (op *insertion) search(key *scanKey, a access) (*bufferpool.Buffer, *stackFrame, error) {
	ix := op.ix
	buf, err := op.getRoot(a)
	if err != nil || buf == nil {
		return nil, nil, err
	}

	var stack *stackFrame
	for {
		// the page may have split since we read its downlink
		buf, err = op.moveRight(buf, key, false, a == accessWrite, stack, accessRead)
		if err != nil {
			return nil, nil, err
		}
		p := buf.Page()
		if opaqueOf(p).isLeaf() {
			break
		}

		off, err := ix.binsrch(key, p, false)
		if err != nil {
			return nil, nil, err
		}
		item, err := p.Item(off)
		if err != nil {
			return nil, nil, ix.corrupt(buf.BlockNumber(), "bad downlink at offset %d: %v", off, err)
		}
		child := IndexTuple(item).downlink()
		stack = &stackFrame{blk: buf.BlockNumber(), off: off, child: child, parent: stack}

		if buf, err = op.relAndGetBuf(buf, child, accessRead); err != nil {
			return nil, nil, err
		}
	}

	if a == accessWrite {
		buf.Unlock()
		buf.Lock(bufferpool.LockExclusive)
		// the leaf may have split while it was unlatched
		if buf, err = op.moveRight(buf, key, false, true, stack, accessWrite); err != nil {
			return nil, nil, err
		}
	}
	return buf, stack, nil
}

// moveRight follows right links until buf is the page that can hold key.
// With forUpdate set, incomplete splits met on the way are finished first.
func (op *insertion) moveRight(
	buf *bufferpool.Buffer,
	key *scanKey,
	nextkey bool,
	forUpdate bool,
	stack *stackFrame,
	a access,
) (*bufferpool.Buffer, error) {
	ix := op.ix
	cmpval := 1
	if nextkey {
		cmpval = 0
	}

	var err error
	for {
		p := buf.Page()
		o := opaqueOf(p)
		if o.isRightmost() {
			break
		}

		if forUpdate && o.incompleteSplit() {
			blk := buf.BlockNumber()
			if a == accessRead {
				buf.Unlock()
				buf.Lock(bufferpool.LockExclusive)
			}
			if o.incompleteSplit() {
				if err := op.finishSplit(buf, stack); err != nil {
					return nil, err
				}
			} else {
				op.relBuf(buf)
			}
			if buf, err = op.getBuf(blk, a); err != nil {
				return nil, err
			}
			continue
		}

		step := o.ignore()
		if !step {
			r, err := ix.compare(key, p, hikeyOff)
			if err != nil {
				return nil, err
			}
			step = r >= cmpval
		}
		if !step {
			break
		}
		ix.obs.ObserveMoveRight()
		if buf, err = op.relAndGetBuf(buf, o.next(), a); err != nil {
			return nil, err
		}
	}

	if opaqueOf(buf.Page()).ignore() {
		return nil, ix.corrupt(buf.BlockNumber(), "fell off the end of index")
	}
	return buf, nil
}

// getEndpoint returns the leftmost live page of level, read-latched.
func (op *insertion) getEndpoint(level uint32) (*bufferpool.Buffer, error) {
	ix := op.ix
	buf, err := op.getRoot(accessRead)
	if err != nil {
		return nil, err
	}
	if buf == nil {
		return nil, ix.corrupt(metaBlock, "index has no root")
	}

	for {
		o := opaqueOf(buf.Page())
		for o.ignore() {
			if o.isRightmost() {
				return nil, ix.corrupt(buf.BlockNumber(), "fell off the end of index")
			}
			if buf, err = op.relAndGetBuf(buf, o.next(), accessRead); err != nil {
				return nil, err
			}
			o = opaqueOf(buf.Page())
		}
		if o.level() == level {
			return buf, nil
		}
		if o.level() < level {
			return nil, ix.corrupt(buf.BlockNumber(), "btree level %d not found", level)
		}
		item, err := buf.Page().Item(o.firstDataKey())
		if err != nil {
			return nil, ix.corrupt(buf.BlockNumber(), "bad leftmost downlink: %v", err)
		}
		if buf, err = op.relAndGetBuf(buf, IndexTuple(item).downlink(), accessRead); err != nil {
			return nil, err
		}
	}
}
