package btree

import (
	"github.com/tuannm99/novaidx/internal/bufferpool"
	"github.com/tuannm99/novaidx/internal/txn"
)

// checkUnique scans the entries equal to key, starting at off on the
// write-latched leaf buf and continuing right while the high key is equal.
//
// It returns a transaction to wait for when a conflicting row is still in
// flight; the caller must release every latch before waiting. Entries whose
// whole version chain is dead get the dead hint so the space can be
// reclaimed before a split.
func (op *insertion) checkUnique(
	buf *bufferpool.Buffer,
	off int,
	key *scanKey,
	itup IndexTuple,
	check UniqueCheck,
) (txn.XID, bool, error) {
	ix := op.ix
	self := itup.TID()

	p := buf.Page()
	o := opaqueOf(p)
	maxoff := maxOff(p)
	var nbuf *bufferpool.Buffer
	found := false

	for {
		if off <= maxoff && !p.IsDead(off) {
			eq, err := ix.isEqual(key, p, off)
			if err != nil {
				return txn.InvalidXID, false, err
			}
			if !eq {
				break
			}
			item, err := p.Item(off)
			if err != nil {
				return txn.InvalidXID, false, err
			}
			htid := IndexTuple(item).TID()

			if check == CheckExisting && htid == self {
				// the entry being rechecked; keep scanning
				found = true
			} else {
				res, err := ix.opts.Liveness.HotSearchDirty(htid, self)
				if err != nil {
					return txn.InvalidXID, false, err
				}
				switch {
				case res.Found:
					if check == CheckPartial {
						op.relBuf(nbuf)
						return txn.InvalidXID, false, nil
					}
					xwait := res.Xmin
					if xwait == txn.InvalidXID {
						xwait = res.Xmax
					}
					if xwait != txn.InvalidXID {
						op.relBuf(nbuf)
						return xwait, true, nil
					}
					live, err := ix.opts.Liveness.IsSelfLive(self)
					if err != nil {
						return txn.InvalidXID, false, err
					}
					if !live {
						// our own row is gone, so there is nothing to protect
						op.relBuf(nbuf)
						return txn.InvalidXID, true, nil
					}
					ix.obs.ObserveUniqueViolation()
					return txn.InvalidXID, false, &UniqueViolationError{
						Index: ix.name,
						Key:   describeKey(ix.desc, key.vals),
					}
				case res.AllDead && nbuf == nil:
					// Only the page we hold exclusively may be touched.
					// The hint is not logged.
					ix.mustApply("mark dead", p.MarkDead(off))
					o.set(flagHasGarbage)
					buf.MarkDirty()
				}
			}
		}

		if off < maxoff {
			off++
			continue
		}

		// equal keys may continue on the right sibling
		if o.isRightmost() {
			break
		}
		eq, err := ix.isEqual(key, p, hikeyOff)
		if err != nil {
			return txn.InvalidXID, false, err
		}
		if !eq {
			break
		}
		for {
			nblk := o.next()
			op.relBuf(nbuf)
			if nbuf, err = op.getBuf(nblk, accessRead); err != nil {
				return txn.InvalidXID, false, err
			}
			p = nbuf.Page()
			o = opaqueOf(p)
			if !o.ignore() {
				break
			}
			if o.isRightmost() {
				return txn.InvalidXID, false, ix.corrupt(nblk, "fell off the end of index")
			}
		}
		maxoff = maxOff(p)
		off = o.firstDataKey()
	}

	if check == CheckExisting && !found {
		return txn.InvalidXID, false, ix.corrupt(buf.BlockNumber(), "failed to re-find tuple %s within index", self)
	}
	op.relBuf(nbuf)
	return txn.InvalidXID, true, nil
}
