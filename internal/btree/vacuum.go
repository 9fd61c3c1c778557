package btree

import (
	"github.com/tuannm99/novaidx/internal/bufferpool"
)

// vacuumOnePage removes the items carrying the dead hint from the
// write-latched leaf buf. A page flagged HAS_GARBAGE without dead items is
// left alone; the flag goes away at the next split.
func (op *insertion) vacuumOnePage(buf *bufferpool.Buffer) {
	ix := op.ix
	p := buf.Page()
	o := opaqueOf(p)

	var dead []int
	for off := o.firstDataKey(); off <= maxOff(p); off++ {
		if p.IsDead(off) {
			dead = append(dead, off)
		}
	}
	if len(dead) == 0 {
		return
	}

	ix.critical("delete", recDelete, func() {
		ix.mustApply("delete", p.DeleteItems(dead))
		o.clear(flagHasGarbage)
	}, buf)

	ix.obs.ObserveDeadItemsReclaimed(len(dead))
	ix.log.Debug("btree.vacuum.page", "block", buf.BlockNumber(), "removed", len(dead), "free", p.FreeSpace())
}
