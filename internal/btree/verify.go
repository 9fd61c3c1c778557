package btree

import (
	"errors"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/tuannm99/novaidx/internal/bufferpool"
	"github.com/tuannm99/novaidx/internal/storage"
)

// VerifyReport summarizes a structural check of the index.
type VerifyReport struct {
	Height        int   // number of levels, 0 when empty
	PagesPerLevel []int // indexed by level
	LeafTuples    int
	DeadTuples    int
	Orphans       int // allocated pages not linked from any level
	Problems      []string
}

// Verify walks every level left to right and checks the invariants the
// insertion path maintains: sibling links agree, items are in key order
// and below the high key, every non-leftmost page has a downlink whose key
// is its left sibling's high key, and no split is left incomplete.
//
// Pages are latched one at a time, so results are only exact on a
// quiescent index.
func (ix *Index) Verify() (*VerifyReport, error) {
	return ix.verify(nil)
}

func (ix *Index) verify(visitLeaf func(IndexTuple)) (*VerifyReport, error) {
	rep := &VerifyReport{}
	problem := func(blk uint32, format string, args ...any) {
		rep.Problems = append(rep.Problems, fmt.Sprintf("block %d: ", blk)+fmt.Sprintf(format, args...))
	}

	metaPage, err := ix.snapshotPage(metaBlock)
	if err != nil {
		return nil, err
	}
	item, err := metaPage.Item(0)
	if err != nil || len(item) != metaSize {
		return nil, ix.notIndex()
	}
	md := decodeMeta(item)
	if md.Root == pNone {
		return rep, nil
	}
	rep.Height = int(md.Level) + 1
	rep.PagesPerLevel = make([]int, md.Level+1)

	visited := roaring.New()
	visited.Add(metaBlock)

	// separators maps a child block to the key of its downlink, for every
	// downlink but the minus infinity one of the leftmost parent page.
	separators := map[uint32]IndexTuple{}
	leftmost := md.Root

	for level := int(md.Level); level >= 0; level-- {
		blk := leftmost
		prev := pNone
		var prevHikey IndexTuple
		nextSeparators := map[uint32]IndexTuple{}
		leftmost = pNone

		for blk != pNone {
			if !visited.CheckedAdd(blk) {
				problem(blk, "visited twice, link cycle")
				break
			}
			p, err := ix.snapshotPage(blk)
			if err != nil {
				return nil, err
			}
			o := opaqueOf(p)
			rep.PagesPerLevel[level]++

			if int(o.level()) != level {
				problem(blk, "level %d found on level %d", o.level(), level)
			}
			if o.isLeaf() != (level == 0) {
				problem(blk, "leaf flag does not match level %d", level)
			}
			if o.prev() != prev {
				problem(blk, "left link %d, expected %d", o.prev(), prev)
			}
			if o.incompleteSplit() {
				problem(blk, "incomplete split")
			}
			if blk == md.Root && !o.isRoot() {
				problem(blk, "root page lacks root flag")
			}

			if prev != pNone {
				sep, ok := separators[blk]
				switch {
				case !ok:
					problem(blk, "no downlink in level %d", level+1)
				case prevHikey != nil:
					if r, err := ix.compareTuples(prevHikey, sep); err != nil {
						return nil, err
					} else if r != 0 {
						problem(blk, "downlink key differs from left sibling high key")
					}
				}
			}

			if err := ix.verifyItems(p, blk, prevHikey, problem); err != nil {
				return nil, err
			}

			first := o.firstDataKey()
			for off := first; off <= maxOff(p); off++ {
				raw, err := p.Item(off)
				if err != nil {
					problem(blk, "bad item at %d: %v", off, err)
					continue
				}
				t := IndexTuple(raw)
				if o.isLeaf() {
					rep.LeafTuples++
					if p.IsDead(off) {
						rep.DeadTuples++
					}
					if visitLeaf != nil {
						visitLeaf(t)
					}
					continue
				}
				child := t.downlink()
				if leftmost == pNone {
					leftmost = child
				}
				switch {
				case off != first:
					nextSeparators[child] = IndexTuple(append([]byte(nil), t...))
				case prevHikey != nil:
					nextSeparators[child] = prevHikey
				}
			}

			prevHikey = nil
			if !o.isRightmost() {
				hk, err := p.Item(hikeyOff)
				if err != nil {
					problem(blk, "bad high key: %v", err)
				} else {
					prevHikey = IndexTuple(append([]byte(nil), hk...))
				}
			}
			prev = blk
			blk = o.next()
		}
		separators = nextSeparators
		if level > 0 && leftmost == pNone {
			problem(blk, "level %d has no downlinks", level)
			break
		}
	}

	if n, err := ix.pages.NumBlocks(); err == nil {
		rep.Orphans = int(uint64(n) - visited.GetCardinality())
	}
	if len(rep.Problems) > 0 {
		return rep, &CorruptionError{Index: ix.name, Block: metaBlock,
			Msg: fmt.Sprintf("%d problems, first: %s", len(rep.Problems), rep.Problems[0])}
	}
	return rep, nil
}

// verifyItems checks key order on one page and that its data items lie
// between the left sibling's high key and its own.
func (ix *Index) verifyItems(p *storage.Page, blk uint32, lowKey IndexTuple, problem func(uint32, string, ...any)) error {
	o := opaqueOf(p)
	first := o.firstDataKey()
	if !o.isLeaf() {
		// minus infinity carries no key
		first++
	}

	var prevItem IndexTuple
	for off := first; off <= maxOff(p); off++ {
		raw, err := p.Item(off)
		if err != nil {
			continue
		}
		t := IndexTuple(raw)
		if prevItem != nil {
			r, err := ix.compareTuples(prevItem, t)
			if err != nil {
				return err
			}
			if r > 0 {
				problem(blk, "items %d and %d out of order", off-1, off)
			}
		} else if lowKey != nil && o.isLeaf() {
			r, err := ix.compareTuples(lowKey, t)
			if err != nil {
				return err
			}
			if r > 0 {
				problem(blk, "first item sorts below left sibling high key")
			}
		}
		if !o.isRightmost() {
			hk, err := p.Item(hikeyOff)
			if err != nil {
				return nil
			}
			r, err := ix.compareTuples(t, IndexTuple(hk))
			if err != nil {
				return err
			}
			if r > 0 {
				problem(blk, "item %d above high key", off)
			}
		}
		prevItem = t
	}
	return nil
}

// compareTuples orders two stored tuples by their key columns.
func (ix *Index) compareTuples(a, b IndexTuple) (int, error) {
	av, err := a.Values(ix.desc)
	if err != nil {
		return 0, err
	}
	bv, err := b.Values(ix.desc)
	if err != nil {
		return 0, err
	}
	n := min(ix.desc.NKeyAtts, len(av), len(bv))
	for i := range n {
		if r := compareValues(av[i], bv[i]); r != 0 {
			return r, nil
		}
	}
	return 0, nil
}

// snapshotPage copies block blk under a share latch.
func (ix *Index) snapshotPage(blk uint32) (*storage.Page, error) {
	buf, err := ix.pages.ReadBuffer(blk)
	if err != nil {
		return nil, fmt.Errorf("btree: verify %s block %d: %w", ix.name, blk, err)
	}
	defer buf.Release()
	buf.Lock(bufferpool.LockShare)
	if err := ix.checkPage(buf); err != nil {
		return nil, err
	}
	return buf.Page().Clone(), nil
}

// IsCorruption reports whether err was caused by a damaged index.
func IsCorruption(err error) bool {
	return errors.Is(err, ErrIndexCorrupted)
}
