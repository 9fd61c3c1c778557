package btree

import (
	"github.com/tuannm99/novaidx/internal/alias/bx"
	"github.com/tuannm99/novaidx/internal/storage"
)

// Special area of every index page:
//
//	prev u32 | next u32 | level u32 | flags u16 | reserved u16
const specialSize = 16

const (
	opqPrev  = 0
	opqNext  = 4
	opqLevel = 8
	opqFlags = 12
)

type pageFlags uint16

const (
	flagLeaf pageFlags = 1 << iota
	flagRoot
	flagDeleted
	flagMeta
	flagHalfDead
	flagSplitEnd
	flagHasGarbage
	flagIncompleteSplit
)

// pNone marks a missing sibling. Block 0 is the metapage, so it can never
// be a sibling.
const pNone uint32 = 0

const metaBlock uint32 = 0

// hikeyOff is where a non-rightmost page keeps its high key.
const hikeyOff = 0

// opaque is a view over the special area of an index page.
type opaque []byte

func opaqueOf(p *storage.Page) opaque { return opaque(p.Special()) }

func (o opaque) prev() uint32         { return bx.U32(o[opqPrev:]) }
func (o opaque) setPrev(v uint32)     { bx.PutU32(o[opqPrev:], v) }
func (o opaque) next() uint32         { return bx.U32(o[opqNext:]) }
func (o opaque) setNext(v uint32)     { bx.PutU32(o[opqNext:], v) }
func (o opaque) level() uint32        { return bx.U32(o[opqLevel:]) }
func (o opaque) setLevel(v uint32)    { bx.PutU32(o[opqLevel:], v) }
func (o opaque) flags() pageFlags     { return pageFlags(bx.U16(o[opqFlags:])) }
func (o opaque) setFlags(f pageFlags) { bx.PutU16(o[opqFlags:], uint16(f)) }

func (o opaque) has(f pageFlags) bool { return o.flags()&f != 0 }
func (o opaque) set(f pageFlags)      { o.setFlags(o.flags() | f) }
func (o opaque) clear(f pageFlags)    { o.setFlags(o.flags() &^ f) }

func (o opaque) isLeaf() bool          { return o.has(flagLeaf) }
func (o opaque) isRoot() bool          { return o.has(flagRoot) }
func (o opaque) isMeta() bool          { return o.has(flagMeta) }
func (o opaque) isLeftmost() bool      { return o.prev() == pNone }
func (o opaque) isRightmost() bool     { return o.next() == pNone }
func (o opaque) ignore() bool          { return o.has(flagDeleted | flagHalfDead) }
func (o opaque) hasGarbage() bool      { return o.has(flagHasGarbage) }
func (o opaque) incompleteSplit() bool { return o.has(flagIncompleteSplit) }

// firstDataKey is the offset of the first data item: every page but the
// rightmost of its level keeps a high key at offset 0.
func (o opaque) firstDataKey() int {
	if o.isRightmost() {
		return 0
	}
	return 1
}

// initPage formats p as an empty index page with a zeroed opaque.
func initPage(p *storage.Page, blk uint32) {
	p.Init(blk, specialSize)
}

// maxOff is the offset of the last item, -1 on an empty page.
func maxOff(p *storage.Page) int { return p.NumSlots() - 1 }

// MaxItemSize is the largest index tuple accepted on a page of pageSize
// bytes: a third of the usable space once three line pointers are paid
// for, so that any split can place at least two items per half.
func MaxItemSize(pageSize int) int {
	return (pageSize - storage.HeaderSize - 3*storage.SlotSize - specialSize) / 3
}
