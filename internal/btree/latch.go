package btree

import (
	"fmt"
	"slices"

	"github.com/tuannm99/novaidx/internal/bufferpool"
)

type access int

const (
	accessRead access = iota
	accessWrite
)

func (a access) mode() bufferpool.LockMode {
	if a == accessWrite {
		return bufferpool.LockExclusive
	}
	return bufferpool.LockShare
}

// latchScope remembers every buffer pinned by one operation so that all
// exit paths, errors included, drop their latches and pins.
type latchScope struct {
	held []*bufferpool.Buffer
}

func (s *latchScope) track(b *bufferpool.Buffer) {
	if len(s.held) >= 32 {
		s.held = slices.DeleteFunc(s.held, (*bufferpool.Buffer).Released)
	}
	s.held = append(s.held, b)
}

func (s *latchScope) releaseAll() {
	for _, b := range s.held {
		b.Release()
	}
	s.held = s.held[:0]
}

// insertion is the state of one insert call. Its methods pin pages through
// the scope.
type insertion struct {
	ix    *Index
	scope latchScope
}

// getBuf pins and latches blk and checks that it is a formatted index page.
func (op *insertion) getBuf(blk uint32, a access) (*bufferpool.Buffer, error) {
	buf, err := op.ix.pages.ReadBuffer(blk)
	if err != nil {
		return nil, fmt.Errorf("btree: read block %d of %s: %w", blk, op.ix.name, err)
	}
	op.scope.track(buf)
	buf.Lock(a.mode())
	if err := op.ix.checkPage(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (op *insertion) relBuf(buf *bufferpool.Buffer) {
	buf.Release()
}

// relAndGetBuf drops buf and then pins blk. Latch coupling is the caller's
// business: nothing is held across the call.
func (op *insertion) relAndGetBuf(buf *bufferpool.Buffer, blk uint32, a access) (*bufferpool.Buffer, error) {
	op.relBuf(buf)
	return op.getBuf(blk, a)
}

// newPage extends the index by one page, latched exclusively and formatted
// as an empty index page. Nothing links to it yet.
func (op *insertion) newPage() (*bufferpool.Buffer, error) {
	buf, err := op.ix.pages.NewBuffer()
	if err != nil {
		return nil, fmt.Errorf("btree: extend %s: %w", op.ix.name, err)
	}
	op.scope.track(buf)
	buf.Lock(bufferpool.LockExclusive)
	initPage(buf.Page(), buf.BlockNumber())
	return buf, nil
}

func (ix *Index) checkPage(buf *bufferpool.Buffer) error {
	p := buf.Page()
	if p.IsUninitialized() {
		return ix.corrupt(buf.BlockNumber(), "index contains unexpected zero page")
	}
	if p.SpecialSize() != specialSize {
		return ix.corrupt(buf.BlockNumber(), "index contains corrupted page")
	}
	return nil
}
