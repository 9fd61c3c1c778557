package storage

import (
	"encoding/binary"
	"errors"
	"slices"
)

// Header offsets
const (
	offLSN     = 0
	offPageID  = 8
	offFlags   = 12
	offLower   = 14
	offUpper   = 16
	offSpecial = 18
)

// Slot flags
const (
	SlotFlagNormal uint16 = 0
	SlotFlagDead   uint16 = 1 << 0 // item is known dead; space is reclaimable
)

var (
	ErrNoSpace    = errors.New("page: not enough free space")
	ErrBadSlot    = errors.New("page: invalid slot")
	ErrCorruption = errors.New("page: corrupt slot or tuple bounds")
	ErrWrongSize  = errors.New("page: buffer size mismatch")
)

type Slot struct {
	Offset uint16
	Length uint16
	Flags  uint16
}

// +------------------+ 0
// | PageHeaderData   |
// | LinePointers[]   | <-- pd_lower
// +------------------+
// |                  |
// |   Free space     |
// |                  |
// +------------------+ <-- pd_upper
// |  Item Data       |
// |  (grows down)    |
// +------------------+ <-- pd_special
// |  Special Space   |
// +------------------+ len(Buf)
//
// The page size is len(Buf); every page of one pool shares it.
type Page struct {
	Buf []byte
}

func NewPage(buf []byte, pageID uint32) (*Page, error) {
	if err := ValidatePageSize(len(buf)); err != nil {
		return nil, ErrWrongSize
	}
	p := &Page{Buf: buf}
	p.Init(pageID, 0)
	return p, nil
}

// NewTempPage returns a zeroed, uninitialized page of the given size that
// lives outside of any buffer pool.
func NewTempPage(size int) *Page {
	return &Page{Buf: make([]byte, size)}
}

// ---- low-level header getters/setters ----
func (p *Page) LSN() uint64 {
	return binary.LittleEndian.Uint64(p.Buf[offLSN:])
}

func (p *Page) SetLSN(v uint64) {
	binary.LittleEndian.PutUint64(p.Buf[offLSN:], v)
}

func (p *Page) PageID() uint32 {
	return binary.LittleEndian.Uint32(p.Buf[offPageID:])
}

func (p *Page) SetPageID(v uint32) {
	binary.LittleEndian.PutUint32(p.Buf[offPageID:], v)
}

func (p *Page) Flags() uint16 {
	return binary.LittleEndian.Uint16(p.Buf[offFlags:])
}

func (p *Page) SetFlags(v uint16) {
	binary.LittleEndian.PutUint16(p.Buf[offFlags:], v)
}

func (p *Page) lower() uint16 {
	return binary.LittleEndian.Uint16(p.Buf[offLower:])
}

func (p *Page) setLower(v uint16) {
	binary.LittleEndian.PutUint16(p.Buf[offLower:], v)
}

func (p *Page) upper() uint16 {
	return binary.LittleEndian.Uint16(p.Buf[offUpper:])
}

func (p *Page) setUpper(v uint16) {
	binary.LittleEndian.PutUint16(p.Buf[offUpper:], v)
}

func (p *Page) special() uint16 {
	return binary.LittleEndian.Uint16(p.Buf[offSpecial:])
}

func (p *Page) setSpecial(v uint16) {
	binary.LittleEndian.PutUint16(p.Buf[offSpecial:], v)
}

// Init zeroes the page and reserves specialSize bytes at its end.
func (p *Page) Init(pageID uint32, specialSize int) {
	clear(p.Buf)
	size := len(p.Buf)
	p.SetPageID(pageID)
	p.setLower(HeaderSize)
	p.setUpper(uint16(size - specialSize))
	p.setSpecial(uint16(size - specialSize))
}

// ---- public helpers ----
func (p *Page) Size() int {
	return len(p.Buf)
}

// Special returns the special area reserved by Init.
func (p *Page) Special() []byte {
	return p.Buf[p.special():]
}

func (p *Page) SpecialSize() int {
	return len(p.Buf) - int(p.special())
}

// ExactFreeSpace is the gap between the line pointer array and item data.
func (p *Page) ExactFreeSpace() int {
	return int(p.upper()) - int(p.lower())
}

// FreeSpace is the room left for one more item, its line pointer included.
func (p *Page) FreeSpace() int {
	n := p.ExactFreeSpace() - SlotSize
	if n < 0 {
		return 0
	}
	return n
}

func (p *Page) NumSlots() int {
	return int(p.lower()-HeaderSize) / SlotSize
}

func (p *Page) IsUninitialized() bool {
	return p.lower() == 0 && p.upper() == 0
}

// ---- slots ----
func (p *Page) slotOff(idx int) int {
	return HeaderSize + idx*SlotSize
}

func (p *Page) getSlot(i int) (Slot, error) {
	if i < 0 || i >= p.NumSlots() {
		return Slot{}, ErrBadSlot
	}
	o := p.slotOff(i)
	_ = p.Buf[o+5]
	return Slot{
		Offset: binary.LittleEndian.Uint16(p.Buf[o+0:]),
		Length: binary.LittleEndian.Uint16(p.Buf[o+2:]),
		Flags:  binary.LittleEndian.Uint16(p.Buf[o+4:]),
	}, nil
}

func (p *Page) putSlot(idx int, s Slot) {
	off := p.slotOff(idx)
	binary.LittleEndian.PutUint16(p.Buf[off+0:], s.Offset)
	binary.LittleEndian.PutUint16(p.Buf[off+2:], s.Length)
	binary.LittleEndian.PutUint16(p.Buf[off+4:], s.Flags)
}

// ---- items ----

// Item returns the bytes of the item at offset off. The slice aliases the
// page buffer.
func (p *Page) Item(off int) ([]byte, error) {
	s, err := p.getSlot(off)
	if err != nil {
		return nil, err
	}
	start, end := int(s.Offset), int(s.Offset)+int(s.Length)
	if s.Length == 0 || start < int(p.upper()) || end > int(p.special()) {
		return nil, ErrCorruption
	}
	return p.Buf[start:end], nil
}

// IsDead reports whether the item at off carries the dead hint.
func (p *Page) IsDead(off int) bool {
	s, err := p.getSlot(off)
	if err != nil {
		return false
	}
	return s.Flags&SlotFlagDead != 0
}

// MarkDead sets the dead hint on the item at off. The item keeps its space
// until DeleteItems compacts the page.
func (p *Page) MarkDead(off int) error {
	s, err := p.getSlot(off)
	if err != nil {
		return err
	}
	s.Flags |= SlotFlagDead
	p.putSlot(off, s)
	return nil
}

// AddItem places item at offset off, shifting the line pointers at off and
// after it one position up. off may equal NumSlots to append.
func (p *Page) AddItem(item []byte, off int) error {
	n := p.NumSlots()
	if off < 0 || off > n {
		return ErrBadSlot
	}
	if len(item) == 0 {
		return ErrCorruption
	}
	if p.ExactFreeSpace() < len(item)+SlotSize {
		return ErrNoSpace
	}

	if off < n {
		from := p.slotOff(off)
		copy(p.Buf[from+SlotSize:], p.Buf[from:p.lower()])
	}

	u := int(p.upper()) - len(item)
	copy(p.Buf[u:], item)
	p.setUpper(uint16(u))
	p.setLower(p.lower() + SlotSize)
	p.putSlot(off, Slot{Offset: uint16(u), Length: uint16(len(item)), Flags: SlotFlagNormal})
	return nil
}

// OverwriteItem replaces the item at off with one of the same length.
func (p *Page) OverwriteItem(off int, item []byte) error {
	cur, err := p.Item(off)
	if err != nil {
		return err
	}
	if len(cur) != len(item) {
		return ErrWrongSize
	}
	copy(cur, item)
	return nil
}

// DeleteItems removes the items at the given offsets and compacts the page.
// Remaining items keep their relative order and flags.
func (p *Page) DeleteItems(offs []int) error {
	if len(offs) == 0 {
		return nil
	}
	drop := make(map[int]struct{}, len(offs))
	for _, o := range offs {
		if o < 0 || o >= p.NumSlots() {
			return ErrBadSlot
		}
		drop[o] = struct{}{}
	}

	type kept struct {
		data  []byte
		flags uint16
	}
	n := p.NumSlots()
	items := make([]kept, 0, n-len(drop))
	for i := range n {
		if _, ok := drop[i]; ok {
			continue
		}
		s, _ := p.getSlot(i)
		data, err := p.Item(i)
		if err != nil {
			return err
		}
		items = append(items, kept{data: slices.Clone(data), flags: s.Flags})
	}

	special := int(p.special())
	clear(p.Buf[HeaderSize:special])
	p.setLower(HeaderSize)
	p.setUpper(uint16(special))
	for i, it := range items {
		u := int(p.upper()) - len(it.data)
		copy(p.Buf[u:], it.data)
		p.setUpper(uint16(u))
		p.setLower(p.lower() + SlotSize)
		p.putSlot(i, Slot{Offset: uint16(u), Length: uint16(len(it.data)), Flags: it.flags})
	}
	return nil
}

// CopyFrom replaces the whole content of p with src.
func (p *Page) CopyFrom(src *Page) error {
	if len(src.Buf) != len(p.Buf) {
		return ErrWrongSize
	}
	copy(p.Buf, src.Buf)
	return nil
}

// Clone returns a private copy of p.
func (p *Page) Clone() *Page {
	return &Page{Buf: slices.Clone(p.Buf)}
}
