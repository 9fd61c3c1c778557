package btree

import (
	"github.com/tuannm99/novaidx/internal/alias/bx"
	"github.com/tuannm99/novaidx/internal/bufferpool"
	"github.com/tuannm99/novaidx/internal/storage"
)

const (
	metaMagic   uint32 = 0x00053162
	metaVersion uint32 = 1
	metaSize           = 28
)

// metaData is item 0 of block 0:
//
//	magic u32 | version u32 | root u32 | level u32 |
//	fastroot u32 | fastlevel u32 | natts u16 | nkeyatts u16
type metaData struct {
	Magic     uint32
	Version   uint32
	Root      uint32
	Level     uint32
	FastRoot  uint32
	FastLevel uint32
	NAtts     uint16
	NKeyAtts  uint16
}

func (m metaData) encode() []byte {
	b := make([]byte, 0, metaSize)
	b = bx.AppendU32(b, m.Magic)
	b = bx.AppendU32(b, m.Version)
	b = bx.AppendU32(b, m.Root)
	b = bx.AppendU32(b, m.Level)
	b = bx.AppendU32(b, m.FastRoot)
	b = bx.AppendU32(b, m.FastLevel)
	b = bx.AppendU16(b, m.NAtts)
	b = bx.AppendU16(b, m.NKeyAtts)
	return b
}

func decodeMeta(b []byte) metaData {
	return metaData{
		Magic:     bx.U32At(b, 0),
		Version:   bx.U32At(b, 4),
		Root:      bx.U32At(b, 8),
		Level:     bx.U32At(b, 12),
		FastRoot:  bx.U32At(b, 16),
		FastLevel: bx.U32At(b, 20),
		NAtts:     bx.U16At(b, 24),
		NKeyAtts:  bx.U16At(b, 26),
	}
}

func initMetaPage(p *storage.Page, m metaData) {
	initPage(p, metaBlock)
	opaqueOf(p).setFlags(flagMeta)
	if err := p.AddItem(m.encode(), 0); err != nil {
		panic(err)
	}
}

// writeMeta overwrites the metadata in place. Callers hold the exclusive
// latch and are inside a critical section.
func writeMeta(p *storage.Page, m metaData) {
	if err := p.OverwriteItem(0, m.encode()); err != nil {
		panic(err)
	}
}

func (ix *Index) readMeta(buf *bufferpool.Buffer) (metaData, error) {
	p := buf.Page()
	if p.IsUninitialized() || p.SpecialSize() != specialSize || !opaqueOf(p).isMeta() {
		return metaData{}, ix.notIndex()
	}
	item, err := p.Item(0)
	if err != nil || len(item) != metaSize {
		return metaData{}, ix.notIndex()
	}
	m := decodeMeta(item)
	if m.Magic != metaMagic {
		return metaData{}, ix.notIndex()
	}
	if m.Version != metaVersion {
		return metaData{}, ix.corrupt(metaBlock, "version mismatch: file %d, code %d", m.Version, metaVersion)
	}
	return m, nil
}

func (ix *Index) notIndex() error {
	return &CorruptionError{Index: ix.name, Block: metaBlock, Msg: ErrNotIndex.Error()}
}
