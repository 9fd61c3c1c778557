package btree

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/tuannm99/novaidx/internal/alias/bx"
	"github.com/tuannm99/novaidx/internal/heap"
)

// AttrType is the type of one index column.
type AttrType uint8

const (
	TypeInt64 AttrType = iota + 1
	TypeText
)

func (t AttrType) String() string {
	switch t {
	case TypeInt64:
		return "int64"
	case TypeText:
		return "text"
	default:
		return "AttrType(" + strconv.Itoa(int(t)) + ")"
	}
}

func (t AttrType) MarshalText() ([]byte, error) {
	if t != TypeInt64 && t != TypeText {
		return nil, fmt.Errorf("%w: unknown type %d", ErrBadDescriptor, t)
	}
	return []byte(t.String()), nil
}

func (t *AttrType) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "int64", "bigint", "int":
		*t = TypeInt64
	case "text", "string":
		*t = TypeText
	default:
		return fmt.Errorf("%w: unknown type %q", ErrBadDescriptor, b)
	}
	return nil
}

type Column struct {
	Name string   `json:"name"`
	Type AttrType `json:"type"`
}

// TupleDesc describes the columns of an index. The first NKeyAtts columns
// are key columns; the rest are INCLUDE columns carried in leaf tuples only.
type TupleDesc struct {
	Columns  []Column `json:"columns"`
	NKeyAtts int      `json:"nkeyatts"`
}

func (d TupleDesc) NAtts() int { return len(d.Columns) }

func (d TupleDesc) Validate() error {
	if len(d.Columns) == 0 {
		return fmt.Errorf("%w: no columns", ErrBadDescriptor)
	}
	if len(d.Columns) > infoNAttsMask {
		return fmt.Errorf("%w: too many columns (%d)", ErrBadDescriptor, len(d.Columns))
	}
	if d.NKeyAtts <= 0 || d.NKeyAtts > len(d.Columns) {
		return fmt.Errorf("%w: nkeyatts %d out of range [1,%d]", ErrBadDescriptor, d.NKeyAtts, len(d.Columns))
	}
	for i, c := range d.Columns {
		if c.Type != TypeInt64 && c.Type != TypeText {
			return fmt.Errorf("%w: column %d (%s) has type %s", ErrBadDescriptor, i, c.Name, c.Type)
		}
	}
	return nil
}

// IndexTuple layout:
//
//	tid block u32 | tid slot u16 | info u16 | [null bitmap] | attrs...
//
// info keeps the number of stored attributes in its low 12 bits and the
// has-nulls flag in bit 13. INT64 attributes take 8 bytes, TEXT attributes
// a u16 length followed by the bytes. Inner tuples keep the child block in
// the tid block field.
type IndexTuple []byte

const (
	tupleHeaderSize = 8
	infoNAttsMask   = 0x0fff
	infoHasNulls    = 0x2000
)

func (t IndexTuple) TID() heap.TID {
	return heap.TID{PageID: bx.U32(t[0:]), Slot: bx.U16(t[4:])}
}

func (t IndexTuple) setTID(tid heap.TID) {
	bx.PutU32(t[0:], tid.PageID)
	bx.PutU16(t[4:], tid.Slot)
}

func (t IndexTuple) downlink() uint32 { return bx.U32(t[0:]) }

func (t IndexTuple) info() uint16 { return bx.U16(t[6:]) }

func (t IndexTuple) NAtts() int { return int(t.info() & infoNAttsMask) }

func (t IndexTuple) HasNulls() bool { return t.info()&infoHasNulls != 0 }

// FormTuple encodes values (nil for NULL) as an index tuple pointing at tid.
func FormTuple(desc TupleDesc, values []any, tid heap.TID) (IndexTuple, error) {
	if len(values) != desc.NAtts() {
		return nil, fmt.Errorf("%w: got %d values for %d columns", ErrBadTuple, len(values), desc.NAtts())
	}
	return formTuple(desc, values, tid)
}

func formTuple(desc TupleDesc, values []any, tid heap.TID) (IndexTuple, error) {
	natts := len(values)
	info := uint16(natts)
	var bitmap []byte
	for i, v := range values {
		if v != nil {
			continue
		}
		if bitmap == nil {
			bitmap = make([]byte, (natts+7)/8)
			info |= infoHasNulls
		}
		bitmap[i/8] |= 1 << (i % 8)
	}

	buf := make([]byte, tupleHeaderSize, tupleHeaderSize+len(bitmap)+8*natts)
	bx.PutU16(buf[6:], info)
	buf = append(buf, bitmap...)
	for i, v := range values {
		if v == nil {
			continue
		}
		nv, err := normalizeValue(desc.Columns[i].Type, v)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", desc.Columns[i].Name, err)
		}
		switch x := nv.(type) {
		case int64:
			buf = bx.AppendI64(buf, x)
		case string:
			if len(x) > 0xffff {
				return nil, fmt.Errorf("%w: text value of %d bytes", ErrBadTuple, len(x))
			}
			buf = bx.AppendBytes16(buf, []byte(x))
		}
	}
	t := IndexTuple(buf)
	t.setTID(tid)
	return t, nil
}

func normalizeValue(typ AttrType, v any) (any, error) {
	switch typ {
	case TypeInt64:
		switch x := v.(type) {
		case int64:
			return x, nil
		case int:
			return int64(x), nil
		case int32:
			return int64(x), nil
		case uint32:
			return int64(x), nil
		}
	case TypeText:
		switch x := v.(type) {
		case string:
			return x, nil
		case []byte:
			return string(x), nil
		}
	}
	return nil, fmt.Errorf("%w: %T is not a valid %s value", ErrBadTuple, v, typ)
}

// Values decodes the stored attributes. NULLs come back as nil.
func (t IndexTuple) Values(desc TupleDesc) ([]any, error) {
	if len(t) < tupleHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadTuple, len(t))
	}
	natts := t.NAtts()
	if natts > desc.NAtts() {
		return nil, fmt.Errorf("%w: %d attributes for %d columns", ErrBadTuple, natts, desc.NAtts())
	}
	pos := tupleHeaderSize
	var bitmap []byte
	if t.HasNulls() {
		n := (natts + 7) / 8
		if len(t) < pos+n {
			return nil, fmt.Errorf("%w: truncated null bitmap", ErrBadTuple)
		}
		bitmap = t[pos : pos+n]
		pos += n
	}

	out := make([]any, natts)
	for i := range natts {
		if bitmap != nil && bitmap[i/8]&(1<<(i%8)) != 0 {
			continue
		}
		switch desc.Columns[i].Type {
		case TypeInt64:
			if len(t) < pos+8 {
				return nil, fmt.Errorf("%w: truncated int64 attribute %d", ErrBadTuple, i)
			}
			out[i] = bx.I64(t[pos:])
			pos += 8
		case TypeText:
			if len(t) < pos+2 {
				return nil, fmt.Errorf("%w: truncated text attribute %d", ErrBadTuple, i)
			}
			n := int(bx.U16(t[pos:]))
			pos += 2
			if len(t) < pos+n {
				return nil, fmt.Errorf("%w: truncated text attribute %d", ErrBadTuple, i)
			}
			out[i] = string(t[pos : pos+n])
			pos += n
		}
	}
	return out, nil
}

// minusInfinity is the header-only tuple stored as the first data item of
// an inner page. It sorts below every key.
func minusInfinity(child uint32) IndexTuple {
	t := make(IndexTuple, tupleHeaderSize)
	t.setTID(heap.TID{PageID: child})
	return t
}

// withDownlink copies t and points the copy at child.
func withDownlink(t IndexTuple, child uint32) IndexTuple {
	c := IndexTuple(slices.Clone(t))
	c.setTID(heap.TID{PageID: child})
	return c
}

// truncateTuple keeps only the first keep attributes of t.
func truncateTuple(desc TupleDesc, t IndexTuple, keep int) (IndexTuple, error) {
	if t.NAtts() <= keep {
		return IndexTuple(slices.Clone(t)), nil
	}
	vals, err := t.Values(desc)
	if err != nil {
		return nil, err
	}
	return formTuple(desc, vals[:keep], t.TID())
}

// describeKey renders key columns and values as (a, b)=(1, x).
func describeKey(desc TupleDesc, vals []any) string {
	var names, parts []string
	for i := 0; i < desc.NKeyAtts && i < len(vals); i++ {
		names = append(names, desc.Columns[i].Name)
		if vals[i] == nil {
			parts = append(parts, "null")
			continue
		}
		parts = append(parts, fmt.Sprint(vals[i]))
	}
	return "(" + strings.Join(names, ", ") + ")=(" + strings.Join(parts, ", ") + ")"
}
