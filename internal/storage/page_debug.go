package storage

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
)

type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) Fprintf(format string, a ...any) {
	if e.err != nil {
		return
	}
	_, e.err = fmt.Fprintf(e.w, format, a...)
}

func (e *errWriter) Fprintln(a ...any) {
	if e.err != nil {
		return
	}
	_, e.err = fmt.Fprintln(e.w, a...)
}

func slotFlagName(f uint16) string {
	switch f {
	case SlotFlagNormal:
		return "NORMAL"
	case SlotFlagDead:
		return "DEAD"
	default:
		return fmt.Sprintf("UNKNOWN(0x%04x)", f)
	}
}

// Debug prints header, line pointers, and item previews to the writer.
func (p *Page) Debug(w io.Writer) error {
	ew := &errWriter{w: w}

	ew.Fprintf("=== Page Debug ===\n")
	ew.Fprintf("pageID=%d lsn=%d flags=0x%04x lower=%d upper=%d special=%d\n",
		p.PageID(), p.LSN(), p.Flags(), p.lower(), p.upper(), p.special())
	ew.Fprintf("pageSize=%d freeSpace=%d numSlots=%d specialSize=%d\n",
		p.Size(), p.FreeSpace(), p.NumSlots(), p.SpecialSize())

	ew.Fprintln("\n-- Items --")
	if p.NumSlots() == 0 {
		ew.Fprintln("(none)")
	}
	const maxPreview = 24
	for i := 0; i < p.NumSlots() && ew.err == nil; i++ {
		s, err := p.getSlot(i)
		if err != nil {
			ew.Fprintf("[%d] <error: %v>\n", i, err)
			continue
		}
		data, err := p.Item(i)
		if err != nil {
			ew.Fprintf("[%d] flags=%s off=%d len=%d <error: %v>\n",
				i, slotFlagName(s.Flags), s.Offset, s.Length, err)
			continue
		}
		preview := data
		if len(preview) > maxPreview {
			preview = preview[:maxPreview]
		}
		ew.Fprintf("[%d] flags=%s off=%d len=%d hex=%s\n",
			i, slotFlagName(s.Flags), s.Offset, s.Length, hex.EncodeToString(preview))
	}

	ew.Fprintf("\n-- Special --\n%s\n", hex.EncodeToString(p.Special()))
	ew.Fprintln("=== End Page Debug ===")
	return ew.err
}

func (p *Page) DebugString() string {
	var b bytes.Buffer
	if err := p.Debug(&b); err != nil {
		_, _ = b.WriteString("\n<debug write error: " + err.Error() + ">\n")
	}
	return b.String()
}
