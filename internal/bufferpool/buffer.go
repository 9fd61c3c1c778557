package bufferpool

import (
	"fmt"

	"github.com/tuannm99/novaidx/internal/storage"
)

// LockMode is the content latch held through a Buffer.
type LockMode int

const (
	LockNone LockMode = iota
	LockShare
	LockExclusive
)

func (m LockMode) String() string {
	switch m {
	case LockNone:
		return "none"
	case LockShare:
		return "share"
	case LockExclusive:
		return "exclusive"
	default:
		return fmt.Sprintf("LockMode(%d)", int(m))
	}
}

// Buffer is one pin on a cached page, owned by a single goroutine. The pin
// keeps the frame resident; the latch taken through Lock guards the bytes.
type Buffer struct {
	pool     *GlobalPool
	f        *frame
	blk      uint32
	mode     LockMode
	released bool
}

func (b *Buffer) BlockNumber() uint32 { return b.blk }

// Page returns the cached page. Callers must hold a latch to read or write it.
func (b *Buffer) Page() *storage.Page { return b.f.page }

// Mode reports the latch currently held through this handle.
func (b *Buffer) Mode() LockMode { return b.mode }

// Lock acquires the content latch in the given mode. The handle must not
// already hold a latch.
func (b *Buffer) Lock(mode LockMode) {
	if b.released {
		panic(ErrBufferReleased)
	}
	if b.mode != LockNone {
		panic(fmt.Sprintf("bufferpool: page %d already latched in %s mode", b.blk, b.mode))
	}
	switch mode {
	case LockShare:
		b.f.latch.RLock()
	case LockExclusive:
		b.f.latch.Lock()
	default:
		return
	}
	b.mode = mode
}

// ConditionalLock tries to take the exclusive latch without blocking.
func (b *Buffer) ConditionalLock() bool {
	if b.released || b.mode != LockNone {
		return false
	}
	if !b.f.latch.TryLock() {
		return false
	}
	b.mode = LockExclusive
	return true
}

// Unlock drops the latch but keeps the pin.
func (b *Buffer) Unlock() {
	switch b.mode {
	case LockShare:
		b.f.latch.RUnlock()
	case LockExclusive:
		b.f.latch.Unlock()
	default:
		panic(ErrUnknownLockState)
	}
	b.mode = LockNone
}

// MarkDirty flags the page for write-back. The caller holds the exclusive
// latch.
func (b *Buffer) MarkDirty() {
	b.f.dirty.Store(true)
}

// Release drops any latch held and then the pin. It is safe to call more
// than once.
func (b *Buffer) Release() {
	if b == nil || b.released {
		return
	}
	if b.mode != LockNone {
		b.Unlock()
	}
	b.released = true
	b.pool.unpin(b.f)
}

// Released reports whether Release has been called.
func (b *Buffer) Released() bool { return b.released }
