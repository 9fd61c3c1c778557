package txn

import (
	"errors"
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
)

// XID identifies a transaction. Zero is invalid.
type XID uint64

const InvalidXID XID = 0

type Status uint8

const (
	StatusUnknown Status = iota
	StatusInProgress
	StatusCommitted
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusInProgress:
		return "in-progress"
	case StatusCommitted:
		return "committed"
	case StatusAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

var (
	ErrUnknownXID   = errors.New("txn: unknown transaction")
	ErrAlreadyEnded = errors.New("txn: transaction already ended")
)

// Manager is the transaction status oracle: it hands out XIDs, records
// commit/abort and lets callers block until a transaction ends.
//
// Only running transactions keep per-transaction state. XIDs are handed out
// in order, so an ended XID below next is committed unless the aborted
// bitmap holds it.
type Manager struct {
	mu      sync.Mutex
	next    XID
	active  map[XID]chan struct{}
	aborted *roaring64.Bitmap
}

func NewManager() *Manager {
	return &Manager{
		next:    1,
		active:  make(map[XID]chan struct{}),
		aborted: roaring64.New(),
	}
}

// Begin starts a transaction.
func (m *Manager) Begin() XID {
	m.mu.Lock()
	defer m.mu.Unlock()
	xid := m.next
	m.next++
	m.active[xid] = make(chan struct{})
	return xid
}

func (m *Manager) Commit(xid XID) error {
	return m.end(xid, StatusCommitted)
}

func (m *Manager) Abort(xid XID) error {
	return m.end(xid, StatusAborted)
}

func (m *Manager) end(xid XID, to Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	done, ok := m.active[xid]
	if !ok {
		if st := m.statusLocked(xid); st != StatusUnknown {
			return fmt.Errorf("%w: %d is %s", ErrAlreadyEnded, xid, st)
		}
		return fmt.Errorf("%w: %d", ErrUnknownXID, xid)
	}
	delete(m.active, xid)
	if to == StatusAborted {
		m.aborted.Add(uint64(xid))
	}
	close(done)
	return nil
}

// Status returns the state of xid. Unknown XIDs report StatusUnknown.
func (m *Manager) Status(xid XID) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked(xid)
}

func (m *Manager) statusLocked(xid XID) Status {
	switch {
	case xid == InvalidXID || xid >= m.next:
		return StatusUnknown
	case m.active[xid] != nil:
		return StatusInProgress
	case m.aborted.Contains(uint64(xid)):
		return StatusAborted
	default:
		return StatusCommitted
	}
}

// Wait blocks until xid commits or aborts. It returns at once for ended
// or unknown transactions.
func (m *Manager) Wait(xid XID) {
	m.mu.Lock()
	done, ok := m.active[xid]
	m.mu.Unlock()
	if !ok {
		return
	}
	<-done
}
