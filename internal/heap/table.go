package heap

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/tuannm99/novaidx/internal/txn"
)

const DefaultSlotsPerPage = 256

var (
	ErrBadTID           = errors.New("heap: tid does not name a row version")
	ErrAlreadyDeleted   = errors.New("heap: row already deleted")
	ErrConcurrentUpdate = errors.New("heap: row is being modified by another transaction")
)

// Version is one row version. Versions produced by HotUpdate are chained
// through Next so an index entry pointing at the chain head can reach the
// newest version.
type Version struct {
	Xmin    txn.XID
	Xmax    txn.XID
	Row     []any
	Next    TID
	HasNext bool
}

// DirtyResult is the outcome of walking a version chain with a dirty
// snapshot: committed and in-progress changes both count as visible.
type DirtyResult struct {
	// Found is set when a version of the chain is visible.
	Found bool
	// AllDead is set when every version of the chain is dead to all
	// transactions.
	AllDead bool
	// Xmin is the in-progress inserter of the visible version, if any.
	Xmin txn.XID
	// Xmax is the in-progress deleter of the visible version, if any.
	Xmax txn.XID
	// TID is the visible member of the chain.
	TID TID
}

// Table is an in-memory multi-version row store. Row ids are handed out
// sequentially and packed slotsPerPage to a page.
//
// Pages below base belong to an earlier incarnation of the table whose
// versions were not kept. Their rows are frozen: committed and live.
type Table struct {
	Name string

	txns         *txn.Manager
	slotsPerPage uint32
	base         uint32

	mu       sync.RWMutex
	versions []*Version
}

func NewTable(name string, txns *txn.Manager) *Table {
	return NewTableFrom(name, txns, 0)
}

// NewTableFrom reopens a table whose earlier rows live on pages below base.
// New rows get ids from base on, so they never collide with ids already
// stored in an index.
func NewTableFrom(name string, txns *txn.Manager, base uint32) *Table {
	return &Table{Name: name, txns: txns, slotsPerPage: DefaultSlotsPerPage, base: base}
}

func (t *Table) tidOf(i int) TID {
	return TID{PageID: t.base + uint32(i)/t.slotsPerPage, Slot: uint16(uint32(i) % t.slotsPerPage)}
}

func (t *Table) indexOf(tid TID) (int, bool) {
	if !tid.Valid() || uint32(tid.Slot) >= t.slotsPerPage || tid.PageID < t.base {
		return 0, false
	}
	i := int((tid.PageID-t.base)*t.slotsPerPage + uint32(tid.Slot))
	return i, i < len(t.versions)
}

func (t *Table) frozen(tid TID) bool {
	return tid.Valid() && tid.PageID < t.base && uint32(tid.Slot) < t.slotsPerPage
}

// NextPage returns the first page no row has been placed on. Passing it to
// NewTableFrom after a restart keeps row ids unique.
func (t *Table) NextPage() uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := uint32(len(t.versions))
	return t.base + (n+t.slotsPerPage-1)/t.slotsPerPage
}

func (t *Table) getLocked(tid TID) (*Version, error) {
	i, ok := t.indexOf(tid)
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s", ErrBadTID, tid, t.Name)
	}
	return t.versions[i], nil
}

func (t *Table) appendLocked(v *Version) TID {
	t.versions = append(t.versions, v)
	return t.tidOf(len(t.versions) - 1)
}

// Insert stores a new row created by xid.
func (t *Table) Insert(xid txn.XID, row []any) TID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.appendLocked(&Version{Xmin: xid, Row: slices.Clone(row)})
}

// markDeletedLocked stamps xmax on v after checking for conflicting
// deleters.
func (t *Table) markDeletedLocked(xid txn.XID, v *Version) error {
	if v.Xmax != txn.InvalidXID {
		switch t.txns.Status(v.Xmax) {
		case txn.StatusInProgress:
			if v.Xmax != xid {
				return ErrConcurrentUpdate
			}
			return ErrAlreadyDeleted
		case txn.StatusCommitted:
			return ErrAlreadyDeleted
		}
	}
	v.Xmax = xid
	return nil
}

// Delete marks the row deleted by xid.
func (t *Table) Delete(xid txn.XID, tid TID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, err := t.getLocked(tid)
	if err != nil {
		return err
	}
	return t.markDeletedLocked(xid, v)
}

// HotUpdate deletes the version at tid and chains a new version holding
// row behind it. Index entries that point at tid keep reaching the row.
func (t *Table) HotUpdate(xid txn.XID, tid TID, row []any) (TID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, err := t.getLocked(tid)
	if err != nil {
		return InvalidTID, err
	}
	if err := t.markDeletedLocked(xid, v); err != nil {
		return InvalidTID, err
	}
	next := t.appendLocked(&Version{Xmin: xid, Row: slices.Clone(row)})
	v.Next, v.HasNext = next, true
	return next, nil
}

// Fetch returns a copy of the version at tid.
func (t *Table) Fetch(tid TID) (Version, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, err := t.getLocked(tid)
	if err != nil {
		return Version{}, err
	}
	out := *v
	out.Row = slices.Clone(v.Row)
	return out, nil
}

// Len returns the number of stored versions.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.versions)
}

// deadToAll reports whether no transaction can ever see v again.
func (t *Table) deadToAll(v *Version) bool {
	if t.txns.Status(v.Xmin) == txn.StatusAborted {
		return true
	}
	return v.Xmax != txn.InvalidXID && t.txns.Status(v.Xmax) == txn.StatusCommitted
}

// HotSearchDirty follows the version chain starting at tid and reports the
// first version visible to a dirty snapshot taken by the transaction that
// created self. That transaction's own changes never count as in progress.
func (t *Table) HotSearchDirty(tid, self TID) (DirtyResult, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var me txn.XID
	if sv, err := t.getLocked(self); err == nil {
		me = sv.Xmin
	}

	res := DirtyResult{AllDead: true}
	cur := tid
	for hops := 0; ; hops++ {
		if hops > len(t.versions) {
			return DirtyResult{}, fmt.Errorf("%w: version chain loop at %s", ErrBadTID, cur)
		}
		if t.frozen(cur) {
			return DirtyResult{Found: true, TID: cur}, nil
		}
		v, err := t.getLocked(cur)
		if err != nil {
			return DirtyResult{}, err
		}
		if visible, xmin, xmax := t.dirtyVisible(v, me); visible {
			return DirtyResult{Found: true, Xmin: xmin, Xmax: xmax, TID: cur}, nil
		}
		if !t.deadToAll(v) {
			res.AllDead = false
		}
		if !v.HasNext {
			return res, nil
		}
		cur = v.Next
	}
}

// dirtyVisible applies dirty snapshot rules. In-progress inserters and
// deleters other than me are reported so the caller can wait on them.
func (t *Table) dirtyVisible(v *Version, me txn.XID) (bool, txn.XID, txn.XID) {
	var waitXmin, waitXmax txn.XID

	switch t.txns.Status(v.Xmin) {
	case txn.StatusAborted, txn.StatusUnknown:
		return false, 0, 0
	case txn.StatusInProgress:
		if v.Xmin != me {
			waitXmin = v.Xmin
		}
	}

	if v.Xmax == txn.InvalidXID {
		return true, waitXmin, 0
	}
	switch t.txns.Status(v.Xmax) {
	case txn.StatusCommitted:
		return false, 0, 0
	case txn.StatusInProgress:
		if v.Xmax == me {
			return false, 0, 0
		}
		waitXmax = v.Xmax
	}
	return true, waitXmin, waitXmax
}

// IsSelfLive reports whether the version at self is still live for the
// transaction that created it.
func (t *Table) IsSelfLive(self TID) (bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.frozen(self) {
		return true, nil
	}
	v, err := t.getLocked(self)
	if err != nil {
		return false, err
	}
	if t.txns.Status(v.Xmin) == txn.StatusAborted {
		return false, nil
	}
	if v.Xmax == txn.InvalidXID {
		return true, nil
	}
	return v.Xmax != v.Xmin && t.txns.Status(v.Xmax) != txn.StatusCommitted, nil
}
