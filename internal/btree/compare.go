package btree

import (
	"cmp"
	"strings"

	"github.com/tuannm99/novaidx/internal/storage"
)

// scanKey holds the decoded key columns of the tuple being inserted.
type scanKey struct {
	vals     []any
	keysz    int
	hasNulls bool
}

func (ix *Index) makeScanKey(itup IndexTuple) (*scanKey, error) {
	vals, err := itup.Values(ix.desc)
	if err != nil {
		return nil, err
	}
	keysz := min(ix.desc.NKeyAtts, len(vals))
	sk := &scanKey{vals: vals[:keysz], keysz: keysz}
	for _, v := range sk.vals {
		if v == nil {
			sk.hasNulls = true
		}
	}
	return sk, nil
}

// compareValues orders two column values. NULL sorts after everything.
func compareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	switch x := a.(type) {
	case int64:
		if y, ok := b.(int64); ok {
			return cmp.Compare(x, y)
		}
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y)
		}
	}
	return 0
}

// compare returns the sign of key minus the item at off. The first data
// item of an inner page is minus infinity, so every key is greater.
func (ix *Index) compare(key *scanKey, p *storage.Page, off int) (int, error) {
	o := opaqueOf(p)
	if !o.isLeaf() && off == o.firstDataKey() {
		return 1, nil
	}
	item, err := p.Item(off)
	if err != nil {
		return 0, err
	}
	vals, err := IndexTuple(item).Values(ix.desc)
	if err != nil {
		return 0, err
	}
	n := min(key.keysz, len(vals))
	for i := range n {
		if r := compareValues(key.vals[i], vals[i]); r != 0 {
			return r, nil
		}
	}
	return 0, nil
}

// isEqual reports whether the leaf item at off has the same key. NULL is
// never equal to anything.
func (ix *Index) isEqual(key *scanKey, p *storage.Page, off int) (bool, error) {
	if key.hasNulls {
		return false, nil
	}
	item, err := p.Item(off)
	if err != nil {
		return false, err
	}
	vals, err := IndexTuple(item).Values(ix.desc)
	if err != nil {
		return false, err
	}
	if len(vals) < key.keysz {
		return false, nil
	}
	for i := range key.keysz {
		if vals[i] == nil || compareValues(key.vals[i], vals[i]) != 0 {
			return false, nil
		}
	}
	return true, nil
}

// binsrch finds the first item whose key is >= key (> key when nextkey).
// On a leaf it returns that offset, which may be one past the last item.
// On an inner page it returns the offset of the downlink to follow.
func (ix *Index) binsrch(key *scanKey, p *storage.Page, nextkey bool) (int, error) {
	o := opaqueOf(p)
	low := o.firstDataKey()
	high := maxOff(p)
	if high < low {
		return low, nil
	}
	high++

	cmpval := 1
	if nextkey {
		cmpval = 0
	}
	for high > low {
		mid := low + (high-low)/2
		r, err := ix.compare(key, p, mid)
		if err != nil {
			return 0, err
		}
		if r >= cmpval {
			low = mid + 1
		} else {
			high = mid
		}
	}
	if o.isLeaf() {
		return low, nil
	}
	return low - 1, nil
}
