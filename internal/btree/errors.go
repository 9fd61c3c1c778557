package btree

import (
	"errors"
	"fmt"
)

var (
	ErrUniqueViolation  = errors.New("btree: duplicate key value violates unique constraint")
	ErrIndexCorrupted   = errors.New("btree: index corrupted")
	ErrItemTooLarge     = errors.New("btree: index row size exceeds maximum")
	ErrIncompleteSplit  = errors.New("btree: cannot insert to incompletely split page")
	ErrBadDescriptor    = errors.New("btree: invalid tuple descriptor")
	ErrBadTuple         = errors.New("btree: invalid index tuple")
	ErrIndexExists      = errors.New("btree: index already initialized")
	ErrNotIndex         = errors.New("btree: relation is not a btree index")
	ErrNoLivenessSource = errors.New("btree: unique check needs a liveness checker")
)

// UniqueViolationError reports a committed live duplicate of the key being
// inserted.
type UniqueViolationError struct {
	Index string
	Key   string // e.g. (id, name)=(1, bob)
}

func (e *UniqueViolationError) Error() string {
	return fmt.Sprintf("duplicate key value violates unique constraint %q: Key %s already exists", e.Index, e.Key)
}

func (e *UniqueViolationError) Unwrap() error { return ErrUniqueViolation }

// CorruptionError reports a structural inconsistency found on a page.
type CorruptionError struct {
	Index string
	Block uint32
	Msg   string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("btree: index %q block %d: %s", e.Index, e.Block, e.Msg)
}

func (e *CorruptionError) Unwrap() error { return ErrIndexCorrupted }

// ItemTooLargeError is returned before any page is touched when a tuple can
// never fit on a page.
type ItemTooLargeError struct {
	Index string
	Size  int
	Max   int
}

func (e *ItemTooLargeError) Error() string {
	return fmt.Sprintf("btree: index row size %d exceeds maximum %d for index %q", e.Size, e.Max, e.Index)
}

func (e *ItemTooLargeError) Unwrap() error { return ErrItemTooLarge }

// CriticalError is the panic value raised when a change that already
// touched shared pages cannot be completed. The pages in memory no longer
// match the log, so the process must not continue.
type CriticalError struct {
	Index string
	Op    string
	Err   error
}

func (e *CriticalError) Error() string {
	return fmt.Sprintf("btree: critical failure in %s on index %q: %v", e.Op, e.Index, e.Err)
}

func (e *CriticalError) Unwrap() error { return e.Err }

func (ix *Index) corrupt(blk uint32, format string, args ...any) error {
	return &CorruptionError{Index: ix.name, Block: blk, Msg: fmt.Sprintf(format, args...)}
}
