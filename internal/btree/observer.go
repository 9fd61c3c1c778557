package btree

// Observer receives insertion-path events. Implementations must be safe
// for concurrent use.
type Observer interface {
	ObserveInsert(fastpath bool)
	ObserveSplit(level uint32)
	ObserveNewRoot(level uint32)
	ObserveSplitRepair()
	ObserveUniqueWait()
	ObserveUniqueViolation()
	ObserveDeadItemsReclaimed(n int)
	ObserveMoveRight()
}

type NoopObserver struct{}

func (NoopObserver) ObserveInsert(bool)            {}
func (NoopObserver) ObserveSplit(uint32)           {}
func (NoopObserver) ObserveNewRoot(uint32)         {}
func (NoopObserver) ObserveSplitRepair()           {}
func (NoopObserver) ObserveUniqueWait()            {}
func (NoopObserver) ObserveUniqueViolation()       {}
func (NoopObserver) ObserveDeadItemsReclaimed(int) {}
func (NoopObserver) ObserveMoveRight()             {}
