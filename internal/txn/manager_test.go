package txn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestManager_Lifecycle(t *testing.T) {
	m := NewManager()
	a := m.Begin()
	b := m.Begin()
	require.NotEqual(t, a, b)
	require.Equal(t, StatusInProgress, m.Status(a))

	require.NoError(t, m.Commit(a))
	require.Equal(t, StatusCommitted, m.Status(a))
	require.ErrorIs(t, m.Abort(a), ErrAlreadyEnded)

	require.NoError(t, m.Abort(b))
	require.Equal(t, StatusAborted, m.Status(b))

	require.ErrorIs(t, m.Commit(99), ErrUnknownXID)
	require.Equal(t, StatusUnknown, m.Status(99))
}

func TestManager_WaitBlocksUntilEnd(t *testing.T) {
	m := NewManager()
	x := m.Begin()

	done := make(chan struct{})
	go func() {
		m.Wait(x)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("wait returned before commit")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, m.Commit(x))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("wait did not return after commit")
	}

	// ended and unknown transactions do not block
	m.Wait(x)
	m.Wait(12345)
}

func TestManager_EndedTransactionsAreCompacted(t *testing.T) {
	m := NewManager()
	var committed, aborted []XID
	for i := range 1000 {
		x := m.Begin()
		if i%3 == 0 {
			require.NoError(t, m.Abort(x))
			aborted = append(aborted, x)
		} else {
			require.NoError(t, m.Commit(x))
			committed = append(committed, x)
		}
	}
	running := m.Begin()

	require.Len(t, m.active, 1)
	require.Equal(t, uint64(len(aborted)), m.aborted.GetCardinality())

	for _, x := range committed {
		require.Equal(t, StatusCommitted, m.Status(x))
	}
	for _, x := range aborted {
		require.Equal(t, StatusAborted, m.Status(x))
	}
	require.Equal(t, StatusInProgress, m.Status(running))
	require.ErrorIs(t, m.Commit(aborted[0]), ErrAlreadyEnded)
	require.Equal(t, StatusUnknown, m.Status(InvalidXID))
	require.Equal(t, StatusUnknown, m.Status(running+1))
}
