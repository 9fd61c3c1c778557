package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestIndexObserver_Counts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	obs := c.For("users_pkey")

	obs.ObserveInsert(true)
	obs.ObserveInsert(true)
	obs.ObserveInsert(false)
	obs.ObserveSplit(0)
	obs.ObserveSplit(1)
	obs.ObserveNewRoot(2)
	obs.ObserveSplitRepair()
	obs.ObserveUniqueWait()
	obs.ObserveUniqueViolation()
	obs.ObserveDeadItemsReclaimed(5)
	obs.ObserveMoveRight()

	require.Equal(t, 2.0, testutil.ToFloat64(c.inserts.WithLabelValues("users_pkey", "fastpath")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.inserts.WithLabelValues("users_pkey", "descent")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.splits.WithLabelValues("users_pkey", "leaf")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.splits.WithLabelValues("users_pkey", "inner")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.newRoots.WithLabelValues("users_pkey")))
	require.Equal(t, 2.0, testutil.ToFloat64(c.treeLevel.WithLabelValues("users_pkey")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.splitRepairs.WithLabelValues("users_pkey")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.uniqueWaits.WithLabelValues("users_pkey")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.uniqueViolations.WithLabelValues("users_pkey")))
	require.Equal(t, 5.0, testutil.ToFloat64(c.deadReclaimed.WithLabelValues("users_pkey")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.moveRights.WithLabelValues("users_pkey")))
}

func TestIndexObserver_InsertDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	obs := c.For("orders_pkey")

	obs.ObserveInsertDuration(3*time.Microsecond, nil)
	obs.ObserveInsertDuration(time.Millisecond, errors.New("duplicate"))

	require.Equal(t, 2, testutil.CollectAndCount(c.insertLatency, "novaidx_insert_duration_seconds"))
}

func TestCollector_Forget(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.For("a").ObserveMoveRight()
	c.For("b").ObserveMoveRight()
	c.For("a").ObserveSplit(0)

	c.Forget("a")
	require.Equal(t, 1, testutil.CollectAndCount(c.moveRights))
	require.Equal(t, 0, testutil.CollectAndCount(c.splits))
}

func TestNewCollector_Registers(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)
	require.Panics(t, func() { NewCollector(reg) })
	require.NotPanics(t, func() { NewCollector(nil) })
}
