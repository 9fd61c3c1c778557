// Package metrics exports index insertion events to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tuannm99/novaidx/internal/btree"
)

// Collector owns the metric vectors shared by every index. Use For to get
// the observer of one index.
type Collector struct {
	inserts          *prometheus.CounterVec
	insertLatency    *prometheus.HistogramVec
	splits           *prometheus.CounterVec
	newRoots         *prometheus.CounterVec
	treeLevel        *prometheus.GaugeVec
	splitRepairs     *prometheus.CounterVec
	uniqueWaits      *prometheus.CounterVec
	uniqueViolations *prometheus.CounterVec
	deadReclaimed    *prometheus.CounterVec
	moveRights       *prometheus.CounterVec
}

// NewCollector builds the vectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		inserts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "novaidx_inserts_total",
			Help: "Index insertions by leaf lookup path",
		}, []string{"index", "path"}),
		insertLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "novaidx_insert_duration_seconds",
			Help:    "Latency of index insertions",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 10),
		}, []string{"index", "status"}),
		splits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "novaidx_page_splits_total",
			Help: "Page splits by tree level",
		}, []string{"index", "level"}),
		newRoots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "novaidx_new_roots_total",
			Help: "Root splits that grew the tree",
		}, []string{"index"}),
		treeLevel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "novaidx_root_level",
			Help: "Level of the root page after the last root split",
		}, []string{"index"}),
		splitRepairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "novaidx_split_repairs_total",
			Help: "Interrupted splits finished by a later insertion",
		}, []string{"index"}),
		uniqueWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "novaidx_unique_waits_total",
			Help: "Waits on in-progress transactions during unique checks",
		}, []string{"index"}),
		uniqueViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "novaidx_unique_violations_total",
			Help: "Insertions rejected as duplicates",
		}, []string{"index"}),
		deadReclaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "novaidx_dead_items_reclaimed_total",
			Help: "Dead leaf items removed to avoid a split",
		}, []string{"index"}),
		moveRights: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "novaidx_move_rights_total",
			Help: "Steps to a right sibling during descent or placement",
		}, []string{"index"}),
	}
	if reg != nil {
		reg.MustRegister(
			c.inserts, c.insertLatency, c.splits, c.newRoots, c.treeLevel,
			c.splitRepairs, c.uniqueWaits, c.uniqueViolations, c.deadReclaimed, c.moveRights,
		)
	}
	return c
}

// For returns the observer of one index.
func (c *Collector) For(index string) *IndexObserver {
	return &IndexObserver{c: c, index: index}
}

// Forget drops the series of a dropped index.
func (c *Collector) Forget(index string) {
	l := prometheus.Labels{"index": index}
	for _, v := range []*prometheus.MetricVec{
		c.inserts.MetricVec, c.insertLatency.MetricVec, c.splits.MetricVec,
		c.newRoots.MetricVec, c.treeLevel.MetricVec, c.splitRepairs.MetricVec,
		c.uniqueWaits.MetricVec, c.uniqueViolations.MetricVec,
		c.deadReclaimed.MetricVec, c.moveRights.MetricVec,
	} {
		v.DeletePartialMatch(l)
	}
}

// IndexObserver implements btree.Observer for one index.
type IndexObserver struct {
	c     *Collector
	index string
}

var _ btree.Observer = (*IndexObserver)(nil)

func (o *IndexObserver) ObserveInsert(fastpath bool) {
	path := "descent"
	if fastpath {
		path = "fastpath"
	}
	o.c.inserts.WithLabelValues(o.index, path).Inc()
}

func (o *IndexObserver) ObserveSplit(level uint32) {
	lvl := "inner"
	if level == 0 {
		lvl = "leaf"
	}
	o.c.splits.WithLabelValues(o.index, lvl).Inc()
}

func (o *IndexObserver) ObserveNewRoot(level uint32) {
	o.c.newRoots.WithLabelValues(o.index).Inc()
	o.c.treeLevel.WithLabelValues(o.index).Set(float64(level))
}

func (o *IndexObserver) ObserveSplitRepair() {
	o.c.splitRepairs.WithLabelValues(o.index).Inc()
}

func (o *IndexObserver) ObserveUniqueWait() {
	o.c.uniqueWaits.WithLabelValues(o.index).Inc()
}

func (o *IndexObserver) ObserveUniqueViolation() {
	o.c.uniqueViolations.WithLabelValues(o.index).Inc()
}

func (o *IndexObserver) ObserveDeadItemsReclaimed(n int) {
	o.c.deadReclaimed.WithLabelValues(o.index).Add(float64(n))
}

func (o *IndexObserver) ObserveMoveRight() {
	o.c.moveRights.WithLabelValues(o.index).Inc()
}

// ObserveInsertDuration records the latency of one insertion call. It is
// fed by the caller, the index itself does not time anything.
func (o *IndexObserver) ObserveInsertDuration(d time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	o.c.insertLatency.WithLabelValues(o.index, status).Observe(d.Seconds())
}
