package storage

import (
	"math"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Counters are the running operation totals of a store. One set is owned
// by the store and shared by all of its shards.
type Counters struct {
	created          atomic.Int64
	read             atomic.Int64
	updatedInPlace   atomic.Int64
	updatedCreated   atomic.Int64
	deleted          atomic.Int64
	bytesExtant      atomic.Int64
	leavesRotated    atomic.Int64
	flushes          atomic.Int64
	corruptionErrors atomic.Int64
}

// Stats is a point in time copy of the counters.
type Stats struct {
	Created        int64 // Distinct records created, net of superseding updates
	Read           int64
	UpdatedInPlace int64
	UpdatedCreated int64 // Updates written as a new record
	Deleted        int64
	BytesExtant    int64 // Bytes of record data written by creates
	LeavesRotated  int64
	Flushes        int64
	Corruptions    int64
}

// Fragmentation is the share of written records that have since been
// deleted or superseded, as a percentage. It is NaN before anything has
// been created.
func (s Stats) Fragmentation() float64 {
	written := s.Created + s.UpdatedCreated
	if written == 0 {
		return math.NaN()
	}
	return float64(s.Deleted+s.UpdatedCreated) * 100 / float64(written)
}

// Snapshot copies the counters.
func (c *Counters) Snapshot() Stats {
	return Stats{
		Created:        c.created.Load() - c.updatedCreated.Load(),
		Read:           c.read.Load(),
		UpdatedInPlace: c.updatedInPlace.Load(),
		UpdatedCreated: c.updatedCreated.Load(),
		Deleted:        c.deleted.Load(),
		BytesExtant:    c.bytesExtant.Load(),
		LeavesRotated:  c.leavesRotated.Load(),
		Flushes:        c.flushes.Load(),
		Corruptions:    c.corruptionErrors.Load(),
	}
}

// statsCollector exports a store's counters to prometheus.
type statsCollector struct {
	counters       *Counters
	falsePositives func() int64

	created       *prometheus.Desc
	read          *prometheus.Desc
	updated       *prometheus.Desc
	deleted       *prometheus.Desc
	bytesExtant   *prometheus.Desc
	leavesRotated *prometheus.Desc
	flushes       *prometheus.Desc
	corruptions   *prometheus.Desc
	fragmentation *prometheus.Desc
	falsePositive *prometheus.Desc
}

func newStatsCollector(c *Counters, falsePositives func() int64, storeID string) *statsCollector {
	labels := prometheus.Labels{"store": storeID}
	desc := func(name, help string, variable ...string) *prometheus.Desc {
		return prometheus.NewDesc("bloomfile_"+name, help, variable, labels)
	}
	return &statsCollector{
		counters:       c,
		falsePositives: falsePositives,
		created:        desc("records_created_total", "Records created, net of superseding updates"),
		read:           desc("records_read_total", "Records read, tombstones included"),
		updated:        desc("records_updated_total", "Records updated", "mode"),
		deleted:        desc("records_deleted_total", "Records deleted"),
		bytesExtant:    desc("record_bytes_written_total", "Bytes of record data written by creates"),
		leavesRotated:  desc("leaves_rotated_total", "Record blocks sealed because they were full"),
		flushes:        desc("flushes_total", "Completed store flushes"),
		corruptions:    desc("corruption_errors_total", "Operations that failed on corrupt data"),
		fragmentation:  desc("fragmentation_percent", "Share of created records since deleted or superseded"),
		falsePositive:  desc("leaf_false_positives", "Leaf filter matches that did not hold the key"),
	}
}

func (s *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- s.created
	ch <- s.read
	ch <- s.updated
	ch <- s.deleted
	ch <- s.bytesExtant
	ch <- s.leavesRotated
	ch <- s.flushes
	ch <- s.corruptions
	ch <- s.fragmentation
	ch <- s.falsePositive
}

func (s *statsCollector) Collect(ch chan<- prometheus.Metric) {
	st := s.counters.Snapshot()
	counter := func(d *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	counter(s.created, st.Created)
	counter(s.read, st.Read)
	counter(s.updated, st.UpdatedInPlace, "in_place")
	counter(s.updated, st.UpdatedCreated, "created")
	counter(s.deleted, st.Deleted)
	counter(s.bytesExtant, st.BytesExtant)
	counter(s.leavesRotated, st.LeavesRotated)
	counter(s.flushes, st.Flushes)
	counter(s.corruptions, st.Corruptions)

	frag := st.Fragmentation()
	if math.IsNaN(frag) {
		frag = 0
	}
	ch <- prometheus.MustNewConstMetric(s.fragmentation, prometheus.GaugeValue, frag)
	ch <- prometheus.MustNewConstMetric(s.falsePositive, prometheus.GaugeValue, float64(s.falsePositives()))
}
