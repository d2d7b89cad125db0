package boardsync

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drpcorg/boardsync/utils"
)

// Metrics counts what the batchers do. Counters are atomics so the
// hot paths never block on the metrics registry; the collector below
// snapshots them on scrape.
type Metrics struct {
	OutBatches   atomic.Uint64
	OutBytes     atomic.Uint64
	OutRecords   atomic.Uint64
	OutCoalesced atomic.Uint64 // records removed by coalescing
	OutSplits    atomic.Uint64 // flushes split over multiple packets
	OutOversize  atomic.Uint64 // single records over the byte ceiling
	OutDeferred  atomic.Uint64 // flushes inhibited by a not-ready transport

	InBatches        atomic.Uint64
	InSelfEcho       atomic.Uint64
	InDuplicate      atomic.Uint64
	InMalformed      atomic.Uint64
	InApplied        atomic.Uint64
	InDeletesIgnored atomic.Uint64 // deletes that lost to a newer field

	BatchBytes *utils.AvgVal
}

func NewMetrics() *Metrics {
	return &Metrics{BatchBytes: utils.NewAvgVal(0)}
}

type SyncCollector struct {
	m *Metrics

	outBatches   *prometheus.Desc
	outBytes     *prometheus.Desc
	outRecords   *prometheus.Desc
	outCoalesced *prometheus.Desc
	outSplits    *prometheus.Desc
	outOversize  *prometheus.Desc
	outDeferred  *prometheus.Desc

	inBatches        *prometheus.Desc
	inSelfEcho       *prometheus.Desc
	inDuplicate      *prometheus.Desc
	inMalformed      *prometheus.Desc
	inApplied        *prometheus.Desc
	inDeletesIgnored *prometheus.Desc

	batchBytesAvg *prometheus.Desc
}

func NewSyncCollector(m *Metrics) *SyncCollector {
	return &SyncCollector{
		m: m,

		outBatches: prometheus.NewDesc(
			"boardsync_outbound_batches_total",
			"Batches handed to the transport",
			nil, nil,
		),
		outBytes: prometheus.NewDesc(
			"boardsync_outbound_bytes_total",
			"Serialized batch bytes handed to the transport",
			nil, nil,
		),
		outRecords: prometheus.NewDesc(
			"boardsync_outbound_records_total",
			"Change records sent after coalescing",
			nil, nil,
		),
		outCoalesced: prometheus.NewDesc(
			"boardsync_outbound_coalesced_records_total",
			"Change records eliminated by coalescing",
			nil, nil,
		),
		outSplits: prometheus.NewDesc(
			"boardsync_outbound_splits_total",
			"Flushes that exceeded the byte ceiling and were split",
			nil, nil,
		),
		outOversize: prometheus.NewDesc(
			"boardsync_outbound_oversize_records_total",
			"Single records that alone exceeded the byte ceiling",
			nil, nil,
		),
		outDeferred: prometheus.NewDesc(
			"boardsync_outbound_deferred_flushes_total",
			"Flushes postponed because the transport was not ready",
			nil, nil,
		),
		inBatches: prometheus.NewDesc(
			"boardsync_inbound_batches_total",
			"Batches received from the transport",
			nil, nil,
		),
		inSelfEcho: prometheus.NewDesc(
			"boardsync_inbound_self_echo_total",
			"Batches dropped as this replica's own echo",
			nil, nil,
		),
		inDuplicate: prometheus.NewDesc(
			"boardsync_inbound_duplicate_total",
			"Payloads dropped as recently-seen duplicates",
			nil, nil,
		),
		inMalformed: prometheus.NewDesc(
			"boardsync_inbound_malformed_records_total",
			"Change records skipped by shape validation",
			nil, nil,
		),
		inApplied: prometheus.NewDesc(
			"boardsync_inbound_applied_records_total",
			"Change records that mutated the store",
			nil, nil,
		),
		inDeletesIgnored: prometheus.NewDesc(
			"boardsync_inbound_deletes_ignored_total",
			"Deletes discarded because an update was newer",
			nil, nil,
		),
		batchBytesAvg: prometheus.NewDesc(
			"boardsync_outbound_batch_bytes_avg",
			"Mean serialized size of sent batches",
			nil, nil,
		),
	}
}

func (c *SyncCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.outBatches
	ch <- c.outBytes
	ch <- c.outRecords
	ch <- c.outCoalesced
	ch <- c.outSplits
	ch <- c.outOversize
	ch <- c.outDeferred
	ch <- c.inBatches
	ch <- c.inSelfEcho
	ch <- c.inDuplicate
	ch <- c.inMalformed
	ch <- c.inApplied
	ch <- c.inDeletesIgnored
	ch <- c.batchBytesAvg
}

func (c *SyncCollector) Collect(ch chan<- prometheus.Metric) {
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	counter(c.outBatches, c.m.OutBatches.Load())
	counter(c.outBytes, c.m.OutBytes.Load())
	counter(c.outRecords, c.m.OutRecords.Load())
	counter(c.outCoalesced, c.m.OutCoalesced.Load())
	counter(c.outSplits, c.m.OutSplits.Load())
	counter(c.outOversize, c.m.OutOversize.Load())
	counter(c.outDeferred, c.m.OutDeferred.Load())
	counter(c.inBatches, c.m.InBatches.Load())
	counter(c.inSelfEcho, c.m.InSelfEcho.Load())
	counter(c.inDuplicate, c.m.InDuplicate.Load())
	counter(c.inMalformed, c.m.InMalformed.Load())
	counter(c.inApplied, c.m.InApplied.Load())
	counter(c.inDeletesIgnored, c.m.InDeletesIgnored.Load())
	ch <- prometheus.MustNewConstMetric(c.batchBytesAvg, prometheus.GaugeValue, c.m.BatchBytes.Val())
}
