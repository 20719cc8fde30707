package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	RowsInserted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ao_rows_inserted_total",
		Help: "Total number of rows appended to segment files",
	})

	BlocksWritten = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ao_blocks_written_total",
		Help: "Total number of blocks flushed to segment files",
	}, []string{"kind"}) // multi-row, single-row, large

	BytesWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ao_bytes_written_total",
		Help: "Total number of block bytes written to segment files",
	})

	CompressionFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ao_compression_fallback_total",
		Help: "Blocks stored uncompressed because compression did not save enough",
	})

	RowsScanned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ao_rows_scanned_total",
		Help: "Total number of rows returned by sequential scans",
	})

	FetchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ao_fetch_total",
		Help: "Point fetches by outcome",
	}, []string{"result"}) // hit, miss, absent

	BlockReadLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ao_block_read_seconds",
		Help:    "Histogram of block read and decode latency",
		Buckets: prometheus.DefBuckets,
	})

	SequenceAllocations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ao_sequence_allocations_total",
		Help: "Total number of row number ranges allocated",
	})
)
