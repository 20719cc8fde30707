package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/downfa11-org/aostore/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func init() {
	prometheus.MustRegister(RowsInserted, BlocksWritten, BytesWritten, CompressionFallbacks)
	prometheus.MustRegister(RowsScanned, FetchTotal, BlockReadLatency, SequenceAllocations)
}

func StartMetricsServer(port int) {
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", port)
		util.Info("Prometheus exporter listening on %s", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			util.Error("failed to start metrics server: %v", err)
		}
	}()
}

// RecordBlockWrite accounts one flushed block.
func RecordBlockWrite(kind string, bytes int, fellBack bool) {
	BlocksWritten.WithLabelValues(kind).Inc()
	BytesWritten.Add(float64(bytes))
	if fellBack {
		CompressionFallbacks.Inc()
	}
}

// ObserveBlockRead records the time spent reading and decoding one block.
func ObserveBlockRead(start time.Time) {
	BlockReadLatency.Observe(time.Since(start).Seconds())
}
