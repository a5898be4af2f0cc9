// Package metrics provides Prometheus metrics for the resync mount.
package metrics

import (
	"net/http"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Filesystem operation metrics
	fsOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resync_fs_operations_total",
			Help: "Total number of filesystem operations",
		},
		[]string{"op", "result"},
	)

	// Render metrics
	renderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "resync_render_duration_seconds",
			Help:    "Time to produce the PDF of a document",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"status"},
	)

	renderBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "resync_render_bytes_total",
			Help: "Total bytes of rendered PDFs",
		},
	)

	// Write-back metrics
	writebackBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "resync_writeback_bytes_total",
			Help: "Total document bytes written back to the device",
		},
	)

	writebacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resync_writebacks_total",
			Help: "Total number of document write-backs",
		},
		[]string{"status"},
	)

	// Tree and cache gauges
	treeSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "resync_tree_entries",
			Help: "Number of entries in the document tree",
		},
	)

	scanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "resync_scan_duration_seconds",
			Help:    "Time to scan the document tree of the device",
			Buckets: prometheus.DefBuckets,
		},
	)

	cacheBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "resync_cache_bytes",
			Help: "Bytes of document data resident in memory",
		},
	)

	cacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "resync_cache_evictions_total",
			Help: "Total number of document buffers dropped from memory",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordOp records a filesystem operation and its errno.
func RecordOp(op string, errno syscall.Errno) {
	result := "ok"
	if errno != 0 {
		result = errno.Error()
	}
	fsOpsTotal.WithLabelValues(op, result).Inc()
}

// RecordRender records one render of a document.
func RecordRender(bytes int, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	renderDuration.WithLabelValues(status).Observe(duration.Seconds())
	renderBytes.Add(float64(bytes))
}

// RecordWriteback records a document written back to the device.
func RecordWriteback(bytes int, success bool) {
	status := "success"
	if !success {
		status = "error"
	} else {
		writebackBytes.Add(float64(bytes))
	}
	writebacksTotal.WithLabelValues(status).Inc()
}

// SetTreeSize sets the current number of tree entries.
func SetTreeSize(n int) {
	treeSize.Set(float64(n))
}

// RecordScan records the duration of a full tree scan.
func RecordScan(duration time.Duration) {
	scanDuration.Observe(duration.Seconds())
}

// SetCacheBytes sets the resident document bytes.
func SetCacheBytes(n int64) {
	cacheBytes.Set(float64(n))
}

// RecordEviction records a buffer dropped to stay below the cache limit.
func RecordEviction() {
	cacheEvictions.Inc()
}
