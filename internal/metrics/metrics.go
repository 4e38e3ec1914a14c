package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wbocian/go-can-console/internal/logging"
)

// Prometheus counters
var (
	CapturedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capture_frames_total",
		Help: "Total frames delivered by the capture pipeline to the trace output.",
	})
	DroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capture_dropped_frames_total",
		Help: "Total frames dropped because the capture queue was full.",
	})
	TxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tx_frames_total",
		Help: "Total frames transmitted and confirmed by the controller.",
	})
	TxTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tx_timeouts_total",
		Help: "Total transmissions that timed out waiting for completion.",
	})
	MalformedInput = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_input_total",
		Help: "Total rejected frame or filter strings (format, range, length).",
	})
	CaptureQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "capture_queue_depth",
		Help: "Queued frames observed by the capture consumer at last dequeue.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrDriverTx     = "driver_tx"
	ErrDriverRx     = "driver_rx"
	ErrFilterConfig = "filter_config"
	ErrConsumerExit = "consumer_exit"
)

// StartHTTP serves Prometheus metrics at /metrics on the given address.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localCaptured  uint64
	localDropped   uint64
	localTx        uint64
	localTxTimeout uint64
	localMalformed uint64
	localErrors    uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	Captured   uint64
	Dropped    uint64
	Tx         uint64
	TxTimeouts uint64
	Malformed  uint64
	Errors     uint64 // sum across error labels
}

func Snap() Snapshot {
	return Snapshot{
		Captured:   atomic.LoadUint64(&localCaptured),
		Dropped:    atomic.LoadUint64(&localDropped),
		Tx:         atomic.LoadUint64(&localTx),
		TxTimeouts: atomic.LoadUint64(&localTxTimeout),
		Malformed:  atomic.LoadUint64(&localMalformed),
		Errors:     atomic.LoadUint64(&localErrors),
	}
}

// Wrapper helpers to keep call sites simple.
func IncCaptured() {
	CapturedFrames.Inc()
	atomic.AddUint64(&localCaptured, 1)
}

func IncDropped() {
	DroppedFrames.Inc()
	atomic.AddUint64(&localDropped, 1)
}

func IncTx() {
	TxFrames.Inc()
	atomic.AddUint64(&localTx, 1)
}

func IncTxTimeout() {
	TxTimeouts.Inc()
	atomic.AddUint64(&localTxTimeout, 1)
}

func IncMalformed() {
	MalformedInput.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// SetQueueDepth records the capture queue depth sampled by the consumer.
func SetQueueDepth(n int) {
	CaptureQueueDepth.Set(float64(n))
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{ErrDriverTx, ErrDriverRx, ErrFilterConfig, ErrConsumerExit} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}
