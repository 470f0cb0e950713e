// Package metrics exposes Prometheus counters for the ISO-TP/BLE/CAN
// gateway: CAN frame counts, ISO-TP protocol events, bridge
// command outcomes, and BLE write/notify traffic.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/isotp-ble-gateway/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters.
var (
	CANRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_rx_frames_total",
		Help: "Total CAN frames received from the CAN controller, pre filter.",
	})
	CANRxMatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_rx_matched_frames_total",
		Help: "Total CAN frames that matched the filter table and were forwarded to the bridge.",
	})
	CANTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_tx_frames_total",
		Help: "Total CAN frames written to the CAN controller.",
	})
	CANTxDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_tx_dropped_total",
		Help: "Total CAN frames dropped because no TX slot was free or the egress queue was full.",
	})
	CANResets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_controller_resets_total",
		Help: "Total controller error-triggered resets performed by the supervisor.",
	})
	IsotpSF = promauto.NewCounter(prometheus.CounterOpts{
		Name: "isotp_single_frames_total",
		Help: "Total Single Frames sent or received.",
	})
	IsotpFF = promauto.NewCounter(prometheus.CounterOpts{
		Name: "isotp_first_frames_total",
		Help: "Total First Frames sent or received.",
	})
	IsotpCF = promauto.NewCounter(prometheus.CounterOpts{
		Name: "isotp_consecutive_frames_total",
		Help: "Total Consecutive Frames sent or received.",
	})
	IsotpFC = promauto.NewCounter(prometheus.CounterOpts{
		Name: "isotp_flow_control_frames_total",
		Help: "Total Flow Control frames sent or received.",
	})
	IsotpReassemblyAborted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "isotp_reassembly_aborted_total",
		Help: "Total reassemblies aborted by sequence mismatch, watchdog, or restart.",
	})
	IsotpWatchdogAborts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "isotp_watchdog_aborts_total",
		Help: "Total in-flight rx/tx transfers aborted by the per-session watchdog.",
	})
	BridgeSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_sessions_active",
		Help: "Current number of configured ISO-TP sessions.",
	})
	BridgeCommandErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_command_errors_total",
		Help: "Total bridge command errors by kind.",
	}, []string{"kind"})
	BLEWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ble_writes_total",
		Help: "Total command frames received over the BLE write characteristic.",
	})
	BLENotifies = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ble_notifies_total",
		Help: "Total response frames sent over the BLE notify characteristic.",
	})
	BLEParseErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ble_parse_errors_total",
		Help: "Total command frames that failed to parse.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality).
const (
	ErrCANRead     = "can_read"
	ErrCANWrite    = "can_write"
	ErrCANOverflow = "can_tx_overflow"
	ErrBLEWrite    = "ble_write"
	ErrBLENotify   = "ble_notify"
)

// Bridge command error label values (see internal/bridge/bridge.go).
const (
	ErrFilterAlreadyExists  = "filter_already_exists"
	ErrFailedToInsertFilter = "failed_to_insert_filter"
	ErrInvalidOffset        = "invalid_offset"
	ErrInvalidPayloadLength = "invalid_payload_length"
	ErrFilterNotFound       = "filter_not_found"
	ErrFailedToSendMessage  = "failed_to_send_message"
)

// StartHTTP serves Prometheus metrics at /metrics.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

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

// Local mirrored counters for periodic log-based reporting (no Prometheus scrape needed).
var (
	localCANRx       uint64
	localCANRxMatch  uint64
	localCANTx       uint64
	localCANTxDrop   uint64
	localCANResets   uint64
	localBLEWrites   uint64
	localBLENotifies uint64
	localErrors      uint64
)

// Snapshot is a cheap copy of local counters for log-based reporting.
type Snapshot struct {
	CANRx        uint64
	CANRxMatched uint64
	CANTx        uint64
	CANTxDropped uint64
	CANResets    uint64
	BLEWrites    uint64
	BLENotifies  uint64
	Errors       uint64
}

func Snap() Snapshot {
	return Snapshot{
		CANRx:        atomic.LoadUint64(&localCANRx),
		CANRxMatched: atomic.LoadUint64(&localCANRxMatch),
		CANTx:        atomic.LoadUint64(&localCANTx),
		CANTxDropped: atomic.LoadUint64(&localCANTxDrop),
		CANResets:    atomic.LoadUint64(&localCANResets),
		BLEWrites:    atomic.LoadUint64(&localBLEWrites),
		BLENotifies:  atomic.LoadUint64(&localBLENotifies),
		Errors:       atomic.LoadUint64(&localErrors),
	}
}

func IncCANRx() {
	CANRxFrames.Inc()
	atomic.AddUint64(&localCANRx, 1)
}

func IncCANRxMatched() {
	CANRxMatched.Inc()
	atomic.AddUint64(&localCANRxMatch, 1)
}

func IncCANTx() {
	CANTxFrames.Inc()
	atomic.AddUint64(&localCANTx, 1)
}

func IncCANTxDropped() {
	CANTxDropped.Inc()
	atomic.AddUint64(&localCANTxDrop, 1)
}

func IncCANReset() {
	CANResets.Inc()
	atomic.AddUint64(&localCANResets, 1)
}

func IncBLEWrite() {
	BLEWrites.Inc()
	atomic.AddUint64(&localBLEWrites, 1)
}

func IncBLENotify() {
	BLENotifies.Inc()
	atomic.AddUint64(&localBLENotifies, 1)
}

func IncBLEParseError() { BLEParseErrors.Inc() }

func IncBridgeCommandError(kind string) { BridgeCommandErrors.WithLabelValues(kind).Inc() }

func SetSessionsActive(n int) { BridgeSessionsActive.Set(float64(n)) }

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{ErrCANRead, ErrCANWrite, ErrCANOverflow, ErrBLEWrite, ErrBLENotify} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }
