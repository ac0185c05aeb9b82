// Package metrics provides Prometheus instrumentation for the treasury engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OperationsTotal counts engine operations by op and outcome kind.
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "treasury_operations_total",
		Help: "Total number of engine operations",
	}, []string{"op", "outcome"})

	// OperationLatency tracks operation latency by op.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "treasury_operation_latency_seconds",
		Help:    "Engine operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// FlashAmount records executed fold and unfold sizes in asset units.
	FlashAmount = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "treasury_flash_amount",
		Help:    "Executed flash amount per fold or unfold",
		Buckets: prometheus.ExponentialBuckets(1, 10, 10),
	}, []string{"asset", "op"})

	// NetPL tracks netGain - netDebt per asset after each commit.
	NetPL = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "treasury_net_pl",
		Help: "Unrealized net P&L per asset",
	}, []string{"asset"})

	// LoanToValue tracks the venue LTV per asset after leverage operations.
	LoanToValue = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "treasury_loan_to_value",
		Help: "Borrowed over supplied value per asset",
	}, []string{"asset"})

	// SafetyRejections counts operations rejected by the liquidation gate or fee check.
	SafetyRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "treasury_safety_rejections_total",
		Help: "Operations rejected as safety violations",
	}, []string{"op"})

	// CooldownPhase is 1 for the current reward cooldown phase, 0 otherwise.
	CooldownPhase = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "treasury_cooldown_phase",
		Help: "Current reward cooldown phase",
	}, []string{"phase"})

	// RegisteredAssets tracks the number of managed assets.
	RegisteredAssets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "treasury_registered_assets",
		Help: "Number of registered assets",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "treasury_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "treasury_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "treasury_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// SetCooldownPhase marks phase as current.
func SetCooldownPhase(phase string) {
	for _, p := range []string{"idle", "cooling_down", "redeem_window_open", "expired"} {
		v := 0.0
		if p == phase {
			v = 1
		}
		CooldownPhase.WithLabelValues(p).Set(v)
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
