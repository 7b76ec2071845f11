// Package metrics provides Prometheus instrumentation for the exchange
// engine.
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
	// OrdersTotal counts accepted orders, partitioned by side and type.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stx_orders_total",
		Help: "Total number of orders accepted into the book",
	}, []string{"side", "type"})

	// OrdersRejected counts rejected submissions by reason.
	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stx_orders_rejected_total",
		Help: "Orders rejected before matching",
	}, []string{"reason"})

	// TradesTotal counts executed trades, partitioned by outcome.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stx_trades_total",
		Help: "Total number of trades executed",
	}, []string{"outcome"})

	// MatchLatency tracks submission-to-result latency in the engine.
	MatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stx_match_latency_seconds",
		Help:    "Order matching latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// ActiveMarkets tracks the number of markets accepting orders.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stx_active_markets",
		Help: "Number of currently open markets",
	})

	// SettlementPayouts tracks cents paid out per settled market.
	SettlementPayouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stx_settlement_payout_cents_total",
		Help: "Cumulative settlement payout in cents",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stx_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stx_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})

	// MarketVolume tracks cumulative matched shares per market.
	MarketVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stx_market_volume_total",
		Help: "Cumulative matched volume in shares",
	}, []string{"market_id", "outcome"})
)

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

		// Use the raw path for the label; route cardinality is low.
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
