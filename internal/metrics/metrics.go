// Package metrics provides Prometheus instrumentation for the trading engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersSubmitted counts accepted orders by action and order type.
	OrdersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vtrade_orders_submitted_total",
		Help: "Total number of orders accepted",
	}, []string{"action", "order_type"})

	// OrderFills counts orders that executed, by action and how they
	// filled (immediate or triggered).
	OrderFills = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vtrade_order_fills_total",
		Help: "Total number of order fills",
	}, []string{"action", "trigger"})

	// TradesClosed counts closed trades by outcome (profit or loss) and
	// trigger (manual, stop_loss, take_profit).
	TradesClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vtrade_trades_closed_total",
		Help: "Total number of trades closed",
	}, []string{"outcome", "trigger"})

	// OrderRejections counts rejected operations by reason.
	OrderRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vtrade_order_rejections_total",
		Help: "Operations rejected by validation or settlement checks",
	}, []string{"reason"})

	// OrdersExpired counts resting orders expired by the sweeper.
	OrdersExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vtrade_orders_expired_total",
		Help: "Resting orders expired",
	})

	// SettlementLatency tracks how long a settlement operation takes.
	SettlementLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vtrade_settlement_latency_seconds",
		Help:    "Settlement operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// PendingOrders tracks the number of resting orders seen by the last sweep.
	PendingOrders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vtrade_pending_orders",
		Help: "Number of resting orders at the last sweep",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vtrade_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vtrade_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vtrade_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
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

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
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

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
