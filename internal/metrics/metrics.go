// Package metrics provides Prometheus instrumentation for the duel server.
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
	// ActiveClocks tracks round clocks that are still running.
	ActiveClocks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradeduel_active_clocks",
		Help: "Number of running round clocks",
	})

	// LiveSessions tracks match sessions held by the registry.
	LiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradeduel_live_sessions",
		Help: "Number of match sessions in the registry",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradeduel_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// TradesTotal counts trade actions by action and outcome.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeduel_trades_total",
		Help: "Trade actions processed",
	}, []string{"action", "outcome"})

	// PhaseTransitions counts clock transitions by the phase entered.
	PhaseTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeduel_phase_transitions_total",
		Help: "Round clock phase transitions",
	}, []string{"phase"})

	// MatchesCompleted counts matches the registry played to the end.
	MatchesCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradeduel_matches_completed_total",
		Help: "Matches played to completion",
	})

	// DroppedMessages counts realtime messages dropped for slow clients.
	DroppedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradeduel_ws_dropped_messages_total",
		Help: "WebSocket messages dropped because a client buffer was full",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeduel_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradeduel_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request metrics labelled by chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
