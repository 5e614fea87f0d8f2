// Package metrics exposes Prometheus instrumentation for the monitor and
// the HTTP endpoint that serves it.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	BookUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_orderbook_updates_total",
			Help: "Total number of order book updates received",
		},
		[]string{"venue", "symbol"},
	)

	BookDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "arb_orderbook_depth",
			Help: "Current order book depth (number of levels)",
		},
		[]string{"venue", "symbol", "side"},
	)

	ConnectionStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "arb_connection_status",
			Help: "WebSocket connection status (1=connected, 0=disconnected)",
		},
		[]string{"venue"},
	)

	Reconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_reconnects_total",
			Help: "Total number of reconnection attempts",
		},
		[]string{"venue"},
	)

	ConnectionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_connection_errors_total",
			Help: "Total number of connection errors",
		},
		[]string{"venue", "error_type"},
	)

	ScanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "arb_scan_duration_seconds",
			Help:    "Time spent in one detector scan",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
	)

	OpportunitiesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_opportunities_total",
			Help: "Total number of qualifying opportunities emitted",
		},
		[]string{"symbol", "buy_venue", "sell_venue"},
	)

	SpreadPercent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "arb_spread_percent",
			Help: "Net spread percent of the latest opportunity",
		},
		[]string{"symbol", "buy_venue", "sell_venue"},
	)

	CacheWriteErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arb_cache_write_errors_total",
			Help: "Total number of order book cache write failures",
		},
	)

	SinkErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arb_sink_errors_total",
			Help: "Total number of opportunity sink failures",
		},
	)

	ConfigReloads = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arb_config_reloads_total",
			Help: "Total number of applied config updates",
		},
	)
)

// RecordBookUpdate records metrics for one emitted book.
func RecordBookUpdate(venueID, symbol string, bidDepth, askDepth int) {
	BookUpdates.WithLabelValues(venueID, symbol).Inc()
	BookDepth.WithLabelValues(venueID, symbol, "bid").Set(float64(bidDepth))
	BookDepth.WithLabelValues(venueID, symbol, "ask").Set(float64(askDepth))
}

// RecordConnectionStatus records whether a venue is connected.
func RecordConnectionStatus(venueID string, connected bool) {
	status := 0.0
	if connected {
		status = 1.0
	}
	ConnectionStatus.WithLabelValues(venueID).Set(status)
}

// RecordReconnect counts one reconnection attempt.
func RecordReconnect(venueID string) {
	Reconnects.WithLabelValues(venueID).Inc()
}

// RecordConnectionError counts a connection error by type.
func RecordConnectionError(venueID, errorType string) {
	ConnectionErrors.WithLabelValues(venueID, errorType).Inc()
}

// RecordOpportunity records an emitted opportunity.
func RecordOpportunity(symbol, buyVenue, sellVenue string, spreadPercent float64) {
	OpportunitiesDetected.WithLabelValues(symbol, buyVenue, sellVenue).Inc()
	SpreadPercent.WithLabelValues(symbol, buyVenue, sellVenue).Set(spreadPercent)
}

// Timer measures one operation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer { return &Timer{start: time.Now()} }

// ObserveScan records the elapsed time on the scan histogram.
func (t *Timer) ObserveScan() {
	ScanDuration.Observe(time.Since(t.start).Seconds())
}

// Server serves /metrics and /health.
type Server struct {
	addr   string
	server *http.Server
}

// NewServer creates the metrics HTTP server.
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return &Server{
		addr:   addr,
		server: &http.Server{Addr: addr, Handler: mux},
	}
}

// Start blocks serving until the server is stopped.
func (s *Server) Start() error {
	log.Info().Str("addr", s.addr).Msg("Starting metrics server")
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop closes the server.
func (s *Server) Stop() error { return s.server.Close() }
