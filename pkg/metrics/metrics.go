// Package metrics registers the service's Prometheus collectors and serves
// the optional /metrics listener.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WireFrames counts frames received on the WebSocket, by event name class.
	WireFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pnwsync_wire_frames_total",
		Help: "WebSocket frames received, by protocol event.",
	}, []string{"event"})

	// WireReconnects counts reconnect attempts, by policy.
	WireReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pnwsync_wire_reconnects_total",
		Help: "WebSocket reconnects, by reconnect policy.",
	}, []string{"policy"})

	// RecordsApplied counts store writes, by kind and event.
	RecordsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pnwsync_records_applied_total",
		Help: "Records applied to the store, by kind and event.",
	}, []string{"kind", "event"})

	// ValidationDrops counts feed records dropped for failing to decode.
	ValidationDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pnwsync_validation_drops_total",
		Help: "Feed records dropped after schema validation failure, by kind.",
	}, []string{"kind"})

	// GapsDetected counts metadata gaps that triggered a rollback resubscribe.
	GapsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pnwsync_gaps_detected_total",
		Help: "Missed-event gaps detected on subscriptions, by kind.",
	}, []string{"kind"})

	// ReconcileRuns counts reconciler passes, by kind and outcome.
	ReconcileRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pnwsync_reconcile_runs_total",
		Help: "Reconciler passes, by kind and outcome.",
	}, []string{"kind", "outcome"})

	// RESTRequests counts upstream HTTP requests, by outcome.
	RESTRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pnwsync_rest_requests_total",
		Help: "Upstream REST requests, by outcome.",
	}, []string{"outcome"})

	// RESTThrottled counts HTTP 429 responses from the upstream.
	RESTThrottled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pnwsync_rest_throttled_total",
		Help: "Upstream HTTP 429 responses.",
	})
)

// Server serves /metrics on a dedicated listener.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewServer builds the listener for addr. A nil logger falls back to the
// default logger.
func NewServer(addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{
		srv:    &http.Server{Addr: addr, Handler: mux},
		logger: logger,
	}
}

// Start serves until Stop is called. Serve errors other than a clean close
// are logged, not returned; metrics must never take the service down.
func (s *Server) Start() {
	go func() {
		s.logger.Info("Metrics listener started", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Metrics listener failed", "error", err)
		}
	}()
}

// Stop shuts the listener down, bounded by a short timeout.
func (s *Server) Stop(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("Metrics listener shutdown failed", "error", err)
	}
}
