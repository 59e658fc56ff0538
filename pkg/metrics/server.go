// Package metrics exposes Prometheus metrics for locfixd
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/locfix/locfix/pkg/logx"
)

// Server provides the /metrics and /health HTTP surface
type Server struct {
	logger *logx.Logger
	server *http.Server
	start  time.Time

	acquisitions      *prometheus.CounterVec
	escalations       prometheus.Counter
	cacheHits         prometheus.Counter
	cacheMisses       prometheus.Counter
	cacheEntries      prometheus.Gauge
	watchState        *prometheus.GaugeVec
	updateInterval    prometheus.Gauge
	movementPattern   *prometheus.GaugeVec
	permissionDenials prometheus.Counter
	refinements       *prometheus.CounterVec
	providerFailures  *prometheus.CounterVec
	daemonUptime      prometheus.Gauge
}

// NewServer creates the metrics server and registers all collectors
func NewServer(logger *logx.Logger) *Server {
	s := &Server{
		logger: logger.WithComponent("metrics"),
		start:  time.Now(),
	}
	s.registerMetrics()
	return s
}

func (s *Server) registerMetrics() {
	s.acquisitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "locfix_acquisitions_total",
			Help: "Position acquisitions by tier and result",
		},
		[]string{"tier", "result"},
	)

	s.escalations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "locfix_escalations_total",
			Help: "Acquisitions that went through the internal escalation path",
		},
	)

	s.cacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "locfix_cache_hits_total",
			Help: "Cache lookups that returned an unexpired entry",
		},
	)

	s.cacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "locfix_cache_misses_total",
			Help: "Cache lookups that found nothing usable",
		},
	)

	s.cacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "locfix_cache_entries",
			Help: "Current number of cached position entries",
		},
	)

	s.watchState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "locfix_watch_state",
			Help: "Watch session state (1 for the active state, 0 otherwise)",
		},
		[]string{"state"},
	)

	s.updateInterval = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "locfix_update_interval_seconds",
			Help: "Current adaptive position update interval",
		},
	)

	s.movementPattern = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "locfix_movement_pattern",
			Help: "Movement classification (1 for the active pattern, 0 otherwise)",
		},
		[]string{"pattern"},
	)

	s.permissionDenials = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "locfix_permission_denials_total",
			Help: "Location permission denials observed",
		},
	)

	s.refinements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "locfix_refinements_total",
			Help: "Manual position refinements by method",
		},
		[]string{"method"},
	)

	s.providerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "locfix_provider_failures_total",
			Help: "Position provider failures by tier and error code",
		},
		[]string{"tier", "code"},
	)

	s.daemonUptime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "locfix_uptime_seconds",
			Help: "Daemon uptime in seconds",
		},
	)

	prometheus.MustRegister(
		s.acquisitions,
		s.escalations,
		s.cacheHits,
		s.cacheMisses,
		s.cacheEntries,
		s.watchState,
		s.updateInterval,
		s.movementPattern,
		s.permissionDenials,
		s.refinements,
		s.providerFailures,
		s.daemonUptime,
	)
}

// Start serves /metrics and /health on the given port
func (s *Server) Start(port int) error {
	s.logger.Info("starting metrics server", "port", port)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.healthHandler)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server error", "error", err.Error())
		}
	}()

	return nil
}

// Stop shuts the HTTP server down
func (s *Server) Stop() error {
	s.logger.Info("stopping metrics server")
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy","timestamp":"` + time.Now().Format(time.RFC3339) + `"}`))
}

// RecordAcquisition records one completed chain run
func (s *Server) RecordAcquisition(tier, result string) {
	s.acquisitions.With(prometheus.Labels{"tier": tier, "result": result}).Inc()
}

// RecordEscalation marks an acquisition that needed the escalation path
func (s *Server) RecordEscalation() {
	s.escalations.Inc()
}

// RecordCacheLookup records a cache hit or miss
func (s *Server) RecordCacheLookup(hit bool) {
	if hit {
		s.cacheHits.Inc()
	} else {
		s.cacheMisses.Inc()
	}
}

// SetCacheEntries updates the cache size gauge
func (s *Server) SetCacheEntries(n int) {
	s.cacheEntries.Set(float64(n))
}

// SetWatchState marks the active watch session state
func (s *Server) SetWatchState(state string) {
	for _, known := range []string{"idle", "watching", "background_watching"} {
		v := 0.0
		if known == state {
			v = 1.0
		}
		s.watchState.With(prometheus.Labels{"state": known}).Set(v)
	}
}

// SetUpdateInterval updates the adaptive cadence gauge
func (s *Server) SetUpdateInterval(d time.Duration) {
	s.updateInterval.Set(d.Seconds())
}

// SetMovementPattern marks the active movement classification
func (s *Server) SetMovementPattern(pattern string) {
	for _, known := range []string{"unknown", "stationary", "walking", "transit", "driving"} {
		v := 0.0
		if known == pattern {
			v = 1.0
		}
		s.movementPattern.With(prometheus.Labels{"pattern": known}).Set(v)
	}
}

// RecordPermissionDenial counts a permission refusal
func (s *Server) RecordPermissionDenial() {
	s.permissionDenials.Inc()
}

// RecordRefinement counts a manual refinement
func (s *Server) RecordRefinement(method string) {
	s.refinements.With(prometheus.Labels{"method": method}).Inc()
}

// RecordProviderFailure counts a provider failure by native code
func (s *Server) RecordProviderFailure(tier string, code int) {
	s.providerFailures.With(prometheus.Labels{
		"tier": tier,
		"code": fmt.Sprintf("%d", code),
	}).Inc()
}

// UpdateUptime refreshes the uptime gauge
func (s *Server) UpdateUptime() {
	s.daemonUptime.Set(time.Since(s.start).Seconds())
}
