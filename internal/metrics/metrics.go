// Package metrics exposes prometheus collectors for the watcher and the session.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// ForegroundEvents counts foreground changes by how they reached the session (live, wake, cold).
	ForegroundEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rethink_foreground_events_total",
			Help: "Foreground-change events by delivery path",
		},
		[]string{"delivery"},
	)

	Interventions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rethink_interventions_total",
			Help: "Interventions entered, by kind (soft, limit, focus, forced)",
		},
		[]string{"kind"},
	)

	BlocklistPushes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rethink_blocklist_pushes_total",
			Help: "Authoritative blocklist pushes",
		},
	)

	BlocklistSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rethink_blocklist_size",
			Help: "Packages in the last pushed blocklist",
		},
	)

	ColdTriggers = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rethink_cold_triggers_total",
			Help: "Blocked apps intercepted while the session was not running",
		},
	)

	UsageRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rethink_usage_refresh_total",
			Help: "Usage refreshes by result (ok, denied, failed, superseded)",
		},
		[]string{"result"},
	)

	// WatcherState is 1 while watching, 0 while idle.
	WatcherState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rethink_watcher_state",
			Help: "1 when the foreground watcher is active, 0 when idle",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ForegroundEvents,
		Interventions,
		BlocklistPushes,
		BlocklistSize,
		ColdTriggers,
		UsageRefreshes,
		WatcherState,
	)
}

// Server is the metrics HTTP server.
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// NewServer creates a metrics server listening on addr.
func NewServer(addr string, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.Named("metrics"),
	}
}

// Start serves in the background.
func (s *Server) Start() {
	s.logger.Info("starting metrics server", zap.String("addr", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server error", zap.Error(err))
		}
	}()
}

// Stop closes the listener.
func (s *Server) Stop() error {
	return s.server.Close()
}
