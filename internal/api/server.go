package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/igwedaniel/batchwatch/internal/clock"
	"github.com/igwedaniel/batchwatch/internal/config"
	"github.com/igwedaniel/batchwatch/internal/storage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Server represents the HTTP API server
type Server struct {
	server   *http.Server
	handlers *Handlers
	logger   *logrus.Logger
}

// NewServer creates a new API server
func NewServer(
	cfg *config.ServerConfig,
	stats StatsSource,
	providers HealthSource,
	analysis Analysis,
	storage storage.Storage,
	clk clock.Clock,
	logger *logrus.Logger,
) *Server {
	handlers := NewHandlers(stats, providers, analysis, storage, clk, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      loggingMiddleware(handlers.Routes(), logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return &Server{
		server:   server,
		handlers: handlers,
		logger:   logger,
	}
}

// Routes wires every endpoint onto a fresh mux.
func (h *Handlers) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", h.HealthCheck)
	mux.Handle("/metrics", promhttp.Handler())

	// Tracker endpoints
	mux.HandleFunc("/api/v1/tracker/stats", h.GetTrackerStats)
	mux.HandleFunc("/api/v1/retry-queue", h.GetRetryQueue)

	// Data endpoints
	mux.HandleFunc("/api/v1/transactions", h.GetTransaction)
	mux.HandleFunc("/api/v1/batchers/totals", h.GetBatcherTotals)
	mux.HandleFunc("/api/v1/batchers/daily", h.GetDailySnapshots)

	// On-demand analysis
	mux.HandleFunc("/api/v1/analyze", h.AnalyzeTransaction)
	mux.HandleFunc("/api/v1/analyze/contract", h.AnalyzeContract)

	return mux
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Infof("Starting HTTP server on %s", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server...")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
func loggingMiddleware(next http.Handler, logger *logrus.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapper := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		entry := logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapper.statusCode,
			"duration":    time.Since(start),
			"remote_addr": r.RemoteAddr,
		})
		// scrapes are noisy
		if r.URL.Path == "/metrics" || r.URL.Path == "/health" {
			entry.Debug("HTTP request")
			return
		}
		entry.Info("HTTP request")
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
