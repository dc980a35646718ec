// Package health exposes the HTTP health and metrics endpoints for container
// probes and scraping.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"mindforms_diary_bot/internal/logging"
)

const (
	pingTimeout        = 2 * time.Second
	readHeaderTimeout  = 2 * time.Second
	healthListenPrefix = ":"
	statusOK           = "ok"
	statusError        = "error"
	statusDegraded     = "degraded"
)

// Checker is a backing service that can be pinged.
type Checker interface {
	Ping(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) error

// Ping calls f.
func (f CheckerFunc) Ping(ctx context.Context) error {
	return f(ctx)
}

// Checkers are the backing services reported by /healthz. A nil checker is
// reported as an error.
type Checkers struct {
	Database Checker
	Media    Checker
	Pending  Checker
}

// Server hosts the health endpoint and owns the underlying HTTP server.
type Server struct {
	server   *http.Server
	logger   *logrus.Entry
	checkers Checkers
}

type response struct {
	Status   string `json:"status"`
	Database string `json:"database,omitempty"`
	Media    string `json:"media,omitempty"`
	Pending  string `json:"pending,omitempty"`
}

// NewServer constructs a server exposing GET /healthz and GET /metrics on the
// provided port.
func NewServer(port int, checkers Checkers, logger *logrus.Entry) *Server {
	if logger == nil {
		logger = logging.Logger()
	}

	srv := &Server{
		logger:   logger,
		checkers: checkers,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", srv.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	srv.server = &http.Server{
		Addr:              fmt.Sprintf("%s%d", healthListenPrefix, port),
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return srv
}

// ListenAndServe starts the health server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.WithFields(logging.Fields{
		"event": "health_listen",
		"addr":  s.server.Addr,
	}).Info("starting health server")

	if err := s.server.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			s.logger.WithField("event", "health_stopped").Info("health server stopped")
			return nil
		}

		return fmt.Errorf("health server listen: %w", err)
	}

	s.logger.WithField("event", "health_stopped").Info("health server stopped")
	return nil
}

// Shutdown gracefully stops the health server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil || s.server == nil {
		return nil
	}

	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := response{Status: statusOK}

	if !s.check(ctx, "database", s.checkers.Database) {
		resp.Database = statusError
	}
	if !s.check(ctx, "media", s.checkers.Media) {
		resp.Media = statusError
	}
	if !s.check(ctx, "pending", s.checkers.Pending) {
		resp.Pending = statusError
	}
	if resp.Database != "" || resp.Media != "" || resp.Pending != "" {
		resp.Status = statusDegraded
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.WithField("event", "health_write_error").WithError(err).Error("failed to encode health response")
	}
}

func (s *Server) check(ctx context.Context, name string, checker Checker) bool {
	if checker == nil {
		s.logger.WithFields(logging.Fields{
			"event":   "health_checker_missing",
			"service": name,
		}).Warn("checker is not configured for health endpoint")
		return false
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := checker.Ping(pingCtx); err != nil {
		s.logger.WithFields(logging.Fields{
			"event":   "health_ping_error",
			"service": name,
		}).WithError(err).Warn("ping failed during health check")
		return false
	}

	return true
}
