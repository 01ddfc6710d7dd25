// Package status implements the introspection HTTP API: health,
// server status, active sessions, and Prometheus metrics.
package status

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gelsrv/edgecore/internal/metrics"
)

// SessionLister reports the set of currently live sessions, satisfied
// by *protocol.Server.
type SessionLister interface {
	ActiveSessions() map[string]string
}

// Server is the introspection HTTP server: no tenant/pool surface, since
// this process has exactly one session pool — the frontend edge itself.
type Server struct {
	sessions SessionLister
	metrics  *metrics.Collector
	log      *slog.Logger

	http      *http.Server
	startedAt time.Time
}

// NewServer constructs an introspection server. Start must be called to
// begin serving.
func NewServer(sessions SessionLister, m *metrics.Collector, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		sessions:  sessions,
		metrics:   m,
		log:       log,
		startedAt: time.Now(),
	}
}

func (s *Server) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/sessions", s.handleSessions).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}
	return r
}

// Start begins serving on addr in a background goroutine.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	s.log.Info("status server listening", "address", addr)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("status server failed", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the introspection server.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds":  int(time.Since(s.startedAt).Seconds()),
		"go_version":      runtime.Version(),
		"goroutines":      runtime.NumGoroutine(),
		"memory_mb":       float64(mem.Alloc) / 1024 / 1024,
		"active_sessions": len(s.sessions.ActiveSessions()),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.ActiveSessions())
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
