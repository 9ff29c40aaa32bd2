package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Server exposes /metrics and /health for one process. Port 0 binds an
// ephemeral port; Addr reports the bound address after Start.
type Server struct {
	port int
	log  zerolog.Logger

	mu       sync.Mutex
	mux      *http.ServeMux
	server   *http.Server
	listener net.Listener
}

// NewServer creates a metrics server on the given port.
func NewServer(port int, log zerolog.Logger) *Server {
	s := &Server{
		port: port,
		log:  log.With().Str("component", "metrics_server").Logger(),
		mux:  http.NewServeMux(),
	}
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/health", s.handleHealth)
	return s
}

// RegisterHandler adds an extra endpoint, e.g. an admin pause hook.
func (s *Server) RegisterHandler(pattern string, h http.HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mux.HandleFunc(pattern, h)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":    "healthy",
		"version":   Version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("metrics: listen on %d: %w", s.port, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.server = &http.Server{
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("Metrics server listening")

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Addr returns a dialable bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	addr, ok := s.listener.Addr().(*net.TCPAddr)
	if ok && addr.IP.IsUnspecified() {
		return fmt.Sprintf("127.0.0.1:%d", addr.Port)
	}
	return s.listener.Addr().String()
}

// Shutdown stops the server, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics: shutdown: %w", err)
	}
	s.log.Info().Msg("Metrics server stopped")
	return nil
}
