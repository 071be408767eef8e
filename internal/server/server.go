package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"whale-backend/internal/correlation"
	"whale-backend/internal/netflow"
	"whale-backend/internal/utils"
	"whale-backend/internal/ws"
)

// Pipeline is what the HTTP surface reads from. *pipeline.Coordinator
// implements it.
type Pipeline interface {
	Broadcast() *ws.Server
	NetFlow() *netflow.Aggregator
	Tracker() *correlation.Tracker
	Memory() *utils.MemoryMonitor
	Health() map[string]interface{}
}

// Server represents the HTTP server
type Server struct {
	pipeline        Pipeline
	shutdownTimeout time.Duration
	logger          zerolog.Logger
}

// NewServer creates a new server over p.
func NewServer(p Pipeline, shutdownTimeout time.Duration) *Server {
	return &Server{
		pipeline:        p,
		shutdownTimeout: shutdownTimeout,
		logger:          utils.NewComponentLogger(utils.ComponentServer),
	}
}

// Handler returns the routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint
	mux.Handle("/ws", s.pipeline.Broadcast())

	// API endpoints
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/netflow", s.handleNetFlow)
	mux.HandleFunc("/api/accuracy", s.handleAccuracy)
	mux.HandleFunc("/api/memory", s.handleMemory)

	// Health check endpoint (for compatibility)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start serves on addr until ctx is cancelled, then shuts the listener down.
// WebSocket sessions are hijacked and must be closed through the broadcast
// server.
func (s *Server) Start(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info().Msg("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
