package api

import (
	"context"
	"net/http"
	"time"

	"github.com/inboundemail/inbound/internal/auth"
)

// Server represents the API server
type Server struct {
	handler http.Handler
	server  *http.Server
}

// NewServer creates the API server with all routes configured
func NewServer(h *Handlers, authSvc *auth.Service) *Server {
	return &Server{handler: SetupRoutes(h, authSvc)}
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.handler,
		// Send requests can carry tens of megabytes of base64 attachments,
		// so read/write timeouts stay generous.
		ReadTimeout:       2 * time.Minute,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing
func (s *Server) Handler() http.Handler {
	return s.handler
}
