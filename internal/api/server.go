// Package api serves the viewer over HTTP: control and status endpoints, the
// MJPEG streams and the WebSocket result feed.
package api

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	goahttp "goa.design/goa/v3/http"
	httpmdlwr "goa.design/goa/v3/http/middleware"
	"goa.design/goa/v3/middleware"

	"livecam/internal/auth"
	"livecam/internal/database"
	authmw "livecam/internal/middleware"
	"livecam/internal/pipeline"
	"livecam/internal/stream"
	"livecam/internal/viewer"
	"livecam/internal/ws"
)

// Controller is the part of the viewer the API drives
type Controller interface {
	Start(ctx context.Context, sel pipeline.SourceSelector) error
	Stop() error
	Status() viewer.Status
	Sources() ([]pipeline.SourceInfo, error)
}

// OutcomeLister reads the outcome journal
type OutcomeLister interface {
	ListOutcomes(sessionID string, limit int) ([]*database.OutcomeRecord, error)
}

// Server routes viewer requests
type Server struct {
	controller    Controller
	streams       *stream.Manager
	ws            *ws.Handler
	outcomes      OutcomeLister
	authenticator *auth.Authenticator
	logger        *log.Logger

	mux     goahttp.Muxer
	Mounts  []Mount
	handler http.Handler
}

// Mount describes a mounted route
type Mount struct {
	Verb    string
	Pattern string
}

// Paths reachable without a token
var publicPaths = []string{"/health", "/api/login"}

// NewServer builds the router. outcomes may be nil when the journal is disabled.
func NewServer(controller Controller, streams *stream.Manager, wsHandler *ws.Handler, outcomes OutcomeLister, authenticator *auth.Authenticator, logger *log.Logger) *Server {
	s := &Server{
		controller:    controller,
		streams:       streams,
		ws:            wsHandler,
		outcomes:      outcomes,
		authenticator: authenticator,
		logger:        logger,
		mux:           goahttp.NewMuxer(),
	}

	s.handle("GET", "/health", s.health)
	s.handle("POST", "/api/login", s.login)
	s.handle("GET", "/api/status", s.status)
	s.handle("GET", "/api/sources", s.sources)
	s.handle("POST", "/api/start", s.start)
	s.handle("POST", "/api/stop", s.stop)
	s.handle("GET", "/api/outcomes", s.listOutcomes)
	s.handle("GET", "/video/{stream}", s.video)
	s.handle("GET", "/video/{stream}/snapshot", s.snapshot)
	s.handle("GET", "/ws/results", s.ws.ServeHTTP)

	// The log middleware wraps the ResponseWriter, which would hide the
	// Flusher and Hijacker that streaming responses need
	logged := httpmdlwr.Log(middleware.NewLogger(logger))(s.mux)
	var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isStreaming(r.URL.Path) {
			s.mux.ServeHTTP(w, r)
			return
		}
		logged.ServeHTTP(w, r)
	})
	handler = authmw.AuthMiddleware(authenticator, publicPaths...)(handler)
	handler = httpmdlwr.RequestID()(handler)
	s.handler = handler

	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// LogMounts prints every mounted route
func (s *Server) LogMounts() {
	for _, m := range s.Mounts {
		s.logger.Printf("HTTP mounted on %s %s", m.Verb, m.Pattern)
	}
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{Addr: addr, Handler: s, ReadHeaderTimeout: 60 * time.Second}

	errc := make(chan error, 1)
	go func() {
		s.logger.Printf("HTTP server listening on %q", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	s.logger.Printf("shutting down HTTP server at %q", addr)
	s.streams.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Printf("failed to shutdown: %v", err)
		return err
	}
	return nil
}

func (s *Server) handle(verb, pattern string, h http.HandlerFunc) {
	s.mux.Handle(verb, pattern, h)
	s.Mounts = append(s.Mounts, Mount{Verb: verb, Pattern: pattern})
}

func isStreaming(path string) bool {
	return strings.HasPrefix(path, "/video/") || strings.HasPrefix(path, "/ws/")
}
