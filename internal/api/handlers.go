package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	goahttp "goa.design/goa/v3/http"
	"goa.design/goa/v3/middleware"

	"livecam/internal/auth"
	"livecam/internal/pipeline"
)

const (
	defaultOutcomeLimit = 50
	maxOutcomeLimit     = 1000
)

// StartRequest selects the source to open. ID wins over Index.
type StartRequest struct {
	Index int    `json:"index"`
	ID    string `json:"id,omitempty"`
}

// LoginRequest carries viewer credentials
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse carries the issued token
type LoginResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

// HealthResponse reports liveness
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, HealthResponse{Status: "healthy", Timestamp: time.Now()})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := goahttp.RequestDecoder(r).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	token, expiresAt, err := s.authenticator.Authenticate(req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrAuthDisabled):
		s.writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials):
		s.writeError(w, r, http.StatusUnauthorized, err.Error())
	case err != nil:
		s.writeError(w, r, http.StatusInternalServerError, err.Error())
	default:
		s.writeJSON(w, r, http.StatusOK, LoginResponse{Token: token, ExpiresAt: expiresAt})
	}
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, s.controller.Status())
}

func (s *Server) sources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.controller.Sources()
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	if sources == nil {
		sources = []pipeline.SourceInfo{}
	}
	s.writeJSON(w, r, http.StatusOK, sources)
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if r.ContentLength != 0 {
		if err := goahttp.RequestDecoder(r).Decode(&req); err != nil {
			s.writeError(w, r, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	err := s.controller.Start(r.Context(), pipeline.SourceSelector{Index: req.Index, ID: req.ID})
	switch {
	case errors.Is(err, pipeline.ErrAlreadyRunning):
		s.writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, pipeline.ErrSourceUnavailable):
		s.writeError(w, r, http.StatusNotFound, err.Error())
	case err != nil:
		s.writeError(w, r, http.StatusInternalServerError, err.Error())
	default:
		s.writeJSON(w, r, http.StatusOK, s.controller.Status())
	}
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.Stop(); err != nil && !errors.Is(err, pipeline.ErrNotRunning) {
		s.writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, r, http.StatusOK, s.controller.Status())
}

func (s *Server) listOutcomes(w http.ResponseWriter, r *http.Request) {
	if s.outcomes == nil {
		s.writeError(w, r, http.StatusNotFound, "outcome journal is disabled")
		return
	}

	limit := defaultOutcomeLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxOutcomeLimit)
	}

	outcomes, err := s.outcomes.ListOutcomes(r.URL.Query().Get("session"), limit)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, r, http.StatusOK, outcomes)
}

func (s *Server) video(w http.ResponseWriter, r *http.Request) {
	s.streams.ServeStream(w, r, s.mux.Vars(r)["stream"])
}

func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) {
	s.streams.ServeSnapshot(w, r, s.mux.Vars(r)["stream"])
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	enc := goahttp.ResponseEncoder(r.Context(), w)
	w.WriteHeader(status)
	if err := enc.Encode(v); err != nil {
		s.logger.Printf("[%s] ERROR: encoding: %v", requestID(r), err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	s.writeJSON(w, r, status, ErrorResponse{Error: msg, RequestID: requestID(r)})
}

func requestID(r *http.Request) string {
	id, _ := r.Context().Value(middleware.RequestIDKey).(string)
	return id
}
