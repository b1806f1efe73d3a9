package proctor

import (
	"encoding/json"
	"errors"
	"net/http"

	"training-integrity-system/pkg/logger"
	"training-integrity-system/pkg/models"

	"github.com/gorilla/mux"
)

// Service exposes the integrity engine over HTTP.
type Service struct {
	engine *Engine
}

// NewService creates the HTTP layer over an engine.
func NewService(engine *Engine) *Service {
	return &Service{engine: engine}
}

// RegisterRoutes attaches the session endpoints to a router. Callers wrap the
// router with the authentication and logging middleware.
func (s *Service) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/sessions", s.HandleStartSession).Methods("POST")
	r.HandleFunc("/sessions/{session_id}", s.HandleGetSession).Methods("GET")
	r.HandleFunc("/sessions/{session_id}/progress", s.HandleProgress).Methods("POST")
	r.HandleFunc("/sessions/{session_id}/challenge", s.HandleResolveChallenge).Methods("POST")
	r.HandleFunc("/sessions/{session_id}/complete", s.HandleComplete).Methods("POST")
}

// HandleStartSession opens or idempotently resumes a proctored session.
func (s *Service) HandleStartSession(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")

	var req models.StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON body", requestID, 0)
		return
	}

	resp, err := s.engine.StartSession(r.Context(), &req)
	if err != nil {
		s.writeEngineError(w, err, requestID)
		return
	}

	status := http.StatusCreated
	if resp.Resumed {
		status = http.StatusOK
	}
	s.writeJSON(w, status, resp)
}

// HandleGetSession returns the session read model, including any pending
// challenge for clients polling for one.
func (s *Service) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	sessionID := mux.Vars(r)["session_id"]

	view, err := s.engine.GetSession(sessionID)
	if err != nil {
		s.writeEngineError(w, err, requestID)
		return
	}

	s.writeJSON(w, http.StatusOK, view)
}

// HandleProgress applies a heartbeat to a session.
func (s *Service) HandleProgress(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	sessionID := mux.Vars(r)["session_id"]

	var req models.ProgressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON body", requestID, 0)
		return
	}

	resp, err := s.engine.ReportProgress(sessionID, &req)
	if err != nil {
		s.writeEngineError(w, err, requestID)
		return
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// HandleResolveChallenge resolves the outstanding liveness challenge.
func (s *Service) HandleResolveChallenge(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	sessionID := mux.Vars(r)["session_id"]

	var req models.ResolveChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON body", requestID, 0)
		return
	}

	resp, err := s.engine.ResolveChallenge(r.Context(), sessionID, &req)
	if err != nil {
		s.writeEngineError(w, err, requestID)
		return
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// HandleComplete evaluates the completion rule for a session.
func (s *Service) HandleComplete(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	sessionID := mux.Vars(r)["session_id"]

	resp, err := s.engine.CompleteSession(sessionID)
	if err != nil {
		s.writeEngineError(w, err, requestID)
		return
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// writeEngineError maps typed engine errors to HTTP status codes and the
// standard error envelope.
func (s *Service) writeEngineError(w http.ResponseWriter, err error, requestID string) {
	var (
		notFound     *models.NotFoundError
		validation   *models.ValidationError
		state        *models.StateError
		insufficient *models.InsufficientWatchTimeError
	)

	switch {
	case errors.As(err, &notFound):
		s.writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error(), requestID, 0)
	case errors.As(err, &validation):
		s.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), requestID, 0)
	case errors.As(err, &state):
		s.writeError(w, http.StatusConflict, "INVALID_STATE", err.Error(), requestID, 0)
	case errors.As(err, &insufficient):
		s.writeError(w, http.StatusConflict, "INSUFFICIENT_WATCH_TIME", err.Error(), requestID, insufficient.Shortfall)
	default:
		lg := logger.WithRequestID(requestID)
		lg.Error().Err(err).Msg("Unhandled engine error")
		s.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error", requestID, 0)
	}
}

func (s *Service) writeJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(payload)
}

func (s *Service) writeError(w http.ResponseWriter, statusCode int, code, message, requestID string, shortfall int) {
	errorResp := models.ErrorResponse{
		Error: models.ErrorDetails{
			Code:      code,
			Message:   message,
			RequestID: requestID,
			Shortfall: shortfall,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(errorResp)
}
