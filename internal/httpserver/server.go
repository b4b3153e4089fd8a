// Package httpserver exposes the approval-facing API consumed by the portal
// backend. Errors identify the failed precondition so the portal can explain
// it; retry and backoff internals are never surfaced.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/genassista/edu-pipeline/internal/approval"
	"github.com/genassista/edu-pipeline/internal/state"
	"github.com/genassista/edu-pipeline/internal/store"
)

type Server struct {
	approval *approval.Service
	store    store.Store
	validate *validator.Validate
}

func New(svc *approval.Service, st store.Store) *Server {
	return &Server{
		approval: svc,
		store:    st,
		validate: validator.New(),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)

	r.Route("/pipeline", func(r chi.Router) {
		r.Post("/submissions", s.handleCreate)
		r.Get("/submissions/{id}", s.handleGet)
		r.Get("/submissions/{id}/history", s.handleHistory)
		r.Post("/submissions/{id}/approve", s.handleApprove)
		r.Post("/submissions/{id}/reject", s.handleReject)
		r.Post("/submissions/{id}/feedback", s.handleFeedback)
		r.Post("/submissions/{id}/grade", s.handleGrade)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if err := s.store.Ping(ctx); err != nil {
		status["ok"] = false
		status["db"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

type createRequest struct {
	ID           string `json:"id"`
	AssignmentID string `json:"assignmentId" validate:"required"`
	StudentID    string `json:"studentId" validate:"required"`
	ContentRef   string `json:"contentRef"`
	Content      string `json:"content"`
	Subject      string `json:"subject"`
	Level        string `json:"level"`
}

// handleCreate is the ingestion seam for the upload collaborator in
// deployments where it shares this service's store.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !s.decode(w, r, &req) {
		return
	}
	sub, err := s.store.CreateSubmission(r.Context(), store.SubmissionInput{
		ID:           req.ID,
		AssignmentID: req.AssignmentID,
		StudentID:    req.StudentID,
		ContentRef:   req.ContentRef,
		Content:      req.Content,
		Subject:      req.Subject,
		Level:        req.Level,
	})
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sub, err := s.approval.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.approval.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"transitions": entries})
}

type approveRequest struct {
	ActorID string `json:"actorId" validate:"required"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if !s.decode(w, r, &req) {
		return
	}
	sub, err := s.approval.Approve(r.Context(), chi.URLParam(r, "id"), req.ActorID)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

type rejectRequest struct {
	ActorID string `json:"actorId" validate:"required"`
	Reason  string `json:"reason" validate:"required"`
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if !s.decode(w, r, &req) {
		return
	}
	sub, err := s.approval.Reject(r.Context(), chi.URLParam(r, "id"), req.ActorID, req.Reason)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

type feedbackRequest struct {
	ActorID  string `json:"actorId" validate:"required"`
	Feedback string `json:"feedback" validate:"required"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if !s.decode(w, r, &req) {
		return
	}
	sub, err := s.approval.SetFeedback(r.Context(), chi.URLParam(r, "id"), req.ActorID, req.Feedback)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

type gradeRequest struct {
	ActorID          string `json:"actorId" validate:"required"`
	Grade            string `json:"grade" validate:"required"`
	AdjustmentReason string `json:"adjustmentReason"`
}

func (s *Server) handleGrade(w http.ResponseWriter, r *http.Request) {
	var req gradeRequest
	if !s.decode(w, r, &req) {
		return
	}
	sub, err := s.approval.SetGrade(r.Context(), chi.URLParam(r, "id"), req.ActorID, req.Grade, req.AdjustmentReason)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

// decode unmarshals and validates the request body, writing the error
// response itself when the body is unusable.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "validation_failed", err.Error())
		return false
	}
	return true
}

// respondServiceError maps pipeline errors onto the structured error surface:
// which precondition failed, and with what status.
func (s *Server) respondServiceError(w http.ResponseWriter, err error) {
	var ite *state.InvalidTransitionError
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found", "submission not found")
	case errors.As(err, &ite):
		code := "invalid_transition"
		if ite.Terminal {
			code = "already_terminal"
		}
		respondError(w, http.StatusConflict, code, ite.Error())
	case errors.Is(err, approval.ErrReasonRequired):
		respondError(w, http.StatusUnprocessableEntity, "reason_required", err.Error())
	case errors.Is(err, approval.ErrInvalidGrade):
		respondError(w, http.StatusUnprocessableEntity, "invalid_grade", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code, msg string) {
	respondJSON(w, status, map[string]string{"error": msg, "code": code})
}
