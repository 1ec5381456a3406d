package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/ontopilot/ontopilot/internal/auth"
	"github.com/ontopilot/ontopilot/internal/deploy"
	"github.com/ontopilot/ontopilot/internal/models"
	"github.com/ontopilot/ontopilot/internal/pipeline"
	"github.com/ontopilot/ontopilot/internal/store"
	"github.com/ontopilot/ontopilot/internal/workflow"
)

type Server struct {
	coordinator *pipeline.Coordinator
	store       store.Store
	verifier    *auth.Verifier
}

func New(coordinator *pipeline.Coordinator, st store.Store, verifier *auth.Verifier) *Server {
	return &Server{coordinator: coordinator, store: st, verifier: verifier}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)

	r.Route("/pipeline", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.verifier.Middleware)
			r.Post("/proposals", s.handleCreateProposal)
			r.Post("/simulate", s.handleSimulate)
			r.Post("/approve", s.handleApprove)
			r.Post("/execute", s.handleExecute)
			r.Get("/status/{proposalID}", s.handleStatus)
		})
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

func (s *Server) handleCreateProposal(w http.ResponseWriter, r *http.Request) {
	var proposal models.ChangeProposal
	if err := decodeJSON(w, r, &proposal); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	created, err := s.coordinator.CreateProposal(r.Context(), proposal)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

type simulateRequest struct {
	ProposalID string `json:"proposalId"`
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var req simulateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	proposalID, err := uuid.Parse(req.ProposalID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid proposalId")
		return
	}
	report, err := s.coordinator.Simulate(r.Context(), proposalID)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, report)
}

type approveRequest struct {
	ProposalID string `json:"proposalId"`
	Decision   string `json:"decision"`
	Comment    string `json:"comment"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	proposalID, err := uuid.Parse(req.ProposalID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid proposalId")
		return
	}
	decision := models.Decision(req.Decision)
	if decision != models.DecisionApprove && decision != models.DecisionReject {
		respondError(w, http.StatusBadRequest, "decision must be approve or reject")
		return
	}
	identity, ok := auth.FromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "approver identity required")
		return
	}
	state, err := s.coordinator.Approve(r.Context(), proposalID, models.Approval{
		ApproverID:   identity.ApproverID,
		ApproverRole: identity.Role,
		Decision:     decision,
		Comment:      req.Comment,
		DecidedAt:    time.Now().UTC(),
	})
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, state)
}

type executeRequest struct {
	ProposalID string `json:"proposalId"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	proposalID, err := uuid.Parse(req.ProposalID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid proposalId")
		return
	}
	deployment, err := s.coordinator.Execute(r.Context(), proposalID)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, deployment)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	proposalID, err := uuid.Parse(chi.URLParam(r, "proposalID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid proposal id")
		return
	}
	view, err := s.coordinator.Status(r.Context(), proposalID)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// statusFor maps sentinel errors onto HTTP status codes; anything
// unrecognized is a 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrUnknownProposal),
		errors.Is(err, workflow.ErrUnknownWorkflow),
		errors.Is(err, deploy.ErrUnknownDeployment),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrNotApproved),
		errors.Is(err, workflow.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrSimulationInFlight):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
