// Package gateway exposes the diagnostic pipeline over HTTP: session
// creation with the clarification pre-pass, the doctor review endpoints, a
// WebSocket progress stream, and the patient profile store.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dermaflow/dermaflow/internal/agents"
	"github.com/dermaflow/dermaflow/internal/events"
	"github.com/dermaflow/dermaflow/internal/gateway/ws"
	"github.com/dermaflow/dermaflow/internal/models"
	"github.com/dermaflow/dermaflow/internal/review"
	"github.com/dermaflow/dermaflow/internal/session"
)

// Server is the dermaflow gateway HTTP server.
type Server struct {
	httpServer  *http.Server
	hub         *ws.Hub
	bus         *events.Bus
	manager     *session.Manager
	registry    *models.Registry
	profilePath string
	host        string
	port        int
}

// NewServer creates a gateway server over the session manager.
func NewServer(bus *events.Bus, manager *session.Manager, registry *models.Registry, profilePath, host string, port int) *Server {
	hub := ws.NewHub(bus)

	s := &Server{
		hub:         hub,
		bus:         bus,
		manager:     manager,
		registry:    registry,
		profilePath: profilePath,
		host:        host,
		port:        port,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ws", hub.ServeWS)
	r.Get("/api/events", s.handleEvents)

	r.Post("/api/start", s.handleStart)
	r.Route("/api/sessions/{id}", func(r chi.Router) {
		r.Post("/clarify", s.handleClarify)
		r.Post("/analyze", s.handleAnalyze)
		r.Get("/result", s.handleResult)
		r.Post("/approve", s.handleApprove)
		r.Post("/reject", s.handleReject)
	})

	r.Get("/api/profile", s.handleGetProfile)
	r.Put("/api/profile", s.handlePutProfile)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: r,
	}

	return s
}

// Start begins listening. It blocks until the server is stopped.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	slog.Info("dermaflow gateway listening", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"status": "ok"}
	if s.registry != nil {
		if baseURL := s.registry.VisionBaseURL(); baseURL != "" {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()
			if err := models.Ping(ctx, baseURL); err != nil {
				out["status"] = "degraded"
				out["vision_backend"] = err.Error()
			} else {
				out["vision_backend"] = "ok"
			}
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}
	writeJSON(w, http.StatusOK, s.bus.History(limit))
}

type startRequest struct {
	PatientText string `json:"patient_text"`
	ImagePath   string `json:"image_path,omitempty"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PatientText == "" {
		httpError(w, http.StatusBadRequest, "patient_text is required")
		return
	}

	profile, err := agents.LoadProfile(s.profilePath)
	if err != nil {
		slog.Warn("profile unreadable, proceeding anonymous", "error", err)
		profile = &agents.PatientProfile{Name: "Anonymous"}
	}

	sess, assessment, err := s.manager.Create(req.PatientText, req.ImagePath, profile)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if assessment.Needs {
		writeJSON(w, http.StatusOK, map[string]any{
			"session_id": sess.ID,
			"status":     "needs_clarification",
			"questions":  assessment.Questions,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sess.ID,
		"status":     "running",
	})
}

type clarifyRequest struct {
	Answers []string `json:"answers"`
}

func (s *Server) handleClarify(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req clarifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.manager.Answer(sess, req.Answers); err != nil {
		httpError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sess.ID, "status": "running"})
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := s.manager.Analyze(sess); err != nil {
		httpError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sess.ID, "status": "running"})
}

// handleResult is the polling fallback for clients without a WS connection.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	out := map[string]any{
		"session_id": sess.ID,
		"state":      sess.Machine.State(),
		"run_count":  sess.Trail.CurrentRun(),
	}
	if final := sess.Result(); final != nil {
		out["result"] = final
	}
	if failed := sess.FailedTasks(); len(failed) > 0 {
		out["failed_tasks"] = failed
	}
	if qs := sess.PendingQuestions(); len(qs) > 0 {
		out["questions"] = qs
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := s.manager.Approve(sess); err != nil {
		httpError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sess.ID,
		"state":      review.StateApproved,
	})
}

type rejectRequest struct {
	Feedback string `json:"feedback"`
	Scope    string `json:"scope,omitempty"`
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req rejectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.manager.Reject(sess, req.Feedback, req.Scope); err != nil {
		httpError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sess.ID,
		"status":     "running",
		"run_count":  sess.Trail.CurrentRun(),
	})
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := agents.LoadProfile(s.profilePath)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handlePutProfile(w http.ResponseWriter, r *http.Request) {
	var profile agents.PatientProfile
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := agents.SaveProfile(s.profilePath, &profile); err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, &profile)
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := s.manager.Get(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			httpError(w, http.StatusNotFound, "session not found")
		} else {
			httpError(w, http.StatusInternalServerError, err.Error())
		}
		return nil, false
	}
	return sess, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
