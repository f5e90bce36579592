// Package server exposes the workflow orchestrator over HTTP: execution and
// resume endpoints, an SSE event stream, and the human intervention API.
package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/deepnoodle-ai/orchestrator"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Authorizer decides whether a request may start or resume workflows.
type Authorizer interface {
	Authorize(r *http.Request) error
}

// AllowAll is an Authorizer that accepts every request.
type AllowAll struct{}

func (AllowAll) Authorize(r *http.Request) error { return nil }

// Options configures a Server.
type Options struct {
	Orchestrator *orchestrator.Orchestrator
	Logger       *slog.Logger
	Authorizer   Authorizer

	// CORSOrigins lists allowed origins. Empty means allow all.
	CORSOrigins []string
}

// Server is the HTTP front end of an Orchestrator.
type Server struct {
	orch   *orchestrator.Orchestrator
	logger *slog.Logger
	auth   Authorizer
	router chi.Router
}

// New creates a new Server.
func New(opts Options) (*Server, error) {
	if opts.Orchestrator == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Authorizer == nil {
		opts.Authorizer = AllowAll{}
	}
	s := &Server{
		orch:   opts.Orchestrator,
		logger: opts.Logger,
		auth:   opts.Authorizer,
	}
	s.router = s.buildRouter(opts.CORSOrigins)
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter(corsOrigins []string) chi.Router {
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/workflows", func(r chi.Router) {
		r.Post("/execute", s.handleExecute)
		r.Post("/{conversation_id}/resume", s.handleResume)
		r.Get("/{conversation_id}/state", s.handleState)
		r.Get("/{workflow_id}/events", s.handleEvents)
	})
	r.Route("/hitl", func(r chi.Router) {
		r.Post("/respond", s.handleRespond)
		r.Get("/pending", s.handlePending)
	})
	return r
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if err := s.auth.Authorize(r); err != nil {
		s.writeError(w, http.StatusForbidden, err)
		return
	}
	var req orchestrator.ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	if wantsStream(r) {
		events, err := s.orch.Stream(r.Context(), req)
		if err != nil {
			s.writeOrchestratorError(w, err)
			return
		}
		s.streamEvents(w, r, events)
		return
	}

	state, err := s.orch.Execute(r.Context(), req)
	if err != nil {
		s.writeOrchestratorError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

type resumeBody struct {
	Action    string         `json:"action"`
	Data      map[string]any `json:"data,omitempty"`
	Feedback  string         `json:"feedback,omitempty"`
	Responder string         `json:"responder,omitempty"`
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.auth.Authorize(r); err != nil {
		s.writeError(w, http.StatusForbidden, err)
		return
	}
	threadID := chi.URLParam(r, "conversation_id")
	var body resumeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	resume := &orchestrator.ResumeValue{
		Action:    body.Action,
		Data:      body.Data,
		Feedback:  body.Feedback,
		Responder: body.Responder,
	}

	if wantsStream(r) {
		events, err := s.orch.StreamResume(r.Context(), threadID, resume)
		if err != nil {
			s.writeOrchestratorError(w, err)
			return
		}
		s.streamEvents(w, r, events)
		return
	}

	state, err := s.orch.Resume(r.Context(), threadID, resume)
	if err != nil {
		s.writeOrchestratorError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "conversation_id")
	state, err := s.orch.GetState(r.Context(), threadID)
	if err != nil {
		s.writeOrchestratorError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

// handleEvents streams the live events of a running workflow over SSE. The
// stream ends at the workflow's terminal event or when the client leaves.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflow_id")
	sub := orchestrator.NewChannelSubscriber(64)
	s.orch.Broadcaster().Subscribe(sub, workflowID)
	defer s.orch.Broadcaster().UnsubscribeAll(sub)

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming not supported"))
		return
	}
	setSSEHeaders(w)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			writeSSEEvent(w, s.logger, event)
			flusher.Flush()
			if event.Terminal() {
				return
			}
		}
	}
}

type respondBody struct {
	RequestID string         `json:"request_id"`
	Action    string         `json:"action"`
	Data      map[string]any `json:"data,omitempty"`
	Feedback  string         `json:"feedback,omitempty"`
	Responder string         `json:"responder,omitempty"`
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	if err := s.auth.Authorize(r); err != nil {
		s.writeError(w, http.StatusForbidden, err)
		return
	}
	var body respondBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if body.RequestID == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("request_id is required"))
		return
	}
	state, err := s.orch.Interventions().Respond(r.Context(), body.RequestID, &orchestrator.ResumeValue{
		Action:    body.Action,
		Data:      body.Data,
		Feedback:  body.Feedback,
		Responder: body.Responder,
	})
	if err != nil {
		s.writeOrchestratorError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	threadID := r.URL.Query().Get("conversation_id")
	if threadID == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("conversation_id is required"))
		return
	}
	pending, err := s.orch.Interventions().Pending(r.Context(), threadID)
	if err != nil {
		s.writeOrchestratorError(w, err)
		return
	}
	if pending == nil {
		pending = []*orchestrator.InterventionRequest{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"pending": pending})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, events <-chan orchestrator.Event) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming not supported"))
		return
	}
	setSSEHeaders(w)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			writeSSEEvent(w, s.logger, event)
			flusher.Flush()
		}
	}
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

func writeSSEEvent(w http.ResponseWriter, logger *slog.Logger, event orchestrator.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		logger.Error("failed to marshal SSE event", "event_type", event.Type, "error", err)
		fmt.Fprint(w, "event: error\ndata: {\"error\":\"failed to serialize event\"}\n\n")
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
}

func (s *Server) writeOrchestratorError(w http.ResponseWriter, err error) {
	switch {
	case orchestrator.IsValidationError(err):
		s.writeError(w, http.StatusBadRequest, err)
	case orchestrator.IsNoCheckpointError(err):
		s.writeError(w, http.StatusNotFound, err)
	case orchestrator.IsThreadBusyError(err):
		s.writeError(w, http.StatusConflict, err)
	default:
		s.logger.Error("request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("internal error"))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func wantsStream(r *http.Request) bool {
	if r.URL.Query().Get("stream") == "true" {
		return true
	}
	return r.Header.Get("Accept") == "text/event-stream"
}
