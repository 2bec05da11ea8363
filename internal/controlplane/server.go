// Package controlplane provides the HTTP API for the Agor daemon. It is a
// thin surface over the orchestrator: no lifecycle logic lives here.
package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/agor-sh/agor/internal/bus"
	"github.com/agor-sh/agor/internal/models"
	"github.com/agor-sh/agor/internal/orchestrator"
	"github.com/agor-sh/agor/internal/store"
	"github.com/agor-sh/agor/internal/token"
)

// Server provides the HTTP API for Agor.
type Server struct {
	orch   *orchestrator.Orchestrator
	store  *store.Store
	bus    *bus.Bus
	tokens *token.Issuer
	addr   string
	server *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(orch *orchestrator.Orchestrator, s *store.Store, b *bus.Bus, tokens *token.Issuer, addr string) *Server {
	return &Server{
		orch:   orch,
		store:  s,
		bus:    b,
		tokens: tokens,
		addr:   addr,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/sessions", s.handleSessions)
	mux.HandleFunc("/sessions/", s.handleSessionByID)
	mux.HandleFunc("/queue/", s.handleQueueByID)
	mux.HandleFunc("/executor/events", s.handleExecutorEvent)

	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	log.Printf("Starting Agor daemon on %s", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleHealth reports daemon liveness and database reachability.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		http.Error(w, `{"status":"degraded"}`, http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// handleSessions handles POST /sessions and GET /sessions
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createSession(w, r)
	case http.MethodGet:
		s.listSessions(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleSessionByID handles /sessions/{id}/*
func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/sessions/")
	parts := strings.Split(path, "/")

	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "session id required", http.StatusBadRequest)
		return
	}

	sessionID := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.getSession(w, r, sessionID)
	case action == "prompts" && r.Method == http.MethodPost:
		s.submitPrompt(w, r, sessionID)
	case action == "stop" && r.Method == http.MethodPost:
		s.stopSession(w, r, sessionID)
	case action == "tasks" && r.Method == http.MethodGet:
		s.listTasks(w, r, sessionID)
	case action == "queue" && r.Method == http.MethodGet:
		s.listQueue(w, r, sessionID)
	case action == "transitions" && r.Method == http.MethodGet:
		s.listTransitions(w, r, sessionID)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

// handleQueueByID handles DELETE /queue/{id}
func (s *Server) handleQueueByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/queue/")
	if id == "" {
		http.Error(w, "queued message id required", http.StatusBadRequest)
		return
	}
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	deleted, err := s.orch.CancelQueuedMessage(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !deleted {
		http.Error(w, "queued message not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"cancelled"}`))
}

// --- Session Handlers ---

type createSessionRequest struct {
	AgentTool      string `json:"agent_tool"`
	WorktreePath   string `json:"worktree_path"`
	PermissionMode string `json:"permission_mode"`
	User           string `json:"user"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	sess, err := s.orch.CreateSession(req.AgentTool, req.WorktreePath, req.PermissionMode, req.User)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(sess)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	status := models.SessionStatus(r.URL.Query().Get("status"))
	sessions, err := s.store.ListSessions(status)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if sessions == nil {
		sessions = []models.Session{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sessions)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	sess, err := s.store.GetSession(sessionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if sess == nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sess)
}

type promptRequest struct {
	Prompt string `json:"prompt"`
	User   string `json:"user"`
}

func (s *Server) submitPrompt(w http.ResponseWriter, r *http.Request, sessionID string) {
	var req promptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		http.Error(w, "prompt required", http.StatusBadRequest)
		return
	}

	result, err := s.orch.SubmitPrompt(sessionID, req.Prompt, req.User)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, orchestrator.ErrSessionNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(result)
}

type stopRequest struct {
	User string `json:"user"`
}

func (s *Server) stopSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	var req stopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	result, err := s.orch.StopSession(r.Context(), sessionID, req.User)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, orchestrator.ErrSessionNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request, sessionID string) {
	tasks, err := s.store.ListTasks(sessionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if tasks == nil {
		tasks = []models.Task{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(tasks)
}

func (s *Server) listQueue(w http.ResponseWriter, r *http.Request, sessionID string) {
	msgs, err := s.store.ListQueuedMessages(sessionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []models.QueuedMessage{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(msgs)
}

func (s *Server) listTransitions(w http.ResponseWriter, r *http.Request, sessionID string) {
	records, err := s.store.TransitionsForSession(sessionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []store.TransitionRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(records)
}

// --- Executor Event Ingest ---

// executorEvent is the envelope the spawned executor posts back. The bearer
// session token scopes it to one session; any cross-session event is
// rejected.
type executorEvent struct {
	Kind         string       `json:"kind"`
	SessionID    string       `json:"session_id"`
	TaskID       string       `json:"task_id"`
	SDKSessionID string       `json:"sdk_session_id,omitempty"`
	Usage        models.Usage `json:"usage,omitempty"`
	Error        string       `json:"error,omitempty"`
}

func (s *Server) handleExecutorEvent(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.ingestExecutorEvent(w, r)
	case http.MethodGet:
		s.streamExecutorEvents(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// authorizeExecutor validates the bearer session token on an executor
// request. On failure it writes the error response and returns nil.
func (s *Server) authorizeExecutor(w http.ResponseWriter, r *http.Request) *token.Grant {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		http.Error(w, "session token required", http.StatusUnauthorized)
		return nil
	}
	grant, err := s.tokens.Validate(strings.TrimPrefix(auth, "Bearer "))
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return nil
	}
	return grant
}

func (s *Server) ingestExecutorEvent(w http.ResponseWriter, r *http.Request) {
	grant := s.authorizeExecutor(w, r)
	if grant == nil {
		return
	}

	var evt executorEvent
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if evt.SessionID != grant.SessionID {
		http.Error(w, "token not valid for session", http.StatusForbidden)
		return
	}

	if err := s.dispatchExecutorEvent(evt); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) dispatchExecutorEvent(evt executorEvent) error {
	switch evt.Kind {
	case "agent_message":
		return s.orch.RecordMessage(evt.SessionID, evt.TaskID)
	case "task_awaiting_permission":
		return s.orch.MarkTaskAwaitingPermission(evt.TaskID)
	case "task_resumed":
		return s.orch.ResumeTask(evt.TaskID)
	case "task_completed":
		return s.orch.CompleteTask(evt.TaskID, evt.Usage, evt.SDKSessionID)
	case "task_failed":
		return s.orch.FailTask(evt.TaskID, evt.Error)
	case "task_stop_ack":
		s.bus.Emit(bus.Event{Kind: bus.KindTaskStopAck, SessionID: evt.SessionID, TaskID: evt.TaskID})
		return nil
	case "task_stopped_complete":
		s.bus.Emit(bus.Event{Kind: bus.KindTaskStoppedComplete, SessionID: evt.SessionID, TaskID: evt.TaskID})
		return nil
	default:
		return errors.New("unknown event kind: " + evt.Kind)
	}
}

// streamExecutorEvents serves GET /executor/events as a server-sent event
// stream of bus events for the token's session. This is the executor's
// inbound channel: stop requests reach the child process here, so an
// executor that never connects can never acknowledge a stop.
func (s *Server) streamExecutorEvents(w http.ResponseWriter, r *http.Request) {
	grant := s.authorizeExecutor(w, r)
	if grant == nil {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, unsubscribe := s.bus.Subscribe(grant.SessionID)
	defer unsubscribe()

	// The stream outlives the server's write timeout; lift the deadline for
	// this response only. Not every ResponseWriter supports it, so the error
	// is ignored.
	rc := http.NewResponseController(w)
	rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				log.Printf("stream executor events: marshal: %v", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
